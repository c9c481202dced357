package models

import "time"

// Customer is a business-customer record kept by the tenant's own back
// office. Read-only here: used to name contacts and to match push names.
type Customer struct {
	ID        int64      `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	TenantID  string     `gorm:"not null;index" json:"tenant_id"`
	Name      string     `gorm:"not null" json:"name"`
	Phone     string     `gorm:"default:'';index" json:"phone"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}
