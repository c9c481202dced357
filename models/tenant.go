package models

import "time"

// Tenant é a conta de um negócio (criada no onboarding, fora deste serviço).
type Tenant struct {
	ID        string     `gorm:"primary_key;type:varchar(64)" json:"id"`
	Name      string     `gorm:"default:''" json:"name"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// TenantPhone is a phone number registered by a tenant, stored as typed at
// onboarding. It is the source of truth scanned when the directory misses.
type TenantPhone struct {
	ID        int64      `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	TenantID  string     `gorm:"not null;index" json:"tenant_id"`
	Phone     string     `gorm:"not null" json:"phone"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}
