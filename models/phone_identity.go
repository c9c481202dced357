package models

import "time"

// PhoneIdentityMapping maps one phone digit string (canonical or variant) to
// the tenant that owns it. Entries are rewritten lazily by any resolution
// path; a conflicting write simply wins.
type PhoneIdentityMapping struct {
	Phone          string     `gorm:"primary_key;type:varchar(20)" json:"phone"`
	TenantID       string     `gorm:"not null;index" json:"tenant_id"`
	CanonicalPhone string     `gorm:"not null" json:"canonical_phone"`
	OriginalPhone  string     `gorm:"default:''" json:"original_phone"`
	UpdatedAt      *time.Time `json:"updated_at"`
}
