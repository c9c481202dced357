package models

import "time"

const (
	WHATSAPP_STATE_OPEN       = "open"
	WHATSAPP_STATE_CONNECTING = "connecting"
	WHATSAPP_STATE_CLOSE      = "close"
	WHATSAPP_STATE_QRCODE     = "qrcode"
)

// WhatsAppConfig stores the tenant-specific provider connection.
// One row per tenant (multi-tenant). Empty BaseURL/APIKey fall back to the
// global provider settings.
type WhatsAppConfig struct {
	ID                 int64      `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	TenantID           string     `gorm:"not null;unique_index" json:"tenant_id"`
	Instance           string     `gorm:"not null;unique_index" json:"instance"`
	BaseURL            string     `gorm:"column:base_url;default:''" json:"base_url"`
	APIKey             string     `gorm:"column:api_key;default:''" json:"-"`
	InsecureSkipVerify bool       `gorm:"column:insecure_skip_verify;not null;default:false" json:"insecure_skip_verify"`
	ConnectionState    string     `gorm:"column:connection_state;default:''" json:"connection_state"`
	OwnerJID           string     `gorm:"column:owner_jid;default:''" json:"owner_jid"`
	QRCodeUpdatedAt    *time.Time `gorm:"column:qrcode_updated_at" json:"qrcode_updated_at"`
	CreatedAt          *time.Time `json:"created_at"`
	UpdatedAt          *time.Time `json:"updated_at"`
}
