package models

import (
	"strings"
	"time"
)

/************************************************
/**** MARK: EVENT STATUS ****/
/************************************************/
const EVENT_STATUS_RECEIVED = "received"
const EVENT_STATUS_PROCESSING = "processing"
const EVENT_STATUS_TENANT_RESOLVED = "tenant_resolved"
const EVENT_STATUS_DISPATCHED = "dispatched"
const EVENT_STATUS_PROCESSED = "processed"
const EVENT_STATUS_DROPPED = "dropped"

/************************************************
/**** MARK: EVENT TYPES ****/
/************************************************/
const EVENT_TYPE_MESSAGES_UPSERT = "messages.upsert"
const EVENT_TYPE_CONNECTION_UPDATE = "connection.update"
const EVENT_TYPE_QRCODE_UPDATED = "qrcode.updated"
const EVENT_TYPE_CONTACTS_UPDATE = "contacts.update"
const EVENT_TYPE_CHATS_UPSERT = "chats.upsert"

// Event representa uma entrega de webhook aceita.
// Entra como "received", é respondida na hora e processada de forma assíncrona.
type Event struct {
	ID          int64      `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	Type        string     `gorm:"not null;index" json:"type"`
	Instance    string     `gorm:"default:''" json:"instance"`
	TenantHint  string     `gorm:"column:tenant_hint;default:''" json:"tenant_hint"`
	TenantID    string     `gorm:"default:'';index" json:"tenant_id"`
	Payload     string     `gorm:"type:text" json:"payload"`
	Status      string     `gorm:"not null;default:'received';index" json:"status"`
	DropReason  string     `gorm:"column:drop_reason;default:''" json:"drop_reason"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	ProcessedAt *time.Time `json:"processed_at"`
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

// NormalizeEventType maps the provider spellings ("MESSAGES_UPSERT",
// "messages.upsert") to one form. Unknown types return "".
func NormalizeEventType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	t = strings.ReplaceAll(t, "_", ".")
	switch t {
	case EVENT_TYPE_MESSAGES_UPSERT,
		EVENT_TYPE_CONNECTION_UPDATE,
		EVENT_TYPE_QRCODE_UPDATED,
		EVENT_TYPE_CONTACTS_UPDATE,
		EVENT_TYPE_CHATS_UPSERT:
		return t
	}
	return ""
}
