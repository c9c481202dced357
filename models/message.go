package models

import "time"

/************************************************
/**** MARK: MESSAGE DIRECTION ****/
/************************************************/
const MESSAGE_DIRECTION_INBOUND = "inbound"
const MESSAGE_DIRECTION_OUTBOUND = "outbound"

/************************************************
/**** MARK: MESSAGE TYPES ****/
/************************************************/
const MESSAGE_TYPE_TEXT = "text"
const MESSAGE_TYPE_IMAGE = "image"
const MESSAGE_TYPE_VIDEO = "video"
const MESSAGE_TYPE_AUDIO = "audio"
const MESSAGE_TYPE_DOCUMENT = "document"

/************************************************
/**** MARK: MESSAGE CLASSIFICATION ****/
/************************************************/
// Classification is owned by writers other than the webhook (manual sends,
// automations). Once set, webhook deliveries never touch the record again.
const MESSAGE_CLASSIFICATION_MANUAL = "manual"
const MESSAGE_CLASSIFICATION_AUTOMATIC = "automatic"

// Message is one provider message, unique per (tenant, provider message id).
type Message struct {
	ID             int64      `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	TenantID       string     `gorm:"not null;unique_index:idx_messages_tenant_message" json:"tenant_id"`
	MessageID      string     `gorm:"not null;unique_index:idx_messages_tenant_message" json:"message_id"`
	Chat           string     `gorm:"not null;index" json:"chat"`
	Direction      string     `gorm:"not null" json:"direction"`
	Type           string     `gorm:"not null" json:"type"`
	Text           string     `gorm:"type:text" json:"text"`
	FileName       string     `gorm:"column:file_name" json:"file_name"`
	MediaURL       string     `gorm:"column:media_url;type:text" json:"media_url"`
	MediaPath      string     `gorm:"column:media_path" json:"media_path"`
	MediaMime      string     `gorm:"column:media_mime" json:"media_mime"`
	MediaSize      int64      `gorm:"column:media_size" json:"media_size"`
	MediaMissing   bool       `gorm:"column:media_missing;not null;default:false" json:"media_missing"`
	Timestamp      time.Time  `json:"timestamp"`
	Classification string     `gorm:"default:''" json:"classification"`
	PushName       string     `gorm:"column:push_name" json:"push_name"`
	Participant    string     `gorm:"column:participant" json:"participant"`
	RemoteJID      string     `gorm:"column:remote_jid" json:"remote_jid"`
	Lid            string     `gorm:"column:lid" json:"lid"`
	CreatedAt      *time.Time `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
}

// HasMedia reports whether a durable media reference is stored.
func (m Message) HasMedia() bool {
	return m.MediaPath != "" || m.MediaURL != ""
}

// IsMediaType reports whether messages of type t carry an attachment.
func IsMediaType(t string) bool {
	switch t {
	case MESSAGE_TYPE_IMAGE, MESSAGE_TYPE_VIDEO, MESSAGE_TYPE_AUDIO, MESSAGE_TYPE_DOCUMENT:
		return true
	}
	return false
}
