package models

import "time"

/************************************************
/**** MARK: CONTACT NAME SOURCE ****/
/************************************************/
const CONTACT_NAME_SOURCE_CUSTOMER = "customer"
const CONTACT_NAME_SOURCE_VERIFIED = "verified"
const CONTACT_NAME_SOURCE_PUSH = "push"
const CONTACT_NAME_SOURCE_SYNC = "sync"

// Contact guarda o estado da conversa com um contato de um tenant.
// Chave: (tenant_id, phone) com o telefone canônico.
type Contact struct {
	ID                   int64      `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	TenantID             string     `gorm:"not null;unique_index:idx_contacts_tenant_phone" json:"tenant_id"`
	Phone                string     `gorm:"not null;unique_index:idx_contacts_tenant_phone" json:"phone"`
	Name                 string     `gorm:"default:''" json:"name"`
	NameSource           string     `gorm:"column:name_source;default:''" json:"name_source"`
	RawJID               string     `gorm:"column:raw_jid;index" json:"raw_jid"`
	ProfilePicURL        string     `gorm:"column:profile_pic_url;type:text" json:"profile_pic_url"`
	LastMessageID        string     `gorm:"column:last_message_id" json:"last_message_id"`
	LastMessageText      string     `gorm:"column:last_message_text;type:text" json:"last_message_text"`
	LastMessageType      string     `gorm:"column:last_message_type" json:"last_message_type"`
	LastMessageDirection string     `gorm:"column:last_message_direction" json:"last_message_direction"`
	LastMessageAt        *time.Time `gorm:"column:last_message_at" json:"last_message_at"`
	UnreadCount          int        `gorm:"column:unread_count;not null;default:0" json:"unread_count"`
	CreatedAt            *time.Time `json:"created_at"`
	UpdatedAt            *time.Time `json:"updated_at"`
}
