package ingest

import (
	"context"
	"strings"
	"time"

	"wainbox/db"
	"wainbox/models"
	"wainbox/tools"

	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
)

// Snapshot is the denormalized copy of a message kept on the contact.
type Snapshot struct {
	MessageID string
	Text      string
	Type      string
	Direction string
	Timestamp time.Time
}

// NameHints are the naming and addressing signals of one event.
type NameHints struct {
	PushName     string
	VerifiedName string
	// RawJID is the transport id of the chat. Only inbound ids are recorded.
	RawJID string
}

// ContactUpdate is one event's change to a contact.
type ContactUpdate struct {
	TenantID string
	Phone    string
	Snapshot Snapshot
	Hints    NameHints
	// IsNew is true when the message was stored for the first time; only
	// then does it move the unread counter.
	IsNew bool
}

func (u ContactUpdate) inbound() bool {
	return u.Snapshot.Direction != models.MESSAGE_DIRECTION_OUTBOUND
}

var nameSourceRank = map[string]int{
	"":                                  0,
	models.CONTACT_NAME_SOURCE_SYNC:     1,
	models.CONTACT_NAME_SOURCE_PUSH:     1,
	models.CONTACT_NAME_SOURCE_VERIFIED: 2,
	models.CONTACT_NAME_SOURCE_CUSTOMER: 3,
}

// ContactUpdater maintains the per-tenant conversation state of contacts.
// Profile photos are not touched here; only the contact sync sets them.
type ContactUpdater struct {
	db *gorm.DB
}

func NewContactUpdater(database *gorm.DB) *ContactUpdater {
	return &ContactUpdater{db: database}
}

// Get returns the contact or nil.
func (u *ContactUpdater) Get(ctx context.Context, tenantID, phone string) (*models.Contact, error) {
	var c models.Contact
	err := u.db.Where("tenant_id = ? AND phone = ?", tenantID, phone).First(&c).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "contacts: get %s", phone)
	}
	return &c, nil
}

// Upsert applies one ingested message to its contact.
func (u *ContactUpdater) Upsert(ctx context.Context, upd ContactUpdate) (*models.Contact, error) {
	contact, err := u.ensure(ctx, upd.TenantID, upd.Phone)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}

	name, source, err := u.pickName(ctx, upd, contact)
	if err != nil {
		return nil, err
	}
	if name != "" && name != contact.Name && nameSourceRank[source] >= nameSourceRank[contact.NameSource] {
		fields["name"] = name
		fields["name_source"] = source
	}

	if upd.inbound() && upd.Hints.RawJID != "" {
		if raw := tools.ParseJID(upd.Hints.RawJID).String(); raw != contact.RawJID {
			fields["raw_jid"] = raw
		}
	}

	if len(fields) > 0 {
		if err := u.db.Model(&models.Contact{}).Where("id = ?", contact.ID).Updates(fields).Error; err != nil {
			return nil, eris.Wrapf(err, "contacts: update %s", upd.Phone)
		}
	}

	if err := u.applySnapshot(contact.ID, upd.Snapshot); err != nil {
		return nil, err
	}

	if upd.IsNew {
		if err := u.bumpUnread(contact.ID, upd.inbound()); err != nil {
			return nil, err
		}
	}
	return u.Get(ctx, upd.TenantID, upd.Phone)
}

// pickName applies the naming policy: customer record, then for inbound
// events the verified name, then the push name.
func (u *ContactUpdater) pickName(ctx context.Context, upd ContactUpdate, current *models.Contact) (string, string, error) {
	name, err := u.customerName(upd.TenantID, upd.Phone)
	if err != nil {
		return "", "", err
	}
	if name != "" {
		return name, models.CONTACT_NAME_SOURCE_CUSTOMER, nil
	}
	if !upd.inbound() {
		return "", "", nil
	}
	if name := strings.TrimSpace(upd.Hints.VerifiedName); name != "" {
		return name, models.CONTACT_NAME_SOURCE_VERIFIED, nil
	}
	if name := strings.TrimSpace(upd.Hints.PushName); name != "" && !tools.IsPhoneShaped(name) {
		return name, models.CONTACT_NAME_SOURCE_PUSH, nil
	}
	return "", "", nil
}

// customerName finds the customer registered under any stored form of the
// phone. Back-office numbers may be formatted ("(11) 99999-0000"), so rows
// ending with the same four digits are also loaded and compared canonically.
func (u *ContactUpdater) customerName(tenantID, phone string) (string, error) {
	variants := tools.PhoneVariants(phone)
	if len(variants) == 0 {
		return "", nil
	}
	canonical := variants[0]
	suffix := "%" + canonical[len(canonical)-4:]

	var customers []models.Customer
	err := u.db.Where("tenant_id = ? AND (phone IN (?) OR phone LIKE ?)", tenantID, variants, suffix).
		Order("id").Find(&customers).Error
	if err != nil {
		return "", eris.Wrapf(err, "contacts: customer for %s", phone)
	}
	for _, c := range customers {
		if tools.SamePhone(c.Phone, canonical) {
			return strings.TrimSpace(c.Name), nil
		}
	}
	return "", nil
}

// applySnapshot only moves the last-message snapshot forward in time.
func (u *ContactUpdater) applySnapshot(contactID int64, snap Snapshot) error {
	if snap.MessageID == "" {
		return nil
	}
	ts := snap.Timestamp.UTC()
	err := u.db.Model(&models.Contact{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", contactID, ts).
		Updates(map[string]interface{}{
			"last_message_id":        snap.MessageID,
			"last_message_text":      snap.Text,
			"last_message_type":      snap.Type,
			"last_message_direction": snap.Direction,
			"last_message_at":        ts,
		}).Error
	if err != nil {
		return eris.Wrap(err, "contacts: update snapshot")
	}
	return nil
}

// bumpUnread counts a new inbound message; a new outbound one means the
// business answered, so the counter resets.
func (u *ContactUpdater) bumpUnread(contactID int64, inbound bool) error {
	var expr interface{} = 0
	if inbound {
		expr = gorm.Expr("unread_count + 1")
	}
	err := u.db.Model(&models.Contact{}).Where("id = ?", contactID).UpdateColumn("unread_count", expr).Error
	if err != nil {
		return eris.Wrap(err, "contacts: update unread")
	}
	return nil
}

// ApplyProfile stores the provider's profile data (contact sync). The name
// only fills an empty one.
func (u *ContactUpdater) ApplyProfile(ctx context.Context, tenantID, phone, name, photoURL string) (bool, error) {
	contact, err := u.Get(ctx, tenantID, phone)
	if err != nil || contact == nil {
		return false, err
	}

	fields := map[string]interface{}{}
	if photoURL != "" && photoURL != contact.ProfilePicURL {
		fields["profile_pic_url"] = photoURL
	}
	name = strings.TrimSpace(name)
	if contact.Name == "" && name != "" && !tools.IsPhoneShaped(name) {
		fields["name"] = name
		fields["name_source"] = models.CONTACT_NAME_SOURCE_SYNC
	}
	if len(fields) == 0 {
		return false, nil
	}
	if err := u.db.Model(&models.Contact{}).Where("id = ?", contact.ID).Updates(fields).Error; err != nil {
		return false, eris.Wrapf(err, "contacts: apply profile %s", phone)
	}
	return true, nil
}

// Backfill moves the snapshot of an existing contact forward without
// touching the unread counter.
func (u *ContactUpdater) Backfill(ctx context.Context, tenantID, phone string, snap Snapshot) error {
	contact, err := u.Get(ctx, tenantID, phone)
	if err != nil || contact == nil {
		return err
	}
	return u.applySnapshot(contact.ID, snap)
}

// SetUnread overwrites the counter with the provider's value.
func (u *ContactUpdater) SetUnread(ctx context.Context, tenantID, phone string, count int) error {
	if count < 0 {
		count = 0
	}
	err := u.db.Model(&models.Contact{}).
		Where("tenant_id = ? AND phone = ?", tenantID, phone).
		UpdateColumn("unread_count", count).Error
	if err != nil {
		return eris.Wrapf(err, "contacts: set unread %s", phone)
	}
	return nil
}

func (u *ContactUpdater) ensure(ctx context.Context, tenantID, phone string) (*models.Contact, error) {
	if tenantID == "" || phone == "" {
		return nil, eris.New("contacts: tenant and phone are required")
	}
	for attempt := 0; attempt < 2; attempt++ {
		contact, err := u.Get(ctx, tenantID, phone)
		if err != nil {
			return nil, err
		}
		if contact != nil {
			return contact, nil
		}
		contact = &models.Contact{TenantID: tenantID, Phone: phone}
		err = u.db.Create(contact).Error
		if err == nil {
			return contact, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, eris.Wrapf(err, "contacts: create %s", phone)
		}
	}
	return nil, eris.Errorf("contacts: create %s did not settle", phone)
}
