package ingest

import (
	"context"
	"strings"
	"time"

	"wainbox/models"
	"wainbox/tools"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

/************************************************
/**** MARK: CONNECTION STATE ****/
/************************************************/

func (p *Pipeline) handleConnection(ctx context.Context, tc tenantContext, env Envelope) error {
	state := strings.ToLower(strings.TrimSpace(env.Data.Get("state").String()))
	wuid := strings.TrimSpace(env.Data.Get("wuid").String())
	if state == "" && wuid == "" {
		return Drop(DROP_MALFORMED_PAYLOAD, eris.New("connection.update without state"))
	}

	fields := map[string]interface{}{}
	if state != "" {
		fields["connection_state"] = state
	}
	owner := tools.ParseJID(wuid)
	if owner.Phone() != "" {
		fields["owner_jid"] = owner.String()
	}
	if err := p.saveConnection(tc, fields); err != nil {
		return err
	}

	if state == models.WHATSAPP_STATE_OPEN && owner.Phone() != "" {
		if err := p.directory.Remember(ctx, tc.TenantID, owner.Phone()); err != nil {
			return err
		}
	}
	zap.L().Info("pipeline: connection update",
		zap.String("tenant_id", tc.TenantID),
		zap.String("instance", tc.Instance),
		zap.String("state", state),
	)
	return nil
}

func (p *Pipeline) handleQRCode(ctx context.Context, tc tenantContext, env Envelope) error {
	now := time.Now().UTC()
	return p.saveConnection(tc, map[string]interface{}{
		"connection_state":  models.WHATSAPP_STATE_QRCODE,
		"qrcode_updated_at": &now,
	})
}

// saveConnection updates the tenant's provider settings, creating the row
// when the tenant has none yet and the instance is known.
func (p *Pipeline) saveConnection(tc tenantContext, fields map[string]interface{}) error {
	cfg, err := WhatsAppConfigFor(p.db, tc.TenantID)
	if err != nil {
		return err
	}
	if cfg == nil {
		if tc.Instance == "" {
			return nil
		}
		cfg = &models.WhatsAppConfig{TenantID: tc.TenantID, Instance: tc.Instance}
		if err := p.db.Create(cfg).Error; err != nil {
			return eris.Wrapf(err, "pipeline: create whatsapp config for %s", tc.TenantID)
		}
	}
	if err := p.db.Model(&models.WhatsAppConfig{}).Where("id = ?", cfg.ID).Updates(fields).Error; err != nil {
		return eris.Wrapf(err, "pipeline: update whatsapp config for %s", tc.TenantID)
	}
	return nil
}

/************************************************
/**** MARK: CONTACT AND CHAT UPDATES ****/
/************************************************/

// handleContactsUpdate fills empty names of known contacts. Profile photos
// are left to the contact sync.
func (p *Pipeline) handleContactsUpdate(ctx context.Context, tc tenantContext, env Envelope) error {
	entries := Entries(env.Data)
	if len(entries) == 0 {
		return Drop(DROP_MALFORMED_PAYLOAD, eris.New("contacts.update without entries"))
	}
	for _, entry := range entries {
		phone, err := p.entryPhone(ctx, tc, EntryJID(entry))
		if err != nil {
			return err
		}
		name := entry.Get("pushName").String()
		if phone == "" || name == "" {
			continue
		}
		if _, err := p.contacts.ApplyProfile(ctx, tc.TenantID, phone, name, ""); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) handleChatsUpsert(ctx context.Context, tc tenantContext, env Envelope) error {
	entries := Entries(env.Data)
	if len(entries) == 0 {
		return Drop(DROP_MALFORMED_PAYLOAD, eris.New("chats.upsert without entries"))
	}
	for _, entry := range entries {
		count := entry.Get("unreadMessages")
		if !count.Exists() {
			count = entry.Get("unreadCount")
		}
		if !count.Exists() {
			continue
		}
		phone, err := p.entryPhone(ctx, tc, EntryJID(entry))
		if err != nil {
			return err
		}
		if phone == "" {
			continue
		}
		if err := p.contacts.SetUnread(ctx, tc.TenantID, phone, int(count.Int())); err != nil {
			return err
		}
	}
	return nil
}

// entryPhone maps an update entry to a contact phone without asking the
// provider: direct phone JIDs, then opaque ids already learned.
func (p *Pipeline) entryPhone(ctx context.Context, tc tenantContext, raw string) (string, error) {
	jid := tools.ParseJID(raw)
	if jid.IsGroup() || jid.IsBroadcast() {
		return "", nil
	}
	if phone := jid.Phone(); phone != "" {
		return phone, nil
	}
	if !jid.IsLID() {
		return "", nil
	}
	phone, ok, err := p.identity.fromKnownContact(ctx, IdentityRequest{
		TenantID:   tc.TenantID,
		Instance:   tc.Instance,
		OwnerPhone: tc.OwnerPhone,
		Hint:       IdentityHint{RemoteJID: jid.String()},
	})
	if err != nil || !ok {
		return "", err
	}
	return phone, nil
}
