package ingest

import (
	"context"
	"errors"
	"strconv"
	"time"

	"wainbox/broker"
	"wainbox/models"
	"wainbox/tools"

	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PipelineDeps wires the pipeline. Providers and Publisher may be nil.
type PipelineDeps struct {
	DB         *gorm.DB
	Directory  *Directory
	Identity   *IdentityResolver
	Media      *MediaFetcher
	Messages   *MessageStore
	Contacts   *ContactUpdater
	Providers  ProviderSource
	Publisher  broker.Publisher
	RoutingKey string
}

// Pipeline runs one stored webhook delivery through tenant resolution,
// identity resolution, persistence and contact state.
type Pipeline struct {
	db         *gorm.DB
	directory  *Directory
	identity   *IdentityResolver
	media      *MediaFetcher
	messages   *MessageStore
	contacts   *ContactUpdater
	providers  ProviderSource
	publisher  broker.Publisher
	routingKey string
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		db:         deps.DB,
		directory:  deps.Directory,
		identity:   deps.Identity,
		media:      deps.Media,
		messages:   deps.Messages,
		contacts:   deps.Contacts,
		providers:  deps.Providers,
		publisher:  deps.Publisher,
		routingKey: deps.RoutingKey,
	}
}

// tenantContext is everything resolved once per delivery.
type tenantContext struct {
	EventID    int64
	TenantID   string
	Instance   string
	OwnerPhone string
	Provider   Provider
}

// Process moves the event through tenant_resolved and dispatched to a
// terminal state. Drops are terminal and return nil; an error means the
// event could not be processed and may be retried.
func (p *Pipeline) Process(ctx context.Context, ev *models.Event) error {
	log := zap.L().With(zap.Int64("event_id", ev.ID), zap.String("event", ev.Type))

	env, err := ParseEnvelope([]byte(ev.Payload))
	if err != nil {
		return p.drop(ev, err)
	}
	if env.Event == "" {
		return p.drop(ev, Drop(DROP_UNSUPPORTED_EVENT, eris.Errorf("event %q", env.RawEvent)))
	}

	tenantID, err := p.ResolveTenant(ctx, ev.TenantHint, env)
	if errors.Is(err, ErrTenantNotFound) {
		return p.drop(ev, Drop(DROP_TENANT_UNRESOLVED, err))
	}
	if err != nil {
		return err
	}
	if err := p.setStatus(ev, models.EVENT_STATUS_TENANT_RESOLVED, map[string]interface{}{"tenant_id": tenantID}); err != nil {
		return err
	}

	tc, err := p.loadTenantContext(ctx, ev.ID, tenantID, env)
	if err != nil {
		return err
	}
	if err := p.setStatus(ev, models.EVENT_STATUS_DISPATCHED, nil); err != nil {
		return err
	}

	err = p.dispatch(ctx, tc, env)
	if _, ok := DropReason(err); ok {
		return p.drop(ev, err)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	log.Debug("pipeline: processed", zap.String("tenant_id", tenantID))
	return p.setStatus(ev, models.EVENT_STATUS_PROCESSED, map[string]interface{}{"processed_at": &now})
}

func (p *Pipeline) dispatch(ctx context.Context, tc tenantContext, env Envelope) error {
	switch env.Event {
	case models.EVENT_TYPE_MESSAGES_UPSERT:
		return p.handleMessages(ctx, tc, env)
	case models.EVENT_TYPE_CONNECTION_UPDATE:
		return p.handleConnection(ctx, tc, env)
	case models.EVENT_TYPE_QRCODE_UPDATED:
		return p.handleQRCode(ctx, tc, env)
	case models.EVENT_TYPE_CONTACTS_UPDATE:
		return p.handleContactsUpdate(ctx, tc, env)
	case models.EVENT_TYPE_CHATS_UPSERT:
		return p.handleChatsUpsert(ctx, tc, env)
	}
	return Drop(DROP_UNSUPPORTED_EVENT, eris.Errorf("event %q", env.Event))
}

// ResolveTenant tries, in order: the tenant in the request path, the
// instance name, the instance name read as a phone, the sender number and
// finally the phones embedded in the event data.
func (p *Pipeline) ResolveTenant(ctx context.Context, pathTenant string, env Envelope) (string, error) {
	senderPhone := tools.PhoneFromJID(env.Sender)

	if pathTenant != "" {
		ok, err := p.directory.TenantExists(ctx, pathTenant)
		if err != nil {
			return "", err
		}
		if ok {
			if senderPhone != "" {
				if err := p.directory.Remember(ctx, pathTenant, senderPhone); err != nil {
					zap.L().Warn("pipeline: remember sender failed", zap.String("tenant_id", pathTenant), zap.Error(err))
				}
			}
			return pathTenant, nil
		}
		zap.L().Warn("pipeline: unknown tenant in path", zap.String("tenant_id", pathTenant))
	}

	candidates := []func() (string, error){
		func() (string, error) { return p.directory.ResolveInstance(ctx, env.Instance) },
		func() (string, error) {
			if !tools.IsPhoneShaped(env.Instance) {
				return "", ErrTenantNotFound
			}
			return p.directory.ResolveTenant(ctx, env.Instance)
		},
		func() (string, error) {
			if senderPhone == "" {
				return "", ErrTenantNotFound
			}
			return p.directory.ResolveTenant(ctx, senderPhone)
		},
	}
	for _, phone := range embeddedPhones(env) {
		candidates = append(candidates, func() (string, error) {
			return p.directory.ResolveTenant(ctx, phone)
		})
	}
	for _, candidate := range candidates {
		tenantID, err := candidate()
		if err == nil && tenantID != "" {
			return tenantID, nil
		}
		if err != nil && !errors.Is(err, ErrTenantNotFound) {
			return "", err
		}
	}
	return "", ErrTenantNotFound
}

func (p *Pipeline) loadTenantContext(ctx context.Context, eventID int64, tenantID string, env Envelope) (tenantContext, error) {
	tc := tenantContext{EventID: eventID, TenantID: tenantID, Instance: env.Instance}

	cfg, err := WhatsAppConfigFor(p.db, tenantID)
	if err != nil {
		return tc, err
	}
	if cfg != nil {
		if tc.Instance == "" {
			tc.Instance = cfg.Instance
		}
		tc.OwnerPhone = tools.PhoneFromJID(cfg.OwnerJID)
	}
	if tc.OwnerPhone == "" {
		tc.OwnerPhone = tools.PhoneFromJID(env.Sender)
	}

	if p.providers != nil {
		provider, err := p.providers.ProviderFor(ctx, tenantID)
		if err != nil {
			zap.L().Debug("pipeline: no provider client", zap.String("tenant_id", tenantID), zap.Error(err))
		} else {
			tc.Provider = provider
		}
	}
	return tc, nil
}

func (p *Pipeline) handleMessages(ctx context.Context, tc tenantContext, env Envelope) error {
	msgs, errs := ParseMessageRecords(env.Data)
	if len(msgs) == 0 {
		return Drop(DROP_MALFORMED_PAYLOAD, eris.New("messages.upsert without records"))
	}

	var firstDrop error
	processed := 0
	for i := range msgs {
		err := errs[i]
		if err == nil {
			err = p.ProcessMessage(ctx, tc, msgs[i])
		}
		if err == nil {
			processed++
			continue
		}
		reason, ok := DropReason(err)
		if !ok {
			return err
		}
		zap.L().Info("pipeline: message dropped",
			zap.Int64("event_id", tc.EventID),
			zap.String("tenant_id", tc.TenantID),
			zap.String("message_id", msgs[i].ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		if firstDrop == nil {
			firstDrop = err
		}
	}
	if processed == 0 {
		return firstDrop
	}
	return nil
}

// ProcessMessage stores one normalized message and updates its contact.
func (p *Pipeline) ProcessMessage(ctx context.Context, tc tenantContext, msg InboundMessage) error {
	if msg.Type == "" {
		return Drop(DROP_UNSUPPORTED_MESSAGE, eris.Errorf("message type %q", msg.RawType))
	}

	phone, stage, err := p.identity.ResolveContactPhone(ctx, IdentityRequest{
		TenantID:   tc.TenantID,
		Instance:   tc.Instance,
		OwnerPhone: tc.OwnerPhone,
		Hint:       msg.Hint,
	})
	if err != nil {
		return err
	}

	existing, err := p.messages.Get(ctx, tc.TenantID, msg.ID)
	if err != nil {
		return err
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec := &models.Message{
		TenantID:    tc.TenantID,
		MessageID:   msg.ID,
		Chat:        phone,
		Direction:   msg.Direction(),
		Type:        msg.Type,
		Text:        msg.Text,
		FileName:    msg.FileName,
		Timestamp:   ts,
		PushName:    msg.Hint.PushName,
		Participant: msg.Hint.Participant,
		RemoteJID:   msg.Hint.RemoteJID,
		Lid:         opaqueID(msg.Hint),
	}

	if models.IsMediaType(msg.Type) && needsMedia(existing) {
		ref, err := p.media.FetchAndStore(ctx, tc.Provider, MediaRequest{
			TenantID:     tc.TenantID,
			Instance:     tc.Instance,
			MessageID:    msg.ID,
			Kind:         msg.Type,
			Phone:        phone,
			InlineBase64: msg.InlineBase64,
			DeclaredMime: msg.Mimetype,
			FileName:     msg.FileName,
		})
		if err != nil {
			zap.L().Warn("pipeline: media unavailable",
				zap.String("tenant_id", tc.TenantID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			rec.MediaMissing = true
		} else {
			rec.MediaURL, rec.MediaPath, rec.MediaMime, rec.MediaSize = ref.URL, ref.Path, ref.Mime, ref.Size
			if rec.FileName == "" {
				rec.FileName = ref.FileName
			}
		}
	}

	result, err := p.messages.Upsert(ctx, rec)
	if err != nil {
		return err
	}

	_, err = p.contacts.Upsert(ctx, ContactUpdate{
		TenantID: tc.TenantID,
		Phone:    phone,
		Snapshot: Snapshot{
			MessageID: msg.ID,
			Text:      msg.Text,
			Type:      msg.Type,
			Direction: msg.Direction(),
			Timestamp: ts,
		},
		Hints: NameHints{
			PushName:     msg.Hint.PushName,
			VerifiedName: msg.VerifiedName,
			RawJID:       msg.Hint.RemoteJID,
		},
		IsNew: result == UPSERT_CREATED,
	})
	if err != nil {
		return err
	}

	zap.L().Info("pipeline: message stored",
		zap.Int64("event_id", tc.EventID),
		zap.String("tenant_id", tc.TenantID),
		zap.String("message_id", msg.ID),
		zap.String("phone", phone),
		zap.String("identity_stage", stage),
		zap.String("result", string(result)),
	)

	if result == UPSERT_CREATED {
		p.publish(ctx, tc, rec)
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, tc tenantContext, rec *models.Message) {
	if p.publisher == nil {
		return
	}
	env := broker.NewEnvelope(broker.EVENT_MESSAGE_INGESTED, strconv.FormatInt(tc.EventID, 10), broker.MessageIngested{
		TenantID:     rec.TenantID,
		MessageID:    rec.MessageID,
		Phone:        rec.Chat,
		Direction:    rec.Direction,
		Type:         rec.Type,
		MediaMissing: rec.MediaMissing,
		Timestamp:    rec.Timestamp,
	})
	if err := p.publisher.Publish(ctx, p.routingKey, env); err != nil {
		zap.L().Warn("pipeline: publish failed", zap.String("message_id", rec.MessageID), zap.Error(err))
	}
}

func (p *Pipeline) drop(ev *models.Event, err error) error {
	reason, _ := DropReason(err)
	zap.L().Info("pipeline: event dropped",
		zap.Int64("event_id", ev.ID),
		zap.String("tenant_id", ev.TenantID),
		zap.String("event", ev.Type),
		zap.String("reason", reason),
		zap.Error(err),
	)
	now := time.Now()
	return p.setStatus(ev, models.EVENT_STATUS_DROPPED, map[string]interface{}{
		"drop_reason":  reason,
		"processed_at": &now,
	})
}

func (p *Pipeline) setStatus(ev *models.Event, status string, fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	ev.Status = status
	if tenantID, ok := updates["tenant_id"].(string); ok {
		ev.TenantID = tenantID
	}
	if reason, ok := updates["drop_reason"].(string); ok {
		ev.DropReason = reason
	}
	if ev.ID == 0 {
		return nil
	}
	if err := p.db.Model(&models.Event{}).Where("id = ?", ev.ID).Updates(updates).Error; err != nil {
		return eris.Wrapf(err, "pipeline: set event %d %s", ev.ID, status)
	}
	return nil
}

// embeddedPhones lists the distinct phones carried by the records or
// entries of the event.
func embeddedPhones(env Envelope) []string {
	var raws []string
	if env.Event == models.EVENT_TYPE_MESSAGES_UPSERT {
		msgs, _ := ParseMessageRecords(env.Data)
		for _, m := range msgs {
			raws = append(raws, m.Hint.RemoteJID, m.Hint.RemoteJIDAlt, m.Hint.SenderPN, m.Hint.Participant)
		}
	} else {
		for _, entry := range Entries(env.Data) {
			raws = append(raws, EntryJID(entry))
		}
	}

	seen := map[string]bool{}
	var out []string
	for _, raw := range raws {
		phone := tools.PhoneFromJID(raw)
		if phone == "" || seen[phone] {
			continue
		}
		seen[phone] = true
		out = append(out, phone)
	}
	return out
}

func needsMedia(existing *models.Message) bool {
	return existing == nil || (existing.Classification == "" && !existing.HasMedia())
}

// opaqueID returns the LID of the chat, if the event carries one.
func opaqueID(h IdentityHint) string {
	for _, raw := range []string{h.RemoteJID, h.RemoteJIDAlt, h.SenderPN, h.Participant} {
		if jid := tools.ParseJID(raw); jid.IsLID() {
			return jid.String()
		}
	}
	return ""
}
