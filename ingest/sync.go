package ingest

import (
	"context"
	"sync"

	"wainbox/tools"

	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const SYNC_DEFAULT_CONCURRENCY = 4

// SyncReport summarizes one contact sync run.
type SyncReport struct {
	TenantID   string `json:"tenant_id"`
	Listed     int    `json:"listed"`
	Updated    int    `json:"updated"`
	Backfilled int    `json:"backfilled"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

// ContactSync refreshes photos, empty names and last message snapshots of
// a tenant's known contacts from the provider's bulk APIs.
type ContactSync struct {
	db          *gorm.DB
	providers   ProviderSource
	contacts    *ContactUpdater
	concurrency int
}

func NewContactSync(database *gorm.DB, providers ProviderSource, contacts *ContactUpdater, concurrency int) *ContactSync {
	if concurrency <= 0 {
		concurrency = SYNC_DEFAULT_CONCURRENCY
	}
	return &ContactSync{db: database, providers: providers, contacts: contacts, concurrency: concurrency}
}

// SyncTenant walks the provider's contact list. Contacts we never stored
// are skipped; per-contact failures are counted and logged.
func (s *ContactSync) SyncTenant(ctx context.Context, tenantID string) (SyncReport, error) {
	report := SyncReport{TenantID: tenantID}

	cfg, err := WhatsAppConfigFor(s.db, tenantID)
	if err != nil {
		return report, err
	}
	if cfg == nil || cfg.Instance == "" {
		return report, eris.Wrapf(ErrNoProvider, "sync: tenant %s has no instance", tenantID)
	}
	provider, err := s.providers.ProviderFor(ctx, tenantID)
	if err != nil {
		return report, err
	}

	list, err := provider.FindContacts(ctx, cfg.Instance)
	if err != nil {
		return report, eris.Wrapf(err, "sync: list contacts of %s", tenantID)
	}
	report.Listed = len(list)

	var mu sync.Mutex
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, pc := range list {
		pc := pc
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			updated, backfilled, err := s.syncContact(gctx, provider, tenantID, cfg.Instance, pc)
			switch {
			case err != nil:
				zap.L().Warn("sync: contact failed",
					zap.String("tenant_id", tenantID),
					zap.String("jid", pc.JID()),
					zap.Error(err),
				)
				count(&report.Failed)
			case !updated && !backfilled:
				count(&report.Skipped)
			default:
				if updated {
					count(&report.Updated)
				}
				if backfilled {
					count(&report.Backfilled)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, eris.Wrapf(err, "sync: tenant %s", tenantID)
	}

	zap.L().Info("sync: finished",
		zap.String("tenant_id", tenantID),
		zap.Int("listed", report.Listed),
		zap.Int("updated", report.Updated),
		zap.Int("backfilled", report.Backfilled),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *ContactSync) syncContact(ctx context.Context, provider Provider, tenantID, instance string, pc tools.ProviderContact) (bool, bool, error) {
	phone := tools.PhoneFromJID(pc.JID())
	if phone == "" {
		return false, false, nil
	}
	existing, err := s.contacts.Get(ctx, tenantID, phone)
	if err != nil || existing == nil {
		return false, false, err
	}

	updated, err := s.contacts.ApplyProfile(ctx, tenantID, phone, pc.PushName, pc.ProfilePicURL)
	if err != nil {
		return false, false, err
	}

	records, err := provider.FindMessages(ctx, instance, pc.JID())
	if err != nil {
		return updated, false, err
	}
	latest, ok := latestMessage(records)
	if !ok {
		return updated, false, nil
	}
	snap := Snapshot{
		MessageID: latest.ID,
		Text:      latest.Text,
		Type:      latest.Type,
		Direction: latest.Direction(),
		Timestamp: latest.Timestamp,
	}
	if err := s.contacts.Backfill(ctx, tenantID, phone, snap); err != nil {
		return updated, false, err
	}
	return updated, true, nil
}

// latestMessage picks the newest supported record of a history page.
func latestMessage(records []gjson.Result) (InboundMessage, bool) {
	var best InboundMessage
	found := false
	for _, rec := range records {
		msg, err := ParseMessage(rec)
		if err != nil || msg.Type == "" || msg.Timestamp.IsZero() {
			continue
		}
		if !found || msg.Timestamp.After(best.Timestamp) {
			best, found = msg, true
		}
	}
	return best, found
}
