package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wainbox/db"
	"wainbox/models"
	"wainbox/tools"

	"github.com/jinzhu/gorm"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func seedTenant(t *testing.T, database *gorm.DB, id string, phones ...string) {
	t.Helper()
	require.NoError(t, database.Create(&models.Tenant{ID: id, Name: id}).Error)
	for _, p := range phones {
		require.NoError(t, database.Create(&models.TenantPhone{TenantID: id, Phone: p}).Error)
	}
}

// fakeProvider is an in-memory provider API; it is also its own ProviderSource.
type fakeProvider struct {
	mu         sync.Mutex
	media      map[string]*tools.MediaPayload
	mediaDelay time.Duration
	contacts   []tools.ProviderContact
	messages   map[string]string // remoteJid -> JSON array of records
	calls      []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{media: map[string]*tools.MediaPayload{}, messages: map[string]string{}}
}

func (f *fakeProvider) ProviderFor(context.Context, string) (Provider, error) {
	return f, nil
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProvider) FetchMedia(ctx context.Context, instance, messageID string) (*tools.MediaPayload, error) {
	f.record("media:" + messageID)
	if f.mediaDelay > 0 {
		select {
		case <-time.After(f.mediaDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.media[messageID]
	if !ok {
		return nil, errors.New("provider: status=404")
	}
	return m, nil
}

func (f *fakeProvider) FindContacts(ctx context.Context, instance string) ([]tools.ProviderContact, error) {
	f.record("contacts:" + instance)
	return f.contacts, nil
}

func (f *fakeProvider) FindMessages(ctx context.Context, instance, remoteJID string) ([]gjson.Result, error) {
	f.record("messages:" + remoteJID)
	f.mu.Lock()
	body, ok := f.messages[remoteJID]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return gjson.Parse(body).Array(), nil
}

func seedCustomer(t *testing.T, database *gorm.DB, tenantID, name, phone string) {
	t.Helper()
	require.NoError(t, database.Create(&models.Customer{TenantID: tenantID, Name: name, Phone: phone}).Error)
}
