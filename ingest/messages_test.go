package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"wainbox/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textMessage(id string) *models.Message {
	return &models.Message{
		TenantID:  "tenant-7",
		MessageID: id,
		Chat:      "5511999990000",
		Direction: models.MESSAGE_DIRECTION_INBOUND,
		Type:      models.MESSAGE_TYPE_TEXT,
		Text:      "oi",
		Timestamp: time.Unix(1717000000, 0).UTC(),
	}
}

func imageMessage(id string, withMedia bool) *models.Message {
	m := &models.Message{
		TenantID:  "tenant-7",
		MessageID: id,
		Chat:      "5511999990000",
		Direction: models.MESSAGE_DIRECTION_INBOUND,
		Type:      models.MESSAGE_TYPE_IMAGE,
		Text:      "foto",
		Timestamp: time.Unix(1717000000, 0).UTC(),
	}
	if withMedia {
		m.MediaPath = "tenants/tenant-7/contacts/5511999990000/image/" + id + ".jpg"
		m.MediaURL = m.MediaPath
		m.MediaMime = "image/jpeg"
		m.MediaSize = 42
	} else {
		m.MediaMissing = true
	}
	return m
}

func TestUpsertCreatesThenUnchanged(t *testing.T) {
	store := NewMessageStore(newTestDB(t))
	ctx := context.Background()

	res, err := store.Upsert(ctx, textMessage("A1"))
	require.NoError(t, err)
	assert.Equal(t, UPSERT_CREATED, res)

	res, err = store.Upsert(ctx, textMessage("A1"))
	require.NoError(t, err)
	assert.Equal(t, UPSERT_UNCHANGED, res)

	got, err := store.Get(ctx, "tenant-7", "A1")
	require.NoError(t, err)
	assert.Equal(t, "oi", got.Text)
	assert.Equal(t, "5511999990000", got.Chat)
}

func TestUpsertIdempotentInEitherOrder(t *testing.T) {
	orders := map[string][]bool{
		"media arrives second": {false, true},
		"media arrives first":  {true, false},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			database := newTestDB(t)
			store := NewMessageStore(database)
			ctx := context.Background()

			for _, withMedia := range order {
				_, err := store.Upsert(ctx, imageMessage("I1", withMedia))
				require.NoError(t, err)
			}

			var count int
			database.Model(&models.Message{}).Where("tenant_id = ? AND message_id = ?", "tenant-7", "I1").Count(&count)
			assert.Equal(t, 1, count)

			got, err := store.Get(ctx, "tenant-7", "I1")
			require.NoError(t, err)
			assert.Equal(t, models.MESSAGE_TYPE_IMAGE, got.Type)
			assert.Equal(t, "foto", got.Text)
			assert.Equal(t, "image/jpeg", got.MediaMime)
			assert.Equal(t, int64(42), got.MediaSize)
			assert.NotEmpty(t, got.MediaPath)
			assert.False(t, got.MediaMissing)
		})
	}
}

func TestUpsertFillsOnlyMissingFields(t *testing.T) {
	store := NewMessageStore(newTestDB(t))
	ctx := context.Background()

	first := textMessage("A1")
	first.Text = ""
	_, err := store.Upsert(ctx, first)
	require.NoError(t, err)

	second := textMessage("A1")
	second.Chat = "5521988887777"
	second.PushName = "Maria"
	res, err := store.Upsert(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, UPSERT_MERGED, res)

	got, err := store.Get(ctx, "tenant-7", "A1")
	require.NoError(t, err)
	assert.Equal(t, "oi", got.Text)
	assert.Equal(t, "Maria", got.PushName)
	assert.Equal(t, "5511999990000", got.Chat)
}

func TestUpsertPreservesClassification(t *testing.T) {
	database := newTestDB(t)
	store := NewMessageStore(database)
	ctx := context.Background()

	manual := imageMessage("M1", false)
	manual.Classification = models.MESSAGE_CLASSIFICATION_MANUAL
	manual.Text = ""
	require.NoError(t, database.Create(manual).Error)

	redelivery := imageMessage("M1", true)
	redelivery.Classification = models.MESSAGE_CLASSIFICATION_AUTOMATIC
	res, err := store.Upsert(ctx, redelivery)
	require.NoError(t, err)
	assert.Equal(t, UPSERT_PRESERVED, res)

	got, err := store.Get(ctx, "tenant-7", "M1")
	require.NoError(t, err)
	assert.Equal(t, models.MESSAGE_CLASSIFICATION_MANUAL, got.Classification)
	assert.Empty(t, got.Text)
	assert.Empty(t, got.MediaPath)
}

func TestUpsertNeverWritesClassification(t *testing.T) {
	store := NewMessageStore(newTestDB(t))
	ctx := context.Background()

	rec := textMessage("A9")
	rec.Classification = models.MESSAGE_CLASSIFICATION_AUTOMATIC
	_, err := store.Upsert(ctx, rec)
	require.NoError(t, err)

	got, err := store.Get(ctx, "tenant-7", "A9")
	require.NoError(t, err)
	assert.Empty(t, got.Classification)
}

func TestUpsertConcurrentDeliveries(t *testing.T) {
	database := newTestDB(t)
	store := NewMessageStore(database)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]UpsertResult, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Upsert(ctx, imageMessage("C1", i%2 == 0))
		}(i)
	}
	wg.Wait()

	created := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if res == UPSERT_CREATED {
			created++
		}
	}
	assert.Equal(t, 1, created)

	var count int
	database.Model(&models.Message{}).Where("message_id = ?", "C1").Count(&count)
	assert.Equal(t, 1, count)

	got, err := store.Get(ctx, "tenant-7", "C1")
	require.NoError(t, err)
	assert.False(t, got.MediaMissing)
	assert.NotEmpty(t, got.MediaPath)
}

func TestUpsertScopedByTenant(t *testing.T) {
	store := NewMessageStore(newTestDB(t))
	ctx := context.Background()

	a := textMessage("A1")
	b := textMessage("A1")
	b.TenantID = "tenant-8"

	res, err := store.Upsert(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, UPSERT_CREATED, res)
	res, err = store.Upsert(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, UPSERT_CREATED, res)
}
