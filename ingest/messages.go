package ingest

import (
	"context"

	"wainbox/db"
	"wainbox/models"

	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// UpsertResult tells what Upsert did with a delivery.
type UpsertResult string

const (
	UPSERT_CREATED   UpsertResult = "created"
	UPSERT_MERGED    UpsertResult = "merged"
	UPSERT_UNCHANGED UpsertResult = "unchanged"
	// PRESERVED: another writer already classified the message; nothing was written.
	UPSERT_PRESERVED UpsertResult = "preserved"
)

// MessageStore keeps one record per (tenant, provider message id).
// Redeliveries only fill fields that are still missing.
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(database *gorm.DB) *MessageStore {
	return &MessageStore{db: database}
}

// Get returns the stored message or nil.
func (s *MessageStore) Get(ctx context.Context, tenantID, messageID string) (*models.Message, error) {
	var m models.Message
	err := s.db.Where("tenant_id = ? AND message_id = ?", tenantID, messageID).First(&m).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "messages: get %s", messageID)
	}
	return &m, nil
}

// Upsert stores rec. The webhook never sets Classification; it is cleared
// from rec so only other writers own it.
func (s *MessageStore) Upsert(ctx context.Context, rec *models.Message) (UpsertResult, error) {
	if rec.TenantID == "" || rec.MessageID == "" {
		return "", eris.New("messages: tenant and message id are required")
	}
	rec.Classification = ""

	// a concurrent first delivery may win the insert; the retry merges into it
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.Get(ctx, rec.TenantID, rec.MessageID)
		if err != nil {
			return "", err
		}

		if existing == nil {
			err := s.db.Create(rec).Error
			if err == nil {
				return UPSERT_CREATED, nil
			}
			if db.IsUniqueViolation(err) && attempt == 0 {
				continue
			}
			return "", eris.Wrapf(err, "messages: create %s", rec.MessageID)
		}

		return s.merge(existing, rec)
	}
	return "", eris.Errorf("messages: upsert %s did not settle", rec.MessageID)
}

func (s *MessageStore) merge(existing, rec *models.Message) (UpsertResult, error) {
	if existing.Classification != "" {
		zap.L().Info("messages: classified message redelivered, keeping it",
			zap.String("tenant_id", existing.TenantID),
			zap.String("message_id", existing.MessageID),
			zap.String("classification", existing.Classification),
		)
		return UPSERT_PRESERVED, nil
	}

	updates := missingFields(existing, rec)
	if len(updates) == 0 {
		return UPSERT_UNCHANGED, nil
	}

	// the classification guard makes the merge lose against a concurrent classifier
	res := s.db.Model(&models.Message{}).
		Where("id = ? AND (classification = '' OR classification IS NULL)", existing.ID).
		Updates(updates)
	if res.Error != nil {
		return "", eris.Wrapf(res.Error, "messages: merge %s", existing.MessageID)
	}
	if res.RowsAffected == 0 {
		return UPSERT_PRESERVED, nil
	}
	return UPSERT_MERGED, nil
}

// missingFields lists the columns rec can fill without overwriting anything.
func missingFields(existing, rec *models.Message) map[string]interface{} {
	updates := map[string]interface{}{}
	fill := func(column, current, incoming string) {
		if current == "" && incoming != "" {
			updates[column] = incoming
		}
	}

	fill("chat", existing.Chat, rec.Chat)
	fill("direction", existing.Direction, rec.Direction)
	fill("type", existing.Type, rec.Type)
	fill("text", existing.Text, rec.Text)
	fill("file_name", existing.FileName, rec.FileName)
	fill("push_name", existing.PushName, rec.PushName)
	fill("participant", existing.Participant, rec.Participant)
	fill("remote_jid", existing.RemoteJID, rec.RemoteJID)
	fill("lid", existing.Lid, rec.Lid)

	if existing.Timestamp.IsZero() && !rec.Timestamp.IsZero() {
		updates["timestamp"] = rec.Timestamp
	}

	if !existing.HasMedia() && rec.HasMedia() {
		updates["media_url"] = rec.MediaURL
		updates["media_path"] = rec.MediaPath
		updates["media_mime"] = rec.MediaMime
		updates["media_size"] = rec.MediaSize
		if existing.MediaMissing {
			updates["media_missing"] = false
		}
	} else if !existing.HasMedia() && !existing.MediaMissing && rec.MediaMissing {
		updates["media_missing"] = true
	}
	return updates
}
