package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(EVENT_MESSAGE_INGESTED, "evt-12", MessageIngested{TenantID: "tenant-7", MessageID: "A1"})

	assert.NotEmpty(t, env.Meta.ID)
	assert.Equal(t, "evt-12", env.Meta.CorrelationID)
	assert.Equal(t, PRODUCER, env.Meta.Producer)
	assert.False(t, env.Meta.Time.IsZero())

	body, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Equal(t, "messages.ingested.v1", gjson.GetBytes(body, "meta.type").String())
	assert.Equal(t, "A1", gjson.GetBytes(body, "data.message_id").String())
}

func TestRecorder(t *testing.T) {
	var rec Recorder
	var p Publisher = &rec

	require.NoError(t, p.Publish(context.Background(), "messages.ingested", NewEnvelope(EVENT_MESSAGE_INGESTED, "", nil)))
	got := rec.Published()
	require.Len(t, got, 1)
	assert.Equal(t, "messages.ingested", got[0].Key)

	assert.NoError(t, Noop{}.Publish(context.Background(), "x", Envelope{}))
}
