package ingest

import (
	"testing"
	"time"

	"wainbox/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"MESSAGES_UPSERT","instance":"loja-1","sender":"5511988887777@s.whatsapp.net","data":{"key":{"id":"A1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, models.EVENT_TYPE_MESSAGES_UPSERT, env.Event)
	assert.Equal(t, "MESSAGES_UPSERT", env.RawEvent)
	assert.Equal(t, "loja-1", env.Instance)
	assert.Equal(t, "5511988887777@s.whatsapp.net", env.Sender)
	assert.Equal(t, "A1", env.Data.Get("key.id").String())

	env, err = ParseEnvelope([]byte(`{"event":"presence.update","instance":{"instanceName":"loja-2"}}`))
	require.NoError(t, err)
	assert.Empty(t, env.Event)
	assert.Equal(t, "loja-2", env.Instance)
}

func TestParseEnvelopeMalformed(t *testing.T) {
	for _, body := range []string{"", "{not json", "[1,2]", `"text"`} {
		_, err := ParseEnvelope([]byte(body))
		reason, ok := DropReason(err)
		assert.True(t, ok, body)
		assert.Equal(t, DROP_MALFORMED_PAYLOAD, reason)
	}
}

func TestMessageRecordsShapes(t *testing.T) {
	inline := gjson.Parse(`{"key":{"id":"A1"}}`)
	array := gjson.Parse(`[{"key":{"id":"A1"}},{"key":{"id":"A2"}}]`)
	wrapped := gjson.Parse(`{"messages":[{"key":{"id":"A1"}},{"key":{"id":"A2"}}]}`)

	assert.Len(t, MessageRecords(inline), 1)
	assert.Len(t, MessageRecords(array), 2)
	assert.Len(t, MessageRecords(wrapped), 2)
	assert.Empty(t, MessageRecords(gjson.Parse(`"x"`)))
}

func TestParseMessageText(t *testing.T) {
	rec := gjson.Parse(`{
		"key": {"id": "A1", "remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false},
		"pushName": "Maria",
		"message": {"conversation": "oi"},
		"messageTimestamp": 1717000000
	}`)

	msg, err := ParseMessage(rec)
	require.NoError(t, err)
	assert.Equal(t, "A1", msg.ID)
	assert.Equal(t, models.MESSAGE_TYPE_TEXT, msg.Type)
	assert.Equal(t, "oi", msg.Text)
	assert.Equal(t, "Maria", msg.Hint.PushName)
	assert.Equal(t, models.MESSAGE_DIRECTION_INBOUND, msg.Direction())
	assert.Equal(t, time.Unix(1717000000, 0).UTC(), msg.Timestamp)
}

func TestParseMessageMediaAndWrappers(t *testing.T) {
	rec := gjson.Parse(`{
		"key": {"id": "D1", "remoteJid": "123456789012345@lid", "remoteJidAlt": "5511999990000@s.whatsapp.net", "fromMe": "true"},
		"message": {
			"ephemeralMessage": {"message": {"documentWithCaptionMessage": {"message": {
				"documentMessage": {"fileName": "boleto.pdf", "mimetype": "application/pdf", "caption": "segue"}
			}}}},
			"base64": "JVBERi0xLjQ="
		},
		"messageTimestamp": {"low": 1717000000, "high": 0, "unsigned": true}
	}`)

	msg, err := ParseMessage(rec)
	require.NoError(t, err)
	assert.Equal(t, models.MESSAGE_TYPE_DOCUMENT, msg.Type)
	assert.Equal(t, "boleto.pdf", msg.FileName)
	assert.Equal(t, "application/pdf", msg.Mimetype)
	assert.Equal(t, "segue", msg.Text)
	assert.Equal(t, "JVBERi0xLjQ=", msg.InlineBase64)
	assert.True(t, msg.Hint.FromMe)
	assert.Equal(t, "5511999990000@s.whatsapp.net", msg.Hint.RemoteJIDAlt)
	assert.Equal(t, int64(1717000000), msg.Timestamp.Unix())
}

func TestParseMessageUnsupported(t *testing.T) {
	msg, err := ParseMessage(gjson.Parse(`{"key":{"id":"S1"},"message":{"stickerMessage":{"url":"x"}}}`))
	require.NoError(t, err)
	assert.Empty(t, msg.Type)
	assert.Equal(t, "stickerMessage", msg.RawType)

	_, err = ParseMessage(gjson.Parse(`{"key":{"remoteJid":"x"}}`))
	reason, ok := DropReason(err)
	require.True(t, ok)
	assert.Equal(t, DROP_MALFORMED_PAYLOAD, reason)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Unix(1717000000, 0).UTC()
	assert.Equal(t, want, parseTimestamp(gjson.Parse(`1717000000`)))
	assert.Equal(t, want, parseTimestamp(gjson.Parse(`"1717000000"`)))
	assert.Equal(t, want, parseTimestamp(gjson.Parse(`1717000000000`)))
	assert.Equal(t, want, parseTimestamp(gjson.Parse(`{"low":1717000000,"high":0}`)))
	assert.True(t, parseTimestamp(gjson.Result{}).IsZero())
}
