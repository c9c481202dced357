package ingest

import (
	"strconv"
	"strings"
	"time"

	"wainbox/models"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// Envelope is the normalized body of one webhook delivery.
type Envelope struct {
	Event    string // normalized, "" when unknown
	RawEvent string
	Instance string
	// Sender is the JID of the connected number, when the provider sends it.
	Sender string
	Data   gjson.Result
}

// IdentityHint carries every identity signal of one message event.
type IdentityHint struct {
	RemoteJID    string
	RemoteJIDAlt string
	SenderPN     string
	Participant  string
	PushName     string
	FromMe       bool
}

func (h IdentityHint) Direction() string {
	if h.FromMe {
		return models.MESSAGE_DIRECTION_OUTBOUND
	}
	return models.MESSAGE_DIRECTION_INBOUND
}

// InboundMessage is one message record after normalization. Both payload
// shapes (array of records, single inline record) end up here.
type InboundMessage struct {
	ID           string
	Hint         IdentityHint
	Type         string // models.MESSAGE_TYPE_*, "" when unsupported
	RawType      string
	Text         string
	FileName     string
	Mimetype     string
	InlineBase64 string
	VerifiedName string
	Timestamp    time.Time
}

func (m InboundMessage) Direction() string {
	return m.Hint.Direction()
}

// ParseEnvelope validates and normalizes a webhook body.
func ParseEnvelope(body []byte) (Envelope, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return Envelope{}, Drop(DROP_MALFORMED_PAYLOAD, eris.New("invalid json"))
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Envelope{}, Drop(DROP_MALFORMED_PAYLOAD, eris.New("body is not an object"))
	}

	raw := root.Get("event").String()
	env := Envelope{
		Event:    models.NormalizeEventType(raw),
		RawEvent: raw,
		Sender:   root.Get("sender").String(),
		Data:     root.Get("data"),
	}

	instance := root.Get("instance")
	if instance.IsObject() {
		env.Instance = instance.Get("instanceName").String()
	} else {
		env.Instance = instance.String()
	}
	env.Instance = strings.TrimSpace(env.Instance)
	return env, nil
}

// MessageRecords returns the message records of a messages.upsert payload:
// an array, an object with a "messages" array, or a single inline record.
func MessageRecords(data gjson.Result) []gjson.Result {
	switch {
	case data.IsArray():
		return data.Array()
	case data.Get("messages").IsArray():
		return data.Get("messages").Array()
	case data.IsObject():
		return []gjson.Result{data}
	}
	return nil
}

// ParseMessageRecords normalizes every record; malformed ones come back as
// DropErrors at the same index.
func ParseMessageRecords(data gjson.Result) ([]InboundMessage, []error) {
	records := MessageRecords(data)
	msgs := make([]InboundMessage, len(records))
	errs := make([]error, len(records))
	for i, rec := range records {
		msgs[i], errs[i] = ParseMessage(rec)
	}
	return msgs, errs
}

// ParseMessage normalizes one provider message record.
func ParseMessage(rec gjson.Result) (InboundMessage, error) {
	key := rec.Get("key")
	id := strings.TrimSpace(key.Get("id").String())
	if id == "" {
		return InboundMessage{}, Drop(DROP_MALFORMED_PAYLOAD, eris.New("record without key.id"))
	}

	msg := InboundMessage{
		ID: id,
		Hint: IdentityHint{
			RemoteJID:    key.Get("remoteJid").String(),
			RemoteJIDAlt: key.Get("remoteJidAlt").String(),
			SenderPN:     firstString(key.Get("senderPn"), rec.Get("senderPn")),
			Participant:  firstString(key.Get("participant"), rec.Get("participant")),
			PushName:     strings.TrimSpace(rec.Get("pushName").String()),
			FromMe:       key.Get("fromMe").Bool(),
		},
		VerifiedName: strings.TrimSpace(firstString(rec.Get("verifiedBizName"), rec.Get("verifiedName"))),
		Timestamp:    parseTimestamp(rec.Get("messageTimestamp")),
	}

	content := rec.Get("message")
	msg.InlineBase64 = content.Get("base64").String()
	parseContent(&msg, unwrapContent(content))
	return msg, nil
}

func parseContent(msg *InboundMessage, content gjson.Result) {
	switch {
	case content.Get("conversation").Exists():
		msg.Type, msg.RawType = models.MESSAGE_TYPE_TEXT, "conversation"
		msg.Text = content.Get("conversation").String()
	case content.Get("extendedTextMessage").Exists():
		msg.Type, msg.RawType = models.MESSAGE_TYPE_TEXT, "extendedTextMessage"
		msg.Text = content.Get("extendedTextMessage.text").String()
	case content.Get("imageMessage").Exists():
		setMedia(msg, models.MESSAGE_TYPE_IMAGE, "imageMessage", content.Get("imageMessage"))
	case content.Get("videoMessage").Exists():
		setMedia(msg, models.MESSAGE_TYPE_VIDEO, "videoMessage", content.Get("videoMessage"))
	case content.Get("audioMessage").Exists():
		setMedia(msg, models.MESSAGE_TYPE_AUDIO, "audioMessage", content.Get("audioMessage"))
	case content.Get("pttMessage").Exists():
		setMedia(msg, models.MESSAGE_TYPE_AUDIO, "pttMessage", content.Get("pttMessage"))
	case content.Get("documentMessage").Exists():
		setMedia(msg, models.MESSAGE_TYPE_DOCUMENT, "documentMessage", content.Get("documentMessage"))
	default:
		// stickers, reactions, protocol messages, locations...
		content.ForEach(func(k, _ gjson.Result) bool {
			if k.String() != "base64" && k.String() != "messageContextInfo" {
				msg.RawType = k.String()
				return false
			}
			return true
		})
	}
}

func setMedia(msg *InboundMessage, kind, raw string, node gjson.Result) {
	msg.Type, msg.RawType = kind, raw
	msg.Text = node.Get("caption").String()
	msg.Mimetype = node.Get("mimetype").String()
	msg.FileName = firstString(node.Get("fileName"), node.Get("title"))
}

// unwrapContent peels the containers that only wrap the real content.
func unwrapContent(content gjson.Result) gjson.Result {
	wrappers := []string{
		"ephemeralMessage.message",
		"viewOnceMessage.message",
		"viewOnceMessageV2.message",
		"documentWithCaptionMessage.message",
	}
	for depth := 0; depth < 4; depth++ {
		unwrapped := false
		for _, w := range wrappers {
			if inner := content.Get(w); inner.IsObject() {
				content = inner
				unwrapped = true
				break
			}
		}
		if !unwrapped {
			break
		}
	}
	return content
}

// parseTimestamp accepts unix seconds (or millis) as number, string or the
// protobuf Long object ({low, high}).
func parseTimestamp(v gjson.Result) time.Time {
	var n int64
	switch {
	case !v.Exists():
		return time.Time{}
	case v.IsObject():
		n = v.Get("low").Int() + v.Get("high").Int()<<32
	case v.Type == gjson.Number:
		n = v.Int()
	case v.Type == gjson.String:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			if t, err := time.Parse(time.RFC3339, v.Str); err == nil {
				return t.UTC()
			}
			return time.Time{}
		}
		n = parsed
	}
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func firstString(values ...gjson.Result) string {
	for _, v := range values {
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

// EntryJID returns the transport id of a contacts/chats update entry.
func EntryJID(entry gjson.Result) string {
	return firstString(entry.Get("remoteJid"), entry.Get("id"))
}

// Entries returns the items of an update payload, array or single object.
func Entries(data gjson.Result) []gjson.Result {
	if data.IsArray() {
		return data.Array()
	}
	if data.IsObject() {
		return []gjson.Result{data}
	}
	return nil
}
