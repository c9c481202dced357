// Package broker publishes ingest notifications to a topic exchange.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const PRODUCER = "wainbox"

const EVENT_MESSAGE_INGESTED = "messages.ingested.v1"

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// MessageIngested is emitted once per newly stored message.
type MessageIngested struct {
	TenantID     string    `json:"tenant_id"`
	MessageID    string    `json:"message_id"`
	Phone        string    `json:"phone"`
	Direction    string    `json:"direction"`
	Type         string    `json:"type"`
	MediaMissing bool      `json:"media_missing"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewEnvelope wraps data with fresh metadata. correlationID may be empty.
func NewEnvelope(eventType, correlationID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			CorrelationID: correlationID,
			Producer:      PRODUCER,
			Time:          time.Now().UTC(),
			Type:          eventType,
		},
		Data: data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

type rmqClient struct {
	conn     *amqp091.Connection
	exchange string
}

// New dials the broker and declares the durable topic exchange.
func New(url, exchange string) (Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, eris.Wrap(err, "broker: dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "broker: open channel")
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, eris.Wrapf(err, "broker: declare exchange %s", exchange)
	}

	return &rmqClient{conn: conn, exchange: exchange}, nil
}

func (r *rmqClient) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return eris.Wrap(err, "broker: open channel")
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return eris.Wrap(err, "broker: confirm mode")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "broker: marshal envelope")
	}

	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msg.Meta.CorrelationID
	if cid == "" {
		cid = uuid.NewString()
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, r.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     msgID,
			CorrelationId: cid,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		return eris.Wrapf(err, "broker: publish %s", key)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return eris.Wrapf(err, "broker: wait confirm %s", key)
	}
	if !ok {
		return eris.Errorf("broker: publish %s nacked", key)
	}

	zap.L().Debug("broker: published", zap.String("key", key), zap.String("exchange", r.exchange), zap.String("id", msgID))
	return nil
}

func (r *rmqClient) Close() error {
	return r.conn.Close()
}

// Noop discards every message. Used when no broker URL is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, Envelope) error { return nil }
func (Noop) Close() error                                    { return nil }

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu       sync.Mutex
	Messages []Recorded
}

type Recorded struct {
	Key      string
	Envelope Envelope
}

func (r *Recorder) Publish(_ context.Context, key string, msg Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Recorded{Key: key, Envelope: msg})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Published returns a copy of what was recorded so far.
func (r *Recorder) Published() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.Messages))
	copy(out, r.Messages)
	return out
}
