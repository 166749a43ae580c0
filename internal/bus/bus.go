package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DeadLetterSuffix is appended to a subject to form its dead-letter subject.
const DeadLetterSuffix = ".DLQ"

var (
	// ErrTransportUnavailable means the broker (or its backing store) cannot
	// be reached. Callers retry with backoff; inside a handler the message is
	// left unacknowledged so the bus redelivers.
	ErrTransportUnavailable = errors.New("bus: transport unavailable")

	// ErrPublishRejected means the broker refused the message, e.g. the
	// subject is not bound to any topic or the payload exceeds the size limit.
	ErrPublishRejected = errors.New("bus: publish rejected")

	// ErrClosed is returned once the bus has been shut down.
	ErrClosed = errors.New("bus: closed")
)

// Envelope is the unit of delivery. DeliveryAttempt starts at 1 and grows on
// each redelivery of the same message to the same durable consumer.
type Envelope struct {
	EventID         string          `json:"event_id"`
	Subject         string          `json:"subject"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	DeliveryAttempt int             `json:"delivery_attempt"`
	ProducedAt      time.Time       `json:"produced_at"`
	Payload         json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// DeadLetter is the payload published to <subject>.DLQ once a message has
// exhausted its redelivery budget. Consumed by operators, never by the saga.
type DeadLetter struct {
	Subject         string          `json:"subject"`
	DurableName     string          `json:"durable_name"`
	GroupName       string          `json:"group_name"`
	DeliveryAttempt int             `json:"delivery_attempt"`
	Error           string          `json:"error"`
	FailedAt        time.Time       `json:"failed_at"`
	Raw             json.RawMessage `json:"raw"`
}

// Handler processes one delivery. A nil return acknowledges the message; an
// error (or an expired ctx) triggers redelivery up to the consumer's
// MaxDeliver budget.
type Handler func(ctx context.Context, env *Envelope) error

// SubscribeOptions tune a durable subscription. Zero values take defaults.
type SubscribeOptions struct {
	// MaxDeliver is the delivery budget before dead-lettering (default 5).
	MaxDeliver int
	// AckWait bounds a single handler invocation; a handler still running
	// when it lapses counts as a failed delivery (default 30s).
	AckWait time.Duration
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	return o
}

// Bus is a durable publish/subscribe transport with at-least-once delivery,
// competing consumer groups and dead-letter escalation.
type Bus interface {
	// EnsureTopic idempotently creates a topic bound to the given subjects.
	EnsureTopic(ctx context.Context, name string, subjects []string) error

	// Publish durably appends payload to the topic backing subject and
	// returns once persistence is acknowledged.
	Publish(ctx context.Context, subject string, payload any) error

	// SubscribeDurable registers a named, resumable subscription. Each
	// message for a durable name is delivered to exactly one member of the
	// group at a time.
	SubscribeDurable(subject, durable, group string, h Handler, opts SubscribeOptions) error

	// Close stops all consumer loops and releases broker resources.
	Close() error
}

type correlationKey struct{}

// WithCorrelationID stamps outgoing publishes from this context with id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the id set by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
