package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/vaultpay/vaultpay/internal/bus"
	"github.com/vaultpay/vaultpay/internal/event"
)

const groupName = "audit-service"

// Recorder consumes terminal saga events and dead-letter subjects into the
// audit store. It never feeds back into the saga.
type Recorder struct {
	bus   bus.Bus
	store Store
	opts  bus.SubscribeOptions
	// deadLetterSubjects lists the .DLQ subjects worth recording; they are
	// deployment-specific, so the caller supplies them.
	deadLetterSubjects []string
}

func NewRecorder(b bus.Bus, store Store, deadLetterSubjects []string, opts bus.SubscribeOptions) *Recorder {
	return &Recorder{bus: b, store: store, deadLetterSubjects: deadLetterSubjects, opts: opts}
}

// Run registers the durable subscriptions.
func (r *Recorder) Run() error {
	subjects := append([]string{
		event.SubjectTransactionCompleted,
		event.SubjectTransactionFailed,
	}, r.deadLetterSubjects...)

	for _, subject := range subjects {
		durable := "audit-" + subject
		if err := r.bus.SubscribeDurable(subject, durable, groupName, r.record, r.opts); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

func (r *Recorder) record(ctx context.Context, env *bus.Envelope) error {
	// Best-effort extraction; dead letters and terminal events both carry
	// transaction_id when they have one.
	var probe struct {
		TransactionID string `json:"transaction_id"`
	}
	_ = env.Decode(&probe)

	return r.store.Append(ctx, Entry{
		ID:            env.EventID,
		Subject:       env.Subject,
		TransactionID: probe.TransactionID,
		CorrelationID: env.CorrelationID,
		Payload:       env.Payload,
		RecordedAt:    time.Now().UTC(),
	})
}
