package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultpay/vaultpay/internal/bus"
	"github.com/vaultpay/vaultpay/internal/event"
)

func TestRecorderCapturesTerminalEvents(t *testing.T) {
	ctx := context.Background()
	m := bus.NewMemory(bus.MemoryOptions{})
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.EnsureTopic(ctx, "TRANSFERS", event.Subjects()))

	store := NewMemoryStore()
	rec := NewRecorder(m, store, nil, bus.SubscribeOptions{AckWait: time.Second})
	require.NoError(t, rec.Run())

	require.NoError(t, m.Publish(ctx, event.SubjectTransactionCompleted, event.TransactionTerminal{
		TransactionID: "t-1", State: "COMPLETED",
	}))

	require.Eventually(t, func() bool {
		entries, err := store.ByTransaction(ctx, "t-1")
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond, "terminal event never recorded")

	entries, err := store.ByTransaction(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, event.SubjectTransactionCompleted, entries[0].Subject)
	assert.NotEmpty(t, entries[0].ID)
}

func TestRecorderCapturesDeadLetters(t *testing.T) {
	ctx := context.Background()
	m := bus.NewMemory(bus.MemoryOptions{RedeliveryDelay: time.Millisecond})
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.EnsureTopic(ctx, "TRANSFERS", event.Subjects()))

	dlq := event.SubjectDebitRequested + bus.DeadLetterSuffix
	store := NewMemoryStore()
	rec := NewRecorder(m, store, []string{dlq}, bus.SubscribeOptions{AckWait: time.Second})
	require.NoError(t, rec.Run())

	// A consumer that always fails drives the message into the DLQ.
	require.NoError(t, m.SubscribeDurable(event.SubjectDebitRequested, "poison", "funds-service",
		func(context.Context, *bus.Envelope) error { return assert.AnError },
		bus.SubscribeOptions{MaxDeliver: 2, AckWait: time.Second}))

	require.NoError(t, m.Publish(ctx, event.SubjectDebitRequested, event.FundsRequest{
		TransactionID: "t-1", AccountID: "acc-1", AmountMinorUnits: 100,
	}))

	require.Eventually(t, func() bool {
		entries, err := store.ByTransaction(ctx, "")
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond, "dead letter never recorded")

	entries, _ := store.ByTransaction(ctx, "")
	assert.Equal(t, dlq, entries[0].Subject)
}
