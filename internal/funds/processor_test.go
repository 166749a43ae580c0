package funds

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vaultpay/vaultpay/internal/bus"
	"github.com/vaultpay/vaultpay/internal/event"
)

func newProcessorWorld(t *testing.T) (*bus.Memory, *MemoryAccounts, chan event.FundsResult, chan event.FundsResult) {
	t.Helper()
	ctx := context.Background()

	m := bus.NewMemory(bus.MemoryOptions{RedeliveryDelay: 5 * time.Millisecond})
	t.Cleanup(func() { _ = m.Close() })
	if err := m.EnsureTopic(ctx, "TRANSFERS", event.Subjects()); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	opts := bus.SubscribeOptions{MaxDeliver: 5, AckWait: time.Second}

	accounts := NewMemoryAccounts()
	if err := NewProcessor(m, accounts, opts).Run(); err != nil {
		t.Fatalf("processor: %v", err)
	}

	completed := make(chan event.FundsResult, 4)
	failed := make(chan event.FundsResult, 4)
	capture := func(ch chan event.FundsResult) bus.Handler {
		return func(_ context.Context, env *bus.Envelope) error {
			var res event.FundsResult
			if err := env.Decode(&res); err != nil {
				return err
			}
			ch <- res
			return nil
		}
	}
	if err := m.SubscribeDurable(event.SubjectDebitCompleted, "test-completed", "test", capture(completed), opts); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.SubscribeDurable(event.SubjectDebitFailed, "test-failed", "test", capture(failed), opts); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return m, accounts, completed, failed
}

func recv(t *testing.T, ch chan event.FundsResult) event.FundsResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for funds result")
		return event.FundsResult{}
	}
}

func TestDebitMovesFunds(t *testing.T) {
	m, accounts, completed, _ := newProcessorWorld(t)
	ctx := context.Background()
	_ = accounts.Seed(ctx, "acc-1", 1000)

	err := m.Publish(ctx, event.SubjectDebitRequested, event.FundsRequest{
		TransactionID: "t-1", AccountID: "acc-1", AmountMinorUnits: 300,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	res := recv(t, completed)
	if res.TransactionID != "t-1" {
		t.Errorf("TransactionID = %q", res.TransactionID)
	}
	if balance, _ := accounts.Balance(ctx, "acc-1"); balance != 700 {
		t.Errorf("balance = %d, want 700", balance)
	}
}

func TestDebitBusinessFailureIsAcked(t *testing.T) {
	m, accounts, _, failed := newProcessorWorld(t)
	ctx := context.Background()
	_ = accounts.Seed(ctx, "acc-1", 100)

	err := m.Publish(ctx, event.SubjectDebitRequested, event.FundsRequest{
		TransactionID: "t-1", AccountID: "acc-1", AmountMinorUnits: 500,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	res := recv(t, failed)
	if !strings.Contains(res.Reason, "insufficient funds") {
		t.Errorf("Reason = %q, want insufficient funds", res.Reason)
	}
	if balance, _ := accounts.Balance(ctx, "acc-1"); balance != 100 {
		t.Errorf("balance = %d, want untouched 100", balance)
	}
}

func TestUnknownAccountReportsFailure(t *testing.T) {
	m, _, _, failed := newProcessorWorld(t)
	err := m.Publish(context.Background(), event.SubjectDebitRequested, event.FundsRequest{
		TransactionID: "t-1", AccountID: "ghost", AmountMinorUnits: 100,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	res := recv(t, failed)
	if !strings.Contains(res.Reason, "account not found") {
		t.Errorf("Reason = %q, want account not found", res.Reason)
	}
}

func TestRedeliveredDebitAppliesOnce(t *testing.T) {
	m, accounts, completed, _ := newProcessorWorld(t)
	ctx := context.Background()
	_ = accounts.Seed(ctx, "acc-1", 1000)

	req := event.FundsRequest{TransactionID: "t-1", AccountID: "acc-1", AmountMinorUnits: 300}
	for i := 0; i < 2; i++ {
		if err := m.Publish(ctx, event.SubjectDebitRequested, req); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// Both deliveries report success, but the money moves once.
	recv(t, completed)
	recv(t, completed)
	if balance, _ := accounts.Balance(ctx, "acc-1"); balance != 700 {
		t.Errorf("balance = %d, want 700 after duplicate request", balance)
	}
}

func TestReversalRestoresBalance(t *testing.T) {
	m, accounts, _, _ := newProcessorWorld(t)
	ctx := context.Background()
	_ = accounts.Seed(ctx, "acc-1", 700)

	reversed := make(chan event.FundsResult, 1)
	err := m.SubscribeDurable(event.SubjectReversalCompleted, "test-reversal", "test",
		func(_ context.Context, env *bus.Envelope) error {
			var res event.FundsResult
			if err := env.Decode(&res); err != nil {
				return err
			}
			reversed <- res
			return nil
		}, bus.SubscribeOptions{AckWait: time.Second})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	err = m.Publish(ctx, event.SubjectReversalRequested, event.FundsRequest{
		TransactionID: "t-1", AccountID: "acc-1", AmountMinorUnits: 300,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recv(t, reversed)
	if balance, _ := accounts.Balance(ctx, "acc-1"); balance != 1000 {
		t.Errorf("balance = %d, want 1000 after reversal", balance)
	}
}

func TestMemoryAccountsApplyIdempotent(t *testing.T) {
	accounts := NewMemoryAccounts()
	ctx := context.Background()
	_ = accounts.Seed(ctx, "acc-1", 1000)

	applied, err := accounts.Apply(ctx, "op-1", "acc-1", -300)
	if err != nil || !applied {
		t.Fatalf("first Apply = (%v, %v), want (true, nil)", applied, err)
	}
	applied, err = accounts.Apply(ctx, "op-1", "acc-1", -300)
	if err != nil || applied {
		t.Fatalf("second Apply = (%v, %v), want (false, nil)", applied, err)
	}
	if balance, _ := accounts.Balance(ctx, "acc-1"); balance != 700 {
		t.Errorf("balance = %d, want 700", balance)
	}
}
