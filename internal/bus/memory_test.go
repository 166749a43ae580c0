package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testPayload struct {
	ID string `json:"id"`
}

func newTestBus(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(MemoryOptions{RedeliveryDelay: 5 * time.Millisecond})
	t.Cleanup(func() { _ = m.Close() })
	if err := m.EnsureTopic(context.Background(), "TEST", []string{"orders.created"}); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	return m
}

func TestPublishDelivers(t *testing.T) {
	m := newTestBus(t)

	got := make(chan *Envelope, 1)
	err := m.SubscribeDurable("orders.created", "orders", "workers", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("SubscribeDurable: %v", err)
	}

	ctx := WithCorrelationID(context.Background(), "corr-1")
	if err := m.Publish(ctx, "orders.created", testPayload{ID: "o-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case env := <-got:
		if env.DeliveryAttempt != 1 {
			t.Errorf("DeliveryAttempt = %d, want 1", env.DeliveryAttempt)
		}
		if env.CorrelationID != "corr-1" {
			t.Errorf("CorrelationID = %q, want corr-1", env.CorrelationID)
		}
		if env.EventID == "" {
			t.Error("EventID is empty")
		}
		var p testPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if p.ID != "o-1" {
			t.Errorf("payload ID = %q, want o-1", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublishUnboundSubjectRejected(t *testing.T) {
	m := newTestBus(t)
	err := m.Publish(context.Background(), "orders.unknown", testPayload{ID: "x"})
	if !errors.Is(err, ErrPublishRejected) {
		t.Fatalf("err = %v, want ErrPublishRejected", err)
	}
}

func TestPublishOversizedPayloadRejected(t *testing.T) {
	m := NewMemory(MemoryOptions{MaxPayloadBytes: 16})
	t.Cleanup(func() { _ = m.Close() })
	if err := m.EnsureTopic(context.Background(), "TEST", []string{"orders.created"}); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	err := m.Publish(context.Background(), "orders.created", testPayload{ID: "this payload is longer than sixteen bytes"})
	if !errors.Is(err, ErrPublishRejected) {
		t.Fatalf("err = %v, want ErrPublishRejected", err)
	}
}

func TestRedeliveryUntilSuccess(t *testing.T) {
	m := newTestBus(t)

	var attempts atomic.Int32
	done := make(chan int, 1)
	err := m.SubscribeDurable("orders.created", "orders", "workers", func(_ context.Context, env *Envelope) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient")
		}
		done <- env.DeliveryAttempt
		return nil
	}, SubscribeOptions{MaxDeliver: 5})
	if err != nil {
		t.Fatalf("SubscribeDurable: %v", err)
	}

	if err := m.Publish(context.Background(), "orders.created", testPayload{ID: "o-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case attempt := <-done:
		if attempt != 3 {
			t.Errorf("final DeliveryAttempt = %d, want 3", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for successful redelivery")
	}
}

func TestDeadLetterAfterBudgetExhausted(t *testing.T) {
	m := newTestBus(t)

	var attempts atomic.Int32
	err := m.SubscribeDurable("orders.created", "orders", "workers", func(context.Context, *Envelope) error {
		attempts.Add(1)
		return errors.New("permanent")
	}, SubscribeOptions{MaxDeliver: 3})
	if err != nil {
		t.Fatalf("SubscribeDurable: %v", err)
	}

	dead := make(chan DeadLetter, 2)
	err = m.SubscribeDurable("orders.created"+DeadLetterSuffix, "orders-dlq", "ops", func(_ context.Context, env *Envelope) error {
		var dl DeadLetter
		if err := env.Decode(&dl); err != nil {
			return err
		}
		dead <- dl
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("SubscribeDurable DLQ: %v", err)
	}

	if err := m.Publish(context.Background(), "orders.created", testPayload{ID: "o-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case dl := <-dead:
		if dl.DeliveryAttempt != 3 {
			t.Errorf("DeliveryAttempt = %d, want 3", dl.DeliveryAttempt)
		}
		if dl.Subject != "orders.created" {
			t.Errorf("Subject = %q, want orders.created", dl.Subject)
		}
		if dl.DurableName != "orders" {
			t.Errorf("DurableName = %q, want orders", dl.DurableName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead letter")
	}

	// The message is acked once dead-lettered: no further attempts, no
	// second dead letter.
	time.Sleep(100 * time.Millisecond)
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want exactly 3", n)
	}
	select {
	case <-dead:
		t.Error("received a second dead letter for the same message")
	default:
	}
}

func TestCompetingGroupMembersEachMessageOnce(t *testing.T) {
	m := newTestBus(t)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	const total = 8
	wg.Add(total)

	member := func(_ context.Context, env *Envelope) error {
		var p testPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		seen[p.ID]++
		mu.Unlock()
		wg.Done()
		return nil
	}
	for i := 0; i < 2; i++ {
		if err := m.SubscribeDurable("orders.created", "orders", "workers", member, SubscribeOptions{}); err != nil {
			t.Fatalf("SubscribeDurable: %v", err)
		}
	}

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		if err := m.Publish(context.Background(), "orders.created", testPayload{ID: id}); err != nil {
			t.Fatalf("Publish %s: %v", id, err)
		}
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if seen[id] != 1 {
			t.Errorf("message %q delivered %d times, want 1", id, seen[id])
		}
	}
}

func TestAckWaitLapseCountsAsFailedDelivery(t *testing.T) {
	m := newTestBus(t)

	done := make(chan int, 1)
	err := m.SubscribeDurable("orders.created", "orders", "workers", func(_ context.Context, env *Envelope) error {
		if env.DeliveryAttempt == 1 {
			// Overstay the ack window, then report success anyway.
			time.Sleep(150 * time.Millisecond)
			return nil
		}
		done <- env.DeliveryAttempt
		return nil
	}, SubscribeOptions{MaxDeliver: 3, AckWait: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("SubscribeDurable: %v", err)
	}

	if err := m.Publish(context.Background(), "orders.created", testPayload{ID: "o-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The late nil from attempt 1 must not ack; the message comes around.
	select {
	case attempt := <-done:
		if attempt != 2 {
			t.Errorf("redelivered attempt = %d, want 2", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery after ack-wait lapse")
	}
}

func TestSingleMemberPreservesPublishOrder(t *testing.T) {
	m := newTestBus(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	const total = 20

	err := m.SubscribeDurable("orders.created", "orders", "workers", func(_ context.Context, env *Envelope) error {
		var p testPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, p.ID)
		if len(order) == total {
			close(done)
		}
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("SubscribeDurable: %v", err)
	}

	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id := string(rune('a' + i))
		want = append(want, id)
		if err := m.Publish(context.Background(), "orders.created", testPayload{ID: id}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery %d = %q, want %q (order: %v)", i, order[i], want[i], order)
		}
	}
}

func TestEnsureTopicRebindDropsRemovedSubjects(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	t.Cleanup(func() { _ = m.Close() })

	ctx := context.Background()
	if err := m.EnsureTopic(ctx, "TEST", []string{"orders.created", "orders.removed"}); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	if err := m.EnsureTopic(ctx, "TEST", []string{"orders.created"}); err != nil {
		t.Fatalf("EnsureTopic rebind: %v", err)
	}

	if err := m.Publish(ctx, "orders.removed", testPayload{ID: "x"}); !errors.Is(err, ErrPublishRejected) {
		t.Errorf("publish to removed subject: err = %v, want ErrPublishRejected", err)
	}
	if err := m.Publish(ctx, "orders.created", testPayload{ID: "x"}); err != nil {
		t.Errorf("publish to kept subject: %v", err)
	}
}

func TestDurableCannotSwitchGroup(t *testing.T) {
	m := newTestBus(t)
	h := func(context.Context, *Envelope) error { return nil }
	if err := m.SubscribeDurable("orders.created", "orders", "workers", h, SubscribeOptions{}); err != nil {
		t.Fatalf("SubscribeDurable: %v", err)
	}
	if err := m.SubscribeDurable("orders.created", "orders", "other-group", h, SubscribeOptions{}); err == nil {
		t.Fatal("expected error when reusing durable under a different group")
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	if err := m.EnsureTopic(context.Background(), "TEST", []string{"orders.created"}); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Publish(context.Background(), "orders.created", testPayload{ID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
