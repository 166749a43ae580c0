package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultpay/vaultpay/internal/metrics"
)

// MemoryOptions tune the in-process broker. Zero values take defaults.
type MemoryOptions struct {
	// MaxPayloadBytes rejects oversized publishes (default 1 MiB).
	MaxPayloadBytes int
	// RedeliveryDelay is the base backoff before a failed delivery is
	// requeued; it grows linearly with the attempt count (default 25ms).
	RedeliveryDelay time.Duration
	// Workers bounds concurrent handler invocations across all consumers
	// (default 8).
	Workers int
}

func (o MemoryOptions) withDefaults() MemoryOptions {
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = 1 << 20
	}
	if o.RedeliveryDelay <= 0 {
		o.RedeliveryDelay = 25 * time.Millisecond
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	return o
}

// Memory is an in-process broker with the full delivery contract: durable
// named consumers, competing group members, ack-wait bounded handlers,
// attempt-counted redelivery and dead-letter escalation. Durability is
// process-scoped; multi-process deployments use the Postgres backend.
type Memory struct {
	opts   MemoryOptions
	ctx    context.Context
	cancel context.CancelFunc
	pool   *workerPool[memJob]

	mu        sync.Mutex
	topics    map[string][]string
	bySubject map[string]string
	consumers map[string]*memConsumer
	closed    bool

	wg sync.WaitGroup
}

type memJob struct {
	consumer *memConsumer
	delivery *memDelivery
	done     chan struct{}
}

type memDelivery struct {
	env      Envelope
	attempts int
}

// NewMemory creates and starts an in-process bus.
func NewMemory(opts MemoryOptions) *Memory {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		topics:    make(map[string][]string),
		bySubject: make(map[string]string),
		consumers: make(map[string]*memConsumer),
	}
	m.pool = newWorkerPool(ctx, opts.Workers, opts.Workers*4, func(ctx context.Context, j memJob) {
		j.consumer.deliver(j.delivery)
		close(j.done)
	})
	return m
}

// EnsureTopic binds subjects to a named topic. Calling it again with the
// same arguments is a no-op.
func (m *Memory) EnsureTopic(_ context.Context, name string, subjects []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, s := range subjects {
		if owner, ok := m.bySubject[s]; ok && owner != name {
			return fmt.Errorf("%w: subject %q already bound to topic %q", ErrPublishRejected, s, owner)
		}
	}
	// Rebinding replaces the topic's subject set; bindings absent from the
	// new set are dropped.
	for s, owner := range m.bySubject {
		if owner == name {
			delete(m.bySubject, s)
		}
	}
	for _, s := range subjects {
		m.bySubject[s] = name
	}
	m.topics[name] = append(m.topics[name][:0:0], subjects...)
	return nil
}

// Publish appends payload to the topic backing subject and fans it out to
// every durable consumer registered on the subject.
func (m *Memory) Publish(ctx context.Context, subject string, payload any) error {
	return m.publish(ctx, subject, payload, false)
}

func (m *Memory) publish(ctx context.Context, subject string, payload any, internal bool) error {
	env, err := seal(ctx, subject, payload, m.opts.MaxPayloadBytes)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	// Dead-letter publishes are internal escalations and skip the binding
	// check; everything else needs a topic.
	if _, bound := m.bySubject[subject]; !bound && !internal {
		m.mu.Unlock()
		return fmt.Errorf("%w: no topic bound to subject %q", ErrPublishRejected, subject)
	}
	var targets []*memConsumer
	for _, c := range m.consumers {
		if c.subject == subject {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	metrics.BusPublished.WithLabelValues(subject).Inc()
	for _, c := range targets {
		c.enqueue(&memDelivery{env: *env})
	}
	return nil
}

// SubscribeDurable registers (or extends) the durable consumer for subject.
// A second call with the same durable name adds a competing group member.
func (m *Memory) SubscribeDurable(subject, durable, group string, h Handler, opts SubscribeOptions) error {
	if h == nil {
		return fmt.Errorf("bus: nil handler for durable %q", durable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	key := subject + "|" + durable
	c, ok := m.consumers[key]
	if !ok {
		c = &memConsumer{
			bus:     m,
			subject: subject,
			durable: durable,
			group:   group,
			opts:    opts.withDefaults(),
			notify:  make(chan struct{}, 1),
		}
		m.consumers[key] = c
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			c.run(m.ctx)
		}()
	} else if c.group != group {
		return fmt.Errorf("bus: durable %q already belongs to group %q", durable, c.group)
	}
	c.mu.Lock()
	c.members = append(c.members, h)
	c.mu.Unlock()
	return nil
}

// Close stops delivery and waits for in-flight handlers to return.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.pool.Drain()
	return nil
}

func seal(ctx context.Context, subject string, payload any, maxBytes int) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublishRejected, err)
	}
	if len(raw) > maxBytes {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrPublishRejected, len(raw), maxBytes)
	}
	return &Envelope{
		EventID:       uuid.New().String(),
		Subject:       subject,
		CorrelationID: CorrelationID(ctx),
		ProducedAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// memConsumer is one durable subscription: an ordered pending queue shared
// by all group members, drained one message at a time.
type memConsumer struct {
	bus     *Memory
	subject string
	durable string
	group   string
	opts    SubscribeOptions

	mu      sync.Mutex
	members []Handler
	next    int
	pending []*memDelivery
	notify  chan struct{}
}

func (c *memConsumer) enqueue(d *memDelivery) {
	c.mu.Lock()
	c.pending = append(c.pending, d)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *memConsumer) pop(ctx context.Context) *memDelivery {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			d := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return d
		}
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-c.notify:
		}
	}
}

func (c *memConsumer) run(ctx context.Context) {
	for {
		d := c.pop(ctx)
		if d == nil {
			return
		}
		done := make(chan struct{})
		if !c.bus.pool.Submit(ctx, memJob{consumer: c, delivery: d, done: done}) {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func (c *memConsumer) nextMember() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.members[c.next%len(c.members)]
	c.next++
	return h
}

// deliver runs one delivery attempt and applies the redelivery/dead-letter
// policy. The message is acknowledged implicitly by returning without a
// requeue.
func (c *memConsumer) deliver(d *memDelivery) {
	d.attempts++
	env := d.env
	env.DeliveryAttempt = d.attempts

	hctx, cancel := context.WithTimeout(c.bus.ctx, c.opts.AckWait)
	member := c.nextMember()
	result := make(chan error, 1)
	go func() { result <- member(hctx, &env) }()

	var err error
	select {
	case err = <-result:
	case <-hctx.Done():
		// The ack window lapsed: the delivery counts as failed even if the
		// handler eventually returns nil. The abandoned invocation holds a
		// cancelled ctx and is expected to wind down on its own.
		err = fmt.Errorf("bus: ack wait of %s lapsed", c.opts.AckWait)
	}
	cancel()

	if err == nil {
		metrics.BusDeliveries.WithLabelValues(c.subject, "ack").Inc()
		return
	}

	if d.attempts < c.opts.MaxDeliver {
		slog.Warn("handler failed, scheduling redelivery",
			"subject", c.subject, "durable", c.durable,
			"attempt", d.attempts, "err", err)
		metrics.BusDeliveries.WithLabelValues(c.subject, "redeliver").Inc()
		c.requeueAfter(d, time.Duration(d.attempts)*c.bus.opts.RedeliveryDelay)
		return
	}

	dl := DeadLetter{
		Subject:         c.subject,
		DurableName:     c.durable,
		GroupName:       c.group,
		DeliveryAttempt: d.attempts,
		Error:           err.Error(),
		FailedAt:        time.Now().UTC(),
		Raw:             d.env.Payload,
	}
	if perr := c.bus.publish(c.bus.ctx, c.subject+DeadLetterSuffix, dl, true); perr != nil {
		// Could not record the dead letter: leave the message unacked so it
		// comes around again rather than silently dropping it.
		slog.Error("dead-letter publish failed, keeping message",
			"subject", c.subject, "durable", c.durable, "err", perr)
		c.requeueAfter(d, c.bus.opts.RedeliveryDelay)
		return
	}
	metrics.BusDeliveries.WithLabelValues(c.subject, "deadletter").Inc()
	slog.Warn("message dead-lettered",
		"subject", c.subject, "durable", c.durable,
		"attempts", d.attempts, "err", err)
}

func (c *memConsumer) requeueAfter(d *memDelivery, delay time.Duration) {
	time.AfterFunc(delay, func() {
		c.bus.mu.Lock()
		closed := c.bus.closed
		c.bus.mu.Unlock()
		if !closed {
			c.enqueue(d)
		}
	})
}
