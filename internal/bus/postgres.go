package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaultpay/vaultpay/internal/metrics"
)

// PostgresOptions tune the postgres-backed broker.
type PostgresOptions struct {
	// PollInterval is how long an idle consumer sleeps between claim
	// attempts (default 250ms).
	PollInterval time.Duration
	// MaxPayloadBytes rejects oversized publishes (default 1 MiB).
	MaxPayloadBytes int
	// RedeliveryDelay is the base backoff applied after a failed delivery;
	// it grows linearly with the attempt count (default 1s).
	RedeliveryDelay time.Duration
}

func (o PostgresOptions) withDefaults() PostgresOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = 1 << 20
	}
	if o.RedeliveryDelay <= 0 {
		o.RedeliveryDelay = time.Second
	}
	return o
}

// Postgres is a durable broker backed by postgres tables. Messages are
// appended to a per-subject log; durable consumers track per-message
// delivery state and compete for work with FOR UPDATE SKIP LOCKED, which
// load-balances across group members in any number of processes.
type Postgres struct {
	db     *pgxpool.Pool
	opts   PostgresOptions
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPostgres creates a broker on the given pool. Call EnsureSchema once at
// boot before subscribing.
func NewPostgres(db *pgxpool.Pool, opts PostgresOptions) *Postgres {
	ctx, cancel := context.WithCancel(context.Background())
	return &Postgres{db: db, opts: opts.withDefaults(), ctx: ctx, cancel: cancel}
}

// EnsureSchema creates the broker tables if absent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bus_topics (
			name text PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS bus_subjects (
			subject text PRIMARY KEY,
			topic   text NOT NULL REFERENCES bus_topics(name)
		);
		CREATE TABLE IF NOT EXISTS bus_messages (
			seq            bigserial PRIMARY KEY,
			event_id       text NOT NULL,
			subject        text NOT NULL,
			correlation_id text NOT NULL DEFAULT '',
			payload        jsonb NOT NULL,
			produced_at    timestamptz NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS bus_messages_subject_seq
			ON bus_messages (subject, seq);
		CREATE TABLE IF NOT EXISTS bus_deliveries (
			durable    text NOT NULL,
			seq        bigint NOT NULL REFERENCES bus_messages(seq),
			attempts   int NOT NULL DEFAULT 0,
			not_before timestamptz NOT NULL DEFAULT now(),
			acked      boolean NOT NULL DEFAULT false,
			PRIMARY KEY (durable, seq)
		);
		CREATE INDEX IF NOT EXISTS bus_deliveries_ready
			ON bus_deliveries (durable, acked, not_before, seq);
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// EnsureTopic idempotently registers a topic and binds subjects to it.
func (p *Postgres) EnsureTopic(ctx context.Context, name string, subjects []string) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO bus_topics (name) VALUES ($1) ON CONFLICT DO NOTHING`, name); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	for _, s := range subjects {
		tag, err := tx.Exec(ctx, `
			INSERT INTO bus_subjects (subject, topic) VALUES ($1, $2)
			ON CONFLICT (subject) DO NOTHING`, s, name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		if tag.RowsAffected() == 0 {
			var owner string
			if err := tx.QueryRow(ctx,
				`SELECT topic FROM bus_subjects WHERE subject = $1`, s).Scan(&owner); err == nil && owner != name {
				return fmt.Errorf("%w: subject %q already bound to topic %q", ErrPublishRejected, s, owner)
			}
		}
	}
	// Bindings absent from the new subject set are dropped.
	if _, err := tx.Exec(ctx,
		`DELETE FROM bus_subjects WHERE topic = $1 AND subject <> ALL($2)`, name, subjects); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// Publish durably appends payload and returns after the insert commits.
func (p *Postgres) Publish(ctx context.Context, subject string, payload any) error {
	return p.publish(ctx, subject, payload, false)
}

func (p *Postgres) publish(ctx context.Context, subject string, payload any, internal bool) error {
	env, err := seal(ctx, subject, payload, p.opts.MaxPayloadBytes)
	if err != nil {
		return err
	}
	if !internal {
		var bound bool
		err := p.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM bus_subjects WHERE subject = $1)`, subject).Scan(&bound)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		if !bound {
			return fmt.Errorf("%w: no topic bound to subject %q", ErrPublishRejected, subject)
		}
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO bus_messages (event_id, subject, correlation_id, payload, produced_at)
		VALUES ($1, $2, $3, $4, $5)`,
		env.EventID, subject, env.CorrelationID, []byte(env.Payload), env.ProducedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	metrics.BusPublished.WithLabelValues(subject).Inc()
	return nil
}

// SubscribeDurable starts a polling consumer loop. Each call adds one group
// member; members in this or any other process compete for messages.
func (p *Postgres) SubscribeDurable(subject, durable, group string, h Handler, opts SubscribeOptions) error {
	if h == nil {
		return fmt.Errorf("bus: nil handler for durable %q", durable)
	}
	opts = opts.withDefaults()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.consume(subject, durable, group, h, opts)
	}()
	return nil
}

// Close stops all consumer loops. The pool itself is owned by the caller.
func (p *Postgres) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *Postgres) consume(subject, durable, group string, h Handler, opts SubscribeOptions) {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		delivered, err := p.deliverNext(subject, durable, group, h, opts)
		if err != nil {
			slog.Error("consumer poll failed",
				"subject", subject, "durable", durable, "err", err)
		}
		if !delivered {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
		}
	}
}

// deliverNext claims at most one ready message for the durable consumer,
// invokes the handler, and applies the redelivery/dead-letter policy.
func (p *Postgres) deliverNext(subject, durable, group string, h Handler, opts SubscribeOptions) (bool, error) {
	ctx := p.ctx

	// Seed delivery state for messages published since the last seen seq.
	_, err := p.db.Exec(ctx, `
		INSERT INTO bus_deliveries (durable, seq)
		SELECT $1, m.seq FROM bus_messages m
		WHERE m.subject = $2
		  AND m.seq > COALESCE((SELECT max(seq) FROM bus_deliveries WHERE durable = $1), 0)
		ON CONFLICT DO NOTHING`, durable, subject)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var (
		env      Envelope
		seq      int64
		attempts int
		payload  []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT d.seq, d.attempts, m.event_id, m.correlation_id, m.payload, m.produced_at
		FROM bus_deliveries d
		JOIN bus_messages m ON m.seq = d.seq
		WHERE d.durable = $1 AND NOT d.acked AND d.not_before <= now()
		ORDER BY d.seq
		LIMIT 1
		FOR UPDATE OF d SKIP LOCKED`, durable).
		Scan(&seq, &attempts, &env.EventID, &env.CorrelationID, &payload, &env.ProducedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	// Lease the message: bump the attempt count and push the deadline out so
	// a crashed handler gets natural redelivery.
	attempts++
	_, err = tx.Exec(ctx, `
		UPDATE bus_deliveries
		SET attempts = $3, not_before = now() + ($4 * interval '1 millisecond')
		WHERE durable = $1 AND seq = $2`,
		durable, seq, attempts, opts.AckWait.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	env.Subject = subject
	env.DeliveryAttempt = attempts
	env.Payload = payload

	hctx, cancel := context.WithTimeout(ctx, opts.AckWait)
	herr := h(hctx, &env)
	cancel()

	if herr == nil {
		_, err := p.db.Exec(ctx,
			`UPDATE bus_deliveries SET acked = true WHERE durable = $1 AND seq = $2`, durable, seq)
		if err != nil {
			// Ack lost: the message will be redelivered and the handler must
			// absorb the duplicate. That is the at-least-once contract.
			return true, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		metrics.BusDeliveries.WithLabelValues(subject, "ack").Inc()
		return true, nil
	}

	if attempts < opts.MaxDeliver {
		slog.Warn("handler failed, scheduling redelivery",
			"subject", subject, "durable", durable, "attempt", attempts, "err", herr)
		metrics.BusDeliveries.WithLabelValues(subject, "redeliver").Inc()
		backoff := time.Duration(attempts) * p.opts.RedeliveryDelay
		_, err := p.db.Exec(ctx, `
			UPDATE bus_deliveries
			SET not_before = now() + ($3 * interval '1 millisecond')
			WHERE durable = $1 AND seq = $2`,
			durable, seq, backoff.Milliseconds())
		return true, err
	}

	dl := DeadLetter{
		Subject:         subject,
		DurableName:     durable,
		GroupName:       group,
		DeliveryAttempt: attempts,
		Error:           herr.Error(),
		FailedAt:        time.Now().UTC(),
		Raw:             env.Payload,
	}
	if perr := p.publish(ctx, subject+DeadLetterSuffix, dl, true); perr != nil {
		// Leave unacked; the lease lapses and the message comes around again.
		slog.Error("dead-letter publish failed, keeping message",
			"subject", subject, "durable", durable, "err", perr)
		return true, nil
	}
	_, err = p.db.Exec(ctx,
		`UPDATE bus_deliveries SET acked = true WHERE durable = $1 AND seq = $2`, durable, seq)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	metrics.BusDeliveries.WithLabelValues(subject, "deadletter").Inc()
	slog.Warn("message dead-lettered",
		"subject", subject, "durable", durable, "attempts", attempts, "err", herr)
	return true, nil
}
