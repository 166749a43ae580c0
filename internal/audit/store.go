// Package audit records terminal saga outcomes and dead-lettered messages
// for operator review.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one audit row. TransactionID is empty for events that do not
// carry one (e.g. malformed dead letters).
type Entry struct {
	ID            string          `json:"id"`
	Subject       string          `json:"subject"`
	TransactionID string          `json:"transaction_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

type Store interface {
	Append(ctx context.Context, e Entry) error
	ByTransaction(ctx context.Context, transactionID string) ([]Entry, error)
}

// MemoryStore keeps entries in process, oldest first.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) ByTransaction(_ context.Context, transactionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// PostgresStore persists audit rows.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the backing table if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id             text PRIMARY KEY,
			subject        text NOT NULL,
			transaction_id text NOT NULL DEFAULT '',
			correlation_id text NOT NULL DEFAULT '',
			payload        jsonb NOT NULL,
			recorded_at    timestamptz NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS audit_log_transaction
			ON audit_log (transaction_id)`)
	if err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_log (id, subject, transaction_id, correlation_id, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		e.ID, e.Subject, e.TransactionID, e.CorrelationID, []byte(e.Payload), e.RecordedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ByTransaction(ctx context.Context, transactionID string) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subject, transaction_id, correlation_id, payload, recorded_at
		FROM audit_log WHERE transaction_id = $1 ORDER BY recorded_at`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Subject, &e.TransactionID, &e.CorrelationID, &payload, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}
