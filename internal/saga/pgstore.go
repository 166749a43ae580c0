package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists transactions in postgres. Transition takes a row lock,
// verifies the predecessor state, and writes the target state in the same
// transaction, which makes the check-then-set atomic across replicas.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the transactions table if absent.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id              text PRIMARY KEY,
			idempotency_key text NOT NULL UNIQUE,
			user_id         text NOT NULL,
			from_account_id text NOT NULL,
			to_account_id   text NOT NULL,
			amount_minor    bigint NOT NULL CHECK (amount_minor > 0),
			device_id       text NOT NULL DEFAULT '',
			state           text NOT NULL,
			risk_score      int NOT NULL DEFAULT 0,
			risk_reasons    text[] NOT NULL DEFAULT '{}',
			failure_reason  text NOT NULL DEFAULT '',
			created_at      timestamptz NOT NULL DEFAULT now(),
			updated_at      timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("transactions schema: %w", err)
	}
	return nil
}

const txnColumns = `id, idempotency_key, user_id, from_account_id, to_account_id,
	amount_minor, device_id, state, risk_score, risk_reasons, failure_reason,
	created_at, updated_at`

func scanTxn(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var state string
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.UserID, &t.FromAccountID, &t.ToAccountID,
		&t.AmountMinorUnits, &t.DeviceID, &state, &t.RiskScore, &t.RiskReasons,
		&t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.State = State(state)
	return &t, nil
}

func (s *PGStore) Create(ctx context.Context, txn *Transaction) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO transactions
			(id, idempotency_key, user_id, from_account_id, to_account_id,
			 amount_minor, device_id, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		txn.ID, txn.IdempotencyKey, txn.UserID, txn.FromAccountID, txn.ToAccountID,
		txn.AmountMinorUnits, txn.DeviceID, string(txn.State))
	if err := row.Scan(&txn.CreatedAt, &txn.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return scanTxn(s.db.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id))
}

func (s *PGStore) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return scanTxn(s.db.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

func (s *PGStore) Transition(ctx context.Context, id string, from, to State, update func(*Transaction)) (*Transaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := scanTxn(tx.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if txn.State != from {
		return nil, ErrStateConflict
	}

	txn.State = to
	if update != nil {
		update(txn)
	}

	row := tx.QueryRow(ctx, `
		UPDATE transactions
		SET state = $2, risk_score = $3, risk_reasons = COALESCE($4, '{}'::text[]), failure_reason = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		id, string(txn.State), txn.RiskScore, txn.RiskReasons, txn.FailureReason)
	if err := row.Scan(&txn.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return txn, nil
}
