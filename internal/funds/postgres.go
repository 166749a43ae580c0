package funds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAccounts stores balances and applied operations in postgres. The
// operation record and the balance update commit in one transaction, so a
// crash between them cannot double-apply a delta.
type PostgresAccounts struct {
	db *pgxpool.Pool
}

func NewPostgresAccounts(db *pgxpool.Pool) *PostgresAccounts {
	return &PostgresAccounts{db: db}
}

// EnsureSchema creates the backing tables if absent.
func (s *PostgresAccounts) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id      text PRIMARY KEY,
			balance bigint NOT NULL CHECK (balance >= 0)
		);
		CREATE TABLE IF NOT EXISTS account_ops (
			op_id      text PRIMARY KEY,
			account_id text NOT NULL,
			delta      bigint NOT NULL,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("accounts schema: %w", err)
	}
	return nil
}

func (s *PostgresAccounts) Apply(ctx context.Context, opID, accountID string, delta int64) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO account_ops (op_id, account_id, delta) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, opID, accountID, delta)
	if err != nil {
		return false, fmt.Errorf("record op: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrAccountNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock account: %w", err)
	}
	if balance+delta < 0 {
		return false, ErrInsufficientFunds
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2 WHERE id = $1`, accountID, delta); err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit apply: %w", err)
	}
	return true, nil
}

func (s *PostgresAccounts) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresAccounts) Seed(ctx context.Context, accountID string, balance int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = excluded.balance`, accountID, balance)
	if err != nil {
		return fmt.Errorf("seed account: %w", err)
	}
	return nil
}
