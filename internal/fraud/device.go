package fraud

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

const deviceMismatchRisk = 80

// DeviceStore answers whether a device fingerprint is known for a user.
// Registration happens out of band (device enrollment during login).
type DeviceStore interface {
	Known(ctx context.Context, userID, deviceID string) (bool, error)
	Register(ctx context.Context, userID, deviceID string) error
}

// DeviceMismatchRule flags transfers initiated from a device the user has
// never been seen on.
type DeviceMismatchRule struct {
	devices DeviceStore
}

func NewDeviceMismatchRule(devices DeviceStore) *DeviceMismatchRule {
	return &DeviceMismatchRule{devices: devices}
}

func (r *DeviceMismatchRule) Name() string { return "device_mismatch" }

func (r *DeviceMismatchRule) Evaluate(ctx context.Context, fc Context) (Contribution, error) {
	known, err := r.devices.Known(ctx, fc.UserID, fc.DeviceID)
	if err != nil {
		return Contribution{}, fmt.Errorf("device lookup: %w", err)
	}
	if !known {
		return Contribution{Risk: deviceMismatchRisk, Reason: "device not recognized"}, nil
	}
	return Contribution{}, nil
}

// MemoryDeviceStore is a process-local DeviceStore.
type MemoryDeviceStore struct {
	mu      sync.RWMutex
	devices map[string]map[string]struct{}
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: make(map[string]map[string]struct{})}
}

func (s *MemoryDeviceStore) Known(_ context.Context, userID, deviceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[userID][deviceID]
	return ok, nil
}

func (s *MemoryDeviceStore) Register(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[userID] == nil {
		s.devices[userID] = make(map[string]struct{})
	}
	s.devices[userID][deviceID] = struct{}{}
	return nil
}

// PostgresDeviceStore is a DeviceStore shared by all instances.
type PostgresDeviceStore struct {
	db *pgxpool.Pool
}

func NewPostgresDeviceStore(db *pgxpool.Pool) *PostgresDeviceStore {
	return &PostgresDeviceStore{db: db}
}

// EnsureSchema creates the backing table if absent.
func (s *PostgresDeviceStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS user_devices (
			user_id   text NOT NULL,
			device_id text NOT NULL,
			seen_at   timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, device_id)
		)`)
	if err != nil {
		return fmt.Errorf("device schema: %w", err)
	}
	return nil
}

func (s *PostgresDeviceStore) Known(ctx context.Context, userID, deviceID string) (bool, error) {
	var known bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_devices WHERE user_id = $1 AND device_id = $2)`,
		userID, deviceID).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("device lookup: %w", err)
	}
	return known, nil
}

func (s *PostgresDeviceStore) Register(ctx context.Context, userID, deviceID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_devices (user_id, device_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, deviceID)
	if err != nil {
		return fmt.Errorf("device register: %w", err)
	}
	return nil
}
