package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes the tenants table.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// Get returns the tenant by id. Inactive tenants are returned as-is;
// callers decide whether inactive means refuse.
func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	query := `
		SELECT id, name, active, sms_config, scheduling_config, notify_config, created_at, updated_at
		FROM tenants
		WHERE id = $1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

// LookupByFromNumber resolves the tenant that owns an inbound To number.
// Only active tenants participate; a number should never appear in two
// tenants' pools.
func (s *Store) LookupByFromNumber(ctx context.Context, number string) (*Tenant, error) {
	query := `
		SELECT id, name, active, sms_config, scheduling_config, notify_config, created_at, updated_at
		FROM tenants
		WHERE active
		  AND EXISTS (
			SELECT 1 FROM jsonb_each(sms_config->'from_numbers') AS pool(provider, numbers)
			WHERE pool.numbers ? $1
		  )
		LIMIT 1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, number))
}

// ListActive returns all active tenants, used by sweepers that fan out
// per tenant.
func (s *Store) ListActive(ctx context.Context) ([]*Tenant, error) {
	query := `
		SELECT id, name, active, sms_config, scheduling_config, notify_config, created_at, updated_at
		FROM tenants
		WHERE active
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tenant: list active: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenant: list active: %w", err)
	}
	return tenants, nil
}

// Upsert writes a tenant row. Used by seed tooling and admin imports.
func (s *Store) Upsert(ctx context.Context, t *Tenant) error {
	smsJSON, err := json.Marshal(t.SMS)
	if err != nil {
		return fmt.Errorf("tenant: marshal sms config: %w", err)
	}
	schedJSON, err := json.Marshal(t.Scheduling)
	if err != nil {
		return fmt.Errorf("tenant: marshal scheduling config: %w", err)
	}
	notifyJSON, err := json.Marshal(t.Notify)
	if err != nil {
		return fmt.Errorf("tenant: marshal notify config: %w", err)
	}

	query := `
		INSERT INTO tenants (id, name, active, sms_config, scheduling_config, notify_config)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			sms_config = EXCLUDED.sms_config,
			scheduling_config = EXCLUDED.scheduling_config,
			notify_config = EXCLUDED.notify_config,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, t.ID, t.Name, t.Active, smsJSON, schedJSON, notifyJSON); err != nil {
		return fmt.Errorf("tenant: upsert: %w", err)
	}
	return nil
}

func (s *Store) scanOne(row pgx.Row) (*Tenant, error) {
	t, err := s.scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *Store) scanRow(row pgx.Row) (*Tenant, error) {
	var (
		t          Tenant
		smsJSON    []byte
		schedJSON  []byte
		notifyJSON []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Active, &smsJSON, &schedJSON, &notifyJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("tenant: scan: %w", err)
	}
	if len(smsJSON) > 0 {
		if err := json.Unmarshal(smsJSON, &t.SMS); err != nil {
			return nil, fmt.Errorf("tenant: unmarshal sms config: %w", err)
		}
	}
	if len(schedJSON) > 0 {
		if err := json.Unmarshal(schedJSON, &t.Scheduling); err != nil {
			return nil, fmt.Errorf("tenant: unmarshal scheduling config: %w", err)
		}
	}
	if len(notifyJSON) > 0 {
		if err := json.Unmarshal(notifyJSON, &t.Notify); err != nil {
			return nil, fmt.Errorf("tenant: unmarshal notify config: %w", err)
		}
	}
	return &t, nil
}
