// Package consent tracks SMS consent per (tenant, phone hash). History is
// append-oriented: a grant inserts a new row, a revocation stamps the
// newest open row exactly once, and a later grant supersedes a revocation
// with a fresh row. Nothing here ever deletes or rewrites history.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status is the effective consent state derived from the newest record.
type Status string

const (
	StatusNone    Status = "NONE"
	StatusGranted Status = "GRANTED"
	StatusRevoked Status = "REVOKED"
)

// Consent acquisition methods.
const (
	MethodSMSReply = "sms_reply"
	MethodImport   = "import"
)

var ErrNoRecord = errors.New("consent: no record")

// Record is one consent history row.
type Record struct {
	ID               string
	TenantID         string
	PhoneHash        string
	Granted          bool
	Method           string
	GrantedAt        time.Time
	RevokedAt        *time.Time
	RevocationReason string
	CreatedAt        time.Time
}

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists consent history in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// Latest returns the newest consent record for the pair.
func (s *Store) Latest(ctx context.Context, tenantID, phoneHash string) (*Record, error) {
	query := `
		SELECT id, tenant_id, phone_hash, granted, method, granted_at,
		       revoked_at, COALESCE(revocation_reason, ''), created_at
		FROM consents
		WHERE tenant_id = $1 AND phone_hash = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	var rec Record
	err := s.pool.QueryRow(ctx, query, tenantID, phoneHash).Scan(
		&rec.ID, &rec.TenantID, &rec.PhoneHash, &rec.Granted, &rec.Method,
		&rec.GrantedAt, &rec.RevokedAt, &rec.RevocationReason, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("consent: latest: %w", err)
	}
	return &rec, nil
}

// Status derives the effective state from the newest record. Revocation is
// monotonic: once the newest row carries revoked_at, only a newer grant
// row changes the answer.
func (s *Store) Status(ctx context.Context, tenantID, phoneHash string) (Status, error) {
	rec, err := s.Latest(ctx, tenantID, phoneHash)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return StatusNone, nil
		}
		return StatusNone, err
	}
	if rec.RevokedAt != nil {
		return StatusRevoked, nil
	}
	if rec.Granted {
		return StatusGranted, nil
	}
	return StatusNone, nil
}

// Grant appends a new consent row, superseding whatever came before.
func (s *Store) Grant(ctx context.Context, tenantID, phoneHash, method string) error {
	query := `
		INSERT INTO consents (id, tenant_id, phone_hash, granted, method, granted_at)
		VALUES ($1, $2, $3, true, $4, now())
	`
	if _, err := s.pool.Exec(ctx, query, uuid.NewString(), tenantID, phoneHash, method); err != nil {
		return fmt.Errorf("consent: grant: %w", err)
	}
	return nil
}

// Revoke stamps the newest open row. A revocation with no prior history
// still inserts a row so the opt-out itself is on record.
func (s *Store) Revoke(ctx context.Context, tenantID, phoneHash, reason string) error {
	query := `
		UPDATE consents
		SET revoked_at = now(), revocation_reason = $3
		WHERE id = (
			SELECT id FROM consents
			WHERE tenant_id = $1 AND phone_hash = $2 AND revoked_at IS NULL
			ORDER BY created_at DESC
			LIMIT 1
		)
	`
	tag, err := s.pool.Exec(ctx, query, tenantID, phoneHash, reason)
	if err != nil {
		return fmt.Errorf("consent: revoke: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	insert := `
		INSERT INTO consents (id, tenant_id, phone_hash, granted, method, granted_at, revoked_at, revocation_reason)
		VALUES ($1, $2, $3, false, $4, now(), now(), $5)
	`
	if _, err := s.pool.Exec(ctx, insert, uuid.NewString(), tenantID, phoneHash, MethodSMSReply, reason); err != nil {
		return fmt.Errorf("consent: revoke insert: %w", err)
	}
	return nil
}
