package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PendingOrder is an order parked while the patient works through an
// active session, or held until a tenant's quiet hours end. Released
// orders seed the next session. The payload carries no phone number; the
// encrypted phone lives in its own column and is the only way to reach
// the patient again.
type PendingOrder struct {
	ID             string
	TenantID       string
	PhoneHash      string
	PhoneEncrypted string
	Event          Event
	QueuedAt       time.Time
	HoldUntil      *time.Time
	ReleasedAt     *time.Time
}

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PendingStore parks and releases orders in Postgres.
type PendingStore struct {
	pool PgxPool
}

func NewPendingStore(pool PgxPool) *PendingStore {
	if pool == nil {
		return nil
	}
	return &PendingStore{pool: pool}
}

// Queue parks an order behind the active session for its phone. The
// plaintext phone is stripped from the stored payload.
func (s *PendingStore) Queue(ctx context.Context, ev *Event, phoneHash, phoneEncrypted string) (string, error) {
	stripped := *ev
	stripped.PatientPhone = ""
	payload, err := json.Marshal(&stripped)
	if err != nil {
		return "", fmt.Errorf("orders: marshal pending payload: %w", err)
	}
	id := uuid.NewString()
	query := `
		INSERT INTO pending_orders (id, tenant_id, phone_hash, phone_encrypted, payload, queued_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`
	if _, err := s.pool.Exec(ctx, query, id, ev.TenantID, phoneHash, phoneEncrypted, payload); err != nil {
		return "", fmt.Errorf("orders: queue pending: %w", err)
	}
	return id, nil
}

// QueueHeld parks an order with no active session until a tenant's quiet
// hours end. The held-order sweeper releases it once the hold lapses.
func (s *PendingStore) QueueHeld(ctx context.Context, ev *Event, phoneHash, phoneEncrypted string, until time.Time) (string, error) {
	stripped := *ev
	stripped.PatientPhone = ""
	payload, err := json.Marshal(&stripped)
	if err != nil {
		return "", fmt.Errorf("orders: marshal pending payload: %w", err)
	}
	id := uuid.NewString()
	query := `
		INSERT INTO pending_orders (id, tenant_id, phone_hash, phone_encrypted, payload, queued_at, hold_until)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
	`
	if _, err := s.pool.Exec(ctx, query, id, ev.TenantID, phoneHash, phoneEncrypted, payload, until.UTC()); err != nil {
		return "", fmt.Errorf("orders: queue held: %w", err)
	}
	return id, nil
}

// ListPending returns unreleased orders for the pair, oldest first. Held
// rows are included: a session that legitimately starts stacks them.
func (s *PendingStore) ListPending(ctx context.Context, tenantID, phoneHash string) ([]PendingOrder, error) {
	query := `
		SELECT id, tenant_id, phone_hash, phone_encrypted, payload, queued_at, hold_until
		FROM pending_orders
		WHERE tenant_id = $1 AND phone_hash = $2 AND released_at IS NULL
		ORDER BY queued_at ASC
	`
	rows, err := s.pool.Query(ctx, query, tenantID, phoneHash)
	if err != nil {
		return nil, fmt.Errorf("orders: list pending: %w", err)
	}
	defer rows.Close()
	return scanPending(rows)
}

// ListHeldDue returns held rows, across all tenants, whose hold has
// lapsed as of now. Oldest holds first.
func (s *PendingStore) ListHeldDue(ctx context.Context, now time.Time, limit int) ([]PendingOrder, error) {
	query := `
		SELECT id, tenant_id, phone_hash, phone_encrypted, payload, queued_at, hold_until
		FROM pending_orders
		WHERE released_at IS NULL AND hold_until IS NOT NULL AND hold_until <= $1
		ORDER BY hold_until ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("orders: list held due: %w", err)
	}
	defer rows.Close()
	return scanPending(rows)
}

func scanPending(rows pgx.Rows) ([]PendingOrder, error) {
	var pending []PendingOrder
	for rows.Next() {
		var (
			po      PendingOrder
			payload []byte
		)
		if err := rows.Scan(&po.ID, &po.TenantID, &po.PhoneHash, &po.PhoneEncrypted, &payload, &po.QueuedAt, &po.HoldUntil); err != nil {
			return nil, fmt.Errorf("orders: scan pending: %w", err)
		}
		if err := json.Unmarshal(payload, &po.Event); err != nil {
			return nil, fmt.Errorf("orders: unmarshal pending payload: %w", err)
		}
		pending = append(pending, po)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orders: list pending: %w", err)
	}
	return pending, nil
}

// MarkReleased stamps pending rows as consumed by a new session.
func (s *PendingStore) MarkReleased(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE pending_orders
		SET released_at = now()
		WHERE id = ANY($1) AND released_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("orders: mark released: %w", err)
	}
	return nil
}

// Hold stamps unreleased rows to wake at the given time. Used when a
// session closes inside a quiet window: the freed orders wait for morning
// instead of texting the patient overnight.
func (s *PendingStore) Hold(ctx context.Context, ids []string, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE pending_orders
		SET hold_until = $2
		WHERE id = ANY($1) AND released_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, ids, until.UTC()); err != nil {
		return fmt.Errorf("orders: hold pending: %w", err)
	}
	return nil
}

// ClearHold removes the wake time from rows that no longer need one,
// leaving them parked behind whatever session is active.
func (s *PendingStore) ClearHold(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE pending_orders
		SET hold_until = NULL
		WHERE id = ANY($1) AND released_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("orders: clear hold: %w", err)
	}
	return nil
}
