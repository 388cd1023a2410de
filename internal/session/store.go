package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionColumns = `
	id, tenant_id, phone_hash, phone_encrypted, state,
	order_data, offered_orders, offered_locations, offered_slots,
	location_id, location_name, slot_id, slot_time,
	from_number, reprompt_count, slot_retry_count,
	slot_request_sent_at, slot_request_failed_at,
	started_at, updated_at, expires_at, completed_at, archived_at`

// Store persists sessions in Postgres. A partial unique index on
// (tenant_id, phone_hash) where the state is non-terminal enforces the
// one-active-session invariant; every update is a compare-and-set on
// (id, state).
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// Create inserts a new session, filling ID and the lifecycle timestamps.
// expires_at is fixed here and never written again.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = sess.StartedAt.Add(TTL)
	}
	sess.UpdatedAt = sess.StartedAt

	orderData, offeredOrders, offeredLocations, offeredSlots, err := marshalJSONColumns(sess)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err = s.pool.Exec(ctx, query,
		sess.ID, sess.TenantID, sess.PhoneHash, sess.PhoneEncrypted, sess.State,
		orderData, offeredOrders, offeredLocations, offeredSlots,
		sess.LocationID, sess.LocationName, sess.SlotID, sess.SlotTime,
		sess.FromNumber, sess.RepromptCount, sess.SlotRetryCount,
		sess.SlotRequestSentAt, sess.SlotRequestFailedAt,
		sess.StartedAt, sess.UpdatedAt, sess.ExpiresAt, sess.CompletedAt, sess.ArchivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get returns one session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// ActiveByPhone returns the single non-terminal session for the pair.
func (s *Store) ActiveByPhone(ctx context.Context, tenantID, phoneHash string) (*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE tenant_id = $1 AND phone_hash = $2
		  AND state NOT IN ('CONFIRMED', 'CANCELLED', 'EXPIRED')
		LIMIT 1
	`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, tenantID, phoneHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// Update writes the mutable fields under a compare-and-set on the state the
// caller read. Zero rows updated means a concurrent writer won and the
// caller must reload. Identity, started_at, and expires_at never change.
func (s *Store) Update(ctx context.Context, sess *Session, expectedState string) error {
	orderData, offeredOrders, offeredLocations, offeredSlots, err := marshalJSONColumns(sess)
	if err != nil {
		return err
	}
	sess.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE sessions SET
			state = $3,
			order_data = $4,
			offered_orders = $5,
			offered_locations = $6,
			offered_slots = $7,
			location_id = $8,
			location_name = $9,
			slot_id = $10,
			slot_time = $11,
			from_number = $12,
			reprompt_count = $13,
			slot_retry_count = $14,
			slot_request_sent_at = $15,
			slot_request_failed_at = $16,
			updated_at = $17,
			completed_at = $18
		WHERE id = $1 AND state = $2
	`
	tag, err := s.pool.Exec(ctx, query,
		sess.ID, expectedState,
		sess.State, orderData, offeredOrders, offeredLocations, offeredSlots,
		sess.LocationID, sess.LocationName, sess.SlotID, sess.SlotTime,
		sess.FromNumber, sess.RepromptCount, sess.SlotRetryCount,
		sess.SlotRequestSentAt, sess.SlotRequestFailedAt,
		sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("session: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ListExpired returns non-terminal sessions past their lifetime, oldest
// first, for the expiry sweep.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE state NOT IN ('CONFIRMED', 'CANCELLED', 'EXPIRED')
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`
	return s.list(ctx, query, now, limit)
}

// ListSlotTimeouts returns AWAITING_SLOTS sessions whose request has been
// in flight longer than the timeout, for the slot-timeout sweep.
func (s *Store) ListSlotTimeouts(ctx context.Context, olderThan time.Time, limit int) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE state = 'AWAITING_SLOTS'
		  AND slot_request_sent_at IS NOT NULL
		  AND slot_request_sent_at < $1
		ORDER BY slot_request_sent_at ASC
		LIMIT $2
	`
	return s.list(ctx, query, olderThan, limit)
}

// ListTerminalUnarchived returns terminal sessions completed before the
// grace cutoff that have not been exported yet.
func (s *Store) ListTerminalUnarchived(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE state IN ('CONFIRMED', 'CANCELLED', 'EXPIRED')
		  AND archived_at IS NULL
		  AND completed_at IS NOT NULL
		  AND completed_at < $1
		ORDER BY completed_at ASC
		LIMIT $2
	`
	return s.list(ctx, query, before, limit)
}

// MarkArchived stamps a session as exported. Archival is the one write
// allowed on a terminal session.
func (s *Store) MarkArchived(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET archived_at = $2 WHERE id = $1 AND archived_at IS NULL`
	if _, err := s.pool.Exec(ctx, query, id, at.UTC()); err != nil {
		return fmt.Errorf("session: mark archived: %w", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess             Session
		orderData        []byte
		offeredOrders    []byte
		offeredLocations []byte
		offeredSlots     []byte
	)
	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.PhoneHash, &sess.PhoneEncrypted, &sess.State,
		&orderData, &offeredOrders, &offeredLocations, &offeredSlots,
		&sess.LocationID, &sess.LocationName, &sess.SlotID, &sess.SlotTime,
		&sess.FromNumber, &sess.RepromptCount, &sess.SlotRetryCount,
		&sess.SlotRequestSentAt, &sess.SlotRequestFailedAt,
		&sess.StartedAt, &sess.UpdatedAt, &sess.ExpiresAt, &sess.CompletedAt, &sess.ArchivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("session: scan: %w", err)
	}

	if len(orderData) > 0 {
		if err := json.Unmarshal(orderData, &sess.Order); err != nil {
			return nil, fmt.Errorf("session: unmarshal order data: %w", err)
		}
	}
	if err := unmarshalOffered(offeredOrders, &sess.OfferedOrders); err != nil {
		return nil, err
	}
	if err := unmarshalOffered(offeredLocations, &sess.OfferedLocations); err != nil {
		return nil, err
	}
	if err := unmarshalOffered(offeredSlots, &sess.OfferedSlots); err != nil {
		return nil, err
	}
	return &sess, nil
}

func marshalJSONColumns(sess *Session) (orderData, offeredOrders, offeredLocations, offeredSlots []byte, err error) {
	orderData, err = json.Marshal(&sess.Order)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("session: marshal order data: %w", err)
	}
	if offeredOrders, err = marshalOffered(sess.OfferedOrders); err != nil {
		return nil, nil, nil, nil, err
	}
	if offeredLocations, err = marshalOffered(sess.OfferedLocations); err != nil {
		return nil, nil, nil, nil, err
	}
	if offeredSlots, err = marshalOffered(sess.OfferedSlots); err != nil {
		return nil, nil, nil, nil, err
	}
	return orderData, offeredOrders, offeredLocations, offeredSlots, nil
}

// marshalOffered keeps empty offers as SQL NULL instead of a JSON "null"
// or "[]" so partial indexes and ad hoc queries stay simple.
func marshalOffered[T any](opts []T) ([]byte, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("session: marshal offered options: %w", err)
	}
	return data, nil
}

func unmarshalOffered[T any](data []byte, into *[]T) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("session: unmarshal offered options: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
