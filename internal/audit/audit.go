// Package audit is the compliance record of everything the service says
// and does on a patient's behalf: one row per SMS attempt in either
// direction and one row per session transition. Rows are append-only,
// carry phone hashes plus last-4 (never plaintext numbers), and live in a
// sink that survives state rollbacks in the conversational store. The
// retention window (7 years) is enforced by the database, not here.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Message directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Open connects the audit sink. The sink may point at a different
// database than the conversational store; when AUDIT_DATABASE_URL is
// unset callers pass the main DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sink: %w", err)
	}
	return db, nil
}

// MessageRecord is one SMS attempt. A failover send produces a second
// record for the same session with Attempt=2.
type MessageRecord struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	SessionID         string    `json:"session_id,omitempty"`
	PhoneHash         string    `json:"phone_hash"`
	PhoneLast4        string    `json:"phone_last4"`
	Direction         string    `json:"direction"`
	MessageType       string    `json:"message_type"`
	FromNumber        string    `json:"from_number,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Attempt           int       `json:"attempt"`
	FailedOver        bool      `json:"failed_over"`
	Success           bool      `json:"success"`
	ErrorCode         string    `json:"error_code,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// TransitionRecord is one state machine step. Events that refuse an order
// before any session exists (a revoked number, a dropped pending order)
// are recorded with a blank SessionID and states.
type TransitionRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id,omitempty"`
	PhoneHash string    `json:"phone_hash"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// Service writes and reads the audit tables.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// RecordMessage appends one message attempt row. Blank ID, CreatedAt, and
// Attempt are filled in on the record.
func (s *Service) RecordMessage(ctx context.Context, rec *MessageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Attempt == 0 {
		rec.Attempt = 1
	}

	query := `
		INSERT INTO message_audit (
			id, tenant_id, session_id, phone_hash, phone_last4,
			direction, message_type, from_number, provider,
			provider_message_id, attempt, failed_over, success, error_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		nullString(rec.SessionID),
		rec.PhoneHash,
		rec.PhoneLast4,
		rec.Direction,
		rec.MessageType,
		nullString(rec.FromNumber),
		nullString(rec.Provider),
		nullString(rec.ProviderMessageID),
		rec.Attempt,
		rec.FailedOver,
		rec.Success,
		nullString(rec.ErrorCode),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record message: %w", err)
	}
	return nil
}

// RecordTransition appends one state transition row.
func (s *Service) RecordTransition(ctx context.Context, rec *TransitionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO session_transitions (
			id, tenant_id, session_id, phone_hash, from_state, to_state, event, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		nullString(rec.SessionID),
		rec.PhoneHash,
		nullString(rec.FromState),
		nullString(rec.ToState),
		rec.Event,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record transition: %w", err)
	}
	return nil
}

// TransitionsForSession returns the ordered transition trail for one
// session, the shape bundled into retention exports.
func (s *Service) TransitionsForSession(ctx context.Context, sessionID string) ([]TransitionRecord, error) {
	query := `
		SELECT id, tenant_id, COALESCE(session_id, ''), phone_hash,
		       COALESCE(from_state, ''), COALESCE(to_state, ''), event, created_at
		FROM session_transitions
		WHERE session_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit: list transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.SessionID, &rec.PhoneHash,
			&rec.FromState, &rec.ToState, &rec.Event, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan transition: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CancelEvents aggregates the events that moved sessions to CANCELLED in
// the window. The ops dashboard renders this as the cancel-reason
// breakdown.
func (s *Service) CancelEvents(ctx context.Context, tenantID string, start, end time.Time) (map[string]int64, error) {
	query := `
		SELECT event, COUNT(*)
		FROM session_transitions
		WHERE tenant_id = $1
		  AND to_state = 'CANCELLED'
		  AND created_at >= $2 AND created_at < $3
		GROUP BY event
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: cancel events: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var event string
		var count int64
		if err := rows.Scan(&event, &count); err != nil {
			return nil, fmt.Errorf("audit: scan cancel event: %w", err)
		}
		out[event] = count
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
