package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// MessageFilter narrows QueryMessages. TenantID is required; everything
// else is optional.
type MessageFilter struct {
	TenantID     string
	SessionID    string
	PhoneHash    string
	Direction    string
	MessageTypes []string
	Success      *bool
	StartTime    time.Time
	EndTime      time.Time
	Limit        int
	Offset       int
}

// QueryMessages retrieves message attempt rows, newest first.
func (s *Service) QueryMessages(ctx context.Context, filter MessageFilter) ([]MessageRecord, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("audit: query messages: tenant id is required")
	}

	query := `
		SELECT id, tenant_id, session_id, phone_hash, phone_last4,
			   direction, message_type, from_number, provider,
			   provider_message_id, attempt, failed_over, success, error_code, created_at
		FROM message_audit
		WHERE tenant_id = $1
	`
	args := []interface{}{filter.TenantID}
	argIdx := 2

	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.PhoneHash != "" {
		query += fmt.Sprintf(" AND phone_hash = $%d", argIdx)
		args = append(args, filter.PhoneHash)
		argIdx++
	}
	if filter.Direction != "" {
		query += fmt.Sprintf(" AND direction = $%d", argIdx)
		args = append(args, filter.Direction)
		argIdx++
	}
	if len(filter.MessageTypes) > 0 {
		query += fmt.Sprintf(" AND message_type = ANY($%d)", argIdx)
		args = append(args, pq.Array(filter.MessageTypes))
		argIdx++
	}
	if filter.Success != nil {
		query += fmt.Sprintf(" AND success = $%d", argIdx)
		args = append(args, *filter.Success)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var (
			rec                                                   MessageRecord
			sessionID, fromNumber, provider, providerID, errCode sql.NullString
		)
		err := rows.Scan(
			&rec.ID, &rec.TenantID, &sessionID, &rec.PhoneHash, &rec.PhoneLast4,
			&rec.Direction, &rec.MessageType, &fromNumber, &provider,
			&providerID, &rec.Attempt, &rec.FailedOver, &rec.Success, &errCode, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("audit: scan message: %w", err)
		}
		rec.SessionID = sessionID.String
		rec.FromNumber = fromNumber.String
		rec.Provider = provider.String
		rec.ProviderMessageID = providerID.String
		rec.ErrorCode = errCode.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: query messages: %w", err)
	}
	return records, nil
}

// ListTransitions returns the transition history for one session, oldest
// first, for the archive export and the ops dashboard.
func (s *Service) ListTransitions(ctx context.Context, tenantID, sessionID string) ([]TransitionRecord, error) {
	query := `
		SELECT id, tenant_id, session_id, phone_hash, from_state, to_state, event, created_at
		FROM session_transitions
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit: list transitions: %w", err)
	}
	defer rows.Close()

	var records []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.SessionID, &rec.PhoneHash, &rec.FromState, &rec.ToState, &rec.Event, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan transition: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list transitions: %w", err)
	}
	return records, nil
}
