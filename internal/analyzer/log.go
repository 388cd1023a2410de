package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnalysisRecord is one analysis_logs row: exactly one per Analyze call,
// successful or not.
type AnalysisRecord struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	SessionID        string          `json:"session_id,omitempty"`
	PromptID         string          `json:"prompt_id,omitempty"`
	PromptKey        string          `json:"prompt_key,omitempty"`
	Model            string          `json:"model,omitempty"`
	Input            json.RawMessage `json:"input"`
	Output           json.RawMessage `json:"output,omitempty"`
	PromptTokens     int32           `json:"prompt_tokens"`
	CompletionTokens int32           `json:"completion_tokens"`
	LatencyMS        int64           `json:"latency_ms"`
	Success          bool            `json:"success"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// LogStore appends analysis rows.
type LogStore struct {
	pool PgxPool
}

func NewLogStore(pool PgxPool) *LogStore {
	if pool == nil {
		return nil
	}
	return &LogStore{pool: pool}
}

// Record inserts one row, backfilling ID and CreatedAt.
func (s *LogStore) Record(ctx context.Context, rec *AnalysisRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO analysis_logs (
			id, tenant_id, session_id, prompt_id, prompt_key, model,
			input, output, prompt_tokens, completion_tokens,
			latency_ms, success, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.TenantID,
		nilIfEmpty(rec.SessionID),
		nilIfEmpty(rec.PromptID),
		nilIfEmpty(rec.PromptKey),
		nilIfEmpty(rec.Model),
		rec.Input,
		rec.Output,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.LatencyMS,
		rec.Success,
		nilIfEmpty(rec.ErrorMessage),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("analyzer: record analysis: %w", err)
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
