// Package events makes the webhook edge idempotent. Carriers redeliver
// webhooks on timeouts and slow responses; the processed ledger remembers
// every provider message ID already accepted so a redelivery acknowledges
// without enqueueing a second job.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dedupeDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore is the idempotency ledger keyed by (provider, event id).
// Rows are tiny and pruned by the retention sweep; the ledger only has to
// outlive the carriers' redelivery window.
type ProcessedStore struct {
	pool dedupeDB
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

func newProcessedStoreWithDB(db dedupeDB) *ProcessedStore {
	if db == nil {
		panic("events: db required")
	}
	return &ProcessedStore{pool: db}
}

// AlreadyProcessed reports whether this provider event ID was seen before.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`
	var exists int
	if err := s.pool.QueryRow(ctx, query, provider, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records the event ID, reporting false when another delivery
// already claimed it. First-writer-wins under concurrent redelivery.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (provider, event_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, provider, eventID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// PruneBefore drops ledger rows older than the cutoff. Carriers stop
// redelivering within days; anything older is dead weight.
func (s *ProcessedStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM processed_events WHERE received_at < $1`
	ct, err := s.pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("events: prune: %w", err)
	}
	return ct.RowsAffected(), nil
}
