// Package ops serves the operational dashboard: where conversations stand,
// how many turn into bookings, why the rest died, and how the order
// analyzer is performing. JSON only, no UI.
package ops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type funnelDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StateCount is one funnel stage: sessions started in the window currently
// sitting in a given state.
type StateCount struct {
	State string `json:"state"`
	Count int64  `json:"count"`
}

// DayCount is one day's confirmed bookings.
type DayCount struct {
	Day       time.Time `json:"-"`
	DayLabel  string    `json:"day"`
	Confirmed int64     `json:"confirmed"`
}

// ReasonCount is one cancel cause, named by the transition event that
// closed the session.
type ReasonCount struct {
	Event string `json:"event"`
	Count int64  `json:"count"`
}

// FunnelRepository queries conversation outcomes from the session store.
type FunnelRepository struct {
	db funnelDB
}

func NewFunnelRepository(pool *pgxpool.Pool) *FunnelRepository {
	if pool == nil {
		panic("ops: pgx pool required for funnel queries")
	}
	return &FunnelRepository{db: pool}
}

func NewFunnelRepositoryWithDB(db funnelDB) *FunnelRepository {
	return &FunnelRepository{db: db}
}

// SessionsByState buckets the sessions started in [start, end) by their
// current state.
func (r *FunnelRepository) SessionsByState(ctx context.Context, tenantID string, start, end time.Time) ([]StateCount, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("ops: tenant required")
	}
	if !end.After(start) {
		return nil, fmt.Errorf("ops: invalid time range")
	}

	query := `
		SELECT state, COUNT(*)
		FROM sessions
		WHERE tenant_id = $1
		  AND started_at >= $2
		  AND started_at < $3
		GROUP BY state
	`

	rows, err := r.db.Query(ctx, query, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("ops: query funnel: %w", err)
	}
	defer rows.Close()

	var results []StateCount
	for rows.Next() {
		var sc StateCount
		if err := rows.Scan(&sc.State, &sc.Count); err != nil {
			return nil, fmt.Errorf("ops: scan funnel: %w", err)
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ops: iterate funnel: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].State < results[j].State })
	return results, nil
}

// ConfirmationsByDay counts bookings by the day they completed.
func (r *FunnelRepository) ConfirmationsByDay(ctx context.Context, tenantID string, start, end time.Time) ([]DayCount, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("ops: tenant required")
	}
	if !end.After(start) {
		return nil, fmt.Errorf("ops: invalid time range")
	}

	query := `
		SELECT date_trunc('day', completed_at) AS day, COUNT(*)
		FROM sessions
		WHERE tenant_id = $1
		  AND state = 'CONFIRMED'
		  AND completed_at >= $2
		  AND completed_at < $3
		GROUP BY day
		ORDER BY day
	`

	rows, err := r.db.Query(ctx, query, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("ops: query confirmations: %w", err)
	}
	defer rows.Close()

	var results []DayCount
	for rows.Next() {
		var day time.Time
		var confirmed int64
		if err := rows.Scan(&day, &confirmed); err != nil {
			return nil, fmt.Errorf("ops: scan confirmations: %w", err)
		}
		results = append(results, DayCount{
			Day:       day.UTC(),
			DayLabel:  day.UTC().Format("2006-01-02"),
			Confirmed: confirmed,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ops: iterate confirmations: %w", err)
	}
	return results, nil
}
