package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoActivePrompt means no active template matched the key prefix; the
// caller falls through to the rules engine.
var ErrNoActivePrompt = errors.New("analyzer: no active prompt template")

// Template is one prompt_templates row. ABTestWeight in [0,100] shapes the
// draw across active templates sharing a key prefix.
type Template struct {
	ID           string
	Key          string
	Text         string
	Model        string
	MaxTokens    int32
	IsActive     bool
	ABTestWeight int
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TemplateStore reads prompt templates from Postgres.
type TemplateStore struct {
	pool PgxPool
}

func NewTemplateStore(pool PgxPool) *TemplateStore {
	if pool == nil {
		return nil
	}
	return &TemplateStore{pool: pool}
}

// ActiveByKeyPrefix returns the active templates whose key starts with
// prefix, newest version first.
func (s *TemplateStore) ActiveByKeyPrefix(ctx context.Context, prefix string) ([]Template, error) {
	query := `
		SELECT id, key, template, model, max_tokens, is_active,
		       ab_test_weight, version, created_at, updated_at
		FROM prompt_templates
		WHERE is_active = TRUE AND key LIKE $1 || '%'
		ORDER BY key, version DESC
	`
	rows, err := s.pool.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("analyzer: load prompts %q: %w", prefix, err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(
			&t.ID, &t.Key, &t.Text, &t.Model, &t.MaxTokens, &t.IsActive,
			&t.ABTestWeight, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("analyzer: scan prompt row: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analyzer: read prompt rows: %w", err)
	}
	return templates, nil
}

type promptSource interface {
	ActiveByKeyPrefix(ctx context.Context, prefix string) ([]Template, error)
}

type promptCacheEntry struct {
	templates []Template
	expiresAt time.Time
}

// PromptSelector fronts the template store with a process-local TTL cache
// and draws one template per analysis using ab_test_weight. Stale reads
// during the TTL window are acceptable; the database stays authoritative.
type PromptSelector struct {
	source promptSource
	ttl    time.Duration
	now    func() time.Time
	intn   func(n int) int

	mu    sync.RWMutex
	cache map[string]promptCacheEntry
}

const defaultPromptCacheTTL = 5 * time.Minute

func NewPromptSelector(source promptSource) *PromptSelector {
	return &PromptSelector{
		source: source,
		ttl:    defaultPromptCacheTTL,
		now:    time.Now,
		intn:   rand.Intn,
		cache:  make(map[string]promptCacheEntry),
	}
}

// WithTTL overrides the cache TTL.
func (s *PromptSelector) WithTTL(ttl time.Duration) *PromptSelector {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// Select draws one active template for the prefix. With several active
// templates the draw is weighted by ab_test_weight; all-zero weights fall
// back to a uniform draw.
func (s *PromptSelector) Select(ctx context.Context, prefix string) (*Template, error) {
	templates, err := s.active(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, ErrNoActivePrompt
	}
	if len(templates) == 1 {
		t := templates[0]
		return &t, nil
	}

	total := 0
	for _, t := range templates {
		if t.ABTestWeight > 0 {
			total += t.ABTestWeight
		}
	}
	if total == 0 {
		t := templates[s.intn(len(templates))]
		return &t, nil
	}

	draw := s.intn(total)
	for _, t := range templates {
		if t.ABTestWeight <= 0 {
			continue
		}
		draw -= t.ABTestWeight
		if draw < 0 {
			picked := t
			return &picked, nil
		}
	}
	t := templates[len(templates)-1]
	return &t, nil
}

// Invalidate drops the cached rows for a prefix.
func (s *PromptSelector) Invalidate(prefix string) {
	s.mu.Lock()
	delete(s.cache, prefix)
	s.mu.Unlock()
}

func (s *PromptSelector) active(ctx context.Context, prefix string) ([]Template, error) {
	s.mu.RLock()
	entry, ok := s.cache[prefix]
	s.mu.RUnlock()
	if ok && s.now().Before(entry.expiresAt) {
		return entry.templates, nil
	}

	templates, err := s.source.ActiveByKeyPrefix(ctx, prefix)
	if err != nil {
		// A stale entry beats no entry when the store is unreachable.
		if ok {
			return entry.templates, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[prefix] = promptCacheEntry{
		templates: templates,
		expiresAt: s.now().Add(s.ttl),
	}
	s.mu.Unlock()
	return templates, nil
}
