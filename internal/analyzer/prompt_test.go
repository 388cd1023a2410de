package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptColumns() []string {
	return []string{
		"id", "key", "template", "model", "max_tokens", "is_active",
		"ab_test_weight", "version", "created_at", "updated_at",
	}
}

func TestTemplateStoreActiveByKeyPrefix(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTemplateStore(mock)
	now := time.Now()

	rows := pgxmock.NewRows(promptColumns()).
		AddRow("p1", "order_analysis.v2", "Analyze {{order_description}}", "us.anthropic.claude-sonnet-4-20250514-v1:0", int32(1024), true, 80, 2, now, now).
		AddRow("p2", "order_analysis.v1", "Describe {{order_description}}", "us.anthropic.claude-sonnet-4-20250514-v1:0", int32(1024), true, 20, 1, now, now)

	mock.ExpectQuery("FROM prompt_templates").
		WithArgs("order_analysis").
		WillReturnRows(rows)

	templates, err := store.ActiveByKeyPrefix(context.Background(), "order_analysis")
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "p1", templates[0].ID)
	assert.Equal(t, 80, templates[0].ABTestWeight)
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakePromptSource struct {
	templates []Template
	err       error
	calls     int
}

func (f *fakePromptSource) ActiveByKeyPrefix(context.Context, string) ([]Template, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.templates, nil
}

func TestSelectSingleTemplate(t *testing.T) {
	source := &fakePromptSource{templates: []Template{{ID: "only", Key: "order_analysis"}}}
	selector := NewPromptSelector(source)

	got, err := selector.Select(context.Background(), "order_analysis")
	require.NoError(t, err)
	assert.Equal(t, "only", got.ID)
}

func TestSelectNoActiveTemplates(t *testing.T) {
	selector := NewPromptSelector(&fakePromptSource{})
	_, err := selector.Select(context.Background(), "order_analysis")
	assert.ErrorIs(t, err, ErrNoActivePrompt)
}

func TestSelectWeightedDraw(t *testing.T) {
	source := &fakePromptSource{templates: []Template{
		{ID: "heavy", ABTestWeight: 80},
		{ID: "light", ABTestWeight: 20},
	}}
	selector := NewPromptSelector(source)

	counts := map[string]int{}
	draw := 0
	selector.intn = func(n int) int {
		// Walk every point of the distribution once.
		v := draw % n
		draw++
		return v
	}

	for i := 0; i < 100; i++ {
		got, err := selector.Select(context.Background(), "order_analysis")
		require.NoError(t, err)
		counts[got.ID]++
	}

	assert.Equal(t, 80, counts["heavy"])
	assert.Equal(t, 20, counts["light"])
}

func TestSelectAllZeroWeightsIsUniform(t *testing.T) {
	source := &fakePromptSource{templates: []Template{
		{ID: "a"}, {ID: "b"}, {ID: "c"},
	}}
	selector := NewPromptSelector(source)

	seen := map[string]bool{}
	next := 0
	selector.intn = func(n int) int {
		v := next % n
		next++
		return v
	}
	for i := 0; i < 3; i++ {
		got, err := selector.Select(context.Background(), "order_analysis")
		require.NoError(t, err)
		seen[got.ID] = true
	}
	assert.Len(t, seen, 3, "every template is reachable when weights are all zero")
}

func TestSelectorCachesWithinTTL(t *testing.T) {
	source := &fakePromptSource{templates: []Template{{ID: "p1"}}}
	selector := NewPromptSelector(source).WithTTL(time.Minute)

	clock := time.Now()
	selector.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		_, err := selector.Select(context.Background(), "order_analysis")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, source.calls)

	clock = clock.Add(2 * time.Minute)
	_, err := selector.Select(context.Background(), "order_analysis")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls, "expired entry reloads from the store")
}

func TestSelectorServesStaleOnStoreError(t *testing.T) {
	source := &fakePromptSource{templates: []Template{{ID: "p1"}}}
	selector := NewPromptSelector(source).WithTTL(time.Minute)

	clock := time.Now()
	selector.now = func() time.Time { return clock }

	_, err := selector.Select(context.Background(), "order_analysis")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	source.err = errors.New("db down")

	got, err := selector.Select(context.Background(), "order_analysis")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
}

func TestSelectorInvalidate(t *testing.T) {
	source := &fakePromptSource{templates: []Template{{ID: "p1"}}}
	selector := NewPromptSelector(source).WithTTL(time.Hour)

	_, err := selector.Select(context.Background(), "order_analysis")
	require.NoError(t, err)
	selector.Invalidate("order_analysis")

	_, err = selector.Select(context.Background(), "order_analysis")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}
