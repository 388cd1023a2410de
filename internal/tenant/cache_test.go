package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"

	"github.com/apexrad/radsched/pkg/logging"
)

func newCacheFixture(t *testing.T) (*CachedStore, pgxmock.PgxPoolIface, *miniredis.Miniredis) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cached := NewCachedStore(NewStore(mock), client, logging.Default()).WithTTL(time.Minute)
	return cached, mock, mr
}

func TestCachedStoreReadThrough(t *testing.T) {
	cached, mock, mr := newCacheFixture(t)
	ctx := context.Background()
	want := Default("apex-north")

	// First read misses the cache and hits the registry.
	mock.ExpectQuery("SELECT id, name, active").WithArgs("apex-north").WillReturnRows(tenantRows(t, want))
	got, err := cached.Get(ctx, "apex-north")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "apex-north" {
		t.Fatalf("unexpected tenant %s", got.ID)
	}

	if !mr.Exists("tenant:config:apex-north") {
		t.Fatal("expected cache backfill after registry read")
	}

	// Second read is served from Redis; no new registry expectation.
	got2, err := cached.Get(ctx, "apex-north")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got2.SMS.PrimaryProvider != "twilio" {
		t.Fatalf("cached tenant lost config: %+v", got2)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCachedStoreCorruptEntryReloads(t *testing.T) {
	cached, mock, mr := newCacheFixture(t)
	ctx := context.Background()
	want := Default("apex-north")

	mr.Set("tenant:config:apex-north", "{not-json")
	mock.ExpectQuery("SELECT id, name, active").WithArgs("apex-north").WillReturnRows(tenantRows(t, want))

	got, err := cached.Get(ctx, "apex-north")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "apex-north" {
		t.Fatalf("unexpected tenant %s", got.ID)
	}

	raw, err := mr.Get("tenant:config:apex-north")
	if err != nil {
		t.Fatalf("expected rewritten cache entry: %v", err)
	}
	var cachedTenant Tenant
	if err := json.Unmarshal([]byte(raw), &cachedTenant); err != nil {
		t.Fatalf("cache entry still corrupt: %v", err)
	}
}

func TestCachedStoreNumberLookup(t *testing.T) {
	cached, mock, mr := newCacheFixture(t)
	ctx := context.Background()
	want := Default("apex-north")

	mock.ExpectQuery("jsonb_each").WithArgs("+15005550006").WillReturnRows(tenantRows(t, want))
	got, err := cached.LookupByFromNumber(ctx, "+15005550006")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "apex-north" {
		t.Fatalf("unexpected tenant %s", got.ID)
	}

	if id, _ := mr.Get("tenant:number:+15005550006"); id != "apex-north" {
		t.Fatalf("expected number binding cached, got %q", id)
	}

	// Second lookup resolves via the cached binding and cached config.
	got2, err := cached.LookupByFromNumber(ctx, "+15005550006")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got2.ID != "apex-north" {
		t.Fatalf("unexpected tenant %s", got2.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCachedStoreDefaultFallback(t *testing.T) {
	cached, mock, mr := newCacheFixture(t)
	cached = cached.WithDefaultID("dev")
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, name, active").WithArgs("dev").WillReturnError(pgx.ErrNoRows)
	got, err := cached.Get(ctx, "dev")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Active || got.SMS.PrimaryProvider != "twilio" {
		t.Fatalf("expected development default tenant, got %+v", got)
	}
	if mr.Exists("tenant:config:dev") {
		t.Fatal("synthetic default must not be cached")
	}

	// Other ids still miss.
	mock.ExpectQuery("SELECT id, name, active").WithArgs("other").WillReturnError(pgx.ErrNoRows)
	if _, err := cached.Get(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCachedStoreInvalidate(t *testing.T) {
	cached, mock, mr := newCacheFixture(t)
	ctx := context.Background()
	want := Default("apex-north")

	mock.ExpectQuery("SELECT id, name, active").WithArgs("apex-north").WillReturnRows(tenantRows(t, want))
	if _, err := cached.Get(ctx, "apex-north"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cached.Invalidate(ctx, "apex-north")
	if mr.Exists("tenant:config:apex-north") {
		t.Fatal("expected cache entry removed")
	}
}
