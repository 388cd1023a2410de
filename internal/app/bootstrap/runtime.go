// Package bootstrap wires shared infrastructure for the radsched binaries.
// Builders are nil-tolerant: an optional piece missing from config yields a
// nil value and the caller decides whether that is fatal for its binary.
package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/apexrad/radsched/internal/audit"
	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true a ping is issued and failures return nil; the tenant
// cache and sticky sender selection then degrade to their in-process modes.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildAuditService opens the audit sink, verifies the connection, and
// returns the service plus the handle the caller must close. With
// AUDIT_DATABASE_URL unset the sink shares the main database.
func BuildAuditService(ctx context.Context, cfg *appconfig.Config) (*audit.Service, *sql.DB, error) {
	dsn := strings.TrimSpace(cfg.AuditDatabaseURL)
	if dsn == "" {
		dsn = cfg.DatabaseURL
	}
	db, err := audit.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("bootstrap: ping audit sink: %w", err)
	}
	return audit.NewService(db), db, nil
}
