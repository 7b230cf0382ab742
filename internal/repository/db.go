// Package repository persists the delivery audit trail in PostgreSQL:
// immutable notification requests, append-only attempts, idempotency
// keys, consent and suppression records, webhook event dedupe rows, and
// the transactional outbox.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"

	"github.com/venuetix/notification-service/internal/telemetry"
)

// Connect opens an instrumented PostgreSQL connection pool and verifies
// it with a ping. The URL password never reaches the logs.
func Connect(databaseURL string) (*sql.DB, error) {
	logger := telemetry.GetGlobalLogger().WithFields(map[string]interface{}{
		"operation": "database_connection",
		"database":  redactDatabaseURL(databaseURL),
	})

	logger.Info("Establishing database connection")

	db, err := telemetry.InstrumentDatabase("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established successfully")
	return db, nil
}

// redactDatabaseURL strips credentials for log output.
func redactDatabaseURL(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "(unparseable)"
	}
	return u.Redacted()
}
