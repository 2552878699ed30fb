// Connection, migration and read retries for the coordinator pool.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/retry"
)

// NewWithRetry connects and pings until PostgreSQL answers or the attempts run out
func NewWithRetry(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	var pool PgxPoolIface
	err := retry.WithOperation(ctx, retry.PostgreSQLDefaults(), func() error {
		p, err := New(ctx, connStr, callbacks...)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}, "postgres connect")
	if err != nil {
		logrus.WithError(err).Error("Failed to establish PostgreSQL connection after all retries")
		return nil, err
	}
	return pool, nil
}

// MigrateWithRetry applies the schema, retrying while the server is still starting up
// or another coordinator holds the DDL locks.
func MigrateWithRetry(ctx context.Context, pool PgxPoolIface) error {
	err := retry.WithOperation(ctx, retry.PostgreSQLDefaults(), func() error {
		return ApplyPoolMigrations(ctx, pool)
	}, "postgres migrate")
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Transient reports whether err left the server untouched or timed out, so running
// a read again cannot change the outcome.
func Transient(err error) bool {
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// RetryRead runs a read-only query again while it fails with a Transient error.
// Constraint and syntax errors surface on the first attempt.
func RetryRead(ctx context.Context, name string, read func() error) error {
	return retry.WithOperationIf(ctx, retry.QueryDefaults(), read, name, Transient)
}
