// Package migrations contains the coordinator schema migrations.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_directory_and_records",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, `
					-- Reference directory, owned by the coordinator and pushed to terminals
					CREATE TABLE students (
						id text PRIMARY KEY,
						name text NOT NULL,
						grp text,
						email text,
						phone text,
						attributes jsonb NOT NULL DEFAULT '{}',
						updated_at timestamp with time zone NOT NULL DEFAULT now()
					);

					-- Append-only registrations and validations; id makes redelivery idempotent
					CREATE TABLE records (
						id uuid PRIMARY KEY,
						kind text NOT NULL CHECK (kind IN ('create_registration', 'create_validation')),
						terminal_id text NOT NULL,
						subject_id text NOT NULL,
						subject_name text NOT NULL,
						payload jsonb,
						method text,
						offline boolean NOT NULL DEFAULT false,
						produced_at timestamp with time zone NOT NULL,
						received_at timestamp with time zone NOT NULL DEFAULT now()
					);

					CREATE INDEX idx_records_subject_produced ON records(subject_id, produced_at);
					CREATE INDEX idx_records_terminal ON records(terminal_id, received_at);
					CREATE INDEX idx_students_name ON students(name);
				`)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName("scansync_migrations"),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// Apply migrations
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	// Check if migration is needed
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
