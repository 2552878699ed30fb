// Package db provides the PostgreSQL system of record for the coordinator.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/migrations"
	"github.com/cybertec-postgresql/scansync/internal/model"
)

// PgxIface is common interface for every pgx class
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PgxPoolIface is interface representing pgx pool
type PgxPoolIface interface {
	PgxIface
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
	Config() *pgxpool.Config
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

type ConnConfigCallback = func(*pgxpool.Config) error

// New create a new pool
func New(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	connConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, connConfig, callbacks...)
}

// NewWithConfig creates a new pool with a given config
func NewWithConfig(ctx context.Context, connConfig *pgxpool.Config, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	logger := logrus.StandardLogger()
	if connConfig.ConnConfig.ConnectTimeout == 0 {
		connConfig.ConnConfig.ConnectTimeout = time.Second * 5
	}
	connConfig.MaxConnIdleTime = 15 * time.Second
	connConfig.ConnConfig.RuntimeParams["application_name"] = "scansync"
	connConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.WithField("severity", n.Severity).WithField("notice", n.Message).Info("Notice received")
	}
	for _, f := range callbacks {
		if err := f(connConfig); err != nil {
			return nil, err
		}
	}
	return pgxpool.NewWithConfig(ctx, connConfig)
}

// ApplyMigrations checks and applies database migrations if needed
func ApplyMigrations(ctx context.Context, conn *pgx.Conn) error {
	needsMigration, err := migrations.NeedsUpgrade(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	if needsMigration {
		logrus.Info("Applying database migrations...")
		err = migrations.Apply(ctx, conn)
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		logrus.Info("Database migrations completed successfully")
	} else {
		logrus.Info("Database schema is up to date")
	}

	return nil
}

// ApplyPoolMigrations runs ApplyMigrations on a connection borrowed from pool
func ApplyPoolMigrations(ctx context.Context, pool PgxPoolIface) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migrations: %w", err)
	}
	defer conn.Release()
	return ApplyMigrations(ctx, conn.Conn())
}

// InsertRecord appends a registration or validation. It reports false when a record with
// the same id was already stored.
func InsertRecord(ctx context.Context, pool PgxIface, kind model.OperationKind, rec model.Record) (bool, error) {
	var payload []byte
	if len(rec.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(rec.Payload); err != nil {
			return false, fmt.Errorf("failed to encode record payload: %w", err)
		}
	}
	query := `
		INSERT INTO records (id, kind, terminal_id, subject_id, subject_name, payload, method, offline, produced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := pool.Exec(ctx, query,
		rec.ID, string(kind), rec.TerminalID, rec.SubjectID, rec.SubjectName, payload, rec.Method, rec.Offline, rec.Timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CopyRecords bulk loads records that are known to be new using COPY
func CopyRecords(ctx context.Context, pool PgxIface, kind model.OperationKind, recs []model.Record) (int64, error) {
	rows := make([][]interface{}, len(recs))
	for i, rec := range recs {
		var payload []byte
		if len(rec.Payload) > 0 {
			b, err := json.Marshal(rec.Payload)
			if err != nil {
				return 0, fmt.Errorf("failed to encode record payload: %w", err)
			}
			payload = b
		}
		rows[i] = []interface{}{
			rec.ID, string(kind), rec.TerminalID, rec.SubjectID, rec.SubjectName,
			payload, rec.Method, rec.Offline, rec.Timestamp,
		}
	}

	n, err := pool.CopyFrom(
		ctx,
		pgx.Identifier{"records"},
		[]string{"id", "kind", "terminal_id", "subject_id", "subject_name", "payload", "method", "offline", "produced_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy records: %w", err)
	}

	logrus.WithField("count", n).Info("Bulk inserted records to PostgreSQL")
	return n, nil
}

// ExistingRecordIDs returns which of ids are already stored
func ExistingRecordIDs(ctx context.Context, pool PgxIface, ids []string) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT id::text FROM records WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing records: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// CountRecords returns the number of ingested records
func CountRecords(ctx context.Context, pool PgxIface) (int64, error) {
	var n int64
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// GetStudent returns nil when the id is unknown
func GetStudent(ctx context.Context, pool PgxIface, id string) (*model.Student, error) {
	query := `SELECT id, name, grp, email, phone, attributes, updated_at FROM students WHERE id = $1`
	s, err := scanStudent(pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student %s: %w", id, err)
	}
	return s, nil
}

// UpsertStudent stores s as the central version
func UpsertStudent(ctx context.Context, pool PgxIface, s model.Student) error {
	if s.Attributes == nil {
		s.Attributes = map[string]string{}
	}
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode student attributes: %w", err)
	}
	query := `
		INSERT INTO students (id, name, grp, email, phone, attributes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			grp = EXCLUDED.grp,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := pool.Exec(ctx, query, s.ID, s.Name, s.Group, s.Email, s.Phone, attrs, s.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert student %s: %w", s.ID, err)
	}
	return nil
}

// ListStudents returns the full directory ordered by name
func ListStudents(ctx context.Context, pool PgxIface) ([]model.Student, error) {
	rows, err := pool.Query(ctx, `SELECT id, name, grp, email, phone, attributes, updated_at FROM students ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	students := make([]model.Student, 0)
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		students = append(students, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating students: %w", err)
	}
	return students, nil
}

func scanStudent(row pgx.Row) (*model.Student, error) {
	var (
		s                  model.Student
		group, email, phone pgtype.Text
		attrs              []byte
	)
	if err := row.Scan(&s.ID, &s.Name, &group, &email, &phone, &attrs, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Group, s.Email, s.Phone = group.String, email.String, phone.String
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &s.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of %s: %w", s.ID, err)
		}
	}
	return &s, nil
}
