package coordinator

import (
	"context"

	"github.com/cybertec-postgresql/scansync/internal/db"
	"github.com/cybertec-postgresql/scansync/internal/model"
)

// Repository is the system of record behind the ingestor
type Repository interface {
	InsertRecord(ctx context.Context, kind model.OperationKind, rec model.Record) (bool, error)
	CopyRecords(ctx context.Context, kind model.OperationKind, recs []model.Record) (int64, error)
	ExistingRecordIDs(ctx context.Context, ids []string) (map[string]bool, error)
	CountRecords(ctx context.Context) (int64, error)
	GetStudent(ctx context.Context, id string) (*model.Student, error)
	UpsertStudent(ctx context.Context, s model.Student) error
	ListStudents(ctx context.Context) ([]model.Student, error)
}

// PostgresRepository stores everything in PostgreSQL
type PostgresRepository struct {
	pool db.PgxIface
}

// NewPostgresRepository wraps a pool or mock
func NewPostgresRepository(pool db.PgxIface) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (p *PostgresRepository) InsertRecord(ctx context.Context, kind model.OperationKind, rec model.Record) (bool, error) {
	return db.InsertRecord(ctx, p.pool, kind, rec)
}

func (p *PostgresRepository) CopyRecords(ctx context.Context, kind model.OperationKind, recs []model.Record) (int64, error) {
	return db.CopyRecords(ctx, p.pool, kind, recs)
}

// Reads are retried on transient connection errors; writes are left to the terminal's queue.

func (p *PostgresRepository) ExistingRecordIDs(ctx context.Context, ids []string) (found map[string]bool, err error) {
	err = db.RetryRead(ctx, "existing record ids", func() error {
		found, err = db.ExistingRecordIDs(ctx, p.pool, ids)
		return err
	})
	return found, err
}

func (p *PostgresRepository) CountRecords(ctx context.Context) (n int64, err error) {
	err = db.RetryRead(ctx, "count records", func() error {
		n, err = db.CountRecords(ctx, p.pool)
		return err
	})
	return n, err
}

func (p *PostgresRepository) GetStudent(ctx context.Context, id string) (s *model.Student, err error) {
	err = db.RetryRead(ctx, "get student", func() error {
		s, err = db.GetStudent(ctx, p.pool, id)
		return err
	})
	return s, err
}

func (p *PostgresRepository) UpsertStudent(ctx context.Context, s model.Student) error {
	return db.UpsertStudent(ctx, p.pool, s)
}

func (p *PostgresRepository) ListStudents(ctx context.Context) (list []model.Student, err error) {
	err = db.RetryRead(ctx, "list students", func() error {
		list, err = db.ListStudents(ctx, p.pool)
		return err
	})
	return list, err
}
