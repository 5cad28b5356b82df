package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the pgx connection pool.
type PostgresConfig struct {
	DSN         string
	MaxConns    int32
	DialTimeout time.Duration
}

// PostgresStore keeps each job as one row with the item list in a JSONB column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

const pgUniqueViolation = "23505"

// NewPostgresStore connects, pings and migrates the jobs table.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "bulkgen"

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(dialCtx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to postgres job store", "max_conns", pc.MaxConns)
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS bulk_jobs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		sections JSONB,
		callback_url TEXT,
		total_count INTEGER NOT NULL,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		items JSONB NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_bulk_jobs_owner_created ON bulk_jobs (owner, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_bulk_jobs_status ON bulk_jobs (status);
	`)
	if err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.prepareWrite(now)
	job.Version = 1

	_, err := s.pool.Exec(ctx, `INSERT INTO bulk_jobs
		(id, owner, status, sections, callback_url, total_count, completed_count, failed_count, items, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.Owner, string(job.Status), sectionsParam(job.Sections), job.CallbackURL,
		job.TotalCount, job.CompletedCount, job.FailedCount, itemsParam(job.Items), job.Version,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	next := job.Clone()
	next.prepareWrite(time.Now().UTC())

	tag, err := s.pool.Exec(ctx, `UPDATE bulk_jobs
		SET status = $1, sections = $2, callback_url = $3, total_count = $4, completed_count = $5, failed_count = $6,
		    items = $7, version = version + 1, updated_at = $8, completed_at = $9
		WHERE id = $10 AND version = $11`,
		string(next.Status), sectionsParam(next.Sections), next.CallbackURL,
		next.TotalCount, next.CompletedCount, next.FailedCount, itemsParam(next.Items),
		next.UpdatedAt, next.CompletedAt, next.ID, next.Version,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM bulk_jobs WHERE id = $1`, job.ID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
		}
		if err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		return ErrVersionConflict
	}
	next.Version++
	*job = *next
	return nil
}

func (s *PostgresStore) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE bulk_jobs
		SET status = $1, version = version + 1, updated_at = $2,
		    completed_at = CASE WHEN $3::boolean THEN COALESCE(completed_at, $2) ELSE completed_at END
		WHERE id = $4 AND status = $5`,
		string(status), now, status.Terminal(), id, string(JobProcessing),
	)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_jobs WHERE id = $1)`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("set job status: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	return nil
}

const pgSelectJob = `SELECT id, owner, status, sections, callback_url, total_count, completed_count, failed_count,
	items, version, created_at, updated_at, completed_at FROM bulk_jobs`

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, pgSelectJob+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, f ListFilter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		args = append(args, f.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := pgSelectJob
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]*Job, 0)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgJob(row pgx.Row) (*Job, error) {
	var job Job
	var status string
	if err := row.Scan(
		&job.ID,
		&job.Owner,
		&status,
		&job.Sections,
		&job.CallbackURL,
		&job.TotalCount,
		&job.CompletedCount,
		&job.FailedCount,
		&job.Items,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// sectionsParam maps an empty section list to SQL NULL.
func sectionsParam(sections []string) any {
	if len(sections) == 0 {
		return nil
	}
	return sections
}

func itemsParam(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	return items
}
