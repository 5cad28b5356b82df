package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/bulkgen/internal/common"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		sections_json TEXT,
		callback_url TEXT,
		total_count INTEGER NOT NULL,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		items_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs (owner, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
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

	items, sections, err := encodeJobJSON(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner, status, sections_json, callback_url, total_count, completed_count, failed_count,
		 items_json, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Owner, string(job.Status), sections, job.CallbackURL, job.TotalCount, job.CompletedCount, job.FailedCount,
		items, job.Version, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *Job) error {
	next := job.Clone()
	next.prepareWrite(time.Now().UTC())
	items, sections, err := encodeJobJSON(next)
	if err != nil {
		return err
	}
	var completed *string
	if next.CompletedAt != nil {
		v := formatTime(*next.CompletedAt)
		completed = &v
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET status = ?, sections_json = ?, callback_url = ?, total_count = ?, completed_count = ?, failed_count = ?,
		    items_json = ?, version = version + 1, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Status), sections, next.CallbackURL, next.TotalCount, next.CompletedCount, next.FailedCount,
		items, formatTime(next.UpdatedAt), completed, next.ID, next.Version,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows affected: %w", err)
	}
	if n == 0 {
		return s.missOrConflict(ctx, job.ID)
	}
	next.Version++
	*job = *next
	return nil
}

func (s *SQLiteStore) missOrConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	return ErrVersionConflict
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET status = ?, version = version + 1, updated_at = ?,
		    completed_at = CASE WHEN ? THEN COALESCE(completed_at, ?) ELSE completed_at END
		WHERE id = ? AND status = ?`,
		string(status), now, status.Terminal(), now, id, string(JobProcessing),
	)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already terminal.
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("set job status: %w", err)
		}
	}
	return nil
}

const sqliteSelectJob = `SELECT id, owner, status, sections_json, callback_url, total_count, completed_count, failed_count,
	items_json, version, created_at, updated_at, completed_at FROM jobs`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectJob+` WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, f ListFilter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := sqliteSelectJob
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	var job Job
	var status, items, created, updated string
	var sections, cb, completed sql.NullString

	if err := row.Scan(
		&job.ID,
		&job.Owner,
		&status,
		&sections,
		&cb,
		&job.TotalCount,
		&job.CompletedCount,
		&job.FailedCount,
		&items,
		&job.Version,
		&created,
		&updated,
		&completed,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(items), &job.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if sections.Valid && sections.String != "" {
		if err := json.Unmarshal([]byte(sections.String), &job.Sections); err != nil {
			return nil, fmt.Errorf("decode sections: %w", err)
		}
	}
	if cb.Valid {
		v := cb.String
		job.CallbackURL = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		job.UpdatedAt = t
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

// encodeJobJSON serialises the item list and optional sections for storage.
func encodeJobJSON(job *Job) (string, *string, error) {
	items := job.Items
	if items == nil {
		items = []Item{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", nil, fmt.Errorf("marshal items: %w", err)
	}
	var sections *string
	if len(job.Sections) > 0 {
		b, err := json.Marshal(job.Sections)
		if err != nil {
			return "", nil, fmt.Errorf("marshal sections: %w", err)
		}
		v := string(b)
		sections = &v
	}
	return string(itemsJSON), sections, nil
}

// sortableTime keeps a fixed width so lexical order matches time order.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}
