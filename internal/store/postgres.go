package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"facemoji/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

const jobColumns = `id, status, emoji, input_ref, content_type, result_ref, result_content_type,
	faces_detected, error_detail, last_error, attempts, max_attempts, worker_id, lease_expires_at,
	idempotency_key, created_at, updated_at`

// CreateJob inserts a pending job row, honoring idempotency if a key is given.
// It returns the job, and a boolean indicating if an existing job was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts <= 0 {
		return models.Job{}, false, fmt.Errorf("%w: max attempts must be positive", models.ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	row := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, status, emoji, input_ref, content_type, attempts, max_attempts, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, NOW(), NOW())
		RETURNING `+jobColumns, p.ID, models.StatusPending, p.Emoji, p.InputRef, p.ContentType, p.MaxAttempts, emptyToNil(p.IdempotencyKey))
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, false, unavailable("insert job", err)
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			t := time.Now().Add(p.IdempotencyTTL)
			expires = &t
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, p.ID, expires)
		if err != nil {
			return models.Job{}, false, unavailable("insert idempotency key", err)
		}
		if tag.RowsAffected() == 0 {
			// Another submission won the key after our initial check.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, unavailable("rollback after idempotency conflict", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, unavailable("commit", err)
	}
	return job, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id::text FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, unavailable("query idempotency key", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, models.ErrNotFound
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, unavailable("get job", err)
	}
	return job, nil
}

// ListJobs returns a page of jobs ordered newest first.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) (Page, error) {
	limit := NormalizeLimit(f.Limit)

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ($1 = '' OR status = $1)`
	args := []any{f.Status}
	if f.Cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, f.Cursor.CreatedAt, f.Cursor.JobID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, unavailable("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit+1)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return Page{}, unavailable("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return Page{}, unavailable("list jobs", err)
	}

	page := Page{Jobs: jobs}
	if len(jobs) > limit {
		page.Jobs = jobs[:limit]
		last := page.Jobs[limit-1]
		page.Next = &Cursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return page, nil
}

// ClaimJob takes exclusive ownership of a job for one attempt.
func (s *Store) ClaimJob(ctx context.Context, id, workerID string, lease time.Duration) (models.Job, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, false, models.ErrNotFound
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2,
		    attempts = attempts + 1,
		    worker_id = $3,
		    lease_expires_at = NOW() + make_interval(secs => $4),
		    swept_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND attempts < max_attempts
		  AND (status = $5 OR (status = $2 AND lease_expires_at < NOW()))
		RETURNING `+jobColumns,
		id, models.StatusProcessing, workerID, lease.Seconds(), models.StatusPending))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, unavailable("claim job", err)
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return current, false, nil
}

// CompleteJob records success for the given attempt.
func (s *Store) CompleteJob(ctx context.Context, id string, attempt int, c Completion) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, result_ref = $4, result_content_type = $5, faces_detected = $6,
		    lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND attempts = $2 AND status = $7
	`, id, attempt, models.StatusSucceeded, c.ResultRef, c.ContentType, c.Faces, models.StatusProcessing)
	if err != nil {
		return false, unavailable("complete job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob records terminal failure for the given attempt.
func (s *Store) FailJob(ctx context.Context, id string, attempt int, detail string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, error_detail = $4, last_error = $4, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND attempts = $2 AND status = $5
	`, id, attempt, models.StatusFailed, detail, models.StatusProcessing)
	if err != nil {
		return false, unavailable("fail job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseJob returns the job to pending so a later delivery can retry it.
func (s *Store) ReleaseJob(ctx context.Context, id string, attempt int, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, last_error = $4, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND attempts = $2 AND status = $5
	`, id, attempt, models.StatusPending, lastErr, models.StatusProcessing)
	if err != nil {
		return false, unavailable("release job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireJob fails a job that has used every attempt and has no live lease.
func (s *Store) ExpireJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_detail = COALESCE(last_error, $3), worker_id = NULL,
		    lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
		  AND attempts >= max_attempts
		  AND (status = $5 OR (status = $4 AND lease_expires_at < NOW()))
	`, id, models.StatusFailed, ExpiredLeaseDetail, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return false, unavailable("expire job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SweepStale stamps and returns jobs that need re-enqueueing. A row is
// returned at most once per cutoff window.
func (s *Store) SweepStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		WITH stale AS (
			SELECT id FROM jobs
			WHERE ((status = $1 AND updated_at < $3) OR (status = $2 AND lease_expires_at < NOW()))
			  AND (swept_at IS NULL OR swept_at < $3)
			ORDER BY updated_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET swept_at = NOW()
		FROM stale
		WHERE j.id = stale.id
		RETURNING j.id::text
	`, models.StatusPending, models.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, unavailable("sweep stale jobs", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("sweep stale jobs", err)
	}
	return ids, nil
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, status, detail, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, ev.JobID, ev.Event, ev.Status, ev.Detail)
	if err != nil {
		return unavailable("append event", err)
	}
	return nil
}

// CountByStatus returns row counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, unavailable("count jobs", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, unavailable("scan count", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("count jobs", err)
	}
	return counts, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var (
		id                pgtype.UUID
		resultRef         pgtype.Text
		resultContentType pgtype.Text
		faces             pgtype.Int4
		errorDetail       pgtype.Text
		lastErr           pgtype.Text
		workerID          pgtype.Text
		lease             pgtype.Timestamptz
		idem              pgtype.Text
	)
	if err := row.Scan(&id, &job.Status, &job.Emoji, &job.InputRef, &job.ContentType, &resultRef, &resultContentType,
		&faces, &errorDetail, &lastErr, &job.Attempts, &job.MaxAttempts, &workerID, &lease,
		&idem, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.ID = uuid.UUID(id.Bytes).String()
	job.ResultRef = textPtr(resultRef)
	job.ResultContentType = textPtr(resultContentType)
	job.ErrorDetail = textPtr(errorDetail)
	job.LastError = textPtr(lastErr)
	job.WorkerID = textPtr(workerID)
	job.IdempotencyKey = textPtr(idem)
	if faces.Valid {
		n := int(faces.Int32)
		job.FacesDetected = &n
	}
	if lease.Valid {
		t := lease.Time
		job.LeaseExpiresAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
