package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"facemoji/internal/models"
)

// JobStore is the durable record of every job. All state transitions are
// conditional writes so concurrent workers never clobber each other.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f ListFilter) (Page, error)

	// ClaimJob moves a pending job, or a processing job whose lease lapsed,
	// to processing and increments its attempt count. When the row does not
	// qualify the current row is returned with claimed=false.
	ClaimJob(ctx context.Context, id, workerID string, lease time.Duration) (job models.Job, claimed bool, err error)
	// CompleteJob, FailJob and ReleaseJob apply only while the row is still
	// processing under the given attempt number.
	CompleteJob(ctx context.Context, id string, attempt int, c Completion) (bool, error)
	FailJob(ctx context.Context, id string, attempt int, detail string) (bool, error)
	ReleaseJob(ctx context.Context, id string, attempt int, lastErr string) (bool, error)
	// ExpireJob fails a job with no attempts left and no live owner: a
	// pending row, or a processing row whose lease lapsed.
	ExpireJob(ctx context.Context, id string) (bool, error)
	// SweepStale returns jobs that need a fresh broker message: pending rows
	// idle since before cutoff and processing rows with lapsed leases.
	SweepStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	AppendEvent(ctx context.Context, ev models.JobEvent) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID             string
	Emoji          string
	InputRef       string
	ContentType    string
	MaxAttempts    int
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// Completion is what a successful attempt records.
type Completion struct {
	ResultRef   string
	ContentType string
	Faces       int
}

// ListFilter selects a page of jobs, newest first.
type ListFilter struct {
	Status string
	Limit  int
	Cursor *Cursor
}

// Page is one page of ListJobs.
type Page struct {
	Jobs []models.Job
	Next *Cursor
}

// Cursor is a keyset position in the (created_at, id) ordering.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ExpiredLeaseDetail is recorded when a job runs out of attempts without an
// error being reported, e.g. its final lease lapsed.
const ExpiredLeaseDetail = "lease expired on final attempt"

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.JobID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Cursor.Encode. Empty input is no cursor.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", models.ErrInvalidInput)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: malformed cursor", models.ErrInvalidInput)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", models.ErrInvalidInput)
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), JobID: parts[1]}, nil
}

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}
