// Package gateway accepts submissions and answers status and result queries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"facemoji/internal/artifact"
	"facemoji/internal/broker"
	"facemoji/internal/config"
	"facemoji/internal/emoji"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/store"
	"facemoji/internal/telemetry"
	"facemoji/internal/vision"
)

// ErrImageTooLarge is an InvalidInput for uploads over the byte bound.
var ErrImageTooLarge = fmt.Errorf("%w: image too large", models.ErrInvalidInput)

const maxIdempotencyKey = 255

// StatusCache serves terminal views without a store read.
type StatusCache interface {
	Get(ctx context.Context, jobID string) (models.StatusView, bool, error)
	Put(ctx context.Context, v models.StatusView) error
}

// SubmitRequest is one upload.
type SubmitRequest struct {
	Image          []byte
	ContentType    string
	Emoji          string
	IdempotencyKey string
}

// SubmitResult is the accepted job. Existing is set when an idempotency key
// matched an earlier submission.
type SubmitResult struct {
	Job      models.Job
	Existing bool
}

// Result is a rendered artifact.
type Result struct {
	Ref         string
	ContentType string
	Body        []byte
}

// Gateway is the API-facing side of the pipeline.
type Gateway struct {
	cfg       config.Config
	store     store.JobStore
	broker    broker.Broker
	artifacts artifact.Store
	cache     StatusCache
	landmarks vision.LandmarkSource
	logger    *slog.Logger
}

func New(cfg config.Config, st store.JobStore, b broker.Broker, artifacts artifact.Store, cache StatusCache, log *slog.Logger) *Gateway {
	return &Gateway{cfg: cfg, store: st, broker: b, artifacts: artifacts, cache: cache, logger: log}
}

// Submit validates the upload, records the job, then publishes it. Nothing is
// written before validation passes. If the publish fails the job is returned
// along with an ErrBrokerUnavailable error; the row stays pending and the
// reconciler enqueues it later.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if g.cfg.MaxImageBytes > 0 && int64(len(req.Image)) > g.cfg.MaxImageBytes {
		return SubmitResult{}, fmt.Errorf("%w: %d bytes, limit is %d", ErrImageTooLarge, len(req.Image), g.cfg.MaxImageBytes)
	}
	info, err := vision.Probe(req.Image, g.cfg.MaxImagePixels)
	if err != nil {
		return SubmitResult{}, err
	}
	requested := req.Emoji
	if strings.TrimSpace(requested) == "" {
		requested = g.cfg.DefaultEmoji
	}
	emojiID, err := emoji.Normalize(requested)
	if err != nil {
		return SubmitResult{}, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxIdempotencyKey {
		return SubmitResult{}, fmt.Errorf("%w: idempotency key longer than %d", models.ErrInvalidInput, maxIdempotencyKey)
	}

	if key != "" {
		existing, ok, err := g.store.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return SubmitResult{}, err
		}
		if ok {
			return SubmitResult{Job: existing, Existing: true}, nil
		}
	}

	id := uuid.NewString()
	inputRef := artifact.InputKey(id, info.Ext)
	if err := g.artifacts.Put(ctx, inputRef, req.Image, info.ContentType); err != nil {
		return SubmitResult{}, err
	}

	job, existed, err := g.store.CreateJob(ctx, store.CreateJobParams{
		ID:             id,
		Emoji:          emojiID,
		InputRef:       inputRef,
		ContentType:    info.ContentType,
		MaxAttempts:    g.cfg.MaxAttempts,
		IdempotencyKey: key,
		IdempotencyTTL: g.cfg.IdempotencyTTL,
	})
	if err != nil || existed {
		g.discardInput(inputRef)
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if existed {
		return SubmitResult{Job: job, Existing: true}, nil
	}

	log := g.logger.With(slog.String("job_id", job.ID))
	if err := g.store.AppendEvent(ctx, models.JobEvent{
		JobID:  job.ID,
		Event:  models.EventSubmitted,
		Status: models.StatusPending,
		Detail: fmt.Sprintf("%s %dx%d emoji=%s", info.Format, info.Width, info.Height, emojiID),
	}); err != nil {
		log.Warn("append audit event", logger.Err(err))
	}

	if err := g.broker.Publish(ctx, job.ID); err != nil {
		log.Error("publish failed, job left pending for reconciliation", logger.Err(err))
		return SubmitResult{Job: job}, err
	}
	telemetry.Submissions.Inc()
	log.Info("job submitted", slog.String("emoji", emojiID), slog.Int("bytes", len(req.Image)))
	return SubmitResult{Job: job}, nil
}

// discardInput removes an input artifact no row points at.
func (g *Gateway) discardInput(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.artifacts.Delete(ctx, ref); err != nil {
		g.logger.Warn("remove orphaned input", slog.String("ref", ref), logger.Err(err))
	}
}

// GetStatus returns the job's current view.
func (g *Gateway) GetStatus(ctx context.Context, id string) (models.StatusView, error) {
	if g.cache != nil {
		v, ok, err := g.cache.Get(ctx, id)
		if err != nil {
			g.logger.Debug("status cache read", slog.String("job_id", id), logger.Err(err))
		}
		if ok {
			return v, nil
		}
	}
	job, err := g.store.GetJob(ctx, id)
	if err != nil {
		return models.StatusView{}, err
	}
	v := job.View()
	if g.cache != nil && models.IsTerminal(v.Status) {
		if err := g.cache.Put(ctx, v); err != nil {
			g.logger.Debug("status cache write", slog.String("job_id", id), logger.Err(err))
		}
	}
	return v, nil
}

// GetResult returns the rendered image of a succeeded job.
func (g *Gateway) GetResult(ctx context.Context, id string) (Result, error) {
	job, err := g.store.GetJob(ctx, id)
	if err != nil {
		return Result{}, err
	}
	switch job.Status {
	case models.StatusSucceeded:
	case models.StatusFailed:
		detail := ""
		if job.ErrorDetail != nil {
			detail = *job.ErrorDetail
		}
		return Result{}, &models.FailedError{JobID: job.ID, Detail: detail}
	default:
		return Result{}, fmt.Errorf("%w: status is %s", models.ErrNotReady, job.Status)
	}

	if job.ResultRef == nil {
		return Result{}, fmt.Errorf("%w: job %s has no result reference", models.ErrArtifactUnavailable, job.ID)
	}
	ref := *job.ResultRef
	body, err := g.artifacts.Get(ctx, ref)
	if errors.Is(err, artifact.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: result %s missing", models.ErrArtifactUnavailable, ref)
	}
	if err != nil {
		return Result{}, err
	}
	ct := "application/octet-stream"
	if job.ResultContentType != nil {
		ct = *job.ResultContentType
	}
	return Result{Ref: ref, ContentType: ct, Body: body}, nil
}

// ListJobs returns a page of jobs, newest first.
func (g *Gateway) ListJobs(ctx context.Context, status string, limit int, cursor string) (store.Page, error) {
	switch status {
	case "", models.StatusPending, models.StatusProcessing, models.StatusSucceeded, models.StatusFailed:
	default:
		return store.Page{}, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, status)
	}
	c, err := store.DecodeCursor(cursor)
	if err != nil {
		return store.Page{}, err
	}
	return g.store.ListJobs(ctx, store.ListFilter{Status: status, Limit: store.NormalizeLimit(limit), Cursor: c})
}
