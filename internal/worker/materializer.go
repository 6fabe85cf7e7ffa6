package worker

import (
	"context"
	"fmt"
	"log/slog"

	"facemoji/internal/artifact"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/store"
	"facemoji/internal/vision"
)

// StatusCache receives terminal status views.
type StatusCache interface {
	Put(ctx context.Context, v models.StatusView) error
}

// EventPublisher fans job events out to push subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.JobEvent) error
}

// Outcome is the result of one attempt. Result is nil for a failure.
type Outcome struct {
	Result *vision.Result
	Detail string
}

// Materializer records terminal outcomes. Writes are fenced on the attempt
// that produced them, so a worker that lost its claim never overwrites a
// newer owner or a finished job.
type Materializer struct {
	store     store.JobStore
	artifacts artifact.Store
	cache     StatusCache
	events    EventPublisher
	logger    *slog.Logger
}

func NewMaterializer(st store.JobStore, artifacts artifact.Store, cache StatusCache, events EventPublisher, log *slog.Logger) *Materializer {
	return &Materializer{store: st, artifacts: artifacts, cache: cache, events: events, logger: log}
}

// Persist applies out to the attempt job was claimed under. applied is
// false when the job had already moved on, which is not an error.
func (m *Materializer) Persist(ctx context.Context, job models.Job, out Outcome) (bool, error) {
	if out.Result != nil {
		return m.succeed(ctx, job, out.Result)
	}
	applied, err := m.store.FailJob(ctx, job.ID, job.Attempts, out.Detail)
	if err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	if !applied {
		_, _ = m.skipped(ctx, job)
		return false, nil
	}
	m.finalize(ctx, job.ID, models.EventFailed, out.Detail)
	return true, nil
}

func (m *Materializer) succeed(ctx context.Context, job models.Job, res *vision.Result) (bool, error) {
	key := artifact.ResultKey(job.ID, job.Attempts, res.Ext)
	if err := m.artifacts.Put(ctx, key, res.Image, res.ContentType); err != nil {
		return false, fmt.Errorf("store result: %w", err)
	}
	applied, err := m.store.CompleteJob(ctx, job.ID, job.Attempts, store.Completion{
		ResultRef:   key,
		ContentType: res.ContentType,
		Faces:       len(res.Faces),
	})
	if err != nil {
		return false, fmt.Errorf("record success: %w", err)
	}
	if !applied {
		current, ok := m.skipped(ctx, job)
		if ok && (current.ResultRef == nil || *current.ResultRef != key) {
			m.discard(key)
		}
		return false, nil
	}
	m.finalize(ctx, job.ID, models.EventSucceeded, fmt.Sprintf("faces=%d", len(res.Faces)))
	return true, nil
}

// Expire fails a job whose last lease lapsed with no attempts left.
func (m *Materializer) Expire(ctx context.Context, jobID string) (bool, error) {
	applied, err := m.store.ExpireJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("expire job: %w", err)
	}
	if applied {
		m.finalize(ctx, jobID, models.EventExpired, "")
	}
	return applied, nil
}

// skipped reloads a job whose fenced write did not apply. ok is false when
// the reload failed.
func (m *Materializer) skipped(ctx context.Context, job models.Job) (models.Job, bool) {
	current, err := m.store.GetJob(ctx, job.ID)
	if err != nil {
		m.logger.Warn("outcome not applied", slog.String("job_id", job.ID), logger.Err(err))
		return models.Job{}, false
	}
	m.logger.Info("outcome not applied, job moved on",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Int("current_attempt", current.Attempts),
		slog.String("status", current.Status),
	)
	return current, true
}

// discard removes a result no row references.
func (m *Materializer) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWrite)
	defer cancel()
	if err := m.artifacts.Delete(ctx, key); err != nil {
		m.logger.Warn("remove unreferenced result", slog.String("ref", key), logger.Err(err))
	}
}

// finalize publishes a terminal transition. The store already holds the
// truth, so failures here are logged and dropped.
func (m *Materializer) finalize(ctx context.Context, jobID, event, detail string) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Warn("reload terminal job", slog.String("job_id", jobID), logger.Err(err))
		return
	}
	if detail == "" && job.ErrorDetail != nil {
		detail = *job.ErrorDetail
	}
	ev := models.JobEvent{JobID: jobID, Event: event, Status: job.Status, Detail: detail}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.Warn("append audit event", slog.String("job_id", jobID), logger.Err(err))
	}
	if m.cache != nil {
		if err := m.cache.Put(ctx, job.View()); err != nil {
			m.logger.Warn("cache terminal status", slog.String("job_id", jobID), logger.Err(err))
		}
	}
	if m.events != nil {
		if err := m.events.Publish(ctx, ev); err != nil {
			m.logger.Warn("publish job event", slog.String("job_id", jobID), logger.Err(err))
		}
	}
}
