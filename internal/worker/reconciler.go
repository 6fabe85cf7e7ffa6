package worker

import (
	"context"
	"log/slog"
	"time"

	"facemoji/internal/broker"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/store"
	"facemoji/internal/telemetry"
)

const sweepBatch = 100

// depthReporter is implemented by brokers that can report queue depth.
type depthReporter interface {
	Depth(ctx context.Context) (ready, scheduled, inflight int64, err error)
}

// Reconciler re-enqueues jobs whose broker message was lost: pending rows
// whose publish failed after commit and processing rows whose worker died.
type Reconciler struct {
	store      store.JobStore
	broker     broker.Broker
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(st store.JobStore, b broker.Broker, interval, staleAfter time.Duration, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{store: st, broker: b, interval: interval, staleAfter: staleAfter, logger: log, now: time.Now}
}

// Run sweeps on every tick until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("reconcile failed", logger.Err(err))
		}
		r.refreshGauges(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile publishes a fresh reference for every stale job and returns how
// many were published.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	ids, err := r.store.SweepStale(ctx, r.now().Add(-r.staleAfter), sweepBatch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, id := range ids {
		if err := r.broker.Publish(ctx, id); err != nil {
			return published, err
		}
		published++
		telemetry.ReconcileRequeues.Inc()
		if err := r.store.AppendEvent(ctx, models.JobEvent{JobID: id, Event: models.EventRequeued, Detail: "stale job re-enqueued"}); err != nil {
			r.logger.Warn("append audit event", slog.String("job_id", id), logger.Err(err))
		}
	}
	if published > 0 {
		r.logger.Info("re-enqueued stale jobs", slog.Int("count", published))
	}
	return published, nil
}

func (r *Reconciler) refreshGauges(ctx context.Context) {
	if counts, err := r.store.CountByStatus(ctx); err == nil {
		for _, s := range []string{models.StatusPending, models.StatusProcessing, models.StatusSucceeded, models.StatusFailed} {
			telemetry.JobsByStatus.WithLabelValues(s).Set(float64(counts[s]))
		}
	}
	if dr, ok := r.broker.(depthReporter); ok {
		if ready, _, _, err := dr.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(ready))
		}
	}
}
