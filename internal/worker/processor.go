package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"facemoji/internal/artifact"
	"facemoji/internal/broker"
	"facemoji/internal/config"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/store"
	"facemoji/internal/telemetry"
	"facemoji/internal/vision"
)

// leaseGrace is added when rescheduling behind a live lease so the retry
// lands after the lease has lapsed.
const leaseGrace = 500 * time.Millisecond

// shutdownWrite bounds the bookkeeping done after the run context ends.
const shutdownWrite = 5 * time.Second

// Processor drives the worker execution loops.
type Processor struct {
	cfg          config.Config
	broker       broker.Broker
	store        store.JobStore
	artifacts    artifact.Store
	detector     vision.Detector
	materializer *Materializer
	events       EventPublisher
	logger       *slog.Logger
	workerID     string
	now          func() time.Time

	// storeFaults counts consecutive Job Store errors and sizes the
	// redelivery delay while the store is unhealthy.
	storeFaults atomic.Int64
}

func NewProcessor(cfg config.Config, b broker.Broker, st store.JobStore, artifacts artifact.Store, det vision.Detector, m *Materializer, events EventPublisher, log *slog.Logger) *Processor {
	return &Processor{
		cfg:          cfg,
		broker:       b,
		store:        st,
		artifacts:    artifacts,
		detector:     det,
		materializer: m,
		events:       events,
		logger:       log.With(slog.String("worker_id", cfg.WorkerID)),
		workerID:     cfg.WorkerID,
		now:          time.Now,
	}
}

// Run starts WorkerConcurrency independent loops and blocks until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, slot int) {
	log := p.logger.With(slog.Int("slot", slot))
	for {
		d, err := p.broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("receive failed", logger.Err(err))
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return
			}
			continue
		}
		p.handle(ctx, d)
	}
}

// handle runs one delivery to a decision: ack, retry later, or release.
func (p *Processor) handle(ctx context.Context, d broker.Delivery) {
	id := d.JobID()
	log := p.logger.With(slog.String("job_id", id))

	job, claimed, err := p.store.ClaimJob(ctx, id, p.workerID, p.cfg.LeaseDuration)
	switch {
	case errors.Is(err, models.ErrNotFound):
		log.Warn("dropping reference to unknown job")
		p.ack(ctx, d, log)
		return
	case err != nil:
		log.Warn("claim failed", logger.Err(err))
		p.storeFault(ctx, d, log)
		return
	}
	p.storeFaults.Store(0)
	if !claimed {
		telemetry.ClaimConflicts.Inc()
		p.unclaimed(ctx, d, job, log)
		return
	}

	telemetry.Claims.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log = log.With(slog.Int("attempt", job.Attempts))
	log.Info("job claimed")
	p.emit(ctx, models.JobEvent{
		JobID:  job.ID,
		Event:  models.EventClaimed,
		Status: models.StatusProcessing,
		Detail: fmt.Sprintf("attempt %d/%d by %s", job.Attempts, job.MaxAttempts, p.workerID),
	}, log)

	res, runErr := p.execute(ctx, job)
	if ctx.Err() != nil {
		p.abandon(job, d, log)
		return
	}

	if runErr == nil {
		p.persist(ctx, d, job, Outcome{Result: &res}, log)
		return
	}

	log = log.With(logger.Err(runErr))
	if vision.IsPermanent(runErr) || job.Attempts >= job.MaxAttempts {
		log.Warn("job failed")
		p.persist(ctx, d, job, Outcome{Detail: runErr.Error()}, log)
		return
	}
	p.retry(ctx, d, job, runErr, log)
}

// execute loads the input and calls the collaborator under its deadline.
func (p *Processor) execute(ctx context.Context, job models.Job) (vision.Result, error) {
	input, err := p.artifacts.Get(ctx, job.InputRef)
	if errors.Is(err, artifact.ErrNotFound) {
		return vision.Result{}, &vision.DetectionError{Reason: "input image missing", Permanent: true, Err: err}
	}
	if err != nil {
		return vision.Result{}, fmt.Errorf("load input: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
	defer cancel()
	start := time.Now()
	res, err := p.detect(cctx, vision.Request{
		Image:       input,
		ContentType: job.ContentType,
		Emoji:       job.Emoji,
	})
	telemetry.CollaboratorLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if cctx.Err() != nil && ctx.Err() == nil {
			return vision.Result{}, &vision.DetectionError{Reason: "collaborator timed out", Err: err}
		}
		return vision.Result{}, err
	}
	return res, nil
}

// detect calls the collaborator. A panic becomes a transient failure so the
// job follows the retry path and the loop survives.
func (p *Processor) detect(ctx context.Context, req vision.Request) (res vision.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("collaborator panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			res, err = vision.Result{}, &vision.DetectionError{Reason: fmt.Sprintf("collaborator panic: %v", r)}
		}
	}()
	return p.detector.DetectAndOverlay(ctx, req)
}

func (p *Processor) persist(ctx context.Context, d broker.Delivery, job models.Job, out Outcome, log *slog.Logger) {
	applied, err := p.materializer.Persist(ctx, job, out)
	if err != nil {
		log.Error("persist outcome failed", logger.Err(err))
		p.storeFault(ctx, d, log)
		return
	}
	if applied {
		if out.Result != nil {
			telemetry.WorkerSuccess.Inc()
			log.Info("job succeeded", slog.Int("faces", len(out.Result.Faces)), slog.String("result_ref", artifact.ResultKey(job.ID, job.Attempts, out.Result.Ext)))
		} else {
			telemetry.WorkerFailures.Inc()
		}
	}
	p.ack(ctx, d, log)
}

func (p *Processor) retry(ctx context.Context, d broker.Delivery, job models.Job, cause error, log *slog.Logger) {
	applied, err := p.store.ReleaseJob(ctx, job.ID, job.Attempts, cause.Error())
	if err != nil {
		log.Error("release job failed", logger.Err(err))
		p.storeFault(ctx, d, log)
		return
	}
	if !applied {
		log.Info("job moved on before retry, dropping delivery")
		p.ack(ctx, d, log)
		return
	}

	delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts)
	telemetry.WorkerRetries.Inc()
	log.Warn("attempt failed, retry scheduled", slog.Duration("delay", delay))
	p.emit(ctx, models.JobEvent{
		JobID:  job.ID,
		Event:  models.EventRetry,
		Status: models.StatusPending,
		Detail: fmt.Sprintf("attempt %d failed: %s; next in %s", job.Attempts, cause, delay.Round(time.Millisecond)),
	}, log)
	if err := d.Retry(ctx, delay); err != nil {
		// The row is pending again; the reconciler re-enqueues it.
		log.Warn("schedule retry failed", logger.Err(err))
	}
}

// unclaimed decides what to do with a delivery whose claim did not apply.
func (p *Processor) unclaimed(ctx context.Context, d broker.Delivery, job models.Job, log *slog.Logger) {
	log = log.With(slog.String("status", job.Status), slog.Int("attempts", job.Attempts))
	now := p.now()
	switch {
	case models.IsTerminal(job.Status):
		log.Debug("duplicate delivery for finished job")
		p.ack(ctx, d, log)
	case job.Status == models.StatusProcessing && !job.LeaseExpired(now):
		// Another worker owns it. Check back when its lease runs out so the
		// job is not stranded if that worker dies.
		delay := job.LeaseExpiresAt.Sub(now) + leaseGrace
		log.Debug("job leased elsewhere, rechecking later", slog.Duration("delay", delay))
		p.later(ctx, d, delay, log)
	case job.Attempts >= job.MaxAttempts:
		applied, err := p.materializer.Expire(ctx, job.ID)
		if err != nil {
			log.Error("expire job failed", logger.Err(err))
			p.storeFault(ctx, d, log)
			return
		}
		if !applied {
			// The store still sees a live lease; our clock is ahead.
			p.later(ctx, d, leaseGrace, log)
			return
		}
		telemetry.WorkerFailures.Inc()
		log.Warn("attempts exhausted without a live owner, job failed")
		p.ack(ctx, d, log)
	default:
		// Claimable by our reading but not the store's: a lost race or a
		// clock ahead of the store's. Try again shortly.
		p.later(ctx, d, leaseGrace, log)
	}
}

// abandon hands the job back when the worker stops mid-attempt. The final
// attempt keeps its processing row so the lapsed lease fails the job.
func (p *Processor) abandon(job models.Job, d broker.Delivery, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWrite)
	defer cancel()
	if job.Attempts >= job.MaxAttempts {
		delay := leaseGrace
		if job.LeaseExpiresAt != nil {
			delay += job.LeaseExpiresAt.Sub(p.now())
		}
		p.later(ctx, d, delay, log)
		log.Info("final attempt abandoned on shutdown, lease left to lapse")
		return
	}
	if _, err := p.store.ReleaseJob(ctx, job.ID, job.Attempts, "worker shut down during attempt"); err != nil {
		log.Warn("release on shutdown failed", logger.Err(err))
	}
	p.release(ctx, d, log)
	log.Info("attempt abandoned on shutdown")
}

// storeFault puts the delivery back after a delay that grows with
// consecutive store errors.
func (p *Processor) storeFault(ctx context.Context, d broker.Delivery, log *slog.Logger) {
	n := p.storeFaults.Add(1)
	delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, int(n))
	log.Warn("job store unavailable, delivery delayed", slog.Int64("consecutive_faults", n), slog.Duration("delay", delay))
	p.later(ctx, d, delay, log)
}

// later re-publishes the reference after delay.
func (p *Processor) later(ctx context.Context, d broker.Delivery, delay time.Duration, log *slog.Logger) {
	if err := d.Retry(ctx, delay); err != nil {
		log.Warn("reschedule failed", logger.Err(err))
	}
}

func (p *Processor) emit(ctx context.Context, ev models.JobEvent, log *slog.Logger) {
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		log.Warn("append audit event", logger.Err(err))
	}
	if p.events != nil {
		if err := p.events.Publish(ctx, ev); err != nil {
			log.Debug("publish job event", logger.Err(err))
		}
	}
}

func (p *Processor) ack(ctx context.Context, d broker.Delivery, log *slog.Logger) {
	if err := d.Ack(ctx); err != nil {
		log.Warn("ack failed", logger.Err(err))
	}
}

func (p *Processor) release(ctx context.Context, d broker.Delivery, log *slog.Logger) {
	if err := d.Release(ctx); err != nil {
		log.Warn("release failed", logger.Err(err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
