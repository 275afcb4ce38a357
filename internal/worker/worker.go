// Package worker runs the lease loop: wait for a job, dispatch it to
// the processor for its kind, classify the outcome, and record it on
// the job store. Retry and backoff live in the store; classification
// lives here.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/fanout"
	"caseflow/internal/jobstore"
	"caseflow/internal/metrics"
	"caseflow/internal/models"
	"caseflow/internal/pipeline"

	"github.com/rs/zerolog"
)

type Worker struct {
	store      *jobstore.Store
	registry   pipeline.Registry
	bus        *fanout.Bus
	kinds      []models.JobKind
	leaseBlock time.Duration
	jobTimeout time.Duration
	logger     zerolog.Logger
}

func New(store *jobstore.Store, registry pipeline.Registry, bus *fanout.Bus, logger zerolog.Logger) *Worker {
	kinds := make([]models.JobKind, 0, len(registry))
	for _, k := range models.AllKinds() {
		if _, ok := registry[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return &Worker{
		store:      store,
		registry:   registry,
		bus:        bus,
		kinds:      kinds,
		leaseBlock: 5 * time.Second,
		jobTimeout: 10 * time.Minute,
		logger:     logger.With().Str("component", "worker").Logger(),
	}
}

// Run blocks leasing and processing jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("worker started")
	defer w.logger.Info().Msg("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.store.Lease(ctx, w.kinds, w.leaseBlock)
		if err != nil {
			if errors.Is(err, jobstore.ErrNoJob) || ctx.Err() != nil {
				continue
			}
			w.logger.Error().Err(err).Msg("lease failed")
			time.Sleep(time.Second)
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	logger := w.logger.With().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("attempt", job.Attempt).
		Logger()

	proc, ok := w.registry[job.Kind]
	if !ok {
		// A kind we leased but cannot run is a deployment mismatch, not
		// a transient condition.
		w.failJob(ctx, job, fmt.Errorf("no processor registered for kind %s", job.Kind), true, logger)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	result, err := proc.Process(jobCtx, job)
	cancel()

	if err == nil {
		if cerr := w.store.Complete(ctx, job, result); cerr != nil {
			if errors.Is(cerr, jobstore.ErrStale) {
				logger.Warn().Msg("job finished after lease expired; result discarded")
				metrics.IncJob(string(job.Kind), "stale")
				return
			}
			logger.Error().Err(cerr).Msg("complete failed")
			return
		}
		metrics.IncJob(string(job.Kind), "completed")
		logger.Info().Str("result", result).Msg("job completed")
		return
	}

	if models.IsConfig(err) {
		w.alert(ctx, job, err)
	}
	w.failJob(ctx, job, err, models.IsPermanent(err), logger)
}

func (w *Worker) failJob(ctx context.Context, job *models.Job, cause error, permanent bool, logger zerolog.Logger) {
	if err := w.store.Fail(ctx, job, cause, permanent); err != nil {
		if errors.Is(err, jobstore.ErrStale) {
			logger.Warn().Msg("job failed after lease expired; result discarded")
			metrics.IncJob(string(job.Kind), "stale")
			return
		}
		logger.Error().Err(err).Msg("fail transition failed")
		return
	}
	if permanent {
		metrics.IncJob(string(job.Kind), "failed_permanent")
		logger.Error().Err(cause).Msg("job failed permanently")
		return
	}
	if job.Attempt >= job.MaxAttempts {
		metrics.IncJob(string(job.Kind), "failed_exhausted")
		logger.Error().Err(cause).Msg("job attempts exhausted")
		return
	}
	metrics.IncRetry(string(job.Kind))
	logger.Warn().Err(cause).Msg("job failed, retry scheduled")
}

// alert raises a standing operational event for configuration failures:
// retrying cannot fix a missing account or credential.
func (w *Worker) alert(ctx context.Context, job *models.Job, cause error) {
	if w.bus == nil {
		return
	}
	_ = w.bus.Publish(ctx, models.RoleRoom("admin"), models.NotificationEvent{
		Type:    models.EventSystemAlert,
		Title:   "Job configuration error",
		Message: cause.Error(),
		Data:    map[string]interface{}{"job_id": job.ID, "kind": string(job.Kind)},
	})
}
