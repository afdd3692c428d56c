package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/beatsync/internal/db"
	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/metrics"
	"github.com/bobarin/beatsync/internal/models"
)

const (
	// Bookkeeping after a job stops (final status, cleanup) gets its own
	// budget so it still runs when the job's context is already done.
	finalizeTimeout = 30 * time.Second

	queueDepthInterval = 5 * time.Second
	dequeueErrorDelay  = time.Second
)

// Start runs the worker pool until ctx is cancelled. Jobs still running at
// that point are failed as interrupted; Start returns once every worker
// has exited.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info().Int("concurrency", o.cfg.Concurrency).Dur("job_timeout", o.cfg.JobTimeout).Msg("worker pool started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			o.processQueue(gctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		o.sampleQueueDepth(gctx)
		return nil
	})

	err := g.Wait()
	o.logger.Info().Msg("worker pool stopped")
	return err
}

func (o *Orchestrator) processQueue(ctx context.Context, worker int) {
	logger := o.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := o.queue.Dequeue(ctx, o.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("failed to dequeue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorDelay):
			}
			continue
		}
		if job == nil {
			continue
		}

		o.runJob(ctx, job.ID)
	}
}

func (o *Orchestrator) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.queue.Len(ctx); err == nil {
				metrics.SetQueueDepth(n)
			}
		}
	}
}

// runJob executes one job end to end. shutdown is the pool's context: when
// it ends mid-job the job fails with an internal error.
func (o *Orchestrator) runJob(shutdown context.Context, id uuid.UUID) {
	ctx := xlog.ContextWithJobID(shutdown, id.String())
	logger := xlog.FromContext(ctx, o.logger)

	job, err := o.store.Update(ctx, id, func(j *models.SyncJob) error {
		if j.Status != models.JobStatusQueued {
			return errNotQueued
		}
		j.Status = models.JobStatusProcessing
		j.CurrentStep = models.StepValidating
		j.Progress = progressValidated
		return nil
	})
	switch {
	case errors.Is(err, errNotQueued), errors.Is(err, db.ErrJobNotFound):
		logger.Info().Err(err).Msg("skipping dequeued job")
		return
	case err != nil:
		logger.Error().Err(err).Msg("failed to start job")
		return
	}

	// User cancellation is cooperative (see run.checkpoint); only the
	// timeout and shutdown interrupt work in flight.
	jobCtx := ctx
	if o.cfg.JobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancelTimeout()
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	logger.Info().Str("type", string(job.Type)).Msg("job started")
	started := time.Now()

	r := newRun(o, job)
	runErr := r.execute(jobCtx)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	defer o.storage.Cleanup(fctx, id.String())

	runErr = o.classify(shutdown, jobCtx, runErr)
	elapsed := time.Since(started).Seconds()

	if errors.Is(runErr, errCancelledByUser) {
		logger.Info().Float64("elapsed", elapsed).Msg("job stopped after cancellation")
		return
	}

	var final *models.SyncJob
	if runErr != nil {
		info := models.ErrorInfoFrom(runErr, r.stage)
		final, err = o.store.Update(fctx, id, func(j *models.SyncJob) error {
			j.Status = models.JobStatusFailed
			j.Error = info
			j.StageTimings = r.timingsSnapshot()
			return nil
		})
		if err == nil {
			logger.Error().Err(runErr).Str("code", string(info.Code)).Str("stage", r.stage).Float64("elapsed", elapsed).Msg("job failed")
			metrics.RecordJobFinished(string(job.Type), string(models.JobStatusFailed))
			metrics.RecordJobFailure(string(info.Code))
		}
	} else {
		final, err = o.store.Update(fctx, id, func(j *models.SyncJob) error {
			r.complete(j, elapsed)
			return nil
		})
		if err == nil {
			logger.Info().Float64("elapsed", elapsed).Msg("job completed")
			metrics.RecordJobFinished(string(job.Type), string(models.JobStatusCompleted))
		}
	}

	if errors.Is(err, db.ErrInvalidTransition) {
		// Cancelled after the last checkpoint; the cancellation stands.
		logger.Info().Msg("job was cancelled before it could be finalised")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to record job outcome")
		return
	}

	o.notify(final)
}

var errNotQueued = errors.New("job is not queued")

// classify maps how the job's context ended onto the error recorded on
// the job: user cancellation, shutdown, or wall-clock timeout.
func (o *Orchestrator) classify(shutdown, jobCtx context.Context, err error) error {
	if err == nil || errors.Is(err, errCancelledByUser) {
		return err
	}
	if shutdown.Err() != nil {
		return models.WrapError(models.CodeInternal, err, "job interrupted by shutdown")
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return models.WrapError(models.CodeResourceExhausted, err, "job exceeded its %s time limit", o.cfg.JobTimeout)
	}
	return err
}
