package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/beatsync/internal/beat"
	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/metrics"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/planner"
	"github.com/bobarin/beatsync/internal/services"
	"github.com/bobarin/beatsync/internal/storage"
)

// Progress milestones per stage.
const (
	progressValidated = 0.05
	progressFetched   = 0.10
	progressDetected  = 0.25
	progressPlanned   = 0.30
	progressRendered  = 0.95
	progressDone      = 1.0
)

// run carries the state of one job through the pipeline.
type run struct {
	o      *Orchestrator
	job    *models.SyncJob
	jobID  string
	logger zerolog.Logger

	stage string

	mu      sync.Mutex
	timings map[string]float64

	beatMap  *models.BeatMap
	plan     *models.CompositionPlan
	output   *storage.StoredObject
	warnings []string
}

func newRun(o *Orchestrator, job *models.SyncJob) *run {
	return &run{
		o:       o,
		job:     job,
		jobID:   job.ID.String(),
		logger:  o.logger.With().Str("job_id", job.ID.String()).Logger(),
		stage:   models.StepValidating,
		timings: make(map[string]float64),
	}
}

func (r *run) execute(ctx context.Context) error {
	if r.job.Type == models.JobTypeAnalyze {
		return r.analyze(ctx)
	}
	return r.create(ctx)
}

func (r *run) create(ctx context.Context) error {
	cfg := models.DefaultSyncConfig()
	if r.job.Input.Config != nil {
		cfg = *r.job.Input.Config
	}

	var (
		audio   *storage.LocalFile
		sources []models.VideoSource
		paths   map[string]string
	)
	err := r.step(ctx, models.StepFetching, progressFetched, func(ctx context.Context) error {
		var err error
		audio, sources, paths, err = r.fetchInputs(ctx, r.job.Input)
		return err
	})
	if err != nil {
		return err
	}

	err = r.step(ctx, models.StepDetecting, progressDetected, func(ctx context.Context) error {
		bm, err := r.detect(ctx, audio, cfg.DetectionMethod, cfg.OutputFPS)
		if err != nil {
			return err
		}
		if cfg.BarLength > 0 && cfg.BarLength != beat.DefaultBarLength {
			bm = beat.WithBarLength(bm, cfg.BarLength, nil)
		}
		r.beatMap = bm
		return nil
	})
	if err != nil {
		return err
	}

	err = r.step(ctx, models.StepPlanning, progressPlanned, func(ctx context.Context) error {
		seed := planner.SeedFor(cfg, r.jobID)
		plan, err := planner.Plan(r.beatMap, sources, cfg, seed)
		if err != nil {
			return asCode(err, models.CodeCompositionFailure, "planning failed")
		}
		if err := r.guard(plan, cfg); err != nil {
			return err
		}
		r.plan = plan
		r.warnings = append(r.warnings, plan.Warnings...)
		r.logger.Info().Int("segments", len(plan.Segments)).Float64("duration", plan.TotalDurationSeconds).Int64("seed", seed).Msg("plan ready")
		return nil
	})
	if err != nil {
		return err
	}

	var rendered *services.RenderOutput
	err = r.step(ctx, models.StepRendering, progressRendered, func(ctx context.Context) error {
		var err error
		rendered, err = r.o.renderer.Render(ctx, services.RenderRequest{
			Plan:       r.plan,
			AudioPath:  audio.Path,
			Sources:    paths,
			Config:     cfg,
			WorkDir:    r.o.storage.JobDir(r.jobID),
			Checkpoint: func() error { return r.checkpoint(ctx) },
			OnSegment: func(done, total int) {
				r.progress(ctx, models.StepRendering, progressPlanned+(progressRendered-progressPlanned)*float64(done)/float64(total))
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	return r.step(ctx, models.StepFinalizing, progressDone, func(ctx context.Context) error {
		name := "output." + cfg.OutputFormat
		obj, err := r.o.storage.Store(ctx, r.jobID, rendered.Path, name, models.OutputContentType(cfg.OutputFormat))
		if err != nil {
			return err
		}
		r.output = obj
		return nil
	})
}

func (r *run) analyze(ctx context.Context) error {
	var audio *storage.LocalFile
	err := r.step(ctx, models.StepFetching, progressFetched, func(ctx context.Context) error {
		var err error
		audio, err = r.o.storage.Fetch(ctx, r.jobID, r.job.Input.AudioRef)
		return err
	})
	if err != nil {
		return err
	}

	return r.step(ctx, models.StepDetecting, progressRendered, func(ctx context.Context) error {
		bm, err := r.detect(ctx, audio, r.job.Input.Method, r.job.Input.FPS)
		if err != nil {
			return err
		}
		if err := r.guardAudio(bm); err != nil {
			return err
		}
		r.beatMap = bm
		return nil
	})
}

// step runs one pipeline stage: it checks for cancellation, marks the
// stage current, times it, and advances progress when it succeeds.
func (r *run) step(ctx context.Context, name string, done float64, fn func(ctx context.Context) error) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.stage = name
	r.progress(ctx, name, -1)

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	r.mu.Lock()
	r.timings[name] = elapsed
	r.mu.Unlock()
	metrics.ObserveStage(name, elapsed)

	if err != nil {
		return err
	}
	r.logger.Debug().Str("stage", name).Float64("seconds", elapsed).Msg("stage finished")
	if done < progressDone {
		r.progress(ctx, name, done)
	}
	return nil
}

// checkpoint stops the job when its context ended or someone cancelled it
// through another process sharing the job store.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := r.o.store.Get(ctx, r.job.ID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to poll job status")
		return nil
	}
	if job.Status == models.JobStatusCancelled {
		return errCancelledByUser
	}
	return nil
}

// progress records the current step; p < 0 leaves progress unchanged.
func (r *run) progress(ctx context.Context, step string, p float64) {
	timings := r.timingsSnapshot()
	_, err := r.o.store.Update(ctx, r.job.ID, func(j *models.SyncJob) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.CurrentStep = step
		if p >= 0 {
			j.Progress = p
		}
		j.StageTimings = timings
		return nil
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Msg("failed to record progress")
	}
}

func (r *run) timingsSnapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.timings))
	for k, v := range r.timings {
		out[k] = v
	}
	return out
}

// fetchInputs downloads the audio and every video concurrently, then
// probes the videos.
func (r *run) fetchInputs(ctx context.Context, input models.JobInput) (*storage.LocalFile, []models.VideoSource, map[string]string, error) {
	var (
		audio  *storage.LocalFile
		videos = make([]*storage.LocalFile, len(input.VideoRefs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.FetchConcurrency)

	g.Go(func() error {
		f, err := r.o.storage.Fetch(gctx, r.jobID, input.AudioRef)
		if err != nil {
			return err
		}
		audio = f
		return nil
	})
	for i, v := range input.VideoRefs {
		i, ref := i, v.Ref
		g.Go(func() error {
			f, err := r.o.storage.Fetch(gctx, r.jobID, ref)
			if err != nil {
				return err
			}
			videos[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	sources := make([]models.VideoSource, 0, len(videos))
	paths := make(map[string]string, len(videos))
	for i, f := range videos {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		info, err := r.o.media.ProbeVideo(ctx, f.Path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, nil, ctx.Err()
			}
			return nil, nil, nil, models.InputError("video %s could not be read: %v", f.Ref, err)
		}

		ref := input.VideoRefs[i]
		weight := 1.0
		if ref.Weight != nil {
			weight = *ref.Weight
		}
		id := fmt.Sprintf("clip_%d", i+1)
		sources = append(sources, models.VideoSource{
			ID:              id,
			Ref:             ref.Ref,
			DurationSeconds: info.DurationSeconds,
			Width:           info.Width,
			Height:          info.Height,
			FPS:             info.FPS,
			Tags:            ref.Tags,
			SelectionWeight: weight,
		})
		paths[id] = f.Path
	}

	r.logger.Info().Int64("audio_bytes", audio.Size).Int("videos", len(sources)).Msg("inputs fetched")
	return audio, sources, paths, nil
}

// detect returns the beat map for the fetched audio, decoding it only on a
// cache miss.
func (r *run) detect(ctx context.Context, audio *storage.LocalFile, method string, fps int) (*models.BeatMap, error) {
	if method == "" {
		method = models.MethodSpectralFlux
	}
	key := beat.Key{ContentHash: audio.ContentHash, Method: method, FPS: fps}

	logger := xlog.FromContext(ctx, r.logger)
	return r.o.detector.Detect(ctx, key, func(ctx context.Context) (*models.AudioTrack, error) {
		track, err := r.o.media.DecodeAudio(ctx, audio.Path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, models.WrapError(models.CodeDetectionFailure, err, "audio could not be decoded")
		}
		logger.Debug().Float64("duration", track.DurationSeconds).Msg("audio decoded")
		return track, nil
	})
}

// guard enforces the per-job resource ceilings once the plan is known.
func (r *run) guard(plan *models.CompositionPlan, cfg models.SyncConfig) error {
	if err := r.guardAudio(r.beatMap); err != nil {
		return err
	}
	if limit := r.o.cfg.MaxJobCost; limit > 0 {
		if cost := planner.EstimateCost(plan, cfg); cost > limit {
			return models.NewError(models.CodeResourceExhausted, "job cost %.1f megapixel-seconds exceeds the limit of %.1f", cost, limit)
		}
	}
	return nil
}

func (r *run) guardAudio(bm *models.BeatMap) error {
	if limit := r.o.cfg.MaxAudioSeconds; limit > 0 && bm.DurationSeconds > limit {
		return models.NewError(models.CodeResourceExhausted, "audio is %.0fs long, the limit is %.0fs", bm.DurationSeconds, limit)
	}
	return nil
}

// complete writes the success outcome onto the job record.
func (r *run) complete(j *models.SyncJob, elapsed float64) {
	j.Status = models.JobStatusCompleted
	j.Progress = progressDone
	j.CurrentStep = models.StepDone
	j.StageTimings = r.timingsSnapshot()

	result := &models.SyncResult{
		ProcessingTimeSeconds: elapsed,
		Warnings:              r.warnings,
	}
	if r.beatMap != nil {
		result.Tempo = r.beatMap.Tempo
		result.DurationSeconds = r.beatMap.DurationSeconds
		if r.beatMap.ContentHash != "" {
			result.BeatMapRef = beat.Key{ContentHash: r.beatMap.ContentHash, Method: r.beatMap.Method, FPS: r.beatMap.FPS}.ObjectKey()
		}
	}

	if j.Type == models.JobTypeAnalyze {
		j.BeatMap = r.beatMap
		j.Result = result
		return
	}

	if r.plan != nil {
		result.DurationSeconds = r.plan.TotalDurationSeconds
		result.TotalCuts = len(r.plan.Segments) - 1
		result.ClipsUsed = r.plan.ClipUsage()
	}
	if r.output != nil {
		result.OutputRef = r.output.Key
		result.OutputURL = r.output.SignedURL
		expires := r.output.ExpiresAt
		result.OutputURLExpiresAt = &expires
		j.OutputRef = &r.output.Key
	}
	j.Result = result
}

// asCode gives uncoded errors a code, leaving coded ones alone.
func asCode(err error, code models.ErrorCode, msg string) error {
	if models.CodeOf(err) != models.CodeInternal {
		return err
	}
	return models.WrapError(code, err, "%s", msg)
}
