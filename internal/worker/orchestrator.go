// Package worker runs sync jobs: it validates and enqueues submissions,
// and drains the queue with a bounded pool that fetches inputs, detects
// beats, plans, renders and publishes each composition.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/beatsync/internal/beat"
	"github.com/bobarin/beatsync/internal/db"
	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/metrics"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/presets"
	"github.com/bobarin/beatsync/internal/queue"
	"github.com/bobarin/beatsync/internal/services"
	"github.com/bobarin/beatsync/internal/storage"
)

// ErrJobNotFound is returned by GetStatus and Cancel for unknown IDs.
var ErrJobNotFound = db.ErrJobNotFound

var errCancelledByUser = models.NewError(models.CodeCancelled, "cancelled by user")

// Accepted input extensions. URLs without an extension are let through
// and rejected later if ffmpeg cannot read them.
var (
	audioExts = map[string]bool{".mp3": true, ".wav": true, ".m4a": true, ".aac": true, ".flac": true, ".ogg": true, ".opus": true}
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".webm": true, ".mkv": true, ".m4v": true}
)

// Storage is the part of storage.Manager the pipeline uses.
type Storage interface {
	Fetch(ctx context.Context, jobID, ref string) (*storage.LocalFile, error)
	Store(ctx context.Context, jobID, localPath, name, contentType string) (*storage.StoredObject, error)
	Cleanup(ctx context.Context, jobID string)
	JobDir(jobID string) string
}

// BeatDetector returns the (possibly cached) beat map for an audio file.
type BeatDetector interface {
	Detect(ctx context.Context, key beat.Key, load beat.AudioLoader) (*models.BeatMap, error)
}

// Notifier delivers terminal-state webhooks.
type Notifier interface {
	Notify(url string, payload models.WebhookPayload) bool
}

type Config struct {
	Concurrency      int
	JobTimeout       time.Duration
	MaxJobCost       float64 // megapixel-seconds, 0 disables
	MaxAudioSeconds  float64 // 0 disables
	MaxVideoSources  int
	FetchConcurrency int
	DequeueTimeout   time.Duration
}

type Deps struct {
	Store    db.JobStore
	Queue    queue.Queue
	Storage  Storage
	Detector BeatDetector
	Media    services.MediaTool
	Notifier Notifier // optional
	Presets  *presets.Registry
}

// Orchestrator owns the job lifecycle. It is the only writer of job records.
type Orchestrator struct {
	cfg      Config
	store    db.JobStore
	queue    queue.Queue
	storage  Storage
	detector BeatDetector
	media    services.MediaTool
	renderer *services.Renderer
	notifier Notifier
	presets  *presets.Registry
	logger   zerolog.Logger
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 4
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.MaxVideoSources < 1 {
		cfg.MaxVideoSources = 50
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		queue:    deps.Queue,
		storage:  deps.Storage,
		detector: deps.Detector,
		media:    deps.Media,
		renderer: services.NewRenderer(deps.Media),
		notifier: deps.Notifier,
		presets:  deps.Presets,
		logger:   xlog.WithComponent("orchestrator"),
	}
}

// Submit validates a create request and queues it. No pipeline work runs
// on the caller's goroutine.
func (o *Orchestrator) Submit(ctx context.Context, req models.CreateRequest) (*models.SubmitResponse, error) {
	if err := validateRef(req.AudioRef, "audio_ref", audioExts); err != nil {
		return nil, err
	}
	if len(req.VideoRefs) == 0 {
		return nil, models.InputError("at least one video ref is required")
	}
	if len(req.VideoRefs) > o.cfg.MaxVideoSources {
		return nil, models.InputError("at most %d video refs are allowed, got %d", o.cfg.MaxVideoSources, len(req.VideoRefs))
	}
	for i, v := range req.VideoRefs {
		if err := validateRef(v.Ref, fmt.Sprintf("video_refs[%d]", i), videoExts); err != nil {
			return nil, err
		}
		if v.Weight != nil && *v.Weight < 0 {
			return nil, models.InputError("video_refs[%d].weight must not be negative", i)
		}
	}
	if err := validateWebhook(req.WebhookURL); err != nil {
		return nil, err
	}

	cfg, presetName, err := o.resolveConfig(req)
	if err != nil {
		return nil, err
	}

	job := &models.SyncJob{
		ID:          uuid.New(),
		Type:        models.JobTypeCreate,
		Status:      models.JobStatusQueued,
		CurrentStep: models.StepQueued,
		Input: models.JobInput{
			AudioRef:   req.AudioRef,
			VideoRefs:  req.VideoRefs,
			PresetName: presetName,
			Config:     &cfg,
		},
		WebhookURL: req.WebhookURL,
	}

	position, err := o.enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	return &models.SubmitResponse{
		JobID:                    job.ID,
		EstimatedDurationSeconds: estimateSeconds(cfg, len(req.VideoRefs)),
		QueuePosition:            position,
	}, nil
}

// SubmitAnalyze queues a detection-only job.
func (o *Orchestrator) SubmitAnalyze(ctx context.Context, req models.AnalyzeRequest) (*models.AnalyzeResponse, error) {
	if err := validateRef(req.AudioRef, "audio_ref", audioExts); err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = models.MethodSpectralFlux
	}
	if !models.ValidDetectionMethod(method) {
		return nil, models.InputError("unknown detection method %q", req.Method)
	}
	fps := req.FPS
	if fps == 0 {
		fps = 30
	}
	if fps < 1 || fps > models.MaxOutputFPS {
		return nil, models.InputError("fps must be within [1,%d]", models.MaxOutputFPS)
	}
	if err := validateWebhook(req.WebhookURL); err != nil {
		return nil, err
	}

	job := &models.SyncJob{
		ID:          uuid.New(),
		Type:        models.JobTypeAnalyze,
		Status:      models.JobStatusQueued,
		CurrentStep: models.StepQueued,
		Input:       models.JobInput{AudioRef: req.AudioRef, Method: method, FPS: fps},
		WebhookURL:  req.WebhookURL,
	}
	if _, err := o.enqueue(ctx, job); err != nil {
		return nil, err
	}
	return &models.AnalyzeResponse{JobID: job.ID}, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, job *models.SyncJob) (int64, error) {
	if err := o.store.Save(ctx, job); err != nil {
		return 0, models.WrapError(models.CodeInternal, err, "failed to save job")
	}

	if err := o.queue.Enqueue(ctx, &queue.Job{ID: job.ID, Type: string(job.Type)}); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to enqueue job")
		// queued cannot go straight to failed; pass through processing.
		fctx := context.WithoutCancel(ctx)
		if _, uerr := o.store.UpdateStatus(fctx, job.ID, models.JobStatusProcessing); uerr == nil {
			_, _ = o.store.Update(fctx, job.ID, func(j *models.SyncJob) error {
				j.Status = models.JobStatusFailed
				j.Error = &models.ErrorInfo{Code: models.CodeInternal, Message: "failed to enqueue job", Stage: models.StepQueued}
				return nil
			})
		}
		return 0, models.WrapError(models.CodeInternal, err, "failed to enqueue job")
	}

	metrics.RecordSubmitted(string(job.Type))
	position, err := o.queue.Len(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to read queue length")
	} else {
		metrics.SetQueueDepth(position)
	}

	o.logger.Info().Str("job_id", job.ID.String()).Str("type", string(job.Type)).Int64("queue_position", position).Msg("job queued")
	return position, nil
}

// resolveConfig layers the request's config over the named preset (or the
// defaults) and applies the preview override.
func (o *Orchestrator) resolveConfig(req models.CreateRequest) (models.SyncConfig, string, error) {
	base := models.DefaultSyncConfig()
	var presetName string
	if req.PresetName != nil && *req.PresetName != "" {
		presetName = *req.PresetName
		if o.presets == nil {
			return models.SyncConfig{}, "", models.InputError("unknown preset %q", presetName)
		}
		p, ok := o.presets.Get(presetName)
		if !ok {
			return models.SyncConfig{}, "", models.InputError("unknown preset %q", presetName)
		}
		base = p.SyncConfig()
	}

	doc := models.SyncConfigDoc{}
	if req.Config != nil {
		doc = *req.Config
	}
	if req.PreviewOnly != nil {
		doc.PreviewOnly = req.PreviewOnly
	}

	cfg, err := doc.Apply(base)
	if err != nil {
		return models.SyncConfig{}, "", models.InputError("invalid config: %v", err)
	}
	return cfg, presetName, nil
}

// GetStatus returns a snapshot of the job.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	return o.store.Get(ctx, id)
}

// List pages through jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, filter db.ListFilter) ([]*models.SyncJob, int, error) {
	return o.store.List(ctx, filter)
}

// Cancel moves a queued or processing job to cancelled. A running job
// notices at its next checkpoint: before the next stage or after the
// segment being rendered. Cancel reports false when the job had already
// finished.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := o.store.Update(ctx, id, func(j *models.SyncJob) error {
		if j.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		j.Status = models.JobStatusCancelled
		j.Error = &models.ErrorInfo{Code: models.CodeCancelled, Message: "cancelled by user", Stage: j.CurrentStep}
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	o.logger.Info().Str("job_id", id.String()).Str("step", job.CurrentStep).Msg("job cancelled")
	metrics.RecordJobFinished(string(job.Type), string(models.JobStatusCancelled))
	o.notify(job)
	return true, nil
}

var errAlreadyTerminal = errors.New("job already terminal")

func (o *Orchestrator) notify(job *models.SyncJob) {
	if o.notifier == nil || job.WebhookURL == nil || *job.WebhookURL == "" {
		return
	}
	o.notifier.Notify(*job.WebhookURL, models.WebhookPayload{
		Event:  services.EventFor(job.Status),
		JobID:  job.ID,
		Status: job.Status,
		Result: job.Result,
		Error:  job.Error,
		Job:    job,
	})
}

func validateRef(ref, field string, exts map[string]bool) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.InputError("%s is required", field)
	}

	ext := storage.RefExt(ref)
	if storage.IsURL(ref) {
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" {
			return models.InputError("%s is not a valid URL", field)
		}
		if ext == "" {
			return nil
		}
	} else {
		if strings.HasPrefix(ref, "/") || strings.Contains(ref, "://") {
			return models.InputError("%s must be a storage key or an http(s) URL", field)
		}
		if path.Clean(ref) != ref || strings.HasPrefix(ref, "..") {
			return models.InputError("%s is not a clean storage key", field)
		}
	}

	if !exts[ext] {
		return models.InputError("%s has unsupported format %q", field, ext)
	}
	return nil
}

func validateWebhook(raw *string) error {
	if raw == nil || *raw == "" {
		return nil
	}
	u, err := url.Parse(*raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.InputError("webhook_url must be an absolute http(s) URL")
	}
	return nil
}

// estimateSeconds is a rough wall-clock guess shown to the submitter:
// a fixed overhead plus per-source fetch time, scaled by output size.
func estimateSeconds(cfg models.SyncConfig, videos int) float64 {
	pixels := float64(cfg.OutputWidth*cfg.OutputHeight) / (1080 * 1920)
	seconds := 10 + 2*float64(videos) + 30*pixels
	if cfg.PreviewOnly {
		seconds /= 2
	}
	return seconds
}
