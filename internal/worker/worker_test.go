package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bobarin/beatsync/internal/beat"
	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/presets"
	"github.com/bobarin/beatsync/internal/queue"
	"github.com/bobarin/beatsync/internal/retry"
	"github.com/bobarin/beatsync/internal/services"
	"github.com/bobarin/beatsync/internal/storage"
)

const (
	audioKey = "inputs/test/song.mp3"
	videoA   = "inputs/test/a.mp4"
	videoB   = "inputs/test/b.mp4"
)

// fakeDetector returns a 120 BPM grid over a four second track.
type fakeDetector struct {
	err   error
	calls int32
}

func (d *fakeDetector) Detect(ctx context.Context, audio *models.AudioTrack, method string, fps int) (*models.BeatMap, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.err != nil {
		return nil, d.err
	}
	bm := &models.BeatMap{Tempo: 120, TempoInferred: true, DurationSeconds: 4, FPS: fps, Method: method}
	for i := 0; i < 8; i++ {
		t := float64(i) * 0.5
		bm.Beats = append(bm.Beats, models.Beat{
			Index:       i,
			TimeSeconds: t,
			FrameNumber: int(t*float64(fps) + 0.5),
			Strength:    1,
			IsDownbeat:  i%4 == 0,
		})
	}
	return bm, nil
}

// fakeMedia stands in for ffmpeg. When release is set, RenderSegment waits
// for it (or for ctx) before writing its output.
type fakeMedia struct {
	renderStarted chan struct{}
	release       chan struct{}
	rendered      int32
}

func (m *fakeMedia) ProbeVideo(ctx context.Context, path string) (*services.VideoInfo, error) {
	return &services.VideoInfo{DurationSeconds: 5, Width: 1920, Height: 1080, FPS: 30}, nil
}

func (m *fakeMedia) DecodeAudio(ctx context.Context, path string) (*models.AudioTrack, error) {
	return models.NewAudioTrack(make([]float64, 4*22050), 22050), nil
}

func (m *fakeMedia) RenderSegment(ctx context.Context, job services.SegmentJob) error {
	if m.renderStarted != nil {
		select {
		case m.renderStarted <- struct{}{}:
		default:
		}
	}
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	atomic.AddInt32(&m.rendered, 1)
	return os.WriteFile(job.OutputPath, []byte("segment"), 0o644)
}

func (m *fakeMedia) Concat(ctx context.Context, paths []string, out string) error {
	return os.WriteFile(out, []byte("video"), 0o644)
}

func (m *fakeMedia) MuxAudio(ctx context.Context, job services.MuxJob) error {
	return os.WriteFile(job.OutputPath, []byte("final video"), 0o644)
}

type fakeNotifier struct {
	payloads chan models.WebhookPayload
}

func (n *fakeNotifier) Notify(url string, payload models.WebhookPayload) bool {
	n.payloads <- payload
	return true
}

type harness struct {
	o        *Orchestrator
	backend  *storage.Local
	manager  *storage.Manager
	media    *fakeMedia
	detector *fakeDetector
	notifier *fakeNotifier
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	backend, err := storage.NewLocal(t.TempDir(), "secret", "http://localhost:8080")
	require.NoError(t, err)
	for key, data := range map[string]string{audioKey: "song", videoA: "video a", videoB: "video b"} {
		require.NoError(t, backend.Upload(ctx, key, []byte(data), "application/octet-stream"))
	}

	policy := retry.Policy{MaxAttempts: 2, Backoff: func(int) time.Duration { return time.Millisecond }, Retryable: retry.IsTransient}
	manager := storage.NewManager(backend, storage.ManagerConfig{
		TempDir:       t.TempDir(),
		MaxInputBytes: 1 << 20,
		SignedURLTTL:  time.Hour,
		Policy:        policy,
	})

	reg, err := presets.Load("")
	require.NoError(t, err)

	h := &harness{
		backend:  backend,
		manager:  manager,
		media:    &fakeMedia{},
		detector: &fakeDetector{},
		notifier: &fakeNotifier{payloads: make(chan models.WebhookPayload, 16)},
	}

	cfg := Config{
		Concurrency:     1,
		JobTimeout:      10 * time.Second,
		MaxVideoSources: 5,
		DequeueTimeout:  20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.o = New(cfg, Deps{
		Store:    db.NewMemoryStore(),
		Queue:    queue.NewMemory(),
		Storage:  manager,
		Detector: beat.NewCachedDetector(h.detector, beat.NewMemoryCache(), manager),
		Media:    h.media,
		Notifier: h.notifier,
		Presets:  reg,
	})
	return h
}

// startPool runs the worker pool until the test ends.
func (h *harness) startPool(t *testing.T) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.o.Start(ctx)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func (h *harness) waitTerminal(t *testing.T, id uuid.UUID) *models.SyncJob {
	t.Helper()
	var job *models.SyncJob
	require.Eventually(t, func() bool {
		var err error
		job, err = h.o.GetStatus(context.Background(), id)
		return err == nil && job.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func (h *harness) waitCleanedUp(t *testing.T, id uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(h.manager.JobDir(id.String()))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}

func createRequest() models.CreateRequest {
	return models.CreateRequest{
		AudioRef:   audioKey,
		VideoRefs:  []models.VideoRef{{Ref: videoA}, {Ref: videoB}},
		WebhookURL: strPtr("https://hooks.example.com/beatsync"),
	}
}

func strPtr(s string) *string { return &s }

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxVideoSources = 2 })
	negative := -1.0
	minClip := 5.0

	cases := map[string]func(*models.CreateRequest){
		"missing audio":        func(r *models.CreateRequest) { r.AudioRef = "" },
		"unsupported audio":    func(r *models.CreateRequest) { r.AudioRef = "inputs/test/song.txt" },
		"absolute key":         func(r *models.CreateRequest) { r.AudioRef = "/etc/song.mp3" },
		"unclean key":          func(r *models.CreateRequest) { r.AudioRef = "inputs/../song.mp3" },
		"no videos":            func(r *models.CreateRequest) { r.VideoRefs = nil },
		"too many videos":      func(r *models.CreateRequest) { r.VideoRefs = append(r.VideoRefs, models.VideoRef{Ref: videoA}) },
		"unsupported video":    func(r *models.CreateRequest) { r.VideoRefs[0].Ref = "inputs/test/a.gif" },
		"negative weight":      func(r *models.CreateRequest) { r.VideoRefs[1].Weight = &negative },
		"bad webhook":          func(r *models.CreateRequest) { r.WebhookURL = strPtr("ftp://hooks.example.com") },
		"unknown preset":       func(r *models.CreateRequest) { r.PresetName = strPtr("nope") },
		"min above max config": func(r *models.CreateRequest) { r.Config = &models.SyncConfigDoc{MinClipDurationSeconds: &minClip} },
		"bad url":              func(r *models.CreateRequest) { r.AudioRef = "https:///song.mp3" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := createRequest()
			mutate(&req)
			_, err := h.o.Submit(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, models.CodeInputError, models.CodeOf(err))
		})
	}

	_, total, err := h.o.List(context.Background(), db.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, total, "rejected submissions are never stored")
}

func TestSubmitResolvesPresetAndOverrides(t *testing.T) {
	h := newHarness(t, nil)
	fps := 24

	req := createRequest()
	req.PresetName = strPtr("music_video")
	req.Config = &models.SyncConfigDoc{OutputFPS: &fps}
	req.PreviewOnly = boolPtr(true)

	resp, err := h.o.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.QueuePosition)
	assert.Greater(t, resp.EstimatedDurationSeconds, 0.0)

	job, err := h.o.GetStatus(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, models.JobTypeCreate, job.Type)
	assert.Equal(t, "music_video", job.Input.PresetName)

	cfg := job.Input.Config
	require.NotNil(t, cfg)
	assert.Equal(t, "downbeats_only", cfg.Mode.Name())
	assert.Equal(t, models.TransitionFade, cfg.Transition)
	assert.Equal(t, 24, cfg.OutputFPS)
	assert.Equal(t, 1920, cfg.OutputWidth)
	assert.True(t, cfg.PreviewOnly)

	second, err := h.o.Submit(context.Background(), createRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.QueuePosition)
}

func boolPtr(b bool) *bool { return &b }

func TestSubmitAnalyzeValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.o.SubmitAnalyze(ctx, models.AnalyzeRequest{AudioRef: audioKey, Method: "neural"})
	assert.Equal(t, models.CodeInputError, models.CodeOf(err))

	_, err = h.o.SubmitAnalyze(ctx, models.AnalyzeRequest{AudioRef: audioKey, FPS: 1000})
	assert.Equal(t, models.CodeInputError, models.CodeOf(err))

	resp, err := h.o.SubmitAnalyze(ctx, models.AnalyzeRequest{AudioRef: audioKey})
	require.NoError(t, err)

	job, err := h.o.GetStatus(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.MethodSpectralFlux, job.Input.Method)
	assert.Equal(t, 30, job.Input.FPS)
}

func TestCreateJobEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.startPool(t)

	resp, err := h.o.Submit(context.Background(), createRequest())
	require.NoError(t, err)

	job := h.waitTerminal(t, resp.JobID)
	require.Equal(t, models.JobStatusCompleted, job.Status, "error: %+v", job.Error)
	assert.Equal(t, 1.0, job.Progress)
	assert.Equal(t, models.StepDone, job.CurrentStep)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.Error)

	for _, stage := range []string{models.StepFetching, models.StepDetecting, models.StepPlanning, models.StepRendering, models.StepFinalizing} {
		assert.Contains(t, job.StageTimings, stage)
	}

	result := job.Result
	require.NotNil(t, result)
	assert.Equal(t, storage.OutputKey(resp.JobID.String(), "output.mp4"), result.OutputRef)
	assert.Contains(t, result.OutputURL, "sig=")
	assert.InDelta(t, 4.0, result.DurationSeconds, 1.0/30)
	assert.Equal(t, 7, result.TotalCuts)
	assert.Equal(t, 120.0, result.Tempo)
	assert.NotEmpty(t, result.BeatMapRef)

	used := 0
	for _, u := range result.ClipsUsed {
		used += u.Count
	}
	assert.Equal(t, 8, used)
	assert.Equal(t, int32(8), atomic.LoadInt32(&h.media.rendered))

	rc, err := h.backend.Download(context.Background(), result.OutputRef)
	require.NoError(t, err)
	rc.Close()

	select {
	case payload := <-h.notifier.payloads:
		assert.Equal(t, services.EventJobCompleted, payload.Event)
		assert.Equal(t, resp.JobID, payload.JobID)
		require.NotNil(t, payload.Result)
		assert.Equal(t, result.OutputRef, payload.Result.OutputRef)
	case <-time.After(5 * time.Second):
		t.Fatal("no webhook sent")
	}

	h.waitCleanedUp(t, resp.JobID)
}

func TestCreateJobIsReproducible(t *testing.T) {
	h := newHarness(t, nil)
	h.startPool(t)

	seed := int64(42)
	req := createRequest()
	req.Config = &models.SyncConfigDoc{Seed: &seed}

	var usage [][]models.ClipUsage
	for i := 0; i < 2; i++ {
		resp, err := h.o.Submit(context.Background(), req)
		require.NoError(t, err)
		job := h.waitTerminal(t, resp.JobID)
		require.Equal(t, models.JobStatusCompleted, job.Status)
		usage = append(usage, job.Result.ClipsUsed)
	}
	assert.Equal(t, usage[0], usage[1])
}

func TestAnalyzeJobSharesBeatMapCache(t *testing.T) {
	h := newHarness(t, nil)
	h.startPool(t)
	ctx := context.Background()

	var jobs []*models.SyncJob
	for i := 0; i < 2; i++ {
		resp, err := h.o.SubmitAnalyze(ctx, models.AnalyzeRequest{AudioRef: audioKey, FPS: 25})
		require.NoError(t, err)
		job := h.waitTerminal(t, resp.JobID)
		require.Equal(t, models.JobStatusCompleted, job.Status, "error: %+v", job.Error)
		jobs = append(jobs, job)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.detector.calls), "second job served from cache")

	bm := jobs[0].BeatMap
	require.NotNil(t, bm)
	assert.Equal(t, 25, bm.FPS)
	assert.Len(t, bm.Beats, 8)
	assert.NotEmpty(t, bm.ContentHash)
	assert.Equal(t, bm.Beats, jobs[1].BeatMap.Beats)

	ref := jobs[0].Result.BeatMapRef
	assert.Equal(t, beat.Key{ContentHash: bm.ContentHash, Method: models.MethodSpectralFlux, FPS: 25}.ObjectKey(), ref)
	rc, err := h.backend.Download(ctx, ref)
	require.NoError(t, err, "beat map persisted to storage")
	rc.Close()
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp, err := h.o.Submit(ctx, createRequest())
	require.NoError(t, err)

	cancelled, err := h.o.Cancel(ctx, resp.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	job, err := h.o.GetStatus(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.CodeCancelled, job.Error.Code)

	payload := <-h.notifier.payloads
	assert.Equal(t, services.EventJobCancelled, payload.Event)

	cancelled, err = h.o.Cancel(ctx, resp.JobID)
	require.NoError(t, err)
	assert.False(t, cancelled, "terminal jobs cannot be cancelled again")

	h.o.runJob(ctx, resp.JobID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.media.rendered), "cancelled jobs are skipped by workers")

	_, err = h.o.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelDuringRenderFinishesCurrentSegment(t *testing.T) {
	h := newHarness(t, nil)
	h.media.renderStarted = make(chan struct{}, 1)
	h.media.release = make(chan struct{})
	h.startPool(t)

	resp, err := h.o.Submit(context.Background(), createRequest())
	require.NoError(t, err)

	select {
	case <-h.media.renderStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("render never started")
	}

	cancelled, err := h.o.Cancel(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.True(t, cancelled)
	close(h.media.release)

	h.waitCleanedUp(t, resp.JobID)

	job, err := h.o.GetStatus(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Nil(t, job.Result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.media.rendered), "stops at the next segment boundary")

	_, err = h.backend.Download(context.Background(), storage.OutputKey(resp.JobID.String(), "output.mp4"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobTimeoutIsResourceExhausted(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.JobTimeout = 200 * time.Millisecond })
	h.media.release = make(chan struct{}) // never released
	h.startPool(t)

	resp, err := h.o.Submit(context.Background(), createRequest())
	require.NoError(t, err)

	job := h.waitTerminal(t, resp.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.CodeResourceExhausted, job.Error.Code)
	assert.Equal(t, models.StepRendering, job.Error.Stage)

	payload := <-h.notifier.payloads
	assert.Equal(t, services.EventJobFailed, payload.Event)
	h.waitCleanedUp(t, resp.JobID)
}

func TestResourceGuards(t *testing.T) {
	cases := map[string]func(*Config){
		"cost":  func(c *Config) { c.MaxJobCost = 0.5 },
		"audio": func(c *Config) { c.MaxAudioSeconds = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, mutate)
			h.startPool(t)

			resp, err := h.o.Submit(context.Background(), createRequest())
			require.NoError(t, err)

			job := h.waitTerminal(t, resp.JobID)
			assert.Equal(t, models.JobStatusFailed, job.Status)
			require.NotNil(t, job.Error)
			assert.Equal(t, models.CodeResourceExhausted, job.Error.Code)
			assert.Equal(t, models.StepPlanning, job.Error.Stage)
			assert.Equal(t, int32(0), atomic.LoadInt32(&h.media.rendered))
		})
	}
}

func TestDetectionFailureFailsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.err = models.NewError(models.CodeDetectionFailure, "audio is silent")
	h.startPool(t)

	resp, err := h.o.Submit(context.Background(), createRequest())
	require.NoError(t, err)

	job := h.waitTerminal(t, resp.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.CodeDetectionFailure, job.Error.Code)
	assert.Equal(t, "audio is silent", job.Error.Message)
	assert.Equal(t, models.StepDetecting, job.Error.Stage)

	payload := <-h.notifier.payloads
	assert.Equal(t, services.EventJobFailed, payload.Event)
	require.NotNil(t, payload.Error)
	assert.Equal(t, models.CodeDetectionFailure, payload.Error.Code)
}

func TestMissingInputIsInputError(t *testing.T) {
	h := newHarness(t, nil)
	h.startPool(t)

	req := createRequest()
	req.AudioRef = "inputs/test/missing.mp3"
	resp, err := h.o.Submit(context.Background(), req)
	require.NoError(t, err)

	job := h.waitTerminal(t, resp.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.CodeInputError, job.Error.Code)
	assert.Equal(t, models.StepFetching, job.Error.Stage)
}

func TestShutdownFailsInFlightJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, nil)
	h.media.renderStarted = make(chan struct{}, 1)
	h.media.release = make(chan struct{})
	stop := h.startPool(t)

	resp, err := h.o.Submit(context.Background(), createRequest())
	require.NoError(t, err)

	select {
	case <-h.media.renderStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("render never started")
	}
	stop()

	job, err := h.o.GetStatus(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.CodeInternal, job.Error.Code)
}

func TestClassify(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.JobTimeout = time.Minute })
	live := context.Background()

	assert.NoError(t, h.o.classify(live, live, nil))
	assert.ErrorIs(t, h.o.classify(live, live, errCancelledByUser), errCancelledByUser)

	boom := errors.New("boom")
	assert.Equal(t, boom, h.o.classify(live, live, boom))

	expired, cancel := context.WithDeadline(live, time.Now().Add(-time.Second))
	defer cancel()
	assert.Equal(t, models.CodeResourceExhausted, models.CodeOf(h.o.classify(live, expired, context.DeadlineExceeded)))

	stopped, stop := context.WithCancel(live)
	stop()
	assert.Equal(t, models.CodeInternal, models.CodeOf(h.o.classify(stopped, stopped, context.Canceled)))
}
