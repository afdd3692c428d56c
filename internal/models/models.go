package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes the job state machine:
//
//	queued -> processing -> completed | failed
//	queued | processing -> cancelled
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	}
	return false
}

type JobType string

const (
	JobTypeAnalyze JobType = "analyze"
	JobTypeCreate  JobType = "create"
)

func (t JobType) Valid() bool {
	return t == JobTypeAnalyze || t == JobTypeCreate
}

// Pipeline steps reported in SyncJob.CurrentStep and used as stage timing keys.
const (
	StepQueued     = "queued"
	StepValidating = "validating"
	StepFetching   = "fetching_inputs"
	StepDetecting  = "detecting_beats"
	StepPlanning   = "planning"
	StepRendering  = "rendering"
	StepFinalizing = "finalizing"
	StepDone       = "done"
)

// Audio and beat data

// AudioTrack is a decoded mono waveform. It is never mutated after decoding.
type AudioTrack struct {
	Samples         []float64 // mono, normalised to [-1, 1]
	SampleRate      int
	DurationSeconds float64
}

// NewAudioTrack wraps decoded samples and derives the duration.
func NewAudioTrack(samples []float64, sampleRate int) *AudioTrack {
	var duration float64
	if sampleRate > 0 {
		duration = float64(len(samples)) / float64(sampleRate)
	}
	return &AudioTrack{Samples: samples, SampleRate: sampleRate, DurationSeconds: duration}
}

type Beat struct {
	Index       int     `json:"index"`
	TimeSeconds float64 `json:"time_seconds"`
	FrameNumber int     `json:"frame_number"`
	Strength    float64 `json:"strength"`
	IsDownbeat  bool    `json:"is_downbeat"`
}

type Section struct {
	Name         string  `json:"name"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Energy       float64 `json:"energy"`
}

// BeatMap is the immutable result of beat detection for one
// (audio content, method, fps) triple.
type BeatMap struct {
	Tempo           float64   `json:"tempo"`
	TempoInferred   bool      `json:"tempo_inferred"` // false when Tempo is the default grid
	DurationSeconds float64   `json:"duration_seconds"`
	FPS             int       `json:"fps"`
	Method          string    `json:"method"`
	ContentHash     string    `json:"content_hash,omitempty"`
	Beats           []Beat    `json:"beats"`
	Sections        []Section `json:"sections,omitempty"`
}

// Times returns the beat timestamps in order.
func (b *BeatMap) Times() []float64 {
	times := make([]float64, len(b.Beats))
	for i, beat := range b.Beats {
		times[i] = beat.TimeSeconds
	}
	return times
}

// Video sources

type VideoRef struct {
	Ref    string   `json:"ref"`
	Weight *float64 `json:"weight,omitempty"` // Default: 1
	Tags   []string `json:"tags,omitempty"`
}

// VideoSource is a probed, read-only reference to externally owned media.
type VideoSource struct {
	ID              string   `json:"id"`
	Ref             string   `json:"ref"`
	DurationSeconds float64  `json:"duration_seconds"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	FPS             float64  `json:"fps"`
	Tags            []string `json:"tags,omitempty"`
	SelectionWeight float64  `json:"selection_weight"`
}

// Composition

type Segment struct {
	Index                  int             `json:"index"`
	SourceClipID           string          `json:"source_clip_id"`
	SourceStartSeconds     float64         `json:"source_start_seconds"`
	SegmentDurationSeconds float64         `json:"segment_duration_seconds"`
	TimelineStartSeconds   float64         `json:"timeline_start_seconds"`
	TransitionIn           TransitionStyle `json:"transition_in"`
}

type CompositionPlan struct {
	Segments              []Segment `json:"segments"`
	TotalDurationSeconds  float64   `json:"total_duration_seconds"`
	TargetDurationSeconds float64   `json:"target_duration_seconds"`
	Seed                  int64     `json:"seed"`
	Warnings              []string  `json:"warnings,omitempty"`
}

// ClipUsage returns per-source segment counts in first-use order.
func (p *CompositionPlan) ClipUsage() []ClipUsage {
	index := make(map[string]int)
	var usage []ClipUsage
	for _, seg := range p.Segments {
		i, ok := index[seg.SourceClipID]
		if !ok {
			i = len(usage)
			index[seg.SourceClipID] = i
			usage = append(usage, ClipUsage{SourceID: seg.SourceClipID})
		}
		usage[i].Count++
	}
	return usage
}

// Jobs

type ClipUsage struct {
	SourceID string `json:"source_id"`
	Count    int    `json:"count"`
}

type SyncResult struct {
	OutputRef             string      `json:"output_ref"`
	OutputURL             string      `json:"output_url,omitempty"`
	OutputURLExpiresAt    *time.Time  `json:"output_url_expires_at,omitempty"`
	DurationSeconds       float64     `json:"duration_seconds"`
	TotalCuts             int         `json:"total_cuts"`
	BeatMapRef            string      `json:"beat_map_ref,omitempty"`
	Tempo                 float64     `json:"tempo"`
	ProcessingTimeSeconds float64     `json:"processing_time_seconds"`
	ClipsUsed             []ClipUsage `json:"clips_used"`
	Warnings              []string    `json:"warnings,omitempty"`
}

type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Stage   string    `json:"stage,omitempty"`
}

// JobInput is everything the submitter supplied, after preset resolution.
type JobInput struct {
	AudioRef   string      `json:"audio_ref"`
	VideoRefs  []VideoRef  `json:"video_refs,omitempty"`
	PresetName string      `json:"preset_name,omitempty"`
	Config     *SyncConfig `json:"config,omitempty"`
	Method     string      `json:"method,omitempty"`
	FPS        int         `json:"fps,omitempty"`
}

// SyncJob is the persisted job record. Only the orchestrator mutates it.
type SyncJob struct {
	ID           uuid.UUID          `json:"id"`
	Type         JobType            `json:"type"`
	Status       JobStatus          `json:"status"`
	Progress     float64            `json:"progress"`
	CurrentStep  string             `json:"current_step"`
	Input        JobInput           `json:"input"`
	OutputRef    *string            `json:"output_ref,omitempty"`
	Result       *SyncResult        `json:"result,omitempty"`
	BeatMap      *BeatMap           `json:"beat_map,omitempty"`
	Error        *ErrorInfo         `json:"error,omitempty"`
	WebhookURL   *string            `json:"webhook_url,omitempty"`
	StageTimings map[string]float64 `json:"stage_timings,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so snapshots handed to callers never alias
// the stored record.
func (j *SyncJob) Clone() *SyncJob {
	if j == nil {
		return nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		panic(fmt.Sprintf("clone sync job: %v", err))
	}
	out := &SyncJob{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("clone sync job: %v", err))
	}
	return out
}

// Value stores the job as a JSON document column.
func (j SyncJob) Value() (driver.Value, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (j *SyncJob) Scan(value interface{}) error {
	if value == nil {
		return fmt.Errorf("sync job document is null")
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}
	return fmt.Errorf("unsupported sync job document type %T", value)
}

// DTOs for API responses

type SubmitResponse struct {
	JobID                    uuid.UUID `json:"job_id"`
	EstimatedDurationSeconds float64   `json:"estimated_duration"`
	QueuePosition            int64     `json:"queue_position"`
}

type AnalyzeResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

type AnalyzeStatusResponse struct {
	Status  JobStatus  `json:"status"`
	BeatMap *BeatMap   `json:"beat_map,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

type CreateStatusResponse struct {
	Status      JobStatus   `json:"status"`
	Progress    float64     `json:"progress"`
	CurrentStep string      `json:"current_step"`
	Result      *SyncResult `json:"result,omitempty"`
	Error       *ErrorInfo  `json:"error,omitempty"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type UploadResponse struct {
	Ref string `json:"ref"`
}

type ListJobsResponse struct {
	Jobs   []*SyncJob `json:"jobs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// CreateRequest.Config is overlaid on the named preset (or the defaults),
// so it may be partial.
type CreateRequest struct {
	AudioRef    string         `json:"audio_ref"`
	VideoRefs   []VideoRef     `json:"video_refs"`
	Config      *SyncConfigDoc `json:"config,omitempty"`
	PresetName  *string        `json:"preset_name,omitempty"`
	PreviewOnly *bool          `json:"preview_only,omitempty"`
	WebhookURL  *string        `json:"webhook_url,omitempty"`
}

type AnalyzeRequest struct {
	AudioRef   string  `json:"audio_ref"`
	Method     string  `json:"method,omitempty"` // Default: spectral_flux
	FPS        int     `json:"fps,omitempty"`    // Default: 30
	WebhookURL *string `json:"webhook_url,omitempty"`
}

// WebhookPayload is posted to the job's webhook URL once it is terminal.
type WebhookPayload struct {
	Event  string      `json:"event"`
	JobID  uuid.UUID   `json:"job_id"`
	Status JobStatus   `json:"status"`
	Result *SyncResult `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
	Job    *SyncJob    `json:"job"`
}
