package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SyncMode selects which detected beats become cut points. It is a closed
// union: only the types in this file implement it, and each carries only
// the parameters it needs.
type SyncMode interface {
	Name() string
	isSyncMode()
}

type EveryBeat struct{}

type EveryOtherBeat struct{}

// StrongBeatsOnly keeps beats whose strength is at least Threshold.
type StrongBeatsOnly struct {
	Threshold float64
}

type DownbeatsOnly struct{}

func (EveryBeat) Name() string       { return "every_beat" }
func (EveryOtherBeat) Name() string  { return "every_other_beat" }
func (StrongBeatsOnly) Name() string { return "strong_beats_only" }
func (DownbeatsOnly) Name() string   { return "downbeats_only" }

func (EveryBeat) isSyncMode()       {}
func (EveryOtherBeat) isSyncMode()  {}
func (StrongBeatsOnly) isSyncMode() {}
func (DownbeatsOnly) isSyncMode()   {}

// NewStrongBeatsOnly validates the threshold at construction.
func NewStrongBeatsOnly(threshold float64) (StrongBeatsOnly, error) {
	if threshold < 0 || threshold > 1 {
		return StrongBeatsOnly{}, fmt.Errorf("strong beat threshold must be within [0,1], got %v", threshold)
	}
	return StrongBeatsOnly{Threshold: threshold}, nil
}

// ParseSyncMode builds a SyncMode from its wire name. threshold is only
// consulted for strong_beats_only.
func ParseSyncMode(name string, threshold *float64) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "every_beat":
		return EveryBeat{}, nil
	case "every_other_beat":
		return EveryOtherBeat{}, nil
	case "downbeats_only":
		return DownbeatsOnly{}, nil
	case "strong_beats_only":
		t := 0.5
		if threshold != nil {
			t = *threshold
		}
		return NewStrongBeatsOnly(t)
	}
	return nil, fmt.Errorf("unknown sync mode %q", name)
}

// TransitionStyle is the effect applied to the incoming segment at a cut.
type TransitionStyle string

const (
	TransitionCut    TransitionStyle = "cut"
	TransitionFade   TransitionStyle = "fade"
	TransitionZoom   TransitionStyle = "zoom"
	TransitionFlash  TransitionStyle = "flash"
	TransitionGlitch TransitionStyle = "glitch"
	TransitionSlide  TransitionStyle = "slide"
)

// TransitionInfo describes a transition style for the transitions listing.
type TransitionInfo struct {
	Style              TransitionStyle `json:"style"`
	Description        string          `json:"description"`
	RequiresDuration   bool            `json:"requires_duration"`
	MinDurationSeconds float64         `json:"min_duration_seconds"`
	MaxDurationSeconds float64         `json:"max_duration_seconds"`
}

// Transition duration bounds for styles other than cut. The duration must
// also stay below the configured minimum clip duration.
const (
	MinTransitionSeconds = 0.05
	MaxTransitionSeconds = 2.0
)

var transitions = []TransitionInfo{
	{Style: TransitionCut, Description: "Hard cut on the beat"},
	{Style: TransitionFade, Description: "Fade in from black", RequiresDuration: true},
	{Style: TransitionZoom, Description: "Punch-in zoom settling to full frame", RequiresDuration: true},
	{Style: TransitionFlash, Description: "Fade in from white", RequiresDuration: true},
	{Style: TransitionGlitch, Description: "Noise and RGB channel shift burst", RequiresDuration: true},
	{Style: TransitionSlide, Description: "Incoming clip slides in from the right", RequiresDuration: true},
}

// Transitions lists every supported style with its constraints.
func Transitions() []TransitionInfo {
	out := make([]TransitionInfo, len(transitions))
	copy(out, transitions)
	for i := range out {
		if out[i].RequiresDuration {
			out[i].MinDurationSeconds = MinTransitionSeconds
			out[i].MaxDurationSeconds = MaxTransitionSeconds
		}
	}
	return out
}

func ParseTransitionStyle(s string) (TransitionStyle, error) {
	style := TransitionStyle(strings.ToLower(strings.TrimSpace(s)))
	if style == "" {
		return TransitionCut, nil
	}
	for _, t := range transitions {
		if t.Style == style {
			return style, nil
		}
	}
	return "", fmt.Errorf("unknown transition style %q", s)
}

// Detection methods understood by the beat engine.
const (
	MethodSpectralFlux = "spectral_flux"
	MethodEnergy       = "energy"
)

func ValidDetectionMethod(method string) bool {
	return method == MethodSpectralFlux || method == MethodEnergy
}

// Output formats the renderer can mux.
var outputFormats = map[string]string{
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"webm": "video/webm",
}

// OutputContentType returns the MIME type for an output format.
func OutputContentType(format string) string {
	if ct, ok := outputFormats[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Output bounds.
const (
	MaxOutputDimension = 3840
	MinOutputDimension = 16
	MaxOutputFPS       = 60
)

// SyncConfig controls planning and rendering of one composition.
type SyncConfig struct {
	Mode                      SyncMode
	Transition                TransitionStyle
	TransitionDurationSeconds float64
	OutputWidth               int
	OutputHeight              int
	OutputFPS                 int
	OutputFormat              string
	MinClipDurationSeconds    float64
	MaxClipDurationSeconds    float64
	AvoidImmediateRepetition  bool
	IncludeAudio              bool
	AudioFadeInSeconds        float64
	AudioFadeOutSeconds       float64
	PreviewOnly               bool
	PreviewDurationSeconds    float64
	DetectionMethod           string
	BarLength                 int
	Seed                      *int64 // nil: derived from the job ID
}

// DefaultSyncConfig returns the configuration used when a request carries
// neither a config nor a preset.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Mode:                     EveryBeat{},
		Transition:               TransitionCut,
		OutputWidth:              1080,
		OutputHeight:             1920,
		OutputFPS:                30,
		OutputFormat:             "mp4",
		MinClipDurationSeconds:   0.4,
		MaxClipDurationSeconds:   4.0,
		AvoidImmediateRepetition: true,
		IncludeAudio:             true,
		AudioFadeOutSeconds:      1.0,
		PreviewDurationSeconds:   15,
		DetectionMethod:          MethodSpectralFlux,
		BarLength:                4,
	}
}

// FrameDuration is the length of one output frame in seconds.
func (c SyncConfig) FrameDuration() float64 {
	if c.OutputFPS <= 0 {
		return 0
	}
	return 1.0 / float64(c.OutputFPS)
}

// Validate checks the invariants that must hold before a config is accepted.
func (c SyncConfig) Validate() error {
	if c.Mode == nil {
		return fmt.Errorf("sync mode is required")
	}
	if m, ok := c.Mode.(StrongBeatsOnly); ok {
		if _, err := NewStrongBeatsOnly(m.Threshold); err != nil {
			return err
		}
	}
	if _, err := ParseTransitionStyle(string(c.Transition)); err != nil {
		return err
	}
	if c.Transition == TransitionCut && c.TransitionDurationSeconds != 0 {
		return fmt.Errorf("cut transitions take no duration")
	}
	if c.Transition != TransitionCut {
		if c.TransitionDurationSeconds < MinTransitionSeconds || c.TransitionDurationSeconds > MaxTransitionSeconds {
			return fmt.Errorf("transition duration must be within [%v,%v] seconds", MinTransitionSeconds, MaxTransitionSeconds)
		}
	}
	if c.MinClipDurationSeconds <= 0 {
		return fmt.Errorf("min clip duration must be positive")
	}
	if c.MinClipDurationSeconds > c.MaxClipDurationSeconds {
		return fmt.Errorf("min clip duration %.3fs exceeds max clip duration %.3fs", c.MinClipDurationSeconds, c.MaxClipDurationSeconds)
	}
	if c.TransitionDurationSeconds >= c.MinClipDurationSeconds {
		return fmt.Errorf("transition duration %.3fs must be shorter than min clip duration %.3fs", c.TransitionDurationSeconds, c.MinClipDurationSeconds)
	}
	if c.OutputWidth < MinOutputDimension || c.OutputWidth > MaxOutputDimension ||
		c.OutputHeight < MinOutputDimension || c.OutputHeight > MaxOutputDimension {
		return fmt.Errorf("output resolution %dx%d outside [%d,%d]", c.OutputWidth, c.OutputHeight, MinOutputDimension, MaxOutputDimension)
	}
	if c.OutputWidth%2 != 0 || c.OutputHeight%2 != 0 {
		return fmt.Errorf("output resolution %dx%d must have even dimensions", c.OutputWidth, c.OutputHeight)
	}
	if c.OutputFPS <= 0 || c.OutputFPS > MaxOutputFPS {
		return fmt.Errorf("output fps must be within [1,%d]", MaxOutputFPS)
	}
	if _, ok := outputFormats[c.OutputFormat]; !ok {
		return fmt.Errorf("unsupported output format %q", c.OutputFormat)
	}
	if c.AudioFadeInSeconds < 0 || c.AudioFadeOutSeconds < 0 {
		return fmt.Errorf("audio fades must not be negative")
	}
	if c.PreviewOnly && c.PreviewDurationSeconds <= 0 {
		return fmt.Errorf("preview duration must be positive")
	}
	if !ValidDetectionMethod(c.DetectionMethod) {
		return fmt.Errorf("unknown detection method %q", c.DetectionMethod)
	}
	if c.BarLength < 0 {
		return fmt.Errorf("bar length must not be negative")
	}
	return nil
}

// SyncConfigDoc is the flat wire form of SyncConfig used for JSON bodies,
// persisted jobs, and preset files. Zero values fall back to defaults.
type SyncConfigDoc struct {
	SyncMode                  string   `json:"sync_mode,omitempty" yaml:"sync_mode"`
	StrongBeatThreshold       *float64 `json:"strong_beat_threshold,omitempty" yaml:"strong_beat_threshold"`
	TransitionStyle           string   `json:"transition_style,omitempty" yaml:"transition_style"`
	TransitionDurationSeconds *float64 `json:"transition_duration_seconds,omitempty" yaml:"transition_duration_seconds"`
	OutputWidth               *int     `json:"output_width,omitempty" yaml:"output_width"`
	OutputHeight              *int     `json:"output_height,omitempty" yaml:"output_height"`
	OutputFPS                 *int     `json:"output_fps,omitempty" yaml:"output_fps"`
	OutputFormat              string   `json:"output_format,omitempty" yaml:"output_format"`
	MinClipDurationSeconds    *float64 `json:"min_clip_duration_seconds,omitempty" yaml:"min_clip_duration_seconds"`
	MaxClipDurationSeconds    *float64 `json:"max_clip_duration_seconds,omitempty" yaml:"max_clip_duration_seconds"`
	AvoidImmediateRepetition  *bool    `json:"avoid_immediate_repetition,omitempty" yaml:"avoid_immediate_repetition"`
	IncludeAudio              *bool    `json:"include_audio,omitempty" yaml:"include_audio"`
	AudioFadeInSeconds        *float64 `json:"audio_fade_in_seconds,omitempty" yaml:"audio_fade_in_seconds"`
	AudioFadeOutSeconds       *float64 `json:"audio_fade_out_seconds,omitempty" yaml:"audio_fade_out_seconds"`
	PreviewOnly               *bool    `json:"preview_only,omitempty" yaml:"preview_only"`
	PreviewDurationSeconds    *float64 `json:"preview_duration_seconds,omitempty" yaml:"preview_duration_seconds"`
	DetectionMethod           string   `json:"detection_method,omitempty" yaml:"detection_method"`
	BarLength                 *int     `json:"bar_length,omitempty" yaml:"bar_length"`
	Seed                      *int64   `json:"seed,omitempty" yaml:"seed"`
}

// Apply overlays the document onto base and validates the result.
func (d SyncConfigDoc) Apply(base SyncConfig) (SyncConfig, error) {
	c := base
	if d.SyncMode != "" || d.StrongBeatThreshold != nil {
		name := d.SyncMode
		if name == "" {
			name = base.Mode.Name()
		}
		mode, err := ParseSyncMode(name, d.StrongBeatThreshold)
		if err != nil {
			return SyncConfig{}, err
		}
		c.Mode = mode
	}
	if d.TransitionStyle != "" {
		style, err := ParseTransitionStyle(d.TransitionStyle)
		if err != nil {
			return SyncConfig{}, err
		}
		c.Transition = style
		if style == TransitionCut {
			c.TransitionDurationSeconds = 0
		} else if d.TransitionDurationSeconds == nil && c.TransitionDurationSeconds == 0 {
			c.TransitionDurationSeconds = 0.2
		}
	}
	setFloat(&c.TransitionDurationSeconds, d.TransitionDurationSeconds)
	setInt(&c.OutputWidth, d.OutputWidth)
	setInt(&c.OutputHeight, d.OutputHeight)
	setInt(&c.OutputFPS, d.OutputFPS)
	if d.OutputFormat != "" {
		c.OutputFormat = strings.ToLower(d.OutputFormat)
	}
	setFloat(&c.MinClipDurationSeconds, d.MinClipDurationSeconds)
	setFloat(&c.MaxClipDurationSeconds, d.MaxClipDurationSeconds)
	setBool(&c.AvoidImmediateRepetition, d.AvoidImmediateRepetition)
	setBool(&c.IncludeAudio, d.IncludeAudio)
	setFloat(&c.AudioFadeInSeconds, d.AudioFadeInSeconds)
	setFloat(&c.AudioFadeOutSeconds, d.AudioFadeOutSeconds)
	setBool(&c.PreviewOnly, d.PreviewOnly)
	setFloat(&c.PreviewDurationSeconds, d.PreviewDurationSeconds)
	if d.DetectionMethod != "" {
		c.DetectionMethod = d.DetectionMethod
	}
	setInt(&c.BarLength, d.BarLength)
	if d.Seed != nil {
		seed := *d.Seed
		c.Seed = &seed
	}
	if err := c.Validate(); err != nil {
		return SyncConfig{}, err
	}
	return c, nil
}

// Doc converts the config to its fully populated wire form.
func (c SyncConfig) Doc() SyncConfigDoc {
	d := SyncConfigDoc{
		TransitionStyle:           string(c.Transition),
		TransitionDurationSeconds: &c.TransitionDurationSeconds,
		OutputWidth:               &c.OutputWidth,
		OutputHeight:              &c.OutputHeight,
		OutputFPS:                 &c.OutputFPS,
		OutputFormat:              c.OutputFormat,
		MinClipDurationSeconds:    &c.MinClipDurationSeconds,
		MaxClipDurationSeconds:    &c.MaxClipDurationSeconds,
		AvoidImmediateRepetition:  &c.AvoidImmediateRepetition,
		IncludeAudio:              &c.IncludeAudio,
		AudioFadeInSeconds:        &c.AudioFadeInSeconds,
		AudioFadeOutSeconds:       &c.AudioFadeOutSeconds,
		PreviewOnly:               &c.PreviewOnly,
		PreviewDurationSeconds:    &c.PreviewDurationSeconds,
		DetectionMethod:           c.DetectionMethod,
		BarLength:                 &c.BarLength,
		Seed:                      c.Seed,
	}
	if c.Mode != nil {
		d.SyncMode = c.Mode.Name()
		if m, ok := c.Mode.(StrongBeatsOnly); ok {
			threshold := m.Threshold
			d.StrongBeatThreshold = &threshold
		}
	}
	return d
}

func (c SyncConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Doc())
}

// UnmarshalJSON applies the document on top of DefaultSyncConfig so
// partial configs are valid input.
func (c *SyncConfig) UnmarshalJSON(data []byte) error {
	var d SyncConfigDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	cfg, err := d.Apply(DefaultSyncConfig())
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
