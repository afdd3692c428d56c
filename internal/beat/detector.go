// Package beat turns decoded audio into a beat map: onset envelope,
// tempo, beat grid, downbeats and phrase sections.
package beat

import (
	"context"
	"math"

	"github.com/bobarin/beatsync/internal/models"
)

// Detection limits.
const (
	MinAudioSeconds = 2.0
	SilenceFloor    = 1e-4 // peak amplitude below which audio counts as silent
)

// Detector produces a beat map for an audio track.
type Detector interface {
	Detect(ctx context.Context, audio *models.AudioTrack, method string, fps int) (*models.BeatMap, error)
}

// Engine is the default Detector. It is deterministic: the same samples,
// method and fps always yield the same beat map.
type Engine struct {
	BarLength int
	Marker    DownbeatMarker
}

func NewEngine() *Engine {
	return &Engine{BarLength: DefaultBarLength, Marker: BarMarker{}}
}

func (e *Engine) Detect(ctx context.Context, audio *models.AudioTrack, method string, fps int) (*models.BeatMap, error) {
	if audio == nil || audio.SampleRate <= 0 || len(audio.Samples) == 0 {
		return nil, models.NewError(models.CodeDetectionFailure, "audio could not be decoded")
	}
	if fps <= 0 {
		return nil, models.InputError("fps must be positive, got %d", fps)
	}
	if method == "" {
		method = models.MethodSpectralFlux
	}
	if !models.ValidDetectionMethod(method) {
		return nil, models.InputError("unknown detection method %q", method)
	}
	if audio.DurationSeconds < MinAudioSeconds {
		return nil, models.NewError(models.CodeDetectionFailure, "audio is %.2fs long, need at least %.0fs", audio.DurationSeconds, MinAudioSeconds)
	}
	if peakAmplitude(audio.Samples) < SilenceFloor {
		return nil, models.NewError(models.CodeDetectionFailure, "audio is silent")
	}

	var raw []float64
	switch method {
	case models.MethodEnergy:
		raw = energyFlux(audio.Samples)
	default:
		raw = spectralFlux(audio.Samples)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, models.NewError(models.CodeDetectionFailure, "audio too short for analysis")
	}

	frameRate := float64(audio.SampleRate) / hopSize
	est := estimateTempo(smooth(raw), frameRate)
	frames := gridFrames(raw, est)

	peak := maxOf(raw)
	beats := make([]models.Beat, 0, len(frames))
	last := -1.0
	for _, idx := range frames {
		t := frameTime(idx, audio.SampleRate)
		if t >= audio.DurationSeconds || t <= last {
			continue
		}
		var strength float64
		if peak > 0 {
			strength = raw[idx] / peak
		}
		beats = append(beats, models.Beat{
			Index:       len(beats),
			TimeSeconds: t,
			FrameNumber: int(math.Round(t * float64(fps))),
			Strength:    strength,
		})
		last = t
	}
	if len(beats) == 0 {
		return nil, models.NewError(models.CodeDetectionFailure, "no beats found")
	}

	barLength := e.BarLength
	if barLength <= 0 {
		barLength = DefaultBarLength
	}
	if est.Inferred {
		marker := e.Marker
		if marker == nil {
			marker = BarMarker{}
		}
		marker.Mark(beats, barLength)
	}

	return &models.BeatMap{
		Tempo:           math.Round(est.BPM*100) / 100,
		TempoInferred:   est.Inferred,
		DurationSeconds: audio.DurationSeconds,
		FPS:             fps,
		Method:          method,
		Beats:           beats,
		Sections:        segmentSections(audio, beats, barLength),
	}, nil
}
