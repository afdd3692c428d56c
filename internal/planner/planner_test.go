package planner

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/beatsync/internal/models"
)

func beatMap(duration float64, times []float64, strength float64) *models.BeatMap {
	bm := &models.BeatMap{Tempo: 120, DurationSeconds: duration, FPS: 30, Method: models.MethodSpectralFlux}
	for i, t := range times {
		bm.Beats = append(bm.Beats, models.Beat{
			Index:       i,
			TimeSeconds: t,
			FrameNumber: int(math.Round(t * 30)),
			Strength:    strength,
			IsDownbeat:  i%4 == 0,
		})
	}
	return bm
}

func regularBeats(duration, interval float64) []float64 {
	var times []float64
	for t := 0.0; t < duration-epsilon; t += interval {
		times = append(times, t)
	}
	return times
}

func sources(durations ...float64) []models.VideoSource {
	out := make([]models.VideoSource, len(durations))
	for i, d := range durations {
		out[i] = models.VideoSource{
			ID:              fmt.Sprintf("clip-%d", i),
			DurationSeconds: d,
			Width:           1920,
			Height:          1080,
			FPS:             30,
			SelectionWeight: 1,
		}
	}
	return out
}

func sumDurations(plan *models.CompositionPlan) float64 {
	var sum float64
	for _, s := range plan.Segments {
		sum += s.SegmentDurationSeconds
	}
	return sum
}

func TestPlanEveryBeatScenario(t *testing.T) {
	bm := beatMap(2.0, []float64{0.0, 0.5, 1.0, 1.5, 2.0}, 0.8)
	cfg := models.DefaultSyncConfig()

	plan, err := Plan(bm, sources(3, 2.5, 4), cfg, 7)
	require.NoError(t, err)

	require.Len(t, plan.Segments, 4)
	for i, seg := range plan.Segments {
		assert.InDelta(t, 0.5, seg.SegmentDurationSeconds, 1e-9)
		assert.InDelta(t, 0.5*float64(i), seg.TimelineStartSeconds, 1e-9)
		assert.Equal(t, i, seg.Index)
	}
	assert.InDelta(t, 2.0, plan.TotalDurationSeconds, 1e-9)
	assert.Equal(t, models.TransitionCut, plan.Segments[0].TransitionIn)
	assert.Empty(t, plan.Warnings)
}

func TestPlanStrongBeatsFallback(t *testing.T) {
	bm := beatMap(4.0, regularBeats(4.0, 0.5), 0.5)
	cfg := models.DefaultSyncConfig()
	cfg.Mode = models.StrongBeatsOnly{Threshold: 0.9}

	plan, err := Plan(bm, sources(5, 5), cfg, 1)
	require.NoError(t, err)

	assert.Len(t, plan.Segments, 8)
	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[0], "strong_beats_only")
}

func TestPlanPreviewTruncates(t *testing.T) {
	bm := beatMap(30.0, regularBeats(30.0, 0.7), 1)
	cfg := models.DefaultSyncConfig()
	cfg.PreviewOnly = true
	cfg.PreviewDurationSeconds = 5

	plan, err := Plan(bm, sources(10, 10, 10), cfg, 3)
	require.NoError(t, err)

	frame := cfg.FrameDuration()
	assert.LessOrEqual(t, plan.TotalDurationSeconds, 5.0+frame)
	assert.Greater(t, plan.TotalDurationSeconds, 4.0)
	assert.Equal(t, 5.0, plan.TargetDurationSeconds)
	assert.InDelta(t, plan.TotalDurationSeconds, sumDurations(plan), 1e-9)
}

func TestTruncatePreview(t *testing.T) {
	// 4.6 + 0.5 overshoots 5.0 by 0.1, which is 20% of the segment: dropped.
	out, _ := truncatePreview([]float64{2.3, 2.3, 0.5}, 5.0, 0.4)
	assert.Equal(t, []float64{2.3, 2.3}, out)

	// 4.0 + 1.05 overshoots by 0.05, under 10%: trimmed to 1.0.
	out, _ = truncatePreview([]float64{2.0, 2.0, 1.05}, 5.0, 0.4)
	require.Len(t, out, 3)
	assert.InDelta(t, 1.0, out[2], 1e-9)

	out, warning := truncatePreview([]float64{8}, 5.0, 0.4)
	assert.Equal(t, []float64{5.0}, out)
	assert.NotEmpty(t, warning)
}

func TestPlanSegmentBoundsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	modes := []models.SyncMode{
		models.EveryBeat{}, models.EveryOtherBeat{}, models.DownbeatsOnly{}, models.StrongBeatsOnly{Threshold: 0.6},
	}

	for trial := 0; trial < 200; trial++ {
		duration := 5 + rng.Float64()*55
		var times []float64
		for t := rng.Float64() * 0.3; t < duration; t += 0.15 + rng.Float64()*1.5 {
			times = append(times, t)
		}
		bm := beatMap(duration, times, 0)
		for i := range bm.Beats {
			bm.Beats[i].Strength = rng.Float64()
		}

		cfg := models.DefaultSyncConfig()
		cfg.Mode = modes[trial%len(modes)]
		cfg.MinClipDurationSeconds = 0.3 + rng.Float64()*0.5
		cfg.MaxClipDurationSeconds = cfg.MinClipDurationSeconds*2 + rng.Float64()*3

		srcs := sources(5+rng.Float64()*10, 5+rng.Float64()*10, 5+rng.Float64()*5)
		plan, err := Plan(bm, srcs, cfg, int64(trial))
		require.NoError(t, err)

		byID := map[string]models.VideoSource{}
		for _, s := range srcs {
			byID[s.ID] = s
		}

		assert.InDelta(t, duration, sumDurations(plan), cfg.FrameDuration(), "trial %d", trial)
		for i, seg := range plan.Segments {
			assert.GreaterOrEqual(t, seg.SegmentDurationSeconds, cfg.MinClipDurationSeconds-1e-6, "trial %d seg %d", trial, i)
			assert.LessOrEqual(t, seg.SegmentDurationSeconds, cfg.MaxClipDurationSeconds+1e-6, "trial %d seg %d", trial, i)

			src := byID[seg.SourceClipID]
			assert.GreaterOrEqual(t, seg.SourceStartSeconds, 0.0)
			assert.LessOrEqual(t, seg.SourceStartSeconds+seg.SegmentDurationSeconds, src.DurationSeconds+1e-6)

			if i > 0 {
				assert.NotEqual(t, plan.Segments[i-1].SourceClipID, seg.SourceClipID, "trial %d seg %d repeats", trial, i)
			}
		}
	}
}

func TestPlanIsReproducible(t *testing.T) {
	bm := beatMap(12, regularBeats(12, 0.5), 1)
	cfg := models.DefaultSyncConfig()
	srcs := sources(6, 7, 8, 9)

	seed := SeedFor(cfg, "2b7f8a9c-job")
	a, err := Plan(bm, srcs, cfg, seed)
	require.NoError(t, err)
	b, err := Plan(bm, srcs, cfg, seed)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	explicit := int64(99)
	cfg.Seed = &explicit
	assert.Equal(t, int64(99), SeedFor(cfg, "anything"))
}

func TestPlanRespectsZeroWeights(t *testing.T) {
	bm := beatMap(10, regularBeats(10, 0.5), 1)
	cfg := models.DefaultSyncConfig()
	cfg.AvoidImmediateRepetition = false

	srcs := sources(5, 5)
	srcs[1].SelectionWeight = 0

	plan, err := Plan(bm, srcs, cfg, 11)
	require.NoError(t, err)
	for _, seg := range plan.Segments {
		assert.Equal(t, "clip-0", seg.SourceClipID)
	}

	srcs[0].SelectionWeight = 0
	plan, err = Plan(bm, srcs, cfg, 11)
	require.NoError(t, err)
	usage := plan.ClipUsage()
	assert.Len(t, usage, 2, "all-zero weights fall back to uniform choice")
}

func TestPlanCapsMaxToLongestSource(t *testing.T) {
	// Beats every 3s but no source is longer than 1.5s.
	bm := beatMap(9, []float64{0, 3, 6}, 1)
	cfg := models.DefaultSyncConfig()
	cfg.AvoidImmediateRepetition = false

	plan, err := Plan(bm, sources(1.5, 1.2), cfg, 5)
	require.NoError(t, err)
	for _, seg := range plan.Segments {
		assert.LessOrEqual(t, seg.SegmentDurationSeconds, 1.5+1e-9)
	}
	assert.InDelta(t, 9.0, plan.TotalDurationSeconds, 1e-9)
}

func TestPlanAlternatesWhenSourcesAreShort(t *testing.T) {
	tests := map[string]struct {
		bm      *models.BeatMap
		srcs    []models.VideoSource
		longest float64
	}{
		"both sources shorter than the beat interval": {
			bm:      beatMap(9, []float64{0, 3, 6}, 1),
			srcs:    sources(1.5, 1.2),
			longest: 1.2,
		},
		"one long source and one short": {
			bm:      beatMap(10, regularBeats(10, 2), 1),
			srcs:    sources(20, 1),
			longest: 1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := models.DefaultSyncConfig()
			require.True(t, cfg.AvoidImmediateRepetition)

			for seed := int64(0); seed < 20; seed++ {
				plan, err := Plan(tc.bm, tc.srcs, cfg, seed)
				require.NoError(t, err)
				assert.Empty(t, plan.Warnings)
				assert.InDelta(t, tc.bm.DurationSeconds, plan.TotalDurationSeconds, 1e-9)
				for i, seg := range plan.Segments {
					assert.LessOrEqual(t, seg.SegmentDurationSeconds, tc.longest+1e-9)
					if i > 0 {
						assert.NotEqual(t, plan.Segments[i-1].SourceClipID, seg.SourceClipID, "seed %d seg %d repeats", seed, i)
					}
				}
			}
		})
	}
}

func TestPlanWarnsWhenRepetitionIsUnavoidable(t *testing.T) {
	bm := beatMap(4, regularBeats(4, 1), 1)
	cfg := models.DefaultSyncConfig()

	plan, err := Plan(bm, sources(5, 0.2), cfg, 9)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[0], "consecutive segments may repeat")
	for _, seg := range plan.Segments {
		assert.Equal(t, "clip-0", seg.SourceClipID)
	}
}

func TestPlanInputErrors(t *testing.T) {
	bm := beatMap(4, regularBeats(4, 0.5), 1)
	cfg := models.DefaultSyncConfig()

	_, err := Plan(bm, nil, cfg, 1)
	assert.ErrorIs(t, err, models.ErrInput)

	_, err = Plan(bm, sources(0.2, 0.3), cfg, 1)
	assert.ErrorIs(t, err, models.ErrInput)

	bad := cfg
	bad.MinClipDurationSeconds = 10
	_, err = Plan(bm, sources(20), bad, 1)
	assert.ErrorIs(t, err, models.ErrInput)
}

func TestSplit(t *testing.T) {
	pieces, ok := split(10, 0.4, 4)
	assert.True(t, ok)
	assert.Equal(t, []float64{2.5, 2.5, 2.5, 2.5}, pieces)

	// Halving 0.7 undercuts min 0.4 and no equal split fits both bounds.
	pieces, ok = split(0.7, 0.4, 0.6)
	assert.False(t, ok)
	assert.Len(t, pieces, 2)

	pieces, ok = split(5, 1.5, 2)
	assert.True(t, ok)
	assert.Len(t, pieces, 3)
	assert.InDelta(t, 5.0, pieces[0]+pieces[1]+pieces[2], 1e-9)
}

func TestEstimateCost(t *testing.T) {
	cfg := models.DefaultSyncConfig()
	plan := &models.CompositionPlan{TotalDurationSeconds: 10}
	assert.InDelta(t, 1080*1920/1e6*10, EstimateCost(plan, cfg), 1e-9)
}
