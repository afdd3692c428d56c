// Package planner maps a beat map onto a schedule of video segments.
package planner

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/bobarin/beatsync/internal/models"
)

// epsilon absorbs float noise when comparing durations.
const epsilon = 1e-9

// previewOvershoot is how far, as a fraction of its own length, the last
// preview segment may run past the preview duration and still be trimmed
// rather than dropped.
const previewOvershoot = 0.10

// SeedFor returns the explicit seed from cfg, or a stable hash of the job
// ID so re-running a job reproduces its plan.
func SeedFor(cfg models.SyncConfig, jobID string) int64 {
	if cfg.Seed != nil {
		return *cfg.Seed
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64())
}

// Plan builds a composition plan. It is pure: the same inputs and seed
// always produce the same plan.
func Plan(bm *models.BeatMap, sources []models.VideoSource, cfg models.SyncConfig, seed int64) (*models.CompositionPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, models.InputError("invalid sync config: %v", err)
	}
	if bm == nil || bm.DurationSeconds <= 0 {
		return nil, models.InputError("beat map is empty")
	}
	if len(sources) == 0 {
		return nil, models.InputError("at least one video source is required")
	}

	longest := 0.0
	for _, src := range sources {
		if src.DurationSeconds > longest {
			longest = src.DurationSeconds
		}
	}
	if longest+epsilon < cfg.MinClipDurationSeconds {
		return nil, models.InputError("all %d video sources are shorter than the minimum clip duration %.2fs", len(sources), cfg.MinClipDurationSeconds)
	}

	plan := &models.CompositionPlan{
		TargetDurationSeconds: bm.DurationSeconds,
		Seed:                  seed,
	}

	cuts, warning := selectBeats(bm, cfg.Mode)
	if warning != "" {
		plan.Warnings = append(plan.Warnings, warning)
	}

	maxClip := math.Min(cfg.MaxClipDurationSeconds, longest)
	if cfg.AvoidImmediateRepetition && len(sources) > 1 {
		// Two sources must fit every segment for alternation to be possible.
		second := secondLongest(sources)
		if second+epsilon >= cfg.MinClipDurationSeconds {
			maxClip = math.Min(maxClip, second)
		} else {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("only one source reaches the minimum clip duration %.2fs, consecutive segments may repeat it", cfg.MinClipDurationSeconds))
		}
	}
	durations, warnings := segmentDurations(cuts, bm.DurationSeconds, cfg.MinClipDurationSeconds, maxClip)
	plan.Warnings = append(plan.Warnings, warnings...)

	if cfg.PreviewOnly {
		limit := math.Min(cfg.PreviewDurationSeconds, bm.DurationSeconds)
		plan.TargetDurationSeconds = limit
		var w string
		durations, w = truncatePreview(durations, limit, cfg.MinClipDurationSeconds)
		if w != "" {
			plan.Warnings = append(plan.Warnings, w)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	prev := -1
	timeline := 0.0
	for i, dur := range durations {
		eligible := eligibleSources(sources, dur)
		if len(eligible) == 0 {
			// Nothing is long enough: fall back to the longest clip.
			idx := longestSource(sources)
			eligible = []int{idx}
			if sources[idx].DurationSeconds < dur {
				plan.Warnings = append(plan.Warnings, fmt.Sprintf("segment %d clamped to %.3fs, the longest source", i, sources[idx].DurationSeconds))
				dur = sources[idx].DurationSeconds
			}
		}

		pick := pickSource(rng, sources, eligible, prev, cfg.AvoidImmediateRepetition)
		src := sources[pick]

		start := 0.0
		if room := src.DurationSeconds - dur; room > 0 {
			start = rng.Float64() * room
			if start+dur > src.DurationSeconds {
				start = src.DurationSeconds - dur
			}
		}

		transition := cfg.Transition
		if i == 0 {
			transition = models.TransitionCut
		}

		plan.Segments = append(plan.Segments, models.Segment{
			Index:                  i,
			SourceClipID:           src.ID,
			SourceStartSeconds:     start,
			SegmentDurationSeconds: dur,
			TimelineStartSeconds:   timeline,
			TransitionIn:           transition,
		})
		timeline += dur
		prev = pick
	}
	plan.TotalDurationSeconds = timeline

	return plan, nil
}

// selectBeats returns the beat times kept by mode, falling back to every
// beat when fewer than two survive.
func selectBeats(bm *models.BeatMap, mode models.SyncMode) ([]float64, string) {
	var kept []float64
	for i, b := range bm.Beats {
		switch m := mode.(type) {
		case models.EveryBeat:
			kept = append(kept, b.TimeSeconds)
		case models.EveryOtherBeat:
			if i%2 == 0 {
				kept = append(kept, b.TimeSeconds)
			}
		case models.StrongBeatsOnly:
			if b.Strength >= m.Threshold {
				kept = append(kept, b.TimeSeconds)
			}
		case models.DownbeatsOnly:
			if b.IsDownbeat {
				kept = append(kept, b.TimeSeconds)
			}
		}
	}
	if len(kept) >= 2 {
		return kept, ""
	}
	return bm.Times(), fmt.Sprintf("sync mode %s kept %d beats; using every beat instead", mode.Name(), len(kept))
}

// segmentDurations turns cut candidates into segment lengths that sum to
// total. Candidates closer than min to the previous cut are merged into
// the next interval, a short tail is merged into the previous segment,
// and intervals longer than max are split.
func segmentDurations(candidates []float64, total, min, max float64) ([]float64, []string) {
	var warnings []string

	cuts := []float64{0}
	for _, c := range candidates {
		if c <= epsilon || c >= total-epsilon {
			continue
		}
		if c-cuts[len(cuts)-1] < min-epsilon {
			continue
		}
		cuts = append(cuts, c)
	}
	if len(cuts) > 1 && total-cuts[len(cuts)-1] < min-epsilon {
		cuts = cuts[:len(cuts)-1]
	}
	cuts = append(cuts, total)

	if total < min-epsilon {
		warnings = append(warnings, fmt.Sprintf("audio is %.3fs, shorter than the minimum clip duration", total))
	}

	var durations []float64
	for i := 1; i < len(cuts); i++ {
		pieces, ok := split(cuts[i]-cuts[i-1], min, max)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("interval at %.3fs cannot satisfy both clip bounds", cuts[i-1]))
		}
		durations = append(durations, pieces...)
	}
	return durations, warnings
}

// split halves length recursively until every piece fits max. When
// halving would undercut min it uses the fewest equal pieces that fit
// max instead; ok is false if those still undercut min.
func split(length, min, max float64) ([]float64, bool) {
	if length <= max+epsilon {
		return []float64{length}, length >= min-epsilon
	}

	half := length / 2
	if half >= min-epsilon {
		left, okL := split(half, min, max)
		right, okR := split(length-half, min, max)
		if okL && okR {
			return append(left, right...), true
		}
	}

	k := int(math.Ceil(length/max - epsilon))
	piece := length / float64(k)
	pieces := make([]float64, k)
	for i := range pieces {
		pieces[i] = piece
	}
	pieces[k-1] = length - piece*float64(k-1)
	return pieces, piece >= min-epsilon
}

// truncatePreview keeps segments up to limit seconds. A segment crossing
// the limit is trimmed when it overshoots by less than 10% of its length
// and the trimmed part still meets min; otherwise it is dropped.
func truncatePreview(durations []float64, limit, min float64) ([]float64, string) {
	var out []float64
	elapsed := 0.0
	for _, d := range durations {
		if elapsed+d <= limit+epsilon {
			out = append(out, d)
			elapsed += d
			continue
		}
		remaining := limit - elapsed
		overshoot := elapsed + d - limit
		if overshoot < previewOvershoot*d && remaining >= min-epsilon {
			out = append(out, remaining)
		}
		break
	}
	if len(out) == 0 && len(durations) > 0 {
		return []float64{math.Min(limit, durations[0])}, fmt.Sprintf("preview of %.2fs is shorter than the first segment", limit)
	}
	return out, ""
}

func eligibleSources(sources []models.VideoSource, dur float64) []int {
	var out []int
	for i, src := range sources {
		if src.DurationSeconds+epsilon >= dur {
			out = append(out, i)
		}
	}
	return out
}

func longestSource(sources []models.VideoSource) int {
	best := 0
	for i, src := range sources {
		if src.DurationSeconds > sources[best].DurationSeconds {
			best = i
		}
	}
	return best
}

// secondLongest returns the duration of the second longest source.
func secondLongest(sources []models.VideoSource) float64 {
	first, second := 0.0, 0.0
	for _, src := range sources {
		switch d := src.DurationSeconds; {
		case d > first:
			first, second = d, first
		case d > second:
			second = d
		}
	}
	return second
}

// pickSource draws from candidates weighted by SelectionWeight. When avoid
// is set and the draw repeats prev, it re-rolls once over the others.
func pickSource(rng *rand.Rand, sources []models.VideoSource, candidates []int, prev int, avoid bool) int {
	pick := weightedChoice(rng, sources, candidates)
	if !avoid || pick != prev || len(candidates) < 2 {
		return pick
	}
	others := make([]int, 0, len(candidates)-1)
	for _, c := range candidates {
		if c != prev {
			others = append(others, c)
		}
	}
	return weightedChoice(rng, sources, others)
}

// weightedChoice is uniform when every candidate weight is zero.
func weightedChoice(rng *rand.Rand, sources []models.VideoSource, candidates []int) int {
	var total float64
	for _, c := range candidates {
		total += math.Max(0, sources[c].SelectionWeight)
	}
	if total <= 0 {
		return candidates[rng.Intn(len(candidates))]
	}
	r := rng.Float64() * total
	for _, c := range candidates {
		w := math.Max(0, sources[c].SelectionWeight)
		if r < w {
			return c
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

// EstimateCost returns the output size of a plan in megapixel-seconds.
func EstimateCost(plan *models.CompositionPlan, cfg models.SyncConfig) float64 {
	return float64(cfg.OutputWidth) * float64(cfg.OutputHeight) / 1e6 * plan.TotalDurationSeconds
}
