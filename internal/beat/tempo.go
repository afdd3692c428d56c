package beat

import (
	"math"
)

// Tempo search range.
const (
	minBPM      = 60.0
	maxBPM      = 200.0
	priorBPM    = 120.0
	priorOctave = 1.0 // std-dev of the log2 tempo prior
	snapRatio   = 0.1 // snap window as a fraction of the beat period
)

// tempoEstimate is the beat period in envelope frames plus the grid phase.
type tempoEstimate struct {
	Period   float64
	Phase    int
	BPM      float64
	Inferred bool
}

// tempoPrior weights candidate tempos with a log-normal centred on 120 BPM.
func tempoPrior(bpm float64) float64 {
	octaves := math.Log2(bpm / priorBPM)
	return math.Exp(-0.5 * (octaves / priorOctave) * (octaves / priorOctave))
}

// estimateTempo picks the autocorrelation lag with the highest
// prior-weighted score and the grid phase with the highest envelope sum.
// envelope is expected to be smoothed already.
func estimateTempo(envelope []float64, frameRate float64) tempoEstimate {
	fallback := tempoEstimate{Period: 60 * frameRate / priorBPM, BPM: priorBPM}

	lagMin := int(math.Floor(60 * frameRate / maxBPM))
	lagMax := int(math.Ceil(60 * frameRate / minBPM))
	if lagMin < 1 {
		lagMin = 1
	}
	if lagMax >= len(envelope)-1 {
		lagMax = len(envelope) - 2
	}
	if lagMax <= lagMin+1 || maxOf(envelope) == 0 {
		return fallback
	}

	var mean float64
	for _, v := range envelope {
		mean += v
	}
	mean /= float64(len(envelope))

	scores := make([]float64, lagMax+2)
	bestLag, bestScore := 0, 0.0
	for lag := lagMin - 1; lag <= lagMax+1; lag++ {
		if lag < 1 {
			continue
		}
		var sum float64
		for i := 0; i+lag < len(envelope); i++ {
			sum += (envelope[i] - mean) * (envelope[i+lag] - mean)
		}
		ac := sum / float64(len(envelope)-lag)
		if ac < 0 {
			ac = 0
		}
		scores[lag] = ac * tempoPrior(60*frameRate/float64(lag))
		if lag >= lagMin && lag <= lagMax && scores[lag] > bestScore {
			bestLag, bestScore = lag, scores[lag]
		}
	}
	if bestLag == 0 || bestScore <= 0 {
		return fallback
	}

	// Parabolic interpolation for a fractional period.
	period := float64(bestLag)
	if bestLag > 1 && bestLag+1 < len(scores) {
		y0, y1, y2 := scores[bestLag-1], scores[bestLag], scores[bestLag+1]
		if denom := y0 - 2*y1 + y2; denom < 0 {
			offset := 0.5 * (y0 - y2) / denom
			offset = math.Max(-0.5, math.Min(0.5, offset))
			period += offset
		}
	}

	return tempoEstimate{
		Period:   period,
		Phase:    bestPhase(envelope, period),
		BPM:      60 * frameRate / period,
		Inferred: true,
	}
}

// bestPhase returns the offset in [0, period) whose grid collects the
// most envelope mass. Ties keep the earliest phase.
func bestPhase(envelope []float64, period float64) int {
	best, bestSum := 0, -1.0
	for phase := 0; float64(phase) < period; phase++ {
		var sum float64
		for pos := float64(phase); int(math.Round(pos)) < len(envelope); pos += period {
			sum += envelope[int(math.Round(pos))]
		}
		if sum > bestSum {
			best, bestSum = phase, sum
		}
	}
	return best
}

// gridFrames lays the beat grid over n frames and snaps each grid point to
// the strongest raw-envelope frame within ±10% of the period.
// Snapped positions that do not increase are dropped.
func gridFrames(raw []float64, est tempoEstimate) []int {
	radius := int(math.Round(snapRatio * est.Period))
	if radius < 1 {
		radius = 1
	}

	var frames []int
	last := -1
	for pos := float64(est.Phase); int(math.Round(pos)) < len(raw); pos += est.Period {
		centre := int(math.Round(pos))
		idx := centre
		if est.Inferred {
			lo, hi := centre-radius, centre+radius
			if lo < 0 {
				lo = 0
			}
			if hi > len(raw)-1 {
				hi = len(raw) - 1
			}
			for j := lo; j <= hi; j++ {
				if raw[j] > raw[idx] {
					idx = j
				}
			}
		}
		if idx <= last {
			continue
		}
		frames = append(frames, idx)
		last = idx
	}
	return frames
}
