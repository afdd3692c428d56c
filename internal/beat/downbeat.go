package beat

import (
	"github.com/bobarin/beatsync/internal/models"
)

// DefaultBarLength is the number of beats per bar assumed when none is
// configured (4/4 time).
const DefaultBarLength = 4

// DownbeatMarker flags the first beat of each bar. Implementations mutate
// beats in place; callers only pass slices they have not yet published.
type DownbeatMarker interface {
	Mark(beats []models.Beat, barLength int)
}

// BarMarker marks every barLength-th beat, choosing the phase whose beats
// carry the most total strength.
type BarMarker struct{}

func (BarMarker) Mark(beats []models.Beat, barLength int) {
	for i := range beats {
		beats[i].IsDownbeat = false
	}
	if len(beats) == 0 {
		return
	}
	if barLength <= 0 {
		barLength = DefaultBarLength
	}

	sums := make([]float64, barLength)
	for i, b := range beats {
		sums[i%barLength] += b.Strength
	}
	phase := 0
	for p := 1; p < barLength; p++ {
		if sums[p] > sums[phase] {
			phase = p
		}
	}

	for i := phase; i < len(beats); i += barLength {
		beats[i].IsDownbeat = true
	}
}

// WithBarLength returns a copy of bm with downbeats re-marked for a
// different bar length. bm itself is left untouched. Maps without an
// inferred tempo keep their downbeats unset.
func WithBarLength(bm *models.BeatMap, barLength int, marker DownbeatMarker) *models.BeatMap {
	if bm == nil {
		return nil
	}
	if marker == nil {
		marker = BarMarker{}
	}
	out := *bm
	out.Beats = make([]models.Beat, len(bm.Beats))
	copy(out.Beats, bm.Beats)
	if bm.TempoInferred {
		marker.Mark(out.Beats, barLength)
	}
	return &out
}
