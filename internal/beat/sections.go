package beat

import (
	"math"

	"github.com/bobarin/beatsync/internal/models"
)

const barsPerPhrase = 4

// Section names.
const (
	SectionIntro = "intro"
	SectionVerse = "verse"
	SectionBuild = "build"
	SectionDrop  = "drop"
	SectionBreak = "break"
	SectionOutro = "outro"
)

// segmentSections cuts the track into phrases of four bars and labels
// each one from its energy relative to the loudest phrase.
func segmentSections(audio *models.AudioTrack, beats []models.Beat, barLength int) []models.Section {
	if len(beats) == 0 {
		return nil
	}
	if barLength <= 0 {
		barLength = DefaultBarLength
	}
	phrase := barLength * barsPerPhrase

	var bounds []float64
	bounds = append(bounds, 0)
	for i := phrase; i < len(beats); i += phrase {
		bounds = append(bounds, beats[i].TimeSeconds)
	}
	bounds = append(bounds, audio.DurationSeconds)

	sections := make([]models.Section, 0, len(bounds)-1)
	var loudest float64
	for i := 0; i+1 < len(bounds); i++ {
		if bounds[i+1] <= bounds[i] {
			continue
		}
		energy := rmsBetween(audio, bounds[i], bounds[i+1])
		if energy > loudest {
			loudest = energy
		}
		sections = append(sections, models.Section{
			StartSeconds: bounds[i],
			EndSeconds:   bounds[i+1],
			Energy:       energy,
		})
	}

	for i := range sections {
		if loudest > 0 {
			sections[i].Energy /= loudest
		}
	}
	for i := range sections {
		sections[i].Name = sectionName(sections, i)
	}
	return sections
}

func sectionName(sections []models.Section, i int) string {
	switch {
	case i == 0:
		return SectionIntro
	case i == len(sections)-1:
		return SectionOutro
	}
	energy := sections[i].Energy
	switch {
	case energy >= 0.8:
		return SectionDrop
	case energy < 0.5:
		return SectionBreak
	case sections[i+1].Energy-energy > 0.15:
		return SectionBuild
	}
	return SectionVerse
}

func rmsBetween(audio *models.AudioTrack, start, end float64) float64 {
	lo := int(start * float64(audio.SampleRate))
	hi := int(end * float64(audio.SampleRate))
	if hi > len(audio.Samples) {
		hi = len(audio.Samples)
	}
	if lo >= hi {
		return 0
	}
	var sum float64
	for _, s := range audio.Samples[lo:hi] {
		sum += s * s
	}
	return math.Sqrt(sum / float64(hi-lo))
}
