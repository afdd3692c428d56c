package beat

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

const (
	windowSize = 1024           // Size of each analysis frame
	hopSize    = windowSize / 2 // Hop between frames
)

// hannWindow returns a Hann window of length n.
func hannWindow(n int) []float64 {
	window := make([]float64, n)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return window
}

// frameCount is the number of full frames that fit in n samples.
func frameCount(n int) int {
	if n < windowSize {
		return 0
	}
	return (n-windowSize)/hopSize + 1
}

// frameTime is the timestamp of frame i, taken at the window centre.
func frameTime(i, sampleRate int) float64 {
	return float64(i*hopSize+windowSize/2) / float64(sampleRate)
}

// spectralFlux computes the half-wave rectified spectral flux of
// log-compressed magnitude spectra. Element 0 is always zero.
func spectralFlux(samples []float64) []float64 {
	n := frameCount(len(samples))
	flux := make([]float64, n)
	if n == 0 {
		return flux
	}

	window := hannWindow(windowSize)
	frame := make([]float64, windowSize)
	var prev []float64

	for i := 0; i < n; i++ {
		start := i * hopSize
		for j := 0; j < windowSize; j++ {
			frame[j] = samples[start+j] * window[j]
		}

		spectrum := fft.FFTReal(frame)

		magnitude := make([]float64, windowSize/2+1)
		for k := range magnitude {
			magnitude[k] = math.Log1p(10 * cmplx.Abs(spectrum[k]))
		}

		if prev != nil {
			var sum float64
			for k := range magnitude {
				if d := magnitude[k] - prev[k]; d > 0 {
					sum += d
				}
			}
			flux[i] = sum
		}
		prev = magnitude
	}
	return flux
}

// energyFlux computes the half-wave rectified first difference of the
// per-frame RMS energy. Element 0 is always zero.
func energyFlux(samples []float64) []float64 {
	rms := frameRMS(samples)
	flux := make([]float64, len(rms))
	for i := 1; i < len(rms); i++ {
		if d := rms[i] - rms[i-1]; d > 0 {
			flux[i] = d
		}
	}
	return flux
}

func frameRMS(samples []float64) []float64 {
	n := frameCount(len(samples))
	rms := make([]float64, n)
	for i := 0; i < n; i++ {
		start := i * hopSize
		var sum float64
		for _, s := range samples[start : start+windowSize] {
			sum += s * s
		}
		rms[i] = math.Sqrt(sum / windowSize)
	}
	return rms
}

// smooth convolves x with a 5-tap triangular kernel so pulses that land
// on neighbouring frames still correlate.
func smooth(x []float64) []float64 {
	kernel := []float64{1, 2, 3, 2, 1}
	const norm = 9.0
	out := make([]float64, len(x))
	for i := range x {
		var sum float64
		for k, w := range kernel {
			j := i + k - len(kernel)/2
			if j >= 0 && j < len(x) {
				sum += w * x[j]
			}
		}
		out[i] = sum / norm
	}
	return out
}

func maxOf(x []float64) float64 {
	var m float64
	for _, v := range x {
		if v > m {
			m = v
		}
	}
	return m
}

func peakAmplitude(samples []float64) float64 {
	var m float64
	for _, s := range samples {
		if a := math.Abs(s); a > m {
			m = a
		}
	}
	return m
}
