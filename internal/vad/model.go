package vad

import "math"

// Model scores a single window of audio with a speech probability in [0, 1].
// Implementations own any recurrent state carried between windows and must
// reset it when Reset is called.
type Model interface {
	Probability(window []float32) float32
	Reset()
}

// EnergyModel is a lightweight energy-based model. It tracks an adaptive
// noise floor and scores each window by how far its RMS energy rises above
// that floor. Neural models (e.g. an ONNX-backed Silero runtime) satisfy the
// same interface and can be swapped in without touching the detector.
type EnergyModel struct {
	noiseFloor float64
}

// NewEnergyModel creates an energy model with no accumulated floor estimate.
func NewEnergyModel() *EnergyModel {
	return &EnergyModel{}
}

func (m *EnergyModel) Probability(window []float32) float32 {
	if len(window) == 0 {
		return 0
	}

	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(window)))

	// Track the floor quickly downward and slowly upward so brief speech
	// does not inflate it.
	if m.noiseFloor == 0 {
		m.noiseFloor = rms + 1e-5
	} else if rms < m.noiseFloor {
		m.noiseFloor = rms + 1e-5
	} else {
		m.noiseFloor += (rms - m.noiseFloor) * 0.005
	}

	ratio := rms / (m.noiseFloor * 8)
	p := ratio / (1 + ratio)
	return float32(math.Min(1, 2*p))
}

func (m *EnergyModel) Reset() {
	m.noiseFloor = 0
}
