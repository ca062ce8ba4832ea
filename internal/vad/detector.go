package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

const (
	// DefaultWindowSize is the number of samples scored per model call.
	// Silero-family models are trained on 512-sample windows at 16 kHz.
	DefaultWindowSize = 512

	// DefaultSampleRate is the only sampling rate the detector accepts.
	DefaultSampleRate = 16000

	// minSilenceAtMaxSpeechMs guards against splitting an over-long segment
	// inside a very short silence.
	minSilenceAtMaxSpeechMs = 98
)

// ErrStreamEnded is returned when Consume is called after a call with
// endStream set. A detector is single-use once its stream is finished.
var ErrStreamEnded = errors.New("vad: stream already ended")

// TimeSegment is a half-open speech interval. Units are global sample
// indices from the first Consume call, or milliseconds after conversion.
type TimeSegment struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Config holds detection parameters.
type Config struct {
	// Threshold is the speech probability above which a window counts as
	// speech. Windows below Threshold-0.15 count as silence.
	Threshold float64 `yaml:"threshold"`

	SampleRate int `yaml:"sample_rate"`

	// MinSpeechDurationMs drops final segments shorter than this.
	MinSpeechDurationMs int `yaml:"min_speech_duration_ms"`

	// MaxSpeechDurationS splits segments longer than this at the last
	// observed silence. Zero or +Inf disables splitting.
	MaxSpeechDurationS float64 `yaml:"max_speech_duration_s"`

	// MinSilenceDurationMs is how long silence must last before a segment
	// is closed.
	MinSilenceDurationMs int `yaml:"min_silence_duration_ms"`

	WindowSize int `yaml:"window_size"`

	// SpeechPadMs pads each final segment on both sides.
	SpeechPadMs int `yaml:"speech_pad_ms"`
}

// DefaultConfig returns the standard detection parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:            0.5,
		SampleRate:           DefaultSampleRate,
		MinSpeechDurationMs:  250,
		MaxSpeechDurationS:   math.Inf(1),
		MinSilenceDurationMs: 100,
		WindowSize:           DefaultWindowSize,
		SpeechPadMs:          30,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.SampleRate != DefaultSampleRate {
		return fmt.Errorf("sample_rate must be %d, got %d", DefaultSampleRate, c.SampleRate)
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("threshold must be in (0, 1), got %v", c.Threshold)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %d", c.WindowSize)
	}
	if c.MinSpeechDurationMs < 0 {
		return fmt.Errorf("min_speech_duration_ms must not be negative, got %d", c.MinSpeechDurationMs)
	}
	if c.MinSilenceDurationMs < 0 {
		return fmt.Errorf("min_silence_duration_ms must not be negative, got %d", c.MinSilenceDurationMs)
	}
	if c.SpeechPadMs < 0 {
		return fmt.Errorf("speech_pad_ms must not be negative, got %d", c.SpeechPadMs)
	}
	return nil
}

// Detector finds speech segments in a stream of 16 kHz mono samples. State
// is preserved across Consume calls so segments spanning call boundaries are
// detected correctly. Not safe for concurrent use; each capture owns its own
// detector.
type Detector struct {
	cfg          Config
	negThreshold float64
	model        Model
	logger       *slog.Logger

	buffer       []float32
	sampleOffset int64
	finished     bool

	// Segment state machine.
	triggered bool
	current   TimeSegment
	tempEnd   int64
	prevEnd   int64
	nextStart int64

	// Padding state. The last segment of each call is held back so a
	// future adjacent segment can still shrink its trailing pad. Once a
	// held segment is released early, padNextStart marks that the next
	// segment must receive its full leading pad.
	lastSpeech       *TimeSegment
	foundFirstSpeech bool
	padNextStart     bool

	windowsProcessed int64
	segmentsEmitted  int64
}

// NewDetector creates a detector using the given model for window scoring.
func NewDetector(cfg Config, model Model, logger *slog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad config: %w", err)
	}
	if cfg.MaxSpeechDurationS == 0 {
		cfg.MaxSpeechDurationS = math.Inf(1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:          cfg,
		negThreshold: cfg.Threshold - 0.15,
		model:        model,
		logger:       logger.With(slog.String("component", "vad")),
		current:      TimeSegment{Start: -1, End: -1},
	}, nil
}

// InsideSpeech reports whether the detector is currently inside an open
// speech segment.
func (d *Detector) InsideSpeech() bool {
	return d.triggered
}

// SpeechPending reports whether a finalized segment is being held back
// awaiting padding resolution.
func (d *Detector) SpeechPending() bool {
	return d.lastSpeech != nil
}

// Consume ingests samples and returns any speech segments finalized by this
// call, as global sample indices. Leftover samples that do not fill a whole
// window are retained for the next call; with endStream the final partial
// window is zero padded and the detector becomes unusable afterwards.
func (d *Detector) Consume(samples []float32, endStream bool) ([]TimeSegment, error) {
	if d.finished {
		return nil, ErrStreamEnded
	}
	d.finished = endStream

	d.buffer = append(d.buffer, samples...)
	if !endStream && len(d.buffer) < d.cfg.WindowSize {
		return nil, nil
	}

	windowSize := d.cfg.WindowSize
	sampleRate := int64(d.cfg.SampleRate)
	minSpeechSamples := sampleRate * int64(d.cfg.MinSpeechDurationMs) / 1000
	padSamples := sampleRate * int64(d.cfg.SpeechPadMs) / 1000
	maxSpeechSamples := float64(sampleRate)*d.cfg.MaxSpeechDurationS - float64(windowSize) - 2*float64(padSamples)
	minSilenceSamples := sampleRate * int64(d.cfg.MinSilenceDurationMs) / 1000
	minSilenceSamplesAtMaxSpeech := sampleRate * minSilenceAtMaxSpeechMs / 1000

	// Score whole windows. With endStream the final partial window is
	// zero padded and scored too.
	audioLength := len(d.buffer)
	var probs []float32
	window := make([]float32, windowSize)
	processed := 0
	for processed < audioLength {
		chunkLength := min(windowSize, audioLength-processed)
		if chunkLength < windowSize && !endStream {
			break
		}
		copy(window, d.buffer[processed:processed+chunkLength])
		for j := chunkLength; j < windowSize; j++ {
			window[j] = 0
		}
		probs = append(probs, d.model.Probability(window))
		processed += chunkLength
	}
	d.windowsProcessed += int64(len(probs))

	if processed >= audioLength {
		d.buffer = nil
	} else {
		d.buffer = d.buffer[processed:]
	}

	// Walk the window probabilities through the segment state machine.
	// All arithmetic uses global sample offsets.
	var speeches []TimeSegment
	for i, prob := range probs {
		p := float64(prob)
		windowStart := int64(windowSize)*int64(i) + d.sampleOffset

		if p >= d.cfg.Threshold && d.tempEnd != 0 {
			d.tempEnd = 0
			if d.nextStart < d.prevEnd {
				d.nextStart = windowStart
			}
		}

		if p >= d.cfg.Threshold && !d.triggered {
			d.triggered = true
			d.current.Start = windowStart
			continue
		}

		if d.triggered && float64(windowStart-d.current.Start) > maxSpeechSamples {
			if d.prevEnd != 0 {
				d.current.End = d.prevEnd
				speeches = append(speeches, d.current)
				d.current = TimeSegment{Start: -1, End: -1}
				// A silence below negThreshold was reached and speech has
				// not resumed; otherwise restart at the tracked position.
				if d.nextStart < d.prevEnd {
					d.triggered = false
				} else {
					d.current.Start = d.nextStart
				}
				d.prevEnd, d.nextStart, d.tempEnd = 0, 0, 0
			} else {
				d.current.End = windowStart
				speeches = append(speeches, d.current)
				d.current = TimeSegment{Start: -1, End: -1}
				d.prevEnd, d.nextStart, d.tempEnd = 0, 0, 0
				d.triggered = false
				continue
			}
		}

		if p < d.negThreshold && d.triggered {
			if d.tempEnd == 0 {
				d.tempEnd = windowStart
			}
			if windowStart-d.tempEnd > minSilenceSamplesAtMaxSpeech {
				d.prevEnd = d.tempEnd
			}
			if windowStart-d.tempEnd < minSilenceSamples {
				continue
			}
			d.current.End = d.tempEnd
			if d.current.End-d.current.Start > minSpeechSamples {
				speeches = append(speeches, d.current)
			}
			d.current = TimeSegment{Start: -1, End: -1}
			d.prevEnd, d.nextStart, d.tempEnd = 0, 0, 0
			d.triggered = false
			continue
		}
	}

	d.sampleOffset += int64(processed)
	audioEnd := d.sampleOffset

	if endStream && d.current.Start >= 0 && audioEnd-d.current.Start > minSpeechSamples {
		d.current.End = audioEnd
		speeches = append(speeches, d.current)
		d.current = TimeSegment{Start: -1, End: -1}
	}

	// Padding pass. The segment held back by the previous call rejoins the
	// list first so its trailing pad resolves against its real successor.
	reinserted := false
	if d.lastSpeech != nil {
		speeches = append([]TimeSegment{*d.lastSpeech}, speeches...)
		d.lastSpeech = nil
		reinserted = true
	}

	for i := range speeches {
		if i == 0 {
			firstEver := !d.foundFirstSpeech
			afterRelease := d.padNextStart && !reinserted
			if firstEver || afterRelease {
				speeches[0].Start = max(0, speeches[0].Start-padSamples)
			}
		}
		if i != len(speeches)-1 {
			gap := speeches[i+1].Start - speeches[i].End
			if gap < 2*padSamples {
				speeches[i].End += gap / 2
				speeches[i+1].Start = max(0, speeches[i+1].Start-gap/2)
			} else {
				speeches[i].End = min(audioEnd, speeches[i].End+padSamples)
				speeches[i+1].Start = max(0, speeches[i+1].Start-padSamples)
			}
		} else if endStream {
			speeches[i].End = min(audioEnd, speeches[i].End+padSamples)
		}
	}

	if len(speeches) > 0 {
		d.foundFirstSpeech = true
		d.padNextStart = false
	}

	if len(speeches) > 0 && !endStream {
		held := speeches[len(speeches)-1]
		speeches = speeches[:len(speeches)-1]

		// Release the held segment once enough silence is known to follow
		// it that no future segment can alter its padding.
		nextSpeechStart := audioEnd
		if d.triggered {
			nextSpeechStart = d.current.Start
		}
		if nextSpeechStart-held.End >= 2*padSamples {
			held.End = min(audioEnd, held.End+padSamples)
			speeches = append(speeches, held)
			d.padNextStart = true
		} else {
			d.lastSpeech = &held
		}
	}

	d.segmentsEmitted += int64(len(speeches))
	return speeches, nil
}

// ConsumeMillis is Consume with timestamps converted to milliseconds from
// the start of the stream.
func (d *Detector) ConsumeMillis(samples []float32, endStream bool) ([]TimeSegment, error) {
	speeches, err := d.Consume(samples, endStream)
	if err != nil {
		return nil, err
	}
	scale := 1000.0 / float64(d.cfg.SampleRate)
	for i := range speeches {
		speeches[i].Start = int64(math.Floor(float64(speeches[i].Start)*scale + 0.5))
		speeches[i].End = int64(math.Floor(float64(speeches[i].End)*scale + 0.5))
	}
	return speeches, nil
}

// Stats reports cumulative detection counters.
func (d *Detector) Stats() (windowsProcessed, segmentsEmitted int64) {
	return d.windowsProcessed, d.segmentsEmitted
}
