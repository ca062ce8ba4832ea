package endpoint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/auricleai/auricle/internal/vad"
)

// DefaultTimeoutSeconds is the silence duration after which a conversation
// is considered over.
const DefaultTimeoutSeconds = 300

// ErrStreamEnded is returned when Consume is called after a call with
// endStream set.
var ErrStreamEnded = errors.New("endpoint: stream already ended")

// Endpoints are the absolute start and end times of a conversation within
// its capture.
type Endpoints struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DetectedConversation identifies a conversation found in the audio stream.
// The UUID is assigned when the conversation opens and is reused for the
// catalog row and the segment filename.
type DetectedConversation struct {
	UUID      string    `json:"uuid"`
	Endpoints Endpoints `json:"endpoints"`
}

// Config holds endpointing parameters.
type Config struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MinUtterances applies to the streaming endpointer only.
	MinUtterances int `yaml:"min_utterances"`
}

// DefaultConfig returns the standard endpointing parameters.
func DefaultConfig() Config {
	return Config{
		TimeoutSeconds: DefaultTimeoutSeconds,
		MinUtterances:  2,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if c.MinUtterances < 0 {
		return fmt.Errorf("min_utterances must not be negative, got %d", c.MinUtterances)
	}
	return nil
}

// Detector turns a stream of audio samples into conversations. It feeds the
// samples through a streaming VAD and closes the open conversation whenever
// the silence between speech segments reaches the timeout. Not safe for
// concurrent use.
type Detector struct {
	timeoutMs int64
	startTime time.Time
	detector  *vad.Detector
	finished  bool

	open         bool
	currentUUID  string
	currentStart int64 // milliseconds from capture start
	currentEnd   int64

	samplesProcessed int64
}

// NewDetector creates a conversation detector. startTime anchors the
// millisecond offsets to absolute time; the VAD detector must be fresh and
// becomes owned by the endpointer.
func NewDetector(cfg Config, startTime time.Time, detector *vad.Detector) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint config: %w", err)
	}
	return &Detector{
		timeoutMs: int64(cfg.TimeoutSeconds) * 1000,
		startTime: startTime,
		detector:  detector,
	}, nil
}

// Consume ingests samples and returns conversations completed by this call.
// Pass endStream to flush the open conversation; the detector is single-use
// afterwards. A nil or empty sample slice is valid and still advances the
// idle-timeout clock only with endStream (otherwise no windows complete).
func (d *Detector) Consume(samples []float32, endStream bool) ([]DetectedConversation, error) {
	if d.finished {
		return nil, ErrStreamEnded
	}

	segments, err := d.detector.ConsumeMillis(samples, endStream)
	if err != nil {
		return nil, fmt.Errorf("vad consume: %w", err)
	}

	var conversations []DetectedConversation
	for _, segment := range segments {
		if !d.open {
			d.currentUUID = NewConversationUUID()
			d.currentStart = segment.Start
			d.open = true
		} else if segment.Start-d.currentEnd >= d.timeoutMs {
			conversations = append(conversations, d.snapshot())
			d.currentUUID = NewConversationUUID()
			d.currentStart = segment.Start
		}
		d.currentEnd = segment.End
	}

	d.samplesProcessed += int64(len(samples))
	msProcessed := d.samplesProcessed * 1000 / vad.DefaultSampleRate

	// No segments came out and none is forming: a run of silence. Check
	// whether the open conversation has idled past the timeout.
	if d.open && len(segments) == 0 &&
		!d.detector.SpeechPending() && !d.detector.InsideSpeech() {
		if msProcessed-d.currentEnd >= d.timeoutMs {
			conversations = append(conversations, d.snapshot())
			d.reset()
		}
	}

	if endStream {
		if d.open {
			conversations = append(conversations, d.snapshot())
			d.reset()
		}
		d.finished = true
	}

	return conversations, nil
}

// InProgress returns the open conversation, if any. Its end is the last
// observed speech end and will keep growing until the conversation closes.
func (d *Detector) InProgress() *DetectedConversation {
	if !d.open {
		return nil
	}
	c := d.snapshot()
	return &c
}

func (d *Detector) snapshot() DetectedConversation {
	return DetectedConversation{
		UUID: d.currentUUID,
		Endpoints: Endpoints{
			Start: d.startTime.Add(time.Duration(d.currentStart) * time.Millisecond),
			End:   d.startTime.Add(time.Duration(d.currentEnd) * time.Millisecond),
		},
	}
}

func (d *Detector) reset() {
	d.open = false
	d.currentUUID = ""
	d.currentStart = 0
	d.currentEnd = 0
}

// NewConversationUUID returns a 32-character lowercase hex identifier used
// for catalog rows and segment filenames.
func NewConversationUUID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
