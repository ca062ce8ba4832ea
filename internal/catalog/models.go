package catalog

import "time"

// ConversationState tracks the processing lifecycle of a conversation.
// States only advance along CAPTURING -> PROCESSING -> COMPLETED, with
// FAILED reachable from CAPTURING or PROCESSING. COMPLETED is terminal.
type ConversationState string

const (
	StateCapturing  ConversationState = "CAPTURING"
	StateProcessing ConversationState = "PROCESSING"
	StateCompleted  ConversationState = "COMPLETED"
	StateFailed     ConversationState = "FAILED"
)

// CanTransition reports whether the state may advance to next.
func (s ConversationState) CanTransition(next ConversationState) bool {
	switch s {
	case StateCapturing:
		return next == StateProcessing || next == StateFailed
	case StateProcessing:
		return next == StateCompleted || next == StateFailed
	default:
		return false
	}
}

// Capture is one on-disk capture file produced by a device session.
type Capture struct {
	ID          int64     `json:"id"`
	CaptureUUID string    `json:"capture_uuid"`
	Filepath    string    `json:"filepath"`
	StartTime   time.Time `json:"start_time"`
	DeviceType  string    `json:"device_type"`
	Duration    *float64  `json:"duration,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Segment is the slice of a capture file holding one conversation. The row
// is created when the conversation is first detected; the on-disk bytes are
// written when the conversation is finalized.
type Segment struct {
	ID               int64     `json:"id"`
	Filepath         string    `json:"filepath"`
	StartTime        time.Time `json:"start_time"`
	ConversationUUID string    `json:"conversation_uuid"`
	SourceCaptureID  int64     `json:"source_capture_id"`
	Duration         *float64  `json:"duration,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Conversation is a detected stretch of speech along with everything derived
// from it. Related rows are loaded explicitly.
type Conversation struct {
	ID                 int64             `json:"id"`
	ConversationUUID   string            `json:"conversation_uuid"`
	StartTime          time.Time         `json:"start_time"`
	EndTime            *time.Time        `json:"end_time,omitempty"`
	DeviceType         string            `json:"device_type"`
	State              ConversationState `json:"state"`
	Summary            *string           `json:"summary,omitempty"`
	ShortSummary       *string           `json:"short_summary,omitempty"`
	SummarizationModel *string           `json:"summarization_model,omitempty"`
	SegmentID          *int64            `json:"capture_segment_file_id,omitempty"`
	PrimaryLocationID  *int64            `json:"primary_location_id,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`

	// Loaded on demand.
	Segment         *Segment        `json:"capture_segment_file,omitempty"`
	Transcriptions  []Transcription `json:"transcriptions,omitempty"`
	PrimaryLocation *Location       `json:"primary_location,omitempty"`
	SuggestedLinks  []SuggestedLink `json:"suggested_links,omitempty"`
	Images          []Image         `json:"images,omitempty"`
}

// Transcription is one transcript of a conversation, either accumulated in
// real time or produced by offline processing.
type Transcription struct {
	ID                int64       `json:"id"`
	ConversationID    int64       `json:"conversation_id"`
	Realtime          bool        `json:"realtime"`
	Model             string      `json:"model"`
	TranscriptionTime float64     `json:"transcription_time"`
	CreatedAt         time.Time   `json:"created_at"`
	Utterances        []Utterance `json:"utterances,omitempty"`
}

// Utterance is one speaker turn within a transcription.
type Utterance struct {
	ID              int64      `json:"id"`
	TranscriptionID int64      `json:"transcription_id"`
	Start           *float64   `json:"start,omitempty"`
	End             *float64   `json:"end,omitempty"`
	SpokenAt        *time.Time `json:"spoken_at,omitempty"`
	Realtime        bool       `json:"realtime"`
	Text            *string    `json:"text,omitempty"`
	Speaker         *string    `json:"speaker,omitempty"`
	Words           []Word     `json:"words,omitempty"`
}

// Word is one word-level alignment within an utterance.
type Word struct {
	ID          int64    `json:"id"`
	UtteranceID int64    `json:"utterance_id"`
	Word        string   `json:"word"`
	Start       *float64 `json:"start,omitempty"`
	End         *float64 `json:"end,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	Speaker     *string  `json:"speaker,omitempty"`
}

// Location is a geotagged point reported by a device during a capture.
type Location struct {
	ID          int64     `json:"id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Address     *string   `json:"address,omitempty"`
	CaptureUUID *string   `json:"capture_uuid,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SuggestedLink is a web link relevant to a conversation's content.
type SuggestedLink struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	URL            string `json:"url"`
}

// Image is a photo uploaded during a capture, associated with the
// conversation in progress at the time.
type Image struct {
	ID               int64     `json:"id"`
	Filepath         string    `json:"filepath"`
	CapturedAt       time.Time `json:"captured_at"`
	ConversationUUID string    `json:"conversation_uuid"`
	SourceCaptureID  int64     `json:"source_capture_id"`
	ConversationID   *int64    `json:"conversation_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
