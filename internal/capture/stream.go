package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auricleai/auricle/internal/catalog"
	"github.com/auricleai/auricle/internal/endpoint"
)

// RealtimeTranscriber is a live transcription session fed with raw audio as
// it arrives. Utterances are delivered through the callback as the remote
// service produces them.
type RealtimeTranscriber interface {
	SendAudio(data []byte) error
	SetUtteranceCallback(fn func(*catalog.Utterance))
	Close() error
}

// StreamHandler owns one live streaming session for a capture. Audio is
// mirrored into the capture file and the current conversation's segment
// file, fed to a realtime transcriber, and endpointed by utterance activity
// rather than by a detection worker.
type StreamHandler struct {
	orch        *Orchestrator
	capture     *catalog.Capture
	transcriber RealtimeTranscriber
	endpointer  *endpoint.StreamingEndpointer
	logger      *slog.Logger

	mu          sync.Mutex
	convUUID    string
	segmentPath string
	finished    bool
}

// NewStreamHandler starts a streaming session for an already-begun capture.
// If the capture has a conversation still marked CAPTURING from an earlier
// connection, the session resumes it; otherwise a fresh conversation and
// segment are created.
func NewStreamHandler(ctx context.Context, orch *Orchestrator, capture *catalog.Capture, transcriber RealtimeTranscriber, timeout time.Duration, minUtterances int) (*StreamHandler, error) {
	h := &StreamHandler{
		orch:        orch,
		capture:     capture,
		transcriber: transcriber,
		logger:      orch.logger.With(slog.String("capture_uuid", capture.CaptureUUID)),
	}

	if err := h.initConversation(ctx); err != nil {
		return nil, err
	}

	h.endpointer = endpoint.NewStreamingEndpointer(timeout, minUtterances, h.onEndpoint)
	if transcriber != nil {
		transcriber.SetUtteranceCallback(h.handleUtterance)
	}
	return h, nil
}

// ConversationUUID returns the uuid of the conversation currently being
// captured.
func (h *StreamHandler) ConversationUUID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.convUUID
}

// Receive appends an audio chunk to the capture file and the current
// segment file, and forwards it to the realtime transcriber.
func (h *StreamHandler) Receive(ctx context.Context, data []byte) error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return errors.New("streaming session already finished")
	}
	segmentPath := h.segmentPath
	h.mu.Unlock()

	if err := appendToFile(h.capture.Filepath, data); err != nil {
		return err
	}
	if err := appendToFile(segmentPath, data); err != nil {
		return err
	}
	if h.transcriber != nil {
		if err := h.transcriber.SendAudio(data); err != nil {
			h.logger.Error("Failed to forward audio to transcriber",
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Finish ends the session, queueing the current conversation for
// processing.
func (h *StreamHandler) Finish(ctx context.Context) error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return nil
	}
	h.finished = true
	convUUID := h.convUUID
	h.mu.Unlock()

	h.endpointer.Stop()
	if h.transcriber != nil {
		if err := h.transcriber.Close(); err != nil {
			h.logger.Error("Failed to close transcriber session",
				slog.String("error", err.Error()))
		}
	}

	h.finishConversation(ctx, convUUID)
	h.logger.Info("Streaming session finished",
		slog.String("conversation_uuid", convUUID))
	return nil
}

// initConversation resumes the latest CAPTURING conversation for this
// capture or starts a new one.
func (h *StreamHandler) initConversation(ctx context.Context) error {
	existing, err := h.orch.store.LatestCapturingConversation(ctx, h.capture.CaptureUUID)
	if err == nil {
		if existing.Segment == nil {
			return fmt.Errorf("conversation %s has no segment", existing.ConversationUUID)
		}
		h.convUUID = existing.ConversationUUID
		h.segmentPath = existing.Segment.Filepath
		h.logger.Info("Resumed streaming conversation",
			slog.String("conversation_uuid", h.convUUID))
		return nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	return h.startConversation(ctx)
}

// startConversation creates a new conversation, its segment row, and its
// empty realtime transcription, then announces it. Callers hold no lock or
// the handler lock; the store is safe either way.
func (h *StreamHandler) startConversation(ctx context.Context) error {
	convUUID := endpoint.NewConversationUUID()
	now := time.Now().UTC()

	segmentPath, err := h.orch.dir.SegmentFilepath(h.capture, convUUID, now)
	if err != nil {
		return err
	}
	conversation := &catalog.Conversation{
		ConversationUUID: convUUID,
		StartTime:        now,
		DeviceType:       h.capture.DeviceType,
	}
	segment := &catalog.Segment{
		Filepath:         segmentPath,
		StartTime:        now,
		ConversationUUID: convUUID,
		SourceCaptureID:  h.capture.ID,
	}
	if err := h.orch.store.CreateCapturingConversation(ctx, conversation, segment); err != nil {
		return err
	}

	h.convUUID = convUUID
	h.segmentPath = segmentPath
	h.logger.Info("Started streaming conversation",
		slog.String("conversation_uuid", convUUID))

	if h.orch.notifier != nil {
		full, err := h.orch.store.GetConversation(ctx, convUUID)
		if err == nil {
			h.orch.notifier.Emit("new_conversation", full)
		}
	}
	return nil
}

// handleUtterance records a realtime utterance, notifies clients, and marks
// the endpointer.
func (h *StreamHandler) handleUtterance(u *catalog.Utterance) {
	h.endpointer.UtteranceDetected()

	h.mu.Lock()
	convUUID := h.convUUID
	h.mu.Unlock()

	ctx := context.Background()
	conversation, err := h.orch.store.GetConversation(ctx, convUUID)
	if err != nil {
		h.logger.Error("Failed to load conversation for utterance",
			slog.String("conversation_uuid", convUUID),
			slog.String("error", err.Error()))
		return
	}
	var realtime *catalog.Transcription
	for i := range conversation.Transcriptions {
		if conversation.Transcriptions[i].Realtime {
			realtime = &conversation.Transcriptions[i]
			break
		}
	}
	if realtime == nil {
		h.logger.Error("Conversation has no realtime transcription",
			slog.String("conversation_uuid", convUUID))
		return
	}

	u.TranscriptionID = realtime.ID
	u.Realtime = true
	now := time.Now().UTC()
	u.SpokenAt = &now
	if err := h.orch.store.AddUtterance(ctx, u); err != nil {
		h.logger.Error("Failed to record utterance",
			slog.String("conversation_uuid", convUUID),
			slog.String("error", err.Error()))
		return
	}

	if h.orch.notifier != nil {
		h.orch.notifier.Emit("new_utterance", map[string]any{
			"conversation_uuid": convUUID,
			"utterance":         u,
		})
	}
}

// onEndpoint fires when the streaming endpointer decides the conversation
// has gone quiet: hand the current conversation to processing and roll over
// to a fresh segment.
// ForceEndpoint ends the current conversation immediately and rolls over to
// a new one, as if the endpoint timeout had fired.
func (h *StreamHandler) ForceEndpoint() {
	h.onEndpoint()
}

func (h *StreamHandler) onEndpoint() {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	endedUUID := h.convUUID
	h.mu.Unlock()

	h.logger.Info("Conversation endpoint detected",
		slog.String("conversation_uuid", endedUUID))

	ctx := context.Background()
	h.finishConversation(ctx, endedUUID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	if err := h.startConversation(ctx); err != nil {
		h.logger.Error("Failed to start next conversation",
			slog.String("error", err.Error()))
	}
}

// finishConversation stamps the end time and queues processing.
func (h *StreamHandler) finishConversation(ctx context.Context, convUUID string) {
	if err := h.orch.store.SetConversationEndTime(ctx, convUUID, time.Now().UTC()); err != nil {
		h.logger.Error("Failed to record conversation end",
			slog.String("conversation_uuid", convUUID),
			slog.String("error", err.Error()))
	}
	h.orch.EnqueueProcessing(convUUID)
}
