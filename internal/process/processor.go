package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auricleai/auricle/internal/audio"
	"github.com/auricleai/auricle/internal/capture"
	"github.com/auricleai/auricle/internal/catalog"
	"github.com/auricleai/auricle/internal/vad"
)

// Transcriber produces an offline transcript of an audio file.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*catalog.Transcription, error)
}

// Summarizer produces conversation summaries from a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, conv *catalog.Conversation) (string, error)
	SummarizeShort(ctx context.Context, conv *catalog.Conversation) (string, error)
}

// LinkSuggester proposes web links relevant to a conversation.
type LinkSuggester interface {
	SuggestLinks(ctx context.Context, conv *catalog.Conversation) ([]string, error)
}

// Processor runs the post-capture pipeline. Summarizer and LinkSuggester
// are optional; a nil value skips that stage.
type Processor struct {
	store       *catalog.Store
	transcriber Transcriber
	summarizer  Summarizer
	links       LinkSuggester
	notifier    capture.Notifier
	model       string
	logger      *slog.Logger
}

// NewProcessor creates the conversation processor. model names the
// summarization model recorded on conversations it completes.
func NewProcessor(store *catalog.Store, transcriber Transcriber, summarizer Summarizer, links LinkSuggester, notifier capture.Notifier, model string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:       store,
		transcriber: transcriber,
		summarizer:  summarizer,
		links:       links,
		notifier:    notifier,
		model:       model,
		logger:      logger.With(slog.String("component", "process")),
	}
}

// ProcessConversation runs the pipeline for one conversation. Pipeline
// errors mark the conversation FAILED and are returned; an empty transcript
// deletes the conversation instead.
func (p *Processor) ProcessConversation(ctx context.Context, conversationUUID string) error {
	conv, err := p.store.GetConversation(ctx, conversationUUID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	switch conv.State {
	case catalog.StateCapturing:
		if err := p.store.TransitionConversation(ctx, conversationUUID, catalog.StateProcessing); err != nil {
			return err
		}
	case catalog.StateProcessing:
		// Re-entry after a queue replay; proceed.
	case catalog.StateCompleted:
		p.logger.Info("Conversation already completed, skipping",
			slog.String("conversation_uuid", conversationUUID))
		return nil
	case catalog.StateFailed:
		return fmt.Errorf("conversation %s is FAILED; use Retry", conversationUUID)
	}
	p.emitUpdate(ctx, conversationUUID)

	start := time.Now()
	deleted, err := p.run(ctx, conv)
	if err != nil {
		p.fail(ctx, conversationUUID, err)
		return err
	}
	if deleted {
		return nil
	}

	if err := p.store.TransitionConversation(ctx, conversationUUID, catalog.StateCompleted); err != nil {
		return err
	}
	p.logger.Info("Conversation processed",
		slog.String("conversation_uuid", conversationUUID),
		slog.Duration("elapsed", time.Since(start)))
	p.snapshotConversation(ctx, conv)
	p.emitUpdate(ctx, conversationUUID)
	return nil
}

// Retry re-runs the pipeline for a FAILED conversation.
func (p *Processor) Retry(ctx context.Context, conversationUUID string) error {
	if err := p.store.RestartProcessing(ctx, conversationUUID); err != nil {
		return err
	}
	return p.ProcessConversation(ctx, conversationUUID)
}

// run executes the pipeline stages. Returns true when the conversation was
// deleted for having an empty transcript.
func (p *Processor) run(ctx context.Context, conv *catalog.Conversation) (bool, error) {
	if conv.Segment == nil {
		return false, errors.New("conversation has no segment")
	}
	segmentPath := conv.Segment.Filepath

	started := time.Now()
	transcription, err := p.transcriber.Transcribe(ctx, segmentPath)
	if err != nil {
		return false, fmt.Errorf("transcribe: %w", err)
	}
	transcription.TranscriptionTime = time.Since(started).Seconds()

	if transcriptEmpty(transcription) {
		p.logger.Info("Empty transcript, deleting conversation",
			slog.String("conversation_uuid", conv.ConversationUUID))
		return true, p.deleteConversation(ctx, conv)
	}

	stampSpokenAt(transcription, conv.StartTime)
	transcription.ConversationID = conv.ID
	if err := p.store.SaveTranscription(ctx, transcription); err != nil {
		return false, fmt.Errorf("save transcription: %w", err)
	}
	p.snapshotTranscript(segmentPath, transcription)
	conv.Transcriptions = append(conv.Transcriptions, *transcription)

	if err := p.enrich(ctx, conv); err != nil {
		return false, err
	}
	p.resolveLocation(ctx, conv)
	p.recordDurations(ctx, conv)
	return false, nil
}

// enrich runs summarization and link suggestion concurrently and persists
// the results.
func (p *Processor) enrich(ctx context.Context, conv *catalog.Conversation) error {
	var summary, shortSummary string
	var urls []string

	g, gctx := errgroup.WithContext(ctx)
	if p.summarizer != nil {
		g.Go(func() error {
			var err error
			summary, err = p.summarizer.Summarize(gctx, conv)
			if err != nil {
				return fmt.Errorf("summarize: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			var err error
			shortSummary, err = p.summarizer.SummarizeShort(gctx, conv)
			if err != nil {
				return fmt.Errorf("summarize short: %w", err)
			}
			return nil
		})
	}
	if p.links != nil {
		g.Go(func() error {
			var err error
			urls, err = p.links.SuggestLinks(gctx, conv)
			if err != nil {
				return fmt.Errorf("suggest links: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if p.summarizer != nil {
		if err := p.store.SetConversationSummaries(ctx, conv.ConversationUUID, summary, shortSummary, p.model); err != nil {
			return fmt.Errorf("save summaries: %w", err)
		}
	}
	if p.links != nil && len(urls) > 0 {
		if err := p.store.ReplaceSuggestedLinks(ctx, conv.ID, urls); err != nil {
			return fmt.Errorf("save suggested links: %w", err)
		}
	}
	return nil
}

// resolveLocation picks the most frequently reported location during the
// conversation as its primary location. Absence of location data is not an
// error.
func (p *Processor) resolveLocation(ctx context.Context, conv *catalog.Conversation) {
	captureUUID := p.captureUUID(ctx, conv)
	if captureUUID == "" {
		return
	}
	end := time.Now().UTC()
	if conv.EndTime != nil {
		end = *conv.EndTime
	}
	loc, err := p.store.MostCommonLocation(ctx, captureUUID, conv.StartTime, end)
	if errors.Is(err, catalog.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.Error("Failed to resolve location",
			slog.String("conversation_uuid", conv.ConversationUUID),
			slog.String("error", err.Error()))
		return
	}
	if err := p.store.SetConversationPrimaryLocation(ctx, conv.ConversationUUID, loc.ID); err != nil {
		p.logger.Error("Failed to set primary location",
			slog.String("conversation_uuid", conv.ConversationUUID),
			slog.String("error", err.Error()))
	}
}

// recordDurations measures the segment audio and updates the segment and
// parent capture durations. Failures are logged, not fatal.
func (p *Processor) recordDurations(ctx context.Context, conv *catalog.Conversation) {
	seconds, err := audioDuration(conv.Segment.Filepath)
	if err != nil {
		p.logger.Error("Failed to measure segment duration",
			slog.String("filepath", conv.Segment.Filepath),
			slog.String("error", err.Error()))
		return
	}
	if err := p.store.SetSegmentDuration(ctx, conv.Segment.ID, seconds); err != nil {
		p.logger.Error("Failed to record segment duration",
			slog.String("conversation_uuid", conv.ConversationUUID),
			slog.String("error", err.Error()))
	}

	capRow, err := p.store.GetCaptureByID(ctx, conv.Segment.SourceCaptureID)
	if err != nil {
		return
	}
	capSeconds, err := audioDuration(capRow.Filepath)
	if err != nil {
		return
	}
	if err := p.store.UpdateCaptureDuration(ctx, capRow.CaptureUUID, capSeconds); err != nil {
		p.logger.Error("Failed to record capture duration",
			slog.String("capture_uuid", capRow.CaptureUUID),
			slog.String("error", err.Error()))
	}
}

// deleteConversation removes the catalog rows and on-disk artifacts of a
// conversation with no speech content.
func (p *Processor) deleteConversation(ctx context.Context, conv *catalog.Conversation) error {
	if err := p.store.DeleteConversation(ctx, conv.ConversationUUID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	for _, path := range []string{
		conv.Segment.Filepath,
		capture.TranscriptFilepath(conv.Segment.Filepath),
		capture.ConversationFilepath(conv.Segment.Filepath),
	} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Error("Failed to remove conversation file",
				slog.String("filepath", path),
				slog.String("error", err.Error()))
		}
	}
	if p.notifier != nil {
		p.notifier.Emit("delete_conversation", map[string]any{
			"conversation_uuid": conv.ConversationUUID,
		})
	}
	return nil
}

// DeleteConversation removes a conversation on user request, including its
// on-disk artifacts.
func (p *Processor) DeleteConversation(ctx context.Context, conversationUUID string) error {
	conv, err := p.store.GetConversation(ctx, conversationUUID)
	if err != nil {
		return err
	}
	if conv.Segment == nil {
		return p.store.DeleteConversation(ctx, conversationUUID)
	}
	return p.deleteConversation(ctx, conv)
}

func (p *Processor) fail(ctx context.Context, conversationUUID string, cause error) {
	p.logger.Error("Conversation processing failed",
		slog.String("conversation_uuid", conversationUUID),
		slog.String("error", cause.Error()))
	if err := p.store.TransitionConversation(ctx, conversationUUID, catalog.StateFailed); err != nil {
		p.logger.Error("Failed to mark conversation FAILED",
			slog.String("conversation_uuid", conversationUUID),
			slog.String("error", err.Error()))
	}
	p.emitUpdate(ctx, conversationUUID)
}

func (p *Processor) emitUpdate(ctx context.Context, conversationUUID string) {
	if p.notifier == nil {
		return
	}
	conv, err := p.store.GetConversation(ctx, conversationUUID)
	if err != nil {
		return
	}
	p.notifier.Emit("update_conversation", conv)
}

// captureUUID returns the uuid of the conversation's source capture, or ""
// when it cannot be resolved.
func (p *Processor) captureUUID(ctx context.Context, conv *catalog.Conversation) string {
	if conv.Segment == nil {
		return ""
	}
	row, err := p.store.GetCaptureByID(ctx, conv.Segment.SourceCaptureID)
	if err != nil {
		return ""
	}
	return row.CaptureUUID
}

// snapshotTranscript writes the transcript JSON next to the segment file.
func (p *Processor) snapshotTranscript(segmentPath string, tr *catalog.Transcription) {
	writeJSON(capture.TranscriptFilepath(segmentPath), tr, p.logger)
}

// snapshotConversation writes the final conversation JSON next to the
// segment file.
func (p *Processor) snapshotConversation(ctx context.Context, conv *catalog.Conversation) {
	full, err := p.store.GetConversation(ctx, conv.ConversationUUID)
	if err != nil {
		return
	}
	writeJSON(capture.ConversationFilepath(conv.Segment.Filepath), full, p.logger)
}

func writeJSON(path string, v any, logger *slog.Logger) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Error("Failed to encode snapshot",
			slog.String("filepath", path),
			slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Error("Failed to write snapshot",
			slog.String("filepath", path),
			slog.String("error", err.Error()))
	}
}

// transcriptEmpty reports whether a transcript contains no spoken text.
func transcriptEmpty(tr *catalog.Transcription) bool {
	for _, u := range tr.Utterances {
		if u.Text != nil && strings.TrimSpace(*u.Text) != "" {
			return false
		}
	}
	return true
}

// stampSpokenAt converts utterance offsets into absolute wall-clock times
// relative to the conversation start.
func stampSpokenAt(tr *catalog.Transcription, conversationStart time.Time) {
	for i := range tr.Utterances {
		u := &tr.Utterances[i]
		if u.Start == nil {
			continue
		}
		at := conversationStart.Add(time.Duration(*u.Start * float64(time.Second))).UTC()
		u.SpokenAt = &at
	}
}

// audioDuration measures an on-disk audio file in seconds by format.
func audioDuration(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if strings.TrimPrefix(filepath.Ext(path), ".") == "wav" {
		return audio.GetWAVDuration(data)
	}
	return audio.ADTSDuration(data, vad.DefaultSampleRate), nil
}
