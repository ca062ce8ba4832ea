package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/auricleai/auricle/internal/audio"
	"github.com/auricleai/auricle/internal/capture"
	"github.com/auricleai/auricle/internal/catalog"
	"github.com/auricleai/auricle/internal/config"
	"github.com/auricleai/auricle/internal/metrics"
	"github.com/auricleai/auricle/internal/transcription"
)

// chunkTimestampLayout is the wire format of the upload_chunk timestamp
// field, e.g. 20240315-103045.123. Interpreted as UTC.
const chunkTimestampLayout = "20060102-150405.000"

// streamReadBuffer is the read size for streaming upload bodies.
const streamReadBuffer = 32 * 1024

// Pipeline is the slice of the conversation processor the HTTP API needs
// directly. Retry goes through the task queue instead.
type Pipeline interface {
	DeleteConversation(ctx context.Context, conversationUUID string) error
}

// HTTPServer is the fiber-based ingress API: capture uploads (chunked and
// streamed), images, locations, the conversation endpoints, and the
// websocket event feed.
type HTTPServer struct {
	cfg     *config.Config
	app     *fiber.App
	orch    *capture.Orchestrator
	dir     *capture.Directory
	store   *catalog.Store
	pipe    Pipeline
	hub     *Hub
	client  *transcription.Client
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[string]*capture.StreamHandler
}

// NewHTTPServer wires the API. client may be nil, in which case streaming
// sessions run without realtime transcription.
func NewHTTPServer(cfg *config.Config, orch *capture.Orchestrator, dir *capture.Directory, store *catalog.Store, pipe Pipeline, hub *Hub, client *transcription.Client, m *metrics.Metrics, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{
		cfg:     cfg,
		orch:    orch,
		dir:     dir,
		store:   store,
		pipe:    pipe,
		hub:     hub,
		client:  client,
		metrics: m,
		logger:  logger.With(slog.String("component", "http")),
		streams: make(map[string]*capture.StreamHandler),
	}
	s.app = fiber.New(fiber.Config{
		BodyLimit:             cfg.Server.BodyLimit * 1024 * 1024,
		StreamRequestBody:     true,
		DisableStartupMessage: true,
	})
	s.setupRoutes()
	return s
}

func (s *HTTPServer) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(s.withMetrics)

	s.app.Get("/", s.handleRoot)

	// The hub checks the token itself; browsers cannot attach headers to
	// websocket connects.
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", s.hub.Handler())

	captures := s.app.Group("/capture", s.requireAuth)
	captures.Post("/upload_chunk", s.handleUploadChunk)
	captures.Post("/process_capture", s.handleProcessCapture)
	captures.Post("/streaming_post/:capture_uuid", s.handleStreamingPost)
	captures.Post("/streaming_post/:capture_uuid/complete", s.handleStreamingComplete)
	captures.Post("/image", s.handleImage)
	captures.Post("/location", s.handleLocation)

	conv := s.app.Group("/conversations", s.requireAuth)
	conv.Get("/", s.handleListConversations)
	conv.Get("/:uuid", s.handleGetConversation)
	conv.Delete("/:uuid", s.handleDeleteConversation)
	conv.Post("/:uuid/retry", s.handleRetryConversation)
	conv.Post("/:uuid/end", s.handleEndConversation)
}

// Start begins serving in the background. Listen errors after startup are
// logged, not returned.
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Address, s.cfg.Server.Port)
	s.logger.Info("HTTP server starting", slog.String("address", addr))
	go func() {
		if err := s.app.Listen(addr); err != nil {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts the server down, finishing streaming sessions first
// so their conversations are queued for processing.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	handlers := make([]*capture.StreamHandler, 0, len(s.streams))
	for _, h := range s.streams {
		handlers = append(handlers, h)
	}
	s.streams = make(map[string]*capture.StreamHandler)
	s.mu.Unlock()

	for _, h := range handlers {
		if err := h.Finish(ctx); err != nil {
			s.logger.Warn("Failed to finish streaming session on shutdown",
				slog.String("error", err.Error()))
		}
	}
	if s.metrics != nil {
		s.metrics.SetActiveStreams(0)
	}
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for in-process request tests.
func (s *HTTPServer) App() *fiber.App {
	return s.app
}

func (s *HTTPServer) requireAuth(c *fiber.Ctx) error {
	token := s.cfg.Server.AuthToken
	if token == "" {
		return c.Next()
	}
	if c.Get(fiber.HeaderAuthorization) == "Bearer "+token {
		return c.Next()
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "invalid or missing bearer token",
		"code":  "ERR_UNAUTHORIZED",
	})
}

func (s *HTTPServer) withMetrics(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		status = fiberErr.Code
	} else if err != nil {
		status = fiber.StatusInternalServerError
	}
	if s.metrics != nil {
		s.metrics.RecordHTTPRequest(c.Method(), c.Route().Path,
			strconv.Itoa(status), time.Since(start).Seconds())
	}
	return err
}

func (s *HTTPServer) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "auricle",
		"version": "1.0.0",
		"endpoints": fiber.Map{
			"POST /capture/upload_chunk":                              "append an audio chunk (multipart: file, capture_uuid, timestamp, device_type)",
			"POST /capture/process_capture":                           "finalize a capture (form: capture_uuid)",
			"POST /capture/streaming_post/{capture_uuid}":             "stream raw audio into a capture (query: device_type)",
			"POST /capture/streaming_post/{capture_uuid}/complete":    "finalize a streaming capture",
			"POST /capture/image":                                     "attach an image to the active conversation (multipart: file, capture_uuid)",
			"POST /capture/location":                                  "report a device location (JSON)",
			"GET /conversations/":                                     "list completed conversations (query: offset, limit)",
			"GET /conversations/{uuid}":                               "fetch one conversation",
			"DELETE /conversations/{uuid}":                            "delete a conversation and its files",
			"POST /conversations/{uuid}/retry":                        "re-run processing for a failed conversation",
			"POST /conversations/{uuid}/end":                          "force-end the active streaming conversation",
			"GET /ws":                                                 "websocket event feed (query: token)",
		},
	})
}

func (s *HTTPServer) handleUploadChunk(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "no file uploaded", "ERR_NO_FILE")
	}
	captureUUID := c.FormValue("capture_uuid")
	if captureUUID == "" {
		return badRequest(c, "capture_uuid is required", "ERR_MISSING_FIELD")
	}
	timestamp, err := time.Parse(chunkTimestampLayout, c.FormValue("timestamp"))
	if err != nil {
		return badRequest(c, "timestamp must be formatted as 20060102-150405.000", "ERR_BAD_TIMESTAMP")
	}
	timestamp = timestamp.UTC()
	deviceType := c.FormValue("device_type")
	if deviceType == "" {
		deviceType = "unknown"
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	var format string
	switch ext {
	case "wav", "pcm":
		// Raw PCM chunks land in the same WAV capture file as wav chunks;
		// only the uploaded framing differs.
		format = "wav"
	case "aac":
		format = "aac"
	default:
		return badRequest(c, fmt.Sprintf("unsupported audio format %q", ext), "ERR_INVALID_FORMAT")
	}

	src, err := file.Open()
	if err != nil {
		return s.fail(c, fmt.Errorf("failed to open upload: %w", err))
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return s.fail(c, fmt.Errorf("failed to read upload: %w", err))
	}
	if ext == "wav" {
		data = stripWAVHeader(data)
	}

	ctx := c.UserContext()
	starting := !s.orch.Active(captureUUID)
	if _, err := s.orch.Begin(ctx, captureUUID, format, timestamp, deviceType); err != nil {
		return s.fail(c, err)
	}
	if err := s.orch.Append(ctx, captureUUID, data); err != nil {
		return s.fail(c, err)
	}

	if s.metrics != nil {
		s.metrics.RecordChunkReceived(len(data))
		if starting {
			s.metrics.RecordCaptureStarted()
		}
	}
	return c.JSON(fiber.Map{
		"capture_uuid": captureUUID,
		"bytes":        len(data),
		"status":       "queued",
	})
}

func (s *HTTPServer) handleProcessCapture(c *fiber.Ctx) error {
	captureUUID := c.FormValue("capture_uuid")
	if captureUUID == "" {
		return badRequest(c, "capture_uuid is required", "ERR_MISSING_FIELD")
	}
	if err := s.orch.Finalize(c.UserContext(), captureUUID); err != nil {
		return s.fail(c, err)
	}
	if s.metrics != nil {
		s.metrics.RecordCaptureFinished()
	}
	return c.JSON(fiber.Map{
		"capture_uuid": captureUUID,
		"status":       "processing",
	})
}

func (s *HTTPServer) handleStreamingPost(c *fiber.Ctx) error {
	captureUUID := c.Params("capture_uuid")
	deviceType := c.Query("device_type", "unknown")
	ctx := c.UserContext()

	starting := !s.orch.Active(captureUUID)
	row, err := s.orch.Begin(ctx, captureUUID, "wav", time.Now().UTC(), deviceType)
	if err != nil {
		return s.fail(c, err)
	}
	handler, err := s.streamHandler(ctx, row)
	if err != nil {
		return s.fail(c, err)
	}
	if s.metrics != nil && starting {
		s.metrics.RecordCaptureStarted()
	}

	var received int
	reader := c.Context().RequestBodyStream()
	buf := make([]byte, streamReadBuffer)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if err := handler.Receive(ctx, buf[:n]); err != nil {
				return s.fail(c, err)
			}
			received += n
			if s.metrics != nil {
				s.metrics.RecordChunkReceived(n)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return s.fail(c, fmt.Errorf("failed to read stream body: %w", readErr))
		}
	}

	return c.JSON(fiber.Map{
		"capture_uuid":      captureUUID,
		"conversation_uuid": handler.ConversationUUID(),
		"bytes":             received,
		"status":            "streaming",
	})
}

func (s *HTTPServer) handleStreamingComplete(c *fiber.Ctx) error {
	captureUUID := c.Params("capture_uuid")
	ctx := c.UserContext()

	s.mu.Lock()
	handler, ok := s.streams[captureUUID]
	delete(s.streams, captureUUID)
	active := len(s.streams)
	s.mu.Unlock()
	if !ok {
		return s.fail(c, capture.ErrNoSession)
	}
	if s.metrics != nil {
		s.metrics.SetActiveStreams(active)
	}

	if err := handler.Finish(ctx); err != nil {
		return s.fail(c, err)
	}
	if err := s.orch.Finalize(ctx, captureUUID); err != nil && !errors.Is(err, capture.ErrNoSession) {
		return s.fail(c, err)
	}
	if s.metrics != nil {
		s.metrics.RecordCaptureFinished()
	}
	return c.JSON(fiber.Map{
		"capture_uuid": captureUUID,
		"status":       "finalized",
	})
}

// streamHandler returns the live session for the capture, creating it on the
// first streaming request. A reconnect reuses the existing session and with
// it the current conversation.
func (s *HTTPServer) streamHandler(ctx context.Context, row *catalog.Capture) (*capture.StreamHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handler, ok := s.streams[row.CaptureUUID]; ok {
		return handler, nil
	}

	var transcriber capture.RealtimeTranscriber
	if s.client != nil {
		transcriber = transcription.NewRealtimeSession(s.client, "wav", s.cfg.Processing.GetStreamFlushInterval(), s.logger)
	}
	handler, err := capture.NewStreamHandler(ctx, s.orch, row, transcriber,
		s.cfg.GetEndpointTimeout(), s.cfg.Endpointing.MinUtterances)
	if err != nil {
		if transcriber != nil {
			_ = transcriber.Close()
		}
		return nil, err
	}
	s.streams[row.CaptureUUID] = handler
	if s.metrics != nil {
		s.metrics.SetActiveStreams(len(s.streams))
	}
	return handler, nil
}

func (s *HTTPServer) handleImage(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "no file uploaded", "ERR_NO_FILE")
	}
	captureUUID := c.FormValue("capture_uuid")
	if captureUUID == "" {
		return badRequest(c, "capture_uuid is required", "ERR_MISSING_FIELD")
	}

	ctx := c.UserContext()
	row, err := s.store.GetCaptureByUUID(ctx, captureUUID)
	if err != nil {
		return s.fail(c, err)
	}
	conv, err := s.store.LatestCapturingConversation(ctx, captureUUID)
	if errors.Is(err, catalog.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no capturing conversation for this capture",
			"code":  "ERR_NO_CONVERSATION",
		})
	}
	if err != nil {
		return s.fail(c, err)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	if ext == "" {
		ext = "jpg"
	}
	now := time.Now().UTC()
	path, err := s.dir.ImageFilepath(row, conv.ConversationUUID, now, ext)
	if err != nil {
		return s.fail(c, err)
	}
	if err := c.SaveFile(file, path); err != nil {
		return s.fail(c, fmt.Errorf("failed to save image: %w", err))
	}

	img := &catalog.Image{
		Filepath:         path,
		CapturedAt:       now,
		ConversationUUID: conv.ConversationUUID,
		SourceCaptureID:  row.ID,
	}
	if err := s.store.CreateImage(ctx, img); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(img)
}

func (s *HTTPServer) handleLocation(c *fiber.Ctx) error {
	var loc catalog.Location
	if err := c.BodyParser(&loc); err != nil {
		return badRequest(c, "invalid location body", "ERR_BAD_BODY")
	}
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return badRequest(c, fmt.Sprintf("latitude must be between -90 and 90, got %f", loc.Latitude), "ERR_BAD_LOCATION")
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return badRequest(c, fmt.Sprintf("longitude must be between -180 and 180, got %f", loc.Longitude), "ERR_BAD_LOCATION")
	}

	ctx := c.UserContext()
	if err := s.store.CreateLocation(ctx, &loc); err != nil {
		return s.fail(c, err)
	}

	// A location report touches the conversation being captured right now,
	// if there is one; clients watching the feed see the association.
	if loc.CaptureUUID != nil {
		if conv, err := s.store.LatestCapturingConversation(ctx, *loc.CaptureUUID); err == nil && s.hub != nil {
			s.hub.Emit("update_conversation", conv)
		}
	}
	return c.JSON(loc)
}

func (s *HTTPServer) handleListConversations(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	conversations, err := s.store.ListCompletedConversations(c.UserContext(), offset, limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"conversations": conversations,
		"offset":        offset,
		"limit":         limit,
	})
}

func (s *HTTPServer) handleGetConversation(c *fiber.Ctx) error {
	conv, err := s.store.GetConversation(c.UserContext(), c.Params("uuid"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(conv)
}

func (s *HTTPServer) handleDeleteConversation(c *fiber.Ctx) error {
	if err := s.pipe.DeleteConversation(c.UserContext(), c.Params("uuid")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

// handleRetryConversation flips a FAILED conversation back to PROCESSING and
// queues the pipeline; the state check happens before the response so the
// caller learns immediately whether the retry was accepted.
func (s *HTTPServer) handleRetryConversation(c *fiber.Ctx) error {
	conversationUUID := c.Params("uuid")
	if err := s.store.RestartProcessing(c.UserContext(), conversationUUID); err != nil {
		return s.fail(c, err)
	}
	s.orch.EnqueueProcessing(conversationUUID)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"conversation_uuid": conversationUUID,
		"status":            "processing",
	})
}

func (s *HTTPServer) handleEndConversation(c *fiber.Ctx) error {
	conversationUUID := c.Params("uuid")

	s.mu.Lock()
	var handler *capture.StreamHandler
	for _, h := range s.streams {
		if h.ConversationUUID() == conversationUUID {
			handler = h
			break
		}
	}
	s.mu.Unlock()

	if handler == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active streaming conversation with this uuid",
			"code":  "ERR_NO_SESSION",
		})
	}
	handler.ForceEndpoint()
	return c.JSON(fiber.Map{
		"conversation_uuid":      conversationUUID,
		"next_conversation_uuid": handler.ConversationUUID(),
		"status":                 "ended",
	})
}

// fail translates domain errors to HTTP statuses; anything unrecognized is a
// logged 500.
func (s *HTTPServer) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not found",
			"code":  "ERR_NOT_FOUND",
		})
	case errors.Is(err, capture.ErrNoSession):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active capture session",
			"code":  "ERR_NO_SESSION",
		})
	case errors.Is(err, catalog.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_INVALID_STATE",
		})
	default:
		s.logger.Error("Request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
			"code":  "ERR_INTERNAL",
		})
	}
}

func badRequest(c *fiber.Ctx, message, code string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}

// stripWAVHeader drops the RIFF header from an uploaded wav chunk so only
// sample bytes are appended; the capture file keeps a single header covering
// the accumulated data.
func stripWAVHeader(data []byte) []byte {
	if len(data) >= audio.HeaderSize && bytes.HasPrefix(data, []byte("RIFF")) {
		return data[audio.HeaderSize:]
	}
	return data
}
