package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auricleai/auricle/internal/audio"
	"github.com/auricleai/auricle/internal/capture"
	"github.com/auricleai/auricle/internal/catalog"
	"github.com/auricleai/auricle/internal/config"
	"github.com/auricleai/auricle/internal/endpoint"
	"github.com/auricleai/auricle/internal/tasks"
	"github.com/auricleai/auricle/internal/vad"
)

const (
	testToken       = "test-token"
	testCaptureUUID = "a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6"
)

// quietModel never detects speech; ingress tests exercise plumbing, not
// detection.
type quietModel struct{}

func (quietModel) Probability(window []float32) float32 { return 0 }
func (quietModel) Reset()                               {}

// fakePipeline records deletion requests.
type fakePipeline struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (p *fakePipeline) DeleteConversation(ctx context.Context, conversationUUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.deleted = append(p.deleted, conversationUUID)
	return nil
}

type noopProcessor struct{}

func (noopProcessor) ProcessConversation(ctx context.Context, conversationUUID string) error {
	return nil
}

type serverFixture struct {
	srv   *HTTPServer
	store *catalog.Store
	queue *tasks.Queue
	orch  *capture.Orchestrator
	dir   *capture.Directory
	pipe  *fakePipeline
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	root := t.TempDir()

	store, err := catalog.NewStore(filepath.Join(root, "catalog.db"), nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Server.AuthToken = testToken
	cfg.Captures.Directory = filepath.Join(root, "captures")
	cfg.Endpointing.TimeoutSeconds = 5

	queue := tasks.NewQueue()
	dir := capture.NewDirectory(cfg.Captures.Directory)
	hub := NewHub(testToken, nil, nil)
	t.Cleanup(hub.Close)

	orch := capture.NewOrchestrator(dir, store, queue, cfg.VAD, cfg.Endpointing,
		func() vad.Model { return quietModel{} }, nil, hub, nil)
	orch.SetProcessor(noopProcessor{})
	t.Cleanup(orch.Shutdown)

	pipe := &fakePipeline{}
	srv := NewHTTPServer(&cfg, orch, dir, store, pipe, hub, nil, nil, nil)
	return &serverFixture{srv: srv, store: store, queue: queue, orch: orch, dir: dir, pipe: pipe}
}

func (f *serverFixture) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := f.srv.App().Test(req)
	if err != nil {
		t.Fatalf("request %s %s error = %v", req.Method, req.URL.Path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

// multipartRequest builds a multipart POST with one file part plus fields.
func multipartRequest(t *testing.T, path string, fields map[string]string, filename string, fileData []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("WriteField(%s) error = %v", key, err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write(fileData); err != nil {
			t.Fatalf("failed to write file part: %v", err)
		}
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, path, body)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func formRequest(t *testing.T, path string, values url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// wavChunk encodes silent audio of the given duration as a complete WAV file.
func wavChunk(t *testing.T, durationMs int) []byte {
	t.Helper()
	samples := make([]int16, durationMs*vad.DefaultSampleRate/1000)
	data, err := audio.EncodeWAV(samples, vad.DefaultSampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	return data
}

func TestAuthRequired(t *testing.T) {
	f := newServerFixture(t)

	req, _ := http.NewRequest(http.MethodGet, "/conversations/", nil)
	resp, err := f.srv.App().Test(req)
	if err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	req, _ = http.NewRequest(http.MethodGet, "/conversations/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = f.srv.App().Test(req)
	if err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	resp = f.do(t, mustRequest(t, http.MethodGet, "/conversations/"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRootBannerIsPublic(t *testing.T) {
	f := newServerFixture(t)

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	resp, err := f.srv.App().Test(req)
	if err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var banner struct {
		Service string `json:"service"`
	}
	decodeJSON(t, resp, &banner)
	if banner.Service != "auricle" {
		t.Errorf("service = %q, want %q", banner.Service, "auricle")
	}
}

func TestUploadChunkValidation(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name     string
		fields   map[string]string
		filename string
		wantCode string
	}{
		{
			name:     "missing file",
			fields:   map[string]string{"capture_uuid": testCaptureUUID, "timestamp": "20240315-103045.123"},
			wantCode: "ERR_NO_FILE",
		},
		{
			name:     "missing capture uuid",
			fields:   map[string]string{"timestamp": "20240315-103045.123"},
			filename: "chunk.wav",
			wantCode: "ERR_MISSING_FIELD",
		},
		{
			name:     "bad timestamp",
			fields:   map[string]string{"capture_uuid": testCaptureUUID, "timestamp": "yesterday"},
			filename: "chunk.wav",
			wantCode: "ERR_BAD_TIMESTAMP",
		},
		{
			name:     "unsupported format",
			fields:   map[string]string{"capture_uuid": testCaptureUUID, "timestamp": "20240315-103045.123"},
			filename: "chunk.mp3",
			wantCode: "ERR_INVALID_FORMAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := multipartRequest(t, "/capture/upload_chunk", tt.fields, tt.filename, []byte("data"))
			resp := f.do(t, req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
			var body struct {
				Code string `json:"code"`
			}
			decodeJSON(t, resp, &body)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestUploadChunkAndProcessCapture(t *testing.T) {
	f := newServerFixture(t)

	chunk := wavChunk(t, 500)
	fields := map[string]string{
		"capture_uuid": testCaptureUUID,
		"timestamp":    "20240315-103045.123",
		"device_type":  "apple_watch",
	}
	resp := f.do(t, multipartRequest(t, "/capture/upload_chunk", fields, "chunk.wav", chunk))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload_chunk status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	row, err := f.store.GetCaptureByUUID(context.Background(), testCaptureUUID)
	if err != nil {
		t.Fatalf("GetCaptureByUUID() error = %v", err)
	}
	if row.DeviceType != "apple_watch" {
		t.Errorf("device_type = %q, want %q", row.DeviceType, "apple_watch")
	}
	data, err := os.ReadFile(row.Filepath)
	if err != nil {
		t.Fatalf("capture file not written: %v", err)
	}
	duration, err := audio.GetWAVDuration(data)
	if err != nil {
		t.Fatalf("GetWAVDuration() error = %v", err)
	}
	if duration < 0.49 || duration > 0.51 {
		t.Errorf("capture duration = %f, want ~0.5; uploaded header must be stripped", duration)
	}
	if !f.orch.Active(testCaptureUUID) {
		t.Fatal("capture session not active after upload")
	}

	resp = f.do(t, formRequest(t, "/capture/process_capture", url.Values{"capture_uuid": {testCaptureUUID}}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process_capture status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if f.orch.Active(testCaptureUUID) {
		t.Error("capture session still active after process_capture")
	}

	// The worker is gone; a second finalize has no session to act on.
	resp = f.do(t, formRequest(t, "/capture/process_capture", url.Values{"capture_uuid": {testCaptureUUID}}))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("repeat process_capture status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestProcessCaptureWithoutSession(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, formRequest(t, "/capture/process_capture", url.Values{"capture_uuid": {testCaptureUUID}}))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	var body struct {
		Code string `json:"code"`
	}
	decodeJSON(t, resp, &body)
	if body.Code != "ERR_NO_SESSION" {
		t.Errorf("code = %q, want %q", body.Code, "ERR_NO_SESSION")
	}
}

func TestLocationEndpoint(t *testing.T) {
	f := newServerFixture(t)

	payload := fmt.Sprintf(`{"latitude": 37.7749, "longitude": -122.4194, "capture_uuid": %q}`, testCaptureUUID)
	req, _ := http.NewRequest(http.MethodPost, "/capture/location", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := f.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var loc catalog.Location
	decodeJSON(t, resp, &loc)
	if loc.ID == 0 {
		t.Error("location id not assigned")
	}

	found, err := f.store.MostCommonLocation(context.Background(), testCaptureUUID,
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("MostCommonLocation() error = %v", err)
	}
	if found.Latitude != 37.7749 {
		t.Errorf("latitude = %f, want 37.7749", found.Latitude)
	}
}

func TestLocationValidation(t *testing.T) {
	f := newServerFixture(t)

	req, _ := http.NewRequest(http.MethodPost, "/capture/location", strings.NewReader(`{"latitude": 999, "longitude": 0}`))
	req.Header.Set("Content-Type", "application/json")
	resp := f.do(t, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestImageUpload(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	row, err := f.orch.Begin(ctx, testCaptureUUID, "wav", time.Now().UTC(), "apple_watch")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	conv := startConversation(t, f, row)

	resp := f.do(t, multipartRequest(t, "/capture/image",
		map[string]string{"capture_uuid": testCaptureUUID}, "photo.jpg", []byte("jpegdata")))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var img catalog.Image
	decodeJSON(t, resp, &img)
	if img.ConversationUUID != conv.ConversationUUID {
		t.Errorf("conversation_uuid = %q, want %q", img.ConversationUUID, conv.ConversationUUID)
	}
	if _, err := os.Stat(img.Filepath); err != nil {
		t.Errorf("image file not written: %v", err)
	}
}

func TestImageWithoutConversation(t *testing.T) {
	f := newServerFixture(t)

	if _, err := f.orch.Begin(context.Background(), testCaptureUUID, "wav", time.Now().UTC(), "apple_watch"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	resp := f.do(t, multipartRequest(t, "/capture/image",
		map[string]string{"capture_uuid": testCaptureUUID}, "photo.jpg", []byte("jpegdata")))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestConversationEndpoints(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	row, err := f.orch.Begin(ctx, testCaptureUUID, "wav", time.Now().UTC(), "apple_watch")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	conv := startConversation(t, f, row)
	for _, state := range []catalog.ConversationState{catalog.StateProcessing, catalog.StateCompleted} {
		if err := f.store.TransitionConversation(ctx, conv.ConversationUUID, state); err != nil {
			t.Fatalf("TransitionConversation(%s) error = %v", state, err)
		}
	}

	resp := f.do(t, mustRequest(t, http.MethodGet, "/conversations/"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var list struct {
		Conversations []catalog.Conversation `json:"conversations"`
	}
	decodeJSON(t, resp, &list)
	if len(list.Conversations) != 1 {
		t.Fatalf("listed %d conversations, want 1", len(list.Conversations))
	}
	if list.Conversations[0].ConversationUUID != conv.ConversationUUID {
		t.Errorf("listed uuid = %q, want %q", list.Conversations[0].ConversationUUID, conv.ConversationUUID)
	}

	resp = f.do(t, mustRequest(t, http.MethodGet, "/conversations/"+conv.ConversationUUID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var got catalog.Conversation
	decodeJSON(t, resp, &got)
	if got.State != catalog.StateCompleted {
		t.Errorf("state = %s, want %s", got.State, catalog.StateCompleted)
	}

	resp = f.do(t, mustRequest(t, http.MethodGet, "/conversations/nope"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	resp = f.do(t, mustRequest(t, http.MethodDelete, "/conversations/"+conv.ConversationUUID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	f.pipe.mu.Lock()
	deleted := append([]string(nil), f.pipe.deleted...)
	f.pipe.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != conv.ConversationUUID {
		t.Errorf("deleted = %v, want [%s]", deleted, conv.ConversationUUID)
	}
}

func TestRetryConversation(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	row, err := f.orch.Begin(ctx, testCaptureUUID, "wav", time.Now().UTC(), "apple_watch")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	conv := startConversation(t, f, row)
	if err := f.store.TransitionConversation(ctx, conv.ConversationUUID, catalog.StateFailed); err != nil {
		t.Fatalf("TransitionConversation() error = %v", err)
	}
	queuedBefore := f.queue.Len()

	resp := f.do(t, mustRequest(t, http.MethodPost, "/conversations/"+conv.ConversationUUID+"/retry"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("retry status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	reloaded, err := f.store.GetConversation(ctx, conv.ConversationUUID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if reloaded.State != catalog.StateProcessing {
		t.Errorf("state = %s, want %s", reloaded.State, catalog.StateProcessing)
	}
	if f.queue.Len() != queuedBefore+1 {
		t.Errorf("queue length = %d, want %d", f.queue.Len(), queuedBefore+1)
	}

	// A second retry finds the conversation already in PROCESSING.
	resp = f.do(t, mustRequest(t, http.MethodPost, "/conversations/"+conv.ConversationUUID+"/retry"))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat retry status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestEndConversationWithoutStream(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, mustRequest(t, http.MethodPost, "/conversations/deadbeef/end"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestStreamingPostAndComplete(t *testing.T) {
	f := newServerFixture(t)

	samples := make([]int16, vad.DefaultSampleRate/2)
	body := audio.SamplesToBytes(samples)
	req, err := http.NewRequest(http.MethodPost,
		"/capture/streaming_post/"+testCaptureUUID+"?device_type=pendant", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp := f.do(t, req)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("streaming_post status = %d, body = %s", resp.StatusCode, raw)
	}
	var stream struct {
		ConversationUUID string `json:"conversation_uuid"`
		Bytes            int    `json:"bytes"`
	}
	decodeJSON(t, resp, &stream)
	if stream.ConversationUUID == "" {
		t.Error("no conversation uuid returned")
	}
	if stream.Bytes != len(body) {
		t.Errorf("bytes = %d, want %d", stream.Bytes, len(body))
	}

	conv, err := f.store.LatestCapturingConversation(context.Background(), testCaptureUUID)
	if err != nil {
		t.Fatalf("LatestCapturingConversation() error = %v", err)
	}
	if conv.ConversationUUID != stream.ConversationUUID {
		t.Errorf("capturing conversation = %q, want %q", conv.ConversationUUID, stream.ConversationUUID)
	}

	resp = f.do(t, mustRequest(t, http.MethodPost, "/capture/streaming_post/"+testCaptureUUID+"/complete"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if f.orch.Active(testCaptureUUID) {
		t.Error("capture session still active after complete")
	}

	// Completing again has no session to act on.
	resp = f.do(t, mustRequest(t, http.MethodPost, "/capture/streaming_post/"+testCaptureUUID+"/complete"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("repeat complete status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func mustRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return req
}

// startConversation creates a CAPTURING conversation with a segment for the
// capture, the shape the detection path would produce.
func startConversation(t *testing.T, f *serverFixture, row *catalog.Capture) *catalog.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conversationUUID := endpoint.NewConversationUUID()
	segmentPath, err := f.dir.SegmentFilepath(row, conversationUUID, now)
	if err != nil {
		t.Fatalf("SegmentFilepath() error = %v", err)
	}
	conv := &catalog.Conversation{
		ConversationUUID: conversationUUID,
		StartTime:        now,
		DeviceType:       row.DeviceType,
	}
	seg := &catalog.Segment{
		Filepath:         segmentPath,
		StartTime:        now,
		ConversationUUID: conversationUUID,
		SourceCaptureID:  row.ID,
	}
	if err := f.store.CreateCapturingConversation(context.Background(), conv, seg); err != nil {
		t.Fatalf("CreateCapturingConversation() error = %v", err)
	}
	return conv
}
