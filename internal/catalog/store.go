package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("catalog: not found")

	// ErrInvalidTransition is returned for a disallowed conversation state
	// change.
	ErrInvalidTransition = errors.New("catalog: invalid state transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS captures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	capture_uuid TEXT NOT NULL UNIQUE,
	filepath TEXT NOT NULL,
	start_time DATETIME NOT NULL,
	device_type TEXT NOT NULL,
	duration REAL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filepath TEXT NOT NULL,
	start_time DATETIME NOT NULL,
	conversation_uuid TEXT NOT NULL,
	source_capture_id INTEGER NOT NULL REFERENCES captures(id),
	duration REAL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_uuid TEXT NOT NULL UNIQUE,
	start_time DATETIME NOT NULL,
	end_time DATETIME,
	device_type TEXT NOT NULL,
	state TEXT NOT NULL,
	summary TEXT,
	short_summary TEXT,
	summarization_model TEXT,
	segment_id INTEGER REFERENCES segments(id),
	primary_location_id INTEGER REFERENCES locations(id),
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS transcriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id),
	realtime INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL,
	transcription_time REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS utterances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transcription_id INTEGER NOT NULL REFERENCES transcriptions(id),
	start REAL,
	"end" REAL,
	spoken_at DATETIME,
	realtime INTEGER NOT NULL DEFAULT 0,
	text TEXT,
	speaker TEXT
);

CREATE TABLE IF NOT EXISTS words (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	utterance_id INTEGER NOT NULL REFERENCES utterances(id),
	word TEXT NOT NULL,
	start REAL,
	"end" REAL,
	score REAL,
	speaker TEXT
);

CREATE TABLE IF NOT EXISTS locations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	address TEXT,
	capture_uuid TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS suggested_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id),
	url TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS images (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filepath TEXT NOT NULL,
	captured_at DATETIME NOT NULL,
	conversation_uuid TEXT NOT NULL,
	source_capture_id INTEGER NOT NULL REFERENCES captures(id),
	conversation_id INTEGER REFERENCES conversations(id),
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state);
CREATE INDEX IF NOT EXISTS idx_conversations_start_time ON conversations(start_time);
CREATE INDEX IF NOT EXISTS idx_segments_conversation_uuid ON segments(conversation_uuid);
CREATE INDEX IF NOT EXISTS idx_locations_created_at ON locations(created_at);
CREATE INDEX IF NOT EXISTS idx_images_conversation_uuid ON images(conversation_uuid);
`

// Store wraps the SQLite catalog database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (creating if needed) the catalog database at path.
// Pass ":memory:" for an ephemeral database in tests.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc's driver serializes access per connection; a single
	// connection avoids table-lock errors under concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, logger: logger.With(slog.String("component", "catalog"))}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCapture inserts a capture row and fills in its ID and CreatedAt.
func (s *Store) CreateCapture(ctx context.Context, c *Capture) error {
	c.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO captures (capture_uuid, filepath, start_time, device_type, duration, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.CaptureUUID, c.Filepath, c.StartTime, c.DeviceType, c.Duration, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create capture: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// GetCaptureByUUID returns the capture with the given uuid, or ErrNotFound.
func (s *Store) GetCaptureByUUID(ctx context.Context, captureUUID string) (*Capture, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, capture_uuid, filepath, start_time, device_type, duration, created_at
		 FROM captures WHERE capture_uuid = ?`, captureUUID)

	var c Capture
	var duration sql.NullFloat64
	err := row.Scan(&c.ID, &c.CaptureUUID, &c.Filepath, &c.StartTime, &c.DeviceType, &duration, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	if duration.Valid {
		c.Duration = &duration.Float64
	}
	return &c, nil
}

// GetCaptureByID returns the capture with the given row id.
func (s *Store) GetCaptureByID(ctx context.Context, id int64) (*Capture, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, capture_uuid, filepath, start_time, device_type, duration, created_at
		 FROM captures WHERE id = ?`, id)

	var c Capture
	var duration sql.NullFloat64
	err := row.Scan(&c.ID, &c.CaptureUUID, &c.Filepath, &c.StartTime, &c.DeviceType, &duration, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	if duration.Valid {
		c.Duration = &duration.Float64
	}
	return &c, nil
}

// UpdateCaptureDuration records the capture's total length in seconds.
func (s *Store) UpdateCaptureDuration(ctx context.Context, captureUUID string, seconds float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE captures SET duration = ? WHERE capture_uuid = ?`, seconds, captureUUID)
	if err != nil {
		return fmt.Errorf("failed to update capture duration: %w", err)
	}
	return nil
}

// CreateCapturingConversation atomically creates the segment row, the
// conversation row in CAPTURING state, and an empty realtime transcription.
func (s *Store) CreateCapturingConversation(ctx context.Context, conv *Conversation, seg *Segment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	seg.CreatedAt = now
	res, err := tx.ExecContext(ctx,
		`INSERT INTO segments (filepath, start_time, conversation_uuid, source_capture_id, duration, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		seg.Filepath, seg.StartTime, seg.ConversationUUID, seg.SourceCaptureID, seg.Duration, seg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	seg.ID, _ = res.LastInsertId()

	conv.State = StateCapturing
	conv.SegmentID = &seg.ID
	conv.CreatedAt = now
	res, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (conversation_uuid, start_time, end_time, device_type, state, segment_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ConversationUUID, conv.StartTime, conv.EndTime, conv.DeviceType, conv.State, seg.ID, conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.ID, _ = res.LastInsertId()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcriptions (conversation_id, realtime, model, transcription_time, created_at)
		 VALUES (?, 1, 'streaming', 0, ?)`, conv.ID, now)
	if err != nil {
		return fmt.Errorf("failed to create realtime transcription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation with the given uuid, with its
// segment, transcriptions (including utterances and words), location, links,
// and images loaded.
func (s *Store) GetConversation(ctx context.Context, conversationUUID string) (*Conversation, error) {
	conv, err := s.getConversationRow(ctx, conversationUUID)
	if err != nil {
		return nil, err
	}
	if err := s.loadConversationRelations(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Store) getConversationRow(ctx context.Context, conversationUUID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, conversationColumns+` WHERE conversation_uuid = ?`, conversationUUID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

const conversationColumns = `SELECT id, conversation_uuid, start_time, end_time, device_type, state,
	summary, short_summary, summarization_model, segment_id, primary_location_id, created_at
	FROM conversations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var endTime sql.NullTime
	var summary, shortSummary, model sql.NullString
	var segmentID, locationID sql.NullInt64
	err := row.Scan(&c.ID, &c.ConversationUUID, &c.StartTime, &endTime, &c.DeviceType, &c.State,
		&summary, &shortSummary, &model, &segmentID, &locationID, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		c.EndTime = &endTime.Time
	}
	if summary.Valid {
		c.Summary = &summary.String
	}
	if shortSummary.Valid {
		c.ShortSummary = &shortSummary.String
	}
	if model.Valid {
		c.SummarizationModel = &model.String
	}
	if segmentID.Valid {
		c.SegmentID = &segmentID.Int64
	}
	if locationID.Valid {
		c.PrimaryLocationID = &locationID.Int64
	}
	return &c, nil
}

func (s *Store) loadConversationRelations(ctx context.Context, conv *Conversation) error {
	if conv.SegmentID != nil {
		seg, err := s.getSegmentByID(ctx, *conv.SegmentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		conv.Segment = seg
	}
	if conv.PrimaryLocationID != nil {
		loc, err := s.getLocationByID(ctx, *conv.PrimaryLocationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		conv.PrimaryLocation = loc
	}

	transcriptions, err := s.loadTranscriptions(ctx, conv.ID)
	if err != nil {
		return err
	}
	conv.Transcriptions = transcriptions

	links, err := s.loadSuggestedLinks(ctx, conv.ID)
	if err != nil {
		return err
	}
	conv.SuggestedLinks = links

	images, err := s.loadImages(ctx, conv.ConversationUUID)
	if err != nil {
		return err
	}
	conv.Images = images
	return nil
}

func (s *Store) getSegmentByID(ctx context.Context, id int64) (*Segment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, filepath, start_time, conversation_uuid, source_capture_id, duration, created_at
		 FROM segments WHERE id = ?`, id)
	var seg Segment
	var duration sql.NullFloat64
	err := row.Scan(&seg.ID, &seg.Filepath, &seg.StartTime, &seg.ConversationUUID,
		&seg.SourceCaptureID, &duration, &seg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	if duration.Valid {
		seg.Duration = &duration.Float64
	}
	return &seg, nil
}

func (s *Store) getLocationByID(ctx context.Context, id int64) (*Location, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, latitude, longitude, address, capture_uuid, created_at
		 FROM locations WHERE id = ?`, id)
	var l Location
	var address, uuid sql.NullString
	err := row.Scan(&l.ID, &l.Latitude, &l.Longitude, &address, &uuid, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	if address.Valid {
		l.Address = &address.String
	}
	if uuid.Valid {
		l.CaptureUUID = &uuid.String
	}
	return &l, nil
}

func (s *Store) loadTranscriptions(ctx context.Context, conversationID int64) ([]Transcription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, realtime, model, transcription_time, created_at
		 FROM transcriptions WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcriptions: %w", err)
	}
	defer rows.Close()

	var transcriptions []Transcription
	for rows.Next() {
		var tr Transcription
		if err := rows.Scan(&tr.ID, &tr.ConversationID, &tr.Realtime, &tr.Model,
			&tr.TranscriptionTime, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcription: %w", err)
		}
		transcriptions = append(transcriptions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range transcriptions {
		utterances, err := s.loadUtterances(ctx, transcriptions[i].ID)
		if err != nil {
			return nil, err
		}
		transcriptions[i].Utterances = utterances
	}
	return transcriptions, nil
}

func (s *Store) loadUtterances(ctx context.Context, transcriptionID int64) ([]Utterance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transcription_id, start, "end", spoken_at, realtime, text, speaker
		 FROM utterances WHERE transcription_id = ? ORDER BY id`, transcriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load utterances: %w", err)
	}
	defer rows.Close()

	var utterances []Utterance
	for rows.Next() {
		var u Utterance
		var start, end sql.NullFloat64
		var spokenAt sql.NullTime
		var text, speaker sql.NullString
		if err := rows.Scan(&u.ID, &u.TranscriptionID, &start, &end, &spokenAt, &u.Realtime, &text, &speaker); err != nil {
			return nil, fmt.Errorf("failed to scan utterance: %w", err)
		}
		if start.Valid {
			u.Start = &start.Float64
		}
		if end.Valid {
			u.End = &end.Float64
		}
		if spokenAt.Valid {
			u.SpokenAt = &spokenAt.Time
		}
		if text.Valid {
			u.Text = &text.String
		}
		if speaker.Valid {
			u.Speaker = &speaker.String
		}
		utterances = append(utterances, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range utterances {
		words, err := s.loadWords(ctx, utterances[i].ID)
		if err != nil {
			return nil, err
		}
		utterances[i].Words = words
	}
	return utterances, nil
}

func (s *Store) loadWords(ctx context.Context, utteranceID int64) ([]Word, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, utterance_id, word, start, "end", score, speaker
		 FROM words WHERE utterance_id = ? ORDER BY id`, utteranceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load words: %w", err)
	}
	defer rows.Close()

	var words []Word
	for rows.Next() {
		var w Word
		var start, end, score sql.NullFloat64
		var speaker sql.NullString
		if err := rows.Scan(&w.ID, &w.UtteranceID, &w.Word, &start, &end, &score, &speaker); err != nil {
			return nil, fmt.Errorf("failed to scan word: %w", err)
		}
		if start.Valid {
			w.Start = &start.Float64
		}
		if end.Valid {
			w.End = &end.Float64
		}
		if score.Valid {
			w.Score = &score.Float64
		}
		if speaker.Valid {
			w.Speaker = &speaker.String
		}
		words = append(words, w)
	}
	return words, rows.Err()
}

func (s *Store) loadSuggestedLinks(ctx context.Context, conversationID int64) ([]SuggestedLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, url FROM suggested_links WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load suggested links: %w", err)
	}
	defer rows.Close()

	var links []SuggestedLink
	for rows.Next() {
		var l SuggestedLink
		if err := rows.Scan(&l.ID, &l.ConversationID, &l.URL); err != nil {
			return nil, fmt.Errorf("failed to scan suggested link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *Store) loadImages(ctx context.Context, conversationUUID string) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filepath, captured_at, conversation_uuid, source_capture_id, conversation_id, created_at
		 FROM images WHERE conversation_uuid = ? ORDER BY id`, conversationUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var conversationID sql.NullInt64
		if err := rows.Scan(&img.ID, &img.Filepath, &img.CapturedAt, &img.ConversationUUID,
			&img.SourceCaptureID, &conversationID, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		if conversationID.Valid {
			img.ConversationID = &conversationID.Int64
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// LatestCapturingConversation returns the most recent CAPTURING conversation
// belonging to the capture, or ErrNotFound.
func (s *Store) LatestCapturingConversation(ctx context.Context, captureUUID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.conversation_uuid, c.start_time, c.end_time, c.device_type, c.state,
			c.summary, c.short_summary, c.summarization_model, c.segment_id, c.primary_location_id, c.created_at
		 FROM conversations c
		 JOIN segments s ON c.segment_id = s.id
		 JOIN captures cap ON s.source_capture_id = cap.id
		 WHERE cap.capture_uuid = ? AND c.state = ?
		 ORDER BY c.start_time DESC LIMIT 1`, captureUUID, StateCapturing)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capturing conversation: %w", err)
	}
	if err := s.loadConversationRelations(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListCompletedConversations returns COMPLETED conversations ordered newest
// first, with segments and locations loaded.
func (s *Store) ListCompletedConversations(ctx context.Context, offset, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		conversationColumns+` WHERE state = ? ORDER BY start_time DESC LIMIT ? OFFSET ?`,
		StateCompleted, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range conversations {
		if err := s.loadConversationRelations(ctx, &conversations[i]); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

// TransitionConversation advances the conversation's state, enforcing the
// lifecycle: CAPTURING -> PROCESSING -> COMPLETED, FAILED reachable from the
// two non-terminal states.
func (s *Store) TransitionConversation(ctx context.Context, conversationUUID string, next ConversationState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current ConversationState
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM conversations WHERE conversation_uuid = ?`, conversationUUID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read conversation state: %w", err)
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET state = ? WHERE conversation_uuid = ?`, next, conversationUUID); err != nil {
		return fmt.Errorf("failed to update conversation state: %w", err)
	}
	return tx.Commit()
}

// RestartProcessing moves a FAILED conversation back to PROCESSING so its
// pipeline can be re-run. This is the one sanctioned exception to forward
// state transitions, used by the retry endpoint only.
func (s *Store) RestartProcessing(ctx context.Context, conversationUUID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET state = ? WHERE conversation_uuid = ? AND state = ?`,
		StateProcessing, conversationUUID, StateFailed)
	if err != nil {
		return fmt.Errorf("failed to restart processing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var current ConversationState
		err := s.db.QueryRowContext(ctx,
			`SELECT state FROM conversations WHERE conversation_uuid = ?`, conversationUUID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read conversation state: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, StateProcessing)
	}
	return nil
}

// SetConversationEndTime records the conversation's final end time.
func (s *Store) SetConversationEndTime(ctx context.Context, conversationUUID string, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET end_time = ? WHERE conversation_uuid = ?`, end, conversationUUID)
	if err != nil {
		return fmt.Errorf("failed to set conversation end time: %w", err)
	}
	return nil
}

// SetConversationSummaries records the produced summaries and the model that
// generated them.
func (s *Store) SetConversationSummaries(ctx context.Context, conversationUUID, summary, shortSummary, model string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET summary = ?, short_summary = ?, summarization_model = ?
		 WHERE conversation_uuid = ?`, summary, shortSummary, model, conversationUUID)
	if err != nil {
		return fmt.Errorf("failed to set conversation summaries: %w", err)
	}
	return nil
}

// SetConversationPrimaryLocation associates a location with the conversation.
func (s *Store) SetConversationPrimaryLocation(ctx context.Context, conversationUUID string, locationID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET primary_location_id = ? WHERE conversation_uuid = ?`,
		locationID, conversationUUID)
	if err != nil {
		return fmt.Errorf("failed to set primary location: %w", err)
	}
	return nil
}

// ReplaceSuggestedLinks swaps the conversation's link suggestions for urls.
func (s *Store) ReplaceSuggestedLinks(ctx context.Context, conversationID int64, urls []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM suggested_links WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to clear suggested links: %w", err)
	}
	for _, url := range urls {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO suggested_links (conversation_id, url) VALUES (?, ?)`, conversationID, url); err != nil {
			return fmt.Errorf("failed to insert suggested link: %w", err)
		}
	}
	return tx.Commit()
}

// SaveTranscription inserts a transcription with its utterances and words in
// one transaction, filling in generated IDs.
func (s *Store) SaveTranscription(ctx context.Context, tr *Transcription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tr.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transcriptions (conversation_id, realtime, model, transcription_time, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tr.ConversationID, tr.Realtime, tr.Model, tr.TranscriptionTime, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transcription: %w", err)
	}
	tr.ID, _ = res.LastInsertId()

	for i := range tr.Utterances {
		u := &tr.Utterances[i]
		u.TranscriptionID = tr.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO utterances (transcription_id, start, "end", spoken_at, realtime, text, speaker)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.TranscriptionID, u.Start, u.End, u.SpokenAt, u.Realtime, u.Text, u.Speaker)
		if err != nil {
			return fmt.Errorf("failed to insert utterance: %w", err)
		}
		u.ID, _ = res.LastInsertId()

		for j := range u.Words {
			w := &u.Words[j]
			w.UtteranceID = u.ID
			res, err := tx.ExecContext(ctx,
				`INSERT INTO words (utterance_id, word, start, "end", score, speaker)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				w.UtteranceID, w.Word, w.Start, w.End, w.Score, w.Speaker)
			if err != nil {
				return fmt.Errorf("failed to insert word: %w", err)
			}
			w.ID, _ = res.LastInsertId()
		}
	}
	return tx.Commit()
}

// AddUtterance appends a single utterance (with any words) to an existing
// transcription. Used by the realtime transcript path.
func (s *Store) AddUtterance(ctx context.Context, u *Utterance) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances (transcription_id, start, "end", spoken_at, realtime, text, speaker)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.TranscriptionID, u.Start, u.End, u.SpokenAt, u.Realtime, u.Text, u.Speaker)
	if err != nil {
		return fmt.Errorf("failed to add utterance: %w", err)
	}
	u.ID, _ = res.LastInsertId()

	for i := range u.Words {
		w := &u.Words[i]
		w.UtteranceID = u.ID
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO words (utterance_id, word, start, "end", score, speaker)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			w.UtteranceID, w.Word, w.Start, w.End, w.Score, w.Speaker)
		if err != nil {
			return fmt.Errorf("failed to add word: %w", err)
		}
		w.ID, _ = res.LastInsertId()
	}
	return nil
}

// SetSegmentDuration records a segment's length in seconds.
func (s *Store) SetSegmentDuration(ctx context.Context, segmentID int64, seconds float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE segments SET duration = ? WHERE id = ?`, seconds, segmentID)
	if err != nil {
		return fmt.Errorf("failed to set segment duration: %w", err)
	}
	return nil
}

// CreateLocation inserts a location row and fills in its ID.
func (s *Store) CreateLocation(ctx context.Context, l *Location) error {
	l.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (latitude, longitude, address, capture_uuid, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		l.Latitude, l.Longitude, l.Address, l.CaptureUUID, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create location: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// MostCommonLocation returns the location reported most often for the
// capture within [start, end], or ErrNotFound when none were reported.
func (s *Store) MostCommonLocation(ctx context.Context, captureUUID string, start, end time.Time) (*Location, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, latitude, longitude, address, capture_uuid, created_at
		 FROM locations
		 WHERE capture_uuid = ? AND created_at BETWEEN ? AND ?
		 GROUP BY round(latitude, 4), round(longitude, 4)
		 ORDER BY COUNT(*) DESC LIMIT 1`, captureUUID, start, end)

	var l Location
	var address, uuid sql.NullString
	err := row.Scan(&l.ID, &l.Latitude, &l.Longitude, &address, &uuid, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find most common location: %w", err)
	}
	if address.Valid {
		l.Address = &address.String
	}
	if uuid.Valid {
		l.CaptureUUID = &uuid.String
	}
	return &l, nil
}

// CreateImage inserts an image row, linking it to a conversation row when
// one already exists for its conversation uuid.
func (s *Store) CreateImage(ctx context.Context, img *Image) error {
	img.CreatedAt = time.Now().UTC()

	var conversationID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE conversation_uuid = ?`, img.ConversationUUID).Scan(&conversationID.Int64)
	if err == nil {
		conversationID.Valid = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to resolve image conversation: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO images (filepath, captured_at, conversation_uuid, source_capture_id, conversation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		img.Filepath, img.CapturedAt, img.ConversationUUID, img.SourceCaptureID, conversationID, img.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	img.ID, _ = res.LastInsertId()
	if conversationID.Valid {
		img.ConversationID = &conversationID.Int64
	}
	return nil
}

// DeleteConversation removes the conversation and cascades through its
// transcriptions, utterances, and words. The segment row and any capture
// rows are left in place; on-disk files are the caller's concern.
func (s *Store) DeleteConversation(ctx context.Context, conversationUUID string) error {
	conv, err := s.getConversationRow(ctx, conversationUUID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []struct {
		query string
		arg   any
	}{
		{`DELETE FROM words WHERE utterance_id IN (
			SELECT u.id FROM utterances u
			JOIN transcriptions t ON u.transcription_id = t.id
			WHERE t.conversation_id = ?)`, conv.ID},
		{`DELETE FROM utterances WHERE transcription_id IN (
			SELECT id FROM transcriptions WHERE conversation_id = ?)`, conv.ID},
		{`DELETE FROM transcriptions WHERE conversation_id = ?`, conv.ID},
		{`DELETE FROM suggested_links WHERE conversation_id = ?`, conv.ID},
		{`UPDATE images SET conversation_id = NULL WHERE conversation_id = ?`, conv.ID},
		{`DELETE FROM conversations WHERE id = ?`, conv.ID},
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.arg); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
	}
	return tx.Commit()
}

// FailInFlight rewrites all CAPTURING and PROCESSING conversations to
// FAILED. Called once at startup: any conversation left non-terminal by the
// previous run can never resume.
func (s *Store) FailInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET state = ? WHERE state IN (?, ?)`,
		StateFailed, StateCapturing, StateProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to fail in-flight conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("Marked interrupted conversations as failed", slog.Int64("count", n))
	}
	return n, nil
}
