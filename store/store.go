// Package store persists meetings, transcripts, segments and transcription
// jobs to SQLite. The frontend process is the sole writer; every operation is
// a short transaction so the WAL readers never stall behind a long lock.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Meeting statuses. A meeting is created as processing and reaches a
// terminal status together with its job.
const (
	MeetingProcessing = "processing"
	MeetingCompleted  = "completed"
	MeetingFailed     = "failed"
)

// Job statuses. Terminal statuses have no outgoing transitions.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

var (
	// ErrDuplicateJob is returned when a job_id already exists.
	ErrDuplicateJob = errors.New("store: duplicate job id")
)

// Meeting is one recorded meeting.
type Meeting struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	Date          time.Time       `json:"date"`
	Duration      *float64        `json:"duration"`
	Platform      *string         `json:"platform"`
	URL           *string         `json:"url"`
	Status        string          `json:"status"`
	HasTranscript bool            `json:"has_transcript"`
	AudioFile     *string         `json:"audio_file"`
	ExtractedData json.RawMessage `json:"extracted_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transcript is the single transcript of a meeting, replaced wholesale on
// re-transcription.
type Transcript struct {
	ID        int64           `json:"id"`
	MeetingID int64           `json:"meeting_id"`
	FullText  string          `json:"full_text"`
	Formatted string          `json:"formatted"`
	Summary   *string         `json:"summary"`
	Stats     json.RawMessage `json:"stats,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Segments  []Segment       `json:"segments"`
}

// Segment is one labeled, time-bounded utterance.
type Segment struct {
	ID        int64   `json:"id"`
	MeetingID int64   `json:"meeting_id"`
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// Job tracks one transcription dispatch across frontend restarts.
type Job struct {
	JobID     string          `json:"job_id"`
	MeetingID int64           `json:"meeting_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *string         `json:"error"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store wraps the application database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store over an open database. Call Migrate before first use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying handle for callers that share the connection.
func (s *Store) DB() *sql.DB { return s.db }
