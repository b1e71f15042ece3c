package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/meetscribe/dbopen"
)

// CreateMeeting inserts a meeting in processing state and returns its id.
func (s *Store) CreateMeeting(ctx context.Context, title string, date time.Time, platform, url *string, duration *float64, audioFile *string) (int64, error) {
	now := time.Now().Unix()
	res, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO meetings (title, date, duration, platform, url, status, audio_file, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		title, date.Unix(), duration, platform, url, MeetingProcessing, audioFile, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: create meeting: %w", err)
	}
	return res.LastInsertId()
}

// GetMeeting returns a meeting or nil when absent.
func (s *Store) GetMeeting(ctx context.Context, id int64) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, date, duration, platform, url, status, audio_file, extracted_data, created_at, updated_at,
			EXISTS(SELECT 1 FROM transcripts WHERE transcripts.meeting_id = meetings.id) AS has_transcript
		FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMeetings returns meetings ordered by meeting date, newest first. Each
// row carries a has_transcript flag so listings do not need a follow-up
// query per meeting.
func (s *Store) ListMeetings(ctx context.Context, limit, offset int) ([]*Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, date, duration, platform, url, status, audio_file, extracted_data, created_at, updated_at,
			EXISTS(SELECT 1 FROM transcripts WHERE transcripts.meeting_id = meetings.id) AS has_transcript
		FROM meetings ORDER BY date DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list meetings: %w", err)
	}
	defer rows.Close()

	var out []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// updatableFields are the only meeting columns PATCH may touch.
var updatableFields = map[string]bool{
	"title":    true,
	"platform": true,
	"url":      true,
	"duration": true,
}

// UpdateMeeting applies whitelisted field changes. Returns false when the
// meeting does not exist. Unknown fields are silently dropped.
func (s *Store) UpdateMeeting(ctx context.Context, id int64, fields map[string]any) (bool, error) {
	var sets []string
	var args []any
	for k, v := range fields {
		if !updatableFields[k] {
			continue
		}
		sets = append(sets, k+" = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		// Nothing to change; still report whether the meeting exists.
		m, err := s.GetMeeting(ctx, id)
		return m != nil, err
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), id)

	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE meetings SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("store: update meeting: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateMeetingStatus sets the meeting status and touches updated_at.
// Absent meetings are ignored.
func (s *Store) UpdateMeetingStatus(ctx context.Context, id int64, status string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`UPDATE meetings SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: update meeting status: %w", err)
	}
	return nil
}

// SetExtractedData stores the LLM extraction payload on the meeting.
func (s *Store) SetExtractedData(ctx context.Context, id int64, data json.RawMessage) error {
	_, err := dbopen.Exec(ctx, s.db,
		`UPDATE meetings SET extracted_data = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: set extracted data: %w", err)
	}
	return nil
}

// DeleteMeeting removes a meeting; the transcript and segments follow via
// ON DELETE CASCADE. Returns false when the meeting does not exist.
func (s *Store) DeleteMeeting(ctx context.Context, id int64) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM meetings WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete meeting: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SegmentInput is one segment to persist with a transcript.
type SegmentInput struct {
	Speaker string
	Text    string
	Start   float64
	End     float64
}

// SaveTranscript replaces the transcript and all segments of a meeting in one
// transaction and marks the meeting completed. full_text is the space-joined
// segment texts.
func (s *Store) SaveTranscript(ctx context.Context, meetingID int64, segments []SegmentInput, formatted string, stats json.RawMessage) error {
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}
	fullText := strings.Join(texts, " ")
	now := time.Now().Unix()

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transcripts (meeting_id, full_text, formatted, stats, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(meeting_id) DO UPDATE SET
				full_text = excluded.full_text,
				formatted = excluded.formatted,
				stats = excluded.stats`,
			meetingID, fullText, formatted, string(stats), now)
		if err != nil {
			return fmt.Errorf("upsert transcript: %w", err)
		}

		// Replace all segments atomically so transcript and segments stay consistent.
		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE meeting_id = ?`, meetingID); err != nil {
			return fmt.Errorf("delete segments: %w", err)
		}
		for _, seg := range segments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO segments (meeting_id, speaker, text, start_time, end_time)
				VALUES (?, ?, ?, ?, ?)`,
				meetingID, seg.Speaker, seg.Text, seg.Start, seg.End); err != nil {
				return fmt.Errorf("insert segment: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE meetings SET status = ?, updated_at = ? WHERE id = ?`,
			MeetingCompleted, now, meetingID); err != nil {
			return fmt.Errorf("complete meeting: %w", err)
		}
		return nil
	})
}

// GetTranscript returns the transcript with its segments ordered by start
// time, or nil when the meeting has none yet.
func (s *Store) GetTranscript(ctx context.Context, meetingID int64) (*Transcript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, meeting_id, full_text, formatted, summary, stats, created_at
		FROM transcripts WHERE meeting_id = ?`, meetingID)

	var t Transcript
	var summary sql.NullString
	var stats sql.NullString
	var createdAt int64
	err := row.Scan(&t.ID, &t.MeetingID, &t.FullText, &t.Formatted, &summary, &stats, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get transcript: %w", err)
	}
	if summary.Valid {
		t.Summary = &summary.String
	}
	if stats.Valid && stats.String != "" {
		t.Stats = json.RawMessage(stats.String)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, speaker, text, start_time, end_time
		FROM segments WHERE meeting_id = ? ORDER BY start_time`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("store: get segments: %w", err)
	}
	defer rows.Close()

	t.Segments = []Segment{}
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.MeetingID, &seg.Speaker, &seg.Text, &seg.StartTime, &seg.EndTime); err != nil {
			return nil, err
		}
		t.Segments = append(t.Segments, seg)
	}
	return &t, rows.Err()
}

// UpdateSpeaker renames a speaker across every segment of a meeting and
// returns how many rows changed.
func (s *Store) UpdateSpeaker(ctx context.Context, meetingID int64, oldName, newName string) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE segments SET speaker = ? WHERE meeting_id = ? AND speaker = ?`,
		newName, meetingID, oldName)
	if err != nil {
		return 0, fmt.Errorf("store: update speaker: %w", err)
	}
	return res.RowsAffected()
}

// UpdateSegmentText edits one segment. Returns false when the segment does
// not exist.
func (s *Store) UpdateSegmentText(ctx context.Context, segmentID int64, text string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE segments SET text = ? WHERE id = ?`, text, segmentID)
	if err != nil {
		return false, fmt.Errorf("store: update segment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(r rowScanner) (*Meeting, error) {
	var m Meeting
	var date, createdAt, updatedAt int64
	var duration sql.NullFloat64
	var platform, url, audioFile, extracted sql.NullString

	err := r.Scan(&m.ID, &m.Title, &date, &duration, &platform, &url, &m.Status,
		&audioFile, &extracted, &createdAt, &updatedAt, &m.HasTranscript)
	if err != nil {
		return nil, err
	}

	m.Date = time.Unix(date, 0).UTC()
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if duration.Valid {
		m.Duration = &duration.Float64
	}
	if platform.Valid {
		m.Platform = &platform.String
	}
	if url.Valid {
		m.URL = &url.String
	}
	if audioFile.Valid {
		m.AudioFile = &audioFile.String
	}
	if extracted.Valid && extracted.String != "" {
		m.ExtractedData = json.RawMessage(extracted.String)
	}
	return &m, nil
}
