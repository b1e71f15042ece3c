package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/meetscribe/extract"
	"github.com/hazyhaar/meetscribe/idgen"
)

// SpanWriter persists LLM extraction spans. It satisfies extract.SpanRecorder.
type SpanWriter struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewSpanWriter creates a writer backed by the given observability database.
func NewSpanWriter(db *sql.DB) *SpanWriter {
	return &SpanWriter{
		db:    db,
		newID: idgen.Prefixed("span_", idgen.Default),
	}
}

// RecordSpan writes one extraction span. Fire and forget: errors are logged
// via slog but do not propagate. A missing span ID is minted here.
func (w *SpanWriter) RecordSpan(span extract.Span) {
	if span.SpanID == "" {
		span.SpanID = w.newID()
	}
	if span.PromptVersion == "" {
		span.PromptVersion = "v1"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO extraction_spans (
			span_id, meeting_id, model, prompt_version,
			transcript_sha16, transcript_len, duration_ms,
			success, error, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		span.SpanID, span.MeetingID, span.Model, span.PromptVersion,
		span.TranscriptSHA, span.TranscriptLen, span.DurationMS,
		span.Success, nullableString(span.Error), time.Now().Unix())
	if err != nil {
		slog.Error("observability span record failed", "error", err, "span_id", span.SpanID)
	}
}

// SpansForMeeting returns all extraction spans recorded for a meeting,
// most recent first.
func (w *SpanWriter) SpansForMeeting(ctx context.Context, meetingID int64) ([]extract.Span, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT span_id, meeting_id, model, prompt_version,
		       transcript_sha16, transcript_len, duration_ms, success, error
		FROM extraction_spans
		WHERE meeting_id = ?
		ORDER BY created_at DESC, span_id DESC`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var spans []extract.Span
	for rows.Next() {
		var s extract.Span
		var errMsg sql.NullString
		if err := rows.Scan(&s.SpanID, &s.MeetingID, &s.Model, &s.PromptVersion,
			&s.TranscriptSHA, &s.TranscriptLen, &s.DurationMS, &s.Success, &errMsg); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		s.Error = errMsg.String
		spans = append(spans, s)
	}
	return spans, rows.Err()
}
