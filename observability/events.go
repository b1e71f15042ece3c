package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/meetscribe/idgen"
)

// Event is a recorded business event, as read back from the database.
type Event struct {
	EventID     string
	EventType   string
	ServiceName string
	EntityType  string
	EntityID    string
	Details     json.RawMessage
	Success     bool
	CreatedAt   time.Time
}

// EventLogger writes business events (upload_received, job_completed,
// job_failed, wake_attempted, extraction_done) to the observability database.
type EventLogger struct {
	db      *sql.DB
	service string
	newID   idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, service string, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:      db,
		service: service,
		newID:   idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Fire and forget: errors are logged via
// slog but do not propagate, so a failing observability store never blocks
// the app. The entity is derived from the fields: job_id wins over meeting_id.
// A boolean "success" field marks the event as failed when false.
func (l *EventLogger) LogEvent(event string, fields map[string]any) {
	entityType, entityID := deriveEntity(fields)
	success := true
	if v, ok := fields["success"].(bool); ok {
		success = v
	}
	var details []byte
	if len(fields) > 0 {
		var err error
		if details, err = json.Marshal(fields); err != nil {
			slog.Warn("observability event details not serializable", "event_type", event, "error", err)
			details = nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), event, l.service, entityType, entityID,
		nullableString(string(details)), success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event)
	}
}

// Recent returns the newest events, most recent first.
func (l *EventLogger) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, event_type, service_name, entity_type, entity_id,
		       details, success, created_at
		FROM business_event_logs
		ORDER BY created_at DESC, event_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var entityType, entityID, details sql.NullString
		var ts int64
		if err := rows.Scan(&e.EventID, &e.EventType, &e.ServiceName,
			&entityType, &entityID, &details, &e.Success, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EntityType = entityType.String
		e.EntityID = entityID.String
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		e.CreatedAt = time.Unix(ts, 0)
		events = append(events, e)
	}
	return events, rows.Err()
}

// deriveEntity picks the most specific entity reference out of event fields.
func deriveEntity(fields map[string]any) (entityType, entityID string) {
	if v, ok := fields["job_id"]; ok {
		return "job", fmt.Sprint(v)
	}
	if v, ok := fields["meeting_id"]; ok {
		return "meeting", fmt.Sprint(v)
	}
	return "", ""
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
