package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/meetscribe/dbopen"
	"github.com/hazyhaar/meetscribe/extract"
	"github.com/hazyhaar/meetscribe/kit"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func TestInitIdempotent(t *testing.T) {
	db := testDB(t)
	if err := Init(db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestEventLoggerLogEvent(t *testing.T) {
	db := testDB(t)
	logger := NewEventLogger(db, "meetscribe")

	logger.LogEvent("upload_received", map[string]any{
		"job_id":     "a1b2c3d4",
		"meeting_id": int64(7),
		"files":      2,
	})

	events, err := logger.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.EventType != "upload_received" {
		t.Errorf("event_type = %q, want %q", e.EventType, "upload_received")
	}
	if e.ServiceName != "meetscribe" {
		t.Errorf("service_name = %q, want %q", e.ServiceName, "meetscribe")
	}
	if e.EntityType != "job" || e.EntityID != "a1b2c3d4" {
		t.Errorf("entity = %s/%s, want job/a1b2c3d4", e.EntityType, e.EntityID)
	}
	if !e.Success {
		t.Error("success = false, want true by default")
	}
	var details map[string]any
	if err := json.Unmarshal(e.Details, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details["meeting_id"] != float64(7) {
		t.Errorf("details meeting_id = %v, want 7", details["meeting_id"])
	}
}

func TestEventLoggerSuccessField(t *testing.T) {
	db := testDB(t)
	logger := NewEventLogger(db, "meetscribe")

	logger.LogEvent("wake_attempted", map[string]any{"success": false})

	events, err := logger.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Success {
		t.Error("success = true, want false from event fields")
	}
}

func TestEventLoggerEntityFromMeeting(t *testing.T) {
	db := testDB(t)
	logger := NewEventLogger(db, "meetscribe")

	logger.LogEvent("extraction_done", map[string]any{"meeting_id": int64(42)})

	events, err := logger.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if events[0].EntityType != "meeting" || events[0].EntityID != "42" {
		t.Errorf("entity = %s/%s, want meeting/42", events[0].EntityType, events[0].EntityID)
	}
}

func TestSpanWriterRoundTrip(t *testing.T) {
	db := testDB(t)
	writer := NewSpanWriter(db)

	writer.RecordSpan(extract.Span{
		SpanID:        "span_test1",
		MeetingID:     9,
		Model:         "gemini-3-flash-preview",
		PromptVersion: "v1",
		TranscriptSHA: "2cf24dba5fb0a30e",
		TranscriptLen: 1234,
		DurationMS:    860,
		Success:       true,
	})

	spans, err := writer.SpansForMeeting(context.Background(), 9)
	if err != nil {
		t.Fatalf("SpansForMeeting: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.SpanID != "span_test1" {
		t.Errorf("span_id = %q, want %q", s.SpanID, "span_test1")
	}
	if s.Model != "gemini-3-flash-preview" || s.TranscriptSHA != "2cf24dba5fb0a30e" {
		t.Errorf("span fields lost: %+v", s)
	}
	if s.TranscriptLen != 1234 || s.DurationMS != 860 {
		t.Errorf("numeric fields lost: len=%d dur=%d", s.TranscriptLen, s.DurationMS)
	}
	if !s.Success || s.Error != "" {
		t.Errorf("success/error = %v/%q, want true/empty", s.Success, s.Error)
	}
}

func TestSpanWriterMintsID(t *testing.T) {
	db := testDB(t)
	writer := NewSpanWriter(db)

	writer.RecordSpan(extract.Span{MeetingID: 3, Model: "m", TranscriptSHA: "x", Error: "boom"})

	spans, err := writer.SpansForMeeting(context.Background(), 3)
	if err != nil {
		t.Fatalf("SpansForMeeting: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].SpanID == "" {
		t.Error("span_id not minted")
	}
	if spans[0].Error != "boom" {
		t.Errorf("error = %q, want %q", spans[0].Error, "boom")
	}
	if spans[0].Success {
		t.Error("success = true, want false")
	}
}

func TestHeartbeatWriteAndLatest(t *testing.T) {
	db := testDB(t)
	hw := NewHeartbeatWriter(db, "meetscribe-frontend", time.Minute)

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "meetscribe-frontend", time.Hour)
	if err != nil {
		t.Fatalf("LatestHeartbeat: %v", err)
	}
	if hs == nil {
		t.Fatal("no heartbeat found")
	}
	if !hs.Alive {
		t.Error("heartbeat not alive within threshold")
	}
	if hs.GoroutinesCount <= 0 {
		t.Errorf("goroutines_count = %d, want > 0", hs.GoroutinesCount)
	}

	missing, err := LatestHeartbeat(context.Background(), db, "nobody", time.Hour)
	if err != nil {
		t.Fatalf("LatestHeartbeat missing: %v", err)
	}
	if missing != nil {
		t.Errorf("got %+v for unknown service, want nil", missing)
	}
}

func TestHeartbeatStale(t *testing.T) {
	db := testDB(t)
	old := time.Now().Add(-time.Hour).Unix()
	_, err := db.Exec(`
		INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('meetscribe-frontend', 'host', 1, ?, 5, 1.0, 2.0, 3)`, old)
	if err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "meetscribe-frontend", time.Minute)
	if err != nil {
		t.Fatalf("LatestHeartbeat: %v", err)
	}
	if hs.Alive {
		t.Error("hour-old heartbeat reported alive with 1m threshold")
	}
}

func TestRequestLoggerMiddleware(t *testing.T) {
	db := testDB(t)
	rl := NewRequestLogger(db, 16)

	var seenAddr string
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAddr = kit.GetRemoteAddr(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Close drains the buffer and flushes synchronously.
	if err := rl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var method, path, agent, ip string
	var status int
	err := db.QueryRow(`SELECT method, path, status_code, user_agent, ip_address FROM http_request_logs`).
		Scan(&method, &path, &status, &agent, &ip)
	if err != nil {
		t.Fatalf("query request log: %v", err)
	}
	if method != "POST" || path != "/api/upload" {
		t.Errorf("logged %s %s, want POST /api/upload", method, path)
	}
	if status != http.StatusAccepted {
		t.Errorf("status = %d, want %d", status, http.StatusAccepted)
	}
	if agent != "test-agent" {
		t.Errorf("user_agent = %q, want %q", agent, "test-agent")
	}
	// httptest requests always arrive from 192.0.2.1:1234.
	if ip != "192.0.2.1" {
		t.Errorf("ip_address = %q, want %q", ip, "192.0.2.1")
	}
	if seenAddr != ip {
		t.Errorf("handler saw remote addr %q, log recorded %q", seenAddr, ip)
	}
}

func TestCleanup(t *testing.T) {
	db := testDB(t)
	logger := NewEventLogger(db, "meetscribe")
	logger.LogEvent("job_completed", map[string]any{"job_id": "fresh"})

	old := time.Now().AddDate(0, 0, -90).Unix()
	_, err := db.Exec(`
		INSERT INTO business_event_logs (event_id, event_type, service_name, success, created_at)
		VALUES ('evt_old', 'job_completed', 'meetscribe', 1, ?)`, old)
	if err != nil {
		t.Fatalf("seed old event: %v", err)
	}

	if err := Cleanup(context.Background(), db, RetentionConfig{EventsDays: 30}); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM business_event_logs`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Errorf("got %d events after cleanup, want 1", count)
	}
}
