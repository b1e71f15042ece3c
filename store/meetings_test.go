package store

import (
	"context"
	"testing"
	"time"
)

func seedMeeting(t *testing.T, s *Store, title string, date time.Time) int64 {
	t.Helper()
	id, err := s.CreateMeeting(context.Background(), title, date, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	return id
}

func TestMeetingCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	platform := "zoom"
	dur := 1800.5
	id, err := s.CreateMeeting(ctx, "Standup", time.Unix(1700000000, 0), &platform, nil, &dur, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMeeting(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected meeting, got nil")
	}
	if got.Title != "Standup" {
		t.Errorf("title = %q, want %q", got.Title, "Standup")
	}
	if got.Status != MeetingProcessing {
		t.Errorf("status = %q, want %q", got.Status, MeetingProcessing)
	}
	if got.Platform == nil || *got.Platform != "zoom" {
		t.Errorf("platform = %v, want zoom", got.Platform)
	}
	if got.Duration == nil || *got.Duration != 1800.5 {
		t.Errorf("duration = %v, want 1800.5", got.Duration)
	}

	// Not found
	got, err = s.GetMeeting(ctx, 9999)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}

	// Delete
	ok, err := s.DeleteMeeting(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected delete to report true")
	}
	ok, err = s.DeleteMeeting(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second delete should report false")
	}
}

func TestListMeetingsOrder(t *testing.T) {
	// WHAT: listing sorts by meeting date descending, not insertion order.
	s := testStore(t)
	ctx := context.Background()

	seedMeeting(t, s, "middle", time.Unix(2000, 0))
	seedMeeting(t, s, "newest", time.Unix(3000, 0))
	seedMeeting(t, s, "oldest", time.Unix(1000, 0))

	list, err := s.ListMeetings(ctx, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	want := []string{"newest", "middle", "oldest"}
	for i, w := range want {
		if list[i].Title != w {
			t.Errorf("list[%d] = %q, want %q", i, list[i].Title, w)
		}
	}

	// Pagination
	page, err := s.ListMeetings(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Title != "middle" {
		t.Errorf("page = %+v, want [middle]", page)
	}
}

func TestListMeetingsHasTranscript(t *testing.T) {
	// WHAT: listings flag which meetings already carry a transcript.
	// WHY: the UI shows transcribed vs pending without one query per row.
	s := testStore(t)
	ctx := context.Background()

	withTr := seedMeeting(t, s, "transcribed", time.Unix(2000, 0))
	without := seedMeeting(t, s, "pending", time.Unix(1000, 0))

	if err := s.SaveTranscript(ctx, withTr, []SegmentInput{
		{Speaker: "Dino", Text: "bonjour", Start: 0, End: 2},
	}, "", nil); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListMeetings(ctx, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if !list[0].HasTranscript {
		t.Errorf("%q has_transcript = false, want true", list[0].Title)
	}
	if list[1].HasTranscript {
		t.Errorf("%q has_transcript = true, want false", list[1].Title)
	}

	// GetMeeting reports the same flag.
	m, err := s.GetMeeting(ctx, without)
	if err != nil {
		t.Fatal(err)
	}
	if m.HasTranscript {
		t.Error("GetMeeting has_transcript = true for a meeting without transcript")
	}
}

func TestUpdateMeetingWhitelist(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := seedMeeting(t, s, "before", time.Unix(1000, 0))

	ok, err := s.UpdateMeeting(ctx, id, map[string]any{
		"title":  "after",
		"status": "completed", // not whitelisted, must be ignored
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected update to report true")
	}

	got, _ := s.GetMeeting(ctx, id)
	if got.Title != "after" {
		t.Errorf("title = %q, want %q", got.Title, "after")
	}
	if got.Status != MeetingProcessing {
		t.Errorf("status = %q, want untouched %q", got.Status, MeetingProcessing)
	}

	// Absent meeting
	ok, err = s.UpdateMeeting(ctx, 9999, map[string]any{"title": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected false for absent meeting")
	}

	// Only unknown fields: reports existence, changes nothing.
	ok, err = s.UpdateMeeting(ctx, id, map[string]any{"status": "failed"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected true for existing meeting")
	}
}

func TestSaveTranscriptReplacesSegments(t *testing.T) {
	// WHAT: re-saving a transcript swaps out every previous segment.
	// WHY: re-transcription must never interleave old and new segments.
	s := testStore(t)
	ctx := context.Background()
	id := seedMeeting(t, s, "m", time.Unix(1000, 0))

	first := []SegmentInput{
		{Speaker: "Dino", Text: "bonjour", Start: 0, End: 2},
		{Speaker: "Interlocuteur", Text: "salut", Start: 2, End: 4},
	}
	if err := s.SaveTranscript(ctx, id, first, "[00:00:00] Dino: bonjour", nil); err != nil {
		t.Fatal(err)
	}

	second := []SegmentInput{
		{Speaker: "Dino", Text: "nouvelle version", Start: 0, End: 3},
	}
	if err := s.SaveTranscript(ctx, id, second, "[00:00:00] Dino: nouvelle version", nil); err != nil {
		t.Fatal(err)
	}

	tr, err := s.GetTranscript(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if tr == nil {
		t.Fatal("expected transcript")
	}
	if len(tr.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(tr.Segments))
	}
	if tr.Segments[0].Text != "nouvelle version" {
		t.Errorf("text = %q, want replacement", tr.Segments[0].Text)
	}
	if tr.FullText != "nouvelle version" {
		t.Errorf("full_text = %q", tr.FullText)
	}

	m, _ := s.GetMeeting(ctx, id)
	if m.Status != MeetingCompleted {
		t.Errorf("meeting status = %q, want %q", m.Status, MeetingCompleted)
	}
}

func TestSaveTranscriptFullText(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := seedMeeting(t, s, "m", time.Unix(1000, 0))

	segs := []SegmentInput{
		{Speaker: "A", Text: "one", Start: 0, End: 1},
		{Speaker: "B", Text: "two", Start: 1, End: 2},
		{Speaker: "A", Text: "three", Start: 2, End: 3},
	}
	if err := s.SaveTranscript(ctx, id, segs, "", nil); err != nil {
		t.Fatal(err)
	}
	tr, _ := s.GetTranscript(ctx, id)
	if tr.FullText != "one two three" {
		t.Errorf("full_text = %q, want space-joined", tr.FullText)
	}
}

func TestGetTranscriptSegmentOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := seedMeeting(t, s, "m", time.Unix(1000, 0))

	// Inserted out of chronological order on purpose.
	segs := []SegmentInput{
		{Speaker: "A", Text: "later", Start: 10, End: 12},
		{Speaker: "B", Text: "earlier", Start: 1, End: 3},
	}
	if err := s.SaveTranscript(ctx, id, segs, "", nil); err != nil {
		t.Fatal(err)
	}
	tr, _ := s.GetTranscript(ctx, id)
	if tr.Segments[0].Text != "earlier" || tr.Segments[1].Text != "later" {
		t.Errorf("segments not ordered by start_time: %+v", tr.Segments)
	}
}

func TestGetTranscriptAbsent(t *testing.T) {
	s := testStore(t)
	id := seedMeeting(t, s, "m", time.Unix(1000, 0))

	tr, err := s.GetTranscript(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if tr != nil {
		t.Errorf("expected nil, got %+v", tr)
	}
}

func TestUpdateSpeaker(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := seedMeeting(t, s, "m", time.Unix(1000, 0))

	segs := []SegmentInput{
		{Speaker: "Speaker 1", Text: "a", Start: 0, End: 1},
		{Speaker: "Speaker 1", Text: "b", Start: 1, End: 2},
		{Speaker: "Speaker 2", Text: "c", Start: 2, End: 3},
	}
	if err := s.SaveTranscript(ctx, id, segs, "", nil); err != nil {
		t.Fatal(err)
	}

	n, err := s.UpdateSpeaker(ctx, id, "Speaker 1", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("updated = %d, want 2", n)
	}

	n, err = s.UpdateSpeaker(ctx, id, "Nobody", "X")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("updated = %d, want 0", n)
	}
}

func TestUpdateSegmentText(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := seedMeeting(t, s, "m", time.Unix(1000, 0))

	if err := s.SaveTranscript(ctx, id, []SegmentInput{
		{Speaker: "A", Text: "typo", Start: 0, End: 1},
	}, "", nil); err != nil {
		t.Fatal(err)
	}
	tr, _ := s.GetTranscript(ctx, id)

	ok, err := s.UpdateSegmentText(ctx, tr.Segments[0].ID, "fixed")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected true")
	}
	tr, _ = s.GetTranscript(ctx, id)
	if tr.Segments[0].Text != "fixed" {
		t.Errorf("text = %q, want %q", tr.Segments[0].Text, "fixed")
	}

	ok, err = s.UpdateSegmentText(ctx, 9999, "x")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected false for absent segment")
	}
}

func TestDeleteMeetingCascades(t *testing.T) {
	// WHY: transcripts and segments must not outlive their meeting.
	s := testStore(t)
	ctx := context.Background()
	id := seedMeeting(t, s, "m", time.Unix(1000, 0))

	if err := s.SaveTranscript(ctx, id, []SegmentInput{
		{Speaker: "A", Text: "x", Start: 0, End: 1},
	}, "", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeleteMeeting(ctx, id); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE meeting_id = ?`, id).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("segments left after cascade: %d", n)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcripts WHERE meeting_id = ?`, id).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("transcripts left after cascade: %d", n)
	}
}

func TestSetExtractedData(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := seedMeeting(t, s, "m", time.Unix(1000, 0))

	if err := s.SetExtractedData(ctx, id, []byte(`{"summary":"ok"}`)); err != nil {
		t.Fatal(err)
	}
	m, _ := s.GetMeeting(ctx, id)
	if string(m.ExtractedData) != `{"summary":"ok"}` {
		t.Errorf("extracted_data = %s", m.ExtractedData)
	}
}
