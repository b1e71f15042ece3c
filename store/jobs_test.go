package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestJobLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mid := seedMeeting(t, s, "m", time.Unix(1000, 0))

	if err := s.CreateJob(ctx, "abc12345", mid); err != nil {
		t.Fatal(err)
	}

	j, err := s.GetJob(ctx, "abc12345")
	if err != nil {
		t.Fatal(err)
	}
	if j == nil {
		t.Fatal("expected job")
	}
	if j.Status != JobQueued {
		t.Errorf("status = %q, want %q", j.Status, JobQueued)
	}
	if j.MeetingID != mid {
		t.Errorf("meeting_id = %d, want %d", j.MeetingID, mid)
	}

	if err := s.UpdateJobStatus(ctx, "abc12345", JobProcessing, nil, nil); err != nil {
		t.Fatal(err)
	}
	result := json.RawMessage(`{"meeting_id":1,"segments_count":4,"used_fallback":false}`)
	if err := s.UpdateJobStatus(ctx, "abc12345", JobCompleted, result, nil); err != nil {
		t.Fatal(err)
	}

	j, _ = s.GetJob(ctx, "abc12345")
	if j.Status != JobCompleted {
		t.Errorf("status = %q, want %q", j.Status, JobCompleted)
	}
	if string(j.Result) != string(result) {
		t.Errorf("result = %s, want %s", j.Result, result)
	}
	if j.Error != nil {
		t.Errorf("error = %v, want nil", *j.Error)
	}
}

func TestJobFailureKeepsError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mid := seedMeeting(t, s, "m", time.Unix(1000, 0))

	if err := s.CreateJob(ctx, "failjob1", mid); err != nil {
		t.Fatal(err)
	}
	msg := "GPU worker timeout (polling)"
	if err := s.UpdateJobStatus(ctx, "failjob1", JobFailed, nil, &msg); err != nil {
		t.Fatal(err)
	}

	j, _ := s.GetJob(ctx, "failjob1")
	if j.Status != JobFailed {
		t.Errorf("status = %q, want %q", j.Status, JobFailed)
	}
	if j.Error == nil || *j.Error != msg {
		t.Errorf("error = %v, want %q", j.Error, msg)
	}
}

func TestCreateJobDuplicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mid := seedMeeting(t, s, "m", time.Unix(1000, 0))

	if err := s.CreateJob(ctx, "same0000", mid); err != nil {
		t.Fatal(err)
	}
	err := s.CreateJob(ctx, "same0000", mid)
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("err = %v, want ErrDuplicateJob", err)
	}
}

func TestUpdateJobStatusAbsent(t *testing.T) {
	// Unknown ids are a silent no-op, not an error.
	s := testStore(t)
	if err := s.UpdateJobStatus(context.Background(), "ghost123", JobCompleted, nil, nil); err != nil {
		t.Fatal(err)
	}
}

func TestGetJobAbsent(t *testing.T) {
	s := testStore(t)
	j, err := s.GetJob(context.Background(), "nothere1")
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Errorf("expected nil, got %+v", j)
	}
}

func TestCleanupOldJobs(t *testing.T) {
	// WHAT: startup cleanup deletes only terminal jobs past the cutoff.
	// WHY: queued/processing rows are live state and must survive restarts.
	s := testStore(t)
	ctx := context.Background()
	mid := seedMeeting(t, s, "m", time.Unix(1000, 0))

	for _, id := range []string{"old_done", "old_fail", "old_live", "new_done"} {
		if err := s.CreateJob(ctx, id, mid); err != nil {
			t.Fatal(err)
		}
	}
	s.UpdateJobStatus(ctx, "old_done", JobCompleted, nil, nil)
	msg := "boom"
	s.UpdateJobStatus(ctx, "old_fail", JobFailed, nil, &msg)
	s.UpdateJobStatus(ctx, "old_live", JobProcessing, nil, nil)
	s.UpdateJobStatus(ctx, "new_done", JobCompleted, nil, nil)

	// Backdate three of them past the cutoff.
	old := time.Now().Add(-48 * time.Hour).Unix()
	for _, id := range []string{"old_done", "old_fail", "old_live"} {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET created_at = ? WHERE job_id = ?`, old, id); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CleanupOldJobs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}

	// Processing job survives even though it is old.
	if j, _ := s.GetJob(ctx, "old_live"); j == nil {
		t.Error("processing job was deleted")
	}
	// Recent terminal job survives.
	if j, _ := s.GetJob(ctx, "new_done"); j == nil {
		t.Error("recent job was deleted")
	}
	if j, _ := s.GetJob(ctx, "old_done"); j != nil {
		t.Error("old completed job not deleted")
	}
}

func TestCleanupOldJobsNone(t *testing.T) {
	s := testStore(t)
	n, err := s.CleanupOldJobs(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("deleted = %d, want 0", n)
	}
}

func TestJobSurvivesReopen(t *testing.T) {
	// WHAT: jobs are durable rows, visible to a second Store over the
	// same handle after the first finished writing.
	s := testStore(t)
	ctx := context.Background()
	mid := seedMeeting(t, s, "m", time.Unix(1000, 0))

	if err := s.CreateJob(ctx, "durable1", mid); err != nil {
		t.Fatal(err)
	}
	s.UpdateJobStatus(ctx, "durable1", JobProcessing, nil, nil)

	s2 := New(s.DB())
	j, err := s2.GetJob(ctx, "durable1")
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.Status != JobProcessing {
		t.Errorf("job = %+v, want processing", j)
	}
}
