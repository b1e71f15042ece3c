package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/meetscribe/store"
)

// Service drives an accepted upload to its terminal state: transcription,
// transcript persistence, optional LLM extraction, then job completion.
// ProcessUpload is meant to run on its own goroutine per upload.
type Service struct {
	orch    *Orchestrator
	store   *store.Store
	extract Extractor
	events  EventLogger
	logger  *slog.Logger
}

func NewService(orch *Orchestrator, st *store.Store, extract Extractor, events EventLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{orch: orch, store: st, extract: extract, events: events, logger: logger}
}

// ProcessUpload runs the background half of POST /api/upload. Every exit
// path leaves the job and its meeting in a terminal state; panics are
// recovered into a failed job rather than killing the process.
func (s *Service) ProcessUpload(ctx context.Context, job UploadJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Upload processing panic", "job_id", job.JobID, "panic", r)
			s.failJob(ctx, job, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := s.store.UpdateJobStatus(ctx, job.JobID, store.JobProcessing, nil, nil); err != nil {
		s.logger.Error("Failed to mark job processing", "job_id", job.JobID, "error", err)
	}

	res := s.orch.Transcribe(ctx, job)
	if !res.Success {
		s.failJob(ctx, job, res.Error)
		return
	}

	if err := s.store.SaveTranscript(ctx, job.MeetingID, res.Segments, res.Formatted, res.Stats); err != nil {
		s.failJob(ctx, job, fmt.Sprintf("Failed to save transcript: %v", err))
		return
	}

	s.runExtraction(ctx, job.MeetingID, res.Formatted)

	payload, err := json.Marshal(map[string]any{
		"meeting_id":     job.MeetingID,
		"segments_count": len(res.Segments),
		"used_fallback":  res.UsedFallback,
	})
	if err == nil {
		if uerr := s.store.UpdateJobStatus(ctx, job.JobID, store.JobCompleted, payload, nil); uerr != nil {
			s.logger.Error("Failed to mark job completed", "job_id", job.JobID, "error", uerr)
		}
	}
	s.logEvent("job_completed", map[string]any{
		"job_id":        job.JobID,
		"meeting_id":    job.MeetingID,
		"used_fallback": res.UsedFallback,
	})
	s.logger.Info("Upload processed",
		"job_id", job.JobID,
		"meeting_id", job.MeetingID,
		"segments", len(res.Segments),
		"used_fallback", res.UsedFallback)
}

func (s *Service) failJob(ctx context.Context, job UploadJob, msg string) {
	s.logger.Error("Transcription failed", "job_id", job.JobID, "error", msg)
	if err := s.store.UpdateMeetingStatus(ctx, job.MeetingID, store.MeetingFailed); err != nil {
		s.logger.Error("Failed to mark meeting failed", "meeting_id", job.MeetingID, "error", err)
	}
	if err := s.store.UpdateJobStatus(ctx, job.JobID, store.JobFailed, nil, &msg); err != nil {
		s.logger.Error("Failed to mark job failed", "job_id", job.JobID, "error", err)
	}
	s.logEvent("job_failed", map[string]any{
		"job_id":     job.JobID,
		"meeting_id": job.MeetingID,
		"error":      msg,
	})
}

// runExtraction enriches the meeting with LLM insights. Errors here are
// logged and swallowed, extraction never fails a job.
func (s *Service) runExtraction(ctx context.Context, meetingID int64, transcript string) {
	if s.extract == nil {
		return
	}
	data, err := s.extract.ExtractAll(ctx, meetingID, transcript)
	if err != nil {
		s.logger.Warn("Extraction failed", "meeting_id", meetingID, "error", err)
		return
	}
	if err := s.store.SetExtractedData(ctx, meetingID, data); err != nil {
		s.logger.Warn("Failed to store extracted data", "meeting_id", meetingID, "error", err)
		return
	}
	s.logEvent("extraction_done", map[string]any{"meeting_id": meetingID})
}

func (s *Service) logEvent(event string, fields map[string]any) {
	if s.events != nil {
		s.events.LogEvent(event, fields)
	}
}
