// Package transcribe composes the frontend transcription path: GPU health
// probe, smart-plug wake, remote submit/poll, and the local CPU fallback.
// The Orchestrator emits the authoritative result for one attempt; Service
// turns it into meeting, transcript and job state transitions.
package transcribe

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/meetscribe/gpu"
	"github.com/hazyhaar/meetscribe/store"
)

// Result is the terminal outcome of one transcription attempt. Callers
// branch on Success only; Error is a user-facing string stored on the job.
type Result struct {
	Success      bool
	Segments     []store.SegmentInput
	Formatted    string
	Stats        json.RawMessage
	Error        string
	UsedFallback bool
}

// UploadJob carries one accepted upload through the background pipeline.
// MicPath or TabPath may be empty but never both; the upload handler
// enforces that before dispatch.
type UploadJob struct {
	JobID     string
	MeetingID int64
	MicPath   string
	TabPath   string
	Metadata  map[string]any
}

// Prober reports whether the GPU worker currently answers healthy.
type Prober interface {
	Available(ctx context.Context) bool
}

// Waker powers the GPU host on and waits for the worker to come up.
type Waker interface {
	TryWake(ctx context.Context, jobID string) bool
}

// Client is the remote submit/poll path against the GPU worker.
type Client interface {
	Transcribe(ctx context.Context, micPath, tabPath string, meta map[string]any) (*gpu.ResultPayload, error)
}

// Fallback is the local CPU path. A non-nil error means the fallback itself
// is unusable (missing binary or model), as opposed to a run that failed,
// which comes back as a Result with Success false.
type Fallback interface {
	Transcribe(ctx context.Context, micPath, tabPath string, meta map[string]any) (*Result, error)
}

// Extractor produces structured meeting insights from a formatted
// transcript. Implementations must accept any text, including empty.
type Extractor interface {
	ExtractAll(ctx context.Context, meetingID int64, transcript string) (json.RawMessage, error)
}

// EventLogger records business events. Implementations must never block or
// fail the caller.
type EventLogger interface {
	LogEvent(event string, fields map[string]any)
}

func resultFromPayload(p *gpu.ResultPayload) *Result {
	segs := make([]store.SegmentInput, 0, len(p.Segments))
	for _, s := range p.Segments {
		segs = append(segs, store.SegmentInput{
			Speaker: s.Speaker,
			Text:    s.Text,
			Start:   s.Start,
			End:     s.End,
		})
	}
	return &Result{
		Success:   true,
		Segments:  segs,
		Formatted: p.Formatted,
		Stats:     p.Stats,
	}
}
