package transcribe

import (
	"context"
	"log/slog"
)

// Orchestrator decides how one job gets transcribed: remote GPU when
// reachable (waking the host if a plug is wired), local CPU fallback when
// the remote path is unusable or fails.
type Orchestrator struct {
	probe    Prober
	client   Client
	waker    Waker
	fallback Fallback
	events   EventLogger
	logger   *slog.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithWaker installs the smart-plug wake path tried when the probe fails.
func WithWaker(w Waker) Option { return func(o *Orchestrator) { o.waker = w } }

// WithFallback installs the local CPU path tried when the GPU path is
// unavailable or fails.
func WithFallback(f Fallback) Option { return func(o *Orchestrator) { o.fallback = f } }

// WithEvents records wake attempts to the business event log.
func WithEvents(ev EventLogger) Option { return func(o *Orchestrator) { o.events = ev } }

func NewOrchestrator(probe Prober, client Client, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{probe: probe, client: client, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Transcribe runs the full decision chain for one job. Never returns nil;
// failures carry a user-facing Error string.
func (o *Orchestrator) Transcribe(ctx context.Context, job UploadJob) *Result {
	gpuAvailable := o.probe.Available(ctx)
	if !gpuAvailable && o.waker != nil {
		gpuAvailable = o.waker.TryWake(ctx, job.JobID)
		o.logEvent("wake_attempted", map[string]any{"job_id": job.JobID, "success": gpuAvailable})
	}

	var gpuErr error
	if gpuAvailable {
		payload, err := o.client.Transcribe(ctx, job.MicPath, job.TabPath, job.Metadata)
		if err == nil {
			return resultFromPayload(payload)
		}
		gpuErr = err
		o.logger.Error("GPU transcription failed", "job_id", job.JobID, "error", err)
	}

	if o.fallback != nil {
		o.logger.Info("Falling back to local CPU transcription", "job_id", job.JobID)
		res, err := o.fallback.Transcribe(ctx, job.MicPath, job.TabPath, job.Metadata)
		if err != nil {
			return &Result{Error: "Fallback transcriber unavailable: " + err.Error()}
		}
		res.UsedFallback = true
		return res
	}

	if gpuErr != nil {
		return &Result{Error: gpuErr.Error()}
	}
	return &Result{Error: "GPU unavailable and fallback disabled"}
}

func (o *Orchestrator) logEvent(event string, fields map[string]any) {
	if o.events != nil {
		o.events.LogEvent(event, fields)
	}
}
