package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Engine détient l'unique slot GPU et exécute les jobs en arrière-plan.
// Les jobs concurrents sont acceptés immédiatement puis sérialisés dans
// l'ordre d'arrivée par le sémaphore.
type Engine struct {
	pipeline *Pipeline
	jobs     *JobStore
	slot     *semaphore.Weighted
	baseCtx  context.Context
	logger   *slog.Logger

	modelSize   string
	device      string
	modelLoaded bool

	mu           sync.Mutex
	currentJobID string
	currentStart time.Time
}

// NewEngine câble la pipeline sur le slot unique. baseCtx borne la vie des
// jobs en arrière-plan, il vient du signal handler du main.
func NewEngine(baseCtx context.Context, pipeline *Pipeline, jobs *JobStore, modelSize, device string, modelLoaded bool, logger *slog.Logger) *Engine {
	return &Engine{
		pipeline:    pipeline,
		jobs:        jobs,
		slot:        semaphore.NewWeighted(1),
		baseCtx:     baseCtx,
		logger:      logger,
		modelSize:   modelSize,
		device:      device,
		modelLoaded: modelLoaded,
	}
}

// Jobs expose le store pour la couche HTTP.
func (e *Engine) Jobs() *JobStore { return e.jobs }

// Start lance le job en arrière-plan et rend la main aussitôt. jobDir est
// supprimé en fin de traitement quel que soit le résultat.
func (e *Engine) Start(jobID, jobDir string, req ProcessRequest) {
	go e.run(jobID, jobDir, req)
}

func (e *Engine) run(jobID, jobDir string, req ProcessRequest) {
	defer func() {
		if jobDir != "" {
			if err := os.RemoveAll(jobDir); err != nil {
				e.logger.Warn("Failed to remove job dir", "job_id", jobID, "dir", jobDir, "error", err)
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Transcription panic", "job_id", jobID, "panic", r)
			e.jobs.SetFailed(jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if !e.slot.TryAcquire(1) {
		e.logger.Info("Worker is busy, queueing request", "job_id", jobID)
		if err := e.slot.Acquire(e.baseCtx, 1); err != nil {
			e.jobs.SetFailed(jobID, "worker shutting down")
			return
		}
	}
	defer e.slot.Release(1)

	e.setCurrent(jobID)
	defer e.clearCurrent()

	e.logger.Info("Acquired lock, starting transcription", "job_id", jobID)
	e.jobs.SetProcessing(jobID)
	start := time.Now()

	req.OnProgress = func(step, detail string) {
		e.jobs.SetProgress(jobID, step, detail)
		e.logger.Info("Progress", "job_id", jobID, "step", step, "detail", detail)
	}

	result, err := e.pipeline.Process(e.baseCtx, req)
	if err != nil {
		e.logger.Error("Transcription failed", "job_id", jobID, "error", err)
		e.jobs.SetFailed(jobID, err.Error())
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		e.jobs.SetFailed(jobID, fmt.Sprintf("encode result: %v", err))
		return
	}
	e.jobs.SetCompleted(jobID, payload)
	e.logger.Info(fmt.Sprintf("Transcription complete in %.1fs", time.Since(start).Seconds()),
		"job_id", jobID, "segments", len(result.Segments))
}

func (e *Engine) setCurrent(jobID string) {
	e.mu.Lock()
	e.currentJobID = jobID
	e.currentStart = time.Now()
	e.mu.Unlock()
}

func (e *Engine) clearCurrent() {
	e.mu.Lock()
	e.currentJobID = ""
	e.currentStart = time.Time{}
	e.mu.Unlock()
}

// CurrentJob décrit le job en cours dans la réponse de /health.
type CurrentJob struct {
	JobID          string  `json:"job_id"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// HealthStatus est le corps de GET /health.
type HealthStatus struct {
	Status      string      `json:"status"`
	Model       string      `json:"model"`
	Device      string      `json:"device"`
	ModelLoaded bool        `json:"model_loaded"`
	Locked      bool        `json:"locked"`
	CurrentJob  *CurrentJob `json:"current_job,omitempty"`
}

// Health rend l'état instantané du worker.
func (e *Engine) Health() HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := HealthStatus{
		Status:      "ok",
		Model:       e.modelSize,
		Device:      e.device,
		ModelLoaded: e.modelLoaded,
		Locked:      e.currentJobID != "",
	}
	if e.currentJobID != "" {
		h.CurrentJob = &CurrentJob{
			JobID:          e.currentJobID,
			ElapsedSeconds: time.Since(e.currentStart).Seconds(),
		}
	}
	return h
}
