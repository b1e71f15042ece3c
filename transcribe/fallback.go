package transcribe

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hazyhaar/meetscribe/store"
	"github.com/hazyhaar/meetscribe/worker"
)

// FallbackConfig sizes the in-process CPU transcriber.
type FallbackConfig struct {
	ModelSize     string // default "medium"
	Timeout       time.Duration
	WhisperBinary string
	ModelDir      string
}

// LocalTranscriber runs the worker pipeline in-process on CPU. Slower than
// the GPU path but keeps uploads flowing when the worker host is down.
type LocalTranscriber struct {
	pipeline *worker.Pipeline
	stt      *worker.WhisperCLI
	timeout  time.Duration
	logger   *slog.Logger
}

func NewLocalTranscriber(cfg FallbackConfig, logger *slog.Logger) *LocalTranscriber {
	if cfg.ModelSize == "" {
		cfg.ModelSize = "medium"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	stt := worker.NewWhisperCLI(worker.WhisperConfig{
		Binary:    cfg.WhisperBinary,
		ModelDir:  cfg.ModelDir,
		ModelSize: cfg.ModelSize,
		Device:    "cpu",
		Timeout:   cfg.Timeout,
	}, logger)
	pipe := worker.NewPipeline(stt, nil, worker.PipelineConfig{
		ModelSize: cfg.ModelSize,
		Device:    "cpu",
	}, logger)
	return &LocalTranscriber{pipeline: pipe, stt: stt, timeout: cfg.Timeout, logger: logger}
}

// Transcribe runs the CPU pipeline. An error return means the fallback is
// unusable on this host; a pipeline failure comes back as an unsuccessful
// Result instead.
func (l *LocalTranscriber) Transcribe(ctx context.Context, micPath, tabPath string, meta map[string]any) (*Result, error) {
	if err := l.stt.Available(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	res, err := l.pipeline.Process(ctx, worker.ProcessRequest{
		MicPath:  micPath,
		TabPath:  tabPath,
		Metadata: meta,
	})
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}
	l.logger.Info("CPU fallback transcription done",
		"segments", len(res.Segments),
		"elapsed_s", int(time.Since(start).Seconds()))

	stats, err := json.Marshal(res.Stats)
	if err != nil {
		return &Result{Error: "encode stats: " + err.Error()}, nil
	}
	segs := make([]store.SegmentInput, 0, len(res.Segments))
	for _, s := range res.Segments {
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
		Formatted: res.Formatted,
		Stats:     stats,
	}, nil
}
