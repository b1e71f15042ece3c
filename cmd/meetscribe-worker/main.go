// Entry point for the MeetScribe GPU worker: a single-slot transcription
// service meant to run on the machine that owns the GPU.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hazyhaar/meetscribe/worker"
)

func main() {
	// .env is optional; a real environment variable always wins.
	_ = godotenv.Load()

	host := flag.String("host", "0.0.0.0", "listen address")
	port := flag.Int("port", 8001, "listen port")
	model := flag.String("model", "large-v3", "whisper model size")
	device := flag.String("device", "cuda", "inference device (cuda or cpu)")
	language := flag.String("language", "", "force transcription language (empty = auto-detect)")
	modelDir := flag.String("model-dir", "models", "directory holding ggml model files")
	historySize := flag.Int("history", 10, "finished jobs kept in memory")
	flag.Parse()

	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stt := worker.NewWhisperCLI(worker.WhisperConfig{
		ModelDir:  *modelDir,
		ModelSize: *model,
		Device:    *device,
		Language:  *language,
	}, logger)
	modelLoaded := true
	if err := stt.Available(); err != nil {
		modelLoaded = false
		logger.Warn("Whisper unavailable, jobs will fail until fixed", "error", err)
	}

	// NewDiarizeCLI returns a typed nil when the helper binary is missing;
	// assigning it to the interface unconditionally would defeat the nil
	// checks inside the pipeline.
	var diarizer worker.Diarizer
	if d := worker.NewDiarizeCLI("", 0, logger); d != nil {
		diarizer = d
	}

	pipeline := worker.NewPipeline(stt, diarizer, worker.PipelineConfig{
		ModelSize: *model,
		Device:    *device,
	}, logger)
	jobs := worker.NewJobStore(*historySize)
	engine := worker.NewEngine(ctx, pipeline, jobs, *model, *device, modelLoaded, logger)
	server := worker.NewServer(engine, os.Getenv("MEETSCRIBE_GPU_WORKER_TOKEN"), logger)

	srv := &http.Server{
		Addr:              net.JoinHostPort(*host, strconv.Itoa(*port)),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		lang := *language
		if lang == "" {
			lang = "auto-detect"
		}
		logger.Info("Starting GPU Worker", "addr", srv.Addr)
		logger.Info("Worker configuration",
			"model", *model,
			"device", *device,
			"language", lang,
			"model_loaded", modelLoaded,
			"auth", os.Getenv("MEETSCRIBE_GPU_WORKER_TOKEN") != "")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("worker stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
