// Entry point for the MeetScribe frontend: upload intake, persistent job
// tracking, transcription orchestration and the read/edit API.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/meetscribe/config"
	"github.com/hazyhaar/meetscribe/dbopen"
	"github.com/hazyhaar/meetscribe/extract"
	"github.com/hazyhaar/meetscribe/gpu"
	"github.com/hazyhaar/meetscribe/idgen"
	"github.com/hazyhaar/meetscribe/observability"
	"github.com/hazyhaar/meetscribe/store"
	"github.com/hazyhaar/meetscribe/transcribe"
	"github.com/hazyhaar/meetscribe/tuya"
)

const appVersion = "1.0.0"

func main() {
	// .env is optional; a real environment variable always wins.
	_ = godotenv.Load()

	// Logging.
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

	cfgPath := os.Getenv("MEETSCRIBE_CONFIG")
	if cfgPath == "" {
		if _, err := os.Stat("meetscribe.yaml"); err == nil {
			cfgPath = "meetscribe.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirs(); err != nil {
		logger.Error("data dirs", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Application DB.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("app db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db, store.WithLogger(logger))
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}
	if n, err := st.CleanupOldJobs(ctx, 24*time.Hour); err != nil {
		logger.Warn("Job cleanup failed", "error", err)
	} else if n > 0 {
		logger.Info("Cleaned up old jobs", "count", n)
	}

	// Observability DB, separate from the app DB to avoid write contention.
	obsDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "observability.db"), dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		logger.Error("observability schema", "error", err)
		os.Exit(1)
	}
	if err := observability.Cleanup(ctx, obsDB, observability.RetentionConfig{
		EventsDays:     90,
		SpansDays:      90,
		HeartbeatsDays: 7,
		HTTPLogsDays:   30,
	}); err != nil {
		logger.Warn("Observability cleanup failed", "error", err)
	}
	events := observability.NewEventLogger(obsDB, "meetscribe")
	spans := observability.NewSpanWriter(obsDB)
	requestLog := observability.NewRequestLogger(obsDB, 1000)
	defer requestLog.Close()
	heartbeat := observability.NewHeartbeatWriter(obsDB, "meetscribe-frontend", 15*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// GPU worker plumbing.
	probe := gpu.NewProbe(cfg.WorkerURL(), cfg.GPU.WorkerToken)
	client := gpu.NewClient(gpu.ClientConfig{
		BaseURL:       cfg.WorkerURL(),
		Token:         cfg.GPU.WorkerToken,
		SubmitTimeout: time.Duration(cfg.GPU.SubmitTimeout) * time.Second,
		JobTimeout:    time.Duration(cfg.GPU.Timeout) * time.Second,
		PollInterval:  time.Duration(cfg.GPU.PollInterval * float64(time.Second)),
	}, logger)

	orchOpts := []transcribe.Option{transcribe.WithEvents(events)}
	if cfg.SmartPlug.Enabled {
		plug := tuya.NewPlug(tuya.Config{
			Enabled:  true,
			DeviceID: cfg.SmartPlug.DeviceID,
			Address:  cfg.SmartPlug.IPAddress,
			LocalKey: cfg.SmartPlug.LocalKey,
			Version:  cfg.SmartPlug.Version,
		}, logger)
		waker := gpu.NewWaker(plug, probe,
			time.Duration(cfg.SmartPlug.BootWaitTime)*time.Second,
			time.Duration(cfg.SmartPlug.CheckInterval)*time.Second,
			logger)
		orchOpts = append(orchOpts, transcribe.WithWaker(waker))
	}
	if cfg.Fallback.Enabled {
		fallback := transcribe.NewLocalTranscriber(transcribe.FallbackConfig{
			ModelSize: cfg.Fallback.ModelSize,
			Timeout:   time.Duration(cfg.Fallback.Timeout) * time.Second,
		}, logger)
		orchOpts = append(orchOpts, transcribe.WithFallback(fallback))
	}
	orch := transcribe.NewOrchestrator(probe, client, logger, orchOpts...)

	// LLM extraction.
	extractor, err := extract.New(ctx, os.Getenv("GEMINI_API_KEY"), os.Getenv("LLM_MODEL"), logger,
		extract.WithSpans(spans),
		extract.WithPromptVersion(env("MEETSCRIBE_EXTRACTION_PROMPT_VERSION", "v1")))
	if err != nil {
		logger.Error("extractor", "error", err)
		os.Exit(1)
	}

	app := &application{
		cfg:      cfg,
		store:    st,
		service:  transcribe.NewService(orch, st, extractor, events, logger),
		probe:    probe,
		events:   events,
		logger:   logger,
		baseCtx:  ctx,
		newJobID: idgen.Hex(8),
		newReqID: idgen.Hex(12),
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           app.routes(requestLog),
		ReadHeaderTimeout: 10 * time.Second,
		// Audio playback on slow links needs more than the usual minute.
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("MeetScribe frontend starting",
			"addr", srv.Addr,
			"worker", cfg.WorkerURL(),
			"fallback_enabled", cfg.Fallback.Enabled,
			"plug_enabled", cfg.SmartPlug.Enabled,
			"extraction_enabled", extractor.Configured())
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
	logger.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
