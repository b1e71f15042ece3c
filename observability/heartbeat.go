package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// HeartbeatWriter writes periodic liveness rows to worker_heartbeats so an
// operator can tell a wedged service from a stopped one.
type HeartbeatWriter struct {
	db       *sql.DB
	service  string
	hostname string
	pid      int
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatWriter creates a writer for the named service. A non-positive
// interval defaults to 15s.
func NewHeartbeatWriter(db *sql.DB, service string, interval time.Duration) *HeartbeatWriter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:       db,
		service:  service,
		hostname: hostname,
		pid:      os.Getpid(),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. It writes one row immediately,
// then repeats at the configured interval until Stop or context cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

// WriteHeartbeat writes a single heartbeat row with current runtime metrics.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	m := CollectRuntimeMetrics()
	_, err := hw.db.Exec(`
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.service, hw.hostname, hw.pid, time.Now().Unix(),
		m.GoroutinesCount, m.MemoryAllocMB, m.MemorySysMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(); err != nil {
		slog.Error("heartbeat write failed", "error", err, "service", hw.service)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(); err != nil {
				slog.Error("heartbeat write failed", "error", err, "service", hw.service)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat for a service, with a staleness
// verdict so callers do not compute it themselves.
type HeartbeatStatus struct {
	Service         string
	Hostname        string
	PID             int
	Timestamp       time.Time
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         int
	Alive           bool
}

// LatestHeartbeat returns the most recent heartbeat for the given service.
// staleAfter controls the alive verdict, typically three times the write
// interval. Returns nil, nil when no heartbeat has been recorded yet.
func LatestHeartbeat(ctx context.Context, db *sql.DB, service string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, service)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.Service, &hs.Hostname, &hs.PID, &ts,
		&hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleAfter
	return &hs, nil
}
