package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/meetscribe/kit"
)

type requestRecord struct {
	method     string
	path       string
	statusCode int
	durationMS int64
	requestID  string
	ipAddress  string
	userAgent  string
	createdAt  int64
}

// RequestLogger persists HTTP request logs asynchronously. Records are
// buffered in a channel and flushed in batches so request latency never
// depends on the observability database.
type RequestLogger struct {
	db   *sql.DB
	ch   chan *requestRecord
	stop chan struct{}
	done chan struct{}
}

// NewRequestLogger creates an async request logger and starts its flush
// goroutine. Recommended bufferSize: 1000.
func NewRequestLogger(db *sql.DB, bufferSize int) *RequestLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	rl := &RequestLogger{
		db:   db,
		ch:   make(chan *requestRecord, bufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go rl.flushLoop()
	return rl
}

// Middleware records one row per request. When the buffer is full the
// record is dropped, never the request.
func (rl *RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The client IP rides the context so downstream handlers share
		// the same value the log records.
		r = r.WithContext(kit.WithRemoteAddr(r.Context(), remoteIP(r)))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		rec := &requestRecord{
			method:     r.Method,
			path:       r.URL.Path,
			statusCode: ww.Status(),
			durationMS: time.Since(start).Milliseconds(),
			requestID:  kit.GetRequestID(r.Context()),
			ipAddress:  kit.GetRemoteAddr(r.Context()),
			userAgent:  r.UserAgent(),
			createdAt:  time.Now().Unix(),
		}
		select {
		case rl.ch <- rec:
		default:
			slog.Warn("observability request log buffer full, dropping record", "path", rec.path)
		}
	})
}

// Close drains the buffer, flushes pending records and stops the goroutine.
func (rl *RequestLogger) Close() error {
	close(rl.stop)
	<-rl.done
	return nil
}

func (rl *RequestLogger) flushLoop() {
	defer close(rl.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*requestRecord, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := rl.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("observability request log: begin tx", "error", err)
			batch = batch[:0]
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO http_request_logs
			(method, path, status_code, duration_ms, request_id, ip_address, user_agent, created_at)
			VALUES (?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			slog.Error("observability request log: prepare", "error", err)
			batch = batch[:0]
			return
		}
		defer stmt.Close()

		for _, rec := range batch {
			if _, err := stmt.ExecContext(ctx,
				rec.method, rec.path, rec.statusCode, rec.durationMS,
				nullableString(rec.requestID), rec.ipAddress, rec.userAgent, rec.createdAt,
			); err != nil {
				slog.Error("observability request log: insert", "error", err, "path", rec.path)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("observability request log: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-rl.stop:
			// drain channel
			for {
				select {
				case rec := <-rl.ch:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		case rec := <-rl.ch:
			batch = append(batch, rec)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
