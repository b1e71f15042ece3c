package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/meetscribe/config"
	"github.com/hazyhaar/meetscribe/gpu"
	"github.com/hazyhaar/meetscribe/idgen"
	"github.com/hazyhaar/meetscribe/kit"
	"github.com/hazyhaar/meetscribe/observability"
	"github.com/hazyhaar/meetscribe/store"
	"github.com/hazyhaar/meetscribe/transcribe"
)

type application struct {
	cfg     *config.Config
	store   *store.Store
	service *transcribe.Service
	probe   *gpu.Probe
	events  *observability.EventLogger
	logger  *slog.Logger

	// baseCtx owns background transcriptions so shutdown cancels them.
	baseCtx  context.Context
	newJobID idgen.Generator
	newReqID idgen.Generator
}

func (app *application) routes(requestLog *observability.RequestLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(app.requestID)
	r.Use(requestLog.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "MeetScribe",
			"version": appVersion,
		})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"gpu_available":    app.probe.Available(r.Context()),
			"fallback_enabled": app.cfg.Fallback.Enabled,
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(app.auth)
		r.Post("/upload", app.handleUpload)
		r.Get("/status/{jobID}", app.handleJobStatus)
		r.Get("/transcripts", app.handleListTranscripts)
		r.Get("/transcripts/{id}", app.handleGetTranscript)
		r.Patch("/meetings/{id}", app.handleUpdateMeeting)
		r.Patch("/meetings/{id}/speakers", app.handleUpdateSpeakers)
		r.Patch("/segments/{id}", app.handleUpdateSegment)
		r.Delete("/meetings/{id}", app.handleDeleteMeeting)
		r.Get("/meetings/{id}/audio", app.handleMeetingAudio)
	})

	return r
}

// requestID echoes an incoming X-Request-ID or mints one, and puts it on the
// context for logs and the request log.
func (app *application) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = app.newReqID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(kit.WithRequestID(r.Context(), id)))
	})
}

// auth guards /api/* with a bearer token. An empty configured token disables
// the check entirely.
func (app *application) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if app.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(app.cfg.APIToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (app *application) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	meta := map[string]any{}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid metadata JSON")
			return
		}
	}

	micFile, micHeader, micErr := r.FormFile("mic_file")
	if micErr == nil {
		defer micFile.Close()
	}
	tabFile, tabHeader, tabErr := r.FormFile("tab_file")
	if tabErr == nil {
		defer tabFile.Close()
	}
	if micErr != nil && tabErr != nil {
		writeError(w, http.StatusBadRequest, "At least one audio file is required")
		return
	}

	jobID := app.newJobID()
	jobDir := filepath.Join(app.cfg.UploadDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		app.logger.Error("Upload dir create failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	var micPath, tabPath, micRel, tabRel string
	if micErr == nil {
		name := "mic_" + kit.SanitizeFilename(micHeader.Filename)
		micPath = filepath.Join(jobDir, name)
		micRel = filepath.Join(jobID, name)
		if err := saveUpload(micFile, micPath); err != nil {
			app.logger.Error("Upload save failed", "job_id", jobID, "error", err)
			os.RemoveAll(jobDir)
			writeError(w, http.StatusInternalServerError, "Failed to store upload")
			return
		}
	}
	if tabErr == nil {
		name := "tab_" + kit.SanitizeFilename(tabHeader.Filename)
		tabPath = filepath.Join(jobDir, name)
		tabRel = filepath.Join(jobID, name)
		if err := saveUpload(tabFile, tabPath); err != nil {
			app.logger.Error("Upload save failed", "job_id", jobID, "error", err)
			os.RemoveAll(jobDir)
			writeError(w, http.StatusInternalServerError, "Failed to store upload")
			return
		}
	}

	// The tab track carries the meeting audio when both are present.
	audioRel := tabRel
	if audioRel == "" {
		audioRel = micRel
	}

	title := metaString(meta, "title", "Untitled Meeting")
	date := time.Now()
	if v := metaString(meta, "date", ""); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			date = parsed
		}
	}
	var platform, url *string
	if v := metaString(meta, "platform", ""); v != "" {
		platform = &v
	}
	if v := metaString(meta, "url", ""); v != "" {
		url = &v
	}
	var duration *float64
	if v := metaFloat(meta, "duration", 0); v > 0 {
		duration = &v
	}

	meetingID, err := app.store.CreateMeeting(r.Context(), title, date, platform, url, duration, &audioRel)
	if err != nil {
		app.logger.Error("Meeting create failed", "job_id", jobID, "error", err)
		os.RemoveAll(jobDir)
		writeError(w, http.StatusInternalServerError, "Failed to create meeting")
		return
	}
	if err := app.store.CreateJob(r.Context(), jobID, meetingID); err != nil {
		app.logger.Error("Job create failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	// Enrich metadata for the worker: stable job id, request correlation and
	// the speaker names used to label the two tracks.
	meta["job_id"] = jobID
	if metaString(meta, "request_id", "") == "" {
		meta["request_id"] = kit.GetRequestID(r.Context())
	}
	if metaString(meta, "local_speaker", "") == "" {
		meta["local_speaker"] = app.cfg.LocalSpeakerName
	}
	if metaString(meta, "remote_speaker", "") == "" {
		meta["remote_speaker"] = config.DefaultRemoteSpeaker
	}

	app.events.LogEvent("upload_received", map[string]any{
		"job_id":     jobID,
		"meeting_id": meetingID,
		"title":      title,
		"has_mic":    micErr == nil,
		"has_tab":    tabErr == nil,
	})

	go app.service.ProcessUpload(app.baseCtx, transcribe.UploadJob{
		JobID:     jobID,
		MeetingID: meetingID,
		MicPath:   micPath,
		TabPath:   tabPath,
		Metadata:  meta,
	})

	app.logger.Info("Upload accepted", "job_id", jobID, "meeting_id", meetingID, "title", title)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     jobID,
		"meeting_id": meetingID,
		"status":     "queued",
	})
}

func (app *application) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := app.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (app *application) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	meetings, err := app.store.ListMeetings(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list meetings")
		return
	}
	if meetings == nil {
		meetings = []*store.Meeting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meetings": meetings,
		"count":    len(meetings),
	})
}

func (app *application) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	meeting, err := app.store.GetMeeting(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read meeting")
		return
	}
	if meeting == nil {
		writeError(w, http.StatusNotFound, "Meeting not found")
		return
	}
	transcript, err := app.store.GetTranscript(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read transcript")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meeting":    meeting,
		"transcript": transcript,
	})
}

func (app *application) handleUpdateMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	updated, err := app.store.UpdateMeeting(r.Context(), id, fields)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update meeting")
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "Meeting not found")
		return
	}
	meeting, err := app.store.GetMeeting(r.Context(), id)
	if err != nil || meeting == nil {
		writeError(w, http.StatusInternalServerError, "Failed to read meeting")
		return
	}
	writeJSON(w, http.StatusOK, meeting)
}

func (app *application) handleUpdateSpeakers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		OldName string `json:"old_name"`
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.OldName == "" || body.NewName == "" {
		writeError(w, http.StatusBadRequest, "old_name and new_name are required")
		return
	}
	meeting, err := app.store.GetMeeting(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read meeting")
		return
	}
	if meeting == nil {
		writeError(w, http.StatusNotFound, "Meeting not found")
		return
	}
	count, err := app.store.UpdateSpeaker(r.Context(), id, body.OldName, body.NewName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update speakers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated_count": count})
}

func (app *application) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	updated, err := app.store.UpdateSegmentText(r.Context(), id, body.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update segment")
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "Segment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (app *application) handleDeleteMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := app.store.DeleteMeeting(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete meeting")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Meeting not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (app *application) handleMeetingAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	meeting, err := app.store.GetMeeting(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read meeting")
		return
	}
	if meeting == nil {
		writeError(w, http.StatusNotFound, "Meeting not found")
		return
	}
	if meeting.AudioFile == nil || *meeting.AudioFile == "" {
		writeError(w, http.StatusNotFound, "No audio file for this meeting")
		return
	}

	// Stored paths are server-generated, but never serve anything that
	// resolves outside the upload directory.
	path := filepath.Join(app.cfg.UploadDir, filepath.FromSlash(*meeting.AudioFile))
	rel, err := filepath.Rel(app.cfg.UploadDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		writeError(w, http.StatusNotFound, "Audio file not found")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "Audio file not found")
		return
	}
	http.ServeFile(w, r, path)
}

func saveUpload(src multipart.File, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Close()
}

// pathID parses the {id} route parameter, replying 400 on garbage.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func metaString(meta map[string]any, key, fallback string) string {
	if v, ok := meta[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func metaFloat(meta map[string]any, key string, fallback float64) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
