package worker

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/meetscribe/idgen"
	"github.com/hazyhaar/meetscribe/kit"
)

// Server expose l'API HTTP du worker : soumission multipart, polling de
// job et santé. Les corps d'erreur utilisent la clé "detail", contrat
// hérité que le frontend et l'extension connaissent déjà.
type Server struct {
	engine *Engine
	token  string
	newID  idgen.Generator
	logger *slog.Logger
}

func NewServer(engine *Engine, token string, logger *slog.Logger) *Server {
	return &Server{
		engine: engine,
		token:  token,
		newID:  idgen.Hex(12),
		logger: logger,
	}
}

// Routes assemble le routeur chi avec corrélation de requête et auth.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.auth)
	r.Get("/health", s.handleHealth)
	r.Post("/transcribe", s.handleTranscribe)
	r.Get("/jobs/{jobID}", s.handleJob)
	return r
}

// requestID reprend X-Request-ID du client ou en frappe un, et le renvoie
// dans la réponse.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = s.newID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(kit.WithRequestID(r.Context(), id)))
	})
}

// auth compare X-Worker-Token en temps constant. Token vide = API ouverte.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := r.Header.Get("X-Worker-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeDetail(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Health())
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	metaRaw := r.FormValue("metadata")
	if metaRaw == "" {
		metaRaw = "{}"
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid metadata JSON")
		return
	}

	micFile, micHdr, micErr := r.FormFile("mic_file")
	if micErr == nil {
		defer micFile.Close()
	}
	tabFile, tabHdr, tabErr := r.FormFile("tab_file")
	if tabErr == nil {
		defer tabFile.Close()
	}
	if micErr != nil && tabErr != nil {
		writeDetail(w, http.StatusBadRequest, "At least one audio file is required")
		return
	}

	jobID := metaString(meta, "job_id", "")
	if jobID == "" {
		jobID = s.newID()
	}
	requestID := metaString(meta, "request_id", kit.GetRequestID(r.Context()))
	meta["request_id"] = requestID

	jobDir, err := os.MkdirTemp("", "meetscribe_"+jobID+"_")
	if err != nil {
		s.logger.Error("Failed to create job dir", "job_id", jobID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Cannot create job directory")
		return
	}

	var micPath, tabPath string
	if micErr == nil {
		if micPath, err = saveUpload(jobDir, "mic_", micFile, micHdr); err != nil {
			os.RemoveAll(jobDir)
			writeDetail(w, http.StatusInternalServerError, "Cannot save uploaded file")
			return
		}
	}
	if tabErr == nil {
		if tabPath, err = saveUpload(jobDir, "tab_", tabFile, tabHdr); err != nil {
			os.RemoveAll(jobDir)
			writeDetail(w, http.StatusInternalServerError, "Cannot save uploaded file")
			return
		}
	}

	s.engine.Jobs().Create(jobID)
	s.engine.Start(jobID, jobDir, ProcessRequest{
		JobID:      jobID,
		MicPath:    micPath,
		TabPath:    tabPath,
		Metadata:   meta,
		OutputPath: filepath.Join(jobDir, "result.json"),
	})

	s.logger.Info("Job accepted, processing in background", "job_id", jobID, "request_id", requestID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": StatusQueued})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.Jobs().Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}

	resp := map[string]any{
		"job_id":          job.JobID,
		"status":          job.Status,
		"progress_step":   job.ProgressStep,
		"progress_detail": job.ProgressDetail,
	}
	switch job.Status {
	case StatusProcessing:
		resp["elapsed_seconds"] = time.Since(job.StartedAt).Seconds()
	case StatusCompleted:
		resp["result"] = job.Result
	case StatusFailed:
		resp["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func saveUpload(dir, prefix string, file multipart.File, hdr *multipart.FileHeader) (string, error) {
	dst := filepath.Join(dir, prefix+kit.SanitizeFilename(hdr.Filename))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return "", err
	}
	return dst, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
