package gpu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/meetscribe/kit"
)

// Messages d'erreur repris tels quels dans jobs.error côté frontend.
var (
	ErrSubmitFailed = errors.New("Failed to submit to GPU worker")
	ErrJobLost      = errors.New("Worker lost track of job (possible restart)")
	ErrPollTimeout  = errors.New("GPU worker timeout (polling)")
)

// ClientConfig règle le client du worker distant.
type ClientConfig struct {
	BaseURL       string
	Token         string
	SubmitTimeout time.Duration // délai de connexion à la soumission
	JobTimeout    time.Duration // budget total d'un job
	PollInterval  time.Duration
}

// Client soumet les jobs de transcription au worker GPU puis récupère leurs
// résultats par polling.
type Client struct {
	cfg          ClientConfig
	submitClient *http.Client
	pollClient   *http.Client
	logger       *slog.Logger
}

// NewClient crée un client worker. PollInterval par défaut : 2s.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Client{
		cfg: cfg,
		submitClient: &http.Client{
			// Délai de lecture = budget complet du job : les workers legacy
			// bloquent sur la soumission jusqu'au résultat.
			Timeout: cfg.JobTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.SubmitTimeout}).DialContext,
			},
		},
		pollClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SubmitResponse est l'issue d'une soumission : job accepté (202) ou résultat
// direct d'un worker legacy synchrone (200).
type SubmitResponse struct {
	WorkerJobID string
	Legacy      *ResultPayload
}

// Transcribe soumet les pistes puis attend le résultat. Les erreurs portent
// le message destiné à jobs.error.
func (c *Client) Transcribe(ctx context.Context, micPath, tabPath string, meta map[string]any) (*ResultPayload, error) {
	jobID, _ := meta["job_id"].(string)
	if jobID == "" {
		jobID = "unknown"
	}
	if _, ok := meta["request_id"]; !ok {
		if rid := kit.GetRequestID(ctx); rid != "" {
			meta["request_id"] = rid
		}
	}

	sub, err := c.Submit(ctx, micPath, tabPath, meta)
	if err != nil {
		c.logger.Error("Failed to submit to worker", "job_id", jobID, "error", err)
		return nil, ErrSubmitFailed
	}
	if sub.Legacy != nil {
		return sub.Legacy, nil
	}
	return c.PollJob(ctx, sub.WorkerJobID, jobID)
}

// Submit envoie les fichiers en multipart (mic_file, tab_file, metadata).
func (c *Client) Submit(ctx context.Context, micPath, tabPath string, meta map[string]any) (*SubmitResponse, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	jobID, _ := meta["job_id"].(string)
	requestID, _ := meta["request_id"].(string)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeSubmitBody(mw, micPath, tabPath, metaJSON))
	}()

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/transcribe", pr)
	if err != nil {
		return nil, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.cfg.Token != "" {
		req.Header.Set("X-Worker-Token", c.cfg.Token)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	c.logger.Info("Submitting transcription to worker",
		"job_id", jobID, "request_id", requestID)

	resp, err := c.submitClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		var body struct {
			JobID string `json:"job_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode submit response: %w", err)
		}
		c.logger.Info("Worker accepted job",
			"job_id", jobID, "worker_job_id", body.JobID)
		return &SubmitResponse{WorkerJobID: body.JobID}, nil

	case http.StatusOK:
		// Worker legacy synchrone : le résultat arrive directement.
		var payload ResultPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode legacy result: %w", err)
		}
		c.logger.Info("Worker returned result directly (legacy mode)", "job_id", jobID)
		return &SubmitResponse{Legacy: &payload}, nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("Worker rejected submission",
			"job_id", jobID, "status", resp.StatusCode)
		return nil, fmt.Errorf("worker rejected submission: status %d: %s", resp.StatusCode, body)
	}
}

// PollJob interroge GET /jobs/{id} jusqu'au résultat, à l'échec, ou à
// l'épuisement du budget. Les erreurs réseau et statuts inattendus valent un
// warn et un nouveau tour ; 404 et 401/403 sont définitifs.
func (c *Client) PollJob(ctx context.Context, workerJobID, jobID string) (*ResultPayload, error) {
	deadline := time.Now().Add(c.cfg.JobTimeout)
	lastStep := ""

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/jobs/"+workerJobID, nil)
		if err != nil {
			return nil, fmt.Errorf("create poll request: %w", err)
		}
		if c.cfg.Token != "" {
			req.Header.Set("X-Worker-Token", c.cfg.Token)
		}

		resp, err := c.pollClient.Do(req)
		if err != nil {
			c.logger.Warn("Poll error, retrying", "job_id", jobID, "error", err)
			continue
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			resp.Body.Close()
			c.logger.Error("Worker lost track of job (possible restart)", "job_id", jobID)
			return nil, ErrJobLost
		case http.StatusUnauthorized, http.StatusForbidden:
			code := resp.StatusCode
			resp.Body.Close()
			c.logger.Error("Worker auth error", "job_id", jobID, "status", code)
			return nil, fmt.Errorf("Worker authentication failed (%d)", code)
		case http.StatusOK:
		default:
			c.logger.Warn("Unexpected poll status, retrying",
				"job_id", jobID, "status", resp.StatusCode)
			resp.Body.Close()
			continue
		}

		var status jobStatus
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			c.logger.Warn("Poll decode error, retrying", "job_id", jobID, "error", err)
			continue
		}

		if status.ProgressStep != "" && status.ProgressStep != lastStep {
			detail := status.ProgressDetail
			if detail == "" {
				detail = status.ProgressStep
			}
			c.logger.Info("Worker progress",
				"job_id", jobID, "step", status.ProgressStep, "detail", detail)
			lastStep = status.ProgressStep
		}

		switch status.Status {
		case "completed":
			var payload ResultPayload
			if err := json.Unmarshal(status.Result, &payload); err != nil {
				return nil, fmt.Errorf("decode worker result: %w", err)
			}
			c.logger.Info("Worker transcription completed", "job_id", jobID)
			return &payload, nil
		case "failed":
			msg := status.Error
			if msg == "" {
				msg = "Worker job failed"
			}
			c.logger.Error("Worker transcription failed", "job_id", jobID, "error", msg)
			return nil, errors.New(msg)
		}
	}

	c.logger.Error("Worker polling timeout",
		"job_id", jobID, "timeout_s", int(c.cfg.JobTimeout.Seconds()))
	return nil, ErrPollTimeout
}

func writeSubmitBody(mw *multipart.Writer, micPath, tabPath string, metaJSON []byte) error {
	if micPath != "" {
		if err := audioPart(mw, "mic_file", micPath); err != nil {
			return err
		}
	}
	if tabPath != "" {
		if err := audioPart(mw, "tab_file", tabPath); err != nil {
			return err
		}
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return fmt.Errorf("write metadata field: %w", err)
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func audioPart(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", field, err)
	}
	defer f.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(filepath.Base(path))))
	h.Set("Content-Type", "audio/webm")
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy %s: %w", field, err)
	}
	return nil
}
