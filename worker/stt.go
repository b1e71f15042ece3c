package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Transcriber produit des segments horodatés depuis un fichier WAV.
type Transcriber interface {
	TranscribeFile(ctx context.Context, audioPath, speaker string) ([]Segment, error)
}

// WhisperConfig décrit l'invocation de whisper-cli (whisper.cpp).
type WhisperConfig struct {
	Binary    string // défaut "whisper-cli"
	ModelDir  string // défaut "models"
	ModelSize string // ex: "large-v3"
	Device    string // "cuda" ou "cpu"
	Language  string // vide = auto-détection
	Timeout   time.Duration
}

// WhisperCLI exécute whisper-cli sur chaque piste et lit sa sortie JSON.
type WhisperCLI struct {
	cfg    WhisperConfig
	logger *slog.Logger
}

func NewWhisperCLI(cfg WhisperConfig, logger *slog.Logger) *WhisperCLI {
	if cfg.Binary == "" {
		cfg.Binary = "whisper-cli"
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = "models"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &WhisperCLI{cfg: cfg, logger: logger}
}

// ModelPath suit la convention de nommage ggml des modèles whisper.cpp.
func (w *WhisperCLI) ModelPath() string {
	return filepath.Join(w.cfg.ModelDir, "ggml-"+w.cfg.ModelSize+".bin")
}

// Available vérifie que le binaire et le modèle sont présents.
func (w *WhisperCLI) Available() error {
	if _, err := exec.LookPath(w.cfg.Binary); err != nil {
		return fmt.Errorf("whisper binary %q not found: %w", w.cfg.Binary, err)
	}
	if _, err := os.Stat(w.ModelPath()); err != nil {
		return fmt.Errorf("whisper model %q not found: %w", w.ModelPath(), err)
	}
	return nil
}

func (w *WhisperCLI) TranscribeFile(ctx context.Context, audioPath, speaker string) ([]Segment, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	outPrefix := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".whisper"
	args := []string{
		"-m", w.ModelPath(),
		"-f", audioPath,
		"-oj",
		"-of", outPrefix,
	}
	if w.cfg.Device != "cuda" {
		args = append(args, "-ng")
	}
	if w.cfg.Language != "" {
		args = append(args, "-l", w.cfg.Language)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, w.cfg.Binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("whisper-cli exceeded %s: %w", w.cfg.Timeout, ErrTranscriptionTimeout)
		}
		return nil, fmt.Errorf("whisper-cli failed: %s: %w", firstLine(stderr.String()), ErrModel)
	}

	segs, err := readWhisperJSON(outPrefix+".json", speaker)
	if err != nil {
		return nil, fmt.Errorf("whisper output: %w", err)
	}
	w.logger.Info(fmt.Sprintf("Transcribed %s: %d segments in %.1fs",
		filepath.Base(audioPath), len(segs), time.Since(start).Seconds()))
	return segs, nil
}

// whisperOutput reflète le JSON écrit par whisper-cli -oj. Les offsets
// sont en millisecondes.
type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func readWhisperJSON(path, speaker string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseWhisperJSON(data, speaker)
}

func parseWhisperJSON(data []byte, speaker string) ([]Segment, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	segs := make([]Segment, 0, len(out.Transcription))
	for _, t := range out.Transcription {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		segs = append(segs, Segment{
			Speaker: speaker,
			Text:    text,
			Start:   float64(t.Offsets.From) / 1000,
			End:     float64(t.Offsets.To) / 1000,
		})
	}
	return segs, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
