// Package worker implémente le service de transcription GPU : pipeline
// audio à slot unique, suivi de progression et API HTTP de soumission.
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
	"sort"
	"strconv"
	"strings"
	"time"
)

// Classes d'échec de la pipeline, testables via errors.Is.
var (
	ErrAudio                = errors.New("audio conversion failed")
	ErrTranscriptionTimeout = errors.New("transcription timed out")
	ErrModel                = errors.New("transcription model failed")
)

// Segment est une portion horodatée de parole attribuée à un locuteur.
type Segment struct {
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Meeting reprend les métadonnées fournies à la soumission.
type Meeting struct {
	Title    string  `json:"title"`
	Date     string  `json:"date"`
	Duration float64 `json:"duration"`
	Platform string  `json:"platform"`
	URL      string  `json:"url"`
}

// Stats résume la composition du transcript produit.
type Stats struct {
	TotalSegments int    `json:"total_segments"`
	MicSegments   int    `json:"mic_segments"`
	TabSegments   int    `json:"tab_segments"`
	Device        string `json:"device"`
	Model         string `json:"model"`
}

// Result est le document final renvoyé au frontend et écrit sur disque.
type Result struct {
	Meeting   Meeting   `json:"meeting"`
	Segments  []Segment `json:"segments"`
	Formatted string    `json:"formatted"`
	Stats     Stats     `json:"stats"`
}

// ProgressFunc reçoit chaque changement d'étape de la pipeline.
type ProgressFunc func(step, detail string)

// ProcessRequest décrit un job : pistes audio, métadonnées et sortie.
// MicPath ou TabPath peut être vide mais pas les deux.
type ProcessRequest struct {
	JobID      string
	MicPath    string
	TabPath    string
	Metadata   map[string]any
	OutputPath string
	OnProgress ProgressFunc
}

// PipelineConfig règle la conversion audio et l'identité du modèle
// rapportée dans les stats.
type PipelineConfig struct {
	FFmpegBinary  string
	FFmpegTimeout time.Duration
	ModelSize     string
	Device        string
}

// Pipeline enchaîne conversion, transcription, diarisation et fusion des
// deux pistes. Une instance est réutilisée pour tous les jobs.
type Pipeline struct {
	stt      Transcriber
	diarizer Diarizer
	cfg      PipelineConfig
	logger   *slog.Logger
}

func NewPipeline(stt Transcriber, diarizer Diarizer, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.FFmpegTimeout <= 0 {
		cfg.FFmpegTimeout = 300 * time.Second
	}
	return &Pipeline{stt: stt, diarizer: diarizer, cfg: cfg, logger: logger}
}

// Process exécute toutes les étapes et retourne le résultat complet. Les
// échecs de diarisation ne sont pas fatals, les pistes gardent alors leurs
// étiquettes d'origine.
func (p *Pipeline) Process(ctx context.Context, req ProcessRequest) (*Result, error) {
	progress := req.OnProgress
	if progress == nil {
		progress = func(string, string) {}
	}
	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	localSpeaker := metaString(meta, "local_speaker", "Dino")
	remoteSpeaker := metaString(meta, "remote_speaker", "Interlocuteur")

	var micSegs, tabSegs []Segment
	var micWav, tabWav string
	var err error

	if req.MicPath != "" {
		progress("converting_mic", filepath.Base(req.MicPath))
		micWav, err = p.ensureWAV(ctx, req.MicPath)
		if err != nil {
			return nil, err
		}
		progress("transcribing_mic", p.cfg.ModelSize)
		micSegs, err = p.stt.TranscribeFile(ctx, micWav, localSpeaker)
		if err != nil {
			return nil, err
		}
	}
	if req.TabPath != "" {
		progress("converting_tab", filepath.Base(req.TabPath))
		tabWav, err = p.ensureWAV(ctx, req.TabPath)
		if err != nil {
			return nil, err
		}
		progress("transcribing_tab", p.cfg.ModelSize)
		tabSegs, err = p.stt.TranscribeFile(ctx, tabWav, remoteSpeaker)
		if err != nil {
			return nil, err
		}
	}

	// La diarisation tourne sur la piste primaire (tab si présente) et ne
	// réétiquette que les segments de cette piste, l'autre piste porte déjà
	// une identité sûre.
	if p.diarizer != nil {
		primaryWav, primary := micWav, micSegs
		if tabWav != "" {
			primaryWav, primary = tabWav, tabSegs
		}
		if primaryWav != "" && len(primary) > 0 {
			progress("diarizing", filepath.Base(primaryWav))
			turns, derr := p.diarizer.Diarize(ctx, primaryWav)
			if derr != nil {
				p.logger.Warn(fmt.Sprintf("Diarization failed, keeping track labels: %v", derr))
			} else {
				assignSpeakers(primary, turns)
			}
		}
	}

	progress("merging", "")
	merged := mergeTranscripts(micSegs, tabSegs,
		metaFloat(meta, "mic_start_offset", 0),
		metaFloat(meta, "tab_start_offset", 0))

	progress("saving", "")
	result := &Result{
		Meeting: Meeting{
			Title:    metaString(meta, "title", "Untitled Meeting"),
			Date:     metaString(meta, "date", ""),
			Duration: metaFloat(meta, "duration", 0),
			Platform: metaString(meta, "platform", ""),
			URL:      metaString(meta, "url", ""),
		},
		Segments:  merged,
		Formatted: formatTranscript(merged),
		Stats: Stats{
			TotalSegments: len(merged),
			MicSegments:   len(micSegs),
			TabSegments:   len(tabSegs),
			Device:        p.cfg.Device,
			Model:         p.cfg.ModelSize,
		},
	}
	if req.OutputPath != "" {
		data, merr := json.MarshalIndent(result, "", "  ")
		if merr != nil {
			return nil, fmt.Errorf("encode result: %w", merr)
		}
		if werr := os.WriteFile(req.OutputPath, data, 0o644); werr != nil {
			return nil, fmt.Errorf("write result: %w", werr)
		}
	}
	return result, nil
}

// ensureWAV convertit la piste en WAV 16 kHz mono PCM si nécessaire.
func (p *Pipeline) ensureWAV(ctx context.Context, path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return path, nil
	}
	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".wav"
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FFmpegTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.cfg.FFmpegBinary,
		"-y", "-i", path, "-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le", out)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("audio conversion exceeded %s: %w", p.cfg.FFmpegTimeout, ErrTranscriptionTimeout)
		}
		return "", fmt.Errorf("ffmpeg failed on %s: %s: %w",
			filepath.Base(path), firstLine(stderr.String()), ErrAudio)
	}
	return out, nil
}

// mergeTranscripts décale chaque piste de son offset puis trie le tout par
// début de segment. Tri stable, l'ordre mic avant tab est préservé à début
// égal.
func mergeTranscripts(mic, tab []Segment, micOffset, tabOffset float64) []Segment {
	merged := make([]Segment, 0, len(mic)+len(tab))
	for _, s := range mic {
		s.Start += micOffset
		s.End += micOffset
		merged = append(merged, s)
	}
	for _, s := range tab {
		s.Start += tabOffset
		s.End += tabOffset
		merged = append(merged, s)
	}
	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Start < merged[b].Start
	})
	return merged
}

// formatTranscript rend une ligne "[HH:MM:SS] Locuteur: texte" par segment.
func formatTranscript(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, s := range segments {
		lines = append(lines, fmt.Sprintf("%s %s: %s", formatTimestamp(s.Start), s.Speaker, s.Text))
	}
	return strings.Join(lines, "\n")
}

// formatTimestamp tronque les secondes à l'entier inférieur.
func formatTimestamp(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("[%02d:%02d:%02d]", total/3600, total%3600/60, total%60)
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
