package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Turn est un tour de parole détecté par la diarisation.
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Diarizer segmente une piste audio en tours de parole.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string) ([]Turn, error)
}

// DiarizeCLI appelle un helper externe qui imprime les tours en JSON sur
// stdout, un objet {start, end, speaker} par tour.
type DiarizeCLI struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDiarizeCLI retourne nil si le binaire est introuvable, la pipeline
// tourne alors sans diarisation.
func NewDiarizeCLI(binary string, timeout time.Duration, logger *slog.Logger) *DiarizeCLI {
	if binary == "" {
		binary = "meetscribe-diarize"
	}
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	if _, err := exec.LookPath(binary); err != nil {
		logger.Warn(fmt.Sprintf("Diarization helper %q not found, speaker detection disabled", binary))
		return nil
	}
	return &DiarizeCLI{binary: binary, timeout: timeout, logger: logger}
}

func (d *DiarizeCLI) Diarize(ctx context.Context, audioPath string) ([]Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, audioPath)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("diarization exceeded %s", d.timeout)
		}
		return nil, fmt.Errorf("diarization failed: %s", firstLine(stderr.String()))
	}

	var turns []Turn
	if err := json.Unmarshal(out, &turns); err != nil {
		return nil, fmt.Errorf("diarization output: %w", err)
	}
	return turns, nil
}

// assignSpeakers réétiquette chaque segment avec le tour de chevauchement
// maximal. Sans tour chevauchant, le segment garde son étiquette. En cas
// d'égalité le premier tour rencontré gagne.
func assignSpeakers(segments []Segment, turns []Turn) []Segment {
	if len(turns) == 0 {
		return segments
	}
	for i := range segments {
		best := segments[i].Speaker
		bestOverlap := 0.0
		for _, turn := range turns {
			overlap := min(segments[i].End, turn.End) - max(segments[i].Start, turn.Start)
			if overlap > bestOverlap {
				bestOverlap = overlap
				best = friendlyLabel(turn.Speaker)
			}
		}
		segments[i].Speaker = best
	}
	return segments
}

// friendlyLabel convertit SPEAKER_NN en "Speaker N+1". Les étiquettes d'un
// autre format passent telles quelles.
func friendlyLabel(raw string) string {
	suffix, ok := strings.CutPrefix(raw, "SPEAKER_")
	if !ok {
		return raw
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return raw
	}
	return fmt.Sprintf("Speaker %d", n+1)
}
