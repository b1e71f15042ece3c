// Package gpu parle au worker de transcription distant : sonde de santé,
// réveil du PC GPU par prise connectée, soumission et polling des jobs.
package gpu

import (
	"context"
	"encoding/json"
)

// PlugActuator pilote l'alimentation du PC GPU.
type PlugActuator interface {
	IsConfigured() bool
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// Segment est un segment horodaté attribué à un locuteur.
type Segment struct {
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// ResultPayload est le résultat de transcription renvoyé par le worker.
type ResultPayload struct {
	Segments  []Segment       `json:"segments"`
	Formatted string          `json:"formatted"`
	Stats     json.RawMessage `json:"stats,omitempty"`
}

// jobStatus est la réponse de GET /jobs/{id} côté worker.
type jobStatus struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	ProgressStep   string          `json:"progress_step"`
	ProgressDetail string          `json:"progress_detail"`
	ElapsedSeconds float64         `json:"elapsed_seconds,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}
