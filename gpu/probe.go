package gpu

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Probe vérifie que le worker GPU répond sur /health.
type Probe struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewProbe crée une sonde de santé pour le worker à baseURL.
func NewProbe(baseURL, token string) *Probe {
	return &Probe{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Available retourne true si le worker répond 200 avec status "ok".
// Toute erreur (réseau, statut, JSON) vaut false, jamais une erreur.
func (p *Probe) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	if p.token != "" {
		req.Header.Set("X-Worker-Token", p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}
