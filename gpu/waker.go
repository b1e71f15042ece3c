package gpu

import (
	"context"
	"log/slog"
	"time"
)

// AvailabilityProbe expose la disponibilité du worker (voir Probe).
type AvailabilityProbe interface {
	Available(ctx context.Context) bool
}

// Waker allume le PC GPU via la prise connectée puis attend que le worker
// réponde, dans la limite du budget de boot.
type Waker struct {
	plug          PlugActuator
	probe         AvailabilityProbe
	bootWait      time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
}

// NewWaker construit un Waker. checkInterval par défaut : 10s.
func NewWaker(plug PlugActuator, probe AvailabilityProbe, bootWait, checkInterval time.Duration, logger *slog.Logger) *Waker {
	if checkInterval <= 0 {
		checkInterval = 10 * time.Second
	}
	return &Waker{
		plug:          plug,
		probe:         probe,
		bootWait:      bootWait,
		checkInterval: checkInterval,
		logger:        logger,
	}
}

// TryWake allume la prise puis sonde le worker toutes les checkInterval
// jusqu'à bootWait. Retourne true dès la première sonde saine ; false si la
// prise n'est pas configurée, si l'allumage échoue, à l'épuisement du budget
// ou à l'annulation du contexte.
func (w *Waker) TryWake(ctx context.Context, jobID string) bool {
	if w.plug == nil || !w.plug.IsConfigured() {
		return false
	}

	w.logger.Info("GPU not available, powering on via smart plug", "job_id", jobID)

	if err := w.plug.TurnOn(ctx); err != nil {
		w.logger.Error("Failed to turn on smart plug", "job_id", jobID, "error", err)
		return false
	}

	w.logger.Info("Smart plug ON, waiting for GPU PC to boot", "job_id", jobID)

	elapsed := time.Duration(0)
	for elapsed < w.bootWait {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.checkInterval):
		}
		elapsed += w.checkInterval
		w.logger.Debug("Waiting for GPU",
			"job_id", jobID,
			"elapsed_s", int(elapsed.Seconds()),
			"budget_s", int(w.bootWait.Seconds()))

		if w.probe.Available(ctx) {
			w.logger.Info("GPU worker is now available", "job_id", jobID)
			return true
		}
	}

	w.logger.Warn("GPU did not become available",
		"job_id", jobID,
		"budget_s", int(w.bootWait.Seconds()))
	return false
}
