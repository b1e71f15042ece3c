// Package tuya pilote une prise connectée Tuya (LSC et compatibles) par le
// protocole local 3.3 : trames 0x55aa sur TCP 6668, payload AES-ECB chiffré
// avec la clé locale de l'appareil.
package tuya

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const defaultPort = "6668"

// Config identifie l'appareil. Version supportée : 3.3 uniquement.
type Config struct {
	Enabled  bool
	DeviceID string
	Address  string // IP ou IP:port ; port 6668 par défaut
	LocalKey string // clé locale de 16 caractères
	Version  float64
	Timeout  time.Duration // délai socket, 5s par défaut
}

// Plug est un client une-requête-par-connexion vers la prise.
type Plug struct {
	cfg    Config
	key    []byte
	addr   string
	logger *slog.Logger
	seq    atomic.Uint32
}

// NewPlug construit le client. Une config incomplète ou une version autre que
// 3.3 donne une prise non configurée, jamais une erreur.
func NewPlug(cfg Config, logger *slog.Logger) *Plug {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Version == 0 {
		cfg.Version = 3.3
	}
	addr := cfg.Address
	if addr != "" && !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, defaultPort)
	}
	return &Plug{
		cfg:    cfg,
		key:    []byte(cfg.LocalKey),
		addr:   addr,
		logger: logger,
	}
}

// IsConfigured vaut true si tout ce qu'exige le protocole est présent.
func (p *Plug) IsConfigured() bool {
	return p.cfg.Enabled &&
		p.cfg.DeviceID != "" &&
		p.addr != "" &&
		len(p.key) == 16 &&
		p.cfg.Version == 3.3
}

// TurnOn allume la prise (dps "1" = true).
func (p *Plug) TurnOn(ctx context.Context) error {
	if err := p.setSwitch(ctx, true); err != nil {
		p.logger.Error("Turn ON failed", "device_id", p.cfg.DeviceID, "error", err)
		return err
	}
	p.logger.Info("Turn ON ok", "device_id", p.cfg.DeviceID)
	return nil
}

// TurnOff éteint la prise.
func (p *Plug) TurnOff(ctx context.Context) error {
	if err := p.setSwitch(ctx, false); err != nil {
		p.logger.Error("Turn OFF failed", "device_id", p.cfg.DeviceID, "error", err)
		return err
	}
	p.logger.Info("Turn OFF ok", "device_id", p.cfg.DeviceID)
	return nil
}

// Status lit les data points courants de l'appareil.
func (p *Plug) Status(ctx context.Context) (map[string]any, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("tuya: plug not configured")
	}

	body, err := json.Marshal(map[string]any{
		"gwId":  p.cfg.DeviceID,
		"devId": p.cfg.DeviceID,
		"uid":   p.cfg.DeviceID,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
	})
	if err != nil {
		return nil, err
	}
	enc, err := ecbEncrypt(p.key, body)
	if err != nil {
		return nil, err
	}

	// DP_QUERY part sans en-tête de version, contrairement à CONTROL.
	resp, err := p.roundTrip(ctx, cmdDPQuery, enc)
	if err != nil {
		return nil, err
	}

	plain, err := ecbDecrypt(p.key, stripVersionHeader(resp))
	if err != nil {
		return nil, err
	}
	var status struct {
		DPS map[string]any `json:"dps"`
	}
	if err := json.Unmarshal(plain, &status); err != nil {
		return nil, fmt.Errorf("tuya: decode status: %w", err)
	}
	return status.DPS, nil
}

// IsOn lit le data point 1, l'interrupteur principal.
func (p *Plug) IsOn(ctx context.Context) (bool, error) {
	dps, err := p.Status(ctx)
	if err != nil {
		return false, err
	}
	on, _ := dps["1"].(bool)
	return on, nil
}

func (p *Plug) setSwitch(ctx context.Context, on bool) error {
	if !p.IsConfigured() {
		return fmt.Errorf("tuya: plug not configured")
	}

	body, err := json.Marshal(map[string]any{
		"devId": p.cfg.DeviceID,
		"uid":   p.cfg.DeviceID,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
		"dps":   map[string]any{"1": on},
	})
	if err != nil {
		return err
	}
	enc, err := ecbEncrypt(p.key, body)
	if err != nil {
		return err
	}

	payload := append(append([]byte{}, versionHeader...), enc...)
	_, err = p.roundTrip(ctx, cmdControl, payload)
	return err
}

// roundTrip ouvre une connexion, envoie une trame et lit la réponse.
func (p *Plug) roundTrip(ctx context.Context, cmd uint32, payload []byte) ([]byte, error) {
	d := net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("tuya: dial %s: %w", p.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now().Add(p.cfg.Timeout)) {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	}

	frame := encodeFrame(p.seq.Add(1), cmd, payload)
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("tuya: write frame: %w", err)
	}

	_, retCode, resp, err := decodeFrame(conn)
	if err != nil {
		return nil, err
	}
	if retCode != 0 {
		return nil, fmt.Errorf("tuya: device returned code %d", retCode)
	}
	return resp, nil
}
