// Package config holds the MeetScribe frontend configuration: YAML file
// first, then environment overrides, then defaults for whatever is left.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultRemoteSpeaker labels the tab-audio track before diarization runs.
const DefaultRemoteSpeaker = "Interlocuteur"

// Config is the frontend service configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	UploadDir string `yaml:"upload_dir"`
	DBPath    string `yaml:"db_path"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIToken guards /api/* routes. Empty disables auth.
	APIToken string `yaml:"api_token"`

	GPU       GPUConfig       `yaml:"gpu"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	SmartPlug SmartPlugConfig `yaml:"smart_plug"`

	LocalSpeakerName string `yaml:"local_speaker_name"`
}

// GPUConfig points at the remote GPU worker.
type GPUConfig struct {
	Host        string `yaml:"host"`
	WorkerPort  int    `yaml:"worker_port"`
	WorkerToken string `yaml:"worker_token"`
	ModelSize   string `yaml:"model_size"`

	// Timeout bounds the whole submit-then-poll cycle, in seconds.
	Timeout int `yaml:"timeout"`
	// SubmitTimeout bounds connection establishment on submit, in seconds.
	SubmitTimeout int `yaml:"submit_timeout"`
	// PollInterval is the sleep between status polls, in seconds.
	PollInterval float64 `yaml:"poll_interval"`
}

// FallbackConfig controls the local CPU transcriber.
type FallbackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ModelSize string `yaml:"model_size"`
	// Timeout in seconds. CPU inference needs far more headroom than GPU.
	Timeout int `yaml:"timeout"`
}

// SmartPlugConfig describes the Tuya plug powering the GPU machine.
type SmartPlugConfig struct {
	Enabled   bool    `yaml:"enabled"`
	DeviceID  string  `yaml:"device_id"`
	IPAddress string  `yaml:"ip_address"`
	LocalKey  string  `yaml:"local_key"`
	Version   float64 `yaml:"version"`
	// BootWaitTime is the wake budget in seconds: how long to poll the
	// worker after switching the plug on before giving up.
	BootWaitTime int `yaml:"boot_wait_time"`
	// CheckInterval is the probe cadence during a wake, in seconds.
	CheckInterval int `yaml:"check_interval"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.UploadDir == "" {
		c.UploadDir = filepath.Join(c.DataDir, "uploads")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "meetscribe.db")
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 {
		c.Port = 8000
	}
	if c.GPU.Host == "" {
		c.GPU.Host = "localhost"
	}
	if c.GPU.WorkerPort <= 0 {
		c.GPU.WorkerPort = 8001
	}
	if c.GPU.ModelSize == "" {
		c.GPU.ModelSize = "large-v3"
	}
	if c.GPU.Timeout <= 0 {
		c.GPU.Timeout = 600
	}
	if c.GPU.SubmitTimeout <= 0 {
		c.GPU.SubmitTimeout = 10
	}
	if c.GPU.PollInterval <= 0 {
		c.GPU.PollInterval = 2
	}
	if c.Fallback.ModelSize == "" {
		c.Fallback.ModelSize = "medium"
	}
	if c.Fallback.Timeout <= 0 {
		c.Fallback.Timeout = 3600
	}
	if c.SmartPlug.Version <= 0 {
		c.SmartPlug.Version = 3.3
	}
	if c.SmartPlug.BootWaitTime <= 0 {
		c.SmartPlug.BootWaitTime = 120
	}
	if c.SmartPlug.CheckInterval <= 0 {
		c.SmartPlug.CheckInterval = 10
	}
	if c.LocalSpeakerName == "" {
		c.LocalSpeakerName = "Dino"
	}
}

// Load builds the configuration: optional YAML file, then environment
// overrides, then defaults. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := &Config{Fallback: FallbackConfig{Enabled: true}}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.fromEnv()
	cfg.defaults()
	return cfg, nil
}

// fromEnv applies MEETSCRIBE_* environment overrides, mirroring the keys the
// desktop capture extension documents.
func (c *Config) fromEnv() {
	if v := os.Getenv("MEETSCRIBE_DATA_DIR"); v != "" {
		c.DataDir = v
		c.UploadDir = filepath.Join(v, "uploads")
		c.DBPath = filepath.Join(v, "meetscribe.db")
	}
	if v := os.Getenv("MEETSCRIBE_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("MEETSCRIBE_GPU_HOST"); v != "" {
		c.GPU.Host = v
	}
	if v := os.Getenv("MEETSCRIBE_GPU_WORKER_TOKEN"); v != "" {
		c.GPU.WorkerToken = v
	}
	if v := os.Getenv("MEETSCRIBE_SPEAKER_NAME"); v != "" {
		c.LocalSpeakerName = v
	}
	if v := os.Getenv("MEETSCRIBE_PLUG_DEVICE_ID"); v != "" {
		c.SmartPlug.DeviceID = v
		c.SmartPlug.Enabled = true
	}
	if v := os.Getenv("MEETSCRIBE_PLUG_IP"); v != "" {
		c.SmartPlug.IPAddress = v
	}
	if v := os.Getenv("MEETSCRIBE_PLUG_LOCAL_KEY"); v != "" {
		c.SmartPlug.LocalKey = v
	}
	if v := os.Getenv("MEETSCRIBE_PLUG_VERSION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SmartPlug.Version = f
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
}

// EnsureDirs creates the data and upload directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.UploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// WorkerURL is the base URL of the remote GPU worker.
func (c *Config) WorkerURL() string {
	return fmt.Sprintf("http://%s:%d", c.GPU.Host, c.GPU.WorkerPort)
}
