package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/inferctl/internal/client"
	"github.com/3cpo-dev/inferctl/internal/poller"
	"github.com/3cpo-dev/inferctl/pkg/api"
)

const DefaultBaseURL = "http://localhost:8000"

type ServerConfig struct {
	URL                    string       `yaml:"url"`
	Paths                  client.Paths `yaml:"paths"`
	TimeoutSeconds         int          `yaml:"timeout_seconds"`
	GenerateTimeoutSeconds int          `yaml:"generate_timeout_seconds"`
	Retries                int          `yaml:"retries"`
	RequestsPerSecond      float64      `yaml:"requests_per_second"`
}

type RequestConfig struct {
	ModelName           string `yaml:"model_name"`
	DynBatch            int    `yaml:"dyn_batch"`
	SpeculativeDecoding bool   `yaml:"speculative_decoding"`
}

type PollConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	// MaxAttempts is a pointer so an explicit 0 (unbounded) survives defaults.
	MaxAttempts   *int    `yaml:"max_attempts"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	MaxIntervalMS int     `yaml:"max_interval_ms"`
	TargetStatus  string  `yaml:"target_status"`
}

type HistoryConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the inferctl configuration file.
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	Request   RequestConfig `yaml:"request"`
	Poll      PollConfig    `yaml:"poll"`
	History   HistoryConfig `yaml:"history"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/inferctl/config.yaml or
// ~/.config/inferctl/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "inferctl", "config.yaml")
}

// DefaultHistoryPath resolves $XDG_DATA_HOME/inferctl/history.db or
// ~/.local/share/inferctl/history.db.
func DefaultHistoryPath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "inferctl", "history.db")
}

func xdgDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" {
		return base
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, fallback)
}

// LoadConfig reads YAML configuration from path, then layers the dotenv file
// envFile and the process environment on top. An empty path falls back to
// DefaultConfigPath, which may be absent. An explicit path must exist.
func LoadConfig(path, envFile string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if err := readYAML(path, &cfg); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}

	env, err := LoadEnv(envFile)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg, env)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, env map[string]string) {
	host, port := env["FAST_API_HOST"], env["FAST_API_PORT"]
	if host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "8000"
		}
		cfg.Server.URL = "http://" + net.JoinHostPort(host, port)
	}
	if v := env["INFERCTL_URL"]; v != "" {
		cfg.Server.URL = v
	}
	if v := env["INFERCTL_MODEL"]; v != "" {
		cfg.Request.ModelName = v
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.URL) == "" {
		c.Server.URL = DefaultBaseURL
	}
	c.Server.URL = strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	if c.Server.TimeoutSeconds <= 0 {
		c.Server.TimeoutSeconds = 30
	}
	if c.Server.GenerateTimeoutSeconds <= 0 {
		c.Server.GenerateTimeoutSeconds = 15
	}
	if c.Request.ModelName == "" {
		c.Request.ModelName = api.DefaultModelName
	}
	if c.Request.DynBatch == 0 {
		c.Request.DynBatch = api.DefaultDynBatch
	}
	def := poller.DefaultPolicy()
	if c.Poll.IntervalMS <= 0 {
		c.Poll.IntervalMS = int(def.Interval / time.Millisecond)
	}
	if c.Poll.MaxAttempts == nil {
		n := def.MaxAttempts
		c.Poll.MaxAttempts = &n
	}
	if c.Poll.BackoffFactor == 0 {
		c.Poll.BackoffFactor = def.BackoffFactor
	}
	if c.Poll.MaxIntervalMS <= 0 {
		c.Poll.MaxIntervalMS = int(def.MaxInterval / time.Millisecond)
	}
	if c.History.Enabled == nil {
		on := true
		c.History.Enabled = &on
	}
	if c.History.Path == "" {
		c.History.Path = DefaultHistoryPath()
	}
}

// Validate rejects settings the client cannot run with.
func (c Config) Validate() error {
	if c.Request.DynBatch < 1 {
		return fmt.Errorf("config: request.dyn_batch must be at least 1, got %d", c.Request.DynBatch)
	}
	if c.Poll.MaxAttempts != nil && *c.Poll.MaxAttempts < 0 {
		return fmt.Errorf("config: poll.max_attempts must not be negative")
	}
	if c.Poll.BackoffFactor < 1 {
		return fmt.Errorf("config: poll.backoff_factor must be >= 1, got %g", c.Poll.BackoffFactor)
	}
	if c.Server.Retries < 0 {
		return fmt.Errorf("config: server.retries must not be negative")
	}
	return nil
}

// HistoryEnabled reports whether submissions are recorded locally.
func (c Config) HistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

// ClientOptions maps the server section onto client options.
func (c Config) ClientOptions(userAgent string) client.Options {
	return client.Options{
		BaseURL:           c.Server.URL,
		Paths:             c.Server.Paths,
		Timeout:           time.Duration(c.Server.TimeoutSeconds) * time.Second,
		GenerateTimeout:   time.Duration(c.Server.GenerateTimeoutSeconds) * time.Second,
		Retries:           c.Server.Retries,
		RequestsPerSecond: c.Server.RequestsPerSecond,
		UserAgent:         userAgent,
	}
}

// PollPolicy maps the poll section onto a poller policy.
func (c Config) PollPolicy() poller.Policy {
	p := poller.Policy{
		Interval:      time.Duration(c.Poll.IntervalMS) * time.Millisecond,
		BackoffFactor: c.Poll.BackoffFactor,
		MaxInterval:   time.Duration(c.Poll.MaxIntervalMS) * time.Millisecond,
		TargetStatus:  c.Poll.TargetStatus,
	}
	if c.Poll.MaxAttempts != nil {
		p.MaxAttempts = *c.Poll.MaxAttempts
	}
	return p
}

// TaskRequest builds a fresh request for text with the configured model settings.
func (c Config) TaskRequest(text string) api.TaskRequest {
	return api.TaskRequest{
		Text:                text,
		ModelName:           c.Request.ModelName,
		DynBatch:            c.Request.DynBatch,
		SpeculativeDecoding: c.Request.SpeculativeDecoding,
	}
}
