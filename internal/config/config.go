package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EngineHTTP  = "http"
	EngineAria2 = "aria2"
)

// Config defines configuration for the fgd daemon and the fg get command.
type Config struct {
	Listen              string
	DataRoots           []string
	CacheDir            string
	Engine              string
	Aria2               Aria2Config
	HTTP                HTTPConfig
	Archive             ArchiveConfig
	ProgressInterval    time.Duration
	ExtractPollInterval time.Duration
	Journal             string
	Verbose             bool
}

type Aria2Config struct {
	RPC          string
	Secret       string
	PollInterval time.Duration
}

type HTTPConfig struct {
	Timeout         time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

// ArchiveConfig selects the external tool for non-zip archives.
type ArchiveConfig struct {
	Command  string
	Password string
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Listen:    "127.0.0.1:8099",
		DataRoots: []string{"/data"},
		CacheDir:  "/data/.cache",
		Engine:    EngineHTTP,
		Aria2: Aria2Config{
			RPC:          "http://127.0.0.1:6800/jsonrpc",
			PollInterval: time.Second,
		},
		HTTP: HTTPConfig{
			RetryAttempts:   5,
			RetryBackoff:    time.Second,
			RetryMaxBackoff: 30 * time.Second,
		},
		Archive:             ArchiveConfig{Command: "7zz"},
		ProgressInterval:    300 * time.Millisecond,
		ExtractPollInterval: 300 * time.Millisecond,
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	Listen              string          `yaml:"listen"`
	DataRoots           []string        `yaml:"data_roots"`
	CacheDir            string          `yaml:"cache_dir"`
	Engine              string          `yaml:"engine"`
	Aria2               yamlAria2Config `yaml:"aria2"`
	HTTP                yamlHTTPConfig  `yaml:"http"`
	Archive             yamlArchive     `yaml:"archive"`
	ProgressInterval    string          `yaml:"progress_interval"`
	ExtractPollInterval string          `yaml:"extract_poll_interval"`
	Journal             string          `yaml:"journal"`
	Verbose             bool            `yaml:"verbose"`
}

type yamlAria2Config struct {
	RPC          string `yaml:"rpc"`
	Secret       string `yaml:"secret"`
	PollInterval string `yaml:"poll_interval"`
}

type yamlHTTPConfig struct {
	Timeout         string `yaml:"timeout"`
	RetryAttempts   *int   `yaml:"retry_attempts"`
	RetryBackoff    string `yaml:"retry_backoff"`
	RetryMaxBackoff string `yaml:"retry_max_backoff"`
}

type yamlArchive struct {
	Command  string `yaml:"command"`
	Password string `yaml:"password"`
}

// Load returns defaults overlaid with the YAML file at path (if any) and
// then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("FG_CONFIG")
	}
	if path != "" {
		var err error
		cfg, err = LoadFromFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if yc.Listen != "" {
		cfg.Listen = yc.Listen
	}
	if len(yc.DataRoots) > 0 {
		cfg.DataRoots = yc.DataRoots
	}
	if yc.CacheDir != "" {
		cfg.CacheDir = yc.CacheDir
	}
	if yc.Engine != "" {
		cfg.Engine = yc.Engine
	}
	if yc.Aria2.RPC != "" {
		cfg.Aria2.RPC = yc.Aria2.RPC
	}
	if yc.Aria2.Secret != "" {
		cfg.Aria2.Secret = yc.Aria2.Secret
	}
	if yc.HTTP.RetryAttempts != nil {
		cfg.HTTP.RetryAttempts = *yc.HTTP.RetryAttempts
	}
	if yc.Archive.Command != "" {
		cfg.Archive.Command = yc.Archive.Command
	}
	cfg.Archive.Password = yc.Archive.Password
	if yc.Journal != "" {
		cfg.Journal = yc.Journal
	}
	cfg.Verbose = yc.Verbose

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"aria2.poll_interval", yc.Aria2.PollInterval, &cfg.Aria2.PollInterval},
		{"http.timeout", yc.HTTP.Timeout, &cfg.HTTP.Timeout},
		{"http.retry_backoff", yc.HTTP.RetryBackoff, &cfg.HTTP.RetryBackoff},
		{"http.retry_max_backoff", yc.HTTP.RetryMaxBackoff, &cfg.HTTP.RetryMaxBackoff},
		{"progress_interval", yc.ProgressInterval, &cfg.ProgressInterval},
		{"extract_poll_interval", yc.ExtractPollInterval, &cfg.ExtractPollInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// LoadFromEnv applies FG_* and ARIA2_* environment overrides.
func (c *Config) LoadFromEnv() error {
	c.Listen = getenv("FG_HTTP_ADDR", c.Listen)
	if v := os.Getenv("FG_DATA_ROOT"); v != "" {
		c.DataRoots = splitList(v)
	}
	c.CacheDir = getenv("FG_CACHE_DIR", c.CacheDir)
	c.Engine = getenv("FG_ENGINE", c.Engine)
	c.Aria2.RPC = getenv("ARIA2_RPC", c.Aria2.RPC)
	c.Aria2.Secret = getenv("ARIA2_SECRET", c.Aria2.Secret)
	c.Journal = getenv("FG_JOURNAL", c.Journal)
	c.HTTP.RetryAttempts = getenvInt("FG_RETRY_ATTEMPTS", c.HTTP.RetryAttempts)
	if v := os.Getenv("FG_VERBOSE"); v != "" {
		c.Verbose = v == "true" || v == "1"
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineHTTP, EngineAria2:
	default:
		return fmt.Errorf("config: unknown engine %q", c.Engine)
	}
	if len(c.DataRoots) == 0 {
		return errors.New("config: at least one data root is required")
	}
	for _, root := range c.DataRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("config: data root %q must be absolute", root)
		}
	}
	if !filepath.IsAbs(c.CacheDir) {
		return fmt.Errorf("config: cache_dir %q must be absolute", c.CacheDir)
	}
	if c.Engine == EngineAria2 && c.Aria2.RPC == "" {
		return errors.New("config: aria2.rpc is required for the aria2 engine")
	}
	if c.HTTP.RetryAttempts < 0 {
		return errors.New("config: http.retry_attempts must not be negative")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
