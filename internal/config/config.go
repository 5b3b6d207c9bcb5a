// Package config resolves livescribe settings.
//
// Resolution order, lowest priority first: the environment preset, an
// optional YAML file, a .env file, then process environment variables.
// The result is validated once and passed by value into constructors.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment selects a preset.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the client and relay configuration.
type Config struct {
	Environment       Environment   `yaml:"environment"`
	Endpoint          string        `yaml:"endpoint"`
	ChunkInterval     time.Duration `yaml:"chunk_interval"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`

	// Source is a WAV file replayed as the capture device.
	Source    string `yaml:"source"`
	DBPath    string `yaml:"db_path"`
	ExportDir string `yaml:"export_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`

	Relay RelayConfig `yaml:"relay"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Host       string         `yaml:"host"`
	Port       int            `yaml:"port"`
	Path       string         `yaml:"path"`
	MaxPayload int            `yaml:"max_payload"`
	CORSOrigin string         `yaml:"cors_origin"`
	Deepgram   DeepgramConfig `yaml:"deepgram"`
}

// Addr returns host:port.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DeepgramConfig configures the speech provider. An empty APIKey selects
// the echo recognizer.
type DeepgramConfig struct {
	APIKey     string `yaml:"api_key"`
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	Encoding   string `yaml:"encoding"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// Preset returns the defaults for env. Unknown names get the development
// preset; Load rejects them before getting here.
func Preset(env Environment) Config {
	cfg := Config{
		Environment:       Development,
		Endpoint:          "ws://localhost:8080",
		ChunkInterval:     time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    2 * time.Second,
		DBPath:            DefaultDBPath(),
		ExportDir:         ".",
		LogLevel:          "info",
		Relay: RelayConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			Path:       "/",
			MaxPayload: 1 << 20,
			CORSOrigin: "*",
			Deepgram: DeepgramConfig{
				URL:        "wss://api.deepgram.com/v1/listen",
				Model:      "nova-2",
				Language:   "en-US",
				Encoding:   "linear16",
				SampleRate: 16000,
				Channels:   1,
			},
		},
	}

	switch env {
	case Staging:
		cfg.Environment = Staging
		cfg.ReconnectAttempts = 10
		cfg.ReconnectDelay = 3 * time.Second
	case Production:
		cfg.Environment = Production
		cfg.ReconnectAttempts = 15
		cfg.ReconnectDelay = 5 * time.Second
	}
	return cfg
}

// DefaultDBPath returns the archive location under the user config dir.
func DefaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "livescribe", "livescribe.sqlite")
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// Path is an optional YAML file. A missing file is an error only when
	// the path was given explicitly.
	Path string

	// EnvFile is read with godotenv; defaults to ".env". Missing is fine.
	EnvFile string

	// Lookup reads environment variables; defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load resolves and validates the configuration.
func Load(opts LoadOptions) (Config, error) {
	lookup, err := envLookup(opts)
	if err != nil {
		return Config{}, err
	}

	var file []byte
	if opts.Path != "" {
		file, err = os.ReadFile(opts.Path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	env := Development
	if v, ok := lookup("LIVESCRIBE_ENV"); ok && v != "" {
		env = Environment(strings.ToLower(v))
	} else if len(file) > 0 {
		var probe struct {
			Environment Environment `yaml:"environment"`
		}
		if err := yaml.Unmarshal(file, &probe); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", opts.Path, err)
		}
		if probe.Environment != "" {
			env = probe.Environment
		}
	}

	if err := env.validate(); err != nil {
		return Config{}, err
	}

	cfg := Preset(env)
	if len(file) > 0 {
		if err := yaml.Unmarshal(file, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", opts.Path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envLookup layers process variables over the .env file.
func envLookup(opts LoadOptions) (func(string) (string, bool), error) {
	process := opts.Lookup
	if process == nil {
		process = os.LookupEnv
	}

	path := opts.EnvFile
	if path == "" {
		path = ".env"
	}
	dotenv, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		dotenv = nil
	}

	return func(key string) (string, bool) {
		if v, ok := process(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, key string) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(dst *time.Duration, key string) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str(&cfg.Endpoint, "LIVESCRIBE_ENDPOINT")
	str(&cfg.Source, "LIVESCRIBE_SOURCE")
	str(&cfg.DBPath, "LIVESCRIBE_DB")
	str(&cfg.ExportDir, "LIVESCRIBE_EXPORT_DIR")
	str(&cfg.LogLevel, "LIVESCRIBE_LOG_LEVEL", "LOG_LEVEL")
	str(&cfg.LogFile, "LIVESCRIBE_LOG_FILE")
	str(&cfg.Relay.Host, "HOST")
	str(&cfg.Relay.CORSOrigin, "CORS_ORIGIN")
	str(&cfg.Relay.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	str(&cfg.Relay.Deepgram.Model, "DEEPGRAM_MODEL")
	str(&cfg.Relay.Deepgram.Language, "DEEPGRAM_LANGUAGE")
	str(&cfg.Relay.Deepgram.Encoding, "DEEPGRAM_ENCODING")

	for _, set := range []error{
		num(&cfg.ReconnectAttempts, "LIVESCRIBE_RECONNECT_ATTEMPTS"),
		num(&cfg.Relay.Port, "PORT"),
		num(&cfg.Relay.Deepgram.SampleRate, "DEEPGRAM_SAMPLE_RATE"),
		num(&cfg.Relay.Deepgram.Channels, "DEEPGRAM_CHANNELS"),
		dur(&cfg.ChunkInterval, "LIVESCRIBE_CHUNK_INTERVAL"),
		dur(&cfg.ReconnectDelay, "LIVESCRIBE_RECONNECT_DELAY"),
	} {
		if set != nil {
			return set
		}
	}
	return nil
}

// parseDuration accepts Go durations ("2s") or bare milliseconds ("2000").
func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func (e Environment) validate() error {
	switch e {
	case Development, Staging, Production:
		return nil
	}
	return fmt.Errorf("unknown environment %q", e)
}

// Validate checks the resolved values.
func (c Config) Validate() error {
	if err := c.Environment.validate(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		return fmt.Errorf("endpoint %q must be a ws:// or wss:// url", c.Endpoint)
	}
	if c.ChunkInterval <= 0 {
		return fmt.Errorf("chunk interval must be positive, got %s", c.ChunkInterval)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts must not be negative, got %d", c.ReconnectAttempts)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect delay must not be negative, got %s", c.ReconnectDelay)
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay port %d out of range", c.Relay.Port)
	}
	if c.Relay.MaxPayload <= 0 {
		return fmt.Errorf("relay max payload must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}
