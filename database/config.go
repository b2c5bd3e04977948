package database

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/log"
)

// TokenProvider supplies credentials attached to every request. Either
// method may return an empty string, in which case the request goes
// out unauthenticated.
type TokenProvider interface {
	// IDToken returns the identity credential.
	IDToken() string
	// AttestationToken returns the app attestation credential.
	AttestationToken() string
}

// StaticTokens is a TokenProvider with fixed credentials, handy for
// server-side use with a long-lived secret.
type StaticTokens struct {
	ID          string
	Attestation string
}

func (t StaticTokens) IDToken() string          { return t.ID }
func (t StaticTokens) AttestationToken() string { return t.Attestation }

// Config configures a Database handle.
type Config struct {
	// URL of the database instance, e.g. "https://demo.example.com" or
	// "https://demo.example.com?ns=demo". Empty selects the in-memory
	// backend.
	URL string `yaml:"url"`
	// Streaming selects the realtime transport (websocket with
	// automatic degradation to polling). When false a pure
	// request/response transport is used.
	Streaming bool `yaml:"streaming"`
	// RequestTimeout bounds individual transport requests.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// LogLevel is one of debug, info, warn, error, silent.
	LogLevel string `yaml:"log_level"`
	// Tokens supplies request credentials. Not loadable from YAML.
	Tokens TokenProvider `yaml:"-"`
}

// DefaultConfig returns the configuration used when a field is left
// zero.
func DefaultConfig() Config {
	return Config{
		Streaming:      true,
		RequestTimeout: 30 * time.Second,
		LogLevel:       "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. Durations use
// the time.ParseDuration syntax ("5s", "1m30s").
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, dberr.Wrap(dberr.InvalidArgument, "failed to read config file", err)
	}
	var raw struct {
		URL            string `yaml:"url"`
		Streaming      *bool  `yaml:"streaming"`
		RequestTimeout string `yaml:"request_timeout"`
		LogLevel       string `yaml:"log_level"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, dberr.Wrap(dberr.InvalidArgument, "failed to parse config file", err)
	}
	cfg.URL = raw.URL
	if raw.Streaming != nil {
		cfg.Streaming = *raw.Streaming
	}
	if raw.RequestTimeout != "" {
		d, err := time.ParseDuration(raw.RequestTimeout)
		if err != nil {
			return cfg, dberr.Wrap(dberr.InvalidArgument, "invalid request_timeout", err)
		}
		cfg.RequestTimeout = d
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	return cfg, nil
}

func (c Config) logLevel() log.Level {
	switch c.LogLevel {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	case "silent":
		return log.LevelSilent
	default:
		return log.LevelInfo
	}
}
