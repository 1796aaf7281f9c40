// Package config provides the configuration structure for edge-tts-api.
//
// Configuration comes from two layers resolved once at startup: service-level
// settings loaded from the project TOML via the central configurator, and
// request-gating settings read from environment variables. Neither layer may
// fail the process; missing or invalid values degrade to documented defaults.
package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Environment variable names consumed by the gate settings resolver.
const (
	EnvAPIKey            = "EDGE_TTS_API_KEY"
	EnvAPIKeyHeader      = "EDGE_TTS_API_KEY_HEADER"
	EnvDefaultVoice      = "EDGE_TTS_DEFAULT_VOICE"
	EnvAllowedOrigins    = "EDGE_ALLOWED_ORIGINS"
	EnvAllowedOriginRx   = "EDGE_ALLOWED_ORIGIN_REGEX"
	EnvAllowLocalOrigins = "EDGE_TTS_ALLOW_LOCAL_ORIGINS"
	EnvHealthPublic      = "EDGE_TTS_HEALTH_PUBLIC"
	EnvMaxChars          = "EDGE_TTS_MAX_CHARS"
)

// Defaults for the gate settings.
const (
	DefaultAPIKeyHeader = "X-API-Key"
	DefaultVoice        = "en-US-EmmaMultilingualNeural"
	DefaultMaxChars     = 5000
	MinMaxChars         = 50
	MaxMaxChars         = 100000

	localOriginPattern = `^https?://(localhost|127\.0\.0\.1)(:\d+)?$`
)

// Defaults for the service settings, applied when the project TOML is absent.
const (
	defaultPort                   = 8001
	defaultShutdownSeconds        = 10
	defaultEdgeConnectSeconds     = 10
	defaultEdgeSynthSeconds       = 120
	defaultAudioCacheBucket       = "TTS_AUDIO_CACHE"
	defaultBaseLogsDir            = "/tmp/edge-tts-api/logs"
	localOriginHTTP, localOriginIP = "http://localhost:8000", "http://127.0.0.1:8000"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int `toml:"port"`
	ShutdownSeconds int `toml:"shutdown_seconds"`
}

// EdgeConfig holds timeouts for the upstream Edge speech service.
type EdgeConfig struct {
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	SynthTimeoutSeconds   int `toml:"synth_timeout_seconds"`
}

// NATSConfig holds the configuration for the optional NATS audio cache.
// An empty URL disables caching.
type NATSConfig struct {
	URL                    string `toml:"url"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// GateSettings is the environment-sourced snapshot gating every request.
type GateSettings struct {
	APIKey            string
	APIKeyHeader      string
	DefaultVoice      string
	AllowedOrigins    []string
	AllowedOriginRx   *regexp.Regexp
	AllowLocalOrigins bool
	HealthPublic      bool
	MaxChars          int
}

// APIKeyRequired reports whether a non-empty API key secret is configured.
func (g GateSettings) APIKeyRequired() bool {
	return g.APIKey != ""
}

// Config is the root configuration structure. It is computed once at process
// start and treated as immutable thereafter.
type Config struct {
	Server ServerConfig `toml:"server"`
	Edge   EdgeConfig   `toml:"edge"`
	NATS   NATSConfig   `toml:"nats"`
	Paths  PathsConfig  `toml:"paths"`

	Gate GateSettings `toml:"-"`
}

// Load resolves the full configuration. A configurator failure is logged and
// degrades to the built-in service defaults; the environment resolver cannot
// fail.
func Load(log *logger.Logger) *Config {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		log.Warn("Project TOML unavailable, using service defaults: %v", err)
	}

	applyServiceDefaults(&cfg)
	cfg.Gate = GateFromEnv()

	return &cfg
}

func applyServiceDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = defaultPort
	}

	if cfg.Server.ShutdownSeconds <= 0 {
		cfg.Server.ShutdownSeconds = defaultShutdownSeconds
	}

	if cfg.Edge.ConnectTimeoutSeconds <= 0 {
		cfg.Edge.ConnectTimeoutSeconds = defaultEdgeConnectSeconds
	}

	if cfg.Edge.SynthTimeoutSeconds <= 0 {
		cfg.Edge.SynthTimeoutSeconds = defaultEdgeSynthSeconds
	}

	if cfg.NATS.AudioObjectStoreBucket == "" {
		cfg.NATS.AudioObjectStoreBucket = defaultAudioCacheBucket
	}

	if cfg.Paths.BaseLogsDir == "" {
		cfg.Paths.BaseLogsDir = defaultBaseLogsDir
	}
}

// GateFromEnv reads the request-gating settings from the environment. Every
// value has a documented default; unparsable input falls back rather than
// failing.
func GateFromEnv() GateSettings {
	return GateSettings{
		APIKey:            strings.TrimSpace(os.Getenv(EnvAPIKey)),
		APIKeyHeader:      envString(EnvAPIKeyHeader, DefaultAPIKeyHeader),
		DefaultVoice:      envString(EnvDefaultVoice, DefaultVoice),
		AllowedOrigins:    corsOrigins(),
		AllowedOriginRx:   originRegexp(),
		AllowLocalOrigins: envBool(EnvAllowLocalOrigins, true),
		HealthPublic:      envBool(EnvHealthPublic, true),
		MaxChars:          envInt(EnvMaxChars, DefaultMaxChars, MinMaxChars, MaxMaxChars),
	}
}

func corsOrigins() []string {
	var defaults []string
	if envBool(EnvAllowLocalOrigins, true) {
		defaults = []string{localOriginHTTP, localOriginIP}
	}

	return dedupeFold(append(defaults, splitCSV(os.Getenv(EnvAllowedOrigins))...))
}

func originRegexp() *regexp.Regexp {
	pattern := envString(EnvAllowedOriginRx, localOriginPattern)

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return regexp.MustCompile(localOriginPattern)
	}

	return compiled
}

func envString(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	return value
}

func envBool(name string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(name)))

	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envInt(name string, fallback, minValue, maxValue int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	if value < minValue {
		return minValue
	}

	if value > maxValue {
		return maxValue
	}

	return value
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty items.
func splitCSV(raw string) []string {
	var out []string

	for _, item := range strings.Split(raw, ",") {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}

		out = append(out, value)
	}

	return out
}

// dedupeFold removes case-insensitive duplicates while preserving first-seen
// order and original casing.
func dedupeFold(values []string) []string {
	seen := make(map[string]struct{}, len(values))

	var out []string

	for _, value := range values {
		key := strings.ToLower(value)
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		out = append(out, value)
	}

	return out
}
