// Package config loads the server configuration from the environment.
// Every knob is read under its NEKO_-prefixed name first, then the bare
// name, so deployments can scope their variables without breaking older
// setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Addr is the main server listen address.
	Addr string

	// MemoryServerURL is the base URL of the memory sibling service used to
	// fetch dialog priming blocks.
	MemoryServerURL string

	// CORS allowlist; empty disables CORS entirely.
	CORSAllowedOrigins map[string]struct{}

	// Live websocket tuning.
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	WSReadTimeout  time.Duration
	WSReadLimit    int64

	// Inbound microphone throttle. Zero for both rates disables it.
	AudioMaxFPS           int
	AudioMaxBytesPerSec   int64
	AudioInboundBurstSecs int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Debug widens logging and surfaces internal diagnostics events.
	Debug bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("MAIN_SERVER_ADDR", ":"+envOr("MAIN_SERVER_PORT", "48911")),
		MemoryServerURL:       envOr("MEMORY_SERVER_URL", "http://localhost:48912"),
		CORSAllowedOrigins:    make(map[string]struct{}),
		WSPingInterval:        envDurationOr("WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:        envDurationOr("WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:         envDurationOr("WS_READ_TIMEOUT", 90*time.Second),
		WSReadLimit:           envInt64Or("WS_READ_LIMIT", 1<<20),
		AudioMaxFPS:           envIntOr("AUDIO_MAX_FPS", 200),
		AudioMaxBytesPerSec:   envInt64Or("AUDIO_MAX_BPS", 512<<10),
		AudioInboundBurstSecs: envIntOr("AUDIO_BURST_SECONDS", 2),
		ReadHeaderTimeout:     envDurationOr("READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		Debug:                 envBoolOr("DEBUG", false),
	}

	for _, origin := range splitCSV(envOr("CORS_ORIGINS", "")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.Addr) == "" || cfg.Addr == ":" {
		return Config{}, fmt.Errorf("MAIN_SERVER_ADDR or MAIN_SERVER_PORT must be set")
	}
	if strings.TrimSpace(cfg.MemoryServerURL) == "" {
		return Config{}, fmt.Errorf("MEMORY_SERVER_URL must not be empty")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout <= 0 {
		return Config{}, fmt.Errorf("WS_READ_TIMEOUT must be > 0")
	}
	if cfg.WSReadLimit <= 0 {
		return Config{}, fmt.Errorf("WS_READ_LIMIT must be > 0")
	}
	if cfg.AudioMaxFPS < 0 {
		return Config{}, fmt.Errorf("AUDIO_MAX_FPS must be >= 0")
	}
	if cfg.AudioMaxBytesPerSec < 0 {
		return Config{}, fmt.Errorf("AUDIO_MAX_BPS must be >= 0")
	}
	if (cfg.AudioMaxFPS > 0 || cfg.AudioMaxBytesPerSec > 0) && cfg.AudioInboundBurstSecs < 1 {
		return Config{}, fmt.Errorf("AUDIO_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// lookup reads NEKO_<key> first and falls back to the bare key.
func lookup(key string) string {
	if v := strings.TrimSpace(os.Getenv("NEKO_" + key)); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(key))
}

func envOr(key, def string) string {
	v := lookup(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := lookup(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := lookup(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := lookup(key)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := lookup(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
