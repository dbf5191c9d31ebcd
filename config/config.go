// Package config loads environment variables and provides the typed, immutable
// Config used by the bridge. Defaults mirror a stock Minecraft container layout
// (log at /logs/latest.log, mcrcon at /data/mcrcon, RCON on localhost:25575).
// Use Validate before starting the bridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StdinPath as TAIL_FILE reads log lines from standard input instead of tail(1).
const StdinPath = "-"

type Config struct {
	// Remote console
	RconHost     string
	RconPort     string
	RconPassword string
	RconBinary   string

	// Log tail
	TailFile       string
	TailBinary     string
	TailRestart    bool
	TailRestartMax int

	// Rooms
	OutboundRoom string
	CommandRoom  string

	// Commands
	EchoCommandOutput     bool
	MaxConcurrentCommands int
	CommandTimeout        time.Duration

	// Twitch chat
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRefreshToken string

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. When CONFIG_FILE
// names a YAML file of KEY: value pairs, those values fill in for unset
// variables. It fails only on malformed values; use Validate for required
// settings.
func Load() (*Config, error) {
	file, err := readFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	v := vars{file: file}

	cfg := &Config{
		RconHost:     v.or("RCON_HOST", "localhost"),
		RconPort:     v.or("RCON_PORT", "25575"),
		RconPassword: v.get("RCON_PASSWORD"),
		RconBinary:   v.or("RCON_BINARY", "/data/mcrcon"),

		TailFile:   v.or("TAIL_FILE", "/logs/latest.log"),
		TailBinary: v.or("TAIL_BINARY", "/usr/bin/tail"),

		OutboundRoom: strings.TrimSpace(v.get("OUTBOUND_ROOM")),
		CommandRoom:  strings.TrimSpace(v.get("COMMAND_ROOM")),

		TwitchBotUsername:  v.get("TWITCH_BOT_USERNAME"),
		TwitchOAuthToken:   v.get("TWITCH_OAUTH_TOKEN"),
		TwitchClientID:     v.get("TWITCH_CLIENT_ID"),
		TwitchClientSecret: v.get("TWITCH_CLIENT_SECRET"),
		TwitchRefreshToken: v.get("TWITCH_REFRESH_TOKEN"),

		HTTPAddr: v.or("HTTP_ADDR", ":8080"),
	}

	if p, err := strconv.Atoi(cfg.RconPort); err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("invalid RCON_PORT %q: must be 1-65535", cfg.RconPort)
	}

	if cfg.TailRestart, err = v.boolean("TAIL_RESTART", false); err != nil {
		return nil, err
	}
	if cfg.TailRestartMax, err = v.integer("TAIL_RESTART_MAX", 0); err != nil {
		return nil, err
	}
	if cfg.EchoCommandOutput, err = v.boolean("ECHO_COMMAND_OUTPUT", false); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentCommands, err = v.integer("MAX_CONCURRENT_COMMANDS", 4); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentCommands < 1 {
		return nil, fmt.Errorf("invalid MAX_CONCURRENT_COMMANDS %d: must be >= 1", cfg.MaxConcurrentCommands)
	}
	cfg.CommandTimeout = 30 * time.Second
	if raw := v.get("COMMAND_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid COMMAND_TIMEOUT %q (duration, 0 disables)", raw)
		}
		cfg.CommandTimeout = d
	}
	return cfg, nil
}

// Validate checks the settings the bridge cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.RconPassword == "" {
		missing = append(missing, "RCON_PASSWORD")
	}
	if c.OutboundRoom == "" {
		missing = append(missing, "OUTBOUND_ROOM")
	}
	if c.CommandRoom == "" {
		missing = append(missing, "COMMAND_ROOM")
	}
	if c.TailFile == "" {
		missing = append(missing, "TAIL_FILE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateChatReady checks the Twitch bot identity.
func (c *Config) ValidateChatReady() error {
	if c.TwitchBotUsername == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME")
	}
	if c.TwitchOAuthToken == "" && (c.TwitchClientID == "" || c.TwitchClientSecret == "" || c.TwitchRefreshToken == "") {
		return fmt.Errorf("missing twitch env: require TWITCH_OAUTH_TOKEN or TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_REFRESH_TOKEN")
	}
	return nil
}

// ReadsStdin reports whether log lines come from standard input.
func (c *Config) ReadsStdin() bool { return c.TailFile == StdinPath }

// readFile loads a flat YAML mapping. Scalars of any type are kept as their
// string form so they parse the same way environment values do.
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if val == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(val)
	}
	return out, nil
}

type vars struct {
	file map[string]string
}

// get prefers the environment over the config file.
func (v vars) get(key string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return v.file[key]
}

func (v vars) or(key, fallback string) string {
	if s := v.get(key); s != "" {
		return s
	}
	return fallback
}

func (v vars) boolean(key string, fallback bool) (bool, error) {
	s := v.get(key)
	if s == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func (v vars) integer(key string, fallback int) (int, error) {
	s := v.get(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}
