package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"muse/pkg/fault"

	"github.com/caarlos0/env/v11"
)

const (
	envConfigPath = "MUSE_CONFIG"

	defaultHost        = "0.0.0.0"
	DefaultUpstreamURL = "http://inspirobot.me/api?generate=true"
)

// Config is the root runtime configuration.
//
// Values come from an optional config.json and are then overridden by the
// environment, which is how the relay is usually deployed.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Upstream UpstreamConfig `json:"upstream"`
	Channels ChannelsConfig `json:"channels"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host" env:"HOST"`
	Port int    `json:"port" env:"PORT"`
}

// AuthConfig holds the shared secrets accepted from slash-command callers.
type AuthConfig struct {
	Tokens []string `json:"tokens" env:"VALID_TOKENS" envSeparator:":"`
}

// UpstreamConfig configures the inspiration endpoint.
type UpstreamConfig struct {
	URL           string  `json:"url" env:"INSPIRATION_URL"`
	RatePerSecond float64 `json:"rate_per_second" env:"INSPIRATION_RATE_PER_SECOND"`
	Burst         int     `json:"burst" env:"INSPIRATION_BURST"`
}

// ChannelsConfig stores bot transport settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig configures the Telegram bot transport.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" env:"TELEGRAM_ENABLED"`
	Token   string `json:"token" env:"TELEGRAM_BOT_TOKEN"`
}

// DiscordConfig configures the Discord bot transport.
type DiscordConfig struct {
	Enabled bool   `json:"enabled" env:"DISCORD_ENABLED"`
	Token   string `json:"token" env:"DISCORD_BOT_TOKEN"`
}

// Default returns the configuration used before file and environment values apply.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: defaultHost},
		Upstream: UpstreamConfig{URL: DefaultUpstreamURL},
	}
}

// LoadConfig resolves config.json when present, applies environment overrides,
// and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load resolves file and environment values without validating them. Commands
// that need only part of the configuration validate that part themselves.
func Load() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := unmarshalStrict(content, cfg); err != nil {
			return nil, fault.ConfigurationFault(fmt.Sprintf("parse config file %s: %v", configPath, err))
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fault.ConfigurationFault(fmt.Sprintf("parse environment: %v", err))
	}

	return cfg, nil
}

// Validate reports the first missing or malformed required setting.
func (c *Config) Validate() error {
	if c == nil {
		return fault.ConfigurationFault("config is required")
	}

	if strings.TrimSpace(c.Server.Host) == "" {
		return fault.ConfigurationFault("server.host is required (set HOST)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fault.ConfigurationFault("server.port must be between 1 and 65535 (set PORT)")
	}
	if len(nonBlank(c.Auth.Tokens)) == 0 {
		return fault.ConfigurationFault("auth.tokens must list at least one token (set VALID_TOKENS)")
	}

	if err := c.Upstream.Validate(); err != nil {
		return err
	}

	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		return fault.ConfigurationFault("channels.telegram.token is required (set TELEGRAM_BOT_TOKEN)")
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		return fault.ConfigurationFault("channels.discord.token is required (set DISCORD_BOT_TOKEN)")
	}

	return nil
}

// ListenAddress returns host:port for the HTTP listener.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(strings.TrimSpace(c.Server.Host), strconv.Itoa(c.Server.Port))
}

// Validate checks the upstream endpoint and pacing settings.
func (u UpstreamConfig) Validate() error {
	if err := validateUpstreamURL(u.URL); err != nil {
		return err
	}
	if u.RatePerSecond < 0 {
		return fault.ConfigurationFault("upstream.rate_per_second must not be negative")
	}
	if u.Burst < 0 {
		return fault.ConfigurationFault("upstream.burst must not be negative")
	}

	return nil
}

func validateUpstreamURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fault.ConfigurationFault("upstream.url is required (set INSPIRATION_URL)")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fault.ConfigurationFault(fmt.Sprintf("upstream.url is invalid: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fault.ConfigurationFault(fmt.Sprintf("upstream.url must use http or https, got %q", parsed.Scheme))
	}
	if parsed.Host == "" {
		return fault.ConfigurationFault("upstream.url must include a host")
	}

	return nil
}

func nonBlank(values []string) []string {
	clean := make([]string, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		clean = append(clean, value)
	}

	return clean
}

func unmarshalStrict(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}

	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("trailing JSON content")
		}
		return err
	}

	return nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is MUSE_CONFIG first, then cwd-local fallback paths. An empty
// path means no file is used and configuration comes from the environment.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fault.ConfigurationFault(fmt.Sprintf("%s does not point to a file: %s", envConfigPath, value))
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
