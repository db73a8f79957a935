package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for wabridge.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Browser  BrowserConfig  `json:"browser"`
	Bridge   BridgeConfig   `json:"bridge"`
	Channels ChannelsConfig `json:"channels"`
	Journal  JournalConfig  `json:"journal"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`          // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty"` // optional, appended to alongside stderr
}

// BrowserConfig says how to reach Chrome. With RemoteURL set the bridge
// attaches to a running browser started with --remote-debugging-port;
// otherwise it launches one with ProfileDir.
type BrowserConfig struct {
	RemoteURL   string `json:"remoteUrl,omitempty"` // e.g. http://127.0.0.1:9222
	ProfileDir  string `json:"profileDir"`
	Headless    bool   `json:"headless"`
	WhatsAppURL string `json:"whatsappUrl"`
}

// BridgeConfig tunes the injection itself.
type BridgeConfig struct {
	PollIntervalMs        int    `json:"pollIntervalMs"`
	PollAttempts          int    `json:"pollAttempts"`
	SettleDelayMs         int    `json:"settleDelayMs"`
	AllowAutoSend         bool   `json:"allowAutoSend"`
	ProfilePath           string `json:"profilePath,omitempty"` // selector profile YAML
	MaxImageBytes         int64  `json:"maxImageBytes"`
	ImageTimeoutSeconds   int    `json:"imageTimeoutSeconds"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds"`
	AttachRetrySeconds    int    `json:"attachRetrySeconds"`
	RatePerMinute         int    `json:"ratePerMinute"` // insertions across all channels; 0 disables
	RateBurst             int    `json:"rateBurst"`
}

func (b BridgeConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

func (b BridgeConfig) SettleDelay() time.Duration {
	return time.Duration(b.SettleDelayMs) * time.Millisecond
}

func (b BridgeConfig) ImageTimeout() time.Duration {
	return time.Duration(b.ImageTimeoutSeconds) * time.Second
}

func (b BridgeConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutSeconds) * time.Second
}

func (b BridgeConfig) AttachRetry() time.Duration {
	return time.Duration(b.AttachRetrySeconds) * time.Second
}

type ChannelsConfig struct {
	HTTP      HTTPConfig      `json:"http"`
	WebSocket WebSocketConfig `json:"websocket"`
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`
	Slack     SlackConfig     `json:"slack"`
}

type HTTPConfig struct {
	Enabled bool     `json:"enabled"`
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Auth    HTTPAuth `json:"auth"`
}

type HTTPAuth struct {
	Enabled      bool   `json:"enabled"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"` // hex SHA-256
}

type WebSocketConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Path           string   `json:"path"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"` // empty = same origin; chrome-extension://<id> for the side panel
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

type DiscordConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	GuildID   string         `json:"guildId"` // empty = every guild and DMs
	AllowFrom FlexStringList `json:"allowFrom"`
}

// SlackConfig runs the bot over Socket Mode, so it needs both the bot
// token (xoxb-) and an app-level token (xapp-).
type SlackConfig struct {
	Enabled   bool           `json:"enabled"`
	BotToken  string         `json:"botToken"`
	AppToken  string         `json:"appToken"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfigDir returns the default config directory (~/.wabridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ExpandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ExpandPaths resolves a leading ~ in every path setting.
func ExpandPaths(cfg *Config) {
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)
	cfg.Bridge.ProfilePath = ExpandPath(cfg.Bridge.ProfilePath)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if !strings.HasPrefix(cfg.Browser.WhatsAppURL, "https://") && !strings.HasPrefix(cfg.Browser.WhatsAppURL, "http://") {
		errs = append(errs, "browser.whatsappUrl must be an http(s) URL")
	}
	if cfg.Browser.RemoteURL != "" &&
		!strings.HasPrefix(cfg.Browser.RemoteURL, "http://") &&
		!strings.HasPrefix(cfg.Browser.RemoteURL, "ws://") {
		errs = append(errs, "browser.remoteUrl must start with http:// or ws://")
	}

	b := cfg.Bridge
	if b.PollIntervalMs < 10 || b.PollIntervalMs > 10000 {
		errs = append(errs, "bridge.pollIntervalMs must be between 10 and 10000")
	}
	if b.PollAttempts < 1 || b.PollAttempts > 1000 {
		errs = append(errs, "bridge.pollAttempts must be between 1 and 1000")
	}
	if b.SettleDelayMs < 0 || b.SettleDelayMs > 30000 {
		errs = append(errs, "bridge.settleDelayMs must be between 0 and 30000")
	}
	if b.MaxImageBytes < 1 {
		errs = append(errs, "bridge.maxImageBytes must be >= 1")
	}
	if b.ImageTimeoutSeconds < 1 {
		errs = append(errs, "bridge.imageTimeoutSeconds must be >= 1")
	}
	if b.RequestTimeoutSeconds < 1 {
		errs = append(errs, "bridge.requestTimeoutSeconds must be >= 1")
	}
	if b.AttachRetrySeconds < 1 {
		errs = append(errs, "bridge.attachRetrySeconds must be >= 1")
	}
	if b.RatePerMinute < 0 || b.RateBurst < 0 {
		errs = append(errs, "bridge.ratePerMinute and bridge.rateBurst must be >= 0")
	}

	if cfg.Channels.HTTP.Port < 0 || cfg.Channels.HTTP.Port > 65535 {
		errs = append(errs, "channels.http.port must be between 0 and 65535")
	}
	if cfg.Channels.WebSocket.Port < 0 || cfg.Channels.WebSocket.Port > 65535 {
		errs = append(errs, "channels.websocket.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if s := cfg.Channels.Slack; s.Enabled {
		if !strings.HasPrefix(s.BotToken, "xoxb-") {
			errs = append(errs, "channels.slack.botToken must be a bot token (xoxb-...)")
		}
		if !strings.HasPrefix(s.AppToken, "xapp-") {
			errs = append(errs, "channels.slack.appToken must be an app-level token (xapp-...) for socket mode")
		}
	}
	if cfg.Channels.HTTP.Auth.Enabled && (cfg.Channels.HTTP.Auth.Username == "" || cfg.Channels.HTTP.Auth.PasswordHash == "") {
		errs = append(errs, "channels.http.auth needs username and passwordHash when enabled")
	}

	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when the journal is enabled")
	}
	if cfg.Journal.RetentionDays < 1 {
		errs = append(errs, "journal.retentionDays must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
