package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
)

// Config is the root configuration for Bitpart.
type Config struct {
	General      GeneralConfig      `json:"general"`
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Protocol     ProtocolConfig     `json:"protocol"`
	Transport    TransportConfig    `json:"transport"`
	Conversation ConversationConfig `json:"conversation"`
	Dedup        DedupConfig        `json:"dedup"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Sync         SyncConfig         `json:"sync"`
	Interpreter  InterpreterConfig  `json:"interpreter"`
	Bots         BotsConfig         `json:"bots"`
	Metrics      MetricsConfig      `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" env:"BITPART_LOG_LEVEL"`
	LogFile  string `json:"logFile,omitempty"`
}

type ServerConfig struct {
	// Bind is a TCP host:port or a unix socket path.
	Bind               string `json:"bind" env:"BITPART_BIND"`
	Auth               string `json:"auth" env:"BITPART_AUTH"`
	ReadTimeoutSeconds int    `json:"readTimeoutSeconds"`
}

type DatabaseConfig struct {
	Path string `json:"path" env:"BITPART_DATABASE"`
	// Key encrypts protocol state and memories. It must not change for an
	// existing database.
	Key string `json:"key" env:"BITPART_KEY"`
}

type ProtocolConfig struct {
	// OnNewIdentity is "trust" or "reject": what to do when a known
	// contact's identity key changes.
	OnNewIdentity string `json:"onNewIdentity"`
	DeviceName    string `json:"deviceName"`
	// KeepHistory stores sent and received messages in the sealed
	// content store.
	KeepHistory bool `json:"keepHistory"`
}

type TransportConfig struct {
	Kind string `json:"kind"`
}

type ConversationConfig struct {
	// SecurityLevel must be set explicitly: "encrypted" or "unverified".
	SecurityLevel string `json:"securityLevel"`
	TTLSeconds    int    `json:"ttlSeconds"`
}

type DedupConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxEntries    int `json:"maxEntries"`
}

type DispatchConfig struct {
	Concurrency        int     `json:"concurrency"`
	SendTimeoutSeconds int     `json:"sendTimeoutSeconds"`
	SendRetries        int     `json:"sendRetries"`
	InterpreterRetries int     `json:"interpreterRetries"`
	SendRatePerSecond  float64 `json:"sendRatePerSecond"`
	SendBurst          int     `json:"sendBurst"`
}

type SyncConfig struct {
	IntervalSeconds int `json:"intervalSeconds"`
	// Schedule is a cron expression; it takes precedence over the interval.
	Schedule string `json:"schedule,omitempty"`
}

type InterpreterConfig struct {
	// URL of the flow interpreter. Empty runs the built-in echo interpreter.
	URL            string `json:"url,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	APIKey         string `json:"apiKey,omitempty"`
}

type BotsConfig struct {
	Dir string `json:"dir,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c ServerConfig) ReadTimeout() time.Duration { return seconds(c.ReadTimeoutSeconds) }
func (c ConversationConfig) TTL() time.Duration { return seconds(c.TTLSeconds) }
func (c DedupConfig) Window() time.Duration { return seconds(c.WindowSeconds) }
func (c DispatchConfig) SendTimeout() time.Duration { return seconds(c.SendTimeoutSeconds) }
func (c SyncConfig) Interval() time.Duration { return seconds(c.IntervalSeconds) }
func (c InterpreterConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// DefaultConfigDir returns the default config directory (~/.bitpart).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bitpart"
	}
	return filepath.Join(home, ".bitpart")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSONC config file, expands ${VAR} references, applies the
// BITPART_* environment overlay and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for tools that inspect or edit a config.
func Read(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config data over the defaults and applies the environment
// overlay.
func Parse(data []byte) (*Config, error) {
	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = jsonc.ToJSON([]byte(ExpandEnvVars(string(data))))

	cfg := Defaults()
	// The security level has no implicit default; the file must state it.
	cfg.Conversation.SecurityLevel = ""
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment overlay: %w", err)
	}
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Bots.Dir = ExpandPath(cfg.Bots.Dir)
	if !strings.Contains(cfg.Server.Bind, ":") {
		cfg.Server.Bind = ExpandPath(cfg.Server.Bind)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
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

// Save writes cfg as indented JSON. The file holds secrets and is created
// owner-readable only.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Validate checks that the config has valid values and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Bind == "" {
		errs = append(errs, "server.bind is required")
	}
	if len(cfg.Server.Auth) < MinAuthLength {
		errs = append(errs, fmt.Sprintf("server.auth must be at least %d characters", MinAuthLength))
	}
	if cfg.Server.ReadTimeoutSeconds < 1 {
		errs = append(errs, "server.readTimeoutSeconds must be >= 1")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if len(cfg.Database.Key) < MinKeyLength {
		errs = append(errs, fmt.Sprintf("database.key must be at least %d characters", MinKeyLength))
	}

	switch cfg.Protocol.OnNewIdentity {
	case "trust", "reject":
	default:
		errs = append(errs, "protocol.onNewIdentity must be one of: trust, reject")
	}
	if cfg.Transport.Kind == "" {
		errs = append(errs, "transport.kind is required")
	}

	switch cfg.Conversation.SecurityLevel {
	case "encrypted", "unverified":
	case "":
		errs = append(errs, "conversation.securityLevel must be set explicitly (encrypted or unverified)")
	default:
		errs = append(errs, "conversation.securityLevel must be one of: encrypted, unverified")
	}
	if cfg.Conversation.TTLSeconds < 0 {
		errs = append(errs, "conversation.ttlSeconds must be >= 0")
	}

	if cfg.Dedup.WindowSeconds < 1 {
		errs = append(errs, "dedup.windowSeconds must be >= 1")
	}
	if cfg.Dedup.MaxEntries < 1 {
		errs = append(errs, "dedup.maxEntries must be >= 1")
	}

	if cfg.Dispatch.Concurrency < 1 || cfg.Dispatch.Concurrency > 256 {
		errs = append(errs, "dispatch.concurrency must be between 1 and 256")
	}
	if cfg.Dispatch.SendTimeoutSeconds < 1 {
		errs = append(errs, "dispatch.sendTimeoutSeconds must be >= 1")
	}
	if cfg.Dispatch.SendRetries < 0 || cfg.Dispatch.InterpreterRetries < 0 {
		errs = append(errs, "dispatch retries must be >= 0")
	}
	if cfg.Dispatch.SendRatePerSecond <= 0 || cfg.Dispatch.SendBurst < 1 {
		errs = append(errs, "dispatch.sendRatePerSecond must be > 0 and dispatch.sendBurst >= 1")
	}

	if cfg.Sync.Schedule != "" {
		if !gronx.New().IsValid(cfg.Sync.Schedule) {
			errs = append(errs, fmt.Sprintf("sync.schedule is not a valid cron expression: %q", cfg.Sync.Schedule))
		}
	} else if cfg.Sync.IntervalSeconds < 60 {
		errs = append(errs, "sync.intervalSeconds must be >= 60")
	}

	if cfg.Interpreter.URL != "" && !strings.HasPrefix(cfg.Interpreter.URL, "http://") && !strings.HasPrefix(cfg.Interpreter.URL, "https://") {
		errs = append(errs, "interpreter.url must be an http(s) URL")
	}
	if cfg.Interpreter.TimeoutSeconds < 1 {
		errs = append(errs, "interpreter.timeoutSeconds must be >= 1")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
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
