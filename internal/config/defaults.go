package config

import (
	"crypto/rand"
	"encoding/base64"
)

const (
	MinAuthLength = 16
	MinKeyLength  = 8
)

// Defaults returns a complete config. Secrets are left empty; Generate fills
// them for a new installation.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Bind:               "127.0.0.1:3000",
			ReadTimeoutSeconds: 10,
		},
		Database: DatabaseConfig{
			Path: "~/.bitpart/bitpart.db",
		},
		Protocol: ProtocolConfig{
			OnNewIdentity: "reject",
			DeviceName:    "bitpart",
			KeepHistory:   true,
		},
		Transport: TransportConfig{
			Kind: "loopback",
		},
		Conversation: ConversationConfig{
			SecurityLevel: "encrypted",
		},
		Dedup: DedupConfig{
			WindowSeconds: 86400,
			MaxEntries:    10000,
		},
		Dispatch: DispatchConfig{
			Concurrency:        8,
			SendTimeoutSeconds: 15,
			SendRetries:        3,
			InterpreterRetries: 1,
			SendRatePerSecond:  1,
			SendBurst:          5,
		},
		Sync: SyncConfig{
			IntervalSeconds: 3600,
		},
		Interpreter: InterpreterConfig{
			TimeoutSeconds: 30,
		},
		Bots: BotsConfig{
			Dir: "~/.bitpart/bots",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Generate returns the defaults with fresh random secrets.
func Generate() (*Config, error) {
	cfg := Defaults()
	var err error
	if cfg.Server.Auth, err = RandomSecret(24); err != nil {
		return nil, err
	}
	if cfg.Database.Key, err = RandomSecret(32); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RandomSecret returns n random bytes, URL-safe base64 encoded.
func RandomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
