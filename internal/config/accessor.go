package config

import (
	"fmt"
	"slices"
	"strconv"
)

// setting is one addressable config leaf. mask is set for secrets and
// decides what a sanitized view shows.
type setting struct {
	path string
	get  func(*Config) any
	set  func(*Config, string) error
	mask func(string) string
}

func text(path string, field func(*Config) *string) setting {
	return setting{
		path: path,
		get:  func(c *Config) any { return *field(c) },
		set:  func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func secret(path string, mask func(string) string, field func(*Config) *string) setting {
	s := text(path, field)
	s.mask = mask
	return s
}

func integer(path string, field func(*Config) *int) setting {
	return setting{
		path: path,
		get:  func(c *Config) any { return *field(c) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", path, v)
			}
			*field(c) = n
			return nil
		},
	}
}

func decimal(path string, field func(*Config) *float64) setting {
	return setting{
		path: path,
		get:  func(c *Config) any { return *field(c) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %q is not a number", path, v)
			}
			*field(c) = f
			return nil
		},
	}
}

func flag(path string, field func(*Config) *bool) setting {
	return setting{
		path: path,
		get:  func(c *Config) any { return *field(c) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not a boolean", path, v)
			}
			*field(c) = b
			return nil
		},
	}
}

var settings = []setting{
	text("general.logLevel", func(c *Config) *string { return &c.General.LogLevel }),
	text("general.logFile", func(c *Config) *string { return &c.General.LogFile }),

	text("server.bind", func(c *Config) *string { return &c.Server.Bind }),
	secret("server.auth", maskString, func(c *Config) *string { return &c.Server.Auth }),
	integer("server.readTimeoutSeconds", func(c *Config) *int { return &c.Server.ReadTimeoutSeconds }),

	text("database.path", func(c *Config) *string { return &c.Database.Path }),
	secret("database.key", hide, func(c *Config) *string { return &c.Database.Key }),

	text("protocol.onNewIdentity", func(c *Config) *string { return &c.Protocol.OnNewIdentity }),
	text("protocol.deviceName", func(c *Config) *string { return &c.Protocol.DeviceName }),
	flag("protocol.keepHistory", func(c *Config) *bool { return &c.Protocol.KeepHistory }),

	text("transport.kind", func(c *Config) *string { return &c.Transport.Kind }),

	text("conversation.securityLevel", func(c *Config) *string { return &c.Conversation.SecurityLevel }),
	integer("conversation.ttlSeconds", func(c *Config) *int { return &c.Conversation.TTLSeconds }),

	integer("dedup.windowSeconds", func(c *Config) *int { return &c.Dedup.WindowSeconds }),
	integer("dedup.maxEntries", func(c *Config) *int { return &c.Dedup.MaxEntries }),

	integer("dispatch.concurrency", func(c *Config) *int { return &c.Dispatch.Concurrency }),
	integer("dispatch.sendTimeoutSeconds", func(c *Config) *int { return &c.Dispatch.SendTimeoutSeconds }),
	integer("dispatch.sendRetries", func(c *Config) *int { return &c.Dispatch.SendRetries }),
	integer("dispatch.interpreterRetries", func(c *Config) *int { return &c.Dispatch.InterpreterRetries }),
	decimal("dispatch.sendRatePerSecond", func(c *Config) *float64 { return &c.Dispatch.SendRatePerSecond }),
	integer("dispatch.sendBurst", func(c *Config) *int { return &c.Dispatch.SendBurst }),

	integer("sync.intervalSeconds", func(c *Config) *int { return &c.Sync.IntervalSeconds }),
	text("sync.schedule", func(c *Config) *string { return &c.Sync.Schedule }),

	text("interpreter.url", func(c *Config) *string { return &c.Interpreter.URL }),
	integer("interpreter.timeoutSeconds", func(c *Config) *int { return &c.Interpreter.TimeoutSeconds }),
	secret("interpreter.apiKey", maskString, func(c *Config) *string { return &c.Interpreter.APIKey }),

	text("bots.dir", func(c *Config) *string { return &c.Bots.Dir }),

	flag("metrics.enabled", func(c *Config) *bool { return &c.Metrics.Enabled }),
	text("metrics.path", func(c *Config) *string { return &c.Metrics.Path }),
}

func lookup(path string) (setting, error) {
	i := slices.IndexFunc(settings, func(s setting) bool { return s.path == path })
	if i < 0 {
		return setting{}, fmt.Errorf("unknown config key: %s", path)
	}
	return settings[i], nil
}

// GetByPath returns the value at a dot-notation path such as "server.bind".
func GetByPath(cfg *Config, path string) (any, error) {
	s, err := lookup(path)
	if err != nil {
		return nil, err
	}
	return s.get(cfg), nil
}

// SetByPath parses value for the setting at path and stores it in cfg.
// The result is not validated.
func SetByPath(cfg *Config, path, value string) error {
	s, err := lookup(path)
	if err != nil {
		return err
	}
	return s.set(cfg, value)
}

// Paths lists every settable key in declaration order.
func Paths() []string {
	out := make([]string, len(settings))
	for i, s := range settings {
		out[i] = s.path
	}
	return out
}

// ListPaths returns every setting with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any, len(settings))
	for _, s := range settings {
		out[s.path] = s.get(cfg)
	}
	return out
}

// Sanitize returns a copy of cfg with secrets masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	for _, s := range settings {
		if s.mask == nil {
			continue
		}
		if v := s.get(&out).(string); v != "" {
			_ = s.set(&out, s.mask(v))
		}
	}
	return &out
}

func hide(string) string { return "***" }

// maskString shows the first and last four characters of longer secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
