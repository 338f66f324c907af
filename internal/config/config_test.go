package config

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Server.Auth = "0123456789abcdef"
	cfg.Database.Key = "database-key"
	return cfg
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_DefaultsNeedSecrets(t *testing.T) {
	err := Validate(Defaults())
	if err == nil {
		t.Fatal("expected defaults without secrets to be invalid")
	}
	for _, want := range []string{"server.auth", "database.key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.General.LogLevel = "loud"
	cfg.Dispatch.Concurrency = 0
	cfg.Dedup.MaxEntries = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	if n := strings.Count(err.Error(), "\n  - "); n != 3 {
		t.Fatalf("expected 3 problems, got %d: %v", n, err)
	}
}

func TestValidate_SecurityLevel(t *testing.T) {
	for _, level := range []string{"encrypted", "unverified"} {
		cfg := validConfig()
		cfg.Conversation.SecurityLevel = level
		if err := Validate(cfg); err != nil {
			t.Fatalf("level %q should be valid: %v", level, err)
		}
	}

	cfg := validConfig()
	cfg.Conversation.SecurityLevel = ""
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "set explicitly") {
		t.Fatalf("expected explicit security level error, got %v", err)
	}

	cfg.Conversation.SecurityLevel = "paranoid"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestValidate_OnNewIdentity(t *testing.T) {
	cfg := validConfig()
	cfg.Protocol.OnNewIdentity = "trust"
	if err := Validate(cfg); err != nil {
		t.Fatalf("trust should be valid: %v", err)
	}
	cfg.Protocol.OnNewIdentity = "ask"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for onNewIdentity=ask")
	}
}

func TestValidate_SyncSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.Schedule = "*/15 * * * *"
	cfg.Sync.IntervalSeconds = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("cron schedule should be valid: %v", err)
	}

	cfg.Sync.Schedule = "every so often"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for bad cron expression")
	}

	cfg.Sync.Schedule = ""
	cfg.Sync.IntervalSeconds = 5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for interval below a minute")
	}
}

func TestValidate_InterpreterURL(t *testing.T) {
	cfg := validConfig()
	cfg.Interpreter.URL = "https://flows.example.com/run"
	if err := Validate(cfg); err != nil {
		t.Fatalf("https url should be valid: %v", err)
	}
	cfg.Interpreter.URL = "flows.example.com"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := validConfig()
	cfg.Server.Bind = "127.0.0.1:4000"
	cfg.Dispatch.SendRetries = 7

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Bind != "127.0.0.1:4000" || loaded.Dispatch.SendRetries != 7 {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_JSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// control plane
		"server": {"auth": "0123456789abcdef", "bind": "/tmp/bitpart.sock",},
		"database": {"key": "database-key"},
		"conversation": {"securityLevel": "unverified"}, /* trailing comma above */
	}`
	os.WriteFile(path, []byte(data), 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != "/tmp/bitpart.sock" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if cfg.Conversation.SecurityLevel != "unverified" {
		t.Errorf("securityLevel = %q", cfg.Conversation.SecurityLevel)
	}
	if cfg.Dispatch.Concurrency != 8 {
		t.Errorf("defaults should fill unset fields, concurrency = %d", cfg.Dispatch.Concurrency)
	}
}

func TestLoad_RequiresExplicitSecurityLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"server": {"auth": "0123456789abcdef"}, "database": {"key": "database-key"}}`), 0o600)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "securityLevel") {
		t.Fatalf("expected security level error, got %v", err)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_BITPART_AUTH", "from-the-environment")
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"server": {"auth": "${TEST_BITPART_AUTH}", "bind": "${TEST_BITPART_BIND:-127.0.0.1:5000}"},
		"database": {"key": "database-key"},
		"conversation": {"securityLevel": "encrypted"}
	}`
	os.WriteFile(path, []byte(data), 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Auth != "from-the-environment" {
		t.Errorf("auth = %q", cfg.Server.Auth)
	}
	if cfg.Server.Bind != "127.0.0.1:5000" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
}

func TestParse_EnvironmentOverlay(t *testing.T) {
	t.Setenv("BITPART_BIND", "0.0.0.0:9000")
	t.Setenv("BITPART_KEY", "key-from-env")
	t.Setenv("BITPART_LOG_LEVEL", "debug")

	cfg, err := Parse([]byte(`{"server": {"bind": "127.0.0.1:1"}, "database": {"key": "file-key"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Bind != "0.0.0.0:9000" {
		t.Errorf("bind = %q, environment should win", cfg.Server.Bind)
	}
	if cfg.Database.Key != "key-from-env" {
		t.Errorf("key = %q", cfg.Database.Key)
	}
	if cfg.General.LogLevel != "debug" {
		t.Errorf("logLevel = %q", cfg.General.LogLevel)
	}
}

func TestParse_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := Parse([]byte(`{"database": {"path": "~/data/bp.db"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Path != filepath.Join(home, "data", "bp.db") {
		t.Errorf("path = %q", cfg.Database.Path)
	}
}

func TestGenerate(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Generate()
	if err := Validate(a); err != nil {
		t.Fatalf("generated config should be valid: %v", err)
	}
	if a.Server.Auth == b.Server.Auth || a.Database.Key == b.Database.Key {
		t.Fatal("generated secrets should differ")
	}
}

// --- accessors ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := validConfig()
	v, err := GetByPath(cfg, "server.bind")
	if err != nil {
		t.Fatal(err)
	}
	if v != "127.0.0.1:3000" {
		t.Errorf("server.bind = %v", v)
	}
	v, err = GetByPath(cfg, "dispatch.concurrency")
	if err != nil {
		t.Fatal(err)
	}
	if v != 8 {
		t.Errorf("dispatch.concurrency = %v (%T)", v, v)
	}
	v, err = GetByPath(cfg, "protocol.keepHistory")
	if err != nil {
		t.Fatal(err)
	}
	if v != true {
		t.Errorf("protocol.keepHistory = %v", v)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	for _, path := range []string{"server.nope", "server", "", "providers.openai.apiKey"} {
		if _, err := GetByPath(validConfig(), path); err == nil {
			t.Errorf("%q: expected error", path)
		}
	}
}

func TestSetByPath_Conversions(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "metrics.enabled", "false"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "dedup.maxEntries", "500"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "protocol.deviceName", "front desk"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "dispatch.sendRatePerSecond", "2.5"); err != nil {
		t.Fatal(err)
	}
	if cfg.Metrics.Enabled || cfg.Dedup.MaxEntries != 500 || cfg.Protocol.DeviceName != "front desk" || cfg.Dispatch.SendRatePerSecond != 2.5 {
		t.Fatalf("values not set: %+v", cfg)
	}
}

func TestSetByPath_RejectsWrongType(t *testing.T) {
	cfg := validConfig()
	tests := []struct{ path, value string }{
		{"dispatch.concurrency", "many"},
		{"metrics.enabled", "maybe"},
		{"dispatch.sendRatePerSecond", "fast"},
		{"server.nope", "x"},
	}
	for _, tt := range tests {
		if err := SetByPath(cfg, tt.path, tt.value); err == nil {
			t.Errorf("%s=%s: expected error", tt.path, tt.value)
		}
	}
	if cfg.Dispatch.Concurrency != 8 || !cfg.Metrics.Enabled {
		t.Errorf("failed sets must not change the config: %+v", cfg)
	}
}

func TestSetByPath_NumericStringStaysText(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "protocol.deviceName", "42"); err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol.DeviceName != "42" {
		t.Errorf("deviceName = %q", cfg.Protocol.DeviceName)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Interpreter.APIKey = "sk-interpreter-key"

	s := Sanitize(cfg)
	if s.Server.Auth == cfg.Server.Auth || !strings.Contains(s.Server.Auth, "****") {
		t.Errorf("auth not masked: %q", s.Server.Auth)
	}
	if s.Database.Key != "***" {
		t.Errorf("key not masked: %q", s.Database.Key)
	}
	if s.Interpreter.APIKey == cfg.Interpreter.APIKey {
		t.Error("api key not masked")
	}
	if cfg.Database.Key != "database-key" {
		t.Error("Sanitize must not modify its input")
	}
	if s.Server.Bind != cfg.Server.Bind {
		t.Error("non-secret values must be kept")
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(validConfig())
	for _, want := range []string{"server.bind", "database.key", "sync.intervalSeconds", "conversation.securityLevel", "protocol.keepHistory"} {
		if _, ok := paths[want]; !ok {
			t.Errorf("missing path %s", want)
		}
	}
}

// jsonLeaves walks the json tags of a struct type and returns the dotted
// path of every non-struct field.
func jsonLeaves(prefix string, typ reflect.Type) []string {
	var out []string
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			out = append(out, jsonLeaves(name, f.Type)...)
			continue
		}
		out = append(out, name)
	}
	return out
}

func TestPaths_CoverEveryConfigField(t *testing.T) {
	want := jsonLeaves("", reflect.TypeOf(Config{}))
	got := Paths()
	slices.Sort(want)
	slices.Sort(got)
	if !slices.Equal(want, got) {
		t.Fatalf("settings table out of sync with Config\nfields:   %v\nsettings: %v", want, got)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("BP_SET", "value")
	t.Setenv("BP_EMPTY", "")
	tests := []struct {
		in, want string
	}{
		{"${BP_SET}", "value"},
		{"${BP_UNSET_VAR:-fallback}", "fallback"},
		{"${BP_SET:-fallback}", "value"},
		{"${BP_EMPTY:-fallback}", "fallback"},
		{"${BP_UNSET_VAR}", "${BP_UNSET_VAR}"},
		{"a ${BP_SET} b ${BP_SET}", "a value b value"},
		{"$BP_SET", "$BP_SET"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
