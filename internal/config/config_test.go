package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "abkit.db" || cfg.Storage.Codec != "json" || cfg.Storage.SaveRetries != 3 {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Experiments.DefaultSampleSize != 100 || cfg.Experiments.DefaultMinRunDays != 7 || cfg.Experiments.DefaultConfidenceLevel != 0.95 {
		t.Fatalf("unexpected experiment defaults: %+v", cfg.Experiments)
	}
	if cfg.Sweeper.Schedule != "@every 1h" || cfg.Metrics.Address != ":9090" {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Sweeper, cfg.Metrics)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("ABKIT_TEST_DSN", "postgres://abkit:secret@db/abkit")
	path := writeConfig(t, "abkit.yaml", `
storage:
  driver: postgres
  dsn: ${ABKIT_TEST_DSN}
  codec: msgpack
experiments:
  default_sample_size: 400
sweeper:
  enabled: true
  schedule: "*/15 * * * *"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DSN != "postgres://abkit:secret@db/abkit" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Storage.Codec != "msgpack" || cfg.Experiments.DefaultSampleSize != 400 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Experiments.DefaultMinRunDays != 7 {
		t.Fatalf("unset fields should keep defaults, got %d", cfg.Experiments.DefaultMinRunDays)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "abkit.yaml", `
storage:
  driver: memory
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad driver", "storage:\n  driver: redis\n", "storage.driver"},
		{"bad codec", "storage:\n  codec: xml\n", "storage.codec"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.dsn"},
		{"bad confidence", "experiments:\n  default_confidence_level: 1.5\n", "default_confidence_level"},
		{"bad schedule", "sweeper:\n  enabled: true\n  schedule: every now and then\n", "sweeper.schedule"},
		{"telegram without token", "notify:\n  telegram:\n    enabled: true\n    chat_id: 42\n", "bot_token"},
		{"future version", "version: 9\n", "newer than this build"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "abkit.yaml", tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q in error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("storage:\n  driver: memory\n  codec: msgpack\nlogging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	root := filepath.Join(dir, "abkit.yaml")
	if err := os.WriteFile(root, []byte("$include: base.yaml\nstorage:\n  codec: json\n"), 0o600); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Storage.Codec != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected merge: %+v %+v", cfg.Storage, cfg.Logging)
	}
}

func TestLoadIncludeForms(t *testing.T) {
	t.Setenv("include", "shadowed")
	t.Setenv("ABKIT_TEST_CODEC", "msgpack")
	tests := []struct {
		name string
		body string
	}{
		{name: "quoted key", body: "\"$include\": base.yaml\nstorage:\n  codec: ${ABKIT_TEST_CODEC}\n"},
		{name: "alias", body: "include: base.yaml\nstorage:\n  codec: $ABKIT_TEST_CODEC\n"},
		{name: "list", body: "$include:\n  - base.yaml\nstorage:\n  codec: ${ABKIT_TEST_CODEC}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("storage:\n  driver: memory\n"), 0o600); err != nil {
				t.Fatalf("write base: %v", err)
			}
			root := filepath.Join(dir, "abkit.yaml")
			if err := os.WriteFile(root, []byte(tt.body), 0o600); err != nil {
				t.Fatalf("write root: %v", err)
			}
			cfg, err := Load(root)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Storage.Driver != "memory" || cfg.Storage.Codec != "msgpack" {
				t.Fatalf("unexpected storage: %+v", cfg.Storage)
			}
		})
	}
}

func TestExpandEnvKeepsIncludeKey(t *testing.T) {
	t.Setenv("ABKIT_TEST_TABLE", "states")
	got := expandEnv("$include: base.yaml\ntable: ${ABKIT_TEST_TABLE}\n")
	want := "$include: base.yaml\ntable: states\n"
	if got != want {
		t.Fatalf("expandEnv() = %q, want %q", got, want)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatalf("write b: %v", err)
	}
	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "abkit.json5", `{
  // trailing commas and comments are allowed
  "storage": {"driver": "memory", "codec": "msgpack",},
  "notify": {"telegram": {"enabled": true, "bot_token": "123:abc", "chat_id": 4242}},
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Codec != "msgpack" || cfg.Notify.Telegram.ChatID != 4242 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := Path(); got != DefaultPath {
		t.Fatalf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv(EnvConfigPath, "/etc/abkit/abkit.yaml")
	if got := Path(); got != "/etc/abkit/abkit.yaml" {
		t.Fatalf("Path() = %q", got)
	}
}

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Fatalf("ValidateVersion(current) error = %v", err)
	}
	var verr *VersionError
	if err := ValidateVersion(CurrentVersion + 1); !errors.As(err, &verr) || verr.Version != CurrentVersion+1 {
		t.Fatalf("expected VersionError, got %v", err)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "examples", "abkit.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Codec != "msgpack" || !cfg.Sweeper.Enabled || !cfg.Metrics.Enabled {
		t.Fatalf("unexpected example config: %+v", cfg)
	}
}
