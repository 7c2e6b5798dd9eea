package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvOpenAIKey, "")
	t.Setenv(EnvDebug, "")
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
  cors_allowed_origins: ["chrome-extension://abc"]
storage:
  database_path: "/tmp/revisit/test.db"
vector:
  duplicate_policy: replace
embedding:
  provider: mock
search:
  default_k: 3
  max_k: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if len(cfg.Server.CORSAllowedOrigins) != 1 || cfg.Server.CORSAllowedOrigins[0] != "chrome-extension://abc" {
		t.Errorf("cors origins: %v", cfg.Server.CORSAllowedOrigins)
	}
	if cfg.Storage.DatabasePath != "/tmp/revisit/test.db" {
		t.Errorf("database_path = %s", cfg.Storage.DatabasePath)
	}
	if cfg.Vector.DuplicatePolicy != "replace" || cfg.Vector.Dimensions != 1536 {
		t.Errorf("vector config: %+v", cfg.Vector)
	}
	if cfg.Search.DefaultK != 3 || cfg.Search.MaxK != 10 {
		t.Errorf("search config: %+v", cfg.Search)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: "./data/db/revisit.db"
  index_dir: "./data/index"
  backup_dir: "/var/backups/revisit"
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "data", "db", "revisit.db"); cfg.Storage.DatabasePath != want {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, want)
	}
	if want := filepath.Join(dir, "data", "index"); cfg.Storage.IndexDir != want {
		t.Errorf("index_dir = %s, want %s", cfg.Storage.IndexDir, want)
	}
	if cfg.Storage.BackupDir != "/var/backups/revisit" {
		t.Errorf("backup_dir = %s", cfg.Storage.BackupDir)
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "server: [", "failed to parse config"},
		{"bad policy", "vector:\n  duplicate_policy: merge\n", "duplicate_policy"},
		{"bad provider", "embedding:\n  provider: onnx\n", "embedding.provider"},
		{"k bounds", "search:\n  default_k: 20\n  max_k: 10\n", "default_k"},
		{"negative dims", "vector:\n  dimensions: -1\n", "dimensions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{EnvOpenAIKey: "sk-env", EnvDebug: "true"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := &Config{}
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.APIKey != "sk-env" || !cfg.Debug {
		t.Errorf("env not applied: key=%q debug=%v", cfg.Embedding.APIKey, cfg.Debug)
	}

	// A key in the file wins over the environment.
	cfg = &Config{Embedding: EmbeddingConfig{APIKey: "sk-file"}}
	_ = ApplyEnv(cfg, lookup)
	if cfg.Embedding.APIKey != "sk-file" {
		t.Errorf("file key overwritten: %q", cfg.Embedding.APIKey)
	}

	env[EnvDebug] = "maybe"
	if err := ApplyEnv(&Config{}, lookup); err == nil {
		t.Error("expected error for invalid debug value")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Host != "localhost" || cfg.Server.Port != 8080 {
		t.Errorf("default server: %+v", cfg.Server)
	}
	if cfg.Embedding.Provider != ProviderOpenAI || cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("default embedding: %+v", cfg.Embedding)
	}
	if cfg.Embedding.MaxInputChars != 1000 || cfg.Ingest.MaxContentChars != 5000 {
		t.Errorf("default clip lengths: input=%d content=%d", cfg.Embedding.MaxInputChars, cfg.Ingest.MaxContentChars)
	}
	if cfg.Search.DefaultK != 5 {
		t.Errorf("default k: got %d", cfg.Search.DefaultK)
	}
	if cfg.Vector.DuplicatePolicy != "append" || cfg.Vector.Dimensions != 1536 {
		t.Errorf("default vector: %+v", cfg.Vector)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := Default()
	cfg.Server.Port = 9090
	cfg.Embedding.APIKey = "sk-secret"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-secret") {
		t.Error("api key written to disk")
	}
	t.Setenv(EnvOpenAIKey, "")
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if cfg.Embedding.APIKey != "sk-secret" {
		t.Error("Save must not modify the caller's config")
	}
}
