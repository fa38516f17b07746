package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.MaxIterations != 3 {
		t.Errorf("expected default max iterations 3, got %d", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.DefaultTemplate != "cae-preprocessing" {
		t.Errorf("expected default template cae-preprocessing, got %s", cfg.Engine.DefaultTemplate)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Checkpoints.DefaultTimeout != 24*time.Hour {
		t.Errorf("expected checkpoint timeout 24h, got %v", cfg.Checkpoints.DefaultTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero max iterations",
			modify:  func(c *Config) { c.Engine.MaxIterations = 0 },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Storage.Backend = "redis" },
			wantErr: true,
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Storage.Backend = BackendPostgres },
			wantErr: true,
		},
		{
			name: "postgres with dsn",
			modify: func(c *Config) {
				c.Storage.Backend = BackendPostgres
				c.Storage.DSN = "postgres://localhost/simflow"
			},
			wantErr: false,
		},
		{
			name:    "sqlite without path",
			modify:  func(c *Config) { c.Storage.Backend = BackendSQLite; c.Storage.SQLitePath = "" },
			wantErr: true,
		},
		{
			name:    "events without nats url",
			modify:  func(c *Config) { c.NATS.PublishEvents = true; c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "zero checkpoint timeout",
			modify:  func(c *Config) { c.Checkpoints.DefaultTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero check interval",
			modify:  func(c *Config) { c.Checkpoints.CheckInterval = 0 },
			wantErr: true,
		},
		{
			name:    "missing listen addr",
			modify:  func(c *Config) { c.API.ListenAddr = "" },
			wantErr: true,
		},
		{
			name:    "unknown agent mode",
			modify:  func(c *Config) { c.Agents.Mode = "oracle" },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Agents.Temperature = 1.1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
engine:
  max_iterations: 5
  stage_timeout: 90s
storage:
  backend: postgres
  dsn: "postgres://sim:sim@db:5432/simflow"
checkpoints:
  default_timeout: 2h
templates:
  glob: "pipelines/**/*.yaml"
  watch: false
agents:
  mode: static
model_registry: models.yaml
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Engine.MaxIterations != 5 {
		t.Errorf("expected max iterations 5, got %d", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.StageTimeout != 90*time.Second {
		t.Errorf("expected stage timeout 90s, got %v", cfg.Engine.StageTimeout)
	}
	if cfg.Storage.Backend != BackendPostgres {
		t.Errorf("expected postgres backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Checkpoints.DefaultTimeout != 2*time.Hour {
		t.Errorf("expected checkpoint timeout 2h, got %v", cfg.Checkpoints.DefaultTimeout)
	}
	if cfg.Checkpoints.CheckInterval != time.Minute {
		t.Errorf("expected default check interval to survive, got %v", cfg.Checkpoints.CheckInterval)
	}
	if cfg.Templates.Watch {
		t.Error("expected watch disabled")
	}
	if cfg.Agents.Mode != AgentsStatic {
		t.Errorf("expected static agents, got %s", cfg.Agents.Mode)
	}
	if cfg.ModelRegistry != "models.yaml" {
		t.Errorf("expected model registry models.yaml, got %s", cfg.ModelRegistry)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Engine: EngineConfig{
			DefaultTemplate: "geometry-mesh",
		},
		Storage: StorageConfig{
			Backend:    BackendSQLite,
			SQLitePath: "/var/lib/simflow.db",
		},
		NATS: NATSConfig{
			PublishEvents: true,
		},
	}

	base.Merge(override)

	if base.Engine.DefaultTemplate != "geometry-mesh" {
		t.Errorf("expected template geometry-mesh, got %s", base.Engine.DefaultTemplate)
	}
	// MaxIterations should remain from base since override didn't set it
	if base.Engine.MaxIterations != 3 {
		t.Errorf("expected max iterations to remain default, got %d", base.Engine.MaxIterations)
	}
	if base.Storage.Backend != BackendSQLite || base.Storage.SQLitePath != "/var/lib/simflow.db" {
		t.Errorf("expected sqlite storage, got %+v", base.Storage)
	}
	if !base.NATS.PublishEvents {
		t.Error("expected events enabled")
	}
	if base.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected NATS URL to remain default, got %s", base.NATS.URL)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Engine.DefaultTemplate = "cae-reviewed"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Engine.DefaultTemplate != "cae-reviewed" {
		t.Errorf("expected template cae-reviewed, got %s", loaded.Engine.DefaultTemplate)
	}
	if loaded.Checkpoints.DefaultTimeout != 24*time.Hour {
		t.Errorf("expected checkpoint timeout 24h, got %v", loaded.Checkpoints.DefaultTimeout)
	}
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoader_Layers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	work := filepath.Join(project, "cases", "bracket")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}

	writeConfig(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
engine:
  max_iterations: 4
agents:
  temperature: 0.4
`)
	writeConfig(t, filepath.Join(project, ProjectConfigFile), `
engine:
  max_iterations: 6
storage:
  backend: sqlite
  sqlite_path: project.db
templates:
  watch: false
`)
	explicit := filepath.Join(t.TempDir(), "override.yaml")
	writeConfig(t, explicit, `
api:
  listen_addr: ":9090"
`)

	t.Setenv("SIMFLOW_STORAGE_SQLITE_PATH", "/data/env.db")
	t.Setenv("SIMFLOW_CHECKPOINTS_DEFAULT_TIMEOUT", "45m")
	t.Setenv("SIMFLOW_API_METRICS_ENABLED", "false")

	l := NewLoader(nil).WithFile(explicit)
	l.homeDir = home
	l.workDir = work

	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agents.Temperature != 0.4 {
		t.Errorf("expected user temperature 0.4, got %v", cfg.Agents.Temperature)
	}
	if cfg.Engine.MaxIterations != 6 {
		t.Errorf("expected project max iterations 6, got %d", cfg.Engine.MaxIterations)
	}
	if cfg.Templates.Watch {
		t.Error("expected project to disable watch")
	}
	if cfg.API.ListenAddr != ":9090" {
		t.Errorf("expected explicit listen addr :9090, got %s", cfg.API.ListenAddr)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.SQLitePath != "/data/env.db" {
		t.Errorf("expected env sqlite path, got %s", cfg.Storage.SQLitePath)
	}
	if cfg.Checkpoints.DefaultTimeout != 45*time.Minute {
		t.Errorf("expected env checkpoint timeout 45m, got %v", cfg.Checkpoints.DefaultTimeout)
	}
	if cfg.API.MetricsEnabled {
		t.Error("expected env to disable metrics")
	}
	if !cfg.API.TracingEnabled {
		t.Error("expected tracing to keep its default")
	}
}

func TestLoader_InvalidResult(t *testing.T) {
	l := NewLoader(nil)
	l.homeDir = t.TempDir()
	l.workDir = t.TempDir()
	t.Setenv("SIMFLOW_STORAGE_BACKEND", "postgres")

	if _, err := l.Load(); err == nil {
		t.Error("expected validation error for postgres without dsn")
	}
}

func TestLoader_MissingExplicitFile(t *testing.T) {
	l := NewLoader(nil).WithFile(filepath.Join(t.TempDir(), "missing.yaml"))
	l.homeDir = t.TempDir()
	l.workDir = t.TempDir()

	if _, err := l.Load(); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	l := NewLoader(nil)
	l.homeDir = t.TempDir()

	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected user config at %s: %v", path, err)
	}
}
