package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "simflow.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/simflow"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes environment overrides, e.g. SIMFLOW_STORAGE_BACKEND
	EnvPrefix = "SIMFLOW"
)

// envKeys are the settings that can be overridden from the environment.
var envKeys = []string{
	"engine.max_iterations",
	"engine.stage_timeout",
	"engine.default_template",
	"storage.backend",
	"storage.dsn",
	"storage.sqlite_path",
	"nats.url",
	"nats.subject_prefix",
	"nats.publish_events",
	"nats.embedded",
	"checkpoints.default_timeout",
	"checkpoints.check_interval",
	"api.listen_addr",
	"api.metrics_enabled",
	"api.tracing_enabled",
	"templates.glob",
	"templates.watch",
	"agents.mode",
	"agents.temperature",
	"agents.max_tokens",
	"model_registry",
}

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	file    string
	homeDir string
	workDir string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// WithFile adds an explicit config file, applied after the project config.
// Unlike the other files it must exist.
func (l *Loader) WithFile(path string) *Loader {
	l.file = path
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/simflow/config.yaml)
// 3. Project config (simflow.yaml in current or parent directories)
// 4. Explicit config file
// 5. Environment variables (SIMFLOW_<SECTION>_<KEY>)
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if err := overlayFile(config, userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if err := overlayFile(config, projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if l.file != "" {
		if err := overlayFile(config, l.file); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", l.file))
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// overlayFile decodes a YAML file over config. Keys absent from the file
// keep their current values.
func overlayFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays SIMFLOW_* environment variables through viper.
func applyEnv(config *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for simflow.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	dir := l.workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
