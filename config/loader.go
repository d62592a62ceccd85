package config

//go:generate errtrace -w .

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"braces.dev/errtrace"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "SIPCHAT"
	envConfigDefaultPath = "SIPCHAT_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "sipchat.yaml"
)

// Load builds the configuration from defaults, the config file and SIPCHAT_* environment variables,
// in increasing precedence, and returns the resolved file path.
// A missing config file is created with the defaults.
// Nested keys map to variables with dots replaced by underscores, e.g. SIPCHAT_CHAT_CPIM.
func Load(logger *slog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if err := setDefaults(v, cfg); err != nil {
		return cfg, "", errtrace.Wrap(err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := resolveConfigPath(explicitPath)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return cfg, path, errtrace.Wrap(fmt.Errorf("read config: %w", err))
		}
		if werr := writeDefaultConfig(path, cfg); werr != nil {
			logAttrs(logger, slog.LevelWarn, "failed to write default config", slog.String("path", path), slog.Any("error", werr))
		} else {
			logAttrs(logger, slog.LevelInfo, "created default config", slog.String("path", path))
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, path, errtrace.Wrap(fmt.Errorf("unmarshal config: %w", err))
	}
	return cfg, path, nil
}

// setDefaults registers every key of cfg, so that environment variables override keys
// absent from the config file too.
func setDefaults(v *viper.Viper, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("encode defaults: %w", err))
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return errtrace.Wrap(fmt.Errorf("decode defaults: %w", err))
	}
	walkKeys("", tree, v.SetDefault)
	return nil
}

func walkKeys(prefix string, tree map[string]any, set func(key string, val any)) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok && len(sub) > 0 {
			walkKeys(key, sub, set)
			continue
		}
		set(key, val)
	}
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errtrace.Wrap(err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(os.WriteFile(path, data, 0o600))
}

func logAttrs(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	logger.LogAttrs(context.Background(), level, msg, attrs...)
}
