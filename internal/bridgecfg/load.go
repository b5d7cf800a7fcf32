package bridgecfg

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/qsysbridge/core/internal/errors"
)

const (
	systemConfigPath  = "/etc/qsys-bridge/config.toml"
	userConfigDir     = ".qsys-bridge"
	userConfigFile    = "config.toml"
	projectConfigFile = "bridge.toml"

	configDirPermissions = 0o700
)

// Load resolves configuration from defaults, the system/user/project
// config files, and environment variables, in that precedence order
// (lowest to highest). There is no cached package-level instance: every
// call builds a fresh *Config so tests and concurrent callers never
// observe stale state from an earlier Load.
func Load() (*Config, error) {
	v := newViper()
	return unmarshal(v)
}

// LoadFromFile loads configuration from exactly one file, applying
// defaults but skipping environment and the system/user/project search —
// used by tests and by tools that want a fully explicit config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling configuration")
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("QSYS_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	SetDefaults(v)
	mergeConfigFiles(v)

	return v
}

// findProjectConfig walks up from the working directory looking for
// bridge.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, projectConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges system, user, and project config files into v
// in ascending precedence order, each one overriding keys set by the
// last. Missing files are skipped rather than treated as errors — an
// operator running with only environment variables and defaults is a
// normal, supported configuration.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()
	var userDir string
	if homeDir != "" {
		userDir = filepath.Join(homeDir, userConfigDir)
		_ = os.MkdirAll(userDir, configDirPermissions)
	}

	paths := []string{systemConfigPath}
	if userDir != "" {
		paths = append(paths, filepath.Join(userDir, userConfigFile))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}

	for _, path := range paths {
		mergeOneConfigFile(v, path)
	}
}

func mergeOneConfigFile(v *viper.Viper, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	layer := viper.New()
	layer.SetConfigFile(path)
	layer.SetConfigType("toml")
	if err := layer.ReadInConfig(); err != nil {
		return
	}

	// MergeConfigMap lands the file's keys at viper's config level:
	// above defaults, below environment variables, so an operator's env
	// override always beats any file.
	_ = v.MergeConfigMap(layer.AllSettings())
}
