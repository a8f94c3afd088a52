package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
)

const (
	envPrefix       = "HUBJOBS"
	systemConfig    = "/etc/hubjobs/config.toml"
	projectFileName = "am.toml"
)

// Process-wide settings, built on first use and dropped by Reset
var (
	stateMu      sync.Mutex
	cachedConfig *Config
	cachedViper  *viper.Viper
)

// Load returns the merged configuration: defaults, then config files, then HUBJOBS_* env vars
func Load() (*Config, error) {
	stateMu.Lock()
	defer stateMu.Unlock()
	if cachedConfig != nil {
		return cachedConfig, nil
	}
	cfg, err := decode(mergedViper(), "merged settings")
	if err != nil {
		return nil, err
	}
	cachedConfig = cfg
	return cfg, nil
}

// GetViper exposes the merged settings, for key lookups and edits by the am command
func GetViper() *viper.Viper {
	stateMu.Lock()
	defer stateMu.Unlock()
	return mergedViper()
}

// LoadWithViper decodes v without touching the cached configuration
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return decode(v, "settings")
}

// LoadFromFile reads one TOML file over the defaults. Env vars are not consulted,
// so a reload reflects the file alone.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return decode(v, configPath)
}

// Reset drops the cached configuration; the next Load reads sources again
func Reset() {
	stateMu.Lock()
	cachedConfig = nil
	cachedViper = nil
	stateMu.Unlock()
}

// Get returns one setting by dotted key, e.g. "pulse.workers"
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetDatabasePath resolves the jobs database. DB_PATH wins over config for dev overrides.
func GetDatabasePath() (string, error) {
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		return dbPath, nil
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return cfg.GetDatabasePath(), nil
}

// ConfigPaths lists the config files consulted, lowest precedence first:
// system, user, then the nearest am.toml above the working directory.
// Paths may not exist.
func ConfigPaths() []string {
	paths := []string{systemConfig}
	if user := UserConfigPath(); user != "" {
		paths = append(paths, user)
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

func decode(v *viper.Viper, source string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", source)
	}
	return &cfg, nil
}

// mergedViper builds the cached instance; callers hold stateMu
func mergedViper() *viper.Viper {
	if cachedViper != nil {
		return cachedViper
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)

	for _, path := range ConfigPaths() {
		if err := mergeFile(v, path); err != nil {
			logger.Warnw("Skipping config file", "path", path, logger.FieldError, err)
		}
	}

	cachedViper = v
	return v
}

// mergeFile layers one TOML file over v; a missing file is not an error
func mergeFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("toml")
	if err := file.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(file.AllSettings())
}

// findProjectConfig walks up from the working directory to the first am.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, projectFileName)
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
