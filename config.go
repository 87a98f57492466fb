package sessionkit

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultMaxIdleSeconds            = 1800
	defaultScavengingIntervalSeconds = 600
	defaultPersistRetries            = 2
	envPrefix                        = "SESSIONKIT"
)

// Config configures a Manager. The mapstructure tags are the keys accepted
// by LoadConfig.
type Config struct {
	// WorkerName namespaces generated ids ("<hex>.<workerName>"). Required when ClusterEnabled.
	WorkerName string `mapstructure:"workerName"`
	// MaxActiveSessions is a soft cap on sessions held in memory, checked only
	// when creating one. 0 means unlimited.
	MaxActiveSessions int `mapstructure:"maxActiveSessions"`
	// MaxIdleSeconds is the idle budget given to new sessions. 0 selects the
	// default of 30 minutes; a negative value creates sessions that never expire.
	MaxIdleSeconds int `mapstructure:"maxIdleSeconds"`
	// EvictionIdleSeconds is how long a released session stays in memory
	// before the scavenger evicts it. <= 0 disables idle eviction.
	EvictionIdleSeconds int `mapstructure:"evictionIdleSeconds"`
	// EvictOnRelease drops a session from memory as soon as its last holder releases it.
	EvictOnRelease bool `mapstructure:"evictOnRelease"`
	// ScavengingIntervalSeconds is the scavenger period. 0 selects the
	// default of 10 minutes; a negative value disables the background scavenger.
	ScavengingIntervalSeconds int  `mapstructure:"scavengingIntervalSeconds"`
	ClusterEnabled            bool `mapstructure:"clusterEnabled"`
	SaveOnCreate              bool `mapstructure:"saveOnCreate"`
	// RemoveUnloadableSessions deletes records that fail to decode.
	RemoveUnloadableSessions bool `mapstructure:"removeUnloadableSessions"`
	// PersistRetries is the number of extra save attempts on release. 0
	// selects the default; a negative value disables retries.
	PersistRetries int `mapstructure:"persistRetries"`

	FileStore FileStoreConfig `mapstructure:"fileStore"`

	// Store overrides the file store built from FileStore.
	Store     SessionStore      `mapstructure:"-"`
	Logger    *slog.Logger      `mapstructure:"-"`
	Listeners []SessionListener `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.MaxIdleSeconds == 0 {
		c.MaxIdleSeconds = defaultMaxIdleSeconds
	}
	if c.ScavengingIntervalSeconds == 0 {
		c.ScavengingIntervalSeconds = defaultScavengingIntervalSeconds
	}
	if c.PersistRetries == 0 {
		c.PersistRetries = defaultPersistRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate reports configuration that cannot be used safely.
func (c *Config) Validate() error {
	var errs []error
	if c.ClusterEnabled && c.WorkerName == "" {
		errs = append(errs, errors.New("workerName is required when clusterEnabled is set"))
	}
	if c.WorkerName != "" && !isValidWorkerName(c.WorkerName) {
		errs = append(errs, fmt.Errorf("workerName %q must be 1-64 characters of [A-Za-z0-9_-]", c.WorkerName))
	}
	if c.MaxActiveSessions < 0 {
		errs = append(errs, errors.New("maxActiveSessions must not be negative"))
	}
	if c.Store == nil && c.FileStore.StoreDir == "" {
		errs = append(errs, errors.New("fileStore.storeDir is required"))
	}
	if c.FileStore.GracePeriodSeconds < 0 {
		errs = append(errs, errors.New("fileStore.gracePeriodSeconds must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LoadConfig reads a Config from a YAML, JSON or TOML file. Every key can be
// overridden from the environment with the SESSIONKIT_ prefix, nested keys
// joined by '_' (SESSIONKIT_FILESTORE_STOREDIR). An empty path reads the
// environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults register every key so AutomaticEnv can see it during Unmarshal.
	v.SetDefault("workerName", "")
	v.SetDefault("maxActiveSessions", 0)
	v.SetDefault("maxIdleSeconds", defaultMaxIdleSeconds)
	v.SetDefault("evictionIdleSeconds", 0)
	v.SetDefault("evictOnRelease", false)
	v.SetDefault("scavengingIntervalSeconds", defaultScavengingIntervalSeconds)
	v.SetDefault("clusterEnabled", false)
	v.SetDefault("saveOnCreate", false)
	v.SetDefault("removeUnloadableSessions", false)
	v.SetDefault("persistRetries", defaultPersistRetries)
	v.SetDefault("fileStore.storeDir", "")
	v.SetDefault("fileStore.gracePeriodSeconds", 0)
	v.SetDefault("fileStore.deleteUnrestorableFiles", false)
	v.SetDefault("fileStore.strict", false)
	v.SetDefault("fileStore.maxSessionBytes", 0)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
