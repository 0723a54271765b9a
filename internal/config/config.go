// Package config loads engine settings from defaults, an optional config
// file and SNAPGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliteGoblin/focusd/snapguard/internal/cooldown"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/snapshot"
)

// StateDirName is the per-workspace directory holding engine state.
const StateDirName = ".snapguard"

// EnvPrefix prefixes every environment override, e.g. SNAPGUARD_STORE_BACKEND.
const EnvPrefix = "SNAPGUARD"

// Storage backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config is the resolved engine configuration.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Store     StoreConfig     `mapstructure:"store"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Cooldown  CooldownConfig  `mapstructure:"cooldown"`
	Retention RetentionConfig `mapstructure:"retention"`
	Session   SessionConfig   `mapstructure:"session"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

type StoreConfig struct {
	Dir         string `mapstructure:"dir"`
	Backend     string `mapstructure:"backend"`
	Compression string `mapstructure:"compression"`
	MinFreeMB   int64  `mapstructure:"min_free_mb"`
}

type PolicyConfig struct {
	File string `mapstructure:"file"`
}

type CooldownConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Default  time.Duration `mapstructure:"default"`
	Block    time.Duration `mapstructure:"block"`
}

type RetentionConfig struct {
	MaxSnapshots int           `mapstructure:"max_snapshots"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	PreserveTags []string      `mapstructure:"preserve_tags"`
	Interval     time.Duration `mapstructure:"interval"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	KeyDir  string `mapstructure:"key_dir"`
}

// RiskConfig names the external assessor consulted for block-level files.
// An empty command disables assessment.
type RiskConfig struct {
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	File string `mapstructure:"file"`
}

// New returns a viper instance with every default set and environment
// overrides enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("workspace.root", ".")
	v.SetDefault("store.dir", "")
	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.compression", "zstd")
	v.SetDefault("store.min_free_mb", 64)
	v.SetDefault("policy.file", "")
	v.SetDefault("cooldown.debounce", cooldown.DefaultDebounce)
	v.SetDefault("cooldown.default", cooldown.DefaultCooldown)
	v.SetDefault("cooldown.block", cooldown.DefaultBlockCooldown)
	v.SetDefault("retention.max_snapshots", 500)
	v.SetDefault("retention.max_age", 30*24*time.Hour)
	v.SetDefault("retention.preserve_tags", []string{"important"})
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("session.idle_timeout", 15*time.Minute)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", "")
	v.SetDefault("audit.key_dir", "")
	v.SetDefault("risk.command", "")
	v.SetDefault("risk.timeout", 10*time.Second)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.file", "")
	return v
}

// Load reads the config file (explicit path, or config.yaml in the user
// config dir when present) and returns the resolved configuration.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := UserConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolve makes the workspace root absolute and fills derived paths.
func (c *Config) resolve() error {
	root, err := filepath.Abs(c.Workspace.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	c.Workspace.Root = root
	state := c.StateDir()

	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(state, "store")
	}
	if c.Policy.File == "" {
		c.Policy.File = filepath.Join(state, "policy.yaml")
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = state
	}
	if c.Audit.KeyDir == "" {
		if dir, err := UserConfigDir(); err == nil {
			c.Audit.KeyDir = dir
		} else {
			c.Audit.KeyDir = state
		}
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(state, "snapguard.log")
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendBadger, BackendSQLite:
	default:
		return fmt.Errorf("store.backend: unknown backend %q (want file, badger or sqlite)", c.Store.Backend)
	}
	if _, err := snapshot.ParseCompression(c.Store.Compression); err != nil {
		return fmt.Errorf("store.compression: %w", err)
	}
	if c.Store.MinFreeMB < 0 {
		return errors.New("store.min_free_mb must not be negative")
	}
	if c.Cooldown.Debounce < 0 || c.Cooldown.Default < 0 || c.Cooldown.Block < 0 {
		return errors.New("cooldown windows must not be negative")
	}
	if c.Retention.MaxSnapshots < 0 || c.Retention.MaxAge < 0 || c.Retention.Interval < 0 {
		return errors.New("retention bounds must not be negative")
	}
	if c.Risk.Timeout < 0 {
		return errors.New("risk.timeout must not be negative")
	}
	if c.Session.IdleTimeout < 0 {
		return errors.New("session.idle_timeout must not be negative")
	}
	return nil
}

// StateDir is <workspace>/.snapguard.
func (c Config) StateDir() string {
	return filepath.Join(c.Workspace.Root, StateDirName)
}

// CooldownSettings converts to the cooldown service settings.
func (c Config) CooldownSettings() cooldown.Config {
	return cooldown.Config{Debounce: c.Cooldown.Debounce, Cooldown: c.Cooldown.Default, BlockCooldown: c.Cooldown.Block}
}

// RetentionPolicy converts to the snapshot retention bounds.
func (c Config) RetentionPolicy() domain.RetentionPolicy {
	return domain.RetentionPolicy{
		MaxSnapshots: c.Retention.MaxSnapshots,
		MaxAge:       c.Retention.MaxAge,
		PreserveTags: append([]string(nil), c.Retention.PreserveTags...),
	}
}

// Compression returns the parsed blob compression.
func (c Config) Compression() snapshot.Compression {
	comp, _ := snapshot.ParseCompression(c.Store.Compression)
	return comp
}

// MinFreeBytes returns the free-space reserve in bytes.
func (c Config) MinFreeBytes() int64 {
	return c.Store.MinFreeMB << 20
}

// UserConfigDir returns ~/.config/snapguard.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "snapguard"), nil
}
