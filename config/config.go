// Package config loads frame analyzer settings from defaults, an optional
// YAML file and FRAME_ANALYZER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "FRAME_ANALYZER"

// Config holds every tunable of the analyzer
type Config struct {
	// ObjectPath overrides the probe object embedded in the binary.
	ObjectPath     string        `mapstructure:"object_path"`
	Library        string        `mapstructure:"library"`
	Symbols        []string      `mapstructure:"symbols"`
	RingBufferSize uint32        `mapstructure:"ring_buffer_size"`
	EventBuffer    int           `mapstructure:"event_buffer"`
	SymbolCache    int           `mapstructure:"symbol_cache"`
	TargetFPS      int           `mapstructure:"target_fps"`
	WindowSize     int           `mapstructure:"window_size"`
	DataDir        string        `mapstructure:"data_dir"`
	Record         bool          `mapstructure:"record"`
	RulesDir       string        `mapstructure:"rules_dir"`
	Listen         string        `mapstructure:"listen"`
	PruneInterval  time.Duration `mapstructure:"prune_interval"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	LogLevel       string        `mapstructure:"log_level"`
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("object_path", "")
	v.SetDefault("library", "")
	v.SetDefault("symbols", []string{})
	v.SetDefault("ring_buffer_size", 256*1024)
	v.SetDefault("event_buffer", 4096)
	v.SetDefault("symbol_cache", 64)
	v.SetDefault("target_fps", 60)
	v.SetDefault("window_size", 120)
	v.SetDefault("data_dir", "data")
	v.SetDefault("record", false)
	v.SetDefault("rules_dir", "")
	v.SetDefault("listen", "")
	v.SetDefault("prune_interval", 2*time.Second)
	v.SetDefault("flush_interval", time.Second)
	v.SetDefault("log_level", "info")
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configPath, if not empty, on top of v and decodes the result
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the analyzer cannot run with
func (c *Config) Validate() error {
	var errs []error
	// ring buffer size must be a power of two multiple of the page size
	if c.RingBufferSize != 0 && (c.RingBufferSize&(c.RingBufferSize-1) != 0 || c.RingBufferSize < 4096) {
		errs = append(errs, fmt.Errorf("ring_buffer_size %d is not a power of two >= 4096", c.RingBufferSize))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer))
	}
	if c.TargetFPS <= 0 {
		errs = append(errs, fmt.Errorf("target_fps must be positive, got %d", c.TargetFPS))
	}
	if c.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("window_size must be positive, got %d", c.WindowSize))
	}
	if c.PruneInterval <= 0 {
		errs = append(errs, fmt.Errorf("prune_interval must be positive, got %s", c.PruneInterval))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
