// Package config loads the supervisor daemon's static configuration from
// defaults, a config file, and environment variables, in that increasing
// order of priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the supervisor daemon needs at startup. Per-run
// policy thresholds live on types.Run instead, since those are per-run and
// supplied at submission time, not process-wide.
type Config struct {
	StateDir            string        `mapstructure:"state_dir"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	WorkerPoolSize      int           `mapstructure:"worker_pool_size"`
	SchedulerTimeout    time.Duration `mapstructure:"scheduler_timeout"`
	LogLevel            string        `mapstructure:"log_level"`
	LogJSON             bool          `mapstructure:"log_json"`
	MetricsAddr         string        `mapstructure:"metrics_addr"`
	SbatchBin           string        `mapstructure:"sbatch_bin"`
	SqueueBin           string        `mapstructure:"squeue_bin"`
	SacctBin            string        `mapstructure:"sacct_bin"`
	ScancelBin          string        `mapstructure:"scancel_bin"`
}

// Load reads configuration from defaults, a config file (if present at
// path), and environment variables prefixed SHEPHERD_, in that
// increasing priority order.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("state_dir", "")
	v.SetDefault("tick_interval", "5s")
	v.SetDefault("worker_pool_size", 8)
	v.SetDefault("scheduler_timeout", "15s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("metrics_addr", "127.0.0.1:9120")
	v.SetDefault("sbatch_bin", "sbatch")
	v.SetDefault("squeue_bin", "squeue")
	v.SetDefault("sacct_bin", "sacct")
	v.SetDefault("scancel_bin", "scancel")

	v.SetConfigName("shepherd")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SHEPHERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// SHEPHERD_STATE_DIR is the one override every deployment sets;
	// bind it explicitly since "state_dir" -> "STATE_DIR" already matches
	// AutomaticEnv's key replacement, this just makes the contract visible.
	_ = v.BindEnv("state_dir", "SHEPHERD_STATE_DIR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.StateDir == "" {
		return errors.New("configuration 'state_dir' (or SHEPHERD_STATE_DIR) is required")
	}
	if cfg.WorkerPoolSize <= 0 {
		return errors.New("configuration 'worker_pool_size' must be positive")
	}
	if cfg.TickInterval <= 0 {
		return errors.New("configuration 'tick_interval' must be positive")
	}
	return nil
}
