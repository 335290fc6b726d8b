// Package config collects the per-subsystem settings every other internal
// package needs, following the same shape as the original implementation's
// Spooler_config: a small struct of typed fields with sane defaults,
// overridable first by an optional on-disk TOML file and then by
// environment variables (highest precedence, as the teacher's CLI tools
// in this corpus resolve runtime settings).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dsroberts/go-tsp/internal/constants"
)

// Config is the full set of knobs a spooler process reads at startup.
type Config struct {
	Store      StoreConfig      `toml:"store"`
	Lock       LockConfig       `toml:"lock"`
	Jitter     JitterConfig     `toml:"jitter"`
	Supervisor SupervisorConfig `toml:"supervisor"`
}

type StoreConfig struct {
	DBPath        string        `toml:"db_path"`
	BusyTimeout   time.Duration `toml:"-"`
	BusyTimeoutMS int64         `toml:"busy_timeout_ms"`
}

type LockConfig struct {
	LockPath string `toml:"lock_path"`
}

type JitterConfig struct {
	BaseSleep   time.Duration `toml:"-"`
	BaseSleepMS int64         `toml:"base_sleep_ms"`
	Amplitude   time.Duration `toml:"-"`
	AmplitudeMS int64         `toml:"amplitude_ms"`
}

type SupervisorConfig struct {
	DisappearOutput bool `toml:"disappear_output"`
	SeparateStderr  bool `toml:"separate_stderr"`
	Binding         bool `toml:"binding"`
	Fork            bool `toml:"do_fork"`
}

// resolveTempDir walks constants.TempDirEnvVars in order, returning the
// first non-empty value, or constants.DefaultTempDir.
func resolveTempDir() string {
	for _, name := range constants.TempDirEnvVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return constants.DefaultTempDir
}

// Default returns the configuration a bare `tsp` invocation uses: database
// and lock file under the resolved temp directory, standard retry tuning,
// forking and binding both enabled.
func Default() Config {
	tmp := resolveTempDir()
	return Config{
		Store: StoreConfig{DBPath: tmp + "/" + constants.DBFileName, BusyTimeout: constants.BusyTimeout},
		Lock:  LockConfig{LockPath: tmp + "/" + constants.LockFileName},
		Jitter: JitterConfig{
			BaseSleep: constants.RetryBaseSleep,
			Amplitude: constants.JitterAmplitude,
		},
		Supervisor: SupervisorConfig{
			Binding: true,
			Fork:    true,
		},
	}
}

// Load builds the effective configuration: defaults, then an optional TOML
// file at tomlPath (skipped entirely if tomlPath is empty or os.Stat fails
// on it; a file that exists but cannot be read or decoded is an error),
// then environment variable overrides.
func Load(tomlPath string) (Config, error) {
	cfg := Default()

	if tomlPath != "" {
		if _, err := os.Stat(tomlPath); err == nil {
			if _, err := toml.DecodeFile(tomlPath, &cfg); err != nil {
				return Config{}, err
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalizeDurations(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TSP_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("TSP_LOCK_PATH"); v != "" {
		cfg.Lock.LockPath = v
	}
	if v := os.Getenv("TSP_BUSY_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Store.BusyTimeoutMS = ms
		}
	}
}

// normalizeDurations reconciles the TOML/env-friendly millisecond fields
// with the time.Duration fields the rest of the codebase actually consumes.
func normalizeDurations(cfg *Config) {
	if cfg.Jitter.BaseSleepMS > 0 {
		cfg.Jitter.BaseSleep = time.Duration(cfg.Jitter.BaseSleepMS) * time.Millisecond
	}
	if cfg.Jitter.AmplitudeMS > 0 {
		cfg.Jitter.Amplitude = time.Duration(cfg.Jitter.AmplitudeMS) * time.Millisecond
	}
	if cfg.Store.BusyTimeoutMS > 0 {
		cfg.Store.BusyTimeout = time.Duration(cfg.Store.BusyTimeoutMS) * time.Millisecond
	}
}
