// Package config loads daemon configuration from defaults, an optional
// config file, APPREAPER_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eliteGoblin/focusd/app_reaper/internal/daemon"
	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/habits"
	"github.com/eliteGoblin/focusd/app_reaper/internal/infra"
	"github.com/eliteGoblin/focusd/app_reaper/internal/policy"
	"github.com/eliteGoblin/focusd/app_reaper/internal/target"
)

// EnvPrefix is prepended to every environment variable, e.g. APPREAPER_DATA_DIR.
const EnvPrefix = "APPREAPER"

// Storage drivers.
const (
	DriverJSON      = "json"
	DriverSQLCipher = "sqlcipher"
)

// Config is the complete daemon configuration.
type Config struct {
	DataDir     string   `mapstructure:"data_dir"`
	Targets     []string `mapstructure:"targets"` // "<app-id>=<pattern>[,<pattern>...]"
	Presets     []string `mapstructure:"presets"` // Built-in target names
	Sticky      []string `mapstructure:"sticky"`  // App ids exempt from kills
	TargetsFile string   `mapstructure:"targets_file"`

	Storage   StorageConfig            `mapstructure:"storage"`
	Log       infra.LogConfig          `mapstructure:"log"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`
	Scheduler daemon.SchedulerConfig   `mapstructure:"scheduler"`
	Policy    policy.Config            `mapstructure:"policy"`
	Habits    habits.Config            `mapstructure:"habits"`
	Pressure  infra.PressureThresholds `mapstructure:"pressure"`
}

// StorageConfig selects the habits backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage:   StorageConfig{Driver: DriverJSON},
		Log:       infra.DefaultLogConfig(),
		Scheduler: daemon.DefaultSchedulerConfig(),
		Policy:    policy.DefaultConfig(),
		Habits:    habits.DefaultConfig(),
		Pressure:  infra.DefaultPressureThresholds(),
	}
}

// flagKeys maps persistent flag names to configuration keys.
var flagKeys = map[string]string{
	"data-dir":     "data_dir",
	"log-level":    "log.level",
	"metrics-addr": "metrics.addr",
	"storage":      "storage.driver",
	"targets-file": "targets_file",
	"target":       "targets",
	"sticky":       "sticky",
	"preset":       "presets",
}

// AddFlags registers the configuration flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("data-dir", "", "directory for habits, key and registry (default depends on uid)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9311")
	fs.String("storage", "", `habits storage driver ("json" or "sqlcipher")`)
	fs.String("targets-file", "", "suppress_apps JSON file with targets and exemptions")
	fs.StringArray("target", nil, "target as <app-id>=<pattern>[,<pattern>...] (repeatable)")
	fs.StringSlice("sticky", nil, "app ids that are observed but never killed")
	fs.StringSlice("preset", nil, "built-in targets to monitor, e.g. wechat")
}

// New returns a viper instance with the environment bound and flags from fs
// (if non-nil) layered on top.
func New(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, val := range flatten(Default()) {
		v.SetDefault(key, val)
	}

	if fs == nil {
		return v, nil
	}
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
	}
	return v, nil
}

// Load reads the config file (if one was set) and decodes everything into
// a Config, filling paths that depend on the effective uid.
func Load(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToFields,
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = infra.DetectPaths().DataDir
	}
	if cfg.TargetsFile != "" && !filepath.IsAbs(cfg.TargetsFile) {
		cfg.TargetsFile = filepath.Join(cfg.DataDir, cfg.TargetsFile)
	}
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverJSON, DriverSQLCipher:
	default:
		return fmt.Errorf("unknown storage driver %q (want %q or %q)", c.Storage.Driver, DriverJSON, DriverSQLCipher)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is empty")
	}
	return nil
}

// TargetSpecs resolves the configured targets: list tokens, presets and the
// targets file, merged by app id. An empty result is ErrNoTargets.
func (c Config) TargetSpecs(presets *target.PresetRegistry) ([]domain.TargetSpec, error) {
	fromList, err := target.ParseList(c.Targets, c.Sticky)
	if err != nil {
		return nil, err
	}

	fromPresets, err := presets.Resolve(c.Presets)
	if err != nil {
		return nil, err
	}

	var fromFile []domain.TargetSpec
	if c.TargetsFile != "" {
		fromFile, err = target.LoadSuppressConfig(c.TargetsFile)
		if err != nil {
			return nil, err
		}
	}

	specs := target.Merge(fromList, fromPresets, fromFile)
	sticky := make(map[string]bool, len(c.Sticky))
	for _, id := range c.Sticky {
		sticky[id] = true
	}
	for i := range specs {
		specs[i].Sticky = specs[i].Sticky || sticky[specs[i].AppID]
	}

	if len(specs) == 0 {
		return nil, domain.ErrNoTargets
	}
	return specs, nil
}

// stringToFields splits list values given as one string (environment
// variables) on whitespace, the separator of the target list grammar.
func stringToFields(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	return strings.Fields(data.(string)), nil
}

// flatten lists every leaf key of cfg with its default value, so viper
// knows about keys that only ever arrive through the environment.
func flatten(cfg Config) map[string]interface{} {
	var tree map[string]interface{}
	if err := mapstructure.Decode(cfg, &tree); err != nil {
		panic(fmt.Sprintf("config: flatten defaults: %v", err))
	}
	out := make(map[string]interface{})
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]interface{}, prefix string, tree map[string]interface{}) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}
