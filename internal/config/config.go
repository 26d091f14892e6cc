// Package config loads settings for the earlystop commands from an optional
// YAML file and EARLYSTOP_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. EARLYSTOP_MONITOR_PATIENCE.
const EnvPrefix = "EARLYSTOP"

// Config holds all configuration.
type Config struct {
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// MonitorConfig mirrors monitor.Config with directions spelled "low" / "high".
type MonitorConfig struct {
	Target   string         `mapstructure:"target"`
	Patience int            `mapstructure:"patience"`
	Verbose  bool           `mapstructure:"verbose"`
	Delta    float64        `mapstructure:"delta"`
	Metrics  []MetricConfig `mapstructure:"metrics"`
}

// MetricConfig is one monitored metric.
type MetricConfig struct {
	Name      string `mapstructure:"name"`
	Direction string `mapstructure:"direction"`
}

// StoreConfig locates the sqlite checkpoint store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig points at a checkpoint service. An empty Addr disables it.
type RemoteConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig holds Prometheus settings.
type TelemetryConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogConfig selects the log level ("debug", "info", "warn", "error") and
// format ("text", "json").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	def := monitor.DefaultConfig()
	v.SetDefault("monitor.target", "checkpoint.pb")
	v.SetDefault("monitor.patience", def.Patience)
	v.SetDefault("monitor.verbose", def.Verbose)
	v.SetDefault("monitor.delta", def.Delta)
	v.SetDefault("store.path", "earlystop.db")
	v.SetDefault("remote.addr", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("telemetry.listen_addr", ":9464")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Load reads configuration. Precedence, highest first: environment
// variables, the file at path (skipped when path is empty), built-in defaults.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return decode(v)
}

// ToMonitorConfig converts to monitor.Config, parsing each direction.
func (c MonitorConfig) ToMonitorConfig() (monitor.Config, error) {
	out := monitor.Config{
		Target:   c.Target,
		Patience: c.Patience,
		Verbose:  c.Verbose,
		Delta:    c.Delta,
		Metrics:  make([]monitor.MetricDirection, 0, len(c.Metrics)),
	}
	var errs []error
	for _, m := range c.Metrics {
		d, err := monitor.ParseDirection(m.Direction)
		if err != nil {
			errs = append(errs, fmt.Errorf("metric %q: %w", m.Name, err))
			continue
		}
		out.Metrics = append(out.Metrics, monitor.MetricDirection{Name: m.Name, Direction: d})
	}
	if len(errs) > 0 {
		return monitor.Config{}, errors.Join(errs...)
	}
	return out, nil
}
