// Package config loads and validates the service configuration from a
// YAML file, with DIMM_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
	"github.com/unklstewy/SEEING_MONITOR/internal/controllers"
	"github.com/unklstewy/SEEING_MONITOR/pkg/weather"
)

// Config is the full service configuration.
type Config struct {
	// Controller selects the measurement backend: sim, astelco or soar.
	Controller  string             `mapstructure:"controller"`
	Controllers controllers.Config `mapstructure:"controllers"`
	Weather     WeatherConfig      `mapstructure:"weather"`
	HTTP        HTTPConfig         `mapstructure:"http"`
	Log         LogConfig          `mapstructure:"log"`
}

// WeatherConfig selects and configures the weather telemetry source.
type WeatherConfig struct {
	// Source is "mqtt" for a station bus or "none" when the backend
	// needs no weather data (sim, soar).
	Source string             `mapstructure:"source"`
	MQTT   weather.MQTTConfig `mapstructure:"mqtt"`
}

// HTTPConfig configures the REST surface.
type HTTPConfig struct {
	// Addr is the listen address, e.g. ":8080". Empty disables the API.
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `mapstructure:"development"`
}

// Load reads the configuration file at path, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DIMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("controller", "sim")
	v.SetDefault("weather.source", "none")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("controllers.astelco.topology", "single")
	v.SetDefault("controllers.astelco.master.port", astelco.DefaultPort)
	v.SetDefault("controllers.astelco.meteo.port", astelco.DefaultPort)
	v.SetDefault("controllers.astelco.poll_interval", time.Second)

	v.SetDefault("controllers.sim.avg_seeing", 1.0)
	v.SetDefault("controllers.sim.std_seeing", 0.1)
	v.SetDefault("controllers.sim.chance_failure", 0.0)

	v.SetDefault("controllers.soar.poll_interval", 10*time.Second)
	v.SetDefault("controllers.soar.table", "dimm_seeing")
}

// Validate checks cross-field constraints the backends cannot check for
// themselves.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Controller) {
	case "sim", "astelco", "soar":
	default:
		return fmt.Errorf("controller must be sim, astelco or soar, got %q", c.Controller)
	}

	switch c.Weather.Source {
	case "", "none":
	case "mqtt":
		if c.Weather.MQTT.BrokerURL == "" {
			return fmt.Errorf("weather.mqtt.broker_url is required with the mqtt source")
		}
	default:
		return fmt.Errorf("weather.source must be mqtt or none, got %q", c.Weather.Source)
	}

	if strings.EqualFold(c.Controller, "astelco") {
		a := c.Controllers.Astelco
		if a.Topology != "single" && a.Topology != "dual" {
			return fmt.Errorf("astelco topology must be single or dual, got %q", a.Topology)
		}
		if a.Master.Host == "" {
			return fmt.Errorf("controllers.astelco.master.host is required")
		}
		if a.Topology == "dual" && a.Meteo.Host == "" {
			return fmt.Errorf("controllers.astelco.meteo.host is required with the dual topology")
		}
		if c.Weather.Source == "" || c.Weather.Source == "none" {
			return fmt.Errorf("the astelco controller requires a weather source")
		}
	}

	if strings.EqualFold(c.Controller, "soar") && c.Controllers.Soar.DSN == "" {
		return fmt.Errorf("controllers.soar.dsn is required")
	}
	return nil
}
