package config

import (
	"fmt"
	"strconv"
)

// envPrefix starts every environment override.
const envPrefix = "COOPBRIDGE_"

// envVar binds one environment variable to a configuration field.
type envVar struct {
	name  string
	apply func(cfg *Config, value string) error
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(cfg) = n
		return nil
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		*field(cfg) = b
		return nil
	}
}

// envVars lists every supported override, without envPrefix.
var envVars = []envVar{
	{"OMLET_API_TOKEN", setString(func(c *Config) *string { return &c.Omlet.APIToken })},
	{"OMLET_BASE_URL", setString(func(c *Config) *string { return &c.Omlet.BaseURL })},
	{"OMLET_POLL_INTERVAL", setInt(func(c *Config) *int { return &c.Omlet.PollInterval })},
	{"OMLET_REQUEST_TIMEOUT", setInt(func(c *Config) *int { return &c.Omlet.RequestTimeout })},

	{"DATABASE_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
	{"DATABASE_HISTORY_RETENTION_DAYS", setInt(func(c *Config) *int { return &c.Database.HistoryRetentionDays })},

	{"MQTT_ENABLED", setBool(func(c *Config) *bool { return &c.MQTT.Enabled })},
	{"MQTT_HOST", setString(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"MQTT_PORT", setInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"MQTT_USERNAME", setString(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"MQTT_PASSWORD", setString(func(c *Config) *string { return &c.MQTT.Auth.Password })},

	{"API_HOST", setString(func(c *Config) *string { return &c.API.Host })},
	{"API_PORT", setInt(func(c *Config) *int { return &c.API.Port })},

	{"INFLUXDB_ENABLED", setBool(func(c *Config) *bool { return &c.InfluxDB.Enabled })},
	{"INFLUXDB_URL", setString(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"INFLUXDB_TOKEN", setString(func(c *Config) *string { return &c.InfluxDB.Token })},

	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
	{"JWT_SECRET", setString(func(c *Config) *string { return &c.Security.JWT.Secret })},
}

// applyEnvOverrides copies every non-empty COOPBRIDGE_* variable found by
// lookup into cfg. A malformed number or boolean is an error naming the
// variable.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(envPrefix + ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, ev.name, err)
		}
	}
	return nil
}
