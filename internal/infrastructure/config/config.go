package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the Omlet cloud connection.
const (
	// DefaultOmletBaseURL is the Omlet Smart Coop public API endpoint.
	DefaultOmletBaseURL = "https://x107.omlet.co.uk/api/v1"

	// DefaultPollInterval is the cadence of background refreshes (seconds).
	DefaultPollInterval = 30

	// DefaultRequestTimeout bounds every call to the Omlet API (seconds).
	DefaultRequestTimeout = 10
)

// Config is the root configuration structure for the coop bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Omlet     OmletConfig     `yaml:"omlet"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// OmletConfig contains the Omlet Smart Coop cloud API settings.
type OmletConfig struct {
	// APIToken is the personal API key issued by the Omlet app.
	// Prefer COOPBRIDGE_OMLET_API_TOKEN over writing it to the file.
	APIToken string `yaml:"api_token"`

	// BaseURL is the API root. Default: DefaultOmletBaseURL.
	BaseURL string `yaml:"base_url"`

	// PollInterval is how often devices are fetched while anything listens (seconds).
	PollInterval int `yaml:"poll_interval"`

	// RequestTimeout bounds each list or action call (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// String returns a representation with the token redacted.
func (o OmletConfig) String() string {
	token := ""
	if o.APIToken != "" {
		token = "[REDACTED]"
	}
	return fmt.Sprintf("{APIToken:%s BaseURL:%s PollInterval:%d RequestTimeout:%d}",
		token, o.BaseURL, o.PollInterval, o.RequestTimeout)
}

// BridgeConfig contains MQTT bridge identity and reporting settings.
type BridgeConfig struct {
	// ID identifies this bridge in health messages. Default: "omlet".
	ID string `yaml:"id"`

	// TopicPrefix is the root of every published topic. Default: "graylogic".
	TopicPrefix string `yaml:"topic_prefix"`

	// HealthInterval is how often to publish health status (seconds).
	HealthInterval int `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays bounds the state history table. 0 keeps
	// everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// HistoryRetention returns the retention window, or 0 when unbounded.
func (d DatabaseConfig) HistoryRetention() time.Duration {
	return time.Duration(d.HistoryRetentionDays) * 24 * time.Hour
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	// Enabled mounts /metrics on the API server.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name. Default: "coopbridge".
	Namespace string `yaml:"namespace"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // stdout, stderr or file
	File   string `yaml:"file"`   // used when output is "file"
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads the YAML file at path over the built-in defaults, applies
// COOPBRIDGE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Omlet: OmletConfig{
			BaseURL:        DefaultOmletBaseURL,
			PollInterval:   DefaultPollInterval,
			RequestTimeout: DefaultRequestTimeout,
		},
		Bridge: BridgeConfig{
			ID:             "omlet",
			TopicPrefix:    "graylogic",
			HealthInterval: 30,
		},
		Database: DatabaseConfig{
			Path:        "./data/coopbridge.db",
			WALMode:     true,
			BusyTimeout: 5,

			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "coopbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "coopbridge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateOmlet()...)

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.TopicPrefix == "" || strings.ContainsAny(c.Bridge.TopicPrefix, "+#") {
		errs = append(errs, "bridge.topic_prefix must be non-empty and contain no wildcards")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetentionDays < 0 {
		errs = append(errs, "database.history_retention_days must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// The API can open the coop door, so it is never served unauthenticated.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set COOPBRIDGE_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Logging.Output == "file" && c.Logging.File == "" {
		errs = append(errs, "logging.file is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateOmlet checks the upstream API settings.
func (c *Config) validateOmlet() []string {
	var errs []string
	if c.Omlet.APIToken == "" {
		errs = append(errs, "omlet.api_token is required (set COOPBRIDGE_OMLET_API_TOKEN)")
	}
	if c.Omlet.BaseURL == "" {
		errs = append(errs, "omlet.base_url is required")
	}
	if c.Omlet.PollInterval < 1 {
		errs = append(errs, "omlet.poll_interval must be at least 1 second")
	}
	if c.Omlet.RequestTimeout < 1 {
		errs = append(errs, "omlet.request_timeout must be at least 1 second")
	} else if c.Omlet.PollInterval >= 1 && c.Omlet.RequestTimeout > c.Omlet.PollInterval {
		errs = append(errs, "omlet.request_timeout must not exceed omlet.poll_interval")
	}
	return errs
}

// GetPollInterval returns the coordinator cadence as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Omlet.PollInterval) * time.Second
}

// GetRequestTimeout returns the per-call Omlet API bound as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Omlet.RequestTimeout) * time.Second
}

// GetHealthInterval returns the bridge health publishing interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	if c.Bridge.HealthInterval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
