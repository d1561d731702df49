package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no config path is given
const EnvConfigPath = "CLIMATE_CONFIG"

// DatabaseConfig holds all database configuration
type DatabaseConfig struct {
	Driver         string         `yaml:"driver"`
	MySQL          MySQLConfig    `yaml:"mysql"`
	PostgreSQL     PostgresConfig `yaml:"postgres"`
	SQLite         SQLiteConfig   `yaml:"sqlite"`
	ConnectionPool PoolConfig     `yaml:"connection_pool"`
}

// MySQLConfig holds MySQL specific configuration
type MySQLConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	DBName    string `yaml:"dbname"`
	Charset   string `yaml:"charset"`
	ParseTime bool   `yaml:"parse_time"`
	Loc       string `yaml:"loc"`
}

// PostgresConfig holds PostgreSQL specific configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	TimeZone string `yaml:"timezone"`
}

// SQLiteConfig holds SQLite specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MaxIdleConns    int `yaml:"max_idle_conns"`
	MaxOpenConns    int `yaml:"max_open_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime"`
}

// MigrationConfig holds migration specific configuration
type MigrationConfig struct {
	MigrationTable string `yaml:"migration_table"`
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	LogFile      string `yaml:"log_file"`
	LogToConsole bool   `yaml:"log_to_console"`
	LogLevel     string `yaml:"log_level"`
	Format       string `yaml:"format"`
}

// RetryConfig describes an exponential backoff policy.
// MaxAttempts of 0 retries forever, 1 disables retries. Nil means unset and
// takes the policy's default.
type RetryConfig struct {
	MaxAttempts *uint64       `yaml:"max_attempts"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// Limit returns an attempt limit for RetryConfig.MaxAttempts.
func Limit(attempts uint64) *uint64 {
	return &attempts
}

// Attempts returns the configured attempt limit, 0 when unset.
func (r RetryConfig) Attempts() uint64 {
	if r.MaxAttempts == nil {
		return 0
	}
	return *r.MaxAttempts
}

// BrokerConfig holds the MQTT broker connection settings
type BrokerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Protocol       string        `yaml:"protocol"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topics         []string      `yaml:"topics"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectRetry   RetryConfig   `yaml:"connect_retry"`
	SubscribeRetry RetryConfig   `yaml:"subscribe_retry"`
	HandoffBuffer  int           `yaml:"handoff_buffer"`
}

// IngestConfig controls decoding and the in-memory node store
type IngestConfig struct {
	Mode           string        `yaml:"mode"`
	AllowedNodes   []string      `yaml:"allowed_nodes"`
	BufferCapacity int           `yaml:"buffer_capacity"`
	Workers        int           `yaml:"workers"`
	Warmup         time.Duration `yaml:"warmup"`
}

// LivenessConfig controls online/offline evaluation
type LivenessConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

// StorageConfig controls durable log writes
type StorageConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ServerConfig controls the consumer-facing HTTP server
type ServerConfig struct {
	Address      string        `yaml:"address"`
	PushInterval time.Duration `yaml:"push_interval"`
}

// AlertsConfig holds the thresholds readings are classified against.
// An entirely empty block takes the defaults.
type AlertsConfig struct {
	TempLow      float64 `yaml:"temp_low"`
	TempHigh     float64 `yaml:"temp_high"`
	TempVeryHigh float64 `yaml:"temp_very_high"`
	HumLow       float64 `yaml:"hum_low"`
	HumHigh      float64 `yaml:"hum_high"`
}

// Config holds the complete application configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Migration MigrationConfig `yaml:"migration"`
	Logging   LoggingConfig   `yaml:"logging"`
	Broker    BrokerConfig    `yaml:"broker"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// Load loads configuration from the specified YAML file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv(EnvConfigPath)
	}
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills every unset option with its default value
func (c *Config) ApplyDefaults() {
	if c.Logging.LogFile == "" {
		c.Logging.LogFile = "result.log"
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Migration.MigrationTable == "" {
		c.Migration.MigrationTable = "schema_migrations"
	}

	b := &c.Broker
	if b.Port == 0 {
		b.Port = 1883
	}
	if b.Protocol == "" {
		b.Protocol = "v3"
	}
	if b.KeepAlive == 0 {
		b.KeepAlive = 60 * time.Second
	}
	if b.ConnectTimeout == 0 {
		b.ConnectTimeout = 10 * time.Second
	}
	if b.ConnectRetry.MinInterval == 0 {
		b.ConnectRetry.MinInterval = time.Second
	}
	if b.ConnectRetry.MaxInterval == 0 {
		b.ConnectRetry.MaxInterval = 30 * time.Second
	}
	if b.ConnectRetry.MaxAttempts == nil {
		b.ConnectRetry.MaxAttempts = Limit(0)
	}
	if b.SubscribeRetry.MaxAttempts == nil {
		b.SubscribeRetry.MaxAttempts = Limit(1)
	}
	if b.SubscribeRetry.MinInterval == 0 {
		b.SubscribeRetry.MinInterval = time.Second
	}
	if b.SubscribeRetry.MaxInterval == 0 {
		b.SubscribeRetry.MaxInterval = 10 * time.Second
	}
	if b.HandoffBuffer == 0 {
		b.HandoffBuffer = 1024
	}

	if c.Ingest.Mode == "" {
		c.Ingest.Mode = "multi"
	}
	if c.Ingest.BufferCapacity == 0 {
		c.Ingest.BufferCapacity = 50
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 1
	}

	if c.Liveness.Timeout == 0 {
		c.Liveness.Timeout = 30 * time.Second
	}
	if c.Liveness.Interval == 0 {
		c.Liveness.Interval = time.Second
	}

	if c.Storage.WriteTimeout == 0 {
		c.Storage.WriteTimeout = 5 * time.Second
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8051"
	}
	if c.Server.PushInterval == 0 {
		c.Server.PushInterval = time.Second
	}

	if c.Alerts == (AlertsConfig{}) {
		c.Alerts = AlertsConfig{TempLow: 15, TempHigh: 30, TempVeryHigh: 40, HumLow: 30, HumHigh: 70}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.MySQL.Host == "" {
			return fmt.Errorf("mysql host is required")
		}
		if c.Database.MySQL.User == "" {
			return fmt.Errorf("mysql user is required")
		}
		if c.Database.MySQL.DBName == "" {
			return fmt.Errorf("mysql database name is required")
		}
	case "postgres":
		if c.Database.PostgreSQL.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Database.PostgreSQL.User == "" {
			return fmt.Errorf("postgres user is required")
		}
		if c.Database.PostgreSQL.DBName == "" {
			return fmt.Errorf("postgres database name is required")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", c.Logging.LogLevel)
	}

	if err := c.Broker.validate(); err != nil {
		return err
	}

	switch c.Ingest.Mode {
	case "single", "multi":
	default:
		return fmt.Errorf("unsupported ingest mode: %s", c.Ingest.Mode)
	}
	if c.Ingest.BufferCapacity < 1 {
		return fmt.Errorf("ingest buffer capacity must be at least 1")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be at least 1")
	}
	if c.Ingest.Warmup < 0 {
		return fmt.Errorf("ingest warmup must not be negative")
	}

	if c.Liveness.Timeout <= 0 {
		return fmt.Errorf("liveness timeout must be positive")
	}
	if c.Liveness.Interval <= 0 {
		return fmt.Errorf("liveness interval must be positive")
	}

	a := c.Alerts
	if a.TempLow > a.TempHigh || a.TempHigh > a.TempVeryHigh {
		return fmt.Errorf("alert temperature thresholds must satisfy temp_low <= temp_high <= temp_very_high")
	}
	if a.HumLow > a.HumHigh {
		return fmt.Errorf("alert humidity thresholds must satisfy hum_low <= hum_high")
	}

	return nil
}

func (b *BrokerConfig) validate() error {
	if b.Host == "" {
		return fmt.Errorf("broker host is required")
	}
	switch b.Protocol {
	case "v3", "v5":
	default:
		return fmt.Errorf("unsupported broker protocol: %s", b.Protocol)
	}
	if b.QoS > 2 {
		return fmt.Errorf("broker qos must be 0, 1 or 2")
	}
	if len(b.Topics) == 0 {
		return fmt.Errorf("at least one broker topic is required")
	}
	for _, topic := range b.Topics {
		if err := ValidateTopicFilter(topic); err != nil {
			return err
		}
	}
	if b.HandoffBuffer < 1 {
		return fmt.Errorf("broker handoff buffer must be at least 1")
	}
	return nil
}

// ValidateTopicFilter checks MQTT wildcard placement rules for a topic filter
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("invalid topic filter %q: '#' must be the last level", filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("invalid topic filter %q: '+' must occupy a whole level", filter)
		}
	}
	return nil
}

// BrokerAddress returns host:port of the configured broker
func (c *Config) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", c.Broker.Host, c.Broker.Port)
}

// GetDSN returns the database connection string based on the configured driver
func (c *Config) GetDSN() string {
	switch c.Database.Driver {
	case "mysql":
		mysql := c.Database.MySQL
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
			mysql.User, mysql.Password, mysql.Host, mysql.Port, mysql.DBName,
			mysql.Charset, mysql.ParseTime, mysql.Loc)
		return dsn
	case "postgres":
		pg := c.Database.PostgreSQL
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			pg.Host, pg.Port, pg.User, pg.Password, pg.DBName, pg.SSLMode, pg.TimeZone)
		return dsn
	case "sqlite":
		return c.Database.SQLite.Path
	default:
		return ""
	}
}
