// Package config loads service configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppName                       string `mapstructure:"APP_NAME"`
	Port                          int    `mapstructure:"PORT"`
	LogLevel                      string `mapstructure:"LOG_LEVEL"`
	PrettyLogs                    bool   `mapstructure:"PRETTY_LOGS"`
	// LogFile enables a rotating file sink next to stdout
	LogFile                       string `mapstructure:"LOG_FILE"`
	HttpServerWriteTimeoutSeconds int    `mapstructure:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS"`
	HttpServerReadTimeoutSeconds  int    `mapstructure:"HTTP_SERVER_READ_TIMEOUT_SECONDS"`
	HttpServerIdleTimeoutSeconds  int    `mapstructure:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS"`
	StartupMaxAttempts            int    `mapstructure:"STARTUP_MAX_ATTEMPTS"`
	AllowOrigins                  string `mapstructure:"HTTP_SERVER_ALLOW_ORIGINS"`

	// Database
	DatabaseHost                string        `mapstructure:"DB_HOST"`
	DatabasePort                string        `mapstructure:"DB_PORT"`
	DatabaseUserName            string        `mapstructure:"DB_USER_NAME"`
	DatabasePassword            string        `mapstructure:"DB_PASSWORD"`
	DatabaseName                string        `mapstructure:"DB_NAME"`
	DatabaseSSLMode             string        `mapstructure:"DB_SSL_MODE"`
	DatabaseMaxOpenConns        int           `mapstructure:"DB_MAX_OPEN_CONNS"`
	DatabaseMaxIdleConns        int           `mapstructure:"DB_MAX_IDLE_CONNS"`
	DatabaseConnMaxLifetime     time.Duration `mapstructure:"DB_CONN_MAX_LIFETIME"`
	DatabaseMigrationFolderPath string        `mapstructure:"DB_MIGRATION_FOLDER_PATH"`
	DatabaseMigrationVersion    uint          `mapstructure:"DB_MIGRATION_VERSION"`
	DatabaseMigrationForce      int           `mapstructure:"DB_MIGRATION_FORCE"`

	// Auth. When disabled the workspace comes from the X-Workspace-ID header.
	AuthEnabled   bool   `mapstructure:"AUTH_ENABLED"`
	AuthIssuerURL string `mapstructure:"AUTH_ISSUER_URL"`
	AuthClientID  string `mapstructure:"AUTH_CLIENT_ID"`

	// Redis
	RedisHost     string `mapstructure:"REDIS_HOST"`
	RedisPort     int    `mapstructure:"REDIS_PORT"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Kafka brokers (comma-separated); empty disables event publishing
	KafkaBrokers         string `mapstructure:"KAFKA_BROKERS"`
	KafkaSyncEventsTopic string `mapstructure:"KAFKA_SYNC_EVENTS_TOPIC"`
	KafkaConsumerGroup   string `mapstructure:"KAFKA_CONSUMER_GROUP"`

	// Tracing
	OTLPEnabled  bool   `mapstructure:"OTLP_ENABLED"`
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	OTLPProtocol string `mapstructure:"OTLP_PROTOCOL"`
	OTLPInsecure bool   `mapstructure:"OTLP_INSECURE"`

	// Credential vault. The current key encrypts new records; retired keys are
	// "version:key" pairs, comma-separated, kept for decrypting older records.
	CredentialsEncryptionKey string `mapstructure:"CREDENTIALS_ENCRYPTION_KEY"`
	CredentialsKeyVersion    int    `mapstructure:"CREDENTIALS_KEY_VERSION"`
	CredentialsRetiredKeys   string `mapstructure:"CREDENTIALS_RETIRED_KEYS"`

	// Sync
	SyncLockTTL                time.Duration `mapstructure:"SYNC_LOCK_TTL"`
	ConnectorTimeoutAdsA       time.Duration `mapstructure:"CONNECTOR_TIMEOUT_ADS_A"`
	ConnectorTimeoutAdsB       time.Duration `mapstructure:"CONNECTOR_TIMEOUT_ADS_B"`
	ConnectorTimeoutAnalyticsC time.Duration `mapstructure:"CONNECTOR_TIMEOUT_ANALYTICS_C"`
	ConnectorMaxRetries        int           `mapstructure:"CONNECTOR_MAX_RETRIES"`
	AdsABaseURL                string        `mapstructure:"ADS_A_BASE_URL"`
	AdsAPageDelay              time.Duration `mapstructure:"ADS_A_PAGE_DELAY"`
	AdsBBaseURL                string        `mapstructure:"ADS_B_BASE_URL"`
	AdsBTokenURL               string        `mapstructure:"ADS_B_TOKEN_URL"`
	AnalyticsCBaseURL          string        `mapstructure:"ANALYTICS_C_BASE_URL"`
	AnalyticsCTokenURL         string        `mapstructure:"ANALYTICS_C_TOKEN_URL"`

	// Scheduler
	SchedulerEnabled       bool          `mapstructure:"SCHEDULER_ENABLED"`
	RecommendationInterval time.Duration `mapstructure:"RECOMMENDATION_INTERVAL"`

	// Insights collaborator; empty URL reports insights as unavailable
	InsightsURL     string        `mapstructure:"INSIGHTS_URL"`
	InsightsTimeout time.Duration `mapstructure:"INSIGHTS_TIMEOUT"`
}

var defaults = map[string]any{
	"APP_NAME":                          "fern-api",
	"PORT":                              3000,
	"LOG_LEVEL":                         "info",
	"PRETTY_LOGS":                       false,
	"LOG_FILE":                          "",
	"HTTP_SERVER_WRITE_TIMEOUT_SECONDS": 30,
	"HTTP_SERVER_READ_TIMEOUT_SECONDS":  10,
	"HTTP_SERVER_IDLE_TIMEOUT_SECONDS":  60,
	"STARTUP_MAX_ATTEMPTS":              5,
	"HTTP_SERVER_ALLOW_ORIGINS":         "*",

	"DB_HOST":                  "localhost",
	"DB_PORT":                  "5432",
	"DB_USER_NAME":             "",
	"DB_PASSWORD":              "",
	"DB_NAME":                  "fern",
	"DB_SSL_MODE":              "disable",
	"DB_MAX_OPEN_CONNS":        25,
	"DB_MAX_IDLE_CONNS":        10,
	"DB_CONN_MAX_LIFETIME":     "5m",
	"DB_MIGRATION_FOLDER_PATH": "db/pg",
	"DB_MIGRATION_VERSION":     0,
	"DB_MIGRATION_FORCE":       0,

	"AUTH_ENABLED":    false,
	"AUTH_ISSUER_URL": "",
	"AUTH_CLIENT_ID":  "",

	"REDIS_HOST":     "localhost",
	"REDIS_PORT":     6379,
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"KAFKA_BROKERS":           "",
	"KAFKA_SYNC_EVENTS_TOPIC": "sync-events",
	"KAFKA_CONSUMER_GROUP":    "fern-recommendations",

	"OTLP_ENABLED":  false,
	"OTLP_ENDPOINT": "localhost:4317",
	"OTLP_PROTOCOL": "grpc",
	"OTLP_INSECURE": true,

	"CREDENTIALS_ENCRYPTION_KEY": "",
	"CREDENTIALS_KEY_VERSION":    1,
	"CREDENTIALS_RETIRED_KEYS":   "",

	"SYNC_LOCK_TTL":                 "15m",
	"CONNECTOR_TIMEOUT_ADS_A":       "5m",
	"CONNECTOR_TIMEOUT_ADS_B":       "5m",
	"CONNECTOR_TIMEOUT_ANALYTICS_C": "2m",
	"CONNECTOR_MAX_RETRIES":         3,
	"ADS_A_BASE_URL":                "",
	"ADS_A_PAGE_DELAY":              "200ms",
	"ADS_B_BASE_URL":                "",
	"ADS_B_TOKEN_URL":               "",
	"ANALYTICS_C_BASE_URL":          "",
	"ANALYTICS_C_TOKEN_URL":         "",

	"SCHEDULER_ENABLED":       true,
	"RECOMMENDATION_INTERVAL": "1h",

	"INSIGHTS_URL":     "",
	"INSIGHTS_TIMEOUT": "20s",
}

// Load reads envFiles (default .env; missing files are ignored) into the environment,
// then builds and validates Config from it. Environment variables win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		_ = godotenv.Load(file)
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 {
		return errors.New("config: PORT must be set")
	}
	if c.CredentialsEncryptionKey == "" {
		return errors.New("config: CREDENTIALS_ENCRYPTION_KEY must be set")
	}
	if c.CredentialsKeyVersion <= 0 {
		return errors.New("config: CREDENTIALS_KEY_VERSION must be positive")
	}
	if c.AuthEnabled && (c.AuthIssuerURL == "" || c.AuthClientID == "") {
		return errors.New("config: AUTH_ISSUER_URL and AUTH_CLIENT_ID must be set when AUTH_ENABLED=true")
	}
	if c.SyncLockTTL <= 0 {
		return errors.New("config: SYNC_LOCK_TTL must be positive")
	}
	if floor := c.maxConnectorTimeout() + lockCommitMargin; c.SyncLockTTL <= floor {
		return fmt.Errorf("config: SYNC_LOCK_TTL (%s) must exceed the longest connector timeout plus %s (%s)", c.SyncLockTTL, lockCommitMargin, floor)
	}
	if c.RecommendationInterval <= 0 {
		return errors.New("config: RECOMMENDATION_INTERVAL must be positive")
	}
	return nil
}

// lockCommitMargin covers the work done after a fetch returns, while the run still holds its lock
const lockCommitMargin = time.Minute

func (c *Config) maxConnectorTimeout() time.Duration {
	return max(c.ConnectorTimeoutAdsA, c.ConnectorTimeoutAdsB, c.ConnectorTimeoutAnalyticsC)
}

// KafkaBrokerList returns broker addresses from the comma-separated KAFKA_BROKERS
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// AllowOriginList returns the CORS origins
func (c *Config) AllowOriginList() []string {
	return splitList(c.AllowOrigins)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
