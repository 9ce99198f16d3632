// internal/common/config/config.go
package config

import (
	"fmt"
	"net/url"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Server        ServerConfig            `mapstructure:"server"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Auth          AuthConfig              `mapstructure:"auth"`
	Storage       StorageConfig           `mapstructure:"storage"`
	Tokens        TokenConfig             `mapstructure:"tokens"`
	Delivery      DeliveryConfig          `mapstructure:"delivery"`
	Entitlement   EntitlementConfig       `mapstructure:"entitlement"`
	Audit         AuditConfig             `mapstructure:"audit"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Observability ObservabilityConfig     `mapstructure:"observability"`
	Logging       LoggingConfig           `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig controls the public HTTP listener.
type ServerConfig struct {
	Address         string   `mapstructure:"address"`
	ReadTimeout     int      `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int      `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"` // milliseconds
	RequestTimeout  int      `mapstructure:"request_timeout"`  // milliseconds
	MaxBodyBytes    int64    `mapstructure:"max_body_bytes"`
	InternalSecret  string   `mapstructure:"internal_secret"`
	TrustedProxies  []string `mapstructure:"trusted_proxies"` // CIDRs or addresses allowed to set X-Forwarded-For
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Driver        string              `mapstructure:"driver"` // postgres | sqlite
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	SQLite        SQLiteConfig        `mapstructure:"sqlite"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=entitlement-delivery connect_timeout=5",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// SQLiteConfig configures the embedded single-node store.
type SQLiteConfig struct {
	Path        string `mapstructure:"path"`
	BusyTimeout int    `mapstructure:"busy_timeout"` // milliseconds
}

// GetDSN returns the modernc sqlite DSN with WAL, foreign keys and a busy timeout.
func (s SQLiteConfig) GetDSN() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.BusyTimeout))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	return fmt.Sprintf("file:%s?%s", s.Path, q.Encode())
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"` // Single URL for backwards compatibility
}

// GetAddresses returns the configured addresses, falling back to URL.
func (e ElasticsearchConfig) GetAddresses() []string {
	if len(e.Addresses) > 0 {
		return e.Addresses
	}
	if e.URL != "" {
		return []string{e.URL}
	}
	return nil
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// WorkerConfig holds the core settings applicable to every job worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// AuthConfig selects how the calling principal is resolved.
type AuthConfig struct {
	Mode       string `mapstructure:"mode"` // keycloak | header
	HeaderName string `mapstructure:"header_name"`

	Keycloak struct {
		URL          string `mapstructure:"url"`
		Realm        string `mapstructure:"realm"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		CacheTTL     int    `mapstructure:"cache_ttl"` // milliseconds
	} `mapstructure:"keycloak"`
}

// StorageConfig points at the blob store holding deliverable files.
type StorageConfig struct {
	S3 struct {
		Bucket       string `mapstructure:"bucket"`
		Region       string `mapstructure:"region"`
		Endpoint     string `mapstructure:"endpoint"`
		UsePathStyle bool   `mapstructure:"use_path_style"`
		KeyPrefix    string `mapstructure:"key_prefix"`
	} `mapstructure:"s3"`
}

// TokenConfig holds download token issuance settings.
type TokenConfig struct {
	DefaultTTL        int    `mapstructure:"default_ttl"` // milliseconds
	MaxTTL            int    `mapstructure:"max_ttl"`     // milliseconds
	DefaultMaxUses    int    `mapstructure:"default_max_uses"`
	FingerprintSecret string `mapstructure:"fingerprint_secret"`
	IssueRateLimit    int    `mapstructure:"issue_rate_limit"`
	IssueRateWindow   int    `mapstructure:"issue_rate_window"` // milliseconds
	RetentionHours    int    `mapstructure:"retention_hours"`
}

// DeliveryConfig holds signed URL and per-client delivery limits.
type DeliveryConfig struct {
	SignedURLTTL int `mapstructure:"signed_url_ttl"` // milliseconds
	RateLimit    int `mapstructure:"rate_limit"`
	RateWindow   int `mapstructure:"rate_window"` // milliseconds
}

// EntitlementConfig tunes access pass evaluation.
type EntitlementConfig struct {
	PassPeriodDownloadLimit int `mapstructure:"pass_period_download_limit"`
}

// AuditConfig controls download event indexing.
type AuditConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Index       string `mapstructure:"index"`
	QueueSize   int    `mapstructure:"queue_size"`
	Workers     int    `mapstructure:"workers"`
	SinkTimeout int    `mapstructure:"sink_timeout"` // milliseconds
}

// NotificationConfig holds outbound notification settings.
type NotificationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
	Email struct {
		Enabled       bool   `mapstructure:"enabled"`
		FromEmail     string `mapstructure:"from_email"`
		ReviewAddress string `mapstructure:"review_address"`
	} `mapstructure:"email"`
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// ObservabilityConfig holds tracing settings.
type ObservabilityConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Jaeger      struct {
		Enabled  bool   `mapstructure:"enabled"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"jaeger"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
