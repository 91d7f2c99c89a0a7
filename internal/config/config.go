// Package config defines the service configuration and its defaults.
package config

import (
	"errors"
	"fmt"
	"time"
)

// EnvPrefix prefixes every environment override, e.g. SCANLINE_DB_DSN.
const EnvPrefix = "SCANLINE"

// Config represents the top-level configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Web      WebConfig      `mapstructure:"web"`
	DB       DBConfig       `mapstructure:"db"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Scanning ScanningConfig `mapstructure:"scanning"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Tempo    TempoConfig    `mapstructure:"tempo"`
	Rules    RulesConfig    `mapstructure:"rules"`
}

// LogConfig controls the service logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// WebConfig controls the API and debug listeners.
type WebConfig struct {
	APIHost            string        `mapstructure:"api_host"`
	DebugHost          string        `mapstructure:"debug_host"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// DBConfig holds the Postgres connection settings.
type DBConfig struct {
	DSN           string `mapstructure:"dsn"`
	MinConns      int32  `mapstructure:"min_conns"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// WorkerConfig describes the external scan worker.
type WorkerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Timeout bounds each worker call. Workers that scan synchronously
	// answer POST /scan only when the scan is done, so it must cover the
	// longest expected scan.
	Timeout time.Duration `mapstructure:"timeout"`
	// CallbackBaseURL is the externally reachable address of this service,
	// used to build the progress callback URL handed to the worker.
	CallbackBaseURL string `mapstructure:"callback_base_url"`
	// Token authenticates worker progress callbacks. Empty disables the check.
	Token string `mapstructure:"token"`
	// PollInterval enables status polling when positive.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RPS          float64       `mapstructure:"rps"`
	Burst        int           `mapstructure:"burst"`
}

// ScanningConfig tunes the job lifecycle services.
type ScanningConfig struct {
	CancelGrace      time.Duration `mapstructure:"cancel_grace"`
	StreamQueueSize  int           `mapstructure:"stream_queue_size"`
	MaxUpdateRetries int           `mapstructure:"max_update_retries"`
}

// KafkaConfig enables lifecycle events and progress consumption. An empty
// broker list disables Kafka entirely.
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	ClientID       string   `mapstructure:"client_id"`
	GroupID        string   `mapstructure:"group_id"`
	LifecycleTopic string   `mapstructure:"lifecycle_topic"`
	ProgressTopic  string   `mapstructure:"progress_topic"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// RelayConfig enables the cross-instance snapshot relay. An empty address
// disables it.
type RelayConfig struct {
	Addr          string `mapstructure:"addr"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// TempoConfig points the OTLP exporters at a collector. An empty host keeps
// telemetry local.
type TempoConfig struct {
	Host        string  `mapstructure:"host"`
	ServiceName string  `mapstructure:"service_name"`
	Probability float64 `mapstructure:"probability"`
	Insecure    bool    `mapstructure:"insecure"`
}

// RulesConfig locates the rule catalog. An empty path uses the embedded one.
type RulesConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

// Defaults returns every key with its default value, flattened with dots.
func Defaults() map[string]any {
	return map[string]any{
		"log.level": "info",

		"web.api_host":             "0.0.0.0:8080",
		"web.debug_host":           "0.0.0.0:8090",
		"web.read_timeout":         5 * time.Second,
		"web.write_timeout":        10 * time.Second,
		"web.idle_timeout":         120 * time.Second,
		"web.shutdown_timeout":     20 * time.Second,
		"web.cors_allowed_origins": []string{"*"},

		"db.dsn":            "",
		"db.min_conns":      2,
		"db.max_conns":      10,
		"db.migrations_dir": "db/migrations",

		"worker.base_url":          "",
		"worker.timeout":           5 * time.Minute,
		"worker.callback_base_url": "",
		"worker.token":             "",
		"worker.poll_interval":     time.Duration(0),
		"worker.rps":               20.0,
		"worker.burst":             10,

		"scanning.cancel_grace":       30 * time.Second,
		"scanning.stream_queue_size":  16,
		"scanning.max_update_retries": 3,

		"kafka.brokers":         []string{},
		"kafka.client_id":       "scanline",
		"kafka.group_id":        "scanline",
		"kafka.lifecycle_topic": "scan-job-lifecycle",
		"kafka.progress_topic":  "",

		"relay.addr":           "",
		"relay.channel_prefix": "scanline:snapshots",

		"tempo.host":         "",
		"tempo.service_name": "scanline",
		"tempo.probability":  0.05,
		"tempo.insecure":     true,

		"rules.catalog_path": "",
	}
}

// Validate reports every missing or out-of-range value at once.
func (c *Config) Validate() error {
	var errs []error

	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	if c.DB.MaxConns < c.DB.MinConns {
		errs = append(errs, fmt.Errorf("db.max_conns (%d) must be >= db.min_conns (%d)", c.DB.MaxConns, c.DB.MinConns))
	}
	if c.Worker.BaseURL == "" {
		errs = append(errs, errors.New("worker.base_url is required"))
	}
	if c.Worker.RPS <= 0 || c.Worker.Burst <= 0 {
		errs = append(errs, errors.New("worker.rps and worker.burst must be positive"))
	}
	if c.Worker.PollInterval < 0 {
		errs = append(errs, errors.New("worker.poll_interval must not be negative"))
	}
	if c.Scanning.CancelGrace <= 0 {
		errs = append(errs, errors.New("scanning.cancel_grace must be positive"))
	}
	if c.Scanning.StreamQueueSize <= 0 {
		errs = append(errs, errors.New("scanning.stream_queue_size must be positive"))
	}
	if c.Scanning.MaxUpdateRetries <= 0 {
		errs = append(errs, errors.New("scanning.max_update_retries must be positive"))
	}
	if c.Kafka.Enabled() && c.Kafka.LifecycleTopic == "" {
		errs = append(errs, errors.New("kafka.lifecycle_topic is required when kafka.brokers is set"))
	}
	if c.Kafka.Enabled() && c.Kafka.ProgressTopic != "" && c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.group_id is required to consume kafka.progress_topic"))
	}
	if c.Tempo.Probability < 0 || c.Tempo.Probability > 1 {
		errs = append(errs, fmt.Errorf("tempo.probability %v must be within [0,1]", c.Tempo.Probability))
	}

	return errors.Join(errs...)
}
