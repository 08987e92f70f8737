// Package config provides configuration loading for the monitoring daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// Data directory for the default SQLite database (default "/var/lib/connwatch")
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// AuthToken, when set, is required as a bearer token on /api and /ws.
	AuthToken string `yaml:"auth_token,omitempty" json:"-"`
	// MaxBodyBytes caps HTTP request bodies (default 1 MiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// Instance-manager API probed by the reference HTTP client.
	API APIConfig `yaml:"api" json:"api"`

	// Instances monitored from startup.
	Instances []InstanceConfig `yaml:"instances,omitempty" json:"instances,omitempty"`

	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`

	// Extra declarative alert rules, added to the defaults.
	Rules []alerts.RuleSpec `yaml:"rules,omitempty" json:"rules,omitempty"`

	Persistence   PersistenceConfig   `yaml:"persistence" json:"persistence"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`

	// Cron expression for the retention job (default "@daily").
	RetentionSchedule string `yaml:"retention_schedule" json:"retention_schedule"`

	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`

	// MCPEnabled mounts the MCP endpoint at /mcp.
	MCPEnabled bool `yaml:"mcp_enabled" json:"mcp_enabled"`
}

// APIConfig addresses the probed API.
type APIConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

// InstanceConfig is one instance monitored from startup.
type InstanceConfig struct {
	ID string `yaml:"id" json:"id"`
	// IntervalSeconds overrides the monitoring check interval.
	IntervalSeconds int `yaml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`
}

// MonitoringConfig tunes the monitoring engine.
type MonitoringConfig struct {
	CheckIntervalSeconds int                 `yaml:"check_interval_seconds" json:"check_interval_seconds"`
	Thresholds           Thresholds          `yaml:"thresholds" json:"thresholds"`
	Notifications        NotificationToggles `yaml:"notifications" json:"notifications"`
	Retention            Retention           `yaml:"retention" json:"retention"`
	HistoryCapacity      int                 `yaml:"history_capacity" json:"history_capacity"`
	ProbeTimeoutSeconds  int                 `yaml:"probe_timeout_seconds" json:"probe_timeout_seconds"`
}

// Thresholds add threshold rules when set. Zero disables a threshold.
type Thresholds struct {
	ResponseTimeMs   int64   `yaml:"response_time_ms" json:"response_time_ms"`
	ErrorRatePercent float64 `yaml:"error_rate_percent" json:"error_rate_percent"`
	UptimePercent    float64 `yaml:"uptime_percent" json:"uptime_percent"`
	// MemoryUsagePercent is accepted for compatibility; probes report no memory signal.
	MemoryUsagePercent float64 `yaml:"memory_usage_percent" json:"memory_usage_percent"`
}

// NotificationToggles switch notification sinks on and off.
type NotificationToggles struct {
	Broadcast bool `yaml:"broadcast" json:"broadcast"`
	Webhook   bool `yaml:"webhook" json:"webhook"`
	Slack     bool `yaml:"slack" json:"slack"`
	Telegram  bool `yaml:"telegram" json:"telegram"`
	Email     bool `yaml:"email" json:"email"`
	Redis     bool `yaml:"redis" json:"redis"`
	Kafka     bool `yaml:"kafka" json:"kafka"`
}

// Retention bounds how long history is kept.
type Retention struct {
	MetricsDays int `yaml:"metrics_days" json:"metrics_days"`
	AlertsDays  int `yaml:"alerts_days" json:"alerts_days"`
}

// PersistenceConfig selects the database.
type PersistenceConfig struct {
	// Driver is sqlite, postgres or mysql (default sqlite).
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// NotificationsConfig holds per-channel settings.
type NotificationsConfig struct {
	Webhook    WebhookConfig  `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Slack      SlackConfig    `yaml:"slack,omitempty" json:"slack,omitempty"`
	Telegram   TelegramConfig `yaml:"telegram,omitempty" json:"telegram,omitempty"`
	Email      EmailConfig    `yaml:"email,omitempty" json:"email,omitempty"`
	Redis      RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	Kafka      KafkaConfig    `yaml:"kafka,omitempty" json:"kafka,omitempty"`
	MaxPerHour int            `yaml:"max_per_hour" json:"max_per_hour"`
}

type WebhookConfig struct {
	URL    string `yaml:"url" json:"url"`
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	Channel    string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token" json:"bot_token"`
	ChatID   string `yaml:"chat_id" json:"chat_id"`
}

type EmailConfig struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
	Username string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
}

// ConfigurationError reports an invalid setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// DefaultMonitoring returns the engine defaults.
func DefaultMonitoring() MonitoringConfig {
	return MonitoringConfig{
		CheckIntervalSeconds: 30,
		Notifications:        NotificationToggles{Broadcast: true},
		Retention:            Retention{MetricsDays: 30, AlertsDays: 90},
		HistoryCapacity:      100,
		ProbeTimeoutSeconds:  10,
	}
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		DataDir:           "/var/lib/connwatch",
		LogLevel:          "info",
		MaxBodyBytes:      1 << 20,
		Monitoring:        DefaultMonitoring(),
		Persistence:       PersistenceConfig{Driver: "sqlite"},
		Notifications:     NotificationsConfig{MaxPerHour: 60},
		RetentionSchedule: "@daily",
	}
}

// Load reads configuration from a YAML (or JSON) file, then overlays
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONNWATCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONNWATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONNWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONNWATCH_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("CONNWATCH_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("CONNWATCH_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("CONNWATCH_INSTANCES"); v != "" {
		cfg.Instances = cfg.Instances[:0]
		for _, id := range splitList(v) {
			cfg.Instances = append(cfg.Instances, InstanceConfig{ID: id})
		}
	}
	if v := os.Getenv("CONNWATCH_CHECK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitoring.CheckIntervalSeconds = n
		}
	}
	if v := os.Getenv("CONNWATCH_DB_DRIVER"); v != "" {
		cfg.Persistence.Driver = v
	}
	if v := os.Getenv("CONNWATCH_DB_DSN"); v != "" {
		cfg.Persistence.DSN = v
	}
	if v := os.Getenv("CONNWATCH_WEBHOOK_URL"); v != "" {
		cfg.Notifications.Webhook.URL = v
		cfg.Monitoring.Notifications.Webhook = true
	}
	if v := os.Getenv("CONNWATCH_WEBHOOK_SECRET"); v != "" {
		cfg.Notifications.Webhook.Secret = v
	}
	if v := os.Getenv("CONNWATCH_REDIS_ADDR"); v != "" {
		cfg.Notifications.Redis.Addr = v
		cfg.Monitoring.Notifications.Redis = true
	}
	if v := os.Getenv("CONNWATCH_KAFKA_BROKERS"); v != "" {
		cfg.Notifications.Kafka.Brokers = splitList(v)
		cfg.Monitoring.Notifications.Kafka = true
	}
	if v := os.Getenv("CONNWATCH_KAFKA_TOPIC"); v != "" {
		cfg.Notifications.Kafka.Topic = v
	}
	if v := os.Getenv("CONNWATCH_RETENTION_SCHEDULE"); v != "" {
		cfg.RetentionSchedule = v
	}
	if v := os.Getenv("CONNWATCH_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("CONNWATCH_MCP"); v != "" {
		cfg.MCPEnabled = v == "true" || v == "1"
	}
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a YAML file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// PersistenceDSN returns the configured DSN, defaulting SQLite to a file in
// the data directory.
func (c Config) PersistenceDSN() string {
	if c.Persistence.DSN != "" {
		return c.Persistence.DSN
	}
	if strings.EqualFold(c.Persistence.Driver, "sqlite") || c.Persistence.Driver == "" {
		return filepath.Join(c.DataDir, "connwatch.db")
	}
	return ""
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return &ConfigurationError{Field: "listen_addr", Reason: "is required"}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigurationError{Field: "log_level", Reason: fmt.Sprintf("%q is not one of debug, info, warn, error", c.LogLevel)}
	}
	if c.MaxBodyBytes < 0 {
		return &ConfigurationError{Field: "max_body_bytes", Reason: "must not be negative"}
	}
	if err := c.Monitoring.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		field := fmt.Sprintf("instances[%d]", i)
		if strings.TrimSpace(inst.ID) == "" {
			return &ConfigurationError{Field: field + ".id", Reason: "is required"}
		}
		if seen[inst.ID] {
			return &ConfigurationError{Field: field + ".id", Reason: fmt.Sprintf("%q is listed twice", inst.ID)}
		}
		seen[inst.ID] = true
		if inst.IntervalSeconds < 0 {
			return &ConfigurationError{Field: field + ".interval_seconds", Reason: "must not be negative"}
		}
	}
	for i, spec := range c.Rules {
		if _, err := alerts.FromSpec(spec); err != nil {
			return &ConfigurationError{Field: fmt.Sprintf("rules[%d]", i), Reason: err.Error()}
		}
	}
	n := c.Monitoring.Notifications
	switch {
	case n.Webhook && c.Notifications.Webhook.URL == "":
		return &ConfigurationError{Field: "notifications.webhook.url", Reason: "is required when webhook notifications are enabled"}
	case n.Slack && c.Notifications.Slack.WebhookURL == "":
		return &ConfigurationError{Field: "notifications.slack.webhook_url", Reason: "is required when slack notifications are enabled"}
	case n.Telegram && (c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == ""):
		return &ConfigurationError{Field: "notifications.telegram", Reason: "bot_token and chat_id are required when telegram notifications are enabled"}
	case n.Email && (c.Notifications.Email.Host == "" || len(c.Notifications.Email.To) == 0):
		return &ConfigurationError{Field: "notifications.email", Reason: "host and to are required when email notifications are enabled"}
	case n.Redis && c.Notifications.Redis.Addr == "":
		return &ConfigurationError{Field: "notifications.redis.addr", Reason: "is required when redis notifications are enabled"}
	case n.Kafka && (len(c.Notifications.Kafka.Brokers) == 0 || c.Notifications.Kafka.Topic == ""):
		return &ConfigurationError{Field: "notifications.kafka", Reason: "brokers and topic are required when kafka notifications are enabled"}
	}
	return nil
}

// Validate checks the engine settings.
func (m MonitoringConfig) Validate() error {
	switch {
	case m.CheckIntervalSeconds <= 0:
		return &ConfigurationError{Field: "monitoring.check_interval_seconds", Reason: "must be positive"}
	case m.HistoryCapacity <= 0:
		return &ConfigurationError{Field: "monitoring.history_capacity", Reason: "must be positive"}
	case m.ProbeTimeoutSeconds <= 0:
		return &ConfigurationError{Field: "monitoring.probe_timeout_seconds", Reason: "must be positive"}
	case m.Retention.MetricsDays < 0 || m.Retention.AlertsDays < 0:
		return &ConfigurationError{Field: "monitoring.retention", Reason: "days must not be negative"}
	case m.Thresholds.ResponseTimeMs < 0:
		return &ConfigurationError{Field: "monitoring.thresholds.response_time_ms", Reason: "must not be negative"}
	case !percent(m.Thresholds.ErrorRatePercent) || !percent(m.Thresholds.UptimePercent) || !percent(m.Thresholds.MemoryUsagePercent):
		return &ConfigurationError{Field: "monitoring.thresholds", Reason: "percentages must be within 0..100"}
	}
	return nil
}

// CheckInterval is the default polling interval.
func (m MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSeconds) * time.Second
}

// ProbeTimeout bounds each sub-check.
func (m MonitoringConfig) ProbeTimeout() time.Duration {
	return time.Duration(m.ProbeTimeoutSeconds) * time.Second
}

// ThresholdRules returns rules for each configured threshold.
func (m MonitoringConfig) ThresholdRules() []alerts.RuleSpec {
	var out []alerts.RuleSpec
	t := m.Thresholds
	if t.ResponseTimeMs > 0 {
		out = append(out, alerts.RuleSpec{
			ID: "threshold_response_time", Name: "Response time above threshold",
			Severity: alerts.SeverityMedium, CooldownSeconds: 600, Enabled: true,
			Condition: alerts.Condition{Metric: "response_time_ms", Operator: ">", Threshold: float64(t.ResponseTimeMs)},
		})
	}
	if t.ErrorRatePercent > 0 {
		out = append(out, alerts.RuleSpec{
			ID: "threshold_error_rate", Name: "Error rate above threshold",
			Severity: alerts.SeverityHigh, CooldownSeconds: 900, Enabled: true,
			Condition: alerts.Condition{Metric: "error_rate_percent", Operator: ">", Threshold: t.ErrorRatePercent},
		})
	}
	if t.UptimePercent > 0 {
		out = append(out, alerts.RuleSpec{
			ID: "threshold_uptime", Name: "Uptime below threshold",
			Severity: alerts.SeverityMedium, CooldownSeconds: 1800, Enabled: true,
			Condition: alerts.Condition{Metric: "uptime_percent", Operator: "<", Threshold: t.UptimePercent},
		})
	}
	return out
}

func percent(v float64) bool { return v >= 0 && v <= 100 }

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
