package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultListen       = ":8080"
	defaultHealthPath   = "/healthz"
	defaultReadyPath    = "/readyz"
	defaultMaxBodyBytes = 1 << 20
	defaultAnalyzeCron  = "*/5 * * * *"
	defaultNATSURL      = "nats://127.0.0.1:4222"
	defaultAlertBucket  = "kpi_alerts"
	defaultTupleBucket  = "kpi_alert_tuples"
	defaultRecordSubj   = "kpialert.records.>"
	defaultPushPrefix   = "kpialert.notify"
	defaultSMTPPort     = 587
	defaultSMSTimeout   = 10

	// ServiceModeSingle keeps in-memory state without NATS dependencies.
	ServiceModeSingle = "single"
	// ServiceModeNATS keeps JetStream KV state and NATS ingest/push.
	ServiceModeNATS = "nats"

	// ChannelEmail identifies the SMTP transport.
	ChannelEmail = "email"
	// ChannelSMS identifies the SMS gateway transport.
	ChannelSMS = "sms"
	// ChannelInApp identifies the in-app push transport.
	ChannelInApp = "inapp"
	// ChannelWebsocket identifies the websocket push transport.
	ChannelWebsocket = "websocket"
	// ChannelTelegram identifies the operations telegram transport.
	ChannelTelegram = "telegram"

	// RoleDecisionMaker marks users eligible to act on pending alerts.
	RoleDecisionMaker = "decision_maker"
	// RoleProjectManager marks users eligible for delegation.
	RoleProjectManager = "project_manager"

	// ThresholdDirectionAbove breaches when value is at or above the band.
	ThresholdDirectionAbove = "above"
	// ThresholdDirectionBelow breaches when value is at or below the band.
	ThresholdDirectionBelow = "below"
)

// Config is the root runtime configuration snapshot.
// Params: service, logging, store, ingest, notify, users, and threshold seeds.
// Returns: validated configuration consumed by the service builder.
type Config struct {
	Service    ServiceConfig     `toml:"service"`
	Log        LogConfig         `toml:"log"`
	Store      StoreConfig       `toml:"store"`
	Ingest     IngestConfig      `toml:"ingest"`
	Notify     NotifyConfig      `toml:"notify"`
	Users      []UserConfig      `toml:"user"`
	Thresholds []ThresholdConfig `toml:"threshold"`
}

// ServiceConfig defines process-level runtime options.
// Params: listen address, mode, analysis schedule, and body limits.
// Returns: service runtime options.
type ServiceConfig struct {
	Name           string `toml:"name"`
	Mode           string `toml:"mode"`
	Listen         string `toml:"listen"`
	HealthPath     string `toml:"health_path"`
	ReadyPath      string `toml:"ready_path"`
	AnalyzeCron    string `toml:"analyze_cron"`
	AnalyzeOnStart bool   `toml:"analyze_on_start"`
	MaxBodyBytes   int64  `toml:"max_body_bytes"`
}

// LogConfig defines logging sinks.
// Params: console and file sink settings.
// Returns: logging runtime options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// StoreConfig defines alert repository backend settings.
// Params: NATS KV bucket names and connection URL.
// Returns: repository backend options.
type StoreConfig struct {
	URL                []string `toml:"url"`
	AlertBucket        string   `toml:"alert_bucket"`
	TupleBucket        string   `toml:"tuple_bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// IngestConfig defines inbound business-record interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP record ingestion endpoints.
// Params: enable flag and path prefix.
// Returns: HTTP ingest options.
type HTTPIngestConfig struct {
	Enabled    bool   `toml:"enabled"`
	PathPrefix string `toml:"path_prefix"`
}

// NATSIngestConfig configures the NATS record subscription.
// Params: connection URL, subject, and queue group.
// Returns: NATS ingest options.
type NATSIngestConfig struct {
	Enabled bool     `toml:"enabled"`
	URL     []string `toml:"url"`
	Subject string   `toml:"subject"`
	Group   string   `toml:"group"`
}

// NotifyConfig defines outbound channel settings.
// Params: per-channel transports and template overrides.
// Returns: notification runtime options.
type NotifyConfig struct {
	Email    EmailNotifier    `toml:"email"`
	SMS      SMSNotifier      `toml:"sms"`
	Push     PushNotifier     `toml:"push"`
	Telegram TelegramNotifier `toml:"telegram"`
}

// NotifyRetry defines per-channel retry/backoff policy.
// Params: backoff shape and attempt bounds.
// Returns: retry policy for the dispatcher.
type NotifyRetry struct {
	Enabled     bool   `toml:"enabled"`
	Backoff     string `toml:"backoff"`
	InitialMS   int    `toml:"initial_ms"`
	MaxMS       int    `toml:"max_ms"`
	MaxAttempts int    `toml:"max_attempts"`
}

// EmailNotifier defines SMTP channel settings.
// Params: SMTP endpoint, credentials, sender identity, and retry policy.
// Returns: email sender configuration.
type EmailNotifier struct {
	Enabled  bool        `toml:"enabled"`
	Host     string      `toml:"host"`
	Port     int         `toml:"port"`
	Username string      `toml:"username"`
	Password string      `toml:"password"`
	From     string      `toml:"from"`
	UseTLS   bool        `toml:"use_tls"`
	Retry    NotifyRetry `toml:"retry"`
	Template string      `toml:"template"`
}

// SMSNotifier defines HTTP SMS gateway settings.
// Params: gateway URL, method, headers, timeout, and retry policy.
// Returns: SMS sender configuration.
type SMSNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	Headers    map[string]string `toml:"headers"`
	TimeoutSec int               `toml:"timeout_sec"`
	Retry      NotifyRetry       `toml:"retry"`
	Template   string            `toml:"template"`
}

// PushNotifier defines NATS in-app/websocket push settings.
// Params: connection URL and per-user subject prefix.
// Returns: push sender configuration.
type PushNotifier struct {
	Enabled       bool        `toml:"enabled"`
	URL           []string    `toml:"url"`
	SubjectPrefix string      `toml:"subject_prefix"`
	Retry         NotifyRetry `toml:"retry"`
}

// TelegramNotifier defines the operations telegram channel.
// Params: bot token, ops chat id, and retry policy.
// Returns: telegram sender configuration.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	ChatID   string      `toml:"chat_id"`
	Retry    NotifyRetry `toml:"retry"`
	Template string      `toml:"template"`
}

// UserConfig declares one directory user with role membership.
// Params: identity, contact endpoints, and role list.
// Returns: directory seed entry.
type UserConfig struct {
	ID    string   `toml:"id"`
	Name  string   `toml:"name"`
	Email string   `toml:"email"`
	Phone string   `toml:"phone"`
	Roles []string `toml:"roles"`
}

// ThresholdConfig declares one KPI threshold band.
// Params: metric name, warning/critical bounds, direction, and optional scope.
// Returns: threshold seed entry.
type ThresholdConfig struct {
	Metric         string  `toml:"metric"`
	Description    string  `toml:"description"`
	Warning        float64 `toml:"warning"`
	Critical       float64 `toml:"critical"`
	Direction      string  `toml:"direction"`
	Unit           string  `toml:"unit"`
	Enabled        *bool   `toml:"enabled"`
	Priority       string  `toml:"priority"`
	Dimension      string  `toml:"dimension"`
	DimensionValue string  `toml:"dimension_value"`
}

// ThresholdEnabled resolves the optional enabled flag with true default.
// Params: none.
// Returns: effective enabled flag.
func (t ThresholdConfig) ThresholdEnabled() bool {
	if t.Enabled == nil {
		return true
	}
	return *t.Enabled
}

// LoadFile reads, decodes, defaults, and validates one TOML config file.
// Params: config file path.
// Returns: validated config snapshot or load error.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes, defaults, and validates one TOML payload.
// Params: raw TOML bytes.
// Returns: validated config snapshot or decode/validation error.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	decoder := toml.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with runtime defaults.
// Params: mutable config pointer.
// Returns: config defaulted in place.
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "kpialert"
	}
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = ServiceModeSingle
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = defaultListen
	}
	if cfg.Service.HealthPath == "" {
		cfg.Service.HealthPath = defaultHealthPath
	}
	if cfg.Service.ReadyPath == "" {
		cfg.Service.ReadyPath = defaultReadyPath
	}
	if cfg.Service.AnalyzeCron == "" {
		cfg.Service.AnalyzeCron = defaultAnalyzeCron
	}
	if cfg.Service.MaxBodyBytes <= 0 {
		cfg.Service.MaxBodyBytes = defaultMaxBodyBytes
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console = LogSinkConfig{Enabled: true, Level: "info", Format: "line"}
	}
	if len(cfg.Store.URL) == 0 {
		cfg.Store.URL = []string{defaultNATSURL}
	}
	if cfg.Store.AlertBucket == "" {
		cfg.Store.AlertBucket = defaultAlertBucket
	}
	if cfg.Store.TupleBucket == "" {
		cfg.Store.TupleBucket = defaultTupleBucket
	}
	if cfg.Ingest.HTTP.PathPrefix == "" {
		cfg.Ingest.HTTP.PathPrefix = "/ingest"
	}
	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = cfg.Store.URL
	}
	if cfg.Ingest.NATS.Subject == "" {
		cfg.Ingest.NATS.Subject = defaultRecordSubj
	}
	if cfg.Ingest.NATS.Group == "" {
		cfg.Ingest.NATS.Group = "kpialert-ingest"
	}
	if cfg.Notify.Email.Port <= 0 {
		cfg.Notify.Email.Port = defaultSMTPPort
	}
	if cfg.Notify.SMS.TimeoutSec <= 0 {
		cfg.Notify.SMS.TimeoutSec = defaultSMSTimeout
	}
	if len(cfg.Notify.Push.URL) == 0 {
		cfg.Notify.Push.URL = cfg.Store.URL
	}
	if cfg.Notify.Push.SubjectPrefix == "" {
		cfg.Notify.Push.SubjectPrefix = defaultPushPrefix
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds()
	}
}

// DefaultThresholds returns the built-in global threshold seeds.
// Params: none.
// Returns: threshold entries matching the platform defaults.
func DefaultThresholds() []ThresholdConfig {
	return []ThresholdConfig{
		{Metric: "OVERDUE_RATE", Description: "Overdue invoice rate", Warning: 10, Critical: 15, Direction: ThresholdDirectionAbove, Unit: "%", Priority: "HIGH"},
		{Metric: "UNPAID_AMOUNT", Description: "Unpaid amount share", Warning: 15, Critical: 25, Direction: ThresholdDirectionAbove, Unit: "%", Priority: "HIGH"},
		{Metric: "PAYMENT_DELAY", Description: "Average payment delay", Warning: 30, Critical: 45, Direction: ThresholdDirectionAbove, Unit: "days", Priority: "MEDIUM"},
		{Metric: "PAYMENT_RATE", Description: "Paid invoice rate", Warning: 85, Critical: 75, Direction: ThresholdDirectionBelow, Unit: "%", Priority: "HIGH"},
		{Metric: "REGULARIZATION_RATE", Description: "Overdue regularization rate", Warning: 85, Critical: 70, Direction: ThresholdDirectionBelow, Unit: "%", Priority: "MEDIUM"},
		{Metric: "CONVERSION_RATE", Description: "Active contract conversion rate", Warning: 75, Critical: 60, Direction: ThresholdDirectionBelow, Unit: "%", Priority: "MEDIUM"},
	}
}

// Validate checks the whole configuration snapshot.
// Params: defaulted config fields.
// Returns: first validation error.
func (c Config) Validate() error {
	switch c.Service.Mode {
	case ServiceModeSingle, ServiceModeNATS:
	default:
		return fmt.Errorf("service.mode must be %q or %q, got %q", ServiceModeSingle, ServiceModeNATS, c.Service.Mode)
	}
	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if c.Service.Mode == ServiceModeSingle {
		if c.Ingest.NATS.Enabled {
			return errors.New("ingest.nats requires service.mode=nats")
		}
		if c.Notify.Push.Enabled {
			return errors.New("notify.push requires service.mode=nats")
		}
	}
	if c.Notify.Email.Enabled {
		if strings.TrimSpace(c.Notify.Email.Host) == "" {
			return errors.New("notify.email.host is required when email is enabled")
		}
		if strings.TrimSpace(c.Notify.Email.From) == "" {
			return errors.New("notify.email.from is required when email is enabled")
		}
	}
	if c.Notify.SMS.Enabled && strings.TrimSpace(c.Notify.SMS.URL) == "" {
		return errors.New("notify.sms.url is required when sms is enabled")
	}
	if c.Notify.Telegram.Enabled {
		if strings.TrimSpace(c.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when telegram is enabled")
		}
		if strings.TrimSpace(c.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when telegram is enabled")
		}
	}
	if err := validateUsers(c.Users); err != nil {
		return err
	}
	return validateThresholds(c.Thresholds)
}

// validateSink checks one logging sink definition.
// Params: sink label, sink config, and path requirement flag.
// Returns: validation error.
func validateSink(label string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level %q is not supported", label, sink.Level)
	}
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format %q is not supported", label, sink.Format)
	}
	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", label)
	}
	return nil
}

// validateUsers checks directory seed entries.
// Params: user entries from config.
// Returns: validation error on duplicates or unknown roles.
func validateUsers(users []UserConfig) error {
	seen := make(map[string]struct{}, len(users))
	for index, user := range users {
		if strings.TrimSpace(user.ID) == "" {
			return fmt.Errorf("user[%d]: id is required", index)
		}
		if _, duplicate := seen[user.ID]; duplicate {
			return fmt.Errorf("user[%d]: duplicate id %q", index, user.ID)
		}
		seen[user.ID] = struct{}{}
		for _, role := range user.Roles {
			switch role {
			case RoleDecisionMaker, RoleProjectManager:
			default:
				return fmt.Errorf("user[%d]: unsupported role %q", index, role)
			}
		}
	}
	return nil
}

// validateThresholds checks threshold seed entries.
// Params: threshold entries from config.
// Returns: validation error on band or scope inconsistency.
func validateThresholds(thresholds []ThresholdConfig) error {
	type scopeKey struct {
		metric, dimension, value string
	}
	seen := make(map[scopeKey]struct{}, len(thresholds))
	for index, threshold := range thresholds {
		if strings.TrimSpace(threshold.Metric) == "" {
			return fmt.Errorf("threshold[%d]: metric is required", index)
		}
		direction := threshold.Direction
		if direction == "" {
			direction = ThresholdDirectionAbove
		}
		switch direction {
		case ThresholdDirectionAbove:
			if threshold.Critical < threshold.Warning {
				return fmt.Errorf("threshold[%d]: critical must be >= warning for direction=above", index)
			}
		case ThresholdDirectionBelow:
			if threshold.Critical > threshold.Warning {
				return fmt.Errorf("threshold[%d]: critical must be <= warning for direction=below", index)
			}
		default:
			return fmt.Errorf("threshold[%d]: unsupported direction %q", index, threshold.Direction)
		}
		if threshold.DimensionValue != "" && threshold.Dimension == "" {
			return fmt.Errorf("threshold[%d]: dimension is required when dimension_value is set", index)
		}
		key := scopeKey{metric: threshold.Metric, dimension: threshold.Dimension, value: threshold.DimensionValue}
		if _, duplicate := seen[key]; duplicate {
			return fmt.Errorf("threshold[%d]: duplicate scope for metric %q", index, threshold.Metric)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ChannelNames returns the supported notification channel keys in stable order.
// Params: none.
// Returns: sorted channel name slice.
func ChannelNames() []string {
	names := []string{ChannelEmail, ChannelSMS, ChannelInApp, ChannelWebsocket, ChannelTelegram}
	sort.Strings(names)
	return names
}
