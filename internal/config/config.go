package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/helmcloud/k8s-posture/internal/events"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type Config struct {
	DatabasePath string

	// Schedules
	SchedulesEnabled   bool
	SyncSchedule       string
	HistorySchedule    string
	ComplianceSchedule string
	ReportSchedule     string

	// Sync
	SyncWorkers     int
	SyncCallTimeout time.Duration

	// Licensing
	LicenseKey         string
	InstanceKey        string
	LicensingPortalURL string

	// Notifications and reporting
	SlackWebhookURL string
	SlackChannel    string
	SlackBotToken   string
	NotifySeverity  string
	AnthropicAPIKey string
	AnthropicModel  string
	ReportLanguage  string

	MetricsAddr        string
	EventRetentionDays int
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath: getEnvOrDefault("DATABASE_PATH", "/data/k8s-posture.db"),

		SyncSchedule:       getEnvOrDefault("SYNC_SCHEDULE", "*/15 * * * *"),
		HistorySchedule:    getEnvOrDefault("HISTORY_SCHEDULE", "30 0 * * *"),
		ComplianceSchedule: getEnvOrDefault("COMPLIANCE_SCHEDULE", "0 * * * *"),
		ReportSchedule:     getEnvOrDefault("REPORT_SCHEDULE", "0 9 * * 1"),

		LicenseKey:         os.Getenv("LICENSE_KEY"),
		InstanceKey:        os.Getenv("INSTANCE_KEY"),
		LicensingPortalURL: os.Getenv("LICENSING_PORTAL_URL"),

		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		SlackChannel:    os.Getenv("SLACK_CHANNEL"),
		SlackBotToken:   os.Getenv("SLACK_BOT_TOKEN"),
		NotifySeverity:  getEnvOrDefault("NOTIFY_SEVERITY", events.SeverityError),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getEnvOrDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022"),
		ReportLanguage:  strings.ToLower(getEnvOrDefault("REPORT_LANGUAGE", "english")),

		MetricsAddr: getEnvOrDefault("METRICS_ADDR", ":9090"),
	}

	enabled, err := strconv.ParseBool(getEnvOrDefault("SCHEDULES_ENABLED", "true"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid SCHEDULES_ENABLED")
	}
	cfg.SchedulesEnabled = enabled

	for name, expr := range map[string]string{
		"SYNC_SCHEDULE":       cfg.SyncSchedule,
		"HISTORY_SCHEDULE":    cfg.HistorySchedule,
		"COMPLIANCE_SCHEDULE": cfg.ComplianceSchedule,
		"REPORT_SCHEDULE":     cfg.ReportSchedule,
	} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return nil, errors.Wrapf(err, "invalid %s %q", name, expr)
		}
	}

	workers, err := strconv.Atoi(getEnvOrDefault("SYNC_WORKERS", "1"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid SYNC_WORKERS")
	}
	if workers < 1 {
		return nil, errors.New("SYNC_WORKERS must be at least 1")
	}
	cfg.SyncWorkers = workers

	timeout, err := time.ParseDuration(getEnvOrDefault("SYNC_CALL_TIMEOUT", "30s"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid SYNC_CALL_TIMEOUT")
	}
	if timeout <= 0 {
		return nil, errors.New("SYNC_CALL_TIMEOUT must be positive")
	}
	cfg.SyncCallTimeout = timeout

	retention, err := strconv.Atoi(getEnvOrDefault("EVENT_RETENTION_DAYS", "90"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid EVENT_RETENTION_DAYS")
	}
	if retention < 0 {
		return nil, errors.New("EVENT_RETENTION_DAYS must not be negative")
	}
	cfg.EventRetentionDays = retention

	if !events.ValidSeverity(cfg.NotifySeverity) {
		return nil, errors.Errorf("invalid NOTIFY_SEVERITY: %s", cfg.NotifySeverity)
	}

	if (cfg.LicenseKey != "" || cfg.InstanceKey != "") && cfg.LicensingPortalURL == "" {
		return nil, errors.New("LICENSING_PORTAL_URL is required when LICENSE_KEY or INSTANCE_KEY is set")
	}

	return cfg, nil
}

// SlackEnabled reports whether notifications can be posted.
func (c *Config) SlackEnabled() bool {
	return c.SlackWebhookURL != ""
}

// ReportUploadEnabled reports whether the posture PDF can be uploaded to Slack.
func (c *Config) ReportUploadEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
