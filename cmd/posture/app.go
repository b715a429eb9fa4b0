package main

import (
	"log"

	"github.com/helmcloud/k8s-posture/internal/analyzer"
	"github.com/helmcloud/k8s-posture/internal/clustersync"
	"github.com/helmcloud/k8s-posture/internal/compliance"
	"github.com/helmcloud/k8s-posture/internal/config"
	"github.com/helmcloud/k8s-posture/internal/events"
	"github.com/helmcloud/k8s-posture/internal/history"
	"github.com/helmcloud/k8s-posture/internal/kube"
	"github.com/helmcloud/k8s-posture/internal/licensing"
	"github.com/helmcloud/k8s-posture/internal/report"
	"github.com/helmcloud/k8s-posture/internal/reporter"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
)

// app holds the components every command is built from.
type app struct {
	cfg          *config.Config
	store        *storage.Storage
	calculator   *compliance.Calculator
	orchestrator *clustersync.Orchestrator
	snapshotter  *history.Snapshotter
	reporter     *reporter.Reporter
	narrator     report.Narrator
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize storage")
	}

	a := &app{
		cfg:        cfg,
		store:      store,
		calculator: compliance.NewCalculator(store),
	}

	var sink events.Sink = events.NewRecorder(store)
	if cfg.SlackEnabled() || cfg.ReportUploadEnabled() {
		a.reporter = reporter.New(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.SlackBotToken)
	}
	if cfg.SlackEnabled() {
		sink = events.NewNotifier(sink, a.reporter, cfg.NotifySeverity)
		log.Printf("Forwarding cluster events at or above %s to Slack", cfg.NotifySeverity)
	}

	opts := clustersync.Options{Workers: cfg.SyncWorkers}
	keys := licensing.Keys{LicenseKey: cfg.LicenseKey, InstanceKey: cfg.InstanceKey}
	if !keys.Empty() {
		opts.Licensing = licensing.New(cfg.LicensingPortalURL)
		opts.LicenseKeys = keys
	}
	a.orchestrator = clustersync.NewOrchestrator(store, kube.NewConnector(cfg.SyncCallTimeout), sink, a.calculator, opts)
	a.snapshotter = history.New(store, a.calculator, cfg.EventRetention())

	if cfg.AnthropicAPIKey != "" {
		a.narrator = analyzer.New(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.ReportLanguage)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("Warning: failed to close storage: %v", err)
	}
}
