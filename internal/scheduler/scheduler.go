package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/helmcloud/k8s-posture/internal/clustersync"
	"github.com/helmcloud/k8s-posture/internal/history"
	"github.com/helmcloud/k8s-posture/internal/report"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type Syncer interface {
	Sync(ctx context.Context, target string) (*clustersync.Report, error)
}

type HistoryRunner interface {
	Yesterday() string
	Run(ctx context.Context, day string) (*history.Result, error)
}

type ComplianceRunner interface {
	RollupAll(ctx context.Context) error
}

// Uploader delivers the rendered posture report.
type Uploader interface {
	SendReportWithPDF(ctx context.Context, title, comment, pdfPath string) error
}

type Scheduler struct {
	cron       *cron.Cron
	store      *storage.Storage
	syncer     Syncer
	history    HistoryRunner
	compliance ComplianceRunner
	narrator   report.Narrator
	uploader   Uploader
	config     Config

	mu        sync.Mutex
	lastFleet *clustersync.FleetSummary
}

type Config struct {
	Enabled            bool
	SyncSchedule       string
	HistorySchedule    string
	ComplianceSchedule string
	ReportSchedule     string
}

// New returns a Scheduler. narrator and uploader may be nil; without an uploader the
// report job is not registered.
func New(
	store *storage.Storage,
	syncer Syncer,
	hist HistoryRunner,
	comp ComplianceRunner,
	narrator report.Narrator,
	uploader Uploader,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		// A job still running from its previous trigger is skipped.
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		store:      store,
		syncer:     syncer,
		history:    hist,
		compliance: comp,
		narrator:   narrator,
		uploader:   uploader,
		config:     cfg,
	}
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
}

func (s *Scheduler) jobs() []job {
	jobs := []job{
		{name: "cluster sync", schedule: s.config.SyncSchedule, run: s.RunSync},
		{name: "history", schedule: s.config.HistorySchedule, run: s.RunHistory},
		{name: "compliance", schedule: s.config.ComplianceSchedule, run: s.RunCompliance},
	}
	if s.uploader != nil {
		jobs = append(jobs, job{name: "posture report", schedule: s.config.ReportSchedule, run: s.RunReport})
	}
	return jobs
}

// Start registers every job and starts the cron runner. It registers nothing when
// schedules are disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Println("Schedules are disabled, no jobs registered")
		return nil
	}

	for _, j := range s.jobs() {
		_, err := s.cron.AddFunc(j.schedule, func() {
			if err := j.run(ctx); err != nil {
				log.Printf("Error running %s: %v", j.name, err)
			}
		})
		if err != nil {
			return errors.Wrapf(err, "failed to schedule %s job", j.name)
		}
		log.Printf("Scheduled %s: %s", j.name, j.schedule)
	}

	log.Println("Starting scheduler...")
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	log.Println("Stopping scheduler...")
	<-s.cron.Stop().Done()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) RunSync(ctx context.Context) error {
	log.Println("Running scheduled cluster sync...")
	rep, err := s.syncer.Sync(ctx, clustersync.TargetAll)
	if err != nil {
		return errors.Wrap(err, "cluster sync failed")
	}
	if overall := rep.Overall(); overall == clustersync.OverallFailed {
		return errors.Errorf("cluster sync %s failed for every cluster", rep.RunID)
	}
	if len(rep.Clusters) > 0 {
		s.mu.Lock()
		fleet := rep.Fleet
		s.lastFleet = &fleet
		s.mu.Unlock()
	}
	log.Printf("Cluster sync %s finished: %s", rep.RunID, rep.Overall())
	return nil
}

func (s *Scheduler) RunHistory(ctx context.Context) error {
	day := s.history.Yesterday()
	log.Printf("Running scheduled history population for %s...", day)
	result, err := s.history.Run(ctx, day)
	if err != nil {
		return errors.Wrap(err, "history population failed")
	}
	if result.Failed() {
		return errors.Errorf("history population for %s finished with errors", day)
	}
	log.Printf("History population for %s completed", day)
	return nil
}

func (s *Scheduler) RunCompliance(ctx context.Context) error {
	log.Println("Running scheduled compliance rollup...")
	if err := s.compliance.RollupAll(ctx); err != nil {
		return errors.Wrap(err, "compliance rollup failed")
	}
	return nil
}

func (s *Scheduler) RunReport(ctx context.Context) error {
	if s.uploader == nil {
		return errors.New("no report uploader configured")
	}
	log.Println("Running scheduled posture report...")

	s.mu.Lock()
	fleet := s.lastFleet
	s.mu.Unlock()

	now := time.Now()
	pdfPath, err := report.Generate(ctx, s.store, s.narrator, fleet, now)
	if err != nil {
		return errors.Wrap(err, "failed to generate report")
	}
	defer os.Remove(pdfPath)

	comment := fmt.Sprintf("Weekly Kubernetes posture report (%s)", now.Format(history.DayLayout))
	if err := s.uploader.SendReportWithPDF(ctx, "Kubernetes Posture Report", comment, pdfPath); err != nil {
		return errors.Wrap(err, "failed to send report")
	}

	log.Println("Posture report sent successfully")
	return nil
}
