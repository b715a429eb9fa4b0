package history

import (
	"context"
	"log"
	"time"

	"github.com/helmcloud/k8s-posture/internal/compliance"
	"github.com/helmcloud/k8s-posture/internal/metrics"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
)

// DayLayout is the format of a history saved date.
const DayLayout = "2006-01-02"

type Snapshotter struct {
	store      *storage.Storage
	calculator *compliance.Calculator
	retention  time.Duration
	now        func() time.Time
}

// Result describes one history run. Entity failures are isolated from each other.
type Result struct {
	Day           string
	Rows          map[storage.HistoryEntity]int64
	Errors        map[storage.HistoryEntity]error
	ComplianceErr error
	RescanErr     error
	RescansQueued int
	EventsPruned  int64
}

func (r *Result) Failed() bool {
	return len(r.Errors) > 0 || r.ComplianceErr != nil || r.RescanErr != nil
}

// New returns a Snapshotter. A zero eventRetention keeps cluster events forever.
func New(store *storage.Storage, calculator *compliance.Calculator, eventRetention time.Duration) *Snapshotter {
	return &Snapshotter{
		store:      store,
		calculator: calculator,
		retention:  eventRetention,
		now:        time.Now,
	}
}

// Yesterday returns the saved date the daily job captures by default.
func (s *Snapshotter) Yesterday() string {
	return s.now().AddDate(0, 0, -1).Format(DayLayout)
}

// Populate replaces the history rows of every entity for day with the current live rows.
func (s *Snapshotter) Populate(ctx context.Context, day string) (*Result, error) {
	if _, err := time.Parse(DayLayout, day); err != nil {
		return nil, errors.Wrapf(err, "invalid history day %q", day)
	}

	result := &Result{
		Day:    day,
		Rows:   make(map[storage.HistoryEntity]int64),
		Errors: make(map[storage.HistoryEntity]error),
	}
	for _, entity := range storage.HistoryEntities {
		n, err := s.store.ReplaceHistory(ctx, entity, day)
		if err != nil {
			log.Printf("Error populating %s history for %s: %v", entity, day, err)
			result.Errors[entity] = err
			continue
		}
		result.Rows[entity] = n
		metrics.HistoryRows.WithLabelValues(string(entity)).Set(float64(n))
		log.Printf("Populated %s history for %s: %d rows", entity, day, n)
	}
	return result, nil
}

// Run is the daily job: populate history for day, recompute its compliance, queue image
// rescans and prune old cluster events.
func (s *Snapshotter) Run(ctx context.Context, day string) (*Result, error) {
	result, err := s.Populate(ctx, day)
	if err != nil {
		return nil, err
	}

	if err := s.calculator.RollupHistory(ctx, day); err != nil {
		log.Printf("Error calculating history compliance for %s: %v", day, err)
		result.ComplianceErr = err
	}

	queued, err := s.SweepRescans(ctx)
	if err != nil {
		log.Printf("Error queuing image rescans: %v", err)
		result.RescanErr = err
	}
	result.RescansQueued = queued

	if s.retention > 0 {
		pruned, err := s.store.PruneClusterEvents(ctx, s.now().Add(-s.retention))
		if err != nil {
			log.Printf("Error pruning cluster events: %v", err)
		}
		result.EventsPruned = pruned
	}

	return result, nil
}

// SweepRescans queues a rescan for every running image whose last scan is older than its
// cluster's grace period, or that was never scanned.
func (s *Snapshotter) SweepRescans(ctx context.Context) (int, error) {
	candidates, err := s.store.RescanCandidates(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	var due []storage.RescanCandidate
	for _, c := range candidates {
		if c.LastScanned == nil || now.Sub(*c.LastScanned) > time.Duration(c.GracePeriodDays)*24*time.Hour {
			due = append(due, c)
		}
	}

	if err := s.store.QueueRescans(ctx, due, now); err != nil {
		return 0, err
	}
	if len(due) > 0 {
		log.Printf("Queued %d image rescans", len(due))
	}
	return len(due), nil
}
