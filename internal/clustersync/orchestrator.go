package clustersync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/helmcloud/k8s-posture/internal/compliance"
	"github.com/helmcloud/k8s-posture/internal/events"
	"github.com/helmcloud/k8s-posture/internal/kube"
	"github.com/helmcloud/k8s-posture/internal/licensing"
	"github.com/helmcloud/k8s-posture/internal/metrics"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
)

// TargetAll selects every registered cluster.
const TargetAll = "all"

// Connector opens a Fetcher for a cluster.
type Connector interface {
	Connect(cluster storage.Cluster) (kube.Fetcher, error)
}

// LicensePortal validates the license and receives the fleet summary.
type LicensePortal interface {
	CheckValidity(ctx context.Context, keys licensing.Keys) (bool, error)
	SendFleetSummary(ctx context.Context, keys licensing.Keys, summary licensing.InstanceSummary) error
}

type Options struct {
	// Workers bounds how many clusters sync at once. Values below 1 mean 1.
	Workers int

	// Licensing is optional. The fleet summary is only sent when it is set, the keys are
	// present and the portal confirms them.
	Licensing   LicensePortal
	LicenseKeys licensing.Keys
}

type Orchestrator struct {
	store      *storage.Storage
	connector  Connector
	events     events.Sink
	calculator *compliance.Calculator
	opts       Options
	now        func() time.Time
}

func NewOrchestrator(
	store *storage.Storage,
	connector Connector,
	sink events.Sink,
	calculator *compliance.Calculator,
	opts Options,
) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Orchestrator{
		store:      store,
		connector:  connector,
		events:     sink,
		calculator: calculator,
		opts:       opts,
		now:        time.Now,
	}
}

// Sync synchronises the clusters named by target, either "all" or a comma separated list
// of cluster ids. Per-cluster failures are reported in the Report and as cluster events.
// The returned error is always a *ResolutionError, and no cluster has been touched.
func (o *Orchestrator) Sync(ctx context.Context, target string) (*Report, error) {
	clusters, err := o.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Target:    target,
		StartedAt: o.now(),
	}
	log.Printf("Starting sync run %s for %d clusters (target=%s)", report.RunID, len(clusters), target)

	results := make([]ClusterResult, len(clusters))
	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for i, cluster := range clusters {
		g.Go(func() error {
			results[i] = o.syncCluster(ctx, report.RunID, cluster)
			return nil
		})
	}
	g.Wait()

	report.Clusters = results
	report.Fleet = buildFleetSummary(results)

	if len(clusters) > 0 {
		ids := make([]int64, len(clusters))
		for i, c := range clusters {
			ids[i] = c.ID
		}

		if err := o.calculator.RollupLive(ctx, ids); err != nil {
			report.ComplianceErr = err
			for _, id := range ids {
				o.record(ctx, report.RunID, id, events.CategoryCompliance, events.ActionUpdate, events.SeverityError,
					"Cluster pods compliance check failed", err.Error())
			}
		}

		o.sendFleetSummary(ctx, report, ids)
	}

	report.FinishedAt = o.now()
	overall := report.Overall()
	metrics.SyncRuns.WithLabelValues(string(overall)).Inc()
	if strings.EqualFold(strings.TrimSpace(target), TargetAll) {
		metrics.FleetNodes.Set(float64(report.Fleet.Nodes))
		metrics.FleetCPUCores.Set(float64(report.Fleet.CPUCores))
		metrics.FleetRAMBytes.Set(float64(report.Fleet.RAMBytes))
	}

	log.Printf("Sync run %s finished: %s (%d clusters, %s)",
		report.RunID, overall, len(clusters), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

func (o *Orchestrator) resolve(ctx context.Context, target string) ([]storage.Cluster, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, &ResolutionError{Target: target, Reason: `expected a cluster id or "all"`}
	}

	if strings.EqualFold(target, TargetAll) {
		clusters, err := o.store.ListClusters(ctx)
		if err != nil {
			return nil, &ResolutionError{Target: target, Reason: err.Error()}
		}
		return clusters, nil
	}

	var ids []int64
	seen := make(map[int64]bool)
	for _, part := range strings.Split(target, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, &ResolutionError{Target: target, Reason: fmt.Sprintf("%q is not a cluster id", part)}
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	clusters, err := o.store.ListClustersByIDs(ctx, ids)
	if err != nil {
		return nil, &ResolutionError{Target: target, Reason: err.Error()}
	}
	if len(clusters) != len(ids) {
		found := make(map[int64]bool, len(clusters))
		for _, c := range clusters {
			found[c.ID] = true
		}
		var missing []string
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, strconv.FormatInt(id, 10))
			}
		}
		sort.Strings(missing)
		return nil, &ResolutionError{Target: target, Reason: "unknown cluster ids " + strings.Join(missing, ",")}
	}
	return clusters, nil
}

func (o *Orchestrator) syncCluster(ctx context.Context, runID string, cluster storage.Cluster) (result ClusterResult) {
	start := o.now()
	result = ClusterResult{ClusterID: cluster.ID, ClusterName: cluster.Name}
	defer func() {
		result.Duration = o.now().Sub(start)
		metrics.ClusterSyncs.WithLabelValues(string(result.Outcome)).Inc()
		metrics.ClusterSyncDuration.Observe(result.Duration.Seconds())
	}()

	log.Printf("cluster=%d name=%s run=%s: syncing", cluster.ID, cluster.Name, runID)

	fetcher, err := o.connector.Connect(cluster)
	var nodes []corev1.Node
	if err == nil {
		nodes, err = fetcher.ListNodes(ctx)
	}
	if err != nil {
		connErr := &ConnectivityError{ClusterID: cluster.ID, Err: err}
		log.Printf("cluster=%d name=%s run=%s: %v", cluster.ID, cluster.Name, runID, connErr)
		o.record(ctx, runID, cluster.ID, events.CategoryBatchJob, events.ActionGet, events.SeverityError,
			fmt.Sprintf("Could not use the core API to retrieve information from cluster %d", cluster.ID), err.Error())
		result.Outcome = OutcomeFatal
		result.Errors = []error{connErr}
		return result
	}

	run := &clusterRun{
		o:       o,
		runID:   runID,
		cluster: cluster,
		fetcher: fetcher,
		images:  NewImageMap(),
	}
	run.syncNamespaces(ctx)
	run.syncDeployments(ctx)
	run.syncPods(ctx)
	result.NodeSummary = run.nodeSummary(ctx, nodes)
	result.Errors = run.errs

	if len(result.Errors) > 0 {
		result.Outcome = OutcomePartial
		log.Printf("cluster=%d name=%s run=%s: partially synced with %d errors", cluster.ID, cluster.Name, runID, len(result.Errors))
		return result
	}

	if err := o.store.MarkClusterScanned(ctx, cluster.ID, o.now()); err != nil {
		result.Outcome = OutcomePartial
		result.Errors = append(result.Errors, &PersistenceError{ClusterID: cluster.ID, Entity: "cluster", Err: err})
		log.Printf("cluster=%d: %v", cluster.ID, err)
		return result
	}
	result.Outcome = OutcomeSuccess
	log.Printf("cluster=%d name=%s run=%s: synced", cluster.ID, cluster.Name, runID)
	return result
}

// sendFleetSummary checks the license and, when it is valid, sends the fleet summary. It
// never affects the outcome of the run.
func (o *Orchestrator) sendFleetSummary(ctx context.Context, report *Report, clusterIDs []int64) {
	if o.opts.Licensing == nil || o.opts.LicenseKeys.Empty() {
		return
	}

	valid, err := o.opts.Licensing.CheckValidity(ctx, o.opts.LicenseKeys)
	if err != nil || !valid {
		detail := "license reported invalid"
		if err != nil {
			detail = err.Error()
		}
		log.Printf("License check failed, fleet summary not sent: %s", detail)
		for _, id := range clusterIDs {
			o.record(ctx, report.RunID, id, events.CategoryLicense, events.ActionCreate, events.SeverityError,
				"License Key / Instance Key combination is invalid", detail)
		}
		return
	}

	if err := o.opts.Licensing.SendFleetSummary(ctx, o.opts.LicenseKeys, report.InstanceSummary()); err != nil {
		log.Printf("Error sending fleet summary to licensing portal: %v", err)
		return
	}
	log.Printf("Fleet summary sent: %d nodes, %d cores, %d bytes RAM",
		report.Fleet.Nodes, report.Fleet.CPUCores, report.Fleet.RAMBytes)
}

func (o *Orchestrator) record(ctx context.Context, runID string, clusterID int64, category, action, severity, message, detail string) {
	err := o.events.Record(ctx, &storage.ClusterEvent{
		ClusterID: clusterID,
		RunID:     runID,
		Category:  category,
		Action:    action,
		Severity:  severity,
		Message:   message,
		Detail:    detail,
	})
	if err != nil {
		log.Printf("Error recording event for cluster %d: %v", clusterID, err)
	}
}
