package clustersync

import (
	"time"

	"github.com/helmcloud/k8s-posture/internal/licensing"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFatal   Outcome = "fatal"
)

type Overall string

const (
	OverallSuccess   Overall = "success"
	OverallPartial   Overall = "partial"
	OverallFailed    Overall = "failed"
	OverallNoTargets Overall = "no-targets"
)

type ClusterResult struct {
	ClusterID   int64
	ClusterName string
	Outcome     Outcome
	Errors      []error
	NodeSummary NodeSummary
	Duration    time.Duration
}

type Report struct {
	RunID      string
	Target     string
	StartedAt  time.Time
	FinishedAt time.Time
	Clusters   []ClusterResult
	Fleet      FleetSummary

	// ComplianceErr is set when the rollup after the cluster loop failed.
	ComplianceErr error
}

// FleetSummary totals node capacity over every cluster of a run. Missing values count as zero.
type FleetSummary struct {
	Nodes    int64
	CPUCores int64
	RAMBytes int64
}

// Overall collapses the per-cluster outcomes of a run.
func (r *Report) Overall() Overall {
	if len(r.Clusters) == 0 {
		return OverallNoTargets
	}
	success, fatal := 0, 0
	for _, c := range r.Clusters {
		switch c.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeFatal:
			fatal++
		}
	}
	switch {
	case success == len(r.Clusters):
		return OverallSuccess
	case fatal == len(r.Clusters):
		return OverallFailed
	default:
		return OverallPartial
	}
}

func buildFleetSummary(results []ClusterResult) FleetSummary {
	var fleet FleetSummary
	for _, r := range results {
		s := r.NodeSummary
		if s.NumNodes != nil {
			fleet.Nodes += int64(*s.NumNodes)
		}
		if s.NumCPU != nil {
			fleet.CPUCores += *s.NumCPU
		}
		if s.AmountRAM != nil {
			fleet.RAMBytes += *s.AmountRAM
		}
	}
	return fleet
}

// InstanceSummary converts the report into the licensing portal payload.
func (r *Report) InstanceSummary() licensing.InstanceSummary {
	summary := licensing.InstanceSummary{
		TotalNodes:       r.Fleet.Nodes,
		TotalCPU:         r.Fleet.CPUCores,
		TotalRAM:         r.Fleet.RAMBytes,
		ClusterSummaries: make([]licensing.ClusterSummary, 0, len(r.Clusters)),
	}
	for _, c := range r.Clusters {
		summary.ClusterSummaries = append(summary.ClusterSummaries, licensing.ClusterSummary{
			ClusterID:   c.ClusterID,
			ClusterName: c.ClusterName,
			NumNodes:    c.NodeSummary.NumNodes,
			NumCPU:      c.NodeSummary.NumCPU,
			AmountRAM:   c.NodeSummary.AmountRAM,
		})
	}
	return summary
}
