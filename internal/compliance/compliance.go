package compliance

import (
	"context"
	"log"

	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
)

// Result is the computed compliance of a single pod or namespace row.
type Result struct {
	ID        int64
	Compliant bool
}

// PodCompliant reports whether a pod with the given number of outstanding violations is compliant.
func PodCompliant(violations int) bool {
	return violations == 0
}

// NamespaceCompliance is the AND over the compliance of the pods in a namespace. A namespace
// without pods is compliant.
func NamespaceCompliance(podCompliant []bool) bool {
	for _, ok := range podCompliant {
		if !ok {
			return false
		}
	}
	return true
}

func Pods(pods []storage.PodViolations) []Result {
	results := make([]Result, len(pods))
	for i, p := range pods {
		results[i] = Result{ID: p.ID, Compliant: PodCompliant(p.Violations)}
	}
	return results
}

func Namespaces(namespaces []storage.NamespacePods) []Result {
	results := make([]Result, len(namespaces))
	for i, ns := range namespaces {
		results[i] = Result{ID: ns.ID, Compliant: NamespaceCompliance(ns.PodCompliant)}
	}
	return results
}

// Split partitions results into the ids to mark compliant and the ids to mark non-compliant.
func Split(results []Result) (compliant, nonCompliant []int64) {
	for _, r := range results {
		if r.Compliant {
			compliant = append(compliant, r.ID)
		} else {
			nonCompliant = append(nonCompliant, r.ID)
		}
	}
	return compliant, nonCompliant
}

// Calculator applies the pod then namespace rollup to stored rows.
type Calculator struct {
	store *storage.Storage
}

func NewCalculator(store *storage.Storage) *Calculator {
	return &Calculator{store: store}
}

// RollupLive recomputes live pod and namespace compliance for each cluster. A failing cluster
// does not stop the others; the first failure is returned.
func (c *Calculator) RollupLive(ctx context.Context, clusterIDs []int64) error {
	var firstErr error
	failed := 0
	for _, id := range clusterIDs {
		if err := c.rollupCluster(ctx, id); err != nil {
			log.Printf("Error calculating compliance for cluster %d: %v", id, err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return errors.Wrapf(firstErr, "compliance rollup failed for %d of %d clusters", failed, len(clusterIDs))
	}
	return nil
}

// RollupAll runs the live rollup over every registered cluster.
func (c *Calculator) RollupAll(ctx context.Context) error {
	clusters, err := c.store.ListClusters(ctx)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(clusters))
	for _, cl := range clusters {
		ids = append(ids, cl.ID)
	}
	return c.RollupLive(ctx, ids)
}

func (c *Calculator) rollupCluster(ctx context.Context, clusterID int64) error {
	pods, err := c.store.PodViolations(ctx, clusterID)
	if err != nil {
		return err
	}
	if err := applySplit(ctx, Pods(pods), c.store.UpdatePodCompliance); err != nil {
		return errors.Wrapf(err, "failed to update pod compliance for cluster %d", clusterID)
	}

	namespaces, err := c.store.NamespacesWithPods(ctx, clusterID)
	if err != nil {
		return err
	}
	if err := applySplit(ctx, Namespaces(namespaces), c.store.UpdateNamespaceCompliance); err != nil {
		return errors.Wrapf(err, "failed to update namespace compliance for cluster %d", clusterID)
	}
	return nil
}

// RollupHistory recomputes pod and namespace compliance of the snapshot saved on savedDate.
func (c *Calculator) RollupHistory(ctx context.Context, savedDate string) error {
	pods, err := c.store.PodHistoryViolations(ctx, savedDate)
	if err != nil {
		return err
	}
	if err := applySplit(ctx, Pods(pods), c.store.UpdatePodHistoryCompliance); err != nil {
		return errors.Wrapf(err, "failed to update pod history compliance for %s", savedDate)
	}

	namespaces, err := c.store.NamespaceHistoryWithPods(ctx, savedDate)
	if err != nil {
		return err
	}
	if err := applySplit(ctx, Namespaces(namespaces), c.store.UpdateNamespaceHistoryCompliance); err != nil {
		return errors.Wrapf(err, "failed to update namespace history compliance for %s", savedDate)
	}
	return nil
}

type updateFunc func(ctx context.Context, ids []int64, compliant bool) error

func applySplit(ctx context.Context, results []Result, update updateFunc) error {
	compliant, nonCompliant := Split(results)
	if err := update(ctx, compliant, true); err != nil {
		return err
	}
	return update(ctx, nonCompliant, false)
}
