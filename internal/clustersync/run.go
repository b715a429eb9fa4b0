package clustersync

import (
	"context"
	"fmt"
	"log"

	"github.com/helmcloud/k8s-posture/internal/events"
	"github.com/helmcloud/k8s-posture/internal/kube"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
)

// clusterRun holds the state of one cluster's sync. Its steps run sequentially and each
// step's failure is recorded without stopping the next step.
type clusterRun struct {
	o       *Orchestrator
	runID   string
	cluster storage.Cluster
	fetcher kube.Fetcher
	images  *ImageMap
	errs    []error
}

func (r *clusterRun) fail(ctx context.Context, err error, action, message string) {
	r.errs = append(r.errs, err)
	log.Printf("cluster=%d name=%s run=%s: %s: %v", r.cluster.ID, r.cluster.Name, r.runID, message, err)
	r.o.record(ctx, r.runID, r.cluster.ID, events.CategoryBatchJob, action, events.SeverityError, message, err.Error())
}

// syncNamespaces upserts every namespace in the cluster and deletes stored namespaces that
// are no longer present.
func (r *clusterRun) syncNamespaces(ctx context.Context) {
	message := fmt.Sprintf("Error while syncing namespaces for cluster %d", r.cluster.ID)

	namespaces, err := r.fetcher.ListNamespaces(ctx)
	if err != nil {
		r.fail(ctx, &FetchError{ClusterID: r.cluster.ID, Resource: "namespaces", Err: err}, events.ActionGet, message)
		return
	}

	present := make(map[string]bool, len(namespaces))
	failed := 0
	var firstErr error
	for _, ns := range namespaces {
		present[ns.Name] = true
		if err := r.o.store.SaveNamespace(ctx, r.cluster.ID, ns.Name); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		err := errors.Wrapf(firstErr, "%d of %d namespaces not saved", failed, len(namespaces))
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "namespaces", Err: err}, events.ActionUpdate, message)
	}

	stored, err := r.o.store.ListNamespaces(ctx, r.cluster.ID)
	if err != nil {
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "namespaces", Err: err}, events.ActionUpdate, message)
		return
	}
	var dead []string
	for _, ns := range stored {
		if !present[ns.Name] {
			dead = append(dead, ns.Name)
		}
	}
	if len(dead) == 0 {
		return
	}
	if err := r.o.store.DeleteNamespaces(ctx, r.cluster.ID, dead); err != nil {
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "namespaces", Err: err}, events.ActionUpdate, message)
		return
	}
	log.Printf("cluster=%d: removed %d namespaces no longer present", r.cluster.ID, len(dead))
}

func (r *clusterRun) syncDeployments(ctx context.Context) {
	message := fmt.Sprintf("Error while syncing deployments for cluster %d", r.cluster.ID)

	deployments, err := r.fetcher.ListDeployments(ctx)
	if err != nil {
		r.fail(ctx, &FetchError{ClusterID: r.cluster.ID, Resource: "deployments", Err: err}, events.ActionGet, message)
		return
	}

	present := make(map[string]bool, len(deployments))
	failed := 0
	var firstErr error
	for _, d := range deployments {
		present[d.Namespace+"/"+d.Name] = true
		var replicas int32
		if d.Spec.Replicas != nil {
			replicas = *d.Spec.Replicas
		}
		err := r.o.store.SaveDeployment(ctx, &storage.Deployment{
			ClusterID:     r.cluster.ID,
			Namespace:     d.Namespace,
			Name:          d.Name,
			UID:           string(d.UID),
			Generation:    d.Generation,
			Replicas:      replicas,
			ReadyReplicas: d.Status.ReadyReplicas,
		})
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		err := errors.Wrapf(firstErr, "%d of %d deployments not saved", failed, len(deployments))
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "deployments", Err: err}, events.ActionUpdate, message)
	}

	stored, err := r.o.store.ListDeployments(ctx, r.cluster.ID)
	if err != nil {
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "deployments", Err: err}, events.ActionUpdate, message)
		return
	}
	var dead []int64
	for _, d := range stored {
		if !present[d.Namespace+"/"+d.Name] {
			dead = append(dead, d.ID)
		}
	}
	if err := r.o.store.DeleteDeployments(ctx, dead); err != nil {
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "deployments", Err: err}, events.ActionUpdate, message)
	}
}

// nodeSummary never fails the run: unparseable capacity yields an all-nil summary.
func (r *clusterRun) nodeSummary(ctx context.Context, nodes []corev1.Node) NodeSummary {
	summary, err := BuildNodeSummary(nodeCapacities(nodes))
	if err != nil {
		log.Printf("cluster=%d: failed to build node summary: %v", r.cluster.ID, err)
		summary = NodeSummary{}
	}

	usage, err := r.fetcher.NodeUsage(ctx)
	if err != nil {
		log.Printf("cluster=%d: node usage unavailable: %v", r.cluster.ID, err)
		return summary
	}
	summary.UsedCPUMillicores = &usage.CPUMillicores
	summary.UsedRAM = &usage.MemoryBytes
	return summary
}
