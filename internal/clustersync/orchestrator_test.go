package clustersync

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/helmcloud/k8s-posture/internal/compliance"
	"github.com/helmcloud/k8s-posture/internal/events"
	"github.com/helmcloud/k8s-posture/internal/kube"
	"github.com/helmcloud/k8s-posture/internal/licensing"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

type fakeConnector struct {
	mu       sync.Mutex
	fetchers map[string]kube.Fetcher
	errs     map[string]error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{fetchers: map[string]kube.Fetcher{}, errs: map[string]error{}}
}

func (c *fakeConnector) set(cluster string, objects ...runtime.Object) *fake.Clientset {
	clientset := fake.NewClientset(objects...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[cluster] = kube.NewFetcher(clientset, nil, time.Second)
	return clientset
}

func (c *fakeConnector) Connect(cluster storage.Cluster) (kube.Fetcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[cluster.Name]; err != nil {
		return nil, err
	}
	f, ok := c.fetchers[cluster.Name]
	if !ok {
		return nil, errors.Errorf("no fake for %s", cluster.Name)
	}
	return f, nil
}

type fakePortal struct {
	valid   bool
	checked int
	sent    []licensing.InstanceSummary
}

func (p *fakePortal) CheckValidity(_ context.Context, _ licensing.Keys) (bool, error) {
	p.checked++
	return p.valid, nil
}

func (p *fakePortal) SendFleetSummary(_ context.Context, _ licensing.Keys, s licensing.InstanceSummary) error {
	p.sent = append(p.sent, s)
	return nil
}

type harness struct {
	store     *storage.Storage
	connector *fakeConnector
	orch      *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "posture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	connector := newFakeConnector()
	orch := NewOrchestrator(store, connector, events.NewRecorder(store), compliance.NewCalculator(store), opts)
	return &harness{store: store, connector: connector, orch: orch}
}

func (h *harness) addCluster(t *testing.T, name string) int64 {
	t.Helper()
	id, err := h.store.SaveCluster(context.Background(), &storage.Cluster{Name: name})
	require.NoError(t, err)
	return id
}

func digestOf(image string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(image)))
}

func runningPod(namespace, name string, images ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:       namespace,
			Name:            name,
			UID:             types.UID(namespace + "-" + name),
			ResourceVersion: "1",
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
	for i, image := range images {
		container := fmt.Sprintf("c%d", i)
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: container, Image: image})
		pod.Status.ContainerStatuses = append(pod.Status.ContainerStatuses, corev1.ContainerStatus{
			Name:    container,
			Image:   image,
			ImageID: "docker-pullable://" + image + "@sha256:" + digestOf(image),
		})
	}
	return pod
}

func namespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func node(name, cpu, memory string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{Capacity: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(cpu),
			corev1.ResourceMemory: resource.MustParse(memory),
		}},
	}
}

func TestSyncDeduplicatesImages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	id := h.addCluster(t, "prod")
	h.connector.set("prod",
		node("n1", "4", "16Gi"),
		namespace("default"),
		runningPod("default", "web-1", "nginx:1.25"),
		runningPod("default", "web-2", "nginx:1.25"),
		runningPod("default", "worker", "redis:7", "nginx:1.25"),
	)

	report, err := h.orch.Sync(ctx, "all")
	require.NoError(t, err)
	require.Len(t, report.Clusters, 1)
	assert.Equal(t, OutcomeSuccess, report.Clusters[0].Outcome)

	images, err := h.store.ListImages(ctx, id)
	require.NoError(t, err)
	require.Len(t, images, 2)

	imageIDs := map[string]int64{}
	for _, img := range images {
		imageIDs[img.Name] = img.ID
		assert.Equal(t, digestOf(img.Name), img.Digest)
		assert.True(t, img.RunningInCluster)
		assert.Equal(t, storage.ComplianceUnscanned, img.Compliance)
	}

	pods, err := h.store.ListPods(ctx, id)
	require.NoError(t, err)
	require.Len(t, pods, 3)
	for _, p := range pods {
		assert.Contains(t, p.ImageIDs, imageIDs["nginx:1.25"], "pod %s", p.Name)
	}
}

func TestSyncPodsAreImmutable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	id := h.addCluster(t, "prod")
	objects := []runtime.Object{
		node("n1", "2", "8Gi"),
		namespace("default"),
		runningPod("default", "api", "api:1.0"),
		runningPod("default", "db", "postgres:16"),
	}
	h.connector.set("prod", objects...)

	_, err := h.orch.Sync(ctx, "all")
	require.NoError(t, err)
	before, err := h.store.ListPods(ctx, id)
	require.NoError(t, err)

	_, err = h.orch.Sync(ctx, "all")
	require.NoError(t, err)
	again, err := h.store.ListPods(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, again)

	// Same pod, one more container and a newer resource version.
	api := runningPod("default", "api", "api:1.0", "envoy:1.30")
	api.ResourceVersion = "2"
	h.connector.set("prod", node("n1", "2", "8Gi"), namespace("default"), api, runningPod("default", "db", "postgres:16"))

	_, err = h.orch.Sync(ctx, "all")
	require.NoError(t, err)
	after, err := h.store.ListPods(ctx, id)
	require.NoError(t, err)
	require.Len(t, after, 2)

	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].UID, after[i].UID)
		assert.Equal(t, "1", after[i].ResourceVersion)
		if after[i].Name == "api" {
			assert.Len(t, after[i].ImageIDs, len(before[i].ImageIDs)+1)
		} else {
			assert.Equal(t, before[i].ImageIDs, after[i].ImageIDs)
		}
	}
}

func TestSyncRemovesDeadPodsAndNamespaces(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	id := h.addCluster(t, "prod")
	h.connector.set("prod",
		node("n1", "2", "8Gi"),
		namespace("default"), namespace("team-a"), namespace("team-b"),
		runningPod("default", "api", "api:1.0"),
		runningPod("team-a", "api", "api:1.0"),
	)
	_, err := h.orch.Sync(ctx, "all")
	require.NoError(t, err)

	h.connector.set("prod",
		node("n1", "2", "8Gi"),
		namespace("default"), namespace("team-a"),
		runningPod("default", "api", "api:1.0"),
	)
	_, err = h.orch.Sync(ctx, "all")
	require.NoError(t, err)

	namespaces, err := h.store.ListNamespaces(ctx, id)
	require.NoError(t, err)
	var names []string
	for _, ns := range namespaces {
		names = append(names, ns.Name)
	}
	assert.Equal(t, []string{"default", "team-a"}, names)

	pods, err := h.store.ListPods(ctx, id)
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "default", pods[0].Namespace)
}

func deployment(namespace, name string, replicas, ready int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name, UID: types.UID(namespace + "-" + name)},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
		Status:     appsv1.DeploymentStatus{ReadyReplicas: ready},
	}
}

func TestSyncReconcilesDeployments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	id := h.addCluster(t, "prod")
	h.connector.set("prod",
		node("n1", "2", "8Gi"), namespace("default"),
		deployment("default", "api", 3, 2),
		deployment("default", "worker", 1, 1),
	)
	_, err := h.orch.Sync(ctx, "all")
	require.NoError(t, err)

	h.connector.set("prod",
		node("n1", "2", "8Gi"), namespace("default"),
		deployment("default", "api", 3, 3),
	)
	report, err := h.orch.Sync(ctx, "all")
	require.NoError(t, err)
	assert.Equal(t, OverallSuccess, report.Overall())

	stored, err := h.store.ListDeployments(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "api", stored[0].Name)
	assert.Equal(t, int32(3), stored[0].Replicas)
	assert.Equal(t, int32(3), stored[0].ReadyReplicas)
}

func TestSyncIsolatesClusterFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Workers: 3})
	ids := []int64{h.addCluster(t, "one"), h.addCluster(t, "two"), h.addCluster(t, "three")}

	h.connector.set("one", node("n1", "4", "16Gi"), namespace("default"), runningPod("default", "a", "app:1"))
	broken := h.connector.set("two", node("n1", "4", "16Gi"), namespace("default"))
	broken.PrependReactor("list", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("dial tcp: connection refused")
	})
	h.connector.set("three", node("n1", "8", "32Gi"), node("n2", "8", "32Gi"), namespace("default"), runningPod("default", "b", "app:2"))

	report, err := h.orch.Sync(ctx, "all")
	require.NoError(t, err)
	require.Len(t, report.Clusters, 3)
	assert.Equal(t, OverallPartial, report.Overall())

	byName := map[string]ClusterResult{}
	for _, r := range report.Clusters {
		byName[r.ClusterName] = r
	}

	for _, name := range []string{"one", "three"} {
		r := byName[name]
		assert.Equal(t, OutcomeSuccess, r.Outcome, name)
		require.NotNil(t, r.NodeSummary.NumNodes, name)
		require.NotNil(t, r.NodeSummary.AmountRAM, name)
	}
	assert.Equal(t, 2, *byName["three"].NodeSummary.NumNodes)
	assert.Equal(t, int64(64<<30), *byName["three"].NodeSummary.AmountRAM)

	failed := byName["two"]
	assert.Equal(t, OutcomeFatal, failed.Outcome)
	assert.Nil(t, failed.NodeSummary.NumNodes)
	require.Len(t, failed.Errors, 1)
	var connErr *ConnectivityError
	assert.True(t, errors.As(failed.Errors[0], &connErr))

	namespaces, err := h.store.ListNamespaces(ctx, ids[1])
	require.NoError(t, err)
	assert.Empty(t, namespaces, "no partial writes after a failed canary")

	for i, id := range ids {
		c, err := h.store.GetCluster(ctx, id)
		require.NoError(t, err)
		if i == 1 {
			assert.Nil(t, c.LastScanned)
		} else {
			assert.NotNil(t, c.LastScanned)
			pods, err := h.store.ListPods(ctx, id)
			require.NoError(t, err)
			assert.Len(t, pods, 1)
		}
	}

	evts, err := h.store.ListClusterEvents(ctx, ids[1], 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.CategoryBatchJob, evts[0].Category)
	assert.Equal(t, events.SeverityError, evts[0].Severity)
	assert.Equal(t, report.RunID, evts[0].RunID)

	assert.Equal(t, int64(3), report.Fleet.Nodes)
	assert.Equal(t, int64(20), report.Fleet.CPUCores)
}

func TestSyncAllClustersUnreachable(t *testing.T) {
	h := newHarness(t, Options{})
	h.addCluster(t, "one")
	h.addCluster(t, "two")
	h.connector.errs["one"] = errors.New("invalid credentials")
	h.connector.errs["two"] = errors.New("invalid credentials")

	report, err := h.orch.Sync(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, OverallFailed, report.Overall())
}

func TestSyncFetchErrorIsPartial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	id := h.addCluster(t, "prod")
	clientset := h.connector.set("prod", node("n1", "2", "8Gi"), namespace("default"), namespace("kube-system"))
	clientset.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("etcdserver: request timed out")
	})

	report, err := h.orch.Sync(ctx, "all")
	require.NoError(t, err)
	result := report.Clusters[0]
	assert.Equal(t, OutcomePartial, result.Outcome)
	require.Len(t, result.Errors, 1)
	var fetchErr *FetchError
	require.True(t, errors.As(result.Errors[0], &fetchErr))
	assert.Equal(t, "pods", fetchErr.Resource)

	namespaces, err := h.store.ListNamespaces(ctx, id)
	require.NoError(t, err)
	assert.Len(t, namespaces, 2, "namespace sync runs independently of pods")

	c, err := h.store.GetCluster(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, c.LastScanned)
}

func TestSyncResolution(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.addCluster(t, "prod")
	h.connector.set("prod", node("n1", "1", "1Gi"))

	for _, target := range []string{"", "abc", "0", "-3", "99", fmt.Sprintf("%d,99", id)} {
		t.Run(target, func(t *testing.T) {
			report, err := h.orch.Sync(context.Background(), target)
			require.Error(t, err)
			assert.Nil(t, report)
			var resErr *ResolutionError
			assert.True(t, errors.As(err, &resErr))
		})
	}

	report, err := h.orch.Sync(context.Background(), fmt.Sprintf("%d", id))
	require.NoError(t, err)
	require.Len(t, report.Clusters, 1)
	assert.Equal(t, id, report.Clusters[0].ClusterID)
}

func TestSyncNoTargets(t *testing.T) {
	h := newHarness(t, Options{})
	report, err := h.orch.Sync(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, OverallNoTargets, report.Overall())
	assert.NotEmpty(t, report.RunID)
}

func TestSyncFleetSummaryGatedByLicense(t *testing.T) {
	tests := []struct {
		name     string
		keys     licensing.Keys
		valid    bool
		wantSent bool
		wantChk  int
	}{
		{name: "no keys", keys: licensing.Keys{}, valid: true, wantChk: 0},
		{name: "invalid", keys: licensing.Keys{LicenseKey: "l", InstanceKey: "i"}, valid: false, wantChk: 1},
		{name: "valid", keys: licensing.Keys{LicenseKey: "l", InstanceKey: "i"}, valid: true, wantChk: 1, wantSent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			portal := &fakePortal{valid: tt.valid}
			h := newHarness(t, Options{Licensing: portal, LicenseKeys: tt.keys})
			id := h.addCluster(t, "prod")
			h.connector.set("prod", node("n1", "4", "16Gi"))

			report, err := h.orch.Sync(context.Background(), "all")
			require.NoError(t, err)
			assert.Equal(t, OverallSuccess, report.Overall(), "license never changes the outcome")
			assert.Equal(t, tt.wantChk, portal.checked)

			if !tt.wantSent {
				assert.Empty(t, portal.sent)
				return
			}
			require.Len(t, portal.sent, 1)
			assert.Equal(t, int64(1), portal.sent[0].TotalNodes)
			assert.Equal(t, int64(4), portal.sent[0].TotalCPU)
			assert.Equal(t, int64(16<<30), portal.sent[0].TotalRAM)
			require.Len(t, portal.sent[0].ClusterSummaries, 1)
			assert.Equal(t, id, portal.sent[0].ClusterSummaries[0].ClusterID)
		})
	}
}

func TestSyncRollsUpNamespaceCompliance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	id := h.addCluster(t, "prod")
	h.connector.set("prod",
		node("n1", "2", "8Gi"),
		namespace("a"), namespace("b"), namespace("empty"),
		runningPod("a", "p1", "app:1"),
		runningPod("a", "p2", "app:1"),
		runningPod("b", "p3", "app:1"),
		runningPod("b", "p4", "app:2"),
	)
	_, err := h.orch.Sync(ctx, "all")
	require.NoError(t, err)

	require.NoError(t, h.store.SetPodViolations(ctx, id, "b", "p4", 2))
	_, err = h.orch.Sync(ctx, fmt.Sprintf("%d", id))
	require.NoError(t, err)

	namespaces, err := h.store.ListNamespaces(ctx, id)
	require.NoError(t, err)
	got := map[string]bool{}
	for _, ns := range namespaces {
		require.NotNil(t, ns.Compliant, ns.Name)
		got[ns.Name] = *ns.Compliant
	}
	assert.Equal(t, map[string]bool{"a": true, "b": false, "empty": true}, got)
}
