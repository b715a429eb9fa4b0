package compliance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceCompliance(t *testing.T) {
	tests := []struct {
		name string
		pods []bool
		want bool
	}{
		{name: "no pods", pods: nil, want: true},
		{name: "all compliant", pods: []bool{true, true, true}, want: true},
		{name: "one non-compliant", pods: []bool{true, false, true}, want: false},
		{name: "all non-compliant", pods: []bool{false}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NamespaceCompliance(tt.pods))
		})
	}
}

func TestPodCompliant(t *testing.T) {
	assert.True(t, PodCompliant(0))
	assert.False(t, PodCompliant(1))
	assert.False(t, PodCompliant(12))
}

func TestSplit(t *testing.T) {
	compliant, nonCompliant := Split([]Result{
		{ID: 1, Compliant: true},
		{ID: 2, Compliant: false},
		{ID: 3, Compliant: true},
	})
	assert.Equal(t, []int64{1, 3}, compliant)
	assert.Equal(t, []int64{2}, nonCompliant)

	compliant, nonCompliant = Split(nil)
	assert.Empty(t, compliant)
	assert.Empty(t, nonCompliant)
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "posture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedCluster stores namespaces a and b with two pods each, and the violation counts given.
func seedCluster(t *testing.T, store *storage.Storage, name string, violations map[string]int) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := store.SaveCluster(ctx, &storage.Cluster{Name: name})
	require.NoError(t, err)

	for _, ns := range []string{"a", "b"} {
		require.NoError(t, store.SaveNamespace(ctx, id, ns))
	}
	for _, p := range []struct{ ns, name string }{{"a", "a1"}, {"a", "a2"}, {"b", "b1"}, {"b", "b2"}} {
		_, err := store.InsertPod(ctx, &storage.Pod{ClusterID: id, Namespace: p.ns, Name: p.name, Phase: "Running"})
		require.NoError(t, err)
		if n, ok := violations[p.name]; ok {
			require.NoError(t, store.SetPodViolations(ctx, id, p.ns, p.name, n))
		}
	}
	return id
}

func namespaceFlags(t *testing.T, store *storage.Storage, clusterID int64) map[string]bool {
	t.Helper()
	namespaces, err := store.ListNamespaces(context.Background(), clusterID)
	require.NoError(t, err)
	flags := map[string]bool{}
	for _, ns := range namespaces {
		require.NotNil(t, ns.Compliant, ns.Name)
		flags[ns.Name] = *ns.Compliant
	}
	return flags
}

func TestRollupLive(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	prod := seedCluster(t, store, "prod", map[string]int{"b2": 1})
	staging := seedCluster(t, store, "staging", nil)

	calc := NewCalculator(store)
	require.NoError(t, calc.RollupLive(ctx, []int64{prod, staging}))

	assert.Equal(t, map[string]bool{"a": true, "b": false}, namespaceFlags(t, store, prod))
	assert.Equal(t, map[string]bool{"a": true, "b": true}, namespaceFlags(t, store, staging))

	pods, err := store.ListPods(ctx, prod)
	require.NoError(t, err)
	for _, p := range pods {
		assert.Equal(t, p.Name != "b2", p.Compliant, p.Name)
	}

	// Clearing the violation flips the namespace back.
	require.NoError(t, store.SetPodViolations(ctx, prod, "b", "b2", 0))
	require.NoError(t, calc.RollupLive(ctx, []int64{prod}))
	assert.Equal(t, map[string]bool{"a": true, "b": true}, namespaceFlags(t, store, prod))
}

func TestRollupHistory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := seedCluster(t, store, "prod", map[string]int{"a1": 3})

	const day = "2024-05-01"
	for _, entity := range storage.HistoryEntities {
		_, err := store.ReplaceHistory(ctx, entity, day)
		require.NoError(t, err)
	}

	calc := NewCalculator(store)
	require.NoError(t, calc.RollupHistory(ctx, day))

	trend, err := store.ComplianceTrend(ctx, day, day)
	require.NoError(t, err)
	require.Len(t, trend, 1)
	assert.Equal(t, id, trend[0].ClusterID)
	assert.Equal(t, "prod", trend[0].ClusterName)
	assert.Equal(t, 2, trend[0].Namespaces)
	assert.Equal(t, 1, trend[0].CompliantNamespaces)
	assert.Equal(t, 4, trend[0].Pods)
	assert.Equal(t, 3, trend[0].CompliantPods)

	// Live rows are untouched by the historical pass.
	namespaces, err := store.ListNamespaces(ctx, id)
	require.NoError(t, err)
	for _, ns := range namespaces {
		assert.Nil(t, ns.Compliant)
	}
}

func TestRollupAllSkipsDeletedClusters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	live := seedCluster(t, store, "prod", map[string]int{"a1": 1})
	gone := seedCluster(t, store, "old", nil)
	require.NoError(t, store.SoftDeleteCluster(ctx, gone, time.Now()))

	require.NoError(t, NewCalculator(store).RollupAll(ctx))
	assert.Equal(t, map[string]bool{"a": false, "b": true}, namespaceFlags(t, store, live))

	namespaces, err := store.ListNamespaces(ctx, gone)
	require.NoError(t, err)
	for _, ns := range namespaces {
		assert.Nil(t, ns.Compliant, ns.Name)
	}
}
