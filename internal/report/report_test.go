package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/helmcloud/k8s-posture/internal/analyzer"
	"github.com/helmcloud/k8s-posture/internal/clustersync"
	"github.com/helmcloud/k8s-posture/internal/compliance"
	"github.com/helmcloud/k8s-posture/internal/history"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNarrator struct {
	text string
	err  error
	in   analyzer.Input
}

func (s *stubNarrator) Narrative(_ context.Context, in analyzer.Input) (string, error) {
	s.in = in
	return s.text, s.err
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "posture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedHistory records two days for one cluster: the second day has a pod with violations.
func seedHistory(t *testing.T, store *storage.Storage) {
	t.Helper()
	ctx := context.Background()
	id, err := store.SaveCluster(ctx, &storage.Cluster{Name: "prod"})
	require.NoError(t, err)
	require.NoError(t, store.SaveNamespace(ctx, id, "payments"))
	_, err = store.InsertPod(ctx, &storage.Pod{ClusterID: id, Namespace: "payments", Name: "api-1", Phase: "Running"})
	require.NoError(t, err)

	snap := history.New(store, compliance.NewCalculator(store), 0)
	_, err = snap.Run(ctx, "2024-03-08")
	require.NoError(t, err)

	require.NoError(t, store.SetPodViolations(ctx, id, "payments", "api-1", 3))
	require.NoError(t, compliance.NewCalculator(store).RollupLive(ctx, []int64{id}))
	_, err = snap.Run(ctx, "2024-03-09")
	require.NoError(t, err)
}

func TestCollect(t *testing.T) {
	store := newStore(t)
	seedHistory(t, store)

	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	data, err := Collect(context.Background(), store, now, nil)
	require.NoError(t, err)

	assert.Equal(t, "2024-03-03", data.From)
	assert.Equal(t, "2024-03-09", data.To)
	require.Len(t, data.Clusters, 1)
	assert.Equal(t, "prod", data.Clusters[0].Name)
	assert.Equal(t, []DayCompliance{
		{Day: "2024-03-08", NamespacePct: 100, PodPct: 100, HasPods: true},
		{Day: "2024-03-09", NamespacePct: 0, PodPct: 0, HasPods: true},
	}, data.Clusters[0].Days)
	assert.Equal(t, []string{"prod/payments"}, data.NonCompliant)
}

func TestGenerate(t *testing.T) {
	store := newStore(t)
	seedHistory(t, store)
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	fleet := &clustersync.FleetSummary{Nodes: 3, CPUCores: 12, RAMBytes: 48 << 30}

	narrator := &stubNarrator{text: "Compliance in prod dropped on 2024-03-09.\n\nStart with payments."}
	path, err := Generate(context.Background(), store, narrator, fleet, now)
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(path) })

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(content[:4]))
	assert.Equal(t, int64(3), narrator.in.Nodes)
	assert.Len(t, narrator.in.Trend, 2)
}

func TestGenerateWithoutHistory(t *testing.T) {
	store := newStore(t)
	narrator := &stubNarrator{err: errors.New("should not be called")}

	path, err := Generate(context.Background(), store, narrator, nil, time.Now())
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(path) })

	assert.Empty(t, narrator.in.From, "narrator is skipped without history")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestGenerateNarratorFailure(t *testing.T) {
	store := newStore(t)
	seedHistory(t, store)

	path, err := Generate(context.Background(), store, &stubNarrator{err: errors.New("rate limited")}, nil,
		time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	os.Remove(path)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100.0, percent(0, 0))
	assert.Equal(t, 50.0, percent(1, 2))
	assert.Equal(t, 0.0, percent(0, 4))
}
