package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "posture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveClusterUpsertsByName(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.SaveCluster(ctx, &Cluster{Name: "prod", Context: "old", GracePeriodDays: 3})
	require.NoError(t, err)
	again, err := s.SaveCluster(ctx, &Cluster{Name: "prod", Context: "new", GracePeriodDays: 7})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	c, err := s.GetCluster(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new", c.Context)
	assert.Equal(t, 7, c.GracePeriodDays)
	assert.Nil(t, c.LastScanned)

	scanned := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkClusterScanned(ctx, id, scanned))
	c, err = s.GetCluster(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c.LastScanned)
	assert.True(t, scanned.Equal(*c.LastScanned))

	_, err = s.GetCluster(ctx, 999)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestListClustersSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.SaveCluster(ctx, &Cluster{Name: "a"})
	require.NoError(t, err)
	b, err := s.SaveCluster(ctx, &Cluster{Name: "b"})
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteCluster(ctx, b, time.Now()))

	all, err := s.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, a, all[0].ID)

	byID, err := s.ListClustersByIDs(ctx, []int64{a, b, 42})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "a", byID[0].Name)

	// Re-registering a deleted cluster revives it.
	_, err = s.SaveCluster(ctx, &Cluster{Name: "b"})
	require.NoError(t, err)
	all, err = s.ListClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSaveImageDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	cluster, err := s.SaveCluster(ctx, &Cluster{Name: "prod"})
	require.NoError(t, err)

	id, created, err := s.SaveImage(ctx, &Image{ClusterID: cluster, Name: "nginx:1.25", Digest: "abc"})
	require.NoError(t, err)
	assert.True(t, created)

	same, created, err := s.SaveImage(ctx, &Image{ClusterID: cluster, Name: "nginx:1.25", Digest: "abc"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, same)

	other, created, err := s.SaveImage(ctx, &Image{ClusterID: cluster, Name: "nginx:1.25", Digest: "def"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id, other)

	require.NoError(t, s.MarkRunningImages(ctx, cluster, []int64{other}))
	images, err := s.ListImages(ctx, cluster)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, ComplianceUnscanned, images[0].Compliance)
	assert.False(t, images[0].RunningInCluster)
	assert.True(t, images[1].RunningInCluster)
}

func TestPodImageLinks(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	cluster, err := s.SaveCluster(ctx, &Cluster{Name: "prod"})
	require.NoError(t, err)
	img1, _, err := s.SaveImage(ctx, &Image{ClusterID: cluster, Name: "api:1", Digest: "1"})
	require.NoError(t, err)
	img2, _, err := s.SaveImage(ctx, &Image{ClusterID: cluster, Name: "sidecar:1", Digest: "2"})
	require.NoError(t, err)

	podID, err := s.InsertPod(ctx, &Pod{
		ClusterID: cluster, Namespace: "default", Name: "api-1", Phase: "Running",
		Compliant: true, ImageIDs: []int64{img1},
	})
	require.NoError(t, err)

	found, err := s.FindPod(ctx, cluster, "default", "api-1")
	require.NoError(t, err)
	assert.Equal(t, podID, found)
	missing, err := s.FindPod(ctx, cluster, "default", "api-2")
	require.NoError(t, err)
	assert.Zero(t, missing)

	added, err := s.LinkPodImages(ctx, podID, []int64{img1, img2})
	require.NoError(t, err)
	assert.Equal(t, 1, added, "existing links are not duplicated")

	pods, err := s.ListPods(ctx, cluster)
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.ElementsMatch(t, []int64{img1, img2}, pods[0].ImageIDs)

	require.NoError(t, s.DeletePods(ctx, []int64{podID}))
	pods, err = s.ListPods(ctx, cluster)
	require.NoError(t, err)
	assert.Empty(t, pods)
}

func TestSetPodViolations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	cluster, err := s.SaveCluster(ctx, &Cluster{Name: "prod"})
	require.NoError(t, err)
	_, err = s.InsertPod(ctx, &Pod{ClusterID: cluster, Namespace: "default", Name: "api-1", Phase: "Running"})
	require.NoError(t, err)

	require.NoError(t, s.SetPodViolations(ctx, cluster, "default", "api-1", 2))
	violations, err := s.PodViolations(ctx, cluster)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, 2, violations[0].Violations)

	err = s.SetPodViolations(ctx, cluster, "default", "ghost", 1)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestNamespacesDiff(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	cluster, err := s.SaveCluster(ctx, &Cluster{Name: "prod"})
	require.NoError(t, err)

	for _, name := range []string{"kube-system", "default", "apps"} {
		require.NoError(t, s.SaveNamespace(ctx, cluster, name))
	}
	require.NoError(t, s.SaveNamespace(ctx, cluster, "apps"))
	require.NoError(t, s.DeleteNamespaces(ctx, cluster, []string{"kube-system"}))

	namespaces, err := s.ListNamespaces(ctx, cluster)
	require.NoError(t, err)
	require.Len(t, namespaces, 2)
	assert.Equal(t, "apps", namespaces[0].Name)
	assert.Equal(t, "default", namespaces[1].Name)
}

func TestClusterEvents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	cluster, err := s.SaveCluster(ctx, &Cluster{Name: "prod"})
	require.NoError(t, err)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	for i, age := range []int{30, 5, 1} {
		require.NoError(t, s.SaveClusterEvent(ctx, &ClusterEvent{
			ClusterID: cluster, RunID: "run", Category: "Batch Job", Action: "Get", Severity: "Error",
			Message: []string{"oldest", "middle", "newest"}[i], CreatedAt: now.AddDate(0, 0, -age),
		}))
	}

	events, err := s.ListClusterEvents(ctx, cluster, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "newest", events[0].Message)
	assert.Equal(t, "middle", events[1].Message)

	pruned, err := s.PruneClusterEvents(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestReplaceHistorySkipsDeletedClusters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var podIDs []int64
	for _, name := range []string{"live", "gone"} {
		cluster, err := s.SaveCluster(ctx, &Cluster{Name: name})
		require.NoError(t, err)
		img, _, err := s.SaveImage(ctx, &Image{ClusterID: cluster, Name: "api:1", Digest: name})
		require.NoError(t, err)
		podID, err := s.InsertPod(ctx, &Pod{
			ClusterID: cluster, Namespace: "default", Name: "api-1", Phase: "Running", ImageIDs: []int64{img},
		})
		require.NoError(t, err)
		podIDs = append(podIDs, podID)
		if name == "gone" {
			require.NoError(t, s.SoftDeleteCluster(ctx, cluster, time.Now()))
		}
	}

	const day = "2024-04-01"
	n, err := s.ReplaceHistory(ctx, HistoryPods, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var linked []int64
	rows, err := s.db.QueryContext(ctx, "SELECT pod_id FROM pod_images_history WHERE saved_date = ?", day)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		linked = append(linked, id)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{podIDs[0]}, linked)
}

func TestChunkIDs(t *testing.T) {
	ids := make([]int64, 1201)
	chunks := chunkIDs(ids)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], maxBatch)
	assert.Len(t, chunks[2], 201)
	assert.Nil(t, chunkIDs(nil))
	assert.Equal(t, "?,?,?", placeholders(3))
}
