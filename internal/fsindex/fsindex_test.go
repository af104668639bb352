package fsindex_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/driver/memory"
	"github.com/cloudpaste/gateway/internal/fsindex"
	"github.com/cloudpaste/gateway/internal/job"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/mount"
	"github.com/cloudpaste/gateway/internal/store"
)

func newTestIndex(t *testing.T) (*fsindex.Index, *mount.Router, *driver.Registry) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	router := mount.NewRouter()
	registry := driver.NewRegistry()
	x := fsindex.New(db.DB, router, registry, logging.New(false))
	return x, router, registry
}

func seedMount(t *testing.T, router *mount.Router, registry *driver.Registry, mountID string) *memory.Storage {
	t.Helper()
	sto := memory.New()
	registry.PutInstance(mountID+"-sc", sto)
	router.Set([]mount.Mount{{ID: mountID, MountPath: "/" + mountID, StorageConfigID: mountID + "-sc", IsActive: true}})
	return sto
}

func TestMountStatusNextAction(t *testing.T) {
	cases := []struct {
		status fsindex.MountStatus
		want   fsindex.RecommendedAction
	}{
		{fsindex.MountStatus{Status: fsindex.StateIndexing}, fsindex.ActionWait},
		{fsindex.MountStatus{Status: fsindex.StateNotReady}, fsindex.ActionRebuild},
		{fsindex.MountStatus{Status: fsindex.StateError}, fsindex.ActionRebuild},
		{fsindex.MountStatus{Status: fsindex.StateReady, DirtyCount: 6000}, fsindex.ActionRebuild},
		{fsindex.MountStatus{Status: fsindex.StateReady, DirtyCount: 5}, fsindex.ActionApplyDirty},
		{fsindex.MountStatus{Status: fsindex.StateReady}, fsindex.ActionNone},
	}
	for _, c := range cases {
		got, _ := c.status.NextAction()
		require.Equal(t, c.want, got)
	}
}

func TestStatusDefaultsToNotReady(t *testing.T) {
	x, _, _ := newTestIndex(t)
	s, err := x.Status(context.Background(), "missing-mount")
	require.NoError(t, err)
	require.Equal(t, fsindex.StateNotReady, s.Status)
}

func runJob(t *testing.T, h job.Handler, payload interface{}) *job.Job {
	t.Helper()
	r := job.NewRegistry(logging.New(false), nil)
	r.RegisterHandler("task", h)
	j, err := r.Submit(context.Background(), "task", payload, job.TriggerManual)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := r.Get(j.JobID)
		if got.Status.Terminal() {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not complete in time")
	return nil
}

func TestRebuildHandlerIndexesEntries(t *testing.T) {
	x, router, registry := newTestIndex(t)
	sto := seedMount(t, router, registry, "m1")

	ctx := context.Background()
	require.NoError(t, sto.Mkdir(ctx, "docs"))
	_, err := sto.Write(ctx, "docs/readme.txt", strings.NewReader("hello"), 5, driver.WriteOptions{})
	require.NoError(t, err)

	done := runJob(t, x.RebuildHandler(), fsindex.RebuildPayload{MountIDs: []string{"m1"}})
	require.Equal(t, job.StatusCompleted, done.Status)

	status, err := x.Status(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, fsindex.StateReady, status.Status)

	res, err := x.Search(ctx, nil, fsindex.ScopeMount, "readme", "m1", "", "", 10)
	require.NoError(t, err)
	require.True(t, res.IndexReady)
	require.Len(t, res.Results, 1)
	require.Equal(t, "docs/readme.txt", res.Results[0].Entry.Key)
}

func TestSearchGlobalScopeFiltersByVisibleMounts(t *testing.T) {
	x, router, registry := newTestIndex(t)
	ctx := context.Background()

	stoA := memory.New()
	registry.PutInstance("m1-sc", stoA)
	require.NoError(t, stoA.Mkdir(ctx, "docs"))
	_, err := stoA.Write(ctx, "docs/readme.txt", strings.NewReader("hello"), 5, driver.WriteOptions{})
	require.NoError(t, err)

	stoB := memory.New()
	registry.PutInstance("m2-sc", stoB)
	_, err = stoB.Write(ctx, "readme-secret.txt", strings.NewReader("hello"), 5, driver.WriteOptions{})
	require.NoError(t, err)

	router.Set([]mount.Mount{
		{ID: "m1", MountPath: "/m1", StorageConfigID: "m1-sc", IsActive: true},
		{ID: "m2", MountPath: "/m2", StorageConfigID: "m2-sc", IsActive: true},
	})

	done := runJob(t, x.RebuildHandler(), fsindex.RebuildPayload{MountIDs: []string{"m1", "m2"}})
	require.Equal(t, job.StatusCompleted, done.Status)

	key := &authz.ApiKey{ID: "k1", BasicPath: "/m1"}
	res, err := x.Search(ctx, key, fsindex.ScopeGlobal, "readme", "", "", "", 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"m1"}, res.SearchableMountIDs)
	require.Len(t, res.Results, 1)
	require.Equal(t, "m1", res.Results[0].MountID)

	_, err = x.Search(ctx, key, fsindex.ScopeMount, "readme", "m2", "", "", 10)
	require.Error(t, err)
}

func TestSearchRejectsShortQuery(t *testing.T) {
	x, _, _ := newTestIndex(t)
	_, err := x.Search(context.Background(), nil, fsindex.ScopeGlobal, "ab", "", "", "", 10)
	require.Error(t, err)
}

func TestSearchMountScopeRequiresMountID(t *testing.T) {
	x, _, _ := newTestIndex(t)
	_, err := x.Search(context.Background(), nil, fsindex.ScopeMount, "readme", "", "", "", 10)
	require.Error(t, err)
}

func TestSearchUnreadyMountReturnsHint(t *testing.T) {
	x, router, registry := newTestIndex(t)
	seedMount(t, router, registry, "m1")

	res, err := x.Search(context.Background(), nil, fsindex.ScopeMount, "readme", "m1", "", "", 10)
	require.NoError(t, err)
	require.False(t, res.IndexReady)
	require.NotEmpty(t, res.Hint)
}

func TestMarkDirtyAndApplyDirty(t *testing.T) {
	x, router, registry := newTestIndex(t)
	sto := seedMount(t, router, registry, "m1")
	ctx := context.Background()

	done := runJob(t, x.RebuildHandler(), fsindex.RebuildPayload{MountIDs: []string{"m1"}})
	require.Equal(t, job.StatusCompleted, done.Status)

	_, err := sto.Write(ctx, "new-file.txt", strings.NewReader("data"), 4, driver.WriteOptions{})
	require.NoError(t, err)
	x.MarkDirty(ctx, "m1", "write", "new-file.txt")

	status, err := x.Status(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, status.DirtyCount)

	done = runJob(t, x.ApplyDirtyHandler(), fsindex.ApplyDirtyPayload{MountIDs: []string{"m1"}})
	require.Equal(t, job.StatusCompleted, done.Status)

	status, err = x.Status(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 0, status.DirtyCount)

	res, err := x.Search(ctx, nil, fsindex.ScopeMount, "new-file", "m1", "", "", 10)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
}

func TestClearResetsMountToNotReady(t *testing.T) {
	x, router, registry := newTestIndex(t)
	seedMount(t, router, registry, "m1")
	ctx := context.Background()

	done := runJob(t, x.RebuildHandler(), fsindex.RebuildPayload{MountIDs: []string{"m1"}})
	require.Equal(t, job.StatusCompleted, done.Status)

	require.NoError(t, x.Clear(ctx, "m1"))
	status, err := x.Status(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, fsindex.StateNotReady, status.Status)
}
