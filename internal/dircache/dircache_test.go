package dircache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/dircache"
	"github.com/cloudpaste/gateway/internal/driver"
)

func TestGetPutRoundtrip(t *testing.T) {
	c := dircache.New(time.Minute)
	key := dircache.Key{MountID: "m1", StorageKey: "docs/"}

	_, ok := c.Get(key)
	require.False(t, ok)

	result := driver.ListResult{Entries: []driver.Entry{{Name: "a.txt"}}}
	c.Put(key, result, 0)

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, got.Entries, 1)
}

func TestGetExpiresAfterTTL(t *testing.T) {
	c := dircache.New(time.Minute)
	key := dircache.Key{MountID: "m1", StorageKey: "docs/"}
	c.Put(key, driver.ListResult{}, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestInvalidatePrefixDropsNestedEntries(t *testing.T) {
	c := dircache.New(time.Minute)
	c.Put(dircache.Key{MountID: "m1", StorageKey: "docs/"}, driver.ListResult{}, 0)
	c.Put(dircache.Key{MountID: "m1", StorageKey: "docs/sub/"}, driver.ListResult{}, 0)
	c.Put(dircache.Key{MountID: "m1", StorageKey: "other/"}, driver.ListResult{}, 0)

	c.InvalidatePrefix("m1", "docs/")

	_, ok := c.Get(dircache.Key{MountID: "m1", StorageKey: "docs/"})
	require.False(t, ok)
	_, ok = c.Get(dircache.Key{MountID: "m1", StorageKey: "docs/sub/"})
	require.False(t, ok)
	_, ok = c.Get(dircache.Key{MountID: "m1", StorageKey: "other/"})
	require.True(t, ok)
}

func TestInvalidateMountDropsOnlyThatMount(t *testing.T) {
	c := dircache.New(time.Minute)
	c.Put(dircache.Key{MountID: "m1", StorageKey: "a"}, driver.ListResult{}, 0)
	c.Put(dircache.Key{MountID: "m2", StorageKey: "a"}, driver.ListResult{}, 0)

	c.InvalidateMount("m1")

	_, ok := c.Get(dircache.Key{MountID: "m1", StorageKey: "a"})
	require.False(t, ok)
	_, ok = c.Get(dircache.Key{MountID: "m2", StorageKey: "a"})
	require.True(t, ok)
}

func TestFlushAllAndStats(t *testing.T) {
	c := dircache.New(time.Minute)
	c.Put(dircache.Key{MountID: "m1", StorageKey: "a"}, driver.ListResult{}, 0)
	c.PutSearch("query1", []string{"result"})

	stats := c.Stats()
	require.Equal(t, 1, stats.ListingEntries)
	require.Equal(t, 1, stats.SearchEntries)

	c.FlushAll()
	require.Equal(t, 0, c.Stats().ListingEntries)

	c.FlushSearch()
	require.Equal(t, 0, c.Stats().SearchEntries)
}

func TestSearchCacheRoundtrip(t *testing.T) {
	c := dircache.New(time.Minute)
	_, ok := c.GetSearch("q")
	require.False(t, ok)

	c.PutSearch("q", 42)
	v, ok := c.GetSearch("q")
	require.True(t, ok)
	require.Equal(t, 42, v)
}
