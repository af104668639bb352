package mount_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/mount"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "/", mount.Normalize(""))
	require.Equal(t, "/", mount.Normalize("/"))
	require.Equal(t, "/drive", mount.Normalize("/drive/"))
	require.Equal(t, "/drive", mount.Normalize("/drive"))
}

func testRouter() *mount.Router {
	r := mount.NewRouter()
	r.Set([]mount.Mount{
		{ID: "root", MountPath: "/", StorageConfigID: "sc-root", IsActive: true},
		{ID: "drive", MountPath: "/drive", StorageConfigID: "sc-drive", IsActive: true},
		{ID: "archive", MountPath: "/drive/archive", StorageConfigID: "sc-archive", IsActive: true},
		{ID: "disabled", MountPath: "/disabled", StorageConfigID: "sc-disabled", IsActive: false},
	})
	return r
}

func TestResolveLongestPrefixWins(t *testing.T) {
	r := testRouter()

	res, err := r.Resolve("/drive/archive/2024/file.zip")
	require.NoError(t, err)
	require.Equal(t, "archive", res.Mount.ID)
	require.Equal(t, "2024/file.zip", res.RelativeKey)

	res, err = r.Resolve("/drive/notes.txt")
	require.NoError(t, err)
	require.Equal(t, "drive", res.Mount.ID)
	require.Equal(t, "notes.txt", res.RelativeKey)

	res, err = r.Resolve("/misc/file")
	require.NoError(t, err)
	require.Equal(t, "root", res.Mount.ID)
	require.Equal(t, "misc/file", res.RelativeKey)
}

func TestResolveSkipsInactiveMount(t *testing.T) {
	r := testRouter()
	res, err := r.Resolve("/disabled/x")
	require.NoError(t, err)
	require.Equal(t, "root", res.Mount.ID)
}

func TestResolveForKeyEnforcesBasicPath(t *testing.T) {
	r := testRouter()
	key := &authz.ApiKey{BasicPath: "/drive"}

	_, err := r.ResolveForKey("/drive/notes.txt", key)
	require.NoError(t, err)

	_, err = r.ResolveForKey("/other/file.txt", key)
	require.Error(t, err)
}

func TestResolveForKeyEnforcesStorageACL(t *testing.T) {
	r := testRouter()
	key := &authz.ApiKey{BasicPath: "/", StorageACL: map[string]bool{"sc-drive": true}}

	_, err := r.ResolveForKey("/drive/notes.txt", key)
	require.NoError(t, err)

	_, err = r.ResolveForKey("/misc/file", key)
	require.Error(t, err)
}

func TestResolveForKeyNilKeyIsUnrestricted(t *testing.T) {
	r := testRouter()
	res, err := r.ResolveForKey("/misc/file", nil)
	require.NoError(t, err)
	require.Equal(t, "root", res.Mount.ID)
}

func TestVisibleMountsFiltersByBasicPathAndACL(t *testing.T) {
	r := testRouter()
	key := &authz.ApiKey{BasicPath: "/drive", StorageACL: map[string]bool{"sc-drive": true, "sc-archive": true}}

	visible := r.VisibleMounts(key)
	ids := make(map[string]bool)
	for _, m := range visible {
		ids[m.ID] = true
	}
	require.True(t, ids["drive"])
	require.True(t, ids["archive"])
	require.False(t, ids["root"])
}

func TestVisibleMountsNilKeySeesAll(t *testing.T) {
	r := testRouter()
	require.Len(t, r.VisibleMounts(nil), 4)
}
