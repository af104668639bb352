package cerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/cerr"
)

func TestNewAndError(t *testing.T) {
	err := cerr.New(cerr.NotFound, "share %s not found", "abc")
	require.Equal(t, "NotFound: share abc not found", err.Error())
	require.Equal(t, cerr.NotFound, cerr.KindOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := cerr.Wrap(cerr.Internal, cause, "writing file")
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
}

func TestWithField(t *testing.T) {
	err := cerr.New(cerr.InvalidInput, "missing value").WithField("slug")
	require.Equal(t, "slug", err.Field)
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	require.Equal(t, cerr.Internal, cerr.KindOf(nil))
	require.Equal(t, cerr.Internal, cerr.KindOf(errors.New("plain")))
}

func TestIs(t *testing.T) {
	err := cerr.New(cerr.Conflict, "slug taken")
	require.True(t, cerr.Is(err, cerr.Conflict))
	require.False(t, cerr.Is(err, cerr.NotFound))
}
