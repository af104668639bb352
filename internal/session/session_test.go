package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/session"
)

func TestPutGetRemove(t *testing.T) {
	m := session.NewManager(time.Hour)
	defer m.Stop()

	m.Put(&session.Session{FileID: "f1", TargetPath: "/a/b.txt"})

	s, ok := m.Get(context.Background(), "f1")
	require.True(t, ok)
	require.Equal(t, "/a/b.txt", s.TargetPath)
	require.Equal(t, 1, m.Count())

	m.Remove("f1")
	_, ok = m.Get(context.Background(), "f1")
	require.False(t, ok)
	require.Equal(t, 0, m.Count())
}

func TestPeekDoesNotRefreshAccess(t *testing.T) {
	m := session.NewManager(time.Hour)
	defer m.Stop()

	m.Put(&session.Session{FileID: "f1"})
	s, _ := m.Peek("f1")
	first := s.LastAccessAt

	time.Sleep(2 * time.Millisecond)
	s2, ok := m.Peek("f1")
	require.True(t, ok)
	require.Equal(t, first, s2.LastAccessAt)
}

func TestGetRefreshesAccess(t *testing.T) {
	m := session.NewManager(time.Hour)
	defer m.Stop()

	m.Put(&session.Session{FileID: "f1"})
	s, _ := m.Peek("f1")
	first := s.LastAccessAt

	time.Sleep(2 * time.Millisecond)
	_, ok := m.Get(context.Background(), "f1")
	require.True(t, ok)

	s2, _ := m.Peek("f1")
	require.True(t, s2.LastAccessAt.After(first))
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	m := session.NewManager(20 * time.Millisecond)
	defer m.Stop()

	m.Put(&session.Session{FileID: "idle"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle session was not garbage collected")
}

func TestStopIsIdempotent(t *testing.T) {
	m := session.NewManager(time.Hour)
	m.Stop()
	m.Stop()
}
