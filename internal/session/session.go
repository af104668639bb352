// Package session tracks in-flight UploadSessions, the one process-wide
// state component called out by spec.md §9 ("the upload-session map is
// the one process-wide state that matters"). Grounded on Perkeep's
// pkg/blobserver/localdisk/receive_posix.go-adjacent state bookkeeping
// idiom (a guarded map plus a GC sweep), generalized here to run a
// background ticker per spec.md §3's UploadSession GC invariant: sessions
// with no access within session_timeout are garbage-collected.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
)

// Session mirrors spec.md §3's UploadSession entity.
type Session struct {
	FileID           string
	Strategy         driver.MultipartStrategy
	UploadID         string
	StorageKey       string
	TargetPath       string
	MountID          string
	StorageConfigID  string
	PartSize         int64
	TotalParts       int
	PresignedURLs    []driver.PresignedURL
	SessionDescriptor *driver.UploadSessionDescriptor
	Policy           driver.MultipartCapabilities
	Sha256           string
	SkipUpload       bool
	CreatedAt        time.Time
	LastAccessAt     time.Time
	Resumed          bool
}

// Manager is the process-wide UploadSessions map from spec.md §5's shared
// resources list. All mutation goes through its methods; external callers
// never touch the map directly.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Session
	timeout time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager starts a background GC loop evicting sessions idle past
// timeout (UPLOAD_SESSION_TIMEOUT env, per spec.md §6).
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	m := &Manager{entries: make(map[string]*Session), timeout: timeout, stopCh: make(chan struct{})}
	go m.gcLoop()
	return m
}

func (m *Manager) gcLoop() {
	ticker := time.NewTicker(m.timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.entries {
		if s.LastAccessAt.Before(cutoff) {
			delete(m.entries, id)
		}
	}
}

// Stop halts the GC loop; safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Put registers a new session, stamping CreatedAt/LastAccessAt if unset.
func (m *Manager) Put(s *Session) {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastAccessAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.FileID] = s
}

// Get returns the session and bumps LastAccessAt, matching the
// access-refreshes-TTL invariant implicit in spec.md §3.
func (m *Manager) Get(ctx context.Context, fileID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.entries[fileID]
	if !ok {
		return nil, false
	}
	s.LastAccessAt = time.Now()
	return s, true
}

// Peek returns the session without refreshing its access time.
func (m *Manager) Peek(fileID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.entries[fileID]
	return s, ok
}

// Remove deletes a session, per the "after CompleteMultipart returns
// success, the session is absent" testable property in spec.md §8.
func (m *Manager) Remove(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fileID)
}

// Count reports the number of live sessions. No HTTP route or metric reads
// it.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
