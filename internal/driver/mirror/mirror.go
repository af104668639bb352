// Package mirror implements a driver.Storage that fans writes out to
// multiple backend drivers and reads back from the first one that
// succeeds, directly grounded on Perkeep's pkg/blobserver/replica (which
// does exactly this for blob storage: synchronous replication to N
// backends, reads attempted in order, writes requiring minWritesForSuccess).
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cloudpaste/gateway/internal/driver"
)

type Storage struct {
	backends   []driver.Storage
	minWrites  int
}

var _ driver.Storage = (*Storage)(nil)

// New builds a mirror across backends, requiring minWrites of them to
// succeed for a Write/Delete/Mkdir/Rename/Copy to be reported successful,
// matching replica's minWritesForSuccess semantics (default: all).
func New(backends []driver.Storage, minWrites int) (*Storage, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("mirror: at least one backend required")
	}
	if minWrites <= 0 || minWrites > len(backends) {
		minWrites = len(backends)
	}
	return &Storage{backends: backends, minWrites: minWrites}, nil
}

func (s *Storage) Name() string { return "mirror" }

func (s *Storage) Capabilities() driver.Capabilities {
	// A mirror's advertised capability is the intersection of its
	// backends' FS capabilities; only List/Stat/Read/Write/Delete/Mkdir/
	// Rename/Copy (the required Storage surface) are guaranteed to exist
	// on every member, so that is what's advertised here.
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendStream: true, List: true, Stat: true, Read: true,
			Write: true, Delete: true, Rename: true, Copy: true, Mkdir: true,
		},
		Share: driver.ShareCapabilities{BackendStream: true},
	}
}

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	var lastErr error
	for _, b := range s.backends {
		res, err := b.List(ctx, p, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return driver.ListResult{}, lastErr
}

func (s *Storage) Stat(ctx context.Context, p string) (driver.Entry, error) {
	var lastErr error
	for _, b := range s.backends {
		entry, err := b.Stat(ctx, p)
		if err == nil {
			return entry, nil
		}
		lastErr = err
	}
	return driver.Entry{}, lastErr
}

// Read tries backends in configured order, falling through on failure,
// matching replica's un-randomized fixed-order read idiom.
func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	var lastErr error
	for _, b := range s.backends {
		res, err := b.Read(ctx, p, rng)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return driver.ReadResult{}, lastErr
}

type writeOutcome struct {
	err error
}

func (s *Storage) fanOut(fn func(driver.Storage) error) error {
	results := make([]writeOutcome, len(s.backends))
	var wg sync.WaitGroup
	for i, b := range s.backends {
		wg.Add(1)
		go func(i int, b driver.Storage) {
			defer wg.Done()
			results[i] = writeOutcome{err: fn(b)}
		}(i, b)
	}
	wg.Wait()
	succeeded := 0
	var firstErr error
	for _, r := range results {
		if r.err == nil {
			succeeded++
		} else if firstErr == nil {
			firstErr = r.err
		}
	}
	if succeeded < s.minWrites {
		if firstErr == nil {
			firstErr = fmt.Errorf("mirror: insufficient successful writes (%d/%d)", succeeded, s.minWrites)
		}
		return firstErr
	}
	return nil
}

func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return driver.WriteResult{}, err
	}
	var result driver.WriteResult
	var mu sync.Mutex
	err = s.fanOut(func(b driver.Storage) error {
		res, err := b.Write(ctx, p, bytes.NewReader(data), int64(len(data)), opts)
		if err != nil {
			return err
		}
		mu.Lock()
		if result.ETag == "" {
			result = res
		}
		mu.Unlock()
		return nil
	})
	return result, err
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	return s.fanOut(func(b driver.Storage) error { return b.Delete(ctx, p, recursive) })
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	return s.fanOut(func(b driver.Storage) error { return b.Mkdir(ctx, p) })
}

func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	return s.fanOut(func(b driver.Storage) error { return b.Rename(ctx, src, dst) })
}

func (s *Storage) Copy(ctx context.Context, src, dst string, skipExisting bool) error {
	return s.fanOut(func(b driver.Storage) error { return b.Copy(ctx, src, dst, skipExisting) })
}
