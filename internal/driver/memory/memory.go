// Package memory implements an in-memory driver.Storage used as a test
// fixture and as the default for demo/dev storage configs, grounded on
// Perkeep's pkg/blobserver/memory (a map-backed Storage with no durability
// guarantees, used throughout Perkeep's own tests).
package memory

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
)

type object struct {
	data       []byte
	modified   time.Time
	etag       string
	contentTyp string
}

// Storage is an in-memory driver.Storage. Safe for concurrent use.
type Storage struct {
	mu      sync.RWMutex
	objects map[string]*object
	seq     int64
}

var _ driver.Storage = (*Storage)(nil)

// New returns an empty in-memory Storage.
func New() *Storage {
	return &Storage{objects: make(map[string]*object)}
}

func init() {
	driver.Register("memory", func(cfg driver.Config) (driver.Storage, error) {
		return New(), nil
	})
}

func (s *Storage) Name() string { return "memory" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendStream: true, PresignedSingle: false, Multipart: false,
			List: true, Stat: true, Read: true, Range: true, Write: true,
			Delete: true, Rename: true, Copy: true, Mkdir: true,
		},
		Share: driver.ShareCapabilities{BackendStream: true},
	}
}

func normalize(p string) string {
	p = strings.TrimPrefix(p, "/")
	return path.Clean(p)
}

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	prefix := normalize(p)
	if prefix == "." {
		prefix = ""
	} else {
		prefix += "/"
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]driver.Entry)
	for key, obj := range s.objects {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if rest == "" {
			continue
		}
		parts := strings.SplitN(rest, "/", 2)
		name := parts[0]
		if len(parts) == 2 {
			seen[name] = driver.Entry{Key: prefix + name, Name: name, IsDir: true, Type: driver.TypeDirectory}
			continue
		}
		seen[name] = driver.Entry{
			Key: key, Name: name, Size: int64(len(obj.data)),
			ModifiedAt: obj.modified, ETag: obj.etag,
		}
	}
	entries := make([]driver.Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return driver.ListResult{Entries: entries}, nil
}

func (s *Storage) Stat(ctx context.Context, p string) (driver.Entry, error) {
	key := normalize(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return driver.Entry{}, driver.ErrNotFound(p)
	}
	return driver.Entry{
		Key: key, Name: path.Base(key), Size: int64(len(obj.data)),
		ModifiedAt: obj.modified, ETag: obj.etag,
	}, nil
}

func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	key := normalize(p)
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return driver.ReadResult{}, driver.ErrNotFound(p)
	}
	data := obj.data
	contentRange := ""
	if rng != nil {
		end := rng.End
		if end < 0 || end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		if rng.Start > end {
			data = nil
		} else {
			data = data[rng.Start : end+1]
		}
		contentRange = contentRangeHeader(rng.Start, end, int64(len(obj.data)))
	}
	return driver.ReadResult{
		Reader: io.NopCloser(bytes.NewReader(data)), ContentType: obj.contentTyp,
		Size: int64(len(obj.data)), ETag: obj.etag, ContentRange: contentRange,
	}, nil
}

func contentRangeHeader(start, end, total int64) string {
	return "bytes " + itoa(start) + "-" + itoa(end) + "/" + itoa(total)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	key := normalize(p)
	data, err := io.ReadAll(r)
	if err != nil {
		return driver.WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.IfNoneMatch {
		if _, exists := s.objects[key]; exists {
			return driver.WriteResult{}, driver.ErrConflict(p)
		}
	}
	s.seq++
	etag := "m" + itoa(s.seq)
	s.objects[key] = &object{data: data, modified: time.Now(), etag: etag, contentTyp: opts.ContentType}
	return driver.WriteResult{ETag: etag}, nil
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	key := normalize(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		delete(s.objects, key)
		return nil
	}
	if !recursive {
		return driver.ErrNotFound(p)
	}
	prefix := key + "/"
	deleted := false
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			delete(s.objects, k)
			deleted = true
		}
	}
	if !deleted {
		return driver.ErrNotFound(p)
	}
	return nil
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	// Memory storage has no real directories; presence is implied by
	// child keys, so Mkdir is a (idempotent) no-op, matching the spec's
	// "idempotent when dir exists as dir" rule trivially.
	return nil
}

func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	srcKey, dstKey := normalize(src), normalize(dst)
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[srcKey]
	if !ok {
		return driver.ErrNotFound(src)
	}
	s.objects[dstKey] = obj
	delete(s.objects, srcKey)
	return nil
}

func (s *Storage) Copy(ctx context.Context, src, dst string, skipExisting bool) error {
	srcKey, dstKey := normalize(src), normalize(dst)
	s.mu.Lock()
	defer s.mu.Unlock()
	if skipExisting {
		if _, exists := s.objects[dstKey]; exists {
			return nil
		}
	}
	obj, ok := s.objects[srcKey]
	if !ok {
		return driver.ErrNotFound(src)
	}
	cp := *obj
	s.objects[dstKey] = &cp
	return nil
}
