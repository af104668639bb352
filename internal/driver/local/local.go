// Package local implements a driver.Storage over a local filesystem
// directory, grounded on Perkeep's pkg/blobserver/localdisk: a root
// directory plus atomic writes via a temp file renamed into place
// (localdisk/receive_posix.go's linkOrCopy idiom, generalized from
// hard-link-or-copy to write-temp-then-rename since CloudPaste objects are
// mutable paths, not content-addressed blobs).
package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
)

// Storage is a driver.Storage rooted at a local directory.
type Storage struct {
	root string
}

var _ driver.Storage = (*Storage)(nil)

func New(root string) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Storage{root: root}, nil
}

func init() {
	driver.Register("local", func(cfg driver.Config) (driver.Storage, error) {
		root := cfg.Params["root"]
		if root == "" {
			root = cfg.DefaultFolder
		}
		return New(root)
	})
}

func (s *Storage) Name() string { return "local" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendStream: true, List: true, Stat: true, Read: true, Range: true,
			Write: true, Delete: true, Rename: true, Copy: true, Mkdir: true, Quota: true,
		},
		Share: driver.ShareCapabilities{BackendStream: true},
	}
}

func (s *Storage) resolve(p string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(p, "/"))
	full := filepath.Join(s.root, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.root)) {
		return "", driver.ErrPermissionDenied(p)
	}
	return full, nil
}

func entryType(name string) driver.EntryType {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".mp4", ".mkv", ".mov", ".avi", ".webm":
		return driver.TypeVideo
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return driver.TypeImage
	case ".mp3", ".wav", ".flac", ".ogg":
		return driver.TypeAudio
	case ".zip", ".tar", ".gz", ".7z", ".rar":
		return driver.TypeArchive
	case ".pdf", ".doc", ".docx", ".md", ".txt":
		return driver.TypeDocument
	default:
		return driver.TypeOther
	}
}

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	full, err := s.resolve(p)
	if err != nil {
		return driver.ListResult{}, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return driver.ListResult{}, driver.ErrNotFound(p)
		}
		return driver.ListResult{}, err
	}
	key := strings.TrimPrefix(strings.TrimPrefix(p, "/"), "/")
	entries := make([]driver.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		childKey := strings.TrimPrefix(key+"/"+de.Name(), "/")
		if de.IsDir() {
			entries = append(entries, driver.Entry{Key: childKey, Name: de.Name(), IsDir: true, Type: driver.TypeDirectory, ModifiedAt: info.ModTime()})
			continue
		}
		entries = append(entries, driver.Entry{
			Key: childKey, Name: de.Name(), Size: info.Size(),
			Type: entryType(de.Name()), ModifiedAt: info.ModTime(),
		})
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
	full, err := s.resolve(p)
	if err != nil {
		return driver.Entry{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return driver.Entry{}, driver.ErrNotFound(p)
		}
		return driver.Entry{}, err
	}
	return driver.Entry{
		Key: strings.TrimPrefix(p, "/"), Name: info.Name(), Size: info.Size(),
		IsDir: info.IsDir(), Type: typeOf(info), ModifiedAt: info.ModTime(),
	}, nil
}

func typeOf(info os.FileInfo) driver.EntryType {
	if info.IsDir() {
		return driver.TypeDirectory
	}
	return entryType(info.Name())
}

func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	full, err := s.resolve(p)
	if err != nil {
		return driver.ReadResult{}, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return driver.ReadResult{}, driver.ErrNotFound(p)
		}
		return driver.ReadResult{}, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return driver.ReadResult{}, err
	}
	size := info.Size()
	if rng == nil {
		return driver.ReadResult{Reader: f, Size: size}, nil
	}
	start, end := rng.Start, rng.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return driver.ReadResult{}, err
	}
	return driver.ReadResult{
		Reader: &limitedReadCloser{io.LimitReader(f, end-start+1), f}, Size: size,
		ContentRange: contentRange(start, end, size),
	}, nil
}

type limitedReadCloser struct {
	io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Close() error { return l.c.Close() }

func contentRange(start, end, total int64) string {
	return "bytes " + itoa(start) + "-" + itoa(end) + "/" + itoa(total)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
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

// Write stores r atomically: written to a sibling temp file, then renamed
// into place, the same "never observe a partial write" guarantee
// localdisk's linkOrCopy gives for blob writes.
func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	full, err := s.resolve(p)
	if err != nil {
		return driver.WriteResult{}, err
	}
	if opts.IfNoneMatch {
		if _, err := os.Stat(full); err == nil {
			return driver.WriteResult{}, driver.ErrConflict(p)
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return driver.WriteResult{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return driver.WriteResult{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return driver.WriteResult{}, err
	}
	if err := tmp.Close(); err != nil {
		return driver.WriteResult{}, err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return driver.WriteResult{}, err
	}
	info, err := os.Stat(full)
	etag := ""
	if err == nil {
		etag = info.ModTime().Format(time.RFC3339Nano)
	}
	return driver.WriteResult{ETag: etag}, nil
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if errors.Is(err, os.ErrNotExist) {
		return driver.ErrNotFound(p)
	}
	return err
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(full); statErr == nil {
		if !info.IsDir() {
			return driver.ErrConflict(p)
		}
		return nil
	}
	return os.MkdirAll(full, 0o755)
}

func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	srcFull, err := s.resolve(src)
	if err != nil {
		return err
	}
	dstFull, err := s.resolve(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return err
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return driver.ErrNotFound(src)
		}
		return err
	}
	return nil
}

func (s *Storage) Copy(ctx context.Context, src, dst string, skipExisting bool) error {
	srcFull, err := s.resolve(src)
	if err != nil {
		return err
	}
	dstFull, err := s.resolve(dst)
	if err != nil {
		return err
	}
	if skipExisting {
		if _, err := os.Stat(dstFull); err == nil {
			return nil
		}
	}
	in, err := os.Open(srcFull)
	if err != nil {
		if os.IsNotExist(err) {
			return driver.ErrNotFound(src)
		}
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dstFull), ".copy-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dstFull)
}

// QuotaUsedBytes walks the root computing total size, implementing the
// optional driver.QuotaReporter interface.
func (s *Storage) QuotaUsedBytes(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

var _ driver.QuotaReporter = (*Storage)(nil)
