// Package telegram implements a driver.Storage backed by a Telegram bot,
// storing each object as a document sent to a configured chat and tracking
// the resulting file_id/message_id pairs in an in-memory index, grounded
// on Perkeep's pkg/blobserver/b2 (third-party REST object-store client
// wrapped behind the Storage interface, dirPrefix-style key namespacing)
// generalized from B2's bucket-object model to Telegram's chat-and-message
// model, which has no natural directory listing of its own.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
)

const apiBase = "https://api.telegram.org/bot"

type record struct {
	fileID    string
	messageID int64
	size      int64
	modified  time.Time
}

// Storage indexes object keys to Telegram file_id/message_id pairs,
// matching spec.md §4.1's note that bot-backed drivers must maintain their
// own directory index since the provider has none.
type Storage struct {
	httpClient *http.Client
	token      string
	chatID     string

	mu    sync.RWMutex
	index map[string]*record
}

var _ driver.Storage = (*Storage)(nil)

func init() {
	driver.Register("telegram", newFromConfig)
}

func newFromConfig(cfg driver.Config) (driver.Storage, error) {
	token := cfg.Credentials["bot_token"]
	chatID := cfg.Params["chat_id"]
	if token == "" || chatID == "" {
		return nil, fmt.Errorf("telegram: missing required config (bot_token, chat_id)")
	}
	return &Storage{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		token:      token, chatID: chatID,
		index: make(map[string]*record),
	}, nil
}

func (s *Storage) Name() string { return "telegram" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendForm: true, List: true, Stat: true, Read: true,
			Write: true, Delete: true, Rename: true, Copy: true, Mkdir: true,
		},
		Share: driver.ShareCapabilities{BackendForm: true},
	}
}

func (s *Storage) method(name string) string {
	return apiBase + s.token + "/" + name
}

func normalize(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	prefix := normalize(p)
	if prefix != "" {
		prefix += "/"
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]driver.Entry)
	for key, rec := range s.index {
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
		seen[name] = driver.Entry{Key: key, Name: name, Size: rec.size, ModifiedAt: rec.modified, Type: typeFromName(name)}
	}
	entries := make([]driver.Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return driver.ListResult{Entries: entries}, nil
}

func typeFromName(name string) driver.EntryType {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".mp4", ".mkv", ".mov", ".webm":
		return driver.TypeVideo
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return driver.TypeImage
	case ".mp3", ".wav", ".flac":
		return driver.TypeAudio
	case ".zip", ".tar", ".gz", ".7z":
		return driver.TypeArchive
	case ".pdf", ".doc", ".docx", ".md", ".txt":
		return driver.TypeDocument
	default:
		return driver.TypeOther
	}
}

func (s *Storage) Stat(ctx context.Context, p string) (driver.Entry, error) {
	key := normalize(p)
	s.mu.RLock()
	rec, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return driver.Entry{}, driver.ErrNotFound(p)
	}
	return driver.Entry{Key: key, Name: path.Base(key), Size: rec.size, ModifiedAt: rec.modified, Type: typeFromName(key)}, nil
}

func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	key := normalize(p)
	s.mu.RLock()
	rec, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return driver.ReadResult{}, driver.ErrNotFound(p)
	}
	resp, err := s.httpClient.Get(s.method("getFile") + "?file_id=" + rec.fileID)
	if err != nil {
		return driver.ReadResult{}, driver.ErrUpstreamTransient(err, "telegram getFile %s", p)
	}
	defer resp.Body.Close()
	var out struct {
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return driver.ReadResult{}, driver.ErrUpstreamFatal(err, "telegram getFile decode %s", p)
	}
	fileURL := "https://api.telegram.org/file/bot" + s.token + "/" + out.Result.FilePath
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if rng != nil {
		end := ""
		if rng.End >= 0 {
			end = strconv.FormatInt(rng.End, 10)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%s", rng.Start, end))
	}
	dl, err := s.httpClient.Do(req)
	if err != nil {
		return driver.ReadResult{}, driver.ErrUpstreamTransient(err, "telegram download %s", p)
	}
	return driver.ReadResult{Reader: dl.Body, Size: rec.size}, nil
}

// Write streams the object as a Telegram document upload (backend-form
// strategy, since the Bot API only accepts multipart/form-data bodies).
func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("chat_id", s.chatID)
	part, err := w.CreateFormFile("document", path.Base(p))
	if err != nil {
		return driver.WriteResult{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return driver.WriteResult{}, err
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.method("sendDocument"), &buf)
	if err != nil {
		return driver.WriteResult{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "telegram sendDocument %s", p)
	}
	defer resp.Body.Close()
	var out struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
			Document  struct {
				FileID   string `json:"file_id"`
				FileSize int64  `json:"file_size"`
			} `json:"document"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out.OK {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "telegram sendDocument failed %s", p)
	}
	key := normalize(p)
	rec := &record{fileID: out.Result.Document.FileID, messageID: out.Result.MessageID, size: out.Result.Document.FileSize, modified: time.Now()}
	s.mu.Lock()
	s.index[key] = rec
	s.mu.Unlock()
	return driver.WriteResult{ETag: out.Result.Document.FileID}, nil
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	key := normalize(p)
	s.mu.Lock()
	rec, ok := s.index[key]
	if ok {
		delete(s.index, key)
	}
	s.mu.Unlock()
	if !ok {
		if !recursive {
			return driver.ErrNotFound(p)
		}
		return s.deletePrefix(ctx, key)
	}
	body := map[string]interface{}{"chat_id": s.chatID, "message_id": rec.messageID}
	buf, _ := json.Marshal(body)
	resp, err := s.httpClient.Post(s.method("deleteMessage"), "application/json", bytes.NewReader(buf))
	if err != nil {
		return driver.ErrUpstreamTransient(err, "telegram deleteMessage %s", p)
	}
	resp.Body.Close()
	return nil
}

func (s *Storage) deletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := false
	for key, rec := range s.index {
		if strings.HasPrefix(key, prefix+"/") {
			body := map[string]interface{}{"chat_id": s.chatID, "message_id": rec.messageID}
			buf, _ := json.Marshal(body)
			resp, err := s.httpClient.Post(s.method("deleteMessage"), "application/json", bytes.NewReader(buf))
			if err == nil {
				resp.Body.Close()
			}
			delete(s.index, key)
			deleted = true
		}
	}
	if !deleted {
		return driver.ErrNotFound(prefix)
	}
	return nil
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	// Directories are implicit from indexed key prefixes.
	return nil
}

func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[normalize(src)]
	if !ok {
		return driver.ErrNotFound(src)
	}
	delete(s.index, normalize(src))
	s.index[normalize(dst)] = rec
	return nil
}

func (s *Storage) Copy(ctx context.Context, src, dst string, skipExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skipExisting {
		if _, exists := s.index[normalize(dst)]; exists {
			return nil
		}
	}
	rec, ok := s.index[normalize(src)]
	if !ok {
		return driver.ErrNotFound(src)
	}
	cp := *rec
	s.index[normalize(dst)] = &cp
	return nil
}
