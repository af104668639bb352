// Package discord implements a driver.Storage backed by a Discord bot,
// storing each object as an attachment on a message posted to a configured
// channel, grounded on the same Perkeep pkg/blobserver/b2-derived shape as
// the telegram driver: a REST object client wrapped behind Storage, with
// an in-memory index standing in for the provider's missing directory
// tree (spec.md §4.1's note on bot-backed drivers).
package discord

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
	"strings"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
)

const apiBase = "https://discord.com/api/v10"

type record struct {
	messageID   string
	attachID    string
	url         string
	size        int64
	modified    time.Time
}

type Storage struct {
	httpClient *http.Client
	token      string
	channelID  string

	mu    sync.RWMutex
	index map[string]*record
}

var _ driver.Storage = (*Storage)(nil)

func init() {
	driver.Register("discord", newFromConfig)
}

func newFromConfig(cfg driver.Config) (driver.Storage, error) {
	token := cfg.Credentials["bot_token"]
	channelID := cfg.Params["channel_id"]
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord: missing required config (bot_token, channel_id)")
	}
	return &Storage{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		token:      token, channelID: channelID,
		index: make(map[string]*record),
	}, nil
}

func (s *Storage) Name() string { return "discord" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendForm: true, List: true, Stat: true, Read: true,
			Write: true, Delete: true, Rename: true, Copy: true, Mkdir: true,
		},
		Share: driver.ShareCapabilities{BackendForm: true},
	}
}

func (s *Storage) authHeader(req *http.Request) {
	req.Header.Set("Authorization", "Bot "+s.token)
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
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, rec.url, nil)
	if rng != nil {
		end := ""
		if rng.End >= 0 {
			end = fmt.Sprintf("%d", rng.End)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%s", rng.Start, end))
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return driver.ReadResult{}, driver.ErrUpstreamTransient(err, "discord download %s", p)
	}
	return driver.ReadResult{Reader: resp.Body, Size: rec.size}, nil
}

// Write posts the object as a message attachment (backend-form upload,
// Discord's API only accepts multipart/form-data for file payloads).
func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	payload, _ := json.Marshal(map[string]interface{}{"attachments": []map[string]interface{}{{"id": 0, "filename": path.Base(p)}}})
	w.WriteField("payload_json", string(payload))
	part, err := w.CreateFormFile("files[0]", path.Base(p))
	if err != nil {
		return driver.WriteResult{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return driver.WriteResult{}, err
	}
	w.Close()

	u := fmt.Sprintf("%s/channels/%s/messages", apiBase, s.channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return driver.WriteResult{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	s.authHeader(req)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "discord post message %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "discord post message %s", p)
	}
	var out struct {
		ID          string `json:"id"`
		Attachments []struct {
			ID   string `json:"id"`
			URL  string `json:"url"`
			Size int64  `json:"size"`
		} `json:"attachments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Attachments) == 0 {
		return driver.WriteResult{}, driver.ErrUpstreamFatal(err, "discord post message decode %s", p)
	}
	att := out.Attachments[0]
	key := normalize(p)
	rec := &record{messageID: out.ID, attachID: att.ID, url: att.URL, size: att.Size, modified: time.Now()}
	s.mu.Lock()
	s.index[key] = rec
	s.mu.Unlock()
	return driver.WriteResult{ETag: att.ID}, nil
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
	u := fmt.Sprintf("%s/channels/%s/messages/%s", apiBase, s.channelID, rec.messageID)
	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	s.authHeader(req)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return driver.ErrUpstreamTransient(err, "discord delete message %s", p)
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
			u := fmt.Sprintf("%s/channels/%s/messages/%s", apiBase, s.channelID, rec.messageID)
			req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
			s.authHeader(req)
			resp, err := s.httpClient.Do(req)
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

func (s *Storage) Mkdir(ctx context.Context, p string) error { return nil }

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
