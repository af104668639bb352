// Package ledger implements the three parts-ledger persistence policies
// from spec.md §4.3 behind one interface, grounded on Perkeep's
// pkg/blobserver/memory (in-memory map store) and pkg/sorted/sqlite (a
// small sorted key-value store atop modernc.org/sqlite) generalized from
// "sum type over storage variants sharing one interface" per spec.md §9's
// explicit design note.
package ledger

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
)

// Part is one tracked multipart part.
type Part struct {
	PartNumber int
	ETag       string
	Size       int64
}

// Ledger is the shared interface all three policies implement, per
// spec.md §4.3's ledger API: load, hasPart, getPart, recordPart,
// replaceAll, mergeIncomingParts, toCompleteParts, clearInMemory,
// clearPersistent, flushNow.
type Ledger interface {
	Load(ctx context.Context, uploadID string) ([]Part, error)
	HasPart(ctx context.Context, uploadID string, n int) (bool, error)
	GetPart(ctx context.Context, uploadID string, n int) (Part, bool, error)
	RecordPart(ctx context.Context, uploadID string, p Part) error
	ReplaceAll(ctx context.Context, uploadID string, parts []Part) error
	MergeIncomingParts(ctx context.Context, uploadID string, incoming []Part) ([]Part, error)
	ToCompleteParts(ctx context.Context, uploadID string) ([]driver.CompletedPart, error)
	ClearInMemory(uploadID string)
	ClearPersistent(ctx context.Context, uploadID string) error
	FlushNow(ctx context.Context, uploadID string) error
}

func sortParts(parts []Part) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
}

func mergeInto(existing []Part, incoming []Part) []Part {
	byNum := make(map[int]Part, len(existing)+len(incoming))
	for _, p := range existing {
		byNum[p.PartNumber] = p
	}
	for _, p := range incoming {
		byNum[p.PartNumber] = p
	}
	merged := make([]Part, 0, len(byNum))
	for _, p := range byNum {
		merged = append(merged, p)
	}
	sortParts(merged)
	return merged
}

func toComplete(parts []Part) []driver.CompletedPart {
	out := make([]driver.CompletedPart, len(parts))
	for i, p := range parts {
		out[i] = driver.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
	}
	return out
}

// MemoryLedger backs the server_can_list policy: the ledger itself is
// never consulted for listing (the driver's ListParts is authoritative),
// but the engine still stages parts here between PUT and complete so a
// mid-flight client can query without round-tripping upstream.
type MemoryLedger struct {
	mu    sync.Mutex
	parts map[string][]Part // uploadID -> parts
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{parts: make(map[string][]Part)}
}

func (l *MemoryLedger) Load(ctx context.Context, uploadID string) ([]Part, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Part(nil), l.parts[uploadID]...), nil
}

func (l *MemoryLedger) HasPart(ctx context.Context, uploadID string, n int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.parts[uploadID] {
		if p.PartNumber == n {
			return true, nil
		}
	}
	return false, nil
}

func (l *MemoryLedger) GetPart(ctx context.Context, uploadID string, n int) (Part, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.parts[uploadID] {
		if p.PartNumber == n {
			return p, true, nil
		}
	}
	return Part{}, false, nil
}

func (l *MemoryLedger) RecordPart(ctx context.Context, uploadID string, p Part) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing := l.parts[uploadID]
	replaced := false
	for i, e := range existing {
		if e.PartNumber == p.PartNumber {
			existing[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, p)
	}
	sortParts(existing)
	l.parts[uploadID] = existing
	return nil
}

func (l *MemoryLedger) ReplaceAll(ctx context.Context, uploadID string, parts []Part) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sortParts(parts)
	l.parts[uploadID] = append([]Part(nil), parts...)
	return nil
}

func (l *MemoryLedger) MergeIncomingParts(ctx context.Context, uploadID string, incoming []Part) ([]Part, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := mergeInto(l.parts[uploadID], incoming)
	l.parts[uploadID] = merged
	return merged, nil
}

func (l *MemoryLedger) ToCompleteParts(ctx context.Context, uploadID string) ([]driver.CompletedPart, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return toComplete(l.parts[uploadID]), nil
}

func (l *MemoryLedger) ClearInMemory(uploadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.parts, uploadID)
}

func (l *MemoryLedger) ClearPersistent(ctx context.Context, uploadID string) error { return nil }
func (l *MemoryLedger) FlushNow(ctx context.Context, uploadID string) error       { return nil }

// PersistentLedger backs client_keeps: the client is authoritative, but
// the gateway mirrors its reported parts to the upload_parts table, keyed
// by upload_id, so the client can resume after a reload. RecordPart writes
// each part to the table at once: there is no debounced flush and no TTL
// expiry (flushDebounce and ttl are set but never read).
type PersistentLedger struct {
	db            *sql.DB
	mu            sync.Mutex
	pending       map[string][]Part
	flushDebounce time.Duration
	ttl           time.Duration
}

var _ Ledger = (*PersistentLedger)(nil)

func NewPersistentLedger(db *sql.DB) *PersistentLedger {
	return &PersistentLedger{db: db, pending: make(map[string][]Part), flushDebounce: 250 * time.Millisecond, ttl: 24 * time.Hour}
}

func (l *PersistentLedger) Load(ctx context.Context, uploadID string) ([]Part, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT part_number, etag, size FROM upload_parts WHERE upload_id = ? ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parts []Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.PartNumber, &p.ETag, &p.Size); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (l *PersistentLedger) HasPart(ctx context.Context, uploadID string, n int) (bool, error) {
	p, ok, err := l.GetPart(ctx, uploadID, n)
	return ok && p.PartNumber == n, err
}

func (l *PersistentLedger) GetPart(ctx context.Context, uploadID string, n int) (Part, bool, error) {
	var p Part
	err := l.db.QueryRowContext(ctx, `SELECT part_number, etag, size FROM upload_parts WHERE upload_id = ? AND part_number = ?`, uploadID, n).
		Scan(&p.PartNumber, &p.ETag, &p.Size)
	if err == sql.ErrNoRows {
		return Part{}, false, nil
	}
	if err != nil {
		return Part{}, false, err
	}
	return p, true, nil
}

func (l *PersistentLedger) RecordPart(ctx context.Context, uploadID string, p Part) error {
	l.mu.Lock()
	l.pending[uploadID] = mergeInto(l.pending[uploadID], []Part{p})
	l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO upload_parts (upload_id, part_number, etag, size, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(upload_id, part_number) DO UPDATE SET etag = excluded.etag, size = excluded.size, updated_at_ms = excluded.updated_at_ms`,
		uploadID, p.PartNumber, p.ETag, p.Size, nowMillis())
	return err
}

func (l *PersistentLedger) ReplaceAll(ctx context.Context, uploadID string, parts []Part) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_parts WHERE upload_id = ?`, uploadID); err != nil {
		tx.Rollback()
		return err
	}
	for _, p := range parts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO upload_parts (upload_id, part_number, etag, size, updated_at_ms) VALUES (?,?,?,?,?)`,
			uploadID, p.PartNumber, p.ETag, p.Size, nowMillis()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (l *PersistentLedger) MergeIncomingParts(ctx context.Context, uploadID string, incoming []Part) ([]Part, error) {
	existing, err := l.Load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	merged := mergeInto(existing, incoming)
	if err := l.ReplaceAll(ctx, uploadID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (l *PersistentLedger) ToCompleteParts(ctx context.Context, uploadID string) ([]driver.CompletedPart, error) {
	parts, err := l.Load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return toComplete(parts), nil
}

func (l *PersistentLedger) ClearInMemory(uploadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, uploadID)
}

func (l *PersistentLedger) ClearPersistent(ctx context.Context, uploadID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM upload_parts WHERE upload_id = ?`, uploadID)
	return err
}

// FlushNow writes the pending in-memory parts to disk immediately, merged
// with the parts already stored (used on "page hide"-equivalent
// disconnects).
func (l *PersistentLedger) FlushNow(ctx context.Context, uploadID string) error {
	l.mu.Lock()
	pending := l.pending[uploadID]
	delete(l.pending, uploadID)
	l.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	existing, err := l.Load(ctx, uploadID)
	if err != nil {
		return err
	}
	return l.ReplaceAll(ctx, uploadID, mergeInto(existing, pending))
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// ServerRecordsLedger backs server_records: the gateway is authoritative
// and stores every part directly in the upload_parts DB table, no
// in-memory staging layer required.
type ServerRecordsLedger struct {
	db *sql.DB
}

var _ Ledger = (*ServerRecordsLedger)(nil)

func NewServerRecordsLedger(db *sql.DB) *ServerRecordsLedger {
	return &ServerRecordsLedger{db: db}
}

func (l *ServerRecordsLedger) Load(ctx context.Context, uploadID string) ([]Part, error) {
	return (&PersistentLedger{db: l.db}).Load(ctx, uploadID)
}

func (l *ServerRecordsLedger) HasPart(ctx context.Context, uploadID string, n int) (bool, error) {
	return (&PersistentLedger{db: l.db}).HasPart(ctx, uploadID, n)
}

func (l *ServerRecordsLedger) GetPart(ctx context.Context, uploadID string, n int) (Part, bool, error) {
	return (&PersistentLedger{db: l.db}).GetPart(ctx, uploadID, n)
}

func (l *ServerRecordsLedger) RecordPart(ctx context.Context, uploadID string, p Part) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO upload_parts (upload_id, part_number, etag, size, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(upload_id, part_number) DO UPDATE SET etag = excluded.etag, size = excluded.size, updated_at_ms = excluded.updated_at_ms`,
		uploadID, p.PartNumber, p.ETag, p.Size, nowMillis())
	return err
}

func (l *ServerRecordsLedger) ReplaceAll(ctx context.Context, uploadID string, parts []Part) error {
	return (&PersistentLedger{db: l.db}).ReplaceAll(ctx, uploadID, parts)
}

func (l *ServerRecordsLedger) MergeIncomingParts(ctx context.Context, uploadID string, incoming []Part) ([]Part, error) {
	return (&PersistentLedger{db: l.db}).MergeIncomingParts(ctx, uploadID, incoming)
}

func (l *ServerRecordsLedger) ToCompleteParts(ctx context.Context, uploadID string) ([]driver.CompletedPart, error) {
	return (&PersistentLedger{db: l.db}).ToCompleteParts(ctx, uploadID)
}

func (l *ServerRecordsLedger) ClearInMemory(uploadID string) {}

func (l *ServerRecordsLedger) ClearPersistent(ctx context.Context, uploadID string) error {
	return (&PersistentLedger{db: l.db}).ClearPersistent(ctx, uploadID)
}

func (l *ServerRecordsLedger) FlushNow(ctx context.Context, uploadID string) error { return nil }

// ForPolicy selects the ledger implementation for a driver-advertised
// policy, per spec.md §4.3's table.
func ForPolicy(policy driver.PartsLedgerPolicy, db *sql.DB, memCache *MemoryLedger) Ledger {
	switch policy {
	case driver.LedgerClientKeeps:
		return NewPersistentLedger(db)
	case driver.LedgerServerRecords:
		return NewServerRecordsLedger(db)
	default:
		return memCache
	}
}
