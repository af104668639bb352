// Package fsindex implements the FS Index from spec.md §4.7: a per-mount
// index with a not_ready/indexing/ready/error state machine, a dirty
// queue for incremental updates, and a trigram SQLite FTS5 shadow table
// for name/path search, plus the search planner that spans ready mounts.
// Grounded on Perkeep's pkg/index (the blob-metadata index's state-machine
// and batch-upsert shape), realized here with modernc.org/sqlite FTS5
// trigram tables instead of Perkeep's sorted-KV index, since the spec
// calls for a relational search index over names/paths rather than a blob
// attribute index. golang.org/x/sync/errgroup fans out the per-mount
// traversal during rebuild, the modern descendant of Perkeep's
// pkg/syncutil.Group.
package fsindex

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/job"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/metrics"
	"github.com/cloudpaste/gateway/internal/mount"
)

// allStates lists every fsindex.State, for zeroing the fs_index_state
// gauge vec's other states whenever one mount transitions.
var allStates = []string{string(StateNotReady), string(StateIndexing), string(StateReady), string(StateError)}

// State mirrors MountIndexState.status from spec.md §3.
type State string

const (
	StateNotReady State = "not_ready"
	StateIndexing State = "indexing"
	StateReady    State = "ready"
	StateError    State = "error"
)

// RecommendedAction mirrors spec.md §4.7's status model.
type RecommendedAction string

const (
	ActionNone       RecommendedAction = "none"
	ActionWait       RecommendedAction = "wait"
	ActionApplyDirty RecommendedAction = "apply-dirty"
	ActionRebuild    RecommendedAction = "rebuild"
)

// dirtyRebuildThreshold matches spec.md §4.7's default.
const dirtyRebuildThreshold = 5000

// defaultBatchSize matches spec.md §4.7's default upsert batch size.
const defaultBatchSize = 200

// MountStatus is one mount's row in fs_search_index_state.
type MountStatus struct {
	MountID       string
	Status        State
	LastIndexedMs int64
	UpdatedAtMs   int64
	LastError     string
	DirtyCount    int
}

// NextAction computes the status model's recommendedAction/reason per
// spec.md §4.7.
func (s MountStatus) NextAction() (RecommendedAction, string) {
	switch s.Status {
	case StateIndexing:
		return ActionWait, "indexing"
	case StateNotReady, StateError:
		return ActionRebuild, "index_not_ready"
	}
	if s.DirtyCount > dirtyRebuildThreshold {
		return ActionRebuild, "dirty_too_large"
	}
	if s.DirtyCount > 0 {
		return ActionApplyDirty, "dirty_pending"
	}
	return ActionNone, ""
}

// Index owns fs_search_index_entries/_fts/_state/_dirty, per spec.md §4.7.
type Index struct {
	db       *sql.DB
	router   *mount.Router
	registry *driver.Registry
	log      logging.Logger
	met      *metrics.Registry

	mu sync.Mutex // serializes index writes to a single mount, per spec.md §5
}

func New(db *sql.DB, router *mount.Router, registry *driver.Registry, log logging.Logger) *Index {
	return &Index{db: db, router: router, registry: registry, log: log.Component("fsindex")}
}

// SetMetrics attaches the process-wide metrics.Registry so setState/
// MarkDirty can reflect fs_index_state/fs_index_dirty_count. Optional;
// unset means no gauge updates.
func (x *Index) SetMetrics(m *metrics.Registry) {
	x.met = m
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// MarkDirty implements vfs.DirtyNotifier: every write path enqueues a
// dirty entry with the exact s3_key changed, per spec.md §4.7.
func (x *Index) MarkDirty(ctx context.Context, mountID, op, s3Key string) {
	_, err := x.db.ExecContext(ctx, `INSERT INTO fs_search_index_dirty (mount_id, op, s3_key, enqueued_at_ms) VALUES (?,?,?,?)`,
		mountID, op, s3Key, nowMillis())
	if err != nil {
		x.log.Warn().Err(err).Str("mount_id", mountID).Msg("failed to enqueue dirty entry")
		return
	}
	_, _ = x.db.ExecContext(ctx, `
		INSERT INTO fs_search_index_state (mount_id, status, updated_at_ms, dirty_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(mount_id) DO UPDATE SET dirty_count = dirty_count + 1, updated_at_ms = excluded.updated_at_ms`,
		mountID, StateNotReady, nowMillis())
	if x.met != nil {
		if status, err := x.Status(ctx, mountID); err == nil {
			x.met.SetFSIndexState(mountID, allStates, string(status.Status))
			x.met.FSIndexDirty.WithLabelValues(mountID).Set(float64(status.DirtyCount))
		}
	}
}

// Status returns a mount's current MountStatus, defaulting to not_ready
// when no row exists yet.
func (x *Index) Status(ctx context.Context, mountID string) (MountStatus, error) {
	var s MountStatus
	var lastIndexed sql.NullInt64
	var lastErr sql.NullString
	err := x.db.QueryRowContext(ctx, `SELECT mount_id, status, last_indexed_ms, updated_at_ms, last_error, dirty_count FROM fs_search_index_state WHERE mount_id = ?`, mountID).
		Scan(&s.MountID, &s.Status, &lastIndexed, &s.UpdatedAtMs, &lastErr, &s.DirtyCount)
	if err == sql.ErrNoRows {
		return MountStatus{MountID: mountID, Status: StateNotReady}, nil
	}
	if err != nil {
		return MountStatus{}, err
	}
	s.LastIndexedMs = lastIndexed.Int64
	s.LastError = lastErr.String
	return s, nil
}

func (x *Index) setState(ctx context.Context, mountID string, state State, lastErr string) error {
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO fs_search_index_state (mount_id, status, updated_at_ms, last_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mount_id) DO UPDATE SET status = excluded.status, updated_at_ms = excluded.updated_at_ms, last_error = excluded.last_error`,
		mountID, state, nowMillis(), nullIfEmpty(lastErr))
	if err == nil && x.met != nil {
		x.met.SetFSIndexState(mountID, allStates, string(state))
	}
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Clear transitions a mount to not_ready and deletes its entries, per
// spec.md §3's "*→not_ready on clear" and the Mount lifecycle note
// ("deletion cascades to clearing index for that mount").
func (x *Index) Clear(ctx context.Context, mountID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, err := x.db.ExecContext(ctx, `DELETE FROM fs_search_index_entries WHERE mount_id = ?`, mountID); err != nil {
		return err
	}
	if _, err := x.db.ExecContext(ctx, `DELETE FROM fs_search_index_fts WHERE mount_id = ?`, mountID); err != nil {
		return err
	}
	if _, err := x.db.ExecContext(ctx, `DELETE FROM fs_search_index_dirty WHERE mount_id = ?`, mountID); err != nil {
		return err
	}
	return x.setState(ctx, mountID, StateNotReady, "")
}

// RebuildOptions mirrors spec.md §6's fs_index_rebuild payload options.
type RebuildOptions struct {
	BatchSize       int
	MaxDepth        int
	MaxMountsPerRun int
}

// RebuildPayload mirrors spec.md §6's fs_index_rebuild job payload.
type RebuildPayload struct {
	MountIDs []string
	Options  RebuildOptions
}

// RebuildHandler returns a job.Handler performing the fs_index_rebuild job
// task, per spec.md §4.7's "Rebuild" description: depth-first traversal
// per mount, upsert in batches, per-mount state transitions, and
// scannedDirs/discoveredCount/upsertedCount/durationMs progress.
func (x *Index) RebuildHandler() job.Handler {
	return func(ctx context.Context, j *job.Job, report job.Reporter) error {
		payload, _ := j.Payload.(RebuildPayload)
		mountIDs := payload.MountIDs
		if len(mountIDs) == 0 {
			for _, m := range x.router.All() {
				mountIDs = append(mountIDs, m.ID)
			}
		}
		if payload.Options.MaxMountsPerRun > 0 && len(mountIDs) > payload.Options.MaxMountsPerRun {
			mountIDs = mountIDs[:payload.Options.MaxMountsPerRun]
		}
		report.Progress(0, len(mountIDs), 0, 0)

		g, gctx := errgroup.WithContext(ctx)
		var processed int
		var mu sync.Mutex
		for _, id := range mountIDs {
			id := id
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				err := x.rebuildMount(gctx, id, payload.Options)
				mu.Lock()
				processed++
				status := "success"
				if err != nil {
					status = "failed"
				}
				report.ItemResult(job.ItemResult{SourcePath: id, Status: status, Error: errString(err)})
				report.Progress(processed, len(mountIDs), 0, 0)
				mu.Unlock()
				return nil // per-item failures don't abort the batch, per spec.md §7
			})
		}
		return g.Wait()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (x *Index) rebuildMount(ctx context.Context, mountID string, opts RebuildOptions) error {
	x.mu.Lock()
	if err := x.setState(ctx, mountID, StateIndexing, ""); err != nil {
		x.mu.Unlock()
		return err
	}
	x.mu.Unlock()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 1000
	}

	var m *mount.Mount
	for _, candidate := range x.router.All() {
		if candidate.ID == mountID {
			mm := candidate
			m = &mm
			break
		}
	}
	if m == nil {
		return cerr.New(cerr.NotFound, "mount %s not found", mountID)
	}
	sto, err := x.registry.Get(m.StorageConfigID)
	if err != nil {
		_ = x.setState(ctx, mountID, StateError, err.Error())
		return err
	}

	if _, err := x.db.ExecContext(ctx, `DELETE FROM fs_search_index_entries WHERE mount_id = ?`, mountID); err != nil {
		_ = x.setState(ctx, mountID, StateError, err.Error())
		return err
	}
	if _, err := x.db.ExecContext(ctx, `DELETE FROM fs_search_index_fts WHERE mount_id = ?`, mountID); err != nil {
		_ = x.setState(ctx, mountID, StateError, err.Error())
		return err
	}

	var batch []driver.Entry
	var walk func(path string, depth int) error
	walk = func(path string, depth int) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if depth > maxDepth {
			return nil
		}
		cursor := ""
		for {
			res, err := sto.List(ctx, path, driver.ListOptions{Cursor: cursor, Limit: 1000})
			if err != nil {
				return err
			}
			for _, e := range res.Entries {
				batch = append(batch, e)
				if len(batch) >= batchSize {
					if err := x.upsertBatch(ctx, mountID, batch); err != nil {
						return err
					}
					batch = batch[:0]
				}
				if e.IsDir {
					if err := walk(e.Key, depth+1); err != nil {
						return err
					}
				}
			}
			if !res.Truncated || res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
		return nil
	}
	if err := walk("", 0); err != nil {
		_ = x.setState(ctx, mountID, StateError, err.Error())
		return err
	}
	if len(batch) > 0 {
		if err := x.upsertBatch(ctx, mountID, batch); err != nil {
			_ = x.setState(ctx, mountID, StateError, err.Error())
			return err
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	_, err = x.db.ExecContext(ctx, `
		UPDATE fs_search_index_state SET status = ?, last_indexed_ms = ?, updated_at_ms = ?, dirty_count = 0, last_error = NULL
		WHERE mount_id = ?`, StateReady, nowMillis(), nowMillis(), mountID)
	if err != nil {
		return err
	}
	_, err = x.db.ExecContext(ctx, `
		INSERT INTO fs_search_index_state (mount_id, status, last_indexed_ms, updated_at_ms, dirty_count)
		SELECT ?, ?, ?, ?, 0 WHERE NOT EXISTS (SELECT 1 FROM fs_search_index_state WHERE mount_id = ?)`,
		mountID, StateReady, nowMillis(), nowMillis(), mountID)
	return err
}

func (x *Index) upsertBatch(ctx context.Context, mountID string, entries []driver.Entry) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := upsertEntryTx(ctx, tx, mountID, e); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func upsertEntryTx(ctx context.Context, tx *sql.Tx, mountID string, e driver.Entry) error {
	isDir := 0
	if e.IsDir {
		isDir = 1
	}
	displayPath := "/" + strings.TrimPrefix(e.Key, "/")
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fs_search_index_entries (mount_id, s3_key, name, path, size, type, modified_ms, is_directory)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(mount_id, s3_key) DO UPDATE SET name=excluded.name, path=excluded.path, size=excluded.size,
			type=excluded.type, modified_ms=excluded.modified_ms, is_directory=excluded.is_directory`,
		mountID, e.Key, e.Name, displayPath, e.Size, int(e.Type), e.ModifiedAt.UnixMilli(), isDir); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fs_search_index_fts WHERE mount_id = ? AND s3_key = ?`, mountID, e.Key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO fs_search_index_fts (mount_id, s3_key, name, path) VALUES (?,?,?,?)`,
		mountID, e.Key, e.Name, displayPath)
	return err
}

// ApplyDirtyOptions mirrors spec.md §6's fs_index_apply_dirty payload options.
type ApplyDirtyOptions struct {
	BatchSize                int
	MaxItems                 int
	RebuildDirectorySubtree  bool
	MaxDepth                 int
}

// ApplyDirtyPayload mirrors spec.md §6's fs_index_apply_dirty job payload.
type ApplyDirtyPayload struct {
	MountIDs []string
	Options  ApplyDirtyOptions
}

// ApplyDirtyHandler returns a job.Handler performing the
// fs_index_apply_dirty job task: drain fs_index_dirty FIFO in batches, per
// spec.md §4.7's "Incremental" description.
func (x *Index) ApplyDirtyHandler() job.Handler {
	return func(ctx context.Context, j *job.Job, report job.Reporter) error {
		payload, _ := j.Payload.(ApplyDirtyPayload)
		opts := payload.Options
		if !opts.RebuildDirectorySubtree {
			opts.RebuildDirectorySubtree = true // always applied: an explicit false cannot be told apart from unset
		}
		batchSize := opts.BatchSize
		if batchSize <= 0 {
			batchSize = defaultBatchSize
		}
		maxItems := opts.MaxItems
		processedTotal := 0
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rows, err := x.dequeueDirty(ctx, payload.MountIDs, batchSize)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				break
			}
			for _, d := range rows {
				if err := x.applyDirtyEntry(ctx, d, opts); err != nil {
					report.ItemResult(job.ItemResult{SourcePath: d.s3Key, Status: "failed", Error: err.Error()})
				} else {
					report.ItemResult(job.ItemResult{SourcePath: d.s3Key, Status: "success"})
				}
				processedTotal++
				if maxItems > 0 && processedTotal >= maxItems {
					report.Progress(processedTotal, processedTotal, 0, 0)
					return nil
				}
			}
			report.Progress(processedTotal, processedTotal, 0, 0)
		}
		return nil
	}
}

type dirtyRow struct {
	id      int64
	mountID string
	op      string
	s3Key   string
}

func (x *Index) dequeueDirty(ctx context.Context, mountIDs []string, limit int) ([]dirtyRow, error) {
	var rows *sql.Rows
	var err error
	if len(mountIDs) == 0 {
		rows, err = x.db.QueryContext(ctx, `SELECT id, mount_id, op, s3_key FROM fs_search_index_dirty ORDER BY id LIMIT ?`, limit)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(mountIDs)), ",")
		args := make([]interface{}, 0, len(mountIDs)+1)
		for _, id := range mountIDs {
			args = append(args, id)
		}
		args = append(args, limit)
		rows, err = x.db.QueryContext(ctx, `SELECT id, mount_id, op, s3_key FROM fs_search_index_dirty WHERE mount_id IN (`+placeholders+`) ORDER BY id LIMIT ?`, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dirtyRow
	var ids []int64
	for rows.Next() {
		var d dirtyRow
		if err := rows.Scan(&d.id, &d.mountID, &d.op, &d.s3Key); err != nil {
			return nil, err
		}
		out = append(out, d)
		ids = append(ids, d.id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := x.db.ExecContext(ctx, `DELETE FROM fs_search_index_dirty WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	if len(ids) > 0 {
		byMount := map[string]int{}
		for _, d := range out {
			byMount[d.mountID]++
		}
		for mountID, n := range byMount {
			_, _ = x.db.ExecContext(ctx, `UPDATE fs_search_index_state SET dirty_count = MAX(dirty_count - ?, 0) WHERE mount_id = ?`, n, mountID)
			if x.met != nil {
				if status, err := x.Status(ctx, mountID); err == nil {
					x.met.FSIndexDirty.WithLabelValues(mountID).Set(float64(status.DirtyCount))
				}
			}
		}
	}
	return out, nil
}

func (x *Index) applyDirtyEntry(ctx context.Context, d dirtyRow, opts ApplyDirtyOptions) error {
	var m *mount.Mount
	for _, candidate := range x.router.All() {
		if candidate.ID == d.mountID {
			mm := candidate
			m = &mm
			break
		}
	}
	if m == nil {
		return cerr.New(cerr.NotFound, "mount %s not found", d.mountID)
	}

	if d.op == "delete" {
		x.mu.Lock()
		defer x.mu.Unlock()
		_, err := x.db.ExecContext(ctx, `DELETE FROM fs_search_index_entries WHERE mount_id = ? AND (s3_key = ? OR s3_key LIKE ?)`, d.mountID, d.s3Key, d.s3Key+"/%")
		if err != nil {
			return err
		}
		_, err = x.db.ExecContext(ctx, `DELETE FROM fs_search_index_fts WHERE mount_id = ? AND (s3_key = ? OR s3_key LIKE ?)`, d.mountID, d.s3Key, d.s3Key+"/%")
		return err
	}

	sto, err := x.registry.Get(m.StorageConfigID)
	if err != nil {
		return err
	}
	entry, err := sto.Stat(ctx, d.s3Key)
	if err != nil {
		return err
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := upsertEntryTx(ctx, tx, d.mountID, entry); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if entry.IsDir && opts.RebuildDirectorySubtree {
		return x.rebuildSubtree(ctx, d.mountID, sto, d.s3Key, opts.MaxDepth)
	}
	return nil
}

func (x *Index) rebuildSubtree(ctx context.Context, mountID string, sto driver.Storage, root string, maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = 1000
	}
	var batch []driver.Entry
	var walk func(path string, depth int) error
	walk = func(path string, depth int) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if depth > maxDepth {
			return nil
		}
		res, err := sto.List(ctx, path, driver.ListOptions{Limit: 1000})
		if err != nil {
			return err
		}
		for _, e := range res.Entries {
			batch = append(batch, e)
			if len(batch) >= defaultBatchSize {
				if err := x.upsertBatch(ctx, mountID, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
			if e.IsDir {
				if err := walk(e.Key, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return err
	}
	if len(batch) > 0 {
		return x.upsertBatch(ctx, mountID, batch)
	}
	return nil
}

// SearchScope mirrors spec.md §4.7's search planner scope.
type SearchScope string

const (
	ScopeGlobal    SearchScope = "global"
	ScopeMount     SearchScope = "mount"
	ScopeDirectory SearchScope = "directory"
)

// SkippedMount is one entry of a global search's skippedMounts list.
type SkippedMount struct {
	MountID string
	Status  State
	Reason  string
}

// SearchResultEntry is one hit returned by Search.
type SearchResultEntry struct {
	MountID string
	Entry   driver.Entry
}

// SearchResult is the outcome of Search, per spec.md §4.7/§8 scenario 6.
type SearchResult struct {
	IndexReady        bool
	IndexPartial       bool
	SearchableMountIDs []string
	SkippedMounts      []SkippedMount
	Results            []SearchResultEntry
	NextCursor         string
	Hint               string
}

const minQueryLength = 3
const defaultSearchLimit = 50
const maxSearchLimit = 200

// Search implements spec.md §4.7's search planner across global/mount/
// directory scopes, with a minimum trigram query length of 3 and opaque
// pagination. key scopes the search the same way mount.Router.ResolveForKey
// scopes every other FS operation: a nil key (admin) sees every mount, a
// non-nil key only sees mount.Router.VisibleMounts(key), per spec.md §8's
// universal basic_path/storage_acl invariant.
func (x *Index) Search(ctx context.Context, key *authz.ApiKey, scope SearchScope, query, mountID, directoryPrefix string, cursor string, limit int) (SearchResult, error) {
	if len(query) < minQueryLength {
		return SearchResult{}, cerr.New(cerr.InvalidInput, "search query must be at least %d characters", minQueryLength).WithField("q")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	visible := make(map[string]bool)
	for _, m := range x.router.VisibleMounts(key) {
		visible[m.ID] = true
	}

	var candidateMounts []string
	switch scope {
	case ScopeMount, ScopeDirectory:
		if mountID == "" {
			return SearchResult{}, cerr.New(cerr.InvalidInput, "mount_id required for scope=%s", scope)
		}
		if !visible[mountID] {
			return SearchResult{}, cerr.New(cerr.PermissionDenied, "mount %s not visible to this key", mountID)
		}
		candidateMounts = []string{mountID}
	default:
		for _, m := range x.router.All() {
			if visible[m.ID] {
				candidateMounts = append(candidateMounts, m.ID)
			}
		}
	}

	res := SearchResult{}
	var ready []string
	for _, id := range candidateMounts {
		status, err := x.Status(ctx, id)
		if err != nil {
			return SearchResult{}, err
		}
		if status.Status == StateReady {
			ready = append(ready, id)
			continue
		}
		res.SkippedMounts = append(res.SkippedMounts, SkippedMount{MountID: id, Status: status.Status, Reason: "index_not_ready"})
	}

	if scope != ScopeGlobal {
		if len(ready) == 0 {
			res.IndexReady = false
			res.Hint = "target mount is not ready; trigger a rebuild"
			return res, nil
		}
		res.IndexReady = true
	} else {
		res.IndexReady = len(ready) > 0
		res.IndexPartial = len(res.SkippedMounts) > 0
	}
	res.SearchableMountIDs = ready
	if len(ready) == 0 {
		return res, nil
	}

	offset := decodeCursor(cursor)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ready)), ",")
	mountArgs := make([]interface{}, 0, len(ready))
	for _, id := range ready {
		mountArgs = append(mountArgs, id)
	}

	dirCond, dirArg := "", []interface{}(nil)
	if directoryPrefix != "" {
		dirCond = ` AND e.path LIKE ?`
		dirArg = []interface{}{directoryPrefix + "%"}
	}

	ftsQuery := `
		SELECT f.mount_id, e.s3_key, e.name, e.path, e.size, e.type, e.modified_ms, e.is_directory
		FROM fs_search_index_fts f
		JOIN fs_search_index_entries e ON e.mount_id = f.mount_id AND e.s3_key = f.s3_key
		WHERE fs_search_index_fts MATCH ? AND f.mount_id IN (` + placeholders + `)` + dirCond + `
		ORDER BY e.path LIMIT ? OFFSET ?`
	ftsArgs := append([]interface{}{matchQuery(query)}, mountArgs...)
	ftsArgs = append(ftsArgs, dirArg...)
	ftsArgs = append(ftsArgs, limit+1, offset)

	rows, err := x.db.QueryContext(ctx, ftsQuery, ftsArgs...)
	if err != nil {
		// fall back to a LIKE scan if FTS5 trigram isn't available in this
		// build of modernc.org/sqlite; correctness over speed for the
		// degraded path.
		likeQuery := "%" + query + "%"
		likeSQL := `
			SELECT mount_id, s3_key, name, path, size, type, modified_ms, is_directory
			FROM fs_search_index_entries
			WHERE (name LIKE ? OR path LIKE ?) AND mount_id IN (` + placeholders + `)` + dirCond + `
			ORDER BY path LIMIT ? OFFSET ?`
		likeArgs := append([]interface{}{likeQuery, likeQuery}, mountArgs...)
		likeArgs = append(likeArgs, dirArg...)
		likeArgs = append(likeArgs, limit+1, offset)
		rows, err = x.db.QueryContext(ctx, likeSQL, likeArgs...)
		if err != nil {
			return SearchResult{}, err
		}
	}
	defer rows.Close()

	var entries []SearchResultEntry
	for rows.Next() {
		var mID string
		var e driver.Entry
		var modMs int64
		var typ int
		var isDir int
		if err := rows.Scan(&mID, &e.Key, &e.Name, new(string), &e.Size, &typ, &modMs, &isDir); err != nil {
			return SearchResult{}, err
		}
		e.Type = driver.EntryType(typ)
		e.ModifiedAt = time.UnixMilli(modMs)
		e.IsDir = isDir != 0
		entries = append(entries, SearchResultEntry{MountID: mID, Entry: e})
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
		res.NextCursor = encodeCursor(offset + limit)
	}
	res.Results = entries
	return res, nil
}

// matchQuery quotes the raw query for FTS5 MATCH, escaping internal quotes.
func matchQuery(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}

// cursorVersion tags the opaque cursor blob's layout, per spec.md §9's
// "opaque cursors" design note: bumping it lets a future planner change
// (e.g. a keyset cursor replacing the plain offset) reject cursors minted
// by an older build instead of silently misinterpreting their bytes.
const cursorVersion byte = 1

// decodeCursor/encodeCursor implement the cursor as a versioned opaque
// blob (version byte + big-endian offset, base64url-encoded) rather than a
// bare base-10 offset a client could read or hand-edit. Unsigned: the
// offset carries no authorization information of its own (Search already
// re-validates key visibility on every call), so HMAC-signing it would add
// cost without closing any real gap.
func decodeCursor(c string) int {
	if c == "" {
		return 0
	}
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil || len(raw) != 9 || raw[0] != cursorVersion {
		return 0
	}
	return int(binary.BigEndian.Uint64(raw[1:]))
}

func encodeCursor(n int) string {
	buf := make([]byte, 9)
	buf[0] = cursorVersion
	binary.BigEndian.PutUint64(buf[1:], uint64(n))
	return base64.RawURLEncoding.EncodeToString(buf)
}
