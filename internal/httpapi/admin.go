package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cloudpaste/gateway/internal/authn"
	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/mount"
)

// --- admin session -----------------------------------------------------

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	tok, err := s.Admin.Login(r.Context(), body.Password)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}{tok.Token, tok.ExpiresAt.UnixMilli()})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if tok, ok := authn.ExtractBearer(r.Header.Get("Authorization")); ok {
		s.Admin.Logout(tok)
	}
	WriteJSON(w, nil)
}

func (s *Server) handleAdminChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	if err := s.Admin.ChangePassword(r.Context(), body.OldPassword, body.NewPassword); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, nil)
}

// --- mounts --------------------------------------------------------------

func (s *Server) handleMountList(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, s.Router.All())
}

func (s *Server) handleMountCreate(w http.ResponseWriter, r *http.Request) {
	var m mount.Mount
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	if m.ID == "" {
		m.ID = authz.RandToken(8)
	}
	m.MountPath = mount.Normalize(m.MountPath)
	if m.WebDAVPolicy == "" {
		m.WebDAVPolicy = "302_redirect"
	}
	if _, err := s.DB.ExecContext(r.Context(), `
		INSERT INTO mounts (id, name, mount_path, storage_config_id, is_active, sort_order, cache_ttl_seconds, web_proxy, webdav_policy, enable_sign, sign_expires_sec)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, m.MountPath, m.StorageConfigID, boolToInt(m.IsActive), m.SortOrder, m.CacheTTLSeconds, boolToInt(m.WebProxy), m.WebDAVPolicy, boolToInt(m.EnableSign), m.SignExpiresSec,
	); err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "inserting mount"))
		return
	}
	if err := s.reloadMounts(r.Context()); err != nil {
		WriteError(w, err)
		return
	}
	WriteCreated(w, m)
}

func (s *Server) handleMountUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var m mount.Mount
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	m.MountPath = mount.Normalize(m.MountPath)
	_, err := s.DB.ExecContext(r.Context(), `
		UPDATE mounts SET name=?, mount_path=?, storage_config_id=?, is_active=?, sort_order=?, cache_ttl_seconds=?, web_proxy=?, webdav_policy=?, enable_sign=?, sign_expires_sec=?
		WHERE id=?`,
		m.Name, m.MountPath, m.StorageConfigID, boolToInt(m.IsActive), m.SortOrder, m.CacheTTLSeconds, boolToInt(m.WebProxy), m.WebDAVPolicy, boolToInt(m.EnableSign), m.SignExpiresSec, id,
	)
	if err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "updating mount"))
		return
	}
	if err := s.reloadMounts(r.Context()); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, nil)
}

func (s *Server) handleMountDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.DB.ExecContext(r.Context(), `DELETE FROM mounts WHERE id=?`, id); err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "deleting mount"))
		return
	}
	if err := s.reloadMounts(r.Context()); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, nil)
}

// reloadMounts refreshes the in-memory mount.Router from the mounts table,
// the same read-after-write refresh pattern spec.md §3 calls for after
// any admin mutation.
func (s *Server) reloadMounts(ctx context.Context) error {
	return ReloadMounts(ctx, s.DB, s.Router)
}

// ReloadMounts loads every row of the mounts table into router, replacing
// its table wholesale. Exported so cmd/cloudpasted can call it once at
// startup (the router is otherwise only ever populated by an admin mutation,
// which leaves every mount unresolvable across a process restart) as well
// as from the per-mutation admin handlers above.
func ReloadMounts(ctx context.Context, db *sql.DB, router *mount.Router) error {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, mount_path, storage_config_id, is_active, sort_order, cache_ttl_seconds, web_proxy, webdav_policy, enable_sign, sign_expires_sec
		FROM mounts`)
	if err != nil {
		return cerr.Wrap(cerr.Internal, err, "reloading mounts")
	}
	defer rows.Close()
	var mounts []mount.Mount
	for rows.Next() {
		var m mount.Mount
		var isActive, webProxy, enableSign int
		var signExpiresSec sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Name, &m.MountPath, &m.StorageConfigID, &isActive, &m.SortOrder, &m.CacheTTLSeconds, &webProxy, &m.WebDAVPolicy, &enableSign, &signExpiresSec); err != nil {
			return err
		}
		m.IsActive = isActive != 0
		m.WebProxy = webProxy != 0
		m.EnableSign = enableSign != 0
		if signExpiresSec.Valid {
			n := int(signExpiresSec.Int64)
			m.SignExpiresSec = &n
		}
		mounts = append(mounts, m)
	}
	router.Set(mounts)
	return nil
}

// ReloadStorageConfigs loads every row of the storage_configs table into
// registry, the storage-side counterpart of ReloadMounts: the registry is
// otherwise only ever populated by handleStorageConfigCreate, so a process
// restart leaves every storage type unregistered until an admin re-touches
// each config.
func ReloadStorageConfigs(ctx context.Context, db *sql.DB, registry *driver.Registry) error {
	rows, err := db.QueryContext(ctx, `
		SELECT id, storage_type, provider_type, params_json, credentials_json, default_folder
		FROM storage_configs`)
	if err != nil {
		return cerr.Wrap(cerr.Internal, err, "reloading storage configs")
	}
	defer rows.Close()
	for rows.Next() {
		var id, storageType, defaultFolder, paramsJSON, credsJSON string
		var providerType sql.NullString
		if err := rows.Scan(&id, &storageType, &providerType, &paramsJSON, &credsJSON, &defaultFolder); err != nil {
			return err
		}
		var params, creds map[string]string
		_ = json.Unmarshal([]byte(paramsJSON), &params)
		_ = json.Unmarshal([]byte(credsJSON), &creds)
		registry.Put(storageType, driver.Config{
			StorageConfigID: id,
			ProviderType:    providerType.String,
			Params:          params,
			Credentials:     creds,
			DefaultFolder:   defaultFolder,
		})
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- storage configs -------------------------------------------------

type storageConfigView struct {
	ID                string            `json:"id"`
	StorageType       string            `json:"storageType"`
	ProviderType      string            `json:"providerType"`
	Params            map[string]string `json:"params"`
	DefaultFolder     string            `json:"defaultFolder"`
	IsPublic          bool              `json:"isPublic"`
	TotalStorageBytes *int64            `json:"totalStorageBytes"`
	IsDefault         bool              `json:"isDefault"`
}

func (s *Server) handleStorageConfigList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.DB.QueryContext(r.Context(), `SELECT id, storage_type, provider_type, params_json, default_folder, is_public, total_storage_bytes, is_default FROM storage_configs`)
	if err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "listing storage configs"))
		return
	}
	defer rows.Close()
	var out []storageConfigView
	for rows.Next() {
		var v storageConfigView
		var providerType sql.NullString
		var paramsJSON string
		var totalBytes sql.NullInt64
		var isPublic, isDefault int
		if err := rows.Scan(&v.ID, &v.StorageType, &providerType, &paramsJSON, &v.DefaultFolder, &isPublic, &totalBytes, &isDefault); err != nil {
			WriteError(w, err)
			return
		}
		v.ProviderType = providerType.String
		v.IsPublic = isPublic != 0
		v.IsDefault = isDefault != 0
		if totalBytes.Valid {
			v.TotalStorageBytes = &totalBytes.Int64
		}
		_ = json.Unmarshal([]byte(paramsJSON), &v.Params)
		out = append(out, v)
	}
	WriteJSON(w, out)
}

func (s *Server) handleStorageConfigCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID                string            `json:"id"`
		StorageType       string            `json:"storageType"`
		ProviderType      string            `json:"providerType"`
		Params            map[string]string `json:"params"`
		Credentials       map[string]string `json:"credentials"`
		DefaultFolder     string            `json:"defaultFolder"`
		IsPublic          bool              `json:"isPublic"`
		TotalStorageBytes *int64            `json:"totalStorageBytes"`
		IsDefault         bool              `json:"isDefault"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	if body.ID == "" {
		body.ID = authz.RandToken(8)
	}
	paramsJSON, _ := json.Marshal(body.Params)
	credsJSON, _ := json.Marshal(body.Credentials)
	_, err := s.DB.ExecContext(r.Context(), `
		INSERT INTO storage_configs (id, storage_type, provider_type, params_json, credentials_json, default_folder, is_public, total_storage_bytes, is_default)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		body.ID, body.StorageType, body.ProviderType, string(paramsJSON), string(credsJSON), body.DefaultFolder, boolToInt(body.IsPublic), body.TotalStorageBytes, boolToInt(body.IsDefault),
	)
	if err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "inserting storage config"))
		return
	}
	s.Registry.Put(body.StorageType, driver.Config{
		StorageConfigID: body.ID,
		ProviderType:    body.ProviderType,
		Params:          body.Params,
		Credentials:     body.Credentials,
		DefaultFolder:   body.DefaultFolder,
	})
	WriteCreated(w, struct {
		ID string `json:"id"`
	}{body.ID})
}

func (s *Server) handleStorageConfigDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.DB.ExecContext(r.Context(), `DELETE FROM storage_configs WHERE id=?`, id); err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "deleting storage config"))
		return
	}
	s.Registry.Remove(id)
	WriteJSON(w, nil)
}

func (s *Server) handleStorageConfigCapabilities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	caps, err := s.Registry.Capabilities(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, caps)
}

// --- api keys ----------------------------------------------------------

func (s *Server) handleApiKeyCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string   `json:"name"`
		Permissions int64    `json:"permissions"`
		BasicPath   string   `json:"basicPath"`
		IsGuest     bool     `json:"isGuest"`
		ExpiresInH  *int     `json:"expiresInHours"`
		StorageACL  []string `json:"storageAcl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	rawKey := authz.RandToken(24)
	hash, err := (authn.BcryptHasher{}).Hash(rawKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	id := authz.RandToken(8)
	if body.BasicPath == "" {
		body.BasicPath = "/"
	}
	var expiresAtMs interface{}
	if body.ExpiresInH != nil {
		expiresAtMs = time.Now().Add(time.Duration(*body.ExpiresInH) * time.Hour).UnixMilli()
	}
	_, err = s.DB.ExecContext(r.Context(), `
		INSERT INTO api_keys (id, name, key_hash, permissions, basic_path, is_guest, expires_at_ms, created_at_ms)
		VALUES (?,?,?,?,?,?,?,?)`,
		id, body.Name, hash, body.Permissions, body.BasicPath, boolToInt(body.IsGuest), expiresAtMs, time.Now().UnixMilli(),
	)
	if err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "inserting api key"))
		return
	}
	for _, scID := range body.StorageACL {
		_, _ = s.DB.ExecContext(r.Context(), `INSERT OR IGNORE INTO api_key_storage_acl (api_key_id, storage_config_id) VALUES (?,?)`, id, scID)
	}
	WriteCreated(w, struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}{id, rawKey})
}

func (s *Server) handleApiKeyList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.DB.QueryContext(r.Context(), `SELECT id, name, permissions, basic_path, is_guest, expires_at_ms, created_at_ms FROM api_keys`)
	if err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "listing api keys"))
		return
	}
	defer rows.Close()
	type view struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Permissions int64  `json:"permissions"`
		BasicPath   string `json:"basicPath"`
		IsGuest     bool   `json:"isGuest"`
		ExpiresAtMs *int64 `json:"expiresAtMs,omitempty"`
		CreatedAtMs int64  `json:"createdAtMs"`
	}
	var out []view
	for rows.Next() {
		var v view
		var isGuest int
		var expires sql.NullInt64
		if err := rows.Scan(&v.ID, &v.Name, &v.Permissions, &v.BasicPath, &isGuest, &expires, &v.CreatedAtMs); err != nil {
			WriteError(w, err)
			return
		}
		v.IsGuest = isGuest != 0
		if expires.Valid {
			v.ExpiresAtMs = &expires.Int64
		}
		out = append(out, v)
	}
	WriteJSON(w, out)
}

func (s *Server) handleApiKeyDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.DB.ExecContext(r.Context(), `DELETE FROM api_keys WHERE id=?`, id); err != nil {
		WriteError(w, cerr.Wrap(cerr.Internal, err, "deleting api key"))
		return
	}
	_, _ = s.DB.ExecContext(r.Context(), `DELETE FROM api_key_storage_acl WHERE api_key_id=?`, id)
	WriteJSON(w, nil)
}

// --- scheduled jobs -------------------------------------------------

func (s *Server) handleScheduledJobTrigger(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	j, err := s.Scheduler.Run(r.Context(), taskID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteCreated(w, j)
}

func (s *Server) handleScheduledJobStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, s.Scheduler.Status())
}

// --- jobs ----------------------------------------------------------

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, s.Jobs.List())
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	j, ok := s.Jobs.Get(r.PathValue("id"))
	if !ok {
		WriteError(w, cerr.New(cerr.NotFound, "job %s not found", r.PathValue("id")))
		return
	}
	WriteJSON(w, j)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Jobs.Cancel(r.PathValue("id")); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, nil)
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	j, err := s.Jobs.Retry(r.Context(), r.PathValue("id"), "api")
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, j)
}
