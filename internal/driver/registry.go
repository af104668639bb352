package driver

import (
	"fmt"
	"sync"
)

// Constructor builds a Storage instance from a driver-specific config blob.
// Grounded on Perkeep's blobserver.StorageConstructor (func(Loader,
// jsonconfig.Obj) (Storage, error)); here the "Loader" environment is
// dropped since drivers are self-contained and resolved per
// storage_config_id rather than per config-file prefix.
type Constructor func(config Config) (Storage, error)

// Config is the subset of StorageConfig (spec.md §3) a Constructor needs:
// connection params and credentials, already decrypted by the caller.
type Config struct {
	StorageConfigID string
	ProviderType    string
	Params          map[string]string
	Credentials     map[string]string
	DefaultFolder   string
}

var (
	mu           sync.Mutex
	constructors = make(map[string]Constructor)
)

// Register registers a Constructor for a storage_type. Mirrors
// blobserver.RegisterStorageConstructor: panics on duplicate registration,
// since that's a programming error caught at init time, not a runtime one.
func Register(storageType string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := constructors[storageType]; dup {
		panic("driver: duplicate registration for storage type: " + storageType)
	}
	constructors[storageType] = ctor
}

// New instantiates a Storage of the given type from config.
func New(storageType string, config Config) (Storage, error) {
	mu.Lock()
	ctor, ok := constructors[storageType]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("driver: storage type %q not registered", storageType)
	}
	return ctor(config)
}

// Registry resolves a driver instance for a storage_config_id and caches
// instantiations, per spec.md §4.1 ("The Registry resolves driver by
// storage_config_id and caches instantiations; it never holds
// request-scoped state").
type Registry struct {
	mu      sync.Mutex
	configs map[string]Config
	types   map[string]string // storage_config_id -> storage_type
	cache   map[string]Storage
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		configs: make(map[string]Config),
		types:   make(map[string]string),
		cache:   make(map[string]Storage),
	}
}

// Put registers (or replaces) the config for a storage_config_id, evicting
// any cached instance so the next Get re-instantiates with fresh config.
func (r *Registry) Put(storageType string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[cfg.StorageConfigID] = storageType
	r.configs[cfg.StorageConfigID] = cfg
	delete(r.cache, cfg.StorageConfigID)
}

// PutInstance registers an already-constructed Storage directly, bypassing
// Constructor lookup. Used for drivers like mirror that fan out to other
// storage_config_ids already resolved by the Registry and so cannot be
// expressed as a flat Constructor(Config) func.
func (r *Registry) PutInstance(storageConfigID string, sto Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[storageConfigID] = sto
}

// Remove evicts a storage_config_id entirely, e.g. on StorageConfig deletion.
func (r *Registry) Remove(storageConfigID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, storageConfigID)
	delete(r.configs, storageConfigID)
	delete(r.cache, storageConfigID)
}

// Get resolves (instantiating and caching on first use) the driver for a
// storage_config_id.
func (r *Registry) Get(storageConfigID string) (Storage, error) {
	r.mu.Lock()
	if sto, ok := r.cache[storageConfigID]; ok {
		r.mu.Unlock()
		return sto, nil
	}
	typ, ok := r.types[storageConfigID]
	cfg := r.configs[storageConfigID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("driver: no storage config registered for %q", storageConfigID)
	}
	sto, err := New(typ, cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[storageConfigID] = sto
	r.mu.Unlock()
	return sto, nil
}

// Capabilities is a convenience wrapper returning the capability descriptor
// for a storage_config_id without the caller needing to hold onto the
// Storage instance, used by /api/admin/storage-configs/{id}/capabilities.
func (r *Registry) Capabilities(storageConfigID string) (Capabilities, error) {
	sto, err := r.Get(storageConfigID)
	if err != nil {
		return Capabilities{}, err
	}
	return sto.Capabilities(), nil
}
