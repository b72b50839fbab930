package gpa

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

var (
	metadataOnce     sync.Once
	metadataInstance *MetadataRegistry
	adaptersOnce     sync.Once
	adaptersInstance *AdapterRegistry

	ErrRegistrySealed = errors.New("registry is sealed")
)

// table is a write-once, read-many map. Writes are accepted until seal;
// afterwards reads go through an immutable snapshot without locking.
type table[K comparable, V any] struct {
	mutex    sync.RWMutex
	staging  map[K]V
	snapshot atomic.Pointer[map[K]V]
}

func (t *table[K, V]) put(key K, value V, replace bool) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.snapshot.Load() != nil {
		return false, ErrRegistrySealed
	}
	if t.staging == nil {
		t.staging = make(map[K]V)
	}
	if _, exists := t.staging[key]; exists && !replace {
		return false, nil
	}
	t.staging[key] = value
	return true, nil
}

func (t *table[K, V]) get(key K) (V, bool) {
	if snap := t.snapshot.Load(); snap != nil {
		v, ok := (*snap)[key]
		return v, ok
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	v, ok := t.staging[key]
	return v, ok
}

func (t *table[K, V]) seal() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.snapshot.Load() != nil {
		return
	}
	frozen := make(map[K]V, len(t.staging))
	for k, v := range t.staging {
		frozen[k] = v
	}
	t.snapshot.Store(&frozen)
}

func (t *table[K, V]) sealed() bool {
	return t.snapshot.Load() != nil
}

func (t *table[K, V]) clear() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.staging = nil
	t.snapshot.Store(nil)
}

func (t *table[K, V]) values() []V {
	if snap := t.snapshot.Load(); snap != nil {
		out := make([]V, 0, len(*snap))
		for _, v := range *snap {
			out = append(out, v)
		}
		return out
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	out := make([]V, 0, len(t.staging))
	for _, v := range t.staging {
		out = append(out, v)
	}
	return out
}

// =====================================
// Metadata Registry
// =====================================

// MetadataRegistry maps entity types and storage names to their metadata.
type MetadataRegistry struct {
	byType    table[reflect.Type, *EntityMetadata]
	byStorage table[string, *EntityMetadata]
}

// NewMetadataRegistry returns an empty, unsealed registry.
func NewMetadataRegistry() *MetadataRegistry {
	return &MetadataRegistry{}
}

// Metadata returns the process-wide metadata registry.
func Metadata() *MetadataRegistry {
	metadataOnce.Do(func() {
		metadataInstance = NewMetadataRegistry()
	})
	return metadataInstance
}

// Register adds metadata for one entity type. Registering the same type or
// storage name twice is a configuration error.
func (r *MetadataRegistry) Register(metas ...*EntityMetadata) error {
	for _, meta := range metas {
		if err := meta.Validate(); err != nil {
			return err
		}
		if _, exists := r.byStorage.get(meta.StorageName); exists && !r.byStorage.sealed() {
			return ConfigError(meta.Name, "", "storage name %q already registered", meta.StorageName)
		}
		added, err := r.byType.put(meta.Type, meta, false)
		if err != nil {
			return err
		}
		if !added {
			return ConfigError(meta.Name, "", "metadata already registered")
		}
		added, err = r.byStorage.put(meta.StorageName, meta, false)
		if err != nil {
			return err
		}
		if !added {
			return ConfigError(meta.Name, "", "storage name %q already registered", meta.StorageName)
		}
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *MetadataRegistry) MustRegister(metas ...*EntityMetadata) {
	if err := r.Register(metas...); err != nil {
		panic(err)
	}
}

// ByType returns the metadata of a struct type. Pointer types are dereferenced.
func (r *MetadataRegistry) ByType(t reflect.Type) (*EntityMetadata, bool) {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return r.byType.get(t)
}

// ByStorageName returns the metadata stored under a table/collection name.
func (r *MetadataRegistry) ByStorageName(name string) (*EntityMetadata, bool) {
	return r.byStorage.get(name)
}

// Of returns the metadata for the dynamic type of entity, which must be a
// non-nil pointer.
func (r *MetadataRegistry) Of(entity any) (*EntityMetadata, error) {
	if err := RequirePointer(entity); err != nil {
		return nil, err
	}
	t := reflect.TypeOf(entity)
	meta, ok := r.ByType(t)
	if !ok {
		return nil, ConfigError(fmt.Sprint(t), "", "no metadata registered")
	}
	return meta, nil
}

// RequirePointer rejects entities that are not non-nil pointers. Accessors
// read and write through the pointer.
func RequirePointer(entity any) error {
	if v := reflect.ValueOf(entity); v.Kind() != reflect.Ptr || v.IsNil() {
		return NewError(ErrorTypeValidation, fmt.Sprintf("entity must be a non-nil pointer, got %T", entity))
	}
	return nil
}

// All returns every registered entity in no particular order.
func (r *MetadataRegistry) All() []*EntityMetadata {
	return r.byType.values()
}

// Seal freezes the registry; later Register calls fail with ErrRegistrySealed.
func (r *MetadataRegistry) Seal() {
	r.byType.seal()
	r.byStorage.seal()
}

// Sealed reports whether Seal has been called.
func (r *MetadataRegistry) Sealed() bool {
	return r.byType.sealed()
}

// Clear drops every registration and unseals the registry.
func (r *MetadataRegistry) Clear() {
	r.byType.clear()
	r.byStorage.clear()
}

// MetadataOf returns the metadata of E from the process-wide registry.
func MetadataOf[E any]() (*EntityMetadata, error) {
	t := reflect.TypeOf((*E)(nil)).Elem()
	meta, ok := Metadata().ByType(t)
	if !ok {
		return nil, ConfigError(t.Name(), "", "no metadata registered")
	}
	return meta, nil
}

// =====================================
// Adapter Registry
// =====================================

// AdapterRegistry maps entity types, and optional override names, to the
// adapter serving them.
type AdapterRegistry struct {
	byType table[reflect.Type, Adapter]
	named  table[string, Adapter]
}

// NewAdapterRegistry returns an empty, unsealed registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{}
}

// Adapters returns the process-wide adapter registry.
func Adapters() *AdapterRegistry {
	adaptersOnce.Do(func() {
		adaptersInstance = NewAdapterRegistry()
	})
	return adaptersInstance
}

// RegisterFor binds an adapter to an entity type, replacing any earlier binding.
func (r *AdapterRegistry) RegisterFor(t reflect.Type, adapter Adapter) error {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	_, err := r.byType.put(t, adapter, true)
	return err
}

// RegisterNamed binds an adapter to an override name used by
// RelationshipMetadata.Repository.
func (r *AdapterRegistry) RegisterNamed(name string, adapter Adapter) error {
	_, err := r.named.put(name, adapter, true)
	return err
}

// For returns the adapter bound to a type.
func (r *AdapterRegistry) For(t reflect.Type) (Adapter, bool) {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return r.byType.get(t)
}

// Named returns the adapter registered under name.
func (r *AdapterRegistry) Named(name string) (Adapter, bool) {
	return r.named.get(name)
}

// Seal freezes the registry.
func (r *AdapterRegistry) Seal() {
	r.byType.seal()
	r.named.seal()
}

// Clear drops every registration and unseals the registry.
func (r *AdapterRegistry) Clear() {
	r.byType.clear()
	r.named.clear()
}

// RegisterAdapter binds adapter to E in the process-wide registry.
func RegisterAdapter[E any](adapter Adapter) error {
	return Adapters().RegisterFor(reflect.TypeOf((*E)(nil)).Elem(), adapter)
}
