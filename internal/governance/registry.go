package governance

import (
	"fmt"
	"sync"

	"Conclave/internal/logger"
	"Conclave/internal/storage"
)

// prefixInstance is the Pebble key prefix for governed instances.
var prefixInstance = []byte("gov:")

// Registry holds every governed instance, backed by persistent storage.
// Instances are loaded once at startup and written back after each
// successful mutation.
type Registry struct {
	db *storage.Storage

	mu        sync.RWMutex
	instances map[Hash]*Multicontroller
}

// NewRegistry creates a registry and loads all persisted instances.
func NewRegistry(db *storage.Storage) (*Registry, error) {
	r := &Registry{
		db:        db,
		instances: make(map[Hash]*Multicontroller),
	}

	err := db.IteratePrefix(prefixInstance, func(key, value []byte) error {
		m, err := Decode(value)
		if err != nil {
			return fmt.Errorf("load instance %x:\n%w", key, err)
		}

		r.instances[m.ID()] = m

		return nil
	})
	if err != nil {
		return nil, err
	}

	if n := len(r.instances); n > 0 {
		logger.Info("governed instances loaded", "count", n)
	}

	return r, nil
}

// Get returns a governed instance by ID.
func (r *Registry) Get(id Hash) (*Multicontroller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	return m, nil
}

// Add registers and persists a new instance.
func (r *Registry) Add(m *Multicontroller) error {
	r.mu.Lock()
	r.instances[m.ID()] = m
	r.mu.Unlock()

	return r.Persist(m)
}

// Persist writes the instance's current state back to storage.
func (r *Registry) Persist(m *Multicontroller) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}

	if err := r.db.Set(instanceKey(m.ID()), data); err != nil {
		return fmt.Errorf("persist instance:\n%w", err)
	}

	return nil
}

// IDs returns the IDs of all registered instances.
func (r *Registry) IDs() []Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]Hash, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}

	return ids
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.instances)
}

// instanceKey builds the Pebble key for an instance.
func instanceKey(id Hash) []byte {
	return append(append([]byte{}, prefixInstance...), id[:]...)
}
