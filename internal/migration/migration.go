// Package migration binds legacy external identifiers to newly created
// governed objects. A binding is write-once: migrating the same legacy
// identifier twice is an idempotency violation, not a transient failure.
package migration

import (
	"errors"
	"fmt"
	"sync"

	"Conclave/internal/capability"
	"Conclave/internal/governance"
	"Conclave/internal/logger"
	"Conclave/internal/storage"
)

var (
	// ErrAlreadyMigrated is returned when a legacy ID is already bound.
	ErrAlreadyMigrated = errors.New("legacy identifier already migrated")

	// ErrNotAGovernedValue is returned when the migrated value fails the
	// validity predicate.
	ErrNotAGovernedValue = errors.New("value is not a governable value")
)

// prefixBinding is the Pebble key prefix for legacy bindings.
var prefixBinding = []byte("mig:")

// Registry performs one-shot migrations of legacy identifiers into
// governed objects.
type Registry struct {
	db     *storage.Storage
	engine *governance.Engine
	mu     sync.Mutex
}

// NewRegistry creates a migration registry on top of the engine.
func NewRegistry(db *storage.Storage, engine *governance.Engine) *Registry {
	return &Registry{db: db, engine: engine}
}

// Migrate creates a governed object for a legacy identifier: a fresh
// Multicontroller with a single controller of weight 1 and threshold 1,
// owned by the caller. Returns the new object ID and the caller's
// controller capability.
func (r *Registry) Migrate(legacyID string, value []byte) (governance.Hash, *capability.ControllerCapability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bound, err := r.lookup(legacyID)
	if err != nil {
		return governance.Hash{}, nil, err
	}

	if bound != nil {
		return governance.Hash{}, nil, ErrAlreadyMigrated
	}

	m, caps, err := r.engine.CreateInstance(value, []uint64{1}, 1)
	if err != nil {
		if errors.Is(err, governance.ErrInvalidControlledValue) {
			return governance.Hash{}, nil, fmt.Errorf("%w:\n%v", ErrNotAGovernedValue, err)
		}
		return governance.Hash{}, nil, err
	}

	id := m.ID()

	if err := r.db.Set(bindingKey(legacyID), id[:]); err != nil {
		return governance.Hash{}, nil, fmt.Errorf("persist binding:\n%w", err)
	}

	logger.Info("legacy identifier migrated",
		"legacy", legacyID,
		"object", id.String()[:8],
	)

	return id, caps[0], nil
}

// Lookup returns the bound object ID for a legacy identifier.
// The second return is false if the identifier was never migrated.
func (r *Registry) Lookup(legacyID string) (governance.Hash, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bound, err := r.lookup(legacyID)
	if err != nil {
		return governance.Hash{}, false, err
	}

	if bound == nil {
		return governance.Hash{}, false, nil
	}

	var id governance.Hash
	copy(id[:], bound)

	return id, true, nil
}

// Exists reports whether a legacy identifier is bound.
func (r *Registry) Exists(legacyID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Has(bindingKey(legacyID))
}

// lookup loads the raw binding. Caller holds the lock.
func (r *Registry) lookup(legacyID string) ([]byte, error) {
	data, err := r.db.Get(bindingKey(legacyID))
	if err != nil {
		return nil, fmt.Errorf("load binding:\n%w", err)
	}

	if data == nil || len(data) != 32 {
		if data != nil {
			return nil, fmt.Errorf("corrupt binding for %q", legacyID)
		}
		return nil, nil
	}

	return data, nil
}

// bindingKey builds the Pebble key for a legacy binding.
func bindingKey(legacyID string) []byte {
	key := make([]byte, 0, len(prefixBinding)+len(legacyID))
	key = append(key, prefixBinding...)
	key = append(key, legacyID...)

	return key
}
