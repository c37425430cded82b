// Package predicate supplies validity predicates for controlled values.
// The governance engine consults a predicate before installing a new
// value (UpdateValue) and before migrating a legacy value.
package predicate

import (
	"encoding/json"
	"fmt"
)

// Predicate decides whether a byte value is acceptable as a controlled value.
type Predicate interface {
	// Validate returns nil if the value is acceptable.
	Validate(value []byte) error
}

// Func adapts a plain function to the Predicate interface.
type Func func(value []byte) error

// Validate calls the underlying function.
func (f Func) Validate(value []byte) error {
	return f(value)
}

// NonEmpty accepts any non-empty value.
func NonEmpty() Predicate {
	return Func(func(value []byte) error {
		if len(value) == 0 {
			return fmt.Errorf("value is empty")
		}
		return nil
	})
}

// MaxSize accepts values up to limit bytes.
func MaxSize(limit int) Predicate {
	return Func(func(value []byte) error {
		if len(value) > limit {
			return fmt.Errorf("value too large: %d > %d", len(value), limit)
		}
		return nil
	})
}

// Document accepts non-empty, well-formed JSON objects.
// This is the default predicate for document-shaped controlled values.
func Document() Predicate {
	return Func(func(value []byte) error {
		if len(value) == 0 {
			return fmt.Errorf("document is empty")
		}

		var doc map[string]json.RawMessage
		if err := json.Unmarshal(value, &doc); err != nil {
			return fmt.Errorf("not a JSON object:\n%w", err)
		}

		return nil
	})
}

// All combines predicates; a value must pass every one.
func All(preds ...Predicate) Predicate {
	return Func(func(value []byte) error {
		for _, p := range preds {
			if err := p.Validate(value); err != nil {
				return err
			}
		}
		return nil
	})
}
