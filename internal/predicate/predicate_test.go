package predicate

import (
	"fmt"
	"testing"
)

func TestNonEmpty(t *testing.T) {
	p := NonEmpty()

	if err := p.Validate([]byte("x")); err != nil {
		t.Errorf("non-empty value rejected: %v", err)
	}

	if err := p.Validate(nil); err == nil {
		t.Error("empty value accepted")
	}
}

func TestMaxSize(t *testing.T) {
	p := MaxSize(4)

	if err := p.Validate([]byte("1234")); err != nil {
		t.Errorf("value at limit rejected: %v", err)
	}

	if err := p.Validate([]byte("12345")); err == nil {
		t.Error("oversized value accepted")
	}
}

func TestDocument(t *testing.T) {
	p := Document()

	cases := []struct {
		name  string
		value []byte
		valid bool
	}{
		{"object", []byte(`{"key":"value"}`), true},
		{"nested", []byte(`{"a":{"b":[1,2,3]}}`), true},
		{"empty", nil, false},
		{"array", []byte(`[1,2,3]`), false},
		{"scalar", []byte(`42`), false},
		{"garbage", []byte(`{broken`), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.Validate(tc.value)
			if tc.valid && err != nil {
				t.Errorf("rejected: %v", err)
			}
			if !tc.valid && err == nil {
				t.Error("accepted")
			}
		})
	}
}

func TestAll(t *testing.T) {
	p := All(NonEmpty(), MaxSize(4))

	if err := p.Validate([]byte("ok")); err != nil {
		t.Errorf("valid value rejected: %v", err)
	}

	if err := p.Validate(nil); err == nil {
		t.Error("empty value passed the combined predicate")
	}

	if err := p.Validate([]byte("too long")); err == nil {
		t.Error("oversized value passed the combined predicate")
	}
}

func TestFuncAdapter(t *testing.T) {
	sentinel := fmt.Errorf("no")

	p := Func(func(value []byte) error {
		return sentinel
	})

	if err := p.Validate([]byte("x")); err != sentinel {
		t.Errorf("got %v, want sentinel", err)
	}
}
