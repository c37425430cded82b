package storage

import (
	"bytes"
	"testing"
	"time"
)

// newTestStorage creates a Storage in a temp directory.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := New(t.TempDir(), WithSyncInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

func TestSetGet(t *testing.T) {
	db := newTestStorage(t)

	if err := db.Set([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, err := db.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !bytes.Equal(value, []byte("value1")) {
		t.Errorf("got %q, want %q", value, "value1")
	}
}

func TestGetMissing(t *testing.T) {
	db := newTestStorage(t)

	value, err := db.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if value != nil {
		t.Errorf("expected nil for missing key, got %q", value)
	}
}

func TestHas(t *testing.T) {
	db := newTestStorage(t)

	if err := db.Set([]byte("present"), []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, err := db.Has([]byte("present"))
	if err != nil || !ok {
		t.Errorf("Has(present) = %v, %v; want true, nil", ok, err)
	}

	ok, err = db.Has([]byte("absent"))
	if err != nil || ok {
		t.Errorf("Has(absent) = %v, %v; want false, nil", ok, err)
	}
}

func TestDelete(t *testing.T) {
	db := newTestStorage(t)

	if err := db.Set([]byte("key"), []byte("value")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := db.Delete([]byte("key")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	value, err := db.Get([]byte("key"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if value != nil {
		t.Errorf("expected nil after delete, got %q", value)
	}
}

func TestSetBatch(t *testing.T) {
	db := newTestStorage(t)

	pairs := []KeyValue{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}

	if err := db.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch: %v", err)
	}

	for _, kv := range pairs {
		value, err := db.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get %q: %v", kv.Key, err)
		}

		if !bytes.Equal(value, kv.Value) {
			t.Errorf("Get %q = %q, want %q", kv.Key, value, kv.Value)
		}
	}
}

func TestApply(t *testing.T) {
	db := newTestStorage(t)

	if err := db.Set([]byte("old"), []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sets := []KeyValue{{Key: []byte("new"), Value: []byte("y")}}
	deletes := [][]byte{[]byte("old")}

	if err := db.Apply(sets, deletes); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if value, _ := db.Get([]byte("old")); value != nil {
		t.Errorf("deleted key still present: %q", value)
	}

	if value, _ := db.Get([]byte("new")); !bytes.Equal(value, []byte("y")) {
		t.Errorf("Get(new) = %q, want %q", value, "y")
	}
}

func TestIteratePrefix(t *testing.T) {
	db := newTestStorage(t)

	entries := map[string]string{
		"cap:1":   "a",
		"cap:2":   "b",
		"tok:1":   "c",
		"other:x": "d",
	}

	for k, v := range entries {
		if err := db.Set([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Set %q: %v", k, err)
		}
	}

	var seen []string

	err := db.IteratePrefix([]byte("cap:"), func(key, value []byte) error {
		seen = append(seen, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix: %v", err)
	}

	if len(seen) != 2 || seen[0] != "cap:1" || seen[1] != "cap:2" {
		t.Errorf("prefix scan got %v, want [cap:1 cap:2]", seen)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()

	db, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := db.Set([]byte("durable"), []byte("value")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	value, err := db2.Get([]byte("durable"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !bytes.Equal(value, []byte("value")) {
		t.Errorf("got %q after reopen, want %q", value, "value")
	}
}
