package snapshot

import (
	"bytes"
	"testing"

	"Conclave/internal/capability"
	"Conclave/internal/governance"
	"Conclave/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

func TestExportImportRoundTrip(t *testing.T) {
	source := newTestStorage(t)

	entries := map[string]string{
		"cap:aaaa": "capability",
		"tok:bbbb": "token",
		"gov:cccc": "instance",
		"mig:dddd": "binding",
	}

	for k, v := range entries {
		if err := source.Set([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Set %q: %v", k, err)
		}
	}

	// Keys outside the state prefixes are not part of a snapshot.
	if err := source.Set([]byte("scratch:x"), []byte("ephemeral")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	blob, err := Export(source)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	target := newTestStorage(t)

	n, err := Import(target, blob)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if n != len(entries) {
		t.Errorf("imported %d entries, want %d", n, len(entries))
	}

	for k, v := range entries {
		got, err := target.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get %q: %v", k, err)
		}

		if !bytes.Equal(got, []byte(v)) {
			t.Errorf("Get %q = %q, want %q", k, got, v)
		}
	}

	if got, _ := target.Get([]byte("scratch:x")); got != nil {
		t.Error("non-state key leaked into the snapshot")
	}
}

func TestImportReplacesStaleState(t *testing.T) {
	source := newTestStorage(t)

	if err := source.Set([]byte("gov:kept"), []byte("new")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	blob, err := Export(source)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	// The target already holds state the snapshot does not carry, an
	// older version of a carried key, and a non-state key.
	target := newTestStorage(t)

	seed := map[string]string{
		"gov:kept":  "old",
		"gov:stale": "gone",
		"cap:stale": "gone",
		"scratch:x": "ephemeral",
	}

	for k, v := range seed {
		if err := target.Set([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Set %q: %v", k, err)
		}
	}

	if _, err := Import(target, blob); err != nil {
		t.Fatalf("Import: %v", err)
	}

	if got, _ := target.Get([]byte("gov:kept")); !bytes.Equal(got, []byte("new")) {
		t.Errorf("gov:kept = %q, want %q", got, "new")
	}

	for _, k := range []string{"gov:stale", "cap:stale"} {
		if got, _ := target.Get([]byte(k)); got != nil {
			t.Errorf("%s survived the import", k)
		}
	}

	if got, _ := target.Get([]byte("scratch:x")); !bytes.Equal(got, []byte("ephemeral")) {
		t.Error("import touched a key outside the state prefixes")
	}
}

func TestImportRejectsCorruption(t *testing.T) {
	source := newTestStorage(t)

	if err := source.Set([]byte("gov:x"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	blob, err := Export(source)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	target := newTestStorage(t)

	// Flip a byte in the compressed body.
	corrupted := append([]byte(nil), blob...)
	corrupted[len(corrupted)-1] ^= 0xFF

	if _, err := Import(target, corrupted); err == nil {
		t.Error("corrupted snapshot accepted")
	}

	// Bad magic.
	badMagic := append([]byte(nil), blob...)
	badMagic[0] = 'X'

	if _, err := Import(target, badMagic); err == nil {
		t.Error("snapshot with wrong magic accepted")
	}

	// Unsupported version.
	badVersion := append([]byte(nil), blob...)
	badVersion[4] = 0xFF

	if _, err := Import(target, badVersion); err == nil {
		t.Error("snapshot with unknown version accepted")
	}

	// Truncated below the header.
	if _, err := Import(target, blob[:10]); err == nil {
		t.Error("truncated snapshot accepted")
	}
}

func TestSnapshotTransfersEngineState(t *testing.T) {
	source := newTestStorage(t)

	instances, err := governance.NewRegistry(source)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	engine := governance.NewEngine(capability.NewStore(source), instances)

	m, caps, err := engine.CreateInstance([]byte("state"), []uint64{1, 2}, 2)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	tok, err := engine.Caps().Delegate(caps[0].ID, capability.PermApprove)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	blob, err := Export(source)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	// A joining node imports the blob and sees the same world.
	target := newTestStorage(t)

	if _, err := Import(target, blob); err != nil {
		t.Fatalf("Import: %v", err)
	}

	joined, err := governance.NewRegistry(target)
	if err != nil {
		t.Fatalf("NewRegistry on import: %v", err)
	}

	got, err := joined.Get(m.ID())
	if err != nil {
		t.Fatalf("instance missing after import: %v", err)
	}

	if !bytes.Equal(got.Value(), []byte("state")) || got.Threshold() != 2 {
		t.Error("instance state differs after import")
	}

	joinedCaps := capability.NewStore(target)

	if _, err := joinedCaps.Capability(caps[1].ID); err != nil {
		t.Errorf("capability missing after import: %v", err)
	}

	if _, err := joinedCaps.Token(tok.ID); err != nil {
		t.Errorf("token missing after import: %v", err)
	}
}
