package capability

import (
	"errors"
	"testing"

	"Conclave/internal/storage"
)

// newTestStore creates a capability store on a temp Pebble database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return NewStore(db)
}

func testObjectID(b byte) ID {
	var id ID
	id[0] = b
	return id
}

func TestIssueAndRetrieve(t *testing.T) {
	store := newTestStore(t)
	object := testObjectID(1)

	cap, err := store.Issue(object, 3)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err := store.Capability(cap.ID)
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}

	if got.GovernedObjectID != object || got.Weight != 3 {
		t.Errorf("got object %x weight %d, want %x weight 3", got.GovernedObjectID[:4], got.Weight, object[:4])
	}
}

func TestIssueZeroWeight(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Issue(testObjectID(1), 0); !errors.Is(err, ErrInvalidWeight) {
		t.Errorf("got %v, want ErrInvalidWeight", err)
	}
}

func TestInvalidate(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := store.Invalidate(cap.ID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if _, err := store.Capability(cap.ID); !errors.Is(err, ErrCapabilityNotFound) {
		t.Errorf("got %v, want ErrCapabilityNotFound", err)
	}

	// Invalidating again is a no-op.
	if err := store.Invalidate(cap.ID); err != nil {
		t.Errorf("second Invalidate: %v", err)
	}
}

func TestUpdateWeight(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := store.UpdateWeight(cap.ID, 7); err != nil {
		t.Fatalf("UpdateWeight: %v", err)
	}

	got, err := store.Capability(cap.ID)
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}

	if got.Weight != 7 {
		t.Errorf("weight = %d, want 7", got.Weight)
	}

	if err := store.UpdateWeight(cap.ID, 0); !errors.Is(err, ErrInvalidWeight) {
		t.Errorf("got %v, want ErrInvalidWeight", err)
	}
}

func TestDelegateAndAuthorize(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tok, err := store.Delegate(cap.ID, PermPropose|PermApprove)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	source, err := store.Authorize(tok.ID, PermPropose)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if source != cap.ID {
		t.Errorf("Authorize resolved %x, want %x", source[:4], cap.ID[:4])
	}

	if _, err := store.Authorize(tok.ID, PermExecute); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}
}

func TestDelegateExcessBits(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := store.Delegate(cap.ID, PermAll|1<<30); !errors.Is(err, ErrExcessPermissions) {
		t.Errorf("got %v, want ErrExcessPermissions", err)
	}
}

func TestRedelegateSubset(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parent, err := store.Delegate(cap.ID, PermPropose|PermDelegate)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	child, err := store.Redelegate(parent.ID, PermPropose)
	if err != nil {
		t.Fatalf("Redelegate: %v", err)
	}

	// The child's authority resolves through the parent to the root.
	source, err := store.Authorize(child.ID, PermPropose)
	if err != nil {
		t.Fatalf("Authorize child: %v", err)
	}

	if source != cap.ID {
		t.Errorf("child resolved %x, want root %x", source[:4], cap.ID[:4])
	}

	// Widening beyond the parent's permissions is rejected.
	if _, err := store.Redelegate(parent.ID, PermExecute); !errors.Is(err, ErrExcessPermissions) {
		t.Errorf("got %v, want ErrExcessPermissions", err)
	}
}

func TestRedelegateWithoutDelegateBit(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tok, err := store.Delegate(cap.ID, PermPropose)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	if _, err := store.Redelegate(tok.ID, PermPropose); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}
}

func TestRevokeUnrevoke(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tok, err := store.Delegate(cap.ID, PermAll)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	if err := store.Revoke(tok.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, err := store.Authorize(tok.ID, PermPropose); !errors.Is(err, ErrRevokedCapability) {
		t.Errorf("got %v, want ErrRevokedCapability", err)
	}

	if err := store.Unrevoke(tok.ID); err != nil {
		t.Fatalf("Unrevoke: %v", err)
	}

	if _, err := store.Authorize(tok.ID, PermPropose); err != nil {
		t.Errorf("Authorize after unrevoke: %v", err)
	}
}

func TestRevokedParentDisablesChild(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parent, err := store.Delegate(cap.ID, PermAll)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	child, err := store.Redelegate(parent.ID, PermApprove)
	if err != nil {
		t.Fatalf("Redelegate: %v", err)
	}

	if err := store.Revoke(parent.ID); err != nil {
		t.Fatalf("Revoke parent: %v", err)
	}

	if _, err := store.Authorize(child.ID, PermApprove); !errors.Is(err, ErrRevokedCapability) {
		t.Errorf("got %v, want ErrRevokedCapability through revoked parent", err)
	}
}

func TestDestroy(t *testing.T) {
	store := newTestStore(t)

	cap, err := store.Issue(testObjectID(1), 1)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tok, err := store.Delegate(cap.ID, PermAll)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	if err := store.Destroy(tok.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := store.Token(tok.ID); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("got %v, want ErrTokenNotFound", err)
	}

	if err := store.Destroy(tok.ID); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("second Destroy got %v, want ErrTokenNotFound", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := storage.New(dir)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	store := NewStore(db)

	cap, err := store.Issue(testObjectID(9), 5)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := storage.New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	got, err := NewStore(db2).Capability(cap.ID)
	if err != nil {
		t.Fatalf("Capability after reopen: %v", err)
	}

	if got.Weight != 5 {
		t.Errorf("weight = %d after reopen, want 5", got.Weight)
	}
}
