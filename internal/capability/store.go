package capability

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"Conclave/internal/logger"
	"Conclave/internal/storage"
)

// Pebble key prefixes.
var (
	prefixCapability = []byte("cap:") // cap:<id> -> ControllerCapability
	prefixToken      = []byte("tok:") // tok:<id> -> DelegationToken
)

// Store issues and tracks controller capabilities and delegation tokens.
// All records are persisted; a restart sees the same authority set.
type Store struct {
	db *storage.Storage
	mu sync.RWMutex
}

// NewStore creates a capability store backed by the given storage.
func NewStore(db *storage.Storage) *Store {
	return &Store{db: db}
}

// Issue mints a controller capability for a governed object.
// Weight must be at least 1.
func (s *Store) Issue(governedObjectID ID, weight uint64) (*ControllerCapability, error) {
	if weight == 0 {
		return nil, ErrInvalidWeight
	}

	id, err := mintID(governedObjectID[:])
	if err != nil {
		return nil, err
	}

	cap := &ControllerCapability{
		ID:               id,
		GovernedObjectID: governedObjectID,
		Weight:           weight,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.putCapability(cap); err != nil {
		return nil, fmt.Errorf("persist capability:\n%w", err)
	}

	logger.Debug("capability issued",
		"id", id.String()[:8],
		"object", governedObjectID.String()[:8],
		"weight", weight,
	)

	return cap, nil
}

// Capability retrieves a live capability by ID.
func (s *Store) Capability(id ID) (*ControllerCapability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getCapability(id)
}

// Invalidate permanently destroys a capability.
// Called when a config change removes its controller.
// Destroying an already-destroyed capability is a no-op.
func (s *Store) Invalidate(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(capabilityKey(id)); err != nil {
		return fmt.Errorf("delete capability:\n%w", err)
	}

	logger.Debug("capability invalidated", "id", id.String()[:8])

	return nil
}

// UpdateWeight rewrites a capability's voting weight.
// Weight must be at least 1.
func (s *Store) UpdateWeight(id ID, weight uint64) error {
	if weight == 0 {
		return ErrInvalidWeight
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cap, err := s.getCapability(id)
	if err != nil {
		return err
	}

	cap.Weight = weight

	return s.putCapability(cap)
}

// Delegate mints a token granting a subset of a capability's authority.
// Permission bits beyond PermAll are rejected.
func (s *Store) Delegate(sourceCap ID, permissions uint32) (*DelegationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getCapability(sourceCap); err != nil {
		return nil, err
	}

	if permissions&^PermAll != 0 {
		return nil, ErrExcessPermissions
	}

	return s.mintToken(sourceCap, permissions)
}

// Redelegate mints a token from an existing token, restricted to a
// subset of the source token's permissions. The source must be live.
func (s *Store) Redelegate(sourceToken ID, permissions uint32) (*DelegationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.getToken(sourceToken)
	if err != nil {
		return nil, err
	}

	if src.Revoked {
		return nil, ErrRevokedCapability
	}

	if src.Permissions&PermDelegate == 0 {
		return nil, ErrPermissionDenied
	}

	if permissions&^src.Permissions != 0 {
		return nil, ErrExcessPermissions
	}

	return s.mintToken(sourceToken, permissions)
}

// Revoke suspends a token. Every use fails until unrevoked.
func (s *Store) Revoke(id ID) error {
	return s.setRevoked(id, true)
}

// Unrevoke lifts a token's suspension.
func (s *Store) Unrevoke(id ID) error {
	return s.setRevoked(id, false)
}

// Destroy permanently invalidates a token.
// Tokens are never garbage-collected implicitly; a governed object is
// fully cleaned up only once all of its tokens are destroyed.
func (s *Store) Destroy(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getToken(id); err != nil {
		return err
	}

	if err := s.db.Delete(tokenKey(id)); err != nil {
		return fmt.Errorf("delete token:\n%w", err)
	}

	logger.Debug("token destroyed", "id", id.String()[:8])

	return nil
}

// maxDelegationDepth bounds redelegation chain walks.
const maxDelegationDepth = 32

// Authorize checks that a token is live, unrevoked, and carries the
// required permission bit, then walks the delegation chain back to the
// root controller capability and returns its ID. Revoking any ancestor
// token disables every token delegated from it.
func (s *Store) Authorize(id ID, required uint32) (ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, err := s.getToken(id)
	if err != nil {
		return ID{}, err
	}

	if tok.Permissions&required != required {
		return ID{}, ErrPermissionDenied
	}

	for depth := 0; depth < maxDelegationDepth; depth++ {
		if tok.Revoked {
			return ID{}, ErrRevokedCapability
		}

		src, err := s.getToken(tok.SourceCapabilityID)
		if err == ErrTokenNotFound {
			// Chain root: the source is a controller capability.
			return tok.SourceCapabilityID, nil
		}
		if err != nil {
			return ID{}, err
		}

		tok = src
	}

	return ID{}, fmt.Errorf("delegation chain too deep")
}

// Token retrieves a delegation token by ID.
func (s *Store) Token(id ID) (*DelegationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getToken(id)
}

// mintToken creates and persists a token. Caller holds the lock.
func (s *Store) mintToken(source ID, permissions uint32) (*DelegationToken, error) {
	id, err := mintID(source[:])
	if err != nil {
		return nil, err
	}

	tok := &DelegationToken{
		ID:                 id,
		SourceCapabilityID: source,
		Permissions:        permissions,
	}

	if err := s.putToken(tok); err != nil {
		return nil, fmt.Errorf("persist token:\n%w", err)
	}

	logger.Debug("token delegated",
		"id", id.String()[:8],
		"source", source.String()[:8],
		"permissions", permissions,
	)

	return tok, nil
}

// setRevoked flips a token's revoked flag.
func (s *Store) setRevoked(id ID, revoked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.getToken(id)
	if err != nil {
		return err
	}

	tok.Revoked = revoked

	return s.putToken(tok)
}

// getCapability loads a capability record. Caller holds the lock.
func (s *Store) getCapability(id ID) (*ControllerCapability, error) {
	data, err := s.db.Get(capabilityKey(id))
	if err != nil {
		return nil, fmt.Errorf("load capability:\n%w", err)
	}

	if data == nil {
		return nil, ErrCapabilityNotFound
	}

	var cap ControllerCapability
	if err := cbor.Unmarshal(data, &cap); err != nil {
		return nil, fmt.Errorf("decode capability:\n%w", err)
	}

	return &cap, nil
}

// putCapability persists a capability record. Caller holds the lock.
func (s *Store) putCapability(cap *ControllerCapability) error {
	data, err := cbor.Marshal(cap)
	if err != nil {
		return fmt.Errorf("encode capability:\n%w", err)
	}

	return s.db.Set(capabilityKey(cap.ID), data)
}

// getToken loads a token record. Caller holds the lock.
func (s *Store) getToken(id ID) (*DelegationToken, error) {
	data, err := s.db.Get(tokenKey(id))
	if err != nil {
		return nil, fmt.Errorf("load token:\n%w", err)
	}

	if data == nil {
		return nil, ErrTokenNotFound
	}

	var tok DelegationToken
	if err := cbor.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token:\n%w", err)
	}

	return &tok, nil
}

// putToken persists a token record. Caller holds the lock.
func (s *Store) putToken(tok *DelegationToken) error {
	data, err := cbor.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token:\n%w", err)
	}

	return s.db.Set(tokenKey(tok.ID), data)
}

// capabilityKey builds the Pebble key for a capability.
func capabilityKey(id ID) []byte {
	return append(append([]byte{}, prefixCapability...), id[:]...)
}

// tokenKey builds the Pebble key for a token.
func tokenKey(id ID) []byte {
	return append(append([]byte{}, prefixToken...), id[:]...)
}
