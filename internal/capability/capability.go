// Package capability issues, tracks, and invalidates the controller
// capabilities and delegation tokens that gate every governance operation.
// A capability is unforgeable: its 32-byte ID is minted only by the store,
// and possession of a live record is the sole proof of membership.
package capability

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ID is a 32-byte capability or token identifier.
type ID [32]byte

// String returns the hex encoding of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Permission bits grantable to a delegation token.
const (
	PermPropose  uint32 = 1 << iota // create proposals
	PermApprove                     // approve / remove approval
	PermExecute                     // execute proposals
	PermDelegate                    // mint further tokens

	// PermAll is the full authority of a controller capability.
	PermAll = PermPropose | PermApprove | PermExecute | PermDelegate
)

var (
	// ErrInvalidWeight is returned when issuing a capability with weight zero.
	ErrInvalidWeight = errors.New("capability weight must be at least 1")

	// ErrCapabilityNotFound is returned when a capability ID is unknown or destroyed.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrTokenNotFound is returned when a delegation token ID is unknown or destroyed.
	ErrTokenNotFound = errors.New("delegation token not found")

	// ErrExcessPermissions is returned when a delegation requests bits
	// beyond the source's own authority.
	ErrExcessPermissions = errors.New("delegated permissions exceed source authority")

	// ErrRevokedCapability is returned on any use of a revoked token.
	ErrRevokedCapability = errors.New("capability is revoked")

	// ErrPermissionDenied is returned when a token lacks the required bit.
	ErrPermissionDenied = errors.New("token does not carry the required permission")
)

// ControllerCapability is unforgeable proof of controller membership
// on one governed object.
type ControllerCapability struct {
	ID               ID     `cbor:"1,keyasint"` // ID is the capability identifier
	GovernedObjectID ID     `cbor:"2,keyasint"` // GovernedObjectID is the governed object this capability controls
	Weight           uint64 `cbor:"3,keyasint"` // Weight is the capability's voting weight
}

// DelegationToken grants a restricted, revocable subset of a
// capability's authority to another principal.
type DelegationToken struct {
	ID                 ID     `cbor:"1,keyasint"` // ID is the token identifier
	SourceCapabilityID ID     `cbor:"2,keyasint"` // SourceCapabilityID is the issuing capability or token
	Permissions        uint32 `cbor:"3,keyasint"` // Permissions is the granted bitmask
	Revoked            bool   `cbor:"4,keyasint"` // Revoked marks the token as suspended
}

// mintID derives a fresh unforgeable identifier bound to a scope.
// blake3(scope || 32 random bytes) so IDs never collide across stores.
func mintID(scope []byte) (ID, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return ID{}, fmt.Errorf("read random nonce:\n%w", err)
	}

	h := blake3.New()
	h.Write(scope)
	h.Write(nonce[:])

	var id ID
	h.Sum(id[:0])

	return id, nil
}
