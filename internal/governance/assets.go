package governance

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"Conclave/internal/capability"
)

// Asset is an object owned by a governed instance and held in its
// inbox. Assets move between instances by ownership handoff: a
// transfer removes the asset here and deposits it there, never sharing
// mutable state. An asset may wrap a foreign controller capability,
// which is what ControllerExecution lends out.
type Asset struct {
	ID   Hash   `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Capability is set when the asset wraps another governed object's
	// controller capability.
	Capability *capability.ControllerCapability `cbor:"3,keyasint,omitempty"`
}

// Delivery is an asset leaving a governed object toward a recipient.
// The engine deposits deliveries addressed to local instances; the
// rest are handed to the caller (e.g. a relay to another node).
type Delivery struct {
	Recipient Hash   `cbor:"1,keyasint"`
	Asset     *Asset `cbor:"2,keyasint"`
}

// Encode serializes the delivery for relay transport.
func (d Delivery) Encode() ([]byte, error) {
	data, err := cbor.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delivery:\n%w", err)
	}

	return data, nil
}

// DecodeDelivery deserializes a relayed delivery.
func DecodeDelivery(data []byte) (Delivery, error) {
	var d Delivery

	if err := cbor.Unmarshal(data, &d); err != nil {
		return Delivery{}, fmt.Errorf("decode delivery:\n%w", err)
	}

	if d.Asset == nil {
		return Delivery{}, fmt.Errorf("delivery without asset")
	}

	return d, nil
}

// Deposit places an asset into the instance's inbox.
// Depositing under an ID that is already present replaces the asset.
func (m *Multicontroller) Deposit(asset *Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inbox[asset.ID] = asset
}

// InboxIDs returns the IDs of all assets currently held, sorted.
func (m *Multicontroller) InboxIDs() []Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	return sortedKeys(m.inbox)
}

// InboxAsset returns a held asset by ID.
func (m *Multicontroller) InboxAsset(id Hash) (*Asset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.inbox[id]

	return a, ok
}

// PendingReturnIDs returns the IDs of assets withdrawn by a failed
// borrow and not yet reclaimed, sorted.
func (m *Multicontroller) PendingReturnIDs() []Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	return sortedKeys(m.pendingReturns)
}

// ReclaimPending moves every pending-return asset back into the inbox.
// This is the corrective follow-up after a failed borrow; requires a
// live controller capability. Returns the reclaimed IDs.
func (m *Multicontroller) ReclaimPending(cap *capability.ControllerCapability) ([]Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.memberWeight(cap); err != nil {
		return nil, err
	}

	reclaimed := sortedKeys(m.pendingReturns)

	for id, asset := range m.pendingReturns {
		m.inbox[id] = asset
		delete(m.pendingReturns, id)
	}

	return reclaimed, nil
}

// sortedKeys returns the map's keys in byte order.
func sortedKeys(assets map[Hash]*Asset) []Hash {
	ids := make([]Hash, 0, len(assets))
	for id := range assets {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		for k := range ids[i] {
			if ids[i][k] != ids[j][k] {
				return ids[i][k] < ids[j][k]
			}
		}
		return false
	})

	return ids
}
