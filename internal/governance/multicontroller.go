// Package governance implements the multi-controller governance engine:
// weighted-threshold voting over typed proposal actions, gating every
// mutation of a shared, versioned controlled value.
package governance

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"Conclave/internal/capability"
)

// Proposal is a pending request to apply one typed action, gated by
// weighted voting. Votes always equals the sum of the snapshotted voter
// weights; a voter appears at most once.
type Proposal struct {
	ID              Hash
	Votes           uint64
	Voters          map[capability.ID]uint64 // weight snapshot at approval time
	ExpirationEpoch *uint64
	Action          Action
}

// executable reports whether the proposal's votes meet the threshold.
func (p *Proposal) executable(threshold uint64) bool {
	return p.Votes >= threshold
}

// expired reports whether the proposal's expiration epoch has passed.
func (p *Proposal) expired(nowEpoch uint64) bool {
	return p.ExpirationEpoch != nil && nowEpoch > *p.ExpirationEpoch
}

// Multicontroller is one independently-owned governed object: a
// controller registry, a proposal store, an asset inbox, and the
// controlled value itself. All operations on an instance serialize
// through its mutex; no operation observes a half-applied vote or a
// partially-removed proposal.
type Multicontroller struct {
	mu sync.Mutex

	id          Hash
	threshold   uint64
	controllers map[capability.ID]uint64
	proposals   map[Hash]*Proposal
	proposalSeq uint64

	value       []byte
	version     uint64
	deactivated bool

	// upgradeCount records how many Upgrade actions reached consensus.
	upgradeCount uint64

	inbox          map[Hash]*Asset
	pendingReturns map[Hash]*Asset
}

// NewMulticontroller creates a governed object.
// Every controller weight must be at least 1 and the threshold must be
// between 1 and the sum of weights.
func NewMulticontroller(id Hash, value []byte, controllers map[capability.ID]uint64, threshold uint64) (*Multicontroller, error) {
	if len(controllers) == 0 {
		return nil, ErrInvalidControllersList
	}

	var sum uint64
	for _, w := range controllers {
		if w == 0 {
			return nil, ErrInvalidControllersList
		}
		sum += w
	}

	if threshold == 0 || threshold > sum {
		return nil, ErrInvalidThreshold
	}

	ctrl := make(map[capability.ID]uint64, len(controllers))
	for id, w := range controllers {
		ctrl[id] = w
	}

	return &Multicontroller{
		id:             id,
		threshold:      threshold,
		controllers:    ctrl,
		proposals:      make(map[Hash]*Proposal),
		value:          append([]byte(nil), value...),
		version:        1,
		inbox:          make(map[Hash]*Asset),
		pendingReturns: make(map[Hash]*Asset),
	}, nil
}

// CreateProposal records a proposal with the creator's weight as an
// automatic first vote. Returns the proposal ID and whether the
// automatic vote already meets the threshold; callers are expected to
// execute immediately in that case.
func (m *Multicontroller) CreateProposal(cap *capability.ControllerCapability, action Action, expirationEpoch *uint64) (Hash, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	weight, err := m.memberWeight(cap)
	if err != nil {
		return Hash{}, false, err
	}

	if m.deactivated {
		return Hash{}, false, ErrDeactivated
	}

	if err := action.validate(); err != nil {
		return Hash{}, false, fmt.Errorf("invalid action:\n%w", err)
	}

	// Config changes fail fast: a proposal that could never execute is
	// rejected at creation, not after votes were collected.
	if action.Kind == ActionConfigChange {
		if _, _, err := m.simulateConfig(action.Config); err != nil {
			return Hash{}, false, err
		}
	}

	m.proposalSeq++
	id := m.proposalID(m.proposalSeq)

	var exp *uint64
	if expirationEpoch != nil {
		e := *expirationEpoch
		exp = &e
	}

	p := &Proposal{
		ID:              id,
		Votes:           weight,
		Voters:          map[capability.ID]uint64{cap.ID: weight},
		ExpirationEpoch: exp,
		Action:          action,
	}
	m.proposals[id] = p

	return id, p.executable(m.threshold), nil
}

// Approve adds the capability's weight to the proposal's votes.
// The weight is snapshotted at approval time; later weight changes do
// not recompute recorded votes.
func (m *Multicontroller) Approve(cap *capability.ControllerCapability, proposalID Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	weight, err := m.memberWeight(cap)
	if err != nil {
		return err
	}

	p, ok := m.proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}

	if _, voted := p.Voters[cap.ID]; voted {
		return ErrControllerAlreadyVoted
	}

	p.Voters[cap.ID] = weight
	p.Votes += weight

	return nil
}

// RemoveApproval retracts a previously cast vote, subtracting exactly
// the weight that was snapshotted when it was cast.
func (m *Multicontroller) RemoveApproval(cap *capability.ControllerCapability, proposalID Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.memberWeight(cap); err != nil {
		return err
	}

	p, ok := m.proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}

	weight, voted := p.Voters[cap.ID]
	if !voted {
		return ErrNotVotedYet
	}

	delete(p.Voters, cap.ID)
	p.Votes -= weight

	return nil
}

// CleanupExpired discards every proposal whose expiration epoch has
// passed. The actions are dropped, never delivered. Returns the IDs of
// the removed proposals.
func (m *Multicontroller) CleanupExpired(nowEpoch uint64) []Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Hash

	for id, p := range m.proposals {
		if p.expired(nowEpoch) {
			delete(m.proposals, id)
			removed = append(removed, id)
		}
	}

	return removed
}

// SetThreshold changes the execution threshold.
// Fails if the new threshold is zero or exceeds the weight sum.
func (m *Multicontroller) SetThreshold(threshold uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if threshold == 0 || threshold > m.weightSum() {
		return ErrInvalidThreshold
	}

	m.threshold = threshold

	return nil
}

// ID returns the governed object's identifier.
func (m *Multicontroller) ID() Hash {
	return m.id
}

// Value returns a copy of the controlled value.
func (m *Multicontroller) Value() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]byte(nil), m.value...)
}

// Version returns the controlled value's version counter.
func (m *Multicontroller) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.version
}

// Threshold returns the current execution threshold.
func (m *Multicontroller) Threshold() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.threshold
}

// Deactivated reports whether the object has been tombstoned.
func (m *Multicontroller) Deactivated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deactivated
}

// UpgradeCount returns how many Upgrade actions reached consensus.
func (m *Multicontroller) UpgradeCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.upgradeCount
}

// ControllerWeights returns a copy of the controller weight map.
func (m *Multicontroller) ControllerWeights() map[capability.ID]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[capability.ID]uint64, len(m.controllers))
	for id, w := range m.controllers {
		out[id] = w
	}

	return out
}

// Proposal returns a copy of a pending proposal.
func (m *Multicontroller) Proposal(id Hash) (*Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, false
	}

	voters := make(map[capability.ID]uint64, len(p.Voters))
	for v, w := range p.Voters {
		voters[v] = w
	}

	cp := *p
	cp.Voters = voters

	return &cp, true
}

// ProposalIDs returns the IDs of all pending proposals.
func (m *Multicontroller) ProposalIDs() []Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]Hash, 0, len(m.proposals))
	for id := range m.proposals {
		ids = append(ids, id)
	}

	return ids
}

// memberWeight checks live membership and returns the current voting
// weight. Caller holds the lock.
func (m *Multicontroller) memberWeight(cap *capability.ControllerCapability) (uint64, error) {
	if cap == nil || cap.GovernedObjectID != capability.ID(m.id) {
		return 0, ErrInvalidController
	}

	weight, ok := m.controllers[cap.ID]
	if !ok {
		return 0, ErrInvalidController
	}

	return weight, nil
}

// weightSum returns the sum of all controller weights. Caller holds the lock.
func (m *Multicontroller) weightSum() uint64 {
	var sum uint64
	for _, w := range m.controllers {
		sum += w
	}

	return sum
}

// proposalID derives a deterministic proposal identifier:
// blake3(objectID || "proposal" || seq_u64_LE).
func (m *Multicontroller) proposalID(seq uint64) Hash {
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], seq)

	h := blake3.New()
	h.Write(m.id[:])
	h.Write([]byte("proposal"))
	h.Write(seqBuf[:])

	var id Hash
	h.Sum(id[:0])

	return id
}

// simulateConfig applies a config change (remove, add, update,
// threshold, in that order) to a copy of the controller set and checks
// every invariant. Returns the projected controller set without the
// added grants (caps for grants are issued at execute time) and the
// projected threshold. Caller holds the lock.
func (m *Multicontroller) simulateConfig(cfg *ConfigChangeAction) (map[capability.ID]uint64, uint64, error) {
	projected := make(map[capability.ID]uint64, len(m.controllers))
	for id, w := range m.controllers {
		projected[id] = w
	}

	for _, id := range cfg.Remove {
		if _, ok := projected[id]; !ok {
			return nil, 0, ErrInvalidControllersList
		}
		delete(projected, id)
	}

	var addSum uint64
	for _, grant := range cfg.Add {
		if grant.Weight == 0 {
			return nil, 0, ErrInvalidControllersList
		}
		addSum += grant.Weight
	}

	for _, upd := range cfg.Update {
		if upd.Weight == 0 {
			return nil, 0, ErrInvalidControllersList
		}
		if _, ok := projected[upd.CapabilityID]; !ok {
			return nil, 0, ErrInvalidControllersList
		}
		projected[upd.CapabilityID] = upd.Weight
	}

	threshold := m.threshold
	if cfg.NewThreshold != nil {
		threshold = *cfg.NewThreshold
	}

	var sum uint64
	for _, w := range projected {
		sum += w
	}
	sum += addSum

	if threshold == 0 || threshold > sum {
		return nil, 0, ErrInvalidThreshold
	}

	if len(projected) == 0 && len(cfg.Add) == 0 {
		return nil, 0, ErrInvalidControllersList
	}

	return projected, threshold, nil
}
