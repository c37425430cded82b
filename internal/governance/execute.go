package governance

import (
	"fmt"

	"github.com/zeebo/blake3"

	"Conclave/internal/capability"
	"Conclave/internal/logger"
	"Conclave/internal/predicate"
)

// Executors holds the collaborators actions need at execution time.
type Executors struct {
	// Predicate gates UpdateValue. Nil accepts every value.
	Predicate predicate.Predicate

	// Caps issues and invalidates capabilities for ConfigChange.
	Caps *capability.Store
}

// ExecResult reports the effect of an executed proposal.
type ExecResult struct {
	Kind     ActionKind
	Digest   [32]byte // blake3 over object ID, proposal ID, and action kind
	NewValue []byte   // set for UpdateValue

	// Attestation is a BLS receipt over Digest when the engine carries
	// an attestor.
	Attestation []byte

	// IssuedCapabilities are the capabilities minted by a ConfigChange
	// add; the caller routes them to the grant recipients.
	IssuedCapabilities []*capability.ControllerCapability

	// GrantRecipients parallels IssuedCapabilities.
	GrantRecipients []Hash
}

// BorrowFunc receives the withdrawn assets and returns the assets it
// gives back. It must not call back into the same instance.
type BorrowFunc func(withdrawn []*Asset) ([]*Asset, error)

// Execute runs a value, config, deactivate, or upgrade proposal.
// The proposal is removed from the store before the action is applied
// (single delivery); a second execute fails ErrProposalNotFound.
// Asset-moving kinds (Send, Borrow, ControllerExecution) have their own
// executors and are rejected here without consuming the proposal.
func (m *Multicontroller) Execute(cap *capability.ControllerCapability, proposalID Hash, nowEpoch uint64, deps *Executors) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.takeable(cap, proposalID, nowEpoch)
	if err != nil {
		return nil, err
	}

	switch p.Action.Kind {
	case ActionSend, ActionBorrow, ActionControllerExecution:
		return nil, fmt.Errorf("%s action requires its asset executor", p.Action.Kind)
	}

	// Single delivery: the proposal is gone from here on, even when the
	// action itself is rejected (a failed action is discarded, not retried).
	delete(m.proposals, proposalID)

	result := &ExecResult{
		Kind:   p.Action.Kind,
		Digest: m.proposalDigest(p),
	}

	switch p.Action.Kind {
	case ActionUpdateValue:
		if err := m.applyUpdateValue(p.Action.Update, deps); err != nil {
			return nil, err
		}
		result.NewValue = append([]byte(nil), m.value...)

	case ActionConfigChange:
		issued, recipients, err := m.applyConfig(p.Action.Config, deps)
		if err != nil {
			return nil, err
		}
		result.IssuedCapabilities = issued
		result.GrantRecipients = recipients

	case ActionDeactivate:
		m.value = nil
		m.deactivated = true
		m.version++

	case ActionUpgrade:
		m.upgradeCount++
		logger.Info("upgrade consensus recorded",
			"object", m.id.String()[:8],
			"count", m.upgradeCount,
		)
	}

	return result, nil
}

// ExecuteSend runs a send proposal. Every received asset must match a
// listed transfer by ID (ErrWrongObject otherwise) and every listed
// transfer must be covered (ErrUnretrievedObjects otherwise). Nothing
// is transferred and the proposal is kept unless the whole action
// validates; matched assets held in the inbox leave it.
func (m *Multicontroller) ExecuteSend(cap *capability.ControllerCapability, proposalID Hash, received []*Asset, nowEpoch uint64) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.takeable(cap, proposalID, nowEpoch)
	if err != nil {
		return nil, err
	}

	if p.Action.Kind != ActionSend {
		return nil, fmt.Errorf("proposal carries %s, not send", p.Action.Kind)
	}

	// Match by ID membership, order-free.
	pending := make(map[Hash]Hash, len(p.Action.Send.Transfers))
	for _, t := range p.Action.Send.Transfers {
		pending[t.ObjectID] = t.Recipient
	}

	deliveries := make([]Delivery, 0, len(received))

	for _, asset := range received {
		recipient, listed := pending[asset.ID]
		if !listed {
			return nil, ErrWrongObject
		}

		delete(pending, asset.ID)
		deliveries = append(deliveries, Delivery{Recipient: recipient, Asset: asset})
	}

	if len(pending) != 0 {
		return nil, ErrUnretrievedObjects
	}

	// All pairs validated: consume the proposal and apply the handoff.
	delete(m.proposals, proposalID)

	for _, d := range deliveries {
		delete(m.inbox, d.Asset.ID)
	}

	return deliveries, nil
}

// ExecuteBorrow runs a borrow proposal: withdraw every listed asset
// from the inbox, hand them to fn, and require every one back. On any
// failure the unreturned assets move to the pending-return ledger, from
// which ReclaimPending recovers them; the engine never loses track of a
// withdrawn object.
func (m *Multicontroller) ExecuteBorrow(cap *capability.ControllerCapability, proposalID Hash, fn BorrowFunc, nowEpoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.takeable(cap, proposalID, nowEpoch)
	if err != nil {
		return err
	}

	if p.Action.Kind != ActionBorrow {
		return fmt.Errorf("proposal carries %s, not borrow", p.Action.Kind)
	}

	// Phase 1: all listed assets must be present before anything moves.
	withdrawn := make([]*Asset, 0, len(p.Action.Borrow.ObjectIDs))
	withdrawnByID := make(map[Hash]*Asset, len(p.Action.Borrow.ObjectIDs))

	for _, id := range p.Action.Borrow.ObjectIDs {
		asset, ok := m.inbox[id]
		if !ok {
			return ErrUnretrievedObjects
		}

		if _, dup := withdrawnByID[id]; dup {
			continue
		}

		withdrawn = append(withdrawn, asset)
		withdrawnByID[id] = asset
	}

	// The action is delivered: consume the proposal and withdraw.
	delete(m.proposals, proposalID)
	for id := range withdrawnByID {
		delete(m.inbox, id)
	}

	returned, fnErr := fn(withdrawn)

	// Phase 2: match returns by ID and redeposit.
	for _, asset := range returned {
		if _, ok := withdrawnByID[asset.ID]; !ok {
			m.strandRemaining(withdrawnByID)
			return ErrWrongObject
		}

		delete(withdrawnByID, asset.ID)
		m.inbox[asset.ID] = asset
	}

	if len(withdrawnByID) != 0 {
		m.strandRemaining(withdrawnByID)
		return ErrUnreturnedObjects
	}

	if fnErr != nil {
		return fmt.Errorf("borrow logic failed:\n%w", fnErr)
	}

	return nil
}

// ExecuteControllerExecution lends the held foreign controller
// capability named by the action to fn for exactly one operation, then
// reclaims it. The capability is reclaimed even when fn fails.
func (m *Multicontroller) ExecuteControllerExecution(cap *capability.ControllerCapability, proposalID Hash, fn func(*capability.ControllerCapability) error, nowEpoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.takeable(cap, proposalID, nowEpoch)
	if err != nil {
		return err
	}

	if p.Action.Kind != ActionControllerExecution {
		return fmt.Errorf("proposal carries %s, not controller_execution", p.Action.Kind)
	}

	target := p.Action.ControllerExec.TargetCapabilityID

	asset, ok := m.inbox[target]
	if !ok {
		return ErrObjectNotFound
	}

	if asset.Capability == nil {
		return ErrWrongObject
	}

	delete(m.proposals, proposalID)

	// Lend and reclaim: the asset leaves the inbox for the duration of
	// the single borrowed operation and always comes back.
	delete(m.inbox, target)
	fnErr := fn(asset.Capability)
	m.inbox[target] = asset

	if fnErr != nil {
		return fmt.Errorf("controller execution failed:\n%w", fnErr)
	}

	return nil
}

// takeable checks membership, existence, threshold, and expiration.
// Returns the proposal without removing it. Caller holds the lock.
func (m *Multicontroller) takeable(cap *capability.ControllerCapability, proposalID Hash, nowEpoch uint64) (*Proposal, error) {
	if _, err := m.memberWeight(cap); err != nil {
		return nil, err
	}

	p, ok := m.proposals[proposalID]
	if !ok {
		return nil, ErrProposalNotFound
	}

	if !p.executable(m.threshold) {
		return nil, ErrThresholdNotReached
	}

	if p.expired(nowEpoch) {
		return nil, ErrExpiredProposal
	}

	return p, nil
}

// strandRemaining moves unreturned assets into the pending-return
// ledger. Caller holds the lock.
func (m *Multicontroller) strandRemaining(remaining map[Hash]*Asset) {
	for id, asset := range remaining {
		m.pendingReturns[id] = asset
	}
}

// applyUpdateValue installs the candidate value if the predicate
// accepts it. Caller holds the lock.
func (m *Multicontroller) applyUpdateValue(action *UpdateValueAction, deps *Executors) error {
	if deps != nil && deps.Predicate != nil {
		if err := deps.Predicate.Validate(action.NewValue); err != nil {
			return fmt.Errorf("%w:\n%v", ErrInvalidControlledValue, err)
		}
	}

	m.value = append([]byte(nil), action.NewValue...)
	m.version++

	return nil
}

// applyConfig applies a validated config change: remove, add, update,
// threshold, atomically. New capabilities are issued for the grants and
// removed controllers' capabilities are destroyed. Caller holds the lock.
func (m *Multicontroller) applyConfig(cfg *ConfigChangeAction, deps *Executors) ([]*capability.ControllerCapability, []Hash, error) {
	projected, threshold, err := m.simulateConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	if deps == nil || deps.Caps == nil {
		return nil, nil, fmt.Errorf("config change requires a capability store")
	}

	// Mint grant capabilities first; on failure nothing was applied.
	issued := make([]*capability.ControllerCapability, 0, len(cfg.Add))
	recipients := make([]Hash, 0, len(cfg.Add))

	for _, grant := range cfg.Add {
		cap, err := deps.Caps.Issue(capability.ID(m.id), grant.Weight)
		if err != nil {
			for _, c := range issued {
				_ = deps.Caps.Invalidate(c.ID)
			}
			return nil, nil, fmt.Errorf("issue grant capability:\n%w", err)
		}

		issued = append(issued, cap)
		recipients = append(recipients, grant.Recipient)
		projected[cap.ID] = grant.Weight
	}

	// Commit. Votes already recorded on pending proposals stay frozen:
	// proposal state is self-contained once a vote is cast.
	m.controllers = projected
	m.threshold = threshold

	for _, id := range cfg.Remove {
		if err := deps.Caps.Invalidate(id); err != nil {
			logger.Warn("invalidate removed controller capability",
				"id", id.String()[:8], "error", err)
		}
	}

	for _, upd := range cfg.Update {
		if err := deps.Caps.UpdateWeight(upd.CapabilityID, upd.Weight); err != nil {
			logger.Warn("update controller capability weight",
				"id", upd.CapabilityID.String()[:8], "error", err)
		}
	}

	return issued, recipients, nil
}

// proposalDigest derives the digest attested on execution:
// blake3(objectID || proposalID || kind).
func (m *Multicontroller) proposalDigest(p *Proposal) [32]byte {
	h := blake3.New()
	h.Write(m.id[:])
	h.Write(p.ID[:])
	h.Write([]byte{byte(p.Action.Kind)})

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}
