package governance

import (
	"crypto/rand"
	"fmt"

	"github.com/zeebo/blake3"

	"Conclave/internal/capability"
	"Conclave/internal/logger"
	"Conclave/internal/predicate"
)

// Attestor signs execution digests. The BLS attestor in internal/attest
// implements this.
type Attestor interface {
	Attest(digest [32]byte) ([]byte, error)
}

// Engine couples the capability store, the instance registry, and the
// validity predicate into the full governance operation surface.
type Engine struct {
	caps     *capability.Store
	registry *Registry
	pred     predicate.Predicate
	attestor Attestor
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPredicate sets the validity predicate for controlled values.
func WithPredicate(p predicate.Predicate) EngineOption {
	return func(e *Engine) {
		e.pred = p
	}
}

// WithAttestor sets the execution attestor.
func WithAttestor(a Attestor) EngineOption {
	return func(e *Engine) {
		e.attestor = a
	}
}

// NewEngine creates a governance engine.
// Without options it accepts every controlled value and attests nothing.
func NewEngine(caps *capability.Store, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		caps:     caps,
		registry: registry,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Caps returns the capability store.
func (e *Engine) Caps() *capability.Store {
	return e.caps
}

// Registry returns the instance registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// CreateInstance creates a governed object with one capability per
// initial controller weight. The value must pass the validity predicate.
func (e *Engine) CreateInstance(value []byte, weights []uint64, threshold uint64) (*Multicontroller, []*capability.ControllerCapability, error) {
	if e.pred != nil {
		if err := e.pred.Validate(value); err != nil {
			return nil, nil, fmt.Errorf("%w:\n%v", ErrInvalidControlledValue, err)
		}
	}

	id, err := mintInstanceID()
	if err != nil {
		return nil, nil, err
	}

	caps := make([]*capability.ControllerCapability, 0, len(weights))
	controllers := make(map[capability.ID]uint64, len(weights))

	for _, w := range weights {
		cap, err := e.caps.Issue(capability.ID(id), w)
		if err != nil {
			e.invalidateAll(caps)
			return nil, nil, err
		}

		caps = append(caps, cap)
		controllers[cap.ID] = w
	}

	m, err := NewMulticontroller(id, value, controllers, threshold)
	if err != nil {
		e.invalidateAll(caps)
		return nil, nil, err
	}

	if err := e.registry.Add(m); err != nil {
		e.invalidateAll(caps)
		return nil, nil, err
	}

	logger.Info("governed object created",
		"id", id.String()[:8],
		"controllers", len(weights),
		"threshold", threshold,
	)

	return m, caps, nil
}

// CreateProposal creates a proposal against an instance. The creator's
// weight counts as the first vote; the returned bool reports whether
// the proposal is already executable.
func (e *Engine) CreateProposal(capID capability.ID, instanceID Hash, action Action, expirationEpoch *uint64) (Hash, bool, error) {
	cap, m, err := e.resolve(capID, instanceID)
	if err != nil {
		return Hash{}, false, err
	}

	id, executable, err := m.CreateProposal(cap, action, expirationEpoch)
	if err != nil {
		return Hash{}, false, err
	}

	return id, executable, e.registry.Persist(m)
}

// Approve adds the capability's weight to a proposal.
func (e *Engine) Approve(capID capability.ID, instanceID, proposalID Hash) error {
	cap, m, err := e.resolve(capID, instanceID)
	if err != nil {
		return err
	}

	if err := m.Approve(cap, proposalID); err != nil {
		return err
	}

	return e.registry.Persist(m)
}

// RemoveApproval retracts a previously cast vote.
func (e *Engine) RemoveApproval(capID capability.ID, instanceID, proposalID Hash) error {
	cap, m, err := e.resolve(capID, instanceID)
	if err != nil {
		return err
	}

	if err := m.RemoveApproval(cap, proposalID); err != nil {
		return err
	}

	return e.registry.Persist(m)
}

// Execute runs a value, config, deactivate, or upgrade proposal.
// The instance is persisted even when the action is rejected: a
// discarded proposal must stay discarded across a restart.
func (e *Engine) Execute(capID capability.ID, instanceID, proposalID Hash, nowEpoch uint64) (*ExecResult, error) {
	cap, m, err := e.resolve(capID, instanceID)
	if err != nil {
		return nil, err
	}

	result, execErr := m.Execute(cap, proposalID, nowEpoch, &Executors{
		Predicate: e.pred,
		Caps:      e.caps,
	})

	if persistErr := e.registry.Persist(m); persistErr != nil {
		logger.Error("persist after execute", "error", persistErr)
	}

	if execErr != nil {
		return nil, execErr
	}

	e.attest(result)

	logger.Info("proposal executed",
		"object", instanceID.String()[:8],
		"proposal", proposalID.String()[:8],
		"action", result.Kind.String(),
	)

	return result, nil
}

// ExecuteSend runs a send proposal with the received objects.
// Deliveries addressed to local instances are deposited into their
// inboxes; the remainder is returned for external handoff.
func (e *Engine) ExecuteSend(capID capability.ID, instanceID, proposalID Hash, received []*Asset, nowEpoch uint64) ([]Delivery, error) {
	cap, m, err := e.resolve(capID, instanceID)
	if err != nil {
		return nil, err
	}

	deliveries, err := m.ExecuteSend(cap, proposalID, received, nowEpoch)
	if err != nil {
		return nil, err
	}

	if err := e.registry.Persist(m); err != nil {
		return nil, err
	}

	var external []Delivery

	for _, d := range deliveries {
		target, err := e.registry.Get(d.Recipient)
		if err != nil {
			external = append(external, d)
			continue
		}

		target.Deposit(d.Asset)

		if err := e.registry.Persist(target); err != nil {
			return nil, err
		}
	}

	return external, nil
}

// ExecuteBorrow runs a borrow proposal through fn.
func (e *Engine) ExecuteBorrow(capID capability.ID, instanceID, proposalID Hash, fn BorrowFunc, nowEpoch uint64) error {
	cap, m, err := e.resolve(capID, instanceID)
	if err != nil {
		return err
	}

	borrowErr := m.ExecuteBorrow(cap, proposalID, fn, nowEpoch)

	if persistErr := e.registry.Persist(m); persistErr != nil {
		logger.Error("persist after borrow", "error", persistErr)
	}

	return borrowErr
}

// ExecuteControllerExecution lends the held foreign capability named by
// the proposal to fn for one operation.
func (e *Engine) ExecuteControllerExecution(capID capability.ID, instanceID, proposalID Hash, fn func(*capability.ControllerCapability) error, nowEpoch uint64) error {
	cap, m, err := e.resolve(capID, instanceID)
	if err != nil {
		return err
	}

	execErr := m.ExecuteControllerExecution(cap, proposalID, fn, nowEpoch)

	if persistErr := e.registry.Persist(m); persistErr != nil {
		logger.Error("persist after controller execution", "error", persistErr)
	}

	return execErr
}

// CleanupExpired discards expired proposals on an instance.
func (e *Engine) CleanupExpired(instanceID Hash, nowEpoch uint64) ([]Hash, error) {
	m, err := e.registry.Get(instanceID)
	if err != nil {
		return nil, err
	}

	removed := m.CleanupExpired(nowEpoch)
	if len(removed) == 0 {
		return nil, nil
	}

	return removed, e.registry.Persist(m)
}

// Reclaim moves a failed borrow's stranded assets back into the inbox.
func (e *Engine) Reclaim(capID capability.ID, instanceID Hash) ([]Hash, error) {
	cap, m, err := e.resolve(capID, instanceID)
	if err != nil {
		return nil, err
	}

	reclaimed, err := m.ReclaimPending(cap)
	if err != nil {
		return nil, err
	}

	return reclaimed, e.registry.Persist(m)
}

// Deposit places an asset into an instance's inbox, e.g. one arriving
// from another node via the relay.
func (e *Engine) Deposit(instanceID Hash, asset *Asset) error {
	m, err := e.registry.Get(instanceID)
	if err != nil {
		return err
	}

	m.Deposit(asset)

	return e.registry.Persist(m)
}

// CreateProposalWithToken creates a proposal acting under a delegation
// token carrying the propose permission.
func (e *Engine) CreateProposalWithToken(tokenID capability.ID, instanceID Hash, action Action, expirationEpoch *uint64) (Hash, bool, error) {
	capID, err := e.caps.Authorize(tokenID, capability.PermPropose)
	if err != nil {
		return Hash{}, false, err
	}

	return e.CreateProposal(capID, instanceID, action, expirationEpoch)
}

// ApproveWithToken approves under a delegation token carrying the
// approve permission.
func (e *Engine) ApproveWithToken(tokenID capability.ID, instanceID, proposalID Hash) error {
	capID, err := e.caps.Authorize(tokenID, capability.PermApprove)
	if err != nil {
		return err
	}

	return e.Approve(capID, instanceID, proposalID)
}

// ExecuteWithToken executes under a delegation token carrying the
// execute permission.
func (e *Engine) ExecuteWithToken(tokenID capability.ID, instanceID, proposalID Hash, nowEpoch uint64) (*ExecResult, error) {
	capID, err := e.caps.Authorize(tokenID, capability.PermExecute)
	if err != nil {
		return nil, err
	}

	return e.Execute(capID, instanceID, proposalID, nowEpoch)
}

// resolve loads the acting capability and the target instance.
// A destroyed capability fails ErrInvalidController: possession of a
// live record is the sole proof of membership.
func (e *Engine) resolve(capID capability.ID, instanceID Hash) (*capability.ControllerCapability, *Multicontroller, error) {
	cap, err := e.caps.Capability(capID)
	if err != nil {
		if err == capability.ErrCapabilityNotFound {
			return nil, nil, ErrInvalidController
		}
		return nil, nil, err
	}

	m, err := e.registry.Get(instanceID)
	if err != nil {
		return nil, nil, err
	}

	return cap, m, nil
}

// attest attaches a BLS receipt to the result when an attestor is set.
func (e *Engine) attest(result *ExecResult) {
	if e.attestor == nil {
		return
	}

	sig, err := e.attestor.Attest(result.Digest)
	if err != nil {
		logger.Warn("execution attestation failed", "error", err)
		return
	}

	result.Attestation = sig
}

// invalidateAll destroys capabilities minted during a failed creation.
func (e *Engine) invalidateAll(caps []*capability.ControllerCapability) {
	for _, c := range caps {
		_ = e.caps.Invalidate(c.ID)
	}
}

// mintInstanceID derives a fresh governed object identifier.
func mintInstanceID() (Hash, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Hash{}, fmt.Errorf("read random nonce:\n%w", err)
	}

	h := blake3.New()
	h.Write([]byte("conclave-object"))
	h.Write(nonce[:])

	var id Hash
	h.Sum(id[:0])

	return id, nil
}
