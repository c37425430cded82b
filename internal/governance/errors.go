package governance

import "errors"

// Authorization errors. Fatal to the call, never retried.
var (
	// ErrInvalidController is returned when the acting capability is not
	// a live member of the governed object.
	ErrInvalidController = errors.New("capability is not a controller of this object")
)

// Voting errors. Recoverable by the caller; the engine never auto-retries.
var (
	// ErrProposalNotFound is returned when a proposal ID is unknown
	// or already executed.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrControllerAlreadyVoted is returned on a duplicate approval.
	ErrControllerAlreadyVoted = errors.New("controller already voted on this proposal")

	// ErrNotVotedYet is returned when removing an approval that was never cast.
	ErrNotVotedYet = errors.New("controller has not voted on this proposal")

	// ErrThresholdNotReached is returned when executing a proposal whose
	// accumulated votes are below the threshold.
	ErrThresholdNotReached = errors.New("accumulated votes below threshold")

	// ErrExpiredProposal is returned when executing a proposal past its
	// expiration epoch.
	ErrExpiredProposal = errors.New("proposal has expired")
)

// Configuration errors. The entire change is rejected atomically.
var (
	// ErrInvalidThreshold is returned when a threshold would exceed the
	// sum of controller weights.
	ErrInvalidThreshold = errors.New("threshold exceeds total controller weight")

	// ErrInvalidControllersList is returned when a config change names
	// unknown controllers or zero weights.
	ErrInvalidControllersList = errors.New("invalid controllers list")
)

// Value errors.
var (
	// ErrInvalidControlledValue is returned when a proposed value fails
	// the validity predicate. The proposal is discarded, not retried.
	ErrInvalidControlledValue = errors.New("value rejected by validity predicate")

	// ErrDeactivated is returned when proposing against a deactivated object.
	ErrDeactivated = errors.New("governed object is deactivated")
)

// Resource-accounting errors. The whole action aborts; withdrawn objects
// are never lost.
var (
	// ErrWrongObject is returned when a received object's ID matches no
	// entry of the approved action.
	ErrWrongObject = errors.New("received object does not match the approved action")

	// ErrUnretrievedObjects is returned when not every listed object was
	// received before the action completed.
	ErrUnretrievedObjects = errors.New("action completed with unretrieved objects")

	// ErrUnreturnedObjects is returned when borrowed objects were not all
	// returned. The missing objects stay in the pending-return ledger.
	ErrUnreturnedObjects = errors.New("borrowed objects were not all returned")

	// ErrObjectNotFound is returned when a listed object is not in the inbox.
	ErrObjectNotFound = errors.New("object not found in inbox")
)

// Instance errors.
var (
	// ErrInstanceNotFound is returned when a governed object ID is unknown.
	ErrInstanceNotFound = errors.New("governed object not found")
)
