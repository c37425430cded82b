package governance

import (
	"encoding/hex"
	"fmt"

	"Conclave/internal/capability"
)

// Hash is a 32-byte identifier for governed objects, proposals, and assets.
type Hash [32]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ActionKind tags the variant carried by an Action.
type ActionKind uint8

const (
	// ActionUpdateValue installs a new controlled value.
	ActionUpdateValue ActionKind = iota + 1

	// ActionConfigChange mutates the controller set and/or threshold.
	ActionConfigChange

	// ActionSend transfers owned objects to recipients.
	ActionSend

	// ActionBorrow withdraws owned objects for one caller operation
	// and requires them all back.
	ActionBorrow

	// ActionDeactivate tombstones the controlled value. Irreversible.
	ActionDeactivate

	// ActionControllerExecution lends a held foreign controller
	// capability for exactly one operation.
	ActionControllerExecution

	// ActionUpgrade records consensus for a version migration.
	// No internal state effect beyond the upgrade counter.
	ActionUpgrade
)

// String returns the action kind name.
func (k ActionKind) String() string {
	switch k {
	case ActionUpdateValue:
		return "update_value"
	case ActionConfigChange:
		return "config_change"
	case ActionSend:
		return "send"
	case ActionBorrow:
		return "borrow"
	case ActionDeactivate:
		return "deactivate"
	case ActionControllerExecution:
		return "controller_execution"
	case ActionUpgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Action is the typed effect a proposal applies once executed.
// Exactly one payload field matching Kind is set; Deactivate and
// Upgrade carry no payload.
type Action struct {
	Kind           ActionKind                 `cbor:"1,keyasint"`
	Update         *UpdateValueAction         `cbor:"2,keyasint,omitempty"`
	Config         *ConfigChangeAction        `cbor:"3,keyasint,omitempty"`
	Send           *SendAction                `cbor:"4,keyasint,omitempty"`
	Borrow         *BorrowAction              `cbor:"5,keyasint,omitempty"`
	ControllerExec *ControllerExecutionAction `cbor:"6,keyasint,omitempty"`
}

// UpdateValueAction carries the candidate controlled value.
type UpdateValueAction struct {
	NewValue []byte `cbor:"1,keyasint"`
}

// ControllerGrant admits a new controller with the given weight.
// Recipient is an opaque principal identifier used by callers to route
// the issued capability; the engine does not interpret it.
type ControllerGrant struct {
	Recipient Hash   `cbor:"1,keyasint"`
	Weight    uint64 `cbor:"2,keyasint"`
}

// WeightUpdate rewrites an existing controller's voting weight.
type WeightUpdate struct {
	CapabilityID capability.ID `cbor:"1,keyasint"`
	Weight       uint64        `cbor:"2,keyasint"`
}

// ConfigChangeAction mutates the controller set and threshold.
// Applied remove first, then add, then update, then the optional new
// threshold; the final state must satisfy threshold <= sum of weights
// or the whole change is rejected.
type ConfigChangeAction struct {
	Add          []ControllerGrant `cbor:"1,keyasint,omitempty"`
	Remove       []capability.ID   `cbor:"2,keyasint,omitempty"`
	Update       []WeightUpdate    `cbor:"3,keyasint,omitempty"`
	NewThreshold *uint64           `cbor:"4,keyasint,omitempty"`
}

// Transfer names one object to hand to one recipient.
// Recipient may be another governed object (deposited into its inbox)
// or an external principal (returned to the caller as a delivery).
type Transfer struct {
	ObjectID  Hash `cbor:"1,keyasint"`
	Recipient Hash `cbor:"2,keyasint"`
}

// SendAction transfers owned objects out of the governed object.
type SendAction struct {
	Transfers []Transfer `cbor:"1,keyasint"`
}

// BorrowAction withdraws owned objects for a caller-supplied operation.
// Every withdrawn object must be returned before the action completes.
type BorrowAction struct {
	ObjectIDs []Hash `cbor:"1,keyasint"`
}

// ControllerExecutionAction lends a held foreign controller capability.
// TargetCapabilityID is the inbox asset wrapping the capability.
type ControllerExecutionAction struct {
	TargetCapabilityID Hash `cbor:"1,keyasint"`
}

// UpdateValue builds an update-value action.
func UpdateValue(newValue []byte) Action {
	return Action{Kind: ActionUpdateValue, Update: &UpdateValueAction{NewValue: newValue}}
}

// ConfigChange builds a config-change action.
func ConfigChange(cfg ConfigChangeAction) Action {
	return Action{Kind: ActionConfigChange, Config: &cfg}
}

// Send builds a send action.
func Send(transfers ...Transfer) Action {
	return Action{Kind: ActionSend, Send: &SendAction{Transfers: transfers}}
}

// Borrow builds a borrow action.
func Borrow(objectIDs ...Hash) Action {
	return Action{Kind: ActionBorrow, Borrow: &BorrowAction{ObjectIDs: objectIDs}}
}

// Deactivate builds a deactivate action.
func Deactivate() Action {
	return Action{Kind: ActionDeactivate}
}

// ControllerExecution builds a controller-execution action.
func ControllerExecution(target Hash) Action {
	return Action{Kind: ActionControllerExecution, ControllerExec: &ControllerExecutionAction{TargetCapabilityID: target}}
}

// Upgrade builds an upgrade marker action.
func Upgrade() Action {
	return Action{Kind: ActionUpgrade}
}

// validate checks structural well-formedness of an action.
func (a Action) validate() error {
	switch a.Kind {
	case ActionUpdateValue:
		if a.Update == nil {
			return fmt.Errorf("update_value action without payload")
		}
	case ActionConfigChange:
		if a.Config == nil {
			return fmt.Errorf("config_change action without payload")
		}
	case ActionSend:
		if a.Send == nil || len(a.Send.Transfers) == 0 {
			return fmt.Errorf("send action without transfers")
		}
	case ActionBorrow:
		if a.Borrow == nil || len(a.Borrow.ObjectIDs) == 0 {
			return fmt.Errorf("borrow action without object IDs")
		}
	case ActionControllerExecution:
		if a.ControllerExec == nil {
			return fmt.Errorf("controller_execution action without payload")
		}
	case ActionDeactivate, ActionUpgrade:
		// no payload
	default:
		return fmt.Errorf("unknown action kind %d", uint8(a.Kind))
	}

	return nil
}
