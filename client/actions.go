package client

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Action is the JSON shape of a proposal action.
type Action struct {
	Kind         string     `json:"kind"`
	NewValue     []byte     `json:"newValue,omitempty"`
	Add          []Grant    `json:"add,omitempty"`
	Remove       []string   `json:"remove,omitempty"`
	Update       []Reweight `json:"update,omitempty"`
	NewThreshold *uint64    `json:"newThreshold,omitempty"`
	Transfers    []Transfer `json:"transfers,omitempty"`
	ObjectIDs    []string   `json:"objectIds,omitempty"`
	Target       string     `json:"target,omitempty"`
}

// Grant admits a new controller with the given weight.
type Grant struct {
	Recipient string `json:"recipient"`
	Weight    uint64 `json:"weight"`
}

// Reweight rewrites an existing controller's voting weight.
type Reweight struct {
	Capability string `json:"capability"`
	Weight     uint64 `json:"weight"`
}

// Transfer names one object to hand to one recipient.
type Transfer struct {
	ObjectID  string `json:"objectId"`
	Recipient string `json:"recipient"`
}

// UpdateValue builds an update-value action.
func UpdateValue(newValue []byte) Action {
	return Action{Kind: "update_value", NewValue: newValue}
}

// Deactivate builds a deactivate action.
func Deactivate() Action {
	return Action{Kind: "deactivate"}
}

// Upgrade builds an upgrade marker action.
func Upgrade() Action {
	return Action{Kind: "upgrade"}
}

// SetThreshold builds a config change that only moves the threshold.
func SetThreshold(threshold uint64) Action {
	return Action{Kind: "config_change", NewThreshold: &threshold}
}

// AddController builds a config change admitting one controller.
func AddController(recipient [32]byte, weight uint64) Action {
	return Action{
		Kind: "config_change",
		Add:  []Grant{{Recipient: hex.EncodeToString(recipient[:]), Weight: weight}},
	}
}

// RemoveController builds a config change removing one controller.
func RemoveController(capID [32]byte) Action {
	return Action{
		Kind:   "config_change",
		Remove: []string{hex.EncodeToString(capID[:])},
	}
}

// SendObjects builds a send action.
func SendObjects(transfers ...Transfer) Action {
	return Action{Kind: "send", Transfers: transfers}
}

// BorrowObjects builds a borrow action.
func BorrowObjects(objectIDs ...[32]byte) Action {
	ids := make([]string, len(objectIDs))
	for i, id := range objectIDs {
		ids[i] = hex.EncodeToString(id[:])
	}

	return Action{Kind: "borrow", ObjectIDs: ids}
}

// ControllerExecution builds a controller-execution action.
func ControllerExecution(target [32]byte) Action {
	return Action{Kind: "controller_execution", Target: hex.EncodeToString(target[:])}
}

// isStatusError reports whether err carries the given HTTP status.
func isStatusError(err error, status int) bool {
	return err != nil && strings.Contains(err.Error(), fmt.Sprintf("status %d", status))
}
