// Package client is a thin HTTP client for a Conclave node. All
// identifiers are hex-encoded 32-byte hashes on the wire.
package client

import (
	"encoding/hex"
	"fmt"
)

// Client connects to a Conclave node via HTTP.
type Client struct {
	nodeAddr string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
}

// Capability identifies one controller grant on a governed object.
type Capability struct {
	ID     [32]byte // ID is the capability identifier
	Object [32]byte // Object is the governed object the capability controls
	Weight uint64   // Weight is the controller's voting weight
}

// Instance holds a governed object's public state.
type Instance struct {
	ID          [32]byte // ID is the governed object identifier
	Value       []byte   // Value is the current controlled value
	Version     uint64   // Version counts applied value updates
	Threshold   uint64   // Threshold is the execution weight threshold
	Controllers int      // Controllers is the controller count
	Deactivated bool     // Deactivated reports a tombstoned instance
	Upgrades    uint64   // Upgrades counts executed upgrade proposals
	Proposals   []string // Proposals lists pending proposal IDs in hex
}

// ProposalReceipt reports a created proposal.
type ProposalReceipt struct {
	Proposal   [32]byte // Proposal is the proposal identifier
	Executable bool     // Executable reports threshold already reached
}

// ExecutionReceipt reports an executed proposal.
type ExecutionReceipt struct {
	Action      string   // Action is the executed action kind
	Digest      [32]byte // Digest is the attested execution digest
	Attestation []byte   // Attestation is the node's BLS receipt, if any
	NewValue    []byte   // NewValue is set for update_value actions
}

// New creates a client connected to a node.
func New(nodeAddr string) *Client {
	return &Client{nodeAddr: nodeAddr}
}

// CreateInstance creates a governed object and returns its ID and the
// issued controller capabilities.
func (c *Client) CreateInstance(value []byte, weights []uint64, threshold uint64) ([32]byte, []Capability, error) {
	body := map[string]any{
		"value":     value,
		"weights":   weights,
		"threshold": threshold,
	}

	var resp struct {
		ID           string `json:"id"`
		Capabilities []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
			Weight uint64 `json:"weight"`
		} `json:"capabilities"`
	}

	if err := httpPostJSON(c.url("/instance"), body, &resp); err != nil {
		return [32]byte{}, nil, fmt.Errorf("create instance:\n%w", err)
	}

	id, err := decodeHexID(resp.ID)
	if err != nil {
		return [32]byte{}, nil, err
	}

	caps := make([]Capability, len(resp.Capabilities))

	for i, raw := range resp.Capabilities {
		caps[i].Weight = raw.Weight

		if caps[i].ID, err = decodeHexID(raw.ID); err != nil {
			return [32]byte{}, nil, err
		}

		if caps[i].Object, err = decodeHexID(raw.Object); err != nil {
			return [32]byte{}, nil, err
		}
	}

	return id, caps, nil
}

// GetInstance retrieves a governed object's public state.
func (c *Client) GetInstance(id [32]byte) (*Instance, error) {
	var resp struct {
		ID          string   `json:"id"`
		Value       []byte   `json:"value"`
		Version     uint64   `json:"version"`
		Threshold   uint64   `json:"threshold"`
		Controllers int      `json:"controllers"`
		Deactivated bool     `json:"deactivated"`
		Upgrades    uint64   `json:"upgrades"`
		Proposals   []string `json:"proposals"`
	}

	if err := httpGet(c.url("/instance/"+hex.EncodeToString(id[:])), &resp); err != nil {
		return nil, fmt.Errorf("get instance:\n%w", err)
	}

	instance := &Instance{
		Value:       resp.Value,
		Version:     resp.Version,
		Threshold:   resp.Threshold,
		Controllers: resp.Controllers,
		Deactivated: resp.Deactivated,
		Upgrades:    resp.Upgrades,
		Proposals:   resp.Proposals,
	}

	var err error
	if instance.ID, err = decodeHexID(resp.ID); err != nil {
		return nil, err
	}

	return instance, nil
}

// Propose creates a proposal acting with a controller capability.
func (c *Client) Propose(capID, instanceID [32]byte, action Action, expirationEpoch *uint64) (*ProposalReceipt, error) {
	return c.propose(map[string]any{
		"capability":      hex.EncodeToString(capID[:]),
		"instance":        hex.EncodeToString(instanceID[:]),
		"action":          action,
		"expirationEpoch": expirationEpoch,
	})
}

// ProposeWithToken creates a proposal acting under a delegation token.
func (c *Client) ProposeWithToken(tokenID, instanceID [32]byte, action Action, expirationEpoch *uint64) (*ProposalReceipt, error) {
	return c.propose(map[string]any{
		"token":           hex.EncodeToString(tokenID[:]),
		"instance":        hex.EncodeToString(instanceID[:]),
		"action":          action,
		"expirationEpoch": expirationEpoch,
	})
}

// propose posts a proposal request body.
func (c *Client) propose(body map[string]any) (*ProposalReceipt, error) {
	var resp struct {
		Proposal   string `json:"proposal"`
		Executable bool   `json:"executable"`
	}

	if err := httpPostJSON(c.url("/proposal"), body, &resp); err != nil {
		return nil, fmt.Errorf("create proposal:\n%w", err)
	}

	id, err := decodeHexID(resp.Proposal)
	if err != nil {
		return nil, err
	}

	return &ProposalReceipt{Proposal: id, Executable: resp.Executable}, nil
}

// Approve adds a capability's weight to a proposal.
func (c *Client) Approve(capID, instanceID, proposalID [32]byte) error {
	return httpPostJSON(c.url("/approve"), voteBody("capability", capID, instanceID, proposalID), nil)
}

// ApproveWithToken approves under a delegation token.
func (c *Client) ApproveWithToken(tokenID, instanceID, proposalID [32]byte) error {
	return httpPostJSON(c.url("/approve"), voteBody("token", tokenID, instanceID, proposalID), nil)
}

// Unapprove retracts a previously cast vote.
func (c *Client) Unapprove(capID, instanceID, proposalID [32]byte) error {
	return httpPostJSON(c.url("/unapprove"), voteBody("capability", capID, instanceID, proposalID), nil)
}

// Execute runs a proposal whose threshold is met.
func (c *Client) Execute(capID, instanceID, proposalID [32]byte) (*ExecutionReceipt, error) {
	return c.execute(voteBody("capability", capID, instanceID, proposalID))
}

// ExecuteWithToken executes under a delegation token.
func (c *Client) ExecuteWithToken(tokenID, instanceID, proposalID [32]byte) (*ExecutionReceipt, error) {
	return c.execute(voteBody("token", tokenID, instanceID, proposalID))
}

// execute posts an execute request body.
func (c *Client) execute(body map[string]any) (*ExecutionReceipt, error) {
	var resp struct {
		Action      string `json:"action"`
		Digest      string `json:"digest"`
		Attestation []byte `json:"attestation"`
		NewValue    []byte `json:"newValue"`
	}

	if err := httpPostJSON(c.url("/execute"), body, &resp); err != nil {
		return nil, fmt.Errorf("execute proposal:\n%w", err)
	}

	digest, err := decodeHexID(resp.Digest)
	if err != nil {
		return nil, err
	}

	return &ExecutionReceipt{
		Action:      resp.Action,
		Digest:      digest,
		Attestation: resp.Attestation,
		NewValue:    resp.NewValue,
	}, nil
}

// Delegate mints a delegation token from a controller capability.
func (c *Client) Delegate(capID [32]byte, permissions uint32) ([32]byte, error) {
	return c.delegate(map[string]any{
		"capability":  hex.EncodeToString(capID[:]),
		"permissions": permissions,
	})
}

// Redelegate mints a narrower token from an existing token.
func (c *Client) Redelegate(tokenID [32]byte, permissions uint32) ([32]byte, error) {
	return c.delegate(map[string]any{
		"token":       hex.EncodeToString(tokenID[:]),
		"permissions": permissions,
	})
}

// delegate posts a delegation request body.
func (c *Client) delegate(body map[string]any) ([32]byte, error) {
	var resp struct {
		Token string `json:"token"`
	}

	if err := httpPostJSON(c.url("/delegate"), body, &resp); err != nil {
		return [32]byte{}, fmt.Errorf("delegate:\n%w", err)
	}

	return decodeHexID(resp.Token)
}

// RevokeToken suspends a delegation token.
func (c *Client) RevokeToken(tokenID [32]byte) error {
	return c.tokenOp("/token/revoke", tokenID)
}

// UnrevokeToken reactivates a suspended token.
func (c *Client) UnrevokeToken(tokenID [32]byte) error {
	return c.tokenOp("/token/unrevoke", tokenID)
}

// DestroyToken permanently destroys a token.
func (c *Client) DestroyToken(tokenID [32]byte) error {
	return c.tokenOp("/token/destroy", tokenID)
}

// tokenOp posts one token lifecycle request.
func (c *Client) tokenOp(path string, tokenID [32]byte) error {
	body := map[string]string{
		"token": hex.EncodeToString(tokenID[:]),
	}

	return httpPostJSON(c.url(path), body, nil)
}

// Migrate binds a legacy identifier to a fresh governed object owned by
// the caller.
func (c *Client) Migrate(legacyID string, value []byte) ([32]byte, *Capability, error) {
	body := map[string]any{
		"legacyId": legacyID,
		"value":    value,
	}

	var resp struct {
		Instance   string `json:"instance"`
		Capability struct {
			ID     string `json:"id"`
			Object string `json:"object"`
			Weight uint64 `json:"weight"`
		} `json:"capability"`
	}

	if err := httpPostJSON(c.url("/migrate"), body, &resp); err != nil {
		return [32]byte{}, nil, fmt.Errorf("migrate:\n%w", err)
	}

	id, err := decodeHexID(resp.Instance)
	if err != nil {
		return [32]byte{}, nil, err
	}

	cap := &Capability{Weight: resp.Capability.Weight}

	if cap.ID, err = decodeHexID(resp.Capability.ID); err != nil {
		return [32]byte{}, nil, err
	}

	if cap.Object, err = decodeHexID(resp.Capability.Object); err != nil {
		return [32]byte{}, nil, err
	}

	return id, cap, nil
}

// Migration looks up the governed object bound to a legacy identifier.
// The second return is false if the identifier was never migrated.
func (c *Client) Migration(legacyID string) ([32]byte, bool, error) {
	var resp struct {
		Instance string `json:"instance"`
	}

	err := httpGet(c.url("/migration/"+legacyID), &resp)
	if err != nil {
		// A 404 means "not migrated", not a transport failure.
		if isStatusError(err, 404) {
			return [32]byte{}, false, nil
		}
		return [32]byte{}, false, fmt.Errorf("get migration:\n%w", err)
	}

	id, err := decodeHexID(resp.Instance)
	if err != nil {
		return [32]byte{}, false, err
	}

	return id, true, nil
}

// Snapshot fetches the node's full state snapshot blob.
func (c *Client) Snapshot() ([]byte, error) {
	return httpGetRaw(c.url("/snapshot"))
}

// url builds a full endpoint URL.
func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}

// voteBody builds an approve/unapprove/execute request body.
func voteBody(actorField string, actorID, instanceID, proposalID [32]byte) map[string]any {
	return map[string]any{
		actorField: hex.EncodeToString(actorID[:]),
		"instance": hex.EncodeToString(instanceID[:]),
		"proposal": hex.EncodeToString(proposalID[:]),
	}
}

// decodeHexID decodes a 64-char hex string to a [32]byte.
func decodeHexID(hexStr string) ([32]byte, error) {
	var id [32]byte

	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("invalid hex ID: %q", hexStr)
	}

	copy(id[:], raw)

	return id, nil
}
