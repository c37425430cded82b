package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"Conclave/internal/capability"
	"Conclave/internal/governance"
	"Conclave/internal/logger"
)

// actionRequest is the JSON shape of a proposal action. Kind selects
// the variant; the matching payload fields must be set.
type actionRequest struct {
	Kind         string   `json:"kind"`
	NewValue     []byte   `json:"newValue,omitempty"`
	Add          []grant  `json:"add,omitempty"`
	Remove       []string `json:"remove,omitempty"`
	Update       []update `json:"update,omitempty"`
	NewThreshold *uint64  `json:"newThreshold,omitempty"`
	Transfers    []xfer   `json:"transfers,omitempty"`
	ObjectIDs    []string `json:"objectIds,omitempty"`
	Target       string   `json:"target,omitempty"`
}

type grant struct {
	Recipient string `json:"recipient"`
	Weight    uint64 `json:"weight"`
}

type update struct {
	Capability string `json:"capability"`
	Weight     uint64 `json:"weight"`
}

type xfer struct {
	ObjectID  string `json:"objectId"`
	Recipient string `json:"recipient"`
}

// capabilityResponse is the JSON shape of an issued capability.
type capabilityResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Weight uint64 `json:"weight"`
}

// handleCreateInstance handles POST /instance.
func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value     []byte   `json:"value"`
		Weights   []uint64 `json:"weights"`
		Threshold uint64   `json:"threshold"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	m, caps, err := s.engine.CreateInstance(req.Value, req.Weights, req.Threshold)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           m.ID().String(),
		"capabilities": capabilityResponses(caps),
	})
}

// handleGetInstance handles GET /instance/{id}.
func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	m, err := s.engine.Registry().Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	proposals := m.ProposalIDs()
	proposalIDs := make([]string, len(proposals))
	for i, p := range proposals {
		proposalIDs[i] = p.String()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":          m.ID().String(),
		"value":       m.Value(),
		"version":     m.Version(),
		"threshold":   m.Threshold(),
		"controllers": len(m.ControllerWeights()),
		"deactivated": m.Deactivated(),
		"upgrades":    m.UpgradeCount(),
		"proposals":   proposalIDs,
	})
}

// handleCreateProposal handles POST /proposal. The caller acts either
// with a controller capability or a delegation token.
func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capability      string        `json:"capability,omitempty"`
		Token           string        `json:"token,omitempty"`
		Instance        string        `json:"instance"`
		Action          actionRequest `json:"action"`
		ExpirationEpoch *uint64       `json:"expirationEpoch,omitempty"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	instanceID, err := parseHash(req.Instance)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	action, err := buildAction(req.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var (
		proposalID governance.Hash
		executable bool
	)

	if req.Token != "" {
		tokenID, perr := parseCapID(req.Token)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		proposalID, executable, err = s.engine.CreateProposalWithToken(tokenID, instanceID, action, req.ExpirationEpoch)
	} else {
		capID, perr := parseCapID(req.Capability)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		proposalID, executable, err = s.engine.CreateProposal(capID, instanceID, action, req.ExpirationEpoch)
	}

	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"proposal":   proposalID.String(),
		"executable": executable,
	})
}

// handleApprove handles POST /approve.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req voteRequest

	if !decodeBody(w, r, &req) {
		return
	}

	instanceID, proposalID, err := req.ids()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if req.Token != "" {
		tokenID, perr := parseCapID(req.Token)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		err = s.engine.ApproveWithToken(tokenID, instanceID, proposalID)
	} else {
		capID, perr := parseCapID(req.Capability)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		err = s.engine.Approve(capID, instanceID, proposalID)
	}

	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// handleUnapprove handles POST /unapprove.
func (s *Server) handleUnapprove(w http.ResponseWriter, r *http.Request) {
	var req voteRequest

	if !decodeBody(w, r, &req) {
		return
	}

	instanceID, proposalID, err := req.ids()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	capID, err := parseCapID(req.Capability)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.engine.RemoveApproval(capID, instanceID, proposalID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "retracted"})
}

// handleExecute handles POST /execute for value, config, deactivate,
// and upgrade proposals. Asset-moving actions are node-internal.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req voteRequest

	if !decodeBody(w, r, &req) {
		return
	}

	instanceID, proposalID, err := req.ids()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Send proposals move assets and return deliveries instead of an
	// ExecResult; route them separately.
	if kind, ok := s.proposalKind(instanceID, proposalID); ok && kind == governance.ActionSend {
		s.executeSend(w, req, instanceID, proposalID)
		return
	}

	var result *governance.ExecResult

	if req.Token != "" {
		tokenID, perr := parseCapID(req.Token)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		result, err = s.engine.ExecuteWithToken(tokenID, instanceID, proposalID, s.epoch())
	} else {
		capID, perr := parseCapID(req.Capability)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		result, err = s.engine.Execute(capID, instanceID, proposalID, s.epoch())
	}

	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"action": result.Kind.String(),
		"digest": hex.EncodeToString(result.Digest[:]),
	}

	if result.Attestation != nil {
		resp["attestation"] = result.Attestation
	}

	if result.NewValue != nil {
		resp["newValue"] = result.NewValue
	}

	if len(result.IssuedCapabilities) > 0 {
		issued := make([]map[string]string, len(result.IssuedCapabilities))
		for i, c := range result.IssuedCapabilities {
			issued[i] = map[string]string{
				"capability": c.ID.String(),
				"recipient":  result.GrantRecipients[i].String(),
			}
		}
		resp["issued"] = issued
	}

	writeJSON(w, http.StatusOK, resp)
}

// proposalKind looks up a pending proposal's action kind.
func (s *Server) proposalKind(instanceID, proposalID governance.Hash) (governance.ActionKind, bool) {
	m, err := s.engine.Registry().Get(instanceID)
	if err != nil {
		return 0, false
	}

	p, ok := m.Proposal(proposalID)
	if !ok {
		return 0, false
	}

	return p.Action.Kind, true
}

// executeSend runs a send proposal with the assets currently held in
// the inbox, deposits local deliveries, and forwards the rest.
func (s *Server) executeSend(w http.ResponseWriter, req voteRequest, instanceID, proposalID governance.Hash) {
	if req.Token != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "send execution requires a controller capability"})
		return
	}

	capID, err := parseCapID(req.Capability)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	m, err := s.engine.Registry().Get(instanceID)
	if err != nil {
		writeError(w, err)
		return
	}

	p, ok := m.Proposal(proposalID)
	if !ok {
		writeError(w, governance.ErrProposalNotFound)
		return
	}

	received := make([]*governance.Asset, 0, len(p.Action.Send.Transfers))
	for _, t := range p.Action.Send.Transfers {
		if asset, held := m.InboxAsset(t.ObjectID); held {
			received = append(received, asset)
		}
	}

	external, err := s.engine.ExecuteSend(capID, instanceID, proposalID, received, s.epoch())
	if err != nil {
		writeError(w, err)
		return
	}

	if len(external) > 0 && s.forward != nil {
		s.forward(external)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"action":    "send",
		"delivered": len(received) - len(external),
		"forwarded": len(external),
	})
}

// handleCleanup handles POST /cleanup, discarding expired proposals.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instance string `json:"instance"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	instanceID, err := parseHash(req.Instance)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	removed, err := s.engine.CleanupExpired(instanceID, s.epoch())
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, len(removed))
	for i, id := range removed {
		ids[i] = id.String()
	}

	writeJSON(w, http.StatusOK, map[string]any{"removed": ids})
}

// handleDelegate handles POST /delegate. With a capability it mints a
// first-hop token; with a token it redelegates a narrower one.
func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capability  string `json:"capability,omitempty"`
		Token       string `json:"token,omitempty"`
		Permissions uint32 `json:"permissions"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	var (
		tok *capability.DelegationToken
		err error
	)

	if req.Token != "" {
		sourceID, perr := parseCapID(req.Token)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		tok, err = s.engine.Caps().Redelegate(sourceID, req.Permissions)
	} else {
		sourceID, perr := parseCapID(req.Capability)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		tok, err = s.engine.Caps().Delegate(sourceID, req.Permissions)
	}

	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":       tok.ID.String(),
		"permissions": tok.Permissions,
	})
}

// handleTokenRevoke handles POST /token/revoke.
func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	s.tokenOp(w, r, s.engine.Caps().Revoke, "revoked")
}

// handleTokenUnrevoke handles POST /token/unrevoke.
func (s *Server) handleTokenUnrevoke(w http.ResponseWriter, r *http.Request) {
	s.tokenOp(w, r, s.engine.Caps().Unrevoke, "active")
}

// handleTokenDestroy handles POST /token/destroy.
func (s *Server) handleTokenDestroy(w http.ResponseWriter, r *http.Request) {
	s.tokenOp(w, r, s.engine.Caps().Destroy, "destroyed")
}

// tokenOp runs one token lifecycle operation.
func (s *Server) tokenOp(w http.ResponseWriter, r *http.Request, op func(capability.ID) error, status string) {
	var req struct {
		Token string `json:"token"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	tokenID, err := parseCapID(req.Token)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := op(tokenID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleMigrate handles POST /migrate.
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LegacyID string `json:"legacyId"`
		Value    []byte `json:"value"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	if req.LegacyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "legacyId is required"})
		return
	}

	id, cap, err := s.migrations.Migrate(req.LegacyID, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"instance": id.String(),
		"capability": capabilityResponse{
			ID:     cap.ID.String(),
			Object: cap.GovernedObjectID.String(),
			Weight: cap.Weight,
		},
	})
}

// handleGetMigration handles GET /migration/{id}.
func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	legacyID := r.PathValue("id")

	id, ok, err := s.migrations.Lookup(legacyID)
	if err != nil {
		writeError(w, err)
		return
	}

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "legacy identifier not migrated"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"legacyId": legacyID,
		"instance": id.String(),
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": s.engine.Registry().Count(),
		"epoch":     s.epoch(),
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleSnapshot handles GET /snapshot, streaming the binary blob.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "snapshots not available"})
		return
	}

	blob, err := s.snapshot()
	if err != nil {
		logger.Error("snapshot export failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot export failed"})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// voteRequest is the shared shape of approve/unapprove/execute bodies.
type voteRequest struct {
	Capability string `json:"capability,omitempty"`
	Token      string `json:"token,omitempty"`
	Instance   string `json:"instance"`
	Proposal   string `json:"proposal"`
}

// ids parses the instance and proposal identifiers.
func (v voteRequest) ids() (governance.Hash, governance.Hash, error) {
	instanceID, err := parseHash(v.Instance)
	if err != nil {
		return governance.Hash{}, governance.Hash{}, fmt.Errorf("instance: %w", err)
	}

	proposalID, err := parseHash(v.Proposal)
	if err != nil {
		return governance.Hash{}, governance.Hash{}, fmt.Errorf("proposal: %w", err)
	}

	return instanceID, proposalID, nil
}

// decodeBody decodes a JSON request body. Writes the error response
// and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid json: %v", err)})
		return false
	}

	return true
}

// buildAction converts an action request into a typed action.
func buildAction(req actionRequest) (governance.Action, error) {
	switch req.Kind {
	case "update_value":
		return governance.UpdateValue(req.NewValue), nil

	case "config_change":
		cfg := governance.ConfigChangeAction{NewThreshold: req.NewThreshold}

		for _, g := range req.Add {
			recipient, err := parseHash(g.Recipient)
			if err != nil {
				return governance.Action{}, fmt.Errorf("add recipient: %w", err)
			}
			cfg.Add = append(cfg.Add, governance.ControllerGrant{Recipient: recipient, Weight: g.Weight})
		}

		for _, id := range req.Remove {
			capID, err := parseCapID(id)
			if err != nil {
				return governance.Action{}, fmt.Errorf("remove: %w", err)
			}
			cfg.Remove = append(cfg.Remove, capID)
		}

		for _, u := range req.Update {
			capID, err := parseCapID(u.Capability)
			if err != nil {
				return governance.Action{}, fmt.Errorf("update: %w", err)
			}
			cfg.Update = append(cfg.Update, governance.WeightUpdate{CapabilityID: capID, Weight: u.Weight})
		}

		return governance.ConfigChange(cfg), nil

	case "send":
		transfers := make([]governance.Transfer, 0, len(req.Transfers))

		for _, t := range req.Transfers {
			objectID, err := parseHash(t.ObjectID)
			if err != nil {
				return governance.Action{}, fmt.Errorf("transfer object: %w", err)
			}

			recipient, err := parseHash(t.Recipient)
			if err != nil {
				return governance.Action{}, fmt.Errorf("transfer recipient: %w", err)
			}

			transfers = append(transfers, governance.Transfer{ObjectID: objectID, Recipient: recipient})
		}

		return governance.Send(transfers...), nil

	case "borrow":
		ids := make([]governance.Hash, 0, len(req.ObjectIDs))

		for _, raw := range req.ObjectIDs {
			id, err := parseHash(raw)
			if err != nil {
				return governance.Action{}, fmt.Errorf("borrow object: %w", err)
			}
			ids = append(ids, id)
		}

		return governance.Borrow(ids...), nil

	case "deactivate":
		return governance.Deactivate(), nil

	case "controller_execution":
		target, err := parseHash(req.Target)
		if err != nil {
			return governance.Action{}, fmt.Errorf("target: %w", err)
		}
		return governance.ControllerExecution(target), nil

	case "upgrade":
		return governance.Upgrade(), nil

	default:
		return governance.Action{}, fmt.Errorf("unknown action kind %q", req.Kind)
	}
}

// capabilityResponses converts issued capabilities to their JSON shape.
func capabilityResponses(caps []*capability.ControllerCapability) []capabilityResponse {
	out := make([]capabilityResponse, len(caps))

	for i, c := range caps {
		out[i] = capabilityResponse{
			ID:     c.ID.String(),
			Object: c.GovernedObjectID.String(),
			Weight: c.Weight,
		}
	}

	return out
}

// parseHash decodes a hex-encoded 32-byte identifier.
func parseHash(s string) (governance.Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return governance.Hash{}, fmt.Errorf("invalid identifier %q", s)
	}

	if len(raw) != 32 {
		return governance.Hash{}, fmt.Errorf("identifier must be 32 bytes, got %d", len(raw))
	}

	var h governance.Hash
	copy(h[:], raw)

	return h, nil
}

// parseCapID decodes a hex-encoded capability or token identifier.
func parseCapID(s string) (capability.ID, error) {
	h, err := parseHash(s)
	if err != nil {
		return capability.ID{}, err
	}

	return capability.ID(h), nil
}
