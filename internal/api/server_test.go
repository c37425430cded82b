package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"Conclave/internal/capability"
	"Conclave/internal/governance"
	"Conclave/internal/migration"
	"Conclave/internal/predicate"
	"Conclave/internal/snapshot"
	"Conclave/internal/storage"
)

// newTestServer builds a server over a fresh engine with a fixed epoch.
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	instances, err := governance.NewRegistry(db)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	engine := governance.NewEngine(capability.NewStore(db), instances,
		governance.WithPredicate(predicate.MaxSize(1<<20)))

	opts = append([]Option{
		WithEpochSource(func() uint64 { return 100 }),
		WithSnapshot(func() ([]byte, error) { return snapshot.Export(db) }),
	}, opts...)

	return New("127.0.0.1:0", engine, migration.NewRegistry(db, engine), opts...)
}

// do runs one request against the handler and decodes the JSON response.
func do(t *testing.T, s *Server, method, path string, body any, out any) int {
	t.Helper()

	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}

	return rec.Code
}

// createInstance creates a governed instance and returns its ID and the
// controllers' capability IDs.
func createInstance(t *testing.T, s *Server, value []byte, weights []uint64, threshold uint64) (string, []string) {
	t.Helper()

	var resp struct {
		ID           string               `json:"id"`
		Capabilities []capabilityResponse `json:"capabilities"`
	}

	code := do(t, s, http.MethodPost, "/instance", map[string]any{
		"value":     value,
		"weights":   weights,
		"threshold": threshold,
	}, &resp)

	if code != http.StatusCreated {
		t.Fatalf("create instance: status %d", code)
	}

	capIDs := make([]string, len(resp.Capabilities))
	for i, c := range resp.Capabilities {
		capIDs[i] = c.ID
	}

	return resp.ID, capIDs
}

func TestInstanceLifecycle(t *testing.T) {
	s := newTestServer(t)

	instance, caps := createInstance(t, s, []byte("genesis"), []uint64{2, 1}, 3)

	// Create a proposal; the creator's weight 2 is below threshold 3.
	var created struct {
		Proposal   string `json:"proposal"`
		Executable bool   `json:"executable"`
	}

	code := do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability": caps[0],
		"instance":   instance,
		"action":     map[string]any{"kind": "update_value", "newValue": []byte("next")},
	}, &created)

	if code != http.StatusCreated {
		t.Fatalf("create proposal: status %d", code)
	}

	if created.Executable {
		t.Error("proposal executable below threshold")
	}

	// Premature execution conflicts.
	vote := map[string]any{
		"capability": caps[0],
		"instance":   instance,
		"proposal":   created.Proposal,
	}

	if code := do(t, s, http.MethodPost, "/execute", vote, nil); code != http.StatusConflict {
		t.Errorf("premature execute: status %d, want 409", code)
	}

	// Second controller approves.
	code = do(t, s, http.MethodPost, "/approve", map[string]any{
		"capability": caps[1],
		"instance":   instance,
		"proposal":   created.Proposal,
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("approve: status %d", code)
	}

	// Now the execute goes through.
	var executed struct {
		Action   string `json:"action"`
		Digest   string `json:"digest"`
		NewValue []byte `json:"newValue"`
	}

	if code := do(t, s, http.MethodPost, "/execute", vote, &executed); code != http.StatusOK {
		t.Fatalf("execute: status %d", code)
	}

	if executed.Action != "update_value" || !bytes.Equal(executed.NewValue, []byte("next")) {
		t.Errorf("executed %q value %q, want update_value/next", executed.Action, executed.NewValue)
	}

	if executed.Digest == "" {
		t.Error("execution digest missing")
	}

	// The instance reflects the new value and version.
	var info struct {
		Value       []byte   `json:"value"`
		Version     uint64   `json:"version"`
		Deactivated bool     `json:"deactivated"`
		Proposals   []string `json:"proposals"`
	}

	if code := do(t, s, http.MethodGet, "/instance/"+instance, nil, &info); code != http.StatusOK {
		t.Fatalf("get instance: status %d", code)
	}

	if !bytes.Equal(info.Value, []byte("next")) || info.Version != 2 {
		t.Errorf("instance value %q version %d, want next/2", info.Value, info.Version)
	}

	if len(info.Proposals) != 0 {
		t.Error("executed proposal still listed")
	}
}

func TestUnapprove(t *testing.T) {
	s := newTestServer(t)

	instance, caps := createInstance(t, s, nil, []uint64{1, 1}, 2)

	var created struct {
		Proposal string `json:"proposal"`
	}

	do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability": caps[0],
		"instance":   instance,
		"action":     map[string]any{"kind": "upgrade"},
	}, &created)

	do(t, s, http.MethodPost, "/approve", map[string]any{
		"capability": caps[1],
		"instance":   instance,
		"proposal":   created.Proposal,
	}, nil)

	code := do(t, s, http.MethodPost, "/unapprove", map[string]any{
		"capability": caps[1],
		"instance":   instance,
		"proposal":   created.Proposal,
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("unapprove: status %d", code)
	}

	// Retracting again conflicts.
	code = do(t, s, http.MethodPost, "/unapprove", map[string]any{
		"capability": caps[1],
		"instance":   instance,
		"proposal":   created.Proposal,
	}, nil)
	if code != http.StatusConflict {
		t.Errorf("double unapprove: status %d, want 409", code)
	}
}

func TestProposalByOutsiderForbidden(t *testing.T) {
	s := newTestServer(t)

	instance, _ := createInstance(t, s, nil, []uint64{1}, 1)
	_, otherCaps := createInstance(t, s, nil, []uint64{1}, 1)

	code := do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability": otherCaps[0],
		"instance":   instance,
		"action":     map[string]any{"kind": "upgrade"},
	}, nil)
	if code != http.StatusForbidden {
		t.Errorf("outsider proposal: status %d, want 403", code)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	s := newTestServer(t)

	missing := make([]byte, 32)
	missing[0] = 0xAA

	code := do(t, s, http.MethodGet, "/instance/"+hexString(missing), nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("status %d, want 404", code)
	}

	// Malformed identifier is a bad request, not a lookup miss.
	if code := do(t, s, http.MethodGet, "/instance/zzzz", nil, nil); code != http.StatusBadRequest {
		t.Errorf("malformed id: status %d, want 400", code)
	}
}

func TestDelegateAndTokenFlow(t *testing.T) {
	s := newTestServer(t)

	instance, caps := createInstance(t, s, nil, []uint64{1}, 1)

	var delegated struct {
		Token string `json:"token"`
	}

	code := do(t, s, http.MethodPost, "/delegate", map[string]any{
		"capability":  caps[0],
		"permissions": capability.PermPropose | capability.PermApprove | capability.PermExecute,
	}, &delegated)
	if code != http.StatusCreated {
		t.Fatalf("delegate: status %d", code)
	}

	// The token proposes and executes on the holder's behalf.
	var created struct {
		Proposal string `json:"proposal"`
	}

	code = do(t, s, http.MethodPost, "/proposal", map[string]any{
		"token":    delegated.Token,
		"instance": instance,
		"action":   map[string]any{"kind": "upgrade"},
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("proposal via token: status %d", code)
	}

	code = do(t, s, http.MethodPost, "/execute", map[string]any{
		"token":    delegated.Token,
		"instance": instance,
		"proposal": created.Proposal,
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("execute via token: status %d", code)
	}

	// Revoked tokens are refused, unrevoked ones work again.
	if code := do(t, s, http.MethodPost, "/token/revoke", map[string]any{"token": delegated.Token}, nil); code != http.StatusOK {
		t.Fatalf("revoke: status %d", code)
	}

	code = do(t, s, http.MethodPost, "/proposal", map[string]any{
		"token":    delegated.Token,
		"instance": instance,
		"action":   map[string]any{"kind": "upgrade"},
	}, nil)
	if code != http.StatusForbidden {
		t.Errorf("revoked token proposal: status %d, want 403", code)
	}

	if code := do(t, s, http.MethodPost, "/token/unrevoke", map[string]any{"token": delegated.Token}, nil); code != http.StatusOK {
		t.Fatalf("unrevoke: status %d", code)
	}

	// Destroyed tokens are gone for good.
	if code := do(t, s, http.MethodPost, "/token/destroy", map[string]any{"token": delegated.Token}, nil); code != http.StatusOK {
		t.Fatalf("destroy: status %d", code)
	}

	if code := do(t, s, http.MethodPost, "/token/revoke", map[string]any{"token": delegated.Token}, nil); code != http.StatusNotFound {
		t.Errorf("revoke destroyed token: status %d, want 404", code)
	}
}

func TestDelegateWithoutPermissionBit(t *testing.T) {
	s := newTestServer(t)

	_, caps := createInstance(t, s, nil, []uint64{1}, 1)

	var delegated struct {
		Token string `json:"token"`
	}

	do(t, s, http.MethodPost, "/delegate", map[string]any{
		"capability":  caps[0],
		"permissions": capability.PermPropose,
	}, &delegated)

	// Redelegation needs the delegate bit on the source token.
	code := do(t, s, http.MethodPost, "/delegate", map[string]any{
		"token":       delegated.Token,
		"permissions": capability.PermPropose,
	}, nil)
	if code != http.StatusForbidden {
		t.Errorf("redelegate without delegate bit: status %d, want 403", code)
	}
}

func TestConfigChangeOverAPI(t *testing.T) {
	s := newTestServer(t)

	instance, caps := createInstance(t, s, nil, []uint64{1}, 1)

	recipient := make([]byte, 32)
	recipient[0] = 0x42

	var created struct {
		Proposal string `json:"proposal"`
	}

	do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability": caps[0],
		"instance":   instance,
		"action": map[string]any{
			"kind": "config_change",
			"add":  []map[string]any{{"recipient": hexString(recipient), "weight": 1}},
		},
	}, &created)

	var executed struct {
		Issued []struct {
			Capability string `json:"capability"`
			Recipient  string `json:"recipient"`
		} `json:"issued"`
	}

	code := do(t, s, http.MethodPost, "/execute", map[string]any{
		"capability": caps[0],
		"instance":   instance,
		"proposal":   created.Proposal,
	}, &executed)
	if code != http.StatusOK {
		t.Fatalf("execute config change: status %d", code)
	}

	if len(executed.Issued) != 1 || executed.Issued[0].Recipient != hexString(recipient) {
		t.Fatalf("issued = %+v, want one grant for the recipient", executed.Issued)
	}

	// The issued capability is a working controller.
	code = do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability": executed.Issued[0].Capability,
		"instance":   instance,
		"action":     map[string]any{"kind": "upgrade"},
	}, nil)
	if code != http.StatusCreated {
		t.Errorf("proposal with issued capability: status %d", code)
	}
}

func TestCleanupExpired(t *testing.T) {
	s := newTestServer(t)

	instance, caps := createInstance(t, s, nil, []uint64{1}, 1)

	// The test epoch is fixed at 100; an expiration of 50 is long past.
	var created struct {
		Proposal string `json:"proposal"`
	}

	do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability":      caps[0],
		"instance":        instance,
		"action":          map[string]any{"kind": "upgrade"},
		"expirationEpoch": 50,
	}, &created)

	var cleaned struct {
		Removed []string `json:"removed"`
	}

	code := do(t, s, http.MethodPost, "/cleanup", map[string]any{"instance": instance}, &cleaned)
	if code != http.StatusOK {
		t.Fatalf("cleanup: status %d", code)
	}

	if len(cleaned.Removed) != 1 || cleaned.Removed[0] != created.Proposal {
		t.Errorf("removed = %v, want the expired proposal", cleaned.Removed)
	}
}

func TestMigrateOverAPI(t *testing.T) {
	s := newTestServer(t)

	var migrated struct {
		Instance   string             `json:"instance"`
		Capability capabilityResponse `json:"capability"`
	}

	code := do(t, s, http.MethodPost, "/migrate", map[string]any{
		"legacyId": "legacy-7",
		"value":    []byte("carried over"),
	}, &migrated)
	if code != http.StatusCreated {
		t.Fatalf("migrate: status %d", code)
	}

	if migrated.Capability.Weight != 1 {
		t.Errorf("capability weight = %d, want 1", migrated.Capability.Weight)
	}

	// Lookup resolves the binding.
	var lookup struct {
		Instance string `json:"instance"`
	}

	if code := do(t, s, http.MethodGet, "/migration/legacy-7", nil, &lookup); code != http.StatusOK {
		t.Fatalf("lookup: status %d", code)
	}

	if lookup.Instance != migrated.Instance {
		t.Error("lookup resolved a different instance")
	}

	// Repeat migration conflicts; unknown lookups miss.
	code = do(t, s, http.MethodPost, "/migrate", map[string]any{
		"legacyId": "legacy-7",
		"value":    []byte("again"),
	}, nil)
	if code != http.StatusConflict {
		t.Errorf("repeat migrate: status %d, want 409", code)
	}

	if code := do(t, s, http.MethodGet, "/migration/unknown", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown lookup: status %d, want 404", code)
	}
}

func TestStatusAndHealth(t *testing.T) {
	s := newTestServer(t)

	createInstance(t, s, nil, []uint64{1}, 1)

	var status struct {
		Instances int    `json:"instances"`
		Epoch     uint64 `json:"epoch"`
	}

	if code := do(t, s, http.MethodGet, "/status", nil, &status); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}

	if status.Instances != 1 || status.Epoch != 100 {
		t.Errorf("status = %+v, want 1 instance at epoch 100", status)
	}

	if code := do(t, s, http.MethodGet, "/health", nil, nil); code != http.StatusOK {
		t.Errorf("health: status %d", code)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	s := newTestServer(t)

	createInstance(t, s, []byte("state"), []uint64{1}, 1)

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: status %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}

	// The blob imports into a fresh store.
	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer db.Close()

	n, err := snapshot.Import(db, rec.Body.Bytes())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if n == 0 {
		t.Error("snapshot carried no entries")
	}
}

func TestSendOverAPI(t *testing.T) {
	forwarded := 0

	s := newTestServer(t, WithDeliveryForwarder(func(ds []governance.Delivery) {
		forwarded += len(ds)
	}))

	sender, caps := createInstance(t, s, nil, []uint64{1}, 1)
	receiver, _ := createInstance(t, s, nil, []uint64{1}, 1)

	// Place an asset into the sender's inbox directly through the engine;
	// asset intake arrives via the relay, not the HTTP surface.
	senderID, err := parseHash(sender)
	if err != nil {
		t.Fatalf("parseHash: %v", err)
	}

	var assetID governance.Hash
	assetID[0] = 0x0A

	if err := s.engine.Deposit(senderID, &governance.Asset{ID: assetID, Data: []byte("cargo")}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	var created struct {
		Proposal string `json:"proposal"`
	}

	code := do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability": caps[0],
		"instance":   sender,
		"action": map[string]any{
			"kind": "send",
			"transfers": []map[string]any{
				{"objectId": assetID.String(), "recipient": receiver},
			},
		},
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("send proposal: status %d", code)
	}

	var sent struct {
		Action    string `json:"action"`
		Delivered int    `json:"delivered"`
		Forwarded int    `json:"forwarded"`
	}

	code = do(t, s, http.MethodPost, "/execute", map[string]any{
		"capability": caps[0],
		"instance":   sender,
		"proposal":   created.Proposal,
	}, &sent)
	if code != http.StatusOK {
		t.Fatalf("execute send: status %d", code)
	}

	if sent.Action != "send" || sent.Delivered != 1 || sent.Forwarded != 0 {
		t.Errorf("send result = %+v, want one local delivery", sent)
	}

	if forwarded != 0 {
		t.Error("local delivery hit the forwarder")
	}

	// The asset landed in the receiver's inbox.
	receiverID, err := parseHash(receiver)
	if err != nil {
		t.Fatalf("parseHash: %v", err)
	}

	m, err := s.engine.Registry().Get(receiverID)
	if err != nil {
		t.Fatalf("Get receiver: %v", err)
	}

	if _, ok := m.InboxAsset(assetID); !ok {
		t.Error("asset not in receiver inbox")
	}
}

func TestSendForwardsExternal(t *testing.T) {
	var captured []governance.Delivery

	s := newTestServer(t, WithDeliveryForwarder(func(ds []governance.Delivery) {
		captured = append(captured, ds...)
	}))

	sender, caps := createInstance(t, s, nil, []uint64{1}, 1)

	senderID, err := parseHash(sender)
	if err != nil {
		t.Fatalf("parseHash: %v", err)
	}

	var assetID, remote governance.Hash
	assetID[0] = 0x0B
	remote[0] = 0xEE

	if err := s.engine.Deposit(senderID, &governance.Asset{ID: assetID}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	var created struct {
		Proposal string `json:"proposal"`
	}

	do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability": caps[0],
		"instance":   sender,
		"action": map[string]any{
			"kind": "send",
			"transfers": []map[string]any{
				{"objectId": assetID.String(), "recipient": remote.String()},
			},
		},
	}, &created)

	var sent struct {
		Forwarded int `json:"forwarded"`
	}

	code := do(t, s, http.MethodPost, "/execute", map[string]any{
		"capability": caps[0],
		"instance":   sender,
		"proposal":   created.Proposal,
	}, &sent)
	if code != http.StatusOK {
		t.Fatalf("execute send: status %d", code)
	}

	if sent.Forwarded != 1 || len(captured) != 1 {
		t.Fatalf("forwarded %d captured %d, want 1/1", sent.Forwarded, len(captured))
	}

	if captured[0].Recipient != remote || captured[0].Asset.ID != assetID {
		t.Error("forwarded delivery does not match the transfer")
	}
}

func TestInvalidBodies(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/instance", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("broken json: status %d, want 400", rec.Code)
	}

	// Unknown action kinds are rejected before touching the engine.
	instance, caps := createInstance(t, s, nil, []uint64{1}, 1)

	code := do(t, s, http.MethodPost, "/proposal", map[string]any{
		"capability": caps[0],
		"instance":   instance,
		"action":     map[string]any{"kind": "explode"},
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("unknown action kind: status %d, want 400", code)
	}
}

// hexString formats raw ID bytes the way the API expects them.
func hexString(raw []byte) string {
	var h governance.Hash
	copy(h[:], raw)
	return h.String()
}
