package integration

import (
	"crypto/ed25519"
	"net/http/httptest"
	"strings"
	"testing"

	"Conclave/client"
	"Conclave/internal/api"
	"Conclave/internal/capability"
	"Conclave/internal/governance"
	"Conclave/internal/migration"
	"Conclave/internal/predicate"
	"Conclave/internal/snapshot"
	"Conclave/internal/storage"
	"Conclave/internal/transport"
)

// testNode is a full in-process node: storage, engine, relay, HTTP API.
type testNode struct {
	db         *storage.Storage
	engine     *governance.Engine
	migrations *migration.Registry
	relay      *transport.Relay
	httpServer *httptest.Server
	client     *client.Client
	epoch      uint64
}

// startNode brings up a node with the HTTP API on an ephemeral port and
// the relay listening on localhost QUIC.
func startNode(t *testing.T) *testNode {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	instances, err := governance.NewRegistry(db)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	engine := governance.NewEngine(capability.NewStore(db), instances,
		governance.WithPredicate(predicate.MaxSize(1<<20)))

	migrations := migration.NewRegistry(db, engine)

	_, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	relay, err := transport.NewRelay(privKey, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}

	n := &testNode{
		db:         db,
		engine:     engine,
		migrations: migrations,
		relay:      relay,
		epoch:      100,
	}

	// Incoming relay deliveries land in local instance inboxes; a
	// delivery for an unknown instance is dropped, matching the node.
	relay.OnDelivery(func(from ed25519.PublicKey, payload []byte) {
		d, err := governance.DecodeDelivery(payload)
		if err != nil {
			return
		}

		_ = engine.Deposit(d.Recipient, d.Asset)
	})

	relay.OnSnapshotRequest(func() ([]byte, error) {
		return snapshot.Export(db)
	})

	if err := relay.Start(); err != nil {
		t.Fatalf("relay.Start: %v", err)
	}

	server := api.New("127.0.0.1:0", engine, migrations,
		api.WithEpochSource(func() uint64 { return n.epoch }),
		api.WithSnapshot(func() ([]byte, error) { return snapshot.Export(db) }),
		api.WithDeliveryForwarder(func(ds []governance.Delivery) {
			for _, d := range ds {
				payload, err := d.Encode()
				if err != nil {
					continue
				}
				_ = relay.Broadcast(payload)
			}
		}),
	)

	n.httpServer = httptest.NewServer(server.Handler())
	n.client = client.New(strings.TrimPrefix(n.httpServer.URL, "http://"))

	t.Cleanup(func() {
		n.httpServer.Close()
		relay.Close()
		db.Close()
	})

	return n
}

// connect dials node b's relay from node a and waits for the peer.
func connect(t *testing.T, a, b *testNode) *transport.Peer {
	t.Helper()

	peer, err := a.relay.Connect(b.relay.Addr())
	if err != nil {
		t.Fatalf("relay.Connect: %v", err)
	}

	return peer
}
