package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Conclave/internal/api"
	"Conclave/internal/attest"
	"Conclave/internal/capability"
	"Conclave/internal/governance"
	"Conclave/internal/logger"
	"Conclave/internal/migration"
	"Conclave/internal/predicate"
	"Conclave/internal/snapshot"
	"Conclave/internal/storage"
	"Conclave/internal/transport"
)

const (
	// maxValueSize caps controlled values when no WASM predicate is set.
	maxValueSize = 1 << 20 // 1 MB

	// syncTimeout bounds the startup snapshot fetch.
	syncTimeout = 60 * time.Second
)

// Node is a running Conclave node.
type Node struct {
	cfg        *Config
	storage    *storage.Storage
	caps       *capability.Store
	engine     *governance.Engine
	migrations *migration.Registry
	predicates *predicate.Pool
	relay      *transport.Relay
	api        *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initRelay(); err != nil {
		n.Close()
		return nil, err
	}

	if cfg.SyncFrom != "" {
		if err := n.syncFromPeer(); err != nil {
			n.Close()
			return nil, err
		}
	}

	if err := n.initEngine(); err != nil {
		n.Close()
		return nil, err
	}

	n.wireRelay()
	n.initAPI()

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initRelay initializes the QUIC asset relay.
func (n *Node) initRelay() error {
	relay, err := transport.NewRelay(n.cfg.PrivateKey, n.cfg.QUICAddress)
	if err != nil {
		return fmt.Errorf("init relay:\n%w", err)
	}

	n.relay = relay

	return nil
}

// syncFromPeer imports a state snapshot from a remote relay before the
// engine loads. Must run before initEngine: the registry reads all
// instances from storage at construction.
func (n *Node) syncFromPeer() error {
	peer, err := n.relay.Connect(n.cfg.SyncFrom)
	if err != nil {
		return fmt.Errorf("connect to sync peer:\n%w", err)
	}

	logger.Info("fetching snapshot", "peer", n.cfg.SyncFrom)

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	blob, err := peer.FetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetch snapshot:\n%w", err)
	}

	count, err := snapshot.Import(n.storage, blob)
	if err != nil {
		return fmt.Errorf("import snapshot:\n%w", err)
	}

	logger.Info("snapshot imported", "entries", count, "bytes", len(blob))

	return nil
}

// initEngine builds the predicate, the capability store, the instance
// registry, and the governance engine on top of storage.
func (n *Node) initEngine() error {
	pred, err := n.buildPredicate()
	if err != nil {
		return err
	}

	attestor, err := attest.FromED25519(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("init attestor:\n%w", err)
	}

	n.caps = capability.NewStore(n.storage)

	registry, err := governance.NewRegistry(n.storage)
	if err != nil {
		return fmt.Errorf("load instance registry:\n%w", err)
	}

	n.engine = governance.NewEngine(n.caps, registry,
		governance.WithPredicate(pred),
		governance.WithAttestor(attestor),
	)

	n.migrations = migration.NewRegistry(n.storage, n.engine)

	return nil
}

// buildPredicate loads the WASM validity predicate when configured,
// falling back to a plain size check.
func (n *Node) buildPredicate() (predicate.Predicate, error) {
	if n.cfg.PredicatePath == "" {
		return predicate.MaxSize(maxValueSize), nil
	}

	wasmBytes, err := os.ReadFile(n.cfg.PredicatePath)
	if err != nil {
		return nil, fmt.Errorf("read predicate WASM:\n%w", err)
	}

	pool := predicate.NewPool()

	id, err := pool.Load(wasmBytes)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load predicate WASM:\n%w", err)
	}

	n.predicates = pool

	logger.Info("validity predicate loaded", "module", fmt.Sprintf("%x", id[:8]))

	return pool.Predicate(id), nil
}

// wireRelay hooks inbound deliveries and snapshot serving to the engine.
func (n *Node) wireRelay() {
	n.relay.OnDelivery(func(from ed25519.PublicKey, payload []byte) {
		if err := n.handleDelivery(payload); err != nil {
			logger.Warn("delivery rejected", "error", err)
		}
	})

	n.relay.OnSnapshotRequest(func() ([]byte, error) {
		return snapshot.Export(n.storage)
	})
}

// initAPI creates the HTTP API server.
func (n *Node) initAPI() {
	epochSeconds := n.cfg.EpochSeconds
	if epochSeconds == 0 {
		epochSeconds = 1
	}

	n.api = api.New(n.cfg.HTTPAddress, n.engine, n.migrations,
		api.WithSnapshot(func() ([]byte, error) {
			return snapshot.Export(n.storage)
		}),
		api.WithEpochSource(func() uint64 {
			return uint64(time.Now().Unix()) / epochSeconds
		}),
		api.WithDeliveryForwarder(n.forwardDeliveries),
	)
}

// Run starts the relay and the API and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.relay.Start(); err != nil {
		return fmt.Errorf("start relay:\n%w", err)
	}

	for _, addr := range n.cfg.Peers {
		if _, err := n.relay.Connect(addr); err != nil {
			logger.Warn("peer connection failed", "addr", addr, "error", err)
		}
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.relay != nil {
		n.relay.Close()
	}

	if n.predicates != nil {
		n.predicates.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
