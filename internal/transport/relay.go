// Package transport moves asset deliveries and state snapshots between
// relay nodes over QUIC. Peers authenticate with self-signed ed25519
// certificates; the embedded public key is the peer identity.
// Deliveries travel on unidirectional streams and are deduplicated,
// snapshot fetches use a bidirectional request/response stream.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Conclave/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "conclave/1"

	// defaultRequestTimeout bounds snapshot fetches without a deadline.
	defaultRequestTimeout = 30 * time.Second
)

// DeliveryHandler processes an incoming asset delivery payload.
type DeliveryHandler func(from ed25519.PublicKey, payload []byte)

// SnapshotProvider produces a state snapshot blob for a requesting peer.
type SnapshotProvider func() ([]byte, error)

// Relay is a QUIC endpoint that exchanges deliveries and snapshots
// with other relay nodes.
type Relay struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers map

	dedup *dedup // dedup filters redundant delivery frames

	onDelivery DeliveryHandler  // onDelivery handles incoming deliveries
	onSnapshot SnapshotProvider // onSnapshot serves snapshot requests
	handlersMu sync.RWMutex     // handlersMu protects handlers

	ctx    context.Context    // ctx is the relay's context
	cancel context.CancelFunc // cancel cancels the relay's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewRelay creates a relay from an ed25519 key and a listen address.
func NewRelay(privateKey ed25519.PrivateKey, listenAddr string) (*Relay, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if listenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := selfSignedCert(privateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // Peer identity is the embedded public key
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		listenAddr: listenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		peers:      make(map[string]*Peer),
		dedup:      newDedup(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the relay's public key.
func (r *Relay) PublicKey() ed25519.PublicKey {
	return r.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (r *Relay) Addr() string {
	if r.listener == nil {
		return ""
	}

	return r.listener.Addr().String()
}

// OnDelivery sets the handler called for each new incoming delivery.
func (r *Relay) OnDelivery(fn DeliveryHandler) {
	r.handlersMu.Lock()
	r.onDelivery = fn
	r.handlersMu.Unlock()
}

// OnSnapshotRequest sets the provider serving peer snapshot fetches.
func (r *Relay) OnSnapshotRequest(fn SnapshotProvider) {
	r.handlersMu.Lock()
	r.onSnapshot = fn
	r.handlersMu.Unlock()
}

// Start starts listening and accepting peer connections.
func (r *Relay) Start() error {
	listener, err := quic.ListenAddr(r.listenAddr, r.tlsConfig, r.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	r.listener = listener

	r.wg.Add(1)
	go r.acceptLoop()

	logger.Info("relay listening", "addr", listener.Addr().String())

	return nil
}

// Connect dials a remote relay at the given address.
func (r *Relay) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(r.ctx, addr, r.tlsConfig, r.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	peer, err := r.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns all connected peers.
func (r *Relay) Peers() []*Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}

	return peers
}

// Peer returns the peer for the given public key, or nil if not connected.
func (r *Relay) Peer(pubKey ed25519.PublicKey) *Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()

	return r.peers[hex.EncodeToString(pubKey)]
}

// Broadcast sends a delivery payload to all connected peers.
func (r *Relay) Broadcast(payload []byte) error {
	var lastErr error

	for _, p := range r.Peers() {
		if err := p.SendDelivery(payload); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Close stops the relay and closes all peer connections.
func (r *Relay) Close() error {
	r.cancel()

	if r.listener != nil {
		r.listener.Close()
	}

	r.peersMu.Lock()
	for _, p := range r.peers {
		p.Close()
	}
	r.peers = make(map[string]*Peer)
	r.peersMu.Unlock()

	r.dedup.close()
	r.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (r *Relay) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept(r.ctx)
		if err != nil {
			return // Listener closed
		}

		go func() {
			if _, err := r.setupPeer(conn, conn.RemoteAddr().String()); err != nil {
				conn.CloseWithError(1, "setup failed")
			}
		}()
	}
}

// setupPeer creates a Peer from a QUIC connection and starts its
// receive loops.
func (r *Relay) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := peerPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		relay:     r,
	}

	r.peersMu.Lock()
	r.peers[hex.EncodeToString(pubKey)] = peer
	r.peersMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		peer.receiveLoop()
	}()

	logger.Debug("peer connected", "addr", addr, "pubkey", fmt.Sprintf("%x", pubKey[:8]))

	return peer, nil
}

// dropPeer removes a disconnected peer from the peer map.
func (r *Relay) dropPeer(p *Peer) {
	r.peersMu.Lock()
	delete(r.peers, hex.EncodeToString(p.publicKey))
	r.peersMu.Unlock()

	logger.Debug("peer disconnected", "addr", p.address)
}

// handleDelivery filters duplicates and dispatches a delivery payload.
func (r *Relay) handleDelivery(p *Peer, payload []byte) {
	if !r.dedup.check(payload) {
		logger.Debug("dedup filtered", "peer", p.address, "bytes", len(payload))
		return
	}

	r.handlersMu.RLock()
	fn := r.onDelivery
	r.handlersMu.RUnlock()

	if fn != nil {
		fn(p.publicKey, payload)
	}
}

// handleSnapshotRequest serves a peer's snapshot fetch.
func (r *Relay) handleSnapshotRequest() ([]byte, error) {
	r.handlersMu.RLock()
	fn := r.onSnapshot
	r.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no snapshot provider registered")
	}

	return fn()
}
