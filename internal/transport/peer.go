package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Conclave/internal/logger"
)

// Peer is a connection to a remote relay node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	relay     *Relay            // relay is the parent relay
	closed    atomic.Bool       // closed indicates if the peer is closed
	mu        sync.Mutex        // mu protects send operations
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// SendDelivery sends a delivery payload on a new unidirectional stream.
func (p *Peer) SendDelivery(payload []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(stream, frameDelivery, payload); err != nil {
		stream.Close()
		return fmt.Errorf("write delivery:\n%w", err)
	}

	return stream.Close()
}

// FetchSnapshot requests a full state snapshot from the peer over a
// bidirectional stream.
func (p *Peer) FetchSnapshot(ctx context.Context) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, frameSnapshotRequest, nil); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	_, blob, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read snapshot:\n%w", err)
	}

	return blob, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams until the connection drops.
func (p *Peer) receiveLoop() {
	go p.acceptBidiStreams(context.Background())

	for {
		stream, err := p.conn.AcceptUniStream(context.Background())
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts bidirectional streams for snapshot fetches.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream serves one snapshot request.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	frameType, _, err := readFrame(stream)
	if err != nil {
		return
	}

	if frameType != frameSnapshotRequest {
		return
	}

	blob, err := p.relay.handleSnapshotRequest()
	if err != nil {
		logger.Warn("snapshot request failed", "peer", p.address, "error", err)
		return
	}

	writeFrame(stream, frameSnapshotRequest, blob)
}

// handleUniStream reads one delivery frame.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	frameType, payload, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	if frameType != frameDelivery {
		logger.Debug("unexpected frame type", "peer", p.address, "type", frameType)
		return
	}

	p.relay.handleDelivery(p, payload)
}

// handleDisconnect removes the peer from the relay.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return // Already closed
	}

	p.relay.dropPeer(p)
}
