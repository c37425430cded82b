// Package api exposes the governance engine over HTTP. Identifiers are
// hex-encoded 32-byte hashes, byte values travel base64-encoded in JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"Conclave/internal/capability"
	"Conclave/internal/governance"
	"Conclave/internal/logger"
	"Conclave/internal/migration"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB
)

// SnapshotProvider produces a full state snapshot blob.
type SnapshotProvider func() ([]byte, error)

// DeliveryForwarder relays externally addressed deliveries, e.g. send
// recipients hosted on other nodes.
type DeliveryForwarder func([]governance.Delivery)

// EpochSource reports the current epoch for proposal expiration.
type EpochSource func() uint64

// Server is the HTTP API server.
type Server struct {
	addr       string               // addr is the HTTP listen address
	engine     *governance.Engine   // engine is the governance engine
	migrations *migration.Registry  // migrations performs legacy migrations
	snapshot   SnapshotProvider     // snapshot serves GET /snapshot
	forward    DeliveryForwarder    // forward relays external deliveries
	epoch      EpochSource          // epoch supplies the current epoch
	server     *http.Server         // server is the underlying HTTP server
}

// Option configures a Server.
type Option func(*Server)

// WithSnapshot sets the snapshot provider.
func WithSnapshot(fn SnapshotProvider) Option {
	return func(s *Server) {
		s.snapshot = fn
	}
}

// WithDeliveryForwarder sets the forwarder for external deliveries.
func WithDeliveryForwarder(fn DeliveryForwarder) Option {
	return func(s *Server) {
		s.forward = fn
	}
}

// WithEpochSource sets the epoch source. Defaults to unix seconds.
func WithEpochSource(fn EpochSource) Option {
	return func(s *Server) {
		s.epoch = fn
	}
}

// New creates a new HTTP API server.
func New(addr string, engine *governance.Engine, migrations *migration.Registry, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		engine:     engine,
		migrations: migrations,
		epoch:      func() uint64 { return uint64(time.Now().Unix()) },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /instance", s.handleCreateInstance)
	mux.HandleFunc("GET /instance/{id}", s.handleGetInstance)
	mux.HandleFunc("POST /proposal", s.handleCreateProposal)
	mux.HandleFunc("POST /approve", s.handleApprove)
	mux.HandleFunc("POST /unapprove", s.handleUnapprove)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("POST /delegate", s.handleDelegate)
	mux.HandleFunc("POST /token/revoke", s.handleTokenRevoke)
	mux.HandleFunc("POST /token/unrevoke", s.handleTokenUnrevoke)
	mux.HandleFunc("POST /token/destroy", s.handleTokenDestroy)
	mux.HandleFunc("POST /migrate", s.handleMigrate)
	mux.HandleFunc("GET /migration/{id}", s.handleGetMigration)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with a status derived from the
// engine sentinel when one matches.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{
		"error": err.Error(),
	})
}

// errorStatus maps engine sentinels to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, governance.ErrInstanceNotFound),
		errors.Is(err, governance.ErrProposalNotFound),
		errors.Is(err, governance.ErrObjectNotFound),
		errors.Is(err, capability.ErrCapabilityNotFound),
		errors.Is(err, capability.ErrTokenNotFound):
		return http.StatusNotFound

	case errors.Is(err, governance.ErrInvalidController),
		errors.Is(err, capability.ErrPermissionDenied),
		errors.Is(err, capability.ErrRevokedCapability),
		errors.Is(err, capability.ErrExcessPermissions):
		return http.StatusForbidden

	case errors.Is(err, governance.ErrControllerAlreadyVoted),
		errors.Is(err, governance.ErrNotVotedYet),
		errors.Is(err, governance.ErrThresholdNotReached),
		errors.Is(err, governance.ErrExpiredProposal),
		errors.Is(err, governance.ErrDeactivated),
		errors.Is(err, migration.ErrAlreadyMigrated):
		return http.StatusConflict

	case errors.Is(err, governance.ErrInvalidThreshold),
		errors.Is(err, governance.ErrInvalidControllersList),
		errors.Is(err, governance.ErrInvalidControlledValue),
		errors.Is(err, migration.ErrNotAGovernedValue),
		errors.Is(err, capability.ErrInvalidWeight):
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}
