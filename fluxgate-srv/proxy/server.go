package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/fluxgate/fluxgate/fluxgate-srv/config"
	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
	"github.com/fluxgate/fluxgate/fluxgate-srv/policy"
	"github.com/fluxgate/fluxgate/fluxgate-srv/ratelimit"
	"github.com/fluxgate/fluxgate/fluxgate-srv/stats"
)

// Server accepts client connections and proxies them, one goroutine per
// connection.
type Server struct {
	listenAddress  string
	maxConnections int
	headerTimeout  time.Duration
	idleTimeout    time.Duration
	connectTimeout time.Duration

	policy      *policy.AccessPolicy
	limiter     *ratelimit.Limiter
	collector   stats.Collector
	accumulator *stats.Accumulator
	dialer      *Dialer

	mu       sync.Mutex
	listener net.Listener
	started  bool

	wg sync.WaitGroup
}

// NewServer wires a proxy server from its parts. The caller owns the
// lifecycle of the limiter and collector.
func NewServer(cfg *config.Config, pol *policy.AccessPolicy, limiter *ratelimit.Limiter,
	collector stats.Collector, accumulator *stats.Accumulator,
) *Server {
	return &Server{
		listenAddress:  cfg.ListenAddress,
		maxConnections: cfg.MaxConnections,
		headerTimeout:  time.Duration(cfg.HeaderTimeoutSeconds) * time.Second,
		idleTimeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		connectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		policy:         pol,
		limiter:        limiter,
		collector:      collector,
		accumulator:    accumulator,
		dialer:         &Dialer{Timeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second},
	}
}

// Start listens on the configured address and serves until Stop is called.
// It blocks for the lifetime of the listener.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddress, err)
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on a caller-provided listener. Tests use this
// with an ephemeral port.
func (s *Server) StartWithListener(ln net.Listener) error {
	if s.maxConnections > 0 {
		ln = netutil.LimitListener(ln, s.maxConnections)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("server already started")
	}
	s.listener = ln
	s.started = true
	s.mu.Unlock()

	logger.Info("Proxy listening on %s (max %d connections)", ln.Addr(), s.maxConnections)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			logger.Error("Accept failed: %v", err)
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// UpdateBlocklist swaps in a new blocklist without restarting the server.
func (s *Server) UpdateBlocklist(cfg *config.BlocklistConfig) error {
	return s.policy.Reload(cfg.Patterns, cfg.File)
}

// Stop closes the listener and waits for in-flight connections, bounded by
// ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !isClosedConnError(err) {
			logger.Error("Error closing listener: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All connections drained")
		return nil
	case <-ctx.Done():
		logger.Warn("Shutdown timed out with connections still open")
		return ctx.Err()
	}
}

// isClosedConnError reports whether err is the routine error produced by
// operations on a connection or listener that was closed.
func isClosedConnError(err error) bool {
	return err != nil && errors.Is(err, net.ErrClosed)
}
