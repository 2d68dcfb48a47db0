// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/metrics"
	"github.com/absmach/lwm2m/pkg/ratelimit"
	"github.com/google/uuid"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxFrameSize bounds a single CoAP over TCP message.
	DefaultMaxFrameSize = 1 << 20

	// DefaultWriteTimeout bounds a single write to a peer.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrUnknownSession is returned by Send for a connection that is gone.
	ErrUnknownSession = errors.New("unknown session")
)

// Engine consumes stream frames. The CoAP engine implements it.
type Engine interface {
	HandlePacket(ctx context.Context, b []byte, sess *handler.Context) error
	Hello(ctx context.Context, sess *handler.Context) error
	CloseSession(id string)
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// MaxConnections limits concurrent connections. 0 means unlimited.
	MaxConnections int

	// MaxFrameSize bounds a single message. Larger frames close the connection.
	MaxFrameSize int

	// IdleTimeout closes connections that send nothing for this long. 0
	// disables it.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single write to a peer.
	WriteTimeout time.Duration

	// TCPKeepAlive sets the keep-alive period. 0 keeps the system default.
	TCPKeepAlive time.Duration

	// DisableNoDelay re-enables Nagle's algorithm.
	DisableNoDelay bool

	// Limiter, when set, drops frames of peers that exceed their rate.
	Limiter *ratelimit.Limiter

	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// conn is one accepted connection.
type conn struct {
	net.Conn
	hctx *handler.Context
	wmu  sync.Mutex
}

// Server accepts CoAP over TCP connections and hands every frame to an
// Engine. It implements the engine's transport.
type Server struct {
	config  Config
	connSem chan struct{}
	wg      sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*conn
	addr  net.Addr
}

// New creates a new TCP server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	s := &Server{
		config: cfg,
		conns:  make(map[string]*conn),
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Send writes an encoded message to the connection of sess.
func (s *Server) Send(_ context.Context, data []byte, sess *handler.Context) error {
	s.mu.RLock()
	c, ok := s.conns[sess.SessionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sess.SessionID)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.Write(data)
	return err
}

// Addr returns the bound address while the server is serving, nil otherwise.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Listen binds the configured address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, e Engine) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener, e)
}

// Serve accepts connections on listener until ctx is cancelled. It
// implements graceful shutdown with connection draining.
func (s *Server) Serve(ctx context.Context, listener net.Listener, e Engine) error {
	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = nil
		s.mu.Unlock()
	}()

	// Active connections get their own context so they can drain after
	// the listener stops.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			nc, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if s.connSem != nil {
				select {
				case s.connSem <- struct{}{}:
				default:
					s.config.Metrics.Dropped("connection_limit")
					s.config.Logger.Warn("connection limit reached, rejecting connection",
						slog.String("remote", nc.RemoteAddr().String()))
					nc.Close()
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if s.connSem != nil {
					defer func() { <-s.connSem }()
				}
				if err := s.handleConn(connCtx, nc, e); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", nc.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Peers close their streams on their own; after the timeout we do it.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		<-done
		return ErrShutdownTimeout
	}
}

// handleConn registers the connection as a session, opens the stream with
// a CSM and feeds every frame to the engine until the peer goes away.
func (s *Server) handleConn(ctx context.Context, nc net.Conn, e Engine) error {
	defer nc.Close()

	if tc, ok := nc.(*net.TCPConn); ok {
		s.tune(tc)
	}
	if tlsConn, ok := nc.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}

	id := uuid.New().String()
	c := &conn{
		Conn: nc,
		hctx: &handler.Context{
			SessionID:  id,
			RemoteAddr: nc.RemoteAddr().String(),
			Protocol:   "tcp",
			Reliable:   true,
		},
	}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	done := s.config.Metrics.ObserveSession("tcp")
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		e.CloseSession(id)
		done()
		s.config.Logger.Debug("connection closed", slog.String("session", id))
	}()

	s.config.Logger.Debug("connection established",
		slog.String("session", id),
		slog.String("client", c.hctx.RemoteAddr))

	// Unblock the read loop when the server gives up on the connection.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	if err := e.Hello(ctx, c.hctx); err != nil {
		return fmt.Errorf("sending CSM: %w", err)
	}

	host := peerHost(nc.RemoteAddr())
	r := bufio.NewReader(nc)
	for {
		if s.config.IdleTimeout > 0 {
			if err := nc.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
				return err
			}
		}
		frame, err := readFrame(r, s.config.MaxFrameSize)
		if err != nil {
			return err
		}
		if s.config.Limiter != nil && !s.config.Limiter.Allow(host) {
			s.config.Metrics.RateLimited("tcp")
			continue
		}
		if err := e.HandlePacket(ctx, frame, c.hctx); err != nil {
			s.config.Logger.Debug("frame handler error",
				slog.String("session", id),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Server) tune(tc *net.TCPConn) {
	if s.config.TCPKeepAlive > 0 {
		if err := tc.SetKeepAlive(true); err == nil {
			_ = tc.SetKeepAlivePeriod(s.config.TCPKeepAlive)
		}
	}
	if s.config.DisableNoDelay {
		_ = tc.SetNoDelay(false)
	}
}

func peerHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
