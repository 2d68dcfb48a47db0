// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/metrics"
	"github.com/absmach/lwm2m/pkg/ratelimit"
)

const (
	// DefaultSessionTimeout is the default timeout for idle UDP sessions.
	DefaultSessionTimeout = 5 * time.Minute

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 2048

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 16
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrUnknownSession is returned by Send for a session the server does not know.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNotListening is returned by Send before Serve was called or after it returned.
	ErrNotListening = errors.New("server is not listening")
)

// Engine consumes datagrams. The CoAP engine implements it.
type Engine interface {
	HandlePacket(ctx context.Context, b []byte, sess *handler.Context) error
	CloseSession(id string)
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// SessionTimeout is the idle timeout for UDP sessions.
	// If no packets are received/sent for this duration, the session is closed
	// and the engine forgets its transactions and observations.
	SessionTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for queued packets
	// during graceful shutdown
	ShutdownTimeout time.Duration

	// MaxSessions is the maximum number of concurrent UDP sessions allowed.
	// If 0, no limit is enforced.
	MaxSessions int

	// BufferSize is the size of datagram read buffers in bytes.
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// WorkerPoolSize is the number of goroutines in the packet processing pool.
	// Packets of one peer are always handled by the same worker, in order.
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Limiter, when set, drops datagrams of peers that exceed their rate.
	Limiter *ratelimit.Limiter

	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// packetJob represents a packet processing job for the worker pool.
type packetJob struct {
	addr *net.UDPAddr
	data []byte
}

// Server reads CoAP datagrams, keeps one session per peer address and hands
// every datagram to an Engine. It implements the engine's transport.
type Server struct {
	config     Config
	sessions   *SessionManager
	bufferPool *sync.Pool
	workers    []chan packetJob
	workerWg   sync.WaitGroup

	mu     sync.RWMutex
	conn   *net.UDPConn
	engine Engine
}

// New creates a new UDP server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	s := &Server{
		config: cfg,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, cfg.BufferSize)
				return &buf
			},
		},
	}
	s.sessions = NewSessionManager(cfg.Logger, cfg.MaxSessions, s.closeSession)
	return s
}

// Sessions exposes the session table.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Addr returns the bound address while the server is serving, nil otherwise.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Send writes an encoded message to the peer of sess.
func (s *Server) Send(_ context.Context, data []byte, sess *handler.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotListening
	}
	peer, ok := s.sessions.Get(sess.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sess.SessionID)
	}
	if _, err := conn.WriteToUDP(data, peer.RemoteAddr); err != nil {
		return err
	}
	peer.UpdateActivity(time.Now())
	return nil
}

// Listen binds the configured address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, e Engine) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, conn, e)
}

// Serve reads datagrams from conn until ctx is cancelled, then closes conn
// and every session.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn, e Engine) error {
	defer conn.Close()

	// Configure socket buffer sizes if specified
	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.conn, s.engine = conn, e
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize),
		slog.Int("buffer_size", s.config.BufferSize))

	// Workers outlive ctx so that queued packets are still handled during
	// shutdown.
	workerCtx, workerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workerCancel()
	s.startWorkerPool(workerCtx, e)

	cleanupDone := make(chan struct{})
	defer close(cleanupDone)
	go s.sessions.Cleanup(cleanupDone, s.config.SessionTimeout)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx, conn)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	// Let the workers finish what is queued.
	for _, ch := range s.workers {
		close(ch)
	}
	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.config.Logger.Info("all workers stopped")
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, abandoning queued packets")
		workerCancel()
		<-done
		err = ErrShutdownTimeout
	}
	s.sessions.CloseAll()
	return err
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to read UDP packet",
				slog.String("error", err.Error()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr)

		if s.config.Limiter != nil && !s.config.Limiter.Allow(addr.IP.String()) {
			s.config.Metrics.RateLimited("udp")
			s.config.Logger.Debug("rate limit exceeded, dropping packet",
				slog.String("client", addr.String()))
			continue
		}

		select {
		case s.workers[workerIndex(addr, len(s.workers))] <- packetJob{addr: addr, data: datagram}:
		case <-ctx.Done():
			return
		default:
			s.config.Metrics.Dropped("queue_full")
			s.config.Logger.Warn("worker pool full, dropping packet",
				slog.String("client", addr.String()))
		}
	}
}

// workerIndex pins a peer to one worker so its datagrams keep their order.
func workerIndex(addr *net.UDPAddr, n int) int {
	var h uint32 = 2166136261
	for _, b := range addr.IP {
		h = (h ^ uint32(b)) * 16777619
	}
	h = (h ^ uint32(addr.Port)) * 16777619
	return int(h % uint32(n))
}

// startWorkerPool starts the worker goroutines for packet processing.
func (s *Server) startWorkerPool(ctx context.Context, e Engine) {
	s.workers = make([]chan packetJob, s.config.WorkerPoolSize)
	for i := range s.workers {
		ch := make(chan packetJob, 64)
		s.workers[i] = ch
		s.workerWg.Add(1)
		go func(workerID int) {
			defer s.workerWg.Done()
			s.packetWorker(ctx, e, ch, workerID)
		}(i)
	}
	s.config.Logger.Info("worker pool started", slog.Int("workers", s.config.WorkerPoolSize))
}

// packetWorker processes packets from its channel.
func (s *Server) packetWorker(ctx context.Context, e Engine, ch <-chan packetJob, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-ch:
			if !ok {
				return
			}
			if err := s.handlePacket(ctx, e, job.addr, job.data); err != nil {
				s.config.Logger.Debug("packet handler error",
					slog.Int("worker", workerID),
					slog.String("client", job.addr.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Server) handlePacket(ctx context.Context, e Engine, addr *net.UDPAddr, data []byte) error {
	sess, isNew, err := s.sessions.GetOrCreate(addr)
	if err != nil {
		s.config.Metrics.Dropped("session_limit")
		return err
	}
	if isNew {
		sess.setDone(s.config.Metrics.ObserveSession("udp"))
	}
	return e.HandlePacket(ctx, data, sess.Context)
}

// closeSession tells the engine a session is gone.
func (s *Server) closeSession(sess *Session) {
	s.mu.RLock()
	e := s.engine
	s.mu.RUnlock()
	if e != nil {
		e.CloseSession(sess.ID)
	}
	sess.finish()
}
