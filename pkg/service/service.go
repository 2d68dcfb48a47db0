// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/health"
	"github.com/absmach/lwm2m/pkg/metrics"
	"github.com/absmach/lwm2m/pkg/object"
	"github.com/absmach/lwm2m/pkg/rd"
	"github.com/absmach/lwm2m/pkg/server/tcp"
	"github.com/absmach/lwm2m/pkg/server/udp"
	"github.com/absmach/lwm2m/pkg/uri"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStepInterval bounds the sleep of the engine loop.
	DefaultStepInterval = time.Second

	// DefaultExpireInterval is how often expired registrations are evicted
	// when nothing else touches the directory.
	DefaultExpireInterval = time.Minute

	// sessionHighWater is the share of MaxSessions at which the sessions
	// check reports a degraded service.
	sessionHighWater = 0.9
)

// Config holds the service configuration. A listener with an empty Address
// is not started; at least one must be set.
type Config struct {
	Engine coap.Config
	UDP    udp.Config
	TCP    tcp.Config

	StepInterval   time.Duration
	ExpireInterval time.Duration

	// Middleware wraps every route handler when set.
	Middleware func(handler.Handler) handler.Handler

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service runs the CoAP engine with the device-management and registration
// routes behind the configured listeners.
type Service struct {
	cfg    Config
	logger *slog.Logger
	engine *coap.Engine
	udp    *udp.Server
	tcp    *tcp.Server
	store  *rd.Store
	wake   chan struct{}
}

// New wires objects and store into a new engine. The service owns store
// from now on and closes it in Close.
func New(cfg Config, objects *object.Registry, store *rd.Store) (*Service, error) {
	if cfg.UDP.Address == "" && cfg.TCP.Address == "" {
		return nil, fmt.Errorf("no listener configured: %w", errors.ErrMalformed)
	}
	if objects == nil || store == nil {
		return nil, fmt.Errorf("service needs an object registry and a resource directory: %w", errors.ErrMalformed)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = DefaultStepInterval
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = DefaultExpireInterval
	}
	cfg.Engine.Logger = loggerOr(cfg.Engine.Logger, cfg.Logger)
	cfg.UDP.Logger = loggerOr(cfg.UDP.Logger, cfg.Logger)
	cfg.TCP.Logger = loggerOr(cfg.TCP.Logger, cfg.Logger)
	if cfg.Engine.Metrics == nil {
		cfg.Engine.Metrics = cfg.Metrics
	}
	if cfg.UDP.Metrics == nil {
		cfg.UDP.Metrics = cfg.Metrics
	}
	if cfg.TCP.Metrics == nil {
		cfg.TCP.Metrics = cfg.Metrics
	}
	if cfg.Engine.Attributes == nil {
		cfg.Engine.Attributes = objects
	}

	s := &Service{
		cfg:    cfg,
		logger: cfg.Logger,
		store:  store,
		wake:   make(chan struct{}, 1),
	}
	if cfg.UDP.Address != "" {
		s.udp = udp.New(cfg.UDP)
	}
	if cfg.TCP.Address != "" {
		s.tcp = tcp.New(cfg.TCP)
	}

	engine, err := coap.New(cfg.Engine, coap.TransportFunc(s.send))
	if err != nil {
		return nil, err
	}
	s.engine = engine
	engine.Handle(uri.ClassDM, s.wrap(objects))
	engine.Handle(uri.ClassRegistration, s.wrap(rd.NewHandler(store, cfg.Logger)))
	objects.OnChange(func(ctx context.Context, u uri.URI) {
		engine.ResourceChanged(ctx, u)
		s.poke()
	})
	return s, nil
}

func loggerOr(l, fallback *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return fallback
}

func (s *Service) wrap(h handler.Handler) handler.Handler {
	if s.cfg.Middleware == nil {
		return h
	}
	return s.cfg.Middleware(h)
}

// Engine returns the CoAP engine, e.g. for outbound requests.
func (s *Service) Engine() *coap.Engine {
	return s.engine
}

// UDP returns the datagram server, nil when it is disabled.
func (s *Service) UDP() *udp.Server {
	return s.udp
}

// TCP returns the stream server, nil when it is disabled.
func (s *Service) TCP() *tcp.Server {
	return s.tcp
}

// send routes an engine frame to the listener of its session and wakes the
// engine loop, since the frame may have opened a transaction.
func (s *Service) send(ctx context.Context, b []byte, sess *handler.Context) error {
	var err error
	switch {
	case sess.Protocol == "tcp" && s.tcp != nil:
		err = s.tcp.Send(ctx, b, sess)
	case sess.Protocol == "udp" && s.udp != nil:
		err = s.udp.Send(ctx, b, sess)
	default:
		err = fmt.Errorf("no %q listener: %w", sess.Protocol, errors.ErrTransport)
	}
	s.poke()
	return err
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run serves until ctx is cancelled or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.udp != nil {
		g.Go(func() error {
			return s.udp.Listen(ctx, s.engine)
		})
	}
	if s.tcp != nil {
		g.Go(func() error {
			return s.tcp.Listen(ctx, s.engine)
		})
	}
	g.Go(func() error {
		s.stepLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.expireLoop(ctx)
		return nil
	})

	s.logger.Info("LWM2M service started",
		slog.String("udp", s.cfg.UDP.Address),
		slog.String("tcp", s.cfg.TCP.Address))
	return g.Wait()
}

// stepLoop runs the engine timers. It sleeps until the engine's next
// deadline, at most StepInterval, or until a send wakes it.
func (s *Service) stepLoop(ctx context.Context) {
	wait := s.cfg.StepInterval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}

		now := time.Now()
		next := s.engine.Step(ctx, now)
		wait = s.cfg.StepInterval
		if !next.IsZero() {
			if d := next.Sub(now); d < wait {
				wait = max(d, 0)
			}
		}
	}
}

func (s *Service) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.store.Expire(ctx, now); n > 0 {
				s.logger.Debug("expired registrations", slog.Int("count", n))
			}
		}
	}
}

// RegisterChecks adds the service checks to c.
func (s *Service) RegisterChecks(c *health.Checker) {
	c.RegisterCritical("rd_storage", s.store.Check)
	c.Register("sessions", s.checkSessions)
}

func (s *Service) checkSessions(context.Context) error {
	if s.udp == nil || s.cfg.UDP.MaxSessions <= 0 {
		return nil
	}
	n, limit := s.udp.Sessions().Count(), s.cfg.UDP.MaxSessions
	if float64(n) >= sessionHighWater*float64(limit) {
		return fmt.Errorf("%d of %d sessions in use", n, limit)
	}
	return nil
}

// Close releases the resource directory. Call it after Run returned.
func (s *Service) Close() error {
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("closing resource directory: %w", err)
	}
	return nil
}
