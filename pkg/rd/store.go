// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/breaker"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/metrics"
	"go.uber.org/multierr"
)

// SnapshotKey is the persister key the device table is stored under.
const SnapshotKey = "rd-devices"

// DefaultTTL is used for publications that carry no lifetime.
const DefaultTTL = 86400 * time.Second

// Config configures a Store. Only Persister is required.
type Config struct {
	DefaultTTL time.Duration
	Persister  Persister
	Breaker    *breaker.CircuitBreaker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Store is the resource directory database.
type Store struct {
	defaultTTL time.Duration
	persister  Persister
	breaker    *breaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu sync.RWMutex
	// devices is replaced, never mutated, so a failed persist leaves the
	// previous table intact.
	devices map[string]Device
	closed  bool
}

// NewStore loads the last snapshot from cfg.Persister. Devices that expired
// while the store was down are dropped.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Persister == nil {
		return nil, fmt.Errorf("rd store needs a persister: %w", errors.ErrMalformed)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New(breaker.Config{Now: cfg.Now})
	}
	m := cfg.Metrics
	cfg.Breaker.OnStateChange(func(from, to breaker.State) {
		cfg.Logger.Warn("rd storage circuit changed state",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.BreakerState("rd", int(to), to == breaker.StateOpen)
	})

	s := &Store{
		defaultTTL: cfg.DefaultTTL,
		persister:  cfg.Persister,
		breaker:    cfg.Breaker,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
		devices:    make(map[string]Device),
	}

	b, err := cfg.Persister.Load(ctx, SnapshotKey)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, errors.New("rd.load", "", fmt.Errorf("%w: %w", err, errors.ErrStorageUnavailable))
	}
	devices, err := decodeSnapshot(b)
	if err != nil {
		return nil, errors.New("rd.load", "", fmt.Errorf("%w: %w", err, errors.ErrStorageUnavailable))
	}
	now := s.now()
	for _, d := range devices {
		if d.Expired(now) {
			continue
		}
		s.devices[d.ID] = d
	}
	s.metrics.SetRDDevices(len(s.devices))
	s.logger.Info("resource directory loaded",
		slog.Int("devices", len(s.devices)),
		slog.Int("expired", len(devices)-len(s.devices)))
	return s, nil
}

// Publish registers a device or merges links into its registration and
// restarts its lifetime. It reports whether the device was new. Nothing
// changes unless the resulting table was persisted.
func (s *Store) Publish(ctx context.Context, p Publication) (created bool, err error) {
	defer func() { s.metrics.RDOperation("publish", err) }()

	if p.DeviceID == "" {
		return false, fmt.Errorf("publication without device id: %w", errors.ErrMalformed)
	}
	if p.TTL < 0 {
		return false, fmt.Errorf("negative lifetime %s: %w", p.TTL, errors.ErrMalformed)
	}
	for _, l := range p.Links {
		if l.Href == "" {
			return false, fmt.Errorf("link without href: %w", errors.ErrMalformed)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed("rd.publish")
	}
	now := s.now()
	s.expireLocked(now)

	dev, ok := s.devices[p.DeviceID]
	if !ok {
		if len(p.Links) == 0 {
			return false, fmt.Errorf("publication of %q without links: %w", p.DeviceID, errors.ErrMalformed)
		}
		dev = Device{ID: p.DeviceID}
	} else {
		dev = dev.clone()
	}
	dev.Links = mergeLinks(dev.Links, p.Links)
	dev.TTL = p.TTL
	if dev.TTL == 0 {
		dev.TTL = s.defaultTTL
	}
	dev.RegisteredAt = now

	next := s.copyLocked()
	next[dev.ID] = dev
	if err := s.persistLocked(ctx, next); err != nil {
		return false, err
	}
	s.devices = next
	s.metrics.SetRDDevices(len(next))
	return !ok, nil
}

// Delete removes a device, or only the links named by hrefs. A device left
// without links is removed. Unknown hrefs are ignored.
func (s *Store) Delete(ctx context.Context, deviceID string, hrefs ...string) (err error) {
	defer func() { s.metrics.RDOperation("delete", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("rd.delete")
	}
	s.expireLocked(s.now())

	dev, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %q: %w", deviceID, errors.ErrNotFound)
	}
	next := s.copyLocked()
	if len(hrefs) == 0 {
		delete(next, deviceID)
	} else {
		dev = dev.clone()
		kept := dev.Links[:0]
		for _, l := range dev.Links {
			if !slices.Contains(hrefs, l.Href) {
				kept = append(kept, l)
			}
		}
		if len(kept) == len(dev.Links) {
			return nil
		}
		dev.Links = kept
		if len(kept) == 0 {
			delete(next, deviceID)
		} else {
			next[deviceID] = dev
		}
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.devices = next
	s.metrics.SetRDDevices(len(next))
	return nil
}

// Query returns the matching links grouped by device, ordered by device id.
// Devices without a matching link are left out. No match yields an empty
// slice, never an error.
func (s *Store) Query(_ context.Context, q Query) (groups []Group, err error) {
	defer func() { s.metrics.RDOperation("query", err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed("rd.query")
	}
	now := s.now()
	groups = []Group{}
	for _, id := range s.sortedIDsLocked() {
		if q.DeviceID != "" && q.DeviceID != id {
			continue
		}
		dev := s.devices[id]
		if dev.Expired(now) {
			continue
		}
		var links []Link
		for _, l := range dev.Links {
			if q.matches(l) {
				links = append(links, l.clone())
			}
		}
		if len(links) > 0 {
			groups = append(groups, Group{DeviceID: id, Links: links})
		}
	}
	return groups, nil
}

// Get returns a copy of a live registration.
func (s *Store) Get(deviceID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Device{}, errClosed("rd.get")
	}
	dev, ok := s.devices[deviceID]
	if !ok || dev.Expired(s.now()) {
		return Device{}, fmt.Errorf("device %q: %w", deviceID, errors.ErrNotFound)
	}
	return dev.clone(), nil
}

// Len returns the number of live registrations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, d := range s.devices {
		if !d.Expired(now) {
			n++
		}
	}
	return n
}

// Check reports errors.ErrStorageUnavailable while the store is closed or
// its storage circuit is open.
func (s *Store) Check(context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errClosed("rd.check")
	}
	if st := s.breaker.State(); st == breaker.StateOpen {
		return errors.New("rd.check", "", fmt.Errorf("storage circuit %s: %w", st, errors.ErrStorageUnavailable))
	}
	return nil
}

// Expire evicts devices whose lifetime ended at or before now and returns
// how many were evicted. Eviction is not undone when the snapshot cannot be
// written; the failure is logged and the next change persists again.
func (s *Store) Expire(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := s.expireLocked(now)
	if n == 0 {
		return 0
	}
	if err := s.persistLocked(ctx, s.devices); err != nil {
		s.logger.Warn("failed to persist expired devices", slog.Any("error", err))
	}
	return n
}

// Close writes a final snapshot, releases the persister when it is an
// io.Closer and empties the store. Every later call fails with
// errors.ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.expireLocked(s.now())
	err := s.persistLocked(context.Background(), s.devices)
	if c, ok := s.persister.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	s.devices = nil
	s.metrics.SetRDDevices(0)
	return err
}

// expireLocked drops expired devices from the current table in place.
func (s *Store) expireLocked(now time.Time) int {
	var expired []string
	for id, d := range s.devices {
		if d.Expired(now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return 0
	}
	next := s.copyLocked()
	for _, id := range expired {
		delete(next, id)
		s.logger.Info("device registration expired", slog.String("device", id))
	}
	s.devices = next
	s.metrics.RDExpiredDevices(len(expired))
	s.metrics.SetRDDevices(len(next))
	return len(expired)
}

func (s *Store) copyLocked() map[string]Device {
	next := make(map[string]Device, len(s.devices)+1)
	for id, d := range s.devices {
		next[id] = d
	}
	return next
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) persistLocked(ctx context.Context, devices map[string]Device) error {
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]Device, len(ids))
	for i, id := range ids {
		list[i] = devices[id]
	}
	b, err := encodeSnapshot(list)
	if err != nil {
		return errors.New("rd.persist", "", fmt.Errorf("%w: %w", err, errors.ErrStorageUnavailable))
	}
	err = s.breaker.Call(func() error {
		return s.persister.Store(ctx, SnapshotKey, b)
	})
	if err != nil {
		return errors.New("rd.persist", "", fmt.Errorf("%w: %w", err, errors.ErrStorageUnavailable))
	}
	return nil
}

func mergeLinks(current, update []Link) []Link {
	out := current
	for _, l := range update {
		l = l.clone()
		replaced := false
		for i := range out {
			if out[i].Href == l.Href {
				out[i] = l
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, l)
		}
	}
	return out
}

func errClosed(op string) error {
	return errors.New(op, "", fmt.Errorf("store closed: %w", errors.ErrStorageUnavailable))
}
