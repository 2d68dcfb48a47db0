// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-peer rate limiting using the token bucket
// algorithm.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultMaxClients bounds the number of tracked peers.
const DefaultMaxClients = 10000

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full token bucket.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity int64, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int64, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow reports whether one more event is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n events are allowed and consumes n tokens if so.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Available returns the number of whole tokens left.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

// Config configures a Limiter.
type Config struct {
	// Capacity is the burst size of every peer.
	Capacity int64
	// RefillRate is the sustained rate in events per second.
	RefillRate float64
	// MaxClients bounds the tracked peers; the least recently seen peer is
	// forgotten first.
	MaxClients int
	// Now is the clock. It defaults to time.Now.
	Now func() time.Time
}

// Limiter keeps one token bucket per peer.
type Limiter struct {
	mu      sync.Mutex
	buckets *lru.Cache
	cfg     Config
}

// NewLimiter creates a per-peer limiter.
func NewLimiter(cfg Config) (*Limiter, error) {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cache, err := lru.New(cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	return &Limiter{buckets: cache, cfg: cfg}, nil
}

// Allow reports whether one more event of the peer is allowed.
func (l *Limiter) Allow(peer string) bool {
	return l.AllowN(peer, 1)
}

// AllowN reports whether n events of the peer are allowed.
func (l *Limiter) AllowN(peer string, n int64) bool {
	return l.bucket(peer).AllowN(n)
}

func (l *Limiter) bucket(peer string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(peer); ok {
		return v.(*TokenBucket)
	}
	tb := newTokenBucket(l.cfg.Capacity, l.cfg.RefillRate, l.cfg.Now)
	l.buckets.Add(peer, tb)
	return tb
}

// Remove forgets a peer.
func (l *Limiter) Remove(peer string) {
	l.buckets.Remove(peer)
}

// Clients returns the number of tracked peers.
func (l *Limiter) Clients() int {
	return l.buckets.Len()
}
