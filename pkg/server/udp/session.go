// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/google/uuid"
)

// Session represents a virtual UDP "connection" for a specific peer.
// Since UDP is connectionless, we maintain session state per peer address.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// RemoteAddr is the peer's UDP address
	RemoteAddr *net.UDPAddr

	// Context is the handler context for this session
	Context *handler.Context

	// mu protects lastActivity and done
	mu           sync.Mutex
	lastActivity time.Time
	done         func()
}

func (s *Session) setDone(fn func()) {
	s.mu.Lock()
	s.done = fn
	s.mu.Unlock()
}

// finish runs the done callback once.
func (s *Session) finish() {
	s.mu.Lock()
	fn := s.done
	s.done = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CloseFunc is called once for every session that leaves the manager.
type CloseFunc func(sess *Session)

// SessionManager manages UDP sessions keyed by peer address.
type SessionManager struct {
	mu          sync.RWMutex
	byAddr      map[string]*Session
	byID        map[string]*Session
	logger      *slog.Logger
	maxSessions int
	onClose     CloseFunc
	now         func() time.Time
}

// NewSessionManager creates a new session manager. onClose may be nil.
func NewSessionManager(logger *slog.Logger, maxSessions int, onClose CloseFunc) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if onClose == nil {
		onClose = func(*Session) {}
	}
	return &SessionManager{
		byAddr:      make(map[string]*Session),
		byID:        make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
		onClose:     onClose,
		now:         time.Now,
	}
}

// GetOrCreate returns the session of addr, creating it when needed. The
// boolean reports whether the session is new.
func (sm *SessionManager) GetOrCreate(addr *net.UDPAddr) (*Session, bool, error) {
	key := addr.String()
	now := sm.now()

	sm.mu.RLock()
	if sess, ok := sm.byAddr[key]; ok {
		sm.mu.RUnlock()
		sess.UpdateActivity(now)
		return sess, false, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check in case another worker created it
	if sess, ok := sm.byAddr[key]; ok {
		sess.UpdateActivity(now)
		return sess, false, nil
	}

	if sm.maxSessions > 0 && len(sm.byAddr) >= sm.maxSessions {
		return nil, false, fmt.Errorf("session limit reached (%d), rejecting new session", sm.maxSessions)
	}

	id := uuid.New().String()
	sess := &Session{
		ID:         id,
		RemoteAddr: addr,
		Context: &handler.Context{
			SessionID:  id,
			RemoteAddr: key,
			Protocol:   "udp",
		},
		lastActivity: now,
	}
	sm.byAddr[key] = sess
	sm.byID[id] = sess

	sm.logger.Debug("new UDP session created",
		slog.String("session", id),
		slog.String("client", key))

	return sess, true, nil
}

// Get returns the session with the given id.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.byID[id]
	return sess, ok
}

// Remove drops a session and reports it to the close callback.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	sess, ok := sm.byID[id]
	if ok {
		delete(sm.byID, id)
		delete(sm.byAddr, sess.RemoteAddr.String())
	}
	sm.mu.Unlock()
	if ok {
		sm.onClose(sess)
	}
}

// Cleanup removes idle sessions every timeout/2 until done is closed.
func (sm *SessionManager) Cleanup(done <-chan struct{}, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sm.cleanupExpired(sm.now(), timeout)
		}
	}
}

// cleanupExpired removes sessions that haven't been active within the timeout.
func (sm *SessionManager) cleanupExpired(now time.Time, timeout time.Duration) int {
	var expired []*Session

	sm.mu.Lock()
	for key, sess := range sm.byAddr {
		if now.Sub(sess.LastActivity()) > timeout {
			expired = append(expired, sess)
			delete(sm.byAddr, key)
			delete(sm.byID, sess.ID)
		}
	}
	sm.mu.Unlock()

	for _, sess := range expired {
		sm.logger.Debug("session timeout",
			slog.String("session", sess.ID),
			slog.String("client", sess.RemoteAddr.String()))
		sm.onClose(sess)
	}
	if len(expired) > 0 {
		sm.logger.Debug("cleaned up expired sessions", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// CloseAll removes every session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.byID))
	for _, sess := range sm.byID {
		sessions = append(sessions, sess)
	}
	sm.byAddr = make(map[string]*Session)
	sm.byID = make(map[string]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sm.logger.Debug("closing session", slog.String("session", sess.ID))
		sm.onClose(sess)
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byAddr)
}
