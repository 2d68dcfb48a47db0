// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// State is the progress of an outbound transaction.
type State uint8

const (
	StatePending State = iota
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	default:
		return "failed"
	}
}

// OutgoingRequest is a request the engine sends to a peer.
type OutgoingRequest struct {
	Method  codes.Code
	Path    []string
	Queries []string

	ContentFormat    data.MediaType
	HasContentFormat bool
	Accept           data.MediaType
	HasAccept        bool

	Payload []byte

	// NonConfirmable sends the request without retransmission.
	NonConfirmable bool
}

// Transaction tracks one outbound message until it is answered, times out,
// is reset by the peer or is cancelled.
type Transaction struct {
	engine *Engine
	sess   *handler.Context
	mid    uint16
	token  []byte
	data   []byte

	// Guarded by engine.mu.
	retransmit bool
	acked      bool
	attempts   int
	timeout    time.Duration
	deadline   time.Time
	observer   *observer

	mu    sync.Mutex
	state State
	resp  *handler.Response
	err   error
	done  chan struct{}
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Response returns the peer's response once the transaction is complete.
func (t *Transaction) Response() *handler.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp
}

// Err returns ErrTimeout, ErrReset, ErrCancelled or a transport error once
// the transaction failed.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the transaction leaves the pending state.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transaction finishes or ctx is done.
func (t *Transaction) Wait(ctx context.Context) (*handler.Response, error) {
	select {
	case <-t.done:
		return t.Response(), t.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops retransmission and forgets the transaction. Cancelling a
// finished transaction has no effect.
func (t *Transaction) Cancel() {
	e := t.engine
	e.mu.Lock()
	e.removeTxLocked(t)
	e.mu.Unlock()
	if t.finish(nil, errors.ErrCancelled) {
		e.metrics.TransactionDone("cancelled")
	}
}

// finish moves a pending transaction to its final state and reports whether
// it was still pending.
func (t *Transaction) finish(resp *handler.Response, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.resp, t.err = resp, err
	t.state = StateComplete
	if err != nil {
		t.state = StateFailed
	}
	close(t.done)
	return true
}

// Send transmits req to the peer of sess. Confirmable requests on datagram
// sessions are retransmitted by Step until acknowledged.
func (e *Engine) Send(ctx context.Context, sess *handler.Context, req *OutgoingRequest) (*Transaction, error) {
	if !isMethod(req.Method) {
		return nil, fmt.Errorf("method %s: %w", req.Method, errors.ErrMethodNotAllowed)
	}
	if len(req.Payload) > e.cfg.BlockSize {
		return nil, fmt.Errorf("payload of %d bytes: %w", len(req.Payload), errors.ErrEntityTooLarge)
	}
	opts := options{}.addStrings(message.URIPath, req.Path).addStrings(message.URIQuery, req.Queries)
	if req.HasContentFormat {
		opts = opts.addUint(message.ContentFormat, uint32(req.ContentFormat))
	}
	if req.HasAccept {
		opts = opts.addUint(message.Accept, uint32(req.Accept))
	}
	m := message.Message{
		Code:    req.Method,
		Token:   newToken(),
		Options: opts.sorted(),
		Payload: req.Payload,
		Type:    message.Confirmable,
	}
	if req.NonConfirmable {
		m.Type = message.NonConfirmable
	}
	return e.start(ctx, sess, m, nil)
}

// start registers and transmits an outbound message.
func (e *Engine) start(ctx context.Context, sess *handler.Context, m message.Message, o *observer) (*Transaction, error) {
	now := e.cfg.Now()
	t := &Transaction{
		engine:   e,
		sess:     sess,
		token:    m.Token,
		observer: o,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if !sess.Reliable {
		t.mid = e.nextMIDLocked()
		m.MessageID = int32(t.mid)
		t.retransmit = m.Type == message.Confirmable
	}
	b, err := Marshal(m, sess)
	if err != nil {
		e.mu.Unlock()
		return nil, errors.New("encode", sess.SessionID, fmt.Errorf("%v: %w", err, errors.ErrNoResources))
	}
	t.data = b
	switch {
	case t.retransmit:
		t.timeout = e.initialTimeout()
		t.deadline = now.Add(t.timeout)
	case isRequest(m.Code):
		t.deadline = now.Add(e.cfg.maxTransmitWait())
	}
	e.addTxLocked(t, isRequest(m.Code))
	e.mu.Unlock()

	e.metrics.Message("out", typeLabel(m, sess), m.Code.String(), len(b), sess.Protocol)
	if err := e.resend(ctx, b, sess); err != nil {
		e.mu.Lock()
		e.removeTxLocked(t)
		e.mu.Unlock()
		t.finish(nil, err)
		e.metrics.TransactionDone("transport")
		return t, err
	}
	if !t.retransmit && !isRequest(m.Code) {
		// Non-confirmable notifications expect nothing back.
		e.mu.Lock()
		e.removeTxLocked(t)
		e.mu.Unlock()
		t.finish(nil, nil)
	}
	return t, nil
}

func (e *Engine) initialTimeout() time.Duration {
	f := 1 + e.cfg.Rand()*(e.cfg.AckRandomFactor-1)
	return time.Duration(float64(e.cfg.AckTimeout) * f)
}

func (e *Engine) addTxLocked(t *Transaction, expectsResponse bool) {
	e.txs[t] = struct{}{}
	if t.retransmit {
		e.txByMID[midKey(t.sess.SessionID, t.mid)] = t
	}
	if expectsResponse {
		e.txByToken[tokenKey(t.sess.SessionID, t.token)] = t
	}
}

func (e *Engine) removeTxLocked(t *Transaction) {
	delete(e.txs, t)
	if k := midKey(t.sess.SessionID, t.mid); e.txByMID[k] == t {
		delete(e.txByMID, k)
	}
	if k := tokenKey(t.sess.SessionID, t.token); e.txByToken[k] == t {
		delete(e.txByToken, k)
	}
}

// handleEmpty processes empty Ack, Reset and ping messages.
func (e *Engine) handleEmpty(ctx context.Context, m message.Message, sess *handler.Context) error {
	if sess.Reliable {
		return nil
	}
	mkey := midKey(sess.SessionID, uint16(m.MessageID))
	switch m.Type {
	case message.Confirmable:
		_, err := e.transmit(ctx, message.Message{Type: message.Reset, Code: codes.Empty, MessageID: m.MessageID}, sess)
		return err

	case message.Acknowledgement:
		e.mu.Lock()
		t := e.txByMID[mkey]
		if t == nil {
			e.mu.Unlock()
			e.metrics.Dropped("unmatched_ack")
			return nil
		}
		delete(e.txByMID, mkey)
		t.acked = true
		notification := t.observer != nil
		if notification {
			t.observer.unacked = 0
			if t.observer.tx == t {
				t.observer.tx = nil
			}
			e.removeTxLocked(t)
		} else {
			// A separate response follows.
			t.deadline = e.cfg.Now().Add(e.cfg.ExchangeLifetime)
		}
		e.mu.Unlock()
		if notification && t.finish(nil, nil) {
			e.metrics.TransactionDone("complete")
		}
		return nil

	case message.Reset:
		e.mu.Lock()
		t := e.txByMID[mkey]
		o := e.notifyMIDs[mkey]
		if t != nil {
			e.removeTxLocked(t)
			if t.observer != nil {
				o = t.observer
			}
		}
		if o != nil {
			e.removeObserverLocked(o.key)
			e.metrics.SetObservations(len(e.observers))
		}
		e.mu.Unlock()
		if t == nil && o == nil {
			e.metrics.Dropped("unmatched_reset")
			return nil
		}
		if t != nil && t.finish(nil, errors.ErrReset) {
			e.metrics.TransactionDone("reset")
		}
		if o != nil {
			e.logger.Debug("observation reset by peer",
				slog.String("session", sess.SessionID),
				slog.String("uri", o.uri.String()))
		}
		return nil

	default:
		e.metrics.Dropped("empty_non")
		return nil
	}
}

// handleResponse matches a response to its transaction: by message id for a
// piggy-backed Ack, by token otherwise.
func (e *Engine) handleResponse(ctx context.Context, m message.Message, sess *handler.Context) error {
	e.mu.Lock()
	var t *Transaction
	if !sess.Reliable && m.Type == message.Acknowledgement {
		t = e.txByMID[midKey(sess.SessionID, uint16(m.MessageID))]
	} else {
		t = e.txByToken[tokenKey(sess.SessionID, m.Token)]
	}
	if t != nil {
		e.removeTxLocked(t)
	}
	e.mu.Unlock()

	if !sess.Reliable {
		switch m.Type {
		case message.Reset:
			e.metrics.Dropped("reset_with_code")
			return nil
		case message.Confirmable:
			typ := message.Acknowledgement
			if t == nil {
				typ = message.Reset
			}
			if _, err := e.transmit(ctx, message.Message{Type: typ, Code: codes.Empty, MessageID: m.MessageID}, sess); err != nil {
				return err
			}
		}
	}
	if t == nil {
		e.metrics.Dropped("unmatched_response")
		return nil
	}
	if t.finish(toResponse(m), nil) {
		e.metrics.TransactionDone("complete")
	}
	return nil
}

func toResponse(m message.Message) *handler.Response {
	resp := &handler.Response{
		Code:         m.Code,
		Payload:      m.Payload,
		LocationPath: optionStrings(m.Options, message.LocationPath),
	}
	if v, ok, err := optionUint(m.Options, message.ContentFormat); ok && err == nil {
		resp.ContentFormat = data.MediaType(v).Normalize()
		resp.HasContentFormat = true
	}
	if _, ok, _ := optionUint(m.Options, message.Observe); ok {
		resp.Observe = true
	}
	return resp
}

// Step retransmits unacknowledged confirmable messages, fails transactions
// whose time ran out, drops idle block transfers and fires observation
// timers. It returns the next time Step needs to run, or the zero time when
// nothing is pending.
func (e *Engine) Step(ctx context.Context, now time.Time) time.Time {
	var (
		next    time.Time
		resend  []*Transaction
		expired []*Transaction
	)

	attrs := e.observerAttributes()

	e.mu.Lock()
	for t := range e.txs {
		if now.Before(t.deadline) {
			next = earliest(next, t.deadline)
			continue
		}
		if t.retransmit && !t.acked && t.attempts < e.cfg.MaxRetransmit {
			t.attempts++
			t.timeout *= 2
			t.deadline = now.Add(t.timeout)
			next = earliest(next, t.deadline)
			resend = append(resend, t)
			continue
		}
		e.removeTxLocked(t)
		if t.observer != nil && t.observer.tx == t {
			t.observer.tx = nil
		}
		expired = append(expired, t)
	}
	next = earliest(next, e.expireBlocksLocked(now))
	due, obsNext := e.dueObserversLocked(now, attrs)
	next = earliest(next, obsNext)
	e.mu.Unlock()

	for _, t := range resend {
		e.metrics.Retransmission()
		e.logger.Debug("retransmitting",
			slog.String("session", t.sess.SessionID),
			slog.Int("mid", int(t.mid)),
			slog.Int("attempt", t.attempts))
		if err := e.resend(ctx, t.data, t.sess); err != nil {
			e.mu.Lock()
			e.removeTxLocked(t)
			e.mu.Unlock()
			if t.finish(nil, err) {
				e.metrics.TransactionDone("transport")
			}
		}
	}
	for _, t := range expired {
		if t.finish(nil, errors.ErrTimeout) {
			e.metrics.TransactionDone("timeout")
		}
	}
	for _, d := range due {
		e.notify(ctx, d.observer, now, d.forced)
	}
	return next
}

// newToken returns eight random bytes.
func newToken() message.Token {
	id := uuid.New()
	return message.Token(id[:8])
}
