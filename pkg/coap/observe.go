// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/discover"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const maxObserveSeq = 1<<24 - 1

// observer is one observation registered by a GET with Observe=0.
type observer struct {
	key     string
	sess    *handler.Context
	token   []byte
	uri     uri.URI
	path    []string
	queries []string
	accept  uint32
	hasAcc  bool
	handler handler.Handler

	// Guarded by engine.mu.
	seq      uint32
	count    int
	unacked  int
	lastSent time.Time
	pending  bool
	lastVal  float64
	hasLast  bool
	lastMID  uint16
	tx       *Transaction
}

type dueObserver struct {
	observer *observer
	forced   bool
}

// observe registers or refreshes the observation of token and returns the
// sequence number for the registration response.
func (e *Engine) observe(sess *handler.Context, token []byte, u uri.URI, r request, h handler.Handler) uint32 {
	key := tokenKey(sess.SessionID, token)
	now := e.cfg.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, o := range e.observers {
		if k != key && o.sess.SessionID == sess.SessionID && o.uri.String() == u.String() {
			e.removeObserverLocked(k)
		}
	}
	o, ok := e.observers[key]
	if !ok {
		o = &observer{
			key:     key,
			sess:    sess,
			token:   append([]byte(nil), token...),
			uri:     u,
			path:    r.path,
			queries: r.queries,
			accept:  r.accept,
			hasAcc:  r.hasAcc,
			handler: h,
		}
		e.observers[key] = o
	}
	o.seq = (o.seq + 1) & maxObserveSeq
	o.lastSent = now
	o.pending = false
	e.metrics.SetObservations(len(e.observers))
	e.logger.Debug("observation registered",
		slog.String("session", sess.SessionID),
		slog.String("uri", u.String()))
	return o.seq
}

func (e *Engine) cancelObservation(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeObserverLocked(key)
	e.metrics.SetObservations(len(e.observers))
}

func (e *Engine) removeObserverLocked(key string) {
	o, ok := e.observers[key]
	if !ok {
		return
	}
	delete(e.observers, key)
	if k := midKey(o.sess.SessionID, o.lastMID); e.notifyMIDs[k] == o {
		delete(e.notifyMIDs, k)
	}
	if o.tx != nil {
		e.removeTxLocked(o.tx)
		o.tx.finish(nil, errors.ErrCancelled)
		o.tx = nil
	}
}

// Observations returns the number of active observations.
func (e *Engine) Observations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.observers)
}

func (e *Engine) snapshotObservers() []*observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*observer, 0, len(e.observers))
	for _, o := range e.observers {
		out = append(out, o)
	}
	return out
}

// attributesFor merges the attributes attached to the observed target and
// its ancestors. Deeper levels override shallower ones.
func (e *Engine) attributesFor(o *observer) discover.Attributes {
	var a discover.Attributes
	if e.cfg.Attributes == nil || o.uri.Class() != uri.ClassDM {
		return a
	}
	var levels []uri.URI
	for u := o.uri; u.Depth() > 0; u = u.Parent() {
		levels = append([]uri.URI{u}, levels...)
	}
	for _, u := range levels {
		for _, rel := range e.cfg.Attributes.Attributes(u) {
			if rel.Peer == "" || rel.Peer == o.sess.SessionID {
				a = a.Merge(rel.Attributes)
			}
		}
	}
	return a
}

// dueObserversLocked returns the observers whose pmin window closed on a
// pending change or whose pmax elapsed, and the next observer deadline.
func (e *Engine) dueObserversLocked(now time.Time, attrs map[*observer]discover.Attributes) ([]dueObserver, time.Time) {
	var (
		due  []dueObserver
		next time.Time
	)
	for o, a := range attrs {
		if e.observers[o.key] != o {
			continue
		}
		if o.pending {
			if a.Has(discover.AttrMinPeriod) {
				at := o.lastSent.Add(seconds(a.MinPeriod))
				if now.Before(at) {
					next = earliest(next, at)
					continue
				}
			}
			due = append(due, dueObserver{observer: o})
			continue
		}
		if a.Has(discover.AttrMaxPeriod) && a.MaxPeriod > 0 && (!a.Has(discover.AttrMinPeriod) || a.MaxPeriod >= a.MinPeriod) {
			at := o.lastSent.Add(seconds(a.MaxPeriod))
			if now.Before(at) {
				next = earliest(next, at)
				continue
			}
			due = append(due, dueObserver{observer: o, forced: true})
		}
	}
	return due, next
}

func (e *Engine) observerAttributes() map[*observer]discover.Attributes {
	obs := e.snapshotObservers()
	attrs := make(map[*observer]discover.Attributes, len(obs))
	for _, o := range obs {
		attrs[o] = e.attributesFor(o)
	}
	return attrs
}

// ResourceChanged notifies the observers of u, of its ancestors and of its
// descendants. Observers inside their pmin window are notified by a later
// Step.
func (e *Engine) ResourceChanged(ctx context.Context, u uri.URI) {
	now := e.cfg.Now()
	var due []*observer
	for o, a := range e.observerAttributes() {
		if o.uri.Class() != uri.ClassDM || (!o.uri.Contains(u) && !u.Contains(o.uri)) {
			continue
		}
		e.mu.Lock()
		if a.Has(discover.AttrMinPeriod) && now.Before(o.lastSent.Add(seconds(a.MinPeriod))) {
			o.pending = true
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()
		due = append(due, o)
	}
	for _, o := range due {
		e.notify(ctx, o, now, false)
	}
}

// notify re-reads the observed target and sends a notification. Unless
// forced by pmax, gt/lt/st thresholds on a numeric resource can suppress it.
func (e *Engine) notify(ctx context.Context, o *observer, now time.Time, forced bool) {
	a := e.attributesFor(o)
	thresholds := discover.AttrGreaterThan | discover.AttrLessThan | discover.AttrStep
	if !forced && o.uri.HasResource() && a.Set&thresholds != 0 {
		if v, ok := e.readNumber(ctx, o); ok {
			e.mu.Lock()
			send := crossed(a, o, v)
			if send {
				o.lastVal, o.hasLast = v, true
			} else {
				o.pending = false
			}
			e.mu.Unlock()
			if !send {
				return
			}
		}
	}

	req := &handler.Request{
		Context:   o.sess,
		Method:    codes.GET,
		URI:       o.uri,
		Path:      o.path,
		Queries:   o.queries,
		Token:     o.token,
		Accept:    data.MediaType(o.accept).Normalize(),
		HasAccept: o.hasAcc,
	}
	resp := o.handler.ServeLwM2M(ctx, req)
	if resp == nil {
		return
	}

	e.mu.Lock()
	if e.observers[o.key] != o {
		e.mu.Unlock()
		return
	}
	final := !isSuccess(resp.Code)
	if !o.sess.Reliable {
		o.unacked++
	}
	if !final && e.cfg.MaxNotifications > 0 && o.unacked > e.cfg.MaxNotifications {
		e.removeObserverLocked(o.key)
		e.metrics.SetObservations(len(e.observers))
		e.mu.Unlock()
		e.logger.Info("cancelling unacknowledged observation",
			slog.String("session", o.sess.SessionID),
			slog.String("uri", o.uri.String()))
		return
	}
	o.count++
	o.seq = (o.seq + 1) & maxObserveSeq
	o.lastSent = now
	o.pending = false
	confirmable := !o.sess.Reliable && e.cfg.NotifyConfirmEvery > 0 && o.count%e.cfg.NotifyConfirmEvery == 0
	prev := o.tx
	if prev != nil {
		e.removeTxLocked(prev)
		o.tx = nil
	}
	seq := o.seq
	if final {
		e.removeObserverLocked(o.key)
		e.metrics.SetObservations(len(e.observers))
	}
	e.mu.Unlock()

	if prev != nil && prev.finish(nil, errors.ErrCancelled) {
		e.metrics.TransactionDone("superseded")
	}

	opts := options{}
	if !final {
		opts = opts.addUint(message.Observe, seq)
	}
	if resp.HasContentFormat {
		opts = opts.addUint(message.ContentFormat, uint32(resp.ContentFormat))
	}
	body, b2, more, err := e.paginate(resourceKey(o.sess.SessionID, o.path, o.queries), resp, request{}, true)
	if err != nil {
		return
	}
	if b2 != nil {
		opts = opts.addUint(message.Block2, b2.encode())
		if more {
			opts = opts.addUint(message.Size2, uint32(len(resp.Payload)))
		}
	}
	m := message.Message{
		Code:    resp.Code,
		Token:   o.token,
		Options: opts.sorted(),
		Payload: body,
		Type:    message.NonConfirmable,
	}
	typ := "non"
	if confirmable {
		m.Type = message.Confirmable
		typ = "con"
	}

	var owner *observer
	if !final {
		owner = o
	}
	t, err := e.start(ctx, o.sess, m, owner)
	if err != nil {
		return
	}
	e.metrics.Notification(typ)
	if final || o.sess.Reliable {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observers[o.key] != o {
		return
	}
	if k := midKey(o.sess.SessionID, o.lastMID); e.notifyMIDs[k] == o {
		delete(e.notifyMIDs, k)
	}
	o.lastMID = t.mid
	e.notifyMIDs[midKey(o.sess.SessionID, t.mid)] = o
	if confirmable && t.State() == StatePending {
		o.tx = t
	}
}

// readNumber reads the observed resource as text and parses it as a number.
func (e *Engine) readNumber(ctx context.Context, o *observer) (float64, bool) {
	resp := o.handler.ServeLwM2M(ctx, &handler.Request{
		Context:   o.sess,
		Method:    codes.GET,
		URI:       o.uri,
		Path:      o.path,
		Token:     o.token,
		Accept:    data.TextPlain,
		HasAccept: true,
	})
	if resp == nil || !isSuccess(resp.Code) || resp.ContentFormat != data.TextPlain {
		return 0, false
	}
	v, err := data.DecodeFloat(data.String(0, string(resp.Payload)))
	if err != nil {
		return 0, false
	}
	return v, true
}

// crossed reports whether v passes a gt or lt threshold or moves by at
// least st since the last notification.
func crossed(a discover.Attributes, o *observer, v float64) bool {
	if !o.hasLast {
		return true
	}
	last := o.lastVal
	if a.Has(discover.AttrGreaterThan) && (last > a.GreaterThan) != (v > a.GreaterThan) {
		return true
	}
	if a.Has(discover.AttrLessThan) && (last < a.LessThan) != (v < a.LessThan) {
		return true
	}
	if a.Has(discover.AttrStep) && math.Abs(v-last) >= a.Step {
		return true
	}
	return false
}

func seconds(n uint32) time.Duration {
	return time.Duration(n) * time.Second
}
