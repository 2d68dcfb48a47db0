// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/discover"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/metrics"
	"github.com/absmach/lwm2m/pkg/uri"
	lru "github.com/hashicorp/golang-lru"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Transmission parameters from RFC 7252 section 4.8.
const (
	DefaultBlockSize          = 1024
	DefaultMaxMessageSize     = 64 << 10
	DefaultAckTimeout         = 2 * time.Second
	DefaultAckRandomFactor    = 1.5
	DefaultMaxRetransmit      = 4
	DefaultExchangeLifetime   = 247 * time.Second
	DefaultDedupCacheSize     = 4096
	DefaultNotifyConfirmEvery = 10
	DefaultMaxNotifications   = 30
)

// Transport sends an encoded message to the peer of a session.
type Transport interface {
	Send(ctx context.Context, data []byte, sess *handler.Context) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, data []byte, sess *handler.Context) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, data []byte, sess *handler.Context) error {
	return f(ctx, data, sess)
}

// Config holds the engine configuration. Zero values select the defaults.
type Config struct {
	// BlockSize is the preferred block size for Block2 pagination. It is
	// rounded down to a power of two between 16 and 1024.
	BlockSize int

	// MaxMessageSize bounds reassembled Block1 payloads.
	MaxMessageSize int

	AckTimeout       time.Duration
	AckRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration

	// DedupCacheSize is the number of (session, message id) pairs whose
	// replies are kept for duplicate detection.
	DedupCacheSize int

	// NotifyConfirmEvery makes every Nth notification confirmable. Negative
	// disables confirmable notifications.
	NotifyConfirmEvery int

	// MaxNotifications cancels an observation after this many notifications
	// without an acknowledgement. Negative disables the limit.
	MaxNotifications int

	// Attributes supplies the pmin/pmax/gt/lt/st attributes of observations.
	Attributes discover.AttributeLookup

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now and Rand are replaced in tests.
	Now  func() time.Time
	Rand func() float64
}

func (c *Config) setDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.AckRandomFactor < 1 {
		c.AckRandomFactor = DefaultAckRandomFactor
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = DefaultMaxRetransmit
	}
	if c.ExchangeLifetime <= 0 {
		c.ExchangeLifetime = DefaultExchangeLifetime
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = DefaultDedupCacheSize
	}
	if c.NotifyConfirmEvery == 0 {
		c.NotifyConfirmEvery = DefaultNotifyConfirmEvery
	}
	if c.MaxNotifications == 0 {
		c.MaxNotifications = DefaultMaxNotifications
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// maxTransmitWait is the time from the first transmission of a confirmable
// message until the sender gives up.
func (c *Config) maxTransmitWait() time.Duration {
	f := float64(c.AckTimeout) * float64(int(1)<<(c.MaxRetransmit+1)-1) * c.AckRandomFactor
	return time.Duration(f)
}

// Engine is the CoAP message and transaction layer. It is safe for
// concurrent use; handlers are invoked without engine locks held.
type Engine struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics

	routesMu sync.RWMutex
	routes   map[uri.Class]handler.Handler

	mu         sync.Mutex
	dedup      *lru.Cache
	block1     map[string]*block1State
	block2     map[string]*block2State
	txs        map[*Transaction]struct{}
	txByMID    map[string]*Transaction
	txByToken  map[string]*Transaction
	observers  map[string]*observer
	notifyMIDs map[string]*observer
	mid        uint16
}

// New creates an engine that writes through t.
func New(cfg Config, t Transport) (*Engine, error) {
	cfg.setDefaults()
	cache, err := lru.New(cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Engine{
		cfg:        cfg,
		transport:  t,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		routes:     make(map[uri.Class]handler.Handler),
		dedup:      cache,
		block1:     make(map[string]*block1State),
		block2:     make(map[string]*block2State),
		txs:        make(map[*Transaction]struct{}),
		txByMID:    make(map[string]*Transaction),
		txByToken:  make(map[string]*Transaction),
		observers:  make(map[string]*observer),
		notifyMIDs: make(map[string]*observer),
		mid:        uint16(cfg.Rand() * 0xffff),
	}, nil
}

// Handle registers h for requests of the given class.
func (e *Engine) Handle(class uri.Class, h handler.Handler) {
	e.routesMu.Lock()
	defer e.routesMu.Unlock()
	e.routes[class] = h
}

func (e *Engine) route(class uri.Class) handler.Handler {
	e.routesMu.RLock()
	defer e.routesMu.RUnlock()
	return e.routes[class]
}

// HandlePacket processes one inbound datagram or stream frame received on
// sess. Malformed input is answered locally and reported as ErrMalformed.
func (e *Engine) HandlePacket(ctx context.Context, b []byte, sess *handler.Context) error {
	m, err := Unmarshal(b, sess)
	if err != nil {
		return e.malformed(ctx, b, sess, err)
	}
	e.metrics.Message("in", typeLabel(m, sess), m.Code.String(), len(b), sess.Protocol)

	switch {
	case m.Code == codes.Empty:
		return e.handleEmpty(ctx, m, sess)
	case isSignal(m.Code):
		return e.handleSignal(ctx, m, sess)
	case isRequest(m.Code):
		return e.handleRequest(ctx, m, sess)
	default:
		return e.handleResponse(ctx, m, sess)
	}
}

// malformed answers an undecodable frame with 4.00 for a confirmable
// message and Reset for a non-confirmable one.
func (e *Engine) malformed(ctx context.Context, b []byte, sess *handler.Context, cause error) error {
	e.logger.Warn("malformed coap frame",
		slog.String("session", sess.SessionID),
		slog.String("remote", sess.RemoteAddr),
		slog.String("error", cause.Error()))
	cause = errors.New("decode", sess.SessionID, cause)

	if sess.Reliable {
		if _, err := e.transmit(ctx, message.Message{Code: codes.BadRequest}, sess); err != nil {
			return err
		}
		return cause
	}
	if len(b) < 4 {
		e.metrics.Dropped("malformed")
		return cause
	}
	mid := int32(binary.BigEndian.Uint16(b[2:4]))
	var reply message.Message
	switch message.Type(b[0] >> 4 & 0x03) {
	case message.Confirmable:
		reply = message.Message{Type: message.Acknowledgement, Code: codes.BadRequest, MessageID: mid}
		if tkl := int(b[0] & 0x0f); tkl <= 8 && len(b) >= 4+tkl {
			reply.Token = append(message.Token(nil), b[4:4+tkl]...)
		}
	case message.NonConfirmable:
		reply = message.Message{Type: message.Reset, Code: codes.Empty, MessageID: mid}
	default:
		e.metrics.Dropped("malformed")
		return cause
	}
	if _, err := e.transmit(ctx, reply, sess); err != nil {
		return err
	}
	return cause
}

func (e *Engine) handleSignal(ctx context.Context, m message.Message, sess *handler.Context) error {
	switch m.Code {
	case codes.Ping:
		_, err := e.transmit(ctx, message.Message{Code: codes.Pong, Token: m.Token}, sess)
		return err
	default:
		e.logger.Debug("ignoring signal",
			slog.String("session", sess.SessionID),
			slog.String("code", m.Code.String()))
		return nil
	}
}

// Hello sends the capabilities and settings message that opens a stream
// session.
func (e *Engine) Hello(ctx context.Context, sess *handler.Context) error {
	opts := options{}.addUint(csmMaxMessageSize, uint32(e.cfg.MaxMessageSize))
	_, err := e.transmit(ctx, message.Message{Code: codes.CSM, Options: opts.sorted()}, sess)
	return err
}

// csmMaxMessageSize is the Max-Message-Size option of a CSM signal.
const csmMaxMessageSize message.OptionID = 2

func (e *Engine) handleRequest(ctx context.Context, m message.Message, sess *handler.Context) error {
	if !sess.Reliable && m.Type != message.Confirmable && m.Type != message.NonConfirmable {
		e.metrics.Dropped("request_in_ack")
		return nil
	}

	var dkey string
	if !sess.Reliable {
		dkey = midKey(sess.SessionID, uint16(m.MessageID))
		if reply, dup := e.duplicate(dkey); dup {
			e.metrics.Duplicate()
			e.logger.Debug("duplicate request",
				slog.String("session", sess.SessionID),
				slog.Int("mid", int(m.MessageID)))
			if reply == nil {
				return nil
			}
			return e.resend(ctx, reply, sess)
		}
	}

	reply := e.serve(ctx, m, sess)
	if reply == nil {
		e.remember(dkey, nil)
		return nil
	}
	b, err := e.transmit(ctx, *reply, sess)
	e.remember(dkey, b)
	return err
}

// serve runs one request through routing, block handling and the handler.
// A nil reply means the request is dropped.
func (e *Engine) serve(ctx context.Context, m message.Message, sess *handler.Context) *message.Message {
	if !isMethod(m.Code) {
		return e.reply(m, sess, codes.MethodNotAllowed)
	}
	r, err := decodeRequest(m)
	if err != nil {
		e.logger.Debug("bad request options", slog.String("session", sess.SessionID), slog.String("error", err.Error()))
		return e.reply(m, sess, codes.BadRequest)
	}
	u, err := uri.Parse(r.path, m.Code == codes.DELETE)
	if err != nil {
		return e.reply(m, sess, codes.BadRequest)
	}
	h := e.route(u.Class())
	if h == nil {
		e.metrics.Dropped("unroutable")
		e.logger.Debug("dropping unroutable request",
			slog.String("session", sess.SessionID),
			slog.String("path", "/"+strings.Join(r.path, "/")))
		return nil
	}

	payload := m.Payload
	var echo options
	if r.hasB1 {
		assembled, status, err := e.receiveBlock1(sess, uint16(m.MessageID), r, payload)
		if err != nil {
			return e.reply(m, sess, errors.Code(err))
		}
		if status != blockComplete {
			out := e.reply(m, sess, codes.Continue)
			b := r.block1
			b.More = true
			out.Options = options{}.addUint(message.Block1, b.encode()).sorted()
			return out
		}
		payload = assembled
		echo = echo.addUint(message.Block1, r.block1.encode())
	}

	req := &handler.Request{
		Context:          sess,
		Method:           m.Code,
		URI:              u,
		Path:             r.path,
		Queries:          r.queries,
		Token:            m.Token,
		ContentFormat:    data.MediaType(r.format).Normalize(),
		HasContentFormat: r.hasFmt,
		Accept:           data.MediaType(r.accept).Normalize(),
		HasAccept:        r.hasAcc,
		Observe:          r.observe,
		HasObserve:       r.hasObs,
		Payload:          payload,
	}

	key := resourceKey(sess.SessionID, r.path, r.queries)
	var resp *handler.Response
	if m.Code == codes.GET && r.hasB2 && r.block2.Num > 0 {
		resp = e.cachedBlock2(key)
	}
	if resp == nil {
		e.metrics.ObserveRequest(u.Class().String(), m.Code.String(), func() {
			resp = h.ServeLwM2M(ctx, req)
		})
		if resp == nil {
			e.metrics.Dropped("handler")
			return nil
		}
	}

	out := e.reply(m, sess, resp.Code)
	opts := echo
	if resp.HasContentFormat {
		opts = opts.addUint(message.ContentFormat, uint32(resp.ContentFormat))
	}
	opts = opts.addStrings(message.LocationPath, resp.LocationPath)

	if m.Code == codes.GET && r.hasObs {
		switch r.observe {
		case 0:
			if resp.Observe && isSuccess(resp.Code) {
				seq := e.observe(sess, m.Token, u, r, h)
				opts = opts.addUint(message.Observe, seq)
			}
		case 1:
			e.cancelObservation(tokenKey(sess.SessionID, m.Token))
		}
	}

	body, b2, more, err := e.paginate(key, resp, r, m.Code == codes.GET)
	if err != nil {
		return e.reply(m, sess, errors.Code(err))
	}
	if b2 != nil {
		opts = opts.addUint(message.Block2, b2.encode())
		if b2.Num == 0 && more {
			opts = opts.addUint(message.Size2, uint32(len(resp.Payload)))
		}
	}
	out.Options = opts.sorted()
	out.Payload = body
	return out
}

// reply starts a response to m: piggy-backed Ack for a confirmable request,
// Non for a non-confirmable one, carrying the same message id and token.
func (e *Engine) reply(m message.Message, sess *handler.Context, code codes.Code) *message.Message {
	out := &message.Message{Code: code, Token: m.Token}
	if !sess.Reliable {
		out.MessageID = m.MessageID
		out.Type = message.Acknowledgement
		if m.Type == message.NonConfirmable {
			out.Type = message.NonConfirmable
		}
	}
	return out
}

type dedupEntry struct {
	at      time.Time
	pending bool
	reply   []byte
}

// duplicate reports whether key was seen within the exchange lifetime and
// returns the cached reply. A request still being served is a duplicate with
// no reply.
func (e *Engine) duplicate(key string) ([]byte, bool) {
	now := e.cfg.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.dedup.Get(key); ok {
		entry := v.(*dedupEntry)
		if now.Sub(entry.at) < e.cfg.ExchangeLifetime {
			return entry.reply, true
		}
	}
	e.dedup.Add(key, &dedupEntry{at: now, pending: true})
	return nil, false
}

func (e *Engine) remember(key string, reply []byte) {
	if key == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedup.Add(key, &dedupEntry{at: e.cfg.Now(), reply: reply})
}

// transmit encodes and sends m, returning the encoded bytes.
func (e *Engine) transmit(ctx context.Context, m message.Message, sess *handler.Context) ([]byte, error) {
	b, err := Marshal(m, sess)
	if err != nil {
		return nil, errors.New("encode", sess.SessionID, fmt.Errorf("%v: %w", err, errors.ErrNoResources))
	}
	e.metrics.Message("out", typeLabel(m, sess), m.Code.String(), len(b), sess.Protocol)
	return b, e.resend(ctx, b, sess)
}

func (e *Engine) resend(ctx context.Context, b []byte, sess *handler.Context) error {
	if err := e.transport.Send(ctx, b, sess); err != nil {
		e.logger.Warn("failed to send coap message",
			slog.String("session", sess.SessionID),
			slog.String("remote", sess.RemoteAddr),
			slog.String("error", err.Error()))
		return errors.New("send", sess.SessionID, fmt.Errorf("%v: %w", err, errors.ErrTransport))
	}
	return nil
}

func (e *Engine) nextMIDLocked() uint16 {
	e.mid++
	return e.mid
}

// CloseSession forgets every transaction, block transfer, observation and
// cached reply of a session. Pending transactions fail with ErrCancelled.
func (e *Engine) CloseSession(id string) {
	prefix := id + "|"
	var cancelled []*Transaction

	e.mu.Lock()
	for t := range e.txs {
		if t.sess.SessionID == id {
			e.removeTxLocked(t)
			cancelled = append(cancelled, t)
		}
	}
	for k := range e.block1 {
		if strings.HasPrefix(k, prefix) {
			delete(e.block1, k)
		}
	}
	for k := range e.block2 {
		if strings.HasPrefix(k, prefix) {
			delete(e.block2, k)
		}
	}
	for k, o := range e.observers {
		if o.sess.SessionID == id {
			e.removeObserverLocked(k)
		}
	}
	for _, k := range e.dedup.Keys() {
		if s, ok := k.(string); ok && strings.HasPrefix(s, prefix) {
			e.dedup.Remove(k)
		}
	}
	e.metrics.SetObservations(len(e.observers))
	e.mu.Unlock()

	for _, t := range cancelled {
		t.finish(nil, errors.ErrCancelled)
		e.metrics.TransactionDone("cancelled")
	}
}

func typeLabel(m message.Message, sess *handler.Context) string {
	if sess.Reliable {
		return "reliable"
	}
	return m.Type.String()
}

func isSuccess(c codes.Code) bool {
	return c>>5 == 2
}
