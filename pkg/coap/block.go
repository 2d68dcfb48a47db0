// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"fmt"
	"time"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
)

type blockStatus uint8

const (
	blockContinue blockStatus = iota
	blockReplay
	blockComplete
)

// block1State accumulates a Block1 request body.
type block1State struct {
	buf     []byte
	lastMID uint16
	lastNum uint32
	touched time.Time
}

// block2State holds a paginated reply so later blocks come from the same
// representation.
type block2State struct {
	resp    *handler.Response
	touched time.Time
}

// receiveBlock1 feeds one Block1 fragment into the state of the request's
// path. Fragments already applied are acknowledged again without touching
// the buffer. The assembled body is returned with the final fragment.
func (e *Engine) receiveBlock1(sess *handler.Context, mid uint16, r request, payload []byte) ([]byte, blockStatus, error) {
	key := resourceKey(sess.SessionID, r.path, r.queries)
	b := r.block1
	now := e.cfg.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.block1[key]
	if st != nil && !sess.Reliable && st.lastMID == mid && st.lastNum == b.Num {
		e.metrics.Block("block1", "replay")
		return nil, blockReplay, nil
	}
	if b.More && len(payload) != b.Size() {
		delete(e.block1, key)
		return nil, 0, fmt.Errorf("block %d carries %d of %d bytes: %w", b.Num, len(payload), b.Size(), errors.ErrMalformed)
	}
	if b.Num == 0 {
		st = &block1State{}
		e.block1[key] = st
	}
	if st == nil {
		e.metrics.Block("block1", "incomplete")
		return nil, 0, fmt.Errorf("block %d without transfer: %w", b.Num, errors.ErrRequestIncomplete)
	}

	off := b.Offset()
	if off != len(st.buf) {
		if off < len(st.buf) && off+len(payload) <= len(st.buf) && bytes.Equal(st.buf[off:off+len(payload)], payload) {
			st.touched = now
			e.metrics.Block("block1", "replay")
			return nil, blockReplay, nil
		}
		delete(e.block1, key)
		e.metrics.Block("block1", "incomplete")
		return nil, 0, fmt.Errorf("block %d at offset %d, have %d bytes: %w", b.Num, off, len(st.buf), errors.ErrRequestIncomplete)
	}
	if len(st.buf)+len(payload) > e.cfg.MaxMessageSize {
		delete(e.block1, key)
		e.metrics.Block("block1", "too_large")
		return nil, 0, fmt.Errorf("body exceeds %d bytes: %w", e.cfg.MaxMessageSize, errors.ErrEntityTooLarge)
	}

	st.buf = append(st.buf, payload...)
	st.lastMID = mid
	st.lastNum = b.Num
	st.touched = now
	if b.More {
		return nil, blockContinue, nil
	}
	delete(e.block1, key)
	e.metrics.Block("block1", "complete")
	return st.buf, blockComplete, nil
}

// paginate cuts the block of resp.Payload the request asked for. A nil
// block means the payload is sent whole. Only a stored representation is
// kept for later blocks; other replies are rebuilt per block.
func (e *Engine) paginate(key string, resp *handler.Response, r request, store bool) ([]byte, *Block, bool, error) {
	szx := szxFor(e.cfg.BlockSize)
	if r.hasB2 && r.block2.SZX < szx {
		szx = r.block2.SZX
	}
	size := 1 << (szx + 4)
	payload := resp.Payload
	if !r.hasB2 && len(payload) <= size {
		return payload, nil, false, nil
	}

	var off int
	if r.hasB2 {
		off = r.block2.Offset()
	}
	if off > 0 && off >= len(payload) {
		if store {
			e.dropBlock2(key)
		}
		return nil, nil, false, fmt.Errorf("block offset %d past %d bytes: %w", off, len(payload), errors.ErrMalformed)
	}
	end := off + size
	if end > len(payload) {
		end = len(payload)
	}
	b := &Block{Num: uint32(off / size), More: end < len(payload), SZX: szx}
	switch {
	case !store:
	case b.More:
		e.storeBlock2(key, resp)
	default:
		e.dropBlock2(key)
	}
	e.metrics.Block("block2", "served")
	return payload[off:end], b, b.More, nil
}

func (e *Engine) storeBlock2(key string, resp *handler.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block2[key] = &block2State{resp: resp, touched: e.cfg.Now()}
}

func (e *Engine) dropBlock2(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.block2, key)
}

func (e *Engine) cachedBlock2(key string) *handler.Response {
	now := e.cfg.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.block2[key]
	if !ok {
		return nil
	}
	if now.Sub(st.touched) >= e.cfg.ExchangeLifetime {
		delete(e.block2, key)
		return nil
	}
	st.touched = now
	return st.resp
}

// expireBlocksLocked drops idle transfers and returns the next expiry.
func (e *Engine) expireBlocksLocked(now time.Time) time.Time {
	var next time.Time
	for k, st := range e.block1 {
		deadline := st.touched.Add(e.cfg.ExchangeLifetime)
		if !now.Before(deadline) {
			delete(e.block1, k)
			e.metrics.Block("block1", "expired")
			continue
		}
		next = earliest(next, deadline)
	}
	for k, st := range e.block2 {
		deadline := st.touched.Add(e.cfg.ExchangeLifetime)
		if !now.Before(deadline) {
			delete(e.block2, k)
			continue
		}
		next = earliest(next, deadline)
	}
	return next
}

// earliest returns the earlier of two deadlines, treating zero as unset.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}
