// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendGet(t *testing.T, e *Engine, rec *recorder) (*Transaction, message.Message) {
	t.Helper()
	tx, err := e.Send(context.Background(), udpSession, &OutgoingRequest{
		Method:    codes.GET,
		Path:      []string{"3", "0", "9"},
		Accept:    data.TextPlain,
		HasAccept: true,
	})
	require.NoError(t, err)
	return tx, rec.last(t, udpSession)
}

func TestSendEncodesRequest(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	tx, m := sendGet(t, e, rec)

	assert.Equal(t, StatePending, tx.State())
	assert.Equal(t, message.Confirmable, m.Type)
	assert.Equal(t, codes.GET, m.Code)
	assert.Len(t, m.Token, 8)
	assert.Equal(t, []string{"3", "0", "9"}, optionStrings(m.Options, message.URIPath))
	accept, ok, err := optionUint(m.Options, message.Accept)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(data.TextPlain), accept)
}

func TestRetransmissionBackoff(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{AckTimeout: 2 * time.Second, MaxRetransmit: 4})
	tx, _ := sendGet(t, e, rec)
	ctx := context.Background()

	start := clk.Now()
	next := e.Step(ctx, start)
	assert.Equal(t, start.Add(2*time.Second), next)
	assert.Equal(t, 1, rec.count())

	// 2s, 4s, 8s, 16s between transmissions.
	at := start
	for i, wait := range []time.Duration{2, 4, 8, 16} {
		at = at.Add(wait * time.Second)
		e.Step(ctx, at)
		assert.Equal(t, i+2, rec.count(), "retransmission %d", i+1)
		assert.Equal(t, StatePending, tx.State())
		assert.Equal(t, rec.sent[0], rec.sent[i+1])
	}

	at = at.Add(32 * time.Second)
	assert.True(t, e.Step(ctx, at).IsZero())
	assert.Equal(t, 5, rec.count())
	assert.Equal(t, StateFailed, tx.State())
	assert.ErrorIs(t, tx.Err(), errors.ErrTimeout)

	select {
	case <-tx.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestPiggybackedAckCompletesTransaction(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{})
	tx, m := sendGet(t, e, rec)

	ack := message.Message{
		Type:      message.Acknowledgement,
		Code:      codes.Content,
		MessageID: m.MessageID,
		Token:     m.Token,
		Options:   options{}.addUint(message.ContentFormat, uint32(data.TextPlain)).sorted(),
		Payload:   []byte("95"),
	}
	require.NoError(t, feed(t, e, ack, udpSession))

	resp, err := tx.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, tx.State())
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, data.TextPlain, resp.ContentFormat)
	assert.Equal(t, []byte("95"), resp.Payload)

	e.Step(context.Background(), clk.advance(time.Minute))
	assert.Equal(t, 1, rec.count())
}

func TestSeparateResponse(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{})
	tx, m := sendGet(t, e, rec)

	require.NoError(t, feed(t, e, message.Message{Type: message.Acknowledgement, Code: codes.Empty, MessageID: m.MessageID}, udpSession))
	e.Step(context.Background(), clk.advance(10*time.Second))
	assert.Equal(t, 1, rec.count(), "acknowledged request must not be retransmitted")
	assert.Equal(t, StatePending, tx.State())

	separate := message.Message{Type: message.Confirmable, Code: codes.Content, MessageID: 999, Token: m.Token, Payload: []byte("1")}
	require.NoError(t, feed(t, e, separate, udpSession))
	assert.Equal(t, StateComplete, tx.State())

	ack := rec.last(t, udpSession)
	assert.Equal(t, message.Acknowledgement, ack.Type)
	assert.Equal(t, codes.Empty, ack.Code)
	assert.Equal(t, int32(999), ack.MessageID)
}

func TestSeparateResponseTimeout(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{ExchangeLifetime: time.Minute})
	tx, m := sendGet(t, e, rec)
	require.NoError(t, feed(t, e, message.Message{Type: message.Acknowledgement, Code: codes.Empty, MessageID: m.MessageID}, udpSession))

	e.Step(context.Background(), clk.advance(2*time.Minute))
	assert.ErrorIs(t, tx.Err(), errors.ErrTimeout)
}

func TestResetFailsTransaction(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{})
	tx, m := sendGet(t, e, rec)

	require.NoError(t, feed(t, e, message.Message{Type: message.Reset, Code: codes.Empty, MessageID: m.MessageID}, udpSession))
	assert.Equal(t, StateFailed, tx.State())
	assert.ErrorIs(t, tx.Err(), errors.ErrReset)

	// A second reset and a late ack are ignored.
	require.NoError(t, feed(t, e, message.Message{Type: message.Reset, Code: codes.Empty, MessageID: m.MessageID}, udpSession))
	require.NoError(t, feed(t, e, message.Message{Type: message.Acknowledgement, Code: codes.Content, MessageID: m.MessageID, Token: m.Token}, udpSession))
	assert.ErrorIs(t, tx.Err(), errors.ErrReset)

	e.Step(context.Background(), clk.advance(time.Minute))
	assert.Equal(t, 1, rec.count())
}

func TestCancelIsIdempotent(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{})
	tx, _ := sendGet(t, e, rec)

	tx.Cancel()
	tx.Cancel()
	assert.Equal(t, StateFailed, tx.State())
	assert.ErrorIs(t, tx.Err(), errors.ErrCancelled)
	assert.Nil(t, tx.Response())

	assert.True(t, e.Step(context.Background(), clk.advance(time.Minute)).IsZero())
	assert.Equal(t, 1, rec.count())
}

func TestUnmatchedMessages(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})

	// Unmatched ack and reset are dropped.
	require.NoError(t, feed(t, e, message.Message{Type: message.Acknowledgement, Code: codes.Empty, MessageID: 1}, udpSession))
	require.NoError(t, feed(t, e, message.Message{Type: message.Reset, Code: codes.Empty, MessageID: 2}, udpSession))
	require.NoError(t, feed(t, e, message.Message{Type: message.Acknowledgement, Code: codes.Content, MessageID: 3, Token: message.Token{1}}, udpSession))
	assert.Equal(t, 0, rec.count())

	// An unmatched confirmable response is rejected.
	require.NoError(t, feed(t, e, message.Message{Type: message.Confirmable, Code: codes.Content, MessageID: 4, Token: message.Token{2}}, udpSession))
	rst := rec.last(t, udpSession)
	assert.Equal(t, message.Reset, rst.Type)
	assert.Equal(t, int32(4), rst.MessageID)
}

func TestNonConfirmableRequestTimeout(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{AckTimeout: time.Second, MaxRetransmit: 1})
	tx, err := e.Send(context.Background(), udpSession, &OutgoingRequest{Method: codes.GET, Path: []string{"1"}, NonConfirmable: true})
	require.NoError(t, err)
	m := rec.last(t, udpSession)
	assert.Equal(t, message.NonConfirmable, m.Type)

	// max transmit wait: 1s * (2^2 - 1) * 1.5
	next := e.Step(context.Background(), clk.Now())
	assert.Equal(t, clk.Now().Add(4500*time.Millisecond), next)

	e.Step(context.Background(), clk.advance(5*time.Second))
	assert.Equal(t, 1, rec.count())
	assert.ErrorIs(t, tx.Err(), errors.ErrTimeout)
}

func TestReliableTransactionMatchesToken(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{})
	tx, err := e.Send(context.Background(), tcpSession, &OutgoingRequest{Method: codes.POST, Path: []string{"3", "0", "4"}})
	require.NoError(t, err)
	m := rec.last(t, tcpSession)

	e.Step(context.Background(), clk.advance(10*time.Second))
	assert.Equal(t, 1, rec.count(), "streams are never retransmitted")

	require.NoError(t, feed(t, e, message.Message{Code: codes.Changed, Token: m.Token}, tcpSession))
	assert.Equal(t, StateComplete, tx.State())
	assert.Equal(t, codes.Changed, tx.Response().Code)
}

func TestSendValidation(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{BlockSize: 16})

	_, err := e.Send(context.Background(), udpSession, &OutgoingRequest{Method: codes.Content})
	assert.ErrorIs(t, err, errors.ErrMethodNotAllowed)

	_, err = e.Send(context.Background(), udpSession, &OutgoingRequest{Method: codes.PUT, Payload: make([]byte, 17)})
	assert.ErrorIs(t, err, errors.ErrEntityTooLarge)

	rec.err = fmt.Errorf("closed")
	tx, err := e.Send(context.Background(), udpSession, &OutgoingRequest{Method: codes.GET})
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.Equal(t, StateFailed, tx.State())
}
