// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	tcpcoder "github.com/plgd-dev/go-coap/v3/tcp/coder"
	udpcoder "github.com/plgd-dev/go-coap/v3/udp/coder"
)

// codec encodes and decodes one framing of CoAP messages.
type codec interface {
	Size(m message.Message) (int, error)
	Encode(m message.Message, buf []byte) (int, error)
	Decode(data []byte, m *message.Message) (int, error)
}

func codecFor(sess *handler.Context) codec {
	if sess.Reliable {
		return tcpcoder.DefaultCoder
	}
	return udpcoder.DefaultCoder
}

// Marshal encodes m with the framing of sess.
func Marshal(m message.Message, sess *handler.Context) ([]byte, error) {
	c := codecFor(sess)
	size, err := c.Size(m)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := c.Encode(m, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Unmarshal decodes one message with the framing of sess. The payload is
// copied so the caller may reuse data.
func Unmarshal(data []byte, sess *handler.Context) (message.Message, error) {
	// Every option takes at least one byte.
	m := message.Message{Options: make(message.Options, 0, len(data))}
	n, err := codecFor(sess).Decode(data, &m)
	if err != nil {
		return message.Message{}, fmt.Errorf("%v: %w", err, errors.ErrMalformed)
	}
	if n != len(data) {
		return message.Message{}, fmt.Errorf("%d trailing bytes: %w", len(data)-n, errors.ErrMalformed)
	}
	if len(m.Token) > 8 {
		return message.Message{}, fmt.Errorf("token length %d: %w", len(m.Token), errors.ErrMalformed)
	}
	m.Token = append(message.Token(nil), m.Token...)
	m.Payload = append([]byte(nil), m.Payload...)
	opts := make(message.Options, len(m.Options))
	for i, o := range m.Options {
		opts[i] = message.Option{ID: o.ID, Value: append([]byte(nil), o.Value...)}
	}
	m.Options = opts
	return m, nil
}

func isRequest(c codes.Code) bool {
	return c != codes.Empty && c>>5 == 0
}

func isSignal(c codes.Code) bool {
	return c>>5 == 7
}

func isMethod(c codes.Code) bool {
	switch c {
	case codes.GET, codes.POST, codes.PUT, codes.DELETE:
		return true
	}
	return false
}

// options builds an option list kept in ascending id order.
type options message.Options

func (o options) add(id message.OptionID, v []byte) options {
	return append(o, message.Option{ID: id, Value: v})
}

func (o options) addUint(id message.OptionID, v uint32) options {
	return o.add(id, encodeUint(v))
}

func (o options) addStrings(id message.OptionID, vs []string) options {
	for _, v := range vs {
		o = o.add(id, []byte(v))
	}
	return o
}

func (o options) sorted() message.Options {
	sort.SliceStable(o, func(i, j int) bool { return o[i].ID < o[j].ID })
	return message.Options(o)
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v <= 0xff:
		return []byte{byte(v)}
	case v <= 0xffff:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xffffff:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func optionUint(opts message.Options, id message.OptionID) (uint32, bool, error) {
	for _, o := range opts {
		if o.ID != id {
			continue
		}
		if len(o.Value) > 4 {
			return 0, true, fmt.Errorf("option %d: %d bytes: %w", id, len(o.Value), errors.ErrMalformed)
		}
		var v uint32
		for _, b := range o.Value {
			v = v<<8 | uint32(b)
		}
		return v, true, nil
	}
	return 0, false, nil
}

func optionStrings(opts message.Options, id message.OptionID) []string {
	var out []string
	for _, o := range opts {
		if o.ID == id {
			out = append(out, string(o.Value))
		}
	}
	return out
}

// Block is a decoded Block1 or Block2 option value.
type Block struct {
	Num  uint32
	More bool
	SZX  uint8
}

const maxBlockNum = 1<<20 - 1

// Size returns the block size in bytes.
func (b Block) Size() int { return 1 << (b.SZX + 4) }

// Offset returns the byte offset of the block.
func (b Block) Offset() int { return int(b.Num) * b.Size() }

func (b Block) encode() uint32 {
	v := b.Num<<4 | uint32(b.SZX)
	if b.More {
		v |= 0x08
	}
	return v
}

func decodeBlock(v uint32) (Block, error) {
	b := Block{Num: v >> 4, More: v&0x08 != 0, SZX: uint8(v & 0x07)}
	if b.SZX == 7 || b.Num > maxBlockNum {
		return Block{}, fmt.Errorf("block option %#x: %w", v, errors.ErrMalformed)
	}
	return b, nil
}

// szxFor returns the largest SZX whose block size does not exceed size.
func szxFor(size int) uint8 {
	var szx uint8
	for szx < 6 && 1<<(szx+5) <= size {
		szx++
	}
	return szx
}

// request is the decoded view of an inbound request.
type request struct {
	path    []string
	queries []string
	format  uint32
	hasFmt  bool
	accept  uint32
	hasAcc  bool
	observe uint32
	hasObs  bool
	block1  Block
	hasB1   bool
	block2  Block
	hasB2   bool
}

func decodeRequest(m message.Message) (request, error) {
	r := request{
		path:    optionStrings(m.Options, message.URIPath),
		queries: optionStrings(m.Options, message.URIQuery),
	}
	var err error
	if r.format, r.hasFmt, err = optionUint(m.Options, message.ContentFormat); err != nil {
		return request{}, err
	}
	if r.accept, r.hasAcc, err = optionUint(m.Options, message.Accept); err != nil {
		return request{}, err
	}
	if r.observe, r.hasObs, err = optionUint(m.Options, message.Observe); err != nil {
		return request{}, err
	}
	v, ok, err := optionUint(m.Options, message.Block1)
	if err != nil {
		return request{}, err
	}
	if ok {
		if r.block1, err = decodeBlock(v); err != nil {
			return request{}, err
		}
		r.hasB1 = true
	}
	if v, ok, err = optionUint(m.Options, message.Block2); err != nil {
		return request{}, err
	}
	if ok {
		if r.block2, err = decodeBlock(v); err != nil {
			return request{}, err
		}
		r.hasB2 = true
	}
	return r, nil
}

// resourceKey identifies a path and query on a session.
func resourceKey(session string, path, queries []string) string {
	return session + "|" + strings.Join(path, "/") + "?" + strings.Join(queries, "&")
}

func midKey(session string, mid uint16) string {
	return fmt.Sprintf("%s|%d", session, mid)
}

func tokenKey(session string, token []byte) string {
	return fmt.Sprintf("%s|%x", session, token)
}
