// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/absmach/lwm2m/pkg/errors"
)

// TLV node types, bits 7-6 of the header byte.
const (
	tlvObjectInstance   byte = 0x00
	tlvResourceInstance byte = 0x01
	tlvMultipleResource byte = 0x02
	tlvResource         byte = 0x03
)

const (
	tlvID16        = 0x20
	tlvMaxLength   = 1<<24 - 1
	tlvInlineLimit = 8
)

// tlvHeaderSize returns the minimal header width for an id and length.
func tlvHeaderSize(id uint16, length int) int {
	n := 2
	if id > math.MaxUint8 {
		n++
	}
	switch {
	case length < tlvInlineLimit:
	case length <= math.MaxUint8:
		n++
	case length <= math.MaxUint16:
		n += 2
	default:
		n += 3
	}
	return n
}

func appendTLVHeader(buf []byte, typ byte, id uint16, length int) ([]byte, error) {
	if length > tlvMaxLength {
		return nil, fmt.Errorf("tlv length %d exceeds 24 bits: %w", length, errors.ErrNoResources)
	}
	h := typ << 6
	if id > math.MaxUint8 {
		h |= tlvID16
	}
	var lenBytes int
	switch {
	case length < tlvInlineLimit:
		h |= byte(length)
	case length <= math.MaxUint8:
		lenBytes = 1
	case length <= math.MaxUint16:
		lenBytes = 2
	default:
		lenBytes = 3
	}
	h |= byte(lenBytes) << 3
	buf = append(buf, h)
	if id > math.MaxUint8 {
		buf = append(buf, byte(id>>8))
	}
	buf = append(buf, byte(id))
	for i := lenBytes - 1; i >= 0; i-- {
		buf = append(buf, byte(length>>(8*i)))
	}
	return buf, nil
}

// tlvScalar returns the wire bytes of a leaf. Integers use the shortest of
// 1, 2, 4 or 8 bytes and floats 4 bytes when no precision is lost.
func tlvScalar(v Value) ([]byte, error) {
	switch p := v.payload.(type) {
	case stringPayload:
		return []byte(p), nil
	case opaquePayload:
		return p, nil
	case integerPayload:
		i := int64(p)
		switch {
		case i >= math.MinInt8 && i <= math.MaxInt8:
			return []byte{byte(i)}, nil
		case i >= math.MinInt16 && i <= math.MaxInt16:
			return binary.BigEndian.AppendUint16(nil, uint16(i)), nil
		case i >= math.MinInt32 && i <= math.MaxInt32:
			return binary.BigEndian.AppendUint32(nil, uint32(i)), nil
		}
		return binary.BigEndian.AppendUint64(nil, uint64(i)), nil
	case floatPayload:
		f := float64(p)
		if f32 := float32(f); float64(f32) == f {
			return binary.BigEndian.AppendUint32(nil, math.Float32bits(f32)), nil
		}
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(f)), nil
	case booleanPayload:
		if p {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case linkPayload:
		b := binary.BigEndian.AppendUint16(nil, p.objectID)
		return binary.BigEndian.AppendUint16(b, p.instanceID), nil
	}
	return nil, fmt.Errorf("cannot encode %s as tlv: %w", v.Kind(), errors.ErrMalformed)
}

func appendTLV(buf []byte, v Value, inMultiple bool) ([]byte, error) {
	var (
		typ     byte
		content []byte
		err     error
	)
	switch v.Kind() {
	case KindObject:
		for _, c := range v.Children() {
			if buf, err = appendTLV(buf, c, false); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case KindObjectInstance:
		typ = tlvObjectInstance
		for _, c := range v.Children() {
			if c.Kind() == KindObjectInstance || c.Kind() == KindObject {
				return nil, fmt.Errorf("instance %d nests %s: %w", v.ID, c.Kind(), errors.ErrMalformed)
			}
			if content, err = appendTLV(content, c, false); err != nil {
				return nil, err
			}
		}
	case KindMultipleResource:
		typ = tlvMultipleResource
		for _, c := range v.Children() {
			if c.Kind().Composite() {
				return nil, fmt.Errorf("multiple resource %d nests %s: %w", v.ID, c.Kind(), errors.ErrMalformed)
			}
			if content, err = appendTLV(content, c, true); err != nil {
				return nil, err
			}
		}
	default:
		typ = tlvResource
		if inMultiple {
			typ = tlvResourceInstance
		}
		if content, err = tlvScalar(v); err != nil {
			return nil, err
		}
	}
	if buf, err = appendTLVHeader(buf, typ, v.ID, len(content)); err != nil {
		return nil, err
	}
	return append(buf, content...), nil
}

func serializeTLV(values []Value) ([]byte, error) {
	var (
		buf []byte
		err error
	)
	for _, v := range values {
		if buf, err = appendTLV(buf, v, false); err != nil {
			return nil, err
		}
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf, nil
}

type tlvRecord struct {
	typ     byte
	id      uint16
	content []byte
}

// readTLV splits the first record off b. It never reads past len(b).
func readTLV(b []byte) (tlvRecord, []byte, error) {
	if len(b) < 2 {
		return tlvRecord{}, nil, fmt.Errorf("truncated tlv header: %w", errors.ErrMalformed)
	}
	h := b[0]
	idLen := 1
	if h&tlvID16 != 0 {
		idLen = 2
	}
	lenLen := int(h>>3) & 0x03
	hdr := 1 + idLen + lenLen
	if len(b) < hdr {
		return tlvRecord{}, nil, fmt.Errorf("truncated tlv header: %w", errors.ErrMalformed)
	}
	rec := tlvRecord{typ: h >> 6}
	if idLen == 2 {
		rec.id = binary.BigEndian.Uint16(b[1:])
	} else {
		rec.id = uint16(b[1])
	}
	if rec.id == math.MaxUint16 {
		return tlvRecord{}, nil, fmt.Errorf("reserved tlv id: %w", errors.ErrMalformed)
	}
	length := int(h & 0x07)
	if lenLen > 0 {
		length = 0
		for _, c := range b[1+idLen : hdr] {
			length = length<<8 | int(c)
		}
	}
	if length > len(b)-hdr {
		return tlvRecord{}, nil, fmt.Errorf("tlv length %d exceeds remaining %d bytes: %w", length, len(b)-hdr, errors.ErrMalformed)
	}
	rec.content = b[hdr : hdr+length]
	return rec, b[hdr+length:], nil
}

// parseTLV decodes a sequence of records. parent restricts which record types
// may appear: instances hold resources, multiple resources hold instances.
func parseTLV(b []byte, parent Kind) ([]Value, error) {
	var out []Value
	for len(b) > 0 {
		rec, rest, err := readTLV(b)
		if err != nil {
			return nil, err
		}
		b = rest

		switch rec.typ {
		case tlvObjectInstance:
			if parent != KindUndefined {
				return nil, fmt.Errorf("object instance inside %s: %w", parent, errors.ErrMalformed)
			}
			children, err := parseTLV(rec.content, KindObjectInstance)
			if err != nil {
				return nil, err
			}
			out = append(out, newComposite(rec.id, KindObjectInstance, children))
		case tlvMultipleResource:
			if parent == KindMultipleResource {
				return nil, fmt.Errorf("multiple resource inside multiple resource: %w", errors.ErrMalformed)
			}
			children, err := parseTLV(rec.content, KindMultipleResource)
			if err != nil {
				return nil, err
			}
			out = append(out, newComposite(rec.id, KindMultipleResource, children))
		case tlvResourceInstance:
			if parent == KindObjectInstance {
				return nil, fmt.Errorf("resource instance inside object instance: %w", errors.ErrMalformed)
			}
			out = append(out, Opaque(rec.id, rec.content))
		case tlvResource:
			if parent == KindMultipleResource {
				return nil, fmt.Errorf("resource inside multiple resource: %w", errors.ErrMalformed)
			}
			out = append(out, Opaque(rec.id, rec.content))
		}
	}
	return out, nil
}
