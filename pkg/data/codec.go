// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
)

// Encoder serializes value trees. Fallback is the format used when plain
// text or opaque cannot represent the values; it must be TLV or JSON.
type Encoder struct {
	Fallback MediaType
}

// DefaultEncoder falls back to TLV.
var DefaultEncoder = Encoder{Fallback: TLV}

// Serialize encodes values addressed by u with DefaultEncoder.
func Serialize(u uri.URI, mt MediaType, values []Value) ([]byte, MediaType, error) {
	return DefaultEncoder.Serialize(u, mt, values)
}

// Serialize encodes values addressed by u. It returns the format actually
// produced, which differs from mt when the request was upgraded. On failure
// it returns no bytes.
func (e Encoder) Serialize(u uri.URI, mt MediaType, values []Value) ([]byte, MediaType, error) {
	mt = mt.Normalize()
	fallback := e.Fallback.Normalize()
	if fallback != JSON {
		fallback = TLV
	}

	if mt == TextPlain || mt == OctetStream {
		if len(values) != 1 || !u.HasResource() || values[0].Kind().Composite() {
			mt = fallback
		}
	}
	if mt == TextPlain && values[0].Kind() == KindOpaque {
		mt = OctetStream
	}
	if mt == OctetStream && values[0].Kind() != KindOpaque {
		return nil, mt, fmt.Errorf("opaque format requested for %s value: %w", values[0].Kind(), errors.ErrNotAcceptable)
	}

	var (
		out []byte
		err error
	)
	switch mt {
	case TextPlain:
		out, err = formatText(values[0])
	case OctetStream:
		b, _ := values[0].Bytes()
		out = append([]byte{}, b...)
	case TLV:
		out, err = serializeTLV(values)
	case JSON:
		out, err = serializeJSON(u, values)
	default:
		return nil, mt, fmt.Errorf("cannot serialize to %s: %w", mt, errors.ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, mt, err
	}
	return out, mt, nil
}

// Parse decodes buf according to mt. Plain text and opaque payloads require a
// resource level URI and yield a single String or Opaque value. TLV leaves
// are returned as Opaque since the format does not carry their type.
func Parse(u uri.URI, mt MediaType, buf []byte) ([]Value, error) {
	switch mt.Normalize() {
	case TextPlain, OctetStream:
		if !u.HasResource() {
			return nil, fmt.Errorf("%s payload needs a resource uri, got %s: %w", mt, u, errors.ErrMalformed)
		}
		id := u.ResourceID
		if u.HasResourceInstance() {
			id = u.ResourceInstanceID
		}
		if mt.Normalize() == TextPlain {
			return []Value{String(id, string(buf))}, nil
		}
		return []Value{Opaque(id, buf)}, nil
	case TLV:
		return parseTLV(buf, KindUndefined)
	case JSON:
		return parseJSON(u, buf)
	}
	return nil, fmt.Errorf("cannot parse %s: %w", mt, errors.ErrUnsupportedFormat)
}
