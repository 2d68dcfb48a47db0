// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/absmach/lwm2m/pkg/errors"
)

// DecodeInt reads an integer from v. Strings are parsed as decimal text,
// opaque values as 1, 2, 4 or 8 byte big-endian two's complement.
func DecodeInt(v Value) (int64, error) {
	switch p := v.payload.(type) {
	case integerPayload:
		return int64(p), nil
	case floatPayload:
		f := float64(p)
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("float %v is not an integer: %w", f, errors.ErrMalformed)
		}
		return int64(f), nil
	case booleanPayload:
		if p {
			return 1, nil
		}
		return 0, nil
	case stringPayload:
		return parseInt(string(p))
	case opaquePayload:
		return opaqueInt(p)
	}
	return 0, fmt.Errorf("cannot decode %s as integer: %w", v.Kind(), errors.ErrMalformed)
}

// DecodeFloat reads a float from v. Opaque values must be 4 or 8 byte IEEE-754.
func DecodeFloat(v Value) (float64, error) {
	switch p := v.payload.(type) {
	case floatPayload:
		return float64(p), nil
	case integerPayload:
		return float64(p), nil
	case stringPayload:
		return parseFloat(string(p))
	case opaquePayload:
		switch len(p) {
		case 4:
			return float64(math.Float32frombits(binary.BigEndian.Uint32(p))), nil
		case 8:
			return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
		}
		return 0, fmt.Errorf("opaque float of %d bytes: %w", len(p), errors.ErrMalformed)
	}
	return 0, fmt.Errorf("cannot decode %s as float: %w", v.Kind(), errors.ErrMalformed)
}

// DecodeBool reads a boolean from v.
func DecodeBool(v Value) (bool, error) {
	switch p := v.payload.(type) {
	case booleanPayload:
		return bool(p), nil
	case stringPayload:
		switch p {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
	case opaquePayload:
		if len(p) == 1 && p[0] <= 1 {
			return p[0] == 1, nil
		}
	}
	return false, fmt.Errorf("cannot decode %s as boolean: %w", v.Kind(), errors.ErrMalformed)
}

// DecodeObjectLink reads an object link from v. Strings use the "oid:iid" form.
func DecodeObjectLink(v Value) (oid, iid uint16, err error) {
	switch p := v.payload.(type) {
	case linkPayload:
		return p.objectID, p.instanceID, nil
	case opaquePayload:
		if len(p) == 4 {
			return binary.BigEndian.Uint16(p), binary.BigEndian.Uint16(p[2:]), nil
		}
	case stringPayload:
		return parseLink(string(p))
	}
	return 0, 0, fmt.Errorf("cannot decode %s as object link: %w", v.Kind(), errors.ErrMalformed)
}

// Coerce converts a leaf to the given kind. It is used where a format such as
// TLV does not carry the resource type and the caller knows it.
func Coerce(v Value, k Kind) (Value, error) {
	if v.Kind() == k {
		return v, nil
	}
	out := Value{ID: v.ID}
	switch k {
	case KindString:
		b, ok := v.Bytes()
		if !ok {
			txt, err := formatText(v)
			if err != nil {
				return Value{}, err
			}
			b = txt
		}
		out.SetString(string(b))
	case KindOpaque:
		if v.Kind() != KindString {
			return Value{}, fmt.Errorf("cannot coerce %s to opaque: %w", v.Kind(), errors.ErrMalformed)
		}
		// Opaque carried in a string (JSON sv, plain text) is base64.
		s, _ := v.Bytes()
		b, err := base64.StdEncoding.DecodeString(string(s))
		if err != nil {
			return Value{}, fmt.Errorf("opaque value is not base64: %v: %w", err, errors.ErrMalformed)
		}
		out.SetOpaque(b)
	case KindInteger:
		i, err := DecodeInt(v)
		if err != nil {
			return Value{}, err
		}
		out.SetInt(i)
	case KindFloat:
		f, err := DecodeFloat(v)
		if err != nil {
			return Value{}, err
		}
		out.SetFloat(f)
	case KindBoolean:
		b, err := DecodeBool(v)
		if err != nil {
			return Value{}, err
		}
		out.SetBool(b)
	case KindObjectLink:
		oid, iid, err := DecodeObjectLink(v)
		if err != nil {
			return Value{}, err
		}
		out.SetObjectLink(oid, iid)
	default:
		return Value{}, fmt.Errorf("cannot coerce %s to %s: %w", v.Kind(), k, errors.ErrMalformed)
	}
	return out, nil
}

func opaqueInt(b []byte) (int64, error) {
	switch len(b) {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	}
	return 0, fmt.Errorf("opaque integer of %d bytes: %w", len(b), errors.ErrMalformed)
}

// parseInt accepts an optional sign followed by decimal digits. Values outside
// the int64 range fail instead of wrapping.
func parseInt(s string) (int64, error) {
	i := 0
	neg := false
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	if i == len(s) {
		return 0, fmt.Errorf("invalid integer %q: %w", s, errors.ErrMalformed)
	}
	var acc uint64
	limit := uint64(math.MaxInt64)
	if neg {
		limit++
	}
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid integer %q: %w", s, errors.ErrMalformed)
		}
		d := uint64(c - '0')
		if acc > (limit-d)/10 {
			return 0, fmt.Errorf("integer %q overflows: %w", s, errors.ErrMalformed)
		}
		acc = acc*10 + d
	}
	if neg {
		return -int64(acc - 1) - 1, nil
	}
	return int64(acc), nil
}

// parseFloat accepts [sign] digits [ '.' digits ]. Exponents are rejected.
func parseFloat(s string) (float64, error) {
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	digits, dot := 0, false
	for ; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !dot:
			dot = true
		default:
			return 0, fmt.Errorf("invalid float %q: %w", s, errors.ErrMalformed)
		}
	}
	if digits == 0 {
		return 0, fmt.Errorf("invalid float %q: %w", s, errors.ErrMalformed)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q: %w", s, errors.ErrMalformed)
	}
	return f, nil
}

func parseLink(s string) (uint16, uint16, error) {
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			continue
		}
		oid, err := parseInt(s[:i])
		if err != nil || oid < 0 || oid > math.MaxUint16 {
			break
		}
		iid, err := parseInt(s[i+1:])
		if err != nil || iid < 0 || iid > math.MaxUint16 {
			break
		}
		return uint16(oid), uint16(iid), nil
	}
	return 0, 0, fmt.Errorf("invalid object link %q: %w", s, errors.ErrMalformed)
}
