// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"math"
	"testing"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncludeKind(t *testing.T) {
	inst := Include(0, Int(1, 5), String(2, "x"))
	assert.Equal(t, KindObjectInstance, inst.Kind())

	obj := Include(3, inst)
	assert.Equal(t, KindObject, obj.Kind())

	empty := Include(4)
	assert.Equal(t, KindObjectInstance, empty.Kind())

	multi := EncodeInstances(7, Int(0, 1), Int(1, 2))
	assert.Equal(t, KindMultipleResource, multi.Kind())
	assert.Len(t, multi.Children(), 2)
}

func TestSetters(t *testing.T) {
	var v Value
	assert.Equal(t, KindUndefined, v.Kind())

	v.SetOpaque(nil)
	b, ok := v.Bytes()
	require.True(t, ok)
	assert.NotNil(t, b)
	assert.Empty(t, b)

	src := []byte{1, 2}
	v.SetOpaque(src)
	src[0] = 9
	b, _ = v.Bytes()
	assert.Equal(t, []byte{1, 2}, b)

	v.SetObjectLink(3, 4)
	oid, iid, err := DecodeObjectLink(v)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), oid)
	assert.Equal(t, uint16(4), iid)
}

func TestDecodeInt(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want int64
		err  bool
	}{
		{name: "integer", v: Int(0, -42), want: -42},
		{name: "text", v: String(0, "1234"), want: 1234},
		{name: "text negative", v: String(0, "-9223372036854775808"), want: math.MinInt64},
		{name: "text max", v: String(0, "9223372036854775807"), want: math.MaxInt64},
		{name: "text overflow", v: String(0, "9223372036854775808"), err: true},
		{name: "text negative overflow", v: String(0, "-9223372036854775809"), err: true},
		{name: "text exponent", v: String(0, "1e3"), err: true},
		{name: "text empty", v: String(0, ""), err: true},
		{name: "text sign only", v: String(0, "-"), err: true},
		{name: "opaque 1", v: Opaque(0, []byte{0xff}), want: -1},
		{name: "opaque 2", v: Opaque(0, []byte{0x01, 0x00}), want: 256},
		{name: "opaque 4", v: Opaque(0, []byte{0xff, 0xff, 0xff, 0xfe}), want: -2},
		{name: "opaque 8", v: Opaque(0, []byte{0, 0, 0, 1, 0, 0, 0, 0}), want: 1 << 32},
		{name: "opaque 3", v: Opaque(0, []byte{1, 2, 3}), err: true},
		{name: "float integral", v: Float(0, 12), want: 12},
		{name: "float fraction", v: Float(0, 1.5), err: true},
		{name: "composite", v: Instance(0), err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInt(tt.v)
			if tt.err {
				assert.ErrorIs(t, err, errors.ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFloat(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want float64
		err  bool
	}{
		{name: "float", v: Float(0, 2.5), want: 2.5},
		{name: "integer", v: Int(0, 3), want: 3},
		{name: "text", v: String(0, "-12.25"), want: -12.25},
		{name: "text no fraction", v: String(0, "7."), want: 7},
		{name: "text exponent", v: String(0, "1.0e2"), err: true},
		{name: "text two dots", v: String(0, "1.2.3"), err: true},
		{name: "opaque 4", v: Opaque(0, []byte{0x40, 0x20, 0, 0}), want: 2.5},
		{name: "opaque 8", v: Opaque(0, []byte{0x40, 0x04, 0, 0, 0, 0, 0, 0}), want: 2.5},
		{name: "opaque 2", v: Opaque(0, []byte{0x40, 0x04}), err: true},
		{name: "boolean", v: Bool(0, true), err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFloat(tt.v)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeBool(t *testing.T) {
	for _, v := range []Value{Bool(0, true), String(0, "1"), String(0, "true"), Opaque(0, []byte{1})} {
		b, err := DecodeBool(v)
		require.NoError(t, err)
		assert.True(t, b)
	}
	for _, v := range []Value{String(0, "2"), Opaque(0, []byte{2}), Int(0, 1)} {
		_, err := DecodeBool(v)
		assert.ErrorIs(t, err, errors.ErrMalformed)
	}
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(Opaque(9, []byte{95}), KindInteger)
	require.NoError(t, err)
	assert.Equal(t, Int(9, 95), v)

	v, err = Coerce(Opaque(0, []byte("hello")), KindString)
	require.NoError(t, err)
	assert.Equal(t, String(0, "hello"), v)

	v, err = Coerce(Int(1, 7), KindString)
	require.NoError(t, err)
	assert.Equal(t, String(1, "7"), v)

	v, err = Coerce(String(2, "AQID"), KindOpaque)
	require.NoError(t, err)
	assert.True(t, Equal(Opaque(2, []byte{1, 2, 3}), v))

	_, err = Coerce(String(2, "not base64!"), KindOpaque)
	assert.ErrorIs(t, err, errors.ErrMalformed)

	_, err = Coerce(Int(1, 7), KindOpaque)
	assert.ErrorIs(t, err, errors.ErrMalformed)

	_, err = Coerce(Int(1, 7), KindObjectInstance)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := Instance(0, Int(1, 2), EncodeInstances(3, String(0, "a")))
	b := Instance(0, Int(1, 2), EncodeInstances(3, String(0, "a")))
	c := Instance(0, Int(1, 2), EncodeInstances(3, String(0, "b")))
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(Int(0, 1), Float(0, 1)))
}
