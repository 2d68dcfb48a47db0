// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"bytes"
	"math"
	"testing"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLVScalarRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    Value
	}{
		{name: "string", v: String(0, "Open Mobile Alliance")},
		{name: "empty string", v: String(1, "")},
		{name: "opaque", v: Opaque(2, []byte{0xde, 0xad, 0xbe, 0xef})},
		{name: "int8", v: Int(3, -100)},
		{name: "int16", v: Int(4, 3800)},
		{name: "int32", v: Int(5, -70000)},
		{name: "int64", v: Int(6, math.MaxInt64)},
		{name: "float32", v: Float(7, 2.5)},
		{name: "float64", v: Float(8, 0.1)},
		{name: "bool", v: Bool(9, true)},
		{name: "objlnk", v: ObjectLink(10, 3, 1)},
		{name: "wide id", v: Int(300, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := uri.Resource(3, 0, tt.v.ID)
			buf, mt, err := Serialize(u, TLV, []Value{tt.v})
			require.NoError(t, err)
			assert.Equal(t, TLV, mt)

			got, err := Parse(u, TLV, buf)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, KindOpaque, got[0].Kind())

			coerced, err := Coerce(got[0], tt.v.Kind())
			require.NoError(t, err)
			assert.True(t, Equal(tt.v, coerced), "got %#v want %#v", coerced, tt.v)
		})
	}
}

func TestTLVHeaderMinimal(t *testing.T) {
	tests := []struct {
		id     uint16
		length int
		header []byte
	}{
		{id: 1, length: 0, header: []byte{0xc0, 0x01}},
		{id: 1, length: 7, header: []byte{0xc7, 0x01}},
		{id: 1, length: 8, header: []byte{0xc8, 0x01, 0x08}},
		{id: 1, length: 255, header: []byte{0xc8, 0x01, 0xff}},
		{id: 1, length: 256, header: []byte{0xd0, 0x01, 0x01, 0x00}},
		{id: 255, length: 1, header: []byte{0xc1, 0xff}},
		{id: 256, length: 1, header: []byte{0xe1, 0x01, 0x00}},
		{id: 1, length: 70000, header: []byte{0xd8, 0x01, 0x01, 0x11, 0x70}},
	}
	for _, tt := range tests {
		v := Opaque(tt.id, bytes.Repeat([]byte{0xaa}, tt.length))
		buf, err := serializeTLV([]Value{v})
		require.NoError(t, err)
		hdr := tlvHeaderSize(tt.id, tt.length)
		assert.Equal(t, tt.header, buf[:hdr], "id %d length %d", tt.id, tt.length)
		assert.Len(t, buf, hdr+tt.length)

		got, err := parseTLV(buf, KindUndefined)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, tt.id, got[0].ID)
		b, _ := got[0].Bytes()
		assert.Len(t, b, tt.length)
	}
}

func TestTLVMinimalInteger(t *testing.T) {
	for _, tc := range []struct {
		v    int64
		size int
	}{{0, 1}, {127, 1}, {128, 2}, {-32768, 2}, {32768, 4}, {math.MinInt32, 4}, {1 << 31, 8}} {
		b, err := tlvScalar(Int(0, tc.v))
		require.NoError(t, err)
		assert.Len(t, b, tc.size, "value %d", tc.v)
	}
}

func TestTLVDeviceObject(t *testing.T) {
	device := Instance(0,
		String(0, "Open Mobile Alliance"),
		String(1, "Lightweight M2M Client"),
		EncodeInstances(6, Int(0, 1), Int(1, 5)),
		EncodeInstances(7, Int(0, 3800), Int(1, 5000)),
		Int(9, 100),
		Int(13, 1367491215),
	)
	u := uri.Object(3)
	buf, mt, err := Serialize(u, TextPlain, []Value{device})
	require.NoError(t, err)
	assert.Equal(t, TLV, mt)

	got, err := Parse(u, TLV, buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	inst := got[0]
	assert.Equal(t, KindObjectInstance, inst.Kind())
	require.Len(t, inst.Children(), 6)

	multi, ok := inst.Child(7)
	require.True(t, ok)
	assert.Equal(t, KindMultipleResource, multi.Kind())
	second, ok := multi.Child(1)
	require.True(t, ok)
	i, err := DecodeInt(second)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), i)

	again, err := serializeTLV(got)
	require.NoError(t, err)
	assert.Equal(t, buf, again)
}

func TestTLVMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "single byte", buf: []byte{0xc1}},
		{name: "length past end", buf: []byte{0xc5, 0x01, 0x00}},
		{name: "missing extended length", buf: []byte{0xc8, 0x01}},
		{name: "extended length past end", buf: []byte{0xc8, 0x01, 0x10, 0x00}},
		{name: "missing wide id", buf: []byte{0xe1, 0x01}},
		{name: "reserved id", buf: []byte{0xe0, 0xff, 0xff}},
		{name: "nested instance", buf: []byte{0x03, 0x00, 0x00, 0x01, 0x00}},
		{name: "resource in multiple", buf: []byte{0x83, 0x06, 0xc1, 0x00, 0x01}},
		{name: "child overruns parent", buf: []byte{0x03, 0x00, 0xc5, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(uri.Object(3), TLV, tt.buf)
			assert.ErrorIs(t, err, errors.ErrMalformed)
		})
	}
}

func TestTLVTruncation(t *testing.T) {
	buf, err := serializeTLV([]Value{
		Instance(0, String(0, "manufacturer"), EncodeInstances(7, Int(0, 3800), Int(1, 5000)), Int(9, 100)),
		Instance(1, Bool(1, false), Float(2, 0.1)),
	})
	require.NoError(t, err)
	for i := 0; i < len(buf); i++ {
		assert.NotPanics(t, func() {
			_, _ = Parse(uri.Object(3), TLV, buf[:i])
		})
	}
}

func FuzzParseTLV(f *testing.F) {
	seed, _ := serializeTLV([]Value{
		Instance(0, String(0, "m"), EncodeInstances(7, Int(0, 3800)), Int(9, 100)),
	})
	f.Add(seed)
	f.Add([]byte{0xc8, 0x01, 0x10})
	f.Fuzz(func(t *testing.T, b []byte) {
		values, err := Parse(uri.Object(3), TLV, b)
		if err != nil {
			return
		}
		if _, err := serializeTLV(values); err != nil {
			t.Fatalf("re-encoding parsed tlv failed: %v", err)
		}
	})
}
