// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"testing"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeText(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{name: "string", v: String(0, "abc"), want: "abc"},
		{name: "integer", v: Int(9, -95), want: "-95"},
		{name: "float", v: Float(9, 12.5), want: "12.5"},
		{name: "large float", v: Float(9, 1e21), want: "1000000000000000000000"},
		{name: "boolean", v: Bool(9, true), want: "1"},
		{name: "objlnk", v: ObjectLink(9, 3, 0), want: "3:0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, mt, err := Serialize(uri.Resource(3, 0, tt.v.ID), TextPlain, []Value{tt.v})
			require.NoError(t, err)
			assert.Equal(t, TextPlain, mt)
			assert.Equal(t, tt.want, string(buf))
		})
	}
}

func TestSerializeUpgrade(t *testing.T) {
	res := uri.Resource(3, 0, 9)

	_, mt, err := Serialize(res, TextPlain, []Value{Int(9, 1), Int(10, 2)})
	require.NoError(t, err)
	assert.Equal(t, TLV, mt)

	_, mt, err = Serialize(uri.Instance(3, 0), TextPlain, []Value{Int(9, 1)})
	require.NoError(t, err)
	assert.Equal(t, TLV, mt)

	_, mt, err = Serialize(uri.Resource(3, 0, 7), TextPlain, []Value{EncodeInstances(7, Int(0, 1))})
	require.NoError(t, err)
	assert.Equal(t, TLV, mt)

	_, mt, err = Encoder{Fallback: JSON}.Serialize(uri.Instance(3, 0), OctetStream, []Value{Int(9, 1)})
	require.NoError(t, err)
	assert.Equal(t, JSON, mt)

	buf, mt, err := Serialize(res, TextPlain, []Value{Opaque(9, []byte{0, 1})})
	require.NoError(t, err)
	assert.Equal(t, OctetStream, mt)
	assert.Equal(t, []byte{0, 1}, buf)
}

func TestSerializeFailure(t *testing.T) {
	res := uri.Resource(3, 0, 9)

	buf, _, err := Serialize(res, OctetStream, []Value{Int(9, 1)})
	assert.ErrorIs(t, err, errors.ErrNotAcceptable)
	assert.Nil(t, buf)

	buf, _, err = Serialize(res, TextPlain, []Value{{ID: 9}})
	assert.Error(t, err)
	assert.Nil(t, buf)

	buf, _, err = Serialize(uri.Instance(3, 0), TLV, []Value{Int(1, 1), Instance(2, Instance(3))})
	assert.ErrorIs(t, err, errors.ErrMalformed)
	assert.Nil(t, buf)

	_, _, err = Serialize(res, LinkFormat, []Value{Int(9, 1)})
	assert.ErrorIs(t, err, errors.ErrUnsupportedFormat)
}

func TestParseText(t *testing.T) {
	got, err := Parse(uri.Resource(3, 0, 9), TextPlain, []byte("95"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, String(9, "95"), got[0])

	got, err = Parse(uri.ResourceInstance(3, 0, 7, 1), OctetStream, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, Opaque(1, []byte{1}), got[0])

	_, err = Parse(uri.Instance(3, 0), TextPlain, []byte("95"))
	assert.ErrorIs(t, err, errors.ErrMalformed)

	got, err = Parse(uri.Resource(3, 0, 9), LegacyTLV, []byte{0xc1, 0x09, 0x5f})
	require.NoError(t, err)
	assert.Equal(t, Opaque(9, []byte{0x5f}), got[0])
}

func TestTLVToJSON(t *testing.T) {
	u := uri.Instance(3, 0)
	tlv, _, err := Serialize(u, TLV, []Value{String(0, "maker"), Int(9, 95)})
	require.NoError(t, err)

	values, err := Parse(u, TLV, tlv)
	require.NoError(t, err)

	js, mt, err := Serialize(u, JSON, values)
	require.NoError(t, err)
	assert.Equal(t, JSON, mt)
	assert.JSONEq(t, `{"bn":"/3/0/","e":[{"n":"0","sv":"bWFrZXI="},{"n":"9","sv":"Xw=="}]}`, string(js))
}
