// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package uri

import (
	"testing"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		delete   bool
		want     URI
		class    Class
		err      error
	}{
		{
			name:     "object",
			segments: []string{"3"},
			want:     Object(3),
			class:    ClassDM,
		},
		{
			name:     "resource",
			segments: []string{"3", "0", "9"},
			want:     Resource(3, 0, 9),
			class:    ClassDM,
		},
		{
			name:     "resource instance",
			segments: []string{"3", "0", "7", "1"},
			want:     ResourceInstance(3, 0, 7, 1),
			class:    ClassDM,
		},
		{
			name:     "registration",
			segments: []string{"rd", "dev1"},
			want:     Registration("dev1"),
			class:    ClassRegistration,
		},
		{
			name:     "bootstrap",
			segments: []string{"bs"},
			want:     URI{Flag: FlagBootstrap, Location: []string{}},
			class:    ClassBootstrap,
		},
		{
			name:   "delete all",
			delete: true,
			want:   URI{Flag: FlagDeleteAll},
			class:  ClassDM,
		},
		{
			name:     "unknown prefix",
			segments: []string{"oic", "res"},
			want:     URI{},
			class:    ClassNone,
		},
		{
			name:     "reserved id",
			segments: []string{"3", "65535"},
			err:      errors.ErrMalformed,
		},
		{
			name:     "non numeric below object",
			segments: []string{"3", "x"},
			err:      errors.ErrMalformed,
		},
		{
			name:     "too deep",
			segments: []string{"1", "2", "3", "4", "5"},
			err:      errors.ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.segments, tt.delete)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Flag, got.Flag)
			assert.Equal(t, tt.want.IDs(), got.IDs())
			assert.Equal(t, tt.class, got.Class())
			assert.True(t, got.Valid())
		})
	}
}

func TestURIString(t *testing.T) {
	assert.Equal(t, "/3/0/9", Resource(3, 0, 9).String())
	assert.Equal(t, "/", URI{}.String())
	assert.Equal(t, "/rd/abc", Registration("abc").String())
}

func TestChildParent(t *testing.T) {
	u := Object(3).Child(0).Child(9)
	assert.Equal(t, Resource(3, 0, 9), u)
	assert.Equal(t, Instance(3, 0), u.Parent())
	assert.True(t, Object(3).Contains(u))
	assert.False(t, Object(4).Contains(u))
	assert.False(t, u.Contains(Object(3)))
}

func TestValid(t *testing.T) {
	assert.False(t, URI{Flag: FlagResource | FlagObject}.Valid())
	assert.False(t, URI{Flag: FlagInstance}.Valid())
	assert.True(t, Instance(1, 2).Valid())
}
