// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestTokenBucket(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	tb := newTokenBucket(3, 2, clk.Now)

	assert.True(t, tb.AllowN(2))
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "bucket is empty")

	clk.now = clk.now.Add(250 * time.Millisecond)
	assert.False(t, tb.Allow(), "half a token is not enough")

	clk.now = clk.now.Add(250 * time.Millisecond)
	assert.True(t, tb.Allow())

	clk.now = clk.now.Add(time.Hour)
	assert.Equal(t, int64(3), tb.Available(), "refill stops at capacity")
	assert.False(t, tb.AllowN(4))
}

func TestLimiter(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	l, err := NewLimiter(Config{Capacity: 1, RefillRate: 1, MaxClients: 2, Now: clk.Now})
	require.NoError(t, err)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "peers have their own bucket")

	assert.True(t, l.Allow("10.0.0.3"))
	assert.Equal(t, 2, l.Clients(), "least recently seen peer is evicted")
	assert.True(t, l.Allow("10.0.0.1"), "evicted peer starts with a full bucket")

	l.Remove("10.0.0.1")
	assert.Equal(t, 1, l.Clients())

	clk.now = clk.now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.3"))
}
