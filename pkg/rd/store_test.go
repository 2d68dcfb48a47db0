// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/breaker"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var errBackend = errors.Wrap(os.ErrPermission, "disk")

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newStore(t *testing.T, p Persister, clk *clock) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), Config{Persister: p, Now: clk.Now})
	require.NoError(t, err)
	return s
}

var (
	tempLink  = Link{Href: "/temp", ResourceTypes: []string{"oic.r.temperature"}, Interfaces: []string{"oic.if.s"}}
	lightLink = Link{Href: "/light", ResourceTypes: []string{"oic.r.light"}, Interfaces: []string{"oic.if.a"}}
	baseTemp  = Link{Href: "/temp", ResourceTypes: []string{"oic.r.temperature"}, Interfaces: []string{"oic.if.baseline"}}
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	created, err := s.Publish(ctx, Publication{DeviceID: "node-a", TTL: time.Minute, Links: []Link{tempLink, lightLink}})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.Publish(ctx, Publication{DeviceID: "node-b", TTL: time.Minute, Links: []Link{baseTemp}})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestQuery(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	s := newStore(t, NewMemoryPersister(), clk)
	seed(t, s)

	cases := []struct {
		desc  string
		query Query
		want  []Group
	}{
		{
			desc:  "everything",
			query: Query{},
			want: []Group{
				{DeviceID: "node-a", Links: []Link{tempLink, lightLink}},
				{DeviceID: "node-b", Links: []Link{baseTemp}},
			},
		},
		{
			desc:  "by resource type",
			query: Query{ResourceType: "oic.r.temperature"},
			want: []Group{
				{DeviceID: "node-a", Links: []Link{tempLink}},
				{DeviceID: "node-b", Links: []Link{baseTemp}},
			},
		},
		{
			desc:  "resource type and interface must match the same link",
			query: Query{ResourceType: "oic.r.temperature", Interface: "oic.if.a"},
			want:  []Group{},
		},
		{
			desc:  "by interface",
			query: Query{Interface: "oic.if.baseline"},
			want:  []Group{{DeviceID: "node-b", Links: []Link{baseTemp}}},
		},
		{
			desc:  "by device",
			query: Query{DeviceID: "node-a", ResourceType: "oic.r.light"},
			want:  []Group{{DeviceID: "node-a", Links: []Link{lightLink}}},
		},
		{
			desc:  "unknown device",
			query: Query{DeviceID: "node-z"},
			want:  []Group{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := s.Query(context.Background(), tc.query)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRepublishMergesLinks(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	s := newStore(t, NewMemoryPersister(), clk)
	seed(t, s)

	clk.advance(30 * time.Second)
	dimmer := Link{Href: "/light", ResourceTypes: []string{"oic.r.light.dimming"}}
	fan := Link{Href: "/fan", ResourceTypes: []string{"oic.r.fan"}}
	created, err := s.Publish(context.Background(), Publication{DeviceID: "node-a", Links: []Link{dimmer, fan}})
	require.NoError(t, err)
	assert.False(t, created)

	dev, err := s.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, []Link{tempLink, dimmer, fan}, dev.Links)
	assert.Equal(t, DefaultTTL, dev.TTL)
	assert.Equal(t, clk.now, dev.RegisteredAt)
	assert.Equal(t, 2, s.Len())
}

func TestPublishValidation(t *testing.T) {
	s := newStore(t, NewMemoryPersister(), &clock{now: time.Unix(1700000000, 0)})
	ctx := context.Background()

	cases := []struct {
		desc string
		pub  Publication
	}{
		{desc: "no device id", pub: Publication{Links: []Link{tempLink}}},
		{desc: "new device without links", pub: Publication{DeviceID: "node-a"}},
		{desc: "link without href", pub: Publication{DeviceID: "node-a", Links: []Link{{ResourceTypes: []string{"x"}}}}},
		{desc: "negative lifetime", pub: Publication{DeviceID: "node-a", TTL: -time.Second, Links: []Link{tempLink}}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := s.Publish(ctx, tc.pub)
			assert.ErrorIs(t, err, errors.ErrMalformed)
		})
	}
	assert.Equal(t, 0, s.Len())
}

func TestExpiry(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	mem := NewMemoryPersister()
	s := newStore(t, mem, clk)
	ctx := context.Background()

	_, err := s.Publish(ctx, Publication{DeviceID: "node-a", TTL: 10 * time.Second, Links: []Link{tempLink}})
	require.NoError(t, err)
	_, err = s.Publish(ctx, Publication{DeviceID: "node-b", TTL: time.Minute, Links: []Link{baseTemp}})
	require.NoError(t, err)

	clk.advance(9 * time.Second)
	groups, err := s.Query(ctx, Query{DeviceID: "node-a"})
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	clk.advance(time.Second)
	groups, err = s.Query(ctx, Query{DeviceID: "node-a"})
	require.NoError(t, err)
	assert.Empty(t, groups, "expired devices never show up")
	_, err = s.Get("node-a")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, 1, s.Len())

	saves := mem.Saves()
	assert.Equal(t, 1, s.Expire(ctx, clk.now))
	assert.Equal(t, saves+1, mem.Saves())
	assert.Equal(t, 0, s.Expire(ctx, clk.now))

	created, err := s.Publish(ctx, Publication{DeviceID: "node-a", Links: []Link{tempLink}})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDelete(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	s := newStore(t, NewMemoryPersister(), clk)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "node-a", "/light", "/missing"))
	dev, err := s.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, []Link{tempLink}, dev.Links)

	require.NoError(t, s.Delete(ctx, "node-a", "/temp"))
	_, err = s.Get("node-a")
	assert.ErrorIs(t, err, errors.ErrNotFound, "device without links is removed")

	require.NoError(t, s.Delete(ctx, "node-b"))
	assert.Equal(t, 0, s.Len())

	assert.ErrorIs(t, s.Delete(ctx, "node-b"), errors.ErrNotFound)
}

func TestPersistenceFailure(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	mem := NewMemoryPersister()
	s := newStore(t, mem, clk)
	seed(t, s)
	ctx := context.Background()

	mem.Fail(errBackend)
	_, err := s.Publish(ctx, Publication{DeviceID: "node-c", Links: []Link{tempLink}})
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	_, err = s.Get("node-c")
	assert.ErrorIs(t, err, errors.ErrNotFound, "failed publish is not applied")

	_, err = s.Publish(ctx, Publication{DeviceID: "node-a", Links: []Link{{Href: "/fan"}}})
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	dev, err := s.Get("node-a")
	require.NoError(t, err)
	assert.Len(t, dev.Links, 2, "failed merge leaves the registration untouched")

	assert.ErrorIs(t, s.Delete(ctx, "node-b"), errors.ErrStorageUnavailable)
	assert.Equal(t, 2, s.Len())

	mem.Fail(nil)
	_, err = s.Publish(ctx, Publication{DeviceID: "node-c", Links: []Link{tempLink}})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
}

func TestBreakerOpens(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	mem := NewMemoryPersister()
	cb := breaker.New(breaker.Config{MaxFailures: 2, ResetTimeout: 30 * time.Second, Now: clk.Now})
	s, err := NewStore(context.Background(), Config{Persister: mem, Breaker: cb, Now: clk.Now})
	require.NoError(t, err)
	ctx := context.Background()
	pub := Publication{DeviceID: "node-a", Links: []Link{tempLink}}

	mem.Fail(errBackend)
	for i := 0; i < 2; i++ {
		_, err := s.Publish(ctx, pub)
		require.ErrorIs(t, err, errors.ErrStorageUnavailable)
	}
	assert.Equal(t, breaker.StateOpen, cb.State())
	assert.ErrorIs(t, s.Check(ctx), errors.ErrStorageUnavailable)

	mem.Fail(nil)
	_, err = s.Publish(ctx, pub)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, 0, mem.Saves(), "open circuit does not reach the backend")

	clk.advance(30 * time.Second)
	created, err := s.Publish(ctx, pub)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, breaker.StateClosed, cb.State())
	assert.NoError(t, s.Check(ctx))
}

func TestReload(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	mem := NewMemoryPersister()
	s := newStore(t, mem, clk)
	seed(t, s)
	_, err := s.Publish(context.Background(), Publication{DeviceID: "node-c", TTL: 2 * time.Hour, Links: []Link{
		{Href: "/sw", Endpoints: []Endpoint{{URI: "coap://[fe80::1]:5683", Priority: 1}}, Instance: 7, Policy: 3},
	}})
	require.NoError(t, err)
	want, err := s.Get("node-c")
	require.NoError(t, err)

	clk.advance(time.Hour)
	reloaded := newStore(t, mem, clk)
	assert.Equal(t, 1, reloaded.Len(), "devices that expired while down are dropped")
	got, err := reloaded.Get("node-c")
	require.NoError(t, err)
	assert.Equal(t, want.Links, got.Links)
	assert.Equal(t, want.TTL, got.TTL)
	assert.True(t, want.RegisteredAt.Equal(got.RegisteredAt))
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewStore(ctx, Config{})
	assert.ErrorIs(t, err, errors.ErrMalformed)

	mem := NewMemoryPersister()
	require.NoError(t, mem.Store(ctx, SnapshotKey, []byte{0xff, 0x00}))
	_, err = NewStore(ctx, Config{Persister: mem})
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)

	mem.Fail(errBackend)
	_, err = NewStore(ctx, Config{Persister: mem})
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
}

func TestClose(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	s := newStore(t, NewMemoryPersister(), clk)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Len())

	_, err := s.Publish(ctx, Publication{DeviceID: "node-c", Links: []Link{tempLink}})
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	_, err = s.Query(ctx, Query{})
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	_, err = s.Get("node-a")
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.ErrorIs(t, s.Delete(ctx, "node-a"), errors.ErrStorageUnavailable)
	assert.Equal(t, 0, s.Expire(ctx, clk.now))
	assert.ErrorIs(t, s.Check(ctx), errors.ErrStorageUnavailable)
}

func TestFilePersister(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "rd")
	p, err := NewFilePersister(dir)
	require.NoError(t, err)

	_, err = p.Load(ctx, SnapshotKey)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, p.Store(ctx, SnapshotKey, []byte("one")))
	require.NoError(t, p.Store(ctx, SnapshotKey, []byte("two")))
	b, err := p.Load(ctx, SnapshotKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), b)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")

	assert.ErrorIs(t, p.Store(ctx, "../escape", nil), errors.ErrMalformed)

	clk := &clock{now: time.Unix(1700000000, 0)}
	s := newStore(t, p, clk)
	seed(t, s)
	reloaded := newStore(t, p, clk)
	assert.Equal(t, 2, reloaded.Len())
}

func TestConcurrentPublishQuery(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	s := newStore(t, NewMemoryPersister(), clk)
	ctx := context.Background()

	match := Link{Href: "/a", ResourceTypes: []string{"x"}}
	other := Link{Href: "/b", ResourceTypes: []string{"y"}}

	const (
		writers = 4
		readers = 4
		rounds  = 200
	)
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		id := fmt.Sprintf("node-%d", w)
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				if _, err := s.Publish(ctx, Publication{DeviceID: id, TTL: time.Minute, Links: []Link{match, other}}); err != nil {
					return err
				}
				if err := s.Delete(ctx, id, "/a"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for r := 0; r < readers; r++ {
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				groups, err := s.Query(ctx, Query{ResourceType: "x"})
				if err != nil {
					return err
				}
				for _, grp := range groups {
					if len(grp.Links) == 0 {
						return fmt.Errorf("empty group for %s", grp.DeviceID)
					}
					for _, l := range grp.Links {
						if !l.HasResourceType("x") {
							return fmt.Errorf("device %s: unexpected link %s", grp.DeviceID, l.Href)
						}
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	groups, err := s.Query(ctx, Query{ResourceType: "y"})
	require.NoError(t, err)
	assert.Len(t, groups, writers)
	groups, err = s.Query(ctx, Query{ResourceType: "x"})
	require.NoError(t, err)
	assert.Empty(t, groups)
}
