// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/fxamacker/cbor/v2"
)

// Persister stores opaque snapshots by key. Load returns errors.ErrNotFound
// for a key that was never stored.
type Persister interface {
	Store(ctx context.Context, key string, b []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// snapshotVersion is bumped when the snapshot layout changes incompatibly.
const snapshotVersion = 1

type snapshot struct {
	Version int      `cbor:"1,keyasint"`
	Devices []Device `cbor:"2,keyasint"`
}

var (
	snapshotEncMode cbor.EncMode
	snapshotDecMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	snapshotEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	snapshotDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot CBOR decoder mode: %v", err))
	}
}

func encodeSnapshot(devices []Device) ([]byte, error) {
	return snapshotEncMode.Marshal(snapshot{Version: snapshotVersion, Devices: devices})
}

func decodeSnapshot(b []byte) ([]Device, error) {
	var s snapshot
	if err := snapshotDecMode.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return s.Devices, nil
}

// FilePersister keeps one file per key in Dir. Writes go to a temporary
// file that is renamed over the previous snapshot.
type FilePersister struct {
	Dir string
}

var _ Persister = (*FilePersister)(nil)

// NewFilePersister creates dir if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &FilePersister{Dir: dir}, nil
}

func (p *FilePersister) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid snapshot key %q: %w", key, errors.ErrMalformed)
	}
	return filepath.Join(p.Dir, key+".cbor"), nil
}

// Store writes b under key.
func (p *FilePersister) Store(ctx context.Context, key string, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := p.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(p.Dir, key+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the snapshot stored under key.
func (p *FilePersister) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := p.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot %q: %w", key, errors.ErrNotFound)
	}
	return b, err
}

// MemoryPersister keeps snapshots in memory. Err, when set, fails every call.
type MemoryPersister struct {
	mu    sync.Mutex
	data  map[string][]byte
	err   error
	saves int
}

var _ Persister = (*MemoryPersister)(nil)

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{data: make(map[string][]byte)}
}

// Fail makes every following call return err. A nil err restores normal
// operation.
func (p *MemoryPersister) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Saves returns the number of successful Store calls.
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

// Store keeps a copy of b.
func (p *MemoryPersister) Store(_ context.Context, key string, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.data[key] = append([]byte(nil), b...)
	p.saves++
	return nil
}

// Load returns a copy of the snapshot stored under key.
func (p *MemoryPersister) Load(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	b, ok := p.data[key]
	if !ok {
		return nil, fmt.Errorf("snapshot %q: %w", key, errors.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}
