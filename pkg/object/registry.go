// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/discover"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
)

// LocalMutationWhitelist lists the objects whose read-only resources the
// device itself may still change through SetValue.
var LocalMutationWhitelist = map[uint16]bool{
	3: true, // Device
	4: true, // Connectivity Monitoring
	5: true, // Firmware Update
	6: true, // Location
}

// ChangeFunc is called after a value, instance or object changed. It runs
// without registry locks held.
type ChangeFunc func(ctx context.Context, u uri.URI)

// ExecuteFunc runs an executable resource with the request arguments.
type ExecuteFunc func(ctx context.Context, u uri.URI, args []byte) error

type resourceType struct {
	id       uint16
	name     string
	kind     data.Kind
	ops      Operations
	multiple bool
}

type objectType struct {
	id        uint16
	name      string
	multiple  bool
	resources map[uint16]resourceType
}

// instance maps resource ids to their current values.
type instance map[uint16]data.Value

// Registry holds the objects a device exposes and serves the device
// management interface on them.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	types     map[uint16]*objectType
	instances map[uint16]map[uint16]instance
	attrs     map[string]map[string]discover.Attributes
	executors map[string]ExecuteFunc
	onChange  ChangeFunc
}

// New builds a registry from validated definitions.
func New(f *File, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		logger:    logger,
		types:     make(map[uint16]*objectType),
		instances: make(map[uint16]map[uint16]instance),
		attrs:     make(map[string]map[string]discover.Attributes),
		executors: make(map[string]ExecuteFunc),
	}
	for _, od := range f.Objects {
		t := &objectType{
			id:        od.ID,
			name:      od.Name,
			multiple:  od.Multiple,
			resources: make(map[uint16]resourceType, len(od.Resources)),
		}
		for _, rd := range od.Resources {
			kind, _ := rd.Kind()
			ops, _ := rd.Ops()
			t.resources[rd.ID] = resourceType{id: rd.ID, name: rd.Name, kind: kind, ops: ops, multiple: rd.Multiple}
		}
		r.types[od.ID] = t
		r.instances[od.ID] = make(map[uint16]instance)
		for _, id := range od.Instances {
			in := make(instance, len(id.Values))
			for rid, raw := range id.Values {
				v, err := initialValue(od.resourceDef(rid), raw)
				if err != nil {
					return nil, err
				}
				in[rid] = v
			}
			r.instances[od.ID][id.ID] = in
		}
	}
	return r, nil
}

func (o ObjectDef) resourceDef(id uint16) ResourceDef {
	for _, r := range o.Resources {
		if r.ID == id {
			return r
		}
	}
	return ResourceDef{ID: id}
}

// OnChange registers the hook called after every change.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// HandleExecute registers fn for the executable resource u.
func (r *Registry) HandleExecute(u uri.URI, fn ExecuteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[u.String()] = fn
}

func (r *Registry) changed(ctx context.Context, u uri.URI) {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn(ctx, u)
	}
}

// Read returns the readable values at u: instances for an object, resources
// for an instance, and the single resource or resource instance otherwise.
func (r *Registry) Read(u uri.URI) ([]data.Value, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(u, func(rt resourceType) bool { return rt.ops.Has(OpRead) })
}

// discoverValues returns the tree at u with every defined resource present
// on the instance, readable or not.
func (r *Registry) discoverValues(u uri.URI) ([]data.Value, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(u, nil)
}

func (r *Registry) collectLocked(u uri.URI, keep func(resourceType) bool) ([]data.Value, error) {
	t, ok := r.types[u.ObjectID]
	if !ok || u.Class() != uri.ClassDM || !u.HasObject() {
		return nil, fmt.Errorf("object %s: %w", u, errors.ErrNotFound)
	}
	if !u.HasInstance() {
		ids := sortedIDs(r.instances[t.id])
		out := make([]data.Value, 0, len(ids))
		for _, iid := range ids {
			out = append(out, data.Instance(iid, r.resourcesLocked(t, r.instances[t.id][iid], keep)...))
		}
		return out, nil
	}
	in, ok := r.instances[t.id][u.InstanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", u, errors.ErrNotFound)
	}
	if !u.HasResource() {
		return r.resourcesLocked(t, in, keep), nil
	}
	rt, ok := t.resources[u.ResourceID]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", u, errors.ErrNotFound)
	}
	if keep != nil && !keep(rt) {
		return nil, fmt.Errorf("read %s: %w", u, errors.ErrMethodNotAllowed)
	}
	v, ok := in[u.ResourceID]
	if !ok {
		if rt.ops.Has(OpExecute) && keep == nil {
			return []data.Value{{ID: rt.id}}, nil
		}
		return nil, fmt.Errorf("resource %s: %w", u, errors.ErrNotFound)
	}
	if !u.HasResourceInstance() {
		return []data.Value{v}, nil
	}
	child, ok := v.Child(u.ResourceInstanceID)
	if !ok {
		return nil, fmt.Errorf("resource instance %s: %w", u, errors.ErrNotFound)
	}
	return []data.Value{child}, nil
}

// resourcesLocked lists the values of in kept by keep in id order. With a
// nil keep, executable resources are listed as empty values.
func (r *Registry) resourcesLocked(t *objectType, in instance, keep func(resourceType) bool) []data.Value {
	ids := make([]uint16, 0, len(t.resources))
	for id := range t.resources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []data.Value
	for _, id := range ids {
		rt := t.resources[id]
		if keep != nil && !keep(rt) {
			continue
		}
		if v, ok := in[id]; ok {
			out = append(out, v)
			continue
		}
		if keep == nil && rt.ops.Has(OpExecute) {
			out = append(out, data.Value{ID: id})
		}
	}
	return out
}

// Write stores values at an instance, resource or resource instance URI.
// With replace, writable resources of an instance missing from values are
// removed and multiple resources are replaced whole; otherwise they are
// merged. Resources without the write operation are rejected.
func (r *Registry) Write(ctx context.Context, u uri.URI, values []data.Value, replace bool) error {
	if err := r.write(u, values, replace, false); err != nil {
		return err
	}
	r.changed(ctx, u)
	return nil
}

// SetValue changes one resource from the device side. A write rejected as
// not allowed is applied anyway for objects on LocalMutationWhitelist.
func (r *Registry) SetValue(ctx context.Context, u uri.URI, v data.Value) error {
	if !u.HasResource() {
		return fmt.Errorf("set %s: %w", u, errors.ErrMalformed)
	}
	err := r.write(u, []data.Value{v}, true, false)
	if errors.Is(err, errors.ErrMethodNotAllowed) && LocalMutationWhitelist[u.ObjectID] {
		r.logger.Debug("applying local mutation", slog.String("uri", u.String()))
		err = r.write(u, []data.Value{v}, true, true)
	}
	if err != nil {
		return err
	}
	r.changed(ctx, u)
	return nil
}

func (r *Registry) write(u uri.URI, values []data.Value, replace, local bool) error {
	if !u.HasInstance() {
		return fmt.Errorf("write %s: %w", u, errors.ErrMethodNotAllowed)
	}
	values = unwrapInstance(values, u.InstanceID)

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.types[u.ObjectID]
	if !ok {
		return fmt.Errorf("object %s: %w", u, errors.ErrNotFound)
	}
	in, ok := r.instances[t.id][u.InstanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", u, errors.ErrNotFound)
	}

	writable := func(id uint16) (resourceType, error) {
		rt, ok := t.resources[id]
		if !ok {
			return resourceType{}, fmt.Errorf("resource %d of %s: %w", id, u, errors.ErrNotFound)
		}
		if rt.ops.Has(OpExecute) || (!local && !rt.ops.Has(OpWrite)) {
			return resourceType{}, fmt.Errorf("write resource %d of %s: %w", id, u, errors.ErrMethodNotAllowed)
		}
		return rt, nil
	}

	updates := make(map[uint16]data.Value, len(values))
	switch {
	case u.HasResourceInstance():
		if len(values) != 1 {
			return fmt.Errorf("write %s: %d values: %w", u, len(values), errors.ErrMalformed)
		}
		rt, err := writable(u.ResourceID)
		if err != nil {
			return err
		}
		if !rt.multiple {
			return fmt.Errorf("resource %s has no instances: %w", u, errors.ErrNotFound)
		}
		leaf, err := coerceLeaf(values[0], rt.kind)
		if err != nil {
			return err
		}
		leaf.ID = u.ResourceInstanceID
		updates[rt.id] = mergeInstances(rt.id, in[rt.id], []data.Value{leaf})

	default:
		for _, v := range values {
			if u.HasResource() && v.ID != u.ResourceID {
				return fmt.Errorf("value %d written to %s: %w", v.ID, u, errors.ErrMalformed)
			}
			rt, err := writable(v.ID)
			if err != nil {
				return err
			}
			nv, err := convert(rt, v)
			if err != nil {
				return fmt.Errorf("resource %d of %s: %w", v.ID, u, err)
			}
			if rt.multiple && !replace {
				nv = mergeInstances(rt.id, in[rt.id], nv.Children())
			}
			updates[rt.id] = nv
		}
	}

	if replace && !u.HasResource() {
		for id := range in {
			if _, ok := updates[id]; !ok && t.resources[id].ops.Has(OpWrite) {
				delete(in, id)
			}
		}
	}
	for id, v := range updates {
		in[id] = v
	}
	return nil
}

// Create adds an instance to the object at u. values are either one object
// instance carrying its id or the resources of a new instance whose id is
// the lowest free one. It returns the id of the new instance.
func (r *Registry) Create(ctx context.Context, u uri.URI, values []data.Value) (uint16, error) {
	if !u.HasObject() || u.HasInstance() {
		return 0, fmt.Errorf("create on %s: %w", u, errors.ErrMethodNotAllowed)
	}

	r.mu.Lock()
	t, ok := r.types[u.ObjectID]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("object %s: %w", u, errors.ErrNotFound)
	}
	existing := r.instances[t.id]
	if !t.multiple && len(existing) > 0 {
		r.mu.Unlock()
		return 0, fmt.Errorf("object %s holds a single instance: %w", u, errors.ErrMethodNotAllowed)
	}

	iid, resources := freeID(existing), values
	if len(values) == 1 && values[0].Kind() == data.KindObjectInstance {
		iid, resources = values[0].ID, values[0].Children()
		if _, ok := existing[iid]; ok {
			r.mu.Unlock()
			return 0, fmt.Errorf("instance %d of %s exists: %w", iid, u, errors.ErrMalformed)
		}
	}
	if iid == 65535 {
		r.mu.Unlock()
		return 0, fmt.Errorf("object %s is full: %w", u, errors.ErrNoResources)
	}

	in := make(instance, len(resources))
	for _, v := range resources {
		rt, ok := t.resources[v.ID]
		if !ok || rt.ops.Has(OpExecute) {
			r.mu.Unlock()
			return 0, fmt.Errorf("resource %d of %s: %w", v.ID, u, errors.ErrMalformed)
		}
		nv, err := convert(rt, v)
		if err != nil {
			r.mu.Unlock()
			return 0, err
		}
		in[v.ID] = nv
	}
	existing[iid] = in
	r.mu.Unlock()

	r.logger.Info("instance created", slog.String("uri", uri.Instance(u.ObjectID, iid).String()))
	r.changed(ctx, u)
	return iid, nil
}

// Delete removes the instance at u, or every instance for a delete-all URI.
func (r *Registry) Delete(ctx context.Context, u uri.URI) error {
	r.mu.Lock()
	switch {
	case u.IsDeleteAll():
		for oid := range r.instances {
			r.instances[oid] = make(map[uint16]instance)
		}
		r.attrs = make(map[string]map[string]discover.Attributes)
	case u.HasInstance() && !u.HasResource():
		if _, ok := r.instances[u.ObjectID][u.InstanceID]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("instance %s: %w", u, errors.ErrNotFound)
		}
		delete(r.instances[u.ObjectID], u.InstanceID)
		for k := range r.attrs {
			if au, err := uri.ParsePath(k, false); err == nil && u.Contains(au) {
				delete(r.attrs, k)
			}
		}
	default:
		r.mu.Unlock()
		return fmt.Errorf("delete %s: %w", u, errors.ErrMethodNotAllowed)
	}
	r.mu.Unlock()

	r.logger.Info("deleted", slog.String("uri", u.String()))
	r.changed(ctx, u)
	return nil
}

// Execute runs the executable resource at u.
func (r *Registry) Execute(ctx context.Context, u uri.URI, args []byte) error {
	if !u.HasResource() || u.HasResourceInstance() {
		return fmt.Errorf("execute %s: %w", u, errors.ErrMethodNotAllowed)
	}
	r.mu.RLock()
	t, ok := r.types[u.ObjectID]
	var (
		rt resourceType
		fn ExecuteFunc
	)
	if ok {
		_, ok = r.instances[t.id][u.InstanceID]
	}
	if ok {
		rt, ok = t.resources[u.ResourceID]
		fn = r.executors[u.String()]
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("resource %s: %w", u, errors.ErrNotFound)
	}
	if !rt.ops.Has(OpExecute) {
		return fmt.Errorf("execute %s: %w", u, errors.ErrMethodNotAllowed)
	}
	if fn == nil {
		return nil
	}
	return fn(ctx, u, args)
}

// WriteAttributes attaches the attributes of peer to u. cleared names the
// attributes to remove.
func (r *Registry) WriteAttributes(peer string, u uri.URI, set discover.Attributes, cleared discover.AttrFlag) error {
	if _, err := r.discoverValues(u); err != nil {
		return err
	}
	key := u.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.attrs[key]
	a := peers[peer].Merge(set)
	a.Set &^= cleared
	if a.Has(discover.AttrMinPeriod) && a.Has(discover.AttrMaxPeriod) && a.MaxPeriod < a.MinPeriod {
		return fmt.Errorf("pmax %d below pmin %d: %w", a.MaxPeriod, a.MinPeriod, errors.ErrMalformed)
	}
	if a.Set == 0 {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(r.attrs, key)
		}
		return nil
	}
	if peers == nil {
		peers = make(map[string]discover.Attributes)
		r.attrs[key] = peers
	}
	peers[peer] = a
	return nil
}

// Attributes returns the relationships attached to exactly u, ordered by
// peer.
func (r *Registry) Attributes(u uri.URI) []discover.Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := r.attrs[u.String()]
	out := make([]discover.Relationship, 0, len(peers))
	for p, a := range peers {
		out = append(out, discover.Relationship{Peer: p, Attributes: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Objects returns the defined object ids with their instance ids, as
// announced in a registration.
func (r *Registry) Objects() map[uint16][]uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint16][]uint16, len(r.types))
	for oid := range r.types {
		out[oid] = sortedIDs(r.instances[oid])
	}
	return out
}

func convert(rt resourceType, v data.Value) (data.Value, error) {
	if !rt.multiple {
		return coerceLeaf(v, rt.kind)
	}
	if v.Kind() != data.KindMultipleResource {
		return data.Value{}, fmt.Errorf("%s value for multiple resource: %w", v.Kind(), errors.ErrMalformed)
	}
	children := make([]data.Value, 0, len(v.Children()))
	for _, c := range v.Children() {
		nc, err := coerceLeaf(c, rt.kind)
		if err != nil {
			return data.Value{}, err
		}
		children = append(children, nc)
	}
	return data.Multiple(rt.id, children...), nil
}

func coerceLeaf(v data.Value, k data.Kind) (data.Value, error) {
	if v.Kind().Composite() {
		return data.Value{}, fmt.Errorf("%s value for single resource: %w", v.Kind(), errors.ErrMalformed)
	}
	return data.Coerce(v, k)
}

// mergeInstances overlays updates on the instances of cur.
func mergeInstances(id uint16, cur data.Value, updates []data.Value) data.Value {
	byID := make(map[uint16]data.Value)
	for _, c := range cur.Children() {
		byID[c.ID] = c
	}
	for _, c := range updates {
		byID[c.ID] = c
	}
	children := make([]data.Value, 0, len(byID))
	for _, c := range byID {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return data.Multiple(id, children...)
}

func unwrapInstance(values []data.Value, iid uint16) []data.Value {
	if len(values) == 1 && values[0].Kind() == data.KindObjectInstance && values[0].ID == iid {
		return values[0].Children()
	}
	return values
}

func sortedIDs[T any](m map[uint16]T) []uint16 {
	ids := make([]uint16, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func freeID(m map[uint16]instance) uint16 {
	var id uint16
	for {
		if _, ok := m[id]; !ok || id == 65535 {
			return id
		}
		id++
	}
}
