// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discover

import (
	"fmt"
	"strconv"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
)

// AttrFlag marks which observation attributes are set.
type AttrFlag uint8

const (
	AttrMinPeriod AttrFlag = 1 << iota
	AttrMaxPeriod
	AttrGreaterThan
	AttrLessThan
	AttrStep
)

// Attribute names as they appear in link-format and write-attributes queries.
const (
	ParamMinPeriod   = "pmin"
	ParamMaxPeriod   = "pmax"
	ParamGreaterThan = "gt"
	ParamLessThan    = "lt"
	ParamStep        = "st"
	ParamDimension   = "dim"
	ParamServer      = "ssid"
)

// Attributes holds the notification attributes of one relationship.
type Attributes struct {
	Set         AttrFlag
	MinPeriod   uint32
	MaxPeriod   uint32
	GreaterThan float64
	LessThan    float64
	Step        float64
}

// Has reports whether f is set.
func (a Attributes) Has(f AttrFlag) bool { return a.Set&f != 0 }

// Merge overlays the attributes set in o onto a.
func (a Attributes) Merge(o Attributes) Attributes {
	if o.Has(AttrMinPeriod) {
		a.MinPeriod = o.MinPeriod
	}
	if o.Has(AttrMaxPeriod) {
		a.MaxPeriod = o.MaxPeriod
	}
	if o.Has(AttrGreaterThan) {
		a.GreaterThan = o.GreaterThan
	}
	if o.Has(AttrLessThan) {
		a.LessThan = o.LessThan
	}
	if o.Has(AttrStep) {
		a.Step = o.Step
	}
	a.Set |= o.Set
	return a
}

// Params renders the set attributes in a fixed order.
func (a Attributes) Params() []Param {
	var out []Param
	if a.Has(AttrMinPeriod) {
		out = append(out, Param{ParamMinPeriod, strconv.FormatUint(uint64(a.MinPeriod), 10)})
	}
	if a.Has(AttrMaxPeriod) {
		out = append(out, Param{ParamMaxPeriod, strconv.FormatUint(uint64(a.MaxPeriod), 10)})
	}
	if a.Has(AttrGreaterThan) {
		out = append(out, Param{ParamGreaterThan, strconv.FormatFloat(a.GreaterThan, 'f', -1, 64)})
	}
	if a.Has(AttrLessThan) {
		out = append(out, Param{ParamLessThan, strconv.FormatFloat(a.LessThan, 'f', -1, 64)})
	}
	if a.Has(AttrStep) {
		out = append(out, Param{ParamStep, strconv.FormatFloat(a.Step, 'f', -1, 64)})
	}
	return out
}

// ParseAttributes reads observation attributes from write-attributes query
// parameters such as "pmin=10". A name without a value clears the attribute;
// the cleared set is returned separately. Unknown names are rejected.
func ParseAttributes(queries []string) (set Attributes, cleared AttrFlag, err error) {
	for _, q := range queries {
		name, value, hasValue := cut(q, '=')
		var flag AttrFlag
		switch name {
		case ParamMinPeriod:
			flag = AttrMinPeriod
		case ParamMaxPeriod:
			flag = AttrMaxPeriod
		case ParamGreaterThan:
			flag = AttrGreaterThan
		case ParamLessThan:
			flag = AttrLessThan
		case ParamStep:
			flag = AttrStep
		default:
			return Attributes{}, 0, fmt.Errorf("unknown attribute %q: %w", name, errors.ErrMalformed)
		}
		if !hasValue {
			cleared |= flag
			continue
		}
		switch flag {
		case AttrMinPeriod, AttrMaxPeriod:
			n, perr := strconv.ParseUint(value, 10, 32)
			if perr != nil {
				return Attributes{}, 0, fmt.Errorf("attribute %s=%q: %w", name, value, errors.ErrMalformed)
			}
			if flag == AttrMinPeriod {
				set.MinPeriod = uint32(n)
			} else {
				set.MaxPeriod = uint32(n)
			}
		default:
			f, perr := data.DecodeFloat(data.String(0, value))
			if perr != nil {
				return Attributes{}, 0, fmt.Errorf("attribute %s=%q: %w", name, value, errors.ErrMalformed)
			}
			switch flag {
			case AttrGreaterThan:
				set.GreaterThan = f
			case AttrLessThan:
				set.LessThan = f
			case AttrStep:
				set.Step = f
			}
		}
		set.Set |= flag
	}
	return set, cleared, nil
}

func cut(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// Relationship is the attribute set one server has attached to a target.
type Relationship struct {
	Peer       string
	Attributes Attributes
}

// AttributeLookup returns the relationships attached to exactly u.
type AttributeLookup interface {
	Attributes(u uri.URI) []Relationship
}

// Options tune Serialize.
type Options struct {
	// MaxSize bounds the output. Zero means unbounded.
	MaxSize int
}

// Serialize renders the subtree rooted at u as link-format. values are the
// children at u as produced by the data layer: instances for an object URI,
// resources for an instance URI and the resource itself for a resource URI.
// lookup may be nil.
func Serialize(u uri.URI, values []data.Value, lookup AttributeLookup, opts Options) ([]byte, error) {
	r := renderer{lookup: lookup, max: opts.MaxSize}
	switch {
	case u.HasResource():
		for _, v := range values {
			if err := r.resource(u.Parent().Child(v.ID), v); err != nil {
				return nil, err
			}
		}
	case u.HasInstance():
		if err := r.emit(u, Link{Target: u.String()}); err != nil {
			return nil, err
		}
		for _, v := range values {
			if err := r.resource(u.Child(v.ID), v); err != nil {
				return nil, err
			}
		}
	case u.HasObject():
		if err := r.emit(u, Link{Target: u.String()}); err != nil {
			return nil, err
		}
		for _, inst := range values {
			iu := u.Child(inst.ID)
			if err := r.emit(iu, Link{Target: iu.String()}); err != nil {
				return nil, err
			}
			for _, res := range inst.Children() {
				if err := r.resource(iu.Child(res.ID), res); err != nil {
					return nil, err
				}
			}
		}
	default:
		return nil, fmt.Errorf("discover needs an object uri: %w", errors.ErrMalformed)
	}
	if r.buf == nil {
		r.buf = []byte{}
	}
	return r.buf, nil
}

type renderer struct {
	lookup AttributeLookup
	max    int
	buf    []byte
}

func (r *renderer) resource(u uri.URI, v data.Value) error {
	l := Link{Target: u.String()}
	if v.Kind() == data.KindMultipleResource {
		l = l.Add(ParamDimension, strconv.Itoa(len(v.Children())))
	}
	return r.emit(u, l)
}

// emit appends the attribute groups attached to u and writes the link.
func (r *renderer) emit(u uri.URI, l Link) error {
	groups := r.relationships(u)
	for _, g := range groups {
		if len(groups) > 1 {
			l = l.Add(ParamServer, g.Peer)
		}
		l.Params = append(l.Params, g.Attributes.Params()...)
	}

	mark := len(r.buf)
	if mark > 0 {
		r.buf = append(r.buf, ',')
	}
	r.buf = appendLink(r.buf, l)
	if r.max > 0 && len(r.buf) > r.max {
		r.buf = r.buf[:mark]
		return fmt.Errorf("link %s exceeds %d bytes: %w", l.Target, r.max, errors.ErrCapacity)
	}
	return nil
}

// relationships returns one entry per distinct peer that set attributes.
func (r *renderer) relationships(u uri.URI) []Relationship {
	if r.lookup == nil {
		return nil
	}
	var out []Relationship
	seen := make(map[string]bool)
	for _, rel := range r.lookup.Attributes(u) {
		if rel.Attributes.Set == 0 || seen[rel.Peer] {
			continue
		}
		seen[rel.Peer] = true
		out = append(out, rel)
	}
	return out
}
