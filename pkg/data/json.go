// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
)

type jsonDocument struct {
	BaseName string       `json:"bn,omitempty"`
	BaseTime *json.Number `json:"bt,omitempty"`
	Entries  []jsonEntry  `json:"e"`
}

type jsonEntry struct {
	Name   string       `json:"n,omitempty"`
	Value  *json.Number `json:"v,omitempty"`
	String *string      `json:"sv,omitempty"`
	Bool   *bool        `json:"bv,omitempty"`
	Link   *string      `json:"ov,omitempty"`
	Time   *json.Number `json:"t,omitempty"`
}

// jsonBase returns the ids the base name covers: the request path cut at
// instance level so that resource records keep a relative name.
func jsonBase(u uri.URI) []uint16 {
	ids := u.IDs()
	if len(ids) > 2 {
		ids = ids[:2]
	}
	return ids
}

// valueParent returns the absolute path of the node holding the top-level
// values addressed by u.
func valueParent(u uri.URI) []uint16 {
	ids := u.IDs()
	if u.HasResource() {
		ids = ids[:len(ids)-1]
	}
	return ids
}

func joinIDs(ids []uint16) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, "/")
}

func baseName(ids []uint16) string {
	if len(ids) == 0 {
		return "/"
	}
	return "/" + joinIDs(ids) + "/"
}

func serializeJSON(u uri.URI, values []Value) ([]byte, error) {
	base := jsonBase(u)
	prefix := valueParent(u)[len(base):]
	doc := jsonDocument{BaseName: baseName(base), Entries: []jsonEntry{}}

	var walk func(path []uint16, v Value) error
	walk = func(path []uint16, v Value) error {
		path = append(path[:len(path):len(path)], v.ID)
		if v.Kind().Composite() {
			for _, c := range v.Children() {
				if err := walk(path, c); err != nil {
					return err
				}
			}
			return nil
		}
		e, err := jsonLeaf(v)
		if err != nil {
			return err
		}
		e.Name = joinIDs(path)
		doc.Entries = append(doc.Entries, e)
		return nil
	}
	for _, v := range values {
		if err := walk(prefix, v); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func jsonLeaf(v Value) (jsonEntry, error) {
	var e jsonEntry
	switch p := v.payload.(type) {
	case stringPayload:
		s := string(p)
		e.String = &s
	case opaquePayload:
		s := base64.StdEncoding.EncodeToString(p)
		e.String = &s
	case integerPayload:
		n := json.Number(strconv.FormatInt(int64(p), 10))
		e.Value = &n
	case floatPayload:
		f := float64(p)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return e, fmt.Errorf("float %v has no json form: %w", f, errors.ErrMalformed)
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		n := json.Number(s)
		e.Value = &n
	case booleanPayload:
		b := bool(p)
		e.Bool = &b
	case linkPayload:
		s := fmt.Sprintf("%d:%d", p.objectID, p.instanceID)
		e.Link = &s
	default:
		return e, fmt.Errorf("cannot encode %s as json: %w", v.Kind(), errors.ErrMalformed)
	}
	return e, nil
}

// jsonNode collects records by path before kinds are assigned by depth.
type jsonNode struct {
	id       uint16
	leaf     *Value
	children []*jsonNode
}

func (n *jsonNode) child(id uint16) *jsonNode {
	for _, c := range n.children {
		if c.id == id {
			return c
		}
	}
	c := &jsonNode{id: id}
	n.children = append(n.children, c)
	return c
}

func (n *jsonNode) value(depth int) (Value, error) {
	if n.leaf != nil {
		if len(n.children) > 0 {
			return Value{}, fmt.Errorf("json record %d has both value and children: %w", n.id, errors.ErrMalformed)
		}
		return *n.leaf, nil
	}
	var k Kind
	switch depth {
	case 1:
		k = KindObject
	case 2:
		k = KindObjectInstance
	case 3:
		k = KindMultipleResource
	default:
		return Value{}, fmt.Errorf("json record %d has no value: %w", n.id, errors.ErrMalformed)
	}
	children := make([]Value, 0, len(n.children))
	for _, c := range n.children {
		v, err := c.value(depth + 1)
		if err != nil {
			return Value{}, err
		}
		children = append(children, v)
	}
	return newComposite(n.id, k, children), nil
}

func parseJSON(u uri.URI, b []byte) ([]Value, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc jsonDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid json: %v: %w", err, errors.ErrMalformed)
	}
	base := doc.BaseName
	if base == "" {
		base = baseName(jsonBase(u))
	}

	parent := valueParent(u)
	root := &jsonNode{}
	for _, e := range doc.Entries {
		name := e.Name
		switch {
		case strings.HasPrefix(name, "/"):
			name = strings.TrimPrefix(name, "/")
		case name == "" && doc.BaseName == "":
			// An unnamed record without a base is the request target itself.
			name = joinIDs(u.IDs())
		default:
			name = base + name
		}
		ids, err := parseIDPath(name)
		if err != nil {
			return nil, err
		}
		if len(ids) < 3 || len(ids) <= len(parent) || !hasPrefix(ids, u.IDs()) {
			return nil, fmt.Errorf("json record %q outside %s: %w", e.Name, u, errors.ErrMalformed)
		}
		leaf, err := e.decode(ids[len(ids)-1])
		if err != nil {
			return nil, err
		}
		n := root
		for _, id := range ids {
			n = n.child(id)
		}
		if n.leaf != nil {
			return nil, fmt.Errorf("duplicate json record %q: %w", e.Name, errors.ErrMalformed)
		}
		n.leaf = &leaf
	}

	top := root
	for _, id := range parent {
		top = top.child(id)
	}
	out := make([]Value, 0, len(top.children))
	for _, c := range top.children {
		v, err := c.value(len(parent) + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e jsonEntry) decode(id uint16) (Value, error) {
	set := 0
	var v Value
	if e.Value != nil {
		set++
		s := e.Value.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				v = Int(id, i)
			} else {
				return Value{}, fmt.Errorf("json integer %q: %w", s, errors.ErrMalformed)
			}
		} else {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return Value{}, fmt.Errorf("json number %q: %w", s, errors.ErrMalformed)
			}
			v = Float(id, f)
		}
	}
	if e.String != nil {
		set++
		v = String(id, *e.String)
	}
	if e.Bool != nil {
		set++
		v = Bool(id, *e.Bool)
	}
	if e.Link != nil {
		set++
		oid, iid, err := parseLink(*e.Link)
		if err != nil {
			return Value{}, err
		}
		v = ObjectLink(id, oid, iid)
	}
	if set != 1 {
		return Value{}, fmt.Errorf("json record %q carries %d values: %w", e.Name, set, errors.ErrMalformed)
	}
	return v, nil
}

func parseIDPath(p string) ([]uint16, error) {
	var ids []uint16
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		n, err := strconv.ParseUint(seg, 10, 16)
		if err != nil || n > uri.MaxID {
			return nil, fmt.Errorf("invalid json name segment %q: %w", seg, errors.ErrMalformed)
		}
		ids = append(ids, uint16(n))
	}
	if len(ids) == 0 || len(ids) > 4 {
		return nil, fmt.Errorf("invalid json name %q: %w", p, errors.ErrMalformed)
	}
	return ids, nil
}

func hasPrefix(ids, prefix []uint16) bool {
	if len(prefix) > len(ids) {
		return false
	}
	for i := range prefix {
		if ids[i] != prefix[i] {
			return false
		}
	}
	return true
}
