// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindString
	KindOpaque
	KindInteger
	KindFloat
	KindBoolean
	KindObjectLink
	KindMultipleResource
	KindObjectInstance
	KindObject
)

var kindNames = [...]string{
	KindUndefined:        "undefined",
	KindString:           "string",
	KindOpaque:           "opaque",
	KindInteger:          "integer",
	KindFloat:            "float",
	KindBoolean:          "boolean",
	KindObjectLink:       "objlnk",
	KindMultipleResource: "multiple",
	KindObjectInstance:   "instance",
	KindObject:           "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Composite reports whether values of this kind carry children.
func (k Kind) Composite() bool {
	return k == KindMultipleResource || k == KindObjectInstance || k == KindObject
}

// Value is a node of an LWM2M data tree. The zero Value is Undefined.
// Composite values own their children; the tree never shares nodes.
type Value struct {
	ID      uint16
	payload payload
}

type payload interface {
	kind() Kind
}

type (
	stringPayload  string
	opaquePayload  []byte
	integerPayload int64
	floatPayload   float64
	booleanPayload bool
	linkPayload    struct{ objectID, instanceID uint16 }
	composite      struct {
		k        Kind
		children []Value
	}
)

func (stringPayload) kind() Kind  { return KindString }
func (opaquePayload) kind() Kind  { return KindOpaque }
func (integerPayload) kind() Kind { return KindInteger }
func (floatPayload) kind() Kind   { return KindFloat }
func (booleanPayload) kind() Kind { return KindBoolean }
func (linkPayload) kind() Kind    { return KindObjectLink }
func (c composite) kind() Kind    { return c.k }

// Kind returns the variant held by v.
func (v Value) Kind() Kind {
	if v.payload == nil {
		return KindUndefined
	}
	return v.payload.kind()
}

// String creates a string value.
func String(id uint16, s string) Value {
	return Value{ID: id, payload: stringPayload(s)}
}

// Opaque creates an opaque value holding a copy of b.
func Opaque(id uint16, b []byte) Value {
	return Value{ID: id, payload: opaquePayload(append([]byte{}, b...))}
}

// Int creates an integer value.
func Int(id uint16, i int64) Value {
	return Value{ID: id, payload: integerPayload(i)}
}

// Float creates a float value.
func Float(id uint16, f float64) Value {
	return Value{ID: id, payload: floatPayload(f)}
}

// Bool creates a boolean value.
func Bool(id uint16, b bool) Value {
	return Value{ID: id, payload: booleanPayload(b)}
}

// ObjectLink creates an object link value pointing at /oid/iid.
func ObjectLink(id, oid, iid uint16) Value {
	return Value{ID: id, payload: linkPayload{objectID: oid, instanceID: iid}}
}

// Include creates a composite whose kind is derived from the first child:
// a list of instances becomes an Object, anything else an ObjectInstance.
// Callers must pass homogeneous children.
func Include(id uint16, children ...Value) Value {
	k := KindObjectInstance
	if len(children) > 0 && children[0].Kind() == KindObjectInstance {
		k = KindObject
	}
	return newComposite(id, k, children)
}

// EncodeInstances creates a multiple resource from resource instances.
func EncodeInstances(id uint16, children ...Value) Value {
	return newComposite(id, KindMultipleResource, children)
}

// Instance creates an object instance holding resources.
func Instance(id uint16, resources ...Value) Value {
	return newComposite(id, KindObjectInstance, resources)
}

// Object creates an object holding instances.
func Object(id uint16, instances ...Value) Value {
	return newComposite(id, KindObject, instances)
}

// Multiple is an alias of EncodeInstances.
func Multiple(id uint16, instances ...Value) Value {
	return EncodeInstances(id, instances...)
}

func newComposite(id uint16, k Kind, children []Value) Value {
	return Value{ID: id, payload: composite{k: k, children: append([]Value{}, children...)}}
}

// SetString replaces the payload with a string.
func (v *Value) SetString(s string) { v.payload = stringPayload(s) }

// SetOpaque replaces the payload with a copy of b.
func (v *Value) SetOpaque(b []byte) { v.payload = opaquePayload(append([]byte{}, b...)) }

// SetInt replaces the payload with an integer.
func (v *Value) SetInt(i int64) { v.payload = integerPayload(i) }

// SetFloat replaces the payload with a float.
func (v *Value) SetFloat(f float64) { v.payload = floatPayload(f) }

// SetBool replaces the payload with a boolean.
func (v *Value) SetBool(b bool) { v.payload = booleanPayload(b) }

// SetObjectLink replaces the payload with an object link.
func (v *Value) SetObjectLink(oid, iid uint16) {
	v.payload = linkPayload{objectID: oid, instanceID: iid}
}

// Children returns the children of a composite value, or nil.
func (v Value) Children() []Value {
	if c, ok := v.payload.(composite); ok {
		return c.children
	}
	return nil
}

// Child returns the child with the given id.
func (v Value) Child(id uint16) (Value, bool) {
	for _, c := range v.Children() {
		if c.ID == id {
			return c, true
		}
	}
	return Value{}, false
}

// Bytes returns the raw bytes of a string or opaque value.
func (v Value) Bytes() ([]byte, bool) {
	switch p := v.payload.(type) {
	case stringPayload:
		return []byte(p), true
	case opaquePayload:
		return []byte(p), true
	}
	return nil, false
}

// Text returns the string held by a string value.
func (v Value) Text() (string, bool) {
	p, ok := v.payload.(stringPayload)
	return string(p), ok
}

// Equal reports whether a and b hold the same tree.
func Equal(a, b Value) bool {
	if a.ID != b.ID || a.Kind() != b.Kind() {
		return false
	}
	switch pa := a.payload.(type) {
	case nil:
		return true
	case opaquePayload:
		pb := b.payload.(opaquePayload)
		return string(pa) == string(pb)
	case composite:
		pb := b.payload.(composite)
		if len(pa.children) != len(pb.children) {
			return false
		}
		for i := range pa.children {
			if !Equal(pa.children[i], pb.children[i]) {
				return false
			}
		}
		return true
	default:
		return a.payload == b.payload
	}
}

// GoString renders v for test failure messages.
func (v Value) GoString() string {
	switch p := v.payload.(type) {
	case nil:
		return fmt.Sprintf("{%d undefined}", v.ID)
	case composite:
		return fmt.Sprintf("{%d %s %#v}", v.ID, p.k, p.children)
	case opaquePayload:
		return fmt.Sprintf("{%d opaque %x}", v.ID, []byte(p))
	default:
		return fmt.Sprintf("{%d %s %v}", v.ID, p.kind(), p)
	}
}
