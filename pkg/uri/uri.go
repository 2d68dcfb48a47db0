// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package uri models LWM2M request addresses: the /object/instance/resource
// path grammar plus the registration and bootstrap request classes.
package uri

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/lwm2m/pkg/errors"
)

// Flag marks which parts of a URI are present and which request class it addresses.
type Flag uint8

const (
	FlagObject Flag = 1 << iota
	FlagInstance
	FlagResource
	FlagResourceInstance
	FlagDeleteAll
	FlagRegistration
	FlagBootstrap
)

// MaxID is the largest usable identifier. 65535 is reserved.
const MaxID = 65534

// Class selects the handler that serves a request.
type Class uint8

const (
	// ClassNone is an unroutable request.
	ClassNone Class = iota
	// ClassDM is a device-management request.
	ClassDM
	// ClassRegistration is a request to the registration path.
	ClassRegistration
	// ClassBootstrap is a request to the bootstrap path.
	ClassBootstrap
)

func (c Class) String() string {
	switch c {
	case ClassDM:
		return "dm"
	case ClassRegistration:
		return "registration"
	case ClassBootstrap:
		return "bootstrap"
	default:
		return "none"
	}
}

const (
	registrationSegment = "rd"
	bootstrapSegment    = "bs"
)

// URI addresses an object, instance, resource or resource instance.
// Identifiers are meaningful only when their presence flag is set.
type URI struct {
	Flag               Flag
	ObjectID           uint16
	InstanceID         uint16
	ResourceID         uint16
	ResourceInstanceID uint16

	// Location holds the path segments that follow a registration or
	// bootstrap prefix.
	Location []string
}

// Object addresses a whole object.
func Object(oid uint16) URI {
	return URI{Flag: FlagObject, ObjectID: oid}
}

// Instance addresses an object instance.
func Instance(oid, iid uint16) URI {
	return URI{Flag: FlagObject | FlagInstance, ObjectID: oid, InstanceID: iid}
}

// Resource addresses a resource.
func Resource(oid, iid, rid uint16) URI {
	return URI{Flag: FlagObject | FlagInstance | FlagResource, ObjectID: oid, InstanceID: iid, ResourceID: rid}
}

// ResourceInstance addresses a single instance of a multiple resource.
func ResourceInstance(oid, iid, rid, riid uint16) URI {
	return URI{
		Flag:               FlagObject | FlagInstance | FlagResource | FlagResourceInstance,
		ObjectID:           oid,
		InstanceID:         iid,
		ResourceID:         rid,
		ResourceInstanceID: riid,
	}
}

// Registration is the registration class URI.
func Registration(location ...string) URI {
	return URI{Flag: FlagRegistration, Location: location}
}

// Parse builds a URI from CoAP Uri-Path segments.
// An empty path addressed by DELETE is a delete-all request. A first segment
// that is neither numeric nor a known class prefix yields ClassNone.
func Parse(segments []string, deleteRequest bool) (URI, error) {
	segments = trimEmpty(segments)
	if len(segments) == 0 {
		if deleteRequest {
			return URI{Flag: FlagDeleteAll}, nil
		}
		return URI{}, nil
	}

	switch segments[0] {
	case registrationSegment:
		return URI{Flag: FlagRegistration, Location: segments[1:]}, nil
	case bootstrapSegment:
		return URI{Flag: FlagBootstrap, Location: segments[1:]}, nil
	}

	if !isNumeric(segments[0]) {
		return URI{}, nil
	}
	if len(segments) > 4 {
		return URI{}, fmt.Errorf("path too deep: %w", errors.ErrMalformed)
	}

	var u URI
	flags := [...]Flag{FlagObject, FlagInstance, FlagResource, FlagResourceInstance}
	ids := [...]*uint16{&u.ObjectID, &u.InstanceID, &u.ResourceID, &u.ResourceInstanceID}
	for i, seg := range segments {
		id, err := parseID(seg)
		if err != nil {
			return URI{}, err
		}
		*ids[i] = id
		u.Flag |= flags[i]
	}
	return u, nil
}

// ParsePath splits a slash separated path and parses it.
func ParsePath(path string, deleteRequest bool) (URI, error) {
	return Parse(strings.Split(path, "/"), deleteRequest)
}

func parseID(s string) (uint16, error) {
	if !isNumeric(s) {
		return 0, fmt.Errorf("invalid identifier %q: %w", s, errors.ErrMalformed)
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v > MaxID {
		return 0, fmt.Errorf("identifier %q out of range: %w", s, errors.ErrMalformed)
	}
	return uint16(v), nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimEmpty(segments []string) []string {
	out := segments[:0:0]
	for _, s := range segments {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Class returns the request class the URI routes to.
func (u URI) Class() Class {
	switch {
	case u.Flag&FlagRegistration != 0:
		return ClassRegistration
	case u.Flag&FlagBootstrap != 0:
		return ClassBootstrap
	case u.Flag&(FlagObject|FlagDeleteAll) != 0:
		return ClassDM
	default:
		return ClassNone
	}
}

// HasObject reports whether the object id is present.
func (u URI) HasObject() bool { return u.Flag&FlagObject != 0 }

// HasInstance reports whether the instance id is present.
func (u URI) HasInstance() bool { return u.Flag&FlagInstance != 0 }

// HasResource reports whether the resource id is present.
func (u URI) HasResource() bool { return u.Flag&FlagResource != 0 }

// HasResourceInstance reports whether the resource instance id is present.
func (u URI) HasResourceInstance() bool { return u.Flag&FlagResourceInstance != 0 }

// IsDeleteAll reports whether the URI is the empty-path delete-all target.
func (u URI) IsDeleteAll() bool { return u.Flag&FlagDeleteAll != 0 }

// Valid reports whether every present id has all of its ancestors present.
func (u URI) Valid() bool {
	if u.HasResourceInstance() && !u.HasResource() {
		return false
	}
	if u.HasResource() && !u.HasInstance() {
		return false
	}
	if u.HasInstance() && !u.HasObject() {
		return false
	}
	return true
}

// Depth returns the number of path ids present: 0 (root) to 4 (resource instance).
func (u URI) Depth() int {
	switch {
	case u.HasResourceInstance():
		return 4
	case u.HasResource():
		return 3
	case u.HasInstance():
		return 2
	case u.HasObject():
		return 1
	default:
		return 0
	}
}

// IDs returns the present ids from the object down.
func (u URI) IDs() []uint16 {
	all := [...]uint16{u.ObjectID, u.InstanceID, u.ResourceID, u.ResourceInstanceID}
	return append([]uint16(nil), all[:u.Depth()]...)
}

// Child returns the URI one level below u with the given id.
func (u URI) Child(id uint16) URI {
	c := URI{Flag: u.Flag &^ (FlagDeleteAll | FlagRegistration | FlagBootstrap)}
	c.ObjectID, c.InstanceID, c.ResourceID, c.ResourceInstanceID = u.ObjectID, u.InstanceID, u.ResourceID, u.ResourceInstanceID
	switch u.Depth() {
	case 0:
		c.Flag |= FlagObject
		c.ObjectID = id
	case 1:
		c.Flag |= FlagInstance
		c.InstanceID = id
	case 2:
		c.Flag |= FlagResource
		c.ResourceID = id
	default:
		c.Flag |= FlagResourceInstance
		c.ResourceInstanceID = id
	}
	return c
}

// Parent returns the URI one level above u.
func (u URI) Parent() URI {
	p := u
	p.Location = nil
	switch u.Depth() {
	case 4:
		p.Flag &^= FlagResourceInstance
		p.ResourceInstanceID = 0
	case 3:
		p.Flag &^= FlagResource
		p.ResourceID = 0
	case 2:
		p.Flag &^= FlagInstance
		p.InstanceID = 0
	case 1:
		p.Flag &^= FlagObject
		p.ObjectID = 0
	}
	return p
}

// Contains reports whether other lies in the subtree rooted at u.
func (u URI) Contains(other URI) bool {
	if other.Depth() < u.Depth() {
		return false
	}
	a, b := u.IDs(), other.IDs()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders the path form, e.g. "/3/0/9".
func (u URI) String() string {
	switch u.Class() {
	case ClassRegistration:
		return "/" + strings.Join(append([]string{registrationSegment}, u.Location...), "/")
	case ClassBootstrap:
		return "/" + strings.Join(append([]string{bootstrapSegment}, u.Location...), "/")
	}
	ids := u.IDs()
	if len(ids) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteByte('/')
		sb.WriteString(strconv.Itoa(int(id)))
	}
	return sb.String()
}
