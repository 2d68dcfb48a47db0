// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rd implements a resource directory: devices publish their links
// with a lifetime, clients query them by resource type, interface or device
// id, and expired publications disappear.
//
// The Store keeps every device in memory and writes a CBOR snapshot through
// a Persister after each change. A publication is applied only once the
// snapshot that contains it was stored, so a failing backend never leaves a
// half-applied state behind. Persister calls are guarded by a circuit
// breaker; an open circuit and a backend failure both surface as
// errors.ErrStorageUnavailable.
package rd

import (
	"slices"
	"time"
)

// Endpoint is a transport address a link is reachable at.
type Endpoint struct {
	URI      string `cbor:"1,keyasint"`
	Priority int64  `cbor:"2,keyasint,omitempty"`
}

// Link is one published resource.
type Link struct {
	Href          string     `cbor:"1,keyasint"`
	ResourceTypes []string   `cbor:"2,keyasint,omitempty"`
	Interfaces    []string   `cbor:"3,keyasint,omitempty"`
	Policy        int64      `cbor:"4,keyasint,omitempty"`
	Endpoints     []Endpoint `cbor:"5,keyasint,omitempty"`
	Instance      int64      `cbor:"6,keyasint,omitempty"`
}

func (l Link) clone() Link {
	l.ResourceTypes = slices.Clone(l.ResourceTypes)
	l.Interfaces = slices.Clone(l.Interfaces)
	l.Endpoints = slices.Clone(l.Endpoints)
	return l
}

// HasResourceType reports whether rt is one of the link's resource types.
func (l Link) HasResourceType(rt string) bool {
	return slices.Contains(l.ResourceTypes, rt)
}

// HasInterface reports whether itf is one of the link's interfaces.
func (l Link) HasInterface(itf string) bool {
	return slices.Contains(l.Interfaces, itf)
}

// Device is a registered publisher and its links.
type Device struct {
	ID           string        `cbor:"1,keyasint"`
	TTL          time.Duration `cbor:"2,keyasint"`
	RegisteredAt time.Time     `cbor:"3,keyasint"`
	Links        []Link        `cbor:"4,keyasint"`
}

// ExpiresAt returns the end of the device's lifetime.
func (d Device) ExpiresAt() time.Time {
	return d.RegisteredAt.Add(d.TTL)
}

// Expired reports whether the lifetime ended at or before now.
func (d Device) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt())
}

func (d Device) clone() Device {
	links := make([]Link, len(d.Links))
	for i, l := range d.Links {
		links[i] = l.clone()
	}
	d.Links = links
	return d
}

// Publication is a publish request. A zero TTL selects the store default.
// Links are merged into an existing registration by Href.
type Publication struct {
	DeviceID string
	TTL      time.Duration
	Links    []Link
}

// Query selects links. Empty fields match everything. A link matches when
// it carries the resource type and the interface asked for.
type Query struct {
	DeviceID     string
	ResourceType string
	Interface    string
}

func (q Query) matches(l Link) bool {
	if q.ResourceType != "" && !l.HasResourceType(q.ResourceType) {
		return false
	}
	if q.Interface != "" && !l.HasInterface(q.Interface) {
		return false
	}
	return true
}

// Group is the set of matching links of one device.
type Group struct {
	DeviceID string
	Links    []Link
}
