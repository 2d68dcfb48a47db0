// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/discover"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
)

// PayloadURI addresses the pseudo object whose instances carry TLV and JSON
// directory payloads.
var PayloadURI = uri.Object(0)

// Publication layout: instance 0 describes the device, every other instance
// is one link.
const (
	resDeviceID = 0
	resTTL      = 1

	resHref       = 0
	resTypes      = 1
	resInterfaces = 2
	resPolicy     = 3
	resInstance   = 4
	resEndpoints  = 5
	resPriorities = 6
)

// Group layout: one instance per link, prefixed with the device id.
const (
	grpDeviceID   = 0
	grpHref       = 1
	grpTypes      = 2
	grpInterfaces = 3
	grpPolicy     = 4
	grpInstance   = 5
	grpEndpoints  = 6
	grpPriorities = 7
)

// instances accepts either a list of instances or a single object wrapping
// them.
func instances(values []data.Value) []data.Value {
	if len(values) == 1 && values[0].Kind() == data.KindObject {
		return values[0].Children()
	}
	return values
}

// DecodePublication reads a publication from TLV or JSON values parsed
// against PayloadURI.
func DecodePublication(values []data.Value) (Publication, error) {
	var (
		p      Publication
		header bool
	)
	for _, inst := range instances(values) {
		if inst.Kind() != data.KindObjectInstance {
			return Publication{}, fmt.Errorf("publication entry %d is a %s: %w", inst.ID, inst.Kind(), errors.ErrMalformed)
		}
		if inst.ID == 0 {
			header = true
			di, err := textOf(inst, resDeviceID, true)
			if err != nil {
				return Publication{}, err
			}
			p.DeviceID = di
			if v, ok := inst.Child(resTTL); ok {
				secs, err := data.DecodeInt(v)
				if err != nil || secs < 0 {
					return Publication{}, fmt.Errorf("invalid lifetime: %w", errors.ErrMalformed)
				}
				p.TTL = time.Duration(secs) * time.Second
			}
			continue
		}
		l, err := decodeLink(inst, linkLayout{
			href: resHref, types: resTypes, interfaces: resInterfaces, policy: resPolicy,
			instance: resInstance, endpoints: resEndpoints, priorities: resPriorities,
		})
		if err != nil {
			return Publication{}, err
		}
		p.Links = append(p.Links, l)
	}
	if !header || p.DeviceID == "" {
		return Publication{}, fmt.Errorf("publication without device id: %w", errors.ErrMalformed)
	}
	return p, nil
}

// EncodeGroups lays query results out as instances of PayloadURI, one
// instance per link. More links than instance ids fail with
// errors.ErrCapacity.
func EncodeGroups(groups []Group) ([]data.Value, error) {
	var out []data.Value
	for _, g := range groups {
		for _, l := range g.Links {
			if len(out) > uri.MaxID {
				return nil, fmt.Errorf("%d or more links: %w", len(out)+1, errors.ErrCapacity)
			}
			res := []data.Value{
				data.String(grpDeviceID, g.DeviceID),
				data.String(grpHref, l.Href),
			}
			res = appendStrings(res, grpTypes, l.ResourceTypes)
			res = appendStrings(res, grpInterfaces, l.Interfaces)
			if l.Policy != 0 {
				res = append(res, data.Int(grpPolicy, l.Policy))
			}
			if l.Instance != 0 {
				res = append(res, data.Int(grpInstance, l.Instance))
			}
			if len(l.Endpoints) > 0 {
				uris := make([]string, len(l.Endpoints))
				pri := make([]data.Value, len(l.Endpoints))
				for i, ep := range l.Endpoints {
					uris[i] = ep.URI
					pri[i] = data.Int(uint16(i), ep.Priority)
				}
				res = appendStrings(res, grpEndpoints, uris)
				res = append(res, data.Multiple(grpPriorities, pri...))
			}
			out = append(out, data.Instance(uint16(len(out)), res...))
		}
	}
	return out, nil
}

// DecodeGroups reverses EncodeGroups. Consecutive links of one device end up
// in the same group.
func DecodeGroups(values []data.Value) ([]Group, error) {
	groups := []Group{}
	for _, inst := range instances(values) {
		if inst.Kind() != data.KindObjectInstance {
			return nil, fmt.Errorf("group entry %d is a %s: %w", inst.ID, inst.Kind(), errors.ErrMalformed)
		}
		di, err := textOf(inst, grpDeviceID, true)
		if err != nil {
			return nil, err
		}
		l, err := decodeLink(inst, linkLayout{
			href: grpHref, types: grpTypes, interfaces: grpInterfaces, policy: grpPolicy,
			instance: grpInstance, endpoints: grpEndpoints, priorities: grpPriorities,
		})
		if err != nil {
			return nil, err
		}
		if n := len(groups); n > 0 && groups[n-1].DeviceID == di {
			groups[n-1].Links = append(groups[n-1].Links, l)
			continue
		}
		groups = append(groups, Group{DeviceID: di, Links: []Link{l}})
	}
	return groups, nil
}

type linkLayout struct {
	href, types, interfaces, policy, instance, endpoints, priorities uint16
}

func decodeLink(inst data.Value, lay linkLayout) (Link, error) {
	var (
		l   Link
		err error
	)
	if l.Href, err = textOf(inst, lay.href, true); err != nil {
		return Link{}, err
	}
	if l.ResourceTypes, err = textsOf(inst, lay.types); err != nil {
		return Link{}, err
	}
	if l.Interfaces, err = textsOf(inst, lay.interfaces); err != nil {
		return Link{}, err
	}
	if l.Policy, err = intOf(inst, lay.policy); err != nil {
		return Link{}, err
	}
	if l.Instance, err = intOf(inst, lay.instance); err != nil {
		return Link{}, err
	}
	uris, err := textsOf(inst, lay.endpoints)
	if err != nil {
		return Link{}, err
	}
	var pri []data.Value
	if v, ok := inst.Child(lay.priorities); ok {
		pri = leaves(v)
	}
	for i, u := range uris {
		ep := Endpoint{URI: u}
		if i < len(pri) {
			if ep.Priority, err = data.DecodeInt(pri[i]); err != nil {
				return Link{}, fmt.Errorf("invalid endpoint priority: %w", errors.ErrMalformed)
			}
		}
		l.Endpoints = append(l.Endpoints, ep)
	}
	return l, nil
}

func appendStrings(res []data.Value, id uint16, list []string) []data.Value {
	if len(list) == 0 {
		return res
	}
	vals := make([]data.Value, len(list))
	for i, s := range list {
		vals[i] = data.String(uint16(i), s)
	}
	return append(res, data.Multiple(id, vals...))
}

// leaves returns the instances of a multiple resource, or the value itself.
func leaves(v data.Value) []data.Value {
	if v.Kind() == data.KindMultipleResource {
		return v.Children()
	}
	return []data.Value{v}
}

func textOf(inst data.Value, id uint16, required bool) (string, error) {
	v, ok := inst.Child(id)
	if !ok {
		if required {
			return "", fmt.Errorf("instance %d lacks resource %d: %w", inst.ID, id, errors.ErrMalformed)
		}
		return "", nil
	}
	s, err := data.Coerce(v, data.KindString)
	if err != nil {
		return "", fmt.Errorf("resource %d/%d: %w", inst.ID, id, errors.ErrMalformed)
	}
	txt, _ := s.Text()
	if required && txt == "" {
		return "", fmt.Errorf("instance %d has an empty resource %d: %w", inst.ID, id, errors.ErrMalformed)
	}
	return txt, nil
}

func textsOf(inst data.Value, id uint16) ([]string, error) {
	v, ok := inst.Child(id)
	if !ok {
		return nil, nil
	}
	var out []string
	for _, leaf := range leaves(v) {
		s, err := data.Coerce(leaf, data.KindString)
		if err != nil {
			return nil, fmt.Errorf("resource %d/%d: %w", inst.ID, id, errors.ErrMalformed)
		}
		txt, _ := s.Text()
		out = append(out, txt)
	}
	return out, nil
}

func intOf(inst data.Value, id uint16) (int64, error) {
	v, ok := inst.Child(id)
	if !ok {
		return 0, nil
	}
	i, err := data.DecodeInt(v)
	if err != nil {
		return 0, fmt.Errorf("resource %d/%d: %w", inst.ID, id, errors.ErrMalformed)
	}
	return i, nil
}

// ParseLinkRegistration builds a publication from a link-format payload and
// the ep (device id) and lt (lifetime in seconds) queries.
func ParseLinkRegistration(queries []string, payload []byte) (Publication, error) {
	var p Publication
	for _, q := range queries {
		name, value, _ := strings.Cut(q, "=")
		switch name {
		case "ep":
			p.DeviceID = value
		case "lt":
			secs, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return Publication{}, fmt.Errorf("invalid lifetime %q: %w", value, errors.ErrMalformed)
			}
			p.TTL = time.Duration(secs) * time.Second
		}
	}
	links, err := discover.ParseLinks(payload)
	if err != nil {
		return Publication{}, err
	}
	for _, dl := range links {
		if dl.Target == "" {
			return Publication{}, fmt.Errorf("link without target: %w", errors.ErrMalformed)
		}
		l := Link{
			Href:          dl.Target,
			ResourceTypes: dl.Values("rt"),
			Interfaces:    dl.Values("if"),
		}
		if v, ok := dl.Get("ins"); ok {
			if l.Instance, err = strconv.ParseInt(v, 10, 64); err != nil {
				return Publication{}, fmt.Errorf("invalid ins %q: %w", v, errors.ErrMalformed)
			}
		}
		if v, ok := dl.Get("p"); ok {
			if l.Policy, err = strconv.ParseInt(v, 10, 64); err != nil {
				return Publication{}, fmt.Errorf("invalid p %q: %w", v, errors.ErrMalformed)
			}
		}
		p.Links = append(p.Links, l)
	}
	return p, nil
}

// FormatGroups renders query results as link-format, one entry per link with
// the owning device in the ep attribute.
func FormatGroups(groups []Group) []byte {
	var links []discover.Link
	for _, g := range groups {
		for _, l := range g.Links {
			links = append(links, formatLink(g.DeviceID, l))
		}
	}
	return discover.FormatLinks(links)
}

func formatLink(deviceID string, l Link) discover.Link {
	dl := discover.Link{Target: l.Href}
	if deviceID != "" {
		dl = dl.Add("ep", deviceID)
	}
	if len(l.ResourceTypes) > 0 {
		dl = dl.Add("rt", strings.Join(l.ResourceTypes, " "))
	}
	if len(l.Interfaces) > 0 {
		dl = dl.Add("if", strings.Join(l.Interfaces, " "))
	}
	if l.Instance != 0 {
		dl = dl.Add("ins", strconv.FormatInt(l.Instance, 10))
	}
	if l.Policy != 0 {
		dl = dl.Add("p", strconv.FormatInt(l.Policy, 10))
	}
	return dl
}
