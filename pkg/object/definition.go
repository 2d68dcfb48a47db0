// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"fmt"
	"os"
	"strings"

	"github.com/absmach/lwm2m/pkg/data"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Operations is the set of operations a resource supports.
type Operations uint8

const (
	OpRead Operations = 1 << iota
	OpWrite
	OpExecute
)

// Has reports whether every operation in op is allowed.
func (o Operations) Has(op Operations) bool { return o&op == op }

func (o Operations) String() string {
	var b strings.Builder
	if o.Has(OpRead) {
		b.WriteByte('R')
	}
	if o.Has(OpWrite) {
		b.WriteByte('W')
	}
	if o.Has(OpExecute) {
		b.WriteByte('E')
	}
	return b.String()
}

// File is the layout of an object definition file.
type File struct {
	Objects []ObjectDef `yaml:"objects"`
}

// ObjectDef declares an object, its resources and its initial instances.
type ObjectDef struct {
	ID        uint16        `yaml:"id"`
	Name      string        `yaml:"name"`
	Multiple  bool          `yaml:"multiple"`
	Resources []ResourceDef `yaml:"resources"`
	Instances []InstanceDef `yaml:"instances"`
}

// ResourceDef declares one resource of an object.
type ResourceDef struct {
	ID         uint16 `yaml:"id"`
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`       // "string", "integer", "float", "boolean", "opaque", "objlnk", "none"
	Operations string `yaml:"operations"` // any of "R", "W", "E"
	Multiple   bool   `yaml:"multiple"`
}

// InstanceDef holds the initial values of an instance. Multiple resources
// take a list.
type InstanceDef struct {
	ID     uint16         `yaml:"id"`
	Values map[uint16]any `yaml:"values"`
}

// Kind returns the data kind of the resource. Executable resources have
// no value and report KindUndefined.
func (r ResourceDef) Kind() (data.Kind, error) {
	switch r.Type {
	case "string":
		return data.KindString, nil
	case "integer":
		return data.KindInteger, nil
	case "float":
		return data.KindFloat, nil
	case "boolean":
		return data.KindBoolean, nil
	case "opaque":
		return data.KindOpaque, nil
	case "objlnk":
		return data.KindObjectLink, nil
	case "", "none":
		return data.KindUndefined, nil
	}
	return data.KindUndefined, fmt.Errorf("resource %d: unknown type %q", r.ID, r.Type)
}

// Ops parses the operations string.
func (r ResourceDef) Ops() (Operations, error) {
	var ops Operations
	for _, c := range strings.ToUpper(r.Operations) {
		switch c {
		case 'R':
			ops |= OpRead
		case 'W':
			ops |= OpWrite
		case 'E':
			ops |= OpExecute
		default:
			return 0, fmt.Errorf("resource %d: unknown operation %q", r.ID, c)
		}
	}
	return ops, nil
}

// ParseFile parses object definitions from YAML bytes and validates them.
func ParseFile(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing object definitions: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses an object definition file.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseFile(b)
}

// Validate reports every inconsistency in the file at once.
func (f *File) Validate() error {
	var errs error
	objects := make(map[uint16]bool)
	for _, o := range f.Objects {
		if objects[o.ID] {
			errs = multierr.Append(errs, fmt.Errorf("object %d: defined twice", o.ID))
		}
		objects[o.ID] = true
		if o.ID == 65535 {
			errs = multierr.Append(errs, fmt.Errorf("object %d: reserved id", o.ID))
		}

		resources := make(map[uint16]ResourceDef)
		for _, r := range o.Resources {
			if _, ok := resources[r.ID]; ok {
				errs = multierr.Append(errs, fmt.Errorf("object %d: resource %d defined twice", o.ID, r.ID))
			}
			resources[r.ID] = r
			kind, err := r.Kind()
			errs = multierr.Append(errs, err)
			ops, err := r.Ops()
			errs = multierr.Append(errs, err)
			if err == nil && ops.Has(OpExecute) && (kind != data.KindUndefined || ops != OpExecute) {
				errs = multierr.Append(errs, fmt.Errorf("object %d: executable resource %d carries a value", o.ID, r.ID))
			}
		}

		if !o.Multiple && len(o.Instances) > 1 {
			errs = multierr.Append(errs, fmt.Errorf("object %d: single instance object has %d instances", o.ID, len(o.Instances)))
		}
		instances := make(map[uint16]bool)
		for _, in := range o.Instances {
			if instances[in.ID] {
				errs = multierr.Append(errs, fmt.Errorf("object %d: instance %d defined twice", o.ID, in.ID))
			}
			instances[in.ID] = true
			for rid, raw := range in.Values {
				r, ok := resources[rid]
				if !ok {
					errs = multierr.Append(errs, fmt.Errorf("object %d/%d: undefined resource %d", o.ID, in.ID, rid))
					continue
				}
				if _, err := initialValue(r, raw); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("object %d/%d: %w", o.ID, in.ID, err))
				}
			}
		}
	}
	return errs
}

// initialValue converts a YAML value to the declared kind of r.
func initialValue(r ResourceDef, raw any) (data.Value, error) {
	kind, err := r.Kind()
	if err != nil {
		return data.Value{}, err
	}
	if kind == data.KindUndefined {
		return data.Value{}, fmt.Errorf("resource %d: executable resource has no value", r.ID)
	}
	if !r.Multiple {
		return scalarValue(r.ID, kind, raw)
	}
	list, ok := raw.([]any)
	if !ok {
		return data.Value{}, fmt.Errorf("resource %d: multiple resource needs a list", r.ID)
	}
	children := make([]data.Value, 0, len(list))
	for i, item := range list {
		v, err := scalarValue(uint16(i), kind, item)
		if err != nil {
			return data.Value{}, fmt.Errorf("resource %d/%d: %w", r.ID, i, err)
		}
		children = append(children, v)
	}
	return data.Multiple(r.ID, children...), nil
}

func scalarValue(id uint16, kind data.Kind, raw any) (data.Value, error) {
	var v data.Value
	switch x := raw.(type) {
	case string:
		v = data.String(id, x)
	case int:
		v = data.Int(id, int64(x))
	case float64:
		v = data.Float(id, x)
	case bool:
		v = data.Bool(id, x)
	default:
		return data.Value{}, fmt.Errorf("resource %d: unsupported value %v", id, raw)
	}
	return data.Coerce(v, kind)
}
