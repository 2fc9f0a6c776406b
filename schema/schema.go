// Package schema holds the entity schema registry: for every remote entity
// type, the fields to request and the codec that converts between remote
// field maps and local payloads.
//
// A Registry is built once at startup and never mutated afterwards, so it can
// be shared freely between goroutines.
package schema

import (
	"fmt"
	"sort"

	"github.com/c0deZ3R0/go-crm-sync/errors"
)

// Fields is a remote record: field name to string value.
type Fields map[string]string

// Get returns the value of field name, or "" when it is missing.
func (f Fields) Get(name string) string {
	if f == nil {
		return ""
	}
	return f[name]
}

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Codec converts between the remote field map and a local payload. Both
// directions are pure.
type Codec interface {
	// Decode builds a payload from remote fields. Missing or empty fields
	// leave the corresponding payload value unset.
	Decode(fields Fields) (Payload, error)

	// Encode returns the remote fields for payload, omitting every field
	// whose local value is empty.
	Encode(payload Payload) (Fields, error)
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs struct {
	DecodeFunc func(Fields) (Payload, error)
	EncodeFunc func(Payload) (Fields, error)
}

func (c CodecFuncs) Decode(fields Fields) (Payload, error) { return c.DecodeFunc(fields) }
func (c CodecFuncs) Encode(payload Payload) (Fields, error) { return c.EncodeFunc(payload) }

// Schema describes one remote entity type.
type Schema struct {
	// EntityType is the remote module name, e.g. "Contacts".
	EntityType string

	// RequiredFields lists the fields fetched for a full record, in request order.
	RequiredFields []string

	// LocalKind tags the payload shape built by Codec.
	LocalKind Kind

	Codec Codec

	// RefreshOnCreate marks types whose server-side creation fills in
	// derived fields, so a freshly created record is fetched back.
	RefreshOnCreate bool
}

// Decode runs the schema's codec and checks the payload kind.
func (s Schema) Decode(fields Fields) (Payload, error) {
	p, err := s.Codec.Decode(fields)
	if err != nil {
		return nil, errors.E(errors.Op("schema.Decode"), errors.Component("schema"), errors.KindInvalid, err, s.EntityType)
	}
	if p == nil || p.Kind() != s.LocalKind {
		return nil, errors.E(errors.Op("schema.Decode"), errors.Component("schema"), errors.KindInvalid,
			fmt.Sprintf("%s codec produced %s payload, want %s", s.EntityType, kindOf(p), s.LocalKind))
	}
	return p, nil
}

// Encode runs the schema's codec after checking the payload kind.
func (s Schema) Encode(payload Payload) (Fields, error) {
	if payload == nil || payload.Kind() != s.LocalKind {
		return nil, errors.E(errors.Op("schema.Encode"), errors.Component("schema"), errors.KindInvalid,
			fmt.Sprintf("cannot encode %v payload as %s", kindOf(payload), s.EntityType))
	}
	fields, err := s.Codec.Encode(payload)
	if err != nil {
		return nil, errors.E(errors.Op("schema.Encode"), errors.Component("schema"), errors.KindInvalid, err, s.EntityType)
	}
	return fields, nil
}

func kindOf(p Payload) Kind {
	if p == nil {
		return "nil"
	}
	return p.Kind()
}

// Registry is an immutable entity type to schema table.
type Registry struct {
	schemas map[string]Schema
	types   []string
}

// NewRegistry validates and indexes schemas. Each entity type may appear
// once and its required fields must be unique.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		if s.EntityType == "" {
			return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("schema with empty entity type"))
		}
		if _, dup := r.schemas[s.EntityType]; dup {
			return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("entity type %q registered twice", s.EntityType))
		}
		if s.Codec == nil {
			return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("entity type %q has no codec", s.EntityType))
		}
		seen := make(map[string]bool, len(s.RequiredFields))
		for _, f := range s.RequiredFields {
			if seen[f] {
				return nil, errors.NewValidationError(errors.OpConfig, fmt.Errorf("entity type %q lists field %q twice", s.EntityType, f))
			}
			seen[f] = true
		}
		s.RequiredFields = append([]string(nil), s.RequiredFields...)
		r.schemas[s.EntityType] = s
		r.types = append(r.types, s.EntityType)
	}
	sort.Strings(r.types)
	return r, nil
}

// MustRegistry is NewRegistry that panics on error, for static tables.
func MustRegistry(schemas ...Schema) *Registry {
	r, err := NewRegistry(schemas...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the schema for entityType or an UnknownTypeError.
func (r *Registry) Lookup(entityType string) (Schema, error) {
	s, ok := r.schemas[entityType]
	if !ok {
		return Schema{}, errors.NewUnknownTypeError(errors.OpLookup, entityType)
	}
	s.RequiredFields = append([]string(nil), s.RequiredFields...)
	return s, nil
}

// Has reports whether entityType is registered.
func (r *Registry) Has(entityType string) bool {
	_, ok := r.schemas[entityType]
	return ok
}

// Types returns the registered entity types in sorted order.
func (r *Registry) Types() []string {
	return append([]string(nil), r.types...)
}

// Intersect returns the entity types present both in remote and in the
// registry, sorted. Types missing on either side are dropped silently.
func (r *Registry) Intersect(remote []string) []string {
	var out []string
	seen := make(map[string]bool, len(remote))
	for _, t := range remote {
		if r.Has(t) && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
