package fieldcrypt

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// EntitySpec declares the sensitive fields of one entity type. Nested maps a field
// holding an object (or a list of objects) to the entity type describing it.
type EntitySpec struct {
	Fields []string          `yaml:"fields"`
	Nested map[string]string `yaml:"nested,omitempty"`
}

// Registry is the immutable entity type -> sensitive field declaration table.
// It is safe for concurrent reads.
type Registry struct {
	entities map[string]EntitySpec
}

type registryFile struct {
	Entities map[string]EntitySpec `yaml:"entities"`
}

// NewRegistry validates and copies specs.
func NewRegistry(specs map[string]EntitySpec) (*Registry, error) {
	out := make(map[string]EntitySpec, len(specs))
	for name, spec := range specs {
		if name == "" {
			return nil, fmt.Errorf("registry: empty entity type")
		}
		seen := make(map[string]struct{}, len(spec.Fields))
		for _, f := range spec.Fields {
			if f == "" {
				return nil, fmt.Errorf("registry: %s: empty field name", name)
			}
			seen[f] = struct{}{}
		}
		for f, sub := range spec.Nested {
			if _, dup := seen[f]; dup {
				return nil, fmt.Errorf("registry: %s.%s declared both as field and nested", name, f)
			}
			if _, ok := specs[sub]; !ok {
				return nil, fmt.Errorf("registry: %s.%s refers to unknown entity %q", name, f, sub)
			}
		}
		cp := EntitySpec{Fields: append([]string(nil), spec.Fields...)}
		if len(spec.Nested) > 0 {
			cp.Nested = make(map[string]string, len(spec.Nested))
			for k, v := range spec.Nested {
				cp.Nested[k] = v
			}
		}
		out[name] = cp
	}
	return &Registry{entities: out}, nil
}

// LoadRegistry parses a YAML document of the form
//
//	entities:
//	  placement_info:
//	    fields: [diagnosis]
//	    nested: {address: address}
func LoadRegistry(r io.Reader) (*Registry, error) {
	var f registryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	return NewRegistry(f.Entities)
}

// LoadRegistryFile reads a YAML registry from path.
func LoadRegistryFile(path string) (*Registry, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return LoadRegistry(fh)
}

// Spec returns the declaration for entityType.
func (r *Registry) Spec(entityType string) (EntitySpec, bool) {
	s, ok := r.entities[entityType]
	return s, ok
}

// EntityTypes lists declared entity types in sorted order.
func (r *Registry) EntityTypes() []string {
	out := make([]string, 0, len(r.entities))
	for k := range r.entities {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NestedTenants collects the tenantId values carried by the nested objects of
// rec, at any depth, in no particular order. Non-string values are rendered
// with fmt so they can be rejected by the caller.
func (r *Registry) NestedTenants(entityType string, rec map[string]any) []string {
	var out []string
	r.nestedTenants(entityType, rec, 0, &out)
	return out
}

func (r *Registry) nestedTenants(entityType string, rec map[string]any, depth int, out *[]string) {
	s, ok := r.entities[entityType]
	if !ok || rec == nil || depth > maxDepth {
		return
	}
	if depth > 0 {
		if v, present := rec[TenantKey]; present && !isNil(v) {
			if t := fmt.Sprint(v); t != "" {
				*out = append(*out, t)
			}
		}
	}
	for f, sub := range s.Nested {
		for _, obj := range objects(rec[f]) {
			r.nestedTenants(sub, obj, depth+1, out)
		}
	}
}

// HasPopulatedSensitive reports whether rec carries at least one non-nil sensitive
// value, looking through nested objects.
func (r *Registry) HasPopulatedSensitive(entityType string, rec map[string]any) bool {
	return r.hasPopulated(entityType, rec, 0)
}

func (r *Registry) hasPopulated(entityType string, rec map[string]any, depth int) bool {
	s, ok := r.entities[entityType]
	if !ok || rec == nil || depth > maxDepth {
		return false
	}
	for _, f := range s.Fields {
		if !isNil(rec[f]) {
			if str, isStr := rec[f].(string); isStr && str == "" {
				continue
			}
			return true
		}
	}
	for f, sub := range s.Nested {
		for _, obj := range objects(rec[f]) {
			if r.hasPopulated(sub, obj, depth+1) {
				return true
			}
		}
	}
	return false
}
