package jobtype

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinCatalog []byte

type catalogFile struct {
	JobTypes []Descriptor `yaml:"job_types"`
}

// Registry holds the known job-type descriptors in catalog order.
type Registry struct {
	order []string
	byKey map[string]Descriptor
}

// NewRegistry validates the descriptors and indexes them by key.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		d = d.withDefaults()
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, exists := r.byKey[d.Key]; exists {
			return nil, fmt.Errorf("job type %q declared twice", d.Key)
		}
		r.byKey[d.Key] = d
		r.order = append(r.order, d.Key)
	}
	return r, nil
}

// Parse builds a registry from a YAML catalog.
func Parse(data []byte) (*Registry, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse job type catalog: %w", err)
	}
	return NewRegistry(cf.JobTypes)
}

// LoadFile builds a registry from a YAML catalog on disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job type catalog: %w", err)
	}
	return Parse(data)
}

// Builtin returns the registry of the built-in job-type families.
func Builtin() (*Registry, error) {
	return Parse(builtinCatalog)
}

// Load returns the catalog at path, or the built-in one when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Builtin()
	}
	return LoadFile(path)
}

// Lookup returns the descriptor registered under key.
func (r *Registry) Lookup(key string) (Descriptor, error) {
	d, ok := r.byKey[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownJobType, key)
	}
	return d, nil
}

// Keys returns the registered job-type keys in catalog order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every descriptor in catalog order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}
