// Package jobtype describes simulation job-type families: their parameter
// schema and the backend endpoint namespace they live in. One descriptor
// drives the generic lifecycle engine for its family.
package jobtype

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Field kinds.
const (
	KindString = "string"
	KindInt    = "int"
	KindFloat  = "float"
	KindEnum   = "enum"
)

var ErrUnknownJobType = errors.New("unknown job type")

// Field is one entry of a job type's parameter schema.
type Field struct {
	Key       string   `yaml:"key"       json:"key"`
	Label     string   `yaml:"label"     json:"label,omitempty"`
	Kind      string   `yaml:"kind"      json:"kind"`
	Required  bool     `yaml:"required"  json:"required"`
	Min       *float64 `yaml:"min"       json:"min,omitempty"`
	Max       *float64 `yaml:"max"       json:"max,omitempty"`
	Precision int      `yaml:"precision" json:"precision,omitempty"`
	Choices   []string `yaml:"choices"   json:"choices,omitempty"`
	Default   any      `yaml:"default"   json:"default,omitempty"`
}

// Descriptor is the schema and endpoint template of one job-type family.
type Descriptor struct {
	Key           string   `yaml:"key"             json:"key"`
	Title         string   `yaml:"title"           json:"title"`
	Prefix        string   `yaml:"prefix"          json:"-"`
	Plural        string   `yaml:"plural"          json:"-"`
	Manager       string   `yaml:"manager"         json:"-"`
	SimJobManager string   `yaml:"sim_job_manager" json:"-"`
	NameFrom      []string `yaml:"name_from"       json:"-"`
	Fields        []Field  `yaml:"fields"          json:"fields"`
}

// withDefaults fills the endpoint naming the backend uses when the catalog
// leaves it out.
func (d Descriptor) withDefaults() Descriptor {
	if d.Prefix == "" {
		d.Prefix = d.Key
	}
	if d.Plural == "" {
		d.Plural = d.Key + "s"
	}
	if d.Manager == "" {
		d.Manager = d.Key + "_manager"
	}
	if d.SimJobManager == "" {
		d.SimJobManager = d.Key + "_sim_job_manager"
	}
	if d.Title == "" {
		d.Title = d.Key
	}
	return d
}

func (d Descriptor) validate() error {
	if d.Key == "" {
		return fmt.Errorf("job type: key is required")
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("job type %q: at least one field is required", d.Key)
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Key == "" {
			return fmt.Errorf("job type %q: field key is required", d.Key)
		}
		if seen[f.Key] {
			return fmt.Errorf("job type %q: duplicate field %q", d.Key, f.Key)
		}
		seen[f.Key] = true

		switch f.Kind {
		case KindString, KindInt, KindFloat:
		case KindEnum:
			if len(f.Choices) == 0 {
				return fmt.Errorf("job type %q: enum field %q has no choices", d.Key, f.Key)
			}
		default:
			return fmt.Errorf("job type %q: field %q has unknown kind %q", d.Key, f.Key, f.Kind)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("job type %q: field %q has min > max", d.Key, f.Key)
		}
	}
	for _, k := range d.NameFrom {
		if !seen[k] {
			return fmt.Errorf("job type %q: name_from references unknown field %q", d.Key, k)
		}
	}
	return nil
}

// SchemaKeys returns the parameter keys in schema order.
func (d Descriptor) SchemaKeys() []string {
	keys := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		keys[i] = f.Key
	}
	return keys
}

// Field returns the schema entry for key.
func (d Descriptor) Field(key string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

func (d Descriptor) NameField() string      { return d.Prefix + "_name" }
func (d Descriptor) ParameterField() string { return d.Prefix + "_parameter" }
func (d Descriptor) UIDField() string       { return d.Prefix + "_uid" }

func (d Descriptor) CreatePath() string { return fmt.Sprintf("%s/create_%s", d.Manager, d.Key) }
func (d Descriptor) QueryByUserPath() string {
	return fmt.Sprintf("%s/query_%sData_by_user", d.Manager, d.Key)
}
func (d Descriptor) DeletePath() string { return fmt.Sprintf("%s/delete_%s", d.Manager, d.Key) }
func (d Descriptor) RunPath() string {
	return fmt.Sprintf("%s/run_%s_sim_job", d.SimJobManager, d.Key)
}
func (d Descriptor) DownloadPath() string {
	return fmt.Sprintf("%s/download_%s_sim_result", d.SimJobManager, d.Key)
}

// GenerateName builds the human-readable job label. Job types listing
// name_from fields get a label derived from those parameters; the rest get
// the prefix plus a random suffix.
func (d Descriptor) GenerateName(params map[string]any) string {
	if len(d.NameFrom) > 0 {
		parts := make([]string, 0, len(d.NameFrom)+1)
		parts = append(parts, d.Prefix)
		for _, k := range d.NameFrom {
			parts = append(parts, fmt.Sprint(params[k]))
		}
		return strings.Join(parts, "_")
	}
	return d.Prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
