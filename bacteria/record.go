// Package bacteria holds the typed record produced by extraction and consumed
// by persistence.
//
// Every attribute is a Value, which distinguishes three states:
//   - absent: the page had no such row; the key is omitted everywhere
//   - null:   the row was present but marked as not available
//   - valid:  the row carried a usable value
package bacteria

import (
	"encoding/json"
	"fmt"
)

// Value is one optional attribute. The zero Value is absent.
type Value[T any] struct {
	v     T
	set   bool
	valid bool
}

// Some returns a present, valid value.
func Some[T any](v T) Value[T] { return Value[T]{v: v, set: true, valid: true} }

// Null returns a present value explicitly marked as unavailable.
func Null[T any]() Value[T] { return Value[T]{set: true} }

// IsSet reports whether the attribute was present in the source.
func (x Value[T]) IsSet() bool { return x.set }

// Valid reports whether the attribute is present and not null.
func (x Value[T]) Valid() bool { return x.set && x.valid }

// Get returns the value and whether it is valid.
func (x Value[T]) Get() (T, bool) { return x.v, x.Valid() }

// Any returns the value for SQL and JSON encoding; nil when null or absent.
func (x Value[T]) Any() any {
	if !x.Valid() {
		return nil
	}
	return x.v
}

func (x *Value[T]) assign(v any) error {
	switch t := v.(type) {
	case nil:
		*x = Null[T]()
	case T:
		*x = Some(t)
	case *T:
		if t == nil {
			*x = Null[T]()
		} else {
			*x = Some(*t)
		}
	default:
		var zero T
		return fmt.Errorf("want %T, got %T", zero, v)
	}
	return nil
}

type attr interface {
	IsSet() bool
	Any() any
	assign(v any) error
}

type namedAttr struct {
	name string
	attr attr
}

// Record is the normalized scrape result for one bacterium.
type Record struct {
	BacteriaID string

	Name Value[string]

	// Taxonomy
	Superkingdom Value[string]
	Kingdom      Value[string]
	Phylum       Value[string]
	Class        Value[string]
	Order        Value[string]
	Family       Value[string]
	Genus        Value[string]
	Species      Value[string]
	Strain       Value[string]

	// Phenotype
	GramStain          Value[string]
	Shape              Value[string]
	Mobility           Value[bool]
	FlagellarPresence  Value[bool]
	NumberOfMembranes  Value[string]
	OxygenPreference   Value[string]
	OptimalTemperature Value[float64]
	TemperatureRange   Value[string]
	Habitat            Value[string]
	BioticRelationship Value[string]
	CellArrangement    Value[string]
	Sporulation        Value[bool]
	Metabolism         Value[string]
	EnergySource       Value[string]

	IsPathogen Value[bool]
}

// fields lists the attribute columns in storage order.
func (r *Record) fields() []namedAttr {
	return []namedAttr{
		{"name", &r.Name},
		{"superkingdom", &r.Superkingdom},
		{"kingdom", &r.Kingdom},
		{"phylum", &r.Phylum},
		{"class_name", &r.Class},
		{"order", &r.Order},
		{"family", &r.Family},
		{"genus", &r.Genus},
		{"species", &r.Species},
		{"strain", &r.Strain},
		{"gram_stain", &r.GramStain},
		{"shape", &r.Shape},
		{"mobility", &r.Mobility},
		{"flagellar_presence", &r.FlagellarPresence},
		{"number_of_membranes", &r.NumberOfMembranes},
		{"oxygen_preference", &r.OxygenPreference},
		{"optimal_temperature", &r.OptimalTemperature},
		{"temperature_range", &r.TemperatureRange},
		{"habitat", &r.Habitat},
		{"biotic_relationship", &r.BioticRelationship},
		{"cell_arrangement", &r.CellArrangement},
		{"sporulation", &r.Sporulation},
		{"metabolism", &r.Metabolism},
		{"energy_source", &r.EnergySource},
		{"is_pathogen", &r.IsPathogen},
	}
}

// ColumnNames returns every attribute column in storage order, excluding bacteria_id.
func ColumnNames() []string {
	var r Record
	fs := r.fields()
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.name
	}
	return out
}

// Column is one present attribute ready for storage.
type Column struct {
	Name  string
	Value any
}

// Columns returns the present attributes in storage order. Null attributes
// are included with a nil Value.
func (r Record) Columns() []Column {
	var cols []Column
	for _, f := range r.fields() {
		if f.attr.IsSet() {
			cols = append(cols, Column{Name: f.name, Value: f.attr.Any()})
		}
	}
	return cols
}

// Assign sets the named column from a storage value. nil stores a null.
func (r *Record) Assign(column string, v any) error {
	if column == "bacteria_id" {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("bacteria_id: want string, got %T", v)
		}
		r.BacteriaID = s
		return nil
	}
	for _, f := range r.fields() {
		if f.name == column {
			if err := f.attr.assign(v); err != nil {
				return fmt.Errorf("%s: %w", column, err)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown column %q", column)
}

// Empty reports whether no attribute besides the identifier is present.
func (r Record) Empty() bool {
	return len(r.Columns()) == 0
}

// Merge overlays the present attributes of next onto r and leaves the rest untouched.
func (r Record) Merge(next Record) Record {
	out := r
	for _, c := range next.Columns() {
		// Column names come from fields(), so Assign cannot fail here.
		_ = out.Assign(c.Name, c.Value)
	}
	return out
}

// MarshalJSON encodes present attributes keyed by column name.
func (r Record) MarshalJSON() ([]byte, error) {
	m := map[string]any{"bacteria_id": r.BacteriaID}
	for _, c := range r.Columns() {
		m[c.Name] = c.Value
	}
	return json.Marshal(m)
}
