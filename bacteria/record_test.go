package bacteria

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueStates(t *testing.T) {
	var absent Value[bool]
	require.False(t, absent.IsSet())
	require.False(t, absent.Valid())
	require.Nil(t, absent.Any())

	null := Null[bool]()
	require.True(t, null.IsSet())
	require.False(t, null.Valid())
	require.Nil(t, null.Any())

	v := Some(false)
	got, ok := v.Get()
	require.True(t, ok)
	require.False(t, got)
	require.Equal(t, false, v.Any())
}

func TestColumnsSkipsAbsentKeepsNull(t *testing.T) {
	r := Record{
		BacteriaID:         "MMDBm0001",
		Name:               Some("Escherichia coli"),
		Order:              Some("Enterobacterales"),
		Mobility:           Null[bool](),
		OptimalTemperature: Some(37.0),
	}
	require.Equal(t, []Column{
		{Name: "name", Value: "Escherichia coli"},
		{Name: "order", Value: "Enterobacterales"},
		{Name: "mobility", Value: nil},
		{Name: "optimal_temperature", Value: 37.0},
	}, r.Columns())
	require.False(t, r.Empty())
	require.True(t, Record{BacteriaID: "MMDBm0001"}.Empty())
}

func TestMergeOverlaysOnlyPresentFields(t *testing.T) {
	stored := Record{
		BacteriaID:  "X001",
		Name:        Some("A"),
		Genus:       Some("Bacillus"),
		Sporulation: Some(true),
	}
	next := Record{
		BacteriaID:  "X001",
		Name:        Some("B"),
		Sporulation: Null[bool](),
	}
	merged := stored.Merge(next)

	name, _ := merged.Name.Get()
	require.Equal(t, "B", name)
	genus, _ := merged.Genus.Get()
	require.Equal(t, "Bacillus", genus)
	require.True(t, merged.Sporulation.IsSet())
	require.False(t, merged.Sporulation.Valid())
}

func TestAssign(t *testing.T) {
	var r Record
	require.NoError(t, r.Assign("bacteria_id", "MMDBm0042"))
	require.NoError(t, r.Assign("class_name", "Bacilli"))
	require.NoError(t, r.Assign("is_pathogen", true))
	require.NoError(t, r.Assign("optimal_temperature", nil))
	s := "Rod"
	require.NoError(t, r.Assign("shape", &s))

	require.Equal(t, "MMDBm0042", r.BacteriaID)
	class, _ := r.Class.Get()
	require.Equal(t, "Bacilli", class)
	shape, _ := r.Shape.Get()
	require.Equal(t, "Rod", shape)
	require.True(t, r.OptimalTemperature.IsSet())

	require.Error(t, r.Assign("is_pathogen", "yes"))
	require.Error(t, r.Assign("colour", "red"))
}

func TestMarshalJSON(t *testing.T) {
	r := Record{BacteriaID: "MMDBm0007", Name: Some("Foo"), Habitat: Null[string]()}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"bacteria_id":"MMDBm0007","name":"Foo","habitat":null}`, string(b))
}

func TestColumnNames(t *testing.T) {
	names := ColumnNames()
	require.Len(t, names, 25)
	require.Equal(t, "name", names[0])
	require.Equal(t, "is_pathogen", names[len(names)-1])
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]DuplicatePolicy{
		"update": PolicyUpdate,
		" Skip ": PolicySkip,
		"FORCE":  PolicyForce,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParsePolicy("merge")
	require.ErrorIs(t, err, ErrUnknownPolicy)
}
