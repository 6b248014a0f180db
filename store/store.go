// Package store persists bacteria records and run rows. Postgres is the
// production backend; Memory mirrors its semantics for dry runs and tests.
package store

import (
	"encoding/json"
	"time"

	"bacteria-ingest/bacteria"
)

// Row is one stored record plus storage metadata.
type Row struct {
	bacteria.Record
	ID        int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Row) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"id":          r.ID,
		"bacteria_id": r.BacteriaID,
		"created_at":  r.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":  r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, c := range r.Columns() {
		m[c.Name] = c.Value
	}
	return json.Marshal(m)
}

// Stats are the aggregate counts shown by --stats-only.
type Stats struct {
	Total         int `json:"total"`
	Pathogenic    int `json:"pathogenic"`
	NonPathogenic int `json:"non_pathogenic"`
	GramPositive  int `json:"gram_positive"`
	GramNegative  int `json:"gram_negative"`
}

// Percent returns n as a share of Total, or 0 for an empty store.
func (s Stats) Percent(n int) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(n) / float64(s.Total) * 100
}

// columnTypes are the SQL types of the attribute columns.
var columnTypes = map[string]string{
	"name":                "varchar(255)",
	"superkingdom":        "varchar(100)",
	"kingdom":             "varchar(100)",
	"phylum":              "varchar(100)",
	"class_name":          "varchar(100)",
	"order":               "varchar(100)",
	"family":              "varchar(100)",
	"genus":               "varchar(100)",
	"species":             "varchar(100)",
	"strain":              "varchar(100)",
	"gram_stain":          "varchar(50)",
	"shape":               "varchar(100)",
	"mobility":            "boolean DEFAULT false",
	"flagellar_presence":  "boolean DEFAULT false",
	"number_of_membranes": "varchar(10)",
	"oxygen_preference":   "varchar(100)",
	"optimal_temperature": "double precision",
	"temperature_range":   "varchar(100)",
	"habitat":             "varchar(255)",
	"biotic_relationship": "varchar(100)",
	"cell_arrangement":    "varchar(255)",
	"sporulation":         "boolean DEFAULT false",
	"metabolism":          "varchar(255)",
	"energy_source":       "varchar(255)",
	"is_pathogen":         "boolean DEFAULT false",
}

// defaults are the values an absent column takes on insert.
var defaults = map[string]any{
	"mobility":           false,
	"flagellar_presence": false,
	"sporulation":        false,
	"is_pathogen":        false,
}
