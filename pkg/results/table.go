package results

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
)

// Table maps entity id to canonical parameter key to result. Partial result files and
// the canonical store share this shape.
type Table map[string]map[string]any

// Get returns the result stored for entity under key.
func (t Table) Get(entity, key string) (any, bool) {
	row, ok := t[entity]
	if !ok {
		return nil, false
	}
	v, ok := row[key]
	return v, ok
}

// Has reports whether entity has a result under key.
func (t Table) Has(entity, key string) bool {
	_, ok := t.Get(entity, key)
	return ok
}

// Set stores value for entity under key, overwriting any previous value.
func (t Table) Set(entity, key string, value any) {
	row, ok := t[entity]
	if !ok {
		row = make(map[string]any)
		t[entity] = row
	}
	row[key] = value
}

// Len returns the number of (entity, key) entries.
func (t Table) Len() int {
	n := 0
	for _, row := range t {
		n += len(row)
	}
	return n
}

// Entities returns the entity ids in sorted order.
func (t Table) Entities() []string {
	return slices.Sorted(maps.Keys(t))
}

// Clone returns a copy whose rows can be modified independently. Values are shared.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for entity, row := range t {
		out[entity] = maps.Clone(row)
	}
	return out
}

// Equal reports whether both tables hold the same entries with equal values.
func (t Table) Equal(other Table) bool {
	if t.Len() != other.Len() {
		return false
	}
	for entity, row := range t {
		for key, v := range row {
			w, ok := other.Get(entity, key)
			if !ok || !valuesEqual(v, w) {
				return false
			}
		}
	}
	return true
}

// valuesEqual compares two results by their JSON encoding, so 10 and 10.0 decoded
// from different sources agree.
func valuesEqual(a, b any) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
