// Package entities loads the records traits are computed over and filters them with
// JavaScript predicates.
package entities

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Entity is one record of the entity database. On disk it is a flat JSON object
// with an "id", an optional numeric "weight" and any other fields.
type Entity struct {
	ID     string
	Weight float64
	Fields map[string]any
}

// Field returns a named field.
func (e Entity) Field(name string) (any, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// MarshalJSON writes the flat form.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	maps.Copy(out, e.Fields)
	out["id"] = e.ID
	if e.Weight != 0 {
		out["weight"] = e.Weight
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat form. Numeric ids are kept in their literal form and
// numeric fields decode to json.Number.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	idRaw, ok := raw["id"]
	if !ok {
		return errors.New("entity has no id")
	}
	id, err := decodeID(idRaw)
	if err != nil {
		return err
	}

	out := Entity{ID: id}
	if w, ok := raw["weight"]; ok {
		if err := json.Unmarshal(w, &out.Weight); err != nil {
			return fmt.Errorf("entity %s: weight: %w", id, err)
		}
	}
	for name, value := range raw {
		if name == "id" || name == "weight" {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("entity %s: field %s: %w", id, name, err)
		}
		if out.Fields == nil {
			out.Fields = make(map[string]any, len(raw))
		}
		out.Fields[name] = v
	}
	*e = out
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("entity id cannot be empty")
		}
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("entity id must be a string or number, got %s", raw)
	}
	return n.String(), nil
}

// Filter narrows the entity list before chunking.
type Filter struct {
	// Expr is a JavaScript expression evaluated per entity; empty matches all.
	Expr string
	// Limit keeps at most this many entities after ordering; zero means all.
	Limit int
}

// Source produces the full, ordered entity list.
type Source interface {
	// Entities returns the entities matching f, ordered by weight then id.
	Entities(ctx context.Context, f Filter) ([]Entity, error)
}

// Sort orders entities by weight, then id.
func Sort(list []Entity) {
	slices.SortStableFunc(list, func(a, b Entity) int {
		if c := cmp.Compare(a.Weight, b.Weight); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// IDs returns the ids of list in order.
func IDs(list []Entity) []string {
	ids := make([]string, len(list))
	for i, e := range list {
		ids[i] = e.ID
	}
	return ids
}
