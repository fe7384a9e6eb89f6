package results

import (
	"fmt"
	"maps"
	"slices"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ConflictPolicy decides what happens when two sources hold different values for the
// same (entity, key).
type ConflictPolicy int

const (
	// KeepFirst keeps the value that was merged first and records the conflict.
	KeepFirst ConflictPolicy = iota
	// FailOnConflict aborts the merge with a MERGE_CONFLICT error.
	FailOnConflict
)

func (p ConflictPolicy) String() string {
	switch p {
	case KeepFirst:
		return "keep-first"
	case FailOnConflict:
		return "fail"
	}
	return "unknown"
}

// ParsePolicy reads a policy name as used in configuration files.
func ParsePolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "keep-first", "first-writer-wins":
		return KeepFirst, nil
	case "fail", "fail-on-conflict":
		return FailOnConflict, nil
	}
	return KeepFirst, sdkerrors.NewError(sdkerrors.CodeInvalidConfig,
		fmt.Sprintf("unknown conflict policy %q", s), nil)
}

// Conflict records one (entity, key) on which two sources disagree.
type Conflict struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
	// Kept is the value retained, from KeptFrom.
	Kept     any    `json:"kept"`
	KeptFrom string `json:"kept_from"`
	// Dropped is the rejected value, from DroppedFrom.
	Dropped     any    `json:"dropped"`
	DroppedFrom string `json:"dropped_from"`
}

// folder accumulates sources into one table, earliest source first.
type folder struct {
	policy    ConflictPolicy
	out       Table
	origin    map[string]map[string]string
	conflicts []Conflict
}

func newFolder(policy ConflictPolicy) *folder {
	return &folder{
		policy: policy,
		out:    Table{},
		origin: map[string]map[string]string{},
	}
}

// fold merges src into the accumulated table. Existing entries win; equal values are
// not conflicts.
func (f *folder) fold(src Table, name string) error {
	for _, entity := range src.Entities() {
		row := src[entity]
		for _, key := range slices.Sorted(maps.Keys(row)) {
			value := row[key]
			existing, ok := f.out.Get(entity, key)
			if !ok {
				f.out.Set(entity, key, value)
				if f.origin[entity] == nil {
					f.origin[entity] = map[string]string{}
				}
				f.origin[entity][key] = name
				continue
			}
			if valuesEqual(existing, value) {
				continue
			}
			c := Conflict{
				Entity:      entity,
				Key:         key,
				Kept:        existing,
				KeptFrom:    f.origin[entity][key],
				Dropped:     value,
				DroppedFrom: name,
			}
			if f.policy == FailOnConflict {
				return fmt.Errorf("%s and %s: %w", c.KeptFrom, c.DroppedFrom,
					sdkerrors.NewMergeConflict(entity, key))
			}
			f.conflicts = append(f.conflicts, c)
		}
	}
	return nil
}

// MergeTables folds tables in order into a new table. Earlier tables win conflicts
// under KeepFirst; under FailOnConflict the first disagreement is returned as an
// error. Inputs are not modified.
func MergeTables(policy ConflictPolicy, tables ...Table) (Table, []Conflict, error) {
	f := newFolder(policy)
	for i, t := range tables {
		if err := f.fold(t, fmt.Sprintf("table[%d]", i)); err != nil {
			return nil, nil, err
		}
	}
	return f.out, f.conflicts, nil
}
