// Package traits defines the per-entity computations the engine schedules and a
// registry mapping computation kinds to them.
package traits

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/entities"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/results"
)

// Trait computes one kind of result for an entity. Compute may be slow and may fail;
// it only ever runs inside worker processes.
type Trait interface {
	// Name is the computation kind, also the canonical store name.
	Name() string
	// ParamSets lists the parameter sets computed for every entity. A trait with no
	// parameters returns a single empty set.
	ParamSets() []results.Params
	// Compute returns a JSON-encodable result.
	Compute(ctx context.Context, entity entities.Entity, params results.Params) (any, error)
}

// Func adapts a function to a Trait.
type Func struct {
	Kind   string
	Params []results.Params
	Fn     func(ctx context.Context, entity entities.Entity, params results.Params) (any, error)
}

func (f Func) Name() string { return f.Kind }

func (f Func) ParamSets() []results.Params {
	if len(f.Params) == 0 {
		return []results.Params{{}}
	}
	return f.Params
}

func (f Func) Compute(ctx context.Context, entity entities.Entity, params results.Params) (any, error) {
	return f.Fn(ctx, entity, params)
}

// Registry maps kinds to traits.
type Registry struct {
	mu     sync.RWMutex
	traits map[string]Trait
}

// NewRegistry creates a registry holding traits.
func NewRegistry(traits ...Trait) (*Registry, error) {
	r := &Registry{traits: make(map[string]Trait)}
	for _, t := range traits {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t under its name. Names must be valid kinds and unique.
func (r *Registry) Register(t Trait) error {
	if t == nil {
		return errors.New("trait cannot be nil")
	}
	kind := t.Name()
	if err := results.ValidateKind(kind); err != nil {
		return err
	}
	if len(t.ParamSets()) == 0 {
		return fmt.Errorf("trait %s has no parameter sets", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.traits[kind]; exists {
		return fmt.Errorf("trait %s already registered", kind)
	}
	r.traits[kind] = t
	return nil
}

// Get returns the trait for kind.
func (r *Registry) Get(kind string) (Trait, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traits[kind]
	if !ok {
		return nil, sdkerrors.NewError(sdkerrors.CodeUnknownKind,
			fmt.Sprintf("no trait registered for %q", kind), nil)
	}
	return t, nil
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.traits))
	for k := range r.traits {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
