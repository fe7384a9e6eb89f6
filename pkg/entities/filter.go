package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultFilterTimeout bounds a single predicate evaluation.
const DefaultFilterTimeout = time.Second

var hiddenGlobals = []string{
	"require", "module", "exports", "process", "global",
	"setTimeout", "setInterval", "setImmediate", "eval",
}

// Predicate is a compiled filter expression. The entity is visible as `entity`, its
// id and weight as `id` and `weight`, and each field under its own name.
//
// A Predicate owns one JavaScript runtime and serialises calls to Match.
type Predicate struct {
	expr    string
	program *goja.Program
	timeout time.Duration

	mu      sync.Mutex
	vm      *goja.Runtime
	globals []string
}

// CompilePredicate compiles expr. An empty expression is rejected; callers treat it
// as match-all before getting here.
func CompilePredicate(expr string, timeout time.Duration) (*Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("filter expression cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultFilterTimeout
	}
	program, err := goja.Compile("filter", "("+expr+"\n)", false)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
	}

	vm := goja.New()
	for _, name := range hiddenGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return &Predicate{expr: expr, program: program, timeout: timeout, vm: vm}, nil
}

// String returns the source expression.
func (p *Predicate) String() string {
	return p.expr
}

// Match evaluates the expression against e using JavaScript truthiness.
func (p *Predicate) Match(e Entity) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.bind(e); err != nil {
		return false, err
	}
	defer p.unbind()

	timer := time.AfterFunc(p.timeout, func() {
		p.vm.Interrupt("filter timed out")
	})
	value, err := p.vm.RunProgram(p.program)
	timer.Stop()
	p.vm.ClearInterrupt()
	if err != nil {
		return false, fmt.Errorf("filter %q on entity %s: %w", p.expr, e.ID, err)
	}
	return value.ToBoolean(), nil
}

func (p *Predicate) bind(e Entity) error {
	obj := make(map[string]any, len(e.Fields)+2)
	for name, v := range e.Fields {
		v = jsValue(v)
		obj[name] = v
		if err := p.vm.Set(name, v); err != nil {
			return err
		}
		p.globals = append(p.globals, name)
	}
	obj["id"] = e.ID
	obj["weight"] = e.Weight

	for name, v := range map[string]any{"entity": obj, "id": e.ID, "weight": e.Weight} {
		if err := p.vm.Set(name, v); err != nil {
			return err
		}
		p.globals = append(p.globals, name)
	}
	return nil
}

// jsValue turns decoded numbers into int64 or float64 so expressions compare them as
// JavaScript numbers. Numbers no float64 can hold stay strings.
func jsValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsValue(e)
		}
		return out
	}
	return v
}

func (p *Predicate) unbind() {
	global := p.vm.GlobalObject()
	for _, name := range p.globals {
		_ = global.Delete(name)
	}
	p.globals = p.globals[:0]
}

// Apply returns the entities of an already ordered list that pass f, honouring the
// limit.
func Apply(list []Entity, f Filter) ([]Entity, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("filter limit cannot be negative: %d", f.Limit)
	}
	var pred *Predicate
	if strings.TrimSpace(f.Expr) != "" {
		var err error
		if pred, err = CompilePredicate(f.Expr, 0); err != nil {
			return nil, err
		}
	}

	out := make([]Entity, 0, len(list))
	for _, e := range list {
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
		if pred != nil {
			ok, err := pred.Match(e)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}
