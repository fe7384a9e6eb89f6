package traits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/entities"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/results"
	"go.uber.org/zap"
)

// Environment passed to trait programs.
const (
	EnvKind       = "DAEDALUS_KIND"
	EnvEntity     = "DAEDALUS_ENTITY"
	EnvEntityFile = "DAEDALUS_ENTITY_FILE"
	EnvParams     = "DAEDALUS_PARAMS"
)

// InlineEntityLimit is the largest encoded entity passed inline. Larger entities go
// through a temporary file named by --entity-file and DAEDALUS_ENTITY_FILE.
const InlineEntityLimit = 32 << 10

// stderrTail is how many stderr lines are kept in a failure.
const stderrTail = 5

// ExecConfig describes an external trait program.
type ExecConfig struct {
	Program string   `yaml:"program"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
	// Env is added to the inherited environment.
	Env    []string         `yaml:"env"`
	Params []map[string]any `yaml:"params"`
	// Timeout per computation; zero means none.
	Timeout time.Duration `yaml:"timeout"`
	// Grace between cancellation signals.
	Grace time.Duration `yaml:"grace"`
}

// ExecTrait runs a program once per entity and parameter set. The program gets the
// entity and parameters as JSON, both as trailing --entity/--params arguments and
// in the environment, and prints its result as the last JSON line of stdout. An
// entity above InlineEntityLimit is passed as a file path instead.
type ExecTrait struct {
	kind   string
	cfg    ExecConfig
	params []results.Params
	logger *zap.Logger
}

// NewExecTrait creates a trait named kind running cfg.Program.
func NewExecTrait(kind string, cfg ExecConfig, logger *zap.Logger) (*ExecTrait, error) {
	if err := results.ValidateKind(kind); err != nil {
		return nil, err
	}
	if cfg.Program == "" {
		return nil, fmt.Errorf("trait %s: program cannot be empty", kind)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	params := make([]results.Params, 0, len(cfg.Params))
	for _, p := range cfg.Params {
		params = append(params, results.Params(p))
	}
	if len(params) == 0 {
		params = append(params, results.Params{})
	}
	for _, p := range params {
		if _, err := p.Key(); err != nil {
			return nil, fmt.Errorf("trait %s: %w", kind, err)
		}
	}

	return &ExecTrait{
		kind:   kind,
		cfg:    cfg,
		params: params,
		logger: logger.With(zap.String("kind", kind)),
	}, nil
}

func (t *ExecTrait) Name() string { return t.kind }

func (t *ExecTrait) ParamSets() []results.Params { return t.params }

// Command builds the invocation for one computation. The returned cleanup removes
// any entity file and must be called once the program has exited.
func (t *ExecTrait) Command(entity entities.Entity, params results.Params) (process.Command, func(), error) {
	cleanup := func() {}
	entityJSON, err := json.Marshal(entity)
	if err != nil {
		return process.Command{}, cleanup, fmt.Errorf("failed to encode entity %s: %w", entity.ID, err)
	}
	key, err := params.Key()
	if err != nil {
		return process.Command{}, cleanup, err
	}

	args := slices.Clone(t.cfg.Args)
	env := append(os.Environ(), t.cfg.Env...)
	env = append(env, EnvKind+"="+t.kind, EnvParams+"="+key)
	if len(entityJSON) <= InlineEntityLimit {
		args = append(args, "--entity", string(entityJSON))
		env = append(env, EnvEntity+"="+string(entityJSON))
	} else {
		path, err := writeEntityFile(entityJSON)
		if err != nil {
			return process.Command{}, cleanup, fmt.Errorf("entity %s: %w", entity.ID, err)
		}
		cleanup = func() { _ = os.Remove(path) }
		args = append(args, "--entity-file", path)
		env = append(env, EnvEntityFile+"="+path)
		t.logger.Debug("Passing entity through a file",
			zap.String("entity", entity.ID),
			zap.Int("bytes", len(entityJSON)),
			zap.String("path", path))
	}
	args = append(args, "--params", key)

	return process.Command{Path: t.cfg.Program, Args: args, Dir: t.cfg.Dir, Env: env}, cleanup, nil
}

func writeEntityFile(data []byte) (string, error) {
	f, err := os.CreateTemp("", "daedalus-entity-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create entity file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write entity file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write entity file: %w", err)
	}
	return f.Name(), nil
}

// Compute runs the program and decodes its result.
func (t *ExecTrait) Compute(ctx context.Context, entity entities.Entity, params results.Params) (any, error) {
	cmd, cleanup, err := t.Command(entity, params)
	defer cleanup()
	if err != nil {
		return nil, err
	}
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	runner := process.New(cmd, process.Options{
		Tick:   10 * time.Millisecond,
		Cancel: process.CancelPolicy{Grace: t.cfg.Grace},
		Logger: t.logger,
	})
	if err := runner.Start(); err != nil {
		return nil, err
	}
	defer runner.Release()

	select {
	case <-runner.Done():
	case <-ctx.Done():
		runner.Shutdown()
		return nil, sdkerrors.NewTraitFailed(t.kind, entity.ID, ctx.Err())
	}

	res := runner.Result()
	if res.Fault != nil {
		return nil, sdkerrors.NewTraitFailed(t.kind, entity.ID, res.Fault)
	}
	if res.ReturnCode != 0 {
		return nil, sdkerrors.NewTraitFailed(t.kind, entity.ID,
			fmt.Errorf("exit code %d: %s", res.ReturnCode, tail(res.Stderr)))
	}

	value, err := lastJSONLine(res.Stdout)
	if err != nil {
		return nil, sdkerrors.NewTraitFailed(t.kind, entity.ID, err)
	}
	t.logger.Debug("Trait computed",
		zap.String("entity", entity.ID),
		zap.Duration("elapsed", res.Elapsed))
	return value, nil
}

func tail(lines []string) string {
	if len(lines) > stderrTail {
		lines = lines[len(lines)-stderrTail:]
	}
	return strings.Join(lines, "; ")
}

// lastJSONLine decodes the last non-blank line of out. Earlier lines are free-form.
func lastJSONLine(out []string) (any, error) {
	for i := len(out) - 1; i >= 0; i-- {
		line := strings.TrimSpace(out[i])
		if line == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("last output line is not JSON: %q", line)
		}
		if dec.More() {
			return nil, fmt.Errorf("last output line has trailing data: %q", line)
		}
		return v, nil
	}
	return nil, errors.New("program printed no result")
}
