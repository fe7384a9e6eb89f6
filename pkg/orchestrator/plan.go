package orchestrator

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/chunk"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/results"
)

// Plan is one run: compute Kind over Chunks chunks with at most Parallel workers.
type Plan struct {
	Kind   string
	Filter string
	Limit  int
	Chunks int
	// Parallel workers; zero means one per chunk.
	Parallel int
	// MaxAttempts per chunk; zero means unbounded.
	MaxAttempts int
	Description string
	// Executable is the daedalus binary workers are started from.
	Executable string
	ConfigPath string
	// Completed lists chunk indexes known to be done; they are skipped.
	Completed []int
	// TaskTimeout bounds every worker attempt; zero means none.
	TaskTimeout time.Duration
	AutoMerge   bool
}

// Validate checks the plan before any worker is started.
func (p Plan) Validate() error {
	if err := results.ValidateKind(p.Kind); err != nil {
		return err
	}
	if err := chunk.Validate(1, p.Chunks); err != nil {
		return err
	}
	if p.Executable == "" {
		return errors.New("worker executable cannot be empty")
	}
	if p.Parallel < 0 || p.MaxAttempts < 0 || p.Limit < 0 {
		return errors.New("parallel, max attempts and limit cannot be negative")
	}
	for _, i := range p.Completed {
		if err := chunk.Validate(i, p.Chunks); err != nil {
			return err
		}
	}
	return nil
}

// parallel is the number of pool slots the plan needs.
func (p Plan) parallel() int {
	if p.Parallel <= 0 || p.Parallel > p.Chunks {
		return p.Chunks
	}
	return p.Parallel
}

// Command is the worker invocation for one chunk.
func (p Plan) Command(spec chunk.Spec, marker string) process.Command {
	args := []string{"worker"}
	if p.ConfigPath != "" {
		args = append(args, "--config", p.ConfigPath)
	}
	args = append(args,
		"--kind", p.Kind,
		"--chunk", strconv.Itoa(spec.Index),
		"--chunks", strconv.Itoa(spec.Total),
		"--desc", marker)
	if p.Filter != "" {
		args = append(args, "--filter", p.Filter)
	}
	if p.Limit > 0 {
		args = append(args, "--limit", strconv.Itoa(p.Limit))
	}
	return process.Command{Path: p.Executable, Args: args}
}

// TaskID names the task of one chunk.
func (p Plan) TaskID(spec chunk.Spec) string {
	return fmt.Sprintf("%s-chunk-%d-of-%d", p.Kind, spec.Index, spec.Total)
}
