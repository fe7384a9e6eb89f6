package pool

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/process"
)

// Task is one schedulable command invocation. A retried Task is the same logical
// unit with FailedAttempts incremented.
type Task struct {
	ID      string
	Command process.Command
	// FailedAttempts counts earlier attempts that finished with a non-zero code.
	FailedAttempts int
	// Skip may be set by OnPrerun to leave the task unstarted.
	Skip bool
	// Skipped is set by the pool when Skip was honoured.
	Skipped bool
	// Timeout overrides Config.TaskTimeout when positive.
	Timeout time.Duration
	// Meta carries caller data through the hooks untouched.
	Meta any
}

// Retry returns the task for its next attempt: same ID, command and metadata, with
// FailedAttempts incremented and skip flags cleared.
func (t *Task) Retry() *Task {
	next := *t
	next.FailedAttempts++
	next.Skip = false
	next.Skipped = false
	return &next
}

// TaskResult is produced exactly once per started attempt.
type TaskResult struct {
	Task       *Task
	Slot       int
	ReturnCode int
	Stdout     []string
	Stderr     []string
	Elapsed    time.Duration
	// Fault is set when the process could not be spawned or captured.
	Fault error
	// TimedOut is set when the attempt was terminated by its timeout.
	TimedOut bool
	// Cancelled is set when the attempt was stopped by pool shutdown.
	Cancelled bool
}

// Failed reports whether the attempt finished with a non-zero return code.
func (r *TaskResult) Failed() bool {
	return r.ReturnCode != 0
}
