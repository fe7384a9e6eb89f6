package process

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultTick is the capture loop period.
	DefaultTick = 150 * time.Millisecond

	// DefaultReadTimeout bounds each individual pipe read.
	DefaultReadTimeout = 10 * time.Millisecond

	// DefaultGrace is the wait between cancellation stages.
	DefaultGrace = 5 * time.Second

	// SpawnFailureCode is the return code reported when the process could not be created.
	SpawnFailureCode = 127

	// RuntimeFaultCode is the return code reported when the capture loop itself failed
	// and no exit status could be observed.
	RuntimeFaultCode = 70
)

// State is the lifecycle state of a Runner.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Stream identifies the output stream a line was read from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Command describes the executable to run.
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	// Dir is the working directory; empty means the caller's.
	Dir string `json:"dir,omitempty"`
	// Env replaces the environment when non-nil.
	Env []string `json:"env,omitempty"`
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// CancelPolicy is the escalation applied by Terminate and Shutdown: SIGTERM to the
// whole process group, SIGINT after Grace, SIGKILL after another Grace.
type CancelPolicy struct {
	Grace time.Duration
}

// DefaultCancelPolicy returns the policy used when Options.Cancel is zero.
func DefaultCancelPolicy() CancelPolicy {
	return CancelPolicy{Grace: DefaultGrace}
}

// stages returns the signals sent in order.
func (CancelPolicy) stages() []syscall.Signal {
	return []syscall.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGKILL}
}

// Options configures a Runner. Callbacks run on the capture goroutine.
type Options struct {
	Tick        time.Duration
	ReadTimeout time.Duration
	Cancel      CancelPolicy
	// OnLine receives every complete output line.
	OnLine func(stream Stream, line string)
	// OnExit is invoked exactly once with the final result, just before it is
	// published through Done and Result.
	OnExit func(result *Result)
	Logger *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Cancel.Grace <= 0 {
		o.Cancel = DefaultCancelPolicy()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Result is the outcome of one execution attempt.
type Result struct {
	ReturnCode int
	Stdout     []string
	Stderr     []string
	Started    time.Time
	Elapsed    time.Duration
	// Fault is set for spawn failures and capture loop failures.
	Fault error
}

// Runner manages the lifecycle of one subprocess.
type Runner struct {
	cmd    Command
	opts   Options
	logger *zap.Logger

	claimed     atomic.Bool
	state       atomic.Int32
	result      atomic.Pointer[Result]
	terminating atomic.Bool
	wake        chan struct{}
	done        chan struct{}
	finishOnce  sync.Once
	releaseOnce sync.Once
	pipesOnce   sync.Once

	startedAt time.Time
	proc      *exec.Cmd
	streams   [2]*streamReader

	// owned by the capture goroutine
	exited     bool
	waitErr    error
	cancelStep int
	cancelAt   time.Time
}

// New creates a Runner for cmd. The process is not started until Start.
func New(cmd Command, opts Options) *Runner {
	opts.applyDefaults()
	return &Runner{
		cmd:    cmd,
		opts:   opts,
		logger: opts.Logger.With(zap.String("command", cmd.String())),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start spawns the process and returns immediately. A spawn failure finishes the
// runner with SpawnFailureCode; the returned error only reports misuse.
func (r *Runner) Start() error {
	if !r.claimed.CompareAndSwap(false, true) {
		return sdkerrors.ErrAlreadyStarted
	}
	r.startedAt = time.Now()

	outR, outW, err := os.Pipe()
	if err != nil {
		r.spawnFailed(err)
		return nil
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		r.spawnFailed(err)
		return nil
	}

	proc := exec.Command(r.cmd.Path, r.cmd.Args...)
	proc.Dir = r.cmd.Dir
	proc.Env = r.cmd.Env
	proc.Stdout = outW
	proc.Stderr = errW
	proc.SysProcAttr = groupAttr()

	if err := proc.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		r.spawnFailed(err)
		return nil
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	r.proc = proc
	r.streams[Stdout] = newStreamReader(Stdout, outR)
	r.streams[Stderr] = newStreamReader(Stderr, errR)
	r.state.Store(int32(StateRunning))

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- proc.Wait()
	}()
	go r.capture(waitDone)

	r.logger.Debug("Process started", zap.Int("pid", proc.Process.Pid))
	return nil
}

// State reports the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Running reports whether the process is live.
func (r *Runner) Running() bool {
	return r.State() == StateRunning
}

// Done is closed once the result is published.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Result returns the published result, or nil before the runner finished.
func (r *Runner) Result() *Result {
	return r.result.Load()
}

// Elapsed returns the running time so far, or the final elapsed time once finished.
func (r *Runner) Elapsed() time.Duration {
	if res := r.result.Load(); res != nil {
		return res.Elapsed
	}
	if r.State() == StateRunning {
		return time.Since(r.startedAt)
	}
	return 0
}

// Command returns the command this runner executes.
func (r *Runner) Command() Command {
	return r.cmd
}

// Terminate requests cancellation without waiting. It is a no-op unless running.
func (r *Runner) Terminate() {
	if r.State() != StateRunning {
		return
	}
	if r.terminating.CompareAndSwap(false, true) {
		r.logger.Info("Terminating process group")
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Shutdown terminates the process, blocks until it is no longer running and releases
// all OS resources. It is safe to call repeatedly and on a runner never started; the
// latter can no longer be started afterwards.
func (r *Runner) Shutdown() {
	if r.claimed.CompareAndSwap(false, true) {
		r.Release()
		return
	}
	r.Terminate()
	<-r.done
	r.Release()
}

// Release frees OS resources held by a finished runner. Idempotent.
func (r *Runner) Release() {
	r.releaseOnce.Do(r.closePipes)
}

func (r *Runner) spawnFailed(err error) {
	fault := sdkerrors.NewSpawnFault(r.cmd.String(), err)
	r.logger.Error("Failed to spawn process", zap.Error(err))
	r.finish(&Result{
		ReturnCode: SpawnFailureCode,
		Stdout:     []string{},
		Stderr:     []string{},
		Started:    r.startedAt,
		Fault:      fault,
	})
}

// finish runs OnExit, then publishes the result: pointer first, then state, then
// done. A panicking OnExit turns the result into a runtime fault.
func (r *Runner) finish(res *Result) {
	r.finishOnce.Do(func() {
		if r.opts.OnExit != nil {
			if fault := guard("exit callback", func() { r.opts.OnExit(res) }); fault != nil {
				r.logger.Error("Exit callback failed", zap.Error(fault))
				if res.Fault == nil {
					res.Fault = fault
				}
				if res.ReturnCode == 0 {
					res.ReturnCode = RuntimeFaultCode
				}
			}
		}
		r.result.Store(res)
		r.state.Store(int32(StateFinished))
		close(r.done)
	})
}

func (r *Runner) closePipes() {
	r.pipesOnce.Do(func() {
		for _, s := range r.streams {
			if s != nil {
				s.close()
			}
		}
	})
}
