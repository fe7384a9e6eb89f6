package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// maxReadsPerPump caps reads per stream per tick so a chatty process cannot starve
// exit polling.
const maxReadsPerPump = 256

type streamReader struct {
	stream  Stream
	file    *os.File
	buf     []byte
	pending []byte
	lines   []string
	eof     bool
	closed  bool
}

func newStreamReader(stream Stream, file *os.File) *streamReader {
	return &streamReader{
		stream: stream,
		file:   file,
		buf:    make([]byte, 32*1024),
		lines:  []string{},
	}
}

// feed splits chunk into complete lines; the unterminated tail stays pending.
func (s *streamReader) feed(chunk []byte, emit func(string)) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			s.pending = append(s.pending, chunk...)
			return
		}
		line := append(s.pending, chunk[:i]...)
		emit(string(bytes.TrimSuffix(line, []byte{'\r'})))
		s.pending = s.pending[:0]
		chunk = chunk[i+1:]
	}
}

// flush emits a trailing partial line.
func (s *streamReader) flush(emit func(string)) {
	if len(s.pending) == 0 {
		return
	}
	emit(string(bytes.TrimSuffix(s.pending, []byte{'\r'})))
	s.pending = nil
}

func (s *streamReader) close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.file.Close()
}

// capture is the per-runner goroutine: read, poll exit, apply cancellation, repeat.
func (r *Runner) capture(waitDone <-chan error) {
	fault := guard("capture loop", func() { r.loop(waitDone) })
	if fault != nil {
		r.logger.Error("Capture loop failed", zap.Error(fault))
		if !r.exited {
			signalGroup(r.proc, sigKill)
			r.waitErr = <-waitDone
			r.exited = true
		}
	}

	// lines delivered after exit go through the same callbacks
	if err := guard("output drain", r.drain); err != nil {
		r.logger.Error("Output drain failed", zap.Error(err))
		if fault == nil {
			fault = err
		}
	}
	r.closePipes()

	code := exitCode(r.waitErr)
	var resultFault error
	if fault != nil {
		resultFault = fault
		if code == 0 {
			code = RuntimeFaultCode
		}
	} else if r.waitErr != nil && !isExitError(r.waitErr) {
		resultFault = sdkerrors.NewRuntimeFault("wait failed", r.waitErr)
		code = RuntimeFaultCode
	}

	res := &Result{
		ReturnCode: code,
		Stdout:     r.streams[Stdout].lines,
		Stderr:     r.streams[Stderr].lines,
		Started:    r.startedAt,
		Elapsed:    time.Since(r.startedAt),
		Fault:      resultFault,
	}
	r.logger.Debug("Process finished",
		zap.Int("return_code", res.ReturnCode),
		zap.Duration("elapsed", res.Elapsed))
	r.finish(res)
}

// guard runs fn and converts a panic into a runtime fault.
func guard(what string, fn func()) (fault error) {
	defer func() {
		if p := recover(); p != nil {
			fault = sdkerrors.NewRuntimeFault(what+" panicked", fmt.Errorf("%v", p))
		}
	}()
	fn()
	return nil
}

func (r *Runner) loop(waitDone <-chan error) {
	ticker := time.NewTicker(r.opts.Tick)
	defer ticker.Stop()

	for {
		r.pump(r.streams[Stdout])
		r.pump(r.streams[Stderr])

		select {
		case err := <-waitDone:
			r.waitErr = err
			r.exited = true
			return
		default:
		}

		if r.terminating.Load() {
			r.escalate(time.Now())
		}

		select {
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// pump reads everything currently available on one stream and returns the byte count.
func (r *Runner) pump(s *streamReader) int {
	total := 0
	for i := 0; i < maxReadsPerPump && !s.eof; i++ {
		if err := s.file.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout)); err != nil {
			r.logger.Warn("Cannot set read deadline", zap.Stringer("stream", s.stream), zap.Error(err))
			s.eof = true
			return total
		}
		n, err := s.file.Read(s.buf)
		if n > 0 {
			total += n
			s.feed(s.buf[:n], r.emitter(s))
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return total
			}
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("Read failed", zap.Stringer("stream", s.stream), zap.Error(err))
			}
			s.eof = true
			return total
		}
	}
	return total
}

// drain empties both pipes after exit and flushes partial lines. A grandchild still
// holding a pipe open only delays this by one read timeout.
func (r *Runner) drain() {
	for _, s := range r.streams {
		for !s.eof && r.pump(s) > 0 {
		}
		s.flush(r.emitter(s))
	}
}

func (r *Runner) emitter(s *streamReader) func(string) {
	return func(line string) {
		s.lines = append(s.lines, line)
		if r.opts.OnLine != nil {
			r.opts.OnLine(s.stream, line)
		}
	}
}

// escalate advances the cancel policy: one signal per stage, Grace apart.
func (r *Runner) escalate(now time.Time) {
	stages := r.opts.Cancel.stages()
	if r.cancelStep >= len(stages) {
		return
	}
	if r.cancelStep > 0 && now.Sub(r.cancelAt) < r.opts.Cancel.Grace {
		return
	}
	sig := stages[r.cancelStep]
	r.logger.Debug("Signalling process group", zap.Stringer("signal", sig))
	signalGroup(r.proc, sig)
	r.cancelStep++
	r.cancelAt = now
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// exitCode maps a Wait error to a return code; death by signal is 128+signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if sig, ok := signaled(exitErr); ok {
			return 128 + sig
		}
		return exitErr.ExitCode()
	}
	return RuntimeFaultCode
}
