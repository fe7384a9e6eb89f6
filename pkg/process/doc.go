// Package process runs one external command asynchronously and exposes its progress
// without blocking the caller.
//
// A Runner owns a single OS process. Start spawns it in a new process group and hands
// it to a capture goroutine which, once per tick, reads whatever the process wrote on
// stdout and stderr (short read deadlines, never an unbounded blocking read), splits
// the bytes into lines and polls for exit. When the process exits the goroutine drains
// the pipes, records the return code and publishes the Result in one atomic step; only
// then does State report StateFinished.
//
// A non-zero return code is data. Spawn failures and internal capture failures are
// reported through Result.Fault with a non-zero return code and are never returned
// to, or panicked into, the caller.
//
// Cancellation follows a CancelPolicy: SIGTERM to the process group, then SIGINT
// after the grace period, then SIGKILL after a second grace period.
package process
