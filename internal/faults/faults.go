// Package faults unifies the replicator's fatal paths. Several invariant
// violations (two OPEN transactions in one task, a missing intermediate
// buffer entry, a READY_FOR_PICK_UP task with no rows, status/result
// disagreement in the completion reaper) and several unrecoverable
// operational failures (sink-connection exhaustion, a recovery-phase
// producer connect failure) should all exit the process the same way
// instead of being scattered panic/os.Exit call sites across the
// codebase.
package faults

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/streamsink/replicator/internal/logging"
)

// Exit is called to terminate the process on a fatal condition. The
// default panics with a value Recover understands, so tests exercise a
// fatal path without killing the test binary; cmd/replicator replaces it
// with os.Exit.
var Exit = func(code int) {
	panic(exitPanic{code})
}

// exitPanic lets tests recover from a simulated fatal exit without using
// os.Exit, by recovering around the call site under test.
type exitPanic struct{ code int }

// Recover converts an exitPanic raised by a faults.Fatal/Assert call into
// an (ok, code) pair. Intended to be used in a deferred recover() in
// tests that exercise fatal paths.
func Recover(r interface{}) (code int, ok bool) {
	if p, match := r.(exitPanic); match {
		return p.code, true
	}
	return 0, false
}

// logger is the sink all fault messages are written to before exiting.
// It defaults to a real stdout logger; production wiring in cmd/replicator
// overrides it with the process-wide logger.
var logger logging.Logger = logging.New("faults")

// SetLogger overrides the logger fatal messages are written to.
func SetLogger(l logging.Logger) { logger = l }

// Assert terminates the process if cond is false. Use this at every
// documented invariant.
func Assert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	logger.Error("invariant violation", "msg", msg)
	Exit(-1)
}

// Fatal logs err and terminates the process. Use this for unrecoverable
// operational failures: sink-connection exhaustion, a recovery-phase
// producer connect failure, configuration errors discovered at startup.
func Fatal(err error) {
	if err == nil {
		return
	}
	logger.Error("fatal error", "err", err)
	Exit(-1)
}

// Fatalf is a convenience wrapper that builds the error with errors.Errorf
// before handing it to Fatal, so call sites get a stack trace attached.
func Fatalf(format string, args ...interface{}) {
	Fatal(errors.Errorf(format, args...))
}
