// Package chaos implements the pluggable fault-injection capability the
// task-buffering applier calls the "ChaosMonkey": four boolean-returning
// hooks consulted at fixed points in a flush job's lifecycle. The shape
// is grounded on
// DBAShand-cdc-sink-redshift/internal/source/logical/chaos.go's
// WithChaos dialect wrapper, which rolls rand.Float32() < prob at each
// hook and wraps a sentinel error with errors.WithMessage to identify
// the injection site; that single-probability, per-hook-roll idiom is
// generalized here from a Dialect-wrapping decorator into a standalone
// capability object so it can be injected at applier construction and
// swapped for a deterministic implementation in tests.
package chaos

import (
	"math/rand"

	"github.com/pkg/errors"
)

// ErrChaos is the sentinel wrapped by every chaos-injected failure.
var ErrChaos = errors.New("chaos")

// Failure describes how a triggered hook should fail.
type Failure int

const (
	// FailureSilent sets the task WRITE_FAILED and returns a failed
	// TaskResult, without raising an error.
	FailureSilent Failure = iota
	// FailureException raises an error, as if the sink call itself had
	// failed.
	FailureException
)

// Monkey is consulted by the applier at four checkpoints per flush job.
type Monkey interface {
	// AfterSubmission is checked once a worker has picked the task up
	// and marked it WRITE_IN_PROGRESS, before DuringInProgress.
	AfterSubmission() (bool, Failure)
	// DuringInProgress is checked just after a task is marked
	// WRITE_IN_PROGRESS.
	DuringInProgress() (bool, Failure)
	// BeforeFlush is checked immediately before each per-table batched
	// put.
	BeforeFlush() (bool, Failure)
	// DuringFlush is checked immediately after each per-table batched
	// put succeeds, before it is counted.
	DuringFlush() (bool, Failure)
}

// None is a Monkey that never triggers.
var None Monkey = probabilityMonkey{prob: 0, failure: FailureSilent}

// WithProbability returns a Monkey that triggers each hook independently
// with probability prob (0 disables injection entirely), failing in the
// given style. Production deployments typically run this at 1%.
func WithProbability(prob float64, failure Failure) Monkey {
	return probabilityMonkey{prob: prob, failure: failure}
}

type probabilityMonkey struct {
	prob    float64
	failure Failure
}

func (m probabilityMonkey) roll() (bool, Failure) {
	if m.prob <= 0 {
		return false, m.failure
	}
	return rand.Float64() < m.prob, m.failure
}

func (m probabilityMonkey) AfterSubmission() (bool, Failure)  { return m.roll() }
func (m probabilityMonkey) DuringInProgress() (bool, Failure) { return m.roll() }
func (m probabilityMonkey) BeforeFlush() (bool, Failure)      { return m.roll() }
func (m probabilityMonkey) DuringFlush() (bool, Failure)      { return m.roll() }

// Scripted is a deterministic Monkey for tests: each hook pops its next
// scheduled (trigger, failure) pair off a queue, defaulting to "no
// trigger" once exhausted.
type Scripted struct {
	AfterSubmissionQueue  []ScriptedHook
	DuringInProgressQueue []ScriptedHook
	BeforeFlushQueue      []ScriptedHook
	DuringFlushQueue      []ScriptedHook
}

// ScriptedHook is one scheduled outcome for a Scripted hook queue.
type ScriptedHook struct {
	Trigger bool
	Failure Failure
}

func pop(queue *[]ScriptedHook) (bool, Failure) {
	if len(*queue) == 0 {
		return false, FailureSilent
	}
	next := (*queue)[0]
	*queue = (*queue)[1:]
	return next.Trigger, next.Failure
}

func (s *Scripted) AfterSubmission() (bool, Failure)  { return pop(&s.AfterSubmissionQueue) }
func (s *Scripted) DuringInProgress() (bool, Failure) { return pop(&s.DuringInProgressQueue) }
func (s *Scripted) BeforeFlush() (bool, Failure)      { return pop(&s.BeforeFlushQueue) }
func (s *Scripted) DuringFlush() (bool, Failure)      { return pop(&s.DuringFlushQueue) }

// Raise builds the error a FailureException hook should return.
func Raise(site string) error {
	return errors.WithMessage(ErrChaos, site)
}
