package applier

import (
	"context"

	uuid "github.com/satori/go.uuid"

	"github.com/streamsink/replicator/internal/chaos"
	"github.com/streamsink/replicator/internal/faults"
	"github.com/streamsink/replicator/internal/metrics"
)

// flush runs the flush job algorithm for one task:
//
//  1. mark WRITE_IN_PROGRESS, consulting the AfterSubmission and
//     DuringInProgress chaos hooks;
//  2. iterate the task's transactions in insertion order, each table's
//     mutations batched into one Put per (transaction, table) pair,
//     consulting BeforeFlush/DuringFlush per batch;
//  3. short-circuit without touching the sink at all when the applier
//     is running in dry-run mode;
//  4. on any batch failure, stop early and report WRITE_FAILED;
//  5. on full success, report WRITE_SUCCEEDED with row/table counts;
//  6. return the TaskResult the reaper reconciles against task status.
func (a *Applier) flush(ctx context.Context, taskID uuid.UUID) (TaskResult, error) {
	a.mu.Lock()
	task := a.tasks[taskID]
	faults.Assert(task != nil, "applier: flush called for unknown task %s", taskID)
	faults.Assert(task.Status == TaskSubmitted, "applier: flush called for task %s in status %s", taskID, task.Status)
	task.Status = WriteInProgress
	txs := task.orderedTransactions()
	inProgress := a.countTasksInStatus(WriteInProgress)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.Set(metrics.TasksInProgress, int64(inProgress))
	}

	if trigger, failure := a.chaos.AfterSubmission(); trigger {
		return a.chaosResult(ctx, taskID, "after_submission", failure)
	}
	if trigger, failure := a.chaos.DuringInProgress(); trigger {
		return a.chaosResult(ctx, taskID, "during_in_progress", failure)
	}

	if a.dryRun {
		return a.succeed(ctx, taskID, task, txs)
	}

	perTable := make(map[string]int)
	for _, tx := range txs {
		for table, mutations := range tx.Tables {
			if len(mutations) == 0 {
				continue
			}
			if trigger, failure := a.chaos.BeforeFlush(); trigger {
				return a.chaosResult(ctx, taskID, "before_flush:"+table, failure)
			}

			handle, err := a.sink.Table(ctx, table)
			if err != nil {
				return a.fail(ctx, taskID, err)
			}
			if err := handle.Put(ctx, mutations); err != nil {
				return a.fail(ctx, taskID, err)
			}

			if trigger, failure := a.chaos.DuringFlush(); trigger {
				return a.chaosResult(ctx, taskID, "during_flush:"+table, failure)
			}
			perTable[table] += len(mutations)
		}
	}

	return a.succeedWithTableStats(ctx, taskID, task, perTable)
}

func (a *Applier) chaosResult(ctx context.Context, taskID uuid.UUID, site string, failure chaos.Failure) (TaskResult, error) {
	if failure == chaos.FailureException {
		return a.fail(ctx, taskID, chaos.Raise(site))
	}
	return a.failSilently(ctx, taskID)
}

func (a *Applier) fail(ctx context.Context, taskID uuid.UUID, err error) (TaskResult, error) {
	a.mu.Lock()
	task := a.tasks[taskID]
	faults.Assert(task != nil, "applier: fail called for unknown task %s", taskID)
	task.Status = WriteFailed
	task.Messages = append(task.Messages, err.Error())
	a.mu.Unlock()
	return TaskResult{Succeeded: false}, err
}

// failSilently reports WRITE_FAILED without surfacing an error, per the
// chaos.FailureSilent contract.
func (a *Applier) failSilently(ctx context.Context, taskID uuid.UUID) (TaskResult, error) {
	a.mu.Lock()
	task := a.tasks[taskID]
	faults.Assert(task != nil, "applier: failSilently called for unknown task %s", taskID)
	task.Status = WriteFailed
	a.mu.Unlock()
	return TaskResult{Succeeded: false}, nil
}

// succeed reports a dry-run success: nothing is written to the sink, but
// the rows buffered in txs are still counted per table.
func (a *Applier) succeed(ctx context.Context, taskID uuid.UUID, task *Task, txs []*Transaction) (TaskResult, error) {
	perTable := make(map[string]int)
	for _, tx := range txs {
		for table, mutations := range tx.Tables {
			perTable[table] += len(mutations)
		}
	}
	return a.succeedWithTableStats(ctx, taskID, task, perTable)
}

func (a *Applier) succeedWithTableStats(ctx context.Context, taskID uuid.UUID, task *Task, perTable map[string]int) (TaskResult, error) {
	a.mu.Lock()
	// A non-empty message log means some earlier step recorded a
	// problem without itself routing through fail(); treat that as a
	// failure rather than reporting success over it. In practice every
	// write path in this applier is synchronous and fail() already
	// marks WriteFailed and returns before reaching here, so Messages
	// is always empty at this point: a backstop, not a path exercised
	// today.
	if len(task.Messages) > 0 {
		task.Status = WriteFailed
		a.mu.Unlock()
		return TaskResult{Succeeded: false}, nil
	}
	task.Status = WriteSucceeded
	a.mu.Unlock()

	total := 0
	for _, n := range perTable {
		total += n
	}
	return TaskResult{
		Succeeded:          true,
		NumberOfRowsInTask: total,
		PerTableStats:      perTable,
	}, nil
}
