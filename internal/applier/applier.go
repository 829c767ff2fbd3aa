package applier

import (
	"context"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/streamsink/replicator/internal/chaos"
	"github.com/streamsink/replicator/internal/faults"
	"github.com/streamsink/replicator/internal/logging"
	"github.com/streamsink/replicator/internal/metrics"
	"github.com/streamsink/replicator/internal/sink"
)

// pollInterval is how often markCurrentTaskAsReadyAndCreateNewUUIDBuffer
// re-checks the live-task count while blocked on backpressure.
const pollInterval = 5 * time.Millisecond

// warnInterval is how often a backpressure wait logs a warning.
const warnInterval = 500 * time.Millisecond

// future tracks one outstanding flush job, resolved by a pool worker and
// reaped by updateTaskStatuses.
type future struct {
	done   chan struct{}
	result TaskResult
	err    error
}

// Applier is the task-buffering applier.
type Applier struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task

	currentTaskID uuid.UUID
	currentTxID   uuid.UUID

	futures map[uuid.UUID]*future

	pool     *pool
	poolSize int
	sink     sink.Sink
	metrics  *metrics.Registry
	chaos    chaos.Monkey
	logger   logging.Logger

	dryRun bool
}

// Options configures a new Applier.
type Options struct {
	PoolSize int
	Sink     sink.Sink
	Metrics  *metrics.Registry
	Chaos    chaos.Monkey
	Logger   logging.Logger
	DryRun   bool
}

// New constructs an Applier with a single fresh task/transaction pair
// already open, ready to receive buffered mutations.
func New(opts Options) *Applier {
	if opts.Chaos == nil {
		opts.Chaos = chaos.None
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop
	}
	a := &Applier{
		tasks:    make(map[uuid.UUID]*Task),
		futures:  make(map[uuid.UUID]*future),
		pool:     newPool(opts.PoolSize),
		poolSize: opts.PoolSize,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		chaos:    opts.Chaos,
		logger:   opts.Logger,
		dryRun:   opts.DryRun,
	}
	a.openNewTask()
	return a
}

// openNewTask creates a fresh task (and fresh transaction) and installs
// it as current. Caller must hold a.mu.
func (a *Applier) openNewTask() {
	taskID := uuid.NewV4()
	task := newTask(taskID)
	a.tasks[taskID] = task
	a.currentTaskID = taskID

	txID := uuid.NewV4()
	tx := newTransaction(txID)
	task.addTransaction(tx)
	a.currentTxID = txID
}

// CurrentTaskID returns the task the orchestrator is currently buffering
// into.
func (a *Applier) CurrentTaskID() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTaskID
}

// CurrentTransactionID returns the transaction currently open inside the
// current task.
func (a *Applier) CurrentTransactionID() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTxID
}

// OpenNewTransaction opens a fresh transaction UUID inside the current
// task, used when a BEGIN is observed. By the time a real BEGIN
// arrives, the previously current transaction is normally already
// READY_FOR_COMMIT (closed by the prior COMMIT/Xid); the one exception
// is the still-OPEN, never-written-to placeholder transaction a task is
// born with (at applier construction, and as the first transaction of
// every new task), which this replaces outright rather than leaving
// behind as a second, permanently empty OPEN transaction.
func (a *Applier) OpenNewTransaction() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()

	task := a.tasks[a.currentTaskID]
	faults.Assert(task != nil, "applier: current task missing from task map")

	open := task.openTransactions()
	faults.Assert(len(open) <= 1, "applier: more than one OPEN transaction in current task")
	if len(open) == 1 && open[0].isEmpty() {
		task.removeTransaction(open[0].ID)
	}

	txID := uuid.NewV4()
	task.addTransaction(newTransaction(txID))
	a.currentTxID = txID
	return txID
}

// PushMutation appends put into the current task's current transaction's
// table list, lazily creating intermediate entries.
func (a *Applier) PushMutation(table string, rowKey []byte, put sink.Mutation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	task := a.tasks[a.currentTaskID]
	faults.Assert(task != nil, "applier: current task missing from task map")
	tx, ok := task.transaction(a.currentTxID)
	faults.Assert(ok, "applier: current transaction missing from current task")

	tx.Tables[table] = append(tx.Tables[table], put)
	tx.RowKeys[table] = append(tx.RowKeys[table], rowKey)
	task.RowCount++

	if a.metrics != nil {
		a.metrics.Incr(metrics.RowOpsReceived, 1)
	}
}

// MarkCurrentTransactionForCommit flips the current transaction to
// READY_FOR_COMMIT and installs a brand-new transaction UUID inside the
// same task. xid, if nonzero, is
// attached for traceability.
func (a *Applier) MarkCurrentTransactionForCommit(xid uint64, hasXID bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	task := a.tasks[a.currentTaskID]
	faults.Assert(task != nil, "applier: current task missing from task map")
	tx, ok := task.transaction(a.currentTxID)
	faults.Assert(ok, "applier: current transaction missing from current task")

	tx.Status = ReadyForCommit
	tx.HasXID = hasXID
	tx.XID = xid

	newTx := newTransaction(uuid.NewV4())
	task.addTransaction(newTx)
	a.currentTxID = newTx.ID
}

// CurrentTaskRowCount returns the number of rows buffered in the task
// currently being written into, used by the orchestrator to decide
// whether a commit should trigger a task cut.
func (a *Applier) CurrentTaskRowCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	task := a.tasks[a.currentTaskID]
	faults.Assert(task != nil, "applier: current task missing from task map")
	return task.RowCount
}

// LiveTaskCount returns the number of tasks still present in the task
// map (i.e. not yet removed after WRITE_SUCCEEDED).
func (a *Applier) LiveTaskCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// countTasksInStatus returns how many tasks currently sit in status.
// Caller must hold a.mu.
func (a *Applier) countTasksInStatus(status Status) int {
	n := 0
	for _, task := range a.tasks {
		if task.Status == status {
			n++
		}
	}
	return n
}

// MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer implements the task cut.
// It blocks (polling) until backpressure clears.
func (a *Applier) MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(ctx context.Context) error {
	waitStart := time.Time{}
	for {
		live := a.LiveTaskCount()
		if live <= a.poolSize {
			break
		}
		if waitStart.IsZero() {
			waitStart = time.Now()
		} else if time.Since(waitStart) >= warnInterval {
			a.logger.Warn("applier backpressure: waiting for live tasks to drain", "live", live, "poolSize", a.poolSize)
			waitStart = time.Now()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	task := a.tasks[a.currentTaskID]
	faults.Assert(task != nil, "applier: current task missing from task map")

	if task.RowCount == 0 {
		return nil
	}

	task.Status = ReadyForPickUp

	open := task.openTransactions()
	faults.Assert(len(open) <= 1, "applier: more than one OPEN transaction when cutting a task")

	newTaskID := uuid.NewV4()
	newTask := newTask(newTaskID)
	a.tasks[newTaskID] = newTask
	a.currentTaskID = newTaskID

	if len(open) == 1 {
		carried := newTransaction(open[0].ID)
		newTask.addTransaction(carried)
		a.currentTxID = carried.ID
	} else {
		freshTx := newTransaction(uuid.NewV4())
		newTask.addTransaction(freshTx)
		a.currentTxID = freshTx.ID
	}

	if a.metrics != nil {
		a.metrics.Set(metrics.TaskQueueSize, int64(len(a.tasks)))
	}
	return nil
}

// SubmitTasksThatAreReadyForPickUp walks tasks and enqueues a flush job
// for every READY_FOR_PICK_UP task with rows.
func (a *Applier) SubmitTasksThatAreReadyForPickUp(ctx context.Context) {
	a.mu.Lock()
	var toSubmit []uuid.UUID
	for id, task := range a.tasks {
		if task.Status != ReadyForPickUp {
			continue
		}
		faults.Assert(task.RowCount > 0, "applier: READY_FOR_PICK_UP task %s has no buffered rows", id)
		task.Status = TaskSubmitted
		toSubmit = append(toSubmit, id)
	}
	for _, id := range toSubmit {
		f := &future{done: make(chan struct{})}
		a.futures[id] = f
		if a.metrics != nil {
			a.metrics.Incr(metrics.TasksSubmitted, 1)
		}
		go a.runFlush(ctx, id, f)
	}
	a.mu.Unlock()
}

func (a *Applier) runFlush(ctx context.Context, taskID uuid.UUID, f *future) {
	a.pool.acquire()
	defer a.pool.release()

	result, err := a.flush(ctx, taskID)
	f.result = result
	f.err = err
	close(f.done)
}

// UpdateTaskStatuses is the completion reaper: it scans
// outstanding flush jobs, reconciling each completed one.
func (a *Applier) UpdateTaskStatuses() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, f := range a.futures {
		select {
		case <-f.done:
		default:
			continue
		}

		task := a.tasks[id]
		faults.Assert(task != nil, "applier: completed future for unknown task %s", id)

		if f.err != nil {
			task.Status = ReadyForPickUp
			delete(a.futures, id)
			if a.metrics != nil {
				a.metrics.Incr(metrics.TasksFailed, 1)
			}
			continue
		}

		switch task.Status {
		case WriteSucceeded:
			faults.Assert(f.result.Succeeded, "applier: status/result disagreement for task %s", id)
			if a.metrics != nil {
				a.metrics.Incr(metrics.TasksSucceeded, 1)
				a.metrics.Incr(metrics.RowOpsCommitted, int64(f.result.NumberOfRowsInTask))
				for table, n := range f.result.PerTableStats {
					a.metrics.AddTableTotals(table, map[metrics.Counter]int64{metrics.RowOpsCommitted: int64(n)})
				}
			}
			delete(a.tasks, id)
			delete(a.futures, id)
		case WriteFailed:
			faults.Assert(!f.result.Succeeded, "applier: status/result disagreement for task %s", id)
			task.Status = ReadyForPickUp
			delete(a.futures, id)
			if a.metrics != nil {
				a.metrics.Incr(metrics.TasksFailed, 1)
			}
		default:
			faults.Assert(false, "applier: flush job for task %s completed in unexpected status %s", id, task.Status)
		}
	}

	if a.metrics != nil {
		a.metrics.Set(metrics.TaskQueueSize, int64(len(a.tasks)))
		a.metrics.Set(metrics.TasksInProgress, int64(a.countTasksInStatus(WriteInProgress)))
	}
}

// ForceFlush cuts the current task (even if it's the only live task)
// and submits everything ready. Used by the orchestrator on Rotate
//.
func (a *Applier) ForceFlush(ctx context.Context) error {
	if err := a.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(ctx); err != nil {
		return err
	}
	a.SubmitTasksThatAreReadyForPickUp(ctx)
	return nil
}
