// Package applier implements the task-buffering applier, the hard part
// of this pipeline. It groups mutations into UUID-tagged tasks and
// transactions, flushes them concurrently to the sink with bounded
// parallelism, tracks per-task lifecycle status, and retries failed
// tasks while preserving transactional grouping across buffer
// boundaries.
//
// The informally nested task -> transaction -> table -> mutations
// structure is modeled here as a single Task aggregate holding an
// ordered map of Transactions, each holding a map of per-table mutation
// lists, rather than as separate top-level maps for mutations/row-keys/
// status.
package applier

import (
	uuid "github.com/satori/go.uuid"

	"github.com/streamsink/replicator/internal/sink"
)

// Status is a Task's position in its lifecycle.
type Status int

const (
	ReadyForBuffering Status = iota
	ReadyForPickUp
	TaskSubmitted
	WriteInProgress
	WriteSucceeded
	WriteFailed
)

func (s Status) String() string {
	switch s {
	case ReadyForBuffering:
		return "READY_FOR_BUFFERING"
	case ReadyForPickUp:
		return "READY_FOR_PICK_UP"
	case TaskSubmitted:
		return "TASK_SUBMITTED"
	case WriteInProgress:
		return "WRITE_IN_PROGRESS"
	case WriteSucceeded:
		return "WRITE_SUCCEEDED"
	case WriteFailed:
		return "WRITE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// TxStatus is a Transaction's position in its two-state lifecycle.
type TxStatus int

const (
	Open TxStatus = iota
	ReadyForCommit
)

func (s TxStatus) String() string {
	if s == Open {
		return "OPEN"
	}
	return "READY_FOR_COMMIT"
}

// Transaction is scoped to one task at a time, but its UUID is carried
// forward verbatim into a new task if the current task's row budget is
// exceeded mid-transaction.
type Transaction struct {
	ID     uuid.UUID
	Status TxStatus
	// XID is attached when the transaction closed via a binlog Xid
	// event rather than a COMMIT query.
	XID    uint64
	HasXID bool

	// Tables maps table name to its ordered mutation list.
	Tables map[string][]sink.Mutation
	// RowKeys parallels Tables, retained for reporting and stats
	//.
	RowKeys map[string][][]byte
}

func newTransaction(id uuid.UUID) *Transaction {
	return &Transaction{
		ID:      id,
		Status:  Open,
		Tables:  make(map[string][]sink.Mutation),
		RowKeys: make(map[string][][]byte),
	}
}

// isEmpty reports whether no mutation has ever been buffered into this
// transaction.
func (t *Transaction) isEmpty() bool {
	for _, muts := range t.Tables {
		if len(muts) > 0 {
			return false
		}
	}
	return true
}

// Task is identified by a freshly generated UUID and holds every
// transaction currently buffered for it, in the order they were opened.
type Task struct {
	ID     uuid.UUID
	Status Status

	// txOrder preserves transaction insertion order so that carrying an
	// OPEN transaction forward and iterating at flush time are both
	// deterministic.
	txOrder      []uuid.UUID
	transactions map[uuid.UUID]*Transaction

	RowCount int
	Messages []string
}

func newTask(id uuid.UUID) *Task {
	return &Task{
		ID:           id,
		Status:       ReadyForBuffering,
		transactions: make(map[uuid.UUID]*Transaction),
	}
}

func (t *Task) transaction(id uuid.UUID) (*Transaction, bool) {
	tx, ok := t.transactions[id]
	return tx, ok
}

func (t *Task) addTransaction(tx *Transaction) {
	t.txOrder = append(t.txOrder, tx.ID)
	t.transactions[tx.ID] = tx
}

// removeTransaction drops a transaction that turned out to be
// unnecessary, e.g. the empty placeholder a BEGIN replaces.
func (t *Task) removeTransaction(id uuid.UUID) {
	delete(t.transactions, id)
	for i, existing := range t.txOrder {
		if existing == id {
			t.txOrder = append(t.txOrder[:i], t.txOrder[i+1:]...)
			break
		}
	}
}

// openTransactions returns every transaction in this task with Status
// == Open, in insertion order.
func (t *Task) openTransactions() []*Transaction {
	var open []*Transaction
	for _, id := range t.txOrder {
		if tx := t.transactions[id]; tx.Status == Open {
			open = append(open, tx)
		}
	}
	return open
}

// orderedTransactions returns every transaction in insertion order, for
// deterministic flush iteration.
func (t *Task) orderedTransactions() []*Transaction {
	out := make([]*Transaction, 0, len(t.txOrder))
	for _, id := range t.txOrder {
		out = append(out, t.transactions[id])
	}
	return out
}

// TaskResult is what a flush job reports back for one task.
type TaskResult struct {
	Succeeded          bool
	NumberOfRowsInTask int
	PerTableStats      map[string]int
}
