// Package pipeline implements the orchestrator: it drains a binlog
// event stream, augments row events with schema, demarcates
// transactions, and drives the task-buffering applier.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/streamsink/replicator/internal/applier"
	"github.com/streamsink/replicator/internal/augment"
	"github.com/streamsink/replicator/internal/binlog"
	"github.com/streamsink/replicator/internal/binlogevent"
	"github.com/streamsink/replicator/internal/config"
	"github.com/streamsink/replicator/internal/logging"
	"github.com/streamsink/replicator/internal/metrics"
	"github.com/streamsink/replicator/internal/rowkey"
	"github.com/streamsink/replicator/internal/schema"
	"github.com/streamsink/replicator/internal/sink"
)

// Orchestrator owns the fake-microseconds counter and interprets the
// binlog event stream as a state machine.
type Orchestrator struct {
	producer  binlog.Producer
	augmenter *augment.Augmenter
	applier   *applier.Applier
	schema    *schema.Cache
	cfg       *config.Config
	metrics   *metrics.Registry
	logger    logging.Logger

	// fakeMu guards fakeMicros, the one piece of orchestrator state the
	// overseer also touches (to reseed it during producer recovery) from
	// outside the Run goroutine.
	fakeMu     sync.Mutex
	fakeMicros uint32

	lastBinlogPosition   binlogevent.Position
	lastMapEventPosition binlogevent.Position

	lastRotateKey string
	stopping      bool
}

// Options configures a new Orchestrator.
type Options struct {
	Producer  binlog.Producer
	Augmenter *augment.Augmenter
	Applier   *applier.Applier
	Schema    *schema.Cache
	Config    *config.Config
	Metrics   *metrics.Registry
	Logger    logging.Logger
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.Nop
	}
	return &Orchestrator{
		producer:  opts.Producer,
		augmenter: opts.Augmenter,
		applier:   opts.Applier,
		schema:    opts.Schema,
		cfg:       opts.Config,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// LastKnownBinlogPosition is the position of the last event processed.
func (o *Orchestrator) LastKnownBinlogPosition() binlogevent.Position { return o.lastBinlogPosition }

// LastKnownMapEventPosition is the restart anchor the overseer hands the
// producer on recovery.
func (o *Orchestrator) LastKnownMapEventPosition() binlogevent.Position {
	return o.lastMapEventPosition
}

// Run drains events from the producer until it is exhausted (io.EOF),
// the context is cancelled, or endingBinlogFileName's inclusive
// flush-then-stop condition is reached.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ev, err := o.producer.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := o.handleEvent(ctx, ev); err != nil {
			o.logger.Warn("pipeline: error handling event", "kind", ev.Kind, "err", err)
		}

		// Drive submission and the completion reaper once per event; both
		// are cheap no-ops when there is nothing to do.
		o.applier.SubmitTasksThatAreReadyForPickUp(ctx)
		o.applier.UpdateTaskStatuses()

		if o.stopping {
			return nil
		}
	}
}

// nextFakeMicros increments the counter first, then returns it, so the
// first augmented row after a BEGIN (reset to 0) gets fake-µs 1, not 0.
func (o *Orchestrator) nextFakeMicros() uint32 {
	o.fakeMu.Lock()
	defer o.fakeMu.Unlock()
	o.fakeMicros++
	return o.fakeMicros
}

func (o *Orchestrator) resetFakeMicros(v uint32) {
	o.fakeMu.Lock()
	defer o.fakeMu.Unlock()
	o.fakeMicros = v
}

// ResetFakeMicros reseeds the fake-microseconds counter. Called by the
// overseer when recovering a restarted producer from the last known
// TableMap position; safe to call only while Run is not
// concurrently processing events for this orchestrator (true by
// construction: the overseer only restarts a producer whose consuming
// Run call has already returned).
func (o *Orchestrator) ResetFakeMicros(v uint32) { o.resetFakeMicros(v) }

func (o *Orchestrator) handleEvent(ctx context.Context, ev binlogevent.Event) error {
	preEventPosition := o.lastBinlogPosition
	if o.metrics != nil {
		o.metrics.Incr(metrics.BinlogEventsObserved, 1)
		if ev.EventTimeSeconds > 0 {
			delay := time.Now().Unix() - int64(ev.EventTimeSeconds)
			if delay < 0 {
				delay = 0
			}
			o.metrics.Set(metrics.ReplicationDelaySeconds, delay)
		}
	}

	var err error
	switch ev.Kind {
	case binlogevent.KindFormatDescription:
		// Nothing to do beyond bookkeeping below: a FormatDescription
		// event just checkpoints that the file is readable from here.

	case binlogevent.KindRotate:
		err = o.handleRotate(ctx, ev, preEventPosition)

	case binlogevent.KindQuery:
		err = o.handleQuery(ctx, ev, preEventPosition)

	case binlogevent.KindXid:
		err = o.applyCommit(ctx, ev.XID, true)

	case binlogevent.KindTableMap:
		// Position bookkeeping only; handled below.

	case binlogevent.KindRows:
		err = o.handleRows(ctx, ev)
	}

	o.lastBinlogPosition = ev.Position
	if ev.Kind == binlogevent.KindTableMap {
		o.lastMapEventPosition = ev.Position
	}
	return err
}

// rotateKey identifies a rotate target for de-duplication: the known
// OpenReplicator artifact of delivering the same Rotate twice in a row
//.
func rotateKey(ev binlogevent.Event) string {
	return fmt.Sprintf("%s:%d", ev.NextBinlogFile, ev.NextPosition)
}

func (o *Orchestrator) handleRotate(ctx context.Context, ev binlogevent.Event, preEventPosition binlogevent.Position) error {
	key := rotateKey(ev)
	if key == o.lastRotateKey {
		return nil // duplicate rotate: no-op, binlog position unchanged (S6)
	}
	o.lastRotateKey = key

	if err := o.applier.ForceFlush(ctx); err != nil {
		return err
	}

	if o.cfg != nil && o.cfg.EndingBinlogFileName != "" && preEventPosition.File == o.cfg.EndingBinlogFileName {
		o.stopping = true
	}
	return nil
}

func (o *Orchestrator) handleQuery(ctx context.Context, ev binlogevent.Event, preEventPosition binlogevent.Position) error {
	switch ev.QueryKind {
	case binlogevent.QueryBegin:
		o.resetFakeMicros(0)
		o.applier.OpenNewTransaction()
	case binlogevent.QueryCommit:
		return o.applyCommit(ctx, 0, false)
	case binlogevent.QueryDDL:
		table := extractDDLTable(ev.QuerySQL)
		if table == "" {
			return nil
		}
		if err := o.schema.Refresh(ctx, table, preEventPosition); err != nil {
			return err
		}
	}
	return nil
}

// applyCommit marks the current transaction READY_FOR_COMMIT and cuts
// the task buffer if the row budget has been reached.
func (o *Orchestrator) applyCommit(ctx context.Context, xid uint64, hasXID bool) error {
	o.applier.MarkCurrentTransactionForCommit(xid, hasXID)

	budget := 0
	if o.cfg != nil {
		budget = o.cfg.TaskRowBudget
	}
	if budget > 0 && o.applier.CurrentTaskRowCount() >= budget {
		return o.applier.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(ctx)
	}
	return nil
}

func (o *Orchestrator) handleRows(ctx context.Context, ev binlogevent.Event) error {
	augmented, err := o.augmenter.Augment(ev, o.nextFakeMicros)
	if err != nil {
		return err
	}

	for _, row := range augmented.Rows {
		mutation := buildMutation(row)
		o.applier.PushMutation(row.Table, row.RowKey, mutation)

		if o.cfg != nil && o.cfg.TrackDeltaTable(row.Table) {
			day := rowkey.DayFromMicros(row.CommitMicros)
			deltaMutation := mutation
			deltaMutation.Table = rowkey.DeltaTableName(row.Table, day)
			deltaMutation.RowKey = rowkey.WithDeltaPrefix(day, row.RowKey)
			o.applier.PushMutation(deltaMutation.Table, deltaMutation.RowKey, deltaMutation)
		}
	}
	return nil
}

// buildMutation converts one AugmentedRow into the sink.Mutation the
// applier buffers: inserts and updates emit one cell per
// changed column plus the row-status marker; deletes emit only the
// row-status marker, leaving the row's other columns untouched so their
// history survives.
func buildMutation(row binlogevent.AugmentedRow) sink.Mutation {
	m := sink.Mutation{
		Table:     row.Table,
		RowKey:    row.RowKey,
		Timestamp: row.CommitMicros,
		RowStatus: byte(row.Op),
	}

	if row.Op == binlogevent.OpDelete {
		return m
	}

	for name, delta := range row.Columns {
		newVal, _ := delta.New.(string)
		m.Cells = append(m.Cells, sink.Cell{
			RowKey:    row.RowKey,
			Qualifier: sink.ColumnFamily + ":" + name,
			Timestamp: row.CommitMicros,
			Value:     newVal,
		})
	}
	return m
}

var ddlTableRe = regexp.MustCompile(`(?i)^(?:CREATE|ALTER|DROP|TRUNCATE)\s+TABLE\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?` + "`?([a-zA-Z0-9_]+)`?")

// extractDDLTable best-effort sniffs the affected table name out of a
// DDL statement's SQL text, for scoping a schema refresh to one table.
// RENAME TABLE's two-table-name grammar and multi-table ALTER/DROP
// statements are intentionally not special-cased here; an unrecognized
// shape simply skips the targeted refresh (the next Rows event against
// a stale cache surfaces as the ordinary "Schema miss" error path).
func extractDDLTable(sql string) string {
	m := ddlTableRe.FindStringSubmatch(strings.TrimSpace(sql))
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
