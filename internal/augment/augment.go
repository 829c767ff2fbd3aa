// Package augment joins raw binlog row events with cached schema to
// produce AugmentedRow records. This generalizes livesql's "zip
// positional binlog values against a column list" idiom
// (livesql/binlog.go's columnMap/parseBinlogRow) from a struct-scan
// target to a column-name-keyed map, extended with the type coder and
// row-key construction.
package augment

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/streamsink/replicator/internal/binlogevent"
	"github.com/streamsink/replicator/internal/rowkey"
	"github.com/streamsink/replicator/internal/schema"
	"github.com/streamsink/replicator/internal/typecoder"
)

// ErrNoSchema is returned when the schema cache has no columns for the
// event's table; this is a "Schema miss" and callers should log and
// retry after a short delay rather than treating it as fatal.
var ErrNoSchema = errors.New("augment: no schema cached for table")

// Augmenter builds AugmentedRow records from raw Rows events.
type Augmenter struct {
	schema *schema.Cache
}

// New constructs an Augmenter backed by the given schema cache.
func New(cache *schema.Cache) *Augmenter {
	return &Augmenter{schema: cache}
}

// Augment converts one raw Rows event into an AugmentedRowsEvent. Every
// row produced shares the event's commit second; nextFakeMicros advances
// the orchestrator's running fake-microseconds counter and returns it,
// and Augment calls it once per row (the orchestrator owns that counter).
func (a *Augmenter) Augment(
	ev binlogevent.Event, nextFakeMicros func() uint32,
) (binlogevent.AugmentedRowsEvent, error) {
	cols, ok := a.schema.Columns(ev.RowsTable)
	if !ok {
		return binlogevent.AugmentedRowsEvent{}, errors.Wrapf(ErrNoSchema, "table %s", ev.RowsTable)
	}

	var out binlogevent.AugmentedRowsEvent

	switch ev.RowsOp {
	case binlogevent.OpInsert:
		for _, row := range ev.Rows {
			ar, err := a.buildRow(ev, cols, nil, row, binlogevent.OpInsert, nextFakeMicros())
			if err != nil {
				return binlogevent.AugmentedRowsEvent{}, err
			}
			out.Rows = append(out.Rows, ar)
		}
	case binlogevent.OpDelete:
		for _, row := range ev.Rows {
			ar, err := a.buildRow(ev, cols, row, nil, binlogevent.OpDelete, nextFakeMicros())
			if err != nil {
				return binlogevent.AugmentedRowsEvent{}, err
			}
			out.Rows = append(out.Rows, ar)
		}
	case binlogevent.OpUpdate:
		if len(ev.Rows)%2 != 0 {
			return binlogevent.AugmentedRowsEvent{}, errors.New("augment: update event has an odd number of row images")
		}
		for i := 0; i < len(ev.Rows); i += 2 {
			ar, err := a.buildRow(ev, cols, ev.Rows[i], ev.Rows[i+1], binlogevent.OpUpdate, nextFakeMicros())
			if err != nil {
				return binlogevent.AugmentedRowsEvent{}, err
			}
			out.Rows = append(out.Rows, ar)
		}
	default:
		return binlogevent.AugmentedRowsEvent{}, fmt.Errorf("augment: unknown operation %q", ev.RowsOp)
	}

	return out, nil
}

// buildRow zips one before/after row pair against cols, encodes every
// value with internal/typecoder, and constructs the row key from the
// primary-key columns.
func (a *Augmenter) buildRow(
	ev binlogevent.Event, cols []schema.Column, before, after []interface{},
	op binlogevent.Operation, fakeMicros uint32,
) (binlogevent.AugmentedRow, error) {
	row := binlogevent.AugmentedRow{
		Table:        ev.RowsTable,
		Op:           op,
		CommitMicros: int64(ev.EventTimeSeconds)*1_000_000 + int64(fakeMicros),
		Columns:      make(map[string]binlogevent.ColumnDelta),
	}

	var pkParts []string
	for i, col := range cols {
		var oldVal, newVal interface{}
		if before != nil && i < len(before) {
			oldVal = before[i]
		}
		if after != nil && i < len(after) {
			newVal = after[i]
		}

		var oldEnc, newEnc string
		var err error
		if oldVal != nil {
			oldEnc, err = typecoder.Encode(col.Type, oldVal)
			if err != nil {
				return binlogevent.AugmentedRow{}, errors.Wrapf(err, "column %s", col.Name)
			}
		}
		if newVal != nil {
			newEnc, err = typecoder.Encode(col.Type, newVal)
			if err != nil {
				return binlogevent.AugmentedRow{}, errors.Wrapf(err, "column %s", col.Name)
			}
		}

		if col.Primary {
			if op == binlogevent.OpDelete {
				pkParts = append(pkParts, oldEnc)
			} else {
				pkParts = append(pkParts, newEnc)
			}
		}

		switch op {
		case binlogevent.OpInsert:
			row.Columns[col.Name] = binlogevent.ColumnDelta{New: newEnc}
		case binlogevent.OpDelete:
			row.Columns[col.Name] = binlogevent.ColumnDelta{Old: oldEnc}
		case binlogevent.OpUpdate:
			if oldEnc != newEnc {
				row.Columns[col.Name] = binlogevent.ColumnDelta{Old: oldEnc, New: newEnc}
			}
		}
	}

	row.RowKey = rowkey.Build(pkParts...)
	return row, nil
}
