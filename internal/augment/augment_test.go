package augment

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamsink/replicator/internal/binlogevent"
	"github.com/streamsink/replicator/internal/schema"
	"github.com/streamsink/replicator/internal/typecoder"
)

func newCacheWithT1() *schema.Cache {
	c := schema.NewFromDB(nil, "testschema", nil)
	c.SetColumns("t1", []schema.Column{
		{Name: "id", Primary: true, Type: typecoder.ColumnType{SQLType: "int"}},
		{Name: "a", Type: typecoder.ColumnType{SQLType: "int"}},
		{Name: "b", Type: typecoder.ColumnType{SQLType: "int"}},
	})
	return c
}

func counter(start uint32) func() uint32 {
	n := start
	return func() uint32 {
		n++
		return n
	}
}

func TestAugmentInsertEmitsAllColumns(t *testing.T) {
	a := New(newCacheWithT1())
	ev := binlogevent.Event{
		Kind: binlogevent.KindRows, RowsTable: "t1", RowsOp: binlogevent.OpInsert,
		EventTimeSeconds: 1000,
		Rows:             [][]interface{}{{int64(7), int64(1), int64(5)}},
	}
	out, err := a.Augment(ev, counter(0))
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)

	row := out.Rows[0]
	assert.Equal(t, binlogevent.OpInsert, row.Op)
	assert.Equal(t, []byte("7"), row.RowKey)
	assert.Equal(t, int64(1000*1_000_000+1), row.CommitMicros)
	assert.Equal(t, "1", row.Columns["a"].New)
	assert.Equal(t, "5", row.Columns["b"].New)
}

func TestAugmentUpdateOnlyEmitsChangedColumns(t *testing.T) {
	a := New(newCacheWithT1())
	ev := binlogevent.Event{
		Kind: binlogevent.KindRows, RowsTable: "t1", RowsOp: binlogevent.OpUpdate,
		EventTimeSeconds: 1000,
		Rows: [][]interface{}{
			{int64(7), int64(1), int64(5)}, // before
			{int64(7), int64(2), int64(5)}, // after
		},
	}
	out, err := a.Augment(ev, counter(0))
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)

	row := out.Rows[0]
	_, hasB := row.Columns["b"]
	assert.False(t, hasB, "unchanged column b must not be emitted")
	assert.Equal(t, "2", row.Columns["a"].New)
	assert.Equal(t, "1", row.Columns["a"].Old)
}

func TestAugmentDeleteUsesOldRowKey(t *testing.T) {
	a := New(newCacheWithT1())
	ev := binlogevent.Event{
		Kind: binlogevent.KindRows, RowsTable: "t1", RowsOp: binlogevent.OpDelete,
		EventTimeSeconds: 1000,
		Rows:             [][]interface{}{{int64(7), int64(1), int64(5)}},
	}
	out, err := a.Augment(ev, counter(0))
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, []byte("7"), out.Rows[0].RowKey)
	assert.Equal(t, binlogevent.OpDelete, out.Rows[0].Op)
}

func TestAugmentMissingSchemaIsNotFatal(t *testing.T) {
	a := New(schema.NewFromDB(nil, "testschema", nil))
	ev := binlogevent.Event{RowsTable: "unknown", RowsOp: binlogevent.OpInsert, Rows: [][]interface{}{{int64(1)}}}
	_, err := a.Augment(ev, counter(0))
	require.Error(t, err)
	assert.Equal(t, ErrNoSchema, errors.Cause(err))
}

func TestFakeMicrosIncreasesMonotonicallyWithinEvent(t *testing.T) {
	a := New(newCacheWithT1())
	ev := binlogevent.Event{
		Kind: binlogevent.KindRows, RowsTable: "t1", RowsOp: binlogevent.OpInsert,
		EventTimeSeconds: 1000,
		Rows: [][]interface{}{
			{int64(1), int64(1), int64(1)},
			{int64(2), int64(1), int64(1)},
			{int64(3), int64(1), int64(1)},
		},
	}
	out, err := a.Augment(ev, counter(0))
	require.NoError(t, err)
	require.Len(t, out.Rows, 3)
	for i := 1; i < len(out.Rows); i++ {
		assert.Greater(t, out.Rows[i].CommitMicros, out.Rows[i-1].CommitMicros)
	}
}
