package sink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSinkRoundTrip(t *testing.T) {
	s := NewFakeSink()
	require.NoError(t, s.OpenConnection(context.Background()))

	tbl, err := s.Table(context.Background(), "t1")
	require.NoError(t, err)

	err = tbl.Put(context.Background(), []Mutation{
		{
			Table: "t1", RowKey: []byte("7"), Timestamp: 1000000001, RowStatus: 'I',
			Cells: []Cell{{RowKey: []byte("7"), Qualifier: "d:a", Timestamp: 1000000001, Value: "1"}},
		},
	})
	require.NoError(t, err)

	v, ok := s.Get("t1", []byte("7"), "d:a", 1000000001)
	require.True(t, ok)
	assert.Equal(t, "1", v)

	status, ok := s.Get("t1", []byte("7"), RowStatusQualifier, 1000000001)
	require.True(t, ok)
	assert.Equal(t, "I", status)
}

func TestFakeSinkTableRequiresOpenConnection(t *testing.T) {
	s := NewFakeSink()
	_, err := s.Table(context.Background(), "t1")
	assert.Error(t, err)
}

func TestFakeSinkInjectedFailure(t *testing.T) {
	s := NewFakeSink()
	require.NoError(t, s.OpenConnection(context.Background()))
	s.FailNextPuts = 1

	tbl, err := s.Table(context.Background(), "t1")
	require.NoError(t, err)

	err = tbl.Put(context.Background(), []Mutation{{Table: "t1", RowKey: []byte("7"), RowStatus: 'I'}})
	assert.Error(t, err)

	// Second call succeeds.
	err = tbl.Put(context.Background(), []Mutation{{Table: "t1", RowKey: []byte("7"), RowStatus: 'I'}})
	assert.NoError(t, err)
}

func TestFakeSinkIdempotentRePut(t *testing.T) {
	s := NewFakeSink()
	require.NoError(t, s.OpenConnection(context.Background()))
	tbl, _ := s.Table(context.Background(), "t1")

	mut := Mutation{
		Table: "t1", RowKey: []byte("7"), Timestamp: 5, RowStatus: 'U',
		Cells: []Cell{{Qualifier: "d:a", Timestamp: 5, Value: "2"}},
	}
	require.NoError(t, tbl.Put(context.Background(), []Mutation{mut}))
	require.NoError(t, tbl.Put(context.Background(), []Mutation{mut}))

	v, _ := s.Get("t1", []byte("7"), "d:a", 5)
	assert.Equal(t, "2", v)
}
