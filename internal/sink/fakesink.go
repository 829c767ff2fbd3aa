package sink

import (
	"context"
	"fmt"
	"sync"
)

// cellKey addresses one versioned cell within FakeSink's storage.
type cellKey struct {
	table     string
	rowKey    string
	qualifier string
	timestamp int64
}

// FakeSink is an in-memory Sink used by the sink, applier, and pipeline
// tests. It stores every version of every cell ever put, so
// tests can assert on full history, not just latest value — mirroring
// the real sink's column-store versioning semantics.
type FakeSink struct {
	mu   sync.Mutex
	open bool
	// FailNextPuts, when > 0, makes the next N calls to Put return an
	// error and decrements by one per call; used to simulate transient
	// sink errors.
	FailNextPuts int

	cells map[cellKey]string
	// PutCount records how many times Put was called, total.
	PutCount int
}

// NewFakeSink constructs an empty FakeSink.
func NewFakeSink() *FakeSink {
	return &FakeSink{cells: make(map[cellKey]string)}
}

func (s *FakeSink) OpenConnection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *FakeSink) Table(ctx context.Context, name string) (Table, error) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return nil, fmt.Errorf("fakesink: connection not open")
	}
	return &fakeTable{sink: s, name: name}, nil
}

type fakeTable struct {
	sink *FakeSink
	name string
}

func (t *fakeTable) Put(ctx context.Context, mutations []Mutation) error {
	s := t.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	s.PutCount++
	if s.FailNextPuts > 0 {
		s.FailNextPuts--
		return fmt.Errorf("fakesink: injected put failure")
	}

	for _, m := range mutations {
		s.cells[cellKey{t.name, string(m.RowKey), RowStatusQualifier, m.Timestamp}] = string(m.RowStatus)
		for _, c := range m.Cells {
			s.cells[cellKey{t.name, string(m.RowKey), c.Qualifier, m.Timestamp}] = c.Value
		}
	}
	return nil
}

// Get returns the value of one cell at an exact timestamp, for test
// assertions.
func (s *FakeSink) Get(table string, rowKey []byte, qualifier string, timestamp int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cells[cellKey{table, string(rowKey), qualifier, timestamp}]
	return v, ok
}

// Latest returns the most recent value of a cell across all timestamps,
// and the timestamp it was written at.
func (s *FakeSink) Latest(table string, rowKey []byte, qualifier string) (value string, timestamp int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := int64(-1)
	var bestValue string
	for k, v := range s.cells {
		if k.table == table && k.rowKey == string(rowKey) && k.qualifier == qualifier && k.timestamp > best {
			best = k.timestamp
			bestValue = v
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return bestValue, best, true
}

// Snapshot returns a defensive copy of every stored cell, for
// idempotent-replay comparisons between two independent runs.
func (s *FakeSink) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cells))
	for k, v := range s.cells {
		out[fmt.Sprintf("%s|%s|%s|%d", k.table, k.rowKey, k.qualifier, k.timestamp)] = v
	}
	return out
}
