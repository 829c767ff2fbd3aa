package binlog

import (
	"context"
	"io"
	"sync"

	"github.com/streamsink/replicator/internal/binlogevent"
)

// FakeProducer delivers a fixed, scripted sequence of events, used by
// pipeline and overseer tests in place of a live MySQL connection.
type FakeProducer struct {
	mu       sync.Mutex
	events   []binlogevent.Event
	next     int
	running  bool
	file     string
	pos      uint32
	closeErr error
}

// NewFakeProducer constructs a FakeProducer that will deliver events in
// order, then return io.EOF.
func NewFakeProducer(events []binlogevent.Event) *FakeProducer {
	return &FakeProducer{events: events}
}

func (f *FakeProducer) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FakeProducer) Start(ctx context.Context, file string, position uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.file = file
	f.pos = position
	return nil
}

func (f *FakeProducer) StartFromLastMapEvent(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *FakeProducer) BinlogFileName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file
}

func (f *FakeProducer) BinlogPosition() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *FakeProducer) Next(ctx context.Context) (binlogevent.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.events) {
		f.running = false
		return binlogevent.Event{}, io.EOF
	}
	ev := f.events[f.next]
	f.next++
	f.file = ev.Position.File
	f.pos = ev.Position.Offset
	return ev, nil
}

func (f *FakeProducer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return f.closeErr
}
