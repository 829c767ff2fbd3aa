package overseer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamsink/replicator/internal/binlog"
	"github.com/streamsink/replicator/internal/binlogevent"
	"github.com/streamsink/replicator/internal/config"
	"github.com/streamsink/replicator/internal/faults"
	"github.com/streamsink/replicator/internal/metrics"
	"github.com/streamsink/replicator/internal/statsd"
)

type fakePosition struct {
	pos        binlogevent.Position
	resetCalls []uint32
}

func (f *fakePosition) LastKnownMapEventPosition() binlogevent.Position { return f.pos }
func (f *fakePosition) ResetFakeMicros(v uint32)                        { f.resetCalls = append(f.resetCalls, v) }

type fakeProducer struct {
	running     bool
	startCalled bool
	startErr    error
}

func (f *fakeProducer) IsRunning() bool { return f.running }
func (f *fakeProducer) Start(ctx context.Context, file string, position uint32) error {
	return nil
}
func (f *fakeProducer) StartFromLastMapEvent(ctx context.Context) error {
	f.startCalled = true
	if f.startErr == nil {
		f.running = true
	}
	return f.startErr
}
func (f *fakeProducer) BinlogFileName() string { return "" }
func (f *fakeProducer) BinlogPosition() uint32 { return 0 }
func (f *fakeProducer) Next(ctx context.Context) (binlogevent.Event, error) {
	return binlogevent.Event{}, nil
}
func (f *fakeProducer) Close() error { return nil }

func TestSuperviseProducerRestartsWhenStopped(t *testing.T) {
	pos := &fakePosition{pos: binlogevent.Position{File: "bin.000005", FakeMicroseconds: 42}}
	prod := &fakeProducer{running: false}

	o := New(Options{Producer: prod, Position: pos})
	o.superviseProducer(context.Background())

	assert.True(t, prod.startCalled)
	require.Len(t, pos.resetCalls, 1)
	assert.Equal(t, uint32(42), pos.resetCalls[0])
	assert.True(t, prod.running)
}

func TestSuperviseProducerNoopWhenRunning(t *testing.T) {
	pos := &fakePosition{}
	prod := &fakeProducer{running: true}

	o := New(Options{Producer: prod, Position: pos})
	o.superviseProducer(context.Background())

	assert.False(t, prod.startCalled)
	assert.Empty(t, pos.resetCalls)
}

// withRecover runs fn and converts a faults.Exit panic into (code, ok),
// mirroring internal/faults's own test helper since Overseer drives
// faults.Fatal directly.
func withRecover(fn func()) (code int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			code, ok = faults.Recover(r)
			if !ok {
				panic(r)
			}
		}
	}()
	fn()
	return 0, false
}

func TestSuperviseProducerTransientErrorIsNotFatal(t *testing.T) {
	pos := &fakePosition{pos: binlogevent.Position{File: "bin.000005"}}
	prod := &fakeProducer{running: false, startErr: errors.New("restart hiccup")}

	o := New(Options{Producer: prod, Position: pos})
	_, exited := withRecover(func() { o.superviseProducer(context.Background()) })

	assert.False(t, exited, "a transient restart error must be logged and retried, not fatal")
	assert.False(t, prod.running)
}

func TestSuperviseProducerConnectErrorIsFatal(t *testing.T) {
	pos := &fakePosition{pos: binlogevent.Position{File: "bin.000005"}}
	prod := &fakeProducer{running: false, startErr: &binlog.ConnectError{Err: errors.New("dial tcp: connection refused")}}

	o := New(Options{Producer: prod, Position: pos})
	code, exited := withRecover(func() { o.superviseProducer(context.Background()) })

	assert.True(t, exited, "a recovery-phase connect failure must be fatal")
	assert.Equal(t, -1, code)
}

func TestDrainStatsSendsGraphiteLines(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	client, err := statsd.Dial(pc.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	now := int64(200)
	reg := metrics.New(func() int64 { return now })
	reg.Incr(metrics.RowOpsReceived, 5)
	now = 300 // advance the clock so the bucket at 200 drains

	cfg := &config.Config{
		GraphiteStatsNamespace: "repl",
		ReplicantSchemaName:    "app",
	}

	o := New(Options{Metrics: reg, Config: cfg, Stats: client})
	o.drainStats()

	buf := make([]byte, 1024)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "repl.app.row_ops_received 5 200")
}

func TestDrainStatsNoopWhenDisabled(t *testing.T) {
	reg := metrics.New(func() int64 { return 1 })
	cfg := &config.Config{GraphiteStatsNamespace: config.NoStats}
	o := New(Options{Metrics: reg, Config: cfg})
	o.drainStats() // must not panic on a nil stats client
}
