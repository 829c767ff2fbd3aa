// Package overseer implements the supervision/metrics layer: once per
// tick it recovers a stalled producer and drains the metrics registry's
// completed time buckets to the stats sink. Its two responsibilities
// are split into small methods sharing only the metrics registry, both
// driven off the same ticker.
package overseer

import (
	"context"
	"errors"
	"time"

	"github.com/streamsink/replicator/internal/binlog"
	"github.com/streamsink/replicator/internal/binlogevent"
	"github.com/streamsink/replicator/internal/config"
	"github.com/streamsink/replicator/internal/faults"
	"github.com/streamsink/replicator/internal/logging"
	"github.com/streamsink/replicator/internal/metrics"
	"github.com/streamsink/replicator/internal/statsd"
)

const defaultTickInterval = time.Second

// PositionSource is the subset of the pipeline orchestrator the
// overseer needs for producer recovery: the last TableMap position to
// restart from, and a way to reseed the fake-microseconds counter to
// match it.
type PositionSource interface {
	LastKnownMapEventPosition() binlogevent.Position
	ResetFakeMicros(uint32)
}

// Overseer runs the periodic supervision/stats-drain loop.
type Overseer struct {
	producer binlog.Producer
	position PositionSource
	metrics  *metrics.Registry
	cfg      *config.Config
	stats    *statsd.Client
	logger   logging.Logger

	tickInterval time.Duration
}

// Options configures a new Overseer.
type Options struct {
	Producer     binlog.Producer
	Position     PositionSource
	Metrics      *metrics.Registry
	Config       *config.Config
	Stats        *statsd.Client
	Logger       logging.Logger
	TickInterval time.Duration
}

// New constructs an Overseer.
func New(opts Options) *Overseer {
	if opts.Logger == nil {
		opts.Logger = logging.Nop
	}
	interval := opts.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Overseer{
		producer:     opts.Producer,
		position:     opts.Position,
		metrics:      opts.Metrics,
		cfg:          opts.Config,
		stats:        opts.Stats,
		logger:       opts.Logger,
		tickInterval: interval,
	}
}

// Run ticks until ctx is cancelled.
func (o *Overseer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Overseer) tick(ctx context.Context) {
	o.superviseProducer(ctx)
	o.drainStats()
}

// superviseProducer checks whether the producer has stopped running,
// and if so recovers it from the last known TableMap position and
// restarts it. A recovery-phase connect failure is fatal; any other
// error is logged and retried next tick.
func (o *Overseer) superviseProducer(ctx context.Context) {
	if o.producer == nil || o.producer.IsRunning() {
		return
	}

	pos := o.position.LastKnownMapEventPosition()
	o.position.ResetFakeMicros(pos.FakeMicroseconds)

	if err := o.producer.StartFromLastMapEvent(ctx); err != nil {
		var connectErr *binlog.ConnectError
		if errors.As(err, &connectErr) {
			o.logger.Error("overseer: producer recovery connect failed, exiting", "err", err)
			faults.Fatal(err)
			return
		}
		o.logger.Warn("overseer: producer restart failed, will retry next tick", "err", err)
		return
	}
	o.logger.Info("overseer: producer restarted", "file", pos.File)
}

// drainStats assembles graphite lines from every drained time bucket
// and every per-table total, and pushes them to the stats endpoint.
func (o *Overseer) drainStats() {
	if o.cfg == nil || !o.cfg.StatsEnabled() || o.metrics == nil || o.stats == nil {
		return
	}

	ns := o.cfg.GraphiteStatsNamespace
	dbAlias := o.cfg.DBAlias()

	var lines []statsd.Line
	for _, bucket := range o.metrics.DrainPast() {
		for counter, value := range bucket.Bucket {
			lines = append(lines, statsd.Line{
				Metric:    ns + "." + dbAlias + "." + counter.Name(),
				Value:     value,
				EpochSecs: bucket.EpochSecs,
			})
		}
	}

	now := time.Now().Unix()
	for table, totals := range o.metrics.TableTotals() {
		for counter, value := range totals {
			lines = append(lines, statsd.Line{
				Metric:    ns + "." + dbAlias + "." + table + "." + counter.Name(),
				Value:     value,
				EpochSecs: now,
			})
		}
	}

	if len(lines) == 0 {
		return
	}
	if err := o.stats.Send(lines); err != nil {
		o.logger.Warn("overseer: failed to send stats", "err", err)
	}
}
