// Command replicator wires the config, schema cache, sink, applier,
// pipeline orchestrator, and overseer together and runs them. Parsing a
// real config file or exposing a CLI surface is out of scope for this
// repository; this builds a Config literal as a stand-in
// for whatever flag/file/env parsing a deployment wants layered on top.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/sync/errgroup"

	"github.com/streamsink/replicator/internal/applier"
	"github.com/streamsink/replicator/internal/augment"
	"github.com/streamsink/replicator/internal/binlog"
	"github.com/streamsink/replicator/internal/chaos"
	"github.com/streamsink/replicator/internal/config"
	"github.com/streamsink/replicator/internal/faults"
	"github.com/streamsink/replicator/internal/logging"
	"github.com/streamsink/replicator/internal/metrics"
	"github.com/streamsink/replicator/internal/overseer"
	"github.com/streamsink/replicator/internal/pipeline"
	"github.com/streamsink/replicator/internal/schema"
	"github.com/streamsink/replicator/internal/sink"
	"github.com/streamsink/replicator/internal/statsd"
)

func main() {
	logger := logging.New("replicator")
	faults.SetLogger(logger)
	// The default faults.Exit panics so tests can recover it; production
	// must actually terminate the process with the reported code.
	faults.Exit = func(code int) { os.Exit(code) }

	cfg := &config.Config{
		ReplicantSchemaName:    "app",
		ActiveSchemaHost:       "127.0.0.1:3306",
		ActiveSchemaUserName:   "repl",
		ActiveSchemaPassword:   os.Getenv("REPLICATOR_ACTIVE_SCHEMA_PASSWORD"),
		ActiveSchemaDB:         "app",
		GraphiteStatsNamespace: config.NoStats,
		PoolSize:               8,
		TaskRowBudget:          10000,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		faults.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	schemaCache, err := schema.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer schemaCache.Close()

	if err := schemaCache.Seed(ctx); err != nil {
		return err
	}

	activeDB, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s)/%s",
		cfg.ActiveSchemaUserName, cfg.ActiveSchemaPassword, cfg.ActiveSchemaHost, cfg.ActiveSchemaDB))
	if err != nil {
		return err
	}
	defer activeDB.Close()

	producer := binlog.New(binlog.Config{
		Host:     cfg.ActiveSchemaHost,
		User:     cfg.ActiveSchemaUserName,
		Password: cfg.ActiveSchemaPassword,
	}, activeDB)

	if err := producer.Start(ctx, cfg.StartingBinlogFileName, cfg.StartingBinlogPosition); err != nil {
		return err
	}
	defer producer.Close()

	columnSink := sink.NewFakeSink() // replace with a real HBase/Bigtable client at deploy time
	if err := columnSink.OpenConnection(ctx); err != nil {
		return err
	}

	reg := metrics.New(func() int64 { return time.Now().Unix() })

	app := applier.New(applier.Options{
		PoolSize: cfg.PoolSize,
		Sink:     columnSink,
		Metrics:  reg,
		Chaos:    chaos.None,
		Logger:   logger,
	})

	orch := pipeline.New(pipeline.Options{
		Producer:  producer,
		Augmenter: augment.New(schemaCache),
		Applier:   app,
		Schema:    schemaCache,
		Config:    cfg,
		Metrics:   reg,
		Logger:    logger,
	})

	var statsClient *statsd.Client
	if cfg.StatsEnabled() {
		statsClient, err = statsd.Dial(cfg.StatsEndpoint)
		if err != nil {
			return err
		}
		defer statsClient.Close()
	}

	over := overseer.New(overseer.Options{
		Producer:     producer,
		Position:     orch,
		Metrics:      reg,
		Config:       cfg,
		Stats:        statsClient,
		Logger:       logger,
		TickInterval: cfg.OverseerTickInterval,
	})

	// The orchestrator and overseer run concurrently for the life of the
	// process; either returning an error cancels the other via the shared
	// group context.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { over.Run(gctx); return nil })
	return g.Wait()
}
