// Package config holds the recognized configuration options for the
// replicator. Parsing a config file and exposing a CLI are
// both out of scope for this repository; Config is the named interface
// the rest of the pipeline is built against, and cmd/replicator is
// responsible for populating one however the deployment prefers (flags,
// a TOML/YAML file, environment variables, ...).
package config

import "time"

// NoStats is the sentinel value for GraphiteStatsNamespace that disables
// stats emission entirely.
const NoStats = "no-stats"

// Config is the full set of recognized replicator options.
type Config struct {
	ApplierType string

	ReplicantSchemaName    string
	ReplicantShardID       string
	ReplicantDBSlavesByDC  map[string][]string
	ReplicantDBActiveHost  string

	StartingBinlogFileName string
	StartingBinlogPosition uint32
	EndingBinlogFileName   string

	InitialSnapshotMode bool

	WriteRecentChangesToDeltaTables    bool
	TablesForWhichToTrackDailyChanges  []string

	ActiveSchemaHost     string
	ActiveSchemaUserName string
	ActiveSchemaPassword string
	ActiveSchemaDB       string

	MetaDataDBName string

	ZookeeperQuorum string

	// GraphiteStatsNamespace is the dot-separated namespace prefix for
	// emitted stats lines. The literal value NoStats disables emission.
	GraphiteStatsNamespace string
	StatsEndpoint          string

	// PoolSize is the fixed number of concurrent flush workers (POOL_SIZE).
	PoolSize int

	// TaskRowBudget is the number of buffered rows that triggers a task
	// cut (§4.4 "Task cut").
	TaskRowBudget int

	// OverseerTickInterval is normally 1s; exposed for tests.
	OverseerTickInterval time.Duration
}

// StatsEnabled reports whether stats should be emitted to the stats sink.
func (c *Config) StatsEnabled() bool {
	return c.GraphiteStatsNamespace != "" && c.GraphiteStatsNamespace != NoStats
}

// DBAlias is "<schema><shardId>" when a shard is configured, else just
// "<schema>".
func (c *Config) DBAlias() string {
	if c.ReplicantShardID != "" {
		return c.ReplicantSchemaName + c.ReplicantShardID
	}
	return c.ReplicantSchemaName
}

// TrackDeltaTable reports whether the given table has delta-table
// tracking enabled.
func (c *Config) TrackDeltaTable(table string) bool {
	if !c.WriteRecentChangesToDeltaTables {
		return false
	}
	for _, t := range c.TablesForWhichToTrackDailyChanges {
		if t == table {
			return true
		}
	}
	return false
}
