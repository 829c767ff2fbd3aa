package sink

import (
	"context"

	"github.com/pkg/errors"
)

// HBaseConfig is the connection configuration for the real column-store
// cluster. Sink cluster configuration and connection bootstrap are out
// of scope for this repository: this type exists only so
// that cmd/replicator has something concrete to plumb from
// internal/config into a Sink implementation.
type HBaseConfig struct {
	ZookeeperQuorum string
}

// HBaseSink stands in for the real column-store cluster without
// committing to a specific HBase client library: no HBase Go client
// appears anywhere in this retrieval pack (Thrift/REST gateway clients
// are the usual choices, but grounding one would mean inventing a
// dependency nothing in the corpus uses). OpenConnection and Table both
// return an error, as no client is wired in; that is the deliberate
// boundary of this repository. The wire format is described on
// Table.Put.
type HBaseSink struct {
	cfg HBaseConfig
}

// NewHBaseSink constructs an HBaseSink for the given cluster
// configuration.
func NewHBaseSink(cfg HBaseConfig) *HBaseSink {
	return &HBaseSink{cfg: cfg}
}

func (s *HBaseSink) OpenConnection(ctx context.Context) error {
	return errors.New("sink: hbase connection bootstrap is outside this repository's scope; inject a configured client")
}

func (s *HBaseSink) Table(ctx context.Context, name string) (Table, error) {
	return nil, errors.New("sink: hbase connection bootstrap is outside this repository's scope; inject a configured client")
}
