// Package binlog wraps github.com/siddontang/go-mysql/replication as the
// Producer interface the pipeline orchestrator consumes, following
// livesql.NewBinlog's construction (SHOW MASTER STATUS for the starting
// position, a random ServerID, syncer.StartSync(position)) but exposing
// a pull-style Next(ctx) in place of livesql's push-style RunPollLoop,
// so the orchestrator can drive its own state machine.
package binlog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/siddontang/go-mysql/mysql"
	"github.com/siddontang/go-mysql/replication"

	"github.com/streamsink/replicator/internal/binlogevent"
)

// ConnectError wraps a failure to establish the replication connection
// itself (DNS, auth, TCP dial, server refusing the registration), as
// distinct from a configuration/state error like a missing recovery
// anchor. The overseer treats this as fatal and anything else as
// transient.
type ConnectError struct{ Err error }

func (e *ConnectError) Error() string { return "binlog: connect: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// Producer is the orchestrator-facing interface over a binlog stream
//.
type Producer interface {
	IsRunning() bool
	Start(ctx context.Context, file string, position uint32) error
	StartFromLastMapEvent(ctx context.Context) error
	BinlogFileName() string
	BinlogPosition() uint32
	Next(ctx context.Context) (binlogevent.Event, error)
	Close() error
}

// Config names the replication-user credentials the syncer connects
// with. Bootstrapping these (and the active-schema connection used to
// fetch SHOW MASTER STATUS) is out of scope for this repository; callers
// pass in an already-open *sql.DB.
type Config struct {
	Host     string
	Port     uint16
	User     string
	Password string
}

// SyncerProducer is the production Producer, backed by a
// replication.BinlogSyncer.
type SyncerProducer struct {
	cfg Config
	db  *sql.DB

	mu       sync.Mutex
	running  bool
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer

	currentFile string
	currentPos  uint32

	// lastMapEventFile/Pos is the restart anchor the overseer uses on
	// recovery: updated on every TableMap event.
	lastMapEventFile string
	lastMapEventPos  uint32
}

// New constructs a SyncerProducer. db is the active-schema connection
// used only to read SHOW MASTER STATUS on Start.
func New(cfg Config, db *sql.DB) *SyncerProducer {
	return &SyncerProducer{cfg: cfg, db: db}
}

func randomServerID() (uint32, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// masterPosition reads the master's current binlog coordinates via SHOW
// MASTER STATUS, matching livesql's getPosition helper.
func masterPosition(db *sql.DB) (mysql.Position, error) {
	row := db.QueryRow("SHOW MASTER STATUS")
	var position mysql.Position
	var ignored interface{}
	if err := row.Scan(&position.Name, &position.Pos, &ignored, &ignored, &ignored); err != nil {
		return mysql.Position{}, fmt.Errorf("binlog: reading master status: %w", err)
	}
	return position, nil
}

// IsRunning reports whether the underlying syncer is currently streaming.
func (p *SyncerProducer) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *SyncerProducer) startSyncLocked(position mysql.Position) error {
	if p.syncer != nil {
		p.syncer.Close()
	}

	serverID, err := randomServerID()
	if err != nil {
		return err
	}
	syncer := replication.NewBinlogSyncer(&replication.BinlogSyncerConfig{
		ServerID: serverID,
		Host:     p.cfg.Host,
		Port:     p.cfg.Port,
		User:     p.cfg.User,
		Password: p.cfg.Password,
	})
	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		return &ConnectError{Err: err}
	}
	p.syncer = syncer
	p.streamer = streamer
	p.currentFile = position.Name
	p.currentPos = position.Pos
	p.running = true
	return nil
}

// Start begins streaming from an explicit (file, position) pair, as
// given by the startingBinlogFileName/startingBinlogPosition
// configuration options.
func (p *SyncerProducer) Start(ctx context.Context, file string, position uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := mysql.Position{Name: file, Pos: position}
	if file == "" {
		master, err := masterPosition(p.db)
		if err != nil {
			return err
		}
		target = master
	}
	return p.startSyncLocked(target)
}

// StartFromLastMapEvent restarts the syncer from the last TableMap
// event position observed before the producer stopped running — the
// overseer's recovery anchor.
func (p *SyncerProducer) StartFromLastMapEvent(ctx context.Context) error {
	p.mu.Lock()
	file, pos := p.lastMapEventFile, p.lastMapEventPos
	p.mu.Unlock()
	if file == "" {
		return fmt.Errorf("binlog: no known map-event position to recover from")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startSyncLocked(mysql.Position{Name: file, Pos: pos})
}

// BinlogFileName returns the file name of the last event delivered.
func (p *SyncerProducer) BinlogFileName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentFile
}

// BinlogPosition returns the byte offset of the last event delivered.
func (p *SyncerProducer) BinlogPosition() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPos
}

// Next blocks until the next binlog event is available, decodes it, and
// returns it. It is not safe to call Next concurrently with itself.
func (p *SyncerProducer) Next(ctx context.Context) (binlogevent.Event, error) {
	p.mu.Lock()
	streamer := p.streamer
	currentFile := p.currentFile
	p.mu.Unlock()

	if streamer == nil {
		return binlogevent.Event{}, fmt.Errorf("binlog: producer not started")
	}

	raw, err := streamer.GetEvent(ctx)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return binlogevent.Event{}, err
	}

	ev, nextFile := decodeEvent(raw, currentFile)

	p.mu.Lock()
	p.currentFile = nextFile
	p.currentPos = raw.Header.LogPos
	ev.Position = binlogevent.Position{File: p.currentFile, Offset: p.currentPos}
	if ev.Kind == binlogevent.KindTableMap {
		p.lastMapEventFile = p.currentFile
		p.lastMapEventPos = p.currentPos
	}
	p.mu.Unlock()

	return ev, nil
}

// Close releases the underlying syncer.
func (p *SyncerProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.syncer != nil {
		p.syncer.Close()
	}
	p.running = false
	return nil
}

// decodeEvent translates one raw replication.BinlogEvent into the
// tagged binlogevent.Event union, grounded on livesql/binlog_proxy.go's
// event.Event.(type) switch (generalized here from thunder's protobuf
// Field output to this repo's own Event/Operation types). Returns the
// binlog file name to use for subsequent events (changed only by a
// Rotate).
func decodeEvent(raw *replication.BinlogEvent, currentFile string) (binlogevent.Event, string) {
	ev := binlogevent.Event{EventTimeSeconds: raw.Header.Timestamp}

	switch inner := raw.Event.(type) {
	case *replication.FormatDescriptionEvent:
		ev.Kind = binlogevent.KindFormatDescription

	case *replication.RotateEvent:
		ev.Kind = binlogevent.KindRotate
		ev.NextBinlogFile = string(inner.NextLogName)
		ev.NextPosition = uint32(inner.Position)
		return ev, ev.NextBinlogFile

	case *replication.QueryEvent:
		ev.Kind = binlogevent.KindQuery
		ev.Schema = string(inner.Schema)
		ev.QuerySQL = string(inner.Query)
		ev.QueryKind = classifyQuery(ev.QuerySQL)

	case *replication.XIDEvent:
		ev.Kind = binlogevent.KindXid
		ev.XID = inner.XID

	case *replication.TableMapEvent:
		ev.Kind = binlogevent.KindTableMap
		ev.TableID = inner.TableID
		ev.Table = string(inner.Table)
		ev.Schema = string(inner.Schema)

	case *replication.RowsEvent:
		ev.Kind = binlogevent.KindRows
		ev.RowsTableID = inner.Table.TableID
		ev.RowsTable = string(inner.Table.Table)
		ev.Schema = string(inner.Table.Schema)
		ev.Rows = inner.Rows
		switch raw.Header.EventType {
		case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
			ev.RowsOp = binlogevent.OpInsert
		case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
			ev.RowsOp = binlogevent.OpUpdate
		case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
			ev.RowsOp = binlogevent.OpDelete
		}
	}

	return ev, currentFile
}

// classifyQuery sniffs a Query event's SQL text into BEGIN/COMMIT/DDL/
// other, the way the orchestrator needs to demarcate transactions
//.
func classifyQuery(sql string) binlogevent.QueryKind {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	switch {
	case upper == "BEGIN":
		return binlogevent.QueryBegin
	case upper == "COMMIT":
		return binlogevent.QueryCommit
	case strings.HasPrefix(upper, "CREATE"),
		strings.HasPrefix(upper, "ALTER"),
		strings.HasPrefix(upper, "DROP"),
		strings.HasPrefix(upper, "RENAME"),
		strings.HasPrefix(upper, "TRUNCATE"):
		return binlogevent.QueryDDL
	default:
		return binlogevent.QueryOther
	}
}
