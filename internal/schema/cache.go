// Package schema resolves column metadata for replicated tables from the
// active-schema database: a MySQL mirror kept close to the master's DDL
// so that the augmenter can zip positional binlog values against column
// names and types. The cache is seeded at startup and
// refreshed whenever a DDL event is observed, keyed by the binlog
// position immediately preceding that event.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/streamsink/replicator/internal/binlogevent"
	"github.com/streamsink/replicator/internal/config"
	"github.com/streamsink/replicator/internal/logging"
	"github.com/streamsink/replicator/internal/typecoder"
)

// Column is one column's metadata, ordered the same way the row values
// arrive in a binlog Rows event: table declaration order. Primary-key
// columns are identified by the Primary flag, not by position.
type Column struct {
	Name    string
	Primary bool
	Type    typecoder.ColumnType
}

// Cache maps (schema, table) to an ordered column list.
type Cache struct {
	db         *sql.DB
	schemaName string
	logger     logging.Logger

	mu       sync.RWMutex
	columns  map[string][]Column
	versions map[string]binlogevent.Position
}

// Open connects to the active-schema database described by cfg, using
// database/sql over github.com/go-sql-driver/mysql, matching the DSN
// shape livesql expects a *sql.DB to already be configured with.
func Open(cfg *config.Config, logger logging.Logger) (*Cache, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=false",
		cfg.ActiveSchemaUserName, cfg.ActiveSchemaPassword, cfg.ActiveSchemaHost, cfg.ActiveSchemaDB)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "schema: opening active-schema connection")
	}
	return &Cache{
		db:         db,
		schemaName: cfg.ActiveSchemaDB,
		logger:     logger,
		columns:    make(map[string][]Column),
		versions:   make(map[string]binlogevent.Position),
	}, nil
}

// NewFromDB wraps an already-open *sql.DB, for tests (sqlmock or similar).
func NewFromDB(db *sql.DB, schemaName string, logger logging.Logger) *Cache {
	return &Cache{
		db:         db,
		schemaName: schemaName,
		logger:     logger,
		columns:    make(map[string][]Column),
		versions:   make(map[string]binlogevent.Position),
	}
}

// Seed loads column metadata for every table in the schema. Call once at
// startup.
func (c *Cache) Seed(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT table_name
		FROM information_schema.columns
		WHERE table_schema = ?`, c.schemaName)
	if err != nil {
		return errors.Wrap(err, "schema: listing tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return errors.Wrap(err, "schema: scanning table name")
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, table := range tables {
		cols, err := c.fetchColumns(ctx, table)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.columns[table] = cols
		c.mu.Unlock()
	}
	return nil
}

// SetColumns installs a column list for table directly, bypassing the
// active-schema database. Used by tests and by initial-snapshot bootstrap
// paths that already have schema in hand.
func (c *Cache) SetColumns(table string, cols []Column) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.columns[table] = cols
}

// Columns returns the cached column list for table, and whether it was
// found. A miss here (DDL not yet applied in the active schema) is a
// "Schema miss": callers should log and retry after a short delay
// rather than treating it as fatal.
func (c *Cache) Columns(table string) ([]Column, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cols, ok := c.columns[table]
	return cols, ok
}

// Refresh reloads column metadata for table and records preEventPos —
// the binlog position immediately before the DDL event that triggered
// this refresh — as the version key.
func (c *Cache) Refresh(ctx context.Context, table string, preEventPos binlogevent.Position) error {
	cols, err := c.fetchColumns(ctx, table)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.columns[table] = cols
	c.versions[table] = preEventPos
	c.mu.Unlock()
	c.logger.Info("schema refreshed", "table", table, "position", preEventPos)
	return nil
}

// VersionAt returns the binlog position at which table's cached schema
// was last refreshed.
func (c *Cache) VersionAt(table string) (binlogevent.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.versions[table]
	return pos, ok
}

var enumTypeRe = regexp.MustCompile(`(?i)^enum\(`)

// columnTypeFromInformationSchema derives a typecoder.ColumnType from
// the raw column_type string information_schema reports (e.g.
// "varchar(255)", "enum('a','b')", "decimal(10,2)"), split out as a pure
// function so the type-sniffing logic can be unit tested without a
// database connection.
func columnTypeFromInformationSchema(columnType, charset string, precision int) typecoder.ColumnType {
	sqlType := columnType
	isEnum := enumTypeRe.MatchString(columnType)
	if isEnum {
		sqlType = "enum"
	} else if idx := strings.IndexByte(columnType, '('); idx >= 0 {
		sqlType = columnType[:idx]
	}

	ct := typecoder.ColumnType{
		SQLType:   sqlType,
		Charset:   charset,
		Precision: precision,
	}
	if isEnum {
		ct.EnumValues = typecoder.ParseEnumValues(columnType)
	}
	return ct
}

// fetchColumns queries information_schema for one table's columns,
// ordered by c.ordinal_position — the table's declaration order, which
// is the order a binlog Rows event's positional values arrive in
// regardless of where the primary key falls in that declaration.
// Callers must zip the returned list positionally against a row image;
// reordering primary-key columns to the front here would desync that
// zip for any table whose PK isn't the first-declared column. This
// mirrors livesql.fetchColumns's query against information_schema.columns
// (livesql/binlog.go), generalized to also pull type/charset/precision
// metadata and the primary-key flag from information_schema.key_column_usage.
func (c *Cache) fetchColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT c.column_name,
		       c.column_type,
		       COALESCE(c.character_set_name, ''),
		       COALESCE(c.datetime_precision, 0),
		       k.ordinal_position IS NOT NULL AS is_primary
		FROM information_schema.columns c
		LEFT JOIN information_schema.key_column_usage k
		  ON k.table_schema = c.table_schema
		 AND k.table_name = c.table_name
		 AND k.column_name = c.column_name
		 AND k.constraint_name = 'PRIMARY'
		WHERE c.table_schema = ? AND c.table_name = ?
		ORDER BY c.ordinal_position ASC`,
		c.schemaName, table)
	if err != nil {
		return nil, errors.Wrapf(err, "schema: fetching columns for %s", table)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			name       string
			columnType string
			charset    string
			precision  int
			isPrimary  bool
		)
		if err := rows.Scan(&name, &columnType, &charset, &precision, &isPrimary); err != nil {
			return nil, errors.Wrap(err, "schema: scanning column row")
		}

		ct := columnTypeFromInformationSchema(columnType, charset, precision)
		cols = append(cols, Column{Name: name, Primary: isPrimary, Type: ct})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cols, nil
}

// Close releases the underlying database connection.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
