// Package sqlconn implements the "sql" connector type: a database/sql
// backed connector that doubles as a pipe instance store. Flavors map
// to drivers at open time; the postgres family additionally keeps a
// pgx pool for the bulk copy path.
package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/godror/godror"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/pipestream-io/pipestream/internal/connector"
	"github.com/pipestream-io/pipestream/internal/dialect"
)

func init() {
	connector.Register("sql", New)
}

var (
	chunksizeMu      sync.Mutex
	defaultChunksize = 900
)

// SetDefaultChunksize overrides the configured rows-per-chunk default.
func SetDefaultChunksize(n int) {
	chunksizeMu.Lock()
	defer chunksizeMu.Unlock()
	if n > 0 {
		defaultChunksize = n
	}
}

// DefaultChunksize returns the configured rows-per-chunk default.
func DefaultChunksize() int {
	chunksizeMu.Lock()
	defer chunksizeMu.Unlock()
	return defaultChunksize
}

// driverNames maps flavor to database/sql driver.
var driverNames = map[string]string{
	"postgresql":  "pgx",
	"timescaledb": "pgx",
	"cockroachdb": "pgx",
	"mssql":       "sqlserver",
	"mysql":       "mysql",
	"mariadb":     "mysql",
	"sqlite":      "sqlite",
	"duckdb":      "duckdb",
	"oracle":      "godror",
}

// SQLConnector is a live connection to one SQL database.
type SQLConnector struct {
	label  string
	flavor *dialect.Flavor
	uri    string
	attrs  map[string]interface{}

	db *sql.DB

	poolMu sync.Mutex
	pool   *pgxpool.Pool
}

// New builds a SQLConnector from its attribute map. Either a full
// "uri" or a "flavor" plus host/database attributes must be present.
func New(label string, attrs map[string]interface{}) (connector.Connector, error) {
	flavorName := connector.StringAttr(attrs, "flavor", "")
	uri := connector.StringAttr(attrs, "uri", "")
	if uri != "" && flavorName == "" {
		flavorName = flavorFromURI(uri)
	}
	if flavorName == "" {
		return nil, fmt.Errorf("sql connector %q needs a flavor or uri attribute", label)
	}
	if !dialect.Known(flavorName) {
		return nil, fmt.Errorf("sql connector %q: unknown flavor %q", label, flavorName)
	}

	c := &SQLConnector{
		label:  label,
		flavor: dialect.Get(flavorName),
		attrs:  attrs,
	}
	if uri == "" {
		var err error
		uri, err = buildDSN(flavorName, attrs)
		if err != nil {
			return nil, fmt.Errorf("sql connector %q: %w", label, err)
		}
	}
	c.uri = uri

	driver, ok := driverNames[flavorName]
	if !ok {
		return nil, fmt.Errorf("sql connector %q: no driver for flavor %q", label, flavorName)
	}
	db, err := sql.Open(driver, c.dsnForDriver())
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", flavorName, err)
	}
	c.db = db
	return c, nil
}

func (c *SQLConnector) Keys() string            { return "sql:" + c.label }
func (c *SQLConnector) Type() string            { return "sql" }
func (c *SQLConnector) Label() string           { return c.label }
func (c *SQLConnector) Flavor() *dialect.Flavor { return c.flavor }
func (c *SQLConnector) URI() string             { return c.uri }

// DB exposes the underlying handle for tests and advanced callers.
func (c *SQLConnector) DB() *sql.DB { return c.db }

// Test probes liveness with the flavor's test query.
func (c *SQLConnector) Test(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, c.flavor.TestQuery).Scan(&one); err != nil {
		return fmt.Errorf("test query against %s failed: %w", c.Keys(), err)
	}
	return nil
}

// Close releases the handle and the bulk pool when present.
func (c *SQLConnector) Close() error {
	c.poolMu.Lock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	c.poolMu.Unlock()
	return c.db.Close()
}

// Exec runs a statement, owning a connection for the duration of the
// call.
func (c *SQLConnector) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec on %s: %w", c.Keys(), err)
	}
	return res, nil
}

// Execute is an alias for Exec kept for callers ported from the
// shell-facing surface.
func (c *SQLConnector) Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.Exec(ctx, query, args...)
}

// Value runs a query and returns the first column of the first row,
// nil when the result set is empty.
func (c *SQLConnector) Value(ctx context.Context, query string, args ...interface{}) (interface{}, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("value query on %s: %w", c.Keys(), err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var v interface{}
	if err := rows.Scan(&v); err != nil {
		return nil, fmt.Errorf("scanning value on %s: %w", c.Keys(), err)
	}
	return v, rows.Err()
}

// TableExists probes for a table by running the count-nothing query
// against it. Any error is read as "does not exist".
func (c *SQLConnector) TableExists(ctx context.Context, table string) bool {
	q, err := c.flavor.ExistsQuery(table)
	if err != nil {
		return false
	}
	var n int
	return c.db.QueryRowContext(ctx, q).Scan(&n) == nil
}

// bulkPool lazily opens the pgx pool used by CopyFrom. Only valid for
// bulk flavors.
func (c *SQLConnector) bulkPool(ctx context.Context) (*pgxpool.Pool, error) {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.pool != nil {
		return c.pool, nil
	}
	pool, err := pgxpool.New(ctx, c.dsnForDriver())
	if err != nil {
		return nil, fmt.Errorf("opening bulk pool for %s: %w", c.Keys(), err)
	}
	c.pool = pool
	return pool, nil
}
