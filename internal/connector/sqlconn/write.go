package sqlconn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pipestream-io/pipestream/internal/dataset"
	"github.com/pipestream-io/pipestream/internal/dialect"
	"github.com/pipestream-io/pipestream/internal/logging"
)

// IfExists policies for ToSQL.
const (
	IfExistsReplace = "replace"
	IfExistsAppend  = "append"
	IfExistsFail    = "fail"
)

// ToSQL writes a dataset to a table. The returned pair reports the
// outcome; backend errors are passed through in the message verbatim.
// No cleanup is attempted after a partial write.
func (c *SQLConnector) ToSQL(ctx context.Context, ds *dataset.Dataset, name, ifExists string) (bool, string) {
	if ds == nil || len(ds.Columns) == 0 {
		return false, "no columns to write"
	}
	quoted, err := c.flavor.QuoteItem(name)
	if err != nil {
		return false, fmt.Sprintf("cannot quote table name %q: %v", name, err)
	}

	exists := c.TableExists(ctx, name)
	switch ifExists {
	case IfExistsReplace:
		if exists {
			if _, err := c.Exec(ctx, "DROP TABLE "+quoted); err != nil {
				return false, err.Error()
			}
			exists = false
		}
	case IfExistsAppend, "":
	case IfExistsFail:
		if exists {
			return false, fmt.Sprintf("table %q already exists", name)
		}
	default:
		return false, fmt.Sprintf("unknown if-exists policy %q", ifExists)
	}

	if !exists {
		if err := c.createTable(ctx, ds, quoted); err != nil {
			return false, err.Error()
		}
	}

	if ds.Empty() {
		return true, fmt.Sprintf("wrote 0 rows to %q", name)
	}

	start := time.Now()
	if c.flavor.Bulk {
		if err := c.copyRows(ctx, ds, name); err != nil {
			return false, err.Error()
		}
	} else {
		if err := c.insertRows(ctx, ds, quoted); err != nil {
			return false, err.Error()
		}
	}
	logging.Debug("wrote %d rows to %s in %s", ds.Len(), name, time.Since(start).Round(time.Millisecond))
	return true, fmt.Sprintf("wrote %d rows to %q", ds.Len(), name)
}

// copyTarget renders the COPY destination with the same truncation the
// CREATE TABLE path applies, so an over-long name reaches the table
// that was actually created.
func (c *SQLConnector) copyTarget(name string) (pgx.Identifier, error) {
	truncated, err := dialect.TruncateItemName(name, c.flavor)
	if err != nil {
		return nil, err
	}
	return pgx.Identifier{truncated}, nil
}

// copyRows uses the pgx COPY protocol, the fast path for the postgres
// family.
func (c *SQLConnector) copyRows(ctx context.Context, ds *dataset.Dataset, name string) error {
	pool, err := c.bulkPool(ctx)
	if err != nil {
		return err
	}
	target, err := c.copyTarget(name)
	if err != nil {
		return err
	}
	cols := make([]string, len(ds.Columns))
	for i, col := range ds.Columns {
		if cols[i], err = dialect.TruncateItemName(col, c.flavor); err != nil {
			return err
		}
	}
	n, err := pool.CopyFrom(ctx, target, cols, pgx.CopyFromRows(ds.Rows))
	if err != nil {
		return fmt.Errorf("copy to %q: %w", name, err)
	}
	if int(n) != ds.Len() {
		return fmt.Errorf("copy to %q wrote %d of %d rows", name, n, ds.Len())
	}
	return nil
}

// insertRows writes with multi-row parameterized INSERTs, batched to
// stay under backend bind-parameter limits.
func (c *SQLConnector) insertRows(ctx context.Context, ds *dataset.Dataset, quotedTable string) error {
	ncols := len(ds.Columns)
	rowsPerStmt := DefaultChunksize()
	if maxRows := 1000 / ncols; rowsPerStmt > maxRows {
		rowsPerStmt = maxRows
	}
	if rowsPerStmt < 1 {
		rowsPerStmt = 1
	}

	quotedCols := make([]string, ncols)
	for i, col := range ds.Columns {
		q, err := c.flavor.QuoteItem(col)
		if err != nil {
			return err
		}
		quotedCols[i] = q
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", quotedTable, strings.Join(quotedCols, ", "))

	for offset := 0; offset < ds.Len(); offset += rowsPerStmt {
		batch := ds.Slice(offset, offset+rowsPerStmt)
		placeholders := make([]string, 0, batch.Len())
		args := make([]interface{}, 0, batch.Len()*ncols)
		n := 1
		for _, row := range batch.Rows {
			marks := make([]string, ncols)
			for i := range marks {
				marks[i] = c.flavor.Placeholder(n)
				n++
			}
			placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
			args = append(args, row...)
		}
		stmt := prefix + strings.Join(placeholders, ", ")
		if _, err := c.db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", quotedTable, err)
		}
	}
	return nil
}

// createTable builds a table shaped like the dataset, inferring column
// types from the first non-nil value of each column.
func (c *SQLConnector) createTable(ctx context.Context, ds *dataset.Dataset, quotedTable string) error {
	defs := make([]string, len(ds.Columns))
	for i, col := range ds.Columns {
		quoted, err := c.flavor.QuoteItem(col)
		if err != nil {
			return err
		}
		defs[i] = quoted + " " + c.columnType(ds, i)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quotedTable, strings.Join(defs, ", "))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", quotedTable, err)
	}
	return nil
}

func (c *SQLConnector) columnType(ds *dataset.Dataset, col int) string {
	var sample interface{}
	for _, row := range ds.Rows {
		if row[col] != nil {
			sample = row[col]
			break
		}
	}
	switch sample.(type) {
	case time.Time, *time.Time:
		return c.typeName("datetime")
	case int, int32, int64:
		return c.typeName("int")
	case float32, float64:
		return c.typeName("float")
	case bool:
		return c.typeName("bool")
	default:
		return c.typeName("text")
	}
}

// typeName maps a portable type tag to the flavor's column type.
func (c *SQLConnector) typeName(tag string) string {
	switch c.flavor.Name {
	case "mssql":
		switch tag {
		case "datetime":
			return "DATETIME2"
		case "int":
			return "BIGINT"
		case "float":
			return "FLOAT"
		case "bool":
			return "BIT"
		default:
			return "NVARCHAR(MAX)"
		}
	case "mysql", "mariadb":
		switch tag {
		case "datetime":
			return "DATETIME(6)"
		case "int":
			return "BIGINT"
		case "float":
			return "DOUBLE"
		case "bool":
			return "TINYINT(1)"
		default:
			return "TEXT"
		}
	case "oracle":
		switch tag {
		case "datetime":
			return "TIMESTAMP"
		case "int":
			return "NUMBER(19)"
		case "float":
			return "BINARY_DOUBLE"
		case "bool":
			return "NUMBER(1)"
		default:
			return "CLOB"
		}
	case "sqlite":
		switch tag {
		case "datetime":
			return "TIMESTAMP"
		case "int":
			return "INTEGER"
		case "float":
			return "REAL"
		case "bool":
			return "INTEGER"
		default:
			return "TEXT"
		}
	default:
		// Postgres family, duckdb, ANSI fallback.
		switch tag {
		case "datetime":
			return "TIMESTAMP"
		case "int":
			return "BIGINT"
		case "float":
			return "DOUBLE PRECISION"
		case "bool":
			return "BOOLEAN"
		default:
			return "TEXT"
		}
	}
}
