package sqlconn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pipestream-io/pipestream/internal/connector"
	"github.com/pipestream-io/pipestream/internal/dataset"
	"github.com/pipestream-io/pipestream/internal/logging"
	"github.com/pipestream-io/pipestream/internal/pipe"
)

// timeLiteral renders a bound for interpolation into date arithmetic.
const timeLiteral = "2006-01-02 15:04:05"

// buildWhere turns a params filter into a WHERE fragment. Scalars
// compare equal, slices become IN lists, nil matches NULL, and a
// string value with the negation prefix excludes that value.
func (c *SQLConnector) buildWhere(params map[string]interface{}, start int) (string, []interface{}, error) {
	if len(params) == 0 {
		return "", nil, nil
	}
	cols := make([]string, 0, len(params))
	for col := range params {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var clauses []string
	var args []interface{}
	for _, col := range cols {
		quoted, err := c.flavor.QuoteItem(col)
		if err != nil {
			return "", nil, err
		}
		switch v := params[col].(type) {
		case nil:
			clauses = append(clauses, quoted+" IS NULL")
		case []interface{}:
			if len(v) == 0 {
				continue
			}
			marks := make([]string, len(v))
			for i := range v {
				marks[i] = c.flavor.Placeholder(start + len(args) + i)
			}
			args = append(args, v...)
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", quoted, strings.Join(marks, ", ")))
		case string:
			if strings.HasPrefix(v, connector.NegationPrefix) {
				clauses = append(clauses, fmt.Sprintf("%s != %s", quoted, c.flavor.Placeholder(start+len(args))))
				args = append(args, strings.TrimPrefix(v, connector.NegationPrefix))
			} else {
				clauses = append(clauses, fmt.Sprintf("%s = %s", quoted, c.flavor.Placeholder(start+len(args))))
				args = append(args, v)
			}
		default:
			clauses = append(clauses, fmt.Sprintf("%s = %s", quoted, c.flavor.Placeholder(start+len(args))))
			args = append(args, v)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// SyncPipe appends a dataset to the pipe's table, creating the table
// and its indexes on first sync.
func (c *SQLConnector) SyncPipe(ctx context.Context, p *pipe.Pipe, ds *dataset.Dataset) (bool, string) {
	name := p.TargetName()
	existed := c.TableExists(ctx, name)
	ok, msg := c.ToSQL(ctx, ds, name, IfExistsAppend)
	if !ok {
		return ok, msg
	}
	if !existed {
		if err := c.CreatePipeIndices(ctx, p); err != nil {
			logging.Warn("could not index %s: %v", p, err)
		}
	}
	return ok, msg
}

// CreatePipeIndices creates the datetime and id indexes, named
// <table>_<column>_index.
func (c *SQLConnector) CreatePipeIndices(ctx context.Context, p *pipe.Pipe) error {
	name := p.TargetName()
	quotedTable, err := c.flavor.QuoteItem(name)
	if err != nil {
		return err
	}
	for _, role := range []string{pipe.RoleDatetime, pipe.RoleID} {
		col, ok, err := p.GetColumn(ctx, role)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		quotedCol, err := c.flavor.QuoteItem(col)
		if err != nil {
			return err
		}
		quotedIndex, err := c.flavor.QuoteItem(name + "_" + col + "_index")
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", quotedIndex, quotedTable, quotedCol)
		if _, err := c.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating %s index on %s: %w", role, p, err)
		}
	}
	return nil
}

// dataQuery builds the SELECT over the pipe's table with time bounds
// and params filters. Reads keep the end bound inclusive; counts pass
// inclusiveEnd=false to count [begin, end). A datetime column is only
// required when bounds are given; ordering is skipped when the role is
// not configured.
func (c *SQLConnector) dataQuery(ctx context.Context, p *pipe.Pipe, opts pipe.DataOptions, selectList string, ordered, inclusiveEnd bool) (string, []interface{}, error) {
	quotedTable, err := c.flavor.QuoteItem(p.TargetName())
	if err != nil {
		return "", nil, err
	}

	var clauses []string
	var args []interface{}
	var quotedDt string
	if opts.Begin != nil || opts.End != nil {
		dtCol, err := p.DatetimeColumn(ctx)
		if err != nil {
			return "", nil, err
		}
		quotedDt, err = c.flavor.QuoteItem(dtCol)
		if err != nil {
			return "", nil, err
		}
	} else if ordered {
		dtCol, ok, err := p.GetColumn(ctx, pipe.RoleDatetime)
		if err != nil {
			return "", nil, err
		}
		if ok {
			quotedDt, err = c.flavor.QuoteItem(dtCol)
			if err != nil {
				return "", nil, err
			}
		}
	}
	if opts.Begin != nil {
		clauses = append(clauses, fmt.Sprintf("%s >= %s", quotedDt, c.flavor.Placeholder(len(args)+1)))
		args = append(args, *opts.Begin)
	}
	if opts.End != nil {
		endOp := "<="
		if !inclusiveEnd {
			endOp = "<"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", quotedDt, endOp, c.flavor.Placeholder(len(args)+1)))
		args = append(args, *opts.End)
	}
	if where, whereArgs, err := c.buildWhere(opts.Params, len(args)+1); err != nil {
		return "", nil, err
	} else if where != "" {
		clauses = append(clauses, where)
		args = append(args, whereArgs...)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", selectList, quotedTable)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if ordered && quotedDt != "" {
		query += " ORDER BY " + quotedDt + " ASC"
	}
	return query, args, nil
}

// GetPipeData reads rows from the pipe's table in datetime order.
func (c *SQLConnector) GetPipeData(ctx context.Context, p *pipe.Pipe, opts pipe.DataOptions) (*dataset.Dataset, error) {
	if !c.TableExists(ctx, p.TargetName()) {
		return nil, nil
	}
	query, args, err := c.dataQuery(ctx, p, opts, "*", true, true)
	if err != nil {
		return nil, err
	}
	result, err := c.Read(ctx, query, ReadOptions{Params: args})
	if err != nil {
		return nil, fmt.Errorf("reading data of %s: %w", p, err)
	}
	return result.Data, nil
}

// GetBacktrackData reads the window reaching backtrackMinutes before
// begin. A nil begin means the pipe's newest sync time; an empty pipe
// yields nil.
func (c *SQLConnector) GetBacktrackData(ctx context.Context, p *pipe.Pipe, backtrackMinutes int, begin *time.Time) (*dataset.Dataset, error) {
	if begin == nil {
		st, found, err := c.GetSyncTime(ctx, p, true, false)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		begin = &st
	}
	from := begin.Add(-time.Duration(backtrackMinutes) * time.Minute)
	return c.GetPipeData(ctx, p, pipe.DataOptions{Begin: &from})
}

// GetSyncTime returns the newest (or oldest) datetime value, rounded
// down to the minute when roundDown is set.
func (c *SQLConnector) GetSyncTime(ctx context.Context, p *pipe.Pipe, newest, roundDown bool) (time.Time, bool, error) {
	if !c.TableExists(ctx, p.TargetName()) {
		return time.Time{}, false, nil
	}
	dtCol, err := p.DatetimeColumn(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	quotedDt, err := c.flavor.QuoteItem(dtCol)
	if err != nil {
		return time.Time{}, false, err
	}
	quotedTable, err := c.flavor.QuoteItem(p.TargetName())
	if err != nil {
		return time.Time{}, false, err
	}
	order := "DESC"
	if !newest {
		order = "ASC"
	}
	query := c.flavor.Limit1(fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY %s %s",
		quotedDt, quotedTable, quotedDt, quotedDt, order))

	v, err := c.Value(ctx, query)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sync time of %s: %w", p, err)
	}
	if v == nil {
		return time.Time{}, false, nil
	}
	t, ok := dataset.AsTime(v)
	if !ok {
		return time.Time{}, false, fmt.Errorf("datetime column %q of %s holds non-time value %v", dtCol, p, v)
	}
	if roundDown {
		t = t.Truncate(time.Minute)
	}
	return t, true, nil
}

// GetPipeRowCount counts rows within the bounds and filters.
func (c *SQLConnector) GetPipeRowCount(ctx context.Context, p *pipe.Pipe, opts pipe.DataOptions) (int64, error) {
	if !c.TableExists(ctx, p.TargetName()) {
		return 0, nil
	}
	query, args, err := c.dataQuery(ctx, p, opts, "COUNT(*)", false, false)
	if err != nil {
		return 0, err
	}
	v, err := c.Value(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("counting rows of %s: %w", p, err)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		var parsed int64
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("unexpected row count value %v (%T)", v, v)
}

// GetPipeColumnsTypes reports the pipe table's columns and their
// database type names.
func (c *SQLConnector) GetPipeColumnsTypes(ctx context.Context, p *pipe.Pipe) (map[string]string, error) {
	if !c.TableExists(ctx, p.TargetName()) {
		return nil, nil
	}
	query, err := c.flavor.ExistsQuery(p.TargetName())
	if err != nil {
		return nil, err
	}
	// The count-nothing probe returns no rows but carries the schema.
	query = strings.Replace(query, "COUNT(*)", "*", 1)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("inspecting columns of %s: %w", p, err)
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column types of %s: %w", p, err)
	}
	out := make(map[string]string, len(types))
	for _, ct := range types {
		out[ct.Name()] = ct.DatabaseTypeName()
	}
	return out, rows.Err()
}

// DropPipe removes the pipe's table and its rows, leaving the
// registration alone.
func (c *SQLConnector) DropPipe(ctx context.Context, p *pipe.Pipe) error {
	name := p.TargetName()
	if !c.TableExists(ctx, name) {
		return nil
	}
	quoted, err := c.flavor.QuoteItem(name)
	if err != nil {
		return err
	}
	if _, err := c.Exec(ctx, "DROP TABLE "+quoted); err != nil {
		return fmt.Errorf("dropping %s: %w", p, err)
	}
	return nil
}

// ClearPipe deletes rows within the bounded interval.
func (c *SQLConnector) ClearPipe(ctx context.Context, p *pipe.Pipe, begin, end *time.Time) error {
	if !c.TableExists(ctx, p.TargetName()) {
		return nil
	}
	quotedTable, err := c.flavor.QuoteItem(p.TargetName())
	if err != nil {
		return err
	}
	var clauses []string
	var args []interface{}
	if begin != nil || end != nil {
		dtCol, err := p.DatetimeColumn(ctx)
		if err != nil {
			return err
		}
		quotedDt, err := c.flavor.QuoteItem(dtCol)
		if err != nil {
			return err
		}
		if begin != nil {
			clauses = append(clauses, fmt.Sprintf("%s >= %s", quotedDt, c.flavor.Placeholder(len(args)+1)))
			args = append(args, *begin)
		}
		if end != nil {
			clauses = append(clauses, fmt.Sprintf("%s < %s", quotedDt, c.flavor.Placeholder(len(args)+1)))
			args = append(args, *end)
		}
	}
	stmt := "DELETE FROM " + quotedTable
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	if _, err := c.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("clearing %s: %w", p, err)
	}
	return nil
}

// GetDistinctColCount counts distinct values the query yields for a
// column.
func (c *SQLConnector) GetDistinctColCount(ctx context.Context, col, query string) (int64, error) {
	quotedCol, err := c.flavor.QuoteItem(col)
	if err != nil {
		return 0, err
	}
	wrapped := fmt.Sprintf("WITH src AS (%s) SELECT COUNT(DISTINCT %s) FROM src", query, quotedCol)
	v, err := c.Value(ctx, wrapped)
	if err != nil {
		return 0, fmt.Errorf("distinct count on %s: %w", c.Keys(), err)
	}
	if n, ok := v.(int64); ok {
		return n, nil
	}
	return 0, fmt.Errorf("unexpected distinct count value %v (%T)", v, v)
}

// fetchDefinition reads the pipe's fetch query from its parameters.
func fetchDefinition(ctx context.Context, p *pipe.Pipe) (string, error) {
	params, err := p.Parameters(ctx)
	if err != nil {
		return "", err
	}
	raw, ok := params["fetch"]
	if !ok {
		return "", fmt.Errorf("pipe %s has no fetch definition", p)
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("pipe %s has a malformed fetch parameter (%T)", p, raw)
	}
	def, _ := m["definition"].(string)
	if def == "" {
		return "", fmt.Errorf("pipe %s has an empty fetch definition", p)
	}
	return def, nil
}

// fetchQuery wraps the definition with datetime bounds. Bounds are
// rendered through the dialect's date arithmetic so "now"-relative
// fetches stay on the server clock.
func (c *SQLConnector) fetchQuery(ctx context.Context, p *pipe.Pipe, opts pipe.FetchOptions) (string, error) {
	def, err := fetchDefinition(ctx, p)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf("SELECT * FROM (%s) AS src", def)
	if c.flavor.Name == "oracle" {
		query = fmt.Sprintf("SELECT * FROM (%s) src", def)
	}

	var clauses []string
	if opts.Begin != nil || opts.End != nil {
		dtCol, err := p.DatetimeColumn(ctx)
		if err != nil {
			return "", err
		}
		quotedDt, err := c.flavor.QuoteItem(dtCol)
		if err != nil {
			return "", err
		}
		if opts.Begin != nil {
			expr, err := c.flavor.DateAdd("minute", 0, opts.Begin.UTC().Format(timeLiteral))
			if err != nil {
				return "", err
			}
			clauses = append(clauses, fmt.Sprintf("%s >= %s", quotedDt, expr))
		}
		if opts.End != nil {
			expr, err := c.flavor.DateAdd("minute", 0, opts.End.UTC().Format(timeLiteral))
			if err != nil {
				return "", err
			}
			clauses = append(clauses, fmt.Sprintf("%s <= %s", quotedDt, expr))
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return query, nil
}

// Fetch pulls the pipe's new rows from this connector in one dataset.
func (c *SQLConnector) Fetch(ctx context.Context, p *pipe.Pipe, opts pipe.FetchOptions) (*dataset.Dataset, error) {
	query, err := c.fetchQuery(ctx, p, opts)
	if err != nil {
		return nil, err
	}
	result, err := c.Read(ctx, query, ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching for %s: %w", p, err)
	}
	return result.Data, nil
}

// FetchChunks pulls the pipe's new rows as a chunk stream.
func (c *SQLConnector) FetchChunks(ctx context.Context, p *pipe.Pipe, opts pipe.FetchOptions) (pipe.ChunkIter, error) {
	query, err := c.fetchQuery(ctx, p, opts)
	if err != nil {
		return nil, err
	}
	chunksize := opts.Chunksize
	if chunksize == 0 {
		chunksize = DefaultChunksize()
	}
	return c.ReadChunks(ctx, query, chunksize)
}
