package sqlconn

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pipestream-io/pipestream/internal/connector"
	"github.com/pipestream-io/pipestream/internal/logging"
	"github.com/pipestream-io/pipestream/internal/pipe"
)

// pipesTable is the registry table every instance carries.
const pipesTable = "pipes"

// ensurePipesTable creates the registry table when absent. The id is
// assigned at insert time so the same statement works on every flavor.
func (c *SQLConnector) ensurePipesTable(ctx context.Context) error {
	if c.TableExists(ctx, pipesTable) {
		return nil
	}
	quoted := c.flavor.MustQuoteItem(pipesTable)
	stmt := fmt.Sprintf(
		"CREATE TABLE %s (%s %s PRIMARY KEY, %s %s, %s %s, %s %s, %s %s)",
		quoted,
		c.flavor.MustQuoteItem("pipe_id"), c.typeName("int"),
		c.flavor.MustQuoteItem("connector_keys"), c.keyColumnType(),
		c.flavor.MustQuoteItem("metric_key"), c.keyColumnType(),
		c.flavor.MustQuoteItem("location_key"), c.keyColumnType(),
		c.flavor.MustQuoteItem("parameters"), c.typeName("text"),
	)
	if _, err := c.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("creating pipes registry: %w", err)
	}
	logging.Info("created pipes registry on %s", c.Keys())
	return nil
}

// keyColumnType returns a key-sized string type; TEXT cannot be a key
// part on mysql, and oracle CLOBs do not compare.
func (c *SQLConnector) keyColumnType() string {
	switch c.flavor.Name {
	case "mysql", "mariadb":
		return "VARCHAR(255)"
	case "mssql":
		return "NVARCHAR(255)"
	case "oracle":
		return "VARCHAR2(255)"
	default:
		return "TEXT"
	}
}

// pipeWhere builds the identity predicate and args for one pipe, with
// placeholders numbered from start.
func (c *SQLConnector) pipeWhere(p *pipe.Pipe, start int) (string, []interface{}) {
	ck := c.flavor.MustQuoteItem("connector_keys")
	mk := c.flavor.MustQuoteItem("metric_key")
	lk := c.flavor.MustQuoteItem("location_key")

	clauses := []string{
		fmt.Sprintf("%s = %s", ck, c.flavor.Placeholder(start)),
		fmt.Sprintf("%s = %s", mk, c.flavor.Placeholder(start+1)),
	}
	args := []interface{}{p.ConnectorKeys(), p.MetricKey()}
	if p.LocationKey() == "" {
		clauses = append(clauses, lk+" IS NULL")
	} else {
		clauses = append(clauses, fmt.Sprintf("%s = %s", lk, c.flavor.Placeholder(start+2)))
		args = append(args, p.LocationKey())
	}
	return strings.Join(clauses, " AND "), args
}

// RegisterPipe persists the pipe's parameters in the registry.
func (c *SQLConnector) RegisterPipe(ctx context.Context, p *pipe.Pipe) error {
	if err := c.ensurePipesTable(ctx); err != nil {
		return err
	}
	if c.PipeExists(ctx, p) {
		return fmt.Errorf("pipe %s is already registered", p)
	}
	params, err := p.Parameters(ctx)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding parameters for %s: %w", p, err)
	}

	quoted := c.flavor.MustQuoteItem(pipesTable)
	idCol := c.flavor.MustQuoteItem("pipe_id")
	nextID, err := c.Value(ctx, fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s", idCol, quoted))
	if err != nil {
		return fmt.Errorf("allocating pipe id on %s: %w", c.Keys(), err)
	}

	var location interface{}
	if p.LocationKey() != "" {
		location = p.LocationKey()
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (%s, %s, %s, %s, %s)",
		quoted,
		idCol,
		c.flavor.MustQuoteItem("connector_keys"),
		c.flavor.MustQuoteItem("metric_key"),
		c.flavor.MustQuoteItem("location_key"),
		c.flavor.MustQuoteItem("parameters"),
		c.flavor.Placeholder(1), c.flavor.Placeholder(2), c.flavor.Placeholder(3),
		c.flavor.Placeholder(4), c.flavor.Placeholder(5),
	)
	if _, err := c.Exec(ctx, stmt, nextID, p.ConnectorKeys(), p.MetricKey(), location, string(doc)); err != nil {
		return fmt.Errorf("registering %s: %w", p, err)
	}
	logging.Info("registered pipe %s", p)
	return nil
}

// EditPipe rewrites the stored parameters document.
func (c *SQLConnector) EditPipe(ctx context.Context, p *pipe.Pipe) error {
	params, err := p.Parameters(ctx)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding parameters for %s: %w", p, err)
	}
	// The SET placeholder comes first in the statement text, so it
	// binds first on ?-style flavors too.
	where, args := c.pipeWhere(p, 2)
	paramCol := c.flavor.MustQuoteItem("parameters")
	stmt := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s",
		c.flavor.MustQuoteItem(pipesTable), paramCol,
		c.flavor.Placeholder(1), where)
	res, err := c.Exec(ctx, stmt, append([]interface{}{string(doc)}, args...)...)
	if err != nil {
		return fmt.Errorf("editing %s: %w", p, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pipe %s is not registered", p)
	}
	return nil
}

// DeletePipe removes the registration row. Rows in the pipe's own
// table are the caller's concern (Pipe.Delete drops them first).
func (c *SQLConnector) DeletePipe(ctx context.Context, p *pipe.Pipe) error {
	where, args := c.pipeWhere(p, 1)
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", c.flavor.MustQuoteItem(pipesTable), where)
	if _, err := c.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("deleting registration of %s: %w", p, err)
	}
	return nil
}

// PipeExists reports whether the pipe has a registration row.
func (c *SQLConnector) PipeExists(ctx context.Context, p *pipe.Pipe) bool {
	_, err := c.GetPipeID(ctx, p)
	return err == nil
}

// ErrPipeNotRegistered distinguishes "no such pipe" from real query
// failures.
var ErrPipeNotRegistered = errors.New("pipe is not registered")

// GetPipeID returns the registry id of the pipe.
func (c *SQLConnector) GetPipeID(ctx context.Context, p *pipe.Pipe) (int64, error) {
	where, args := c.pipeWhere(p, 1)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		c.flavor.MustQuoteItem("pipe_id"), c.flavor.MustQuoteItem(pipesTable), where)
	var id int64
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrPipeNotRegistered, p)
	}
	if err != nil {
		return 0, fmt.Errorf("looking up %s: %w", p, err)
	}
	return id, nil
}

// GetPipeAttributes returns the stored parameters document, an empty
// map for an unregistered pipe.
func (c *SQLConnector) GetPipeAttributes(ctx context.Context, p *pipe.Pipe) (map[string]interface{}, error) {
	where, args := c.pipeWhere(p, 1)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		c.flavor.MustQuoteItem("parameters"), c.flavor.MustQuoteItem(pipesTable), where)
	var doc sql.NullString
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching attributes of %s: %w", p, err)
	}
	params := map[string]interface{}{}
	if doc.Valid && doc.String != "" {
		if err := json.Unmarshal([]byte(doc.String), &params); err != nil {
			return nil, fmt.Errorf("decoding parameters of %s: %w", p, err)
		}
	}
	return params, nil
}

// FetchPipesKeys selects registered pipes matching the filter. Filter
// values beginning with "_" exclude; an empty-string location entry
// matches pipes with no location.
func (c *SQLConnector) FetchPipesKeys(ctx context.Context, filter pipe.KeysFilter) ([]pipe.Keys, error) {
	if !c.TableExists(ctx, pipesTable) {
		return nil, nil
	}
	var clauses []string
	var args []interface{}

	addKeyFilter := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		var include, exclude []string
		nullMatch := false
		for _, v := range values {
			switch {
			case v == "":
				nullMatch = true
			case strings.HasPrefix(v, connector.NegationPrefix):
				exclude = append(exclude, strings.TrimPrefix(v, connector.NegationPrefix))
			default:
				include = append(include, v)
			}
		}
		quoted := c.flavor.MustQuoteItem(column)
		var sub []string
		if len(include) > 0 {
			marks := make([]string, len(include))
			for i := range include {
				marks[i] = c.flavor.Placeholder(len(args) + i + 1)
			}
			for _, v := range include {
				args = append(args, v)
			}
			sub = append(sub, fmt.Sprintf("%s IN (%s)", quoted, strings.Join(marks, ", ")))
		}
		if nullMatch {
			sub = append(sub, quoted+" IS NULL")
		}
		if len(sub) > 0 {
			clauses = append(clauses, "("+strings.Join(sub, " OR ")+")")
		}
		if len(exclude) > 0 {
			marks := make([]string, len(exclude))
			for i := range exclude {
				marks[i] = c.flavor.Placeholder(len(args) + i + 1)
			}
			for _, v := range exclude {
				args = append(args, v)
			}
			clauses = append(clauses, fmt.Sprintf("(%s NOT IN (%s) OR %s IS NULL)",
				quoted, strings.Join(marks, ", "), quoted))
		}
	}

	addKeyFilter("connector_keys", filter.ConnectorKeys)
	addKeyFilter("metric_key", filter.MetricKeys)
	addKeyFilter("location_key", filter.LocationKeys)

	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s",
		c.flavor.MustQuoteItem("connector_keys"),
		c.flavor.MustQuoteItem("metric_key"),
		c.flavor.MustQuoteItem("location_key"),
		c.flavor.MustQuoteItem(pipesTable))
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s, %s, %s",
		c.flavor.MustQuoteItem("connector_keys"),
		c.flavor.MustQuoteItem("metric_key"),
		c.flavor.MustQuoteItem("location_key"))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching pipe keys on %s: %w", c.Keys(), err)
	}
	defer rows.Close()

	var out []pipe.Keys
	for rows.Next() {
		var ck, mk string
		var lk sql.NullString
		if err := rows.Scan(&ck, &mk, &lk); err != nil {
			return nil, fmt.Errorf("scanning pipe keys: %w", err)
		}
		out = append(out, pipe.Keys{
			ConnectorKeys: ck,
			MetricKey:     mk,
			LocationKey:   lk.String,
			InstanceKeys:  c.Keys(),
		})
	}
	return out, rows.Err()
}
