package apiconn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pipestream-io/pipestream/internal/dataset"
	"github.com/pipestream-io/pipestream/internal/pipe"
)

var (
	_ pipe.Instance = (*APIConnector)(nil)
	_ pipe.Source   = (*APIConnector)(nil)
)

// datasetPayload is the wire shape of a dataset.
type datasetPayload struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

func toPayload(ds *dataset.Dataset) datasetPayload {
	if ds == nil {
		return datasetPayload{}
	}
	return datasetPayload{Columns: ds.Columns, Rows: ds.Rows}
}

func fromPayload(p datasetPayload) *dataset.Dataset {
	ds := dataset.New(p.Columns...)
	ds.Rows = p.Rows
	return ds
}

// pipePath renders the pipe's endpoint prefix. An empty location is
// spelled "None" in the path.
func pipePath(p *pipe.Pipe) string {
	loc := p.LocationKey()
	if loc == "" {
		loc = "None"
	}
	return fmt.Sprintf("/api/pipes/%s/%s/%s",
		url.PathEscape(p.ConnectorKeys()),
		url.PathEscape(p.MetricKey()),
		url.PathEscape(loc))
}

func boundsQuery(begin, end *time.Time) url.Values {
	q := url.Values{}
	if begin != nil {
		q.Set("begin", begin.UTC().Format(time.RFC3339Nano))
	}
	if end != nil {
		q.Set("end", end.UTC().Format(time.RFC3339Nano))
	}
	return q
}

type registerRequest struct {
	ConnectorKeys string                 `json:"connector_keys"`
	MetricKey     string                 `json:"metric_key"`
	LocationKey   *string                `json:"location_key"`
	Parameters    map[string]interface{} `json:"parameters"`
}

// RegisterPipe creates the pipe's registry entry on the remote
// instance.
func (c *APIConnector) RegisterPipe(ctx context.Context, p *pipe.Pipe) error {
	params, err := p.Parameters(ctx)
	if err != nil {
		return err
	}
	req := registerRequest{
		ConnectorKeys: p.ConnectorKeys(),
		MetricKey:     p.MetricKey(),
		Parameters:    params,
	}
	if loc := p.LocationKey(); loc != "" {
		req.LocationKey = &loc
	}
	return c.do(ctx, http.MethodPost, "/api/pipes", nil, req, nil)
}

// EditPipe replaces the remote parameters document.
func (c *APIConnector) EditPipe(ctx context.Context, p *pipe.Pipe) error {
	params, err := p.Parameters(ctx)
	if err != nil {
		return err
	}
	body := map[string]interface{}{"parameters": params}
	return c.do(ctx, http.MethodPatch, pipePath(p), nil, body, nil)
}

// DeletePipe removes the remote registry entry.
func (c *APIConnector) DeletePipe(ctx context.Context, p *pipe.Pipe) error {
	return c.do(ctx, http.MethodDelete, pipePath(p), nil, nil, nil)
}

// PipeExists reports whether the remote instance knows the pipe.
// Transport errors read as absent.
func (c *APIConnector) PipeExists(ctx context.Context, p *pipe.Pipe) bool {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.do(ctx, http.MethodGet, pipePath(p)+"/exists", nil, nil, &out); err != nil {
		return false
	}
	return out.Exists
}

// GetPipeID returns the remote registry id.
func (c *APIConnector) GetPipeID(ctx context.Context, p *pipe.Pipe) (int64, error) {
	var out struct {
		PipeID int64 `json:"pipe_id"`
	}
	if err := c.do(ctx, http.MethodGet, pipePath(p)+"/id", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.PipeID, nil
}

// GetPipeAttributes fetches the remote parameters document. A pipe the
// remote does not know yields an empty map.
func (c *APIConnector) GetPipeAttributes(ctx context.Context, p *pipe.Pipe) (map[string]interface{}, error) {
	var out struct {
		Parameters map[string]interface{} `json:"parameters"`
	}
	err := c.do(ctx, http.MethodGet, pipePath(p)+"/attributes", nil, nil, &out)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return map[string]interface{}{}, nil
		}
		return nil, err
	}
	if out.Parameters == nil {
		out.Parameters = map[string]interface{}{}
	}
	return out.Parameters, nil
}

// FetchPipesKeys lists remote pipes matching the filter. The remote
// side applies the same negation and null-location rules as the sql
// registry.
func (c *APIConnector) FetchPipesKeys(ctx context.Context, filter pipe.KeysFilter) ([]pipe.Keys, error) {
	q := url.Values{}
	if len(filter.ConnectorKeys) > 0 {
		q.Set("connector_keys", strings.Join(filter.ConnectorKeys, ","))
	}
	if len(filter.MetricKeys) > 0 {
		q.Set("metric_keys", strings.Join(filter.MetricKeys, ","))
	}
	if len(filter.LocationKeys) > 0 {
		q.Set("location_keys", strings.Join(filter.LocationKeys, ","))
	}
	var out []struct {
		ConnectorKeys string  `json:"connector_keys"`
		MetricKey     string  `json:"metric_key"`
		LocationKey   *string `json:"location_key"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/pipes", q, nil, &out); err != nil {
		return nil, err
	}
	keys := make([]pipe.Keys, 0, len(out))
	for _, row := range out {
		loc := ""
		if row.LocationKey != nil {
			loc = *row.LocationKey
		}
		keys = append(keys, pipe.Keys{
			ConnectorKeys: row.ConnectorKeys,
			MetricKey:     row.MetricKey,
			LocationKey:   loc,
			InstanceKeys:  c.Keys(),
		})
	}
	return keys, nil
}

// SyncPipe posts rows to the remote pipe. The remote runs its own
// dedup and write, so the response message is passed through verbatim.
func (c *APIConnector) SyncPipe(ctx context.Context, p *pipe.Pipe, ds *dataset.Dataset) (bool, string) {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, pipePath(p)+"/data", nil, toPayload(ds), &out); err != nil {
		return false, err.Error()
	}
	return out.Success, out.Message
}

// GetPipeData reads the remote pipe's rows within the bounds.
func (c *APIConnector) GetPipeData(ctx context.Context, p *pipe.Pipe, opts pipe.DataOptions) (*dataset.Dataset, error) {
	q := boundsQuery(opts.Begin, opts.End)
	var out datasetPayload
	if err := c.do(ctx, http.MethodGet, pipePath(p)+"/data", q, nil, &out); err != nil {
		return nil, err
	}
	return fromPayload(out), nil
}

// GetBacktrackData reads rows from backtrackMinutes before begin
// onward.
func (c *APIConnector) GetBacktrackData(ctx context.Context, p *pipe.Pipe, backtrackMinutes int, begin *time.Time) (*dataset.Dataset, error) {
	q := boundsQuery(begin, nil)
	q.Set("backtrack_minutes", strconv.Itoa(backtrackMinutes))
	var out datasetPayload
	if err := c.do(ctx, http.MethodGet, pipePath(p)+"/backtrack_data", q, nil, &out); err != nil {
		return nil, err
	}
	return fromPayload(out), nil
}

// GetSyncTime asks the remote for the pipe's newest or oldest datetime
// value.
func (c *APIConnector) GetSyncTime(ctx context.Context, p *pipe.Pipe, newest, roundDown bool) (time.Time, bool, error) {
	q := url.Values{}
	q.Set("newest", strconv.FormatBool(newest))
	q.Set("round_down", strconv.FormatBool(roundDown))
	var out struct {
		SyncTime *string `json:"sync_time"`
	}
	if err := c.do(ctx, http.MethodGet, pipePath(p)+"/sync_time", q, nil, &out); err != nil {
		return time.Time{}, false, err
	}
	if out.SyncTime == nil || *out.SyncTime == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *out.SyncTime)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing sync time %q from %s: %w", *out.SyncTime, c.Keys(), err)
	}
	return t, true, nil
}

// GetPipeRowCount counts remote rows within the bounds.
func (c *APIConnector) GetPipeRowCount(ctx context.Context, p *pipe.Pipe, opts pipe.DataOptions) (int64, error) {
	q := boundsQuery(opts.Begin, opts.End)
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, pipePath(p)+"/rowcount", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// GetPipeColumnsTypes returns the remote table's column names and
// backend type names. A missing table reads as nil.
func (c *APIConnector) GetPipeColumnsTypes(ctx context.Context, p *pipe.Pipe) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, pipePath(p)+"/columns/types", nil, nil, &out)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// DropPipe drops the remote table, keeping the registration.
func (c *APIConnector) DropPipe(ctx context.Context, p *pipe.Pipe) error {
	return c.do(ctx, http.MethodPost, pipePath(p)+"/drop", nil, nil, nil)
}

// ClearPipe deletes remote rows within [begin, end).
func (c *APIConnector) ClearPipe(ctx context.Context, p *pipe.Pipe, begin, end *time.Time) error {
	return c.do(ctx, http.MethodPost, pipePath(p)+"/clear", boundsQuery(begin, end), nil, nil)
}

// Fetch lets a remote instance act as a pipe's source: the rows are
// the remote pipe's own data within the bounds.
func (c *APIConnector) Fetch(ctx context.Context, p *pipe.Pipe, opts pipe.FetchOptions) (*dataset.Dataset, error) {
	return c.GetPipeData(ctx, p, pipe.DataOptions{Begin: opts.Begin, End: opts.End})
}
