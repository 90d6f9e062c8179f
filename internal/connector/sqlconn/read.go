package sqlconn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pipestream-io/pipestream/internal/dataset"
	"github.com/pipestream-io/pipestream/internal/logging"
)

// UseDefaultChunksize selects the configured rows-per-chunk default.
const UseDefaultChunksize = -1

// HookResult is the outcome a chunk hook reports for one chunk.
type HookResult struct {
	Success bool
	Message string
}

// ChunkHook runs once per fetched chunk.
type ChunkHook func(chunk *dataset.Dataset, chunksize int) HookResult

// ReadOptions shape a Read call.
type ReadOptions struct {
	// Chunksize 0 reads everything in one fetch; UseDefaultChunksize
	// takes the configured default. No-chunk flavors always read in
	// one fetch regardless.
	Chunksize int

	// Chunks caps how many chunks are fetched; 0 means no cap.
	Chunks int

	// Hook runs per chunk; AsHookResults makes Read return only the
	// hook outcomes and discard the data.
	Hook          ChunkHook
	AsHookResults bool

	// AsChunks keeps chunk boundaries in the result instead of
	// concatenating.
	AsChunks bool

	// Params are bind parameters for the query.
	Params []interface{}
}

// ReadResult is what a Read call produced. Exactly one of Data,
// Chunks, or HookResults is meaningful, per the options.
type ReadResult struct {
	Data        *dataset.Dataset
	Chunks      []*dataset.Dataset
	HookResults []HookResult
}

// Read runs a query and gathers its rows, chunked when requested.
func (c *SQLConnector) Read(ctx context.Context, query string, opts ReadOptions) (*ReadResult, error) {
	reader, err := c.ReadChunks(ctx, query, opts.Chunksize, opts.Params...)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	result := &ReadResult{}
	var combined *dataset.Dataset
	for chunkIdx := 0; ; chunkIdx++ {
		if opts.Chunks > 0 && chunkIdx >= opts.Chunks {
			break
		}
		chunk, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			break
		}
		if opts.Hook != nil {
			hr := opts.Hook(chunk, reader.Chunksize())
			result.HookResults = append(result.HookResults, hr)
			if opts.AsHookResults {
				continue
			}
		}
		if opts.AsChunks {
			result.Chunks = append(result.Chunks, chunk)
			continue
		}
		if combined == nil {
			combined = chunk
		} else {
			combined.Rows = append(combined.Rows, chunk.Rows...)
		}
	}

	if opts.AsHookResults {
		return result, nil
	}
	if opts.AsChunks {
		return result, nil
	}
	if combined == nil {
		combined = dataset.New(reader.Columns()...)
	}
	result.Data = combined
	return result, nil
}

// ChunkReader iterates a result set chunk by chunk. It is restartable
// in the sense that the caller decides when to pull the next chunk;
// the connection stays owned until Close.
type ChunkReader struct {
	rows      *sql.Rows
	columns   []string
	chunksize int
	done      bool
}

// ReadChunks starts a chunked read. A chunksize of 0 (or any size on a
// no-chunk flavor) yields the whole result as one chunk.
func (c *SQLConnector) ReadChunks(ctx context.Context, query string, chunksize int, params ...interface{}) (*ChunkReader, error) {
	if chunksize == UseDefaultChunksize {
		chunksize = DefaultChunksize()
	}
	if chunksize < 0 {
		return nil, fmt.Errorf("invalid chunksize %d", chunksize)
	}
	if c.flavor.NoChunks && chunksize != 0 {
		logging.Debug("flavor %s cannot stream chunks; reading %s in one fetch", c.flavor.Name, c.Keys())
		chunksize = 0
	}

	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query on %s: %w", c.Keys(), err)
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("reading columns on %s: %w", c.Keys(), err)
	}
	return &ChunkReader{rows: rows, columns: columns, chunksize: chunksize}, nil
}

// Columns returns the result set's column names.
func (r *ChunkReader) Columns() []string { return r.columns }

// Chunksize returns the effective rows-per-chunk, 0 for unchunked.
func (r *ChunkReader) Chunksize() int { return r.chunksize }

// Next returns the next chunk, or nil when the result set is drained.
func (r *ChunkReader) Next() (*dataset.Dataset, error) {
	if r.done {
		return nil, nil
	}
	chunk := dataset.New(r.columns...)
	for r.rows.Next() {
		values := make([]interface{}, len(r.columns))
		ptrs := make([]interface{}, len(r.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		chunk.Rows = append(chunk.Rows, values)
		if r.chunksize > 0 && len(chunk.Rows) >= r.chunksize {
			return chunk, nil
		}
	}
	r.done = true
	if err := r.rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if chunk.Empty() {
		return nil, nil
	}
	return chunk, nil
}

// Close releases the underlying cursor.
func (r *ChunkReader) Close() error {
	return r.rows.Close()
}
