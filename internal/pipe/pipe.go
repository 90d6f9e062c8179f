// Package pipe defines the Pipe, the unit of synchronization: a
// stream of rows identified by connector, metric, and optional
// location, stored on an instance connector.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pipestream-io/pipestream/internal/connector"
	"github.com/pipestream-io/pipestream/internal/dataset"
)

// Column roles inside the pipe's "columns" parameter map.
const (
	RoleDatetime = "datetime"
	RoleID       = "id"
	RoleValue    = "value"
)

// ErrMissingColumn is wrapped by the strict column lookup when a role
// has no configured column.
var ErrMissingColumn = errors.New("no column configured for role")

// Keys identifies a pipe on one instance. Equality of two pipes is
// equality of their Keys values.
type Keys struct {
	ConnectorKeys string
	MetricKey     string
	// LocationKey "" means the pipe has no location.
	LocationKey  string
	InstanceKeys string
}

// String renders the identity the way operators write it.
func (k Keys) String() string {
	loc := k.LocationKey
	if loc == "" {
		loc = "None"
	}
	return fmt.Sprintf("%s_%s_%s (instance %s)", k.ConnectorKeys, k.MetricKey, loc, k.InstanceKeys)
}

// Pipe is one synchronizable stream of rows.
type Pipe struct {
	connectorKeys string
	metricKey     string
	locationKey   string
	instanceKeys  string

	mu         sync.Mutex
	parameters map[string]interface{}
	fetched    bool

	cachePipe *Pipe
}

// Option configures a Pipe at construction.
type Option func(*Pipe)

// WithInstance overrides the default instance connector keys.
func WithInstance(keys string) Option {
	return func(p *Pipe) { p.instanceKeys = keys }
}

// WithParameters seeds the parameters document, skipping the lazy
// fetch from the instance store.
func WithParameters(params map[string]interface{}) Option {
	return func(p *Pipe) {
		p.parameters = params
		p.fetched = true
	}
}

// defaultInstance is the fallback instance connector keys, settable
// from the loaded configuration.
var (
	defaultInstanceMu sync.Mutex
	defaultInstance   = "sql:main"
)

// SetDefaultInstance sets the instance keys used when a pipe does not
// name one.
func SetDefaultInstance(keys string) {
	defaultInstanceMu.Lock()
	defer defaultInstanceMu.Unlock()
	if keys != "" {
		defaultInstance = keys
	}
}

// DefaultInstance returns the configured default instance keys.
func DefaultInstance() string {
	defaultInstanceMu.Lock()
	defer defaultInstanceMu.Unlock()
	return defaultInstance
}

// New builds a pipe. locationKey may be empty. Identity components may
// not begin with the reserved negation prefix.
func New(connectorKeys, metricKey, locationKey string, opts ...Option) (*Pipe, error) {
	if connectorKeys == "" || metricKey == "" {
		return nil, fmt.Errorf("a pipe needs connector keys and a metric key")
	}
	for _, part := range []string{connectorKeys, metricKey, locationKey} {
		if strings.HasPrefix(part, connector.NegationPrefix) {
			return nil, fmt.Errorf("pipe key %q may not begin with the reserved prefix %q",
				part, connector.NegationPrefix)
		}
	}
	p := &Pipe{
		connectorKeys: connectorKeys,
		metricKey:     metricKey,
		locationKey:   locationKey,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.instanceKeys == "" {
		p.instanceKeys = DefaultInstance()
	}
	return p, nil
}

func (p *Pipe) ConnectorKeys() string { return p.connectorKeys }
func (p *Pipe) MetricKey() string     { return p.metricKey }
func (p *Pipe) LocationKey() string   { return p.locationKey }
func (p *Pipe) InstanceKeys() string  { return p.instanceKeys }

// Keys returns the pipe's identity. Two pipes are the same pipe
// exactly when their Keys are equal.
func (p *Pipe) Keys() Keys {
	return Keys{
		ConnectorKeys: p.connectorKeys,
		MetricKey:     p.metricKey,
		LocationKey:   p.locationKey,
		InstanceKeys:  p.instanceKeys,
	}
}

func (p *Pipe) String() string { return p.Keys().String() }

// TargetName returns the deterministic table name: connector keys with
// ":" flattened to "_", then the metric, then the location when set.
// Physical truncation to the flavor's limit happens at quote time.
func (p *Pipe) TargetName() string {
	name := strings.ReplaceAll(p.connectorKeys, ":", "_") + "_" + p.metricKey
	if p.locationKey != "" {
		name += "_" + p.locationKey
	}
	return name
}

// Instance is the metadata and row store a pipe lives on. The sql and
// api connector types implement it.
type Instance interface {
	RegisterPipe(ctx context.Context, p *Pipe) error
	EditPipe(ctx context.Context, p *Pipe) error
	DeletePipe(ctx context.Context, p *Pipe) error
	PipeExists(ctx context.Context, p *Pipe) bool
	GetPipeID(ctx context.Context, p *Pipe) (int64, error)
	GetPipeAttributes(ctx context.Context, p *Pipe) (map[string]interface{}, error)
	FetchPipesKeys(ctx context.Context, filter KeysFilter) ([]Keys, error)

	SyncPipe(ctx context.Context, p *Pipe, ds *dataset.Dataset) (bool, string)
	GetPipeData(ctx context.Context, p *Pipe, opts DataOptions) (*dataset.Dataset, error)
	GetBacktrackData(ctx context.Context, p *Pipe, backtrackMinutes int, begin *time.Time) (*dataset.Dataset, error)
	GetSyncTime(ctx context.Context, p *Pipe, newest, roundDown bool) (time.Time, bool, error)
	GetPipeRowCount(ctx context.Context, p *Pipe, opts DataOptions) (int64, error)
	GetPipeColumnsTypes(ctx context.Context, p *Pipe) (map[string]string, error)
	DropPipe(ctx context.Context, p *Pipe) error
	ClearPipe(ctx context.Context, p *Pipe, begin, end *time.Time) error
}

// Source is a connector a pipe can fetch new rows from.
type Source interface {
	Fetch(ctx context.Context, p *Pipe, opts FetchOptions) (*dataset.Dataset, error)
}

// ChunkIter walks fetched data chunk by chunk; Next returns nil at the
// end of the stream.
type ChunkIter interface {
	Next() (*dataset.Dataset, error)
	Close() error
}

// ChunkSource is a Source that can stream its fetch in chunks.
type ChunkSource interface {
	FetchChunks(ctx context.Context, p *Pipe, opts FetchOptions) (ChunkIter, error)
}

// FetchOptions bound a fetch.
type FetchOptions struct {
	Begin *time.Time
	End   *time.Time
	// Chunksize 0 means unchunked.
	Chunksize int
}

// DataOptions bound a read of the pipe's own table.
type DataOptions struct {
	Begin *time.Time
	End   *time.Time
	// Params filter by column: scalar equality, slice membership,
	// nil for IS NULL.
	Params map[string]interface{}
}

// instance resolves the pipe's instance connector.
func (p *Pipe) instance() (Instance, error) {
	c, err := connector.Get(p.instanceKeys)
	if err != nil {
		return nil, fmt.Errorf("resolving instance for %s: %w", p, err)
	}
	inst, ok := c.(Instance)
	if !ok {
		return nil, fmt.Errorf("connector %s cannot store pipes", p.instanceKeys)
	}
	return inst, nil
}

// source resolves the pipe's source connector.
func (p *Pipe) source() (connector.Connector, error) {
	c, err := connector.Get(p.connectorKeys)
	if err != nil {
		return nil, fmt.Errorf("resolving source for %s: %w", p, err)
	}
	return c, nil
}
