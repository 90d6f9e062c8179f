package pipe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pipestream-io/pipestream/internal/connector"
	"github.com/pipestream-io/pipestream/internal/dataset"
)

// memInstance is an in-memory Instance for sync tests.
type memInstance struct {
	label string

	mu         sync.Mutex
	registered map[Keys]map[string]interface{}
	tables     map[string]*dataset.Dataset
	syncFails  int
	syncCalls  int
}

func (m *memInstance) Keys() string                   { return "mem:" + m.label }
func (m *memInstance) Type() string                   { return "mem" }
func (m *memInstance) Label() string                  { return m.label }
func (m *memInstance) Test(ctx context.Context) error { return nil }
func (m *memInstance) Close() error                   { return nil }

func (m *memInstance) RegisterPipe(ctx context.Context, p *Pipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[p.Keys()]; ok {
		return fmt.Errorf("pipe %s is already registered", p)
	}
	params, err := p.Parameters(ctx)
	if err != nil {
		return err
	}
	m.registered[p.Keys()] = params
	return nil
}

func (m *memInstance) EditPipe(ctx context.Context, p *Pipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[p.Keys()]; !ok {
		return fmt.Errorf("pipe %s is not registered", p)
	}
	params, err := p.Parameters(ctx)
	if err != nil {
		return err
	}
	m.registered[p.Keys()] = params
	return nil
}

func (m *memInstance) DeletePipe(ctx context.Context, p *Pipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, p.Keys())
	return nil
}

func (m *memInstance) PipeExists(ctx context.Context, p *Pipe) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registered[p.Keys()]
	return ok
}

func (m *memInstance) GetPipeID(ctx context.Context, p *Pipe) (int64, error) {
	if !m.PipeExists(ctx, p) {
		return 0, fmt.Errorf("pipe %s is not registered", p)
	}
	return 1, nil
}

func (m *memInstance) GetPipeAttributes(ctx context.Context, p *Pipe) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if params, ok := m.registered[p.Keys()]; ok {
		return params, nil
	}
	return map[string]interface{}{}, nil
}

func (m *memInstance) FetchPipesKeys(ctx context.Context, filter KeysFilter) ([]Keys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Keys
	for k := range m.registered {
		out = append(out, k)
	}
	return out, nil
}

func (m *memInstance) SyncPipe(ctx context.Context, p *Pipe, ds *dataset.Dataset) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCalls++
	if m.syncFails > 0 {
		m.syncFails--
		return false, "simulated write failure"
	}
	name := p.TargetName()
	table, ok := m.tables[name]
	if !ok {
		table = dataset.New(ds.Columns...)
		m.tables[name] = table
	}
	table.Rows = append(table.Rows, ds.Rows...)
	return true, fmt.Sprintf("wrote %d rows", ds.Len())
}

func (m *memInstance) dtColumn(ctx context.Context, p *Pipe) string {
	col, _, _ := p.GetColumn(ctx, RoleDatetime)
	return col
}

func (m *memInstance) GetPipeData(ctx context.Context, p *Pipe, opts DataOptions) (*dataset.Dataset, error) {
	dtCol := m.dtColumn(ctx, p)
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[p.TargetName()]
	if !ok {
		return nil, nil
	}
	out := dataset.New(table.Columns...)
	idx := table.ColumnIndex(dtCol)
	for _, row := range table.Rows {
		if idx >= 0 && (opts.Begin != nil || opts.End != nil) {
			t, isTime := dataset.AsTime(row[idx])
			if !isTime {
				continue
			}
			if opts.Begin != nil && t.Before(*opts.Begin) {
				continue
			}
			if opts.End != nil && t.After(*opts.End) {
				continue
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func (m *memInstance) GetBacktrackData(ctx context.Context, p *Pipe, backtrackMinutes int, begin *time.Time) (*dataset.Dataset, error) {
	if begin == nil {
		st, found, err := m.GetSyncTime(ctx, p, true, false)
		if err != nil || !found {
			return nil, err
		}
		begin = &st
	}
	from := begin.Add(-time.Duration(backtrackMinutes) * time.Minute)
	return m.GetPipeData(ctx, p, DataOptions{Begin: &from})
}

func (m *memInstance) GetSyncTime(ctx context.Context, p *Pipe, newest, roundDown bool) (time.Time, bool, error) {
	dtCol := m.dtColumn(ctx, p)
	m.mu.Lock()
	table, ok := m.tables[p.TargetName()]
	m.mu.Unlock()
	if !ok || dtCol == "" {
		return time.Time{}, false, nil
	}
	min, max, haveBounds := table.TimeBounds(dtCol)
	if !haveBounds {
		return time.Time{}, false, nil
	}
	t := max
	if !newest {
		t = min
	}
	if roundDown {
		t = t.Truncate(time.Minute)
	}
	return t, true, nil
}

func (m *memInstance) GetPipeRowCount(ctx context.Context, p *Pipe, opts DataOptions) (int64, error) {
	ds, err := m.GetPipeData(ctx, p, opts)
	if err != nil {
		return 0, err
	}
	return int64(ds.Len()), nil
}

func (m *memInstance) GetPipeColumnsTypes(ctx context.Context, p *Pipe) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[p.TargetName()]
	if !ok {
		return nil, nil
	}
	out := map[string]string{}
	for _, col := range table.Columns {
		switch col {
		case "dt":
			out[col] = "TIMESTAMP"
		case "station":
			out[col] = "TEXT"
		default:
			out[col] = "DOUBLE PRECISION"
		}
	}
	return out, nil
}

func (m *memInstance) DropPipe(ctx context.Context, p *Pipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, p.TargetName())
	return nil
}

func (m *memInstance) ClearPipe(ctx context.Context, p *Pipe, begin, end *time.Time) error {
	dtCol := m.dtColumn(ctx, p)
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[p.TargetName()]
	if !ok || dtCol == "" {
		return nil
	}
	idx := table.ColumnIndex(dtCol)
	kept := table.Rows[:0]
	for _, row := range table.Rows {
		t, isTime := dataset.AsTime(row[idx])
		drop := isTime
		if begin != nil && (!isTime || t.Before(*begin)) {
			drop = false
		}
		if end != nil && isTime && !t.Before(*end) {
			drop = false
		}
		if !drop {
			kept = append(kept, row)
		}
	}
	table.Rows = kept
	return nil
}

// memSource replays a preset dataset, bounded by Begin.
type memSource struct {
	label string

	mu        sync.Mutex
	data      *dataset.Dataset
	dtCol     string
	lastBegin *time.Time
}

func (m *memSource) Keys() string                   { return "mem:" + m.label }
func (m *memSource) Type() string                   { return "mem" }
func (m *memSource) Label() string                  { return m.label }
func (m *memSource) Test(ctx context.Context) error { return nil }
func (m *memSource) Close() error                   { return nil }

func (m *memSource) Fetch(ctx context.Context, p *Pipe, opts FetchOptions) (*dataset.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBegin = opts.Begin
	out := dataset.New(m.data.Columns...)
	idx := m.data.ColumnIndex(m.dtCol)
	for _, row := range m.data.Rows {
		if opts.Begin != nil && idx >= 0 {
			t, isTime := dataset.AsTime(row[idx])
			if isTime && t.Before(*opts.Begin) {
				continue
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

type sliceIter struct {
	chunks []*dataset.Dataset
	pos    int
}

func (it *sliceIter) Next() (*dataset.Dataset, error) {
	if it.pos >= len(it.chunks) {
		return nil, nil
	}
	chunk := it.chunks[it.pos]
	it.pos++
	return chunk, nil
}

func (it *sliceIter) Close() error { return nil }

func (m *memSource) FetchChunks(ctx context.Context, p *Pipe, opts FetchOptions) (ChunkIter, error) {
	ds, err := m.Fetch(ctx, p, opts)
	if err != nil {
		return nil, err
	}
	size := opts.Chunksize
	if size <= 0 {
		size = 2
	}
	var chunks []*dataset.Dataset
	for from := 0; from < ds.Len(); from += size {
		chunks = append(chunks, ds.Slice(from, from+size))
	}
	return &sliceIter{chunks: chunks}, nil
}

var (
	memMu      sync.Mutex
	memConns   = map[string]connector.Connector{}
	memSetupDo sync.Once
)

// setupMem registers the in-memory connector type once and installs
// the given connectors for lookup.
func setupMem(t *testing.T, conns ...connector.Connector) {
	t.Helper()
	memSetupDo.Do(func() {
		connector.Register("mem", func(label string, attrs map[string]interface{}) (connector.Connector, error) {
			memMu.Lock()
			defer memMu.Unlock()
			if c, ok := memConns["mem:"+label]; ok {
				return c, nil
			}
			return nil, fmt.Errorf("no mem connector %q", label)
		})
	})
	memMu.Lock()
	for _, c := range conns {
		memConns[c.Keys()] = c
	}
	memMu.Unlock()
	connector.SetAttributeSource(func(keys string) (map[string]interface{}, bool) {
		memMu.Lock()
		defer memMu.Unlock()
		_, ok := memConns[keys]
		return map[string]interface{}{}, ok
	})
}

func newMemInstance(label string) *memInstance {
	return &memInstance{
		label:      label,
		registered: map[Keys]map[string]interface{}{},
		tables:     map[string]*dataset.Dataset{},
	}
}

func dt(day int) time.Time {
	return time.Date(2023, 1, day, 0, 0, 0, 0, time.UTC)
}

func energyData(days ...int) *dataset.Dataset {
	ds := dataset.New("dt", "val")
	for _, d := range days {
		ds.Rows = append(ds.Rows, []interface{}{dt(d), float64(d * 10)})
	}
	return ds
}

func energyPipe(t *testing.T, inst *memInstance, src *memSource) *Pipe {
	t.Helper()
	p, err := New(src.Keys(), "energy", "",
		WithInstance(inst.Keys()),
		WithParameters(map[string]interface{}{
			"columns": map[string]interface{}{"datetime": "dt"},
		}))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSyncScenario(t *testing.T) {
	inst := newMemInstance("inst")
	src := &memSource{label: "csv", dtCol: "dt", data: energyData(1, 2, 3)}
	setupMem(t, inst, src)
	p := energyPipe(t, inst, src)
	ctx := context.Background()

	// First sync: 3 rows fetched and written, pipe auto-registered.
	result := p.Sync(ctx, SyncOptions{})
	if !result.Success {
		t.Fatalf("sync failed: %s", result.Message)
	}
	if result.Inserted != 3 {
		t.Errorf("inserted = %d, want 3", result.Inserted)
	}
	if !inst.PipeExists(ctx, p) {
		t.Error("sync should register the pipe")
	}

	// Second sync of the same data: nothing new.
	result = p.Sync(ctx, SyncOptions{})
	if !result.Success {
		t.Fatalf("re-sync failed: %s", result.Message)
	}
	if result.Inserted != 0 {
		t.Errorf("re-sync inserted %d rows, want 0", result.Inserted)
	}

	// One appended source row: exactly one new row lands.
	src.mu.Lock()
	src.data.Rows = append(src.data.Rows, []interface{}{dt(4), 40.0})
	src.mu.Unlock()

	result = p.Sync(ctx, SyncOptions{})
	if !result.Success {
		t.Fatalf("incremental sync failed: %s", result.Message)
	}
	if result.Inserted != 1 {
		t.Errorf("incremental sync inserted %d rows, want 1", result.Inserted)
	}

	count, err := p.GetRowCount(ctx, DataOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("row count = %d, want 4", count)
	}
}

func TestSyncBeginDefaultsToSyncTime(t *testing.T) {
	inst := newMemInstance("inst2")
	src := &memSource{label: "csv2", dtCol: "dt", data: energyData(1, 2)}
	setupMem(t, inst, src)
	p := energyPipe(t, inst, src)
	ctx := context.Background()

	if result := p.Sync(ctx, SyncOptions{}); !result.Success {
		t.Fatalf("sync failed: %s", result.Message)
	}
	if result := p.Sync(ctx, SyncOptions{}); !result.Success {
		t.Fatalf("re-sync failed: %s", result.Message)
	}

	src.mu.Lock()
	got := src.lastBegin
	src.mu.Unlock()
	if got == nil {
		t.Fatal("second sync should pass the last sync time as begin")
	}
	if !got.Equal(dt(2)) {
		t.Errorf("begin = %v, want %v", got, dt(2))
	}
}

func TestSyncIncludesRowAtSyncTimeBoundary(t *testing.T) {
	inst := newMemInstance("inst6")
	src := &memSource{label: "csv6", dtCol: "dt", data: energyData(1, 2)}
	setupMem(t, inst, src)
	p := energyPipe(t, inst, src)
	ctx := context.Background()

	if result := p.Sync(ctx, SyncOptions{}); !result.Success {
		t.Fatalf("sync failed: %s", result.Message)
	}

	// A late reading lands with the same timestamp as the newest row.
	// The next sync fetches from that timestamp inclusively, so the
	// row is picked up and only the already-present one dedups away.
	src.mu.Lock()
	src.data.Rows = append(src.data.Rows, []interface{}{dt(2), 99.0})
	src.mu.Unlock()

	result := p.Sync(ctx, SyncOptions{})
	if !result.Success {
		t.Fatalf("re-sync failed: %s", result.Message)
	}
	if result.Inserted != 1 {
		t.Errorf("inserted = %d, want the boundary row", result.Inserted)
	}
	count, err := p.GetRowCount(ctx, DataOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("row count = %d, want 3", count)
	}
}

func TestSyncBacktrackWidensBegin(t *testing.T) {
	inst := newMemInstance("inst7")
	src := &memSource{label: "csv7", dtCol: "dt", data: energyData(1, 2)}
	setupMem(t, inst, src)
	p := energyPipe(t, inst, src)
	ctx := context.Background()

	if result := p.Sync(ctx, SyncOptions{}); !result.Success {
		t.Fatalf("sync failed: %s", result.Message)
	}

	result := p.Sync(ctx, SyncOptions{BacktrackMinutes: 90})
	if !result.Success {
		t.Fatalf("backtrack sync failed: %s", result.Message)
	}
	src.mu.Lock()
	got := src.lastBegin
	src.mu.Unlock()
	want := dt(2).Add(-90 * time.Minute)
	if got == nil || !got.Equal(want) {
		t.Errorf("begin = %v, want %v", got, want)
	}
	if result.Inserted != 0 {
		t.Errorf("refetched rows should dedup away, inserted %d", result.Inserted)
	}

	// An explicit begin is taken as given.
	explicit := dt(1)
	if result := p.Sync(ctx, SyncOptions{Begin: &explicit, BacktrackMinutes: 90}); !result.Success {
		t.Fatalf("explicit-begin sync failed: %s", result.Message)
	}
	src.mu.Lock()
	got = src.lastBegin
	src.mu.Unlock()
	if got == nil || !got.Equal(explicit) {
		t.Errorf("begin = %v, want %v untouched", got, explicit)
	}
}

func TestSyncChunked(t *testing.T) {
	inst := newMemInstance("inst3")
	src := &memSource{label: "csv3", dtCol: "dt", data: energyData(1, 2, 3, 4, 5)}
	setupMem(t, inst, src)
	p := energyPipe(t, inst, src)
	ctx := context.Background()

	var hookInserted []int
	result := p.Sync(ctx, SyncOptions{
		SyncChunks: true,
		Chunksize:  2,
		ChunkHook: func(chunk *dataset.Dataset, inserted int) {
			hookInserted = append(hookInserted, inserted)
		},
	})
	if !result.Success {
		t.Fatalf("chunked sync failed: %s", result.Message)
	}
	if result.Inserted != 5 {
		t.Errorf("inserted = %d, want 5", result.Inserted)
	}
	if result.Chunks != 3 {
		t.Errorf("chunks = %d, want 3", result.Chunks)
	}
	if len(hookInserted) != 3 {
		t.Errorf("hook ran %d times, want 3", len(hookInserted))
	}
}

func TestSyncForceRetries(t *testing.T) {
	inst := newMemInstance("inst4")
	src := &memSource{label: "csv4", dtCol: "dt", data: energyData(1)}
	setupMem(t, inst, src)
	p := energyPipe(t, inst, src)
	ctx := context.Background()

	inst.mu.Lock()
	inst.syncFails = 2
	inst.mu.Unlock()

	result := p.Sync(ctx, SyncOptions{Force: true, Retries: 5, MinSeconds: 1})
	if !result.Success {
		t.Fatalf("forced sync should eventually succeed: %s", result.Message)
	}

	// Without force, a single failure is final.
	inst.mu.Lock()
	inst.syncFails = 1
	inst.syncCalls = 0
	inst.mu.Unlock()
	src.mu.Lock()
	src.data.Rows = append(src.data.Rows, []interface{}{dt(2), 20.0})
	src.mu.Unlock()

	result = p.Sync(ctx, SyncOptions{})
	if result.Success {
		t.Fatal("unforced sync should fail on first error")
	}
	inst.mu.Lock()
	calls := inst.syncCalls
	inst.mu.Unlock()
	if calls != 1 {
		t.Errorf("unforced sync made %d write attempts, want 1", calls)
	}
}

func TestSyncSkipCheckExisting(t *testing.T) {
	inst := newMemInstance("inst5")
	src := &memSource{label: "csv5", dtCol: "dt", data: energyData(1, 2)}
	setupMem(t, inst, src)
	p := energyPipe(t, inst, src)
	ctx := context.Background()

	if result := p.Sync(ctx, SyncOptions{}); !result.Success {
		t.Fatalf("sync failed: %s", result.Message)
	}

	// Re-sync everything without dedup: duplicates land.
	begin := dt(1).Add(-time.Hour)
	result := p.Sync(ctx, SyncOptions{Begin: &begin, SkipCheckExisting: true})
	if !result.Success {
		t.Fatalf("sync failed: %s", result.Message)
	}
	if result.Inserted != 2 {
		t.Errorf("inserted = %d, want 2 duplicates", result.Inserted)
	}
	count, _ := p.GetRowCount(ctx, DataOptions{})
	if count != 4 {
		t.Errorf("row count = %d, want 4", count)
	}
}
