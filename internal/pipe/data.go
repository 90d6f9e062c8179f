package pipe

import (
	"context"
	"fmt"
	"time"

	"github.com/pipestream-io/pipestream/internal/dataset"
	"github.com/pipestream-io/pipestream/internal/logging"
)

// Register persists the pipe's parameters on its instance.
func (p *Pipe) Register(ctx context.Context) error {
	inst, err := p.instance()
	if err != nil {
		return err
	}
	return inst.RegisterPipe(ctx, p)
}

// Edit rewrites the stored parameters with the in-memory document.
func (p *Pipe) Edit(ctx context.Context) error {
	inst, err := p.instance()
	if err != nil {
		return err
	}
	return inst.EditPipe(ctx, p)
}

// Delete removes the pipe's rows and its registration.
func (p *Pipe) Delete(ctx context.Context) error {
	inst, err := p.instance()
	if err != nil {
		return err
	}
	if err := inst.DropPipe(ctx, p); err != nil {
		return err
	}
	if err := inst.DeletePipe(ctx, p); err != nil {
		return err
	}
	p.RefreshParameters()
	return nil
}

// Drop removes the pipe's rows, keeping the registration.
func (p *Pipe) Drop(ctx context.Context) error {
	inst, err := p.instance()
	if err != nil {
		return err
	}
	return inst.DropPipe(ctx, p)
}

// Clear deletes rows in [begin, end).
func (p *Pipe) Clear(ctx context.Context, begin, end *time.Time) error {
	inst, err := p.instance()
	if err != nil {
		return err
	}
	return inst.ClearPipe(ctx, p, begin, end)
}

// Exists reports whether the pipe's table exists on the instance.
func (p *Pipe) Exists(ctx context.Context) bool {
	inst, err := p.instance()
	if err != nil {
		return false
	}
	types, err := inst.GetPipeColumnsTypes(ctx, p)
	return err == nil && types != nil
}

// IsRegistered reports whether the pipe has a registration row.
func (p *Pipe) IsRegistered(ctx context.Context) bool {
	inst, err := p.instance()
	if err != nil {
		return false
	}
	return inst.PipeExists(ctx, p)
}

// ID returns the registry id of the pipe.
func (p *Pipe) ID(ctx context.Context) (int64, error) {
	inst, err := p.instance()
	if err != nil {
		return 0, err
	}
	return inst.GetPipeID(ctx, p)
}

// GetData reads the pipe's rows in datetime order.
func (p *Pipe) GetData(ctx context.Context, opts DataOptions) (*dataset.Dataset, error) {
	inst, err := p.instance()
	if err != nil {
		return nil, err
	}
	return inst.GetPipeData(ctx, p, opts)
}

// GetBacktrackData reads the window reaching backtrackMinutes before
// begin (nil begin means the newest sync time).
func (p *Pipe) GetBacktrackData(ctx context.Context, backtrackMinutes int, begin *time.Time) (*dataset.Dataset, error) {
	inst, err := p.instance()
	if err != nil {
		return nil, err
	}
	return inst.GetBacktrackData(ctx, p, backtrackMinutes, begin)
}

// GetRowCount counts the pipe's rows within bounds and filters.
func (p *Pipe) GetRowCount(ctx context.Context, opts DataOptions) (int64, error) {
	inst, err := p.instance()
	if err != nil {
		return 0, err
	}
	return inst.GetPipeRowCount(ctx, p, opts)
}

// GetSyncTime returns the newest (or oldest) datetime value. roundDown
// trims it to the minute, the default the sync loop uses.
func (p *Pipe) GetSyncTime(ctx context.Context, newest, roundDown bool) (time.Time, bool, error) {
	inst, err := p.instance()
	if err != nil {
		return time.Time{}, false, err
	}
	return inst.GetSyncTime(ctx, p, newest, roundDown)
}

// Fetch pulls unseen rows from the pipe's source connector without
// writing them anywhere.
func (p *Pipe) Fetch(ctx context.Context, opts FetchOptions) (*dataset.Dataset, error) {
	src, err := p.source()
	if err != nil {
		return nil, err
	}
	fetcher, ok := src.(Source)
	if !ok {
		return nil, fmt.Errorf("connector %s cannot fetch for pipes", p.connectorKeys)
	}
	ds, err := fetcher.Fetch(ctx, p, opts)
	if err != nil {
		return nil, err
	}
	if ds != nil {
		logging.Debug("fetched %d rows for %s", ds.Len(), p)
	}
	return ds, nil
}
