package pipe

import (
	"context"
	"fmt"
	"strings"

	"github.com/pipestream-io/pipestream/internal/logging"
)

// KeysFilter selects pipes from an instance's registry. Empty slices
// match everything. A value beginning with "_" excludes instead of
// includes. An empty-string entry in LocationKeys matches pipes with
// no location.
type KeysFilter struct {
	ConnectorKeys []string
	MetricKeys    []string
	LocationKeys  []string
	Params        map[string]interface{}
}

// Parameters returns the pipe's parameters document, fetching it from
// the instance store on first use. A pipe that was never registered
// yields an empty map.
func (p *Pipe) Parameters(ctx context.Context) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetched {
		return p.parameters, nil
	}
	inst, err := p.instance()
	if err != nil {
		return nil, err
	}
	attrs, err := inst.GetPipeAttributes(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("fetching attributes for %s: %w", p, err)
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	p.parameters = attrs
	p.fetched = true
	return p.parameters, nil
}

// SetParameters replaces the in-memory parameters. Edit persists them.
func (p *Pipe) SetParameters(params map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parameters = params
	p.fetched = true
}

// RefreshParameters drops the cached document so the next read fetches
// it again.
func (p *Pipe) RefreshParameters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parameters = nil
	p.fetched = false
}

// Columns returns the role→column mapping from the "columns"
// parameter.
func (p *Pipe) Columns(ctx context.Context) (map[string]string, error) {
	params, err := p.Parameters(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	raw, ok := params["columns"]
	if !ok {
		return out, nil
	}
	switch cols := raw.(type) {
	case map[string]string:
		for role, col := range cols {
			out[role] = col
		}
	case map[string]interface{}:
		for role, col := range cols {
			if s, ok := col.(string); ok && s != "" {
				out[role] = s
			}
		}
	default:
		logging.Warn("pipe %s has a malformed columns parameter (%T)", p, raw)
	}
	return out, nil
}

// GetColumn is the lenient role lookup: ok is false when the role has
// no configured column.
func (p *Pipe) GetColumn(ctx context.Context, role string) (string, bool, error) {
	cols, err := p.Columns(ctx)
	if err != nil {
		return "", false, err
	}
	col, ok := cols[role]
	return col, ok && col != "", nil
}

// GetColumnStrict is the strict role lookup: a missing role is an
// error wrapping ErrMissingColumn.
func (p *Pipe) GetColumnStrict(ctx context.Context, role string) (string, error) {
	col, ok, err := p.GetColumn(ctx, role)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w %q on pipe %s", ErrMissingColumn, role, p)
	}
	return col, nil
}

// DatetimeColumn is shorthand for the strict datetime lookup, the one
// role nearly every operation needs.
func (p *Pipe) DatetimeColumn(ctx context.Context) (string, error) {
	return p.GetColumnStrict(ctx, RoleDatetime)
}

// ValColumn returns the configured value column, else the first
// numeric column that is neither the datetime nor the id column.
func (p *Pipe) ValColumn(ctx context.Context) (string, error) {
	if col, ok, err := p.GetColumn(ctx, RoleValue); err != nil {
		return "", err
	} else if ok {
		return col, nil
	}

	inst, err := p.instance()
	if err != nil {
		return "", err
	}
	types, err := inst.GetPipeColumnsTypes(ctx, p)
	if err != nil {
		return "", fmt.Errorf("inspecting columns of %s: %w", p, err)
	}
	dtCol, _, _ := p.GetColumn(ctx, RoleDatetime)
	idCol, _, _ := p.GetColumn(ctx, RoleID)
	for col, typ := range types {
		if col == dtCol || col == idCol {
			continue
		}
		if isNumericType(typ) {
			return col, nil
		}
	}
	return "", fmt.Errorf("%w %q on pipe %s and no numeric column to guess", ErrMissingColumn, RoleValue, p)
}

func isNumericType(typ string) bool {
	t := strings.ToLower(typ)
	for _, numeric := range []string{
		"int", "serial", "float", "double", "real", "numeric", "decimal", "number", "money",
	} {
		if strings.Contains(t, numeric) {
			return true
		}
	}
	return false
}

// Tags returns the pipe's tags parameter.
func (p *Pipe) Tags(ctx context.Context) ([]string, error) {
	params, err := p.Parameters(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := params["tags"]
	if !ok {
		return nil, nil
	}
	switch tags := raw.(type) {
	case []string:
		return tags, nil
	case []interface{}:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			out = append(out, fmt.Sprintf("%v", t))
		}
		return out, nil
	}
	return nil, nil
}
