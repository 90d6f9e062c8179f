package pipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pipestream-io/pipestream/internal/connector"
)

// cacheDir returns the directory holding per-pipe sqlite cache files.
func cacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache directory: %w", err)
	}
	dir := filepath.Join(home, ".pipestream", "cache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	return dir, nil
}

// EnableCache attaches a cache pipe: a regular pipe living on a
// private sqlite connector whose fetch definition reads this pipe's
// table on the instance. After each successful sync the cache pipe is
// synced in turn, so local reads never touch the instance.
func (p *Pipe) EnableCache(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cachePipe != nil {
		return nil
	}

	dir, err := cacheDir()
	if err != nil {
		return err
	}
	label := "cache_" + p.TargetName()
	cacheConn, err := connector.Make("sql", label, map[string]interface{}{
		"flavor":   "sqlite",
		"database": filepath.Join(dir, p.TargetName()+".db"),
	})
	if err != nil {
		return fmt.Errorf("building cache connector for %s: %w", p, err)
	}

	cols, err := p.columnsLocked(ctx)
	if err != nil {
		return err
	}
	columnsParam := map[string]interface{}{}
	for role, col := range cols {
		columnsParam[role] = col
	}

	cache, err := New(
		p.instanceKeys, p.metricKey, p.locationKey,
		WithInstance(cacheConn.Keys()),
		WithParameters(map[string]interface{}{
			"columns": columnsParam,
			"fetch": map[string]interface{}{
				"definition": "SELECT * FROM " + p.TargetName(),
			},
		}),
	)
	if err != nil {
		return fmt.Errorf("building cache pipe for %s: %w", p, err)
	}
	p.cachePipe = cache
	return nil
}

// CachePipe returns the attached cache pipe, nil when caching is off.
func (p *Pipe) CachePipe() *Pipe {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cachePipe
}

// columnsLocked reads the columns map while p.mu is already held.
func (p *Pipe) columnsLocked(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if !p.fetched {
		inst, err := p.instance()
		if err != nil {
			return nil, err
		}
		attrs, err := inst.GetPipeAttributes(ctx, p)
		if err != nil {
			return nil, err
		}
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		p.parameters = attrs
		p.fetched = true
	}
	raw, ok := p.parameters["columns"]
	if !ok {
		return out, nil
	}
	if cols, ok := raw.(map[string]interface{}); ok {
		for role, col := range cols {
			if s, ok := col.(string); ok && s != "" {
				out[role] = s
			}
		}
	}
	return out, nil
}
