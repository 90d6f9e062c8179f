package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipestream-io/pipestream/internal/logging"
)

// ConnectResult is the outcome of a RetryConnect loop.
type ConnectResult int

const (
	// Connected means a liveness probe succeeded.
	Connected ConnectResult = iota
	// Exhausted means every attempt failed and the budget ran out.
	Exhausted
	// Aborted means the operator (or a policy check) stopped the loop
	// before the budget ran out.
	Aborted
)

func (r ConnectResult) String() string {
	switch r {
	case Connected:
		return "connected"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrChainingPolicy marks a connector whose configuration violates the
// chaining policy. RetryConnect fails fast on it; retrying cannot fix
// configuration.
var ErrChainingPolicy = errors.New("insecure connector chaining is not permitted")

// Preflighter is implemented by connectors that can reject their own
// configuration before any network attempt is made.
type Preflighter interface {
	Preflight() error
}

// RetryConnect probes c until it answers, the attempt budget runs out,
// or the operator aborts. The wait between attempts is a fixed
// interval; abort is checked while waiting so an operator never waits
// out a full interval. A Preflight failure returns Aborted immediately
// without consuming any attempts.
func RetryConnect(ctx context.Context, c Connector, maxRetries int, wait time.Duration, abort <-chan struct{}) (ConnectResult, error) {
	if p, ok := c.(Preflighter); ok {
		if err := p.Preflight(); err != nil {
			return Aborted, fmt.Errorf("connector %s: %w", c.Keys(), err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := c.Test(ctx)
		if err == nil {
			if attempt > 1 {
				logging.Info("connector %s answered after %d attempts", c.Keys(), attempt)
			}
			return Connected, nil
		}
		lastErr = err
		logging.Warn("connector %s not responding (attempt %d/%d): %v", c.Keys(), attempt, maxRetries, err)

		if attempt == maxRetries {
			break
		}
		select {
		case <-abort:
			return Aborted, fmt.Errorf("connect to %s aborted: %w", c.Keys(), lastErr)
		case <-ctx.Done():
			return Aborted, fmt.Errorf("connect to %s aborted: %w", c.Keys(), ctx.Err())
		case <-time.After(wait):
		}
	}
	return Exhausted, fmt.Errorf("connector %s unreachable after %d attempts: %w", c.Keys(), maxRetries, lastErr)
}
