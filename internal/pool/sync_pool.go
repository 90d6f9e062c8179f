// Package pool runs sync sessions for many pipes across a bounded set
// of workers.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pipestream-io/pipestream/internal/logging"
	"github.com/pipestream-io/pipestream/internal/pipe"
)

// Job is one pipe to sync with its session options.
type Job struct {
	Pipe    *pipe.Pipe
	Options pipe.SyncOptions
}

// Result pairs a job with its finished session.
type Result struct {
	Pipe *pipe.Pipe
	Sync pipe.SyncResult
}

// syncFunc runs one session. Tests substitute it.
type syncFunc func(ctx context.Context, p *pipe.Pipe, opts pipe.SyncOptions) pipe.SyncResult

// SyncPool fans jobs out to a fixed number of workers. Each pipe syncs
// on exactly one worker; ordering across pipes is not guaranteed.
type SyncPool struct {
	workers int
	syncFn  syncFunc

	totalInserted atomic.Int64
	failures      atomic.Int64
}

// New builds a pool. Fewer than one worker degrades to serial.
func New(workers int) *SyncPool {
	if workers < 1 {
		workers = 1
	}
	return &SyncPool{
		workers: workers,
		syncFn: func(ctx context.Context, p *pipe.Pipe, opts pipe.SyncOptions) pipe.SyncResult {
			return p.Sync(ctx, opts)
		},
	}
}

// Run syncs every job and returns the results in job order. A
// canceled context stops workers from picking up further jobs; the
// skipped jobs report a failed session.
func (sp *SyncPool) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	indexes := make(chan int, len(jobs))
	for i := range jobs {
		indexes <- i
	}
	close(indexes)

	workers := sp.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	logging.Debug("syncing %d pipes across %d workers", len(jobs), workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				job := jobs[i]
				if ctx.Err() != nil {
					results[i] = Result{
						Pipe: job.Pipe,
						Sync: pipe.SyncResult{Message: "skipped: " + ctx.Err().Error()},
					}
					sp.failures.Add(1)
					continue
				}
				res := sp.syncFn(ctx, job.Pipe, job.Options)
				results[i] = Result{Pipe: job.Pipe, Sync: res}
				if res.Success {
					sp.totalInserted.Add(int64(res.Inserted))
					logging.Info("%s", res.Message)
				} else {
					sp.failures.Add(1)
					logging.Error("sync of %s failed: %s", job.Pipe, res.Message)
				}
			}
		}()
	}
	wg.Wait()
	return results
}

// TotalInserted returns the rows inserted across all finished jobs.
func (sp *SyncPool) TotalInserted() int64 {
	return sp.totalInserted.Load()
}

// Failures returns the number of failed or skipped jobs.
func (sp *SyncPool) Failures() int64 {
	return sp.failures.Load()
}
