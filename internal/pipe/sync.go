package pipe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipestream-io/pipestream/internal/dataset"
	"github.com/pipestream-io/pipestream/internal/logging"
)

// filterExistingPadding widens the backtrack window around the
// incoming data so boundary rows are always compared.
const filterExistingPadding = time.Minute

// SyncOptions shape one sync session.
type SyncOptions struct {
	// Begin and End bound the fetch. A nil Begin defaults to the
	// pipe's newest sync time, rounded down to the minute.
	Begin *time.Time
	End   *time.Time

	// BacktrackMinutes widens a defaulted Begin backward so rows that
	// arrived late, behind the last sync time, are fetched again. The
	// dedup diff drops the ones already present. Ignored when Begin is
	// set explicitly.
	BacktrackMinutes int

	// SkipCheckExisting writes fetched rows without the dedup diff.
	SkipCheckExisting bool

	// Force retries a failed sync up to Retries times, waiting
	// MinSeconds between attempts.
	Force      bool
	Retries    int
	MinSeconds int

	// Chunksize is passed to the source fetch; 0 takes the source's
	// default.
	Chunksize int

	// SyncChunks streams the fetch chunk by chunk, writing chunk k
	// while chunk k+1 is being read.
	SyncChunks bool

	// ChunkHook observes each written chunk.
	ChunkHook func(chunk *dataset.Dataset, inserted int)
}

// SyncResult summarizes a finished sync session.
type SyncResult struct {
	SessionID string
	Success   bool
	Message   string
	Fetched   int
	Inserted  int
	Chunks    int
}

// session carries the transient per-sync state.
type session struct {
	id       string
	pipe     *Pipe
	inst     Instance
	opts     SyncOptions
	fetched  int
	inserted int
	chunks   int
}

// Sync runs one synchronization: fetch unseen rows from the source,
// drop rows the instance already has, append the remainder, and write
// through to the cache pipe when one is attached.
func (p *Pipe) Sync(ctx context.Context, opts SyncOptions) SyncResult {
	if opts.Retries <= 0 {
		opts.Retries = 10
	}
	if opts.MinSeconds <= 0 {
		opts.MinSeconds = 1
	}

	attempts := 1
	if opts.Force {
		attempts = opts.Retries
	}
	var result SyncResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result = p.syncOnce(ctx, opts)
		if result.Success || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			logging.Warn("sync of %s failed (attempt %d/%d): %s", p, attempt, attempts, result.Message)
			select {
			case <-ctx.Done():
				return result
			case <-time.After(time.Duration(opts.MinSeconds) * time.Second):
			}
		}
	}
	return result
}

func (p *Pipe) syncOnce(ctx context.Context, opts SyncOptions) SyncResult {
	s := &session{id: uuid.NewString(), pipe: p, opts: opts}
	fail := func(format string, args ...interface{}) SyncResult {
		return SyncResult{
			SessionID: s.id,
			Message:   fmt.Sprintf(format, args...),
			Fetched:   s.fetched,
			Inserted:  s.inserted,
			Chunks:    s.chunks,
		}
	}

	inst, err := p.instance()
	if err != nil {
		return fail("%v", err)
	}
	s.inst = inst

	if !inst.PipeExists(ctx, p) {
		if err := inst.RegisterPipe(ctx, p); err != nil {
			return fail("registering %s: %v", p, err)
		}
	}

	begin := opts.Begin
	if begin == nil {
		st, found, err := inst.GetSyncTime(ctx, p, true, true)
		if err != nil {
			return fail("resolving sync time of %s: %v", p, err)
		}
		if found {
			if opts.BacktrackMinutes > 0 {
				st = st.Add(-time.Duration(opts.BacktrackMinutes) * time.Minute)
			}
			begin = &st
		}
	}
	fetchOpts := FetchOptions{Begin: begin, End: opts.End, Chunksize: opts.Chunksize}

	src, err := p.source()
	if err != nil {
		return fail("%v", err)
	}

	logging.Debug("sync session %s for %s (begin=%v)", s.id, p, begin)

	if opts.SyncChunks {
		chunkSrc, ok := src.(ChunkSource)
		if !ok {
			return fail("connector %s cannot stream chunks", p.connectorKeys)
		}
		iter, err := chunkSrc.FetchChunks(ctx, p, fetchOpts)
		if err != nil {
			return fail("fetching for %s: %v", p, err)
		}
		if msg, ok := s.syncPipelined(ctx, iter); !ok {
			return fail("%s", msg)
		}
	} else {
		fetcher, ok := src.(Source)
		if !ok {
			return fail("connector %s cannot fetch for pipes", p.connectorKeys)
		}
		ds, err := fetcher.Fetch(ctx, p, fetchOpts)
		if err != nil {
			return fail("fetching for %s: %v", p, err)
		}
		if msg, ok := s.syncChunk(ctx, ds); !ok {
			return fail("%s", msg)
		}
	}

	if p.cachePipe != nil {
		s.writeThroughCache(ctx)
	}

	return SyncResult{
		SessionID: s.id,
		Success:   true,
		Message:   fmt.Sprintf("synced %s: %d fetched, %d inserted", p, s.fetched, s.inserted),
		Fetched:   s.fetched,
		Inserted:  s.inserted,
		Chunks:    s.chunks,
	}
}

// syncPipelined writes chunk k while chunk k+1 is read. Writes stay
// strictly ordered; cancellation is honored between chunks.
func (s *session) syncPipelined(ctx context.Context, iter ChunkIter) (string, bool) {
	defer iter.Close()

	type fetched struct {
		chunk *dataset.Dataset
		err   error
	}
	chunks := make(chan fetched, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go func() {
		defer close(chunks)
		for {
			chunk, err := iter.Next()
			select {
			case chunks <- fetched{chunk, err}:
			case <-readCtx.Done():
				return
			}
			if err != nil || chunk == nil {
				return
			}
		}
	}()

	for f := range chunks {
		if f.err != nil {
			return fmt.Sprintf("fetching chunk for %s: %v", s.pipe, f.err), false
		}
		if f.chunk == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Sprintf("sync of %s canceled: %v", s.pipe, ctx.Err()), false
		default:
		}
		if msg, ok := s.syncChunk(ctx, f.chunk); !ok {
			return msg, false
		}
	}
	return "", true
}

// syncChunk diffs one dataset against existing rows and appends the
// unseen remainder.
func (s *session) syncChunk(ctx context.Context, ds *dataset.Dataset) (string, bool) {
	if ds == nil || ds.Empty() {
		return "", true
	}
	s.fetched += ds.Len()
	s.chunks++

	unseen := ds
	if !s.opts.SkipCheckExisting {
		var err error
		unseen, err = s.filterExisting(ctx, ds)
		if err != nil {
			return fmt.Sprintf("deduplicating for %s: %v", s.pipe, err), false
		}
	}
	if unseen.Empty() {
		if s.opts.ChunkHook != nil {
			s.opts.ChunkHook(unseen, 0)
		}
		return "", true
	}

	ok, msg := s.inst.SyncPipe(ctx, s.pipe, unseen)
	if !ok {
		return msg, false
	}
	s.inserted += unseen.Len()
	if s.opts.ChunkHook != nil {
		s.opts.ChunkHook(unseen, unseen.Len())
	}
	return "", true
}

// filterExisting pulls the instance's rows overlapping the incoming
// data (padded a minute each way) and drops rows already present.
func (s *session) filterExisting(ctx context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
	dtCol, ok, err := s.pipe.GetColumn(ctx, RoleDatetime)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Without a datetime column the whole table is the window.
		existing, err := s.inst.GetPipeData(ctx, s.pipe, DataOptions{})
		if err != nil {
			return nil, err
		}
		return dataset.FilterUnseen(existing, ds)
	}

	min, max, haveBounds := ds.TimeBounds(dtCol)
	if !haveBounds {
		return ds, nil
	}
	begin := min.Add(-filterExistingPadding)
	end := max.Add(filterExistingPadding)
	existing, err := s.inst.GetPipeData(ctx, s.pipe, DataOptions{Begin: &begin, End: &end})
	if err != nil {
		return nil, err
	}
	return dataset.FilterUnseen(existing, ds)
}

// writeThroughCache refreshes the cache pipe after a successful sync.
// Cache failures degrade to a warning; the primary sync already
// succeeded.
func (s *session) writeThroughCache(ctx context.Context) {
	result := s.pipe.cachePipe.Sync(ctx, SyncOptions{
		Begin: s.opts.Begin,
		End:   s.opts.End,
	})
	if !result.Success {
		logging.Warn("cache write-through for %s failed: %s", s.pipe, result.Message)
	}
}
