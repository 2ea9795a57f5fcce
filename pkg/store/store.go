// Package store implements a double-buffered, compaction-friendly
// knowledge store.
//
// Writers always append to the active buffer and never block on
// compaction. A compaction cycle freezes a snapshot of the active
// buffer, rewrites it off to the side, then commits by writing the
// compacted set into the inactive buffer, replaying the tail (records
// appended after the snapshot) in original order, and atomically
// swapping the two buffers. An aborted cycle leaves the store exactly
// as it was.
//
// At most one compaction may be in flight. The guard is a single-flight
// lock, not a queue: a second BeginCompaction is rejected with
// ErrCompactionInProgress, which callers treat as "try again later",
// not as a failure.
//
// Example Usage:
//
//	s := store.New(nil)
//	id, _ := s.Append(record.Record{Question: "battery life?", Answer: "8 hours"})
//
//	job, err := s.BeginCompaction()
//	if errors.Is(err, store.ErrCompactionInProgress) {
//	    return // another cycle is running, skip this one
//	}
//	if err := s.RunCompaction(ctx, job, pipeline); err != nil {
//	    s.Abort(job)
//	    return
//	}
//	if err := s.Commit(job); err != nil {
//	    return // commit aborted itself, store unchanged
//	}
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/orneryd/muninndb/pkg/compact"
	"github.com/orneryd/muninndb/pkg/record"
)

var (
	// ErrCompactionInProgress signals the single-flight guard: another
	// compaction cycle holds the slot. Expected contention, not a fault.
	ErrCompactionInProgress = errors.New("compaction already in progress")

	// ErrStaleJob signals a Commit or Abort with a job that is not the
	// current in-flight cycle.
	ErrStaleJob = errors.New("compaction job is not current")

	// ErrJobNotRun signals a Commit before RunCompaction produced a
	// compacted set.
	ErrJobNotRun = errors.New("compaction job has not been run")
)

// Compactor rewrites a frozen snapshot into its compacted form. The
// now func supplies logical timestamps for records it creates or
// updates.
type Compactor interface {
	Run(ctx context.Context, snapshot []record.Record, now func() uint64) ([]record.Record, compact.Stats, error)
}

// CommitHook runs inside Commit with the post-swap visible view, before
// the swap becomes observable. A hook error aborts the commit: the
// store stays on its pre-commit state. Used to make durability failures
// all-or-nothing.
type CommitHook func(visible []record.Record) error

// CompactionJob is the handle for one in-flight compaction cycle.
type CompactionJob struct {
	snapshot  []record.Record // frozen clone of the active buffer
	bufferID  int             // which buffer the snapshot came from
	offset    int             // active buffer length at snapshot time
	compacted []record.Record // set by RunCompaction
	stats     compact.Stats
	ran       bool
}

// Snapshot returns the frozen records this job will compact.
func (j *CompactionJob) Snapshot() []record.Record { return j.snapshot }

// Stats returns the cycle stats. Valid after RunCompaction.
func (j *CompactionJob) Stats() compact.Stats { return j.stats }

// Store is the double-buffered knowledge store. Thread-safe: any number
// of appenders may run concurrently with one compaction cycle.
type Store struct {
	mu      sync.RWMutex
	buffers [2][]record.Record
	active  int

	compacting atomic.Bool
	current    *CompactionJob

	clock atomic.Uint64

	commitHook CommitHook

	appends uint64
	commits uint64
	aborts  uint64
}

// New creates an empty store. hook may be nil; when set it gates every
// commit (see CommitHook).
func New(hook CommitHook) *Store {
	return &Store{commitHook: hook}
}

// Now returns the next logical timestamp. The store owns time: records
// are ordered by this counter, never by wall clock.
func (s *Store) Now() uint64 {
	return s.clock.Add(1)
}

// Append validates rec, assigns id and timestamps if absent, and
// appends it to the active buffer. Never blocks on compaction. Returns
// the assigned id.
func (s *Store) Append(rec record.Record) (record.ID, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = record.NewID()
	}
	now := s.Now()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now
	}
	if rec.Status == "" {
		rec.Status = record.StatusActive
	}

	s.mu.Lock()
	s.buffers[s.active] = append(s.buffers[s.active], rec)
	s.appends++
	s.mu.Unlock()
	return rec.ID, nil
}

// BeginCompaction freezes a snapshot of the active buffer and claims
// the single compaction slot. A second call while a cycle is in flight
// fails with ErrCompactionInProgress.
func (s *Store) BeginCompaction() (*CompactionJob, error) {
	if !s.compacting.CompareAndSwap(false, true) {
		return nil, ErrCompactionInProgress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.buffers[s.active]
	snapshot := make([]record.Record, len(active))
	for i, r := range active {
		snapshot[i] = r.Clone()
	}
	job := &CompactionJob{
		snapshot: snapshot,
		bufferID: s.active,
		offset:   len(active),
	}
	s.current = job
	return job, nil
}

// RunCompaction rewrites the job's snapshot through c. The store itself
// is untouched; results live on the job until Commit. Cancelling ctx
// aborts the rewrite, after which the caller should Abort the job.
func (s *Store) RunCompaction(ctx context.Context, job *CompactionJob, c Compactor) error {
	compacted, stats, err := c.Run(ctx, job.snapshot, s.Now)
	if err != nil {
		return fmt.Errorf("compaction cycle: %w", err)
	}
	job.compacted = compacted
	job.stats = stats
	job.ran = true
	return nil
}

// Commit atomically installs the job's compacted set: the inactive
// buffer receives the compacted records plus the tail (everything
// appended after the snapshot, replayed verbatim in original order),
// the buffers swap roles, and the old active buffer is cleared.
//
// If a commit hook is configured and fails, the commit turns into an
// abort: the store keeps its pre-commit state and the error is
// returned. Partial tail replay is never observable.
//
// The hook runs under the store lock, so appends wait out the durable
// write. That window is one disk transaction per cycle; the gateway
// I/O of the cycle itself happens earlier, in RunCompaction, with the
// lock free.
func (s *Store) Commit(job *CompactionJob) error {
	if !job.ran {
		return ErrJobNotRun
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != job {
		return ErrStaleJob
	}

	active := s.buffers[s.active]
	tail := active[job.offset:]

	next := make([]record.Record, 0, len(job.compacted)+len(tail))
	next = append(next, job.compacted...)
	for _, r := range tail {
		next = append(next, r.Clone())
	}

	if s.commitHook != nil {
		if err := s.commitHook(visibleOf(next)); err != nil {
			s.releaseLocked()
			return fmt.Errorf("commit hook: %w", err)
		}
	}

	inactive := 1 - s.active
	s.buffers[inactive] = next
	s.active = inactive
	s.buffers[1-inactive] = nil
	s.commits++
	s.releaseLocked()
	return nil
}

// Abort discards the job's partial state. The active buffer and its
// tail are untouched; no record is lost or mutated.
func (s *Store) Abort(job *CompactionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != job {
		return ErrStaleJob
	}
	s.aborts++
	s.releaseLocked()
	return nil
}

// releaseLocked frees the single-flight slot. Caller holds mu.
func (s *Store) releaseLocked() {
	s.current = nil
	s.compacting.Store(false)
}

// Compacting reports whether a compaction cycle is in flight.
func (s *Store) Compacting() bool {
	return s.compacting.Load()
}

// Len returns the total record count in the active buffer, merged
// lineage included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers[s.active])
}

// Export returns all visible records (non-merged, non-tombstoned) in
// traversal order. This is the serializable view the durability layer
// persists at commit.
func (s *Store) Export() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return visibleOf(s.buffers[s.active])
}

// All returns a clone of every record in the active buffer, lineage
// included, in traversal order.
func (s *Store) All() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Record, len(s.buffers[s.active]))
	for i, r := range s.buffers[s.active] {
		out[i] = r.Clone()
	}
	return out
}

// Get returns the record with the given id from the active buffer.
func (s *Store) Get(id record.ID) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.buffers[s.active] {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return record.Record{}, fmt.Errorf("record %s: %w", id, record.ErrNotFound)
}

// Stats reports store counters.
type Stats struct {
	Records    int    `json:"records"`
	Visible    int    `json:"visible"`
	Appends    uint64 `json:"appends"`
	Commits    uint64 `json:"commits"`
	Aborts     uint64 `json:"aborts"`
	Compacting bool   `json:"compacting"`
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	visible := 0
	for _, r := range s.buffers[s.active] {
		if r.Visible() {
			visible++
		}
	}
	return Stats{
		Records:    len(s.buffers[s.active]),
		Visible:    visible,
		Appends:    s.appends,
		Commits:    s.commits,
		Aborts:     s.aborts,
		Compacting: s.compacting.Load(),
	}
}

func visibleOf(records []record.Record) []record.Record {
	var out []record.Record
	for _, r := range records {
		if r.Visible() {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Load seeds the store with previously persisted records, replacing the
// active buffer. Meant for startup restore, not concurrent use.
func (s *Store) Load(records []record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]record.Record, len(records))
	var maxTS uint64
	for i, r := range records {
		buf[i] = r.Clone()
		if r.UpdatedAt > maxTS {
			maxTS = r.UpdatedAt
		}
		if r.CreatedAt > maxTS {
			maxTS = r.CreatedAt
		}
	}
	s.buffers[s.active] = buf
	// Resume the logical clock past anything restored.
	for {
		cur := s.clock.Load()
		if cur >= maxTS || s.clock.CompareAndSwap(cur, maxTS) {
			break
		}
	}
}
