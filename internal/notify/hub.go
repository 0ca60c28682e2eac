package notify

import (
	"context"
	"sync"
)

// Hub stores recent status snapshots per job and wakes waiters when new
// snapshots arrive. Subscribers pull at their own pace with a sequence
// cursor, so a slow consumer never blocks publication or other consumers; it
// only loses the oldest snapshots once the per-job buffer wraps.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	streams  map[string]*stream
}

type stream struct {
	buffer  []Snapshot
	nextSeq uint64
}

// NewHub constructs a bounded in-memory status fan-out buffer. Capacity is
// the number of snapshots retained per job.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	h := &Hub{
		capacity: capacity,
		streams:  make(map[string]*stream),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish appends a snapshot to the job's stream and wakes all waiters.
// Snapshots for one job are delivered in exactly the order they were
// published.
func (h *Hub) Publish(snap Snapshot) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streams[snap.JobID]
	if s == nil {
		s = &stream{}
		h.streams[snap.JobID] = s
	}
	s.nextSeq++
	snap.Sequence = s.nextSeq

	if len(s.buffer) == h.capacity {
		copy(s.buffer, s.buffer[1:])
		s.buffer = s.buffer[:h.capacity-1]
	}
	s.buffer = append(s.buffer, snap)
	h.cond.Broadcast()
}

// Fetch returns all snapshots for the job with sequence greater than since.
// When wait is true, Fetch blocks until at least one snapshot is available
// or the context ends.
func (h *Hub) Fetch(ctx context.Context, jobID string, since uint64, wait bool) ([]Snapshot, uint64, error) {
	if h == nil {
		return nil, since, nil
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		snapshots, next := h.snapshotLocked(jobID, since)
		if len(snapshots) > 0 || !wait {
			return snapshots, next, contextError(ctx)
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		h.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
	}
}

// Latest returns the most recent snapshot for the job, if any.
func (h *Hub) Latest(jobID string) (Snapshot, bool) {
	if h == nil {
		return Snapshot{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streams[jobID]
	if s == nil || len(s.buffer) == 0 {
		return Snapshot{}, false
	}
	return s.buffer[len(s.buffer)-1], true
}

// Drop discards the stream for a job, typically after its record was removed.
func (h *Hub) Drop(jobID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.streams, jobID)
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *Hub) snapshotLocked(jobID string, since uint64) ([]Snapshot, uint64) {
	s := h.streams[jobID]
	if s == nil {
		return nil, since
	}
	next := since
	var out []Snapshot
	for _, snap := range s.buffer {
		if snap.Sequence <= since {
			continue
		}
		out = append(out, snap)
		if snap.Sequence > next {
			next = snap.Sequence
		}
	}
	return out, next
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
