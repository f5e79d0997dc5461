// Package jobs tracks the mining jobs announced by the upstream pool and
// decides which job identifiers are still acceptable on share submission.
package jobs

import (
	"sync"
	"time"
)

// DefaultStaleGrace is how long a superseded non-clean job remains
// submittable. A clean job invalidates prior work immediately.
const DefaultStaleGrace = 15 * time.Second

// Job is an immutable description of one unit of work from the pool. Fields
// mirror the mining.notify payload; hex fields keep their wire encoding.
type Job struct {
	ID           string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	Clean        bool

	// Seq is a registry-local monotone counter, not a pool field. It orders
	// jobs across reconnects where pool job IDs may repeat.
	Seq        uint64
	ReceivedAt time.Time
}

type jobEntry struct {
	job          Job
	supersededAt time.Time // zero while current
}

// Registry is the authoritative record of the current job and recently
// superseded jobs. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	current    *Job
	history    map[string]*jobEntry
	seq        uint64
	staleGrace time.Duration
	now        func() time.Time
}

// NewRegistry creates a registry with the given grace window for
// superseded non-clean jobs.
func NewRegistry(staleGrace time.Duration) *Registry {
	if staleGrace <= 0 {
		staleGrace = DefaultStaleGrace
	}
	return &Registry{
		history:    make(map[string]*jobEntry),
		staleGrace: staleGrace,
		now:        time.Now,
	}
}

// Set installs a new current job and returns it with Seq and ReceivedAt
// populated. When the job is clean, every prior job becomes unacceptable
// immediately; otherwise the displaced job stays acceptable for the grace
// window.
func (r *Registry) Set(job Job) Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.seq++
	job.Seq = r.seq
	job.ReceivedAt = now

	if job.Clean {
		r.history = make(map[string]*jobEntry)
	} else {
		if r.current != nil {
			r.history[r.current.ID] = &jobEntry{job: *r.current, supersededAt: now}
		}
		r.prune(now)
	}

	stored := job
	r.current = &stored
	r.history[job.ID] = &jobEntry{job: stored}
	return stored
}

// prune drops history entries past the grace window. Caller holds the lock.
func (r *Registry) prune(now time.Time) {
	for id, e := range r.history {
		if !e.supersededAt.IsZero() && now.Sub(e.supersededAt) >= r.staleGrace {
			delete(r.history, id)
		}
	}
}

// Current returns the current job, or false if no job has been announced yet.
func (r *Registry) Current() (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return Job{}, false
	}
	return *r.current, true
}

// IsCurrent reports whether the given job ID is the current job.
func (r *Registry) IsCurrent(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil && r.current.ID == jobID
}

// Lookup returns the job for an acceptable job ID. The current job is always
// acceptable; a superseded job only within the grace window.
func (r *Registry) Lookup(jobID string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.history[jobID]
	if !ok {
		return Job{}, false
	}
	if e.supersededAt.IsZero() {
		return e.job, true
	}
	if r.now().Sub(e.supersededAt) < r.staleGrace {
		return e.job, true
	}
	return Job{}, false
}

// IsAcceptable reports whether a share referencing jobID should be routed
// upstream rather than rejected as stale.
func (r *Registry) IsAcceptable(jobID string) bool {
	_, ok := r.Lookup(jobID)
	return ok
}

// Clear forgets every job. Used when the upstream link drops, since job IDs
// are not meaningful across pool connections.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	r.history = make(map[string]*jobEntry)
}

// CurrentSeq returns the sequence number of the most recently installed job.
func (r *Registry) CurrentSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}
