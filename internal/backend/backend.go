// Package backend implements the generic, tag-parametrized job scheduler:
// one waiting queue and resource budget per backend tag (e.g. "local",
// "remote"), a launch thread that starts jobs as resources free up, and a
// heartbeat loop that lets a caller detect jobs that have gone silent.
//
// The queueing and worker-pool shape is the same one the dependency-graph
// build scheduler uses: a bounded number of workers pulling from a channel,
// orchestrated with errgroup, with a periodic status/heartbeat tick
// alongside the work loop.
package backend

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/model"
)

// Spec is one job submitted to a Backend.
type Spec struct {
	Job      model.JobIdx
	Tag      string
	Tokens1  int64 // resource units this job occupies while running
	Pressure int64 // larger runs sooner; set via SetPressure before launch

	// Run performs the job itself; it is called with the Backend's own
	// context, so it is cancelled when that context is. The Backend has no
	// per-job kill.
	Run func(ctx context.Context) error

	// Done is called exactly once with Run's result, after Run returns. A
	// job still waiting when the Backend's context is cancelled is never
	// run, and Done is not called for it.
	Done func(error)
}

// pqueue is a max-heap on Pressure. Ties compare heap slice positions, which
// do not follow submission order, so equal-pressure jobs launch in no
// defined order.
type pqueue []*Spec

func (q pqueue) Len() int { return len(q) }
func (q pqueue) Less(i, j int) bool {
	if q[i].Pressure != q[j].Pressure {
		return q[i].Pressure > q[j].Pressure
	}
	return i < j
}
func (q pqueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pqueue) Push(x interface{}) { *q = append(*q, x.(*Spec)) }
func (q *pqueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// tagState is the per-tag budget and waiting queue.
type tagState struct {
	capacity int64
	inUse    int64
	waiting  pqueue
}

// Backend schedules jobs across a set of resource-tagged queues, launching
// each job's Run as soon as its tag has enough free capacity.
type Backend struct {
	mu        sync.Mutex
	tags      map[string]*tagState
	heartbeat time.Duration
	onStall   func(job model.JobIdx, since time.Duration)

	running map[model.JobIdx]time.Time
	wake    chan struct{}

	eg  *errgroup.Group
	ctx context.Context
}

// New creates a Backend with one tag per entry in capacity (resource units
// available concurrently under that tag) and starts its launch and
// heartbeat loops under ctx.
func New(ctx context.Context, capacity map[string]int64, heartbeat time.Duration, onStall func(job model.JobIdx, since time.Duration)) *Backend {
	tags := make(map[string]*tagState, len(capacity))
	for tag, cap := range capacity {
		tags[tag] = &tagState{capacity: cap}
	}
	eg, ctx := errgroup.WithContext(ctx)
	b := &Backend{
		tags:      tags,
		heartbeat: heartbeat,
		onStall:   onStall,
		running:   make(map[model.JobIdx]time.Time),
		wake:      make(chan struct{}, 1),
		eg:        eg,
		ctx:       ctx,
	}
	eg.Go(func() error { return b.launchLoop() })
	if heartbeat > 0 {
		eg.Go(func() error { return b.heartbeatLoop() })
	}
	return b
}

// Submit enqueues spec under its tag, failing if the tag was never
// registered with New.
func (b *Backend) Submit(spec Spec) error {
	b.mu.Lock()
	t, ok := b.tags[spec.Tag]
	if !ok {
		b.mu.Unlock()
		return xerrors.Errorf("backend: unknown tag %q", spec.Tag)
	}
	s := spec
	heap.Push(&t.waiting, &s)
	b.mu.Unlock()
	b.poke()
	return nil
}

// SetPressure updates the queue priority of an already-submitted, still
// waiting job, re-ordering it in place.
func (b *Backend) SetPressure(tag string, job model.JobIdx, pressure int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tags[tag]
	if !ok {
		return
	}
	for i, s := range t.waiting {
		if s.Job == job {
			s.Pressure = pressure
			heap.Fix(&t.waiting, i)
			return
		}
	}
}

// AddPressure increments the queue priority of a waiting job by delta.
func (b *Backend) AddPressure(tag string, job model.JobIdx, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tags[tag]
	if !ok {
		return
	}
	for i, s := range t.waiting {
		if s.Job == job {
			s.Pressure += delta
			heap.Fix(&t.waiting, i)
			return
		}
	}
}

func (b *Backend) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// launchLoop is the single launch thread: it wakes whenever a job is
// submitted or a running job completes, then starts as many waiting jobs
// as current capacity allows across every tag.
func (b *Backend) launchLoop() error {
	for {
		select {
		case <-b.ctx.Done():
			return b.ctx.Err()
		case <-b.wake:
		}
		b.launchReady()
	}
}

func (b *Backend) launchReady() {
	b.mu.Lock()
	var toLaunch []*Spec
	for _, t := range b.tags {
		for t.waiting.Len() > 0 {
			next := t.waiting[0]
			if t.inUse+next.Tokens1 > t.capacity && t.inUse > 0 {
				break // would overcommit and something is already running; wait
			}
			heap.Pop(&t.waiting)
			t.inUse += next.Tokens1
			toLaunch = append(toLaunch, next)
		}
	}
	b.mu.Unlock()

	for _, spec := range toLaunch {
		spec := spec
		b.mu.Lock()
		b.running[spec.Job] = time.Now()
		b.mu.Unlock()
		b.eg.Go(func() error {
			err := spec.Run(b.ctx)
			b.finish(spec)
			if spec.Done != nil {
				spec.Done(err)
			}
			return nil // a job failure does not abort the whole Backend
		})
	}
}

func (b *Backend) finish(spec *Spec) {
	b.mu.Lock()
	delete(b.running, spec.Job)
	if t, ok := b.tags[spec.Tag]; ok {
		t.inUse -= spec.Tokens1
	}
	b.mu.Unlock()
	b.poke()
}

// heartbeatLoop periodically reports jobs that have been running longer
// than the heartbeat interval, so a caller can surface a "still running"
// watchdog message.
func (b *Backend) heartbeatLoop() error {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return b.ctx.Err()
		case now := <-ticker.C:
			b.mu.Lock()
			for job, start := range b.running {
				if since := now.Sub(start); since >= b.heartbeat {
					if b.onStall != nil {
						b.onStall(job, since)
					}
				}
			}
			b.mu.Unlock()
		}
	}
}

// Occupancy returns, per tag, the currently in-use resource total.
func (b *Backend) Occupancy() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.tags))
	for tag, t := range b.tags {
		out[tag] = t.inUse
	}
	return out
}

// Wait blocks until the Backend's context is cancelled, returning the first
// error from any internal loop (normally context.Canceled on shutdown).
func (b *Backend) Wait() error {
	return b.eg.Wait()
}
