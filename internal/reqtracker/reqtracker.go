// Package reqtracker manages the lifecycle of open Reqs: allocating a Req
// index and connection key, accumulating its ReqStats as jobs report in,
// and dropping it on Close. Close does not wait for the Req's jobs.
package reqtracker

import (
	"math/rand"
	"sync"

	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/model"
)

// Tracker owns the set of currently-open Reqs.
type Tracker struct {
	mu     sync.Mutex
	reqs   map[model.ReqIdx]*model.Req
	nextID model.ReqIdx
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{reqs: make(map[model.ReqIdx]*model.Req)}
}

// Open allocates a new Req with the given targets and options, assigning it
// a fresh index and a random connection key that JobStart/JobMngt/JobEnd
// frames must echo back.
func (t *Tracker) Open(targets []model.NodeIdx, opts model.ReqOptions) *model.Req {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	req := &model.Req{
		Idx:     t.nextID,
		Key:     rand.Uint32(),
		Options: opts,
		Targets: targets,
	}
	t.reqs[req.Idx] = req
	return req
}

// Get returns the Req for idx, or false if it isn't open (never existed or
// already closed).
func (t *Tracker) Get(idx model.ReqIdx) (*model.Req, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.reqs[idx]
	return req, ok
}

// CheckKey reports whether key matches the connection key recorded for
// idx, rejecting frames from a stale or mismatched Req.
func (t *Tracker) CheckKey(idx model.ReqIdx, key uint32) error {
	req, ok := t.Get(idx)
	if !ok {
		return xerrors.Errorf("req %d is not open", idx)
	}
	if req.Key != key {
		return xerrors.Errorf("req %d: key mismatch", idx)
	}
	return nil
}

// Close removes idx from the tracked set. Callers must have already
// resolved every job the Req waited on; Close itself does no draining.
func (t *Tracker) Close(idx model.ReqIdx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reqs, idx)
}

// Zombie marks a Req as torn-down-in-progress (a kill was requested but
// some jobs it started may still be running).
func (t *Tracker) Zombie(idx model.ReqIdx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.reqs[idx]; ok {
		req.Zombie = true
	}
}

// AddUsage folds one job report's resource usage into idx's ReqStats: CPU
// and elapsed time are summed, MemKB keeps the peak.
func (t *Tracker) AddUsage(idx model.ReqIdx, cpu, elapsed float64, memKB int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.reqs[idx]; ok {
		req.Stats.CPU += cpu
		req.Stats.Elapsed += elapsed
		if memKB > req.Stats.MemKB {
			req.Stats.MemKB = memKB
		}
	}
}

// Count bumps the NSteady/NDone/NRerun/NFailed/NHit counter that matches
// outcome in idx's ReqStats.
func (t *Tracker) Count(idx model.ReqIdx, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.reqs[idx]
	if !ok {
		return
	}
	switch outcome {
	case OutcomeSteady:
		req.Stats.NSteady++
	case OutcomeDone:
		req.Stats.NDone++
	case OutcomeRerun:
		req.Stats.NRerun++
	case OutcomeFailed:
		req.Stats.NFailed++
	case OutcomeHit:
		req.Stats.NHit++
	}
}

// Outcome classifies one job report for ReqStats accounting.
type Outcome uint8

const (
	OutcomeSteady Outcome = iota
	OutcomeDone
	OutcomeRerun
	OutcomeFailed
	OutcomeHit
)

// AddClash records a Node that two jobs both wrote to during idx's run,
// deduplicating repeated reports of the same clash.
func (t *Tracker) AddClash(idx model.ReqIdx, node model.NodeIdx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.reqs[idx]
	if !ok {
		return
	}
	for _, n := range req.ClashNodes {
		if n == node {
			return
		}
	}
	req.ClashNodes = append(req.ClashNodes, node)
}

// OpenReqs reports the currently open Req indices, for admin/status surfaces.
func (t *Tracker) OpenReqs() []model.ReqIdx {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.ReqIdx, 0, len(t.reqs))
	for idx := range t.reqs {
		out = append(out, idx)
	}
	return out
}
