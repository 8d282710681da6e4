// Package jobmake implements the dependency-analysis and run decision loop
// at the center of the engine: given a Job and an open Req, decide whether
// a cache hit (or partial match) can stand in for running it, whether its
// deps need to run first, and whether it must actually be submitted.
package jobmake

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/backend"
	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/protocol"
	"github.com/forgebuild/forge/internal/ruleset"
	"github.com/forgebuild/forge/internal/store"
)

// Runner actually executes a job once runBranch decides it must run. The
// daemon wires this to a LocalRunner that re-execs into the job's JobSpace;
// tests may leave it nil to exercise the analysis loop without running
// real commands.
type Runner interface {
	Run(ctx context.Context, reply protocol.JobStartRpcReply) (backend.RunResult, error)
}

// Engine ties the persistent store, rule matcher, job scheduler and
// artifact cache together, and drives Make, the per-(Job,Req) analysis
// entry point.
type Engine struct {
	Store   *store.Store
	Rules   *ruleset.RuleSet
	Backend *backend.Backend
	Cache   *cache.Cache
	Runner  Runner

	// RepoRoot, if set, is prepended to a Node's repo-relative Name to
	// resolve its real filesystem path for cache install/upload. Left
	// empty in tests that use already-relative or temp-dir-rooted names.
	RepoRoot string

	// MaxCacheRate, if positive, is the bytes/sec admission-rate cap
	// passed to Cache.Upload: a job that reproduces its targets faster
	// than this is judged cheap to rerun and not cached.
	MaxCacheRate float64

	mu       sync.Mutex
	reqInfos map[model.JobIdx]map[model.ReqIdx]*model.ReqInfo
	watchers map[watchKey][]chan struct{}
}

type watchKey struct {
	Job model.JobIdx
	Req model.ReqIdx
}

// New creates an Engine over already-opened components. runner may be nil,
// in which case runBranch treats every job as a no-op success once its
// deps are satisfied (useful for exercising the analysis loop in tests).
func New(s *store.Store, rules *ruleset.RuleSet, be *backend.Backend, c *cache.Cache, runner Runner) *Engine {
	return &Engine{
		Store:    s,
		Rules:    rules,
		Backend:  be,
		Cache:    c,
		Runner:   runner,
		reqInfos: make(map[model.JobIdx]map[model.ReqIdx]*model.ReqInfo),
		watchers: make(map[watchKey][]chan struct{}),
	}
}

func (e *Engine) reqInfo(job model.JobIdx, req model.ReqIdx) *model.ReqInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	byReq, ok := e.reqInfos[job]
	if !ok {
		byReq = make(map[model.ReqIdx]*model.ReqInfo)
		e.reqInfos[job] = byReq
	}
	ri, ok := byReq[req]
	if !ok {
		ri = &model.ReqInfo{Step: model.StepNone}
		byReq[req] = ri
	}
	return ri
}

// Make drives one Job's analysis forward for req until it either completes
// (Step reaches StepDone/StepHit) or suspends waiting on a dep. It is safe
// to call repeatedly (e.g. from a watcher wakeup): re-entry resumes from
// ri.Iter rather than restarting the dep loop.
//
// On first entry into StepDep (ri.Iter == 0), and only when nothing has
// already forced a run (ri.Reason is still ReasonNone and ri.Force is
// unset), Make tries a cache match before walking any deps at all: a Hit
// installs the job's targets and finishes immediately, and a Match (a
// partial hit) schedules only the specific deps the cache still needs,
// retrying the match once they complete instead of falling through to an
// unconditional full dep walk. Only a genuine Miss (or an exhausted
// NRetries bound) proceeds to the ordinary dep loop and submission.
func (e *Engine) Make(ctx context.Context, req model.ReqIdx, job model.JobIdx, reason model.JobReasonTag) error {
	ri := e.reqInfo(job, req)
	if ri.Done() {
		return nil
	}
	ri.Reason = model.MergeReason(ri.Reason, reason)

	if ri.Step == model.StepNone {
		ri.Step = model.StepDep
		ri.Iter = 0
	}

	if ri.Step == model.StepDep {
		if ri.Iter == 0 && ri.Reason == model.ReasonNone && !ri.Force {
			handled, err := e.tryCache(ctx, req, job, ri)
			if err != nil {
				return err
			}
			if handled {
				return nil
			}
		}
		done, err := e.runDepLoop(ctx, req, job, ri)
		if err != nil {
			return err
		}
		if !done {
			return nil // suspended waiting on a dep; a watcher will re-call Make
		}
		ri.Step = model.StepQueued
	}

	if ri.Step == model.StepQueued {
		return e.runBranch(ctx, req, job, ri)
	}

	return nil
}

// runDepLoop walks job.Deps from ri.Iter, recursively ensuring each
// dependency Node's producing Job (if any) is built, accumulating the
// reason this Job would need to run. It returns done=true once every dep
// has been analyzed without suspending.
func (e *Engine) runDepLoop(ctx context.Context, req model.ReqIdx, job model.JobIdx, ri *model.ReqInfo) (bool, error) {
	deps, err := e.Store.Deps(ctx, job)
	if err != nil {
		return false, xerrors.Errorf("loading deps of job %d: %w", job, err)
	}
	for ; ri.Iter < len(deps); ri.Iter++ {
		dep := deps[ri.Iter]
		n, err := e.Store.Node(ctx, dep.Node)
		if err != nil {
			return false, xerrors.Errorf("loading dep node %d: %w", dep.Node, err)
		}
		if n.ActualJob == 0 || n.ActualJob == job {
			continue // source file or self-reference: nothing to wait on
		}
		depRI := e.reqInfo(n.ActualJob, req)
		if !depRI.Done() {
			if err := e.Make(ctx, req, n.ActualJob, model.ReasonDep); err != nil {
				return false, err
			}
			if !depRI.Done() {
				ri.NWait++
				e.watch(n.ActualJob, req, func() {
					ri.NWait--
					_ = e.Make(ctx, req, job, model.ReasonNone)
				})
				return false, nil
			}
		}
		if depRI.Stamped.Err {
			ri.Stamped.Err = true
			ri.Reason = model.MergeReason(ri.Reason, model.ReasonDepErr)
		}
		if depRI.Stamped.Modif {
			ri.Stamped.Modif = true
			ri.Reason = model.MergeReason(ri.Reason, model.ReasonDepOutOfDate)
		}
	}
	return true, nil
}

// watch registers fn to run once (job, req)'s analysis reaches a terminal
// Step, used by runDepLoop to resume a suspended parent.
func (e *Engine) watch(job model.JobIdx, req model.ReqIdx, fn func()) {
	e.mu.Lock()
	key := watchKey{Job: job, Req: req}
	e.watchers[key] = append(e.watchers[key], wrapWatcher(fn))
	e.mu.Unlock()
}

func wrapWatcher(fn func()) chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ch
		fn()
	}()
	return ch
}

func (e *Engine) wakeWatchers(job model.JobIdx, req model.ReqIdx) {
	e.mu.Lock()
	key := watchKey{Job: job, Req: req}
	chans := e.watchers[key]
	delete(e.watchers, key)
	e.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// tryCache asks the Cache whether job's current dep state already matches
// a committed entry. It returns handled=true when the caller should stop
// (a Hit installed the targets, or a Match is waiting on further deps);
// handled=false means Miss (or a cache error, which degrades to Miss), and
// the caller should proceed to the ordinary dep loop and submission.
func (e *Engine) tryCache(ctx context.Context, req model.ReqIdx, job model.JobIdx, ri *model.ReqInfo) (bool, error) {
	jobKey := jobCacheKey(job)
	deps, err := e.cacheDeps(ctx, req, job)
	if err != nil {
		return false, nil
	}
	res, err := e.Cache.Match(ctx, jobKey, deps)
	if err != nil {
		return false, nil
	}
	switch res.Outcome {
	case protocol.MatchHit:
		if err := e.installFromCache(job, jobKey, res.DepFp); err != nil {
			return false, xerrors.Errorf("installing cache hit for job %d: %w", job, err)
		}
		ri.Step = model.StepHit
		if err := e.Store.PutJobStatus(ctx, job, model.StatusOk, model.RunStatusOk, 0, 0); err != nil {
			return false, xerrors.Errorf("persisting cache-hit status for job %d: %w", job, err)
		}
		e.wakeWatchers(job, req)
		return true, nil
	case protocol.MatchPartial:
		return e.scheduleNewDeps(ctx, req, job, ri, res.NewDeps)
	default:
		return false, nil // Miss
	}
}

// cacheDeps builds the Cache's view of job's current deps: each recorded
// dep's path, crc, whether its producing job (if any) has finished this
// Req yet, and whether it is Critical.
func (e *Engine) cacheDeps(ctx context.Context, req model.ReqIdx, job model.JobIdx) ([]cache.DepInfo, error) {
	deps, err := e.Store.Deps(ctx, job)
	if err != nil {
		return nil, xerrors.Errorf("loading deps of job %d: %w", job, err)
	}
	out := make([]cache.DepInfo, 0, len(deps))
	for _, d := range deps {
		n, err := e.Store.Node(ctx, d.Node)
		if err != nil {
			return nil, xerrors.Errorf("loading dep node %d: %w", d.Node, err)
		}
		done := n.ActualJob == 0 // a source file with no producing job is always done
		if n.ActualJob != 0 {
			done = e.reqInfo(n.ActualJob, req).Done()
		}
		out = append(out, cache.DepInfo{
			Path:     n.Name,
			Crc:      string(d.Crc),
			Done:     done,
			Critical: d.DFlags&digest.DFlagCritical != 0,
		})
	}
	return out, nil
}

// scheduleNewDeps handles a Match (partial) outcome: it builds whichever
// of newDeps aren't finished yet and, once they are, retries the cache
// match. The matched rule's NRetries bounds how many times this can
// happen for one (Req, Job); once exhausted the job gives up on matching
// (StatusRunLoop) and falls through to the ordinary dep loop and submit.
func (e *Engine) scheduleNewDeps(ctx context.Context, req model.ReqIdx, job model.JobIdx, ri *model.ReqInfo, newDeps []string) (bool, error) {
	rule, err := e.matchRule(ctx, job)
	if err != nil {
		return false, err
	}
	bound := 0
	if rule != nil {
		bound = rule.NRetries
	}
	ri.NRetries++
	if bound > 0 && ri.NRetries > bound {
		if err := e.Store.PutJobStatus(ctx, job, model.StatusRunLoop, model.RunStatusOk, 0, 0); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := e.Store.PutJobStatus(ctx, job, model.StatusCacheMatch, model.RunStatusOk, 0, 0); err != nil {
		return false, err
	}

	waiting := 0
	for _, path := range newDeps {
		depJob, ok, err := e.jobForPath(ctx, path)
		if err != nil {
			return false, err
		}
		if !ok {
			continue // not tracked as any job's target: nothing to build
		}
		depRI := e.reqInfo(depJob, req)
		if !depRI.Done() {
			if err := e.Make(ctx, req, depJob, model.ReasonDep); err != nil {
				return false, err
			}
		}
		if !depRI.Done() {
			waiting++
			e.watch(depJob, req, func() {
				ri.NWait--
				_ = e.Make(ctx, req, job, model.ReasonNone)
			})
		}
	}
	if waiting == 0 {
		// every new dep was already done by the time we got here (e.g. a
		// race with another watcher): retry the match inline.
		return e.tryCache(ctx, req, job, ri)
	}
	ri.NWait += waiting
	return true, nil
}

// jobForPath resolves a cache-recorded dep path to its current producing
// Job, lazily registering the path as a tracked Node if it has never been
// mentioned before (nodes are created lazily on first mention; see
// Store.UpsertNode).
func (e *Engine) jobForPath(ctx context.Context, path string) (model.JobIdx, bool, error) {
	idx, err := e.Store.UpsertNode(ctx, path)
	if err != nil {
		return 0, false, xerrors.Errorf("resolving dep path %s: %w", path, err)
	}
	n, err := e.Store.Node(ctx, idx)
	if err != nil {
		return 0, false, xerrors.Errorf("loading node %s: %w", path, err)
	}
	if n.ActualJob == 0 {
		return 0, false, nil
	}
	return n.ActualJob, true, nil
}

// installFromCache downloads a matched entry and writes each of its files
// out at its real target path.
func (e *Engine) installFromCache(job model.JobIdx, jobKey, depFp string) error {
	files, err := e.Cache.Download(jobKey, depFp)
	if err != nil {
		return xerrors.Errorf("downloading cache entry for job %d: %w", job, err)
	}
	for _, f := range files {
		dst := e.resolvePath(f.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return xerrors.Errorf("creating target directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, f.Data, 0644); err != nil {
			return xerrors.Errorf("installing cached target %s: %w", f.Path, err)
		}
	}
	return nil
}

func (e *Engine) resolvePath(name string) string {
	if e.RepoRoot == "" {
		return name
	}
	return filepath.Join(e.RepoRoot, name)
}

// runBranch enforces the matched rule's NSubmits bound and, if it is not
// already exhausted, hands the job to the Backend. Any cache match was
// already tried earlier, on first entry into StepDep (see Make): by the
// time analysis reaches here the job is known to need an actual run.
func (e *Engine) runBranch(ctx context.Context, req model.ReqIdx, job model.JobIdx, ri *model.ReqInfo) error {
	return e.submit(ctx, req, job, ri, jobCacheKey(job))
}

func (e *Engine) submit(ctx context.Context, req model.ReqIdx, job model.JobIdx, ri *model.ReqInfo, jobKey string) error {
	rule, err := e.matchRule(ctx, job)
	if err != nil {
		return err
	}
	if rule != nil && rule.NSubmits > 0 && ri.NSubmits >= rule.NSubmits {
		ri.Step = model.StepDone
		if err := e.Store.PutJobStatus(ctx, job, model.StatusSubmitLoop, model.RunStatusOk, 0, 0); err != nil {
			return xerrors.Errorf("persisting submit-loop status for job %d: %w", job, err)
		}
		e.wakeWatchers(job, req)
		return nil
	}

	ri.Step = model.StepExec
	ri.NSubmits++
	err = e.Backend.Submit(backend.Spec{
		Job:      job,
		Tag:      "local",
		Tokens1:  1,
		Pressure: 0,
		Run: func(ctx context.Context) error {
			return e.runJob(ctx, job)
		},
		Done: func(runErr error) {
			e.onJobDone(ctx, req, job, ri, jobKey, runErr)
		},
	})
	if err != nil {
		ri.Step = model.StepDone
		ri.Stamped.Err = true
		e.wakeWatchers(job, req)
		return xerrors.Errorf("submitting job %d: %w", job, err)
	}
	return nil
}

// onJobDone finalizes a Backend run: a failure loops back through submit
// (which enforces the NSubmits bound and will turn the loop into
// StatusSubmitLoop instead of submitting again once exhausted); a success
// persists StatusOk and uploads the job's targets to the Cache.
func (e *Engine) onJobDone(ctx context.Context, req model.ReqIdx, job model.JobIdx, ri *model.ReqInfo, jobKey string, runErr error) {
	ri.NRuns++
	if runErr != nil {
		ri.Stamped.Err = true
		if err := e.submit(ctx, req, job, ri, jobKey); err != nil {
			ri.Step = model.StepDone
			e.wakeWatchers(job, req)
		}
		return
	}

	ri.Step = model.StepDone
	_ = e.Store.PutJobStatus(ctx, job, model.StatusOk, model.RunStatusOk, 0, 0)
	e.uploadToCache(ctx, req, job, jobKey)
	e.wakeWatchers(job, req)
}

// uploadToCache stages a successfully-run job's targets into the Cache.
// Any failure along the way (a missing target on disk, a rejected
// admission rate) just dismisses the reservation: a job that already ran
// to completion must not fail the build because it could not be cached.
func (e *Engine) uploadToCache(ctx context.Context, req model.ReqIdx, job model.JobIdx, jobKey string) {
	j, err := e.Store.Job(ctx, job)
	if err != nil || j.Status != model.StatusOk {
		return
	}
	targets, err := e.Store.Targets(ctx, job)
	if err != nil || len(targets) == 0 {
		return
	}
	deps, err := e.cacheDeps(ctx, req, job)
	if err != nil {
		return
	}

	key, err := e.Cache.Upload(jobKey, depFingerprint(deps), deps, true, j.ExeTime, e.MaxCacheRate)
	if err != nil {
		return
	}
	for _, t := range targets {
		n, err := e.Store.Node(ctx, t.Node)
		if err != nil {
			_ = e.Cache.Dismiss(key)
			return
		}
		if err := e.Cache.WriteFile(key, n.Name, e.resolvePath(n.Name)); err != nil {
			_ = e.Cache.Dismiss(key)
			return
		}
	}
	_, _ = e.Cache.Commit(key)
}

// matchRule resolves job's best-matching rule, or nil if none matches
// (a source file, or a job left for cache-only analysis).
func (e *Engine) matchRule(ctx context.Context, job model.JobIdx) (*ruleset.Rule, error) {
	j, err := e.Store.Job(ctx, job)
	if err != nil {
		return nil, xerrors.Errorf("loading job %d: %w", job, err)
	}
	candidates := e.Rules.Match(j.Name)
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// runJob actually executes job's best-matching rule, if one exists and a
// Runner is wired. A job with no matching rule is a no-op success.
func (e *Engine) runJob(ctx context.Context, job model.JobIdx) error {
	if e.Runner == nil {
		return nil
	}
	rule, err := e.matchRule(ctx, job)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil // nothing to run, e.g. a source file tracked as a job
	}
	reply := protocol.JobStartRpcReply{
		RuleName: rule.Name,
		Cmd:      rule.Cmd,
	}
	res, err := e.Runner.Run(ctx, reply)
	if err != nil {
		return xerrors.Errorf("running job %d (rule %s): %w", job, rule.Name, err)
	}
	if res.ExitCode != 0 {
		return xerrors.Errorf("job %d (rule %s) exited %d: %s", job, rule.Name, res.ExitCode, res.Stderr)
	}
	return nil
}

func jobCacheKey(job model.JobIdx) string {
	return "job-" + strconv.FormatInt(int64(job), 10)
}

// depFingerprint computes a canonical fingerprint of a job's dep list,
// used as the cache entry's on-disk name within its jobKey directory.
func depFingerprint(deps []cache.DepInfo) string {
	var all []byte
	for _, d := range deps {
		all = append(all, []byte(d.Path)...)
		all = append(all, 0)
		all = append(all, []byte(d.Crc)...)
		all = append(all, 0)
	}
	return string(digest.SumBytes(all))
}
