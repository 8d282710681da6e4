package jobmake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/backend"
	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/protocol"
	"github.com/forgebuild/forge/internal/ruleset"
	"github.com/forgebuild/forge/internal/store"
)

// fakeRunner records every reply it was asked to run and always succeeds.
type fakeRunner struct {
	ran []protocol.JobStartRpcReply
}

func (f *fakeRunner) Run(ctx context.Context, reply protocol.JobStartRpcReply) (backend.RunResult, error) {
	f.ran = append(f.ran, reply)
	return backend.RunResult{}, nil
}

func newEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	rs, err := ruleset.New(nil)
	if err != nil {
		t.Fatal(err)
	}

	c, err := cache.New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}

	be := backend.New(ctx, map[string]int64{"local": 2}, 0, nil)

	return New(s, rs, be, c, nil), ctx
}

func TestMakeRunsJobWithNoDeps(t *testing.T) {
	e, ctx := newEngine(t)

	job, err := e.Store.UpsertJob(ctx, "out.o")
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Make(ctx, 1, job, model.ReasonCmd); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ri := e.reqInfo(job, 1)
		if ri.Done() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached a terminal step")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMakeRunsJobThroughMatchedRule(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	rules, err := ruleset.Load([]byte(`
rules:
  - name: compile
    cmd: "cc -c $in -o $out"
    targets: ["%.o"]
`))
	if err != nil {
		t.Fatal(err)
	}
	rs, err := ruleset.New(rules)
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	be := backend.New(ctx, map[string]int64{"local": 2}, 0, nil)
	runner := &fakeRunner{}
	e := New(s, rs, be, c, runner)

	job, err := e.Store.UpsertJob(ctx, "foo.o")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Make(ctx, 1, job, model.ReasonCmd); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ri := e.reqInfo(job, 1)
		if ri.Done() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached a terminal step")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(runner.ran) != 1 || runner.ran[0].RuleName != "compile" {
		t.Fatalf("runner.ran = %+v, want one run of rule compile", runner.ran)
	}
}

func TestMakeWaitsOnDep(t *testing.T) {
	e, ctx := newEngine(t)

	depJob, err := e.Store.UpsertJob(ctx, "dep.o")
	if err != nil {
		t.Fatal(err)
	}
	mainJob, err := e.Store.UpsertJob(ctx, "main.o")
	if err != nil {
		t.Fatal(err)
	}

	depNode, err := e.Store.UpsertNode(ctx, "dep.o")
	if err != nil {
		t.Fatal(err)
	}
	n, err := e.Store.Node(ctx, depNode)
	if err != nil {
		t.Fatal(err)
	}
	n.ActualJob = depJob
	if err := e.Store.PutNode(ctx, n); err != nil {
		t.Fatal(err)
	}
	if err := e.Store.ReplaceDeps(ctx, mainJob, []model.Dep{{Node: depNode}}); err != nil {
		t.Fatal(err)
	}

	if err := e.Make(ctx, 1, mainJob, model.ReasonCmd); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mainRI := e.reqInfo(mainJob, 1)
		depRI := e.reqInfo(depJob, 1)
		if mainRI.Done() && depRI.Done() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dependent job never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestMakeInstallsCacheHit seeds a cache entry directly (bypassing any
// real run) and checks that a ReasonNone Make call installs its target
// from the cache instead of submitting anything.
func TestMakeInstallsCacheHit(t *testing.T) {
	e, ctx := newEngine(t)
	repoRoot := t.TempDir()
	e.RepoRoot = repoRoot

	job, err := e.Store.UpsertJob(ctx, "out.o")
	if err != nil {
		t.Fatal(err)
	}
	node, err := e.Store.UpsertNode(ctx, "out.o")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Store.ReplaceTargets(ctx, job, []model.Target{{Node: node}}); err != nil {
		t.Fatal(err)
	}

	jobKey := jobCacheKey(job)
	key, err := e.Cache.Upload(jobKey, "dep-fp", nil, true, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Cache.WriteFile(key, "out.o", writeTempFile(t, t.TempDir(), "out.o", "cached content")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Cache.Commit(key); err != nil {
		t.Fatal(err)
	}

	if err := e.Make(ctx, 1, job, model.ReasonNone); err != nil {
		t.Fatal(err)
	}

	ri := e.reqInfo(job, 1)
	if ri.Step != model.StepHit {
		t.Fatalf("ri.Step = %v, want StepHit", ri.Step)
	}
	got, err := os.ReadFile(filepath.Join(repoRoot, "out.o"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "cached content" {
		t.Fatalf("installed content = %q, want %q", got, "cached content")
	}
}

// TestMakeResolvesPartialMatchAfterDepBuilds seeds a cache entry recorded
// against two deps, one of which is produced by a job that hasn't run yet.
// Make should retry the match once that job completes and land on a Hit.
func TestMakeResolvesPartialMatchAfterDepBuilds(t *testing.T) {
	e, ctx := newEngine(t)
	repoRoot := t.TempDir()
	e.RepoRoot = repoRoot

	mainJob, err := e.Store.UpsertJob(ctx, "out.o")
	if err != nil {
		t.Fatal(err)
	}
	outNode, err := e.Store.UpsertNode(ctx, "out.o")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Store.ReplaceTargets(ctx, mainJob, []model.Target{{Node: outNode}}); err != nil {
		t.Fatal(err)
	}

	srcNode, err := e.Store.UpsertNode(ctx, "src.c")
	if err != nil {
		t.Fatal(err)
	}
	genJob, err := e.Store.UpsertJob(ctx, "gen.c")
	if err != nil {
		t.Fatal(err)
	}
	genNode, err := e.Store.UpsertNode(ctx, "gen.c")
	if err != nil {
		t.Fatal(err)
	}
	n, err := e.Store.Node(ctx, genNode)
	if err != nil {
		t.Fatal(err)
	}
	n.ActualJob = genJob
	if err := e.Store.PutNode(ctx, n); err != nil {
		t.Fatal(err)
	}
	if err := e.Store.ReplaceTargets(ctx, genJob, []model.Target{{Node: genNode}}); err != nil {
		t.Fatal(err)
	}
	if err := e.Store.ReplaceDeps(ctx, mainJob, []model.Dep{
		{Node: srcNode, DepDigest: digest.DepDigest{Crc: "crc-src"}},
		{Node: genNode, DepDigest: digest.DepDigest{Crc: "crc-gen"}},
	}); err != nil {
		t.Fatal(err)
	}

	jobKey := jobCacheKey(mainJob)
	recorded := []cache.DepInfo{
		{Path: "src.c", Crc: "crc-src"},
		{Path: "gen.c", Crc: "crc-gen"},
	}
	key, err := e.Cache.Upload(jobKey, "dep-fp", recorded, true, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Cache.WriteFile(key, "out.o", writeTempFile(t, t.TempDir(), "out.o", "built from cache")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Cache.Commit(key); err != nil {
		t.Fatal(err)
	}

	if err := e.Make(ctx, 1, mainJob, model.ReasonNone); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mainRI := e.reqInfo(mainJob, 1)
		if mainRI.Done() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("main job never reached a terminal step")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mainRI := e.reqInfo(mainJob, 1)
	if mainRI.Step != model.StepHit {
		t.Fatalf("ri.Step = %v, want StepHit once the partial match resolves", mainRI.Step)
	}
	if mainRI.NRetries == 0 {
		t.Fatal("ri.NRetries = 0, want at least one retry for the partial match")
	}
}

// TestSubmitLoopBoundStopsResubmitting exercises a rule with a low
// n_submits bound against an always-failing runner: after exactly that
// many submissions the job must stop retrying and report StatusSubmitLoop.
func TestSubmitLoopBoundStopsResubmitting(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	rules, err := ruleset.Load([]byte(`
rules:
  - name: flaky
    cmd: "false"
    targets: ["%.o"]
    n_submits: 2
`))
	if err != nil {
		t.Fatal(err)
	}
	rs, err := ruleset.New(rules)
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	be := backend.New(ctx, map[string]int64{"local": 2}, 0, nil)
	runner := &failingRunner{}
	e := New(s, rs, be, c, runner)

	job, err := e.Store.UpsertJob(ctx, "flaky.o")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Make(ctx, 1, job, model.ReasonCmd); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ri := e.reqInfo(job, 1)
		if ri.Done() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached a terminal step")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := runner.calls(); got != 2 {
		t.Fatalf("runner invoked %d times, want exactly 2", got)
	}
	j, err := e.Store.Job(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != model.StatusSubmitLoop {
		t.Fatalf("job.Status = %v, want StatusSubmitLoop", j.Status)
	}
}

// failingRunner always fails and counts how many times it ran.
type failingRunner struct {
	mu sync.Mutex
	n  int
}

func (f *failingRunner) Run(ctx context.Context, reply protocol.JobStartRpcReply) (backend.RunResult, error) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	return backend.RunResult{ExitCode: 1, Stderr: "boom"}, nil
}

func (f *failingRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}
