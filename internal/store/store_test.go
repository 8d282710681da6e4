package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/model"
)

func open(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	a, err := s.UpsertNode(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.UpsertNode(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("UpsertNode(out) twice = %d, %d, want equal", a, b)
	}
}

func TestPutNodeRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	idx, err := s.UpsertNode(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.Node(ctx, idx)
	if err != nil {
		t.Fatal(err)
	}
	n.Crc = digest.SumBytes([]byte("hello\n"))
	n.Buildable = model.BuildableYes
	n.MatchGen = 7
	if err := s.PutNode(ctx, n); err != nil {
		t.Fatal(err)
	}

	got, err := s.Node(ctx, idx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Crc != n.Crc || got.Buildable != n.Buildable || got.MatchGen != n.MatchGen {
		t.Fatalf("Node(%d) = %+v, want %+v", idx, got, n)
	}
}

func TestJobRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	idx, err := s.UpsertJob(ctx, "build/foo.o")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutJobStatus(ctx, idx, model.StatusOk, model.RunStatusOk, 1.5, 2.25); err != nil {
		t.Fatal(err)
	}

	got, err := s.Job(ctx, idx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "build/foo.o" {
		t.Fatalf("Job(%d).Name = %q, want %q", idx, got.Name, "build/foo.o")
	}
	if got.Status != model.StatusOk || got.RunStatus != model.RunStatusOk {
		t.Fatalf("Job(%d) = %+v, want Status=%v RunStatus=%v", idx, got, model.StatusOk, model.RunStatusOk)
	}
	if got.Cost != 1.5 || got.ExeTime != 2.25 {
		t.Fatalf("Job(%d) cost/exeTime = %v/%v, want 1.5/2.25", idx, got.Cost, got.ExeTime)
	}
}

func TestReplaceDepsIsAtomicAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	job, err := s.UpsertJob(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := s.UpsertNode(ctx, "a")
	b, _ := s.UpsertNode(ctx, "b")

	deps := []model.Dep{
		{Node: a, DepDigest: digest.DepDigest{Accesses: digest.AccessRead}},
		{Node: b, DepDigest: digest.DepDigest{Accesses: digest.AccessStat, Parallel: true}},
	}
	if err := s.ReplaceDeps(ctx, job, deps); err != nil {
		t.Fatal(err)
	}
	got, err := s.Deps(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Node != a || got[1].Node != b {
		t.Fatalf("Deps(job) = %+v, want [a, b] in order", got)
	}

	// Replacing again must clear the previous set (atomic replace, not append).
	if err := s.ReplaceDeps(ctx, job, deps[:1]); err != nil {
		t.Fatal(err)
	}
	got, err = s.Deps(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Deps(job) after replace = %+v, want 1 entry", got)
	}
}

func TestMatchGenBump(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	gen0, err := s.MatchGen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	gen1, err := s.BumpMatchGen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gen1 != gen0+1 {
		t.Fatalf("BumpMatchGen() = %d, want %d", gen1, gen0+1)
	}
}
