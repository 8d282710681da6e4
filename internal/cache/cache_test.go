package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgebuild/forge/internal/protocol"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUploadCommitDownload(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	srcDir := t.TempDir()
	fsPath := writeTempFile(t, srcDir, "out.o", "hello world")

	deps := []DepInfo{{Path: "in.c", Crc: "abc", Done: true}}
	key, err := c.Upload("rule-foo.o", "depfp-abc", deps, true, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFile(key, "out.o", fsPath); err != nil {
		t.Fatal(err)
	}
	admitted, err := c.Commit(key)
	if err != nil {
		t.Fatal(err)
	}
	if !admitted {
		t.Fatal("Commit() admitted = false, want true")
	}

	res, err := c.Match(context.Background(), "rule-foo.o", deps)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != protocol.MatchHit {
		t.Fatalf("Match() outcome = %v, want MatchHit", res.Outcome)
	}
	if res.DepFp != "depfp-abc" {
		t.Fatalf("Match() depFp = %q, want depfp-abc", res.DepFp)
	}

	files, err := c.Download("rule-foo.o", res.DepFp)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "out.o" || string(files[0].Data) != "hello world" {
		t.Fatalf("Download() = %+v, want one file out.o=hello world", files)
	}
}

func TestMatchMissWhenAbsent(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Match(context.Background(), "nope", []DepInfo{{Path: "x", Crc: "y", Done: true}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != protocol.MatchMiss {
		t.Fatalf("Match() = %v, want MatchMiss", res.Outcome)
	}
}

func TestDismissDiscardsReservation(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	srcDir := t.TempDir()
	fsPath := writeTempFile(t, srcDir, "out", "data")

	key, err := c.Upload("job", "dep", nil, true, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFile(key, "out", fsPath); err != nil {
		t.Fatal(err)
	}
	if err := c.Dismiss(key); err != nil {
		t.Fatal(err)
	}
	res, err := c.Match(context.Background(), "job", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != protocol.MatchMiss {
		t.Fatalf("Match() after Dismiss = %v, want MatchMiss", res.Outcome)
	}
}

func TestUploadRejectsNonOkStatus(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Upload("job", "dep", nil, false, 1, 0); err == nil {
		t.Fatal("Upload() with statusOk=false succeeded, want error")
	}
}

func TestCommitRejectsAdmissionRate(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	srcDir := t.TempDir()
	fsPath := writeTempFile(t, srcDir, "out", "0123456789")

	// 10 bytes reproduced in 0.001s is a rate far above maxRate=1: cheap
	// to rerun, should not be admitted.
	key, err := c.Upload("job", "dep", nil, true, 0.001, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFile(key, "out", fsPath); err != nil {
		t.Fatal(err)
	}
	admitted, err := c.Commit(key)
	if err != nil {
		t.Fatal(err)
	}
	if admitted {
		t.Fatal("Commit() admitted = true, want false (admission-rate reject)")
	}

	res, err := c.Match(context.Background(), "job", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != protocol.MatchMiss {
		t.Fatalf("Match() after rejected Commit = %v, want MatchMiss", res.Outcome)
	}
}

func TestWriteFileRejectsMissingPath(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	// The source path never exists, so WriteFile's first os.Lstat fails
	// and nothing is staged into the reservation.
	missing := filepath.Join(t.TempDir(), "gone")
	key, err := c.Upload("job", "dep", nil, true, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFile(key, "out", missing); err == nil {
		t.Fatal("WriteFile() on a missing path succeeded, want error")
	}
}

func TestMatchPartialReturnsNewDeps(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	srcDir := t.TempDir()
	fsPath := writeTempFile(t, srcDir, "out.o", "built")

	deps := []DepInfo{
		{Path: "in1.c", Crc: "crcA"},
		{Path: "in2.c", Crc: "crcB"},
	}
	key, err := c.Upload("job", "dep", deps, true, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFile(key, "out.o", fsPath); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(key); err != nil {
		t.Fatal(err)
	}

	// in2.c hasn't been built yet in the current repo: Match should
	// report it as a new dep to build rather than a Hit or a Miss.
	current := []DepInfo{{Path: "in1.c", Crc: "crcA", Done: true}}
	res, err := c.Match(context.Background(), "job", current)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != protocol.MatchPartial {
		t.Fatalf("Match() outcome = %v, want MatchPartial", res.Outcome)
	}
	if len(res.NewDeps) != 1 || res.NewDeps[0] != "in2.c" {
		t.Fatalf("Match() newDeps = %v, want [in2.c]", res.NewDeps)
	}

	// Once in2.c is also done and agrees, the same entry becomes a Hit.
	current = append(current, DepInfo{Path: "in2.c", Crc: "crcB", Done: true})
	res, err = c.Match(context.Background(), "job", current)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != protocol.MatchHit {
		t.Fatalf("Match() outcome = %v, want MatchHit once all deps agree", res.Outcome)
	}
}

func TestMatchRejectsCrcDisagreement(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	srcDir := t.TempDir()
	fsPath := writeTempFile(t, srcDir, "out.o", "built")

	deps := []DepInfo{{Path: "in.c", Crc: "crcA"}}
	key, err := c.Upload("job", "dep", deps, true, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFile(key, "out.o", fsPath); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(key); err != nil {
		t.Fatal(err)
	}

	current := []DepInfo{{Path: "in.c", Crc: "crcDifferent", Done: true}}
	res, err := c.Match(context.Background(), "job", current)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != protocol.MatchMiss {
		t.Fatalf("Match() outcome = %v, want MatchMiss on crc disagreement", res.Outcome)
	}
}

func TestMatchRejectsCandidateOnUnfinishedCriticalDep(t *testing.T) {
	c, err := New(t.TempDir(), 6)
	if err != nil {
		t.Fatal(err)
	}
	srcDir := t.TempDir()
	fsPath := writeTempFile(t, srcDir, "out.o", "built")

	deps := []DepInfo{{Path: "in.c", Crc: "crcA", Critical: true}}
	key, err := c.Upload("job", "dep", deps, true, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFile(key, "out.o", fsPath); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(key); err != nil {
		t.Fatal(err)
	}

	// in.c is critical and not yet done: the candidate is rejected
	// outright rather than contributing to a partial match.
	res, err := c.Match(context.Background(), "job", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != protocol.MatchMiss {
		t.Fatalf("Match() outcome = %v, want MatchMiss on unfinished critical dep", res.Outcome)
	}
}
