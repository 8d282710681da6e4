package reqtracker

import (
	"testing"

	"github.com/forgebuild/forge/internal/model"
)

func TestOpenAssignsDistinctIndices(t *testing.T) {
	tr := New()
	r1 := tr.Open(nil, model.ReqOptions{})
	r2 := tr.Open(nil, model.ReqOptions{})
	if r1.Idx == r2.Idx {
		t.Fatalf("expected distinct indices, got %d and %d", r1.Idx, r2.Idx)
	}
}

func TestCheckKeyRejectsMismatch(t *testing.T) {
	tr := New()
	req := tr.Open(nil, model.ReqOptions{})
	if err := tr.CheckKey(req.Idx, req.Key); err != nil {
		t.Fatalf("CheckKey with correct key failed: %v", err)
	}
	if err := tr.CheckKey(req.Idx, req.Key+1); err == nil {
		t.Fatal("CheckKey with wrong key should have failed")
	}
}

func TestCloseRemovesReq(t *testing.T) {
	tr := New()
	req := tr.Open(nil, model.ReqOptions{})
	tr.Close(req.Idx)
	if _, ok := tr.Get(req.Idx); ok {
		t.Fatal("Get should fail after Close")
	}
}

func TestCountAccumulatesStats(t *testing.T) {
	tr := New()
	req := tr.Open(nil, model.ReqOptions{})
	tr.Count(req.Idx, OutcomeDone)
	tr.Count(req.Idx, OutcomeDone)
	tr.Count(req.Idx, OutcomeFailed)
	tr.Count(req.Idx, OutcomeHit)

	got, _ := tr.Get(req.Idx)
	if got.Stats.NDone != 2 || got.Stats.NFailed != 1 || got.Stats.NHit != 1 {
		t.Fatalf("unexpected stats: %+v", got.Stats)
	}
}

func TestAddClashDeduplicates(t *testing.T) {
	tr := New()
	req := tr.Open(nil, model.ReqOptions{})
	tr.AddClash(req.Idx, model.NodeIdx(5))
	tr.AddClash(req.Idx, model.NodeIdx(5))
	tr.AddClash(req.Idx, model.NodeIdx(6))

	got, _ := tr.Get(req.Idx)
	if len(got.ClashNodes) != 2 {
		t.Fatalf("expected 2 distinct clash nodes, got %v", got.ClashNodes)
	}
}
