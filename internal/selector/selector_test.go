package selector

import (
	"testing"

	"github.com/dtnrpc/dtnrpc/internal/offer"
)

func candWith(sid string, distance float64, hasDistance bool, cpu, mem, disk float64) offer.Candidate {
	return offer.Candidate{
		SID:         sid,
		Distance:    distance,
		HasDistance: hasDistance,
		Capabilities: offer.Capabilities{
			CPULoad:   cpu,
			Memory:    mem,
			DiskSpace: disk,
		},
	}
}

func TestSelectEmptyCandidates(t *testing.T) {
	s := New(PolicyBest, 0)
	if _, err := s.Select(nil); err != ErrNoCandidates {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestBestOrdersByDistanceThenCPUThenMemThenDisk(t *testing.T) {
	candidates := []offer.Candidate{
		candWith("far", 10, true, 0.1, 100, 100),
		candWith("near-high-cpu", 1, true, 0.9, 100, 100),
		candWith("near-low-cpu", 1, true, 0.1, 100, 100),
	}
	sorted := Best(candidates)
	if sorted[0].SID != "near-low-cpu" {
		t.Fatalf("expected near-low-cpu first, got %s", sorted[0].SID)
	}
	if sorted[2].SID != "far" {
		t.Fatalf("expected far last, got %s", sorted[2].SID)
	}
}

func TestBestIsTotalOrderOnTies(t *testing.T) {
	candidates := []offer.Candidate{
		candWith("a", 1, true, 0.5, 100, 100),
		candWith("b", 1, true, 0.5, 100, 100),
	}
	first := Best(candidates)
	second := Best(candidates)
	for i := range first {
		if first[i].SID != second[i].SID {
			t.Fatalf("Best is not deterministic on equal-key candidates: %v vs %v", first, second)
		}
	}
}

func TestFirstPolicyPicksSortedFirst(t *testing.T) {
	candidates := []offer.Candidate{
		candWith("far", 10, true, 0, 0, 0),
		candWith("near", 1, true, 0, 0, 0),
	}
	s := New(PolicyFirst, 0)
	got, err := s.Select(candidates)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.SID != "near" {
		t.Fatalf("expected near, got %s", got.SID)
	}
}

func TestRandomPolicyIsDeterministicForFixedSeed(t *testing.T) {
	candidates := []offer.Candidate{
		candWith("a", 0, false, 0, 0, 0),
		candWith("b", 0, false, 0, 0, 0),
		candWith("c", 0, false, 0, 0, 0),
	}
	s1 := New(PolicyRandom, 42)
	s2 := New(PolicyRandom, 42)
	g1, _ := s1.Select(candidates)
	g2, _ := s2.Select(candidates)
	if g1.SID != g2.SID {
		t.Fatalf("same seed produced different picks: %s vs %s", g1.SID, g2.SID)
	}
}

func TestProbabilisticPolicyStaysInRange(t *testing.T) {
	candidates := []offer.Candidate{
		candWith("a", 0, false, 0, 0, 0),
		candWith("b", 0, false, 0, 0, 0),
	}
	s := New(PolicyProbabilistic, 7)
	for i := 0; i < 100; i++ {
		got, err := s.Select(candidates)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if got.SID != "a" && got.SID != "b" {
			t.Fatalf("unexpected pick %q", got.SID)
		}
	}
}
