// Package selector implements the Server Selector (spec §4.3): given a set
// of Candidate Servers already filtered by the Offer Catalog's matching
// predicate, pick exactly one.
package selector

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"github.com/dtnrpc/dtnrpc/internal/offer"
)

// ErrNoCandidates is returned by every policy when given an empty slice.
var ErrNoCandidates = errors.New("selector: no candidates")

// Policy names the node's fixed selection policy (spec §4.3).
type Policy string

const (
	PolicyFirst         Policy = "first"
	PolicyRandom        Policy = "random"
	PolicyBest          Policy = "best"
	PolicyProbabilistic Policy = "probabilistic"
)

// Selector picks one Candidate per Select call according to a fixed Policy.
// It is seeded deterministically (default seed 0) so simulations and tests
// reproduce a pick exactly (spec §4.3, §9 "Deterministic selector").
type Selector struct {
	policy Policy
	rng    *rand.Rand
}

// New constructs a Selector for policy, seeded with seed.
func New(policy Policy, seed int64) *Selector {
	return &Selector{policy: policy, rng: rand.New(rand.NewSource(seed))}
}

// Select picks one candidate from candidates per the Selector's policy.
func (s *Selector) Select(candidates []offer.Candidate) (offer.Candidate, error) {
	if len(candidates) == 0 {
		return offer.Candidate{}, ErrNoCandidates
	}

	switch s.policy {
	case PolicyRandom:
		return candidates[s.rng.Intn(len(candidates))], nil
	case PolicyBest:
		sorted := Best(candidates)
		return sorted[0], nil
	case PolicyProbabilistic:
		sorted := Best(candidates)
		idx := gammaIndex(s.rng, len(sorted))
		return sorted[idx], nil
	case PolicyFirst:
		fallthrough
	default:
		sorted := Best(candidates)
		return sorted[0], nil
	}
}

// Best returns candidates sorted by the tuple
// (distance_from_self asc, cpu_load asc, memory desc, disk_space desc),
// stable so ties preserve input order (spec §4.3, Testable Property 5: a
// total order modulo that sort key tuple).
func Best(candidates []offer.Candidate) []offer.Candidate {
	out := append([]offer.Candidate{}, candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.HasDistance && b.HasDistance && a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.HasDistance != b.HasDistance {
			// Candidates without a computable distance sort after ones that
			// have one, keeping the tuple total even when gps_coord is absent.
			return a.HasDistance
		}
		if a.Capabilities.CPULoad != b.Capabilities.CPULoad {
			return a.Capabilities.CPULoad < b.Capabilities.CPULoad
		}
		if a.Capabilities.Memory != b.Capabilities.Memory {
			return a.Capabilities.Memory > b.Capabilities.Memory
		}
		return a.Capabilities.DiskSpace > b.Capabilities.DiskSpace
	})
	return out
}

// gammaIndex samples Gamma(k=2, θ=1) via Marsaglia-Tsang, rounds to the
// nearest integer, and clamps into [0, n-1] (spec §4.3 "probabilistic").
func gammaIndex(rng *rand.Rand, n int) int {
	v := marsagliaTsangGamma(rng, 2)
	idx := int(math.Round(v))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// marsagliaTsangGamma draws one Gamma(k, 1) sample for k >= 1 using the
// Marsaglia-Tsang method.
func marsagliaTsangGamma(rng *rand.Rand, k float64) float64 {
	d := k - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
