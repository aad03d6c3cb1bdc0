package offer

import "strconv"

// Matches implements the filtering predicate of spec §4.2. Excluding the
// caller's own SID and the originator is done by Catalog.Candidates, not
// here; Matches itself only checks offering and capability requirements
// against a single candidate.
func Matches(cand Candidate, procedure string, arity int, filter map[string]string) bool {
	if !cand.Offers(procedure, arity) {
		return false
	}
	return satisfies(cand.Capabilities, cand.Distance, cand.HasDistance, filter)
}

// satisfies applies each required capability in filter against the
// candidate's advertised values. An unpublished energy or gps_coord (nil
// Energy, or no computable distance) is unrestricted (kept), per spec §4.2
// step 3. cpu_load, memory and disk_space are plain values: an offer that
// omits one of them decodes as 0, and 0 is what is compared.
func satisfies(caps Capabilities, distance float64, hasDistance bool, filter map[string]string) bool {
	for k, want := range filter {
		switch k {
		case "cpu_load":
			req, err := strconv.ParseFloat(want, 64)
			if err != nil {
				continue
			}
			if caps.CPULoad > req {
				return false
			}
		case "disk_space":
			req, err := strconv.ParseFloat(want, 64)
			if err != nil {
				continue
			}
			if caps.DiskSpace < req {
				return false
			}
		case "memory":
			req, err := strconv.ParseFloat(want, 64)
			if err != nil {
				continue
			}
			if caps.Memory < req {
				return false
			}
		case "energy":
			if caps.Energy == nil {
				continue
			}
			req, err := strconv.ParseFloat(want, 64)
			if err != nil {
				continue
			}
			if *caps.Energy < req {
				return false
			}
		case "gps_coord":
			if !hasDistance {
				continue
			}
			req, err := strconv.ParseFloat(want, 64)
			if err != nil {
				continue
			}
			if distance > req {
				return false
			}
		}
	}
	return true
}

// Filter applies Matches across candidates and returns the admitted subset,
// in the same order they were given.
func Filter(candidates []Candidate, procedure string, arity int, filter map[string]string) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if Matches(c, procedure, arity, filter) {
			out = append(out, c)
		}
	}
	return out
}
