// Package offer implements the Offer Catalog (spec §4.2): what this node
// publishes about itself, decoded views of what every other node publishes,
// and the capability-matching predicate both the Client Engine and Step
// Handler use to filter candidates for a job.
package offer

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Procedure is one offered entry point: a name plus its argument shape.
// ArgTypes elements are either "file" or any other token (spec §3).
type Procedure struct {
	Name     string
	ArgTypes []string
}

// Arity reports how many arguments Name expects.
func (p Procedure) Arity() int { return len(p.ArgTypes) }

// Capabilities is a snapshot of resource values this node (or a remote
// candidate) advertises. GPSCoord is nil when the node does not publish a
// location.
type Capabilities struct {
	GPSCoord  *Point
	CPULoad   float64
	Memory    float64
	DiskSpace float64
	Energy    *float64
}

// Point is a GPS coordinate pair.
type Point struct {
	X, Y float64
}

// Distance returns the Euclidean distance between two points.
func (p Point) Distance(o Point) float64 {
	dx, dy := p.X-o.X, p.Y-o.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Candidate is a remote node's offer, decoded from an RPCOFFER bundle
// (spec §6.4) plus its distance from the local node, if computable.
type Candidate struct {
	SID          string
	Procedures   []Procedure
	Capabilities Capabilities
	Distance     float64
	HasDistance  bool
}

// Offers reports whether the candidate publishes name/arity exactly.
func (c Candidate) Offers(name string, arity int) bool {
	for _, p := range c.Procedures {
		if p.Name == name && p.Arity() == arity {
			return true
		}
	}
	return false
}

// Catalog is the node's own offer plus a mutex-guarded view of remote
// candidates decoded from the store. Per spec §5 it is the single-writer
// (publisher), many-reader (handlers, selector) shared structure guarded by
// one reentrant-by-convention lock — Go mutexes aren't reentrant, so callers
// never call back into the Catalog while holding its lock.
type Catalog struct {
	mu sync.Mutex

	sid          string
	procedures   []Procedure
	capabilities Capabilities
	sampler      Sampler

	remotes map[string]Candidate
}

// Sampler resamples live capability values immediately before each
// publication cycle (spec §4.2 "Capability liveness").
type Sampler interface {
	Sample() Capabilities
}

// New constructs a Catalog for sid, offering procedures, sampled via s.
func New(sid string, procedures []Procedure, s Sampler) *Catalog {
	return &Catalog{
		sid:        sid,
		procedures: procedures,
		sampler:    s,
		remotes:    map[string]Candidate{},
	}
}

// Self resamples and returns the current local offer: procedures plus fresh
// capability values. Once energy has been sampled, the locally tracked value
// (as decremented by ConsumeEnergy) is kept across resamples. Callers
// publish this via Encode.
func (c *Catalog) Self() ([]Procedure, Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sampler != nil {
		energy := c.capabilities.Energy
		c.capabilities = c.sampler.Sample()
		if energy != nil && c.capabilities.Energy != nil {
			c.capabilities.Energy = energy
		}
	}
	return c.procedures, c.capabilities
}

// ConsumeEnergy decrements the locally tracked energy capability by delta,
// persisting the change so the next publication cycle reflects it (spec
// §4.6 step 9). A no-op if this node does not publish energy.
func (c *Catalog) ConsumeEnergy(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capabilities.Energy == nil {
		return
	}
	remaining := *c.capabilities.Energy - delta
	if remaining < 0 {
		remaining = 0
	}
	c.capabilities.Energy = &remaining
}

// SelfCapabilities returns the most recently sampled local capabilities
// without resampling, for use by the Step Handler's self-capability check.
func (c *Catalog) SelfCapabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// SelfSID returns this node's identity.
func (c *Catalog) SelfSID() string { return c.sid }

// SelfOffers reports whether this node offers name/arity.
func (c *Catalog) SelfOffers(name string, arity int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.procedures {
		if p.Name == name && p.Arity() == arity {
			return true
		}
	}
	return false
}

// PutRemote records or replaces the decoded offer for a remote sid.
func (c *Catalog) PutRemote(cand Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remotes[cand.SID] = cand
}

// Candidates returns a snapshot of every known remote candidate, excluding
// self and excluding excludeSID (used to drop the originator when the
// caller is an intermediate hop, per spec §4.2 step 1). Distance is filled
// in as the Euclidean distance from this node's own gps_coord when both
// this node and the candidate publish one (spec §3 "distance_from_self").
func (c *Catalog) Candidates(excludeSID string) []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	selfGPS := c.capabilities.GPSCoord
	out := make([]Candidate, 0, len(c.remotes))
	for sid, cand := range c.remotes {
		if sid == c.sid || (excludeSID != "" && sid == excludeSID) {
			continue
		}
		if selfGPS != nil && cand.Capabilities.GPSCoord != nil {
			cand.Distance = selfGPS.Distance(*cand.Capabilities.GPSCoord)
			cand.HasDistance = true
		}
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// Encode renders procedures and capabilities into the wire text format of
// spec §6.4.
func Encode(procedures []Procedure, caps Capabilities) []byte {
	var sb strings.Builder

	sb.WriteString("procedures: ")
	sb.WriteString(strconv.Itoa(len(procedures)))
	sb.WriteString("\n")
	for _, p := range procedures {
		sb.WriteString(p.Name)
		for _, a := range p.ArgTypes {
			sb.WriteString(" ")
			sb.WriteString(a)
		}
		sb.WriteString("\n")
	}

	fields := capabilityFields(caps)
	sb.WriteString("capabilities: ")
	sb.WriteString(strconv.Itoa(len(fields)))
	sb.WriteString("\n")
	for _, f := range fields {
		sb.WriteString(f)
		sb.WriteString("\n")
	}

	return []byte(sb.String())
}

func capabilityFields(caps Capabilities) []string {
	var fields []string
	fields = append(fields, "cpu_load="+formatFloat(caps.CPULoad))
	fields = append(fields, "memory="+formatFloat(caps.Memory))
	fields = append(fields, "disk_space="+formatFloat(caps.DiskSpace))
	if caps.Energy != nil {
		fields = append(fields, "energy="+formatFloat(*caps.Energy))
	}
	if caps.GPSCoord != nil {
		fields = append(fields, "gps_coord="+formatFloat(caps.GPSCoord.X)+","+formatFloat(caps.GPSCoord.Y))
	}
	return fields
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
