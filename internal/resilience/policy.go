package resilience

import (
	"math/rand"
	"sync"
)

// FaultPolicy decides whether an event send should be dropped for a
// connection at a given degradation level. Pulling this behind an
// interface keeps randomness out of the delivery core and lets tests swap
// in deterministic sequences.
type FaultPolicy interface {
	ShouldDrop(level DegradationLevel) bool
}

// DropRates maps degradation levels to drop probabilities in [0,1].
type DropRates map[DegradationLevel]float64

// DefaultDropRates returns the baseline policy: no drops when healthy,
// materially higher rates as degradation worsens.
func DefaultDropRates() DropRates {
	return DropRates{
		DegradationNone:     0,
		DegradationLight:    0.05,
		DegradationModerate: 0.25,
		DegradationSevere:   0.75,
	}
}

// ProbabilisticPolicy drops sends with a per-level probability. The seed
// is explicit so runs can be reproduced.
type ProbabilisticPolicy struct {
	mu    sync.Mutex
	rates DropRates
	rng   *rand.Rand
}

// NewProbabilisticPolicy creates a policy with the given rates, falling
// back to DefaultDropRates when rates is nil.
func NewProbabilisticPolicy(rates DropRates, seed int64) *ProbabilisticPolicy {
	if rates == nil {
		rates = DefaultDropRates()
	}
	return &ProbabilisticPolicy{
		rates: rates,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// ShouldDrop samples the drop decision for level.
func (p *ProbabilisticPolicy) ShouldDrop(level DegradationLevel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rate, ok := p.rates[level]
	if !ok || rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return p.rng.Float64() < rate
}

// SequencePolicy replays a scripted sequence of drop decisions regardless
// of level, for deterministic tests. Once the sequence is exhausted every
// further send goes through.
type SequencePolicy struct {
	mu        sync.Mutex
	decisions []bool
	next      int
}

// NewSequencePolicy creates a policy replaying decisions in order.
func NewSequencePolicy(decisions ...bool) *SequencePolicy {
	return &SequencePolicy{decisions: decisions}
}

// ShouldDrop returns the next scripted decision.
func (p *SequencePolicy) ShouldDrop(level DegradationLevel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next >= len(p.decisions) {
		return false
	}
	d := p.decisions[p.next]
	p.next++
	return d
}
