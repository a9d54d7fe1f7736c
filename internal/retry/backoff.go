// Package retry computes reconnect schedules: exponential backoff with
// additive jitter, capped below a maximum delay.
package retry

import (
	"math/rand"
	"sync"
	"time"
)

// ── Defaults ─────────────────────────────────────────────────────────

const (
	// DefaultBase is the delay unit for the first retry.
	DefaultBase = 250 * time.Millisecond
	// DefaultMaxDelay bounds every computed delay (exclusive).
	DefaultMaxDelay = 30 * time.Second
	// DefaultCap limits the exponent so Base<<Cap cannot overflow.
	DefaultCap = 16
)

// ── Policy ───────────────────────────────────────────────────────────

// Policy computes the delay before reconnect attempt n.
//
//	delay(n) = min(Base·2^min(n, Cap), MaxDelay−Base) + U[0, Base)
//
// so every delay is strictly below MaxDelay and the expected delay is
// non-decreasing in n.  A Policy is safe for concurrent use.
type Policy struct {
	// Base is the backoff unit and the width of the jitter window.
	Base time.Duration
	// MaxDelay is the exclusive upper bound on any delay.  It must be
	// greater than Base.
	MaxDelay time.Duration
	// Cap is the largest exponent applied to Base.
	Cap uint32

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy returns a Policy, replacing non-positive values with the
// package defaults.  A MaxDelay not above Base is raised to 2·Base.
func NewPolicy(base, maxDelay time.Duration, maxExp uint32) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay <= base {
		maxDelay = 2 * base
	}
	if maxExp == 0 {
		maxExp = DefaultCap
	}
	return &Policy{
		Base:     base,
		MaxDelay: maxDelay,
		Cap:      maxExp,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed makes the jitter sequence reproducible.
func (p *Policy) Seed(seed int64) {
	p.mu.Lock()
	p.rng = rand.New(rand.NewSource(seed))
	p.mu.Unlock()
}

// NextDelay returns the delay to wait before attempt (0-based).
func (p *Policy) NextDelay(attempt uint32) time.Duration {
	return p.Ceiling(attempt) + p.jitter()
}

// Ceiling returns the deterministic part of NextDelay, without jitter.
func (p *Policy) Ceiling(attempt uint32) time.Duration {
	exp := attempt
	if exp > p.Cap {
		exp = p.Cap
	}
	limit := p.MaxDelay - p.Base
	d := p.Base
	for i := uint32(0); i < exp; i++ {
		if d >= limit {
			break
		}
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

func (p *Policy) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rng.Int63n(int64(p.Base)))
}
