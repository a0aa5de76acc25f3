// Package breaker implements a per-destination-domain circuit breaker,
// gating outbound delivery attempts the way internal/domaininfo gates
// security-level transitions in the teacher: a mutex-guarded map keyed
// by domain, with no corpus library covering this concern (see
// DESIGN.md).
package breaker

import (
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Breaker tracks circuit state for every destination domain it has seen.
type Breaker struct {
	// Threshold is the number of consecutive failures before opening.
	Threshold int
	// CoolDown is how long the breaker stays open before allowing a
	// half-open probe.
	CoolDown time.Duration

	mu      sync.Mutex
	domains map[string]*entry
}

type entry struct {
	state           state
	consecutiveFail int
	openedAt        time.Time
	probeInFlight   bool
}

// New returns a Breaker with the given threshold and cool-down.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 300 * time.Second
	}
	return &Breaker{Threshold: threshold, CoolDown: coolDown, domains: map[string]*entry{}}
}

func (b *Breaker) entryFor(domain string) *entry {
	e, ok := b.domains[domain]
	if !ok {
		e = &entry{}
		b.domains[domain] = e
	}
	return e
}

// Allow reports whether a delivery attempt to domain may proceed, and if
// so whether it is a half-open probe (exempt from rate limiting, and the
// caller must call Report with its outcome before any other attempt to
// the same domain will be admitted while still half-open).
func (b *Breaker) Allow(domain string) (allowed bool, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(domain)
	switch e.state {
	case closed:
		return true, false
	case open:
		if time.Since(e.openedAt) >= b.CoolDown {
			e.state = halfOpen
			e.probeInFlight = true
			return true, true
		}
		return false, false
	case halfOpen:
		if e.probeInFlight {
			return false, false
		}
		e.probeInFlight = true
		return true, true
	}
	return false, false
}

// Report records the outcome of an attempt previously admitted by Allow.
func (b *Breaker) Report(domain string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(domain)
	if success {
		e.state = closed
		e.consecutiveFail = 0
		e.probeInFlight = false
		return
	}

	e.probeInFlight = false
	e.consecutiveFail++
	if e.state == halfOpen || e.consecutiveFail >= b.Threshold {
		e.state = open
		e.openedAt = time.Now()
	}
}

// State returns a label for domain's current state, for inspection via
// the control plane.
func (b *Breaker) State(domain string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.entryFor(domain).state {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
