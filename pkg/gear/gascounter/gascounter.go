// Package gascounter holds the two mutable counters the spec calls GAS and
// GAS_ALLOWANCE: the authoritative fuel for one dispatch's execution,
// threaded through both the lazy-pages manager and the host call surface
// so every charge — page fault or syscall — draws from the same pool.
//
// pkg/gear/instrument also injects a bytecode-side copy of these as real
// WASM globals (gear_gas, gear_allowance), seeded from this package's
// fields before Invoke and reconciled back into them afterward by
// processor.Execute — see the comments there around Invoke. The two stay in
// sync only at call boundaries; during Invoke the WASM globals track
// bytecode-measured instruction cost while these Go fields keep tracking
// host-call charges, and the Processor folds the former into the latter
// once Invoke returns.
package gascounter

import (
	"errors"
	"fmt"

	"github.com/vara-network/vara-core/pkg/gear/gastree"
)

// ErrAllowanceExceeded distinguishes a block-allowance cutoff (execution
// may resume later) from outright gas exhaustion (execution may not).
var ErrAllowanceExceeded = errors.New("gascounter: allowance exceeded")

// Counters is the live fuel for one dispatch.
type Counters struct {
	Gas       uint64
	Allowance uint64
}

// New seeds both counters; Allowance is typically the remaining block
// allowance, Gas the amount precharged from the dispatch's gas node.
func New(gas, allowance uint64) *Counters {
	return &Counters{Gas: gas, Allowance: allowance}
}

// Charge deducts amount from both counters, failing (and leaving both
// counters unchanged) if either would go negative.
func (c *Counters) Charge(amount uint64) error {
	if amount > c.Gas {
		return fmt.Errorf("%w: requested %d, available %d", gastree.ErrInsufficientBalance, amount, c.Gas)
	}
	if amount > c.Allowance {
		return fmt.Errorf("%w: requested %d, available %d", ErrAllowanceExceeded, amount, c.Allowance)
	}
	c.Gas -= amount
	c.Allowance -= amount
	return nil
}
