package main

import (
	"fmt"
	"sync"

	"github.com/vara-network/vara-core/pkg/gear/ids"
)

// memoryValueLedger is the demonstration node's journal.ValueLedger: an
// in-memory per-actor balance table. A host embedding the runtime for
// real would plug in its own transferable-balance module here instead;
// this one exists so NoteSendValue notes have somewhere to land.
type memoryValueLedger struct {
	mu       sync.Mutex
	balances map[ids.ActorId]uint64
}

func newMemoryValueLedger() *memoryValueLedger {
	return &memoryValueLedger{balances: make(map[ids.ActorId]uint64)}
}

func (l *memoryValueLedger) Credit(actor ids.ActorId, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[actor] += amount
}

func (l *memoryValueLedger) Balance(actor ids.ActorId) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[actor]
}

func (l *memoryValueLedger) Transfer(from, to ids.ActorId, amount uint64) error {
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return fmt.Errorf("value ledger: %s has insufficient balance for transfer of %d", from, amount)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}
