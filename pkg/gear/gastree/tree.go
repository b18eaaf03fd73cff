// Package gastree implements the persistent forest of gas nodes described
// in spec §4.D: ownership, splitting, cutting, locking, reservation and
// refund of gas value across asynchronous message chains, with exact-sum
// conservation (property P1 in spec §8).
//
// Grounded on pkg/contracts/engine/gas_meter.go's single flat GasMeterImpl
// (ConsumeGas/RefundGas/mutex-guarded counters), generalized from one meter
// per execution into a keyed forest of nodes that survives across blocks.
package gastree

import (
	"fmt"
	"sync"
)

// Tree is a persistent forest of gas nodes, keyed by NodeId.
type Tree struct {
	mu             sync.RWMutex
	nodes          map[NodeId]*node
	totalIssuance  uint64
}

// NewTree returns an empty gas tree.
func NewTree() *Tree {
	return &Tree{nodes: make(map[NodeId]*node)}
}

// TotalIssuance returns the tree's recorded total issuance (spec invariant
// P1: it must equal the sum of all node values plus all outstanding
// imbalances at every block boundary).
func (t *Tree) TotalIssuance() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalIssuance
}

// SumOfNodeValues returns the sum of Value across every live node,
// ignoring UnspecifiedLocal nodes which own no value of their own. Used
// by property tests to check P1/P8 alongside outstanding imbalances.
func (t *Tree) SumOfNodeValues() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sum uint64
	for _, n := range t.nodes {
		if n.Kind.ownsValue() {
			sum += n.Value
		}
	}
	return sum
}

func (t *Tree) get(id NodeId) (*node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrNodeNotFound, id)
	}
	return n, nil
}

// resolveValueOwner walks parent links starting at id until it finds a
// node that owns its own value (spec: "walking to the nearest
// specified-value ancestor").
func (t *Tree) resolveValueOwner(id NodeId) (NodeId, *node, error) {
	cur := id
	for i := 0; i < len(t.nodes)+1; i++ {
		n, err := t.get(cur)
		if err != nil {
			return NodeId{}, nil, err
		}
		if n.Kind.ownsValue() {
			return cur, n, nil
		}
		cur = *n.Parent
	}
	return NodeId{}, nil, fmt.Errorf("%w: parent chain exceeds tree size, likely a cycle", ErrInvariantViolation)
}

// Create issues a new External root with value=amount, increasing total
// issuance by amount.
func (t *Tree) Create(root NodeId, amount uint64) (*PositiveImbalance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[root]; exists {
		return nil, fmt.Errorf("%w: %x", ErrNodeAlreadyExists, root)
	}
	n := newNode(External, nil, amount)
	t.nodes[root] = n
	t.totalIssuance += amount
	return &PositiveImbalance{Amount: amount}, nil
}

// CreateDeposit behaves like Create but marks the root as a reply-deposit
// funded node (see SPEC_FULL.md §9 mailbox-threshold rule).
func (t *Tree) CreateDeposit(root NodeId, amount uint64) (*PositiveImbalance, error) {
	t.mu.Lock()
	imb, err := func() (*PositiveImbalance, error) {
		if _, exists := t.nodes[root]; exists {
			return nil, fmt.Errorf("%w: %x", ErrNodeAlreadyExists, root)
		}
		n := newNode(External, nil, amount)
		n.Deposit = true
		t.nodes[root] = n
		t.totalIssuance += amount
		return &PositiveImbalance{Amount: amount}, nil
	}()
	t.mu.Unlock()
	return imb, err
}

// Split adds an UnspecifiedLocal child sharing parent's pool.
func (t *Tree) Split(parent, child NodeId) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.get(parent)
	if err != nil {
		return err
	}
	if _, exists := t.nodes[child]; exists {
		return fmt.Errorf("%w: %x", ErrNodeAlreadyExists, child)
	}
	n := newNode(UnspecifiedLocal, &parent, 0)
	t.nodes[child] = n
	p.Refs++
	return nil
}

// SplitWithValue deducts amt from parent's available value and creates a
// SpecifiedLocal child owning exactly amt.
func (t *Tree) SplitWithValue(parent, child NodeId, amt uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deductAndCreateChild(parent, child, amt, SpecifiedLocal, nil)
}

// Cut behaves like SplitWithValue but the produced node is detached: it
// has no parent link and its residual never flows back on consume.
func (t *Tree) Cut(parent, child NodeId, amt uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, owner, err := t.resolveValueOwner(parent)
	if err != nil {
		return err
	}
	if owner.available() < amt {
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBalance, amt, owner.available())
	}
	if _, exists := t.nodes[child]; exists {
		return fmt.Errorf("%w: %x", ErrNodeAlreadyExists, child)
	}
	owner.Value -= amt
	t.nodes[child] = newNode(Cut, nil, amt)
	return nil
}

// Reserve creates a Reserved node with amt drawn from parent, usable as a
// root for messages sent later from the reservation.
func (t *Tree) Reserve(parent, reservation NodeId, amt uint64, finish uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deductAndCreateChild(parent, reservation, amt, Reserved, &finish)
}

func (t *Tree) deductAndCreateChild(parent, child NodeId, amt uint64, kind Kind, finish *uint32) error {
	_, owner, err := t.resolveValueOwner(parent)
	if err != nil {
		return err
	}
	if owner.available() < amt {
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBalance, amt, owner.available())
	}
	if _, exists := t.nodes[child]; exists {
		return fmt.Errorf("%w: %x", ErrNodeAlreadyExists, child)
	}
	owner.Value -= amt
	n := newNode(kind, &parent, amt)
	if finish != nil {
		n.FinishBlock = *finish
	}
	t.nodes[child] = n
	pp, err := t.get(parent)
	if err != nil {
		return err
	}
	pp.Refs++
	return nil
}

// Spend decreases id's value (walking to the nearest specified-value
// ancestor) by amt, producing a NegativeImbalance of amt.
func (t *Tree) Spend(id NodeId, amt uint64) (*NegativeImbalance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, owner, err := t.resolveValueOwner(id)
	if err != nil {
		return nil, err
	}
	if owner.available() < amt {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBalance, amt, owner.available())
	}
	owner.Value -= amt
	return &NegativeImbalance{Amount: amt}, nil
}

// Lock reserves amt of id's own value under lockKind; only valid on
// value-owning node variants (External, Cut, Reserved, SpecifiedLocal).
func (t *Tree) Lock(id NodeId, kind LockKind, amt uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}
	if !n.Kind.ownsValue() {
		return fmt.Errorf("%w: cannot lock an %s node directly", ErrForbidden, n.Kind)
	}
	if n.available() < amt {
		return fmt.Errorf("%w: requested lock %d, available %d", ErrInsufficientBalance, amt, n.available())
	}
	n.Locks[kind] += amt
	return nil
}

// Unlock releases amt of a previous lock of the given kind.
func (t *Tree) Unlock(id NodeId, kind LockKind, amt uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}
	if !n.Kind.ownsValue() {
		return fmt.Errorf("%w: cannot unlock an %s node directly", ErrForbidden, n.Kind)
	}
	have := n.Locks[kind]
	if have < amt {
		return fmt.Errorf("%w: unlocking %d but only %d locked under %v", ErrInvariantViolation, amt, have, kind)
	}
	n.Locks[kind] = have - amt
	if n.Locks[kind] == 0 {
		delete(n.Locks, kind)
	}
	return nil
}

// UnlockAll releases every lock of the given kind on id.
func (t *Tree) UnlockAll(id NodeId, kind LockKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}
	delete(n.Locks, kind)
	return nil
}

// GetLimit returns the value available to spend starting from id (after
// resolving to its nearest value-owning ancestor).
func (t *Tree) GetLimit(id NodeId) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, owner, err := t.resolveValueOwner(id)
	if err != nil {
		return 0, err
	}
	return owner.available(), nil
}

// GetLock returns the amount locked under kind directly on id.
func (t *Tree) GetLock(id NodeId, kind LockKind) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.get(id)
	if err != nil {
		return 0, err
	}
	return n.Locks[kind], nil
}

// GetExternal walks parent links to the External root that ultimately
// owns the message chain rooted at id.
func (t *Tree) GetExternal(id NodeId) (NodeId, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := id
	for i := 0; i < len(t.nodes)+1; i++ {
		n, err := t.get(cur)
		if err != nil {
			return NodeId{}, err
		}
		if n.Kind == External {
			return cur, nil
		}
		if n.Parent == nil {
			return NodeId{}, fmt.Errorf("%w: %s node %x has no parent and is not External", ErrUnrecoverableAncestor, n.Kind, cur)
		}
		cur = *n.Parent
	}
	return NodeId{}, fmt.Errorf("%w: parent chain exceeds tree size, likely a cycle", ErrInvariantViolation)
}

// Consume marks id consumed. If it has no live refs it is removed and the
// residual propagated: an UnspecifiedLocal child returns its (always
// zero) residual and decrements its parent's ref count, cascading removal
// if the parent was already marked consumed and now has no refs either; a
// value-owning child's residual becomes a PositiveImbalance refund, and
// (for SpecifiedLocal/Reserved, which have a parent) also decrements the
// parent's ref count with the same cascade. Consuming a node that still
// has live refs only marks it consumed; removal happens when the last ref
// drops via a later Consume of a dependent node.
func (t *Tree) Consume(id NodeId) (*PositiveImbalance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumeLocked(id)
}

func (t *Tree) consumeLocked(id NodeId) (*PositiveImbalance, error) {
	n, err := t.get(id)
	if err != nil {
		return nil, err
	}
	n.Consumed = true
	if n.Refs > 0 {
		return nil, nil
	}
	return t.removeLocked(id, n)
}

func (t *Tree) removeLocked(id NodeId, n *node) (*PositiveImbalance, error) {
	delete(t.nodes, id)

	var refund *PositiveImbalance
	if n.Kind.ownsValue() {
		if n.Value > 0 {
			refund = &PositiveImbalance{Amount: n.Value}
		}
	}

	if n.Parent == nil {
		return refund, nil
	}

	parent, err := t.get(*n.Parent)
	if err != nil {
		// Parent already gone: nothing left to decrement or cascade into.
		return refund, nil
	}
	if parent.Refs > 0 {
		parent.Refs--
	}
	if parent.Consumed && parent.Refs == 0 {
		cascaded, err := t.removeLocked(*n.Parent, parent)
		if err != nil {
			return refund, err
		}
		if cascaded != nil {
			if refund == nil {
				refund = cascaded
			} else {
				refund.Amount += cascaded.Amount
			}
		}
	}
	return refund, nil
}

// Exists reports whether a node is currently present in the tree.
func (t *Tree) Exists(id NodeId) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[id]
	return ok
}

// KindOf returns the variant of a live node, for callers that branch on it
// (e.g. the scheduler deciding whether a reservation has a FinishBlock).
func (t *Tree) KindOf(id NodeId) (Kind, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.get(id)
	if err != nil {
		return 0, err
	}
	return n.Kind, nil
}

// FinishBlockOf returns the FinishBlock of a Reserved node.
func (t *Tree) FinishBlockOf(id NodeId) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.get(id)
	if err != nil {
		return 0, err
	}
	if n.Kind != Reserved {
		return 0, fmt.Errorf("%w: %s is not Reserved", ErrForbidden, n.Kind)
	}
	return n.FinishBlock, nil
}
