package gastree

// PositiveImbalance is the token returned by a value-creating step
// (create, or the refund produced by consume). Its holder must either
// Offset it against a matching NegativeImbalance or explicitly Drop it;
// an un-offset Drop of a PositiveImbalance never inflates TotalIssuance —
// the value it represents was already counted when it was created.
type PositiveImbalance struct {
	Amount  uint64
	dropped bool
}

// NegativeImbalance is the token returned by a value-destroying step
// (spend). Dropping one decreases TotalIssuance by its Amount, saturating
// at zero; Offsetting it against a PositiveImbalance cancels without
// touching TotalIssuance at all.
type NegativeImbalance struct {
	Amount  uint64
	dropped bool
}

// Drop finalizes a PositiveImbalance. See Tree.DropPositive.
func (p *PositiveImbalance) Drop(t *Tree) { t.DropPositive(p) }

// Drop finalizes a NegativeImbalance. See Tree.DropNegative.
func (n *NegativeImbalance) Drop(t *Tree) { t.DropNegative(n) }

// DropPositive marks a PositiveImbalance consumed without adjusting
// TotalIssuance (spec §4.D imbalance discipline).
func (t *Tree) DropPositive(p *PositiveImbalance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p == nil || p.dropped {
		return
	}
	p.dropped = true
}

// DropNegative marks a NegativeImbalance consumed and decreases
// TotalIssuance by its Amount, saturating at zero.
func (t *Tree) DropNegative(n *NegativeImbalance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n == nil || n.dropped {
		return
	}
	n.dropped = true
	if n.Amount >= t.totalIssuance {
		t.totalIssuance = 0
	} else {
		t.totalIssuance -= n.Amount
	}
}

// Offset pairs a PositiveImbalance and a NegativeImbalance, canceling the
// smaller into the larger. Exactly one of the two return values is
// non-nil unless the amounts were equal, in which case both are nil and
// both inputs are marked dropped with no effect on TotalIssuance.
func (t *Tree) Offset(p *PositiveImbalance, n *NegativeImbalance) (*PositiveImbalance, *NegativeImbalance) {
	if p == nil && n == nil {
		return nil, nil
	}
	if p == nil {
		return nil, n
	}
	if n == nil {
		return p, nil
	}

	p.dropped = true
	n.dropped = true

	switch {
	case p.Amount == n.Amount:
		return nil, nil
	case p.Amount > n.Amount:
		return &PositiveImbalance{Amount: p.Amount - n.Amount}, nil
	default:
		return nil, &NegativeImbalance{Amount: n.Amount - p.Amount}
	}
}
