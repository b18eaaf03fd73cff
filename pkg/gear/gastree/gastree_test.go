package gastree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vara-network/vara-core/pkg/gear/gastree"
)

func id(b byte) gastree.NodeId {
	var n gastree.NodeId
	n[0] = b
	return n
}

func TestCreateIncreasesIssuance(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)

	_, err := tr.Create(root, 100)
	require.NoError(t, err)

	assert.EqualValues(t, 100, tr.TotalIssuance())
	assert.EqualValues(t, 100, tr.SumOfNodeValues())

	limit, err := tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 100, limit)
}

func TestCreateDuplicateRejected(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	_, err := tr.Create(root, 100)
	require.NoError(t, err)

	_, err = tr.Create(root, 1)
	assert.ErrorIs(t, err, gastree.ErrNodeAlreadyExists)
}

// TestSplitAndSpendScenario is spec §8 scenario 2 verbatim: create(r,100);
// split_with_value(r,40)->c; spend(c,30); consume(c) refunds 10, value(r)
// stays at 60, and issuance decreases by the 30 spent.
func TestSplitAndSpendScenario(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	child := id(2)

	_, err := tr.Create(root, 100)
	require.NoError(t, err)

	require.NoError(t, tr.SplitWithValue(root, child, 40))

	rootLimit, err := tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 60, rootLimit)

	childLimit, err := tr.GetLimit(child)
	require.NoError(t, err)
	assert.EqualValues(t, 40, childLimit)

	neg, err := tr.Spend(child, 30)
	require.NoError(t, err)

	childLimit, err = tr.GetLimit(child)
	require.NoError(t, err)
	assert.EqualValues(t, 10, childLimit)

	refund, err := tr.Consume(child)
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.EqualValues(t, 10, refund.Amount)
	refund.Drop(tr)

	rootLimit, err = tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 60, rootLimit)

	assert.False(t, tr.Exists(child))
	assert.True(t, tr.Exists(root))

	// Dropping the spend's negative imbalance is what actually burns the
	// 30 gas out of TotalIssuance; the refund's positive drop is a no-op.
	neg.Drop(tr)
	assert.EqualValues(t, 70, tr.TotalIssuance())
}

func TestSpendBeyondAvailableFails(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	_, err := tr.Create(root, 10)
	require.NoError(t, err)

	_, err = tr.Spend(root, 11)
	assert.ErrorIs(t, err, gastree.ErrInsufficientBalance)
}

func TestUnspecifiedLocalForwardsToNearestValueOwner(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	a := id(2)
	b := id(3)

	_, err := tr.Create(root, 50)
	require.NoError(t, err)
	require.NoError(t, tr.Split(root, a))
	require.NoError(t, tr.Split(a, b))

	limit, err := tr.GetLimit(b)
	require.NoError(t, err)
	assert.EqualValues(t, 50, limit)

	_, err = tr.Spend(b, 20)
	require.NoError(t, err)

	limit, err = tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 30, limit)
}

func TestLockForbiddenOnUnspecifiedLocal(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	a := id(2)
	_, err := tr.Create(root, 50)
	require.NoError(t, err)
	require.NoError(t, tr.Split(root, a))

	err = tr.Lock(a, gastree.LockMailbox, 10)
	assert.ErrorIs(t, err, gastree.ErrForbidden)
}

func TestLockUnlockRoundTrip(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	_, err := tr.Create(root, 50)
	require.NoError(t, err)

	require.NoError(t, tr.Lock(root, gastree.LockMailbox, 20))
	limit, err := tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 30, limit)

	locked, err := tr.GetLock(root, gastree.LockMailbox)
	require.NoError(t, err)
	assert.EqualValues(t, 20, locked)

	require.NoError(t, tr.Unlock(root, gastree.LockMailbox, 20))
	limit, err = tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 50, limit)
}

func TestCutIsDetachedFromParent(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	cut := id(2)
	_, err := tr.Create(root, 100)
	require.NoError(t, err)

	require.NoError(t, tr.Cut(root, cut, 25))

	rootLimit, err := tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 75, rootLimit)

	_, err = tr.GetExternal(cut)
	assert.ErrorIs(t, err, gastree.ErrUnrecoverableAncestor)

	refund, err := tr.Consume(cut)
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.EqualValues(t, 25, refund.Amount)
}

func TestConsumeCascadesThroughUnspecifiedLocalChain(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	a := id(2)
	b := id(3)

	_, err := tr.Create(root, 10)
	require.NoError(t, err)
	require.NoError(t, tr.Split(root, a))
	require.NoError(t, tr.Split(a, b))

	// Consume leaves (b) first, then the middle node (a); each should
	// decrement its parent's ref count, and since both were already marked
	// consumed the whole chain collapses down to root once unreferenced.
	refund, err := tr.Consume(b)
	require.NoError(t, err)
	assert.Nil(t, refund) // UnspecifiedLocal owns no value itself.
	assert.False(t, tr.Exists(b))
	assert.True(t, tr.Exists(a)) // a has no outstanding refs and wasn't consumed yet.

	refund, err = tr.Consume(a)
	require.NoError(t, err)
	assert.Nil(t, refund)
	assert.False(t, tr.Exists(a))
	assert.True(t, tr.Exists(root)) // root was never consumed, so it survives.

	rootLimit, err := tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 10, rootLimit)
}

// TestGasConservationProperty is property P1 from spec §8: at every point,
// TotalIssuance equals the sum of all live node values plus whatever has
// been spent-but-not-yet-dropped, plus the refunds Consume handed out of
// the tree. Here we drive Spend's NegativeImbalance straight to Drop (as
// the processor does once gas is burned for real), and assert the
// invariant after a sequence of splits, spends and consumes with
// arbitrary ordering.
func TestGasConservationProperty(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	c1 := id(2)
	c2 := id(3)

	_, err := tr.Create(root, 1000)
	require.NoError(t, err)
	require.NoError(t, tr.SplitWithValue(root, c1, 300))
	require.NoError(t, tr.SplitWithValue(root, c2, 200))

	spent := uint64(0)

	neg, err := tr.Spend(c1, 120)
	require.NoError(t, err)
	neg.Drop(tr)
	spent += 120

	neg, err = tr.Spend(c2, 50)
	require.NoError(t, err)
	neg.Drop(tr)
	spent += 50

	refunded := uint64(0)
	refund1, err := tr.Consume(c1)
	require.NoError(t, err)
	if refund1 != nil {
		refunded += refund1.Amount
		refund1.Drop(tr)
	}
	refund2, err := tr.Consume(c2)
	require.NoError(t, err)
	if refund2 != nil {
		refunded += refund2.Amount
		refund2.Drop(tr)
	}

	// Only spending lowers issuance; each consumed child's unspent residual
	// (180 and 150) left the tree as a refund, and every other unit not
	// spent is still sitting in a live node (root's 500).
	assert.EqualValues(t, 1000-spent, tr.TotalIssuance())
	assert.EqualValues(t, 1000-spent-refunded, tr.SumOfNodeValues())
}

func TestOffsetCancelsMatchingImbalances(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	_, err := tr.Create(root, 100)
	require.NoError(t, err)

	neg, err := tr.Spend(root, 40)
	require.NoError(t, err)

	pos := &gastree.PositiveImbalance{Amount: 40}
	leftoverPos, leftoverNeg := tr.Offset(pos, neg)
	assert.Nil(t, leftoverPos)
	assert.Nil(t, leftoverNeg)

	// Issuance untouched by Offset: Spend already took the 40 out of root,
	// but only dropping the NegativeImbalance would lower issuance, and
	// Offset cancels it against the positive token instead (Offset doesn't
	// itself burn anything).
	assert.EqualValues(t, 100, tr.TotalIssuance())
}

func TestReserveAndFinishBlock(t *testing.T) {
	tr := gastree.NewTree()
	root := id(1)
	resv := id(2)
	_, err := tr.Create(root, 100)
	require.NoError(t, err)

	require.NoError(t, tr.Reserve(root, resv, 30, 42))

	kind, err := tr.KindOf(resv)
	require.NoError(t, err)
	assert.Equal(t, gastree.Reserved, kind)

	fb, err := tr.FinishBlockOf(resv)
	require.NoError(t, err)
	assert.EqualValues(t, 42, fb)

	rootLimit, err := tr.GetLimit(root)
	require.NoError(t, err)
	assert.EqualValues(t, 70, rootLimit)
}
