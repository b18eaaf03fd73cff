package gascounter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vara-network/vara-core/pkg/gear/gascounter"
	"github.com/vara-network/vara-core/pkg/gear/gastree"
)

func TestChargeDeductsBothCounters(t *testing.T) {
	c := gascounter.New(100, 50)
	require := assert.New(t)
	require.NoError(c.Charge(10))
	require.EqualValues(90, c.Gas)
	require.EqualValues(40, c.Allowance)
}

func TestChargeBeyondGasFails(t *testing.T) {
	c := gascounter.New(5, 50)
	err := c.Charge(10)
	assert.ErrorIs(t, err, gastree.ErrInsufficientBalance)
	assert.EqualValues(t, 5, c.Gas)
}

func TestChargeBeyondAllowanceFails(t *testing.T) {
	c := gascounter.New(100, 5)
	err := c.Charge(10)
	assert.ErrorIs(t, err, gascounter.ErrAllowanceExceeded)
	assert.EqualValues(t, 100, c.Gas)
}
