package lazypages_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/gastree"
	"github.com/vara-network/vara-core/pkg/gear/lazypages"
)

type fakeSource struct {
	pages map[uint32][]byte
}

func (f *fakeSource) ReadPage(infix, page uint32) ([]byte, bool, error) {
	d, ok := f.pages[page]
	return d, ok, nil
}

type fakeCharger struct {
	balance uint64
	spent   uint64
}

func (c *fakeCharger) Charge(amount uint64) error {
	if amount > c.balance {
		return gastree.ErrInsufficientBalance
	}
	c.balance -= amount
	c.spent += amount
	return nil
}

func schedule() *gearconfig.Schedule { return gearconfig.DefaultSchedule() }

func TestFirstReadChargesSignalReadAndLoadCost(t *testing.T) {
	src := &fakeSource{pages: map[uint32][]byte{5: []byte("hello")}}
	charger := &fakeCharger{balance: 1_000_000}
	m := lazypages.New(1, schedule(), src, charger)

	data, err := m.OnSignalRead(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	expected := schedule().SignalRead + schedule().LoadPageStorageData
	assert.EqualValues(t, expected, charger.spent)

	// Second read of the same page is free (already paged in).
	spentBefore := charger.spent
	_, err = m.OnSignalRead(5)
	require.NoError(t, err)
	assert.Equal(t, spentBefore, charger.spent)
}

func TestWriteAfterReadChargesCheaperRate(t *testing.T) {
	src := &fakeSource{pages: map[uint32][]byte{}}
	charger := &fakeCharger{balance: 1_000_000}
	m := lazypages.New(1, schedule(), src, charger)

	_, err := m.OnSignalRead(2)
	require.NoError(t, err)
	spentAfterRead := charger.spent

	require.NoError(t, m.OnSignalWrite(2))
	writeCost := charger.spent - spentAfterRead
	assert.EqualValues(t, schedule().SignalWriteAfterRead, writeCost)

	dirty := m.DirtyPages()
	require.Contains(t, dirty, uint32(2))
}

func TestUnwrittenPageDefaultsToZeroFilledBuffer(t *testing.T) {
	src := &fakeSource{pages: map[uint32][]byte{}}
	charger := &fakeCharger{balance: 1_000_000}
	m := lazypages.New(1, schedule(), src, charger)

	data, err := m.OnSignalRead(9)
	require.NoError(t, err)
	assert.Len(t, data, gearconfig.GearPageSize)
	for _, b := range data {
		assert.Zero(t, b)
	}
}

func TestInsufficientGasSetsGasLimitExceededAndLatchesFailure(t *testing.T) {
	src := &fakeSource{pages: map[uint32][]byte{}}
	charger := &fakeCharger{balance: 1} // not enough even for SignalRead
	m := lazypages.New(1, schedule(), src, charger)

	_, err := m.OnSignalRead(1)
	require.Error(t, err)
	assert.Equal(t, lazypages.GasLimitExceeded, m.Status())

	_, err = m.OnSignalRead(2)
	assert.ErrorIs(t, err, lazypages.ErrAlreadyFailed)
}

func TestHostFuncWriteRecordsDirtyPageAndAccessed(t *testing.T) {
	src := &fakeSource{pages: map[uint32][]byte{}}
	charger := &fakeCharger{balance: 1_000_000}
	m := lazypages.New(1, schedule(), src, charger)

	require.NoError(t, m.OnHostFuncWrite(3, []byte("payload")))

	dirty := m.DirtyPages()
	assert.Equal(t, []byte("payload"), dirty[3])

	accessed := m.Accessed()
	_, ok := accessed[3]
	assert.True(t, ok)
}
