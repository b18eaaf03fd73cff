package program_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/program"
)

func actor(b byte) ids.ActorId {
	var a ids.ActorId
	a[0] = b
	return a
}

func code(b byte) ids.CodeId {
	var c ids.CodeId
	c[0] = b
	return c
}

func TestCreateActiveThenGet(t *testing.T) {
	s := program.NewStore()
	a := actor(1)
	require.NoError(t, s.CreateActive(a, code(1), 0, ids.MessageId{}, 1000))

	p, err := s.Get(a)
	require.NoError(t, err)
	assert.Equal(t, program.StatusActive, p.Status)
	assert.Equal(t, program.Uninitialized, p.Init)

	require.NoError(t, s.MarkInitialized(a))
	p, err = s.Get(a)
	require.NoError(t, err)
	assert.Equal(t, program.Initialized, p.Init)
}

func TestCreateActiveDuplicateRejected(t *testing.T) {
	s := program.NewStore()
	a := actor(1)
	require.NoError(t, s.CreateActive(a, code(1), 0, ids.MessageId{}, 1000))
	err := s.CreateActive(a, code(1), 0, ids.MessageId{}, 1000)
	assert.ErrorIs(t, err, program.ErrAlreadyExists)
}

func TestExitResolvesDestinationToInheritor(t *testing.T) {
	s := program.NewStore()
	a, b := actor(1), actor(2)
	require.NoError(t, s.CreateActive(a, code(1), 0, ids.MessageId{}, 1000))
	require.NoError(t, s.CreateActive(b, code(1), 0, ids.MessageId{}, 1000))

	require.NoError(t, s.Exit(a, b))

	resolved := s.ResolveDestination(a)
	assert.Equal(t, b, resolved)
}

func TestResolveDestinationFollowsChainToActive(t *testing.T) {
	s := program.NewStore()
	a, b, c := actor(1), actor(2), actor(3)
	require.NoError(t, s.CreateActive(a, code(1), 0, ids.MessageId{}, 1000))
	require.NoError(t, s.CreateActive(b, code(1), 0, ids.MessageId{}, 1000))
	require.NoError(t, s.CreateActive(c, code(1), 0, ids.MessageId{}, 1000))

	require.NoError(t, s.Exit(a, b))
	require.NoError(t, s.Exit(b, c))

	assert.Equal(t, c, s.ResolveDestination(a))
}

func TestReservationLifecycle(t *testing.T) {
	s := program.NewStore()
	a := actor(1)
	require.NoError(t, s.CreateActive(a, code(1), 0, ids.MessageId{}, 1000))

	var rid ids.ReservationId
	rid[0] = 9
	require.NoError(t, s.AddReservation(a, rid, 500, 200))

	p, err := s.Get(a)
	require.NoError(t, err)
	assert.Equal(t, program.Reservation{Amount: 500, Finish: 200}, p.Reservations[rid])

	require.NoError(t, s.RemoveReservation(a, rid))
	p, err = s.Get(a)
	require.NoError(t, err)
	_, exists := p.Reservations[rid]
	assert.False(t, exists)
}

func TestBumpMemoryInfixIncrements(t *testing.T) {
	s := program.NewStore()
	a := actor(1)
	require.NoError(t, s.CreateActive(a, code(1), 0, ids.MessageId{}, 1000))

	infix, err := s.BumpMemoryInfix(a)
	require.NoError(t, err)
	assert.EqualValues(t, 1, infix)

	infix, err = s.BumpMemoryInfix(a)
	require.NoError(t, err)
	assert.EqualValues(t, 2, infix)
}

func TestCodeStoreAllOrNothing(t *testing.T) {
	cs := program.NewCodeStore()
	id := code(5)
	assert.False(t, cs.Has(id))

	cs.Put(id, []byte("orig"), []byte("instrumented"), program.SectionSizes{CodeSection: 10}, program.CodeMetadata{ScheduleVersion: 1})

	assert.True(t, cs.Has(id))
	orig, err := cs.Original(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), orig)

	instr, sections, err := cs.Instrumented(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("instrumented"), instr)
	assert.EqualValues(t, 10, sections.CodeSection)

	meta, err := cs.Metadata(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, meta.ScheduleVersion)

	cs.Remove(id)
	assert.False(t, cs.Has(id))
	_, err = cs.Original(id)
	assert.ErrorIs(t, err, program.ErrCodeNotFound)
}
