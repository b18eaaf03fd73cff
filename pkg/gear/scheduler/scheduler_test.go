package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vara-network/vara-core/pkg/gear/scheduler"
)

func subj(b byte) [32]byte {
	var a [32]byte
	a[0] = b
	return a
}

func TestDrainUpToOrdersByBlockThenInsertion(t *testing.T) {
	s := scheduler.New()
	s.Schedule(scheduler.TaskWakeMessage, 10, subj(1), subj(0))
	s.Schedule(scheduler.TaskRemoveReservation, 5, subj(2), subj(0))
	s.Schedule(scheduler.TaskRemoveFromMailbox, 5, subj(3), subj(0))

	due := s.DrainUpTo(5)
	require.Len(t, due, 2)
	assert.Equal(t, subj(2), due[0].Subject)
	assert.Equal(t, subj(3), due[1].Subject)

	assert.Equal(t, 1, s.Len())
	due = s.DrainUpTo(9)
	assert.Len(t, due, 0)

	due = s.DrainUpTo(10)
	require.Len(t, due, 1)
	assert.Equal(t, subj(1), due[0].Subject)
	assert.Equal(t, 0, s.Len())
}

func TestScheduleReplacesExistingTaskForSameKindAndSubject(t *testing.T) {
	s := scheduler.New()
	s.Schedule(scheduler.TaskWakeMessage, 100, subj(1), subj(0))
	s.Schedule(scheduler.TaskWakeMessage, 50, subj(1), subj(0))

	require.Equal(t, 1, s.Len())
	due := s.DrainUpTo(50)
	require.Len(t, due, 1)
	assert.EqualValues(t, 50, due[0].Block)
}

func TestCancelRemovesPendingTask(t *testing.T) {
	s := scheduler.New()
	s.Schedule(scheduler.TaskRemoveFromWaitlist, 20, subj(9), subj(0))

	assert.True(t, s.Cancel(scheduler.TaskRemoveFromWaitlist, subj(9)))
	assert.False(t, s.Cancel(scheduler.TaskRemoveFromWaitlist, subj(9)))
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.DrainUpTo(1000))
}

func TestPeekReflectsEarliestPending(t *testing.T) {
	s := scheduler.New()
	_, ok := s.Peek()
	assert.False(t, ok)

	s.Schedule(scheduler.TaskSendDispatch, 30, subj(1), subj(0))
	s.Schedule(scheduler.TaskSendDispatch, 12, subj(2), subj(0))

	height, ok := s.Peek()
	require.True(t, ok)
	assert.EqualValues(t, 12, height)
}

func TestDifferentKindsForSameSubjectCoexist(t *testing.T) {
	s := scheduler.New()
	s.Schedule(scheduler.TaskRemoveFromMailbox, 10, subj(7), subj(0))
	s.Schedule(scheduler.TaskRemoveFromWaitlist, 10, subj(7), subj(0))

	assert.Equal(t, 2, s.Len())
	due := s.DrainUpTo(10)
	assert.Len(t, due, 2)
}
