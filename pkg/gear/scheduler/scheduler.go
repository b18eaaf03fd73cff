package scheduler

import (
	"container/heap"
	"sync"
)

// Scheduler is the block-indexed pool of pending tasks. It is safe for
// concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	tq   taskHeap
	seq  uint64
	byId map[taskKey]*Task
}

// taskKey identifies a scheduled task for cancellation, since a Subject
// can have at most one pending task of a given Kind at a time.
type taskKey struct {
	kind    TaskKind
	subject [32]byte
}

// New returns an empty scheduler.
func New() *Scheduler {
	s := &Scheduler{byId: make(map[taskKey]*Task)}
	heap.Init(&s.tq)
	return s
}

// Schedule enqueues a task to fire at block. If a task of the same Kind
// already exists for Subject, it is replaced (spec §4.E: rescheduling a
// wake/expiry supersedes the previous one rather than duplicating it).
func (s *Scheduler) Schedule(kind TaskKind, block uint32, subject, context [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := taskKey{kind: kind, subject: subject}
	if existing, ok := s.byId[key]; ok {
		s.tq.remove(existing)
	}

	t := &Task{Kind: kind, Block: block, Subject: subject, Context: context, Sequence: s.seq}
	s.seq++
	s.byId[key] = t
	heap.Push(&s.tq, t)
}

// Cancel removes a previously scheduled task, if present. Returns true if
// a task was actually removed.
func (s *Scheduler) Cancel(kind TaskKind, subject [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := taskKey{kind: kind, subject: subject}
	t, ok := s.byId[key]
	if !ok {
		return false
	}
	s.tq.remove(t)
	delete(s.byId, key)
	return true
}

// DrainUpTo pops and returns every task scheduled for block <= height, in
// (Block, Sequence) order, removing them from the pool.
func (s *Scheduler) DrainUpTo(height uint32) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	for s.tq.Len() > 0 && s.tq[0].Block <= height {
		t := heap.Pop(&s.tq).(*Task)
		delete(s.byId, taskKey{kind: t.Kind, subject: t.Subject})
		due = append(due, t)
	}
	return due
}

// Len reports the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tq.Len()
}

// Peek returns the earliest pending task's block and whether one exists.
func (s *Scheduler) Peek() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tq.Len() == 0 {
		return 0, false
	}
	return s.tq[0].Block, true
}
