package queue

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/vara-network/vara-core/pkg/gear/ids"
)

// ErrNotFound is returned when an id is looked up in a table it is not
// (or no longer) present in.
var ErrNotFound = fmt.Errorf("queue: entry not found")

// MessageQueue is the persistent FIFO of dispatches awaiting execution,
// drained head-first once per block.
type MessageQueue struct {
	mu   sync.Mutex
	l    *list.List
	byId map[ids.MessageId]*list.Element
}

func NewMessageQueue() *MessageQueue {
	return &MessageQueue{l: list.New(), byId: make(map[ids.MessageId]*list.Element)}
}

// PushBack appends a dispatch to the tail, as spec §4.F mandates for
// messages emitted during execution of the current block's dispatches.
func (q *MessageQueue) PushBack(d Dispatch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el := q.l.PushBack(d)
	q.byId[d.Message.Id] = el
}

// PushFront re-enters a dispatch at the head, used when a wake puts a
// suspended dispatch back at the front of the line (spec §8 scenario 3).
func (q *MessageQueue) PushFront(d Dispatch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el := q.l.PushFront(d)
	q.byId[d.Message.Id] = el
}

// PopFront removes and returns the head dispatch, if any.
func (q *MessageQueue) PopFront() (Dispatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el := q.l.Front()
	if el == nil {
		return Dispatch{}, false
	}
	q.l.Remove(el)
	d := el.Value.(Dispatch)
	delete(q.byId, d.Message.Id)
	return d, true
}

// Remove drops a dispatch by id wherever it sits in the queue.
func (q *MessageQueue) Remove(id ids.MessageId) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.byId[id]
	if !ok {
		return false
	}
	q.l.Remove(el)
	delete(q.byId, id)
	return true
}

// Len reports the number of queued dispatches.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// waitlistKey is the double key (ActorId, MessageId) spec §3 specifies.
type waitlistKey struct {
	Program ids.ActorId
	Message ids.MessageId
}

type waitlistEntry struct {
	Dispatch Dispatch
	Interval Interval
}

// Waitlist holds dispatches suspended by wait/wait_for/wait_up_to.
type Waitlist struct {
	mu      sync.Mutex
	entries map[waitlistKey]*waitlistEntry
}

func NewWaitlist() *Waitlist {
	return &Waitlist{entries: make(map[waitlistKey]*waitlistEntry)}
}

// Insert records a waiting dispatch for program, keyed by its message id.
func (w *Waitlist) Insert(program ids.ActorId, d Dispatch, interval Interval) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[waitlistKey{Program: program, Message: d.Message.Id}] = &waitlistEntry{Dispatch: d, Interval: interval}
}

// Remove pulls a dispatch off the waitlist (on wake or expiry), returning
// it and whether it was present.
func (w *Waitlist) Remove(program ids.ActorId, msg ids.MessageId) (Dispatch, Interval, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := waitlistKey{Program: program, Message: msg}
	e, ok := w.entries[key]
	if !ok {
		return Dispatch{}, Interval{}, false
	}
	delete(w.entries, key)
	return e.Dispatch, e.Interval, true
}

// Len reports the number of waiting dispatches.
func (w *Waitlist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// UserStoredMessage is a mailbox payload: a message sent to a user,
// awaiting explicit claim or reply, with the gas node that funds its
// rent.
type UserStoredMessage struct {
	Message Message
	GasNode [32]byte
}

type mailboxKey struct {
	User    ids.ActorId
	Message ids.MessageId
}

// Mailbox holds per-user stored messages awaiting claim or reply.
type Mailbox struct {
	mu      sync.Mutex
	entries map[mailboxKey]*mailboxEntry
}

type mailboxEntry struct {
	Stored   UserStoredMessage
	Interval Interval
}

func NewMailbox() *Mailbox {
	return &Mailbox{entries: make(map[mailboxKey]*mailboxEntry)}
}

// Insert stores a message for user, funded until interval.Finish.
func (m *Mailbox) Insert(user ids.ActorId, stored UserStoredMessage, interval Interval) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[mailboxKey{User: user, Message: stored.Message.Id}] = &mailboxEntry{Stored: stored, Interval: interval}
}

// Remove pulls a message out of user's mailbox (on claim, reply or
// expiry).
func (m *Mailbox) Remove(user ids.ActorId, msg ids.MessageId) (UserStoredMessage, Interval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mailboxKey{User: user, Message: msg}
	e, ok := m.entries[key]
	if !ok {
		return UserStoredMessage{}, Interval{}, false
	}
	delete(m.entries, key)
	return e.Stored, e.Interval, true
}

// Peek reports whether a message is present, without removing it.
func (m *Mailbox) Peek(user ids.ActorId, msg ids.MessageId) (UserStoredMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[mailboxKey{User: user, Message: msg}]
	if !ok {
		return UserStoredMessage{}, false
	}
	return e.Stored, true
}

// Len reports the number of mailboxed messages across all users.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// DispatchStash holds delayed dispatches until their target block, keyed
// by the MessageId that was minted when the delayed send was emitted.
type DispatchStash struct {
	mu      sync.Mutex
	entries map[ids.MessageId]Dispatch
}

func NewDispatchStash() *DispatchStash {
	return &DispatchStash{entries: make(map[ids.MessageId]Dispatch)}
}

// Insert stashes a dispatch awaiting its scheduled delivery block.
func (s *DispatchStash) Insert(d Dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[d.Message.Id] = d
}

// Take removes and returns a stashed dispatch by id, e.g. when its
// SendDispatch task fires.
func (s *DispatchStash) Take(id ids.MessageId) (Dispatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[id]
	if !ok {
		return Dispatch{}, false
	}
	delete(s.entries, id)
	return d, true
}

// Len reports the number of stashed dispatches.
func (s *DispatchStash) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
