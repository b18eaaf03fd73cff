// Package program implements the Program Store of spec §4.I: the
// ActorId-keyed record of every deployed program's lifecycle state, plus
// the parallel Code store (OriginalCode/InstrumentedCode/CodeMetadata)
// of spec §3.
//
// Grounded on pkg/contracts/engine/contract_registry.go's in-memory,
// mutex-guarded registry keyed by contract address, generalized from a
// single flat map of *Contract into the Active/Exited/Terminated
// variant record the spec requires.
package program

import (
	"fmt"
	"sync"

	"github.com/vara-network/vara-core/pkg/gear/ids"
)

// Status is the Program variant (spec §3).
type Status int

const (
	StatusActive Status = iota
	StatusExited
	StatusTerminated
)

// InitState tracks whether a program has completed its init entry point.
type InitState int

const (
	Uninitialized InitState = iota
	Initialized
)

// Reservation is one entry of an Active program's gas-reservation map.
type Reservation struct {
	Amount uint64
	Finish uint32
}

// Program is the per-ActorId record spec §3 describes. Exited/Terminated
// programs carry only Inheritor; all other fields are zero.
type Program struct {
	Status Status

	// Active-only fields.
	Code             ids.CodeId
	MemoryInfix      uint32
	Allocations      map[uint32]struct{}
	Reservations     map[ids.ReservationId]Reservation
	Init             InitState
	InitMessage      ids.MessageId // meaningful while Init == Uninitialized
	ExpirationBlock  uint32

	// Exited/Terminated-only field.
	Inheritor ids.ActorId
}

func newActiveProgram(code ids.CodeId, infix uint32, initMsg ids.MessageId, expiration uint32) *Program {
	return &Program{
		Status:          StatusActive,
		Code:            code,
		MemoryInfix:     infix,
		Allocations:     make(map[uint32]struct{}),
		Reservations:    make(map[ids.ReservationId]Reservation),
		Init:            Uninitialized,
		InitMessage:     initMsg,
		ExpirationBlock: expiration,
	}
}

// ErrNotFound indicates no program is stored under the given ActorId.
var ErrNotFound = fmt.Errorf("program store: not found")

// ErrAlreadyExists indicates a Create call collided with an existing id.
var ErrAlreadyExists = fmt.Errorf("program store: already exists")

// Store is the ActorId-keyed table of Program records.
type Store struct {
	mu    sync.RWMutex
	byId  map[ids.ActorId]*Program
}

func NewStore() *Store {
	return &Store{byId: make(map[ids.ActorId]*Program)}
}

// CreateActive registers a new Active program.
func (s *Store) CreateActive(id ids.ActorId, code ids.CodeId, infix uint32, initMsg ids.MessageId, expiration uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byId[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	s.byId[id] = newActiveProgram(code, infix, initMsg, expiration)
	return nil
}

// Get returns a shallow copy-free pointer to the stored program; callers
// must go through the Store's mutating methods rather than writing to
// the returned fields directly, since Get does not hold the lock.
func (s *Store) Get(id ids.ActorId) (*Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byId[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Exists reports whether any record (in any status) is stored for id.
func (s *Store) Exists(id ids.ActorId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byId[id]
	return ok
}

// MarkInitialized transitions an Active program out of Uninitialized.
func (s *Store) MarkInitialized(id ids.ActorId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byId[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Status != StatusActive {
		return fmt.Errorf("program store: %s is not active", id)
	}
	p.Init = Initialized
	return nil
}

// Exit transitions a program to Exited and records inheritor, which
// ResolveDestination then follows for messages addressed to it. No value
// moves here, and the Applier's NoteExitDispatch handling does not
// transfer the exited program's balance to inheritor.
func (s *Store) Exit(id, inheritor ids.ActorId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byId[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.byId[id] = &Program{Status: StatusExited, Inheritor: inheritor}
	return nil
}

// Terminate transitions a program to Terminated (init failure path),
// likewise recording inheritor without moving any value.
func (s *Store) Terminate(id, inheritor ids.ActorId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byId[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.byId[id] = &Program{Status: StatusTerminated, Inheritor: inheritor}
	return nil
}

// ResolveDestination follows Exited/Terminated inheritor chains until it
// finds a destination that is Active or has no further record, so queued
// dispatches never target a gone program directly (spec invariant 4).
func (s *Store) ResolveDestination(id ids.ActorId) ids.ActorId {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := id
	for i := 0; i < len(s.byId)+1; i++ {
		p, ok := s.byId[cur]
		if !ok || p.Status == StatusActive {
			return cur
		}
		if p.Inheritor == cur {
			return cur
		}
		cur = p.Inheritor
	}
	return cur
}

// UpdateAllocations replaces an Active program's allocation set.
func (s *Store) UpdateAllocations(id ids.ActorId, pages map[uint32]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byId[id]
	if !ok || p.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Allocations = pages
	return nil
}

// AddReservation records a new gas reservation on an Active program.
func (s *Store) AddReservation(id ids.ActorId, rid ids.ReservationId, amount uint64, finish uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byId[id]
	if !ok || p.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Reservations[rid] = Reservation{Amount: amount, Finish: finish}
	return nil
}

// RemoveReservation drops a gas reservation, e.g. on unreserve_gas or
// expiry.
func (s *Store) RemoveReservation(id ids.ActorId, rid ids.ReservationId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byId[id]
	if !ok || p.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(p.Reservations, rid)
	return nil
}

// BumpMemoryInfix increments a program's MemoryInfix, used when a program
// is reinitialized after exit-replace so its old page data is never
// aliased (spec §4.I).
func (s *Store) BumpMemoryInfix(id ids.ActorId) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byId[id]
	if !ok || p.Status != StatusActive {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.MemoryInfix++
	return p.MemoryInfix, nil
}
