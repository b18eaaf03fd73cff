// Package journal implements the append-only note log and fixed-order
// Applier of spec §4.H: every dispatch's side effects are recorded as
// typed notes during execution and only committed to storage afterward,
// in an order independent of emission order.
//
// Grounded on pkg/contracts/engine/contract.go's StateChange/event-log
// pattern (a slice of typed mutations accumulated during a call and
// applied after it returns), generalized to the note taxonomy and
// coalescing rules spec §4.H specifies.
package journal

import (
	"github.com/vara-network/vara-core/pkg/gear/gastree"
	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/queue"
)

// NoteKind identifies the variant of one journal entry.
type NoteKind int

const (
	NoteMessageDispatched NoteKind = iota
	NoteGasBurned
	NoteMessageConsumed
	NoteSendDispatch
	NoteWaitDispatch
	NoteWakeMessage
	NoteExitDispatch
	NoteUpdatePage
	NoteUpdateAllocations
	NoteSendValue
	NoteStoreNewPrograms
	NoteStopProcessing
	NoteUpdateGasReservations
)

// Outcome summarizes how a dispatch's execution concluded, carried by
// NoteMessageDispatched.
type Outcome struct {
	Success bool
	Reason  string // non-empty only when !Success
}

// Note is one entry of a dispatch's journal. Only the fields relevant to
// Kind are meaningful; the rest are zero.
type Note struct {
	Kind NoteKind

	// NoteMessageDispatched
	DispatchedMessage ids.MessageId
	Outcome           Outcome

	// NoteGasBurned
	GasNode NodeRef
	Amount  uint64

	// NoteMessageConsumed
	ConsumedMessage ids.MessageId

	// NoteSendDispatch
	Dispatch queue.Dispatch
	Delay    uint32

	// NoteWaitDispatch
	WaitProgram  ids.ActorId
	WaitInterval queue.Interval

	// NoteWakeMessage
	WakeProgram ids.ActorId
	WakeMessage ids.MessageId

	// NoteExitDispatch
	ExitedProgram ids.ActorId
	Inheritor     ids.ActorId

	// NoteUpdatePage
	PageProgram ids.ActorId
	PageIndex   uint32
	PageData    []byte

	// NoteUpdateAllocations
	AllocProgram ids.ActorId
	Allocations  map[uint32]struct{}

	// NoteSendValue
	ValueFrom ids.ActorId
	ValueTo   ids.ActorId
	Value     uint64

	// NoteStoreNewPrograms
	NewPrograms []ids.ActorId
	NewCode     ids.CodeId

	// NoteStopProcessing
	StopReason string

	// NoteUpdateGasReservations
	ReservationProgram ids.ActorId
	ReservationId      ids.ReservationId
	ReservationAmount  uint64
	ReservationFinish  uint32
	ReservationRemoved bool
}

// NodeRef is the gas-tree NodeId a GasBurned note refers to.
type NodeRef = gastree.NodeId

// Journal accumulates notes produced while executing one dispatch.
type Journal struct {
	notes []Note
}

// New returns an empty journal, one per dispatch execution.
func New() *Journal {
	return &Journal{}
}

// Record appends a note. Called by the Dispatch Processor and host calls
// as they observe effects during execution; never applied to storage
// directly.
func (j *Journal) Record(n Note) {
	j.notes = append(j.notes, n)
}

// Notes returns the recorded notes in emission order, for callers (tests,
// the Applier) that need to inspect them before or instead of applying.
func (j *Journal) Notes() []Note {
	return j.notes
}
