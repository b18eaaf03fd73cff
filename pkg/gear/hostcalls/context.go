// Package hostcalls implements the closed set of gr_* syscalls of spec
// §4.B, one Go method per operation, registered as wazero host functions
// under module "env" by Register.
//
// Grounded on pkg/contracts/wasm/values.go's pointer/length argument
// convention and pkg/contracts/evm/evm_engine.go's charge-before-side-effect
// ordering, generalized from a single EVM opcode dispatch loop into the
// platform's message/env/send/reply/program/control/memory/gas/debug/
// random groups.
package hostcalls

import (
	"fmt"

	"github.com/vara-network/vara-core/pkg/gear/gascounter"
	"github.com/vara-network/vara-core/pkg/gear/gastree"
	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/gearerr"
	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/journal"
	"github.com/vara-network/vara-core/pkg/gear/lazypages"
	"github.com/vara-network/vara-core/pkg/gear/queue"
)

// Memory is the subset of api.Memory the host surface touches; satisfied
// structurally by wazero's api.Memory without an adapter.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// YieldKind distinguishes the ways a dispatch's execution can end other
// than a normal return or a trap.
type YieldKind int

const (
	YieldExit YieldKind = iota
	YieldLeave
	YieldWait
	YieldWaitFor
	YieldWaitUpTo
)

// Yield is returned (never recovered from directly by ExecutionContext's
// own methods) when a syscall must unwind the WASM call stack immediately.
// Register wraps it so wazero's host-function panic/recover machinery
// carries it back out of Invoke as the call's error, preserved via
// errors.As for the processor to inspect.
type Yield struct {
	Kind      YieldKind
	Duration  uint32
	Inheritor ids.ActorId
}

func (y *Yield) Error() string { return "hostcalls: execution yielded" }

// ErrAlreadyReplied enforces "reply* may fire at most once per execution".
var ErrAlreadyReplied = fmt.Errorf("hostcalls: reply already sent")

// ErrHandleReused is SendCommit's error for a stream already marked
// committed. SendCommit deletes a stream once it commits it, so reusing a
// committed handle is reported as StatusInvalidHandle instead.
var ErrHandleReused = fmt.Errorf("hostcalls: send handle already committed")

// Stream accumulates a send_init/send_push/send_commit sequence.
type stream struct {
	buf       []byte
	committed bool
}

// ExecutionContext is the live state of one dispatch's execution, shared
// by every host call invoked during it. One is constructed per Execute
// step and discarded at PostProcess.
type ExecutionContext struct {
	Mem      Memory
	Pages    *lazypages.Manager
	Gas      *gascounter.Counters
	Schedule *gearconfig.Schedule
	Clock    gearconfig.BlockClock
	Journal  *journal.Journal
	GasTree  *gastree.Tree

	Self     ids.ActorId
	GasNode  gastree.NodeId
	Dispatch queue.Dispatch

	RandomSeed func() ([32]byte, uint32)

	replied        bool
	replyBuf       []byte
	streams        map[uint32]*stream
	nextHandle     uint32
	outgoingNonce  uint64
	reservationSeq uint64
}

// NewExecutionContext wires one dispatch's dependencies together. If d was
// previously suspended by a wait* syscall, its carried DispatchContext
// (uncommitted send buffers, next handle, reservation nonce) seeds the new
// context so resuming execution continues the same streaming sends and
// reservation numbering a fresh dispatch would otherwise restart from zero.
func NewExecutionContext(self ids.ActorId, gasNode gastree.NodeId, d queue.Dispatch, mem Memory, pages *lazypages.Manager, gas *gascounter.Counters, sched *gearconfig.Schedule, clock gearconfig.BlockClock, j *journal.Journal, tree *gastree.Tree) *ExecutionContext {
	c := &ExecutionContext{
		Mem: mem, Pages: pages, Gas: gas, Schedule: sched, Clock: clock, Journal: j, GasTree: tree,
		Self: self, GasNode: gasNode, Dispatch: d,
		streams: make(map[uint32]*stream),
	}
	if d.Context != nil {
		for h, buf := range d.Context.OutgoingBuffers {
			c.streams[h] = &stream{buf: append([]byte(nil), buf...)}
		}
		c.nextHandle = d.Context.NextHandle
		c.reservationSeq = uint64(d.Context.ReservationNonce)
	}
	return c
}

// ExportContext captures the state a suspending wait* syscall must carry
// forward into the waitlist entry so a later resume picks up the same
// uncommitted send streams and reservation numbering.
func (c *ExecutionContext) ExportContext() *queue.DispatchContext {
	buffers := make(map[uint32][]byte, len(c.streams))
	for h, s := range c.streams {
		if !s.committed {
			buffers[h] = append([]byte(nil), s.buf...)
		}
	}
	return &queue.DispatchContext{
		OutgoingBuffers:  buffers,
		NextHandle:       c.nextHandle,
		ReservationNonce: uint32(c.reservationSeq),
	}
}

func (c *ExecutionContext) baseCost(extraBytes uint32) uint64 {
	return c.Schedule.HostCallBase + c.Schedule.BytePrice*uint64(extraBytes)
}

func (c *ExecutionContext) charge(amount uint64) error {
	return c.Gas.Charge(amount)
}

// writeMemory writes data into the real linear memory at offset (when Mem
// is wired — unit tests exercising ExecutionContext directly leave it nil
// and only observe the charging/dirty-tracking side) and charges +
// dirty-tracks every page the range touches through the lazy-pages
// manager, using the post-write page contents so the manager's dirty
// copy matches exactly what a subsequent read would observe (spec §4.B:
// "the host validates the range via C before touching bytes").
func (c *ExecutionContext) writeMemory(offset uint32, data []byte) error {
	if c.Mem != nil && len(data) > 0 {
		if !c.Mem.Write(offset, data) {
			return &gearerr.HostCallError{Status: gearerr.StatusInvalidHandle}
		}
	}
	pageSize := uint32(gearconfig.GearPageSize)
	for start := offset; start < offset+uint32(len(data)); start += pageSize - start%pageSize {
		page := start / pageSize
		var full []byte
		if c.Mem != nil {
			full, _ = c.Mem.Read(page*pageSize, pageSize)
		}
		if err := c.Pages.OnHostFuncWrite(page, full); err != nil {
			return err
		}
	}
	return nil
}

// readMemory charges + access-tracks every page in [offset, offset+length)
// through the lazy-pages manager and returns the bytes from real memory
// when Mem is wired.
func (c *ExecutionContext) readMemory(offset, length uint32) ([]byte, error) {
	pageSize := uint32(gearconfig.GearPageSize)
	for start := offset; start < offset+length; start += pageSize - start%pageSize {
		page := start / pageSize
		if _, err := c.Pages.OnHostFuncRead(page); err != nil {
			return nil, err
		}
	}
	if c.Mem == nil {
		return nil, nil
	}
	out, ok := c.Mem.Read(offset, length)
	if !ok {
		return nil, &gearerr.HostCallError{Status: gearerr.StatusInvalidHandle}
	}
	return out, nil
}

// --- Message info ---

func (c *ExecutionContext) Size() uint32 { return uint32(len(c.Dispatch.Message.Payload)) }

// Read copies [offset, offset+length) of the incoming message's payload
// into program memory at dst.
func (c *ExecutionContext) Read(dst, offset, length uint32) error {
	if err := c.charge(c.baseCost(length)); err != nil {
		return err
	}
	payload := c.Dispatch.Message.Payload
	if uint64(offset)+uint64(length) > uint64(len(payload)) {
		return &gearerr.HostCallError{Status: gearerr.StatusMessageTooLong}
	}
	return c.writeMemory(dst, payload[offset:offset+length])
}

func (c *ExecutionContext) MessageId() ids.MessageId { return c.Dispatch.Message.Id }
func (c *ExecutionContext) Source() ids.ActorId      { return c.Dispatch.Message.Source }
func (c *ExecutionContext) Value() uint64            { return c.Dispatch.Message.Value }
func (c *ExecutionContext) ProgramId() ids.ActorId    { return c.Self }

// --- Env info ---

func (c *ExecutionContext) BlockHeight() uint32    { return c.Clock.Height() }
func (c *ExecutionContext) BlockTimestamp() uint64 { return c.Clock.TimestampMillis() }
func (c *ExecutionContext) GasAvailable() uint64   { return c.Gas.Gas }
func (c *ExecutionContext) ValueAvailable() uint64 { return c.GasTree.SumOfNodeValues() }

// --- Sending ---

func (c *ExecutionContext) nextOutgoingId() ids.MessageId {
	c.outgoingNonce++
	return ids.MessageIdOutgoing(c.Dispatch.Message.Id, c.outgoingNonce)
}

// defaultOutgoingGasLimit funds every outgoing dispatch this context
// produces (Send, Reply, CreateProgram), standing in for gr_send_wgas's
// explicit amount parameter: the host call surface exposes no such
// argument yet, so every outgoing message is cut an identical share of
// the sender's own remaining gas rather than an attacker-chosen one.
const defaultOutgoingGasLimit uint64 = 1_000_000

// fundOutgoing gives child its own gas node by cutting from the
// executing dispatch's own GasNode (capped at whatever remains), the
// same way ReserveGas draws a reservation from it. Unlike minting a
// fresh node, this can never grow total issuance: the new node's value
// comes out of the sender's balance, preserving P8.
func (c *ExecutionContext) fundOutgoing(child gastree.NodeId) error {
	available, err := c.GasTree.GetLimit(c.GasNode)
	if err != nil {
		return err
	}
	amount := defaultOutgoingGasLimit
	if available < amount {
		amount = available
	}
	return c.GasTree.Cut(c.GasNode, child, amount)
}

// Send enqueues a single-shot outgoing dispatch, recorded as a
// NoteSendDispatch journal note; the Applier routes it to the queue or
// the delay stash depending on delay.
func (c *ExecutionContext) Send(dest ids.ActorId, payload []byte, value uint64, delay uint32) (ids.MessageId, error) {
	if err := c.charge(c.baseCost(uint32(len(payload)))); err != nil {
		return ids.MessageId{}, err
	}
	id := c.nextOutgoingId()
	if err := c.fundOutgoing(gastree.FromMessageId(id)); err != nil {
		return ids.MessageId{}, err
	}
	msg := queue.Message{Id: id, Source: c.Self, Destination: dest, Payload: payload, Value: value}
	c.Journal.Record(journal.Note{
		Kind:     journal.NoteSendDispatch,
		Dispatch: queue.Dispatch{Kind: queue.Handle, Message: msg, Context: queue.NewDispatchContext()},
		Delay:    delay,
	})
	if value > 0 {
		c.Journal.Record(journal.Note{Kind: journal.NoteSendValue, ValueFrom: c.Self, ValueTo: dest, Value: value})
	}
	return id, nil
}

// SendInit opens a new streaming handle for send_push/send_commit.
func (c *ExecutionContext) SendInit() (uint32, error) {
	if err := c.charge(c.Schedule.HostCallBase); err != nil {
		return 0, err
	}
	h := c.nextHandle
	c.nextHandle++
	c.streams[h] = &stream{}
	return h, nil
}

func (c *ExecutionContext) SendPush(handle uint32, chunk []byte) error {
	s, ok := c.streams[handle]
	if !ok || s.committed {
		return &gearerr.HostCallError{Status: gearerr.StatusInvalidHandle}
	}
	if err := c.charge(c.baseCost(uint32(len(chunk)))); err != nil {
		return err
	}
	s.buf = append(s.buf, chunk...)
	return nil
}

func (c *ExecutionContext) SendCommit(handle uint32, dest ids.ActorId, value uint64, delay uint32) (ids.MessageId, error) {
	s, ok := c.streams[handle]
	if !ok {
		return ids.MessageId{}, &gearerr.HostCallError{Status: gearerr.StatusInvalidHandle}
	}
	if s.committed {
		return ids.MessageId{}, ErrHandleReused
	}
	id, err := c.Send(dest, s.buf, value, delay)
	if err != nil {
		return ids.MessageId{}, err
	}
	s.committed = true
	delete(c.streams, handle)
	return id, nil
}

// SendInput forwards the currently executing message's own payload
// (gr_send_input) as a new outgoing dispatch.
func (c *ExecutionContext) SendInput(dest ids.ActorId, value uint64, delay uint32) (ids.MessageId, error) {
	return c.Send(dest, c.Dispatch.Message.Payload, value, delay)
}

// discardUncommittedHandles drops every stream never committed, per spec
// §4.B: "uncommitted handles are discarded on successful exit."
func (c *ExecutionContext) discardUncommittedHandles() {
	c.streams = make(map[uint32]*stream)
}

// --- Replying ---

func (c *ExecutionContext) Reply(payload []byte, value uint64) (ids.MessageId, error) {
	if c.replied {
		return ids.MessageId{}, ErrAlreadyReplied
	}
	if err := c.charge(c.baseCost(uint32(len(payload)))); err != nil {
		return ids.MessageId{}, err
	}
	id := ids.MessageIdReply(c.Dispatch.Message.Id)
	if err := c.fundOutgoing(gastree.FromMessageId(id)); err != nil {
		return ids.MessageId{}, err
	}
	msg := queue.Message{
		Id: id, Source: c.Self, Destination: c.Dispatch.Message.Source, Payload: payload, Value: value,
		Reply: &queue.ReplyDetails{ReplyTo: c.Dispatch.Message.Id, ReplyCode: 0},
	}
	c.Journal.Record(journal.Note{
		Kind:     journal.NoteSendDispatch,
		Dispatch: queue.Dispatch{Kind: queue.Reply, Message: msg, Context: queue.NewDispatchContext()},
	})
	c.replied = true
	return id, nil
}

func (c *ExecutionContext) ReplyPush(chunk []byte) error {
	if c.replied {
		return ErrAlreadyReplied
	}
	if err := c.charge(c.baseCost(uint32(len(chunk)))); err != nil {
		return err
	}
	c.replyBuf = append(c.replyBuf, chunk...)
	return nil
}

func (c *ExecutionContext) ReplyCommit(value uint64) (ids.MessageId, error) {
	return c.Reply(c.replyBuf, value)
}

func (c *ExecutionContext) ReplyTo() (ids.MessageId, error) {
	if c.Dispatch.Message.Reply == nil {
		return ids.MessageId{}, &gearerr.HostCallError{Status: gearerr.StatusInvalidHandle}
	}
	return c.Dispatch.Message.Reply.ReplyTo, nil
}

func (c *ExecutionContext) ReplyCode() (int32, error) {
	if c.Dispatch.Message.Reply == nil {
		return 0, &gearerr.HostCallError{Status: gearerr.StatusInvalidHandle}
	}
	return c.Dispatch.Message.Reply.ReplyCode, nil
}

// --- Program creation ---

func (c *ExecutionContext) CreateProgram(code ids.CodeId, salt []byte, payload []byte, value uint64, delay uint32) (ids.ActorId, ids.MessageId, error) {
	if err := c.charge(c.baseCost(uint32(len(payload) + len(salt)))); err != nil {
		return ids.ActorId{}, ids.MessageId{}, err
	}
	actor := ids.ActorIdFromProgram(c.Dispatch.Message.Id, code, salt)
	initMsgId := c.nextOutgoingId()
	if err := c.fundOutgoing(gastree.FromMessageId(initMsgId)); err != nil {
		return ids.ActorId{}, ids.MessageId{}, err
	}
	msg := queue.Message{Id: initMsgId, Source: c.Self, Destination: actor, Payload: payload, Value: value}
	c.Journal.Record(journal.Note{Kind: journal.NoteStoreNewPrograms, NewPrograms: []ids.ActorId{actor}, NewCode: code})
	c.Journal.Record(journal.Note{
		Kind:     journal.NoteSendDispatch,
		Dispatch: queue.Dispatch{Kind: queue.Init, Message: msg, Context: queue.NewDispatchContext()},
		Delay:    delay,
	})
	return actor, initMsgId, nil
}

// --- Control flow ---

func (c *ExecutionContext) Exit(inheritor ids.ActorId) error {
	c.discardUncommittedHandles()
	c.Journal.Record(journal.Note{Kind: journal.NoteExitDispatch, ExitedProgram: c.Self, Inheritor: inheritor})
	return &Yield{Kind: YieldExit, Inheritor: inheritor}
}

func (c *ExecutionContext) Leave() error {
	c.discardUncommittedHandles()
	return &Yield{Kind: YieldLeave}
}

func (c *ExecutionContext) Wait() error             { return &Yield{Kind: YieldWait} }
func (c *ExecutionContext) WaitFor(d uint32) error   { return &Yield{Kind: YieldWaitFor, Duration: d} }
func (c *ExecutionContext) WaitUpTo(d uint32) error  { return &Yield{Kind: YieldWaitUpTo, Duration: d} }

// Wake schedules a waitlisted message to re-enter the queue front.
func (c *ExecutionContext) Wake(msg ids.MessageId, delay uint32) error {
	if err := c.charge(c.Schedule.HostCallBase); err != nil {
		return err
	}
	c.Journal.Record(journal.Note{Kind: journal.NoteWakeMessage, WakeProgram: c.Self, WakeMessage: msg})
	return nil
}

// --- Memory ---

func (c *ExecutionContext) Alloc(pages uint32) (uint32, error) {
	if err := c.charge(c.Schedule.MemoryGrowCost * uint64(pages)); err != nil {
		return 0, err
	}
	// Allocation bookkeeping (which pages now belong to the program) is
	// recorded by the processor via NoteUpdateAllocations at PostProcess,
	// once the full set touched during execution is known.
	return 0, nil
}

func (c *ExecutionContext) Free(page uint32) error {
	return c.charge(c.Schedule.HostCallBase)
}

func (c *ExecutionContext) FreeRange(from, to uint32) error {
	if to < from {
		return &gearerr.HostCallError{Status: gearerr.StatusInvalidHandle}
	}
	return c.charge(c.Schedule.HostCallBase * uint64(to-from+1))
}

// --- Gas ---

func (c *ExecutionContext) ReserveGas(amount uint64, durationBlocks uint32) (ids.ReservationId, error) {
	if err := c.charge(c.Schedule.HostCallBase); err != nil {
		return ids.ReservationId{}, err
	}
	c.reservationSeq++
	rid := ids.ReservationIdOf(c.Dispatch.Message.Id, c.reservationSeq)
	finish := c.Clock.Height() + durationBlocks
	if err := c.GasTree.Reserve(c.GasNode, gastree.NodeId(rid), amount, finish); err != nil {
		return ids.ReservationId{}, err
	}
	c.Journal.Record(journal.Note{
		Kind: journal.NoteUpdateGasReservations, ReservationProgram: c.Self,
		ReservationId: rid, ReservationAmount: amount, ReservationFinish: finish,
	})
	return rid, nil
}

func (c *ExecutionContext) UnreserveGas(id ids.ReservationId) error {
	if err := c.charge(c.Schedule.HostCallBase); err != nil {
		return err
	}
	c.Journal.Record(journal.Note{Kind: journal.NoteUpdateGasReservations, ReservationProgram: c.Self, ReservationId: id, ReservationRemoved: true})
	return nil
}

// SystemReserveGas locks amount on the executing dispatch's gas node under
// LockSystemReservation (spec §9 supplement). The processor does not
// create a signal dispatch on trap from this lock.
func (c *ExecutionContext) SystemReserveGas(amount uint64) error {
	if err := c.charge(c.Schedule.HostCallBase); err != nil {
		return err
	}
	return c.GasTree.Lock(c.GasNode, gastree.LockSystemReservation, amount)
}

// --- Diagnostics ---

func (c *ExecutionContext) Debug(msg string) error {
	return c.charge(c.baseCost(uint32(len(msg))))
}

func (c *ExecutionContext) Panic(msg string) error {
	_ = c.charge(c.baseCost(uint32(len(msg))))
	return &gearerr.ExecutionError{Reason: gearerr.ReasonUserPanic}
}

func (c *ExecutionContext) OomPanic() error {
	return &gearerr.ExecutionError{Reason: gearerr.ReasonMemoryAccessError}
}

// --- Crypto/random ---

func (c *ExecutionContext) Random(salt []byte) ([32]byte, uint32, error) {
	if err := c.charge(c.baseCost(uint32(len(salt)))); err != nil {
		return [32]byte{}, 0, err
	}
	if c.RandomSeed == nil {
		return [32]byte{}, 0, fmt.Errorf("hostcalls: no random seed source configured")
	}
	seed, block := c.RandomSeed()
	mixed := mixSalt(seed, salt)
	return mixed, block, nil
}

func mixSalt(seed [32]byte, salt []byte) [32]byte {
	var out [32]byte
	copy(out[:], seed[:])
	for i, b := range salt {
		out[i%32] ^= b
	}
	return out
}
