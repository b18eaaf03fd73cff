package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/vara-network/vara-core/pkg/gear/builtin"
	"github.com/vara-network/vara-core/pkg/gear/gastree"
	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/journal"
	"github.com/vara-network/vara-core/pkg/gear/processor"
	"github.com/vara-network/vara-core/pkg/gear/program"
	"github.com/vara-network/vara-core/pkg/gear/queue"
	"github.com/vara-network/vara-core/pkg/gear/scheduler"
	"github.com/vara-network/vara-core/pkg/gear/wasmvm"
	"github.com/vara-network/vara-core/pkg/gearlog"
	"github.com/vara-network/vara-core/pkg/gearstore"
)

// signalCodeTimeout is a node-local signal code for a waitlist timeout.
// handleTask does not attach it to anything: TaskRemoveFromWaitlist puts
// the dispatch back at the queue front with its Message unchanged and no
// SignalDetails.
const signalCodeTimeout int32 = 1

// Node wires every Gear core component into one running process: the
// Program/Code/GasTree/Queue state the Dispatch Processor acts on, the
// block-indexed Scheduler that expires waitlist/mailbox/reservation
// entries and delivers delayed sends, and the Applier that commits each
// dispatch's Journal. Grounded on cmd/gochain's runNode, which wires
// storage, chain, mempool, miner and network the same way — one
// long-lived struct built once at startup and driven by a block loop.
type Node struct {
	Engine   *wasmvm.Engine
	Programs *program.Store
	Codes    *program.CodeStore
	Gas      *gastree.Tree
	Builtins *builtin.Registry

	Queue    *queue.MessageQueue
	Waitlist *queue.Waitlist
	Mailbox  *queue.Mailbox
	Stash    *queue.DispatchStash
	Scheduler *scheduler.Scheduler

	Pages *gearstore.Store
	Value *memoryValueLedger

	Clock    *gearconfig.StaticClock
	Schedule *gearconfig.Schedule
	Limits   *gearconfig.Limits

	Processor *processor.Processor
	Applier   *journal.Applier

	blockMillis uint64
	log         *gearlog.Logger

	mu             sync.Mutex
	activePrograms int
}

// NewNode builds every component and instantiates the shared host module
// exactly once (processor.New's own contract).
func NewNode(ctx context.Context, cfg *Config, log *gearlog.Logger) (*Node, error) {
	pages, err := gearstore.Open(gearstore.Config{DataDir: cfg.DataDir, InMemory: cfg.Ephemeral || cfg.DataDir == ""})
	if err != nil {
		return nil, fmt.Errorf("open page store: %w", err)
	}

	engine := wasmvm.NewEngine(ctx)
	programs := program.NewStore()
	codes := program.NewCodeStore()
	gasTree := gastree.NewTree()
	builtins := builtin.NewRegistry()

	n := &Node{
		Engine:    engine,
		Programs:  programs,
		Codes:     codes,
		Gas:       gasTree,
		Builtins:  builtins,
		Queue:     queue.NewMessageQueue(),
		Waitlist:  queue.NewWaitlist(),
		Mailbox:   queue.NewMailbox(),
		Stash:     queue.NewDispatchStash(),
		Scheduler: scheduler.New(),
		Pages:     pages,
		Value:     newMemoryValueLedger(),
		Clock:     gearconfig.NewStaticClock(0, 0),
		Schedule:  cfg.Schedule,
		Limits:    cfg.Limits,
		blockMillis: cfg.BlockMillis,
		log:       log,
	}

	proc, err := processor.New(ctx, programs, codes, gasTree, engine, pages, cfg.Schedule, cfg.Limits, n.Clock, builtins, n.randomSeed)
	if err != nil {
		return nil, fmt.Errorf("build processor: %w", err)
	}
	n.Processor = proc

	n.Applier = &journal.Applier{
		Programs: programs,
		Gas:      gasTree,
		Queue:    n.Queue,
		Waitlist: n.Waitlist,
		Mailbox:  n.Mailbox,
		Stash:    n.Stash,
		Pages:    pages,
		Value:    n.Value,
	}

	return n, nil
}

// randomSeed backs gr_random with a fresh cryptographically random value
// paired with the current block height, the demonstration CLI's stand-in
// for a host-supplied on-chain randomness beacon.
func (n *Node) randomSeed() ([32]byte, uint32) {
	var seed [32]byte
	_, _ = rand.Read(seed[:])
	return seed, n.Clock.Height()
}

// Close releases the page store.
func (n *Node) Close() error {
	return n.Pages.Close()
}

// Submit enqueues a fresh, block-external dispatch (a user message) and
// funds it with a new External gas-tree node, mirroring how a real
// extrinsic's signed fee deposit becomes a GasTree root.
func (n *Node) Submit(d queue.Dispatch, gasLimit uint64) (gastree.NodeId, error) {
	root := gastree.FromMessageId(d.Message.Id)
	if _, err := n.Gas.Create(root, gasLimit); err != nil {
		return gastree.NodeId{}, fmt.Errorf("fund dispatch: %w", err)
	}
	n.Queue.PushBack(d)
	return root, nil
}

// RunBlock advances the clock by one block, drains scheduled expirations,
// then drains and executes every queued dispatch under the block gas
// allowance (spec §4.E/§4.F/§4.G acting together as one step).
func (n *Node) RunBlock(ctx context.Context) error {
	n.Clock.Advance(n.blockMillis)
	height := n.Clock.Height()

	for _, t := range n.Scheduler.DrainUpTo(height) {
		n.handleTask(t)
	}

	allowance := n.Limits.BlockGasLimit
	for allowance > 0 {
		d, ok := n.Queue.PopFront()
		if !ok {
			break
		}
		gasNode := gastree.FromMessageId(d.Message.Id)
		limit, err := n.Gas.GetLimit(gasNode)
		if err != nil {
			// hostcalls.ExecutionContext.fundOutgoing cuts a gas node for
			// every NoteSendDispatch before it reaches the queue, so this
			// path is only hit for a dispatch built outside that flow (the
			// genesis Init message funds itself through Submit already, so
			// in practice this is defensive rather than load-bearing).
			limit = allowance
		}
		if limit > allowance {
			limit = allowance
		}

		result := n.Processor.Execute(ctx, d, gasNode, limit)
		n.bridgeScheduler(result.Journal, height)
		if err := n.Applier.Apply(result.Journal); err != nil {
			n.log.Error("apply journal for dispatch %s: %v", d.Message.Id, err)
		}
		n.trackProgramCount(result.Journal)

		spent := uint64(0)
		for _, note := range result.Journal.Notes() {
			if note.Kind == journal.NoteGasBurned {
				spent += note.Amount
			}
		}
		if spent >= allowance {
			allowance = 0
		} else {
			allowance -= spent
		}

		n.log.Debug("dispatch %s processed: outcome=%v", d.Message.Id, result.Outcome)
	}
	return nil
}

// bridgeScheduler registers the Scheduler tasks a committed journal
// implies. journal.Applier deliberately has no Scheduler field (spec
// §4.H's Applier is storage-only); the Node is where Waitlist and Stash
// entries and gas reservations get a corresponding expiry/delivery task,
// since it is the only component holding both the Journal and the
// Scheduler. No note inserts into the Mailbox, so no mailbox task is
// scheduled here. Every
// NoteSendDispatch's gas node was already cut from its sender's own
// balance by hostcalls.ExecutionContext.fundOutgoing at emission time,
// so there is nothing left to fund here.
func (n *Node) bridgeScheduler(j *journal.Journal, height uint32) {
	for _, note := range j.Notes() {
		switch note.Kind {
		case journal.NoteWaitDispatch:
			n.Scheduler.Schedule(scheduler.TaskRemoveFromWaitlist, note.WaitInterval.Finish,
				[32]byte(note.Dispatch.Message.Id), [32]byte(note.WaitProgram))

		case journal.NoteSendDispatch:
			if note.Delay > 0 {
				n.Scheduler.Schedule(scheduler.TaskSendDispatch, height+note.Delay,
					[32]byte(note.Dispatch.Message.Id), [32]byte{})
			}

		case journal.NoteUpdateGasReservations:
			if !note.ReservationRemoved {
				n.Scheduler.Schedule(scheduler.TaskRemoveReservation, note.ReservationFinish,
					[32]byte(note.ReservationId), [32]byte(note.ReservationProgram))
			}
		}
	}
}

func (n *Node) handleTask(t *scheduler.Task) {
	switch t.Kind {
	case scheduler.TaskSendDispatch:
		msgID := ids.MessageId(t.Subject)
		if d, ok := n.Stash.Take(msgID); ok {
			n.Queue.PushBack(d)
		}

	case scheduler.TaskRemoveFromWaitlist:
		msgID := ids.MessageId(t.Subject)
		program := ids.ActorId(t.Context)
		if d, _, ok := n.Waitlist.Remove(program, msgID); ok {
			n.log.Debug("dispatch %s force-woken from waitlist (timeout)", msgID)
			n.Queue.PushFront(d)
		}

	case scheduler.TaskRemoveFromMailbox:
		msgID := ids.MessageId(t.Subject)
		owner := ids.ActorId(t.Context)
		if stored, _, ok := n.Mailbox.Remove(owner, msgID); ok {
			if node, err := n.Gas.Consume(gastree.NodeId(stored.GasNode)); err == nil {
				node.Drop(n.Gas)
			}
		}

	case scheduler.TaskRemoveReservation:
		rid := ids.ReservationId(t.Subject)
		actor := ids.ActorId(t.Context)
		if imbalance, err := n.Gas.Consume(gastree.NodeId(rid)); err == nil {
			imbalance.Drop(n.Gas)
		}
		_ = n.Programs.RemoveReservation(actor, rid)

	case scheduler.TaskWakeMessage:
		// Reserved for a delayed-wake feature: no current NoteKind
		// schedules this task kind, since gr_wake applies immediately
		// through NoteWakeMessage.
	}
}

// trackProgramCount keeps the demonstration node's own active-program
// counter in step with NoteStoreNewPrograms/NoteExitDispatch, since
// program.Store exposes no enumeration method (spec §4.I's Store is
// keyed access only).
func (n *Node) trackProgramCount(j *journal.Journal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range j.Notes() {
		switch note.Kind {
		case journal.NoteStoreNewPrograms:
			n.activePrograms += len(note.NewPrograms)
		case journal.NoteExitDispatch:
			n.activePrograms--
		}
	}
}

func (n *Node) ActiveProgramCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activePrograms
}
