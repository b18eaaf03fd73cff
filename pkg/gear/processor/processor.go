// Package processor implements the Dispatch Processor of spec §4.G: the
// per-dispatch state machine that takes one queued Dispatch through
// Precharge, LoadCode, Instantiate and Execute, and hands back a Journal
// describing everything that happened rather than mutating storage itself.
//
// Grounded on pkg/contracts/evm/evm_engine.go's single-call-frame execution
// loop (charge, run, classify the outcome into a typed result) generalized
// from one synchronous EVM call into a phase sequence that can also
// short-circuit to a builtin actor or suspend a dispatch onto the
// waitlist.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/vara-network/vara-core/pkg/gear/builtin"
	"github.com/vara-network/vara-core/pkg/gear/codecache"
	"github.com/vara-network/vara-core/pkg/gear/gascounter"
	"github.com/vara-network/vara-core/pkg/gear/gastree"
	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/gearerr"
	"github.com/vara-network/vara-core/pkg/gear/hostcalls"
	"github.com/vara-network/vara-core/pkg/gear/instrument"
	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/journal"
	"github.com/vara-network/vara-core/pkg/gear/lazypages"
	"github.com/vara-network/vara-core/pkg/gear/program"
	"github.com/vara-network/vara-core/pkg/gear/queue"
	"github.com/vara-network/vara-core/pkg/gear/wasmvm"
)

// Outcome summarizes how Execute's dispatch concluded.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTrap
	OutcomeWait
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeTrap:
		return "Trap"
	case OutcomeWait:
		return "Wait"
	case OutcomeStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Result is everything the processor learned while running one dispatch.
// Journal carries the effects Execute left for the caller to apply through
// journal.Applier (see Execute for the changes it makes directly); Result's
// other fields describe the outcome and are not state.
type Result struct {
	Journal *journal.Journal
	Outcome Outcome
	Reason  gearerr.ExecutionReason
	Err     error
}

// Processor wires every dependency the Idle/Precharge/LoadCode/Instantiate/
// Execute/PostProcess phases touch. One Processor serves an entire running
// node; Execute is called once per dispatch drained off the queue.
type Processor struct {
	Programs *program.Store
	Codes    *program.CodeStore
	GasTree  *gastree.Tree
	Engine   *wasmvm.Engine
	Pages    lazypages.PageSource
	Schedule *gearconfig.Schedule
	Limits   *gearconfig.Limits
	Clock    gearconfig.BlockClock
	Builtins *builtin.Registry
	Random   func() ([32]byte, uint32)

	mu       sync.Mutex
	compiled *codecache.Cache
	current  *hostcalls.ExecutionContext
}

// defaultCompiledModuleCapacity bounds how many distinct CodeIds' compiled
// modules one Processor keeps instantiable at once; a node serving more
// distinct programs than this recompiles the least-recently-used ones
// on demand rather than holding every CodeId it has ever seen resident.
const defaultCompiledModuleCapacity = 256

// New builds a Processor and instantiates the shared "env" host module
// onto engine. This must happen exactly once per Engine, before any guest
// module compiled against it is instantiated (wasmvm.Engine.Instantiate's
// own doc comment).
func New(ctx context.Context, programs *program.Store, codes *program.CodeStore, gasTree *gastree.Tree, engine *wasmvm.Engine, pages lazypages.PageSource, schedule *gearconfig.Schedule, limits *gearconfig.Limits, clock gearconfig.BlockClock, builtins *builtin.Registry, random func() ([32]byte, uint32)) (*Processor, error) {
	p := &Processor{
		Programs: programs, Codes: codes, GasTree: gasTree, Engine: engine, Pages: pages,
		Schedule: schedule, Limits: limits, Clock: clock, Builtins: builtins, Random: random,
		compiled: codecache.New(defaultCompiledModuleCapacity),
	}
	builder := hostcalls.Register(engine.HostModuleBuilder(), func() *hostcalls.ExecutionContext {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.current
	})
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("processor: instantiate host module: %w", err)
	}
	return p, nil
}

// Execute runs one dispatch to completion, suspension or trap. gasNode
// funds the dispatch (an External root for a user-submitted message, a
// Reserved or Cut node for one a program emitted); blockAllowance is the
// GAS_ALLOWANCE budget remaining in the current block. Page writes, gas
// burns, value sends and queue/waitlist changes are returned as notes for
// the caller's journal.Applier to commit. Some changes happen directly:
// Programs.MarkInitialized/Terminate after an Init dispatch,
// Programs.CreateActive for programs the dispatch created, GasTree cuts and
// locks made by host calls, and gas a builtin actor spends.
func (p *Processor) Execute(ctx context.Context, d queue.Dispatch, gasNode gastree.NodeId, blockAllowance uint64) *Result {
	dest := p.Programs.ResolveDestination(d.Message.Destination)
	d.Message.Destination = dest

	outer := journal.New()

	if p.Builtins != nil {
		if _, ok := p.Builtins.Lookup(dest); ok {
			return p.executeBuiltin(d, gasNode, outer)
		}
	}

	available, err := p.GasTree.GetLimit(gasNode)
	if err != nil {
		return p.fatal(outer, fmt.Errorf("processor: gas node %x: %w", gasNode, err))
	}

	prog, err := p.Programs.Get(dest)
	if err != nil || prog.Status != program.StatusActive {
		return p.consumeUnexecutable(d, gasNode, outer, min64(available, p.Schedule.ReadMessageCost))
	}

	precharge := p.Schedule.ReadMessageCost + p.Schedule.ProgramLoadCost + p.Schedule.ModuleInstantiateCost
	if available < precharge {
		return p.trapOutOfGas(d, gasNode, outer, available)
	}
	remaining := available - precharge

	entry, ok := entryPointFor(d.Kind)
	if !ok {
		return p.fatal(outer, fmt.Errorf("processor: dispatch %s has no entry point mapping", d.Kind))
	}

	instrumented, _, err := p.Codes.Instrumented(prog.Code)
	if err != nil {
		outer.Record(journal.Note{Kind: journal.NoteStopProcessing, StopReason: "missing instrumented code for active program"})
		return &Result{Journal: outer, Outcome: OutcomeStopped,
			Err: gearerr.NewInternalError(gearerr.InternalMissingInstrumentedCode, err.Error())}
	}

	compiled, err := p.compileCached(ctx, prog.Code, instrumented)
	if err != nil {
		outer.Record(journal.Note{Kind: journal.NoteStopProcessing, StopReason: err.Error()})
		return &Result{Journal: outer, Outcome: OutcomeStopped, Err: err}
	}

	instance, err := p.Engine.Instantiate(ctx, compiled, instanceName(dest, d.Message.Id))
	if err != nil {
		return p.trapExecution(d, gasNode, outer, available, gearerr.ReasonUnreachable)
	}
	defer instance.Close(ctx)

	if !instance.HasEntryPoint(entry) {
		return p.skipOptionalEntry(d, gasNode, outer, available, precharge)
	}

	execJournal := journal.New()
	counters := gascounter.New(remaining, blockAllowance)
	pages := lazypages.New(prog.MemoryInfix, p.Schedule, p.Pages, counters)
	execCtx := hostcalls.NewExecutionContext(dest, gasNode, d, instance.Memory(), pages, counters, p.Schedule, p.Clock, execJournal, p.GasTree)
	execCtx.RandomSeed = p.Random

	p.mu.Lock()
	p.current = execCtx
	p.mu.Unlock()

	// Seed the instrumented module's own gas/allowance globals from the
	// same counters host calls charge against, so a trap from the
	// injected basic-block checks and a trap from a host call draw on
	// one shared budget rather than two independently-sized ones.
	_ = instance.SetGlobal(instrument.GasGlobalName, counters.Gas)
	_ = instance.SetGlobal(instrument.AllowanceGlobalName, counters.Allowance)

	invokeErr := instance.Invoke(ctx, entry)

	if remainingGas, err := instance.GetGlobal(instrument.GasGlobalName); err == nil && remainingGas < counters.Gas {
		_ = counters.Charge(counters.Gas - remainingGas)
	}
	burned := available - counters.Gas

	result := p.classify(d, gasNode, dest, prog, outer, execJournal, pages, execCtx, invokeErr, burned)

	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	return result
}

func (p *Processor) executeBuiltin(d queue.Dispatch, gasNode gastree.NodeId, outer *journal.Journal) *Result {
	bc := &builtin.Context{Dispatch: d, GasNode: gasNode, GasTree: p.GasTree, Journal: outer, Clock: p.Clock}
	err := p.Builtins.Invoke(bc)
	outer.Record(journal.Note{Kind: journal.NoteMessageConsumed, ConsumedMessage: d.Message.Id})
	if err != nil {
		outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
			Outcome: journal.Outcome{Success: false, Reason: err.Error()}})
		return &Result{Journal: outer, Outcome: OutcomeTrap, Err: err}
	}
	outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
		Outcome: journal.Outcome{Success: true}})
	return &Result{Journal: outer, Outcome: OutcomeSuccess}
}

// consumeUnexecutable handles a dispatch whose destination is unknown or no
// longer Active: the message is still consumed (spec invariant 4 — queued
// dispatches are never left targeting a gone program) but nothing runs.
func (p *Processor) consumeUnexecutable(d queue.Dispatch, gasNode gastree.NodeId, outer *journal.Journal, burn uint64) *Result {
	if burn > 0 {
		outer.Record(journal.Note{Kind: journal.NoteGasBurned, GasNode: gasNode, Amount: burn})
	}
	outer.Record(journal.Note{Kind: journal.NoteMessageConsumed, ConsumedMessage: d.Message.Id})
	outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
		Outcome: journal.Outcome{Success: false, Reason: gearerr.ReasonForbidden.String()}})
	return &Result{Journal: outer, Outcome: OutcomeTrap, Reason: gearerr.ReasonForbidden}
}

func (p *Processor) trapOutOfGas(d queue.Dispatch, gasNode gastree.NodeId, outer *journal.Journal, available uint64) *Result {
	return p.trapExecution(d, gasNode, outer, available, gearerr.ReasonGasLimitExceeded)
}

// trapExecution burns the dispatch's entire available gas — this build has
// no Tree operation to refund an unused portion of a Spend back into an
// existing node, so a failed-before-or-during-execution dispatch is
// charged in full rather than partially refunded.
func (p *Processor) trapExecution(d queue.Dispatch, gasNode gastree.NodeId, outer *journal.Journal, available uint64, reason gearerr.ExecutionReason) *Result {
	if available > 0 {
		outer.Record(journal.Note{Kind: journal.NoteGasBurned, GasNode: gasNode, Amount: available})
	}
	outer.Record(journal.Note{Kind: journal.NoteMessageConsumed, ConsumedMessage: d.Message.Id})
	outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
		Outcome: journal.Outcome{Success: false, Reason: reason.String()}})
	if d.Kind == queue.Init {
		_ = p.Programs.Terminate(d.Message.Destination, d.Message.Source)
	}
	return &Result{Journal: outer, Outcome: OutcomeTrap, Reason: reason}
}

// skipOptionalEntry handles a compiled, instantiated module that simply
// does not export the entry point this dispatch needs. handle_reply and
// handle_signal are optional per spec §3: a program that never defined one
// still has the message consumed as an ordinary no-op success.
// instrument.Instrument only requires a module to export init or handle,
// so a module missing the one an Init or Handle dispatch needs lands here
// too, and that dispatch is treated as forbidden (an Init dispatch also
// terminates the program).
func (p *Processor) skipOptionalEntry(d queue.Dispatch, gasNode gastree.NodeId, outer *journal.Journal, available, precharge uint64) *Result {
	outer.Record(journal.Note{Kind: journal.NoteGasBurned, GasNode: gasNode, Amount: precharge})
	outer.Record(journal.Note{Kind: journal.NoteMessageConsumed, ConsumedMessage: d.Message.Id})
	switch d.Kind {
	case queue.Reply, queue.Signal:
		outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
			Outcome: journal.Outcome{Success: true}})
		return &Result{Journal: outer, Outcome: OutcomeSuccess}
	default:
		outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
			Outcome: journal.Outcome{Success: false, Reason: gearerr.ReasonForbidden.String()}})
		if d.Kind == queue.Init {
			_ = p.Programs.Terminate(d.Message.Destination, d.Message.Source)
		}
		return &Result{Journal: outer, Outcome: OutcomeTrap, Reason: gearerr.ReasonForbidden}
	}
}

func (p *Processor) fatal(outer *journal.Journal, err error) *Result {
	outer.Record(journal.Note{Kind: journal.NoteStopProcessing, StopReason: err.Error()})
	return &Result{Journal: outer, Outcome: OutcomeStopped, Err: err}
}

// classify inspects the Invoke error and produces the merged journal for
// every reachable conclusion: clean return, exit, leave/wait suspension,
// or a program-local trap. Page writes and allocation updates are only
// recorded on success — a trap discards everything this execution touched
// other than the gas it burned, and a suspension records no page writes
// either: its lazy-pages manager is discarded with the instance, and the
// woken dispatch is later executed afresh.
func (p *Processor) classify(d queue.Dispatch, gasNode gastree.NodeId, dest ids.ActorId, prog *program.Program, outer, execJournal *journal.Journal, pages *lazypages.Manager, execCtx *hostcalls.ExecutionContext, invokeErr error, burned uint64) *Result {
	outer.Record(journal.Note{Kind: journal.NoteGasBurned, GasNode: gasNode, Amount: burned})

	var yield *hostcalls.Yield
	switch {
	case invokeErr == nil:
		mergeNotes(outer, execJournal)
		recordPostProcess(outer, dest, prog, pages)
		outer.Record(journal.Note{Kind: journal.NoteMessageConsumed, ConsumedMessage: d.Message.Id})
		outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
			Outcome: journal.Outcome{Success: true}})
		applyNewPrograms(outer, p.Programs)
		if d.Kind == queue.Init {
			_ = p.Programs.MarkInitialized(dest)
		}
		return &Result{Journal: outer, Outcome: OutcomeSuccess}

	case errors.As(invokeErr, &yield):
		switch yield.Kind {
		case hostcalls.YieldExit:
			mergeNotes(outer, execJournal) // includes the NoteExitDispatch Exit() already recorded
			recordPostProcess(outer, dest, prog, pages)
			outer.Record(journal.Note{Kind: journal.NoteMessageConsumed, ConsumedMessage: d.Message.Id})
			outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
				Outcome: journal.Outcome{Success: true}})
			applyNewPrograms(outer, p.Programs)
			return &Result{Journal: outer, Outcome: OutcomeSuccess}

		case hostcalls.YieldLeave, hostcalls.YieldWait, hostcalls.YieldWaitFor, hostcalls.YieldWaitUpTo:
			mergeNotes(outer, execJournal)
			suspended := queue.Dispatch{Kind: d.Kind, Message: d.Message, Context: execCtx.ExportContext()}
			outer.Record(journal.Note{
				Kind: journal.NoteWaitDispatch, WaitProgram: dest, Dispatch: suspended,
				WaitInterval: waitInterval(yield, p.Clock, p.Limits),
			})
			return &Result{Journal: outer, Outcome: OutcomeWait}

		default:
			return p.fatal(outer, fmt.Errorf("processor: unrecognized yield kind %v", yield.Kind))
		}

	default:
		var execErr *gearerr.ExecutionError
		reason := gearerr.ReasonUserPanic
		if errors.As(invokeErr, &execErr) {
			reason = execErr.Reason
		}
		outer.Record(journal.Note{Kind: journal.NoteMessageConsumed, ConsumedMessage: d.Message.Id})
		outer.Record(journal.Note{Kind: journal.NoteMessageDispatched, DispatchedMessage: d.Message.Id,
			Outcome: journal.Outcome{Success: false, Reason: reason.String()}})
		if d.Kind == queue.Init {
			_ = p.Programs.Terminate(dest, d.Message.Source)
		}
		return &Result{Journal: outer, Outcome: OutcomeTrap, Reason: reason, Err: invokeErr}
	}
}

// recordPostProcess turns one execution's dirty/accessed pages into the
// UpdatePage and UpdateAllocations notes the Applier persists.
func recordPostProcess(outer *journal.Journal, dest ids.ActorId, prog *program.Program, pages *lazypages.Manager) {
	for page, data := range pages.DirtyPages() {
		outer.Record(journal.Note{Kind: journal.NoteUpdatePage, PageProgram: dest, PageIndex: page, PageData: data})
	}
	accessed := pages.Accessed()
	if len(accessed) == 0 {
		return
	}
	merged := make(map[uint32]struct{}, len(prog.Allocations)+len(accessed))
	for pg := range prog.Allocations {
		merged[pg] = struct{}{}
	}
	for pg := range accessed {
		merged[pg] = struct{}{}
	}
	outer.Record(journal.Note{Kind: journal.NoteUpdateAllocations, AllocProgram: dest, Allocations: merged})
}

// applyNewPrograms resolves the NoteStoreNewPrograms/NoteSendDispatch
// pairing create_program leaves in a successful dispatch's merged journal
// into real Program Store rows. journal.Applier deliberately treats
// NoteStoreNewPrograms as a no-op (see its own comment); the processor is
// the component that actually owns turning "a program was created" into a
// program.Store.CreateActive call, since it is the only place that still
// has the paired init dispatch's MessageId at hand.
func applyNewPrograms(outer *journal.Journal, programs *program.Store) {
	notes := outer.Notes()
	for i, n := range notes {
		if n.Kind != journal.NoteStoreNewPrograms {
			continue
		}
		for _, actor := range n.NewPrograms {
			initMsg := findPairedInit(notes[i:], actor)
			_ = programs.CreateActive(actor, n.NewCode, 0, initMsg, 0)
		}
	}
}

func findPairedInit(notes []journal.Note, actor ids.ActorId) ids.MessageId {
	for _, n := range notes {
		if n.Kind == journal.NoteSendDispatch && n.Dispatch.Kind == queue.Init && n.Dispatch.Message.Destination == actor {
			return n.Dispatch.Message.Id
		}
	}
	return ids.MessageId{}
}

func mergeNotes(dst, src *journal.Journal) {
	for _, n := range src.Notes() {
		dst.Record(n)
	}
}

func entryPointFor(kind queue.DispatchKind) (string, bool) {
	switch kind {
	case queue.Init:
		return "init", true
	case queue.Handle:
		return "handle", true
	case queue.Reply:
		return "handle_reply", true
	case queue.Signal:
		return "handle_signal", true
	default:
		return "", false
	}
}

func instanceName(dest ids.ActorId, msg ids.MessageId) string {
	return fmt.Sprintf("%x-%x", dest[:8], msg[:8])
}

func (p *Processor) compileCached(ctx context.Context, code ids.CodeId, instrumented []byte) (wazero.CompiledModule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.compiled.Get(code); ok {
		return m, nil
	}
	m, err := p.Engine.Compile(ctx, instrumented)
	if err != nil {
		return nil, err
	}
	p.compiled.Put(code, m)
	return m, nil
}

// waitInterval derives the waitlist entry's [start,finish) range from the
// yield kind: gr_wait has no caller-given bound and gets the fixed
// defaultWaitBlocks horizon; gr_wait_for/gr_wait_up_to bound it to the
// requested number of blocks from now. limits is not consulted.
func waitInterval(y *hostcalls.Yield, clock gearconfig.BlockClock, limits *gearconfig.Limits) queue.Interval {
	start := clock.Height()
	switch y.Kind {
	case hostcalls.YieldWaitFor, hostcalls.YieldWaitUpTo:
		return queue.Interval{Start: start, Finish: start + y.Duration}
	default:
		return queue.Interval{Start: start, Finish: start + defaultWaitBlocks}
	}
}

// defaultWaitBlocks bounds a plain gr_wait (no caller-given duration) to a
// fixed horizon; unlike gr_wait_for/gr_wait_up_to there is no per-call
// value to read one from.
const defaultWaitBlocks = 100

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
