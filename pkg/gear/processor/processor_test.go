package processor

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vara-network/vara-core/pkg/gear/builtin"
	"github.com/vara-network/vara-core/pkg/gear/gastree"
	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/ids"
	"github.com/vara-network/vara-core/pkg/gear/journal"
	"github.com/vara-network/vara-core/pkg/gear/program"
	"github.com/vara-network/vara-core/pkg/gear/queue"
	"github.com/vara-network/vara-core/pkg/gear/wasmvm"
)

// --- minimal hand-assembled WASM modules ---
//
// These exercise the processor's wiring of wasmvm/hostcalls without a real
// compiler toolchain, the same approach pkg/gear/instrument's tests use for
// the validator.

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), []byte(s)...)
}

func wasmSection(id byte, count int, body []byte) []byte {
	payload := append(uleb(uint32(count)), body...)
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	out = append(out, payload...)
	return out
}

// guestModule assembles a module importing zero or one host function from
// "env" (the syscall surface pkg/gear/hostcalls.Register wires up), a
// locally-declared-and-exported single-page memory, and a single exported
// "handle" function running the caller-given body. The module declares its
// own memory rather than importing "env.memory": the instrumentor requires
// an import for a real upload (pkg/gear/instrument), but the processor
// never re-validates stored code, so these fixtures only need a memory
// wazero will actually bind to the instance, and a locally-exported one
// avoids depending on whether the shared host module re-exports its own.
func guestModule(hostImport string, hostParams []byte, body []byte) []byte {
	var typeSec []byte
	typeCount := 0
	addType := func(params []byte) uint32 {
		typeSec = append(typeSec, 0x60, byte(len(params)))
		typeSec = append(typeSec, params...)
		typeSec = append(typeSec, 0x00)
		idx := uint32(typeCount)
		typeCount++
		return idx
	}
	voidType := addType(nil)

	var importSec []byte
	importCount := 0
	handleFuncIdx := uint32(0)
	if hostImport != "" {
		hostType := addType(hostParams)
		importSec = append(importSec, wasmName("env")...)
		importSec = append(importSec, wasmName(hostImport)...)
		importSec = append(importSec, 0x00)
		importSec = append(importSec, uleb(hostType)...)
		importCount++
		handleFuncIdx = 1
	}

	funcSec := uleb(voidType)
	memSec := []byte{0x00, 0x01} // memtype: flags=0 (no max), min=1 page

	codeBody := append(uleb(0), body...) // 0 locals, then instructions (caller supplies trailing end)
	codeSec := append(uleb(uint32(len(codeBody))), codeBody...)

	exportSec := append(wasmName("handle"), 0x00)
	exportSec = append(exportSec, uleb(handleFuncIdx)...)
	exportSec = append(exportSec, wasmName("memory")...)
	exportSec = append(exportSec, 0x02, 0x00) // export kind=memory, memidx=0

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, wasmSection(1, typeCount, typeSec)...)
	if importCount > 0 {
		out = append(out, wasmSection(2, importCount, importSec)...)
	}
	out = append(out, wasmSection(3, 1, funcSec)...)
	out = append(out, wasmSection(5, 1, memSec)...)
	out = append(out, wasmSection(7, 2, exportSec)...)
	out = append(out, wasmSection(10, 1, codeSec)...)
	return out
}

var endOnly = []byte{0x0b}
var unreachableThenEnd = []byte{0x00, 0x0b}

// callHostNullary is a "handle" body that calls an imported nullary host
// function (func index 0) and returns.
var callHostNullary = []byte{0x10, 0x00, 0x0b} // call 0; end

// callHostWithI32Arg builds a "handle" body that pushes arg then calls the
// imported single-i32-param host function at index 0.
func callHostWithI32Arg(arg uint32) []byte {
	body := []byte{0x41}
	body = append(body, uleb(arg)...)
	body = append(body, 0x10, 0x00, 0x0b) // call 0; end
	return body
}

// --- test fixtures ---

type fakePageSource struct{}

func (fakePageSource) ReadPage(infix, page uint32) ([]byte, bool, error) {
	return nil, false, nil
}

func newTestProcessor(t *testing.T) (*Processor, context.Context) {
	t.Helper()
	ctx := context.Background()
	programs := program.NewStore()
	codes := program.NewCodeStore()
	tree := gastree.NewTree()
	engine := wasmvm.NewEngine(ctx)
	t.Cleanup(func() { _ = engine.Close(ctx) })
	schedule := gearconfig.DefaultSchedule()
	limits := gearconfig.TestLimits()
	clock := gearconfig.NewStaticClock(1, 1000)
	builtins := builtin.NewRegistry()
	random := func() ([32]byte, uint32) { return [32]byte{}, clock.Height() }

	p, err := New(ctx, programs, codes, tree, engine, fakePageSource{}, schedule, limits, clock, builtins, random)
	require.NoError(t, err)
	return p, ctx
}

func fundedGasNode(t *testing.T, p *Processor, amount uint64) gastree.NodeId {
	t.Helper()
	var node gastree.NodeId
	node[0] = 0xaa
	_, err := p.GasTree.Create(node, amount)
	require.NoError(t, err)
	return node
}

func deployActiveProgram(t *testing.T, p *Processor, code []byte) ids.ActorId {
	t.Helper()
	codeId := ids.CodeIdOf(code)
	p.Codes.Put(codeId, code, code, program.SectionSizes{}, program.CodeMetadata{})
	actor := ids.ActorIdFromUser(codeId, []byte("salt"))
	require.NoError(t, p.Programs.CreateActive(actor, codeId, 0, ids.MessageId{}, 0))
	return actor
}

func handleDispatch(dest ids.ActorId) queue.Dispatch {
	return queue.Dispatch{
		Kind: queue.Handle,
		Message: queue.Message{
			Id:          ids.MessageId{1},
			Source:      ids.ActorId{2},
			Destination: dest,
		},
		Context: queue.NewDispatchContext(),
	}
}

// --- tests ---

func TestExecuteSuccessfulHandleDispatch(t *testing.T) {
	p, ctx := newTestProcessor(t)
	code := guestModule("", nil, endOnly)
	dest := deployActiveProgram(t, p, code)

	gasNode := fundedGasNode(t, p, 1_000_000)
	res := p.Execute(ctx, handleDispatch(dest), gasNode, 1_000_000)

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.NoError(t, res.Err)

	var sawConsumed, sawDispatched bool
	var burned uint64
	for _, n := range res.Journal.Notes() {
		switch n.Kind {
		case journal.NoteMessageConsumed:
			sawConsumed = true
		case journal.NoteMessageDispatched:
			sawDispatched = true
			assert.True(t, n.Outcome.Success)
		case journal.NoteGasBurned:
			burned = n.Amount
		}
	}
	assert.True(t, sawConsumed)
	assert.True(t, sawDispatched)
	precharge := p.Schedule.ReadMessageCost + p.Schedule.ProgramLoadCost + p.Schedule.ModuleInstantiateCost
	assert.Equal(t, precharge, burned)
}

func TestExecuteTrapsWhenGasBelowPrecharge(t *testing.T) {
	p, ctx := newTestProcessor(t)
	code := guestModule("", nil, endOnly)
	dest := deployActiveProgram(t, p, code)

	gasNode := fundedGasNode(t, p, 10) // far below any precharge total
	res := p.Execute(ctx, handleDispatch(dest), gasNode, 1_000_000)

	require.Equal(t, OutcomeTrap, res.Outcome)
	assert.Equal(t, "GasLimitExceeded", res.Reason.String())

	var burned uint64
	for _, n := range res.Journal.Notes() {
		if n.Kind == journal.NoteGasBurned {
			burned = n.Amount
		}
	}
	assert.EqualValues(t, 10, burned)
}

func TestExecuteTrapsOnUnreachableInstruction(t *testing.T) {
	p, ctx := newTestProcessor(t)
	code := guestModule("", nil, unreachableThenEnd)
	dest := deployActiveProgram(t, p, code)

	gasNode := fundedGasNode(t, p, 1_000_000)
	res := p.Execute(ctx, handleDispatch(dest), gasNode, 1_000_000)

	require.Equal(t, OutcomeTrap, res.Outcome)
	require.Error(t, res.Err)

	var sawDispatched bool
	for _, n := range res.Journal.Notes() {
		if n.Kind == journal.NoteMessageDispatched {
			sawDispatched = true
			assert.False(t, n.Outcome.Success)
		}
	}
	assert.True(t, sawDispatched)
}

func TestExecuteSuspendsOnWait(t *testing.T) {
	p, ctx := newTestProcessor(t)
	code := guestModule("gr_wait", nil, callHostNullary)
	dest := deployActiveProgram(t, p, code)

	gasNode := fundedGasNode(t, p, 1_000_000)
	res := p.Execute(ctx, handleDispatch(dest), gasNode, 1_000_000)

	require.Equal(t, OutcomeWait, res.Outcome)

	var found bool
	for _, n := range res.Journal.Notes() {
		if n.Kind == journal.NoteWaitDispatch {
			found = true
			assert.Equal(t, dest, n.WaitProgram)
			assert.Equal(t, queue.Handle, n.Dispatch.Kind)
			assert.NotNil(t, n.Dispatch.Context)
			assert.Equal(t, uint32(1), n.WaitInterval.Start)
			assert.Greater(t, n.WaitInterval.Finish, n.WaitInterval.Start)
		}
	}
	assert.True(t, found)
}

func TestExecuteExitTerminatesProgramAsSuccess(t *testing.T) {
	p, ctx := newTestProcessor(t)
	code := guestModule("gr_exit", []byte{0x7f}, callHostWithI32Arg(0))
	dest := deployActiveProgram(t, p, code)

	gasNode := fundedGasNode(t, p, 1_000_000)
	res := p.Execute(ctx, handleDispatch(dest), gasNode, 1_000_000)

	require.Equal(t, OutcomeSuccess, res.Outcome)
	var sawExit bool
	for _, n := range res.Journal.Notes() {
		if n.Kind == journal.NoteExitDispatch {
			sawExit = true
			assert.Equal(t, dest, n.ExitedProgram)
		}
	}
	assert.True(t, sawExit)
}

func TestExecuteUnknownDestinationConsumesWithoutRunning(t *testing.T) {
	p, ctx := newTestProcessor(t)
	gasNode := fundedGasNode(t, p, 1_000_000)

	res := p.Execute(ctx, handleDispatch(ids.ActorId{0xff}), gasNode, 1_000_000)

	require.Equal(t, OutcomeTrap, res.Outcome)
	assert.Equal(t, "Forbidden", res.Reason.String())
}

func TestExecuteBuiltinDispatchShortCircuits(t *testing.T) {
	p, ctx := newTestProcessor(t)
	gasNode := fundedGasNode(t, p, 1_000_000)

	dest := builtin.ActorId("staking-proxy")
	d := handleDispatch(dest)
	d.Message.Payload = stakePayload(0, 500)

	res := p.Execute(ctx, d, gasNode, 1_000_000)

	require.Equal(t, OutcomeSuccess, res.Outcome)
	var sawReply bool
	for _, n := range res.Journal.Notes() {
		if n.Kind == journal.NoteSendDispatch && n.Dispatch.Kind == queue.Reply {
			sawReply = true
		}
	}
	assert.True(t, sawReply)
}

func stakePayload(op byte, amount uint64) []byte {
	out := make([]byte, 9)
	out[0] = op
	binary.LittleEndian.PutUint64(out[1:], amount)
	return out
}

// applyNewPrograms is exercised directly (white-box) since wiring a real
// create_program call through hand-assembled WASM would mean re-deriving
// gr_create_program's whole memory layout; what matters here is that the
// NoteStoreNewPrograms/NoteSendDispatch pairing resolves into a real
// program.Store row, which doesn't require going through wasmvm at all.
func TestApplyNewProgramsRegistersPairedInit(t *testing.T) {
	programs := program.NewStore()
	codeId := ids.CodeIdOf([]byte("some code"))
	newActor := ids.ActorIdFromUser(codeId, []byte("salt"))
	initMsg := ids.MessageId{9}

	j := journal.New()
	j.Record(journal.Note{Kind: journal.NoteStoreNewPrograms, NewPrograms: []ids.ActorId{newActor}, NewCode: codeId})
	j.Record(journal.Note{
		Kind: journal.NoteSendDispatch,
		Dispatch: queue.Dispatch{
			Kind:    queue.Init,
			Message: queue.Message{Id: initMsg, Destination: newActor},
		},
	})

	applyNewPrograms(j, programs)

	require.True(t, programs.Exists(newActor))
	got, err := programs.Get(newActor)
	require.NoError(t, err)
	assert.Equal(t, program.StatusActive, got.Status)
	assert.Equal(t, codeId, got.Code)
	assert.Equal(t, initMsg, got.InitMessage)
}

func TestFindPairedInitReturnsZeroWhenNoMatch(t *testing.T) {
	actor := ids.ActorId{5}
	notes := []journal.Note{
		{Kind: journal.NoteMessageConsumed},
	}
	assert.Equal(t, ids.MessageId{}, findPairedInit(notes, actor))
}
