package instrument_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/instrument"
)

func schedule(version uint32) *gearconfig.Schedule {
	s := gearconfig.DefaultSchedule()
	s.Version = version
	return s
}

// moduleBuilder assembles minimal WASM binaries by hand so tests can
// exercise the validator's import/export/section checks without needing
// a real compiler toolchain.
type moduleBuilder struct {
	typeSec    []byte
	importSec  []byte
	importCnt  int
	funcSec    []byte
	funcCnt    int
	globalSec  []byte
	globalCnt  int
	exportSec  []byte
	exportCnt  int
	codeSec    []byte
	codeCnt    int
}

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

func name(s string) []byte {
	return append(uleb(uint32(len(s))), []byte(s)...)
}

func (b *moduleBuilder) addVoidType() uint32 {
	b.typeSec = append(b.typeSec, 0x60, 0x00, 0x00)
	idx := uint32(len(b.typeSec)/3 - 1)
	return idx
}

func (b *moduleBuilder) importFunc(module, field string, typeIdx uint32) {
	b.importSec = append(b.importSec, name(module)...)
	b.importSec = append(b.importSec, name(field)...)
	b.importSec = append(b.importSec, 0x00)
	b.importSec = append(b.importSec, uleb(typeIdx)...)
	b.importCnt++
}

func (b *moduleBuilder) importMemory(module, field string, min uint32) {
	b.importSec = append(b.importSec, name(module)...)
	b.importSec = append(b.importSec, name(field)...)
	b.importSec = append(b.importSec, 0x02, 0x00)
	b.importSec = append(b.importSec, uleb(min)...)
	b.importCnt++
}

func (b *moduleBuilder) declareFunc(typeIdx uint32) {
	b.funcSec = append(b.funcSec, uleb(typeIdx)...)
	b.funcCnt++
	// Trivial body: locals count 0, single `end` opcode.
	body := []byte{0x00, 0x0b}
	b.codeSec = append(b.codeSec, uleb(uint32(len(body)))...)
	b.codeSec = append(b.codeSec, body...)
	b.codeCnt++
}

func (b *moduleBuilder) addGlobal(mutable bool, initValue uint32) uint32 {
	mut := byte(0)
	if mutable {
		mut = 1
	}
	b.globalSec = append(b.globalSec, 0x7f, mut, 0x41)
	b.globalSec = append(b.globalSec, uleb(initValue)...)
	b.globalSec = append(b.globalSec, 0x0b)
	idx := uint32(b.globalCnt)
	b.globalCnt++
	return idx
}

func (b *moduleBuilder) exportFunc(n string, idx uint32) {
	b.exportSec = append(b.exportSec, name(n)...)
	b.exportSec = append(b.exportSec, 0x00)
	b.exportSec = append(b.exportSec, uleb(idx)...)
	b.exportCnt++
}

func (b *moduleBuilder) exportGlobal(n string, idx uint32) {
	b.exportSec = append(b.exportSec, name(n)...)
	b.exportSec = append(b.exportSec, 0x03)
	b.exportSec = append(b.exportSec, uleb(idx)...)
	b.exportCnt++
}

func section(id byte, count int, body []byte) []byte {
	payload := append(uleb(uint32(count)), body...)
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	out = append(out, payload...)
	return out
}

func (b *moduleBuilder) build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if len(b.typeSec) > 0 {
		out = append(out, section(1, len(b.typeSec)/3, b.typeSec)...)
	}
	if b.importCnt > 0 {
		out = append(out, section(2, b.importCnt, b.importSec)...)
	}
	if b.funcCnt > 0 {
		out = append(out, section(3, b.funcCnt, b.funcSec)...)
	}
	if b.globalCnt > 0 {
		out = append(out, section(6, b.globalCnt, b.globalSec)...)
	}
	if b.exportCnt > 0 {
		out = append(out, section(7, b.exportCnt, b.exportSec)...)
	}
	if b.codeCnt > 0 {
		out = append(out, section(10, b.codeCnt, b.codeSec)...)
	}
	return out
}

// validHandleModule builds a module importing env.memory, declaring one
// exported "handle" function, and exporting a page-aligned stack-end
// global, matching what the validator requires.
func validHandleModule() []byte {
	b := &moduleBuilder{}
	b.importMemory("env", "memory", 1)
	ty := b.addVoidType()
	b.declareFunc(ty)
	g := b.addGlobal(false, 4096)
	b.exportFunc("handle", 0)
	b.exportGlobal("__gear_stack_end", g)
	return b.build()
}

func TestValidModuleInstrumentsSuccessfully(t *testing.T) {
	res, err := instrument.Instrument(validHandleModule(), schedule(1), instrument.DefaultLimits())
	require.NoError(t, err)
	assert.True(t, res.Metadata.Exports.HasHandle)
	assert.False(t, res.Metadata.Exports.HasInit)
	assert.EqualValues(t, 1, res.StackEndPage)
	assert.Equal(t, uint32(1), res.Metadata.ScheduleVersion)
}

func TestInstrumentIsDeterministic(t *testing.T) {
	code := validHandleModule()
	r1, err := instrument.Instrument(code, schedule(7), instrument.DefaultLimits())
	require.NoError(t, err)
	r2, err := instrument.Instrument(code, schedule(7), instrument.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, r1.Instrumented, r2.Instrumented)
	assert.Equal(t, r1.Metadata, r2.Metadata)
}

func TestMissingMemoryImportRejected(t *testing.T) {
	b := &moduleBuilder{}
	ty := b.addVoidType()
	b.declareFunc(ty)
	g := b.addGlobal(false, 0)
	b.exportFunc("handle", 0)
	b.exportGlobal("__gear_stack_end", g)

	_, err := instrument.Instrument(b.build(), schedule(1), instrument.DefaultLimits())
	assert.ErrorIs(t, err, instrument.ErrInvalidModule)
}

func TestUnknownHostImportRejected(t *testing.T) {
	b := &moduleBuilder{}
	ty := b.addVoidType()
	b.importFunc("env", "not_a_real_syscall", ty)
	b.importMemory("env", "memory", 1)
	b.declareFunc(ty)
	g := b.addGlobal(false, 0)
	b.exportFunc("handle", 1)
	b.exportGlobal("__gear_stack_end", g)

	_, err := instrument.Instrument(b.build(), schedule(1), instrument.DefaultLimits())
	assert.ErrorIs(t, err, instrument.ErrInvalidModule)
}

func TestKnownHostImportAccepted(t *testing.T) {
	b := &moduleBuilder{}
	ty := b.addVoidType()
	b.importFunc("env", "gr_debug", ty)
	b.importMemory("env", "memory", 1)
	b.declareFunc(ty)
	g := b.addGlobal(false, 0)
	b.exportFunc("handle", 1)
	b.exportGlobal("__gear_stack_end", g)

	_, err := instrument.Instrument(b.build(), schedule(1), instrument.DefaultLimits())
	require.NoError(t, err)
}

func TestUnknownExportNameRejected(t *testing.T) {
	b := &moduleBuilder{}
	b.importMemory("env", "memory", 1)
	ty := b.addVoidType()
	b.declareFunc(ty)
	g := b.addGlobal(false, 0)
	b.exportFunc("not_a_real_entry_point", 0)
	b.exportGlobal("__gear_stack_end", g)

	_, err := instrument.Instrument(b.build(), schedule(1), instrument.DefaultLimits())
	assert.ErrorIs(t, err, instrument.ErrInvalidModule)
}

func TestMissingStackEndExportRejected(t *testing.T) {
	b := &moduleBuilder{}
	b.importMemory("env", "memory", 1)
	ty := b.addVoidType()
	b.declareFunc(ty)
	b.exportFunc("handle", 0)

	_, err := instrument.Instrument(b.build(), schedule(1), instrument.DefaultLimits())
	assert.ErrorIs(t, err, instrument.ErrInvalidModule)
}

func TestUnalignedStackEndRejected(t *testing.T) {
	b := &moduleBuilder{}
	b.importMemory("env", "memory", 1)
	ty := b.addVoidType()
	b.declareFunc(ty)
	g := b.addGlobal(false, 100) // not a multiple of GearPageSize
	b.exportFunc("handle", 0)
	b.exportGlobal("__gear_stack_end", g)

	_, err := instrument.Instrument(b.build(), schedule(1), instrument.DefaultLimits())
	assert.ErrorIs(t, err, instrument.ErrInvalidModule)
}

func TestMutableStackEndRejected(t *testing.T) {
	b := &moduleBuilder{}
	b.importMemory("env", "memory", 1)
	ty := b.addVoidType()
	b.declareFunc(ty)
	g := b.addGlobal(true, 4096)
	b.exportFunc("handle", 0)
	b.exportGlobal("__gear_stack_end", g)

	_, err := instrument.Instrument(b.build(), schedule(1), instrument.DefaultLimits())
	assert.ErrorIs(t, err, instrument.ErrInvalidModule)
}

func TestLocallyDeclaredMemoryRejected(t *testing.T) {
	code := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	// Memory section (id 5): count=1, flags=0, min=1.
	code = append(code, 0x05, 0x03, 0x01, 0x00, 0x01)

	_, err := instrument.Instrument(code, schedule(1), instrument.DefaultLimits())
	assert.ErrorIs(t, err, instrument.ErrInvalidModule)
}

func TestTooShortModuleRejected(t *testing.T) {
	_, err := instrument.Instrument([]byte{0x00, 0x61}, schedule(1), instrument.DefaultLimits())
	assert.ErrorIs(t, err, instrument.ErrInvalidModule)
}

func TestInstrumentInjectsMeteringGlobals(t *testing.T) {
	original := validHandleModule()
	res, err := instrument.Instrument(original, schedule(1), instrument.DefaultLimits())
	require.NoError(t, err)

	assert.NotEqual(t, original, res.Instrumented, "instrumentation must rewrite the code, not pass it through")
	assert.Greater(t, len(res.Instrumented), len(original), "injected charge/depth bytecode and two new globals must grow the module")
	assert.Contains(t, string(res.Instrumented), instrument.GasGlobalName)
	assert.Contains(t, string(res.Instrumented), instrument.AllowanceGlobalName)
}

func TestInstrumentScalesWithScheduleVersion(t *testing.T) {
	code := validHandleModule()
	cheap := schedule(1)
	cheap.InstructionCost = 1
	expensive := schedule(2)
	expensive.InstructionCost = 1000

	r1, err := instrument.Instrument(code, cheap, instrument.DefaultLimits())
	require.NoError(t, err)
	r2, err := instrument.Instrument(code, expensive, instrument.DefaultLimits())
	require.NoError(t, err)

	// Same opcodes either way, but the cost constants are embedded as SLEB
	// immediates: 1000 takes one byte more than 1 in each of the four
	// i64.const operands of the body's single gas+allowance charge, so the
	// expensive run is exactly 4 bytes longer. The two runs are independent
	// re-instrumentations, not a cache hit.
	assert.Equal(t, len(r1.Instrumented)+4, len(r2.Instrumented))
	assert.NotEqual(t, r1.Metadata.ScheduleVersion, r2.Metadata.ScheduleVersion)
}
