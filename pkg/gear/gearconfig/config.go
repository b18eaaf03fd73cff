// Package gearconfig holds the resource caps and instruction schedule that
// govern one runtime deployment, plus the block-clock contract the core
// consumes from its host environment.
package gearconfig

// WasmPageSize is the WebAssembly linear-memory page size (64 KiB), fixed
// by the WASM specification.
const WasmPageSize = 64 * 1024

// GearPageSize is the platform's persisted-page granularity, a fixed
// divisor of WasmPageSize.
const GearPageSize = 4 * 1024

// PagesPerWasmPage is how many gear pages make up one WASM page.
const PagesPerWasmPage = WasmPageSize / GearPageSize

// Limits collects the resource caps enumerated in spec §5.
type Limits struct {
	MaxPayloadBytes       uint32
	MaxPagesPerProgram    uint32
	MaxAllocations        uint32
	MaxReservations       uint32
	StackHeightLimit      uint32
	BlockGasLimit         uint64
	MailboxThreshold      uint64
	WaitlistCostPerBlock  uint64
	MailboxCostPerBlock   uint64
	ReservationCostPerBlock uint64
	ExistentialDeposit    uint64
	PageStorageKeySize    uint32
}

// DefaultLimits returns production-sized caps.
func DefaultLimits() *Limits {
	return &Limits{
		MaxPayloadBytes:         1 << 20, // 1 MiB
		MaxPagesPerProgram:      512,     // 512 WASM pages == 32 MiB
		MaxAllocations:          512,
		MaxReservations:         256,
		StackHeightLimit:        65536,
		BlockGasLimit:           250_000_000_000,
		MailboxThreshold:        3000,
		WaitlistCostPerBlock:    100,
		MailboxCostPerBlock:     100,
		ReservationCostPerBlock: 100,
		ExistentialDeposit:      1,
		PageStorageKeySize:      32 + 4 + 4, // actor id + infix + page index; gearstore's own page keys (prefix || infix || page) do not read this
	}
}

// TestLimits returns a smaller cap set suitable for unit/integration tests.
func TestLimits() *Limits {
	l := DefaultLimits()
	l.BlockGasLimit = 10_000_000
	l.MaxPagesPerProgram = 16
	l.StackHeightLimit = 1024
	return l
}

// WithBlockGasLimit overrides the block gas limit.
func (l *Limits) WithBlockGasLimit(limit uint64) *Limits {
	l.BlockGasLimit = limit
	return l
}

// Schedule maps WASM opcodes (and related metering events) to gas costs.
// Instrumentation output is a pure function of (OriginalCode, Schedule).
// Version is recorded in each CodeMetadata; neither program.CodeStore nor
// pkg/gear/codecache re-instruments or evicts code when it changes.
type Schedule struct {
	Version uint32

	// Per-instruction costs pkg/gear/instrument's basic-block injector
	// embeds directly into each instrumented module's charge sequences.
	// InstructionCost is charged once per instruction in every reachable
	// basic block; CallPerLocalCost is charged once per function
	// invocation, scaled by that function's declared local count;
	// MemoryGrowCost is an additional flat charge on every memory.grow.
	InstructionCost   uint64
	CallPerLocalCost  uint64
	MemoryGrowCost    uint64

	// Lazy-pages costs (spec §4.C).
	SignalRead          uint64
	SignalWrite          uint64
	SignalWriteAfterRead uint64
	HostFuncRead         uint64
	HostFuncWrite        uint64
	HostFuncWriteAfterRead uint64
	LoadPageStorageData  uint64

	// Flat per-call host-call base costs (spec §4.B).
	HostCallBase uint64
	BytePrice    uint64

	// Flat dispatch-processor costs (spec §4.G Precharge).
	ReadMessageCost       uint64
	ProgramLoadCost       uint64
	ModuleInstantiateCost uint64
}

// DefaultSchedule returns the baseline instruction-cost table.
func DefaultSchedule() *Schedule {
	return &Schedule{
		Version:                1,
		InstructionCost:        1,
		CallPerLocalCost:       1,
		MemoryGrowCost:         8000,
		SignalRead:             2000,
		SignalWrite:            2500,
		SignalWriteAfterRead:   500,
		HostFuncRead:           100,
		HostFuncWrite:          150,
		HostFuncWriteAfterRead: 50,
		LoadPageStorageData:    3000,
		HostCallBase:           500,
		BytePrice:              1,
		ReadMessageCost:        1000,
		ProgramLoadCost:        2000,
		ModuleInstantiateCost:  15000,
	}
}

// BlockClock is the host-provided source of block height and timestamp
// (spec §6). The core never advances it on its own.
type BlockClock interface {
	Height() uint32
	TimestampMillis() uint64
}

// StaticClock is a BlockClock useful for tests and the demonstration CLI,
// which drives blocks itself rather than following real consensus.
type StaticClock struct {
	height    uint32
	timestamp uint64
}

func NewStaticClock(height uint32, timestamp uint64) *StaticClock {
	return &StaticClock{height: height, timestamp: timestamp}
}

func (c *StaticClock) Height() uint32          { return c.height }
func (c *StaticClock) TimestampMillis() uint64 { return c.timestamp }

// Advance moves the clock forward by one block and a fixed millisecond
// step, mimicking a constant block time.
func (c *StaticClock) Advance(millisPerBlock uint64) {
	c.height++
	c.timestamp += millisPerBlock
}
