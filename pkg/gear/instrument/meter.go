package instrument

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
)

// GasGlobalName and AllowanceGlobalName are the mutable i64 globals every
// instrumented module exports, read/written by wasmvm.Instance.GetGlobal/
// SetGlobal between processor.Execute's precharge and its post-Invoke gas
// reconciliation.
const (
	GasGlobalName       = "gear_gas"
	AllowanceGlobalName = "gear_allowance"
)

// meterConfig is everything the basic-block injector needs to know about
// one module: the instruction/memory-grow/per-local costs from the active
// Schedule, the stack-height limit from the active Limits, and the global
// indices the three injected globals landed at (appended after every
// existing global, imported or local, so no other global reference in the
// original bytecode needs renumbering).
type meterConfig struct {
	instructionCost    uint64
	callPerLocalCost   uint64
	memoryGrowCost     uint64
	stackHeightLimit   uint32
	gasGlobalIdx       uint32
	allowanceGlobalIdx uint32
	depthGlobalIdx     uint32
}

// meterModule appends the gas/allowance/call-depth globals and their
// matching exports, and rewrites every function body to charge those
// globals per basic block, trapping via unreachable the instant either
// would go negative or call depth would exceed the configured limit.
func meterModule(m *parsedModule, schedule *gearconfig.Schedule, stackHeightLimit uint32) ([]byte, error) {
	numImportedGlobals := 0
	for _, imp := range m.imports {
		if imp.Kind == 0x03 {
			numImportedGlobals++
		}
	}

	gasIdx := uint32(numImportedGlobals + len(m.globals))
	allowanceIdx := gasIdx + 1
	depthIdx := gasIdx + 2

	newGlobals := make([]globalEntry, len(m.globals), len(m.globals)+3)
	copy(newGlobals, m.globals)
	newGlobals = append(newGlobals,
		globalEntry{ValueType: valI64, Mutable: true, InitValue: 0},
		globalEntry{ValueType: valI64, Mutable: true, InitValue: 0},
		globalEntry{ValueType: valI32, Mutable: true, InitValue: 0},
	)

	newExports := make([]exportEntry, len(m.exports), len(m.exports)+2)
	copy(newExports, m.exports)
	newExports = append(newExports,
		exportEntry{Name: GasGlobalName, Kind: 0x03, Index: gasIdx},
		exportEntry{Name: AllowanceGlobalName, Kind: 0x03, Index: allowanceIdx},
	)

	cfg := meterConfig{
		instructionCost:    schedule.InstructionCost,
		callPerLocalCost:   schedule.CallPerLocalCost,
		memoryGrowCost:     schedule.MemoryGrowCost,
		stackHeightLimit:   stackHeightLimit,
		gasGlobalIdx:       gasIdx,
		allowanceGlobalIdx: allowanceIdx,
		depthGlobalIdx:     depthIdx,
	}

	newBodies := make([][]byte, len(m.codeBodies))
	for i, body := range m.codeBodies {
		metered, err := meterFunctionBody(body, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: metering function %d: %v", ErrInvalidModule, i, err)
		}
		newBodies[i] = metered
	}

	return assembleModule(m.rawSections, encodeGlobalSection(newGlobals), encodeExportSection(newExports), encodeCodeSection(newBodies)), nil
}

// meterFunctionBody rewrites one Code-section entry (locals vector plus
// expression, not including its own leb128 length prefix): it copies the
// locals vector through unchanged, injects the call-depth enter sequence,
// then meters the expression as the function's outermost scope.
func meterFunctionBody(body []byte, cfg meterConfig) ([]byte, error) {
	r := &reader{buf: body}
	localVecCount, err := r.uleb32()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	writeULEB(&out, uint64(localVecCount))
	var totalLocals uint64
	for i := uint32(0); i < localVecCount; i++ {
		n, err := r.uleb32()
		if err != nil {
			return nil, err
		}
		vt, err := r.byte()
		if err != nil {
			return nil, err
		}
		writeULEB(&out, uint64(n))
		out.WriteByte(vt)
		totalLocals += uint64(n)
	}

	entryCost := cfg.instructionCost + cfg.callPerLocalCost*totalLocals
	emitDepthEnter(&out, cfg)

	fm := &funcMeter{cfg: cfg}
	if _, err := fm.meterScope(r, &out, true, entryCost); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// funcMeter holds per-function metering state; it exists only so
// meterScope can recurse into nested block/loop/if bodies without
// threading cfg through every call.
type funcMeter struct {
	cfg meterConfig
}

// meterScope walks one structured-control-flow scope (a function body, or
// the body of a block/loop/if/else) until it reaches the `end` or `else`
// that closes it, splitting the scope into basic-block segments at every
// nested block/loop/if boundary. Each segment accumulates a static
// instruction-cost total and is prefixed, as a unit, with the charge
// sequence for that total — so a branch landing anywhere a segment starts
// always finds the gas already charged for everything that segment is
// about to run. isFunctionScope additionally charges and checks call
// depth on entry/exit; entryCost seeds the first segment so the function
// (or just-opened block) doesn't need a zero-cost bootstrap segment.
func (fm *funcMeter) meterScope(r *reader, out *bytes.Buffer, isFunctionScope bool, entryCost uint64) (terminator byte, err error) {
	cost := entryCost
	var seg bytes.Buffer
	flush := func() {
		if cost > 0 {
			emitCharge(out, fm.cfg, cost)
			cost = 0
		}
		out.Write(seg.Bytes())
		seg.Reset()
	}

	for {
		op, err := r.byte()
		if err != nil {
			return 0, err
		}

		switch {
		case op == 0x0b: // end
			flush()
			if isFunctionScope {
				emitDepthExit(out, fm.cfg)
			}
			out.WriteByte(op)
			return op, nil

		case op == 0x05: // else
			flush()
			out.WriteByte(op)
			return op, nil

		case op == 0x02 || op == 0x03 || op == 0x04: // block, loop, if
			blockType, err := r.lebRaw()
			if err != nil {
				return 0, err
			}
			cost += fm.cfg.instructionCost
			seg.WriteByte(op)
			seg.Write(blockType)
			flush()

			term, err := fm.meterScope(r, out, false, 0)
			if err != nil {
				return 0, err
			}
			if op == 0x04 && term == 0x05 { // if ... else ... end
				if _, err := fm.meterScope(r, out, false, 0); err != nil {
					return 0, err
				}
			}

		case op == 0x0f: // return
			cost += fm.cfg.instructionCost
			flush()
			emitDepthExit(out, fm.cfg) // must run before return leaves the function, at any nesting
			out.WriteByte(op)

		case op == 0x0c || op == 0x0d: // br, br_if
			raw, err := r.lebRaw()
			if err != nil {
				return 0, err
			}
			seg.WriteByte(op)
			seg.Write(raw)
			cost += fm.cfg.instructionCost

		case op == 0x0e: // br_table
			count, countRaw, err := r.lebRawValue()
			if err != nil {
				return 0, err
			}
			seg.WriteByte(op)
			seg.Write(countRaw)
			for i := uint32(0); i < count; i++ {
				raw, err := r.lebRaw()
				if err != nil {
					return 0, err
				}
				seg.Write(raw)
			}
			defRaw, err := r.lebRaw()
			if err != nil {
				return 0, err
			}
			seg.Write(defRaw)
			cost += fm.cfg.instructionCost

		case op == 0x40: // memory.grow
			raw, err := r.lebRaw()
			if err != nil {
				return 0, err
			}
			seg.WriteByte(op)
			seg.Write(raw)
			cost += fm.cfg.instructionCost + fm.cfg.memoryGrowCost

		default:
			seg.WriteByte(op)
			if err := copyOperand(r, &seg, op); err != nil {
				return 0, err
			}
			cost += fm.cfg.instructionCost
		}
	}
}

// copyOperand reads the operand bytes (if any) for an already-consumed
// opcode, appending them to seg verbatim; control-flow opcodes that
// meterScope handles itself (block/loop/if/else/end/br/br_if/br_table/
// memory.grow) never reach here.
func copyOperand(r *reader, seg *bytes.Buffer, op byte) error {
	switch {
	case op == 0x00, op == 0x01, op == 0x1a, op == 0x1b:
		return nil // unreachable, nop, drop, select
	case op == 0x3f: // memory.size
		raw, err := r.lebRaw()
		if err != nil {
			return err
		}
		seg.Write(raw)
		return nil
	case op >= 0x28 && op <= 0x3e: // loads/stores: memarg(align, offset)
		raw1, err := r.lebRaw()
		if err != nil {
			return err
		}
		raw2, err := r.lebRaw()
		if err != nil {
			return err
		}
		seg.Write(raw1)
		seg.Write(raw2)
		return nil
	case op == 0x41, op == 0x42: // i32.const, i64.const
		raw, err := r.lebRaw()
		if err != nil {
			return err
		}
		seg.Write(raw)
		return nil
	case op == 0x43, op == 0x44:
		return errFloatOpcode(op)
	case (op >= 0x45 && op <= 0x4f) || (op >= 0x50 && op <= 0x5a): // i32/i64 comparisons, eqz
		return nil
	case op >= 0x5b && op <= 0x66: // f32/f64 comparisons
		return errFloatOpcode(op)
	case (op >= 0x67 && op <= 0x78) || (op >= 0x79 && op <= 0x8a): // i32/i64 arithmetic
		return nil
	case op == 0xac || op == 0xad: // i64.extend_i32_s/u
		return nil
	case op == 0xa7: // i32.wrap_i64
		return nil
	case op >= 0x8b && op <= 0xbf: // remaining float arithmetic/conversion/reinterpret ops
		return errFloatOpcode(op)
	case op >= 0xc0 && op <= 0xc4: // sign-extension ops
		return nil
	case op == 0x20 || op == 0x21 || op == 0x22 || op == 0x23 || op == 0x24: // local/global get/set/tee
		raw, err := r.lebRaw()
		if err != nil {
			return err
		}
		seg.Write(raw)
		return nil
	case op == 0x10: // call
		raw, err := r.lebRaw()
		if err != nil {
			return err
		}
		seg.Write(raw)
		return nil
	case op == 0x11: // call_indirect: typeidx + reserved tableidx
		raw1, err := r.lebRaw()
		if err != nil {
			return err
		}
		raw2, err := r.lebRaw()
		if err != nil {
			return err
		}
		seg.Write(raw1)
		seg.Write(raw2)
		return nil
	case op == 0xfc: // bulk-memory prefix: only memory.copy/memory.fill are accepted
		sub, subRaw, err := r.lebRawValue()
		if err != nil {
			return err
		}
		seg.Write(subRaw)
		switch sub {
		case 10: // memory.copy: dst memidx, src memidx
			raw1, err := r.lebRaw()
			if err != nil {
				return err
			}
			raw2, err := r.lebRaw()
			if err != nil {
				return err
			}
			seg.Write(raw1)
			seg.Write(raw2)
			return nil
		case 11: // memory.fill: memidx
			raw1, err := r.lebRaw()
			if err != nil {
				return err
			}
			seg.Write(raw1)
			return nil
		default:
			return fmt.Errorf("%w: unsupported bulk-memory sub-opcode %d", ErrInvalidModule, sub)
		}
	default:
		return fmt.Errorf("%w: unsupported opcode 0x%x", ErrInvalidModule, op)
	}
}

func errFloatOpcode(op byte) error {
	return fmt.Errorf("%w: floating-point opcode 0x%x is not permitted in metered code", ErrInvalidModule, op)
}

// lebRaw consumes one LEB128-encoded operand (signed or unsigned; the
// continuation-bit mechanism that determines byte length is identical for
// both) and returns the raw bytes, discarding the decoded value. Every
// operand this package re-emits is copied byte-for-byte from the
// original, so only the consumed length ever matters here.
func (r *reader) lebRaw() ([]byte, error) {
	start := r.pos
	if _, err := r.uleb32(); err != nil {
		return nil, err
	}
	return r.buf[start:r.pos], nil
}

// lebRawValue is lebRaw plus the decoded value, for the few operands whose
// value drives further parsing (br_table's vector count, a bulk-memory
// sub-opcode).
func (r *reader) lebRawValue() (uint32, []byte, error) {
	start := r.pos
	v, err := r.uleb32()
	if err != nil {
		return 0, nil, err
	}
	return v, r.buf[start:r.pos], nil
}

// emitCharge writes the check-then-deduct sequence for cost against the
// gas global and then against the allowance global. Unlike
// gascounter.Counters.Charge it is not all-or-nothing: when the allowance
// check traps, the gas deduction has already been made.
func emitCharge(out *bytes.Buffer, cfg meterConfig, cost uint64) {
	emitGlobalCharge(out, cfg.gasGlobalIdx, cost)
	emitGlobalCharge(out, cfg.allowanceGlobalIdx, cost)
}

func emitGlobalCharge(out *bytes.Buffer, globalIdx uint32, cost uint64) {
	writeGlobalGet(out, globalIdx)
	writeI64Const(out, int64(cost))
	out.WriteByte(0x54) // i64.lt_u
	writeEmptyIfUnreachable(out)
	writeGlobalGet(out, globalIdx)
	writeI64Const(out, int64(cost))
	out.WriteByte(0x7d) // i64.sub
	writeGlobalSet(out, globalIdx)
}

// emitDepthEnter increments the call-depth global, trapping first if it
// has already reached the configured stack-height limit — this build's
// stand-in for the spec's native-stack-height instrumentation, since the
// wazero interpreter's own call stack (not the guest's linear-memory
// stack already bounded by __gear_stack_end) is what unbounded recursion
// would exhaust.
func emitDepthEnter(out *bytes.Buffer, cfg meterConfig) {
	writeGlobalGet(out, cfg.depthGlobalIdx)
	writeI32Const(out, int32(cfg.stackHeightLimit))
	out.WriteByte(0x4f) // i32.ge_u
	writeEmptyIfUnreachable(out)
	writeGlobalGet(out, cfg.depthGlobalIdx)
	writeI32Const(out, 1)
	out.WriteByte(0x6a) // i32.add
	writeGlobalSet(out, cfg.depthGlobalIdx)
}

func emitDepthExit(out *bytes.Buffer, cfg meterConfig) {
	writeGlobalGet(out, cfg.depthGlobalIdx)
	writeI32Const(out, 1)
	out.WriteByte(0x6b) // i32.sub
	writeGlobalSet(out, cfg.depthGlobalIdx)
}

func writeEmptyIfUnreachable(out *bytes.Buffer) {
	out.WriteByte(0x04) // if
	out.WriteByte(0x40) // blocktype: empty
	out.WriteByte(0x00) // unreachable
	out.WriteByte(0x0b) // end
}

func writeGlobalGet(out *bytes.Buffer, idx uint32) {
	out.WriteByte(0x23)
	writeULEB(out, uint64(idx))
}

func writeGlobalSet(out *bytes.Buffer, idx uint32) {
	out.WriteByte(0x24)
	writeULEB(out, uint64(idx))
}

func writeI32Const(out *bytes.Buffer, v int32) {
	out.WriteByte(0x41)
	writeSLEB64(out, int64(v))
}

func writeI64Const(out *bytes.Buffer, v int64) {
	out.WriteByte(0x42)
	writeSLEB64(out, v)
}

func writeULEB(out *bytes.Buffer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	out.Write(buf[:n])
}

// writeSLEB64 encodes v as signed LEB128, the form every const/blocktype
// operand in the WASM binary format uses.
func writeSLEB64(out *bytes.Buffer, v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		done := (v == 0 && !signBitSet) || (v == -1 && signBitSet)
		if !done {
			b |= 0x80
		}
		out.WriteByte(b)
		if done {
			return
		}
	}
}

func encodeGlobalSection(globals []globalEntry) []byte {
	var body bytes.Buffer
	writeULEB(&body, uint64(len(globals)))
	for _, g := range globals {
		body.WriteByte(g.ValueType)
		if g.Mutable {
			body.WriteByte(1)
		} else {
			body.WriteByte(0)
		}
		switch g.ValueType {
		case valI64:
			writeI64Const(&body, int64(g.InitValue))
		default:
			writeI32Const(&body, int32(g.InitValue))
		}
		body.WriteByte(0x0b) // end
	}
	return body.Bytes()
}

func encodeExportSection(exports []exportEntry) []byte {
	var body bytes.Buffer
	writeULEB(&body, uint64(len(exports)))
	for _, e := range exports {
		writeULEB(&body, uint64(len(e.Name)))
		body.WriteString(e.Name)
		body.WriteByte(e.Kind)
		writeULEB(&body, uint64(e.Index))
	}
	return body.Bytes()
}

func encodeCodeSection(bodies [][]byte) []byte {
	var body bytes.Buffer
	writeULEB(&body, uint64(len(bodies)))
	for _, b := range bodies {
		writeULEB(&body, uint64(len(b)))
		body.Write(b)
	}
	return body.Bytes()
}

// assembleModule re-serializes the module in its original section order,
// substituting freshly-encoded bytes for the three sections metering
// touched and copying every other section (including custom sections,
// wherever they originally appeared) through unchanged.
func assembleModule(rawSections []rawSection, globalBytes, exportBytes, codeBytes []byte) []byte {
	var out bytes.Buffer
	out.Write(wasmMagic[:])
	out.Write(wasmVersion[:])
	for _, s := range rawSections {
		body := s.body
		switch s.id {
		case secGlobal:
			body = globalBytes
		case secExport:
			body = exportBytes
		case secCode:
			body = codeBytes
		}
		out.WriteByte(s.id)
		writeULEB(&out, uint64(len(body)))
		out.Write(body)
	}
	return out.Bytes()
}
