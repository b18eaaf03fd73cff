// Package instrument implements the WASM Instrumentor of spec §4.A:
// validating an uploaded module against the platform's accepted subset,
// rewriting its code to meter gas per basic block and bound call depth,
// and producing the InstrumentedCode + InstantiatedSectionSizes the Code
// store persists alongside the original bytes.
//
// Grounded on pkg/contracts/wasm/wasm_engine.go's parseWASMModule (magic
// number + version check, then a structural walk of the module), but
// generalized from "accept any bytes past the 8-byte header" into an
// actual section-by-section validator, and from there into meter.go's
// rewriter: every function body is re-emitted with charge sequences
// injected at each basic-block boundary against two appended i64 globals,
// gear_gas and gear_allowance, exported so wasmvm.Instance.GetGlobal/
// SetGlobal can seed and read them back around each Invoke. A third,
// unexported i32 global counts call depth, incremented on function entry
// and decremented on every exit, trapping once it reaches the configured
// StackHeightLimit — this build's stand-in for true native-stack-height
// instrumentation, which would require inspecting wazero's own compiled
// call frames rather than the guest bytecode.
package instrument

import (
	"encoding/binary"
	"fmt"

	"github.com/vara-network/vara-core/pkg/gear/program"
)

var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6d}
var wasmVersion = [4]byte{0x01, 0x00, 0x00, 0x00}

// Section ids per the WASM binary format.
const (
	secCustom = iota
	secType
	secImport
	secFunction
	secTable
	secMemory
	secGlobal
	secExport
	secStart
	secElement
	secCode
	secData
)

// valueType tags used in type/global signatures.
const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e
	valF32 byte = 0x7d
	valF64 byte = 0x7c
)

// allowedHostImports is the closed set of host-call names spec §4.B
// groups describe; imports outside this set are rejected (spec §4.A
// validation rule 1).
var allowedHostImports = map[string]struct{}{
	"gr_size": {}, "gr_read": {}, "gr_message_id": {}, "gr_source": {}, "gr_value": {}, "gr_program_id": {},
	"gr_block_height": {}, "gr_block_timestamp": {}, "gr_gas_available": {}, "gr_value_available": {}, "gr_env_vars": {},
	"gr_send": {}, "gr_send_init": {}, "gr_send_push": {}, "gr_send_commit": {}, "gr_send_input": {},
	"gr_reply": {}, "gr_reply_push": {}, "gr_reply_commit": {}, "gr_reply_to": {}, "gr_reply_code": {},
	"gr_create_program": {},
	"gr_exit": {}, "gr_leave": {}, "gr_wait": {}, "gr_wait_for": {}, "gr_wait_up_to": {}, "gr_wake": {},
	"gr_alloc": {}, "gr_free": {}, "gr_free_range": {},
	"gr_reserve_gas": {}, "gr_unreserve_gas": {}, "gr_system_reserve_gas": {},
	"gr_debug": {}, "gr_panic": {}, "gr_oom_panic": {},
	"gr_random": {},
	"gr_system_break": {},
}

var allowedExportFunctions = map[string]struct{}{
	"init": {}, "handle": {}, "handle_reply": {}, "handle_signal": {},
}

const stackEndExportName = "__gear_stack_end"

// ErrInvalidModule is returned for any structural or policy violation
// spec §4.A validation rule 1 describes.
var ErrInvalidModule = fmt.Errorf("instrument: invalid module")

// Limits caps the section sizes the validator enforces (spec §4.A
// "exceed configured section-size limits").
type Limits struct {
	MaxTypeSection    uint32
	MaxImportSection  uint32
	MaxFunctionCount  uint32
	MaxCodeSection    uint32
	MaxDataSection    uint32
	GearPageSize      uint32

	// StackHeightLimit bounds the call-depth global meter.go injects.
	// Mirrors gearconfig.DefaultLimits().StackHeightLimit rather than
	// importing gearconfig directly, keeping this package's config
	// self-contained.
	StackHeightLimit uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxTypeSection:   1 << 16,
		MaxImportSection: 1 << 16,
		MaxFunctionCount: 1 << 16,
		MaxCodeSection:   1 << 24,
		MaxDataSection:   1 << 24,
		GearPageSize:     4096,
		StackHeightLimit: 65536,
	}
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: unexpected EOF", ErrInvalidModule)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: unexpected EOF reading %d bytes", ErrInvalidModule, n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uleb32() (uint32, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: malformed LEB128 varuint", ErrInvalidModule)
	}
	r.pos += n
	return uint32(v), nil
}

func (r *reader) name() (string, error) {
	n, err := r.uleb32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type importEntry struct {
	Module, Field string
	Kind          byte // 0=func,1=table,2=mem,3=global
}

type globalEntry struct {
	ValueType byte
	Mutable   bool
	InitValue uint32
}

type exportEntry struct {
	Name string
	Kind byte
	Index uint32
}

// rawSection is one section exactly as encountered in the original
// module, in file order. assembleModule replays this order, substituting
// freshly-encoded bytes only for the sections metering rewrote (Global,
// Export, Code) and copying everything else — including custom sections
// wherever they appear — through unchanged.
type rawSection struct {
	id   byte
	body []byte
}

type parsedModule struct {
	types       []funcType
	imports     []importEntry
	funcTypeIdx []uint32 // type index per declared (non-imported) function
	globals     []globalEntry
	exports     []exportEntry
	memoryImported bool
	sections    program.SectionSizes
	rawSections []rawSection
	codeBodies  [][]byte // one entry per Code-section function, locals+expr, size prefix stripped
}

type funcType struct {
	Params  []byte
	Results []byte
}

// parse walks the module's sections, extracting exactly the structural
// information §4.A validation needs. It does not decode function bodies
// itself: parseCodeSection only captures each raw body, and meter.go's
// per-instruction scan rejects any opcode it cannot meter.
func parse(code []byte) (*parsedModule, error) {
	if len(code) < 8 {
		return nil, fmt.Errorf("%w: too short for a WASM header", ErrInvalidModule)
	}
	var magic, version [4]byte
	copy(magic[:], code[0:4])
	copy(version[:], code[4:8])
	if magic != wasmMagic {
		return nil, fmt.Errorf("%w: bad magic number", ErrInvalidModule)
	}
	if version != wasmVersion {
		return nil, fmt.Errorf("%w: unsupported version", ErrInvalidModule)
	}

	r := &reader{buf: code, pos: 8}
	m := &parsedModule{}

	for r.remaining() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.uleb32()
		if err != nil {
			return nil, err
		}
		if r.remaining() < int(size) {
			return nil, fmt.Errorf("%w: section %d declares size past end of module", ErrInvalidModule, id)
		}
		body := r.buf[r.pos : r.pos+int(size)]
		end := r.pos + int(size)

		switch id {
		case secType:
			if err := parseTypeSection(body, m); err != nil {
				return nil, err
			}
			m.sections.TypeSection = size
		case secImport:
			if err := parseImportSection(body, m); err != nil {
				return nil, err
			}
		case secFunction:
			if err := parseFunctionSection(body, m); err != nil {
				return nil, err
			}
		case secMemory:
			// A locally-declared memory is itself a rejection (spec: must
			// be imported as env.memory); the section is consumed like any
			// other, and the check after this switch stops parsing with
			// that error.
		case secGlobal:
			if err := parseGlobalSection(body, m); err != nil {
				return nil, err
			}
			m.sections.GlobalSection = size
		case secExport:
			if err := parseExportSection(body, m); err != nil {
				return nil, err
			}
		case secCode:
			if err := parseCodeSection(body, m); err != nil {
				return nil, err
			}
			m.sections.CodeSection = size
		case secData:
			m.sections.DataSection = size
		case secTable:
			m.sections.TableSection = size
		case secElement:
			m.sections.ElementSection = size
		}

		m.rawSections = append(m.rawSections, rawSection{id: id, body: append([]byte(nil), body...)})

		r.pos = end
		if id == secMemory && size > 0 {
			return nil, fmt.Errorf("%w: memory must be imported as env.memory, not locally declared", ErrInvalidModule)
		}
	}

	return m, nil
}

// parseCodeSection captures each function's raw body (locals vector plus
// expression, size prefix stripped) for meter.go to rewrite; it performs
// no instruction-level validation itself, since meterFunctionBody's own
// opcode scan rejects anything it cannot meter.
func parseCodeSection(body []byte, m *parsedModule) error {
	r := &reader{buf: body}
	count, err := r.uleb32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		size, err := r.uleb32()
		if err != nil {
			return err
		}
		fnBody, err := r.bytes(int(size))
		if err != nil {
			return err
		}
		m.codeBodies = append(m.codeBodies, fnBody)
	}
	return nil
}

func parseTypeSection(body []byte, m *parsedModule) error {
	r := &reader{buf: body}
	count, err := r.uleb32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("%w: unknown type form 0x%x", ErrInvalidModule, form)
		}
		pCount, err := r.uleb32()
		if err != nil {
			return err
		}
		params := make([]byte, pCount)
		for j := range params {
			b, err := r.byte()
			if err != nil {
				return err
			}
			params[j] = b
			if b == valF32 || b == valF64 {
				return fmt.Errorf("%w: floating-point types are not permitted in metered code", ErrInvalidModule)
			}
		}
		rCount, err := r.uleb32()
		if err != nil {
			return err
		}
		results := make([]byte, rCount)
		for j := range results {
			b, err := r.byte()
			if err != nil {
				return err
			}
			results[j] = b
			if b == valF32 || b == valF64 {
				return fmt.Errorf("%w: floating-point types are not permitted in metered code", ErrInvalidModule)
			}
		}
		m.types = append(m.types, funcType{Params: params, Results: results})
	}
	return nil
}

func parseImportSection(body []byte, m *parsedModule) error {
	r := &reader{buf: body}
	count, err := r.uleb32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := r.name()
		if err != nil {
			return err
		}
		field, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case 0x00: // function
			if _, err := r.uleb32(); err != nil { // type index
				return err
			}
			if mod != "env" {
				return fmt.Errorf("%w: function import from unknown module %q", ErrInvalidModule, mod)
			}
			if _, ok := allowedHostImports[field]; !ok {
				return fmt.Errorf("%w: import of unknown host function %q", ErrInvalidModule, field)
			}
		case 0x01: // table
			if _, err := r.byte(); err != nil { // elem type
				return err
			}
			if err := skipLimits(r); err != nil {
				return err
			}
		case 0x02: // memory
			if mod != "env" || field != "memory" {
				return fmt.Errorf("%w: memory must be imported as env.memory", ErrInvalidModule)
			}
			if err := skipLimits(r); err != nil {
				return err
			}
			m.memoryImported = true
		case 0x03: // global
			vt, err := r.byte()
			if err != nil {
				return err
			}
			if vt == valF32 || vt == valF64 {
				return fmt.Errorf("%w: floating-point globals are not permitted", ErrInvalidModule)
			}
			if _, err := r.byte(); err != nil { // mutability
				return err
			}
		default:
			return fmt.Errorf("%w: unknown import kind 0x%x", ErrInvalidModule, kind)
		}
		m.imports = append(m.imports, importEntry{Module: mod, Field: field, Kind: kind})
	}
	return nil
}

func skipLimits(r *reader) error {
	flags, err := r.byte()
	if err != nil {
		return err
	}
	if _, err := r.uleb32(); err != nil { // min
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.uleb32(); err != nil { // max
			return err
		}
	}
	return nil
}

func parseFunctionSection(body []byte, m *parsedModule) error {
	r := &reader{buf: body}
	count, err := r.uleb32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		idx, err := r.uleb32()
		if err != nil {
			return err
		}
		m.funcTypeIdx = append(m.funcTypeIdx, idx)
	}
	return nil
}

func parseGlobalSection(body []byte, m *parsedModule) error {
	r := &reader{buf: body}
	count, err := r.uleb32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		vt, err := r.byte()
		if err != nil {
			return err
		}
		if vt == valF32 || vt == valF64 {
			return fmt.Errorf("%w: floating-point globals are not permitted", ErrInvalidModule)
		}
		mutFlag, err := r.byte()
		if err != nil {
			return err
		}
		// Walk the init expression: a sequence of instructions terminated
		// by 0x0b (end). This platform's globals are only ever initialized
		// by a single i32.const/i64.const, whose operand we capture for
		// the stack-end page-alignment check; any other opcode sequence
		// is non-conformant for this subset but still consumed so parsing
		// can continue and report a structural error at the caller.
		var initValue uint32
		for {
			b, err := r.byte()
			if err != nil {
				return err
			}
			if b == 0x0b {
				break
			}
			if b == 0x41 || b == 0x42 {
				v, err := r.uleb32()
				if err != nil {
					return err
				}
				initValue = v
			}
		}
		m.globals = append(m.globals, globalEntry{ValueType: vt, Mutable: mutFlag == 1, InitValue: initValue})
	}
	return nil
}

func parseExportSection(body []byte, m *parsedModule) error {
	r := &reader{buf: body}
	count, err := r.uleb32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.uleb32()
		if err != nil {
			return err
		}
		m.exports = append(m.exports, exportEntry{Name: name, Kind: kind, Index: idx})
	}
	return nil
}
