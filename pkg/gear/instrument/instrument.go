package instrument

import (
	"fmt"

	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gear/program"
)

// Result bundles everything the Code store needs to persist for one
// upload: the instrumented bytes (the original module rewritten with
// charge and call-depth sequences), the section sizes used for
// instantiation charging, and the export/import metadata the Dispatch
// Processor consults before running an entry point.
type Result struct {
	Instrumented []byte
	Sections     program.SectionSizes
	Metadata     program.CodeMetadata
	StackEndPage uint32
}

// Instrument validates original against the platform's accepted module
// subset (spec §4.A), meters its code against schedule (see meter.go),
// and returns the record to persist under a CodeId. The metered bytecode
// embeds schedule's cost constants directly, and schedule.Version is
// recorded in the result's CodeMetadata; nothing in this module
// re-instruments or evicts stored code when the version changes.
func Instrument(original []byte, schedule *gearconfig.Schedule, limits Limits) (*Result, error) {
	m, err := parse(original)
	if err != nil {
		return nil, err
	}

	if !m.memoryImported {
		return nil, fmt.Errorf("%w: module does not import env.memory", ErrInvalidModule)
	}
	if m.sections.TypeSection > limits.MaxTypeSection {
		return nil, fmt.Errorf("%w: type section exceeds configured limit", ErrInvalidModule)
	}
	if m.sections.CodeSection > limits.MaxCodeSection {
		return nil, fmt.Errorf("%w: code section exceeds configured limit", ErrInvalidModule)
	}
	if m.sections.DataSection > limits.MaxDataSection {
		return nil, fmt.Errorf("%w: data section exceeds configured limit", ErrInvalidModule)
	}
	if uint32(len(m.funcTypeIdx)) > limits.MaxFunctionCount {
		return nil, fmt.Errorf("%w: function count exceeds configured limit", ErrInvalidModule)
	}

	exports := program.Exports{}
	var stackEndGlobalIdx = -1
	numImportedGlobals := 0
	for _, imp := range m.imports {
		if imp.Kind == 0x03 {
			numImportedGlobals++
		}
	}

	for _, exp := range m.exports {
		switch exp.Kind {
		case 0x00: // function
			switch exp.Name {
			case "init":
				exports.HasInit = true
			case "handle":
				exports.HasHandle = true
			case "handle_reply":
				exports.HasHandleReply = true
			case "handle_signal":
				exports.HasHandleSignal = true
			default:
				return nil, fmt.Errorf("%w: export of unknown function %q", ErrInvalidModule, exp.Name)
			}
		case 0x03: // global
			if exp.Name != stackEndExportName {
				return nil, fmt.Errorf("%w: export of unknown global %q", ErrInvalidModule, exp.Name)
			}
			localIdx := int(exp.Index) - numImportedGlobals
			if localIdx < 0 || localIdx >= len(m.globals) {
				return nil, fmt.Errorf("%w: %s export index out of range", ErrInvalidModule, stackEndExportName)
			}
			if m.globals[localIdx].Mutable {
				return nil, fmt.Errorf("%w: %s must not be mutable", ErrInvalidModule, stackEndExportName)
			}
			stackEndGlobalIdx = localIdx
		case 0x01, 0x02:
			return nil, fmt.Errorf("%w: export of table/memory is not permitted", ErrInvalidModule)
		default:
			return nil, fmt.Errorf("%w: unknown export kind 0x%x", ErrInvalidModule, exp.Kind)
		}
	}

	if !exports.HasInit && !exports.HasHandle {
		return nil, fmt.Errorf("%w: module exports neither init nor handle", ErrInvalidModule)
	}
	if stackEndGlobalIdx < 0 {
		return nil, fmt.Errorf("%w: module does not export %s", ErrInvalidModule, stackEndExportName)
	}
	stackEnd := m.globals[stackEndGlobalIdx].InitValue
	if limits.GearPageSize > 0 && stackEnd%limits.GearPageSize != 0 {
		return nil, fmt.Errorf("%w: %s value %d is not page-aligned", ErrInvalidModule, stackEndExportName, stackEnd)
	}

	instrumented, err := meterModule(m, schedule, limits.StackHeightLimit)
	if err != nil {
		return nil, err
	}

	meta := program.CodeMetadata{
		ScheduleVersion: schedule.Version,
		OriginalLength:  uint32(len(original)),
		Exports:         exports,
	}

	return &Result{
		Instrumented: instrumented,
		Sections:     m.sections,
		Metadata:     meta,
		StackEndPage: stackEnd / limits.GearPageSize,
	}, nil
}
