// Package gearerr defines the three error taxonomies the runtime
// distinguishes: program-observable outcomes, host-call status codes, and
// internal errors that abort a block.
package gearerr

import "errors"

// ExecutionReason is a program-observable failure reason surfaced in a
// MessageDispatched journal note.
type ExecutionReason int

const (
	ReasonUserPanic ExecutionReason = iota
	ReasonGasLimitExceeded
	ReasonStackLimitExceeded
	ReasonUnreachable
	ReasonOutOfAllowance
	ReasonMemoryAccessError
	ReasonForbidden
	ReasonUnsupportedInstruction
)

func (r ExecutionReason) String() string {
	switch r {
	case ReasonUserPanic:
		return "UserPanic"
	case ReasonGasLimitExceeded:
		return "GasLimitExceeded"
	case ReasonStackLimitExceeded:
		return "StackLimitExceeded"
	case ReasonUnreachable:
		return "Unreachable"
	case ReasonOutOfAllowance:
		return "OutOfAllowance"
	case ReasonMemoryAccessError:
		return "MemoryAccessError"
	case ReasonForbidden:
		return "Forbidden"
	case ReasonUnsupportedInstruction:
		return "UnsupportedInstruction"
	default:
		return "Unknown"
	}
}

// ExecutionError is the outcome of a dispatch whose entry point ran but
// did not succeed. It is local to the dispatch: it never aborts the block.
type ExecutionError struct {
	Reason ExecutionReason
}

func (e *ExecutionError) Error() string { return "execution error: " + e.Reason.String() }

// NonExecutable means the destination is not an active program (it is
// Exited/Terminated, or unknown).
var ErrNonExecutable = errors.New("destination is not executable")

// HostCallStatus is the status code a host call writes to the program's
// output pointer instead of trapping (traps are reserved for the gas,
// allowance and stack-limit cases, see ExecutionReason above).
type HostCallStatus int

const (
	StatusSuccess HostCallStatus = iota
	StatusNotEnoughGas
	StatusNotEnoughValue
	StatusProgramNotFound
	StatusInvalidHandle
	StatusMessageTooLong
	StatusAlreadyReplied
	StatusLateReply
	StatusInactiveProgram
)

// HostCallError wraps a non-trapping host-call failure.
type HostCallError struct {
	Status HostCallStatus
}

func (e *HostCallError) Error() string {
	switch e.Status {
	case StatusNotEnoughGas:
		return "host call: not enough gas"
	case StatusNotEnoughValue:
		return "host call: not enough value"
	case StatusProgramNotFound:
		return "host call: program not found"
	case StatusInvalidHandle:
		return "host call: invalid handle"
	case StatusMessageTooLong:
		return "host call: message too long"
	case StatusAlreadyReplied:
		return "host call: already replied"
	case StatusLateReply:
		return "host call: late reply"
	case StatusInactiveProgram:
		return "host call: inactive program"
	default:
		return "host call: success"
	}
}

// InternalKind enumerates the fatal, never-surfaced-to-programs failures
// that abort a block cleanly via a StopProcessing journal note.
type InternalKind int

const (
	InternalGasTreeInvariantViolation InternalKind = iota
	InternalStorageDecodeFailure
	InternalMissingInstrumentedCode
)

// InternalError is fatal per block: the block is aborted without
// committing further state.
type InternalError struct {
	Kind InternalKind
	Msg  string
}

func (e *InternalError) Error() string { return "internal error: " + e.Msg }

func NewInternalError(kind InternalKind, msg string) error {
	return &InternalError{Kind: kind, Msg: msg}
}
