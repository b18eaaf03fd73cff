package gastree

import "errors"

// Gas-tree failure kinds (spec §4.D).
var (
	ErrNodeNotFound         = errors.New("gas tree: node not found")
	ErrForbidden            = errors.New("gas tree: operation not valid for this node variant")
	ErrInsufficientBalance  = errors.New("gas tree: insufficient balance")
	ErrUnrecoverableAncestor = errors.New("gas tree: unrecoverable ancestor")
	ErrInvariantViolation   = errors.New("gas tree: invariant violation")
	ErrNodeAlreadyExists    = errors.New("gas tree: node already exists")
)
