// Package kerrors gives the keeper's error taxonomy (spec §7) a concrete Go
// shape: a small tag type plus the exit codes the supervisor (C8) uses to
// classify child process exits (spec §6). Grounded on the teacher's
// cluster/error.go catalogue-of-named-errors, generalized from a flat string
// map to a typed, wrappable error so callers can still reach the root cause
// with errors.Cause.
package kerrors

import "github.com/pkg/errors"

// Class is the error taxonomy from spec.md §7.
type Class int

const (
	Transient Class = iota
	Consistency
	LocalDB
	Protocol
	Programmer
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Consistency:
		return "consistency"
	case LocalDB:
		return "local-db"
	case Protocol:
		return "protocol"
	case Programmer:
		return "programmer"
	default:
		return "unknown"
	}
}

// ExitCode maps a class to one of the process exit codes from spec.md §6.
// Transient and LocalDB errors never cause a process exit on their own (the
// node-active loop swallows them, spec §7 "Propagation"); the mapping here is
// used only when a caller needs to terminate explicitly.
func (c Class) ExitCode() int {
	switch c {
	case Consistency:
		return ExitBadState
	case LocalDB:
		return ExitDatabaseTooling
	case Protocol:
		return ExitMonitorError
	case Programmer:
		return ExitInternal
	default:
		return ExitInternal
	}
}

// Exit codes from spec.md §6.
const (
	ExitSuccess         = 0
	ExitBadArguments    = 10
	ExitBadConfig       = 11
	ExitBadState        = 12
	ExitMonitorError    = 20
	ExitDatabaseTooling = 30
	ExitDatabaseProto   = 40
	ExitInternal        = 50
)

// KError is a classified, wrapped error. Operation and the last-known role
// pair are always attached per spec §7 ("All user-visible errors include the
// operation attempted and the last-known role pair").
type KError struct {
	Class     Class
	Operation string
	FromRole  string
	ToRole    string
	cause     error
}

func (e *KError) Error() string {
	msg := e.Class.String() + ": " + e.Operation
	if e.FromRole != "" || e.ToRole != "" {
		msg += " (" + e.FromRole + " -> " + e.ToRole + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *KError) Unwrap() error { return e.cause }

// Cause lets github.com/pkg/errors.Cause walk through a KError to its root.
func (e *KError) Cause() error { return e.cause }

// New wraps cause with a class and the operation/role context spec §7 asks
// for. Pass "" for roles when the error is not transition-scoped.
func New(class Class, operation, fromRole, toRole string, cause error) *KError {
	return &KError{
		Class:     class,
		Operation: operation,
		FromRole:  fromRole,
		ToRole:    toRole,
		cause:     errors.WithStack(cause),
	}
}

// ClassOf reports the class of the first *KError in err's chain, and false
// when the chain holds none.
func ClassOf(err error) (Class, bool) {
	var ke *KError
	if errors.As(err, &ke) {
		return ke.Class, true
	}
	return 0, false
}

// Fatal reports whether an error of this class should end the node-active
// loop process per spec §7 ("it exits on Consistency or Programmer errors").
func (c Class) Fatal() bool {
	return c == Consistency || c == Programmer
}
