// Package errcode defines the fixed failure taxonomy of the work-unit runtime.
//
// Every error that crosses to the host carries one of the Category values
// below; the numeric codes are stable and must never be renumbered.
package errcode

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// Category is a stable cross-boundary failure class.
type Category int

const (
	CategoryNone            Category = 0
	CategoryConfig          Category = 1
	CategoryDatabase        Category = 2 // host-side state, never this library's local files
	CategoryNotImplemented  Category = 3
	CategoryUnknownWorkUnit Category = 4
	CategoryTimeout         Category = 5
	CategoryBadParam        Category = 6
	CategorySystem          Category = 7
	CategoryInternal        Category = 8
)

var categoryNames = map[Category]string{
	CategoryNone:            "none",
	CategoryConfig:          "config",
	CategoryDatabase:        "database",
	CategoryNotImplemented:  "not_implemented",
	CategoryUnknownWorkUnit: "unknown_work_unit",
	CategoryTimeout:         "timeout",
	CategoryBadParam:        "bad_param",
	CategorySystem:          "system",
	CategoryInternal:        "internal",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Categorized is implemented by every error kind of this package.
type Categorized interface {
	error
	Category() Category
}

// Predefined errors
var (
	// ErrContractViolation marks a caller breaking the protocol, e.g. a
	// second result for the same logical name or any call after finish.
	ErrContractViolation = errors.New("errcode: caller contract violation")

	// ErrFinished is returned by bridges once finish has been called.
	ErrFinished = errors.New("errcode: work unit already finished")
)

// ============================================================================
// Subsystem error kinds
// ============================================================================

// InitError reports a failed handshake with the host. It is fatal: the task
// must not proceed to Running.
type InitError struct {
	Reason string
	Err    error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("init: %s: %v", e.Reason, e.Err)
	}
	return "init: " + e.Reason
}

func (e *InitError) Unwrap() error { return e.Err }

// Category is taken from the wrapped error when it has one, so a host that
// answers "not implemented" is reported as such.
func (e *InitError) Category() Category {
	if c := categoryOf(e.Err); c != CategoryNone {
		return c
	}
	return CategoryConfig
}

// UnresolvedFileError reports a logical file the host has no mapping for.
type UnresolvedFileError struct {
	Role        types.FileRole
	LogicalName string
	Err         error
}

func (e *UnresolvedFileError) Error() string {
	msg := fmt.Sprintf("unresolved %s file %q", e.Role, e.LogicalName)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnresolvedFileError) Unwrap() error { return e.Err }

func (e *UnresolvedFileError) Category() Category {
	if c := categoryOf(e.Err); c != CategoryNone {
		return c
	}
	return CategoryConfig
}

// CheckpointCorruptError reports a checkpoint that exists but cannot be
// trusted. Resuming from it would be worse than failing.
type CheckpointCorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CheckpointCorruptError) Error() string {
	msg := fmt.Sprintf("checkpoint %s is corrupt: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckpointCorruptError) Unwrap() error { return e.Err }

func (e *CheckpointCorruptError) Category() Category { return CategorySystem }

// BridgeError reports a failed call to the host runtime. Op names the bridge
// operation; Code is the category the host (or transport) reported.
type BridgeError struct {
	Op   string
	Code Category
	Err  error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s (%s): %v", e.Op, e.Code, e.Err)
}

func (e *BridgeError) Unwrap() error { return e.Err }

func (e *BridgeError) Category() Category {
	if e.Code == CategoryNone {
		return CategoryInternal
	}
	return e.Code
}

// NewBridgeError is a shorthand used by bridge implementations.
func NewBridgeError(op string, code Category, err error) *BridgeError {
	return &BridgeError{Op: op, Code: code, Err: err}
}

// ============================================================================
// Unchecked faults
// ============================================================================

// Fault is an internal bridge malfunction, such as a response the library
// cannot parse. It is raised with panic, never returned: the caller has no
// meaningful recovery action.
type Fault struct {
	Op     string
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("bridge fault in %s: %s", f.Op, f.Detail)
}

func (f *Fault) Category() Category { return CategoryInternal }

// Raise panics with a Fault.
func Raise(op, format string, args ...any) {
	panic(&Fault{Op: op, Detail: fmt.Sprintf(format, args...)})
}

// ============================================================================
// Helpers
// ============================================================================

// CategoryOf returns the category of the first categorized error in the
// chain. Contract violations map to bad-param, anything else unknown to system.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	if c := categoryOf(err); c != CategoryNone {
		return c
	}
	if errors.Is(err, ErrContractViolation) || errors.Is(err, ErrFinished) {
		return CategoryBadParam
	}
	return CategorySystem
}

func categoryOf(err error) Category {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryNone
}

// ExitCode converts err into the nonzero exit code passed to finish.
// A nil error yields 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return int(CategoryOf(err))
}

// Violation wraps ErrContractViolation with a description.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}
