// Package types defines the core domain model shared by the work-unit runtime:
// logical files, checkpoint records, host events and the terminal task outcome.
package types

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Logical files
// ============================================================================

// FileRole is the declared role of a work-unit file.
type FileRole string

const (
	RoleInput     FileRole = "input"     // read-only data supplied by the host
	RoleOutput    FileRole = "output"    // produced by the application, uploaded as a result
	RoleTemporary FileRole = "temporary" // scratch state, e.g. the checkpoint file
)

// Valid reports whether r is one of the declared roles.
func (r FileRole) Valid() bool {
	switch r {
	case RoleInput, RoleOutput, RoleTemporary:
		return true
	}
	return false
}

// ParseFileRole converts a wire string into a FileRole.
func ParseFileRole(s string) (FileRole, error) {
	r := FileRole(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown file role %q", s)
	}
	return r, nil
}

// PersistenceMode tells the host how long to retain a result file after upload.
type PersistenceMode string

const (
	PersistRegular    PersistenceMode = "regular"
	PersistPersistent PersistenceMode = "persistent"
	PersistVolatile   PersistenceMode = "volatile"
)

// Valid reports whether m is a known persistence mode.
func (m PersistenceMode) Valid() bool {
	switch m {
	case PersistRegular, PersistPersistent, PersistVolatile:
		return true
	}
	return false
}

// WorkUnitFile is a declared file of the work unit.
//
// PhysicalPath is empty until the file has been resolved through the host;
// once set it does not change for the lifetime of the process.
type WorkUnitFile struct {
	Role         FileRole        `json:"role" yaml:"role"`
	LogicalName  string          `json:"logical_name" yaml:"logical_name"`
	PhysicalPath string          `json:"physical_path,omitempty" yaml:"physical_path,omitempty"`
	Mode         PersistenceMode `json:"mode,omitempty" yaml:"mode,omitempty"` // outputs only
}

// Resolved reports whether the physical path is known.
func (f WorkUnitFile) Resolved() bool {
	return f.PhysicalPath != ""
}

// ============================================================================
// Checkpoint state
// ============================================================================

// CheckpointRecord is the minimal durable state needed to resume a work unit.
type CheckpointRecord struct {
	Cursor       int64           `json:"cursor"`        // work units fully consumed
	OutputOffset int64           `json:"output_offset"` // output bytes durable when the record was committed
	Seq          uint64          `json:"seq"`           // commit counter
	UpdatedAt    int64           `json:"updated_at"`    // unix milliseconds
	Aux          json.RawMessage `json:"aux,omitempty"` // application-defined state
}

// ============================================================================
// Host events
// ============================================================================

// Event is a request delivered by the host runtime. The concrete type is one
// of CheckpointRequest, FinishRequest or Message; no other type implements it.
type Event interface {
	isEvent()
	String() string
}

// CheckpointRequest asks the application to checkpoint as soon as possible.
type CheckpointRequest struct{}

// FinishRequest asks the application to stop work and terminate.
type FinishRequest struct{}

// Message carries free-form text from the host.
type Message struct {
	Text string
}

func (CheckpointRequest) isEvent() {}
func (FinishRequest) isEvent()     {}
func (Message) isEvent()           {}

func (CheckpointRequest) String() string { return "checkpoint" }
func (FinishRequest) String() string     { return "finish" }
func (m Message) String() string         { return "message" }

// ============================================================================
// Outcome
// ============================================================================

// ResultFile declares a finished output file to the host.
type ResultFile struct {
	LogicalName string          `json:"logical_name"`
	Path        string          `json:"path"`
	Mode        PersistenceMode `json:"mode"`
}

// TaskOutcome is the terminal state of a work unit. It is built once, right
// before finish is called, and never modified afterwards.
type TaskOutcome struct {
	ExitCode    int          `json:"exit_code"`
	Results     []ResultFile `json:"results,omitempty"`
	Cursor      int64        `json:"cursor"`
	Interrupted bool         `json:"interrupted"` // ended by a FinishRequest rather than end of input
}
