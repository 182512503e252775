package task

import "fmt"

// State is the lifecycle position of a work unit.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateFinishing
	StateTerminated
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateInitialized:   "initialized",
	StateRunning:       "running",
	StateFinishing:     "finishing",
	StateTerminated:    "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
