package task

import (
	"context"
	"encoding/json"
	"io"

	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// Worker is the application payload driven by the controller. All methods
// are called from the single work loop goroutine.
type Worker interface {
	// Open prepares the worker. env.Resume is nil on a fresh start.
	Open(env Env) error

	// Step performs one bounded unit of work. It returns done=true, without
	// performing a unit, once the input is exhausted.
	Step(ctx context.Context) (done bool, err error)

	// State returns the auxiliary state stored in the next checkpoint. It
	// must describe exactly the units completed so far.
	State() (json.RawMessage, error)

	Close() error
}

// MessageHandler is implemented by workers that want host messages. Messages
// for workers without it are logged and dropped.
type MessageHandler interface {
	HandleMessage(text string)
}

// Env is what a worker sees of the runtime.
type Env struct {
	// Resume is the record the run resumed from, nil on a fresh start.
	Resume *types.CheckpointRecord

	// Cursor is the number of units already completed.
	Cursor int64

	// Output receives the primary output. Bytes written here become durable
	// no later than the next checkpoint. Nil when no output is declared.
	Output io.Writer

	// Path returns the physical path of a declared file.
	Path func(role types.FileRole, logicalName string) (string, bool)
}
