// ============================================================================
// Host Runtime Bridge
// ============================================================================
//
// Package: internal/bridge
// File: bridge.go
// Purpose: The narrow call/poll surface between the application and the host
// runtime that supervises the work unit.
//
// The controller never talks to the host directly; it holds a Bridge. Three
// implementations exist:
//   - Fake:       in-memory host, used by tests and the local demo.
//   - GRPCBridge: client side of the workunit.v1.HostRuntime gRPC service.
//   - hostsim:    a simulated host (separate package) that also implements
//                 Bridge and is served with RegisterHostRuntime.
//
// ============================================================================

package bridge

import (
	"context"

	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// ProtocolVersion is the bridge contract version. Both sides refuse a
// handshake with a different version.
const ProtocolVersion = 1

// Operation names, used in BridgeError.Op, metrics labels and call logs.
const (
	OpInit           = "init"
	OpResolveFile    = "resolve_file_name"
	OpSendResult     = "send_result"
	OpSendMessage    = "send_message"
	OpFinish         = "finish"
	OpFractionDone   = "fraction_done"
	OpCheckEvent     = "check_event"
	OpCheckpointMade = "checkpoint_made"
)

// Handshake is sent once by the application when it starts.
type Handshake struct {
	ProtocolVersion int
	SessionID       string
	AppName         string
}

// Status is the raw answer to a poll. Several requests may be pending at
// once; the event channel turns them into typed events.
type Status struct {
	Checkpoint bool
	Finish     bool
	Messages   []string
}

// Empty reports whether nothing is pending.
func (s Status) Empty() bool {
	return !s.Checkpoint && !s.Finish && len(s.Messages) == 0
}

// Bridge is the host runtime surface consumed by the application.
//
// Implementations return *errcode.BridgeError for failures. After Finish
// succeeds, every further call is a contract violation.
type Bridge interface {
	// Init performs the one-time handshake.
	Init(ctx context.Context, h Handshake) error

	// ResolveFileName maps a logical file to its physical path for this
	// execution instance.
	ResolveFileName(ctx context.Context, role types.FileRole, logicalName string) (string, error)

	// SendResult declares a finished output file.
	SendResult(ctx context.Context, r types.ResultFile) error

	// SendMessage is a best-effort one-way notification.
	SendMessage(ctx context.Context, text string) error

	// Finish is terminal. No further calls are valid afterwards.
	Finish(ctx context.Context, exitCode int) error

	// FractionDone is a best-effort progress hint in [0, 1].
	FractionDone(ctx context.Context, fraction float64) error

	// CheckEvent returns pending host requests without blocking.
	CheckEvent(ctx context.Context) (Status, error)

	// CheckpointMade tells the host a checkpoint was committed at path.
	CheckpointMade(ctx context.Context, path string) error
}
