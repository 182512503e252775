// ============================================================================
// workunit-bridge Host Simulator
// ============================================================================
//
// Package: internal/hostsim
// File: host.go
// Purpose: a local host runtime. It answers the bridge calls of one work
// unit from a YAML manifest and records everything the client reports in
// SQLite, so the client library can be exercised end to end without a real
// volunteer-computing host.
//
// Event delivery:
//   Checkpoint and finish requests are pending flags, cleared when a poll
//   reads them. Messages queue up and are drained by the next poll. Manifest
//   events fire when the poll count reaches their after_polls value; an
//   operator can inject the same events at any time.
//
// Contract:
//   Every call but Init requires a completed handshake. After Finish every
//   call fails with a contract violation.
//
// ============================================================================

package hostsim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/ChuLiYu/workunit-bridge/internal/bridge"
	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/internal/metrics"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

type fileKey struct {
	role types.FileRole
	name string
}

// Host implements bridge.Bridge from the host side. Safe for concurrent use.
type Host struct {
	mu sync.Mutex

	manifest *Manifest
	files    map[fileKey]string
	store    *Store
	schedule []ScheduledEvent

	session  string
	started  bool
	finished bool
	exitCode int
	polls    int

	checkpointPending bool
	finishPending     bool
	messages          []string

	metrics *metrics.Collector
	log     *slog.Logger
}

var _ bridge.Bridge = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(h *Host) { h.metrics = m }
}

// New returns a host serving m and recording into store.
func New(m *Manifest, store *Store, opts ...Option) *Host {
	h := &Host{
		manifest: m,
		files:    make(map[fileKey]string, len(m.Files)),
		store:    store,
		schedule: append([]ScheduledEvent(nil), m.Events...),
		log:      slog.Default().With("component", "hostsim"),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, f := range m.Files {
		h.files[fileKey{f.Role, f.LogicalName}] = m.PhysicalPath(f)
	}
	return h
}

// ============================================================================
// Operator controls
// ============================================================================

// RequestCheckpoint asks the client to checkpoint at its next poll.
func (h *Host) RequestCheckpoint() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkpointPending = true
}

// RequestFinish asks the client to stop and finish.
func (h *Host) RequestFinish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finishPending = true
}

// PostMessage queues a message for the client.
func (h *Host) PostMessage(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, text)
}

// Session returns the session ID of the handshake, empty before it.
func (h *Host) Session() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Finished returns the exit code once the client has called finish.
func (h *Host) Finished() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.finished
}

// Polls returns how many times the client has polled.
func (h *Host) Polls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polls
}

// ============================================================================
// Bridge implementation
// ============================================================================

func (h *Host) Init(_ context.Context, hs bridge.Handshake) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(bridge.OpInit); err != nil {
		return err
	}
	if h.started {
		return errcode.NewBridgeError(bridge.OpInit, errcode.CategoryBadParam,
			errcode.Violation("handshake already completed"))
	}
	if hs.ProtocolVersion != h.manifest.ProtocolVersion {
		return errcode.NewBridgeError(bridge.OpInit, errcode.CategoryConfig,
			fmt.Errorf("protocol version mismatch: client %d, host %d", hs.ProtocolVersion, h.manifest.ProtocolVersion))
	}
	if h.manifest.AppName != "" && hs.AppName != h.manifest.AppName {
		return errcode.NewBridgeError(bridge.OpInit, errcode.CategoryConfig,
			fmt.Errorf("work unit belongs to %q, not %q", h.manifest.AppName, hs.AppName))
	}
	if hs.SessionID == "" {
		return errcode.NewBridgeError(bridge.OpInit, errcode.CategoryBadParam,
			errcode.Violation("empty session id"))
	}
	if err := h.store.StartSession(hs.SessionID, hs.AppName, hs.ProtocolVersion); err != nil {
		return h.dbError(bridge.OpInit, err)
	}

	h.session = hs.SessionID
	h.started = true
	h.log.Info("client attached", "session", hs.SessionID, "app", hs.AppName)
	return nil
}

func (h *Host) ResolveFileName(_ context.Context, role types.FileRole, logicalName string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(bridge.OpResolveFile); err != nil {
		return "", err
	}
	path, ok := h.files[fileKey{role, logicalName}]
	if !ok {
		return "", errcode.NewBridgeError(bridge.OpResolveFile, errcode.CategoryUnknownWorkUnit,
			fmt.Errorf("no %s file %q in this work unit", role, logicalName))
	}
	return path, nil
}

func (h *Host) SendResult(_ context.Context, r types.ResultFile) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(bridge.OpSendResult); err != nil {
		return err
	}
	if !r.Mode.Valid() {
		return errcode.NewBridgeError(bridge.OpSendResult, errcode.CategoryBadParam,
			fmt.Errorf("unknown persistence mode %q", r.Mode))
	}
	if _, ok := h.files[fileKey{types.RoleOutput, r.LogicalName}]; !ok {
		return errcode.NewBridgeError(bridge.OpSendResult, errcode.CategoryUnknownWorkUnit,
			fmt.Errorf("%q is not an output of this work unit", r.LogicalName))
	}

	existing, err := h.store.Results(h.session)
	if err != nil {
		return h.dbError(bridge.OpSendResult, err)
	}
	for _, prev := range existing {
		if prev.LogicalName == r.LogicalName {
			return errcode.NewBridgeError(bridge.OpSendResult, errcode.CategoryBadParam,
				errcode.Violation("result %q declared twice", r.LogicalName))
		}
	}
	if err := h.store.AddResult(h.session, r); err != nil {
		return h.dbError(bridge.OpSendResult, err)
	}
	h.log.Info("result received", "logical_name", r.LogicalName, "path", r.Path, "mode", r.Mode)
	return nil
}

func (h *Host) SendMessage(_ context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(bridge.OpSendMessage); err != nil {
		return err
	}
	if err := h.store.AddMessage(h.session, text); err != nil {
		return h.dbError(bridge.OpSendMessage, err)
	}
	h.log.Info("client message", "text", text)
	return nil
}

func (h *Host) Finish(_ context.Context, exitCode int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(bridge.OpFinish); err != nil {
		return err
	}
	if err := h.store.FinishSession(h.session, exitCode); err != nil {
		return h.dbError(bridge.OpFinish, err)
	}
	h.finished = true
	h.exitCode = exitCode
	h.log.Info("client finished", "session", h.session, "exit_code", exitCode, "polls", h.polls)
	return nil
}

func (h *Host) FractionDone(_ context.Context, fraction float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(bridge.OpFractionDone); err != nil {
		return err
	}
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return errcode.NewBridgeError(bridge.OpFractionDone, errcode.CategoryBadParam,
			fmt.Errorf("fraction %v outside [0, 1]", fraction))
	}
	if err := h.store.AddProgress(h.session, fraction); err != nil {
		return h.dbError(bridge.OpFractionDone, err)
	}
	h.metrics.SetFraction(fraction)
	return nil
}

func (h *Host) CheckEvent(_ context.Context) (bridge.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(bridge.OpCheckEvent); err != nil {
		return bridge.Status{}, err
	}
	h.polls++
	h.fireScheduled()

	st := bridge.Status{
		Checkpoint: h.checkpointPending,
		Finish:     h.finishPending,
		Messages:   h.messages,
	}
	h.checkpointPending = false
	h.finishPending = false
	h.messages = nil

	if !st.Empty() {
		h.log.Debug("delivering status", "poll", h.polls,
			"checkpoint", st.Checkpoint, "finish", st.Finish, "messages", len(st.Messages))
	}
	return st, nil
}

func (h *Host) CheckpointMade(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(bridge.OpCheckpointMade); err != nil {
		return err
	}
	if err := h.store.AddCheckpoint(h.session, path); err != nil {
		return h.dbError(bridge.OpCheckpointMade, err)
	}
	h.log.Debug("checkpoint reported", "path", path, "poll", h.polls)
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

// enter counts the call and enforces the session contract. Caller holds h.mu.
func (h *Host) enter(op string) error {
	h.metrics.RecordHostCall(op)
	if h.finished {
		return errcode.NewBridgeError(op, errcode.CategoryBadParam, errcode.ErrFinished)
	}
	if !h.started && op != bridge.OpInit {
		return errcode.NewBridgeError(op, errcode.CategoryBadParam,
			errcode.Violation("%s before handshake", op))
	}
	return nil
}

// fireScheduled raises manifest events that are due. Caller holds h.mu.
func (h *Host) fireScheduled() {
	for len(h.schedule) > 0 && h.schedule[0].AfterPolls <= h.polls {
		ev := h.schedule[0]
		h.schedule = h.schedule[1:]
		switch ev.Kind {
		case EventCheckpoint:
			h.checkpointPending = true
		case EventFinish:
			h.finishPending = true
		case EventMessage:
			h.messages = append(h.messages, ev.Text)
		}
		h.log.Info("scheduled event raised", "kind", ev.Kind, "poll", h.polls)
	}
}

func (h *Host) dbError(op string, err error) error {
	h.log.Error("host database", "op", op, "error", err)
	return errcode.NewBridgeError(op, errcode.CategoryDatabase, err)
}
