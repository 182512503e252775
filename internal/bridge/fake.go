package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

type fileKey struct {
	role types.FileRole
	name string
}

// Fake is an in-memory host runtime. It records every call so tests can
// assert on ordering, and lets tests queue host requests or break the poll
// channel. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	files       map[fileKey]string
	pending     []Status
	pollErr     error
	initErr     error
	hostVersion int

	session     string
	finished    bool
	exitCode    int
	results     []types.ResultFile
	messages    []string
	fractions   []float64
	checkpoints []string
	calls       []string
}

// NewFake returns a Fake speaking the current protocol version.
func NewFake() *Fake {
	return &Fake{
		files:       make(map[fileKey]string),
		hostVersion: ProtocolVersion,
	}
}

// MapFile registers a logical-to-physical mapping.
func (f *Fake) MapFile(role types.FileRole, logicalName, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileKey{role, logicalName}] = path
}

// Push queues a raw status; each CheckEvent pops one.
func (f *Fake) Push(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, s)
}

func (f *Fake) RequestCheckpoint() { f.Push(Status{Checkpoint: true}) }
func (f *Fake) RequestFinish()     { f.Push(Status{Finish: true}) }
func (f *Fake) PostMessage(text string) {
	f.Push(Status{Messages: []string{text}})
}

// Break makes every following CheckEvent fail with err.
func (f *Fake) Break(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr = err
}

// FailInit makes Init fail with err.
func (f *Fake) FailInit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// SetHostVersion simulates a host speaking another protocol version.
func (f *Fake) SetHostVersion(v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostVersion = v
}

// ============================================================================
// Bridge implementation
// ============================================================================

func (f *Fake) Init(_ context.Context, h Handshake) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpInit); err != nil {
		return err
	}
	if f.initErr != nil {
		return errcode.NewBridgeError(OpInit, errcode.CategoryConfig, f.initErr)
	}
	if h.ProtocolVersion != f.hostVersion {
		return errcode.NewBridgeError(OpInit, errcode.CategoryConfig,
			fmt.Errorf("protocol version mismatch: client %d, host %d", h.ProtocolVersion, f.hostVersion))
	}
	f.session = h.SessionID
	return nil
}

func (f *Fake) ResolveFileName(_ context.Context, role types.FileRole, logicalName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpResolveFile); err != nil {
		return "", err
	}
	path, ok := f.files[fileKey{role, logicalName}]
	if !ok {
		return "", errcode.NewBridgeError(OpResolveFile, errcode.CategoryUnknownWorkUnit,
			fmt.Errorf("no mapping for %s file %q", role, logicalName))
	}
	return path, nil
}

func (f *Fake) SendResult(_ context.Context, r types.ResultFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpSendResult); err != nil {
		return err
	}
	for _, prev := range f.results {
		if prev.LogicalName == r.LogicalName {
			return errcode.NewBridgeError(OpSendResult, errcode.CategoryBadParam,
				errcode.Violation("result %q declared twice", r.LogicalName))
		}
	}
	f.results = append(f.results, r)
	return nil
}

func (f *Fake) SendMessage(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpSendMessage); err != nil {
		return err
	}
	f.messages = append(f.messages, text)
	return nil
}

func (f *Fake) Finish(_ context.Context, exitCode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpFinish); err != nil {
		return err
	}
	f.finished = true
	f.exitCode = exitCode
	return nil
}

func (f *Fake) FractionDone(_ context.Context, fraction float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpFractionDone); err != nil {
		return err
	}
	f.fractions = append(f.fractions, fraction)
	return nil
}

func (f *Fake) CheckEvent(_ context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCheckEvent); err != nil {
		return Status{}, err
	}
	if f.pollErr != nil {
		return Status{}, errcode.NewBridgeError(OpCheckEvent, errcode.CategorySystem, f.pollErr)
	}
	if len(f.pending) == 0 {
		return Status{}, nil
	}
	s := f.pending[0]
	f.pending = f.pending[1:]
	return s, nil
}

func (f *Fake) CheckpointMade(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCheckpointMade); err != nil {
		return err
	}
	f.checkpoints = append(f.checkpoints, path)
	return nil
}

// enter records the call and rejects it after finish. Caller holds f.mu.
func (f *Fake) enter(op string) error {
	f.calls = append(f.calls, op)
	if f.finished {
		return errcode.NewBridgeError(op, errcode.CategoryBadParam, errcode.ErrFinished)
	}
	return nil
}

// ============================================================================
// Inspection
// ============================================================================

// Calls returns the operation names in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Finished returns the exit code passed to Finish, if it was called.
func (f *Fake) Finished() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode, f.finished
}

func (f *Fake) Results() []types.ResultFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ResultFile(nil), f.results...)
}

func (f *Fake) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *Fake) Fractions() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.fractions...)
}

func (f *Fake) Checkpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checkpoints...)
}

// Session returns the session ID received in the handshake.
func (f *Fake) Session() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

// Pending reports how many queued statuses have not been polled yet.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// ErrHostGone is a convenient cause for Break.
var ErrHostGone = errors.New("host runtime connection lost")
