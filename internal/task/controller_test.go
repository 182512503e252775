package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ChuLiYu/workunit-bridge/internal/bridge"
	"github.com/ChuLiYu/workunit-bridge/internal/checkpoint"
	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const (
	outName  = "out.txt"
	ckptName = "state.ckpt"
	lineLen  = 12 // len("line 000000\n")
)

// lineWorker writes one fixed-width line per unit.
type lineWorker struct {
	total    int64
	next     int64
	out      io.Writer
	resumed  *types.CheckpointRecord
	messages []string
	closed   int

	stopAt int64 // cancel after this unit, 0 disables
	stop   context.CancelFunc
	onStep func()
}

func (w *lineWorker) Open(env Env) error {
	w.next = env.Cursor
	w.out = env.Output
	w.resumed = env.Resume
	return nil
}

func (w *lineWorker) Step(_ context.Context) (bool, error) {
	if w.next >= w.total {
		return true, nil
	}
	if _, err := fmt.Fprintf(w.out, "line %06d\n", w.next); err != nil {
		return false, err
	}
	w.next++
	if w.onStep != nil {
		w.onStep()
	}
	if w.stopAt > 0 && w.next == w.stopAt {
		w.stop()
	}
	return false, nil
}

func (w *lineWorker) State() (json.RawMessage, error) {
	return json.Marshal(map[string]int64{"next": w.next})
}

func (w *lineWorker) Close() error {
	w.closed++
	return nil
}

func (w *lineWorker) HandleMessage(text string) {
	w.messages = append(w.messages, text)
}

// newHost returns a fake host with the output and checkpoint files mapped
// into a temp directory.
func newHost(t *testing.T, dir string) *bridge.Fake {
	t.Helper()
	f := bridge.NewFake()
	f.MapFile(types.RoleOutput, outName, filepath.Join(dir, outName))
	f.MapFile(types.RoleTemporary, ckptName, filepath.Join(dir, ckptName))
	return f
}

func testConfig(every int64) Config {
	return Config{
		AppName:         "line-writer",
		Files:           []types.WorkUnitFile{{Role: types.RoleOutput, LogicalName: outName}},
		CheckpointName:  ckptName,
		OutputName:      outName,
		CheckpointEvery: every,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(host bridge.Bridge, cfg Config, opts ...Option) *Controller {
	return New(host, cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func lines(from, to int64) string {
	var sb strings.Builder
	for i := from; i < to; i++ {
		fmt.Fprintf(&sb, "line %06d\n", i)
	}
	return sb.String()
}

func readOutput(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, outName))
	require.NoError(t, err)
	return string(data)
}

func indexOf(calls []string, op string) int {
	for i, c := range calls {
		if c == op {
			return i
		}
	}
	return -1
}

func lastIndexOf(calls []string, op string) int {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i] == op {
			return i
		}
	}
	return -1
}

// startRunning takes a controller through Init and Start.
func startRunning(t *testing.T, c *Controller, w Worker) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))
	require.NoError(t, c.Start(ctx, w))
	require.Equal(t, StateRunning, c.State())
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestExecute_RunsToCompletion(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	cfg := testConfig(5)
	cfg.TotalUnits = 10
	w := &lineWorker{total: 10}

	c := newController(host, cfg, WithSessionID("session-1"))
	outcome, err := c.Execute(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, StateTerminated, c.State())
	assert.Equal(t, int64(10), outcome.Cursor)
	assert.False(t, outcome.Interrupted)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Equal(t, "session-1", host.Session())
	assert.Nil(t, w.resumed)
	assert.Equal(t, 1, w.closed)

	code, finished := host.Finished()
	assert.True(t, finished)
	assert.Equal(t, 0, code)

	require.Len(t, host.Results(), 1)
	res := host.Results()[0]
	assert.Equal(t, outName, res.LogicalName)
	assert.Equal(t, filepath.Join(dir, outName), res.Path)
	assert.Equal(t, types.PersistRegular, res.Mode)
	assert.Equal(t, outcome.Results, host.Results())

	fractions := host.Fractions()
	require.NotEmpty(t, fractions)
	assert.Equal(t, 0.5, fractions[0])
	assert.Equal(t, 1.0, fractions[len(fractions)-1])

	assert.Equal(t, lines(0, 10), readOutput(t, dir))
	assert.Equal(t, int64(10), c.Record().Cursor)
	assert.Equal(t, int64(10*lineLen), c.Record().OutputOffset)

	calls := host.Calls()
	assert.Equal(t, bridge.OpInit, calls[0])
	assert.Equal(t, bridge.OpFinish, calls[len(calls)-1])
}

func TestExecute_ResumesAfterKill(t *testing.T) {
	dir := t.TempDir()

	// First run: killed after unit 250, checkpoints every 100.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newHost(t, dir)
	w1 := &lineWorker{total: 1000, stopAt: 250, stop: cancel}
	c1 := newController(first, testConfig(100))
	startRunning(t, c1, w1)

	_, err := c1.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateRunning, c1.State())
	assert.Equal(t, int64(250), c1.Cursor())
	assert.Equal(t, int64(200), c1.Record().Cursor)
	_, finished := first.Finished()
	assert.False(t, finished, "a killed unit never calls finish")
	assert.Len(t, first.Checkpoints(), 2)

	// Durable output covers exactly the checkpointed units; simulate a torn
	// write past it.
	assert.Equal(t, lines(0, 200), readOutput(t, dir))
	f, err := os.OpenFile(filepath.Join(dir, outName), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("line 0002")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Second run resumes at 200 and finishes.
	second := newHost(t, dir)
	w2 := &lineWorker{total: 1000}
	c2 := newController(second, testConfig(100))
	outcome, err := c2.Execute(context.Background(), w2)
	require.NoError(t, err)

	require.NotNil(t, w2.resumed)
	assert.Equal(t, int64(200), w2.resumed.Cursor)
	assert.JSONEq(t, `{"next":200}`, string(w2.resumed.Aux))
	assert.Equal(t, int64(1000), outcome.Cursor)
	assert.Equal(t, lines(0, 1000), readOutput(t, dir))
	assert.Greater(t, c2.Record().Seq, uint64(2), "sequence continues across runs")
}

func TestExecute_CrashAnywhereNeverLeavesCheckpointAheadOfOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 20; i++ {
		total := int64(50 + rng.Intn(250))
		stopAt := int64(1 + rng.Intn(int(total)))
		every := int64(1 + rng.Intn(40))

		t.Run(fmt.Sprintf("total=%d/stop=%d/every=%d", total, stopAt, every), func(t *testing.T) {
			dir := t.TempDir()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c := newController(newHost(t, dir), testConfig(every))
			startRunning(t, c, &lineWorker{total: total, stopAt: stopAt, stop: cancel})
			_, _ = c.Run(ctx)

			rec, err := checkpoint.NewStore(filepath.Join(dir, ckptName)).TryResume()
			require.NoError(t, err)
			if rec != nil {
				info, err := os.Stat(filepath.Join(dir, outName))
				require.NoError(t, err)
				assert.LessOrEqual(t, rec.Cursor, stopAt)
				assert.Equal(t, rec.Cursor*lineLen, rec.OutputOffset)
				assert.GreaterOrEqual(t, info.Size(), rec.OutputOffset)
			}

			outcome, err := newController(newHost(t, dir), testConfig(every)).
				Execute(context.Background(), &lineWorker{total: total})
			require.NoError(t, err)
			assert.Equal(t, total, outcome.Cursor)
			assert.Equal(t, lines(0, total), readOutput(t, dir))
		})
	}
}

func TestRun_FinishRequestFlushesBeforeResult(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	for i := 0; i < 49; i++ {
		host.Push(bridge.Status{})
	}
	host.RequestFinish()

	w := &lineWorker{total: 1000}
	c := newController(host, testConfig(0))
	outcome, err := c.Execute(context.Background(), w)
	require.NoError(t, err)

	assert.True(t, outcome.Interrupted)
	assert.Equal(t, int64(50), outcome.Cursor)
	assert.Equal(t, lines(0, 50), readOutput(t, dir))
	assert.Empty(t, host.Fractions(), "interrupted units do not claim completion")

	calls := host.Calls()
	made := lastIndexOf(calls, bridge.OpCheckpointMade)
	sent := indexOf(calls, bridge.OpSendResult)
	fin := indexOf(calls, bridge.OpFinish)
	require.NotEqual(t, -1, made)
	assert.Less(t, made, sent)
	assert.Less(t, sent, fin)
	assert.Equal(t, len(calls)-1, fin)
}

func TestRun_CheckpointRequest(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	host.Push(bridge.Status{})
	host.Push(bridge.Status{})
	host.RequestCheckpoint()

	c := newController(host, testConfig(0))
	startRunning(t, c, &lineWorker{total: 5})
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	checkpoints := host.Checkpoints()
	require.Len(t, checkpoints, 2, "requested plus final")
	assert.Equal(t, filepath.Join(dir, ckptName), checkpoints[0])
	assert.Equal(t, int64(5), c.Record().Cursor)
}

func TestRun_DeliversMessages(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	host.PostMessage("suspend soon")
	host.Push(bridge.Status{Messages: []string{"a", "b"}, Finish: true})

	w := &lineWorker{total: 100}
	outcome, err := newController(host, testConfig(0)).Execute(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, []string{"suspend soon", "a", "b"}, w.messages)
	assert.True(t, outcome.Interrupted)
	assert.Equal(t, int64(2), outcome.Cursor, "one host answer is handled before the next unit")
}

func TestRun_FinishWithMessagesStopsBeforeNextUnit(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	for i := 0; i < 9; i++ {
		host.Push(bridge.Status{})
	}
	host.Push(bridge.Status{Finish: true, Checkpoint: true, Messages: []string{"bye"}})

	w := &lineWorker{total: 100}
	outcome, err := newController(host, testConfig(0)).Execute(context.Background(), w)
	require.NoError(t, err)

	assert.True(t, outcome.Interrupted)
	assert.Equal(t, int64(10), outcome.Cursor)
	assert.Equal(t, []string{"bye"}, w.messages)
	assert.Equal(t, lines(0, 10), readOutput(t, dir))
	assert.Len(t, host.Checkpoints(), 1, "the requested checkpoint already covers the finish")
}

func TestRun_TimeBasedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	cfg := testConfig(0)
	cfg.CheckpointPeriod = time.Minute

	clock := time.Unix(1_700_000_000, 0)
	w := &lineWorker{total: 10, onStep: func() { clock = clock.Add(20 * time.Second) }}
	c := newController(host, cfg)
	c.now = func() time.Time { return clock }

	outcome, err := c.Execute(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, int64(10), outcome.Cursor)

	// Every third unit crosses the minute, plus the final checkpoint.
	assert.Len(t, host.Checkpoints(), 4)
}

// ============================================================================
// Failure Tests
// ============================================================================

func TestExecute_CorruptCheckpointFinishesNonzero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ckptName), []byte("{not json"), 0o644))
	host := newHost(t, dir)

	_, err := newController(host, testConfig(10)).Execute(context.Background(), &lineWorker{total: 10})

	var corrupt *errcode.CheckpointCorruptError
	require.ErrorAs(t, err, &corrupt)
	code, finished := host.Finished()
	assert.True(t, finished)
	assert.Equal(t, int(errcode.CategorySystem), code)
	assert.Empty(t, host.Results())
}

func TestExecute_HandshakeMismatch(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	host.SetHostVersion(bridge.ProtocolVersion + 1)

	c := newController(host, testConfig(10))
	_, err := c.Execute(context.Background(), &lineWorker{total: 10})

	var initErr *errcode.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, errcode.CategoryConfig, errcode.CategoryOf(err))
	assert.Equal(t, StateTerminated, c.State())
	code, finished := host.Finished()
	assert.True(t, finished)
	assert.Equal(t, int(errcode.CategoryConfig), code)
	assert.Equal(t, -1, indexOf(host.Calls(), bridge.OpResolveFile))
}

func TestInit_InvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"no checkpoint":        func(c *Config) { c.CheckpointName = "" },
		"negative cadence":     func(c *Config) { c.CheckpointEvery = -1 },
		"undeclared output":    func(c *Config) { c.OutputName = "other.txt" },
		"unknown role":         func(c *Config) { c.Files = append(c.Files, types.WorkUnitFile{Role: "scratch", LogicalName: "x"}) },
		"duplicate file":       func(c *Config) { c.Files = append(c.Files, c.Files[0]) },
		"unknown persist mode": func(c *Config) { c.Files[0].Mode = "forever" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(10)
			mutate(&cfg)
			host := newHost(t, t.TempDir())

			c := newController(host, cfg)
			err := c.Init(context.Background())

			var initErr *errcode.InitError
			require.ErrorAs(t, err, &initErr)
			assert.Equal(t, errcode.CategoryConfig, initErr.Category())
			assert.Equal(t, StateUninitialized, c.State())
			assert.Empty(t, host.Calls(), "no handshake with an invalid configuration")
		})
	}
}

func TestExecute_UnmappedFile(t *testing.T) {
	dir := t.TempDir()
	host := bridge.NewFake()
	host.MapFile(types.RoleTemporary, ckptName, filepath.Join(dir, ckptName))

	_, err := newController(host, testConfig(10)).Execute(context.Background(), &lineWorker{total: 10})

	var unresolved *errcode.UnresolvedFileError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, outName, unresolved.LogicalName)
	code, _ := host.Finished()
	assert.Equal(t, int(errcode.CategoryUnknownWorkUnit), code)
}

func TestExecute_BrokenEventChannel(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	host.Break(bridge.ErrHostGone)

	w := &lineWorker{total: 10}
	_, err := newController(host, testConfig(10)).Execute(context.Background(), w)

	require.ErrorIs(t, err, bridge.ErrHostGone)
	code, finished := host.Finished()
	assert.True(t, finished)
	assert.Equal(t, int(errcode.CategorySystem), code)
	assert.Equal(t, 1, w.closed)
}

// faultyHost answers polls with something no bridge can decode.
type faultyHost struct {
	*bridge.Fake
}

func (h faultyHost) CheckEvent(context.Context) (bridge.Status, error) {
	errcode.Raise(bridge.OpCheckEvent, "status payload is not a struct")
	return bridge.Status{}, nil
}

func TestExecute_FaultFinishesInternal(t *testing.T) {
	dir := t.TempDir()
	host := faultyHost{newHost(t, dir)}

	c := newController(host, testConfig(10))
	outcome, err := c.Execute(context.Background(), &lineWorker{total: 10})

	var fault *errcode.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, bridge.OpCheckEvent, fault.Op)
	assert.Equal(t, int(errcode.CategoryInternal), outcome.ExitCode)
	code, finished := host.Finished()
	assert.True(t, finished)
	assert.Equal(t, int(errcode.CategoryInternal), code)
	assert.Equal(t, StateTerminated, c.State())
}

// ============================================================================
// Host Notification Tests
// ============================================================================

func TestFractionDone_Clamps(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	c := newController(host, testConfig(10))
	startRunning(t, c, &lineWorker{total: 10})
	ctx := context.Background()

	require.NoError(t, c.FractionDone(ctx, -0.5))
	require.NoError(t, c.FractionDone(ctx, 1.7))
	require.NoError(t, c.FractionDone(ctx, math.NaN()))
	require.NoError(t, c.FractionDone(ctx, 0.25))

	assert.Equal(t, []float64{0, 1, 0, 0.25}, host.Fractions())
}

func TestSendResult_Duplicate(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	c := newController(host, testConfig(10))
	startRunning(t, c, &lineWorker{total: 3})
	ctx := context.Background()

	r := types.ResultFile{LogicalName: outName, Path: filepath.Join(dir, outName), Mode: types.PersistPersistent}
	require.NoError(t, c.SendResult(ctx, r))
	err := c.SendResult(ctx, r)
	require.ErrorIs(t, err, errcode.ErrContractViolation)
	assert.Equal(t, errcode.CategoryBadParam, errcode.CategoryOf(err))

	outcome, err := c.Run(ctx)
	require.NoError(t, err)
	require.Len(t, host.Results(), 1, "already declared outputs are not declared again")
	assert.Equal(t, types.PersistPersistent, outcome.Results[0].Mode)
}

func TestCallsAfterFinishAreRejected(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	c := newController(host, testConfig(10))
	_, err := c.Execute(context.Background(), &lineWorker{total: 3})
	require.NoError(t, err)

	before := len(host.Calls())
	ctx := context.Background()

	for name, call := range map[string]func() error{
		"send_result":   func() error { return c.SendResult(ctx, types.ResultFile{LogicalName: "late"}) },
		"send_message":  func() error { return c.SendMessage(ctx, "late") },
		"fraction_done": func() error { return c.FractionDone(ctx, 0.5) },
		"checkpoint":    func() error { return c.Checkpoint(ctx) },
		"init":          func() error { return c.Init(ctx) },
	} {
		err := call()
		assert.ErrorIs(t, err, errcode.ErrContractViolation, name)
		assert.ErrorIs(t, err, errcode.ErrFinished, name)
	}
	assert.Len(t, host.Calls(), before, "rejected calls never reach the host")
	assert.NoError(t, c.Abort(ctx, fmt.Errorf("late failure")), "abort after finish is a no-op")
}

func TestSendMessage(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, dir)
	c := newController(host, testConfig(10))

	err := c.SendMessage(context.Background(), "too early")
	require.ErrorIs(t, err, errcode.ErrContractViolation)

	startRunning(t, c, &lineWorker{total: 3})
	require.NoError(t, c.SendMessage(context.Background(), "progress: warming up"))
	assert.Equal(t, []string{"progress: warming up"}, host.Messages())
}

func TestStateTransitionsAreEnforced(t *testing.T) {
	dir := t.TempDir()
	c := newController(newHost(t, dir), testConfig(10))
	ctx := context.Background()

	assert.ErrorIs(t, c.Start(ctx, &lineWorker{}), errcode.ErrContractViolation)
	_, err := c.Run(ctx)
	assert.ErrorIs(t, err, errcode.ErrContractViolation)

	require.NoError(t, c.Init(ctx))
	assert.ErrorIs(t, c.Init(ctx), errcode.ErrContractViolation)
	assert.Equal(t, StateInitialized, c.State())
}

// ============================================================================
// Instrumentation Tests
// ============================================================================

func TestExecute_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	dir := t.TempDir()
	c := newController(newHost(t, dir), testConfig(4), WithTracer(tp.Tracer("test")))
	_, err := c.Execute(context.Background(), &lineWorker{total: 10})
	require.NoError(t, err)

	counts := map[string]int{}
	for _, s := range sr.Ended() {
		counts[s.Name()]++
	}
	assert.Equal(t, 1, counts["task.start"])
	assert.Equal(t, 1, counts["task.finish"])
	assert.Equal(t, 3, counts["task.checkpoint"], "at 4, 8 and the final one at 10")
}
