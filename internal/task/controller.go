// ============================================================================
// workunit-bridge Task Controller - work unit lifecycle
// ============================================================================
//
// Package: internal/task
// File: controller.go
// Purpose: drive one work unit from handshake to finish, cooperating with
// the host runtime through the injected bridge.
//
// Lifecycle:
//   Uninitialized -> Initialized -> Running -> Finishing -> Terminated
//
//   Init    handshake with the host (InitError on failure, fatal)
//   Start   resolve declared files, resume from the checkpoint, open output
//   Run     step / poll / checkpoint until input ends or the host asks to finish
//   finish  final checkpoint if anything is unflushed, declare results,
//           fraction 1.0 on natural completion, then the terminal finish(0)
//   Abort   finish(nonzero) for any fatal condition
//
// Durability:
//   A checkpoint claims Cursor units and OutputOffset bytes. The output sink
//   is synced by the checkpoint store before the record is committed, so a
//   resumed cursor is never ahead of durable output. On resume the output is
//   cut back to OutputOffset and the worker continues from Cursor.
//
// Concurrency:
//   One goroutine drives the controller. Only State may be read concurrently.
//
// ============================================================================

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/workunit-bridge/internal/bridge"
	"github.com/ChuLiYu/workunit-bridge/internal/checkpoint"
	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/internal/events"
	"github.com/ChuLiYu/workunit-bridge/internal/metrics"
	"github.com/ChuLiYu/workunit-bridge/internal/resolver"
	"github.com/ChuLiYu/workunit-bridge/internal/storage/output"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

const tracerName = "github.com/ChuLiYu/workunit-bridge/internal/task"

// ============================================================================
// Configuration
// ============================================================================

// Config describes one work unit.
type Config struct {
	AppName string

	// Files are the declared files; every one is resolved at Start. Outputs
	// are declared to the host as results when the unit finishes.
	Files []types.WorkUnitFile

	// CheckpointName is the logical name of the temporary checkpoint file.
	CheckpointName string

	// OutputName is the declared output written through Env.Output. Empty
	// when the worker manages its own files.
	OutputName string

	CheckpointEvery  int64         // units between checkpoints, 0 disables
	CheckpointPeriod time.Duration // wall time between checkpoints, 0 disables
	TotalUnits       int64         // enables fraction reporting when > 0
}

func (cfg Config) validate() error {
	if cfg.CheckpointName == "" {
		return errors.New("no checkpoint file declared")
	}
	if cfg.CheckpointEvery < 0 || cfg.CheckpointPeriod < 0 || cfg.TotalUnits < 0 {
		return errors.New("checkpoint cadence and total units must not be negative")
	}

	seen := make(map[types.FileRole]map[string]bool)
	outputDeclared := false
	for _, f := range cfg.Files {
		if !f.Role.Valid() {
			return fmt.Errorf("file %q: unknown role %q", f.LogicalName, f.Role)
		}
		if f.LogicalName == "" {
			return fmt.Errorf("%s file without a logical name", f.Role)
		}
		if f.Mode != "" && !f.Mode.Valid() {
			return fmt.Errorf("file %q: unknown persistence mode %q", f.LogicalName, f.Mode)
		}
		if seen[f.Role] == nil {
			seen[f.Role] = make(map[string]bool)
		}
		if seen[f.Role][f.LogicalName] {
			return fmt.Errorf("%s file %q declared twice", f.Role, f.LogicalName)
		}
		seen[f.Role][f.LogicalName] = true
		if f.Role == types.RoleOutput && f.LogicalName == cfg.OutputName {
			outputDeclared = true
		}
	}
	if cfg.OutputName != "" && !outputDeclared {
		return fmt.Errorf("output %q is not declared as an output file", cfg.OutputName)
	}
	return nil
}

// ============================================================================
// Controller
// ============================================================================

// Controller drives a single work unit.
type Controller struct {
	cfg    Config
	host   bridge.Bridge
	files  *resolver.Resolver
	events *events.Channel
	store  *checkpoint.Store
	sink   *output.Sink
	worker Worker

	state           atomic.Int32
	declared        []types.WorkUnitFile
	record          types.CheckpointRecord // last committed
	cursor          int64
	sinceCheckpoint int64
	lastCheckpoint  time.Time
	sent            map[string]bool
	results         []types.ResultFile
	outcome         *types.TaskOutcome
	released        bool

	sessionID string
	log       *slog.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithSessionID fixes the handshake session ID (random by default).
func WithSessionID(id string) Option {
	return func(c *Controller) { c.sessionID = id }
}

// New returns a controller in state Uninitialized.
func New(host bridge.Bridge, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		host:   host,
		sent:   make(map[string]bool),
		log:    slog.Default().With("component", "task"),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.files = resolver.New(host, c.log)
	c.events = events.New(host)
	return c
}

// State returns the current lifecycle state. Safe for concurrent use.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Cursor returns the number of units completed so far.
func (c *Controller) Cursor() int64 {
	return c.cursor
}

// Record returns the last committed checkpoint record.
func (c *Controller) Record() types.CheckpointRecord {
	return c.record
}

// Outcome returns the terminal outcome once finish has been called.
func (c *Controller) Outcome() (types.TaskOutcome, bool) {
	if c.outcome == nil {
		return types.TaskOutcome{}, false
	}
	return *c.outcome, true
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// expect rejects op unless the controller is in one of the given states.
func (c *Controller) expect(op string, states ...State) error {
	cur := c.State()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	if cur == StateTerminated {
		return fmt.Errorf("%w: %s called after finish (%w)", errcode.ErrContractViolation, op, errcode.ErrFinished)
	}
	return errcode.Violation("%s not valid in state %s", op, cur)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Init performs the one-time handshake. Failure is fatal: the controller
// stays Uninitialized and must not be started.
func (c *Controller) Init(ctx context.Context) error {
	if err := c.expect("init", StateUninitialized); err != nil {
		return err
	}
	if err := c.cfg.validate(); err != nil {
		return &errcode.InitError{Reason: "invalid work unit configuration", Err: err}
	}
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}

	h := bridge.Handshake{
		ProtocolVersion: bridge.ProtocolVersion,
		SessionID:       c.sessionID,
		AppName:         c.cfg.AppName,
	}
	if err := c.host.Init(ctx, h); err != nil {
		c.recordBridgeError(err)
		return &errcode.InitError{Reason: "handshake with host runtime failed", Err: err}
	}

	c.setState(StateInitialized)
	c.log.Info("work unit initialized", "session", c.sessionID, "app", c.cfg.AppName)
	return nil
}

// Start resolves the declared files, resumes from the last checkpoint and
// opens the worker.
func (c *Controller) Start(ctx context.Context, w Worker) error {
	if err := c.expect("start", StateInitialized); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "task.start")
	defer span.End()

	declared, err := c.files.ResolveAll(ctx, c.cfg.Files)
	if err != nil {
		return spanError(span, err)
	}
	c.declared = declared

	cpPath, err := c.files.Resolve(ctx, types.RoleTemporary, c.cfg.CheckpointName)
	if err != nil {
		return spanError(span, err)
	}
	c.store = checkpoint.NewStore(cpPath)

	rec, err := c.store.TryResume()
	if err != nil {
		return spanError(span, err)
	}
	if rec != nil {
		c.record = *rec
		c.cursor = rec.Cursor
	}

	env := Env{Resume: rec, Cursor: c.cursor, Path: c.files.Lookup}
	if c.cfg.OutputName != "" {
		outPath, _ := c.files.Lookup(types.RoleOutput, c.cfg.OutputName)
		sink, err := output.Open(outPath, c.record.OutputOffset)
		if err != nil {
			return spanError(span, err)
		}
		c.sink = sink
		env.Output = sink
	}

	if err := w.Open(env); err != nil {
		if c.sink != nil {
			_ = c.sink.Close()
		}
		return spanError(span, fmt.Errorf("task: open worker: %w", err))
	}
	c.worker = w
	c.lastCheckpoint = c.now()
	c.metrics.SetResumeCursor(c.cursor)

	span.SetAttributes(attribute.Int64("cursor", c.cursor), attribute.Bool("resumed", rec != nil))
	c.setState(StateRunning)

	if rec != nil {
		c.log.Info("resumed from checkpoint",
			"cursor", rec.Cursor, "output_offset", rec.OutputOffset, "seq", rec.Seq)
	} else {
		c.log.Info("fresh start", "checkpoint", cpPath)
	}
	return nil
}

// Run is the work loop: one unit, one poll, then a checkpoint if one was
// requested or is due. It returns after finish has been called, or with an
// error that the caller should pass to Abort. A cancelled ctx returns
// ctx.Err() without finishing, like a kill.
func (c *Controller) Run(ctx context.Context) (types.TaskOutcome, error) {
	if err := c.expect("run", StateRunning); err != nil {
		return types.TaskOutcome{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			c.log.Warn("work loop cancelled", "cursor", c.cursor, "checkpoint_cursor", c.record.Cursor)
			return types.TaskOutcome{}, err
		}

		done, err := c.worker.Step(ctx)
		if err != nil {
			return types.TaskOutcome{}, fmt.Errorf("task: unit %d: %w", c.cursor+1, err)
		}
		if done {
			return c.finish(ctx, false)
		}
		c.cursor++
		c.sinceCheckpoint++
		c.metrics.RecordUnit()
		c.log.Debug("unit done", "cursor", c.cursor)

		finishing, err := c.drainEvents(ctx)
		if err != nil {
			return types.TaskOutcome{}, err
		}
		if finishing {
			return c.finish(ctx, true)
		}

		if c.due() {
			if err := c.checkpoint(ctx); err != nil {
				return types.TaskOutcome{}, err
			}
		}
	}
}

// drainEvents polls once and then keeps handling whatever that host answer
// carried, so a finish that arrives together with messages is honoured
// before the next unit runs.
func (c *Controller) drainEvents(ctx context.Context) (bool, error) {
	for {
		ev, err := c.events.Poll(ctx)
		if err != nil {
			c.recordBridgeError(err)
			return false, err
		}
		c.metrics.RecordPoll(eventKind(ev))

		switch ev := ev.(type) {
		case nil:
		case types.CheckpointRequest:
			c.log.Info("checkpoint requested by host", "cursor", c.cursor)
			if err := c.checkpoint(ctx); err != nil {
				return false, err
			}
		case types.Message:
			c.deliver(ev.Text)
		case types.FinishRequest:
			c.log.Info("finish requested by host", "cursor", c.cursor)
			return true, nil
		default:
			errcode.Raise(bridge.OpCheckEvent, "unexpected event type %T", ev)
		}

		if c.events.Buffered() == 0 {
			return false, nil
		}
	}
}

// Execute runs the whole lifecycle. Any failure, including a bridge Fault,
// is reported to the host with finish(nonzero) before it is returned.
func (c *Controller) Execute(ctx context.Context, w Worker) (outcome types.TaskOutcome, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fault, ok := r.(*errcode.Fault)
		if !ok {
			panic(r)
		}
		outcome, err = c.abort(context.WithoutCancel(ctx), fault)
	}()

	if err := c.Init(ctx); err != nil {
		return c.abort(ctx, err)
	}
	if err := c.Start(ctx, w); err != nil {
		return c.abort(ctx, err)
	}

	outcome, err = c.Run(ctx)
	switch {
	case err == nil:
		return outcome, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if relErr := c.release(); relErr != nil {
			c.log.Warn("release after cancel", "error", relErr)
		}
		return types.TaskOutcome{}, err
	default:
		return c.abort(ctx, err)
	}
}

func (c *Controller) abort(ctx context.Context, cause error) (types.TaskOutcome, error) {
	if err := c.Abort(ctx, cause); err != nil {
		c.log.Error("could not report failure to host", "error", err)
	}
	outcome, _ := c.Outcome()
	return outcome, cause
}

// Abort releases local resources and calls finish with the exit code of
// cause. It does nothing once the unit has terminated.
func (c *Controller) Abort(ctx context.Context, cause error) error {
	if c.State() == StateTerminated {
		return nil
	}
	c.setState(StateFinishing)
	if err := c.release(); err != nil {
		c.log.Warn("release resources", "error", err)
	}

	code := errcode.ExitCode(cause)
	if code == 0 {
		code = int(errcode.CategoryInternal)
	}
	c.log.Error("work unit failed", "error", cause, "exit_code", code, "cursor", c.cursor,
		"category", errcode.CategoryOf(cause).String())

	return c.terminate(ctx, types.TaskOutcome{
		ExitCode: code,
		Results:  append([]types.ResultFile(nil), c.results...),
		Cursor:   c.cursor,
	})
}

// finish is the Finishing -> Terminated path.
func (c *Controller) finish(ctx context.Context, interrupted bool) (types.TaskOutcome, error) {
	c.setState(StateFinishing)
	ctx, span := c.tracer.Start(ctx, "task.finish",
		trace.WithAttributes(attribute.Bool("interrupted", interrupted)))
	defer span.End()

	if c.unflushed() {
		if err := c.checkpoint(ctx); err != nil {
			return types.TaskOutcome{}, spanError(span, fmt.Errorf("task: final checkpoint: %w", err))
		}
	}
	if err := c.release(); err != nil {
		return types.TaskOutcome{}, spanError(span, err)
	}

	for _, f := range c.declared {
		if f.Role != types.RoleOutput || c.sent[f.LogicalName] {
			continue
		}
		r := types.ResultFile{LogicalName: f.LogicalName, Path: f.PhysicalPath, Mode: f.Mode}
		if err := c.sendResult(ctx, r); err != nil {
			return types.TaskOutcome{}, spanError(span, err)
		}
	}
	if !interrupted {
		c.reportFraction(ctx, 1)
	}

	outcome := types.TaskOutcome{
		ExitCode:    0,
		Results:     append([]types.ResultFile(nil), c.results...),
		Cursor:      c.cursor,
		Interrupted: interrupted,
	}
	if err := c.terminate(ctx, outcome); err != nil {
		return outcome, spanError(span, err)
	}
	return outcome, nil
}

// terminate records the outcome and makes the terminal bridge call. The
// controller is Terminated afterwards even if the call failed.
func (c *Controller) terminate(ctx context.Context, outcome types.TaskOutcome) error {
	c.outcome = &outcome
	err := c.host.Finish(ctx, outcome.ExitCode)
	c.setState(StateTerminated)
	if err != nil {
		c.recordBridgeError(err)
		return err
	}
	c.log.Info("work unit finished",
		"exit_code", outcome.ExitCode,
		"cursor", outcome.Cursor,
		"interrupted", outcome.Interrupted,
		"results", len(outcome.Results))
	return nil
}

// release closes the output and the worker, once.
func (c *Controller) release() error {
	if c.released {
		return nil
	}
	c.released = true

	var errs []error
	if c.sink != nil {
		errs = append(errs, c.sink.Close())
	}
	if c.worker != nil {
		errs = append(errs, c.worker.Close())
	}
	return errors.Join(errs...)
}

// ============================================================================
// Checkpointing
// ============================================================================

// Checkpoint commits a checkpoint now. Applications call it when they reach
// a natural boundary of their own.
func (c *Controller) Checkpoint(ctx context.Context) error {
	if err := c.expect("checkpoint", StateRunning); err != nil {
		return err
	}
	return c.checkpoint(ctx)
}

func (c *Controller) checkpoint(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "task.checkpoint")
	defer span.End()
	start := time.Now()

	aux, err := c.worker.State()
	if err != nil {
		return spanError(span, fmt.Errorf("task: worker state: %w", err))
	}

	rec := types.CheckpointRecord{Cursor: c.cursor, Aux: aux}
	var pending []checkpoint.Syncer
	if c.sink != nil {
		rec.OutputOffset = c.sink.Offset()
		pending = append(pending, c.sink)
	}

	stored, err := c.store.Persist(rec, pending...)
	if err != nil {
		c.log.Error("checkpoint failed", "cursor", c.cursor, "error", err)
		return spanError(span, err)
	}
	c.record = stored
	c.sinceCheckpoint = 0
	c.lastCheckpoint = c.now()
	c.metrics.RecordCheckpoint(time.Since(start))
	span.SetAttributes(attribute.Int64("cursor", stored.Cursor), attribute.Int64("output_offset", stored.OutputOffset))
	c.log.Info("checkpoint committed",
		"cursor", stored.Cursor, "output_offset", stored.OutputOffset, "seq", stored.Seq)

	if err := c.host.CheckpointMade(ctx, c.store.Path()); err != nil {
		c.recordBridgeError(err)
		c.log.Warn("host not notified of checkpoint", "error", err)
	}
	if c.cfg.TotalUnits > 0 {
		c.reportFraction(ctx, float64(c.cursor)/float64(c.cfg.TotalUnits))
	}
	return nil
}

func (c *Controller) due() bool {
	if c.sinceCheckpoint == 0 {
		return false
	}
	if c.cfg.CheckpointEvery > 0 && c.sinceCheckpoint >= c.cfg.CheckpointEvery {
		return true
	}
	return c.cfg.CheckpointPeriod > 0 && c.now().Sub(c.lastCheckpoint) >= c.cfg.CheckpointPeriod
}

// unflushed reports whether progress or output exists that the last
// checkpoint does not cover.
func (c *Controller) unflushed() bool {
	if c.cursor != c.record.Cursor {
		return true
	}
	return c.sink != nil && c.sink.Dirty()
}

// ============================================================================
// Host notifications
// ============================================================================

// FractionDone reports progress. The fraction is clamped to [0, 1]; the hint
// is best-effort and bridge failures are only logged.
func (c *Controller) FractionDone(ctx context.Context, fraction float64) error {
	if err := c.expect("fraction_done", StateRunning); err != nil {
		return err
	}
	c.reportFraction(ctx, fraction)
	return nil
}

func (c *Controller) reportFraction(ctx context.Context, fraction float64) {
	f := clamp(fraction)
	c.metrics.SetFraction(f)
	if err := c.host.FractionDone(ctx, f); err != nil {
		c.recordBridgeError(err)
		c.log.Debug("progress hint dropped", "fraction", f, "error", err)
	}
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// SendMessage sends a best-effort notification to the host.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	if err := c.expect("send_message", StateInitialized, StateRunning, StateFinishing); err != nil {
		return err
	}
	if err := c.host.SendMessage(ctx, text); err != nil {
		c.recordBridgeError(err)
		c.log.Warn("message to host dropped", "error", err)
	}
	return nil
}

// SendResult declares an output file ahead of finish. Outputs declared here
// are not declared again when the unit finishes; declaring a logical name
// twice is a contract violation.
func (c *Controller) SendResult(ctx context.Context, r types.ResultFile) error {
	if err := c.expect("send_result", StateRunning, StateFinishing); err != nil {
		return err
	}
	return c.sendResult(ctx, r)
}

func (c *Controller) sendResult(ctx context.Context, r types.ResultFile) error {
	if r.Mode == "" {
		r.Mode = types.PersistRegular
	}
	if !r.Mode.Valid() {
		return errcode.Violation("result %q: unknown persistence mode %q", r.LogicalName, r.Mode)
	}
	if c.sent[r.LogicalName] {
		return errcode.Violation("result %q declared twice", r.LogicalName)
	}
	if err := c.host.SendResult(ctx, r); err != nil {
		c.recordBridgeError(err)
		return err
	}
	c.sent[r.LogicalName] = true
	c.results = append(c.results, r)
	c.log.Info("result declared", "logical_name", r.LogicalName, "path", r.Path, "mode", r.Mode)
	return nil
}

func (c *Controller) deliver(text string) {
	if h, ok := c.worker.(MessageHandler); ok {
		h.HandleMessage(text)
		return
	}
	c.log.Info("host message", "text", text)
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Controller) recordBridgeError(err error) {
	var be *errcode.BridgeError
	if errors.As(err, &be) {
		c.metrics.RecordBridgeError(be.Op, be.Category().String())
	}
}

func eventKind(ev types.Event) string {
	if ev == nil {
		return ""
	}
	return ev.String()
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}
