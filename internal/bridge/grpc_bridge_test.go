package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// serveFake runs a Fake behind a real gRPC server on an in-memory listener.
func serveFake(t *testing.T, f *Fake, opts ...Option) *GRPCBridge {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterHostRuntime(srv, f)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewGRPCBridge(conn, opts...)
}

func TestGRPCBridge_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.MapFile(types.RoleInput, "in", "/slot/in_77")
	b := serveFake(t, f, WithProgressRate(rate.Inf, 1))

	require.NoError(t, b.Init(ctx, Handshake{ProtocolVersion: ProtocolVersion, SessionID: "abc", AppName: "upper"}))
	assert.Equal(t, "abc", f.Session())

	path, err := b.ResolveFileName(ctx, types.RoleInput, "in")
	require.NoError(t, err)
	assert.Equal(t, "/slot/in_77", path)

	f.Push(Status{Checkpoint: true, Messages: []string{"a", "b"}})
	st, err := b.CheckEvent(ctx)
	require.NoError(t, err)
	assert.True(t, st.Checkpoint)
	assert.False(t, st.Finish)
	assert.Equal(t, []string{"a", "b"}, st.Messages)

	st, err = b.CheckEvent(ctx)
	require.NoError(t, err)
	assert.True(t, st.Empty())

	require.NoError(t, b.CheckpointMade(ctx, "/slot/cp"))
	require.NoError(t, b.FractionDone(ctx, 0.25))
	require.NoError(t, b.SendMessage(ctx, "halfway"))
	require.NoError(t, b.SendResult(ctx, types.ResultFile{LogicalName: "out", Path: "/slot/out", Mode: types.PersistPersistent}))
	require.NoError(t, b.Finish(ctx, 0))

	assert.Equal(t, []string{"/slot/cp"}, f.Checkpoints())
	assert.Equal(t, []float64{0.25}, f.Fractions())
	assert.Equal(t, []string{"halfway"}, f.Messages())
	require.Len(t, f.Results(), 1)
	assert.Equal(t, types.PersistPersistent, f.Results()[0].Mode)
	code, done := f.Finished()
	assert.True(t, done)
	assert.Equal(t, 0, code)
}

func TestGRPCBridge_ErrorCategoriesSurviveTransport(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	b := serveFake(t, f)

	_, err := b.ResolveFileName(ctx, types.RoleOutput, "missing")
	var be *errcode.BridgeError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, OpResolveFile, be.Op)
	assert.Equal(t, errcode.CategoryUnknownWorkUnit, be.Code)

	require.NoError(t, b.Finish(ctx, 3))
	err = b.SendMessage(ctx, "late")
	assert.Equal(t, errcode.CategoryBadParam, errcode.CategoryOf(err))

	f2 := NewFake()
	f2.Break(ErrHostGone)
	b2 := serveFake(t, f2)
	_, err = b2.CheckEvent(ctx)
	assert.Equal(t, errcode.CategorySystem, errcode.CategoryOf(err))
}

func TestGRPCBridge_VersionMismatchIsNotRetried(t *testing.T) {
	f := NewFake()
	f.SetHostVersion(ProtocolVersion + 1)
	b := serveFake(t, f, WithInitBackoff(time.Millisecond))

	err := b.Init(context.Background(), Handshake{ProtocolVersion: ProtocolVersion})
	require.Error(t, err)
	assert.Equal(t, errcode.CategoryConfig, errcode.CategoryOf(err))
	assert.Equal(t, []string{OpInit}, f.Calls())
}

func TestGRPCBridge_ProgressIsThrottled(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	b := serveFake(t, f, WithProgressRate(rate.Every(time.Hour), 1))

	require.NoError(t, b.FractionDone(ctx, 0.1))
	require.NoError(t, b.FractionDone(ctx, 0.2))
	require.NoError(t, b.FractionDone(ctx, 0.3))
	require.NoError(t, b.FractionDone(ctx, 1))

	assert.Equal(t, []float64{0.1, 1}, f.Fractions())
}

// scriptedConn answers every call with a fixed reply, after failing the
// first failures calls with Unavailable.
type scriptedConn struct {
	reply    proto.Message
	failures int32
	calls    atomic.Int32
}

func (c *scriptedConn) Invoke(_ context.Context, _ string, _, reply any, _ ...grpc.CallOption) error {
	if n := c.calls.Add(1); n <= c.failures {
		return status.Error(codes.Unavailable, "host starting")
	}
	proto.Merge(reply.(proto.Message), c.reply)
	return nil
}

func (c *scriptedConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streams not supported")
}

func TestGRPCBridge_InitRetriesUnavailableHost(t *testing.T) {
	conn := &scriptedConn{reply: encodeInitReply(ProtocolVersion), failures: 2}
	b := NewGRPCBridge(conn, WithInitBackoff(time.Millisecond), WithInitRetries(5))

	require.NoError(t, b.Init(context.Background(), Handshake{ProtocolVersion: ProtocolVersion}))
	assert.Equal(t, int32(3), conn.calls.Load())
}

func TestGRPCBridge_InitGivesUp(t *testing.T) {
	conn := &scriptedConn{reply: encodeInitReply(ProtocolVersion), failures: 100}
	b := NewGRPCBridge(conn, WithInitBackoff(time.Millisecond), WithInitRetries(2))

	err := b.Init(context.Background(), Handshake{ProtocolVersion: ProtocolVersion})
	require.Error(t, err)
	assert.Equal(t, errcode.CategorySystem, errcode.CategoryOf(err))
	assert.Equal(t, int32(3), conn.calls.Load())
}

func TestGRPCBridge_MalformedStatusRaisesFault(t *testing.T) {
	bad := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldCheckpoint: structpb.NewStringValue("yes"),
	}}
	b := NewGRPCBridge(&scriptedConn{reply: bad})

	defer func() {
		r := recover()
		f, ok := r.(*errcode.Fault)
		require.True(t, ok, "expected *errcode.Fault, got %T", r)
		assert.Equal(t, OpCheckEvent, f.Op)
	}()
	_, _ = b.CheckEvent(context.Background())
	t.Fatal("CheckEvent returned instead of raising")
}

func TestStatusMapping(t *testing.T) {
	for cat, code := range categoryToCode {
		err := fromStatus("op", toStatus(errcode.NewBridgeError("op", cat, errors.New("x"))))
		assert.Equal(t, cat, errcode.CategoryOf(err), "category %s via %s", cat, code)
	}
	assert.Equal(t, errcode.CategoryTimeout,
		errcode.CategoryOf(fromStatus("op", context.DeadlineExceeded)))
	assert.Equal(t, errcode.CategorySystem,
		errcode.CategoryOf(fromStatus("op", errors.New("socket closed"))))
}

func TestGRPCBridge_DefaultLoggerNamesComponent(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	b := NewGRPCBridge(&scriptedConn{reply: encodeInitReply(ProtocolVersion)})
	b.log.Info("dialed")

	assert.Contains(t, buf.String(), "component=bridge")
}
