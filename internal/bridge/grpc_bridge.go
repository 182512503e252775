package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

const (
	defaultCallTimeout = 5 * time.Second
	defaultInitRetries = 5
	defaultInitBackoff = 200 * time.Millisecond
)

// GRPCBridge is the client side of the HostRuntime service.
type GRPCBridge struct {
	conn        grpc.ClientConnInterface
	closer      interface{ Close() error }
	callTimeout time.Duration
	initRetries uint64
	initBackoff time.Duration
	progress    *rate.Limiter
	log         *slog.Logger
}

// Option configures a GRPCBridge.
type Option func(*GRPCBridge)

// WithCallTimeout bounds every unary call.
func WithCallTimeout(d time.Duration) Option {
	return func(b *GRPCBridge) { b.callTimeout = d }
}

// WithInitRetries sets how many times an unavailable host is retried during
// the handshake.
func WithInitRetries(n uint64) Option {
	return func(b *GRPCBridge) { b.initRetries = n }
}

// WithInitBackoff sets the first delay between handshake attempts.
func WithInitBackoff(d time.Duration) Option {
	return func(b *GRPCBridge) { b.initBackoff = d }
}

// WithProgressRate limits FractionDone calls. Excess hints are dropped;
// a fraction of 1 is always delivered.
func WithProgressRate(limit rate.Limit, burst int) Option {
	return func(b *GRPCBridge) { b.progress = rate.NewLimiter(limit, burst) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *GRPCBridge) { b.log = l }
}

// NewGRPCBridge wraps an established connection.
func NewGRPCBridge(conn grpc.ClientConnInterface, opts ...Option) *GRPCBridge {
	b := &GRPCBridge{
		conn:        conn,
		callTimeout: defaultCallTimeout,
		initRetries: defaultInitRetries,
		initBackoff: defaultInitBackoff,
		progress:    rate.NewLimiter(rate.Every(time.Second), 1),
		log:         slog.Default().With("component", "bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial connects to a host runtime at addr without transport security; the
// host is expected on a local socket or loopback.
func Dial(addr string, opts ...Option) (*GRPCBridge, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &errcode.InitError{Reason: "dial host " + addr, Err: err}
	}
	b := NewGRPCBridge(conn, opts...)
	b.closer = conn
	return b, nil
}

// Close releases the connection if Dial created it.
func (b *GRPCBridge) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

func (b *GRPCBridge) invoke(ctx context.Context, op, method string, req, resp proto.Message) error {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	if err := b.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return fromStatus(op, err)
	}
	return nil
}

// Init performs the handshake, retrying while the host is unavailable.
func (b *GRPCBridge) Init(ctx context.Context, h Handshake) error {
	req := encodeHandshake(h)
	resp := &structpb.Struct{}

	attempt := 0
	call := func() error {
		attempt++
		err := b.invoke(ctx, OpInit, methodInit, req, resp)
		if err == nil {
			return nil
		}
		if errcode.CategoryOf(err) != errcode.CategorySystem {
			return backoff.Permanent(err)
		}
		b.log.Warn("host not ready, retrying handshake", "attempt", attempt, "error", err)
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.initBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, b.initRetries), ctx)
	if err := backoff.Retry(call, policy); err != nil {
		return err
	}

	hv, err := numberField(resp, fieldHostVersion)
	if err != nil {
		errcode.Raise(OpInit, "unparseable handshake reply: %v", err)
	}
	if int(hv) != h.ProtocolVersion {
		return errcode.NewBridgeError(OpInit, errcode.CategoryConfig,
			fmt.Errorf("protocol version mismatch: client %d, host %d", h.ProtocolVersion, int(hv)))
	}
	return nil
}

func (b *GRPCBridge) ResolveFileName(ctx context.Context, role types.FileRole, logicalName string) (string, error) {
	resp := &wrapperspb.StringValue{}
	if err := b.invoke(ctx, OpResolveFile, methodResolveFile, encodeResolve(role, logicalName), resp); err != nil {
		return "", err
	}
	return resp.GetValue(), nil
}

func (b *GRPCBridge) SendResult(ctx context.Context, r types.ResultFile) error {
	return b.invoke(ctx, OpSendResult, methodSendResult, encodeResult(r), &emptypb.Empty{})
}

func (b *GRPCBridge) SendMessage(ctx context.Context, text string) error {
	return b.invoke(ctx, OpSendMessage, methodSendMessage, wrapperspb.String(text), &emptypb.Empty{})
}

func (b *GRPCBridge) Finish(ctx context.Context, exitCode int) error {
	return b.invoke(ctx, OpFinish, methodFinish, wrapperspb.Int32(int32(exitCode)), &emptypb.Empty{})
}

func (b *GRPCBridge) FractionDone(ctx context.Context, fraction float64) error {
	if fraction < 1 && !b.progress.Allow() {
		return nil
	}
	return b.invoke(ctx, OpFractionDone, methodFractionDone, wrapperspb.Double(fraction), &emptypb.Empty{})
}

// CheckEvent polls the host. A reply that does not decode is a Fault.
func (b *GRPCBridge) CheckEvent(ctx context.Context) (Status, error) {
	resp := &structpb.Struct{}
	if err := b.invoke(ctx, OpCheckEvent, methodCheckEvent, &emptypb.Empty{}, resp); err != nil {
		return Status{}, err
	}
	st, err := decodeStatus(resp)
	if err != nil {
		errcode.Raise(OpCheckEvent, "unparseable status: %v", err)
	}
	return st, nil
}

func (b *GRPCBridge) CheckpointMade(ctx context.Context, path string) error {
	return b.invoke(ctx, OpCheckpointMade, methodCheckpointMade, wrapperspb.String(path), &emptypb.Empty{})
}

var _ Bridge = (*GRPCBridge)(nil)
