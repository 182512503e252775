package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/workunit-bridge/internal/bridge"
	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/internal/hostsim"
	"github.com/ChuLiYu/workunit-bridge/internal/metrics"
	"github.com/ChuLiYu/workunit-bridge/internal/task"
	"github.com/ChuLiYu/workunit-bridge/internal/worker"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHost serves a hostsim.Host built from manifest on an in-memory
// listener and returns a client bridge connected to it.
func startHost(t *testing.T, dir, manifest string) (*hostsim.Host, *Server, *bridge.GRPCBridge) {
	t.Helper()

	path := filepath.Join(dir, "unit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	m, err := hostsim.LoadManifest(path)
	require.NoError(t, err)
	store, err := hostsim.OpenStore(m.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mc := metrics.NewCollector(prometheus.NewRegistry())
	host := hostsim.New(m, store, hostsim.WithLogger(quietLogger()), hostsim.WithMetrics(mc))
	srv := NewServer(host, WithLogger(quietLogger()), WithMetrics(mc))

	lis := bufconn.Listen(1 << 20)
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

	client := bridge.NewGRPCBridge(conn,
		bridge.WithLogger(quietLogger()),
		bridge.WithProgressRate(rate.Inf, 1),
	)
	return host, srv, client
}

func unitManifest(input string, events string) string {
	return `
app_name: uppercase
files:
  - {role: input, logical_name: in.txt, path: ` + input + `}
  - {role: output, logical_name: out.txt}
  - {role: temporary, logical_name: state.ckpt}
` + events
}

func unitConfig(total int64) task.Config {
	return task.Config{
		AppName: "uppercase",
		Files: []types.WorkUnitFile{
			{Role: types.RoleInput, LogicalName: "in.txt"},
			{Role: types.RoleOutput, LogicalName: "out.txt", Mode: types.PersistPersistent},
		},
		CheckpointName:  "state.ckpt",
		OutputName:      "out.txt",
		CheckpointEvery: 5,
		TotalUnits:      total,
	}
}

func TestEndToEnd_RunsWorkUnitOverGRPC(t *testing.T) {
	dir := t.TempDir()
	text := strings.Repeat("lorem ipsum dolor sit amet\n", 30)
	input := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(input, []byte(text), 0o644))

	host, srv, client := startHost(t, dir, unitManifest(input, ""))
	total := worker.UnitsFor(int64(len(text)), 32)

	c := task.New(client, unitConfig(total), task.WithLogger(quietLogger()))
	outcome, err := c.Execute(context.Background(), worker.NewUpperCase("in.txt", 32))
	require.NoError(t, err)

	assert.Equal(t, total, outcome.Cursor)
	code, finished := host.Finished()
	assert.True(t, finished)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(text), string(data))

	act := srv.Activity()
	assert.Equal(t, bridge.OpFinish, act.LastOp)
	assert.Greater(t, act.Calls, total, "one poll per unit at least")
	assert.Zero(t, act.Failures)
}

func TestEndToEnd_ScheduledFinishAndResume(t *testing.T) {
	dir := t.TempDir()
	text := strings.Repeat("0123456789", 50)
	input := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(input, []byte(text), 0o644))

	events := `events:
  - {after_polls: 7, kind: message, text: "host is draining"}
  - {after_polls: 8, kind: finish}
`
	host, _, client := startHost(t, dir, unitManifest(input, events))

	c := task.New(client, unitConfig(50), task.WithLogger(quietLogger()))
	outcome, err := c.Execute(context.Background(), worker.NewUpperCase("in.txt", 10))
	require.NoError(t, err)
	assert.True(t, outcome.Interrupted)
	assert.Equal(t, int64(8), outcome.Cursor)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, types.PersistPersistent, outcome.Results[0].Mode)

	code, finished := host.Finished()
	assert.True(t, finished)
	assert.Zero(t, code)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, text[:80], string(data), "flushed before the result was declared")

	// A fresh host session picks the unit up where the checkpoint left it.
	_, _, client2 := startHost(t, dir, unitManifest(input, ""))
	c2 := task.New(client2, unitConfig(50), task.WithLogger(quietLogger()))
	outcome, err = c2.Execute(context.Background(), worker.NewUpperCase("in.txt", 10))
	require.NoError(t, err)
	assert.Equal(t, int64(50), outcome.Cursor)

	data, err = os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, text, string(data), "digits are unchanged by upper-casing")
}

func TestEndToEnd_UnknownFileCategorySurvivesTransport(t *testing.T) {
	dir := t.TempDir()
	manifest := `
files:
  - {role: temporary, logical_name: state.ckpt}
`
	host, srv, client := startHost(t, dir, manifest)

	c := task.New(client, unitConfig(0), task.WithLogger(quietLogger()))
	_, err := c.Execute(context.Background(), worker.NewUpperCase("in.txt", 10))

	var unresolved *errcode.UnresolvedFileError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, errcode.CategoryUnknownWorkUnit, errcode.CategoryOf(err))

	code, finished := host.Finished()
	assert.True(t, finished)
	assert.Equal(t, int(errcode.CategoryUnknownWorkUnit), code)
	assert.Equal(t, int64(1), srv.Activity().Failures)
}
