// ============================================================================
// workunit-bridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands of the wubridge binary
//
// Command Structure:
//   wubridge                       # Root command
//   ├── run                        # Run the upper-case work unit against a host
//   │   └── --host, --input, ...   # Overrides of the unit.* / host.* config keys
//   ├── host                       # Serve the simulated host runtime
//   │   └── --manifest, --listen
//   ├── inspect <checkpoint>       # Validate and print a checkpoint record
//   ├── --config, -c               # Config file (YAML)
//   └── --version
//
// Configuration:
//   Config file, then WUBRIDGE_* environment variables (WUBRIDGE_HOST_ADDR
//   for host.addr), then flags. Keys:
//   - log:     level, format (text|json)
//   - host:    addr, call_timeout, init_retries, progress_interval
//   - unit:    app_name, input, output, checkpoint, chunk_size,
//              checkpoint_every, checkpoint_period, total_units, fail_after
//   - server:  listen, manifest
//   - metrics: enabled, addr
//   - tracing: enabled, service_name, otlp_endpoint
//
// Signal Handling:
//   SIGINT and SIGTERM cancel the running command. For `run` this is a kill:
//   the unit does not call finish and the last checkpoint stays valid.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/workunit-bridge/internal/bridge"
	"github.com/ChuLiYu/workunit-bridge/internal/checkpoint"
	"github.com/ChuLiYu/workunit-bridge/internal/hostsim"
	"github.com/ChuLiYu/workunit-bridge/internal/metrics"
	"github.com/ChuLiYu/workunit-bridge/internal/server"
	"github.com/ChuLiYu/workunit-bridge/internal/task"
	"github.com/ChuLiYu/workunit-bridge/internal/tracing"
	"github.com/ChuLiYu/workunit-bridge/internal/worker"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

const version = "0.3.0"

// Config is the complete CLI configuration.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Host struct {
		Addr             string        `mapstructure:"addr"`
		CallTimeout      time.Duration `mapstructure:"call_timeout"`
		InitRetries      uint64        `mapstructure:"init_retries"`
		ProgressInterval time.Duration `mapstructure:"progress_interval"`
	} `mapstructure:"host"`

	Unit struct {
		AppName          string        `mapstructure:"app_name"`
		Input            string        `mapstructure:"input"`
		Output           string        `mapstructure:"output"`
		Checkpoint       string        `mapstructure:"checkpoint"`
		ChunkSize        int           `mapstructure:"chunk_size"`
		CheckpointEvery  int64         `mapstructure:"checkpoint_every"`
		CheckpointPeriod time.Duration `mapstructure:"checkpoint_period"`
		TotalUnits       int64         `mapstructure:"total_units"`
		FailAfter        int64         `mapstructure:"fail_after"`
	} `mapstructure:"unit"`

	Server struct {
		Listen   string `mapstructure:"listen"`
		Manifest string `mapstructure:"manifest"`
	} `mapstructure:"server"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Tracing tracing.Config `mapstructure:"tracing"`
}

type app struct {
	v          *viper.Viper
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{v: viper.New()}
	setDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:   "wubridge",
		Short: "wubridge: checkpointing work units for volunteer-computing hosts",
		Long: `wubridge runs long computations as resumable work units:
- logical file resolution through the host runtime
- atomic, durable checkpoints
- host events (checkpoint, finish, messages) polled between units
- a simulated host runtime for local runs`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildHostCommand())
	rootCmd.AddCommand(a.buildInspectCommand())

	return rootCmd
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("host.addr", "localhost:50051")
	v.SetDefault("host.call_timeout", 5*time.Second)
	v.SetDefault("host.init_retries", 5)
	v.SetDefault("host.progress_interval", time.Second)
	v.SetDefault("unit.app_name", "uppercase")
	v.SetDefault("unit.input", "in.txt")
	v.SetDefault("unit.output", "out.txt")
	v.SetDefault("unit.checkpoint", "state.ckpt")
	v.SetDefault("unit.chunk_size", worker.DefaultChunkSize)
	v.SetDefault("unit.checkpoint_every", 256)
	v.SetDefault("unit.checkpoint_period", time.Minute)
	v.SetDefault("unit.total_units", 0)
	v.SetDefault("unit.fail_after", 0)
	v.SetDefault("server.listen", ":50051")
	v.SetDefault("server.manifest", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "wubridge")
	v.SetDefault("tracing.service_version", version)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
}

// loadConfig merges the config file, WUBRIDGE_* environment variables and
// bound flags.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix("WUBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// newLogger builds the process logger from the log.* keys.
func newLogger(cfg *Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}
}

// setup loads the configuration and installs the default logger.
func (a *app) setup() (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(a.v, a.configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the upper-case work unit against a host runtime",
		Long: `Connect to the host runtime, resume from the last checkpoint if there
is one, and upper-case the input into the output one chunk per unit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runUnit(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("host", "", "host runtime address")
	cmd.Flags().String("app", "", "application name sent in the handshake")
	cmd.Flags().String("input", "", "logical name of the input file")
	cmd.Flags().String("output", "", "logical name of the output file")
	cmd.Flags().String("checkpoint", "", "logical name of the checkpoint file")
	cmd.Flags().Int("chunk-size", 0, "bytes per work unit")
	cmd.Flags().Int64("checkpoint-every", 0, "units between checkpoints")
	cmd.Flags().Duration("checkpoint-period", 0, "time between checkpoints")
	cmd.Flags().Int64("total-units", 0, "expected units, enables progress reports")
	cmd.Flags().Int64("fail-after", 0, "fail after this many units (testing)")
	bindFlags(a.v, cmd, map[string]string{
		"host":              "host.addr",
		"app":               "unit.app_name",
		"input":             "unit.input",
		"output":            "unit.output",
		"checkpoint":        "unit.checkpoint",
		"chunk-size":        "unit.chunk_size",
		"checkpoint-every":  "unit.checkpoint_every",
		"checkpoint-period": "unit.checkpoint_period",
		"total-units":       "unit.total_units",
		"fail-after":        "unit.fail_after",
	})
	return cmd
}

func runUnit(ctx context.Context, cfg *Config, logger *slog.Logger, out io.Writer) error {
	tp, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	progress := rate.Inf
	if cfg.Host.ProgressInterval > 0 {
		progress = rate.Every(cfg.Host.ProgressInterval)
	}
	client, err := bridge.Dial(cfg.Host.Addr,
		bridge.WithCallTimeout(cfg.Host.CallTimeout),
		bridge.WithInitRetries(cfg.Host.InitRetries),
		bridge.WithProgressRate(progress, 1),
		bridge.WithLogger(logger.With("component", "bridge")),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	mc := metrics.NewCollector(reg)

	unitCfg := task.Config{
		AppName: cfg.Unit.AppName,
		Files: []types.WorkUnitFile{
			{Role: types.RoleInput, LogicalName: cfg.Unit.Input},
			{Role: types.RoleOutput, LogicalName: cfg.Unit.Output, Mode: types.PersistRegular},
		},
		CheckpointName:   cfg.Unit.Checkpoint,
		OutputName:       cfg.Unit.Output,
		CheckpointEvery:  cfg.Unit.CheckpointEvery,
		CheckpointPeriod: cfg.Unit.CheckpointPeriod,
		TotalUnits:       cfg.Unit.TotalUnits,
	}
	ctrl := task.New(client, unitCfg,
		task.WithLogger(logger.With("component", "task")),
		task.WithMetrics(mc),
		task.WithTracer(tp.Tracer()),
	)

	if cfg.Metrics.Enabled {
		router := metrics.NewRouter(reg, func() error {
			if s := ctrl.State(); s != task.StateRunning {
				return fmt.Errorf("work unit is %s", s)
			}
			return nil
		})
		mctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := metrics.Serve(mctx, cfg.Metrics.Addr, router); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	w := worker.NewUpperCase(cfg.Unit.Input, cfg.Unit.ChunkSize)
	w.FailAfter = cfg.Unit.FailAfter

	outcome, err := ctrl.Execute(ctx, w)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "work unit finished: %d units, %d results, interrupted=%v\n",
		outcome.Cursor, len(outcome.Results), outcome.Interrupted)
	return nil
}

// ============================================================================
// host
// ============================================================================

func (a *app) buildHostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Serve the simulated host runtime for one work unit",
		Long: `Serve a work-unit manifest over gRPC. File mappings and scheduled events
come from the manifest; everything the client reports is recorded in SQLite.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.setup()
			if err != nil {
				return err
			}
			if cfg.Server.Manifest == "" {
				return errors.New("manifest is required (use --manifest)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveHost(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringP("manifest", "m", "", "work unit manifest (YAML)")
	cmd.Flags().String("listen", "", "gRPC listen address")
	bindFlags(a.v, cmd, map[string]string{
		"manifest": "server.manifest",
		"listen":   "server.listen",
	})
	return cmd
}

func serveHost(ctx context.Context, cfg *Config, logger *slog.Logger, out io.Writer) error {
	m, err := hostsim.LoadManifest(cfg.Server.Manifest)
	if err != nil {
		return err
	}
	store, err := hostsim.OpenStore(m.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	mc := metrics.NewCollector(reg)
	host := hostsim.New(m, store,
		hostsim.WithLogger(logger.With("component", "hostsim")),
		hostsim.WithMetrics(mc))
	srv := server.NewServer(host,
		server.WithLogger(logger.With("component", "server")),
		server.WithMetrics(mc))

	if cfg.Metrics.Enabled {
		router := metrics.NewRouter(reg, func() error {
			if _, done := host.Finished(); done {
				return errors.New("work unit finished")
			}
			return nil
		})
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, router); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	if err := srv.ListenAndServe(ctx, cfg.Server.Listen); err != nil {
		return err
	}

	if id := host.Session(); id != "" {
		sess, err := store.Session(id)
		if err != nil {
			return err
		}
		printSession(out, sess, srv.Activity())
	}
	return nil
}

func printSession(out io.Writer, sess *hostsim.Session, act server.Activity) {
	status := "running"
	if sess.Finished {
		status = fmt.Sprintf("finished (exit %d)", sess.ExitCode)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	table.Append([]string{"Session", sess.ID})
	table.Append([]string{"Application", sess.AppName})
	table.Append([]string{"Status", status})
	table.Append([]string{"Results", fmt.Sprint(sess.Results)})
	table.Append([]string{"Checkpoints", fmt.Sprint(sess.Checkpoints)})
	table.Append([]string{"Messages", fmt.Sprint(sess.Messages)})
	table.Append([]string{"Progress", fmt.Sprintf("%.1f%%", sess.LastFrac*100)})
	table.Append([]string{"Calls", fmt.Sprintf("%d (%d failed)", act.Calls, act.Failures)})
	table.Render()
}

// ============================================================================
// inspect
// ============================================================================

func (a *app) buildInspectCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <checkpoint-file>",
		Short: "Validate and print a checkpoint record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectCheckpoint(cmd.OutOrStdout(), args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	return cmd
}

func inspectCheckpoint(out io.Writer, path string, asJSON bool) error {
	rec, err := checkpoint.NewStore(path).TryResume()
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no checkpoint at %s", path)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	aux := "-"
	if len(rec.Aux) > 0 {
		aux = string(rec.Aux)
	}
	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append([]string{"Path", path})
	table.Append([]string{"Schema", fmt.Sprint(checkpoint.SchemaVersion)})
	table.Append([]string{"Sequence", fmt.Sprint(rec.Seq)})
	table.Append([]string{"Cursor", fmt.Sprint(rec.Cursor)})
	table.Append([]string{"Output offset", fmt.Sprint(rec.OutputOffset)})
	table.Append([]string{"Updated", time.UnixMilli(rec.UpdatedAt).UTC().Format(time.RFC3339)})
	table.Append([]string{"Aux", aux})
	table.Render()
	return nil
}
