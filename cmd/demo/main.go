// Command demo shows a work unit surviving a crash: the first attempt fails
// midway, the second resumes from the last checkpoint and the output comes
// out exactly as if nothing had happened.
//
//	go run ./cmd/demo [work-dir]
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/workunit-bridge/internal/hostsim"
	"github.com/ChuLiYu/workunit-bridge/internal/task"
	"github.com/ChuLiYu/workunit-bridge/internal/worker"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

const (
	chunkSize = 64
	failAfter = 37
)

func main() {
	dir, err := workDir()
	if err != nil {
		log.Fatalf("Failed to prepare work directory: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	text := strings.Repeat("all work and no checkpoints makes jack a dull boy\n", 120)
	input := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(input, []byte(text), 0o644); err != nil {
		log.Fatalf("Failed to write input: %v", err)
	}
	total := worker.UnitsFor(int64(len(text)), chunkSize)

	manifest := fmt.Sprintf(`
app_name: uppercase
slot_dir: %s
files:
  - {role: input, logical_name: in.txt, path: %s}
  - {role: output, logical_name: out.txt}
  - {role: temporary, logical_name: state.ckpt}
events:
  - {after_polls: 20, kind: message, text: "host is watching"}
`, dir, input)

	fmt.Printf("Work directory: %s (%d units of %d bytes)\n\n", dir, total, chunkSize)

	fmt.Printf("Attempt 1: crashing after %d units\n", failAfter)
	w := worker.NewUpperCase("in.txt", chunkSize)
	w.FailAfter = failAfter
	outcome, err := attempt(manifest, total, w)
	if !errors.Is(err, worker.ErrSimulatedCrash) {
		log.Fatalf("Expected a simulated crash, got %v", err)
	}
	fmt.Printf("  ✗ failed with exit code %d at unit %d\n\n", outcome.ExitCode, outcome.Cursor)

	fmt.Println("Attempt 2: resuming")
	w = worker.NewUpperCase("in.txt", chunkSize)
	outcome, err = attempt(manifest, total, w)
	if err != nil {
		log.Fatalf("Resume failed: %v", err)
	}
	fmt.Printf("  ✓ finished at unit %d with %d result(s)\n\n", outcome.Cursor, len(outcome.Results))

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		log.Fatalf("Failed to read output: %v", err)
	}
	if string(data) != strings.ToUpper(text) {
		log.Fatalf("Output differs from the expected transform")
	}
	fmt.Printf("Output verified: %d bytes, no unit lost or repeated\n", len(data))
}

// attempt runs one process lifetime of the work unit against a fresh host
// session.
func attempt(manifest string, total int64, w *worker.UpperCase) (types.TaskOutcome, error) {
	m, err := hostsim.ParseManifest([]byte(manifest))
	if err != nil {
		return types.TaskOutcome{}, err
	}
	store, err := hostsim.OpenStore(m.DatabasePath())
	if err != nil {
		return types.TaskOutcome{}, err
	}
	defer store.Close()

	host := hostsim.New(m, store)
	cfg := task.Config{
		AppName: "uppercase",
		Files: []types.WorkUnitFile{
			{Role: types.RoleInput, LogicalName: "in.txt"},
			{Role: types.RoleOutput, LogicalName: "out.txt"},
		},
		CheckpointName:  "state.ckpt",
		OutputName:      "out.txt",
		CheckpointEvery: 10,
		TotalUnits:      total,
	}

	outcome, err := task.New(host, cfg).Execute(context.Background(), w)
	if id := host.Session(); id != "" {
		if sess, serr := store.Session(id); serr == nil {
			fmt.Printf("  host: %d checkpoints, progress %.0f%%\n", sess.Checkpoints, sess.LastFrac*100)
		}
	}
	return outcome, err
}

func workDir() (string, error) {
	if len(os.Args) > 1 {
		dir := os.Args[1]
		return dir, os.MkdirAll(dir, 0o755)
	}
	return os.MkdirTemp("", "wubridge-demo-*")
}
