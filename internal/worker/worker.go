// ============================================================================
// workunit-bridge Sample Worker - upper-case transform
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: the work unit payload run by `wubridge run`: reads the declared
//           input in fixed-size chunks and writes each chunk upper-cased to
//           the controller's output writer.
//
// Unit of work:
//   One chunk. Step reads up to ChunkSize bytes, transforms them and writes
//   them out; the input offset advances by the bytes read.
//
// Checkpoint state:
//   Aux = {"input_offset": N}. Since every input byte produces exactly one
//   output byte, N always equals the checkpoint's output offset; the worker
//   still stores its own offset so the pairing is checked on resume.
//
// Failure simulation:
//   FailAfter > 0 makes Step fail once that many units ran in this process,
//   for crash/resume demos.
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ChuLiYu/workunit-bridge/internal/task"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

const DefaultChunkSize = 4096

// ErrSimulatedCrash is returned by Step once FailAfter units have run.
var ErrSimulatedCrash = errors.New("worker: simulated crash")

type auxState struct {
	InputOffset int64 `json:"input_offset"`
}

// UpperCase implements task.Worker.
type UpperCase struct {
	InputName string
	ChunkSize int
	FailAfter int64

	in     *os.File
	out    io.Writer
	buf    []byte
	offset int64 // input bytes consumed
	units  int64 // units run by this process
	log    *slog.Logger

	messages []string
}

// NewUpperCase returns a worker reading the declared input inputName.
func NewUpperCase(inputName string, chunkSize int) *UpperCase {
	return &UpperCase{InputName: inputName, ChunkSize: chunkSize}
}

func (w *UpperCase) Open(env task.Env) error {
	if w.log == nil {
		w.log = slog.Default().With("component", "worker")
	}
	if env.Output == nil {
		return errors.New("worker: no output declared")
	}
	path, ok := env.Path(types.RoleInput, w.InputName)
	if !ok {
		return fmt.Errorf("worker: input %q is not a declared file", w.InputName)
	}

	var st auxState
	if env.Resume != nil && len(env.Resume.Aux) > 0 {
		if err := json.Unmarshal(env.Resume.Aux, &st); err != nil {
			return fmt.Errorf("worker: decode checkpoint state: %w", err)
		}
		if st.InputOffset < 0 || st.InputOffset != env.Resume.OutputOffset {
			return fmt.Errorf("worker: checkpoint input offset %d does not match output offset %d",
				st.InputOffset, env.Resume.OutputOffset)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("worker: open input: %w", err)
	}
	if _, err := f.Seek(st.InputOffset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("worker: seek input: %w", err)
	}

	size := w.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	w.in = f
	w.out = env.Output
	w.buf = make([]byte, size)
	w.offset = st.InputOffset

	w.log.Info("input opened", "path", path, "offset", w.offset, "chunk_size", size)
	return nil
}

func (w *UpperCase) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if w.FailAfter > 0 && w.units >= w.FailAfter {
		return false, ErrSimulatedCrash
	}

	n, err := io.ReadFull(w.in, w.buf)
	if n == 0 {
		if err == io.EOF {
			return true, nil
		}
		return false, fmt.Errorf("worker: read input: %w", err)
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return false, fmt.Errorf("worker: read input: %w", err)
	}

	if _, err := w.out.Write(bytes.ToUpper(w.buf[:n])); err != nil {
		return false, fmt.Errorf("worker: write output: %w", err)
	}
	w.offset += int64(n)
	w.units++
	return false, nil
}

func (w *UpperCase) State() (json.RawMessage, error) {
	return json.Marshal(auxState{InputOffset: w.offset})
}

// HandleMessage logs host messages; they carry no instructions for this worker.
func (w *UpperCase) HandleMessage(text string) {
	w.messages = append(w.messages, text)
	w.log.Info("message from host", "text", text)
}

// Offset returns the number of input bytes consumed.
func (w *UpperCase) Offset() int64 {
	return w.offset
}

func (w *UpperCase) Close() error {
	if w.in == nil {
		return nil
	}
	err := w.in.Close()
	w.in = nil
	return err
}

// UnitsFor returns the number of units needed for an input of size bytes.
func UnitsFor(size int64, chunkSize int) int64 {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return (size + int64(chunkSize) - 1) / int64(chunkSize)
}
