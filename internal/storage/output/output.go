package output

// ============================================================================
// Output Sink
// Responsibilities:
// 1. Own the work unit's primary output file for the process lifetime
// 2. On resume, cut the file back to the last checkpointed offset
// 3. Buffer writes; Sync makes everything accepted so far durable
// 4. Track accepted vs durable byte offsets for the checkpoint record
// ============================================================================

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
)

// FileInterface is the subset of *os.File the sink needs after opening.
// Tests substitute it to inject write or sync failures.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Predefined errors
var (
	// ErrClosed is returned by operations on a closed sink.
	ErrClosed = errors.New("output: sink closed")
)

const bufferSize = 64 << 10

// Sink is an append-only buffered writer over one output file.
type Sink struct {
	mu      sync.Mutex
	file    FileInterface
	buf     *bufio.Writer
	path    string
	offset  int64 // bytes accepted by Write
	durable int64 // bytes known to be on stable storage
	closed  bool
}

// Open opens (or creates, with its directory) the output file at path and
// positions it at resumeOffset, discarding anything written after that point
// by a previous, interrupted run.
//
// A file shorter than resumeOffset means a checkpoint claims output that
// never became durable; that is reported as *errcode.CheckpointCorruptError.
func Open(path string, resumeOffset int64) (*Sink, error) {
	if resumeOffset < 0 {
		return nil, fmt.Errorf("output: negative resume offset %d", resumeOffset)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("output: create dir for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("output: open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("output: stat %s: %w", path, err)
	}
	if stat.Size() < resumeOffset {
		file.Close()
		return nil, &errcode.CheckpointCorruptError{
			Path:   path,
			Reason: fmt.Sprintf("output has %d bytes, checkpoint claims %d", stat.Size(), resumeOffset),
		}
	}

	if err := file.Truncate(resumeOffset); err != nil {
		file.Close()
		return nil, fmt.Errorf("output: truncate %s: %w", path, err)
	}
	if _, err := file.Seek(resumeOffset, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("output: seek %s: %w", path, err)
	}
	// The truncation itself must be durable before new bytes count.
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("output: sync %s: %w", path, err)
	}

	s := NewSink(file, resumeOffset)
	s.path = path
	return s, nil
}

// NewSink wraps an already positioned file whose first offset bytes are
// durable.
func NewSink(file FileInterface, offset int64) *Sink {
	return &Sink{
		file:    file,
		buf:     bufio.NewWriterSize(file, bufferSize),
		offset:  offset,
		durable: offset,
	}
}

// Write buffers p. Nothing written here is durable until Sync returns.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.buf.Write(p)
	s.offset += int64(n)
	if err != nil {
		return n, fmt.Errorf("output: write: %w", err)
	}
	return n, nil
}

// Sync flushes the buffer and fsyncs the file.
func (s *Sink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.syncLocked()
}

func (s *Sink) syncLocked() error {
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("output: flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("output: fsync: %w", err)
	}
	s.durable = s.offset
	return nil
}

// Offset returns the number of bytes accepted so far.
func (s *Sink) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// DurableOffset returns the number of bytes known to be on stable storage.
func (s *Sink) DurableOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable
}

// Dirty reports whether bytes have been accepted since the last Sync.
func (s *Sink) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset != s.durable
}

// Path returns the file path, empty for sinks built with NewSink.
func (s *Sink) Path() string {
	return s.path
}

// Close syncs and closes the file. Closing twice is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	syncErr := s.syncLocked()
	closeErr := s.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
