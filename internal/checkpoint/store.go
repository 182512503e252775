package checkpoint

// ============================================================================
// Checkpoint Store
// Responsibilities:
// 1. Serialize the CheckpointRecord into a checksummed JSON envelope
// 2. Commit it with temp file + fsync + rename + dir fsync (never torn)
// 3. Sync every pending output before the record is committed
// 4. On startup, read strictly; corruption is reported, never defaulted
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// SchemaVersion of the on-disk envelope.
const SchemaVersion = 1

// ErrSyncPending is wrapped when a pending output could not be synced. The
// previous checkpoint is left untouched in that case.
var ErrSyncPending = errors.New("checkpoint: pending output not durable")

// Syncer is anything whose buffered data must be durable before a checkpoint
// referencing it is committed. output.Sink implements it.
type Syncer interface {
	Sync() error
}

// envelope is the file layout. Checksum is CRC32-IEEE of the compact record.
type envelope struct {
	SchemaVer int             `json:"schema_ver"`
	Checksum  uint32          `json:"checksum"`
	Record    json.RawMessage `json:"record"`
}

// Store owns one checkpoint file. A process running several work loops
// needs one Store (and one file) per loop.
type Store struct {
	path string
	mu   sync.Mutex
	seq  uint64
	now  func() time.Time
}

// NewStore returns a store for the checkpoint file at path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a committed checkpoint file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// TryResume loads the last committed record.
//
// Behaviour:
//   - no file: (nil, nil), a fresh start
//   - unreadable, malformed, wrong schema, checksum mismatch: *errcode.CheckpointCorruptError
//
// A successful resume continues the commit sequence from the stored Seq.
func (s *Store) TryResume() (*types.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, s.corrupt("unreadable", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, s.corrupt("empty file", nil)
	}

	var env envelope
	if err := decodeStrict(raw, &env); err != nil {
		return nil, s.corrupt("malformed envelope", err)
	}
	if env.SchemaVer != SchemaVersion {
		return nil, s.corrupt(fmt.Sprintf("schema version %d, want %d", env.SchemaVer, SchemaVersion), nil)
	}
	if len(env.Record) == 0 {
		return nil, s.corrupt("missing record", nil)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Record); err != nil {
		return nil, s.corrupt("malformed record", err)
	}
	if sum := crc32.ChecksumIEEE(compact.Bytes()); sum != env.Checksum {
		return nil, s.corrupt(fmt.Sprintf("checksum mismatch (stored=%08x, computed=%08x)", env.Checksum, sum), nil)
	}

	var rec types.CheckpointRecord
	if err := decodeStrict(compact.Bytes(), &rec); err != nil {
		return nil, s.corrupt("malformed record", err)
	}
	if rec.Cursor < 0 || rec.OutputOffset < 0 {
		return nil, s.corrupt(fmt.Sprintf("negative position (cursor=%d, output_offset=%d)", rec.Cursor, rec.OutputOffset), nil)
	}

	s.seq = rec.Seq
	return &rec, nil
}

// Persist commits rec as the new checkpoint and returns the stored copy
// (with Seq and UpdatedAt filled in).
//
// Every pending Syncer is synced first; if any fails, nothing is written and
// the previous checkpoint stays in place. A crash at any point leaves either
// the previous or the new record on disk.
func (s *Store) Persist(rec types.CheckpointRecord, pending ...Syncer) (types.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pending {
		if err := p.Sync(); err != nil {
			return types.CheckpointRecord{}, fmt.Errorf("%w: %v", ErrSyncPending, err)
		}
	}

	rec.Seq = s.seq + 1
	rec.UpdatedAt = s.now().UnixMilli()

	body, err := json.Marshal(rec)
	if err != nil {
		return types.CheckpointRecord{}, fmt.Errorf("checkpoint: marshal record: %w", err)
	}
	data, err := json.MarshalIndent(envelope{
		SchemaVer: SchemaVersion,
		Checksum:  crc32.ChecksumIEEE(body),
		Record:    body,
	}, "", "  ")
	if err != nil {
		return types.CheckpointRecord{}, fmt.Errorf("checkpoint: marshal envelope: %w", err)
	}

	if err := writeFileAtomicDurable(s.path, data, 0o644); err != nil {
		return types.CheckpointRecord{}, fmt.Errorf("checkpoint: commit %s: %w", s.path, err)
	}
	s.seq = rec.Seq
	return rec, nil
}

func (s *Store) corrupt(reason string, err error) error {
	return &errcode.CheckpointCorruptError{Path: s.path, Reason: reason, Err: err}
}

// ============================================================================
// File helpers
// ============================================================================

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing content")
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
