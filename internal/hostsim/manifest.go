package hostsim

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/workunit-bridge/internal/bridge"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// Event kinds accepted in a manifest schedule.
const (
	EventCheckpoint = "checkpoint"
	EventFinish     = "finish"
	EventMessage    = "message"
)

// Manifest describes one work unit as the host sees it.
//
// Example:
//
//	app_name: uppercase
//	slot_dir: /var/lib/wubridge/slot0
//	files:
//	  - {role: input, logical_name: in.txt, path: /data/book.txt}
//	  - {role: output, logical_name: out.txt}
//	  - {role: temporary, logical_name: state.ckpt}
//	events:
//	  - {after_polls: 500, kind: checkpoint}
//	  - {after_polls: 900, kind: finish}
type Manifest struct {
	AppName         string           `yaml:"app_name"`
	SlotDir         string           `yaml:"slot_dir"`
	ProtocolVersion int              `yaml:"protocol_version"`
	Database        string           `yaml:"database"`
	Files           []ManifestFile   `yaml:"files"`
	Events          []ScheduledEvent `yaml:"events"`
}

// ManifestFile maps a logical file to a physical path. A relative or empty
// path is placed in the slot directory.
type ManifestFile struct {
	Role        types.FileRole `yaml:"role"`
	LogicalName string         `yaml:"logical_name"`
	Path        string         `yaml:"path"`
}

// ScheduledEvent is raised once the client has polled AfterPolls times.
type ScheduledEvent struct {
	AfterPolls int    `yaml:"after_polls"`
	Kind       string `yaml:"kind"`
	Text       string `yaml:"text"`
}

// LoadManifest reads and validates a YAML manifest. Relative paths in the
// manifest are taken relative to the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hostsim: read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if m.SlotDir == "" {
		m.SlotDir = filepath.Dir(path)
	} else if !filepath.IsAbs(m.SlotDir) {
		m.SlotDir = filepath.Join(filepath.Dir(path), m.SlotDir)
	}
	return m, nil
}

// ParseManifest decodes a manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("hostsim: parse manifest: %w", err)
	}
	if m.ProtocolVersion == 0 {
		m.ProtocolVersion = bridge.ProtocolVersion
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	sort.SliceStable(m.Events, func(i, j int) bool {
		return m.Events[i].AfterPolls < m.Events[j].AfterPolls
	})
	return &m, nil
}

// Validate checks roles, names and the event schedule.
func (m *Manifest) Validate() error {
	seen := make(map[fileKey]bool)
	for _, f := range m.Files {
		if !f.Role.Valid() {
			return fmt.Errorf("hostsim: file %q: unknown role %q", f.LogicalName, f.Role)
		}
		if f.LogicalName == "" {
			return errors.New("hostsim: file without logical_name")
		}
		k := fileKey{f.Role, f.LogicalName}
		if seen[k] {
			return fmt.Errorf("hostsim: %s file %q listed twice", f.Role, f.LogicalName)
		}
		seen[k] = true
	}
	for i, ev := range m.Events {
		switch ev.Kind {
		case EventCheckpoint, EventFinish, EventMessage:
		default:
			return fmt.Errorf("hostsim: event %d: unknown kind %q", i, ev.Kind)
		}
		if ev.AfterPolls < 0 {
			return fmt.Errorf("hostsim: event %d: after_polls must not be negative", i)
		}
	}
	return nil
}

// PhysicalPath returns where f lives on disk.
func (m *Manifest) PhysicalPath(f ManifestFile) string {
	switch {
	case f.Path == "":
		return filepath.Join(m.SlotDir, f.LogicalName)
	case filepath.IsAbs(f.Path):
		return f.Path
	default:
		return filepath.Join(m.SlotDir, f.Path)
	}
}

// DatabasePath returns the SQLite file of the host records.
func (m *Manifest) DatabasePath() string {
	switch {
	case m.Database == "":
		return filepath.Join(m.SlotDir, "host.db")
	case filepath.IsAbs(m.Database):
		return m.Database
	default:
		return filepath.Join(m.SlotDir, m.Database)
	}
}
