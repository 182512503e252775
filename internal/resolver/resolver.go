// Package resolver maps declared work-unit files to the physical paths the
// host runtime assigned to this execution instance.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// Source answers resolution requests. bridge.Bridge satisfies it.
type Source interface {
	ResolveFileName(ctx context.Context, role types.FileRole, logicalName string) (string, error)
}

type key struct {
	role types.FileRole
	name string
}

// Resolver caches resolved paths for the lifetime of the process. Paths are
// never persisted: after a restart every file is resolved again.
type Resolver struct {
	src   Source
	log   *slog.Logger
	mu    sync.Mutex
	paths map[key]string
}

// New returns a Resolver backed by src.
func New(src Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default().With("component", "resolver")
	}
	return &Resolver{
		src:   src,
		log:   logger,
		paths: make(map[key]string),
	}
}

// Resolve returns the physical path for role and logicalName. Repeated calls
// with the same arguments return the same path without asking the host again.
func (r *Resolver) Resolve(ctx context.Context, role types.FileRole, logicalName string) (string, error) {
	if !role.Valid() {
		return "", &errcode.UnresolvedFileError{Role: role, LogicalName: logicalName,
			Err: errcode.Violation("invalid file role")}
	}
	if logicalName == "" {
		return "", &errcode.UnresolvedFileError{Role: role,
			Err: errcode.Violation("empty logical name")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{role, logicalName}
	if p, ok := r.paths[k]; ok {
		return p, nil
	}

	p, err := r.src.ResolveFileName(ctx, role, logicalName)
	if err != nil {
		return "", &errcode.UnresolvedFileError{Role: role, LogicalName: logicalName, Err: err}
	}
	if p == "" {
		return "", &errcode.UnresolvedFileError{Role: role, LogicalName: logicalName,
			Err: errors.New("host returned an empty path")}
	}

	r.paths[k] = p
	r.log.Info("resolved file", "role", role, "logical_name", logicalName, "path", p)
	return p, nil
}

// ResolveAll resolves every declared file and returns copies with
// PhysicalPath set. It stops at the first failure.
func (r *Resolver) ResolveAll(ctx context.Context, files []types.WorkUnitFile) ([]types.WorkUnitFile, error) {
	out := make([]types.WorkUnitFile, 0, len(files))
	for _, f := range files {
		p, err := r.Resolve(ctx, f.Role, f.LogicalName)
		if err != nil {
			return nil, err
		}
		f.PhysicalPath = p
		out = append(out, f)
	}
	return out, nil
}

// Lookup returns a path resolved earlier, without contacting the host.
func (r *Resolver) Lookup(role types.FileRole, logicalName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[key{role, logicalName}]
	return p, ok
}
