// Package workspace manages the scratch files and directories a pipeline run
// allocates for uploaded artifacts and generated documents. Paths are unique
// across concurrent runs, and Release is safe to call on every exit path.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

type Manager struct {
	root   string
	logger *slog.Logger
}

func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root %q: %w", root, err)
	}

	return &Manager{
		root:   root,
		logger: logger.With("component", "workspace"),
	}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// Allocate reserves a unique path under the workspace root. Nothing is created
// at the path; callers decide whether it becomes a file or a directory. The
// timestamp plus random token guarantees no collision between concurrent runs.
func (m *Manager) Allocate(prefix string) string {
	name := fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), uuid.NewString()[:8])

	return filepath.Join(m.root, name)
}

// AllocateDir reserves a unique path and creates it as a directory.
func (m *Manager) AllocateDir(prefix string) (string, error) {
	path := m.Allocate(prefix)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace directory %q: %w", path, err)
	}

	return path, nil
}

// Release removes a previously allocated file or directory. It is idempotent:
// a path that is already gone is not an error. The returned error is only for
// logging; callers must never let a release failure mask the pipeline outcome.
func (m *Manager) Release(path string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace path %q: %w", path, err)
	}

	m.logger.Debug("Workspace path released", "path", path)

	return nil
}
