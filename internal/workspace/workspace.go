// Package workspace hands out disposable scratch directories, one per compile
// attempt. Workspaces are never reused and live under a per-session directory
// that is removed when the manager is closed.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cochaviz/aibmoe/internal/logging"
)

var (
	// ErrAllocationFailed indicates the filesystem refused to create a workspace.
	ErrAllocationFailed = errors.New("workspace allocation failed")

	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("workspace manager is closed")

	// ErrForeignWorkspace indicates a workspace not allocated by this manager.
	ErrForeignWorkspace = errors.New("workspace not owned by this manager")
)

// Workspace is an exclusively owned scratch directory.
type Workspace struct {
	ID  string
	Dir string
}

// Path joins name onto the workspace directory.
func (w Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Manager allocates and disposes workspaces.
type Manager struct {
	logger     *slog.Logger
	sessionDir string

	mu     sync.Mutex
	live   map[string]Workspace
	closed bool
}

// NewManager creates a session directory below root. Sessions never share a
// directory, so concurrent processes using the same root cannot collide.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: root directory is required", ErrAllocationFailed)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root %s: %v", ErrAllocationFailed, root, err)
	}
	sessionDir := filepath.Join(root, "session-"+uuid.NewString())
	if err := os.Mkdir(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create session directory: %v", ErrAllocationFailed, err)
	}

	logger = logging.Component(logger, "workspace")
	logger.Debug("workspace session created", "dir", sessionDir)
	return &Manager{
		logger:     logger,
		sessionDir: sessionDir,
		live:       make(map[string]Workspace),
	}, nil
}

// SessionDir returns the directory holding this manager's workspaces.
func (m *Manager) SessionDir() string {
	return m.sessionDir
}

// Allocate creates a fresh, empty workspace.
func (m *Manager) Allocate() (Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Workspace{}, ErrManagerClosed
	}

	id := uuid.NewString()
	dir := filepath.Join(m.sessionDir, id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return Workspace{}, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	ws := Workspace{ID: id, Dir: dir}
	m.live[id] = ws
	m.logger.Debug("workspace allocated", "workspace", id)
	return ws, nil
}

// Dispose removes ws and everything inside it. Disposing a workspace that is
// already gone, partly or entirely, is not an error.
func (m *Manager) Dispose(ws Workspace) error {
	if ws.Dir == "" {
		return nil
	}
	if filepath.Dir(ws.Dir) != m.sessionDir {
		return fmt.Errorf("%w: %s", ErrForeignWorkspace, ws.Dir)
	}
	if err := os.RemoveAll(ws.Dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("dispose workspace %s: %w", ws.ID, err)
	}

	m.mu.Lock()
	delete(m.live, ws.ID)
	m.mu.Unlock()

	m.logger.Debug("workspace disposed", "workspace", ws.ID)
	return nil
}

// Live lists workspaces that have been allocated and not yet disposed.
func (m *Manager) Live() []Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Workspace, 0, len(m.live))
	for _, ws := range m.live {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close removes the session directory, including workspaces that were never
// disposed. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	leaked := len(m.live)
	m.live = make(map[string]Workspace)
	m.mu.Unlock()

	if leaked > 0 {
		m.logger.Warn("removing undisposed workspaces at session end", "count", leaked)
	}
	if err := os.RemoveAll(m.sessionDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove workspace session: %w", err)
	}
	return nil
}
