package artifacts

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cochaviz/aibmoe/internal/logging"
)

// ExportName is the file name given to ephemeral export copies.
const ExportName = "magic.png"

// Manager owns the currently published artifact and serves preview, save and
// export requests against it.
//
// Publication swaps a pointer: readers that already hold the previous artifact
// keep a stable file until they release it, after which it is removed.
type Manager struct {
	logger    *slog.Logger
	store     *LocalStore
	exportDir string

	mu        sync.Mutex
	current   *Artifact
	refs      map[string]int
	retired   map[string]*Artifact
	published int
	closed    bool
}

// NewManager creates a manager retaining artifacts in a fresh session
// directory under artifactRoot. Export copies are created under exportRoot.
func NewManager(artifactRoot, exportRoot string, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(artifactRoot) == "" {
		return nil, errors.New("artifact directory is required")
	}
	if strings.TrimSpace(exportRoot) == "" {
		return nil, errors.New("export directory is required")
	}
	baseDir := filepath.Join(artifactRoot, "session-"+uuid.NewString())
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &Manager{
		logger:    logging.Component(logger, "artifacts"),
		store:     &LocalStore{BaseDir: baseDir},
		exportDir: exportRoot,
		refs:      make(map[string]int),
		retired:   make(map[string]*Artifact),
	}, nil
}

// Dir returns the directory holding retained artifacts.
func (m *Manager) Dir() string {
	return m.store.BaseDir
}

// Stage copies the file at src into the retained store without publishing it.
// The returned artifact must be passed to Publish or Discard.
func (m *Manager) Stage(src string, preview image.Image, attemptID uint64) (*Artifact, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	artifact, err := m.store.StoreArtifact(src, attemptID)
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	artifact.preview = preview
	return artifact, nil
}

// Discard removes a staged artifact that will never be published.
func (m *Manager) Discard(artifact *Artifact) {
	if err := m.store.RemoveArtifact(artifact); err != nil {
		m.logger.Warn("failed to discard staged artifact", "artifact", artifact.ID, "error", err)
	}
}

// Publish makes artifact the current one. The previous artifact is removed
// once no save or export still reads it.
func (m *Manager) Publish(artifact *Artifact) error {
	if artifact == nil {
		return errors.New("artifact is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.Discard(artifact)
		return ErrClosed
	}
	previous := m.current
	m.current = artifact
	m.published++
	removeNow := false
	if previous != nil {
		if m.refs[previous.ID] > 0 {
			m.retired[previous.ID] = previous
		} else {
			removeNow = true
		}
	}
	m.mu.Unlock()

	m.logger.Info("artifact published",
		"artifact", artifact.ID,
		"attempt", artifact.AttemptID,
		"size", artifact.Size,
		"sha256", artifact.Checksum,
	)
	if removeNow {
		m.Discard(previous)
	}
	return nil
}

// Current returns the published artifact, if any. Its metadata and Preview stay
// valid, but the file at Path may be removed as soon as a newer artifact is
// published. Read the file through Use instead.
func (m *Manager) Current() (*Artifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// State reports whether an artifact has been published.
func (m *Manager) State() State {
	if _, ok := m.Current(); ok {
		return StatePublished
	}
	return StateEmpty
}

// Use calls fn with the published artifact and keeps its file on disk until fn
// returns, even if a newer artifact is published meanwhile.
func (m *Manager) Use(fn func(*Artifact) error) error {
	artifact, err := m.acquire()
	if err != nil {
		return err
	}
	defer m.release(artifact)
	return fn(artifact)
}

// PublishedCount returns how many artifacts have been published this session.
func (m *Manager) PublishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// Save copies the current artifact byte for byte to dest.
func (m *Manager) Save(dest string) (*Artifact, error) {
	artifact, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer m.release(artifact)

	if strings.TrimSpace(dest) == "" {
		return nil, fmt.Errorf("%w: destination path is required", ErrDestinationUnwritable)
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrDestinationUnwritable, dest)
	}
	if _, _, err := copyFile(artifact.Path, dest); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDestinationUnwritable, dest, err)
	}
	m.logger.Info("artifact saved", "artifact", artifact.ID, "destination", dest)
	return artifact, nil
}

// ExportEphemeralCopy copies the current artifact into a new directory under
// the export root and returns the copy's path. The caller owns the copy and
// should remove it with DisposeExport when done.
func (m *Manager) ExportEphemeralCopy() (string, error) {
	artifact, err := m.acquire()
	if err != nil {
		return "", err
	}
	defer m.release(artifact)

	if err := os.MkdirAll(m.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}
	dir := filepath.Join(m.exportDir, uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}
	path := filepath.Join(dir, ExportName)
	if _, _, err := copyFile(artifact.Path, path); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}
	m.logger.Debug("artifact exported", "artifact", artifact.ID, "path", path)
	return path, nil
}

// DisposeExport removes a copy returned by ExportEphemeralCopy.
func DisposeExport(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Dir(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close removes every retained artifact. Export copies are left to their owners.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.current = nil
	m.retired = make(map[string]*Artifact)
	m.mu.Unlock()

	return m.store.Clear()
}

func (m *Manager) acquire() (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.current == nil {
		return nil, ErrNoArtifact
	}
	m.refs[m.current.ID]++
	return m.current, nil
}

func (m *Manager) release(artifact *Artifact) {
	m.mu.Lock()
	m.refs[artifact.ID]--
	if m.refs[artifact.ID] > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.refs, artifact.ID)
	retired, ok := m.retired[artifact.ID]
	delete(m.retired, artifact.ID)
	m.mu.Unlock()

	if ok {
		m.Discard(retired)
	}
}
