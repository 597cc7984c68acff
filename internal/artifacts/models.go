package artifacts

import (
	"errors"
	"image"
	"time"
)

var (
	// ErrNoArtifact indicates nothing has been published yet.
	ErrNoArtifact = errors.New("no artifact published")

	// ErrDestinationUnwritable indicates a save or export target rejected the write.
	ErrDestinationUnwritable = errors.New("destination unwritable")

	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("artifact manager is closed")
)

// Artifact is a compiled output held in the retained store. Artifacts are
// never mutated; a newer compile produces a new Artifact.
type Artifact struct {
	ID          string
	Path        string
	Checksum    string
	Size        int64
	ContentType string
	CreatedAt   time.Time

	// AttemptID is the compile attempt that produced the artifact.
	AttemptID uint64

	preview image.Image
}

// Preview returns the decoded image for on-screen display.
func (a *Artifact) Preview() image.Image {
	if a == nil {
		return nil
	}
	return a.preview
}

// State is the published state of a Manager.
type State int

const (
	StateEmpty State = iota
	StatePublished
)

func (s State) String() string {
	if s == StatePublished {
		return "published"
	}
	return "empty"
}
