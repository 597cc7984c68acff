package compile

import (
	"context"
	"image"

	"github.com/cochaviz/aibmoe/internal/artifacts"
	"github.com/cochaviz/aibmoe/internal/slot"
)

// State is the lifecycle position of an Attempt.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Inputs is the immutable copy of both slots taken when an attempt is triggered.
type Inputs struct {
	Primary         image.Image
	Secondary       image.Image
	PrimarySource   string
	SecondarySource string
	Revision        uint64
}

func snapshotInputs(pair slot.Pair) Inputs {
	return Inputs{
		Primary:         slot.Clone(pair.Primary.Image()),
		Secondary:       slot.Clone(pair.Secondary.Image()),
		PrimarySource:   pair.Primary.Source(),
		SecondarySource: pair.Secondary.Source(),
		Revision:        pair.Revision,
	}
}

// Attempt is one compile. Its fields are guarded by the owning orchestrator;
// read them through Status.
type Attempt struct {
	id     uint64
	inputs Inputs
	done   chan struct{}

	// guarded by Orchestrator.mu
	state        State
	superseded   bool
	artifactPath string
	err          *Error
	workspaceDir string
}

// ID returns the attempt's monotonically increasing id.
func (a *Attempt) ID() uint64 { return a.id }

// Inputs returns the snapshot the attempt compiles.
func (a *Attempt) Inputs() Inputs { return a.inputs }

// Done is closed once the attempt's outcome has been published or discarded.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until Done or ctx ends.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttemptStatus is a point-in-time view of an Attempt.
type AttemptStatus struct {
	ID           uint64
	State        State
	Superseded   bool
	ArtifactPath string
	Err          *Error
	WorkspaceDir string
}

// outcome is what a background worker hands to the foreground publish step.
type outcome struct {
	staged *artifacts.Artifact
	err    *Error
}
