// Package compile coordinates the two input slots into one published output.
//
// An Orchestrator is driven from a single foreground context (see Dispatcher).
// Every complete slot change triggers a new Attempt that runs on a bounded
// pool of background workers. Attempts are never preempted; instead the most
// recently triggered attempt is the only one allowed to publish, and that is
// checked again on the foreground when its result arrives.
package compile

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cochaviz/aibmoe/internal/artifacts"
	"github.com/cochaviz/aibmoe/internal/logging"
	"github.com/cochaviz/aibmoe/internal/packer"
	"github.com/cochaviz/aibmoe/internal/slot"
	"github.com/cochaviz/aibmoe/internal/workspace"
)

const (
	primaryInputName   = "primary.png"
	secondaryInputName = "secondary.png"
	outputName         = "output.png"

	DefaultWorkers = 2
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.Component(logger, "compile") }
}

// WithWorkers bounds how many attempts may run the packing primitive at once.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// Orchestrator owns compile attempts and drives them to a published artifact.
type Orchestrator struct {
	logger     *slog.Logger
	packer     packer.Packer
	workspaces *workspace.Manager
	artifacts  *artifacts.Manager
	dispatch   Dispatcher
	workers    int
	sem        *semaphore.Weighted

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	nextID    uint64
	latest    *Attempt
	active    map[uint64]*Attempt
	triggered int
	busy      bool
	lastErr   *Error
	listeners []Listener
	closed    bool
}

// New wires an orchestrator. All arguments are required.
func New(p packer.Packer, ws *workspace.Manager, am *artifacts.Manager, d Dispatcher, opts ...Option) (*Orchestrator, error) {
	switch {
	case p == nil:
		return nil, errors.New("packer is required")
	case ws == nil:
		return nil, errors.New("workspace manager is required")
	case am == nil:
		return nil, errors.New("artifact manager is required")
	case d == nil:
		return nil, errors.New("dispatcher is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:     logging.Component(nil, "compile"),
		packer:     p,
		workspaces: ws,
		artifacts:  am,
		dispatch:   d,
		workers:    DefaultWorkers,
		runCtx:     ctx,
		cancelRun:  cancel,
		active:     make(map[uint64]*Attempt),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sem = semaphore.NewWeighted(int64(o.workers))
	return o, nil
}

// Subscribe registers l for events. Listeners run on the foreground context.
func (o *Orchestrator) Subscribe(l Listener) {
	if l == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Attach makes board populations trigger compiles.
func (o *Orchestrator) Attach(board *slot.Board) {
	board.Subscribe(o.SlotChanged)
}

// SlotChanged is the slot-change edge: it begins a compile when both slots
// hold an image and does nothing otherwise. Call it on the foreground context.
func (o *Orchestrator) SlotChanged(pair slot.Pair) {
	if !pair.Complete() {
		o.logger.Debug("slot changed; waiting for both inputs", "revision", pair.Revision)
		return
	}
	if _, err := o.BeginCompile(pair); err != nil {
		o.logger.Warn("compile not started", "error", err)
	}
}

// BeginCompile snapshots pair and starts a new attempt in the background,
// superseding any attempt still in flight. It returns without blocking on the
// packing work. Call it on the foreground context.
func (o *Orchestrator) BeginCompile(pair slot.Pair) (*Attempt, error) {
	if !pair.Complete() {
		err := &Error{Kind: KindPreconditionNotMet, Reason: "both slots must hold an image", Err: fmt.Errorf("primary=%t secondary=%t", pair.Primary.Populated(), pair.Secondary.Populated())}
		o.logger.Error("compile begun without both inputs", "error", err)
		return nil, err
	}

	inputs := snapshotInputs(pair)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.nextID++
	attempt := &Attempt{
		id:     o.nextID,
		inputs: inputs,
		done:   make(chan struct{}),
		state:  StatePending,
	}
	previous := o.latest
	if previous != nil && !previous.state.Terminal() {
		previous.superseded = true
	}
	o.latest = attempt
	o.active[attempt.id] = attempt
	o.triggered++
	o.busy = true
	o.wg.Add(1)
	o.mu.Unlock()

	logger := o.logger.With("attempt", attempt.id)
	if previous != nil && previous.superseded {
		logger.Info("superseding in-flight attempt", "superseded", previous.id)
	}
	logger.Debug("compile triggered", "revision", inputs.Revision)

	o.emit(Event{Kind: EventBusy, Attempt: attempt.id})
	go o.run(attempt)
	return attempt, nil
}

// Latest returns the most recently triggered attempt, or nil.
func (o *Orchestrator) Latest() *Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest
}

// Status returns a view of attempt.
func (o *Orchestrator) Status(attempt *Attempt) AttemptStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return AttemptStatus{
		ID:           attempt.id,
		State:        attempt.state,
		Superseded:   attempt.superseded,
		ArtifactPath: attempt.artifactPath,
		Err:          attempt.err,
		WorkspaceDir: attempt.workspaceDir,
	}
}

// Snapshot is the presentation-facing state of the orchestrator.
type Snapshot struct {
	Busy      bool
	Latest    uint64
	Triggered int
	Published int
	LastError *Error
	// Artifact is the published artifact. Its file is only guaranteed to
	// exist inside artifacts.Manager.Use.
	Artifact *artifacts.Artifact
}

// Snapshot returns the current presentation state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := Snapshot{
		Busy:      o.busy,
		Triggered: o.triggered,
		LastError: o.lastErr,
	}
	if o.latest != nil {
		snap.Latest = o.latest.id
	}
	o.mu.Unlock()

	snap.Published = o.artifacts.PublishedCount()
	snap.Artifact, _ = o.artifacts.Current()
	return snap
}

// AcknowledgeError clears the last surfaced failure once the user has seen it.
func (o *Orchestrator) AcknowledgeError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = nil
}

// Save copies the published artifact to dest.
func (o *Orchestrator) Save(dest string) error {
	if _, err := o.artifacts.Save(dest); err != nil {
		return o.classifyArtifactError(err)
	}
	return nil
}

// ExportEphemeralCopy returns a caller-owned copy of the published artifact.
func (o *Orchestrator) ExportEphemeralCopy() (string, error) {
	path, err := o.artifacts.ExportEphemeralCopy()
	if err != nil {
		return "", o.classifyArtifactError(err)
	}
	return path, nil
}

func (o *Orchestrator) classifyArtifactError(err error) error {
	if errors.Is(err, artifacts.ErrDestinationUnwritable) {
		o.logger.Warn("write to destination rejected", "error", err)
		return newError(KindDestinationUnwritable, 0, err)
	}
	return err
}

// Close stops accepting compiles and waits for in-flight attempts to finish
// their background work. Results still queued on the dispatcher are handled
// when the dispatcher runs them. If ctx ends first, running packers see a
// cancelled context.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancelRun()
		return nil
	case <-ctx.Done():
		o.cancelRun()
		<-done
		return ctx.Err()
	}
}

// run executes attempt on a background worker and hands the outcome to the
// foreground. Workspace disposal happens before the hand-off, so a terminal
// attempt never owns a directory on disk.
func (o *Orchestrator) run(attempt *Attempt) {
	defer o.wg.Done()

	result := o.execute(attempt)
	o.dispatch.Post(func() { o.finish(attempt, result) })
}

func (o *Orchestrator) execute(attempt *Attempt) (result outcome) {
	logger := o.logger.With("attempt", attempt.id)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("compile worker panicked", "panic", r)
			if result.staged != nil {
				o.artifacts.Discard(result.staged)
			}
			result = outcome{err: newError(KindPackingFailed, attempt.id, fmt.Errorf("packing panicked: %v", r))}
		}
	}()

	if err := o.sem.Acquire(o.runCtx, 1); err != nil {
		return outcome{err: newError(KindWorkspaceAllocationFailed, attempt.id, err)}
	}
	defer o.sem.Release(1)

	ws, err := o.workspaces.Allocate()
	if err != nil {
		return outcome{err: newError(KindWorkspaceAllocationFailed, attempt.id, err)}
	}
	defer func() {
		if err := o.workspaces.Dispose(ws); err != nil {
			logger.Error("failed to dispose workspace", "workspace", ws.ID, "error", err)
		}
	}()

	o.mu.Lock()
	attempt.state = StateRunning
	attempt.workspaceDir = ws.Dir
	o.mu.Unlock()
	logger.Debug("compile running", "workspace", ws.ID)

	primary, secondary, output := ws.Path(primaryInputName), ws.Path(secondaryInputName), ws.Path(outputName)
	if err := persistInput(attempt.id, primary, slot.Primary, attempt.inputs.Primary); err != nil {
		return outcome{err: err}
	}
	if err := persistInput(attempt.id, secondary, slot.Secondary, attempt.inputs.Secondary); err != nil {
		return outcome{err: err}
	}

	if err := o.packer.Pack(o.runCtx, primary, secondary, output); err != nil {
		return outcome{err: newError(KindPackingFailed, attempt.id, err)}
	}

	preview, err := packer.DecodeStandard(output)
	if err != nil {
		return outcome{err: newError(KindOutputUnreadable, attempt.id, err)}
	}

	staged, err := o.artifacts.Stage(output, preview, attempt.id)
	if err != nil {
		return outcome{err: newError(KindWorkspaceAllocationFailed, attempt.id, err)}
	}
	return outcome{staged: staged}
}

// finish applies an attempt's outcome. It runs on the foreground context and
// is the only place that publishes, so the supersession check here cannot
// race with a newer trigger.
func (o *Orchestrator) finish(attempt *Attempt, result outcome) {
	defer close(attempt.done)
	logger := o.logger.With("attempt", attempt.id)

	o.mu.Lock()
	delete(o.active, attempt.id)
	attempt.workspaceDir = ""
	if result.err != nil {
		attempt.state = StateFailed
		attempt.err = result.err
	} else {
		attempt.state = StateSucceeded
	}
	stale := attempt != o.latest
	if stale {
		attempt.superseded = true
	} else {
		o.busy = false
	}
	o.mu.Unlock()

	if stale {
		if result.staged != nil {
			o.artifacts.Discard(result.staged)
		}
		logger.Debug("discarding superseded attempt outcome", "state", attempt.state, "error", result.err)
		o.emit(Event{Kind: EventDiscarded, Attempt: attempt.id})
		return
	}

	if result.err == nil {
		if err := o.artifacts.Publish(result.staged); err != nil {
			result.err = newError(KindWorkspaceAllocationFailed, attempt.id, fmt.Errorf("publish artifact: %w", err))
			o.mu.Lock()
			attempt.state = StateFailed
			attempt.err = result.err
			o.mu.Unlock()
		} else {
			o.mu.Lock()
			attempt.artifactPath = result.staged.Path
			o.mu.Unlock()
			o.emit(Event{Kind: EventPublished, Attempt: attempt.id, Artifact: result.staged})
		}
	}

	if result.err != nil {
		o.mu.Lock()
		o.lastErr = result.err
		o.mu.Unlock()
		o.logFailure(logger, result.err)
		o.emit(Event{Kind: EventFailed, Attempt: attempt.id, Err: result.err})
	}
	o.emit(Event{Kind: EventIdle, Attempt: attempt.id})
}

func (o *Orchestrator) logFailure(logger *slog.Logger, err *Error) {
	switch err.Kind {
	case KindOutputUnreadable:
		logger.Error("packing primitive produced an unreadable file", "error", err, "contract_violation", true)
	case KindWorkspaceAllocationFailed:
		logger.Error("compile scratch area unavailable", "error", err)
	default:
		logger.Warn("compile failed", "kind", err.Kind, "reason", err.Reason)
	}
}

func (o *Orchestrator) emit(e Event) {
	o.mu.Lock()
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// persistInput writes img to path as PNG. A file that cannot be created is a
// workspace failure; pixels the encoder refuses are rejected inputs.
func persistInput(attemptID uint64, path string, role slot.Role, img image.Image) *Error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return newError(KindWorkspaceAllocationFailed, attemptID, fmt.Errorf("persist %s input: %w", role, err))
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	encodeErr := enc.Encode(f, img)
	closeErr := f.Close()
	if encodeErr != nil {
		return newError(KindPackingFailed, attemptID, fmt.Errorf("%s input rejected: %w", role, encodeErr))
	}
	if closeErr != nil {
		return newError(KindWorkspaceAllocationFailed, attemptID, fmt.Errorf("persist %s input: %w", role, closeErr))
	}
	return nil
}
