package compile

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/aibmoe/internal/artifacts"
	"github.com/cochaviz/aibmoe/internal/logging"
	"github.com/cochaviz/aibmoe/internal/packer"
	"github.com/cochaviz/aibmoe/internal/slot"
	"github.com/cochaviz/aibmoe/internal/workspace"
)

const waitTimeout = 5 * time.Second

type harness struct {
	t          *testing.T
	loop       *Loop
	board      *slot.Board
	orch       *Orchestrator
	workspaces *workspace.Manager
	artifacts  *artifacts.Manager

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, p packer.Packer) *harness {
	t.Helper()

	logger := logging.Discard()
	ws, err := workspace.NewManager(t.TempDir(), logger)
	require.NoError(t, err)
	am, err := artifacts.NewManager(t.TempDir(), t.TempDir(), logger)
	require.NoError(t, err)

	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(ctx)
	}()

	orch, err := New(p, ws, am, loop, WithLogger(logger), WithWorkers(4))
	require.NoError(t, err)

	h := &harness{t: t, loop: loop, board: slot.NewBoard(), orch: orch, workspaces: ws, artifacts: am}
	orch.Subscribe(func(e Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	orch.Attach(h.board)

	t.Cleanup(func() {
		closeCtx, stop := context.WithTimeout(context.Background(), waitTimeout)
		defer stop()
		_ = orch.Close(closeCtx)
		cancel()
		<-loopDone
		_ = am.Close()
		_ = ws.Close()
	})
	return h
}

// set populates a slot on the foreground and returns the attempt it
// triggered, if any.
func (h *harness) set(role slot.Role, img image.Image) *Attempt {
	h.t.Helper()
	before := h.orch.Snapshot().Triggered

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var setErr error
	require.NoError(h.t, h.loop.Call(ctx, func() {
		_, setErr = h.board.Set(role, "", img)
	}))
	require.NoError(h.t, setErr)

	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()
	if h.orch.triggered == before {
		return nil
	}
	return h.orch.latest
}

func (h *harness) wait(a *Attempt) AttemptStatus {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(h.t, a.Wait(ctx))
	return h.orch.Status(a)
}

func (h *harness) eventsOf(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// drain makes sure everything posted to the loop so far has run.
func (h *harness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(h.t, h.loop.Call(ctx, func() {}))
}

func solid(size int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func nrgbaAt(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
)

// gatedPacker blocks every Pack call until the test releases it. Calls are
// numbered in the order they start.
type gatedPacker struct {
	next packer.Packer

	mu      sync.Mutex
	gates   []chan error
	outputs []string
	started chan int
}

func newGatedPacker(next packer.Packer) *gatedPacker {
	return &gatedPacker{next: next, started: make(chan int, 16)}
}

func (g *gatedPacker) Pack(ctx context.Context, primary, secondary, output string) error {
	g.mu.Lock()
	n := len(g.gates)
	gate := make(chan error, 1)
	g.gates = append(g.gates, gate)
	g.outputs = append(g.outputs, output)
	g.mu.Unlock()

	g.started <- n
	select {
	case err := <-gate:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.next.Pack(ctx, primary, secondary, output)
}

func (g *gatedPacker) awaitStart(t *testing.T, want int) {
	t.Helper()
	select {
	case n := <-g.started:
		require.Equal(t, want, n)
	case <-time.After(waitTimeout):
		t.Fatalf("pack call %d never started", want)
	}
}

func (g *gatedPacker) release(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gates[n] <- err
}

func (g *gatedPacker) workspaceDir(n int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return filepath.Dir(g.outputs[n])
}

// garbagePacker claims success but writes bytes no reader can decode.
type garbagePacker struct{}

func (garbagePacker) Pack(_ context.Context, _, _, output string) error {
	return os.WriteFile(output, []byte("definitely not a png"), 0o644)
}

// panicPacker violates the no-panic expectation of the boundary.
type panicPacker struct{}

func (panicPacker) Pack(context.Context, string, string, string) error {
	panic("primitive exploded")
}

var errRejected = errors.New("unsupported color depth")
