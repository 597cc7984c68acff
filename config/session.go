package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/aibmoe/internal/artifacts"
	"github.com/cochaviz/aibmoe/internal/compile"
	"github.com/cochaviz/aibmoe/internal/logging"
	"github.com/cochaviz/aibmoe/internal/setup"
	"github.com/cochaviz/aibmoe/internal/slot"
	"github.com/cochaviz/aibmoe/internal/workspace"
)

// Session wires the slot board, the orchestrator and its managers around a
// foreground loop. Everything a session writes is removed by Close, except
// export copies, which belong to whoever asked for them.
type Session struct {
	Logger       *slog.Logger
	Loop         *compile.Loop
	Board        *slot.Board
	Orchestrator *compile.Orchestrator
	Workspaces   *workspace.Manager
	Artifacts    *artifacts.Manager

	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewSession builds a session from cfg and starts its foreground loop.
func NewSession(cfg setup.Config, logger *slog.Logger) (*Session, error) {
	logger = logging.Ensure(logger).With("component", "session")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := cfg.NewPacker(logger)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.NewManager(cfg.WorkspaceRoot, logger)
	if err != nil {
		return nil, err
	}
	am, err := artifacts.NewManager(cfg.ArtifactDir, cfg.ExportDir, logger)
	if err != nil {
		return nil, errors.Join(err, ws.Close())
	}

	loop := compile.NewLoop()
	orch, err := compile.New(p, ws, am, loop,
		compile.WithLogger(logger),
		compile.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, errors.Join(err, am.Close(), ws.Close())
	}

	board := slot.NewBoard()
	orch.Attach(board)
	orch.Subscribe(func(e compile.Event) {
		logger.Debug(compile.FormatEvent(e), "event", string(e.Kind), "attempt", e.Attempt)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Logger:       logger,
		Loop:         loop,
		Board:        board,
		Orchestrator: orch,
		Workspaces:   ws,
		Artifacts:    am,
		stopLoop:     cancel,
		loopDone:     make(chan struct{}),
	}
	go func() {
		defer close(s.loopDone)
		_ = loop.Run(ctx)
	}()
	return s, nil
}

// Populate fills a slot on the foreground loop. It returns the attempt the
// population triggered, or nil when the other slot is still empty.
func (s *Session) Populate(ctx context.Context, in slot.Loaded) (*compile.Attempt, error) {
	var (
		triggered *compile.Attempt
		setErr    error
	)
	err := s.Loop.Call(ctx, func() {
		before := s.Orchestrator.Latest()
		if _, setErr = s.Board.Apply(in); setErr != nil {
			return
		}
		if latest := s.Orchestrator.Latest(); latest != before {
			triggered = latest
		}
	})
	if err != nil {
		return nil, err
	}
	if setErr != nil {
		return nil, fmt.Errorf("populate %s slot: %w", in.Role, setErr)
	}
	return triggered, nil
}

// Close waits for in-flight compiles, stops the loop and removes the
// session's workspaces and retained artifacts.
func (s *Session) Close(ctx context.Context) error {
	closeErr := s.Orchestrator.Close(ctx)
	if closeErr == nil {
		// let queued results land before the loop stops
		closeErr = s.Loop.Call(ctx, func() {})
	}
	s.stopLoop()
	<-s.loopDone

	return errors.Join(
		closeErr,
		s.Artifacts.Close(),
		s.Workspaces.Close(),
	)
}
