package config

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/aibmoe/internal/compile"
	"github.com/cochaviz/aibmoe/internal/logging"
	"github.com/cochaviz/aibmoe/internal/packer"
	"github.com/cochaviz/aibmoe/internal/setup"
	"github.com/cochaviz/aibmoe/internal/slot"
)

// DefaultShutdownTimeout bounds how long session teardown waits for workers.
const DefaultShutdownTimeout = 30 * time.Second

// CompileRequest describes a one-shot compile from two files.
type CompileRequest struct {
	Primary   string
	Secondary string
	// Output is where the artifact is saved. Empty skips saving.
	Output string
	// Export additionally produces an ephemeral copy owned by the caller.
	Export bool
}

// CompileResult reports what a compile produced.
type CompileResult struct {
	AttemptID  uint64
	Checksum   string
	Size       int64
	Width      int
	Height     int
	SavedTo    string
	ExportPath string
}

// Compile loads both inputs, compiles them and saves the result.
func Compile(ctx context.Context, cfg setup.Config, req CompileRequest, logger *slog.Logger) (CompileResult, error) {
	logger = logging.Ensure(logger).With("component", "config.compile")

	if req.Primary == "" || req.Secondary == "" {
		return CompileResult{}, errors.New("both primary and secondary images are required")
	}

	session, err := NewSession(cfg, logger)
	if err != nil {
		return CompileResult{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			logger.Warn("session teardown incomplete", "error", err)
		}
	}()

	primary, secondary, err := slot.LoadPair(ctx, req.Primary, req.Secondary)
	if err != nil {
		return CompileResult{}, err
	}
	logger.Info("inputs loaded",
		"primary", primary.Source, "primary_format", primary.Format,
		"secondary", secondary.Source, "secondary_format", secondary.Format,
	)

	if _, err := session.Populate(ctx, primary); err != nil {
		return CompileResult{}, err
	}
	attempt, err := session.Populate(ctx, secondary)
	if err != nil {
		return CompileResult{}, err
	}
	if attempt == nil {
		return CompileResult{}, errors.New("compile was not triggered")
	}
	if err := attempt.Wait(ctx); err != nil {
		return CompileResult{}, err
	}

	status := session.Orchestrator.Status(attempt)
	if status.Err != nil {
		return CompileResult{}, status.Err
	}
	artifact, ok := session.Artifacts.Current()
	if !ok {
		return CompileResult{}, errors.New("compile finished without an artifact")
	}

	result := CompileResult{
		AttemptID: attempt.ID(),
		Checksum:  artifact.Checksum,
		Size:      artifact.Size,
	}
	if preview := artifact.Preview(); preview != nil {
		result.Width, result.Height = preview.Bounds().Dx(), preview.Bounds().Dy()
	}

	if req.Output != "" {
		if err := session.Orchestrator.Save(req.Output); err != nil {
			return result, err
		}
		result.SavedTo = req.Output
	}
	if req.Export {
		path, err := session.Orchestrator.ExportEphemeralCopy()
		if err != nil {
			return result, err
		}
		result.ExportPath = path
	}

	logger.Info("compile completed", "attempt", result.AttemptID, "sha256", result.Checksum, "saved_to", result.SavedTo)
	return result, nil
}

// InspectResult describes how the two reader strategies see a file.
type InspectResult struct {
	Standard       image.Rectangle
	Alternate      image.Rectangle
	HasAlternate   bool
	StandardSaved  string
	AlternateSaved string
}

// Inspect decodes path with both reader strategies and optionally writes each
// interpretation out as a plain PNG.
func Inspect(ctx context.Context, path, standardOut, alternateOut string, logger *slog.Logger) (InspectResult, error) {
	logger = logging.Ensure(logger).With("component", "config.inspect", "file", filepath.Base(path))

	var (
		standard, alternate image.Image
		alternateErr        error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		var err error
		standard, err = packer.DecodeStandard(path)
		return err
	})
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		alternate, alternateErr = packer.DecodeAlternate(path)
		if errors.Is(alternateErr, packer.ErrNoAlternate) {
			return nil
		}
		return alternateErr
	})
	if err := g.Wait(); err != nil {
		return InspectResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InspectResult{}, err
	}

	result := InspectResult{
		Standard:     standard.Bounds(),
		HasAlternate: alternate != nil,
	}
	if alternate != nil {
		result.Alternate = alternate.Bounds()
	}

	if standardOut != "" {
		if err := writePNG(standardOut, standard); err != nil {
			return result, fmt.Errorf("%w: %v", compile.ErrDestinationUnwritable, err)
		}
		result.StandardSaved = standardOut
	}
	if alternateOut != "" {
		if alternate == nil {
			return result, packer.ErrNoAlternate
		}
		if err := writePNG(alternateOut, alternate); err != nil {
			return result, fmt.Errorf("%w: %v", compile.ErrDestinationUnwritable, err)
		}
		result.AlternateSaved = alternateOut
	}

	logger.Info("inspected file", "standard", result.Standard.Size(), "has_alternate", result.HasAlternate)
	return result, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
