// Package packer defines the boundary to the packing primitive: the step that
// turns two input image files into one PNG that decodes differently depending
// on the reader.
//
// The orchestrator only relies on the Packer interface. Two implementations
// live here: ChunkPacker, an in-process reference primitive, and
// CommandPacker, which shells out to an external packing tool.
package packer

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIncompatibleImages indicates the two inputs cannot share one output,
	// for example because their dimensions differ.
	ErrIncompatibleImages = errors.New("incompatible images")

	// ErrUnsupportedFormat indicates an input could not be decoded as an image.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrNoAlternate indicates a PNG carries no alternate image.
	ErrNoAlternate = errors.New("no alternate image embedded")
)

// Packer produces a dual-reading PNG at output from the images at primary and
// secondary. The parent directory of output exists and is writable.
//
// On failure a Packer returns a descriptive error. Callers must not trust any
// file found at output after a failure.
type Packer interface {
	Pack(ctx context.Context, primary, secondary, output string) error
}

// Func adapts a plain function to the Packer interface.
type Func func(ctx context.Context, primary, secondary, output string) error

// Pack calls f.
func (f Func) Pack(ctx context.Context, primary, secondary, output string) error {
	return f(ctx, primary, secondary, output)
}

// Error carries the descriptive reason reported by a packing primitive.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err == nil:
		return e.Reason
	case e.Reason == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func incompatiblef(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...), Err: ErrIncompatibleImages}
}
