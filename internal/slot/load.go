package slot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Loaded is an input read from disk and ready to populate a slot.
type Loaded struct {
	Role   Role
	Source string
	Image  image.Image
	Format string
}

// Load reads and decodes the image at path. It blocks on file IO and must not
// run on the foreground context.
func Load(ctx context.Context, role Role, path string) (Loaded, error) {
	if err := ctx.Err(); err != nil {
		return Loaded{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Loaded{}, fmt.Errorf("resolve %s image path: %w", role, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return Loaded{}, fmt.Errorf("open %s image: %w", role, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return Loaded{}, fmt.Errorf("decode %s image %q: %w", role, filepath.Base(abs), err)
	}
	return Loaded{Role: role, Source: abs, Image: img, Format: format}, nil
}

// LoadPair loads both inputs concurrently.
func LoadPair(ctx context.Context, primaryPath, secondaryPath string) (primary, secondary Loaded, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		primary, err = Load(gctx, Primary, primaryPath)
		return err
	})
	g.Go(func() error {
		var err error
		secondary, err = Load(gctx, Secondary, secondaryPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return Loaded{}, Loaded{}, err
	}
	return primary, secondary, nil
}

// Clone returns a private copy of img so later writes to the original pixels
// cannot leak into the copy. The concrete pixel type is kept, so 16-bit
// inputs stay 16-bit. Other image types are converted to NRGBA64, which holds
// any pixel the standard decoders produce without loss.
func Clone(img image.Image) image.Image {
	if img == nil {
		return nil
	}
	switch src := img.(type) {
	case *image.NRGBA:
		return &image.NRGBA{Pix: bytes.Clone(src.Pix), Stride: src.Stride, Rect: src.Rect}
	case *image.NRGBA64:
		return &image.NRGBA64{Pix: bytes.Clone(src.Pix), Stride: src.Stride, Rect: src.Rect}
	case *image.RGBA:
		return &image.RGBA{Pix: bytes.Clone(src.Pix), Stride: src.Stride, Rect: src.Rect}
	case *image.RGBA64:
		return &image.RGBA64{Pix: bytes.Clone(src.Pix), Stride: src.Stride, Rect: src.Rect}
	case *image.Gray:
		return &image.Gray{Pix: bytes.Clone(src.Pix), Stride: src.Stride, Rect: src.Rect}
	case *image.Gray16:
		return &image.Gray16{Pix: bytes.Clone(src.Pix), Stride: src.Stride, Rect: src.Rect}
	case *image.Paletted:
		return &image.Paletted{Pix: bytes.Clone(src.Pix), Stride: src.Stride, Rect: src.Rect, Palette: slices.Clone(src.Palette)}
	}
	b := img.Bounds()
	dst := image.NewNRGBA64(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}
