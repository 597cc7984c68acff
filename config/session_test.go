package config

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/aibmoe/internal/compile"
	"github.com/cochaviz/aibmoe/internal/logging"
	"github.com/cochaviz/aibmoe/internal/packer"
	"github.com/cochaviz/aibmoe/internal/setup"
	"github.com/cochaviz/aibmoe/internal/slot"
)

func testConfig(t *testing.T) setup.Config {
	t.Helper()

	root := t.TempDir()
	cfg := setup.Default()
	cfg.WorkspaceRoot = filepath.Join(root, "workspaces")
	cfg.ArtifactDir = filepath.Join(root, "artifacts")
	cfg.ExportDir = filepath.Join(root, "exports")
	return cfg
}

func writeSolidPNG(t *testing.T, path string, size int, c color.Color) string {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCompileWritesAmbiguousFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := t.TempDir()
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	primary := writeSolidPNG(t, filepath.Join(dir, "primary.png"), 32, red)
	secondary := writeSolidPNG(t, filepath.Join(dir, "secondary.png"), 32, blue)
	out := filepath.Join(dir, "out.png")

	result, err := Compile(testContext(t), cfg, CompileRequest{
		Primary:   primary,
		Secondary: secondary,
		Output:    out,
		Export:    true,
	}, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), result.AttemptID)
	assert.Equal(t, 32, result.Width)
	assert.Equal(t, 32, result.Height)
	assert.Len(t, result.Checksum, 64)
	assert.Equal(t, out, result.SavedTo)
	require.NotEmpty(t, result.ExportPath)
	assert.Equal(t, "magic.png", filepath.Base(result.ExportPath))
	assert.FileExists(t, result.ExportPath)

	standard, err := packer.DecodeStandard(out)
	require.NoError(t, err)
	assert.Equal(t, red, color.NRGBAModel.Convert(standard.At(4, 4)))
	alternate, err := packer.DecodeAlternate(out)
	require.NoError(t, err)
	assert.Equal(t, blue, color.NRGBAModel.Convert(alternate.At(4, 4)))

	// session scratch is gone, the export is not
	workspaces, err := os.ReadDir(cfg.WorkspaceRoot)
	require.NoError(t, err)
	assert.Empty(t, workspaces)
	artifacts, err := os.ReadDir(cfg.ArtifactDir)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
	assert.FileExists(t, result.ExportPath)
}

func TestCompileIncompatibleImages(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := t.TempDir()
	primary := writeSolidPNG(t, filepath.Join(dir, "primary.png"), 64, color.White)
	secondary := writeSolidPNG(t, filepath.Join(dir, "secondary.png"), 32, color.Black)
	out := filepath.Join(dir, "out.png")

	_, err := Compile(testContext(t), cfg, CompileRequest{
		Primary:   primary,
		Secondary: secondary,
		Output:    out,
	}, logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, compile.ErrPackingFailed)
	assert.ErrorIs(t, err, packer.ErrIncompatibleImages)
	assert.NoFileExists(t, out)
}

func TestCompileUnwritableDestination(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := t.TempDir()
	primary := writeSolidPNG(t, filepath.Join(dir, "primary.png"), 16, color.White)
	secondary := writeSolidPNG(t, filepath.Join(dir, "secondary.png"), 16, color.Black)

	result, err := Compile(testContext(t), cfg, CompileRequest{
		Primary:   primary,
		Secondary: secondary,
		Output:    filepath.Join(dir, "missing", "out.png"),
	}, logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, compile.ErrDestinationUnwritable)
	assert.NotEmpty(t, result.Checksum)
	assert.Empty(t, result.SavedTo)
}

func TestCompileRequiresBothInputs(t *testing.T) {
	t.Parallel()

	_, err := Compile(testContext(t), testConfig(t), CompileRequest{Primary: "a.png"}, logging.Discard())
	require.Error(t, err)
}

func TestCompileRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Workers = 0
	dir := t.TempDir()
	primary := writeSolidPNG(t, filepath.Join(dir, "primary.png"), 8, color.White)
	secondary := writeSolidPNG(t, filepath.Join(dir, "secondary.png"), 8, color.Black)

	_, err := Compile(testContext(t), cfg, CompileRequest{Primary: primary, Secondary: secondary}, logging.Discard())
	assert.ErrorIs(t, err, setup.ErrInvalidConfig)
}

func TestSessionPopulateTriggersOnlyWhenComplete(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := t.TempDir()
	ctx := testContext(t)

	session, err := NewSession(cfg, logging.Discard())
	require.NoError(t, err)

	primary, err := slot.Load(ctx, slot.Primary, writeSolidPNG(t, filepath.Join(dir, "a.png"), 8, color.White))
	require.NoError(t, err)
	secondary, err := slot.Load(ctx, slot.Secondary, writeSolidPNG(t, filepath.Join(dir, "b.png"), 8, color.Black))
	require.NoError(t, err)

	attempt, err := session.Populate(ctx, primary)
	require.NoError(t, err)
	assert.Nil(t, attempt)

	first, err := session.Populate(ctx, secondary)
	require.NoError(t, err)
	require.NotNil(t, first)

	// replacing a slot always starts a new attempt
	second, err := session.Populate(ctx, primary)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Greater(t, second.ID(), first.ID())

	require.NoError(t, second.Wait(ctx))
	require.NoError(t, first.Wait(ctx))

	var snap compile.Snapshot
	require.NoError(t, session.Loop.Call(ctx, func() { snap = session.Orchestrator.Snapshot() }))
	assert.Equal(t, second.ID(), snap.Latest)
	assert.LessOrEqual(t, snap.Published, snap.Triggered)

	sessionDir := session.Workspaces.SessionDir()
	require.NoError(t, session.Close(ctx))
	assert.NoDirExists(t, sessionDir)
	assert.NoDirExists(t, session.Artifacts.Dir())
}

func TestInspect(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := t.TempDir()
	ctx := testContext(t)
	red := color.NRGBA{R: 255, A: 255}
	green := color.NRGBA{G: 255, A: 255}
	primary := writeSolidPNG(t, filepath.Join(dir, "primary.png"), 24, red)
	secondary := writeSolidPNG(t, filepath.Join(dir, "secondary.png"), 24, green)
	out := filepath.Join(dir, "out.png")

	_, err := Compile(ctx, cfg, CompileRequest{Primary: primary, Secondary: secondary, Output: out}, logging.Discard())
	require.NoError(t, err)

	standardOut := filepath.Join(dir, "standard.png")
	alternateOut := filepath.Join(dir, "alternate.png")
	result, err := Inspect(ctx, out, standardOut, alternateOut, logging.Discard())
	require.NoError(t, err)
	assert.True(t, result.HasAlternate)
	assert.Equal(t, 24, result.Standard.Dx())
	assert.Equal(t, 24, result.Alternate.Dx())

	f, err := os.Open(alternateOut)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, green, color.NRGBAModel.Convert(img.At(1, 1)))
}

func TestInspectPlainPNG(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plain := writeSolidPNG(t, filepath.Join(dir, "plain.png"), 8, color.White)

	result, err := Inspect(testContext(t), plain, "", "", logging.Discard())
	require.NoError(t, err)
	assert.False(t, result.HasAlternate)

	_, err = Inspect(testContext(t), plain, "", filepath.Join(dir, "alt.png"), logging.Discard())
	assert.ErrorIs(t, err, packer.ErrNoAlternate)
}

func TestInspectHonoursCancellation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plain := writeSolidPNG(t, filepath.Join(dir, "plain.png"), 8, color.White)
	standardOut := filepath.Join(dir, "standard.png")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Inspect(ctx, plain, standardOut, "", logging.Discard())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, standardOut)
}

func TestCompileKeepsSixteenBitDepth(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := t.TempDir()
	write16 := func(name string, c color.RGBA64) string {
		img := image.NewRGBA64(image.Rect(0, 0, 4, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.SetRGBA64(x, y, c)
			}
		}
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, png.Encode(f, img))
		return path
	}
	primaryColor := color.RGBA64{R: 0x1234, G: 0x0101, B: 0xfedc, A: 0xffff}
	secondaryColor := color.RGBA64{R: 0x0f0f, G: 0x8001, B: 0x0002, A: 0xffff}
	out := filepath.Join(dir, "out.png")

	_, err := Compile(testContext(t), cfg, CompileRequest{
		Primary:   write16("primary.png", primaryColor),
		Secondary: write16("secondary.png", secondaryColor),
		Output:    out,
	}, logging.Discard())
	require.NoError(t, err)

	standard, err := packer.DecodeStandard(out)
	require.NoError(t, err)
	assert.Equal(t, primaryColor, color.RGBA64Model.Convert(standard.At(2, 2)))
	alternate, err := packer.DecodeAlternate(out)
	require.NoError(t, err)
	assert.Equal(t, secondaryColor, color.RGBA64Model.Convert(alternate.At(2, 2)))
}
