package packer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
)

// AlternateChunkType is the private ancillary PNG chunk that carries the
// secondary image. Standard readers skip unknown ancillary chunks.
const AlternateChunkType = "amBg"

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// ChunkPacker is the in-process packing primitive. The standard decode of its
// output is the primary image; the secondary image travels PNG-encoded inside
// an AlternateChunkType chunk placed before IEND.
//
// Both inputs must have identical dimensions.
type ChunkPacker struct {
	// Encoder controls PNG compression. A nil Encoder uses png defaults.
	Encoder *png.Encoder
}

// Pack implements Packer.
func (p ChunkPacker) Pack(ctx context.Context, primary, secondary, output string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	first, err := decodeFile(primary)
	if err != nil {
		return err
	}
	second, err := decodeFile(secondary)
	if err != nil {
		return err
	}

	fb, sb := first.Bounds(), second.Bounds()
	if fb.Dx() != sb.Dx() || fb.Dy() != sb.Dy() {
		return incompatiblef("dimensions differ: primary %dx%d, secondary %dx%d", fb.Dx(), fb.Dy(), sb.Dx(), sb.Dy())
	}
	if fb.Empty() {
		return incompatiblef("images are empty")
	}

	enc := p.Encoder
	if enc == nil {
		enc = &png.Encoder{}
	}
	var base, alt bytes.Buffer
	if err := enc.Encode(&base, first); err != nil {
		return &Error{Reason: "encode primary", Err: err}
	}
	if err := enc.Encode(&alt, second); err != nil {
		return &Error{Reason: "encode secondary", Err: err}
	}

	packed, err := insertChunk(base.Bytes(), AlternateChunkType, alt.Bytes())
	if err != nil {
		return &Error{Reason: "assemble output", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomically(output, packed)
}

// DecodeStandard decodes path the way any conforming PNG reader does.
func DecodeStandard(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, filepath.Base(path), err)
	}
	return img, nil
}

// DecodeAlternate decodes the image embedded in the AlternateChunkType chunk
// of the PNG at path.
func DecodeAlternate(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	payload, err := findChunk(data, AlternateChunkType)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: alternate chunk: %v", ErrUnsupportedFormat, err)
	}
	return img, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Reason: "open input", Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("decode %s", filepath.Base(path)), Err: fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)}
	}
	return img, nil
}

type chunk struct {
	typ  string
	data []byte
	// offset of the chunk's length field within the stream
	offset int
}

func readChunks(data []byte) ([]chunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("%w: missing PNG signature", ErrUnsupportedFormat)
	}
	var chunks []chunk
	pos := len(pngSignature)
	for pos < len(data) {
		if len(data)-pos < 12 {
			return nil, fmt.Errorf("%w: truncated chunk at offset %d", ErrUnsupportedFormat, pos)
		}
		length := int(binary.BigEndian.Uint32(data[pos:]))
		end := pos + 12 + length
		if length < 0 || end > len(data) {
			return nil, fmt.Errorf("%w: chunk at offset %d overruns stream", ErrUnsupportedFormat, pos)
		}
		typ := string(data[pos+4 : pos+8])
		body := data[pos+8 : pos+8+length]
		want := binary.BigEndian.Uint32(data[pos+8+length:])
		if crc32.ChecksumIEEE(data[pos+4:pos+8+length]) != want {
			return nil, fmt.Errorf("%w: bad CRC in %s chunk", ErrUnsupportedFormat, typ)
		}
		chunks = append(chunks, chunk{typ: typ, data: body, offset: pos})
		pos = end
		if typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

func findChunk(data []byte, typ string) ([]byte, error) {
	chunks, err := readChunks(data)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.typ == typ {
			return c.data, nil
		}
	}
	return nil, ErrNoAlternate
}

// insertChunk returns a copy of the PNG stream with a new chunk placed
// immediately before IEND.
func insertChunk(data []byte, typ string, payload []byte) ([]byte, error) {
	chunks, err := readChunks(data)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.New("stream has no chunks")
	}
	last := chunks[len(chunks)-1]
	if last.typ != "IEND" {
		return nil, errors.New("stream has no IEND chunk")
	}

	var out bytes.Buffer
	out.Grow(len(data) + len(payload) + 12)
	out.Write(data[:last.offset])
	if err := writeChunk(&out, typ, payload); err != nil {
		return nil, err
	}
	out.Write(data[last.offset:])
	return out.Bytes(), nil
}

func writeChunk(w io.Writer, typ string, payload []byte) error {
	if len(typ) != 4 {
		return fmt.Errorf("chunk type %q must be four bytes", typ)
	}
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	copy(header[4:], typ)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(payload)
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc.Sum32())

	for _, part := range [][]byte{header[:], payload, trailer[:]} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}

// writeAtomically writes data next to path and renames it into place so a
// failed write never leaves a partial file at path.
func writeAtomically(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".partial-*")
	if err != nil {
		return &Error{Reason: "create output", Err: err}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return &Error{Reason: "write output", Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &Error{Reason: "close output", Err: err}
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return &Error{Reason: "chmod output", Err: err}
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return &Error{Reason: "finalize output", Err: err}
	}
	return nil
}
