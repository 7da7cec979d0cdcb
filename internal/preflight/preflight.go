// Package preflight implements MetadataPreflight (spec.md §4.J): before
// any DATA packet is sent, compute the whole-file SHA-256, the first
// chunk's bytes and hash, and an optional thumbnail for image inputs,
// then assemble it all into one META packet the receiver can act on
// immediately (the receiver may start assembly at index 0 from the
// first-chunk bytes alone).
package preflight

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/strataflow/filepipe/internal/checksum"
	"github.com/strataflow/filepipe/internal/wireproto"
)

const (
	thumbnailMaxDim      = 200
	thumbnailJPEGQuality = 70
)

// Source is the minimal view of the file the preflight stage needs; it
// is satisfied by streamreader.Source plus a name.
type Source interface {
	Size() int64
	ReadChunk(index uint32) ([]byte, error)
}

// Input bundles the facts MetadataPreflight needs about the file beyond
// the raw bytes.
type Input struct {
	TransferID   string
	Name         string
	LastModified time.Time
	ChunkSize    int
	TotalChunks  uint32
}

// Build computes the META packet for src, running the full-file hash,
// first-chunk hash, and thumbnail concurrently. openFile returns a fresh
// io.Reader over the whole file so the file hash accumulates over 10 MiB
// reads (spec.md §4.C incremental mode) instead of buffering the entire
// file in memory. Thumbnail generation failures are swallowed (spec.md:
// thumbnail is optional, best-effort, image inputs only) — everything
// else is fatal.
func Build(in Input, openFile func() (io.Reader, error), src Source) (*wireproto.MetaPacket, error) {
	var (
		wg            sync.WaitGroup
		fileChecksum  string
		fileErr       error
		firstChunk    *wireproto.FirstChunkDescriptor
		firstChunkErr error
		thumb         *wireproto.ThumbnailDescriptor
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		r, err := openFile()
		if err != nil {
			fileErr = err
			return
		}
		sum, err := checksum.HashIncremental(r)
		if err != nil {
			fileErr = err
			return
		}
		fileChecksum = sum
	}()

	go func() {
		defer wg.Done()
		n := in.ChunkSize
		if int64(n) > src.Size() {
			n = int(src.Size())
		}
		data, err := src.ReadChunk(0)
		if err != nil {
			firstChunkErr = err
			return
		}
		if len(data) > n && n > 0 {
			data = data[:n]
		}
		firstChunk = &wireproto.FirstChunkDescriptor{
			Size:     uint32(len(data)),
			Checksum: checksum.HashBytes(data),
			Data:     data,
		}
	}()

	// Thumbnail generation is best-effort and only meaningful for image
	// inputs; it runs synchronously on this goroutine since it reads the
	// already-buffered first bytes and is cheap relative to the hashes.
	if looksLikeImage(in.Name) {
		if data, err := src.ReadChunk(0); err == nil {
			if t, err := generateThumbnail(data); err == nil {
				thumb = t
			}
		}
	}

	wg.Wait()
	if fileErr != nil {
		return nil, fmt.Errorf("preflight: file checksum: %w", fileErr)
	}
	if firstChunkErr != nil {
		return nil, fmt.Errorf("preflight: first chunk: %w", firstChunkErr)
	}

	meta := wireproto.FileMetadata{
		Name:         in.Name,
		Mime:         mimeFor(in.Name),
		Size:         uint64(src.Size()),
		LastModified: uint64(in.LastModified.UnixMilli()),
		FileChecksum: fileChecksum,
		TotalChunks:  in.TotalChunks,
		ChunkSize:    uint32(in.ChunkSize),
	}

	return &wireproto.MetaPacket{
		TransferID: in.TransferID,
		Metadata:   meta,
		FirstChunk: firstChunk,
		Thumbnail:  thumb,
		Timestamp:  uint64(time.Now().UnixMilli()),
	}, nil
}

func mimeFor(name string) string {
	ext := filepath.Ext(name)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func looksLikeImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	default:
		return false
	}
}

// generateThumbnail decodes data as an image, fits it into a
// thumbnailMaxDim x thumbnailMaxDim canvas preserving aspect ratio, fills
// the remainder with a neutral gray, and re-encodes as JPEG q=0.7.
func generateThumbnail(data []byte) (*wireproto.ThumbnailDescriptor, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	canvas := fitOnNeutralCanvas(src, thumbnailMaxDim, thumbnailMaxDim)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, err
	}

	return &wireproto.ThumbnailDescriptor{
		Width:  thumbnailMaxDim,
		Height: thumbnailMaxDim,
		Data:   buf.Bytes(),
	}, nil
}

var neutralFill = image.NewUniform(neutralGray{})

type neutralGray struct{}

func (neutralGray) RGBA() (r, g, b, a uint32) {
	return 0x9999, 0x9999, 0x9999, 0xffff
}

// fitOnNeutralCanvas nearest-neighbor scales src to fit within w x h
// while preserving aspect ratio, centered on a neutral-filled canvas.
func fitOnNeutralCanvas(src image.Image, w, h int) image.Image {
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	if sw == 0 || sh == 0 {
		sw, sh = 1, 1
	}

	scale := float64(w) / float64(sw)
	if s := float64(h) / float64(sh); s < scale {
		scale = s
	}
	dw := int(float64(sw) * scale)
	dh := int(float64(sh) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw := func(x, y int) { dst.Set(x, y, neutralFill.At(x, y)) }
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			draw(x, y)
		}
	}

	offX, offY := (w-dw)/2, (h-dh)/2
	for y := 0; y < dh; y++ {
		sy := sb.Min.Y + y*sh/dh
		for x := 0; x < dw; x++ {
			sx := sb.Min.X + x*sw/dw
			dst.Set(offX+x, offY+y, src.At(sx, sy))
		}
	}
	return dst
}
