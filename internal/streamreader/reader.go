// Package streamreader provides lazy, bounded-memory access to a
// file-like blob sliced into fixed-size chunks (spec.md §4.B).
package streamreader

import (
	"errors"
	"fmt"
	"io"
)

// ErrClosed is returned by operations on a StreamingReader after Close.
var ErrClosed = errors.New("streamreader: reader is closed")

// Source is the minimal backing-file contract the reader needs: random
// access reads over a byte range plus the total size. *os.File has no
// Size method; FileSource adapts one to this interface.
type Source interface {
	io.ReaderAt
	Size() int64
}

// StreamingReader slices a Source into fixed-size chunks without holding
// any payload in memory beyond the chunk currently being read.
type StreamingReader struct {
	src       Source
	chunkSize int
	size      int64
	total     uint32
	closed    bool
}

// New constructs a StreamingReader over src, sliced into chunkSize byte
// chunks. totalChunks follows I1: ceil(size/chunkSize), with size==0
// yielding zero chunks (spec.md B1).
func New(src Source, chunkSize int) (*StreamingReader, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("streamreader: chunkSize must be positive, got %d", chunkSize)
	}
	size := src.Size()
	var total uint32
	if size > 0 {
		total = uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
	}
	return &StreamingReader{src: src, chunkSize: chunkSize, size: size, total: total}, nil
}

// TotalChunks returns ceil(size/chunkSize).
func (r *StreamingReader) TotalChunks() uint32 { return r.total }

// Size returns the backing file's total byte size.
func (r *StreamingReader) Size() int64 { return r.size }

// ChunkLen returns the expected byte length of the chunk at index, which
// equals chunkSize except possibly the last chunk (spec.md §3 Chunk,
// never padded).
func (r *StreamingReader) ChunkLen(index uint32) int {
	if index+1 < r.total {
		return r.chunkSize
	}
	last := r.size - int64(index)*int64(r.chunkSize)
	if last < 0 {
		return 0
	}
	return int(last)
}

// ReadChunk performs a random-access read of the chunk at index. It
// returns (nil, nil) when index is out of range, matching the spec's
// "read_chunk(index) -> bytes | None" contract.
func (r *StreamingReader) ReadChunk(index uint32) ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if index >= r.total {
		return nil, nil
	}
	n := r.ChunkLen(index)
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	offset := int64(index) * int64(r.chunkSize)
	read, err := r.src.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("streamreader: read chunk %d: %w", index, err)
	}
	if read != n && err != io.EOF {
		return nil, fmt.Errorf("streamreader: short read for chunk %d: got %d want %d", index, read, n)
	}
	return buf[:read], nil
}

// Item is one element of the lazy ordered stream produced by All.
type Item struct {
	Index  uint32
	Data   []byte
	IsLast bool
}

// All returns a channel yielding chunks in ascending index order. The
// channel is closed once every chunk has been emitted or ctx-like done
// signal fires via the returned stop func. Reads happen lazily, one
// chunk ahead, so memory use stays bounded regardless of file size.
func (r *StreamingReader) All() (<-chan Item, func()) {
	out := make(chan Item)
	stop := make(chan struct{})
	var stopOnce stopper

	go func() {
		defer close(out)
		for i := uint32(0); i < r.total; i++ {
			data, err := r.ReadChunk(i)
			if err != nil {
				return
			}
			item := Item{Index: i, Data: data, IsLast: i == r.total-1}
			select {
			case out <- item:
			case <-stop:
				return
			}
		}
	}()

	return out, func() { stopOnce.do(stop) }
}

type stopper struct{ done bool }

func (s *stopper) do(ch chan struct{}) {
	if !s.done {
		s.done = true
		close(ch)
	}
}

// Close marks the reader closed; ownership of the underlying Source stays
// with the caller (the reader never opens or closes the file itself).
func (r *StreamingReader) Close() error {
	r.closed = true
	return nil
}
