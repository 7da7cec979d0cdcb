package receiver

import (
	"bytes"
	"io"
	"os"
)

// ArtifactHandle exposes a finished transfer's bytes to the caller without
// committing to memory-mode or disk-mode internally (spec.md §9 design
// note: "Storage backend duality (Blob vs OPFS) -> unify behind one
// ArtifactHandle interface with open_read/release/finalize").
type ArtifactHandle interface {
	OpenRead() (io.ReadCloser, error)
	Size() int64
	// Release discards any resources backing the handle (temp file,
	// buffered bytes). Safe to call more than once.
	Release() error
}

type memoryArtifact struct {
	data []byte
}

func (a *memoryArtifact) OpenRead() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

func (a *memoryArtifact) Size() int64 { return int64(len(a.data)) }

func (a *memoryArtifact) Release() error {
	a.data = nil
	return nil
}

type diskArtifact struct {
	path string
}

func (a *diskArtifact) OpenRead() (io.ReadCloser, error) {
	return os.Open(a.path)
}

func (a *diskArtifact) Size() int64 {
	info, err := os.Stat(a.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (a *diskArtifact) Release() error {
	err := os.Remove(a.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
