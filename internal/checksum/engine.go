// Package checksum implements SHA-256 hashing for whole files and
// individual chunks, with a bounded worker pool for concurrent one-shot
// hashing (spec.md §4.C).
package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"
)

const incrementalReadSize = 10 * 1024 * 1024 // 10 MiB

// Engine hashes buffers and files with SHA-256. A single Engine owns one
// bounded worker pool, shared across every concurrent one-shot hash
// request in the process.
type Engine struct {
	jobs chan job
	done chan struct{}
}

type job struct {
	data   []byte
	result chan<- hashResult
}

type hashResult struct {
	sum string
	err error
}

// poolSize follows spec.md §4.C: min(8, max(2, hardwareConcurrency)).
func poolSize(min, max int) int {
	n := runtime.NumCPU()
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

// NewEngine starts a pool of workers bounded between min and max
// (defaults 2 and 8 per spec.md §6 hashPoolMin/hashPoolMax).
func NewEngine(min, max int) *Engine {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	e := &Engine{
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	workers := poolSize(min, max)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Engine) worker() {
	for {
		select {
		case j, ok := <-e.jobs:
			if !ok {
				return
			}
			sum := sha256.Sum256(j.data)
			j.result <- hashResult{sum: hex.EncodeToString(sum[:])}
		case <-e.done:
			return
		}
	}
}

// HashOneShot computes the SHA-256 of data on the worker pool, blocking
// until complete or ctx is cancelled. Ownership of data transfers into the
// worker and back to the caller via the returned hex digest.
func (e *Engine) HashOneShot(ctx context.Context, data []byte) (string, error) {
	result := make(chan hashResult, 1)
	select {
	case e.jobs <- job{data: data, result: result}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.done:
		return "", fmt.Errorf("checksum: engine closed")
	}
	select {
	case r := <-result:
		return r.sum, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HashIncremental computes the SHA-256 of an entire stream by accumulating
// over consecutive 10 MiB reads, suitable for whole-file hashing without
// holding the full file in memory.
func HashIncremental(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, incrementalReadSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("checksum: incremental hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes is a convenience one-shot hash that bypasses the worker pool,
// used for small buffers where pool dispatch overhead isn't warranted
// (e.g. unit tests, the first-chunk preflight hash).
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Close stops every worker. The pool is process-shared; callers should
// close it only once, on last-transfer completion (spec.md §5 Shared
// resources).
func (e *Engine) Close() {
	close(e.done)
}
