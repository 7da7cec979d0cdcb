// Package sampler decides which chunk indices carry a per-chunk checksum
// (spec.md §4.D).
package sampler

import "math/rand"

// Rate returns the sampling rate for a file of the given size, per
// spec.md §4.D's size tiers.
func Rate(size int64) float64 {
	const mib = 1024 * 1024
	const gib = 1024 * mib
	switch {
	case size < 100*mib:
		return 1.0
	case size < 1*gib:
		return 0.1
	default:
		return 0.01
	}
}

// Sample computes the sampled index set for a transfer of totalChunks
// chunks and the given file size. Index 0, totalChunks-1 and
// floor(totalChunks/2) are always included; the remaining slots are
// filled uniformly at random without replacement until
// max(3, floor(totalChunks*rate)) indices are selected.
//
// randSource lets callers inject determinism in tests; pass nil to use
// the package-level source.
func Sample(totalChunks uint32, size int64, randSource *rand.Rand) map[uint32]struct{} {
	set := make(map[uint32]struct{})
	if totalChunks == 0 {
		return set
	}
	set[0] = struct{}{}
	set[totalChunks-1] = struct{}{}
	set[totalChunks/2] = struct{}{}

	rate := Rate(size)
	target := int(float64(totalChunks) * rate)
	if target < 3 {
		target = 3
	}
	if target > int(totalChunks) {
		target = int(totalChunks)
	}

	if randSource == nil {
		randSource = rand.New(rand.NewSource(rand.Int63()))
	}

	for len(set) < target {
		idx := uint32(randSource.Int63n(int64(totalChunks)))
		set[idx] = struct{}{}
	}
	return set
}

// Sampler is a thin stateful wrapper binding a chunk's sampled set to one
// transfer, so Sender/Receiver don't each recompute or pass maps around.
type Sampler struct {
	sampled map[uint32]struct{}
}

// New builds a Sampler for one transfer.
func New(totalChunks uint32, size int64, randSource *rand.Rand) *Sampler {
	return &Sampler{sampled: Sample(totalChunks, size, randSource)}
}

// IsSampled reports whether index requires a per-chunk checksum.
func (s *Sampler) IsSampled(index uint32) bool {
	_, ok := s.sampled[index]
	return ok
}

// Count returns how many indices were sampled.
func (s *Sampler) Count() int { return len(s.sampled) }
