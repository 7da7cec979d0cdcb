package sampler

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateTiers(t *testing.T) {
	const mib = 1024 * 1024
	const gib = 1024 * mib
	require.Equal(t, 1.0, Rate(50*mib))
	require.Equal(t, 0.1, Rate(500*mib))
	require.Equal(t, 0.01, Rate(5*gib))
	require.Equal(t, 0.1, Rate(100*mib)) // boundary: 100 MiB is NOT < 100 MiB
	require.Equal(t, 0.01, Rate(1*gib))  // boundary: 1 GiB is NOT < 1 GiB
}

func TestSampleMandatoryIndices(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	set := Sample(1000, 5*1024*1024*1024, r) // large file -> low rate
	require.Contains(t, set, uint32(0))
	require.Contains(t, set, uint32(999))
	require.Contains(t, set, uint32(500))
}

func TestSampleTargetClampedToTotalChunks(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	set := Sample(2, 5*1024*1024*1024, r)
	// totalChunks < target is clamped to totalChunks
	require.LessOrEqual(t, len(set), 2)
}

func TestSampleSmallFileIsFullRate(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	set := Sample(10, 1024, r)
	require.Len(t, set, 10)
}

func TestSamplerIsSampled(t *testing.T) {
	s := New(10, 1024, rand.New(rand.NewSource(1)))
	require.Equal(t, 10, s.Count())
	for i := uint32(0); i < 10; i++ {
		require.True(t, s.IsSampled(i))
	}
}
