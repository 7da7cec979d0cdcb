package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTickMovesTowardTarget(t *testing.T) {
	var last Targets
	s := New(0.5, Targets{Progress: 1, Speed: 1e9, ETA: 1e9}, Targets{}, func(t Targets) { last = t })
	s.SetTarget(Targets{Progress: 1.0, Speed: 100, ETA: 10})
	s.Tick()
	require.InDelta(t, 0.5, last.Progress, 1e-9)
	require.InDelta(t, 50, last.Speed, 1e-9)
}

func TestTickClampedByMaxChange(t *testing.T) {
	var last Targets
	s := New(1.0, Targets{Progress: 0.1, Speed: 1e9, ETA: 1e9}, Targets{}, func(t Targets) { last = t })
	s.SetTarget(Targets{Progress: 1.0})
	s.Tick()
	require.InDelta(t, 0.1, last.Progress, 1e-9)
}

func TestSnapsToTargetWithinThreshold(t *testing.T) {
	var last Targets
	s := New(0.1, Targets{Progress: 1, Speed: 1e9, ETA: 1e9}, Targets{Progress: 0.05}, func(t Targets) { last = t })
	s.SetTarget(Targets{Progress: 1.0})
	s.display.Progress = 0.98 // within threshold already
	s.Tick()
	require.Equal(t, 1.0, last.Progress)
}

func TestMultipleTicksConverge(t *testing.T) {
	var last Targets
	s := New(0.5, Targets{Progress: 1, Speed: 1e9, ETA: 1e9}, Targets{Progress: 0.001}, func(t Targets) { last = t })
	s.SetTarget(Targets{Progress: 1.0})
	for i := 0; i < 50; i++ {
		s.Tick()
	}
	require.InDelta(t, 1.0, last.Progress, 0.01)
}
