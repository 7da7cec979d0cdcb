// Package progress implements EWMA-style display-value interpolation for
// progress, speed and ETA (spec.md §4.I).
package progress

import (
	"sync"
	"time"
)

const defaultTickRate = 60 // updates/s

// Targets holds the raw target values the smoother chases.
type Targets struct {
	Progress float64 // [0,1]
	Speed    float64 // bytes/s
	ETA      float64 // seconds
}

// Smoother independently interpolates Progress, Speed and ETA toward
// their latest targets, each tick moving a fraction (factor) of the
// remaining distance, clamped by a max change per update and snapping to
// target once within a threshold.
type Smoother struct {
	mu sync.Mutex

	factor             float64
	maxChangePerUpdate Targets
	minChangeThreshold Targets

	target  Targets
	display Targets

	onUpdate func(Targets)

	stop chan struct{}
}

// New constructs a Smoother. factor is the per-tick interpolation
// fraction (e.g. 0.2); maxChange bounds the largest single-tick delta per
// field; minChange is the snap-to-target threshold per field.
func New(factor float64, maxChange, minChange Targets, onUpdate func(Targets)) *Smoother {
	return &Smoother{
		factor:             factor,
		maxChangePerUpdate: maxChange,
		minChangeThreshold: minChange,
		onUpdate:           onUpdate,
	}
}

// SetTarget updates the values the smoother chases on the next ticks.
func (s *Smoother) SetTarget(t Targets) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = t
}

// Tick advances the display values by one interpolation step and invokes
// onUpdate with the new display values.
func (s *Smoother) Tick() {
	s.mu.Lock()
	s.display.Progress = step(s.display.Progress, s.target.Progress, s.factor, s.maxChangePerUpdate.Progress, s.minChangeThreshold.Progress)
	s.display.Speed = step(s.display.Speed, s.target.Speed, s.factor, s.maxChangePerUpdate.Speed, s.minChangeThreshold.Speed)
	s.display.ETA = step(s.display.ETA, s.target.ETA, s.factor, s.maxChangePerUpdate.ETA, s.minChangeThreshold.ETA)
	out := s.display
	cb := s.onUpdate
	s.mu.Unlock()

	if cb != nil {
		cb(out)
	}
}

func step(display, target, factor, maxChange, minThreshold float64) float64 {
	diff := target - display
	if abs(diff) <= minThreshold {
		return target
	}
	delta := diff * factor
	if abs(delta) > maxChange {
		if delta > 0 {
			delta = maxChange
		} else {
			delta = -maxChange
		}
	}
	return display + delta
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Display returns the current smoothed values.
func (s *Smoother) Display() Targets {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// Run ticks at approximately 60 updates/s until Stop is called. Intended
// to be launched as its own goroutine, scoped to one transfer.
func (s *Smoother) Run() {
	s.mu.Lock()
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	ticker := time.NewTicker(time.Second / defaultTickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-stop:
			return
		}
	}
}

// Stop ends a running Run loop.
func (s *Smoother) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
