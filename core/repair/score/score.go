// Package score tracks how much of a database a repair pass recovered and
// how far it has progressed.
package score

import "sync"

// Scoreable is a score in [0,1] that never decreases.
type Scoreable struct {
	mu    sync.Mutex
	score float64
}

// Score returns the current score.
func (s *Scoreable) Score() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// IncreaseScore adds delta, clamped to 1. Non-positive deltas are ignored.
func (s *Scoreable) IncreaseScore(delta float64) {
	if !(delta > 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score += delta
	if s.score > 1 {
		s.score = 1
	}
}

// Reset sets the score back to 0.
func (s *Scoreable) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score = 0
}

// FractionalScoreable is a sub-unit weighing Weight of its parent. Its own
// score lives in [0,1] and is projected onto the parent as it grows.
type FractionalScoreable struct {
	parent *Scoreable
	weight float64
	own    Scoreable
}

// NewFractional returns a sub-unit of parent with the given weight.
func NewFractional(parent *Scoreable, weight float64) *FractionalScoreable {
	if weight < 0 {
		weight = 0
	}
	return &FractionalScoreable{parent: parent, weight: weight}
}

// Weight returns the fraction of the parent this unit accounts for.
func (f *FractionalScoreable) Weight() float64 {
	return f.weight
}

// Score returns the unit's own score.
func (f *FractionalScoreable) Score() float64 {
	return f.own.Score()
}

// IncreaseScore raises the unit's own score by delta and the parent's by
// the projected amount.
func (f *FractionalScoreable) IncreaseScore(delta float64) {
	before := f.own.Score()
	f.own.IncreaseScore(delta)
	if f.parent != nil {
		f.parent.IncreaseScore((f.own.Score() - before) * f.weight)
	}
}

// ProgressFunc receives the progress and the increment since the last
// call. Returning false requests cancellation.
type ProgressFunc func(progress, increment float64) bool

// Progress is a completion fraction in [0,1].
type Progress struct {
	mu       sync.Mutex
	progress float64

	// OnProgressUpdated, when set, is called on every update.
	OnProgressUpdated ProgressFunc
}

// Progress returns the current progress.
func (p *Progress) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// IncreaseProgress adds delta and notifies the callback. It returns false
// when the callback asked to stop.
func (p *Progress) IncreaseProgress(delta float64) bool {
	if !(delta > 0) {
		return true
	}
	p.mu.Lock()
	before := p.progress
	p.progress += delta
	if p.progress > 1 {
		p.progress = 1
	}
	now := p.progress
	fn := p.OnProgressUpdated
	p.mu.Unlock()

	if fn == nil || now == before {
		return true
	}
	return fn(now, now-before)
}

// Finish moves the progress to 1.
func (p *Progress) Finish() bool {
	return p.IncreaseProgress(1 - p.Progress())
}
