package antiban

import (
	"math/rand"
	"sync"
	"time"
)

// ============================================
// HUMANIZED PACING
// ============================================

// DelayOptions tunes the inter-message delay curve.
type DelayOptions struct {
	MinPercent          float64 // Lower bound as a fraction of max
	LongPauseEvery      int     // Every Nth message takes a long pause
	LongPauseMultiplier float64 // Long pause upper bound as a multiple of max
	Jitter              float64 // ± fraction applied after easing
}

// DefaultDelayOptions returns the standard pacing profile.
func DefaultDelayOptions() DelayOptions {
	return DelayOptions{
		MinPercent:          0.3,
		LongPauseEvery:      10,
		LongPauseMultiplier: 2,
		Jitter:              0.1,
	}
}

// DelayModel produces human-like waits between consecutive sends.
type DelayModel struct {
	opts DelayOptions
	rng  *rand.Rand
	mu   sync.Mutex
}

// NewDelayModel creates a model, filling zero options with defaults.
func NewDelayModel(opts DelayOptions) *DelayModel {
	def := DefaultDelayOptions()
	if opts.MinPercent <= 0 || opts.MinPercent > 1 {
		opts.MinPercent = def.MinPercent
	}
	if opts.LongPauseEvery <= 0 {
		opts.LongPauseEvery = def.LongPauseEvery
	}
	if opts.LongPauseMultiplier < 1 {
		opts.LongPauseMultiplier = def.LongPauseMultiplier
	}
	if opts.Jitter < 0 {
		opts.Jitter = def.Jitter
	}
	return &DelayModel{
		opts: opts,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Bounds returns the regular [min, max] range for the given ceiling.
func (m *DelayModel) Bounds(max time.Duration) (time.Duration, time.Duration) {
	return time.Duration(float64(max) * m.opts.MinPercent), max
}

// IsLongPause reports whether the message at index triggers a long pause.
func (m *DelayModel) IsLongPause(index int) bool {
	return index > 0 && index%m.opts.LongPauseEvery == 0
}

// Next returns the delay to wait after the message at index.
func (m *DelayModel) Next(max time.Duration, index int) time.Duration {
	if max <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Long break: somewhere between max and max*multiplier
	if m.IsLongPause(index) {
		span := float64(max) * (m.opts.LongPauseMultiplier - 1)
		return max + time.Duration(m.rng.Float64()*span)
	}

	min, _ := m.Bounds(max)
	eased := bezier(m.rng.Float64())
	d := float64(min) + eased*float64(max-min)

	// Jitter ±, then clamp back into range
	d *= 1 + (m.rng.Float64()*2-1)*m.opts.Jitter
	if d < float64(min) {
		d = float64(min)
	}
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}

// bezier is a cubic easing with control points 0, .5, .5, 1 which biases
// draws towards the middle of the range.
func bezier(u float64) float64 {
	return 1.5*u*(1-u) + u*u*u
}
