package perf

import (
	"math"
	"sort"
	"sync"

	"camera-control-go/internal/camera"
)

// Thresholds tunes the adaptive quality controller. The escalation points
// and hysteresis depth are deployment-specific, so they live in configuration
// rather than constants.
type Thresholds struct {
	// HighPercent is the load (CPU% or memory%) where quality first degrades.
	HighPercent float64
	// CriticalPercent is the load where heavy frame skipping kicks in.
	CriticalPercent float64
	// PerCameraScale inflates effective load per extra active camera, so a
	// bigger fleet escalates earlier. 0.15 means each additional camera
	// counts the measured load 15% heavier.
	PerCameraScale float64
	// RecoverHold is how many consecutive improved samples are required
	// before stepping one level back toward Full (hysteresis).
	RecoverHold int
}

// DefaultThresholds matches the defaults in the config package.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighPercent:     80,
		CriticalPercent: 90,
		PerCameraScale:  0.15,
		RecoverHold:     3,
	}
}

// Controller maps load samples to per-camera quality levels. Escalation is
// immediate and monotonic in load; de-escalation is hysteretic, stepping one
// level per RecoverHold consecutive improved samples to avoid oscillating
// under noisy load. Deterministic: identical sample sequences for identical
// camera sets produce identical outputs.
type Controller struct {
	cfg Thresholds

	mu       sync.Mutex
	levels   map[string]camera.QualityLevel
	recovery map[string]int
}

// NewController creates a controller; zero-value thresholds fall back to
// defaults.
func NewController(cfg Thresholds) *Controller {
	def := DefaultThresholds()
	if cfg.HighPercent <= 0 {
		cfg.HighPercent = def.HighPercent
	}
	if cfg.CriticalPercent <= cfg.HighPercent {
		cfg.CriticalPercent = math.Max(def.CriticalPercent, cfg.HighPercent+5)
	}
	if cfg.PerCameraScale < 0 {
		cfg.PerCameraScale = 0
	}
	if cfg.RecoverHold <= 0 {
		cfg.RecoverHold = def.RecoverHold
	}
	return &Controller{
		cfg:      cfg,
		levels:   make(map[string]camera.QualityLevel),
		recovery: make(map[string]int),
	}
}

// Level returns the current level for a camera (Full for unknown ids).
func (c *Controller) Level(id string) camera.QualityLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels[id]
}

// Forget drops controller state for a camera that went away.
func (c *Controller) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.levels, id)
	delete(c.recovery, id)
}

// Tick consumes one sample for the given active cameras and returns the new
// level for each camera whose level changed.
func (c *Controller) Tick(s Sample, active []string) map[string]camera.QualityLevel {
	target := c.target(s, len(active))

	c.mu.Lock()
	defer c.mu.Unlock()

	// Deterministic iteration order.
	ids := make([]string, len(active))
	copy(ids, active)
	sort.Strings(ids)

	changed := make(map[string]camera.QualityLevel)
	for _, id := range ids {
		current := c.levels[id]

		switch {
		case target > current:
			// More degraded than now: escalate immediately.
			c.levels[id] = target
			c.recovery[id] = 0
			changed[id] = target

		case target < current:
			// Improvement must hold for RecoverHold samples, then move one
			// level at a time.
			c.recovery[id]++
			if c.recovery[id] >= c.cfg.RecoverHold {
				c.levels[id] = current - 1
				c.recovery[id] = 0
				changed[id] = current - 1
			}

		default:
			c.recovery[id] = 0
		}
	}
	return changed
}

// target maps a sample and the active camera count onto the quality ladder.
// Monotonic in load; effective load grows with the camera count so aggregate
// cost stays bounded.
func (c *Controller) target(s Sample, cameraCount int) camera.QualityLevel {
	if cameraCount < 1 {
		cameraCount = 1
	}
	scale := 1 + c.cfg.PerCameraScale*float64(cameraCount-1)
	load := math.Max(s.CPUPercent, s.MemPercent) * scale

	high := c.cfg.HighPercent
	critical := c.cfg.CriticalPercent
	switch {
	case load >= critical+10:
		return camera.QualityMinimalPreview
	case load >= critical:
		return camera.QualitySkip4
	case load >= (high+critical)/2:
		return camera.QualitySkip2
	case load >= high:
		return camera.QualityReduced
	default:
		return camera.QualityFull
	}
}
