package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-control-go/internal/camera"
)

func sample(cpu, mem float64) Sample {
	return Sample{CPUPercent: cpu, MemPercent: mem, CameraFPS: map[string]float64{}}
}

func TestControllerTargetLadder(t *testing.T) {
	c := NewController(DefaultThresholds())
	cams := []string{"a"}

	cases := []struct {
		cpu  float64
		want camera.QualityLevel
	}{
		{20, camera.QualityFull},
		{79.9, camera.QualityFull},
		{80, camera.QualityReduced},
		{85, camera.QualitySkip2},
		{90, camera.QualitySkip4},
		{95, camera.QualitySkip4},
		{100, camera.QualityMinimalPreview},
	}
	for _, tc := range cases {
		c = NewController(DefaultThresholds()) // fresh state per case
		c.Tick(sample(tc.cpu, 0), cams)
		assert.Equal(t, tc.want, c.Level("a"), "cpu=%v", tc.cpu)
	}
}

func TestControllerUsesWorstOfCPUAndMemory(t *testing.T) {
	c := NewController(DefaultThresholds())
	c.Tick(sample(10, 95), []string{"a"})
	assert.Equal(t, camera.QualitySkip4, c.Level("a"))
}

func TestControllerEscalatesImmediately(t *testing.T) {
	c := NewController(DefaultThresholds())

	changed := c.Tick(sample(95, 0), []string{"a"})
	require.Contains(t, changed, "a")
	assert.Equal(t, camera.QualitySkip4, changed["a"])

	// Further degradation also applies on the very next sample.
	changed = c.Tick(sample(105, 0), []string{"a"})
	assert.Equal(t, camera.QualityMinimalPreview, changed["a"])
}

func TestControllerRecoveryIsHysteretic(t *testing.T) {
	cfg := DefaultThresholds()
	cfg.RecoverHold = 3
	c := NewController(cfg)
	cams := []string{"a"}

	c.Tick(sample(95, 0), cams)
	require.Equal(t, camera.QualitySkip4, c.Level("a"))

	// Two improved samples are not enough.
	c.Tick(sample(20, 0), cams)
	c.Tick(sample(20, 0), cams)
	assert.Equal(t, camera.QualitySkip4, c.Level("a"))

	// Third improved sample steps exactly one level down.
	changed := c.Tick(sample(20, 0), cams)
	assert.Equal(t, camera.QualitySkip2, changed["a"])

	// Walking all the way back to Full takes RecoverHold samples per level.
	for i := 0; i < 6; i++ {
		c.Tick(sample(20, 0), cams)
	}
	assert.Equal(t, camera.QualityFull, c.Level("a"))
}

func TestControllerRecoveryResetOnRelapse(t *testing.T) {
	cfg := DefaultThresholds()
	cfg.RecoverHold = 3
	c := NewController(cfg)
	cams := []string{"a"}

	c.Tick(sample(95, 0), cams)
	c.Tick(sample(20, 0), cams)
	c.Tick(sample(20, 0), cams)

	// Load spikes again: the recovery streak restarts from zero.
	c.Tick(sample(95, 0), cams)
	c.Tick(sample(20, 0), cams)
	c.Tick(sample(20, 0), cams)
	assert.Equal(t, camera.QualitySkip4, c.Level("a"))
}

// More active cameras inflate effective load, so a fleet degrades before the
// same absolute load would degrade a single camera.
func TestControllerPerCameraScaling(t *testing.T) {
	one := NewController(DefaultThresholds())
	one.Tick(sample(75, 0), []string{"a"})
	assert.Equal(t, camera.QualityFull, one.Level("a"))

	// 75% * (1 + 0.15*2) = 97.5% effective with three cameras.
	three := NewController(DefaultThresholds())
	three.Tick(sample(75, 0), []string{"a", "b", "c"})
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, camera.QualitySkip4, three.Level(id))
	}
}

// Identical sample sequences against identical camera sets must produce
// identical decisions, regardless of input ordering.
func TestControllerDeterministic(t *testing.T) {
	samples := []Sample{
		sample(95, 0), sample(85, 0), sample(20, 0),
		sample(20, 0), sample(20, 0), sample(91, 10),
	}

	run := func(cams []string) []map[string]camera.QualityLevel {
		c := NewController(DefaultThresholds())
		out := make([]map[string]camera.QualityLevel, 0, len(samples))
		for _, s := range samples {
			out = append(out, c.Tick(s, cams))
		}
		return out
	}

	a := run([]string{"cam1", "cam2"})
	b := run([]string{"cam2", "cam1"})
	assert.Equal(t, a, b)
}

func TestControllerForget(t *testing.T) {
	c := NewController(DefaultThresholds())
	c.Tick(sample(95, 0), []string{"a"})
	require.Equal(t, camera.QualitySkip4, c.Level("a"))

	c.Forget("a")
	assert.Equal(t, camera.QualityFull, c.Level("a"))
}

func TestControllerZeroThresholdsFallBack(t *testing.T) {
	c := NewController(Thresholds{})
	c.Tick(sample(95, 0), []string{"a"})
	assert.Equal(t, camera.QualitySkip4, c.Level("a"))
}
