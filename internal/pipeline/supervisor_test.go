package pipeline

import (
	"image"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-control-go/internal/camera"
	"camera-control-go/internal/config"
	"camera-control-go/internal/device"
	"camera-control-go/internal/perf"
	"camera-control-go/internal/record"
)

// fakeProbe feeds the monitor settable load values.
type fakeProbe struct {
	cpu atomic.Uint64
	mem atomic.Uint64
}

func (p *fakeProbe) setCPU(v float64)                { p.cpu.Store(uint64(v * 100)) }
func (p *fakeProbe) CPUPercent() (float64, error)    { return float64(p.cpu.Load()) / 100, nil }
func (p *fakeProbe) MemoryPercent() (float64, error) { return float64(p.mem.Load()) / 100, nil }

// trackingBackend wraps the sim backend and keeps the last opened device so
// tests can inject read failures.
type trackingBackend struct {
	inner device.Backend

	mu   sync.Mutex
	last *device.SimDevice
}

func (b *trackingBackend) Open(ref string) (device.Device, error) {
	dev, err := b.inner.Open(ref)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.last = dev.(*device.SimDevice)
	b.mu.Unlock()
	return dev, nil
}

func (b *trackingBackend) lastDevice() *device.SimDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

type testRig struct {
	sup     *Supervisor
	backend *trackingBackend
	probe   *fakeProbe
}

func newTestRig(t *testing.T, thresholds perf.Thresholds) *testRig {
	t.Helper()

	backend := &trackingBackend{inner: &device.SimBackend{Width: 64, Height: 48, FPS: 100}}
	probe := &fakeProbe{}
	probe.setCPU(10)

	monitor := perf.NewMonitor(probe)
	monitor.Start(10 * time.Millisecond)
	t.Cleanup(monitor.Stop)

	recorder, err := record.NewRecorder(record.Config{
		Dir:          t.TempDir(),
		FPS:          30,
		PollInterval: 2 * time.Millisecond,
		NewEncoder:   func(record.Codec) record.Encoder { return &nopEncoder{} },
	})
	require.NoError(t, err)

	sup := NewSupervisor(backend, recorder, monitor, perf.NewController(thresholds), Config{
		ReadTimeout:    100 * time.Millisecond,
		MaxTimeouts:    3,
		SampleInterval: 20 * time.Millisecond,
	})
	sup.Start()
	t.Cleanup(sup.Stop)

	return &testRig{sup: sup, backend: backend, probe: probe}
}

type nopEncoder struct{}

func (nopEncoder) Open(string, float64, int, int) error { return nil }
func (nopEncoder) Write(image.Image) error              { return nil }
func (nopEncoder) Close() error                         { return nil }

func TestSupervisorConnectStreamLifecycle(t *testing.T) {
	rig := newTestRig(t, perf.DefaultThresholds())

	id, err := rig.sup.Connect("0")
	require.NoError(t, err)

	status, err := rig.sup.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, status.State)
	assert.Equal(t, camera.MinZoom, status.Zoom)

	require.NoError(t, rig.sup.StartStream(id))
	status, _ = rig.sup.Status(id)
	assert.Equal(t, StateStreaming, status.State)

	// Frames are flowing.
	require.Eventually(t, func() bool {
		s, err := rig.sup.Status(id)
		return err == nil && s.FrameSeq > 0
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := rig.sup.LatestFrame(id)
	assert.True(t, ok)

	require.NoError(t, rig.sup.StopStream(id))
	status, _ = rig.sup.Status(id)
	assert.Equal(t, StateConnected, status.State)

	require.NoError(t, rig.sup.Disconnect(id))
	_, err = rig.sup.Status(id)
	assert.ErrorIs(t, err, ErrUnknownCamera)
}

func TestSupervisorInvalidTransitions(t *testing.T) {
	rig := newTestRig(t, perf.DefaultThresholds())

	_, err := rig.sup.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownCamera)
	assert.ErrorIs(t, rig.sup.StartStream("nope"), ErrUnknownCamera)

	id, err := rig.sup.Connect("0")
	require.NoError(t, err)

	// Recording requires a live stream.
	_, err = rig.sup.StartRecording(id, "", record.CodecXVID)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.ErrorIs(t, rig.sup.StopStream(id), ErrInvalidState)

	require.NoError(t, rig.sup.StartStream(id))
	assert.ErrorIs(t, rig.sup.StartStream(id), ErrInvalidState)
}

func TestSupervisorZoom(t *testing.T) {
	rig := newTestRig(t, perf.DefaultThresholds())
	id, err := rig.sup.Connect("0")
	require.NoError(t, err)

	assert.ErrorIs(t, rig.sup.SetZoom(id, 0.5), ErrInvalidZoom)
	assert.ErrorIs(t, rig.sup.SetZoom(id, 6), ErrInvalidZoom)

	require.NoError(t, rig.sup.SetZoom(id, 2.5))
	status, _ := rig.sup.Status(id)
	assert.Equal(t, 2.5, status.Zoom)

	// Zoom survives a stream start and applies to the worker.
	require.NoError(t, rig.sup.StartStream(id))
	status, _ = rig.sup.Status(id)
	assert.Equal(t, 2.5, status.Zoom)
}

func TestSupervisorParameters(t *testing.T) {
	rig := newTestRig(t, perf.DefaultThresholds())
	id, err := rig.sup.Connect("0")
	require.NoError(t, err)

	p, err := rig.sup.GetParameter(id, "brightness")
	require.NoError(t, err)
	assert.Equal(t, 128.0, p.Value)

	require.NoError(t, rig.sup.SetParameter(id, "brightness", 64))
	p, _ = rig.sup.GetParameter(id, "brightness")
	assert.Equal(t, 64.0, p.Value)

	assert.ErrorIs(t, rig.sup.SetParameter(id, "brightness", 1000), device.ErrOutOfRange)
	_, err = rig.sup.GetParameter(id, "nope")
	assert.ErrorIs(t, err, device.ErrUnknownParameter)

	require.NoError(t, rig.sup.SetParameterAuto(id, "exposure", false))
	p, _ = rig.sup.GetParameter(id, "exposure")
	assert.False(t, p.Auto)
}

func TestSupervisorRecordingLifecycle(t *testing.T) {
	rig := newTestRig(t, perf.DefaultThresholds())
	id, err := rig.sup.Connect("0")
	require.NoError(t, err)
	require.NoError(t, rig.sup.StartStream(id))

	session, err := rig.sup.StartRecording(id, "", record.CodecXVID)
	require.NoError(t, err)
	assert.Equal(t, record.SessionActive, session.State)

	status, _ := rig.sup.Status(id)
	assert.Equal(t, StateRecording, status.State)
	require.NotNil(t, status.Recording)

	_, err = rig.sup.StartRecording(id, "", record.CodecXVID)
	assert.ErrorIs(t, err, record.ErrAlreadyRecording)

	final, err := rig.sup.StopRecording(id)
	require.NoError(t, err)
	assert.Equal(t, record.SessionComplete, final.State)

	status, _ = rig.sup.Status(id)
	assert.Equal(t, StateStreaming, status.State)
	assert.Nil(t, status.Recording)
}

// Disconnecting mid-recording finalizes the session as incomplete instead of
// leaving a corrupt open container.
func TestSupervisorDisconnectWhileRecording(t *testing.T) {
	rig := newTestRig(t, perf.DefaultThresholds())
	id, err := rig.sup.Connect("0")
	require.NoError(t, err)
	require.NoError(t, rig.sup.StartStream(id))

	_, err = rig.sup.StartRecording(id, "", record.CodecXVID)
	require.NoError(t, err)

	require.NoError(t, rig.sup.Disconnect(id))

	sessions := rig.sup.recorder.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, record.SessionIncomplete, sessions[0].State)
}

// A camera whose device stops delivering settles to Disconnected with a
// machine-readable reason while other cameras keep running.
func TestSupervisorDeviceLossIsolated(t *testing.T) {
	rig := newTestRig(t, perf.DefaultThresholds())

	healthy, err := rig.sup.Connect("0")
	require.NoError(t, err)
	require.NoError(t, rig.sup.StartStream(healthy))

	victim, err := rig.sup.Connect("1")
	require.NoError(t, err)
	victimDev := rig.backend.lastDevice()
	require.NoError(t, rig.sup.StartStream(victim))

	victimDev.ForceReadError(device.ErrTimeout)

	require.Eventually(t, func() bool {
		s, err := rig.sup.Status(victim)
		return err == nil && s.State == StateDisconnected
	}, 3*time.Second, 20*time.Millisecond)

	status, _ := rig.sup.Status(victim)
	assert.Equal(t, "timeout", status.Reason)

	// The healthy camera never noticed.
	before, _ := rig.sup.Status(healthy)
	require.Eventually(t, func() bool {
		s, _ := rig.sup.Status(healthy)
		return s.State == StateStreaming && s.FrameSeq > before.FrameSeq
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorAdaptiveEscalationAndRecovery(t *testing.T) {
	thresholds := perf.DefaultThresholds()
	thresholds.RecoverHold = 2
	rig := newTestRig(t, thresholds)

	id, err := rig.sup.Connect("0")
	require.NoError(t, err)
	require.NoError(t, rig.sup.StartStream(id))

	// Light load: stays at full quality.
	time.Sleep(100 * time.Millisecond)
	status, _ := rig.sup.Status(id)
	assert.Equal(t, "full", status.Quality)

	// Sustained critical load escalates to heavy skipping.
	rig.probe.setCPU(95)
	require.Eventually(t, func() bool {
		s, _ := rig.sup.Status(id)
		return s.Quality == "skip4"
	}, 3*time.Second, 20*time.Millisecond)

	// Recovery walks back down once the load clears.
	rig.probe.setCPU(15)
	require.Eventually(t, func() bool {
		s, _ := rig.sup.Status(id)
		return s.Quality == "full"
	}, 5*time.Second, 20*time.Millisecond)
}

// Zoom and parameter changes persist per device ref and are re-applied on the
// next connect.
func TestSupervisorStatePersistence(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.toml")
	states, err := config.OpenStateStore(statePath)
	require.NoError(t, err)

	rig := newTestRig(t, perf.DefaultThresholds())
	rig.sup.cfg.States = states

	id, err := rig.sup.Connect("0")
	require.NoError(t, err)
	require.NoError(t, rig.sup.SetZoom(id, 3.5))
	require.NoError(t, rig.sup.SetParameter(id, "brightness", 42))
	require.NoError(t, rig.sup.Disconnect(id))

	id2, err := rig.sup.Connect("0")
	require.NoError(t, err)

	status, _ := rig.sup.Status(id2)
	assert.Equal(t, 3.5, status.Zoom)

	p, err := rig.sup.GetParameter(id2, "brightness")
	require.NoError(t, err)
	assert.Equal(t, 42.0, p.Value)
}

func TestSupervisorStopTearsDownEverything(t *testing.T) {
	rig := newTestRig(t, perf.DefaultThresholds())

	id, err := rig.sup.Connect("0")
	require.NoError(t, err)
	require.NoError(t, rig.sup.StartStream(id))
	_, err = rig.sup.StartRecording(id, "", record.CodecXVID)
	require.NoError(t, err)

	rig.sup.Stop()

	assert.Empty(t, rig.sup.ListActive())
	assert.False(t, rig.sup.recorder.IsRecording(id))

	// Deliberate shutdown completes sessions normally.
	sessions := rig.sup.recorder.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, record.SessionComplete, sessions[0].State)
}
