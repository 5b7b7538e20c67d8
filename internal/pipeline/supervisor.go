// Package pipeline owns the per-camera capture and recording workers. The
// Supervisor is the only component holding live device handles and worker
// references; the UI layer only ever sees camera ids and status snapshots,
// so a disconnect can never leave it with a dangling reference.
package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"camera-control-go/internal/camera"
	"camera-control-go/internal/config"
	"camera-control-go/internal/device"
	"camera-control-go/internal/perf"
	"camera-control-go/internal/record"
)

// StateStore persists per-camera runtime state (zoom, last-used parameters)
// across restarts, keyed by device ref. Optional; nil disables persistence.
type StateStore interface {
	Get(ref string) (config.CameraState, bool)
	Put(ref string, st config.CameraState) error
}

// State is a camera's position in the supervisor's per-camera state machine:
// Disconnected -> Connected -> Streaming <-> Recording, with device errors
// routing through Error before settling back to Disconnected.
type State string

const (
	StateConnected    State = "connected"
	StateStreaming    State = "streaming"
	StateRecording    State = "recording"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// CameraStatus is the aggregated per-camera view for the status display.
type CameraStatus struct {
	ID        string          `json:"id"`
	DeviceRef string          `json:"device_ref"`
	State     State           `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	Zoom      float64         `json:"zoom"`
	Quality   string          `json:"quality"`
	FPS       float64         `json:"fps"`
	FrameSeq  uint64          `json:"frame_seq"`
	Recording *record.Session `json:"recording,omitempty"`
}

// Config tunes the supervisor and the workers it spawns.
type Config struct {
	ReadTimeout    time.Duration
	MaxTimeouts    int
	SampleInterval time.Duration
	// States, when set, restores zoom and parameters on connect and saves
	// them on change.
	States StateStore
}

// Supervisor mediates lifecycle commands between the UI layer and the
// per-camera workers, and fans quality decisions out to them.
type Supervisor struct {
	backend    device.Backend
	cfg        Config
	recorder   *record.Recorder
	monitor    *perf.Monitor
	controller *perf.Controller
	log        *slog.Logger

	mu   sync.RWMutex
	cams map[string]*entry

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// entry is the supervisor's row for one camera: id -> handles + status.
type entry struct {
	id     string
	ref    string
	dev    device.Device
	buf    *camera.FrameBuffer
	worker *camera.CaptureWorker
	state  State
	reason string
	zoom   float64

	// paramMu serializes parameter access per camera; independent cameras
	// reconfigure concurrently. Also guards persist.
	paramMu sync.Mutex
	persist config.CameraState
}

// NewSupervisor wires the supervisor to its collaborators.
func NewSupervisor(backend device.Backend, recorder *record.Recorder, monitor *perf.Monitor, controller *perf.Controller, cfg Config) *Supervisor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 2 * time.Second
	}
	return &Supervisor{
		backend:    backend,
		cfg:        cfg,
		recorder:   recorder,
		monitor:    monitor,
		controller: controller,
		log:        slog.With("component", "supervisor"),
		cams:       make(map[string]*entry),
	}
}

// Start launches the quality fan-out loop.
func (s *Supervisor) Start() {
	if s.running.Swap(true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.qualityLoop()
}

// Stop halts the quality loop and tears down every camera. Active recording
// sessions are finalized normally first; this is a deliberate shutdown, not a
// device loss, so sessions must not end up marked incomplete.
func (s *Supervisor) Stop() {
	if s.running.Swap(false) {
		close(s.stopCh)
		<-s.done
	}
	s.recorder.StopAll()
	for _, id := range s.ids() {
		if err := s.Disconnect(id); err != nil {
			s.log.Warn("disconnect on shutdown failed", "camera", id, "err", err)
		}
	}
}

// Connect opens a device and registers it. Returns the new camera id.
func (s *Supervisor) Connect(ref string) (string, error) {
	dev, err := s.backend.Open(ref)
	if err != nil {
		return "", fmt.Errorf("connect %q: %w", ref, err)
	}

	id := uuid.NewString()[:8]
	e := &entry{
		id:    id,
		ref:   ref,
		dev:   dev,
		buf:   camera.NewFrameBuffer(),
		state: StateConnected,
		zoom:  camera.MinZoom,
		persist: config.CameraState{
			Zoom:   camera.MinZoom,
			Params: make(map[string]float64),
			Auto:   make(map[string]bool),
		},
	}
	s.restoreState(e, dev)

	s.mu.Lock()
	s.cams[id] = e
	s.mu.Unlock()

	s.monitor.RegisterCamera(id, e.buf)
	s.log.Info("camera connected", "camera", id, "ref", ref, "device", dev.ID())
	return id, nil
}

// restoreState re-applies the device ref's last-used zoom and parameters.
// Parameter failures are logged, not fatal: the device may have lost a
// capability since the state was saved.
func (s *Supervisor) restoreState(e *entry, dev device.Device) {
	if s.cfg.States == nil {
		return
	}
	st, ok := s.cfg.States.Get(e.ref)
	if !ok {
		return
	}

	if st.Zoom >= camera.MinZoom && st.Zoom <= camera.MaxZoom {
		e.zoom = st.Zoom
		e.persist.Zoom = st.Zoom
	}
	for name, auto := range st.Auto {
		if err := dev.SetAuto(name, auto); err != nil {
			s.log.Warn("restore auto mode failed", "ref", e.ref, "param", name, "err", err)
			continue
		}
		e.persist.Auto[name] = auto
	}
	for name, value := range st.Params {
		if err := dev.SetParameter(name, value); err != nil {
			s.log.Warn("restore parameter failed", "ref", e.ref, "param", name, "err", err)
			continue
		}
		e.persist.Params[name] = value
	}
}

// saveState writes the entry's persisted state. Caller holds e.paramMu.
func (s *Supervisor) saveState(e *entry) {
	if s.cfg.States == nil {
		return
	}
	if err := s.cfg.States.Put(e.ref, e.persist); err != nil {
		s.log.Warn("persist camera state failed", "ref", e.ref, "err", err)
	}
}

// Disconnect stops streaming and recording for the camera and releases its
// device. Any active recording session is finalized as Incomplete.
func (s *Supervisor) Disconnect(id string) error {
	s.mu.Lock()
	e, ok := s.cams[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownCamera)
	}
	worker := e.worker
	dev := e.dev
	e.worker = nil
	e.dev = nil
	e.state = StateDisconnected
	delete(s.cams, id)
	s.mu.Unlock()

	s.recorder.Abort(id)
	if worker != nil {
		worker.Stop()
	}
	if dev != nil {
		dev.Close()
	}
	s.monitor.UnregisterCamera(id)
	s.controller.Forget(id)
	s.log.Info("camera disconnected", "camera", id)
	return nil
}

// StartStream spawns the camera's capture worker.
func (s *Supervisor) StartStream(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cams[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownCamera)
	}
	if e.state != StateConnected {
		return fmt.Errorf("start stream in state %s: %w", e.state, ErrInvalidState)
	}

	e.worker = camera.NewCaptureWorker(id, e.dev, e.buf, camera.CaptureConfig{
		ReadTimeout:  s.cfg.ReadTimeout,
		MaxTimeouts:  s.cfg.MaxTimeouts,
		Zoom:         e.zoom,
		OnDeviceLost: s.onDeviceLost,
	})
	if err := e.worker.Start(); err != nil {
		e.worker = nil
		return err
	}
	e.state = StateStreaming
	e.reason = ""
	return nil
}

// StopStream halts capture (and any recording first). On return the camera's
// frame buffer is quiescent.
func (s *Supervisor) StopStream(id string) error {
	s.mu.Lock()
	e, ok := s.cams[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownCamera)
	}
	if e.state != StateStreaming && e.state != StateRecording {
		state := e.state
		s.mu.Unlock()
		return fmt.Errorf("stop stream in state %s: %w", state, ErrInvalidState)
	}
	worker := e.worker
	e.worker = nil
	s.mu.Unlock()

	s.recorder.Stop(id)
	if worker != nil {
		worker.Stop()
	}

	s.mu.Lock()
	if e.state == StateStreaming || e.state == StateRecording {
		e.state = StateConnected
	}
	s.mu.Unlock()
	return nil
}

// StartRecording begins a recording session for a streaming camera. Path may
// be empty (deterministic default name); codec must be in the supported set.
func (s *Supervisor) StartRecording(id, path string, codec record.Codec) (record.Session, error) {
	s.mu.Lock()
	e, ok := s.cams[id]
	if !ok {
		s.mu.Unlock()
		return record.Session{}, fmt.Errorf("%s: %w", id, ErrUnknownCamera)
	}
	if e.state != StateStreaming && e.state != StateRecording {
		state := e.state
		s.mu.Unlock()
		return record.Session{}, fmt.Errorf("start recording in state %s: %w", state, ErrInvalidState)
	}
	buf := e.buf
	s.mu.Unlock()

	session, err := s.recorder.Start(id, buf, path, codec)
	if err != nil {
		return record.Session{}, err
	}

	s.mu.Lock()
	if e.state == StateStreaming {
		e.state = StateRecording
	}
	s.mu.Unlock()
	return session, nil
}

// StopRecording finalizes the camera's session. No-op if not recording.
func (s *Supervisor) StopRecording(id string) (record.Session, error) {
	s.mu.RLock()
	e, ok := s.cams[id]
	s.mu.RUnlock()
	if !ok {
		return record.Session{}, fmt.Errorf("%s: %w", id, ErrUnknownCamera)
	}

	session, _ := s.recorder.Stop(id)

	s.mu.Lock()
	if e.state == StateRecording {
		e.state = StateStreaming
	}
	s.mu.Unlock()
	return session, nil
}

// SetZoom updates the camera's digital zoom factor.
func (s *Supervisor) SetZoom(id string, factor float64) error {
	if factor < camera.MinZoom || factor > camera.MaxZoom {
		return fmt.Errorf("zoom %.2f: %w", factor, ErrInvalidZoom)
	}
	s.mu.Lock()
	e, ok := s.cams[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownCamera)
	}
	e.zoom = factor
	if e.worker != nil {
		e.worker.SetZoom(factor)
	}
	s.mu.Unlock()

	e.paramMu.Lock()
	e.persist.Zoom = factor
	s.saveState(e)
	e.paramMu.Unlock()
	return nil
}

// GetParameter reads a named device parameter.
func (s *Supervisor) GetParameter(id, name string) (device.Parameter, error) {
	e, dev, err := s.deviceFor(id)
	if err != nil {
		return device.Parameter{}, err
	}
	e.paramMu.Lock()
	defer e.paramMu.Unlock()
	return dev.GetParameter(name)
}

// SetParameter writes a named device parameter. A rejected or out-of-range
// write leaves the device value unchanged and surfaces the error.
func (s *Supervisor) SetParameter(id, name string, value float64) error {
	e, dev, err := s.deviceFor(id)
	if err != nil {
		return err
	}
	e.paramMu.Lock()
	defer e.paramMu.Unlock()
	if err := dev.SetParameter(name, value); err != nil {
		return err
	}
	e.persist.Params[name] = value
	s.saveState(e)
	return nil
}

// SetParameterAuto toggles a parameter's auto mode.
func (s *Supervisor) SetParameterAuto(id, name string, auto bool) error {
	e, dev, err := s.deviceFor(id)
	if err != nil {
		return err
	}
	e.paramMu.Lock()
	defer e.paramMu.Unlock()
	if err := dev.SetAuto(name, auto); err != nil {
		return err
	}
	e.persist.Auto[name] = auto
	s.saveState(e)
	return nil
}

// deviceFor snapshots the entry's device under the table lock so a
// concurrent disconnect cannot yank it mid-call.
func (s *Supervisor) deviceFor(id string) (*entry, device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cams[id]
	if !ok || e.dev == nil {
		return nil, nil, fmt.Errorf("%s: %w", id, ErrUnknownCamera)
	}
	return e, e.dev, nil
}

// LatestFrame is the display consumer's read path: non-blocking, read-only.
func (s *Supervisor) LatestFrame(id string) (camera.Frame, bool) {
	s.mu.RLock()
	e, ok := s.cams[id]
	s.mu.RUnlock()
	if !ok {
		return camera.Frame{}, false
	}
	return e.buf.Latest()
}

// Status returns one camera's aggregated status.
func (s *Supervisor) Status(id string) (CameraStatus, error) {
	s.mu.RLock()
	e, ok := s.cams[id]
	s.mu.RUnlock()
	if !ok {
		return CameraStatus{}, fmt.Errorf("%s: %w", id, ErrUnknownCamera)
	}
	return s.statusOf(e), nil
}

// ListActive returns the status of every known camera, sorted by id.
func (s *Supervisor) ListActive() []CameraStatus {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.cams))
	for _, e := range s.cams {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]CameraStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.statusOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) statusOf(e *entry) CameraStatus {
	s.mu.RLock()
	st := CameraStatus{
		ID:        e.id,
		DeviceRef: e.ref,
		State:     e.state,
		Reason:    e.reason,
		Zoom:      e.zoom,
		Quality:   s.controller.Level(e.id).String(),
		FrameSeq:  e.buf.Seq(),
	}
	s.mu.RUnlock()

	if fps, ok := s.monitor.Latest().CameraFPS[e.id]; ok {
		st.FPS = fps
	}
	if session, ok := s.recorder.Session(e.id); ok {
		st.Recording = &session
	}
	return st
}

func (s *Supervisor) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cams))
	for id := range s.cams {
		ids = append(ids, id)
	}
	return ids
}

// onDeviceLost runs on the failing camera's worker goroutine when the
// consecutive-timeout threshold is crossed. The failure stays isolated to
// this camera: its session is finalized Incomplete, its device released, and
// its status settles to Disconnected with the reason retained.
func (s *Supervisor) onDeviceLost(id string, reason error) {
	s.mu.Lock()
	e, ok := s.cams[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.state = StateError
	e.reason = Code(reason)
	dev := e.dev
	e.dev = nil
	e.worker = nil
	s.mu.Unlock()

	s.log.Warn("device lost", "camera", id, "reason", reason)
	s.recorder.Abort(id)
	if dev != nil {
		dev.Close()
	}
	s.monitor.UnregisterCamera(id)

	s.mu.Lock()
	e.state = StateDisconnected
	s.mu.Unlock()
}

// qualityLoop feeds monitor samples through the controller and fans the
// resulting level changes out to capture and recording workers.
func (s *Supervisor) qualityLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.adaptOnce()
		}
	}
}

func (s *Supervisor) adaptOnce() {
	sample := s.monitor.Latest()

	s.mu.RLock()
	active := make([]string, 0, len(s.cams))
	workers := make(map[string]*camera.CaptureWorker)
	for id, e := range s.cams {
		if e.state == StateStreaming || e.state == StateRecording {
			active = append(active, id)
			workers[id] = e.worker
		}
	}
	s.mu.RUnlock()

	for id, level := range s.controller.Tick(sample, active) {
		if w := workers[id]; w != nil {
			w.SetQuality(level)
		}
		s.recorder.SetQuality(id, level)
		s.log.Info("quality fan-out", "camera", id, "level", level.String(),
			"cpu", sample.CPUPercent, "mem", sample.MemPercent)
	}
}
