package record

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"camera-control-go/internal/camera"
)

// Errors surfaced to callers. No state changes on either.
var (
	ErrAlreadyRecording = fmt.Errorf("camera is already recording")
)

// Config tunes the recorder.
type Config struct {
	// Dir is where sessions land when no explicit path is given.
	Dir string
	// FPS is the nominal playback rate written into containers.
	FPS float64
	// PollInterval bounds how often a worker checks its camera's buffer for
	// a new frame; it should track the display refresh rate.
	PollInterval time.Duration
	// NewEncoder builds encoders per session; defaults to the gocv backend.
	NewEncoder EncoderFactory
}

// Recorder manages at most one recording worker per camera.
type Recorder struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	active map[string]*worker
	// pending holds cameras whose session is still opening its container.
	// The value is empty until a Stop/Abort arrives mid-start, in which case
	// it carries the terminal state the start path must finalize to.
	pending map[string]SessionState
	history []Session
}

// NewRecorder creates the session directory if needed and returns a recorder.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./recordings"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.NewEncoder == nil {
		cfg.NewEncoder = NewVideoWriterEncoder
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &Recorder{
		cfg:     cfg,
		log:     slog.With("component", "record"),
		active:  make(map[string]*worker),
		pending: make(map[string]SessionState),
	}, nil
}

// Start begins recording cameraID's buffer to path with the given codec.
// Empty path gets the deterministic default name. Fails with
// ErrAlreadyRecording if a session is active (or starting) for the camera and with
// ErrUnsupportedCodec for codecs outside the fixed set; both leave existing
// sessions untouched.
func (r *Recorder) Start(cameraID string, buf *camera.FrameBuffer, path string, codec Codec) (Session, error) {
	parsed, err := ParseCodec(string(codec))
	if err != nil {
		return Session{}, err
	}
	codec = parsed
	if path == "" {
		path = filepath.Join(r.cfg.Dir,
			fmt.Sprintf("cam_%s_%s%s", cameraID, time.Now().Format("20060102_150405"), codec.Ext()))
	}

	// Reserve the camera id, then open the container outside the lock:
	// waiting for the first frame and opening the writer can take a while,
	// and other cameras' lifecycle calls must never queue behind it.
	r.mu.Lock()
	_, busy := r.active[cameraID]
	if _, starting := r.pending[cameraID]; busy || starting {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("camera %s: %w", cameraID, ErrAlreadyRecording)
	}
	r.pending[cameraID] = ""
	r.mu.Unlock()

	w := &worker{
		session: newSession(cameraID, path, codec),
		buffer:  buf,
		encoder: r.cfg.NewEncoder(codec),
		fps:     r.cfg.FPS,
		poll:    r.cfg.PollInterval,
		log:     r.log.With("camera", cameraID, "path", path),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := w.start(); err != nil {
		r.mu.Lock()
		delete(r.pending, cameraID)
		r.mu.Unlock()
		return Session{}, err
	}

	r.mu.Lock()
	cancel := r.pending[cameraID]
	delete(r.pending, cameraID)
	if cancel == "" {
		r.active[cameraID] = w
		r.mu.Unlock()
		r.log.Info("recording started", "camera", cameraID, "path", path, "codec", codec)
		return w.snapshot(), nil
	}
	r.mu.Unlock()

	// The camera was stopped or lost while the container was opening;
	// finalize straight to the requested terminal state.
	s := w.stop(cancel)
	r.mu.Lock()
	r.history = append(r.history, s)
	r.mu.Unlock()
	r.log.Info("recording finished", "camera", cameraID, "state", s.State,
		"written", s.Written, "dropped", s.Dropped, "duration", s.Duration().Round(time.Millisecond))
	return s, nil
}

// Stop finalizes the camera's session normally. Safe no-op when the camera
// is not recording (returns ok=false).
func (r *Recorder) Stop(cameraID string) (Session, bool) {
	return r.finish(cameraID, SessionComplete)
}

// Abort finalizes the camera's session marking it Incomplete; used when the
// camera disconnects mid-recording.
func (r *Recorder) Abort(cameraID string) (Session, bool) {
	return r.finish(cameraID, SessionIncomplete)
}

func (r *Recorder) finish(cameraID string, state SessionState) (Session, bool) {
	r.mu.Lock()
	w, ok := r.active[cameraID]
	if ok {
		delete(r.active, cameraID)
	} else if _, starting := r.pending[cameraID]; starting {
		// A start is in flight for this camera; have it finalize straight
		// to this state instead of registering.
		r.pending[cameraID] = state
	}
	r.mu.Unlock()
	if !ok {
		return Session{}, false
	}

	s := w.stop(state)

	r.mu.Lock()
	r.history = append(r.history, s)
	r.mu.Unlock()

	r.log.Info("recording finished", "camera", cameraID, "state", s.State,
		"written", s.Written, "dropped", s.Dropped, "duration", s.Duration().Round(time.Millisecond))
	return s, true
}

// StopAll finalizes every active session (normal completion).
func (r *Recorder) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active)+len(r.pending))
	for id := range r.active {
		ids = append(ids, id)
	}
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}

// Session returns a snapshot of the camera's active session.
func (r *Recorder) Session(cameraID string) (Session, bool) {
	r.mu.Lock()
	w, ok := r.active[cameraID]
	r.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return w.snapshot(), true
}

// IsRecording reports whether the camera has an active session.
func (r *Recorder) IsRecording(cameraID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[cameraID]
	return ok
}

// SetQuality slows a camera's encode polling under degraded quality levels;
// the capture worker is already thinning frames, so polling at full rate
// would only burn wakeups.
func (r *Recorder) SetQuality(cameraID string, q camera.QualityLevel) {
	r.mu.Lock()
	w, ok := r.active[cameraID]
	r.mu.Unlock()
	if ok {
		w.pollDivisor.Store(int32(q.SkipDivisor()))
	}
}

// Sessions returns finished sessions plus any active ones, newest last.
func (r *Recorder) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.history)+len(r.active))
	out = append(out, r.history...)
	for _, w := range r.active {
		out = append(out, w.snapshot())
	}
	return out
}

// =============================================================================
// worker — one goroutine appending frames to one container file
// =============================================================================

type worker struct {
	session Session
	buffer  *camera.FrameBuffer
	encoder Encoder
	fps     float64
	poll    time.Duration
	log     *slog.Logger

	stopCh chan struct{}
	done   chan struct{}

	pollDivisor atomic.Int32

	mu       sync.Mutex
	written  uint64
	dropped  uint64
	firstSeq uint64
	lastSeq  uint64
	started  bool
}

func (w *worker) start() error {
	// The container needs dimensions up front; wait briefly for the first
	// frame if the stream just started.
	frame, ok := w.buffer.Latest()
	for i := 0; !ok && i < 20; i++ {
		time.Sleep(w.poll)
		frame, ok = w.buffer.Latest()
	}
	if !ok {
		return fmt.Errorf("camera %s produced no frame to size the container", w.session.CameraID)
	}

	b := frame.Image.Bounds()
	if err := w.encoder.Open(w.session.Path, w.fps, b.Dx(), b.Dy()); err != nil {
		return err
	}

	w.pollDivisor.Store(1)
	w.mu.Lock()
	// Frames before this point belong to the stream, not the session.
	w.firstSeq = frame.Seq - 1
	w.lastSeq = frame.Seq - 1
	w.started = true
	w.mu.Unlock()

	go w.loop()
	return nil
}

// stop halts the loop, finalizes the file and returns the final session
// snapshot with the given terminal state.
func (w *worker) stop(state SessionState) Session {
	close(w.stopCh)
	<-w.done

	if err := w.encoder.Close(); err != nil {
		w.log.Error("finalize container failed", "err", err)
		state = SessionIncomplete
	}

	w.mu.Lock()
	w.session.State = state
	w.session.EndedAt = time.Now()
	w.session.Written = w.written
	w.session.Dropped = w.dropped
	w.session.Observed = w.lastSeq - w.firstSeq
	s := w.session
	w.mu.Unlock()
	return s
}

func (w *worker) snapshot() Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.session
	s.Written = w.written
	s.Dropped = w.dropped
	s.Observed = w.lastSeq - w.firstSeq
	return s
}

// loop polls the frame buffer for sequence advance and encodes each new
// frame. Dropped accounting: any sequence gap between consecutive encodes is
// frames the session observed but never wrote (buffer overwrites or encoder
// lag), so written + dropped always equals frames observed.
func (w *worker) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	polls := uint64(0)
	for {
		select {
		case <-w.stopCh:
			w.drainOnce()
			return
		case <-ticker.C:
			polls++
			if div := uint64(w.pollDivisor.Load()); div > 1 && polls%div != 0 {
				continue
			}
			w.drainOnce()
		}
	}
}

func (w *worker) drainOnce() {
	w.mu.Lock()
	seen := w.lastSeq
	w.mu.Unlock()

	frame, ok := w.buffer.LatestSince(seen)
	if !ok {
		return
	}

	err := w.encoder.Write(frame.Image)

	w.mu.Lock()
	gap := frame.Seq - seen - 1
	w.dropped += gap
	if err != nil {
		// Encoder stall: count the frame as dropped, keep the session alive.
		w.dropped++
	} else {
		w.written++
	}
	w.lastSeq = frame.Seq
	w.mu.Unlock()

	if err != nil {
		w.log.Warn("frame encode failed", "seq", frame.Seq, "err", err)
	}
}
