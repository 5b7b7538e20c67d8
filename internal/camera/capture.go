package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"camera-control-go/internal/device"
)

// CaptureWorker owns one camera's acquisition loop: pull a raw frame from the
// device with a bounded timeout, shed it early if the current quality level
// says so, apply digital zoom, publish into the camera's FrameBuffer. One
// goroutine per worker; the worker never blocks on downstream consumers.
type CaptureWorker struct {
	cameraID string
	dev      device.Device
	buffer   *FrameBuffer
	log      *slog.Logger

	readTimeout time.Duration
	maxTimeouts int

	// onDeviceLost is invoked (once, from the worker goroutine) when the
	// consecutive-timeout threshold is crossed. The supervisor uses it to
	// transition the camera to Disconnected.
	onDeviceLost func(cameraID string, reason error)

	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	zoomBits atomic.Uint64 // math.Float64bits of the zoom factor
	quality  atomic.Int32

	// Stats
	pulled  atomic.Uint64
	skipped atomic.Uint64
	errs    atomic.Uint32
}

// CaptureConfig carries per-worker tuning.
type CaptureConfig struct {
	ReadTimeout time.Duration
	// MaxTimeouts is the consecutive failed-read count (timeouts or other
	// device errors) that escalates to a Disconnected condition.
	MaxTimeouts  int
	Zoom         float64
	OnDeviceLost func(cameraID string, reason error)
}

// ErrWorkerRunning is returned by Start on an already-running worker.
var ErrWorkerRunning = fmt.Errorf("capture worker already running")

// NewCaptureWorker wires a worker to its device and output buffer. The
// worker reads from dev but does not own closing it.
func NewCaptureWorker(cameraID string, dev device.Device, buffer *FrameBuffer, cfg CaptureConfig) *CaptureWorker {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.MaxTimeouts <= 0 {
		cfg.MaxTimeouts = 6
	}
	cw := &CaptureWorker{
		cameraID:     cameraID,
		dev:          dev,
		buffer:       buffer,
		log:          slog.With("component", "capture", "camera", cameraID),
		readTimeout:  cfg.ReadTimeout,
		maxTimeouts:  cfg.MaxTimeouts,
		onDeviceLost: cfg.OnDeviceLost,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	cw.SetZoom(cfg.Zoom)
	cw.SetQuality(QualityFull)
	return cw
}

// Start begins the acquisition loop.
func (cw *CaptureWorker) Start() error {
	if cw.running.Swap(true) {
		return ErrWorkerRunning
	}
	cw.started.Store(true)
	go cw.loop()
	return nil
}

// Stop halts the loop and waits for it to exit. On return no further writes
// to the FrameBuffer will occur, so a recorder stopping right after observes
// a quiescent buffer. Safe to call more than once.
func (cw *CaptureWorker) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
	})
	if cw.started.Load() {
		<-cw.done
	}
}

// SetZoom updates the digital zoom factor, clamped to [MinZoom, MaxZoom].
// Takes effect on the next processed frame.
func (cw *CaptureWorker) SetZoom(factor float64) {
	if factor < MinZoom {
		factor = MinZoom
	}
	if factor > MaxZoom {
		factor = MaxZoom
	}
	cw.zoomBits.Store(math.Float64bits(factor))
}

// Zoom returns the current zoom factor.
func (cw *CaptureWorker) Zoom() float64 {
	return math.Float64frombits(cw.zoomBits.Load())
}

// SetQuality applies a quality level; frame skipping starts with the next
// device read, no restart needed.
func (cw *CaptureWorker) SetQuality(q QualityLevel) {
	old := QualityLevel(cw.quality.Swap(int32(q)))
	if old != q {
		cw.log.Info("quality level changed", "from", old.String(), "to", q.String())
	}
}

// Quality returns the worker's current quality level.
func (cw *CaptureWorker) Quality() QualityLevel {
	return QualityLevel(cw.quality.Load())
}

// Stats returns pulled/skipped/error counters.
func (cw *CaptureWorker) Stats() (pulled, skipped uint64, errs uint32) {
	return cw.pulled.Load(), cw.skipped.Load(), cw.errs.Load()
}

func (cw *CaptureWorker) loop() {
	defer close(cw.done)
	defer cw.running.Store(false)

	cw.log.Info("capture loop started", "read_timeout", cw.readTimeout)

	consecutiveFailures := 0

	for {
		select {
		case <-cw.stopCh:
			cw.log.Info("capture loop stopped",
				"pulled", cw.pulled.Load(), "skipped", cw.skipped.Load())
			return
		default:
		}

		img, err := cw.dev.ReadFrame(cw.readTimeout)
		if err != nil {
			if errors.Is(err, device.ErrClosed) {
				cw.log.Warn("device closed under capture loop")
				return
			}
			if !errors.Is(err, device.ErrTimeout) {
				cw.errs.Add(1)
				cw.log.Debug("frame read failed", "err", err)
			}
			// Timeouts and other read errors share one consecutive-failure
			// budget; any successful read resets it.
			consecutiveFailures++
			if consecutiveFailures >= cw.maxTimeouts {
				cw.log.Warn("consecutive read failures exceeded threshold, treating as disconnected",
					"consecutive", consecutiveFailures, "err", err)
				if cw.onDeviceLost != nil {
					cw.onDeviceLost(cw.cameraID, fmt.Errorf("%d consecutive read failures: %w",
						consecutiveFailures, err))
				}
				return
			}
			continue
		}
		consecutiveFailures = 0

		n := cw.pulled.Add(1)

		// Shed decode/resample cost first: at Skip2 and beyond only every
		// k-th pulled frame is processed, the rest are discarded right here.
		level := cw.Quality()
		if k := level.SkipDivisor(); k > 1 && n%k != 0 {
			cw.skipped.Add(1)
			cw.buffer.MarkDropped()
			continue
		}

		processed := applyZoom(img, cw.Zoom())
		processed = downscale(processed, level.Downscale())

		cw.buffer.Publish(Frame{Image: processed, Timestamp: time.Now()})
	}
}
