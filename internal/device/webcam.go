package device

import (
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"time"

	"gocv.io/x/gocv"
)

// WebcamBackend opens local cameras through OpenCV (gocv). Device refs are
// either numeric capture indices ("0") or device node paths ("/dev/video0").
type WebcamBackend struct {
	Width  int
	Height int
	FPS    int

	// KillHolders frees a busy device node by terminating processes that
	// hold it before retrying the open. Linux only.
	KillHolders bool
}

// webcamParams maps the capability's parameter names onto OpenCV capture
// properties. Ranges are the common V4L2 defaults; drivers that reject a
// value surface ErrRejected instead.
var webcamParams = map[string]struct {
	prop gocv.VideoCaptureProperties
	spec Parameter
}{
	"brightness": {gocv.VideoCaptureBrightness, Parameter{Kind: KindContinuous, Min: 0, Max: 255}},
	"contrast":   {gocv.VideoCaptureContrast, Parameter{Kind: KindContinuous, Min: 0, Max: 255}},
	"saturation": {gocv.VideoCaptureSaturation, Parameter{Kind: KindContinuous, Min: 0, Max: 255}},
	"gain":       {gocv.VideoCaptureGain, Parameter{Kind: KindContinuous, Min: 0, Max: 255}},
	"exposure":   {gocv.VideoCaptureExposure, Parameter{Kind: KindContinuous, Min: 1, Max: 10000}},
}

func (b *WebcamBackend) Open(ref string) (Device, error) {
	cap, err := gocv.OpenVideoCapture(captureArg(ref))
	if err != nil || !cap.IsOpened() {
		if b.KillHolders && KillDeviceHolders(devicePath(ref), true) {
			cap, err = gocv.OpenVideoCapture(captureArg(ref))
		}
		if err != nil || cap == nil || !cap.IsOpened() {
			if cap != nil {
				cap.Close()
			}
			return nil, fmt.Errorf("open %q: %w", ref, ErrDeviceUnavailable)
		}
	}

	if b.Width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(b.Width))
	}
	if b.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(b.Height))
	}
	if b.FPS > 0 {
		cap.Set(gocv.VideoCaptureFPS, float64(b.FPS))
	}

	slog.Info("webcam opened", "ref", ref,
		"width", cap.Get(gocv.VideoCaptureFrameWidth),
		"height", cap.Get(gocv.VideoCaptureFrameHeight),
		"fps", cap.Get(gocv.VideoCaptureFPS))

	return &webcamDevice{
		id:  "cam" + ref,
		cap: cap,
		mat: gocv.NewMat(),
	}, nil
}

// captureArg passes numeric refs to OpenCV as indices, others as paths.
func captureArg(ref string) interface{} {
	if idx, err := strconv.Atoi(ref); err == nil {
		return idx
	}
	return ref
}

func devicePath(ref string) string {
	if idx, err := strconv.Atoi(ref); err == nil {
		return fmt.Sprintf("/dev/video%d", idx)
	}
	return ref
}

type webcamDevice struct {
	id  string
	cap *gocv.VideoCapture
	mat gocv.Mat

	// pending holds an in-flight read that outlived its caller's timeout.
	// ReadFrame is called serially by the capture worker, so the next call
	// collects the result instead of racing a second read on the capture.
	pending chan readResult

	closed bool
}

type readResult struct {
	img image.Image
	err error
}

func (d *webcamDevice) ID() string { return d.id }

func (d *webcamDevice) ReadFrame(timeout time.Duration) (image.Image, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if d.pending == nil {
		d.pending = make(chan readResult, 1)
		go d.readOnce(d.pending)
	}
	select {
	case res := <-d.pending:
		d.pending = nil
		return res.img, res.err
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func (d *webcamDevice) readOnce(out chan<- readResult) {
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		out <- readResult{err: ErrTimeout}
		return
	}
	img, err := d.mat.ToImage()
	if err != nil {
		out <- readResult{err: fmt.Errorf("convert frame: %w", err)}
		return
	}
	out <- readResult{img: img}
}

func (d *webcamDevice) GetParameter(name string) (Parameter, error) {
	entry, ok := webcamParams[name]
	if !ok {
		return Parameter{}, fmt.Errorf("%s: %w", name, ErrUnknownParameter)
	}
	p := entry.spec
	p.Name = name
	p.Value = d.cap.Get(entry.prop)
	return p, nil
}

func (d *webcamDevice) SetParameter(name string, value float64) error {
	entry, ok := webcamParams[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownParameter)
	}
	spec := entry.spec
	if !spec.accepts(value) {
		return fmt.Errorf("%s=%v: %w", name, value, ErrOutOfRange)
	}
	d.cap.Set(entry.prop, value)
	// OpenCV's Set does not report driver rejection; read back to verify.
	if got := d.cap.Get(entry.prop); got != value {
		return fmt.Errorf("%s=%v (device kept %v): %w", name, value, got, ErrRejected)
	}
	return nil
}

func (d *webcamDevice) SetAuto(name string, auto bool) error {
	if name != "exposure" {
		return fmt.Errorf("%s has no auto mode: %w", name, ErrRejected)
	}
	// V4L2 convention via OpenCV: 3 = auto, 1 = manual.
	mode := 1.0
	if auto {
		mode = 3.0
	}
	d.cap.Set(gocv.VideoCaptureAutoExposure, mode)
	return nil
}

func (d *webcamDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	// Drain an in-flight read so the capture is not closed under it.
	if d.pending != nil {
		<-d.pending
		d.pending = nil
	}
	d.mat.Close()
	return d.cap.Close()
}
