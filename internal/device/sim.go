package device

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"sync"
	"time"
)

// SimBackend produces synthetic devices. It serves two purposes: a
// hardware-free mode for development, and the test double for the whole
// pipeline. Device refs are numeric indices; the index picks the scene.
type SimBackend struct {
	Width  int
	Height int
	FPS    int
}

// NewSimBackend returns a backend generating 640x480 @ 30fps scenes.
func NewSimBackend() *SimBackend {
	return &SimBackend{Width: 640, Height: 480, FPS: 30}
}

func (b *SimBackend) Open(ref string) (Device, error) {
	idx, err := strconv.Atoi(ref)
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("sim device %q: %w", ref, ErrDeviceUnavailable)
	}
	return &SimDevice{
		id:     fmt.Sprintf("sim%d", idx),
		index:  idx,
		width:  b.Width,
		height: b.Height,
		fps:    b.FPS,
		params: defaultSimParams(),
	}, nil
}

// SimDevice paces frame generation at its configured fps. ReadFrame sleeps
// until the next frame is due, honouring the caller's timeout.
type SimDevice struct {
	id     string
	index  int
	width  int
	height int
	fps    int

	mu       sync.Mutex
	params   map[string]Parameter
	closed   bool
	lastRead time.Time
	frameNum int

	// forcedErr, when set, is returned by every ReadFrame. Tests use it to
	// simulate a stalled or unplugged camera.
	forcedErr error
}

// ForceReadError makes subsequent ReadFrame calls fail with err (nil clears).
func (d *SimDevice) ForceReadError(err error) {
	d.mu.Lock()
	d.forcedErr = err
	d.mu.Unlock()
}

func (d *SimDevice) ID() string { return d.id }

func (d *SimDevice) ReadFrame(timeout time.Duration) (image.Image, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.forcedErr != nil {
		err := d.forcedErr
		d.mu.Unlock()
		// Simulate the device blocking for the full timeout before failing.
		time.Sleep(timeout)
		return nil, err
	}
	interval := time.Second / time.Duration(d.fps)
	wait := interval - time.Since(d.lastRead)
	d.mu.Unlock()

	if wait > 0 {
		if wait > timeout {
			time.Sleep(timeout)
			return nil, ErrTimeout
		}
		time.Sleep(wait)
	}

	d.mu.Lock()
	d.lastRead = time.Now()
	n := d.frameNum
	d.frameNum++
	d.mu.Unlock()

	return d.renderScene(n), nil
}

func (d *SimDevice) GetParameter(name string) (Parameter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.params[name]
	if !ok {
		return Parameter{}, fmt.Errorf("%s: %w", name, ErrUnknownParameter)
	}
	return p, nil
}

func (d *SimDevice) SetParameter(name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.params[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownParameter)
	}
	if !p.accepts(value) {
		return fmt.Errorf("%s=%v: %w", name, value, ErrOutOfRange)
	}
	p.Value = value
	d.params[name] = p
	return nil
}

func (d *SimDevice) SetAuto(name string, auto bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.params[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownParameter)
	}
	p.Auto = auto
	d.params[name] = p
	return nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func defaultSimParams() map[string]Parameter {
	return map[string]Parameter{
		"exposure":   {Name: "exposure", Kind: KindContinuous, Value: 10000, Min: 100, Max: 50000, Auto: true},
		"gain":       {Name: "gain", Kind: KindContinuous, Value: 1.0, Min: 0, Max: 24, Auto: true},
		"brightness": {Name: "brightness", Kind: KindContinuous, Value: 128, Min: 0, Max: 255},
		"hflip":      {Name: "hflip", Kind: KindBoolean, Value: 0},
	}
}

// renderScene draws a per-index test pattern so multiple simulated cameras
// are visually distinguishable on the dashboard.
func (d *SimDevice) renderScene(frameNum int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))

	for y := 0; y < d.height; y++ {
		for x := 0; x < d.width; x++ {
			var r, g, b uint8

			switch d.index % 3 {
			case 0: // blue sky with drifting clouds
				gradient := float64(y) / float64(d.height)
				r = uint8(135 * (1 - gradient))
				g = uint8(206 * (1 - gradient))
				b = uint8(250 * (1 - gradient))
				if (x+frameNum)%80 < 20 && y%60 < 15 {
					r, g, b = 220, 220, 220
				}

			case 1: // green landscape with moving markers
				r, g, b = 60, 140, 50
				if (x+frameNum*2)%100 < 10 && y%100 < 10 {
					r, g, b = 255, 100, 100
				}

			default: // grey urban grid
				grey := uint8(120 + (x+y+frameNum)%60)
				r, g, b = grey, grey, grey
				if x%40 < 4 || y%30 < 3 {
					r, g, b = 180, 180, 200
				}
			}

			// frame counter strip in the corner shows liveness
			if x < 48 && y < 16 && frameNum%2 == 0 {
				r, g, b = 255, 255, 255
			}

			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return img
}
