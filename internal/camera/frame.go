package camera

import (
	"image"
	"time"

	"golang.org/x/image/draw"
)

// Zoom factor bounds for digital zoom.
const (
	MinZoom = 1.0
	MaxZoom = 5.0
)

// Frame is one processed image ready for display or encoding. Frames are
// immutable after publication; sequence numbers are per-camera, monotonically
// increasing and never reused, so consumers can detect drops as gaps.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Seq       uint64
}

// applyZoom crops the central 1/factor region and resamples it back to the
// original size. factor is clamped to [MinZoom, MaxZoom]; 1.0 is a no-op.
func applyZoom(img image.Image, factor float64) image.Image {
	if factor < MinZoom+0.001 {
		return img
	}
	if factor > MaxZoom {
		factor = MaxZoom
	}

	b := img.Bounds()
	cw := int(float64(b.Dx()) / factor)
	ch := int(float64(b.Dy()) / factor)
	if cw < 2 || ch < 2 {
		return img
	}
	x0 := b.Min.X + (b.Dx()-cw)/2
	y0 := b.Min.Y + (b.Dy()-ch)/2
	crop := image.Rect(x0, y0, x0+cw, y0+ch)

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	return dst
}

// downscale shrinks img by an integer divisor. divisor 1 is a no-op.
func downscale(img image.Image, divisor int) image.Image {
	if divisor <= 1 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx()/divisor, b.Dy()/divisor
	if w < 2 || h < 2 {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
