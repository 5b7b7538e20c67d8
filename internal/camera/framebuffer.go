package camera

import (
	"sync/atomic"
	"time"
)

// FrameBuffer holds the most recent frame for one camera. The capture worker
// publishes at device speed; display and recording consumers read when ready.
// Publication is a single atomic pointer swap and frames are immutable, so a
// reader sees either the prior complete frame or the new complete frame,
// never a mix. Publish never blocks: a frame nobody read is simply replaced
// (drop-oldest, freshness over completeness).
type FrameBuffer struct {
	latest atomic.Pointer[Frame]

	// Frame metadata
	seq          atomic.Uint64
	lastFrameAt  atomic.Int64 // Unix nano timestamp
	droppedCount atomic.Uint64
}

// NewFrameBuffer creates an empty frame buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Publish stores a new frame, assigning the next sequence number.
// Single producer only (the camera's capture worker).
func (fb *FrameBuffer) Publish(frame Frame) Frame {
	frame.Seq = fb.seq.Add(1)
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	fb.latest.Store(&frame)
	fb.lastFrameAt.Store(frame.Timestamp.UnixNano())
	return frame
}

// Latest returns the most recent frame, or ok=false before the first publish.
// Never blocks.
func (fb *FrameBuffer) Latest() (Frame, bool) {
	f := fb.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// LatestSince returns the current frame only if its sequence number is
// greater than seen. Consumers track the last sequence they handled and call
// this to detect advance; a gap larger than one means frames were dropped.
func (fb *FrameBuffer) LatestSince(seen uint64) (Frame, bool) {
	f := fb.latest.Load()
	if f == nil || f.Seq <= seen {
		return Frame{}, false
	}
	return *f, true
}

// Seq returns the sequence number of the most recently published frame.
// Zero before the first publish.
func (fb *FrameBuffer) Seq() uint64 {
	return fb.seq.Load()
}

// LastFrameTime returns when the last frame was published.
func (fb *FrameBuffer) LastFrameTime() time.Time {
	nanos := fb.lastFrameAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// MarkDropped increments the dropped frame counter.
func (fb *FrameBuffer) MarkDropped() {
	fb.droppedCount.Add(1)
}

// DroppedCount returns the number of frames dropped before publication.
func (fb *FrameBuffer) DroppedCount() uint64 {
	return fb.droppedCount.Load()
}
