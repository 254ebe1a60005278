package aoi

import (
	"context"
	"image"
	"sync"
)

// FrameSource yields matched scene frames and the gaze samples belonging to
// them. Next blocks until a frame is available and returns io.EOF when the
// source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, []GazeSample, error)
}

// FrameGrabber yields scene frames only.
type FrameGrabber interface {
	Grab(ctx context.Context) (image.Image, error)
	Close() error
}

// GazeBuffer collects gaze samples arriving asynchronously between frames.
// It is safe for concurrent use.
type GazeBuffer struct {
	mu      sync.Mutex
	pending []GazeSample
	last    *GazeSample
	limit   int
}

// NewGazeBuffer returns a buffer holding at most limit samples; older ones
// are dropped first. A limit <= 0 means unbounded.
func NewGazeBuffer(limit int) *GazeBuffer {
	return &GazeBuffer{limit: limit}
}

// Push appends a sample.
func (b *GazeBuffer) Push(s GazeSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, s)
	if b.limit > 0 && len(b.pending) > b.limit {
		b.pending = b.pending[len(b.pending)-b.limit:]
	}
	b.last = &s
}

// Drain returns the samples pushed since the previous Drain. When none
// arrived, the most recent sample ever pushed is returned again so a frame
// is never without gaze once gaze has been seen.
func (b *GazeBuffer) Drain() []GazeSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		if b.last == nil {
			return nil
		}
		return []GazeSample{*b.last}
	}
	out := b.pending
	b.pending = nil
	return out
}

// MatchedSource pairs every grabbed frame with the gaze drained from a
// buffer.
type MatchedSource struct {
	Grabber FrameGrabber
	Gaze    *GazeBuffer
}

// Next implements FrameSource.
func (s *MatchedSource) Next(ctx context.Context) (image.Image, []GazeSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	frame, err := s.Grabber.Grab(ctx)
	if err != nil {
		return nil, nil, err
	}
	var gaze []GazeSample
	if s.Gaze != nil {
		gaze = s.Gaze.Drain()
	}
	return frame, gaze, nil
}

// Close closes the grabber.
func (s *MatchedSource) Close() error {
	return s.Grabber.Close()
}
