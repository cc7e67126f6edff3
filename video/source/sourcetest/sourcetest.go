// Package sourcetest provides in-memory camera streams for tests of code
// built on package source.
package sourcetest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"platecam/util"
	"platecam/video/source"
)

// Stream is an in-memory source.Stream.
type Stream struct {
	id     string
	facing source.Facing
	ready  *util.Event

	mu     sync.Mutex
	frame  image.Image
	closed bool
	onStop func()
}

// NewStream returns a stream that is ready immediately when frame is
// non-nil, and never ready otherwise (until SetFrame is called).
func NewStream(id string, facing source.Facing, frame image.Image) *Stream {
	s := &Stream{
		id:     id,
		facing: facing,
		ready:  util.NewEvent(),
	}
	if frame != nil {
		s.SetFrame(frame)
	}
	return s
}

// SetFrame replaces the current frame and fires readiness.
func (s *Stream) SetFrame(frame image.Image) {
	s.mu.Lock()
	s.frame = frame
	s.mu.Unlock()
	s.ready.Notify()
}

func (s *Stream) ID() string             { return s.id }
func (s *Stream) Facing() source.Facing  { return s.facing }
func (s *Stream) Ready() <-chan struct{} { return s.ready.Done() }

func (s *Stream) Size() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return image.Point{}
	}
	return s.frame.Bounds().Size()
}

func (s *Stream) Snapshot() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("stream closed")
	}
	if s.frame == nil {
		return nil, errors.New("no frame")
	}
	return s.frame, nil
}

func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.onStop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Opener is a source.Opener that hands out streams from OpenFunc and tracks
// how many are live.
type Opener struct {
	// OpenFunc produces the stream for a facing. If nil, every open fails
	// with source.ErrNoDevice.
	OpenFunc func(facing source.Facing) (*Stream, error)

	mu       sync.Mutex
	calls    []source.Facing
	live     int
	maxLive  int
	streams  []*Stream
	sequence int
}

func (o *Opener) Open(ctx context.Context, facing source.Facing) (source.Stream, error) {
	o.mu.Lock()
	o.calls = append(o.calls, facing)
	o.sequence++
	seq := o.sequence
	fn := o.OpenFunc
	o.mu.Unlock()

	if fn == nil {
		return nil, source.ErrNoDevice
	}
	s, err := fn(facing)
	if err != nil {
		return nil, err
	}
	if s.id == "" {
		s.id = fmt.Sprintf("test-%d", seq)
	}

	o.mu.Lock()
	o.live++
	if o.live > o.maxLive {
		o.maxLive = o.live
	}
	o.streams = append(o.streams, s)
	o.mu.Unlock()

	s.mu.Lock()
	s.onStop = func() {
		o.mu.Lock()
		o.live--
		o.mu.Unlock()
	}
	s.mu.Unlock()
	return s, nil
}

// Calls returns the facings requested so far, in order.
func (o *Opener) Calls() []source.Facing {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]source.Facing(nil), o.calls...)
}

// Live returns the number of opened streams not yet closed.
func (o *Opener) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// MaxLive returns the largest number of simultaneously live streams seen.
func (o *Opener) MaxLive() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxLive
}

// Streams returns every stream handed out, in order.
func (o *Opener) Streams() []*Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Stream(nil), o.streams...)
}
