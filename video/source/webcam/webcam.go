// Package webcam opens local capture devices with OpenCV.
package webcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"platecam/util"
	"platecam/video/sink"
	"platecam/video/source"
)

// Opener maps each facing to one capture device. A facing without a device
// fails with source.ErrNoDevice.
type Opener struct {
	// Devices holds a device URI per facing: "/dev/video0", a numeric index,
	// or anything else OpenCV can open (files, RTSP).
	Devices map[source.Facing]string

	// Requested capture size. Zero keeps the device default.
	Width, Height int

	// Preview receives every frame while it is active.
	Preview sink.Sink
	// Timestamp draws the time on preview frames.
	Timestamp bool
}

func (o *Opener) Open(ctx context.Context, facing source.Facing) (source.Stream, error) {
	uri := o.Devices[facing]
	if uri == "" {
		return nil, fmt.Errorf("%w: %v", source.ErrNoDevice, facing)
	}
	if err := probe(uri); err != nil {
		return nil, err
	}

	cap, err := gocv.OpenVideoCapture(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", source.ErrNoDevice, uri, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("%w: %s did not open", source.ErrNoDevice, uri)
	}
	if o.Width > 0 && o.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(o.Width))
		cap.Set(gocv.VideoCaptureFrameHeight, float64(o.Height))
	}

	s := &stream{
		id:        uuid.NewString(),
		facing:    facing,
		uri:       uri,
		cap:       cap,
		ready:     util.NewEvent(),
		preview:   o.Preview,
		timestamp: o.Timestamp,
		latest:    gocv.NewMat(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	log.WithFields(log.Fields{"device": uri, "facing": facing, "stream": s.id}).Infof("Opened capture device")
	go s.run()
	return s, nil
}

// probe tells a device node we may not open apart from one that is absent.
// OpenCV reports both as a plain failure.
func probe(uri string) error {
	if !strings.HasPrefix(uri, "/dev/") {
		return nil
	}
	f, err := os.Open(uri)
	switch {
	case err == nil:
		f.Close()
		return nil
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", source.ErrDenied, err)
	default:
		return fmt.Errorf("%w: %v", source.ErrNoDevice, err)
	}
}

type stream struct {
	id     string
	facing source.Facing
	uri    string
	cap    *gocv.VideoCapture
	ready  *util.Event

	preview   sink.Sink
	timestamp bool

	mu     sync.Mutex
	latest gocv.Mat
	size   image.Point
	closed bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) ID() string             { return s.id }
func (s *stream) Facing() source.Facing  { return s.facing }
func (s *stream) Ready() <-chan struct{} { return s.ready.Done() }

func (s *stream) Size() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *stream) Snapshot() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, source.ErrClosed
	}
	if s.latest.Empty() {
		return nil, errors.New("no frame captured yet")
	}
	return s.latest.ToImage()
}

// run reads frames until Close, keeping a copy of the latest one.
func (s *stream) run() {
	defer close(s.done)
	defer s.cap.Close()

	frame := gocv.NewMat()
	defer frame.Close()

	slog := log.WithFields(log.Fields{"device": s.uri, "stream": s.id})
	failures := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if ok := s.cap.Read(&frame); !ok || frame.Empty() {
			failures++
			if failures%100 == 1 {
				slog.Warnf("Read failure (%d in a row)", failures)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		failures = 0

		s.mu.Lock()
		frame.CopyTo(&s.latest)
		s.size = image.Pt(frame.Cols(), frame.Rows())
		s.mu.Unlock()

		if !s.ready.HasBeenNotified() {
			slog.Infof("First frame received (%dx%d)", frame.Cols(), frame.Rows())
			s.ready.Notify()
		}
		s.publish(&frame)
	}
}

func (s *stream) publish(frame *gocv.Mat) {
	if s.preview == nil || !s.preview.Active() {
		// Nobody is watching; don't bother encoding.
		return
	}
	if s.timestamp {
		drawTimestamp(frame, s.facing.String(), time.Now())
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		log.Errorf("Error encoding preview frame: %v", err)
		return
	}
	s.preview.Put(buf.GetBytes())
	buf.Close()
}

func (s *stream) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.mu.Lock()
		s.closed = true
		s.latest.Close()
		s.size = image.Point{}
		s.mu.Unlock()
		log.WithFields(log.Fields{"device": s.uri, "stream": s.id}).Infof("Closed capture device")
	})
}
