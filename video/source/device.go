package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultReadyTimeout bounds the wait for a freshly opened stream's first frame.
const DefaultReadyTimeout = 5 * time.Second

// fallback is the order in which facings are requested.
var fallback = []Facing{Rear, Front}

// Device owns at most one live Stream at a time. Every acquisition releases
// the previous stream before the hardware is touched again.
type Device struct {
	opener       Opener
	readyTimeout time.Duration

	current Stream
	closed  bool
	l       sync.Mutex
}

func NewDevice(opener Opener, readyTimeout time.Duration) *Device {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Device{
		opener:       opener,
		readyTimeout: readyTimeout,
	}
}

// Acquire releases any held stream, then requests the rear camera, falling
// back to the front camera. A stream only counts once it reports its first
// frame. When both facings fail the result is a *CameraError.
func (d *Device) Acquire(ctx context.Context) (Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	d.releaseLocked()

	cerr := &CameraError{Kind: NoCameraAvailable}
	for _, facing := range fallback {
		cerr.Attempts = append(cerr.Attempts, facing)

		s, err := d.open(ctx, facing)
		if err == nil {
			acquisitions.WithLabelValues(facing.String(), "ok").Inc()
			log.WithFields(log.Fields{"facing": facing, "stream": s.ID()}).Infof("Camera stream ready")
			d.current = s
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		acquisitions.WithLabelValues(facing.String(), "failed").Inc()
		log.WithField("facing", facing).Warnf("Camera not available: %v", err)
		if errors.Is(err, ErrDenied) {
			cerr.Kind = Denied
		}
		cerr.Err = err
	}
	return nil, cerr
}

func (d *Device) open(ctx context.Context, facing Facing) (Stream, error) {
	s, err := d.opener.Open(ctx, facing)
	if err != nil {
		return nil, err
	}

	t := time.NewTimer(d.readyTimeout)
	defer t.Stop()
	select {
	case <-s.Ready():
		return s, nil
	case <-t.C:
		s.Close()
		return nil, fmt.Errorf("%v camera produced no frame within %v", facing, d.readyTimeout)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

// Current returns the live stream, or nil.
func (d *Device) Current() Stream {
	d.l.Lock()
	defer d.l.Unlock()
	return d.current
}

// Release stops the live stream, if any. Idempotent.
func (d *Device) Release() {
	d.l.Lock()
	defer d.l.Unlock()
	d.releaseLocked()
}

func (d *Device) releaseLocked() {
	if d.current == nil {
		return
	}
	log.WithField("stream", d.current.ID()).Infof("Releasing camera stream")
	d.current.Close()
	d.current = nil
}

// Close releases the live stream and refuses further acquisitions.
func (d *Device) Close() {
	d.l.Lock()
	defer d.l.Unlock()
	d.releaseLocked()
	d.closed = true
}
