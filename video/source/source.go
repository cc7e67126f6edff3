package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
)

// Facing is the camera orientation requested from an Opener.
type Facing string

const (
	// Rear is the environment-facing camera. Requests for it are exact-match.
	Rear Facing = "environment"
	// Front is the user-facing camera.
	Front Facing = "user"
)

func (f Facing) String() string {
	switch f {
	case Rear:
		return "rear"
	case Front:
		return "front"
	}
	return string(f)
}

var (
	// ErrDenied is returned by an Opener when the host refused access to the
	// device, as opposed to the device being absent.
	ErrDenied = errors.New("camera access denied")

	// ErrNoDevice is returned by an Opener when nothing satisfies the facing.
	ErrNoDevice = errors.New("no camera for requested facing")

	// ErrClosed is returned by Acquire after the Device has been closed.
	ErrClosed = errors.New("device closed")
)

// CameraErrorKind distinguishes a refused device from a missing one.
type CameraErrorKind int

const (
	NoCameraAvailable CameraErrorKind = iota
	Denied
)

func (k CameraErrorKind) String() string {
	if k == Denied {
		return "denied"
	}
	return "unavailable"
}

// CameraError is returned by Device.Acquire once every facing has been tried.
type CameraError struct {
	Kind CameraErrorKind
	// Attempts lists the facings tried, in order.
	Attempts []Facing
	// Err is the failure of the last attempt.
	Err error
}

func (e *CameraError) Error() string {
	var tried []string
	for _, f := range e.Attempts {
		tried = append(tried, f.String())
	}
	return fmt.Sprintf("camera %v (tried %s): %v", e.Kind, strings.Join(tried, ", "), e.Err)
}

func (e *CameraError) Unwrap() error {
	return e.Err
}

// Stream is a live video acquisition. It is owned by the Device that opened it
// and must not be retained past Device.Release.
type Stream interface {
	// ID identifies the acquisition for logging.
	ID() string

	Facing() Facing

	// Ready is closed once the stream has produced its first frame.
	Ready() <-chan struct{}

	// Size returns the intrinsic frame dimensions, or the zero point before the
	// first frame.
	Size() image.Point

	// Snapshot returns a copy of the most recent frame.
	Snapshot() (image.Image, error)

	// Close stops the acquisition and frees the device. Safe to call twice.
	Close()
}

// Opener acquires a Stream for a facing. Implementations touch the hardware.
type Opener interface {
	Open(ctx context.Context, facing Facing) (Stream, error)
}
