package capture

import (
	"encoding/json"
	"errors"
	"fmt"

	"platecam/video/process"
	"platecam/video/source"
)

// Kind is the tag of a State.
type Kind int

const (
	Idle Kind = iota
	CameraArmed
	CameraUnavailable
	Captured
	Submitting
	Result
	// Released is terminal; the controller has been torn down.
	Released
)

var kindNames = map[Kind]string{
	Idle:              "idle",
	CameraArmed:       "camera_armed",
	CameraUnavailable: "camera_unavailable",
	Captured:          "captured",
	Submitting:        "submitting",
	Result:            "result",
	Released:          "released",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// OutcomeKind is the tag of an Outcome.
type OutcomeKind int

const (
	Accepted OutcomeKind = iota
	// Rejected is never produced by the controller. The view layer uses it for
	// sentinel labels that mean "nothing classifiable".
	Rejected
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OutcomeKind) UnmarshalText(b []byte) error {
	for _, kind := range []OutcomeKind{Accepted, Rejected, Failed} {
		if kind.String() == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

// Outcome is the terminal result of a submission.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Label      string      `json:"label,omitempty"`
	Category   string      `json:"category,omitempty"`
	Confidence *float64    `json:"confidence,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Err        error       `json:"-"`
}

// State is a snapshot of the controller. Values are immutable once emitted.
type State struct {
	Kind Kind `json:"kind"`
	// Seq increases by one on every emitted transition.
	Seq uint64 `json:"seq"`

	// Reason explains CameraUnavailable.
	Reason string `json:"reason,omitempty"`
	// Image is held in Captured, Submitting and Result.
	Image *process.EncodedImage `json:"-"`
	// Outcome is set in Result.
	Outcome *Outcome `json:"outcome,omitempty"`

	// Facing of the live stream, when there is one.
	Facing source.Facing `json:"facing,omitempty"`
	// Acquiring is true while the camera is being (re)opened.
	Acquiring bool `json:"acquiring"`
	// Decoding is true while an uploaded file is decoded and gated.
	Decoding bool `json:"decoding"`

	// Message is short user-facing text about the last action, such as a
	// rejected capture. It does not change Kind.
	Message string `json:"message,omitempty"`
	// Err is the error behind Message, if any.
	Err error `json:"-"`
}

// Busy reports whether capture, upload and retake are unavailable.
func (s State) Busy() bool {
	return s.Kind == Submitting || s.Acquiring || s.Decoding
}

// CanCapture reports whether RequestCapture would be accepted.
func (s State) CanCapture() bool {
	return !s.Busy() && s.Kind == CameraArmed
}

// CanUpload reports whether SubmitFile would be accepted.
func (s State) CanUpload() bool {
	return !s.Busy() && s.Kind != Released
}

// CanRetake reports whether RequestRetake would be accepted.
func (s State) CanRetake() bool {
	return !s.Busy() && (s.Kind == Captured || s.Kind == Result)
}

// ImageID returns the held image's ID, or "".
func (s State) ImageID() string {
	if s.Image == nil {
		return ""
	}
	return s.Image.ID
}

// MarshalJSON adds the held image ID.
func (s State) MarshalJSON() ([]byte, error) {
	type plain State
	return json.Marshal(struct {
		plain
		ImageID string `json:"image_id,omitempty"`
	}{plain(s), s.ImageID()})
}

var (
	// ErrBusy is returned while a submission, upload decode or camera
	// acquisition is running.
	ErrBusy = errors.New("capture: busy")
	// ErrNotArmed is returned by RequestCapture without a live camera.
	ErrNotArmed = errors.New("capture: camera not armed")
	// ErrNothingToRetake is returned by RequestRetake outside Captured/Result.
	ErrNothingToRetake = errors.New("capture: nothing to retake")
	// ErrInUse is returned by Arm once a capture session has started.
	ErrInUse = errors.New("capture: camera session already in use")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("capture: controller closed")
)

// Listener receives every emitted State, in order, on the controller's
// goroutine. Implementations must not block or call back into the controller.
type Listener interface {
	StateChanged(s State)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(s State)

func (f ListenerFunc) StateChanged(s State) {
	f(s)
}
