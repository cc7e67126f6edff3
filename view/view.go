// Package view turns controller states into what the page displays.
package view

import (
	"strings"

	"platecam/capture"
	"platecam/video/source"
)

// DefaultSentinels are the labels the classifier returns when it found nothing
// to classify.
var DefaultSentinels = []string{"No Food Item Is Detected", "Unable to Detect"}

// Styles of a displayed result.
const (
	StyleAccepted = "accepted"
	StyleRejected = "rejected"
	StyleFailed   = "failed"
)

// Actions the main button triggers. Each maps to a POST endpoint of the same
// name.
const (
	ActionNone    = ""
	ActionArm     = "arm"
	ActionCapture = "capture"
	ActionRetake  = "retake"
)

// Result is a displayed outcome.
type Result struct {
	Outcome    capture.OutcomeKind `json:"outcome"`
	Style      string              `json:"style"`
	Label      string              `json:"label,omitempty"`
	Category   string              `json:"category,omitempty"`
	Confidence *float64            `json:"confidence,omitempty"`
	Text       string              `json:"text"`
}

// Model is the rendered state sent to the page.
type Model struct {
	State     capture.Kind  `json:"state"`
	Seq       uint64        `json:"seq"`
	Facing    source.Facing `json:"facing,omitempty"`
	Acquiring bool          `json:"acquiring"`
	Decoding  bool          `json:"decoding"`

	// ShowPreview selects the live stream; otherwise the captured image with
	// ID ImageID is shown, if any.
	ShowPreview bool   `json:"show_preview"`
	ImageID     string `json:"image_id,omitempty"`

	Button        string `json:"button"`
	ButtonAction  string `json:"button_action,omitempty"`
	ButtonEnabled bool   `json:"button_enabled"`
	UploadEnabled bool   `json:"upload_enabled"`

	// Notice is an error or hint shown under the controls.
	Notice string  `json:"notice,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// IsSentinel reports whether label matches one of sentinels, ignoring case
// and surrounding space.
func IsSentinel(label string, sentinels []string) bool {
	label = strings.TrimSpace(label)
	for _, s := range sentinels {
		if strings.EqualFold(label, strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

// Render builds the display model for s. Accepted outcomes carrying a
// sentinel label are shown as rejections.
func Render(s capture.State, sentinels []string) Model {
	m := Model{
		State:         s.Kind,
		Seq:           s.Seq,
		Facing:        s.Facing,
		Acquiring:     s.Acquiring,
		Decoding:      s.Decoding,
		ImageID:       s.ImageID(),
		Notice:        s.Message,
		UploadEnabled: s.CanUpload(),
	}

	switch s.Kind {
	case capture.Idle:
		if s.Acquiring {
			m.Button = "Starting camera..."
		} else {
			m.Button, m.ButtonAction, m.ButtonEnabled = "Start Camera", ActionArm, true
		}
	case capture.CameraArmed:
		m.ShowPreview = true
		m.Button, m.ButtonAction, m.ButtonEnabled = "Capture & Upload", ActionCapture, s.CanCapture()
	case capture.CameraUnavailable:
		if m.Notice == "" {
			m.Notice = s.Reason
		}
		m.Button, m.ButtonAction, m.ButtonEnabled = "Retry Camera", ActionArm, !s.Busy()
	case capture.Captured, capture.Submitting:
		m.Button = "Processing..."
	case capture.Result:
		m.Button, m.ButtonAction, m.ButtonEnabled = "Back to Camera", ActionRetake, s.CanRetake()
	case capture.Released:
		m.Button = "Camera closed"
	}
	if s.Acquiring {
		m.ButtonEnabled = false
	}
	if s.Decoding {
		m.Button, m.ButtonAction, m.ButtonEnabled = "Processing...", ActionNone, false
	}

	if s.Outcome != nil {
		m.Result = renderOutcome(s.Outcome, sentinels)
	}
	return m
}

func renderOutcome(o *capture.Outcome, sentinels []string) *Result {
	r := &Result{
		Outcome:    o.Kind,
		Label:      o.Label,
		Category:   o.Category,
		Confidence: o.Confidence,
	}
	switch {
	case o.Kind == capture.Failed:
		r.Style = StyleFailed
		r.Text = "Upload failed"
		if o.Reason != "" {
			r.Text += ": " + o.Reason
		}
	case o.Kind == capture.Rejected || IsSentinel(o.Label, sentinels):
		r.Outcome = capture.Rejected
		r.Style = StyleRejected
		r.Text = o.Label
		if r.Text == "" {
			r.Text = o.Reason
		}
		r.Category = ""
	default:
		r.Style = StyleAccepted
		r.Text = "Prediction: " + o.Label
		if o.Category != "" {
			r.Text += " (" + o.Category + ")"
		}
	}
	return r
}
