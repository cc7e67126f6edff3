package serve

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	log "github.com/sirupsen/logrus"

	"platecam/capture"
	"platecam/view"
)

// MaxUploadBytes bounds an uploaded image.
const MaxUploadBytes = 20 << 20

// Control actions.
const (
	Arm     = "arm"
	Capture = "capture"
	Retake  = "retake"
	Upload  = "upload"
)

// ControlServer runs one controller action per POST and replies with the
// resulting rendered state.
type ControlServer struct {
	Ctrl      Controller
	Sentinels Sentinels
	Action    string
	// UploadField is the multipart field holding an uploaded image. Defaults
	// to "image".
	UploadField string
}

// statusFor maps a controller error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrBusy),
		errors.Is(err, capture.ErrNotArmed),
		errors.Is(err, capture.ErrNothingToRetake),
		errors.Is(err, capture.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, capture.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string     `json:"error"`
	State view.Model `json:"state"`
}

func (s *ControlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var st capture.State
	var err error
	switch s.Action {
	case Arm:
		if err = s.Ctrl.Arm(); err == nil {
			st = s.Ctrl.State()
		}
	case Capture:
		st, err = s.Ctrl.RequestCapture()
	case Retake:
		st, err = s.Ctrl.RequestRetake()
	case Upload:
		data, rerr := s.readUpload(w, r)
		if rerr != nil {
			http.Error(w, rerr.Error(), http.StatusBadRequest)
			return
		}
		st, err = s.Ctrl.SubmitFile(data)
	default:
		http.Error(w, fmt.Sprintf("Unknown action %q", s.Action), http.StatusNotFound)
		return
	}

	clog := log.WithFields(log.Fields{"addr": r.RemoteAddr, "action": s.Action})
	if err != nil {
		clog.Infof("Action refused: %v", err)
		if errors.Is(err, capture.ErrClosed) {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, statusFor(err), errorResponse{
			Error: err.Error(),
			State: view.Render(s.Ctrl.State(), s.Sentinels.get()),
		})
		return
	}
	clog.Debugf("Action accepted, state %v", st.Kind)
	writeJSON(w, http.StatusAccepted, view.Render(st, s.Sentinels.get()))
}

// readUpload takes the image from a multipart form field, or else the raw
// request body.
func (s *ControlServer) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var src io.Reader = r.Body
	if mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
			return nil, fmt.Errorf("bad multipart body: %w", err)
		}
		field := s.UploadField
		if field == "" {
			field = "image"
		}
		f, _, err := r.FormFile(field)
		if err != nil {
			return nil, fmt.Errorf("missing %q file: %w", field, err)
		}
		defer f.Close()
		src = f
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty upload")
	}
	return data, nil
}
