package serve

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"platecam/capture"
	"platecam/view"
)

// Controller is the part of *capture.Controller the handlers drive.
type Controller interface {
	State() capture.State
	Arm() error
	RequestCapture() (capture.State, error)
	RequestRetake() (capture.State, error)
	SubmitFile(data []byte) (capture.State, error)
}

// Sentinels returns the labels rendered as "nothing detected". It is called
// per render so configuration reloads apply.
type Sentinels func() []string

func (f Sentinels) get() []string {
	if f == nil {
		return view.DefaultSentinels
	}
	return f()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(js); err != nil {
		log.Debugf("Failed to write response: %v", err)
	}
}

// StateServer serves the current rendered state.
type StateServer struct {
	Ctrl      Controller
	Sentinels Sentinels
}

func (s *StateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, view.Render(s.Ctrl.State(), s.Sentinels.get()))
}
