package serve

import (
	"fmt"
	"net/http"
	"strconv"
)

// CapturedServer serves the image held by the controller, so the page can
// show what was submitted.
type CapturedServer struct {
	Ctrl Controller
}

func (s *CapturedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img := s.Ctrl.State().Image
	if img == nil {
		http.Error(w, "No captured image", http.StatusNotFound)
		return
	}
	// A page holding an older ID must not be shown the newer image.
	if id := r.Form.Get("id"); id != "" && id != img.ID {
		http.Error(w, fmt.Sprintf("No captured image with id %v", id), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img.Data)
}
