package sink

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: %.6f\r\n" +
	"\r\n"

// MJPEGServer fans the live camera preview out to any number of HTTP clients.
// Slow clients skip frames rather than stall the producer.
type MJPEGServer struct {
	lock    sync.Mutex
	clients map[chan []byte]bool
	// last is sent to new clients so the page never starts blank.
	last   []byte
	closed bool
}

func NewMJPEGServer() *MJPEGServer {
	return &MJPEGServer{
		clients: make(map[chan []byte]bool),
	}
}

func (s *MJPEGServer) Active() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.clients) > 0
}

func (s *MJPEGServer) Put(jpeg []byte) {
	header := fmt.Sprintf(headerf, len(jpeg), float64(time.Now().UnixNano())/1e9)
	// Each frame gets its own buffer since clients write it concurrently.
	frame := make([]byte, len(header)+len(jpeg))
	copy(frame, header)
	copy(frame[len(header):], jpeg)

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.last = frame
	for c := range s.clients {
		select {
		case c <- frame:
		default:
			// Skip listeners not ready for next frame.
		}
	}
}

// Clear drops the held frame, e.g. when the camera is released.
func (s *MJPEGServer) Clear() {
	s.lock.Lock()
	s.last = nil
	s.lock.Unlock()
}

// Close disconnects every client.
func (s *MJPEGServer) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	for c := range s.clients {
		close(c)
		delete(s.clients, c)
	}
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := make(chan []byte, 1)
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		http.Error(w, "preview closed", http.StatusServiceUnavailable)
		return
	}
	s.clients[c] = true
	if s.last != nil {
		c <- s.last
	}
	s.lock.Unlock()

	log.WithField("addr", r.RemoteAddr).Infof("MJPEG preview connected")
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		// Send headers now; the first frame may be a while.
		flusher.Flush()
	}

loop:
	for {
		select {
		case b, ok := <-c:
			if !ok {
				break loop
			}
			if _, err := w.Write(b); err != nil {
				break loop
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			break loop
		}
	}

	s.lock.Lock()
	delete(s.clients, c)
	s.lock.Unlock()
	log.WithField("addr", r.RemoteAddr).Infof("MJPEG preview disconnected")
}
