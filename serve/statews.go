package serve

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"platecam/capture"
	"platecam/view"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second
)

// StateUpdater pushes the rendered state to websocket clients on every
// controller transition. Clients only need the newest state, so a slow client
// skips intermediate ones.
type StateUpdater struct {
	Sentinels Sentinels

	upgrader websocket.Upgrader
	cs       map[chan []byte]bool
	addc     chan chan []byte
	delc     chan chan []byte
	notify   chan bool
	done     chan struct{}
	once     sync.Once

	lock   sync.Mutex
	latest []byte
}

func NewStateUpdater(sentinels Sentinels) *StateUpdater {
	m := &StateUpdater{
		Sentinels: sentinels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:     make(map[chan []byte]bool),
		addc:   make(chan chan []byte),
		delc:   make(chan chan []byte),
		notify: make(chan bool, 1),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-m.done:
				// Closing a client channel ends its connection.
				for c := range m.cs {
					close(c)
					delete(m.cs, c)
				}
				return
			case c := <-m.addc:
				m.cs[c] = true
				if msg := m.current(); msg != nil {
					offer(c, msg)
				}
			case c := <-m.delc:
				delete(m.cs, c)
			case <-m.notify:
				msg := m.current()
				for c := range m.cs {
					offer(c, msg)
				}
			}
		}
	}()
	return m
}

// offer replaces whatever c holds with msg. Only the hub goroutine sends on
// client channels.
func offer(c chan []byte, msg []byte) {
	select {
	case <-c:
	default:
	}
	c <- msg
}

// Close stops the hub and disconnects every client. Later connections are
// refused.
func (m *StateUpdater) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *StateUpdater) current() []byte {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.latest
}

// StateChanged implements capture.Listener. It never blocks.
func (m *StateUpdater) StateChanged(s capture.State) {
	js, err := json.Marshal(view.Render(s, m.Sentinels.get()))
	if err != nil {
		log.Errorf("Failed to render state %v: %v", s.Kind, err)
		return
	}
	m.lock.Lock()
	m.latest = js
	m.lock.Unlock()
	select {
	case m.notify <- true:
	default:
		// A notification is already pending and will pick up latest.
	}
}

func (m *StateUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-m.done:
		http.Error(w, "state stream closed", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for state stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *StateUpdater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to state update socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from state update socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	statec := make(chan []byte, 1)
	select {
	case m.addc <- statec:
	case <-m.done:
		return
	}
	defer func() {
		select {
		case m.delc <- statec:
		case <-m.done:
		}
	}()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-statec:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
