// Package session provides read-only access to the bearer token held by the
// surrounding authentication collaborator.
package session

import (
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// TokenSource yields the current bearer token. ok is false when the user has
// no session; that is a valid state, not an error.
type TokenSource interface {
	Token() (token string, ok bool)
}

// Static always returns the same token. An empty Static means anonymous.
type Static string

func (s Static) Token() (string, bool) {
	t := strings.TrimSpace(string(s))
	return t, t != ""
}

// Anonymous never yields a token.
var Anonymous TokenSource = Static("")

// Func adapts a function to TokenSource.
type Func func() (string, bool)

func (f Func) Token() (string, bool) {
	return f()
}

// Env reads the token from an environment variable on every call.
type Env string

func (e Env) Token() (string, bool) {
	return Static(os.Getenv(string(e))).Token()
}

// File reads the token from a file on every call, so a login flow can write
// or remove it while the daemon runs. A missing file means no session.
type File struct {
	Path string

	l       sync.Mutex
	lastErr string
}

func (f *File) Token() (string, bool) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		f.l.Lock()
		// Only log transitions to avoid a line per submission.
		if msg := err.Error(); msg != f.lastErr {
			f.lastErr = msg
			if !os.IsNotExist(err) {
				log.Warnf("Unable to read session token: %v", err)
			}
		}
		f.l.Unlock()
		return "", false
	}
	f.l.Lock()
	f.lastErr = ""
	f.l.Unlock()
	return Static(b).Token()
}

// First returns the first source that yields a token.
type First []TokenSource

func (fs First) Token() (string, bool) {
	for _, s := range fs {
		if s == nil {
			continue
		}
		if t, ok := s.Token(); ok {
			return t, true
		}
	}
	return "", false
}
