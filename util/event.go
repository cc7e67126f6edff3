package util

import (
	"context"
	"sync"
)

// Event is a one-shot signal. Once notified it stays notified; every waiter,
// past and future, is released.
type Event struct {
	once sync.Once
	c    chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

// Notify fires the event. Repeated calls are no-ops.
func (e *Event) Notify() {
	e.once.Do(func() {
		close(e.c)
	})
}

// Done returns a channel closed when the event fires.
func (e *Event) Done() <-chan struct{} {
	return e.c
}

func (e *Event) Wait() {
	<-e.c
}

// WaitContext blocks until the event fires or ctx is done.
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Event) HasBeenNotified() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}
