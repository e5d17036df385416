package recordstore

import (
	"errors"
	"sync"

	"github.com/agentworkforce/schoolsync/internal/records"
)

// ErrFeedOverflow ends a subscription whose consumer fell too far behind.
var ErrFeedOverflow = errors.New("change feed buffer overflow")

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store closed")

const defaultFeedBuffer = 256

// feedHub fans change events out to in-process subscribers. Publish order is
// delivery order for every subscriber.
type feedHub struct {
	mu     sync.Mutex
	buffer int
	subs   map[*hubSubscription]struct{}
	closed bool
}

func newFeedHub(buffer int) *feedHub {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &feedHub{
		buffer: buffer,
		subs:   map[*hubSubscription]struct{}{},
	}
}

func (h *feedHub) subscribe() (*hubSubscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrStoreClosed
	}
	sub := &hubSubscription{
		hub:    h,
		events: make(chan records.ChangeEvent, h.buffer),
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

func (h *feedHub) publish(events ...records.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		for _, event := range events {
			select {
			case sub.events <- event:
			default:
				h.dropLocked(sub, ErrFeedOverflow)
			}
			if sub.isDone() {
				break
			}
		}
	}
}

func (h *feedHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *feedHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		h.dropLocked(sub, ErrStoreClosed)
	}
}

func (h *feedHub) dropLocked(sub *hubSubscription, err error) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	sub.finish(err)
}

type hubSubscription struct {
	hub    *feedHub
	events chan records.ChangeEvent

	mu   sync.Mutex
	done bool
	err  error
}

func (s *hubSubscription) Events() <-chan records.ChangeEvent {
	return s.events
}

func (s *hubSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *hubSubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.dropLocked(s, nil)
	return nil
}

func (s *hubSubscription) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// finish must be called with the hub lock held so no publish races the close.
func (s *hubSubscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.events)
}
