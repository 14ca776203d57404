// Package events provides the publish/subscribe hub each subsystem uses
// to emit typed events. Delivery order per subscriber matches publish
// order and nothing is dropped: every subscriber has its own unbounded
// queue drained by a pump goroutine, so a slow consumer never blocks the
// publishing subsystem.
package events

import "sync"

// Hub fans out events of type T to any number of subscribers.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscription[T]
	next   int
	closed bool
}

type subscription[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  chan struct{}
	out   chan T
	once  sync.Once
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]*subscription[T])}
}

// Publish appends evt to every subscriber's queue. It never blocks on a
// consumer.
func (h *Hub[T]) Publish(evt T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		sub.push(evt)
	}
}

// Subscribe returns a channel receiving every event published after the
// call, and a function that unsubscribes and closes the channel. The
// channel is also closed when the hub is closed.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	sub := &subscription[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan T),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.out)

		return sub.out, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	go sub.pump()

	return sub.out, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.stop()
	}
}

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[int]*subscription[T])
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Len reports the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

func (s *subscription[T]) push(evt T) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription[T]) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, evt := range batch {
			select {
			case s.out <- evt:
			case <-s.done:
				return
			}
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
