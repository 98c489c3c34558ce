// Package events provides ordered publish/subscribe streams for the status,
// download progress and transcription result events.
package events

import "sync"

// Stream fans values out to subscribers. Each subscriber receives every value
// published after it subscribed, in publish order; a slow subscriber is
// buffered rather than skipped, and never blocks Publish.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]*subscriber[T])}
}

// Subscribe returns a channel of future values and a cancel func. The channel
// is closed after cancel, or after Close once buffered values are drained.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	sub := newSubscriber[T]()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.finish()
		go sub.pump()
		return sub.out, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.cancel()
		})
	}
	return sub.out, cancel
}

// Publish delivers v to all current subscribers. It is a no-op after Close.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		sub.push(v)
	}
}

// Close ends the stream. Subscribers drain what is buffered and then see
// their channel closed.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.finish()
		delete(s.subs, id)
	}
}

type subscriber[T any] struct {
	out chan T

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	finished bool
	stop     chan struct{}
}

func newSubscriber[T any]() *subscriber[T] {
	sub := &subscriber[T]{out: make(chan T), stop: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (sub *subscriber[T]) push(v T) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, v)
	sub.mu.Unlock()
	sub.cond.Signal()
}

func (sub *subscriber[T]) finish() {
	sub.mu.Lock()
	sub.finished = true
	sub.mu.Unlock()
	sub.cond.Broadcast()
}

func (sub *subscriber[T]) cancel() {
	close(sub.stop)
	sub.mu.Lock()
	sub.finished = true
	sub.queue = nil
	sub.mu.Unlock()
	sub.cond.Broadcast()
}

func (sub *subscriber[T]) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.finished {
			sub.cond.Wait()
		}
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			return
		}
		v := sub.queue[0]
		var zero T
		sub.queue[0] = zero
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- v:
		case <-sub.stop:
			return
		}
	}
}
