package service

import "sync"

// SignalMeta: exposure of a signal to remote subscribers.
type SignalMeta struct {
	Exposed bool
}

// Relayable is what the connection manager needs to forward a signal to remotes.
type Relayable interface {
	Meta() SignalMeta
	// Relay forwards every dispatch as its argument list until cancel is called.
	Relay(fn func(data []any)) (cancel func())
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Signal is a typed observer list. Listeners run in registration order on the dispatching goroutine.
type Signal[T any] struct {
	meta SignalMeta

	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
}

func NewSignal[T any](exposed bool) *Signal[T] {
	return &Signal[T]{meta: SignalMeta{Exposed: exposed}}
}

// Add registers fn; cancel detaches it (safe to call twice).
func (s *Signal[T]) Add(fn func(T)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener[T]{id: id, fn: fn})
	s.mu.Unlock()
	return func() { s.detach(id) }
}

func (s *Signal[T]) detach(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// DetachAll drops every listener.
func (s *Signal[T]) DetachAll() {
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}

func (s *Signal[T]) HasListeners() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners) > 0
}

// Dispatch calls the listeners present at the time of the call.
func (s *Signal[T]) Dispatch(v T) {
	s.mu.Lock()
	ls := make([]listener[T], len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()
	for _, l := range ls {
		l.fn(v)
	}
}

func (s *Signal[T]) Meta() SignalMeta { return s.meta }

func (s *Signal[T]) Relay(fn func(data []any)) (cancel func()) {
	return s.Add(func(v T) { fn([]any{v}) })
}
