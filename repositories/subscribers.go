package repositories

import "sync"

// Subscribers fans change events out to registered callbacks.
// The zero value is ready to use.
type Subscribers struct {
	mu   sync.Mutex
	subs map[int]func(ChangeEvent)
	next int
}

// Subscribe registers fn and returns a function that removes it
func (s *Subscribers) Subscribe(fn func(ChangeEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs == nil {
		s.subs = make(map[int]func(ChangeEvent))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Publish calls every subscriber with ev. Callbacks run outside the lock.
func (s *Subscribers) Publish(ev ChangeEvent) {
	s.mu.Lock()
	fns := make([]func(ChangeEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
