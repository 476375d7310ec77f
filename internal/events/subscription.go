package events

import "sync"

// Subscription is the handle returned by Listen. The owner must call
// Unsubscribe when it no longer wants deliveries; calling it more than
// once is harmless.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Unsubscribe removes the listener from its event.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// registry holds listeners keyed by a monotonically increasing id together with
// the optionally replayed last value. Both event flavours share it.
type registry[T any, L any] struct {
	mu                    sync.RWMutex
	listeners             map[uint64]L
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
}

func newRegistry[T any, L any](sendLastEventOnListen bool) registry[T, L] {
	return registry[T, L]{
		listeners:             make(map[uint64]L),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// add registers l and returns the value to replay, if any.
func (r *registry[T, L]) add(l L) (uint64, *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	if !r.sendLastEventOnListen || r.lastEvent == nil {
		return id, nil
	}
	replay := *r.lastEvent
	return id, &replay
}

func (r *registry[T, L]) remove(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

// snapshot records value as the last event and returns a copy of the listeners
// so they can be invoked outside the lock.
func (r *registry[T, L]) snapshot(value T) []L {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendLastEventOnListen {
		v := value
		r.lastEvent = &v
	}
	out := make([]L, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *registry[T, L]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
