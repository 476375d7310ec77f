package events

import "sync/atomic"

// ChannelEvent provides pub/sub behaviour using channels. Sends never block:
// a listener whose channel is full misses that value.
type ChannelEvent[T any] struct {
	reg     registry[T, chan<- T]
	dropped atomic.Uint64
}

// NewChannelEvent creates a new ChannelEvent. When sendLastEventOnListen is true the
// last notified value is sent to every new listener.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{reg: newRegistry[T, chan<- T](sendLastEventOnListen)}
}

// Listen registers ch and returns its subscription handle.
func (e *ChannelEvent[T]) Listen(ch chan<- T) *Subscription {
	if ch == nil {
		panic("channel cannot be nil")
	}
	id, replay := e.reg.add(ch)
	if replay != nil {
		e.send(ch, *replay)
	}
	return newSubscription(func() { e.reg.remove(id) })
}

// Notify sends value to all registered channels.
func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.reg.snapshot(value) {
		e.send(ch, value)
	}
}

func (e *ChannelEvent[T]) send(ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
		e.dropped.Add(1)
	}
}

// ListenerCount returns the number of registered listeners.
func (e *ChannelEvent[T]) ListenerCount() int {
	return e.reg.count()
}

// Dropped returns how many deliveries were skipped because a channel was full.
func (e *ChannelEvent[T]) Dropped() uint64 {
	return e.dropped.Load()
}
