package events

// CallbackEvent provides pub/sub behaviour with type-safe callbacks.
// Callbacks run synchronously on the notifying goroutine, in no particular order.
type CallbackEvent[T any] struct {
	reg registry[T, func(T)]
}

// NewCallbackEvent creates a new CallbackEvent. When sendLastEventOnListen is true the
// last notified value is replayed to every new listener.
func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{reg: newRegistry[T, func(T)](sendLastEventOnListen)}
}

// Listen registers callback and returns its subscription handle.
func (e *CallbackEvent[T]) Listen(callback func(T)) *Subscription {
	if callback == nil {
		panic("callback cannot be nil")
	}
	id, replay := e.reg.add(callback)
	if replay != nil {
		callback(*replay)
	}
	return newSubscription(func() { e.reg.remove(id) })
}

// Notify calls every registered callback with value. Callbacks are invoked
// outside the lock so they may Listen or Unsubscribe.
func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.reg.snapshot(value) {
		callback(value)
	}
}

// ListenerCount returns the number of registered listeners.
func (e *CallbackEvent[T]) ListenerCount() int {
	return e.reg.count()
}
