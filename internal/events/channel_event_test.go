package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelEvent(t *testing.T) {
	event := NewChannelEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.Equal(t, uint64(0), event.Dropped())
}

func TestChannelEvent_Listen_Notify_Basic(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 10)
	sub := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("a")
	event.Notify("b")

	assert.Equal(t, "a", <-ch)
	assert.Equal(t, "b", <-ch)

	sub.Unsubscribe()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("c")
	select {
	case v := <-ch:
		t.Fatalf("unexpected value after unsubscribe: %q", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestChannelEvent_SendLastEventOnListen(t *testing.T) {
	event := NewChannelEvent[int](true)

	early := make(chan int, 1)
	event.Listen(early)
	assert.Len(t, early, 0)

	event.Notify(7)
	assert.Equal(t, 7, <-early)

	late := make(chan int, 1)
	event.Listen(late)
	require.Len(t, late, 1)
	assert.Equal(t, 7, <-late)
}

func TestChannelEvent_Listen_NilChannel(t *testing.T) {
	event := NewChannelEvent[string](false)
	assert.Panics(t, func() { event.Listen(nil) })
}

func TestChannelEvent_FullChannelDropsAndCounts(t *testing.T) {
	event := NewChannelEvent[int](false)

	full := make(chan int, 1)
	roomy := make(chan int, 3)
	event.Listen(full)
	event.Listen(roomy)

	done := make(chan struct{})
	go func() {
		event.Notify(1)
		event.Notify(2)
		event.Notify(3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full channel")
	}

	assert.Equal(t, 1, <-full)
	assert.Len(t, roomy, 3)
	assert.Equal(t, uint64(2), event.Dropped())
}

func TestChannelEvent_ConcurrentAccess(t *testing.T) {
	event := NewChannelEvent[int](false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := make(chan int, 100)
			sub := event.Listen(ch)
			for j := 0; j < 10; j++ {
				event.Notify(j)
			}
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, event.ListenerCount())
}
