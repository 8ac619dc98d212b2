package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutReplicatesToEverySubscriber(t *testing.T) {
	src := make(chan Event, 4)
	f := NewFanout(src)
	defer f.Close()

	a := f.Subscribe(4)
	b := f.Subscribe(4)

	src <- Event{Kind: SignalInterfacesAdded, Path: "/org/bluez/hci0/dev_AA"}

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, SignalInterfacesAdded, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestFanoutDropsOnFullSubscriber(t *testing.T) {
	src := make(chan Event, 8)
	f := NewFanout(src)
	defer f.Close()

	slow := f.Subscribe(1)
	for i := 0; i < 5; i++ {
		src <- Event{Kind: SignalPropertiesChanged}
	}

	require.Eventually(t, func() bool { return f.Dropped() >= 4 }, time.Second, 10*time.Millisecond)
	<-slow // the first event is still delivered
}

func TestFanoutUnsubscribeClosesChannel(t *testing.T) {
	src := make(chan Event)
	f := NewFanout(src)
	defer f.Close()

	ch := f.Subscribe(1)
	f.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestFanoutCloseClosesSubscribers(t *testing.T) {
	src := make(chan Event)
	f := NewFanout(src)
	ch := f.Subscribe(1)
	f.Close()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func TestFanoutSourceCloseShutsDown(t *testing.T) {
	src := make(chan Event)
	f := NewFanout(src)
	ch := f.Subscribe(1)
	close(src)

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after source close")
	}

	// Subscribing after shutdown yields a closed channel rather than a
	// wedged one.
	require.Eventually(t, func() bool {
		late := f.Subscribe(1)
		_, open := <-late
		return !open
	}, time.Second, 10*time.Millisecond)
}
