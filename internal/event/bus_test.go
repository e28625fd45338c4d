package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe(HookNotification, func(ev Event) { got <- ev })

	b.Publish(HookNotification, HookData{Event: "completed"})

	select {
	case ev := <-got:
		assert.Equal(t, HookNotification, ev.Type)
		var data HookData
		require.NoError(t, ev.Decode(&data))
		assert.Equal(t, "completed", data.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeIsPerType(t *testing.T) {
	b := NewBus()
	defer b.Close()

	got := make(chan Event, 8)
	b.Subscribe(InvocationStarted, func(ev Event) { got <- ev })

	b.Publish(InvocationFinished, "success")
	b.Publish(InvocationStarted, "inv-1")

	select {
	case ev := <-got:
		assert.Equal(t, InvocationStarted, ev.Type)
		var id string
		require.NoError(t, ev.Decode(&id))
		assert.Equal(t, "inv-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-got:
		t.Fatalf("unexpected second delivery: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	first := make(chan Event, 1)
	second := make(chan Event, 1)
	b.Subscribe(TunnelURLChanged, func(ev Event) { first <- ev })
	b.Subscribe(TunnelURLChanged, func(ev Event) { second <- ev })

	b.Publish(TunnelURLChanged, "https://x.trycloudflare.com")

	for _, ch := range []chan Event{first, second} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	got := make(chan Event, 8)
	unsub := b.Subscribe(EndpointStateChanged, func(ev Event) { got <- ev })
	unsub()

	// Give the subscription channel time to close before publishing.
	time.Sleep(50 * time.Millisecond)
	b.Publish(EndpointStateChanged, "active")

	select {
	case <-got:
		t.Fatal("unsubscribed subscriber still received event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseDropsPublishes(t *testing.T) {
	b := NewBus()

	got := make(chan Event, 1)
	b.Subscribe(HookNotification, func(ev Event) { got <- ev })
	require.NoError(t, b.Close())

	// Publishing after close must not panic or deliver.
	b.Publish(HookNotification, HookData{Event: "late"})

	select {
	case <-got:
		t.Fatal("event delivered after close")
	case <-time.After(100 * time.Millisecond):
	}
}
