// Package event provides a pub/sub bus for cross-component notifications
// built on watermill's gochannel transport.
package event

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
)

// Type identifies a kind of event. Each type is one watermill topic.
type Type string

const (
	// InvocationStarted fires when an assistant run begins for a session.
	InvocationStarted Type = "invocation.started"
	// InvocationFinished fires when an assistant run completes, fails,
	// times out or is cancelled.
	InvocationFinished Type = "invocation.finished"
	// HookNotification fires when the assistant's own hook posts a
	// completion/waiting notification to the server.
	HookNotification Type = "hook.notification"
	// TunnelURLChanged fires when the tunnel produces a new public URL.
	TunnelURLChanged Type = "tunnel.url_changed"
	// EndpointStateChanged fires on every reconciler state transition.
	EndpointStateChanged Type = "endpoint.state_changed"
)

// Event is a delivered notification. The payload is JSON.
type Event struct {
	Type    Type
	Payload []byte
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// HookData is the payload of a HookNotification event.
type HookData struct {
	Event string `json:"event"`
}

// Subscriber receives events.
type Subscriber func(Event)

// Bus fans events out to subscribers over a watermill gochannel. Each event
// type is a topic; each subscriber holds its own subscription so a slow
// consumer only delays itself.
type Bus struct {
	pubsub *gochannel.GoChannel
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates an event bus.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers fn for events of type t and returns an unsubscribe
// function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	subCtx, cancel := context.WithCancel(b.ctx)
	msgs, err := b.pubsub.Subscribe(subCtx, string(t))
	if err != nil {
		cancel()
		logging.Error().Err(err).Str("type", string(t)).Msg("event subscribe failed")
		return func() {}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			fn(Event{Type: t, Payload: msg.Payload})
			msg.Ack()
		}
	}()

	return cancel
}

// Publish marshals payload and delivers it to all subscribers of t. Delivery
// is asynchronous.
func (b *Bus) Publish(t Type, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Str("type", string(t)).Msg("event payload marshal failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(string(t), msg); err != nil {
		logging.Warn().Err(err).Str("type", string(t)).Msg("event publish failed")
	}
}

// Close shuts the bus down and waits for subscriber goroutines to drain.
func (b *Bus) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
