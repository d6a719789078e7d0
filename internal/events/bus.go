package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"chatnerd/internal/logging"
)

// Topic carries every worker event on the bus.
const Topic = "chatnerd.events"

// Bus is the process-wide event bus backed by an in-memory watermill pub/sub.
type Bus struct {
	pubSub *gochannel.GoChannel
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			newWatermillLogger(),
		),
	}
}

// Publish puts ev on the bus. Events published with no subscriber are dropped.
func (b *Bus) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set("type", string(ev.Type))
	msg.Metadata.Set("worker", ev.Identity.Key())
	if err := b.pubSub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev, err)
	}
	return nil
}

// Listener adapts the bus into an emitter listener.
func (b *Bus) Listener() Listener {
	return func(ev Event) {
		if err := b.Publish(ev); err != nil {
			logging.EventsWarn("%v", err)
		}
	}
}

// Subscribe returns decoded events until ctx ends or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				logging.EventsWarn("dropping undecodable event %s: %v", msg.UUID, err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// keep draining so the pub/sub can shut the subscription down
			}
		}
	}()
	return out, nil
}

// Close stops all subscriptions.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
