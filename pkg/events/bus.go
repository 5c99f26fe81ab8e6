package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jake-jlawson/dashtech/internal/pkg/logger"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// LifecycleTopic carries every issue lifecycle event.
const LifecycleTopic = "issue.lifecycle"

// Bus is the in-process lifecycle event bus. Every subscriber receives every event.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger logger.ILogger
}

func NewBus(log logger.ILogger) *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false)),
		logger: log,
	}
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(NewEvent(event.EventType(), event.Payload()).withTime(event.Timestamp()))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(LifecycleTopic, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.EventType(), err)
	}
	return nil
}

// Subscribe delivers events to handler on a dedicated goroutine until ctx ends or
// the bus closes. A failing handler is logged; the event is not redelivered.
func (b *Bus) Subscribe(ctx context.Context, name string, handler Handler) error {
	messages, err := b.pubSub.Subscribe(ctx, LifecycleTopic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var event BaseEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Error("EventBus", "Failed to unmarshal event", map[string]interface{}{"subscriber": name, "error": err.Error()})
				msg.Ack()
				continue
			}
			if err := handler(ctx, event); err != nil {
				b.logger.Warn("EventBus", fmt.Sprintf("Handler failed for %s", event.Type), map[string]interface{}{"subscriber": name, "error": err.Error()})
			}
			msg.Ack()
		}
	}()
	return nil
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}

func (e BaseEvent) withTime(t time.Time) BaseEvent {
	if !t.IsZero() {
		e.OccurredAt = t
	}
	return e
}
