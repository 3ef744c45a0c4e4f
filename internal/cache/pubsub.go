package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

// EventPublisher fans settlement events out to Redis channels.
type EventPublisher struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewEventPublisher(client *redis.Client, logger *logrus.Logger) *EventPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventPublisher{client: client, logger: logger}
}

// Channels lists every channel an event is published on.
func Channels(ev *models.SettlementEvent) []string {
	channels := []string{
		constants.PubSubChannelSettlements,
		constants.PubSubChannelPoolPrefix + ev.PoolAddress,
		constants.PubSubChannelStatePrefix + string(ev.State),
	}
	if ev.State == models.StateLeg2Failed {
		channels = append(channels, constants.PubSubChannelReconciliations)
	}
	return channels
}

func (p *EventPublisher) PublishSettlement(ctx context.Context, ev *models.SettlementEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal settlement event: %w", err)
	}

	pipe := p.client.Pipeline()
	for _, ch := range Channels(ev) {
		pipe.Publish(ctx, ch, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish settlement event: %w", err)
	}
	return nil
}

// Subscribe delivers events from channel until ctx is done.
func (p *EventPublisher) Subscribe(ctx context.Context, channel string, handler func(*models.SettlementEvent)) error {
	return p.consume(ctx, p.client.Subscribe(ctx, channel), channel, handler)
}

// PSubscribe is Subscribe for a pattern such as "settlements:pool:*".
func (p *EventPublisher) PSubscribe(ctx context.Context, pattern string, handler func(*models.SettlementEvent)) error {
	return p.consume(ctx, p.client.PSubscribe(ctx, pattern), pattern, handler)
}

func (p *EventPublisher) consume(ctx context.Context, sub *redis.PubSub, name string, handler func(*models.SettlementEvent)) error {
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	p.logger.WithField("channel", name).Info("subscribed to settlement events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev models.SettlementEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed settlement event")
				continue
			}
			handler(&ev)
		}
	}
}
