package realtime

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel notifications travel on.
const DefaultChannel = "lasertracker:events"

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Publisher implements ledger.Notifier by publishing events to Redis, so
// every process running a Relay sees writes made by any other process.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewPublisher returns a Publisher on channel, or DefaultChannel when empty.
func NewPublisher(client *redis.Client, channel string, logger *zap.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, channel: channel, logger: logger}
}

func (publisher *Publisher) EntryAppended(ctx context.Context, entry ledger.Entry) {
	publisher.publish(ctx, entryAppendedEvent(entry))
}

func (publisher *Publisher) TotalsChanged(ctx context.Context, totals ledger.Totals) {
	publisher.publish(ctx, totalsChangedEvent(totals))
}

func (publisher *Publisher) IdentityChanged(ctx context.Context, userID ledger.UserID, identity ledger.Identity) {
	publisher.publish(ctx, identityChangedEvent(userID, identity))
}

// publish is best effort: the write it announces has already committed.
func (publisher *Publisher) publish(ctx context.Context, event Event) {
	payload, err := EncodeEvent(event)
	if err != nil {
		publisher.logger.Error("encode event failed", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	if err := publisher.client.Publish(ctx, publisher.channel, payload).Err(); err != nil {
		publisher.logger.Warn("publish event failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// Relay subscribes to channel and forwards every decodable event into hub
// until ctx ends.
func Relay(ctx context.Context, client *redis.Client, channel string, hub *Hub, logger *zap.Logger) error {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	subscription := client.Subscribe(ctx, channel)
	defer func() { _ = subscription.Close() }()
	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			event, err := DecodeEvent([]byte(message.Payload))
			if err != nil {
				logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			hub.Publish(event)
		}
	}
}
