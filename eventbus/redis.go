package eventbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Redis publishes events on a named channel of a redis-compatible broker and
// runs a long-lived consumer that feeds local subscribers. Delivery through
// the broker is at-least-once; handlers must be idempotent.
type Redis struct {
	log     *zap.Logger
	client  *redis.Client
	channel string
	subs    *subscribers
}

// NewRedis creates a redis-backed bus from the configured connection url.
func NewRedis(log *zap.Logger, config Config) (*Redis, error) {
	opts, err := redis.ParseURL(config.Address)
	if err != nil {
		return nil, Error.New("invalid redis url: %v", err)
	}
	if config.Channel == "" {
		return nil, Error.New("channel is required")
	}
	return &Redis{
		log:     log,
		client:  redis.NewClient(opts),
		channel: config.Channel,
		subs:    newSubscribers(),
	}, nil
}

// Ping checks the broker connection.
func (bus *Redis) Ping(ctx context.Context) error {
	return Error.Wrap(bus.client.Ping(ctx).Err())
}

// Publish implements Bus. Failures are logged; the journal keeps the durable
// record of the mutation the event describes.
func (bus *Redis) Publish(ctx context.Context, event Event) {
	mon.Counter("eventbus_published").Inc(1)

	payload, err := json.Marshal(event)
	if err != nil {
		bus.log.Error("marshal event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	if err := bus.client.Publish(ctx, bus.channel, payload).Err(); err != nil {
		mon.Counter("eventbus_publish_failed").Inc(1)
		bus.log.Error("publish event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// Subscribe implements Bus.
func (bus *Redis) Subscribe(handler Handler) (cancel func()) {
	return bus.subs.add(handler)
}

// Run consumes the channel until ctx is cancelled, dispatching every received
// event to local subscribers.
func (bus *Redis) Run(ctx context.Context) error {
	pubsub := bus.client.Subscribe(ctx, bus.channel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return Error.Wrap(err)
		}

		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			bus.log.Warn("malformed event payload", zap.Error(err))
			continue
		}
		bus.subs.dispatch(ctx, event)
	}
}

// Close implements Bus.
func (bus *Redis) Close() error {
	return errs.Wrap(bus.client.Close())
}
