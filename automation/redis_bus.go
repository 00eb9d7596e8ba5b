package automation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisBus queues events on a Redis list so multiple nodes can share
// one event stream. BRPOP gives blocking delivery; a poisoned payload
// is logged and dropped rather than wedging the consumer.
type RedisBus struct {
	client *redis.Client
	queue  string
	logger *logrus.Entry
}

func NewRedisBus(client *redis.Client, queue string, logger *logrus.Entry) *RedisBus {
	return &RedisBus{
		client: client,
		queue:  queue,
		logger: logger,
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.LPush(ctx, b.queue, payload).Err()
}

func (b *RedisBus) Receive(ctx context.Context) (Event, error) {
	for {
		res, err := b.client.BRPop(ctx, 5*time.Second, b.queue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, err
		}
		// BRPOP returns [queue, payload]
		var ev Event
		if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
			b.logger.WithError(err).Warn("Dropping malformed event payload")
			continue
		}
		return ev, nil
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
