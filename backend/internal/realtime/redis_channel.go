package realtime

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// 具体实现：基于 redis pub/sub 的 Channel
type redisChannel struct {
	rdb *redis.Client
}

var _ Channel = (*redisChannel)(nil)

func NewRedisChannel(rdb *redis.Client) Channel {
	return &redisChannel{rdb: rdb}
}

func (c *redisChannel) Publish(ctx context.Context, topic string, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, topic, b).Err()
}

func (c *redisChannel) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	pubsub := c.rdb.Subscribe(ctx, topic)
	// 确认订阅建立，失败趁早报
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					log.Printf("realtime: drop malformed event on %s: %v", topic, err)
					continue
				}
				select {
				case out <- evt:
				default:
					// 消费端追不上就丢：短命事件不值得背压
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return out, cancel, nil
}
