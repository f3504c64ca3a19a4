package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const readyChannel = "ratchet:jobs:ready"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisNotifier publishes a wake-up on enqueue and surfaces subscribed
// wake-ups on a local channel, cutting dequeue latency below the poll
// interval. Delivery is best-effort; the poll tick remains the backstop.
type RedisNotifier struct {
	client *redis.Client
	ready  chan struct{}
}

func NewRedisNotifier(cfg RedisConfig) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &RedisNotifier{
		client: client,
		ready:  make(chan struct{}, 1),
	}
}

func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

func (n *RedisNotifier) NotifyReady(ctx context.Context) {
	if err := n.client.Publish(ctx, readyChannel, "1").Err(); err != nil {
		slog.Default().DebugContext(ctx, "queue.notify_failed", "err", err)
	}
}

func (n *RedisNotifier) Ready() <-chan struct{} {
	return n.ready
}

// Run subscribes and forwards wake-ups until ctx is cancelled. The local
// channel holds one pending signal; coalescing further ones is fine because
// a single dequeue drains every ready job up to the batch size.
func (n *RedisNotifier) Run(ctx context.Context) {
	sub := n.client.Subscribe(ctx, readyChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case n.ready <- struct{}{}:
			default:
			}
		}
	}
}

// ChanNotifier is the in-process notifier used by tests and single-binary
// deployments without redis.
type ChanNotifier struct {
	ready chan struct{}
}

func NewChanNotifier() *ChanNotifier {
	return &ChanNotifier{ready: make(chan struct{}, 1)}
}

func (n *ChanNotifier) NotifyReady(context.Context) {
	select {
	case n.ready <- struct{}{}:
	default:
	}
}

func (n *ChanNotifier) Ready() <-chan struct{} {
	return n.ready
}
