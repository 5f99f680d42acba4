// Package notify implements the optional cross-process wake-signal fan-out
// for C4: when multiple gateway processes front a single shared Postgres
// store, Postgres LISTEN/NOTIFY alone can miss a signal delivered while a
// listener is reconnecting. RedisWaiter and Publisher add a Redis pub/sub
// channel alongside the store's own notification primitive so a processor
// racing both sources wakes on whichever arrives first.
package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisWaiter blocks on a per-engine Redis pub/sub channel.
type RedisWaiter struct {
	client        redis.UniversalClient
	channelPrefix string
}

// NewRedisWaiter constructs a RedisWaiter publishing/subscribing under
// channelPrefix+engineName.
func NewRedisWaiter(client redis.UniversalClient, channelPrefix string) *RedisWaiter {
	return &RedisWaiter{client: client, channelPrefix: channelPrefix}
}

func (w *RedisWaiter) channel(engineName string) string {
	return w.channelPrefix + engineName
}

// WaitForNotification blocks until a message arrives on engineName's
// channel, or ctx is done.
func (w *RedisWaiter) WaitForNotification(ctx context.Context, engineName string) error {
	sub := w.client.Subscribe(ctx, w.channel(engineName))
	defer sub.Close()

	select {
	case <-sub.Channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish announces a new job for engineName to every subscribed processor.
func (w *RedisWaiter) Publish(ctx context.Context, engineName string) error {
	if err := w.client.Publish(ctx, w.channel(engineName), "1").Err(); err != nil {
		return fmt.Errorf("publish job-added notification: %w", err)
	}
	return nil
}

// Waiter is the subset of store.Waiter this package composes over, kept
// local to avoid an import cycle with internal/store.
type Waiter interface {
	WaitForNotification(ctx context.Context, engineName string) error
}

// CompositeWaiter waits on two independent notification sources at once,
// returning as soon as either fires.
type CompositeWaiter struct {
	primary   Waiter
	secondary Waiter
}

// NewCompositeWaiter constructs a CompositeWaiter racing primary and secondary.
func NewCompositeWaiter(primary, secondary Waiter) *CompositeWaiter {
	return &CompositeWaiter{primary: primary, secondary: secondary}
}

// WaitForNotification returns once either the primary or secondary waiter
// observes a signal, or ctx is done.
func (c *CompositeWaiter) WaitForNotification(ctx context.Context, engineName string) error {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 2)
	go func() { result <- c.primary.WaitForNotification(raceCtx, engineName) }()
	go func() { result <- c.secondary.WaitForNotification(raceCtx, engineName) }()

	return <-result
}
