// Package notify implements the dispatcher's Redis pub/sub wake channel: a
// low-latency nudge that lets enqueue wake an idle dispatcher immediately,
// without replacing the poll loop that remains the source of truth.
package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const wakeChannel = "queryprocessor:wake"

// Channel wraps a Redis client scoped to one pub/sub topic.
type Channel struct {
	client *redis.Client
}

// NewChannel builds a wake channel client.
func NewChannel(addr, password string, db int) *Channel {
	return &Channel{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Close releases the underlying Redis connection pool.
func (c *Channel) Close() error {
	return c.client.Close()
}

// Wake publishes a nudge so a sleeping dispatcher doesn't wait out the rest
// of its poll interval. Store.Enqueue does not publish it; whoever inserts
// the pending row does. A publish with no subscribers is a normal, silent no-op —
// callers never need to check Wake's error for "nobody is listening".
func (c *Channel) Wake(ctx context.Context) error {
	return c.client.Publish(ctx, wakeChannel, "1").Err()
}

// Subscribe returns a channel of wake notifications. The caller's select
// loop treats every receive (including ones coalesced by a busy publisher)
// as "something may be claimable now" — it's a hint to poll early, not a
// guarantee of exactly one new row.
func (c *Channel) Subscribe(ctx context.Context) (<-chan *redis.Message, func()) {
	sub := c.client.Subscribe(ctx, wakeChannel)
	return sub.Channel(), func() { _ = sub.Close() }
}
