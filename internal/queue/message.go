package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
)

// Delete acknowledges and removes the message identified by handle.
func (c *Client) Delete(ctx context.Context, queue Name, handle string) error {
	stream, err := c.cfg.Stream(queue)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, c.cfg.Group, handle)
		pipe.XDel(ctx, stream, handle)
		pipe.ZRem(ctx, visibilityKey(stream), handle)
		pipe.HDel(ctx, receivesKey(stream), handle)
		return nil
	})
	if err != nil {
		return domain.Transient("delete message", fmt.Errorf("stream %s message %s: %w", stream, handle, err))
	}
	return nil
}

// ExtendVisibility hides the message for delay from now, capped at
// MaxVisibility. Use it to schedule a retry.
func (c *Client) ExtendVisibility(ctx context.Context, queue Name, handle string, delay time.Duration) error {
	stream, err := c.cfg.Stream(queue)
	if err != nil {
		return err
	}

	deadline := float64(c.now().Add(clampVisibility(delay)).UnixMilli())
	if zErr := c.rdb.ZAdd(ctx, visibilityKey(stream), redis.Z{Score: deadline, Member: handle}).Err(); zErr != nil {
		return domain.Transient("extend visibility", fmt.Errorf("stream %s message %s: %w", stream, handle, zErr))
	}
	return nil
}

// Stats describes one queue's backlog.
type Stats struct {
	Queue      Name
	Stream     string
	Length     int64
	Pending    int64
	DeadLetter int64
}

// Stats reports stream length, pending entries and dead-letter length.
func (c *Client) Stats(ctx context.Context, queue Name) (Stats, error) {
	stream, err := c.cfg.Stream(queue)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Queue: queue, Stream: stream}

	pipe := c.rdb.Pipeline()
	length := pipe.XLen(ctx, stream)
	dlq := pipe.XLen(ctx, c.cfg.deadLetter(stream))
	if _, execErr := pipe.Exec(ctx); execErr != nil && !errors.Is(execErr, redis.Nil) {
		return stats, domain.Transient("queue stats", fmt.Errorf("stream %s: %w", stream, execErr))
	}
	stats.Length = length.Val()
	stats.DeadLetter = dlq.Val()

	pending, pendErr := c.rdb.XPending(ctx, stream, c.cfg.Group).Result()
	switch {
	case pendErr == nil:
		stats.Pending = pending.Count
	case errors.Is(pendErr, redis.Nil):
	default:
		return stats, domain.Transient("queue stats", fmt.Errorf("pending %s: %w", stream, pendErr))
	}
	return stats, nil
}
