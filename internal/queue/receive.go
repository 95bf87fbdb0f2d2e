package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/job"
)

// maxPendingCheck is the page size of the orphan scan over the pending list.
const maxPendingCheck = 100

// Message is one received stream entry. DecodeErr is set instead of Envelope
// when the body could not be decoded; it matches job.ErrMalformedBody or
// job.ErrInvalidEnvelope.
type Message struct {
	Queue        Name
	Handle       string
	ReceiveCount int
	Body         []byte
	Envelope     *job.Envelope
	DecodeErr    error
}

// Receive returns up to maxMessages messages from queue. Messages whose
// visibility expired are reclaimed first; ones received MaxReceiveCount times
// already are moved to the dead-letter stream instead. When nothing was
// reclaimed the read blocks up to wait for new messages. Every returned
// message stays hidden for visibility.
func (c *Client) Receive(ctx context.Context, queue Name, maxMessages int, wait, visibility time.Duration) ([]Message, error) {
	stream, err := c.cfg.Stream(queue)
	if err != nil {
		return nil, err
	}
	if maxMessages <= 0 {
		maxMessages = 1
	}

	reclaimed, err := c.reclaim(ctx, stream, maxMessages)
	if err != nil {
		return nil, err
	}

	entries := reclaimed
	if remaining := maxMessages - len(reclaimed); remaining > 0 {
		block := wait
		if len(reclaimed) > 0 || wait <= 0 {
			// go-redis omits BLOCK for negative durations
			block = -1
		}
		fresh, readErr := c.readNew(ctx, stream, remaining, block)
		if readErr != nil {
			if len(entries) == 0 {
				return nil, readErr
			}
		} else {
			entries = append(entries, fresh...)
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}

	return c.deliver(ctx, queue, stream, entries, visibility)
}

// reclaim claims pending entries whose visibility deadline has passed and
// redrives the ones that have used up their receives. Expired deadlines are
// read straight from the deadline set, so a backlog of entries still hidden
// never masks one that expired.
func (c *Client) reclaim(ctx context.Context, stream string, limit int) ([]redis.XMessage, error) {
	owned, err := c.takeExpired(ctx, stream, limit)
	if err != nil {
		return nil, err
	}
	claimed, err := c.claim(ctx, stream, owned, 0)
	if err != nil {
		return nil, err
	}

	if remaining := limit - len(claimed); remaining > 0 {
		orphans, orphanErr := c.orphanedEntries(ctx, stream, remaining)
		if orphanErr != nil {
			return nil, orphanErr
		}
		// MinIdle makes a second worker racing for the same orphan lose.
		more, claimErr := c.claim(ctx, stream, orphans, c.cfg.ReclaimIdle)
		if claimErr != nil {
			return nil, claimErr
		}
		claimed = append(claimed, more...)
	}

	counts, err := c.receiveCounts(ctx, stream, claimed)
	if err != nil {
		return nil, err
	}

	kept := make([]redis.XMessage, 0, len(claimed))
	for _, msg := range claimed {
		// counts hold receives so far; this claim would be one more
		if counts[msg.ID]+1 > c.cfg.MaxReceiveCount {
			if redriveErr := c.redrive(ctx, stream, msg, counts[msg.ID]); redriveErr != nil {
				return nil, redriveErr
			}
			continue
		}
		kept = append(kept, msg)
	}
	return kept, nil
}

// takeExpired removes up to limit expired deadlines and returns the ids this
// worker removed. ZREM succeeds for one caller only, which makes it the sole
// claimant; the new deadline is written on delivery. Ids whose entry is gone
// drop out at the claim, which also clears their stale deadlines.
func (c *Client) takeExpired(ctx context.Context, stream string, limit int) ([]string, error) {
	key := visibilityKey(stream)
	ids, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(c.now().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, domain.Transient("read visibility", fmt.Errorf("stream %s: %w", stream, err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	removed := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		removed[i] = pipe.ZRem(ctx, key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, domain.Transient("take expired", fmt.Errorf("stream %s: %w", stream, err))
	}

	owned := make([]string, 0, len(ids))
	for i, id := range ids {
		if removed[i].Val() == 1 {
			owned = append(owned, id)
		}
	}
	return owned, nil
}

// orphanedEntries returns pending entries idle for ReclaimIdle that have no
// deadline, such as ones whose worker died between read and delivery. Each
// call scans one page of the pending list, resuming where the previous call
// stopped, so the whole list is covered however long it is.
func (c *Client) orphanedEntries(ctx context.Context, stream string, limit int) ([]string, error) {
	start := c.pendingCursor(stream)
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.ReclaimIdle,
		Start:  start,
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, domain.Transient("list pending", fmt.Errorf("stream %s: %w", stream, err))
	}
	if len(pending) < maxPendingCheck {
		c.setPendingCursor(stream, "-")
	} else {
		c.setPendingCursor(stream, nextID(pending[len(pending)-1].ID))
	}
	if len(pending) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	scores := make([]*redis.FloatCmd, len(pending))
	for i, entry := range pending {
		scores[i] = pipe.ZScore(ctx, visibilityKey(stream), entry.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, domain.Transient("read visibility", fmt.Errorf("stream %s: %w", stream, err))
	}

	var orphans []string
	for i, entry := range pending {
		if len(orphans) == limit {
			break
		}
		if errors.Is(scores[i].Err(), redis.Nil) {
			orphans = append(orphans, entry.ID)
		}
	}
	return orphans, nil
}

func (c *Client) claim(ctx context.Context, stream string, ids []string, minIdle time.Duration) ([]redis.XMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, domain.Transient("claim expired", fmt.Errorf("stream %s: %w", stream, err))
	}
	return claimed, nil
}

func (c *Client) pendingCursor(stream string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cursor, ok := c.cursors[stream]; ok {
		return cursor
	}
	return "-"
}

func (c *Client) setPendingCursor(stream, cursor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[stream] = cursor
}

// nextID returns the smallest stream id greater than id.
func nextID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

func (c *Client) receiveCounts(ctx context.Context, stream string, msgs []redis.XMessage) (map[string]int, error) {
	counts := make(map[string]int, len(msgs))
	if len(msgs) == 0 {
		return counts, nil
	}

	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	values, err := c.rdb.HMGet(ctx, receivesKey(stream), ids...).Result()
	if err != nil {
		return nil, domain.Transient("read receive counts", fmt.Errorf("stream %s: %w", stream, err))
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, convErr := strconv.Atoi(s)
		if convErr == nil {
			counts[ids[i]] = n
		}
	}
	return counts, nil
}

// redrive moves msg to the dead-letter stream and removes it from stream.
func (c *Client) redrive(ctx context.Context, stream string, msg redis.XMessage, receives int) error {
	values := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["source_stream"] = stream
	values["source_id"] = msg.ID
	values["receive_count"] = receives

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.deadLetter(stream), Values: values})
		pipe.XAck(ctx, stream, c.cfg.Group, msg.ID)
		pipe.XDel(ctx, stream, msg.ID)
		pipe.ZRem(ctx, visibilityKey(stream), msg.ID)
		pipe.HDel(ctx, receivesKey(stream), msg.ID)
		return nil
	})
	if err != nil {
		return domain.Transient("redrive", fmt.Errorf("stream %s message %s: %w", stream, msg.ID, err))
	}
	return nil
}

func (c *Client) readNew(ctx context.Context, stream string, count int, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, domain.Transient("read stream", fmt.Errorf("stream %s: %w", stream, err))
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// deliver records a visibility deadline and a receive for every entry and
// decodes the bodies.
func (c *Client) deliver(ctx context.Context, queue Name, stream string, entries []redis.XMessage, visibility time.Duration) ([]Message, error) {
	deadline := float64(c.now().Add(clampVisibility(visibility)).UnixMilli())

	pipe := c.rdb.Pipeline()
	incrs := make([]*redis.IntCmd, len(entries))
	for i, entry := range entries {
		pipe.ZAdd(ctx, visibilityKey(stream), redis.Z{Score: deadline, Member: entry.ID})
		incrs[i] = pipe.HIncrBy(ctx, receivesKey(stream), entry.ID, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, domain.Transient("record delivery", fmt.Errorf("stream %s: %w", stream, err))
	}

	msgs := make([]Message, 0, len(entries))
	for i, entry := range entries {
		msg := Message{
			Queue:        queue,
			Handle:       entry.ID,
			ReceiveCount: int(incrs[i].Val()),
		}

		body, ok := entry.Values[BodyField].(string)
		if !ok {
			msg.DecodeErr = job.ErrMalformedBody
			msgs = append(msgs, msg)
			continue
		}
		msg.Body = []byte(body)
		msg.Envelope, msg.DecodeErr = job.Decode(msg.Body)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func clampVisibility(d time.Duration) time.Duration {
	return max(0, min(d, MaxVisibility))
}
