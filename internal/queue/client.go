package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/job"
)

// Stream entry fields.
const (
	BodyField    = "body"
	JobTypeField = "job_type"
	JobIDField   = "job_id"
)

// Client sends and receives envelopes on Redis Streams.
type Client struct {
	rdb *redis.Client
	cfg *Config
	now func() time.Time

	mu      sync.Mutex
	cursors map[string]string // stream -> next orphan scan start
}

// New creates a queue client. cfg is shared, not copied.
func New(rdb *redis.Client, cfg *Config) *Client {
	cfg.SetDefaults()
	return &Client{rdb: rdb, cfg: cfg, now: time.Now, cursors: map[string]string{}}
}

// Config returns the client's queue configuration.
func (c *Client) Config() *Config { return c.cfg }

// Ping checks if Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Initialize creates the consumer group on every configured stream.
func (c *Client) Initialize(ctx context.Context) error {
	for name, stream := range c.cfg.Queues {
		err := c.rdb.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return domain.Transient("create consumer group", fmt.Errorf("queue %s: %w", name, err))
		}
	}
	return nil
}

// Enqueue adds env to queue and returns the stream message id.
func (c *Client) Enqueue(ctx context.Context, queue Name, env *job.Envelope) (string, error) {
	stream, err := c.cfg.Stream(queue)
	if err != nil {
		return "", err
	}

	body, encodeErr := job.Encode(env)
	if encodeErr != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, encodeErr)
	}

	id, addErr := c.rdb.XAdd(ctx, addArgs(stream, env, body)).Result()
	if addErr != nil {
		return "", domain.Transient("enqueue", fmt.Errorf("stream %s: %w", stream, addErr))
	}
	return id, nil
}

// BatchResult lists job ids by enqueue outcome.
type BatchResult struct {
	Succeeded []string
	Failed    []string
}

// EnqueueBatch adds envs to queue in pipelined chunks of BatchLimit. An
// envelope that cannot be encoded fails on its own; a transport failure fails
// its chunk. The returned error reports the last transport failure, if any.
func (c *Client) EnqueueBatch(ctx context.Context, queue Name, envs []*job.Envelope) (BatchResult, error) {
	var result BatchResult

	stream, err := c.cfg.Stream(queue)
	if err != nil {
		return result, err
	}

	var lastErr error
	for start := 0; start < len(envs); start += c.cfg.BatchLimit {
		end := min(start+c.cfg.BatchLimit, len(envs))
		if chunkErr := c.enqueueChunk(ctx, stream, envs[start:end], &result); chunkErr != nil {
			lastErr = chunkErr
		}
	}

	if lastErr != nil {
		return result, domain.Transient("enqueue batch", lastErr)
	}
	return result, nil
}

func (c *Client) enqueueChunk(ctx context.Context, stream string, envs []*job.Envelope, result *BatchResult) error {
	pipe := c.rdb.Pipeline()
	ids := make([]string, 0, len(envs))
	cmds := make([]*redis.StringCmd, 0, len(envs))

	for _, env := range envs {
		body, err := job.Encode(env)
		if err != nil {
			result.Failed = append(result.Failed, envelopeID(env))
			continue
		}
		ids = append(ids, env.ID)
		cmds = append(cmds, pipe.XAdd(ctx, addArgs(stream, env, body)))
	}
	if len(cmds) == 0 {
		return nil
	}

	_, execErr := pipe.Exec(ctx)
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			result.Failed = append(result.Failed, ids[i])
			continue
		}
		result.Succeeded = append(result.Succeeded, ids[i])
	}

	if execErr != nil && !errors.Is(execErr, redis.Nil) {
		return fmt.Errorf("stream %s: %w", stream, execErr)
	}
	return nil
}

func addArgs(stream string, env *job.Envelope, body []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			BodyField:    string(body),
			JobTypeField: string(env.Type),
			JobIDField:   env.ID,
		},
	}
}

func envelopeID(env *job.Envelope) string {
	if env == nil {
		return ""
	}
	return env.ID
}
