// Package queue is a Redis Streams job queue with visibility timeouts,
// receive counting and redrive to a dead-letter stream.
package queue

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Name identifies a logical queue.
type Name string

const (
	Extraction Name = "extraction"
	Clustering Name = "clustering"
)

// Defaults for Config.
const (
	DefaultGroup            = "incidents"
	DefaultDeadLetterSuffix = ":dlq"
	DefaultMaxReceiveCount  = 5
	DefaultBatchLimit       = 10
	// MaxVisibility is the longest a message can stay hidden.
	MaxVisibility = 12 * time.Hour
)

// ErrUnknownQueue is returned for a queue name missing from Config.Queues.
var ErrUnknownQueue = errors.New("unknown queue")

// Config maps queue names to streams. It is built once at startup and is
// read-only afterwards.
type Config struct {
	// Queues maps each queue name to its stream key.
	Queues map[Name]string
	// Group is the consumer group shared by all workers.
	Group string
	// Consumer identifies this worker within the group.
	Consumer string
	// DeadLetterSuffix is appended to a stream key to name its dead-letter stream.
	DeadLetterSuffix string
	// MaxReceiveCount is how many times a message may be received before redrive.
	MaxReceiveCount int
	// BatchLimit is the maximum number of entries per pipelined enqueue.
	BatchLimit int
	// ReclaimIdle is the fallback visibility for pending entries without a
	// recorded deadline.
	ReclaimIdle time.Duration
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = defaultConsumerName()
	}
	if c.DeadLetterSuffix == "" {
		c.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if c.MaxReceiveCount <= 0 {
		c.MaxReceiveCount = DefaultMaxReceiveCount
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 5 * time.Minute
	}
}

// Stream returns the stream key for name.
func (c *Config) Stream(name Name) (string, error) {
	stream, ok := c.Queues[name]
	if !ok || stream == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return stream, nil
}

// Names returns the configured queue names.
func (c *Config) Names() []Name {
	names := make([]Name, 0, len(c.Queues))
	for name := range c.Queues {
		names = append(names, name)
	}
	return names
}

func (c *Config) deadLetter(stream string) string { return stream + c.DeadLetterSuffix }

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func visibilityKey(stream string) string { return stream + ":visibility" }

func receivesKey(stream string) string { return stream + ":receives" }
