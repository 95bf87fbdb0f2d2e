// Package consumer runs the polling loop that feeds queued jobs to their
// handlers and applies the retry and poison-message policy.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/job"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

const (
	defaultBatchSize    = 10
	defaultWaitTime     = 2 * time.Second
	defaultVisibility   = 5 * time.Minute
	defaultMaxInFlight  = 4
	defaultMaxAttempts  = 5
	defaultGracePeriod  = 30 * time.Second
	defaultErrorBackoff = time.Second
)

// Outcome labels for logs and metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
)

// Queue is the part of the queue client the consumer uses.
type Queue interface {
	Receive(ctx context.Context, q queue.Name, maxMessages int, wait, visibility time.Duration) ([]queue.Message, error)
	Delete(ctx context.Context, q queue.Name, handle string) error
	ExtendVisibility(ctx context.Context, q queue.Name, handle string, delay time.Duration) error
}

// Handlers holds one handler per payload variant.
type Handlers struct {
	Extract func(ctx context.Context, env *job.Envelope, p job.ExtractPayload) error
	Cluster func(ctx context.Context, env *job.Envelope, p job.ClusterPayload) error
}

// Config holds consumer loop settings.
type Config struct {
	// Queues are polled round-robin.
	Queues []queue.Name
	// BatchSize is the maximum messages per receive.
	BatchSize int
	// WaitTime is the long-poll duration per receive.
	WaitTime time.Duration
	// Visibility hides a received message while its handler runs.
	Visibility time.Duration
	// Heartbeat is how often a running handler's message is hidden for
	// another Visibility. It defaults to half of Visibility and never
	// exceeds it.
	Heartbeat time.Duration
	// MaxInFlight bounds concurrently running handlers across all queues.
	MaxInFlight int
	// MaxAttempts is the attempt at which retries are left to redrive.
	MaxAttempts int
	// GracePeriod is how long in-flight handlers may run after shutdown starts.
	GracePeriod time.Duration
	// ErrorBackoff pauses polling after a failed receive.
	ErrorBackoff time.Duration
	Backoff      retry.Backoff
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.WaitTime <= 0 {
		c.WaitTime = defaultWaitTime
	}
	if c.Visibility <= 0 {
		c.Visibility = defaultVisibility
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.Visibility {
		c.Heartbeat = c.Visibility / 2
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = retry.DefaultBackoff()
	}
}

// Consumer drives the poll, dispatch, acknowledge cycle.
type Consumer struct {
	queue     Queue
	handlers  Handlers
	cfg       Config
	logger    infralogger.Logger
	telemetry *telemetry.Provider

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a consumer.
func New(q Queue, handlers Handlers, cfg Config, log infralogger.Logger, tp *telemetry.Provider) (*Consumer, error) {
	cfg.setDefaults()
	if len(cfg.Queues) == 0 {
		return nil, errors.New("consumer: at least one queue is required")
	}
	if handlers.Extract == nil || handlers.Cluster == nil {
		return nil, errors.New("consumer: every job type needs a handler")
	}

	return &Consumer{
		queue:     q,
		handlers:  handlers,
		cfg:       cfg,
		logger:    log,
		telemetry: tp,
		sem:       make(chan struct{}, cfg.MaxInFlight),
	}, nil
}

// Run polls until ctx is cancelled. Handlers run on a context that survives
// the cancellation for up to GracePeriod; after that it is cancelled and Run
// returns whether or not they have finished.
func (c *Consumer) Run(ctx context.Context) error {
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	c.logger.Info("consumer started",
		infralogger.Int("queues", len(c.cfg.Queues)),
		infralogger.Int("max_in_flight", c.cfg.MaxInFlight),
		infralogger.Duration("grace_period", c.cfg.GracePeriod),
	)

	for i := 0; ctx.Err() == nil; i++ {
		c.poll(ctx, handlerCtx, c.cfg.Queues[i%len(c.cfg.Queues)])
	}

	return c.drain(cancelHandlers)
}

func (c *Consumer) drain(cancelHandlers context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cfg.GracePeriod)
	defer timer.Stop()

	select {
	case <-done:
		c.logger.Info("consumer stopped")
	case <-timer.C:
		cancelHandlers()
		c.logger.Warn("consumer stopped with handlers still running",
			infralogger.Duration("grace_period", c.cfg.GracePeriod))
	}
	return nil
}

// poll receives one batch from q and dispatches it. It returns early when
// ctx is cancelled, leaving undispatched messages to become visible again.
func (c *Consumer) poll(ctx, handlerCtx context.Context, q queue.Name) {
	msgs, err := c.queue.Receive(ctx, q, c.cfg.BatchSize, c.cfg.WaitTime, c.cfg.Visibility)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.telemetry.RecordReceiveError(string(q))
		c.logger.Error("receive failed", infralogger.String("queue", string(q)), infralogger.Error(err))
		sleep(ctx, c.cfg.ErrorBackoff)
		return
	}

	for _, msg := range msgs {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		c.wg.Add(1)
		c.telemetry.AddInFlight(1)
		go func(msg queue.Message) {
			defer func() {
				c.telemetry.AddInFlight(-1)
				<-c.sem
				c.wg.Done()
			}()
			c.handle(handlerCtx, msg)
		}(msg)
	}
}

// handle processes one message end to end.
func (c *Consumer) handle(ctx context.Context, msg queue.Message) {
	if msg.DecodeErr != nil {
		c.dropUndecodable(ctx, msg)
		return
	}

	env := msg.Envelope
	attempt := max(msg.ReceiveCount, env.Attempt)
	ctx, log := infralogger.WithFields(infralogger.WithContext(ctx, c.logger),
		infralogger.String("job_id", env.ID),
		infralogger.String("correlation_id", env.CorrelationID),
		infralogger.String("job_type", string(env.Type)),
		infralogger.String("queue", string(msg.Queue)),
		infralogger.Int("attempt", attempt),
	)

	ctx, span := c.telemetry.StartSpan(ctx, "job."+string(env.Type),
		attribute.String("job.id", env.ID),
		attribute.String("job.correlation_id", env.CorrelationID),
		attribute.String("queue", string(msg.Queue)),
		attribute.Int("job.attempt", attempt),
	)
	defer span.End()

	start := time.Now()
	stopHeartbeat := c.keepVisible(ctx, msg, log)
	err := c.dispatch(ctx, env)
	stopHeartbeat()
	duration := time.Since(start)

	outcome := c.settle(ctx, msg, attempt, err, log)
	span.SetAttributes(attribute.String("job.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.telemetry.RecordJob(string(msg.Queue), string(env.Type), outcome, duration)

	fields := []infralogger.Field{
		infralogger.String("outcome", outcome),
		infralogger.Duration("duration", duration),
	}
	switch outcome {
	case OutcomeSuccess:
		log.Info("job completed", fields...)
	case OutcomeFailed:
		log.Error("job failed permanently", append(fields,
			infralogger.String("error_kind", string(domain.KindOf(err))), infralogger.Error(err))...)
	case OutcomeExhausted:
		log.Warn("job retries exhausted, leaving to redrive", append(fields, infralogger.Error(err))...)
	default:
		log.Warn("job failed, retry scheduled", append(fields, infralogger.Error(err))...)
	}
}

// keepVisible extends msg's visibility every Heartbeat until stop is called,
// so a long handler is not reclaimed and run twice. stop waits for an
// in-flight extension, which must not land after settle's.
func (c *Consumer) keepVisible(ctx context.Context, msg queue.Message, log infralogger.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.queue.ExtendVisibility(hbCtx, msg.Queue, msg.Handle, c.cfg.Visibility); err != nil && hbCtx.Err() == nil {
					log.Warn("visibility heartbeat failed", infralogger.String("handle", msg.Handle), infralogger.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// settle acknowledges or reschedules msg according to err.
func (c *Consumer) settle(ctx context.Context, msg queue.Message, attempt int, err error, log infralogger.Logger) string {
	if err == nil || !domain.IsRetryable(err) {
		if delErr := c.queue.Delete(ctx, msg.Queue, msg.Handle); delErr != nil {
			log.Error("delete message failed", infralogger.String("handle", msg.Handle), infralogger.Error(delErr))
		}
		if err == nil {
			return OutcomeSuccess
		}
		return OutcomeFailed
	}

	delay := c.cfg.Backoff.Delay(attempt)
	if extErr := c.queue.ExtendVisibility(ctx, msg.Queue, msg.Handle, delay); extErr != nil {
		log.Error("schedule retry failed", infralogger.String("handle", msg.Handle), infralogger.Error(extErr))
	}
	c.telemetry.RecordRetry(string(msg.Queue), string(msg.Envelope.Type))

	if attempt >= c.cfg.MaxAttempts {
		return OutcomeExhausted
	}
	return OutcomeRetry
}

// dispatch routes env to the handler for its payload variant.
func (c *Consumer) dispatch(ctx context.Context, env *job.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch p := env.Payload.(type) {
	case job.ExtractPayload:
		return c.handlers.Extract(ctx, env, p)
	case job.ClusterPayload:
		return c.handlers.Cluster(ctx, env, p)
	default:
		return domain.Poison("dispatch", fmt.Errorf("%w: %T", job.ErrUnknownJobType, p))
	}
}

// dropUndecodable deletes a message that can never be handled.
func (c *Consumer) dropUndecodable(ctx context.Context, msg queue.Message) {
	fields := []infralogger.Field{
		infralogger.String("queue", string(msg.Queue)),
		infralogger.String("handle", msg.Handle),
		infralogger.Int("receive_count", msg.ReceiveCount),
		infralogger.Error(msg.DecodeErr),
	}

	reason := "invalid"
	switch {
	case errors.Is(msg.DecodeErr, job.ErrUnknownJobType):
		reason = "unknown_type"
		c.logger.Warn("dropping message with unknown job type", fields...)
	case errors.Is(msg.DecodeErr, job.ErrMalformedBody):
		reason = "malformed"
		c.logger.Error("dropping poison message: unparsable body", fields...)
	default:
		c.logger.Error("dropping poison message: invalid envelope", fields...)
	}
	c.telemetry.RecordPoison(string(msg.Queue), reason)

	if err := c.queue.Delete(ctx, msg.Queue, msg.Handle); err != nil {
		c.logger.Error("delete poison message failed", append(fields[:2:2], infralogger.Error(err))...)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
