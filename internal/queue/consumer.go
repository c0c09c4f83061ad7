/**
 * Asynq Queue Consumer for the voter-roll import worker
 *
 * Alternative backend selected with QUEUE_BACKEND=asynq. Asynq owns retries,
 * backoff and orphaned-task recovery; results are kept on the task.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	apperrors "github.com/voteraction/rollimport-worker/internal/errors"
	"github.com/voteraction/rollimport-worker/internal/logging"
	"github.com/voteraction/rollimport-worker/internal/processor"
)

// Completed task results stay inspectable for a day.
const resultRetention = 24 * time.Hour

// AsynqConsumer handles job consumption through asynq
type AsynqConsumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	handler   *importHandler
	config    *AsynqConsumerConfig
	logger    *logging.Logger
}

// AsynqConsumerConfig holds consumer configuration
type AsynqConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Processor   processor.ImportProcessorInterface

	Recoverer  StuckJobRecoverer
	StuckAfter time.Duration
}

// NewAsynqConsumer creates a new asynq queue consumer
func NewAsynqConsumer(cfg *AsynqConsumerConfig) (*AsynqConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}

	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return RetryDelay(n)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("Task processing error",
					"type", task.Type(),
					"retried", retried,
					"max_retry", maxRetry,
					"error", err)
			}),
			Logger:          logger.Sugar(),
			ShutdownTimeout: 30 * time.Second,
		},
	)

	consumer := &AsynqConsumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(redisOpt),
		handler:   &importHandler{processor: cfg.Processor, logger: logger},
		config:    cfg,
		logger:    logger,
	}

	consumer.mux.HandleFunc(TaskTypeImport, consumer.handleImport)

	return consumer, nil
}

// Start starts the asynq server without blocking
func (c *AsynqConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if c.config.Recoverer != nil {
		if _, err := c.RecoverStuckJobs(ctx); err != nil {
			c.logger.Warn("Stuck job recovery failed", "error", err)
		}
	}

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *AsynqConsumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping asynq consumer...")

	c.server.Shutdown()

	if err := c.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}

	c.logger.Info("Asynq consumer stopped")
	return nil
}

// RecoverStuckJobs re-runs archived tasks for jobs the store reset to
// pending. Tasks still pending, active or retrying are left to asynq.
func (c *AsynqConsumer) RecoverStuckJobs(ctx context.Context) (int, error) {
	ids, err := c.config.Recoverer.RecoverStuckJobs(ctx, c.config.StuckAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck jobs: %w", err)
	}

	rerun := 0
	for _, id := range ids {
		info, err := c.inspector.GetTaskInfo(c.config.QueueName, id)
		if err != nil {
			c.logger.Warn("Recovered job has no task", "job_id", id, "error", err)
			continue
		}
		if info.State != asynq.TaskStateArchived {
			continue
		}
		if err := c.inspector.RunTask(c.config.QueueName, id); err != nil {
			c.logger.Warn("Failed to re-run task", "job_id", id, "error", err)
			continue
		}
		rerun++
	}

	if len(ids) > 0 {
		c.logger.Info("Recovered stuck jobs", "recovered", len(ids), "rerun", rerun)
	}
	return rerun, nil
}

// handleImport processes one voterroll:import task
func (c *AsynqConsumer) handleImport(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	result, err := c.handler.run(ctx, &payload, retried < maxRetry)
	if err != nil {
		if apperrors.IsRetryable(err) {
			return fmt.Errorf("import failed: %w", err)
		}
		return fmt.Errorf("import failed: %w: %w", err, asynq.SkipRetry)
	}

	if w := task.ResultWriter(); w != nil {
		data, err := json.Marshal(result)
		if err == nil {
			_, err = w.Write(data)
		}
		if err != nil {
			c.logger.Warn("Failed to store task result", "job_id", payload.JobID, "error", err)
		}
	}
	return nil
}

// GetStats returns queue statistics in the same shape as the Redis backend
func (c *AsynqConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	return asynqQueueStats(c.inspector, c.config.QueueName)
}

func asynqQueueStats(inspector *asynq.Inspector, queue string) (map[string]int64, error) {
	info, err := inspector.GetQueueInfo(queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return map[string]int64{"waiting": 0, "processing": 0, "completed": 0, "failed": 0, "retry": 0}, nil
		}
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    int64(info.Pending + info.Scheduled),
		"processing": int64(info.Active),
		"completed":  int64(info.Completed),
		"failed":     int64(info.Archived),
		"retry":      int64(info.Retry),
	}, nil
}

// AsynqProducer enqueues import tasks
type AsynqProducer struct {
	client     *asynq.Client
	inspector  *asynq.Inspector
	queueName  string
	maxRetries int
	timeout    time.Duration
}

// NewAsynqProducer creates a producer. timeout bounds each task run; zero
// leaves asynq's default.
func NewAsynqProducer(redisURL, queueName string, maxRetries int, timeout time.Duration) (*AsynqProducer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	return &AsynqProducer{
		client:     asynq.NewClient(redisOpt),
		inspector:  asynq.NewInspector(redisOpt),
		queueName:  queueName,
		maxRetries: maxRetries,
		timeout:    timeout,
	}, nil
}

// Enqueue submits the job as a task whose id is the job id
func (p *AsynqProducer) Enqueue(ctx context.Context, payload *JobPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(p.queueName),
		asynq.MaxRetry(p.maxRetries),
		asynq.TaskID(payload.JobID),
		asynq.Retention(resultRetention),
	}
	if p.timeout > 0 {
		opts = append(opts, asynq.Timeout(p.timeout))
	}

	if _, err := p.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeImport, data), opts...); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return nil
}

// Stats returns the same counters the consumer reports
func (p *AsynqProducer) Stats(ctx context.Context) (map[string]int64, error) {
	return asynqQueueStats(p.inspector, p.queueName)
}

// Close releases the client connections
func (p *AsynqProducer) Close() error {
	if err := p.inspector.Close(); err != nil {
		return err
	}
	return p.client.Close()
}
