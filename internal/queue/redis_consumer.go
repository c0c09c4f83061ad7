/**
 * Direct Redis Queue Consumer for the voter-roll import worker
 *
 * Uses plain Redis LIST operations so any producer that can LPUSH a job id
 * and HSET its data can feed the worker.
 *
 * Keys (for queue q):
 * - q              list of waiting job ids
 * - q:data         hash of job id -> RedisJobData JSON
 * - q:processing   set of running job ids
 * - q:completed    set of finished job ids, results in q:results
 * - q:failed       set of failed job ids, errors in q:errors
 * - q:events       pub/sub channel of job:<status> events
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/voteraction/rollimport-worker/internal/errors"
	"github.com/voteraction/rollimport-worker/internal/logging"
	"github.com/voteraction/rollimport-worker/internal/processor"
)

// DefaultQueueName is the list the worker consumes when none is configured.
const DefaultQueueName = "voterroll:jobs"

const popTimeout = 5 * time.Second

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client  *redis.Client
	handler *importHandler
	config  *RedisConsumerConfig
	logger  *logging.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Processor   processor.ImportProcessorInterface

	// Recoverer, when set, is asked on start for jobs left in processing
	// longer than StuckAfter; those are pushed back onto the list.
	Recoverer  StuckJobRecoverer
	StuckAfter time.Duration
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
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

	client, err := connectRedis(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger("RedisConsumer")
	return &RedisConsumer{
		client:  client,
		handler: &importHandler{processor: cfg.Processor, logger: logger},
		config:  cfg,
		logger:  logger,
	}, nil
}

func connectRedis(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Start recovers stuck jobs and begins processing jobs from the queue
func (c *RedisConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if c.config.Recoverer != nil {
		if _, err := c.RecoverStuckJobs(ctx); err != nil {
			c.logger.Warn("Stuck job recovery failed", "error", err)
		}
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i)
	}

	c.logger.Info("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer, waiting for running jobs until ctx ends
func (c *RedisConsumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer...")
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Timed out waiting for running jobs", "error", ctx.Err())
	}

	return c.client.Close()
}

// RecoverStuckJobs pushes jobs the store reset to pending back onto the list.
// Jobs without stored data cannot be replayed and are skipped.
func (c *RedisConsumer) RecoverStuckJobs(ctx context.Context) (int, error) {
	ids, err := c.config.Recoverer.RecoverStuckJobs(ctx, c.config.StuckAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck jobs: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		exists, err := c.client.HExists(ctx, c.key("data"), id).Result()
		if err != nil {
			return requeued, fmt.Errorf("failed to check job data: %w", err)
		}
		if !exists {
			c.logger.Warn("Recovered job has no queue data", "job_id", id)
			continue
		}

		// LREM keeps a job that never left the list from being queued twice.
		if _, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, c.config.QueueName, 0, id)
			pipe.SRem(ctx, c.key("processing"), id)
			pipe.LPush(ctx, c.config.QueueName, id)
			return nil
		}); err != nil {
			return requeued, fmt.Errorf("failed to requeue job %s: %w", id, err)
		}
		requeued++
	}

	if len(ids) > 0 {
		c.logger.Info("Recovered stuck jobs", "recovered", len(ids), "requeued", requeued)
	}
	return requeued, nil
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		err := c.processNextJob(ctx)
		if err == nil || errors.Is(err, errNoJobs) {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Error("Worker error", "worker", id, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob(ctx context.Context) error {
	result, err := c.client.BRPop(ctx, popTimeout, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	// Bookkeeping must land even when the consumer is stopping.
	bg := context.WithoutCancel(ctx)

	jobData, err := c.client.HGet(bg, c.key("data"), jobID).Result()
	if err != nil {
		if err == redis.Nil {
			c.logger.Warn("Dropping job without data", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateJobStatus(bg, jobID, "failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	c.updateJobStatus(bg, job.ID, "processing", nil)
	c.logger.Info("Processing job",
		"job_id", job.Payload.JobID,
		"file", job.Payload.FileName,
		"attempt", job.Attempts+1)

	importResult, err := c.handler.run(bg, &job.Payload, job.Attempts < job.MaxRetries)
	if err == nil {
		c.updateJobStatus(bg, job.ID, "completed", importResult)
		return nil
	}

	job.Attempts++
	if apperrors.IsRetryable(err) && job.Attempts <= job.MaxRetries {
		c.retry(ctx, &job)
		return nil
	}

	failure := map[string]interface{}{
		"error":    err.Error(),
		"attempts": job.Attempts,
	}
	var perr *apperrors.ProcessingError
	if errors.As(err, &perr) {
		failure["errorCode"] = string(perr.Code)
	}
	c.updateJobStatus(bg, job.ID, "failed", failure)
	return nil
}

// retry waits out the backoff and puts the job back on the list. A stopping
// consumer requeues at once so the job is not lost.
func (c *RedisConsumer) retry(ctx context.Context, job *RedisJobData) {
	delay := RetryDelay(job.Attempts - 1)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}

	bg := context.WithoutCancel(ctx)
	updatedData, err := json.Marshal(job)
	if err != nil {
		c.logger.Error("Failed to encode job for retry", "job_id", job.ID, "error", err)
		return
	}

	if _, err := c.client.TxPipelined(bg, func(pipe redis.Pipeliner) error {
		pipe.HSet(bg, c.key("data"), job.ID, updatedData)
		pipe.SRem(bg, c.key("processing"), job.ID)
		pipe.LPush(bg, c.config.QueueName, job.ID)
		return nil
	}); err != nil {
		c.logger.Error("Failed to requeue job", "job_id", job.ID, "error", err)
		return
	}

	c.logger.Info("Job re-queued for retry",
		"job_id", job.Payload.JobID,
		"attempt", job.Attempts,
		"max_retries", job.MaxRetries,
		"delay", delay)
	c.publish(bg, job.ID, "retrying")
}

// updateJobStatus moves a job between the Redis status sets and publishes an
// event. The job row itself is owned by the processor.
func (c *RedisConsumer) updateJobStatus(ctx context.Context, jobID string, status string, result interface{}) {
	var payload []byte
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			c.logger.Warn("Failed to encode job result", "job_id", jobID, "error", err)
		} else {
			payload = data
		}
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch status {
		case "processing":
			pipe.SAdd(ctx, c.key("processing"), jobID)
		case "completed":
			pipe.SRem(ctx, c.key("processing"), jobID)
			pipe.SAdd(ctx, c.key("completed"), jobID)
			if payload != nil {
				pipe.HSet(ctx, c.key("results"), jobID, payload)
			}
		case "failed":
			pipe.SRem(ctx, c.key("processing"), jobID)
			pipe.SAdd(ctx, c.key("failed"), jobID)
			if payload != nil {
				pipe.HSet(ctx, c.key("errors"), jobID, payload)
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to update Redis job status", "job_id", jobID, "status", status, "error", err)
	}

	c.publish(ctx, jobID, status)
}

func (c *RedisConsumer) publish(ctx context.Context, jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	if err := c.client.Publish(ctx, c.key("events"), eventData).Err(); err != nil {
		c.logger.Debug("Failed to publish job event", "job_id", jobID, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	return redisQueueStats(ctx, c.client, c.config.QueueName)
}

func redisQueueStats(ctx context.Context, client *redis.Client, queue string) (map[string]int64, error) {
	pipe := client.Pipeline()
	waiting := pipe.LLen(ctx, queue)
	processing := pipe.SCard(ctx, queueKey(queue, "processing"))
	completed := pipe.SCard(ctx, queueKey(queue, "completed"))
	failed := pipe.SCard(ctx, queueKey(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return queueKey(c.config.QueueName, suffix)
}

// RedisProducer pushes jobs onto the list queue
type RedisProducer struct {
	client     *redis.Client
	queueName  string
	maxRetries int
}

// NewRedisProducer connects a producer for queueName
func NewRedisProducer(redisURL, queueName string, maxRetries int) (*RedisProducer, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	client, err := connectRedis(redisURL)
	if err != nil {
		return nil, err
	}

	return &RedisProducer{client: client, queueName: queueName, maxRetries: maxRetries}, nil
}

// Enqueue stores the job data and pushes its id. The job id doubles as the
// queue id so recovery can find the data again.
func (p *RedisProducer) Enqueue(ctx context.Context, payload *JobPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeImport,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: p.maxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	if _, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, queueKey(p.queueName, "data"), job.ID, data)
		pipe.LPush(ctx, p.queueName, job.ID)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Stats returns the same counters the consumer reports
func (p *RedisProducer) Stats(ctx context.Context) (map[string]int64, error) {
	return redisQueueStats(ctx, p.client, p.queueName)
}

// Close releases the Redis connection
func (p *RedisProducer) Close() error {
	return p.client.Close()
}
