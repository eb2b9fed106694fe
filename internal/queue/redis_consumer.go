/**
 * Direct Redis Queue Consumer for the Captcha Worker
 *
 * Compatible with a TypeScript RedisQueue producer: job IDs are pushed to a
 * LIST and job bodies stored in the <queue>:data HASH.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/captcha-worker/internal/processor"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
)

var errNoJobs = fmt.Errorf("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.CaptchaProcessorInterface
	config    *RedisConsumerConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.CaptchaProcessorInterface
	ProcessingTimeout int64 // milliseconds
}

// keys derived from the queue name
func (c *RedisConsumerConfig) key(suffix string) string {
	return queueKey(c.QueueName, suffix)
}

func queueKey(queueName, suffix string) string {
	return fmt.Sprintf("%s:%s", queueName, suffix)
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisConsumer(client, cfg)
}

func newRedisConsumer(client *redis.Client, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = "captcha:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start(ctx context.Context) error {
	log.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	log.Println("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop(ctx context.Context) error {
	log.Println("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if err != errNoJobs && c.ctx.Err() == nil {
					log.Printf("Worker %d error: %v", id, err)
				}
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
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

	jobData, err := c.client.HGet(c.ctx, c.config.key("data"), jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateJobStatus(jobID, storage.StatusFailed, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.updateJobStatus(job.Payload.JobID, storage.StatusProcessing, nil)
	log.Printf("Processing job %s: variant=%s", job.Payload.JobID, job.Payload.Variant)

	processResult, failure, err := runJob(c.ctx, c.processor, &job.Payload, c.timeout())
	if err != nil {
		job.Attempts++
		final := isFinalAttempt(err, job.Attempts, job.MaxRetries)
		failure["attempts"] = job.Attempts
		status := recordFailure(c.ctx, c.processor, &job.Payload, final, failure)
		c.updateJobStatus(job.Payload.JobID, status, failure)

		if !final {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, c.config.key("data"), job.ID, updatedData)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			log.Printf("Job %s re-queued for retry (attempt %d/%d)", job.Payload.JobID, job.Attempts, job.MaxRetries)
		}
		return nil
	}

	c.updateJobStatus(job.Payload.JobID, storage.StatusCompleted, processResult)
	log.Printf("Job %s completed successfully", job.Payload.JobID)
	return nil
}

func (c *RedisConsumer) timeout() time.Duration {
	if c.config.ProcessingTimeout > 0 {
		return time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}
	return DefaultProcessingTimeout
}

// updateJobStatus records queue bookkeeping in Redis and publishes an event
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	switch status {
	case storage.StatusProcessing:
		c.client.SAdd(c.ctx, c.config.key("processing"), jobID)
	case storage.StatusRetrying:
		c.client.SRem(c.ctx, c.config.key("processing"), jobID)
	case storage.StatusCompleted:
		c.client.SRem(c.ctx, c.config.key("processing"), jobID)
		c.client.SAdd(c.ctx, c.config.key("completed"), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			c.client.HSet(c.ctx, c.config.key("results"), jobID, resultData)
		}
	case storage.StatusFailed:
		c.client.SRem(c.ctx, c.config.key("processing"), jobID)
		c.client.SAdd(c.ctx, c.config.key("failed"), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			c.client.HSet(c.ctx, c.config.key("errors"), jobID, errorData)
		}
	}

	c.client.Publish(c.ctx, c.config.key("events"), jobEvent(jobID, status, result, time.Now()))
}

// jobEvent builds the pub/sub message for a status change
func jobEvent(jobID, status string, result interface{}, at time.Time) []byte {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": at.Format(time.RFC3339),
	}
	if r, ok := result.(*processor.ProcessResult); ok && r != nil {
		event["text"] = r.Text
		event["valid"] = r.Valid
	}
	eventData, _ := json.Marshal(event)
	return eventData
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.config.key("processing"))
	completed := pipe.SCard(ctx, c.config.key("completed"))
	failed := pipe.SCard(ctx, c.config.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
