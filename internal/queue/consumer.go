/**
 * Asynq Queue Consumer for the Captcha Worker
 *
 * Alternative transport to the LIST consumer: jobs are asynq tasks of type
 * recognize-captcha carrying a JSON JobPayload.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/captcha-worker/internal/processor"
)

// TypeRecognizeCaptcha is the task type for recognition jobs
const TypeRecognizeCaptcha = "recognize-captcha"

// JobConsumer is implemented by both queue transports
type JobConsumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetStats(ctx context.Context) (map[string]int64, error)
}

// Consumer handles job consumption through asynq
type Consumer struct {
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	processor processor.CaptchaProcessorInterface
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.CaptchaProcessorInterface
	ProcessingTimeout int64 // milliseconds
}

// NewRecognizeTask builds an asynq task for a payload
func NewRecognizeTask(payload *JobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeRecognizeCaptcha, data), nil
}

// retryDelay is exponential backoff: 5s, 10s, 20s, capped at 60s
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, error=%v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		server:    server,
		inspector: asynq.NewInspector(redisOpt),
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
	}

	mux.HandleFunc(TypeRecognizeCaptcha, consumer.handleRecognizeCaptcha)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting asynq consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}

	log.Printf("Queue consumer stopped")
	return nil
}

// handleRecognizeCaptcha processes a recognition task
func (c *Consumer) handleRecognizeCaptcha(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	if payload.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			payload.JobID = id
		}
	}

	log.Printf("[Job %s] Recognizing captcha: variant=%s", payload.JobID, payload.Variant)

	timeout := time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	if _, failure, err := runJob(ctx, c.processor, &payload, timeout); err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		final := isFinalAttempt(err, retried+1, maxRetry+1)
		recordFailure(ctx, c.processor, &payload, final, failure)

		if IsPermanent(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("captcha processing failed: %w", err)
	}

	return nil
}

// GetStats returns task counts for the consumer's queue
func (c *Consumer) GetStats(ctx context.Context) (map[string]int64, error) {
	info, err := c.inspector.GetQueueInfo(c.config.QueueName)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue info: %w", err)
	}
	return queueInfoStats(info), nil
}

func queueInfoStats(info *asynq.QueueInfo) map[string]int64 {
	return map[string]int64{
		"waiting":    int64(info.Pending + info.Scheduled),
		"processing": int64(info.Active),
		"retrying":   int64(info.Retry),
		"completed":  int64(info.Completed),
		"failed":     int64(info.Archived),
	}
}
