/**
 * Job Producers for the Captcha Worker
 *
 * Submit recognition jobs in the format each consumer reads: job bodies in
 * the <queue>:data HASH plus IDs on the LIST, or asynq tasks.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxRetries is the attempt budget when a producer config leaves it
// unset. Both protocols count the first attempt against it.
const DefaultMaxRetries = 3

// Producer submits recognition jobs
type Producer interface {
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)
	Close() error
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	RedisURL   string
	QueueName  string
	MaxRetries int
}

func (c *ProducerConfig) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

// ListProducer pushes jobs for the RedisConsumer
type ListProducer struct {
	client *redis.Client
	config *ProducerConfig
}

// NewListProducer creates a producer for the LIST protocol
func NewListProducer(cfg *ProducerConfig) (*ListProducer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
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

	return &ListProducer{
		client: client,
		config: cfg,
	}, nil
}

// Enqueue stores a job body and pushes its ID onto the queue
func (p *ListProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	job := newRedisJob(payload, p.config.maxRetries(), time.Now())

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, queueKey(p.config.QueueName, "data"), job.ID, data)
	pipe.LPush(ctx, p.config.QueueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job.ID, nil
}

// Close closes the Redis connection
func (p *ListProducer) Close() error {
	return p.client.Close()
}

// newRedisJob wraps a payload for the LIST protocol, assigning a job ID when
// the payload has none
func newRedisJob(payload *JobPayload, maxRetries int, now time.Time) *RedisJobData {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}

	return &RedisJobData{
		ID:         payload.JobID,
		Type:       TypeRecognizeCaptcha,
		Payload:    *payload,
		CreatedAt:  now,
		MaxRetries: maxRetries,
	}
}

// TaskProducer enqueues asynq tasks for the Consumer
type TaskProducer struct {
	client *asynq.Client
	config *ProducerConfig
}

// NewTaskProducer creates a producer for the asynq protocol
func NewTaskProducer(cfg *ProducerConfig) (*TaskProducer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &TaskProducer{
		client: asynq.NewClient(redisOpt),
		config: cfg,
	}, nil
}

// Enqueue submits a recognition task
func (p *TaskProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}

	task, err := NewRecognizeTask(payload)
	if err != nil {
		return "", err
	}

	info, err := p.client.EnqueueContext(ctx, task, p.taskOptions(payload)...)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	return info.ID, nil
}

// asynq's MaxRetry counts retries after the first attempt
func (p *TaskProducer) taskOptions(payload *JobPayload) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(p.config.QueueName),
		asynq.MaxRetry(p.config.maxRetries() - 1),
	}
	if payload.JobID != "" {
		opts = append(opts, asynq.TaskID(payload.JobID))
	}
	return opts
}

// Close closes the asynq client
func (p *TaskProducer) Close() error {
	return p.client.Close()
}
