package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/goswarm/core"
)

// RedisTaskQueue implements TaskQueue on Redis lists, one list per
// priority. Tasks are LPUSHed as JSON and taken with a multi-key BRPOP in
// rank order, so a critical task is always served before anything lower
// even when every list is non-empty. Survives process restarts; share one
// queue across processes for multi-consumer setups.
type RedisTaskQueue struct {
	client *redis.Client
	config RedisTaskQueueConfig
	keys   []string
	logger core.Logger
	closed atomic.Bool
}

// RedisTaskQueueConfig configures the Redis task queue.
type RedisTaskQueueConfig struct {
	// KeyPrefix prefixes the per-priority list keys
	// ("<prefix>:<priority>"). Default "goswarm:tasks".
	KeyPrefix string `json:"key_prefix"`

	// PopTimeout bounds each BRPOP call so Dequeue can observe queue
	// closure and context cancellation. Default 1s.
	PopTimeout time.Duration `json:"pop_timeout"`

	// OpTimeout bounds the non-blocking operations (enqueue, remove,
	// length). Default 5s.
	OpTimeout time.Duration `json:"op_timeout"`

	// RetryAttempts is the number of tries for failed enqueues. Default 3.
	RetryAttempts int `json:"retry_attempts"`

	// RetryDelay is the pause between enqueue retries. Default 100ms.
	RetryDelay time.Duration `json:"retry_delay"`

	Logger core.Logger `json:"-"`
}

// DefaultRedisTaskQueueConfig returns the default configuration.
func DefaultRedisTaskQueueConfig() RedisTaskQueueConfig {
	return RedisTaskQueueConfig{
		KeyPrefix:     "goswarm:tasks",
		PopTimeout:    1 * time.Second,
		OpTimeout:     5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// NewRedisTaskQueue creates a Redis-backed task queue. The client must
// already be connected; the queue never closes it.
func NewRedisTaskQueue(client *redis.Client, config *RedisTaskQueueConfig) *RedisTaskQueue {
	cfg := DefaultRedisTaskQueueConfig()
	if config != nil {
		if config.KeyPrefix != "" {
			cfg.KeyPrefix = config.KeyPrefix
		}
		if config.PopTimeout > 0 {
			cfg.PopTimeout = config.PopTimeout
		}
		if config.OpTimeout > 0 {
			cfg.OpTimeout = config.OpTimeout
		}
		if config.RetryAttempts > 0 {
			cfg.RetryAttempts = config.RetryAttempts
		}
		if config.RetryDelay > 0 {
			cfg.RetryDelay = config.RetryDelay
		}
		cfg.Logger = config.Logger
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("redis-queue")
	}

	// BRPOP key order encodes priority: Redis serves the first non-empty
	// key in the argument list.
	keys := make([]string, 0, 4)
	for _, priority := range PriorityRanks() {
		keys = append(keys, fmt.Sprintf("%s:%s", cfg.KeyPrefix, priority))
	}

	return &RedisTaskQueue{
		client: client,
		config: cfg,
		keys:   keys,
		logger: logger,
	}
}

func (q *RedisTaskQueue) key(priority Priority) string {
	return fmt.Sprintf("%s:%s", q.config.KeyPrefix, priority)
}

// Enqueue implements TaskQueue. Transient Redis failures are retried a
// few times before giving up.
func (q *RedisTaskQueue) Enqueue(task *Task) error {
	if task == nil || task.ID == "" {
		return core.NewValidationError(core.CodeInvalidInput, "task is nil or has no id")
	}
	if !task.Priority.Valid() {
		return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("unknown priority %q", task.Priority))
	}
	if q.closed.Load() {
		return fmt.Errorf("task queue closed: %w", core.ErrKernelStopped)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task %s: %w", task.ID, err)
	}

	var lastErr error
	for attempt := 0; attempt < q.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(q.config.RetryDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.config.OpTimeout)
		err = q.client.LPush(ctx, q.key(task.Priority), data).Err()
		cancel()
		if err == nil {
			q.logger.Debug("Task enqueued", map[string]interface{}{
				"operation": "task_enqueue",
				"task_id":   task.ID,
				"priority":  string(task.Priority),
			})
			return nil
		}
		lastErr = err
		q.logger.Warn("Enqueue attempt failed", map[string]interface{}{
			"operation": "task_enqueue",
			"task_id":   task.ID,
			"attempt":   attempt + 1,
			"error":     err.Error(),
		})
	}
	return fmt.Errorf("failed to enqueue task after %d attempts: %w", q.config.RetryAttempts, lastErr)
}

// Dequeue implements TaskQueue. It loops short BRPOP calls so closure and
// cancellation are observed within PopTimeout.
func (q *RedisTaskQueue) Dequeue(ctx context.Context) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if q.closed.Load() {
			return nil, fmt.Errorf("task queue closed: %w", core.ErrKernelStopped)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := q.client.BRPop(ctx, q.config.PopTimeout, q.keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Warn("Dequeue attempt failed", map[string]interface{}{
				"operation": "task_dequeue",
				"error":     err.Error(),
			})
			if !sleepQueue(ctx, q.config.RetryDelay) {
				return nil, ctx.Err()
			}
			continue
		}

		// BRPOP returns [key, value].
		if len(result) < 2 {
			return nil, fmt.Errorf("unexpected BRPOP result format")
		}
		var task Task
		if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
			q.logger.Error("Failed to deserialize task, dropping", map[string]interface{}{
				"operation": "task_dequeue",
				"error":     err.Error(),
			})
			continue
		}
		return &task, nil
	}
}

// Remove implements TaskQueue. It scans the task's priority list for the
// matching payload and LREMs it. A false return means a worker already
// took the task (or it never existed).
func (q *RedisTaskQueue) Remove(id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.OpTimeout)
	defer cancel()

	for _, key := range q.keys {
		values, err := q.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			continue
		}
		for _, value := range values {
			var probe struct {
				ID string `json:"id"`
			}
			if json.Unmarshal([]byte(value), &probe) != nil || probe.ID != id {
				continue
			}
			removed, err := q.client.LRem(ctx, key, 1, value).Result()
			if err == nil && removed > 0 {
				return true
			}
		}
	}
	return false
}

// Len implements TaskQueue.
func (q *RedisTaskQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.OpTimeout)
	defer cancel()

	total := int64(0)
	for _, key := range q.keys {
		n, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			continue
		}
		total += n
	}
	return int(total)
}

// Close implements TaskQueue. The Redis client is shared and stays open.
func (q *RedisTaskQueue) Close() error {
	q.closed.Store(true)
	return nil
}

func sleepQueue(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
