// Package queue implements the job queue on Redis sorted sets: a pending
// queue ordered by priority then age, a delayed queue scored by due time,
// and a dead letter queue whose members keep full error context.
//
// Members are the JSON encoding of a notification.Job (DLQEntry for the
// dead letter queue), so a dequeued job is executable without a prior
// repository read and retries travel with their attempt number.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/venuetix/notification-service/internal/notification"
)

// Queue defines the interface for job queue operations.
type Queue interface {
	// Enqueue adds a job to the pending queue.
	Enqueue(ctx context.Context, job notification.Job) error

	// EnqueueDelayed schedules a job for a future time.
	EnqueueDelayed(ctx context.Context, job notification.Job, at time.Time) error

	// Dequeue returns up to limit jobs ready for processing, highest
	// priority first. Jobs stay queued until Ack; workers coordinate via
	// per-job locks.
	Dequeue(ctx context.Context, limit int) ([]notification.Job, error)

	// Ack removes a finished job from the active queues.
	Ack(ctx context.Context, job notification.Job) error

	// Reschedule moves a job to the delayed queue without consuming its
	// attempt number (rate limit refusals, quiet hours, shedding).
	Reschedule(ctx context.Context, job notification.Job, at time.Time) error

	// MoveToDLQ parks a job in the dead letter queue with error context.
	MoveToDLQ(ctx context.Context, entry notification.DLQEntry) error

	// PromoteDelayed moves due jobs from delayed to pending.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)

	// ReplayFromDLQ re-enqueues matching DLQ entries as fresh jobs with
	// the next attempt number. Returns the number replayed.
	ReplayFromDLQ(ctx context.Context, filter notification.DLQFilter) (int, error)

	// DLQEntries returns DLQ entries matching the filter, oldest first.
	DLQEntries(ctx context.Context, filter notification.DLQFilter) ([]notification.DLQEntry, error)

	// DLQStats aggregates the dead letter queue.
	DLQStats(ctx context.Context) (*notification.DLQStats, error)

	// CleanupDLQ drops DLQ entries older than the cutoff.
	CleanupDLQ(ctx context.Context, cutoff time.Time) (int, error)

	// Stats returns queue depths.
	Stats(ctx context.Context) (*Stats, error)

	// AcquireLock acquires a processing lock for a job.
	AcquireLock(ctx context.Context, jobID uuid.UUID, workerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases a processing lock held by workerID.
	ReleaseLock(ctx context.Context, jobID uuid.UUID, workerID string) error

	// Close closes the queue connection.
	Close() error
}

// Stats holds queue depths.
type Stats struct {
	PendingCount int64 `json:"pending_count"`
	DelayedCount int64 `json:"delayed_count"`
	DLQCount     int64 `json:"dlq_count"`
}

// Redis key patterns for queues.
const (
	keyPendingQueue = "notifications:queue:pending"
	keyDelayedQueue = "notifications:queue:delayed"
	keyDLQQueue     = "notifications:queue:dlq"
	keyLockPrefix   = "notifications:lock:"
)

// RedisQueue implements Queue using Redis.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a new Redis queue from a connection URL.
// URL format: redis://[:password@]host:port[/db]
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{client: client}, nil
}

// NewRedisQueueFromClient creates a RedisQueue from an existing client.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// pendingScore orders the pending queue: higher priority first, FIFO
// within a priority. The priority weight is multiplied by 1e19 so it
// dominates the ~1.7e18 nanosecond clock; subtracting the timestamp makes
// older items score higher within the same priority.
func pendingScore(priority notification.Priority, at time.Time) float64 {
	return float64(priority.Weight())*1e19 - float64(at.UnixNano())
}

func member(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode queue member: %w", err)
	}
	return string(b), nil
}

// Enqueue adds a job to the pending queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job notification.Job) error {
	m, err := member(job)
	if err != nil {
		return err
	}

	err = q.client.ZAdd(ctx, keyPendingQueue, redis.Z{
		Score:  pendingScore(job.Priority, time.Now()),
		Member: m,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	return nil
}

// EnqueueDelayed schedules a job for a future time.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, job notification.Job, at time.Time) error {
	m, err := member(job)
	if err != nil {
		return err
	}

	err = q.client.ZAdd(ctx, keyDelayedQueue, redis.Z{
		Score:  float64(at.Unix()),
		Member: m,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue delayed job: %w", err)
	}

	return nil
}

// Dequeue returns jobs ready for processing in priority order.
func (q *RedisQueue) Dequeue(ctx context.Context, limit int) ([]notification.Job, error) {
	results, err := q.client.ZRevRange(ctx, keyPendingQueue, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue jobs: %w", err)
	}

	jobs := make([]notification.Job, 0, len(results))
	for _, r := range results {
		var job notification.Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			// Malformed members are unprocessable; drop them so they do
			// not wedge the head of the queue.
			q.client.ZRem(ctx, keyPendingQueue, r)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Ack removes a finished job from the active queues.
func (q *RedisQueue) Ack(ctx context.Context, job notification.Job) error {
	m, err := member(job)
	if err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyPendingQueue, m)
	pipe.ZRem(ctx, keyDelayedQueue, m)
	pipe.Del(ctx, keyLockPrefix+job.ID.String())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}

	return nil
}

// Reschedule moves a job from pending to the delayed queue.
func (q *RedisQueue) Reschedule(ctx context.Context, job notification.Job, at time.Time) error {
	m, err := member(job)
	if err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyPendingQueue, m)
	pipe.ZAdd(ctx, keyDelayedQueue, redis.Z{
		Score:  float64(at.Unix()),
		Member: m,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	return nil
}

// MoveToDLQ parks a job in the dead letter queue with error context.
func (q *RedisQueue) MoveToDLQ(ctx context.Context, entry notification.DLQEntry) error {
	jobMember, err := member(entry.Job)
	if err != nil {
		return err
	}
	entryMember, err := member(entry)
	if err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyPendingQueue, jobMember)
	pipe.ZRem(ctx, keyDelayedQueue, jobMember)
	pipe.ZAdd(ctx, keyDLQQueue, redis.Z{
		Score:  float64(entry.FailedAt.Unix()),
		Member: entryMember,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job to DLQ: %w", err)
	}

	return nil
}

// PromoteDelayed moves due jobs from delayed to pending, restoring their
// priority score. Returns the number of jobs promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	results, err := q.client.ZRangeByScore(ctx, keyDelayedQueue, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 100, // Process in batches
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get delayed jobs: %w", err)
	}

	if len(results) == 0 {
		return 0, nil
	}

	pipe := q.client.Pipeline()
	for _, m := range results {
		var job notification.Job
		priority := notification.PriorityNormal
		if err := json.Unmarshal([]byte(m), &job); err == nil {
			priority = job.Priority
		}

		pipe.ZRem(ctx, keyDelayedQueue, m)
		pipe.ZAdd(ctx, keyPendingQueue, redis.Z{
			Score:  pendingScore(priority, now),
			Member: m,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	return len(results), nil
}

// matches applies a DLQFilter to an entry.
func matches(entry notification.DLQEntry, filter notification.DLQFilter) bool {
	if filter.Type != nil && entry.Type != *filter.Type {
		return false
	}
	if filter.Channel != nil && entry.Channel != *filter.Channel {
		return false
	}
	if filter.ErrorCode != nil && entry.ErrorCode != *filter.ErrorCode {
		return false
	}
	if filter.Since != nil && entry.FailedAt.Before(*filter.Since) {
		return false
	}
	return true
}

// DLQEntries returns DLQ entries matching the filter, oldest first.
func (q *RedisQueue) DLQEntries(ctx context.Context, filter notification.DLQFilter) ([]notification.DLQEntry, error) {
	results, err := q.client.ZRange(ctx, keyDLQQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]notification.DLQEntry, 0, len(results))
	for _, r := range results {
		var entry notification.DLQEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			continue
		}
		if !matches(entry, filter) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}

	return entries, nil
}

// ReplayFromDLQ re-enqueues matching entries as fresh jobs with the next
// attempt number.
func (q *RedisQueue) ReplayFromDLQ(ctx context.Context, filter notification.DLQFilter) (int, error) {
	results, err := q.client.ZRange(ctx, keyDLQQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read DLQ: %w", err)
	}

	replayed := 0
	for _, r := range results {
		var entry notification.DLQEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			continue
		}
		if !matches(entry, filter) {
			continue
		}

		parent := entry.Job.AttemptNo
		successor := notification.Job{
			ID:            uuid.New(),
			RequestID:     entry.Job.RequestID,
			TenantID:      entry.Job.TenantID,
			AttemptNo:     entry.Job.AttemptNo + 1,
			Priority:      entry.Job.Priority,
			ScheduledAt:   time.Now().UTC(),
			ParentAttempt: &parent,
		}

		m, err := member(successor)
		if err != nil {
			continue
		}

		pipe := q.client.Pipeline()
		pipe.ZRem(ctx, keyDLQQueue, r)
		pipe.ZAdd(ctx, keyPendingQueue, redis.Z{
			Score:  pendingScore(successor.Priority, time.Now()),
			Member: m,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return replayed, fmt.Errorf("failed to replay DLQ entry: %w", err)
		}

		replayed++
		if filter.Limit > 0 && replayed >= filter.Limit {
			break
		}
	}

	return replayed, nil
}

// DLQStats aggregates the dead letter queue.
func (q *RedisQueue) DLQStats(ctx context.Context) (*notification.DLQStats, error) {
	results, err := q.client.ZRangeWithScores(ctx, keyDLQQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	stats := &notification.DLQStats{
		TotalCount:   int64(len(results)),
		CountByType:  make(map[string]int64),
		CountByError: make(map[string]int64),
	}

	for i, z := range results {
		m, ok := z.Member.(string)
		if !ok {
			continue
		}
		var entry notification.DLQEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			continue
		}
		stats.CountByType[string(entry.Type)]++
		stats.CountByError[string(entry.ErrorClass)]++
		if i == 0 {
			oldest := time.Unix(int64(z.Score), 0).UTC()
			stats.OldestItem = &oldest
		}
	}

	return stats, nil
}

// CleanupDLQ drops DLQ entries older than the cutoff.
func (q *RedisQueue) CleanupDLQ(ctx context.Context, cutoff time.Time) (int, error) {
	removed, err := q.client.ZRemRangeByScore(ctx, keyDLQQueue,
		"-inf", strconv.FormatInt(cutoff.Unix(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clean up DLQ: %w", err)
	}
	return int(removed), nil
}

// Stats returns queue depths.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()

	pendingCmd := pipe.ZCard(ctx, keyPendingQueue)
	delayedCmd := pipe.ZCard(ctx, keyDelayedQueue)
	dlqCmd := pipe.ZCard(ctx, keyDLQQueue)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	return &Stats{
		PendingCount: pendingCmd.Val(),
		DelayedCount: delayedCmd.Val(),
		DLQCount:     dlqCmd.Val(),
	}, nil
}

// AcquireLock acquires a processing lock for a job.
// Uses SET NX EX pattern for atomic lock acquisition.
func (q *RedisQueue) AcquireLock(ctx context.Context, jobID uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	key := keyLockPrefix + jobID.String()

	success, err := q.client.SetNX(ctx, key, workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return success, nil
}

// ReleaseLock releases a processing lock.
// Only releases if the lock is held by the specified worker.
func (q *RedisQueue) ReleaseLock(ctx context.Context, jobID uuid.UUID, workerID string) error {
	key := keyLockPrefix + jobID.String()

	// Atomic check-and-delete so an expired lock reacquired by another
	// worker is never released by the previous holder.
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	_, err := script.Run(ctx, q.client, []string{key}, workerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
