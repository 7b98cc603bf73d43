package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	leaseTTL     = time.Hour
	readBlock    = 5 * time.Second
	retryPumpMax = 100
)

// RedisQueue is both sides of the merge queue: the producer enqueues jobs
// into a redis stream with a per-pair dedup lease, and the consumer reads
// them through a consumer group with retry backoff and a durable failed-job
// ledger for manual redrive.
type RedisQueue struct {
	client       *redis.Client
	queueName    string
	groupName    string
	consumerName string
	maxAttempts  int
	retryBackoff time.Duration
	notifier     *FailureNotifier
}

// SetFailureNotifier enables webhook alerts for jobs that reach the
// failed-job ledger.
func (q *RedisQueue) SetFailureNotifier(notifier *FailureNotifier) {
	q.notifier = notifier
}

func NewRedisQueue(addr, queueName, consumerName string, maxAttempts int, retryBackoff time.Duration) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  readBlock + 5*time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	q := &RedisQueue{
		client:       client,
		queueName:    queueName,
		groupName:    queueName + ":group",
		consumerName: consumerName,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
	}

	if err := q.ensureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ensure consumer group: %w", err)
	}

	return q, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.queueName, q.groupName, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (q *RedisQueue) leaseKey(job MergeJob) string {
	return q.queueName + ":lease:" + job.ID()
}

func (q *RedisQueue) retryKey() string {
	return q.queueName + ":retry"
}

func (q *RedisQueue) failedKey() string {
	return q.queueName + ":failed"
}

func (q *RedisQueue) unprocessableKey() string {
	return q.failedKey() + ":unprocessable"
}

// EnqueueMergeJob appends the job to the stream unless the same pair is
// already enqueued or in flight. The lease expires on its own in case a
// crashed consumer never released it.
func (q *RedisQueue) EnqueueMergeJob(ctx context.Context, job MergeJob) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, err
	}

	acquired, err := q.client.SetNX(ctx, q.leaseKey(job), "1", leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire merge lease: %w", err)
	}
	if !acquired {
		return false, nil
	}

	if err := q.appendJob(ctx, job); err != nil {
		_ = q.client.Del(ctx, q.leaseKey(job)).Err()
		return false, fmt.Errorf("enqueue merge job: %w", err)
	}
	return true, nil
}

func (q *RedisQueue) appendJob(ctx context.Context, job MergeJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.queueName,
		Values: map[string]any{
			"payload": string(payload),
		},
	}).Err()
}

// Consume reads merge jobs until the context is cancelled. Due retries are
// pumped back into the stream before each read.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := q.pumpDueRetries(ctx); err != nil && ctx.Err() == nil {
			log.Printf("retry pump failed queue=%s err=%v", q.queueName, err)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.groupName,
			Consumer: q.consumerName,
			Streams:  []string{q.queueName, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("queue read failed queue=%s err=%v", q.queueName, err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				q.handleMessage(ctx, message, handler)
			}
		}
	}
}

func (q *RedisQueue) handleMessage(ctx context.Context, message redis.XMessage, handler Handler) {
	defer q.ack(ctx, message.ID)

	payload, _ := message.Values["payload"].(string)
	job := MergeJob{}
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		log.Printf("unprocessable merge payload queue=%s id=%s err=%v", q.queueName, message.ID, err)
		_ = q.client.LPush(ctx, q.unprocessableKey(), payload).Err()
		return
	}

	err := handler(ctx, job)
	if err == nil {
		q.releaseLease(ctx, job)
		return
	}

	if isFatal(err) {
		log.Printf("merge job failed permanently job=%s err=%v", job.ID(), err)
		q.moveToFailed(ctx, job, err)
		return
	}

	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		log.Printf("merge job exhausted retries job=%s attempts=%d err=%v", job.ID(), job.Attempt, err)
		q.moveToFailed(ctx, job, err)
		return
	}

	log.Printf("merge job retry scheduled job=%s attempt=%d err=%v", job.ID(), job.Attempt, err)
	q.scheduleRetry(ctx, job)
}

func (q *RedisQueue) ack(ctx context.Context, messageID string) {
	if err := q.client.XAck(ctx, q.queueName, q.groupName, messageID).Err(); err != nil {
		log.Printf("queue ack failed queue=%s id=%s err=%v", q.queueName, messageID, err)
	}
	_ = q.client.XDel(ctx, q.queueName, messageID).Err()
}

func (q *RedisQueue) releaseLease(ctx context.Context, job MergeJob) {
	if err := q.client.Del(ctx, q.leaseKey(job)).Err(); err != nil {
		log.Printf("lease release failed job=%s err=%v", job.ID(), err)
	}
}

func (q *RedisQueue) scheduleRetry(ctx context.Context, job MergeJob) {
	payload, err := json.Marshal(job)
	if err != nil {
		q.moveToFailed(ctx, job, err)
		return
	}

	readyAt := time.Now().Add(q.retryBackoff * time.Duration(job.Attempt))
	if err := q.client.ZAdd(ctx, q.retryKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(payload),
	}).Err(); err != nil {
		log.Printf("retry schedule failed job=%s err=%v", job.ID(), err)
		q.moveToFailed(ctx, job, err)
	}
}

// moveToFailed writes the job into the durable failed-job ledger and frees
// the pair lease so a manual redrive or a fresh enqueue can run later.
func (q *RedisQueue) moveToFailed(ctx context.Context, job MergeJob, cause error) {
	defer q.releaseLease(ctx, job)

	payload, err := json.Marshal(job)
	if err != nil {
		log.Printf("failed ledger marshal failed job=%s err=%v", job.ID(), err)
		return
	}

	entry := DeadLetter{
		FailedAt: time.Now().UTC().Format(time.RFC3339),
		Error:    cause.Error(),
		Attempt:  job.Attempt,
		Payload:  string(payload),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		log.Printf("failed ledger marshal failed job=%s err=%v", job.ID(), err)
		return
	}

	if err := q.client.LPush(ctx, q.failedKey(), string(encoded)).Err(); err != nil {
		log.Printf("failed ledger write failed job=%s err=%v", job.ID(), err)
	}

	if q.notifier != nil {
		if _, err := q.notifier.NotifyMergeFailed(ctx, job, cause.Error()); err != nil {
			log.Printf("merge failure alert failed job=%s err=%v", job.ID(), err)
		}
	}
}

// pumpDueRetries moves retry entries whose backoff has elapsed back into
// the stream.
func (q *RedisQueue) pumpDueRetries(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: retryPumpMax,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.retryKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another consumer claimed this entry first.
			continue
		}

		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.queueName,
			Values: map[string]any{
				"payload": member,
			},
		}).Err(); err != nil {
			return fmt.Errorf("requeue retry entry: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) QueueStats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{}

	streamDepth, err := q.client.XLen(ctx, q.queueName).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("stream depth: %w", err)
	}
	stats.StreamDepth = streamDepth

	pending, err := q.client.XPending(ctx, q.queueName, q.groupName).Result()
	if err != nil && err != redis.Nil {
		return QueueStats{}, fmt.Errorf("pending summary: %w", err)
	}
	if pending != nil {
		stats.Pending = pending.Count
	}

	retryDepth, err := q.client.ZCard(ctx, q.retryKey()).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("retry depth: %w", err)
	}
	stats.RetryDepth = retryDepth

	failedDepth, err := q.client.LLen(ctx, q.failedKey()).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed depth: %w", err)
	}
	stats.FailedDepth = failedDepth

	unprocessable, err := q.client.LLen(ctx, q.unprocessableKey()).Result()
	if err != nil {
		return QueueStats{}, fmt.Errorf("unprocessable depth: %w", err)
	}
	stats.Unprocessable = unprocessable

	return stats, nil
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) (DeadLetterListResult, error) {
	if limit < 1 {
		limit = 1
	}

	raw, err := q.client.LRange(ctx, q.failedKey(), int64(-limit), -1).Result()
	if err != nil {
		return DeadLetterListResult{}, fmt.Errorf("read failed ledger: %w", err)
	}

	entries := make([]DeadLetter, 0, len(raw))
	// LRange returns newest-last for LPush'd entries; walk backwards so the
	// oldest failure is listed first.
	for index := len(raw) - 1; index >= 0; index-- {
		entry := DeadLetter{}
		if err := json.Unmarshal([]byte(raw[index]), &entry); err != nil {
			entry = DeadLetter{Payload: raw[index], Error: "unparseable ledger entry"}
		}
		entries = append(entries, entry)
	}

	remaining, err := q.client.LLen(ctx, q.failedKey()).Result()
	if err != nil {
		return DeadLetterListResult{}, fmt.Errorf("failed depth: %w", err)
	}

	return DeadLetterListResult{Entries: entries, RemainingFailed: remaining}, nil
}

// RedriveDeadLetters re-enqueues up to limit ledger entries, oldest first,
// with a fresh attempt counter. Replay leans entirely on the merge engine's
// idempotency. Entries that cannot be parsed are parked on an
// unprocessable list instead of being dropped.
func (q *RedisQueue) RedriveDeadLetters(ctx context.Context, limit int) (DeadLetterRedriveResult, error) {
	if limit < 1 {
		limit = 1
	}

	result := DeadLetterRedriveResult{}
	for result.Redriven+result.Skipped < limit {
		raw, err := q.client.RPop(ctx, q.failedKey()).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return DeadLetterRedriveResult{}, fmt.Errorf("pop failed ledger entry: %w", err)
		}

		entry := DeadLetter{}
		job := MergeJob{}
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || json.Unmarshal([]byte(entry.Payload), &job) != nil || job.Validate() != nil {
			result.Skipped++
			_ = q.client.LPush(ctx, q.unprocessableKey(), raw).Err()
			continue
		}

		job.Attempt = 0
		acquired, err := q.client.SetNX(ctx, q.leaseKey(job), "1", leaseTTL).Result()
		if err != nil {
			return DeadLetterRedriveResult{}, fmt.Errorf("acquire redrive lease: %w", err)
		}
		if !acquired {
			// Same pair already queued again; the newer job supersedes this
			// ledger entry.
			result.Skipped++
			continue
		}

		if err := q.appendJob(ctx, job); err != nil {
			_ = q.client.Del(ctx, q.leaseKey(job)).Err()
			return DeadLetterRedriveResult{}, fmt.Errorf("redrive enqueue: %w", err)
		}
		result.Redriven++
	}

	remaining, err := q.client.LLen(ctx, q.failedKey()).Result()
	if err != nil {
		return DeadLetterRedriveResult{}, fmt.Errorf("failed depth: %w", err)
	}
	result.RemainingFailed = remaining

	return result, nil
}
