package queue

import (
	"context"
	"errors"
	"fmt"
)

// MergeJob is the payload of one identity merge: fold oldUserId's history
// into newUserId within one project.
type MergeJob struct {
	ProjectID string `json:"projectId"`
	OldUserID string `json:"oldUserId"`
	NewUserID string `json:"newUserId"`
	Attempt   int    `json:"attempt"`

	// JobUID is assigned once at enqueue time and survives retries and
	// redrives, so one request can be traced across the stream, the retry
	// set, and the failed ledger.
	JobUID string `json:"jobUid,omitempty"`
}

// ID is the deterministic per-pair job identifier. The queue keys its dedup
// lease on it, which both drops duplicate enqueues and keeps two merges for
// the same pair from running concurrently.
func (j MergeJob) ID() string {
	return fmt.Sprintf("merge:%s:%s:%s", j.ProjectID, j.OldUserID, j.NewUserID)
}

func (j MergeJob) Validate() error {
	if j.ProjectID == "" || j.OldUserID == "" || j.NewUserID == "" {
		return errors.New("projectId, oldUserId, and newUserId are required")
	}
	if j.OldUserID == j.NewUserID {
		return fmt.Errorf("cannot merge user %s into itself", j.OldUserID)
	}
	return nil
}

// Handler processes one dequeued merge job. A plain error reschedules the
// job with backoff until attempts run out; an error wrapped with Fatal goes
// straight to the failed-job ledger.
type Handler func(ctx context.Context, job MergeJob) error

// FatalError marks a job failure that retrying cannot fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func isFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

type Producer interface {
	// EnqueueMergeJob returns false when an identical pair is already
	// enqueued or in flight.
	EnqueueMergeJob(ctx context.Context, job MergeJob) (bool, error)
	Close() error
}

type QueueStats struct {
	StreamDepth   int64 `json:"streamDepth"`
	Pending       int64 `json:"pending"`
	RetryDepth    int64 `json:"retryDepth"`
	FailedDepth   int64 `json:"failedDepth"`
	Unprocessable int64 `json:"unprocessable"`
}

type StatsProvider interface {
	QueueStats(ctx context.Context) (QueueStats, error)
}

type DeadLetter struct {
	FailedAt string `json:"failedAt"`
	Error    string `json:"error"`
	Attempt  int    `json:"attempt"`
	Payload  string `json:"payload"`
}

type DeadLetterListResult struct {
	Entries         []DeadLetter `json:"entries"`
	RemainingFailed int64        `json:"remainingFailed"`
}

type DeadLetterRedriveResult struct {
	Redriven        int   `json:"redriven"`
	Skipped         int   `json:"skipped"`
	RemainingFailed int64 `json:"remainingFailed"`
}

type DeadLetterInspector interface {
	ListDeadLetters(ctx context.Context, limit int) (DeadLetterListResult, error)
}

type Redriver interface {
	RedriveDeadLetters(ctx context.Context, limit int) (DeadLetterRedriveResult, error)
}

type NoopProducer struct{}

func NewNoopProducer() *NoopProducer {
	return &NoopProducer{}
}

func (p *NoopProducer) EnqueueMergeJob(_ context.Context, _ MergeJob) (bool, error) {
	return false, nil
}

func (p *NoopProducer) Close() error {
	return nil
}
