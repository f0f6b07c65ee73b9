package scheduler

import (
	"context"
	"time"
)

// Backoff curves
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// QueueConfig configures one independent queue: how many jobs may execute at
// once, how often a failing job is retried, and the delay curve between tries.
type QueueConfig struct {
	Name        string
	Concurrency int
	MaxAttempts int
	Backoff     string // fixed or exponential
	BackoffBase time.Duration
}

// Delay returns the backoff delay before the given retry. attempt is the
// number of attempts already made, so the first retry sees attempt == 1.
func (c QueueConfig) Delay(attempt int) time.Duration {
	if c.Backoff != BackoffExponential {
		return c.BackoffBase
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Job is one unit of scheduled work
type Job struct {
	ID          string
	Queue       string
	Type        string
	Payload     map[string]string
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	LastError   string
}

// Handler executes one job. A returned error triggers the queue's retry
// policy; a nil return completes the job.
type Handler func(ctx context.Context, job *Job) error

// Enqueuer is the narrow port handlers receive for job chaining, so handler
// logic stays testable without a live scheduler.
type Enqueuer interface {
	Enqueue(queueName, jobType string, payload map[string]string, opts ...JobOption) (string, error)
}

// JobOption overrides per-job settings at enqueue time
type JobOption func(*Job)

// WithMaxAttempts overrides the queue's default attempt limit for one job
func WithMaxAttempts(n int) JobOption {
	return func(j *Job) { j.MaxAttempts = n }
}
