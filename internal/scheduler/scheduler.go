package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/insider-api/internal/types"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownQueue     = errors.New("unknown queue")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrQueueFull        = errors.New("queue is full")
)

const (
	queueBuffer    = 1024
	archiveLimit   = 256
	defaultWorkers = 1
)

// queue holds one named queue's configuration, intake channel, per-type
// handlers and job counters.
type queue struct {
	cfg      QueueConfig
	jobs     chan *Job
	handlers map[string]Handler

	mu        sync.Mutex
	waiting   int
	active    int
	completed int
	failed    int
	archive   []*Job // terminally failed jobs, bounded
}

func (q *queue) counts() types.QueueHealth {
	q.mu.Lock()
	defer q.mu.Unlock()
	return types.QueueHealth{
		Waiting:   q.waiting,
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
	}
}

type recurringJob struct {
	queueName string
	jobType   string
	payload   map[string]string
	every     time.Duration
}

// pendingRetry is a job parked on a backoff timer, kept addressable so Stop
// can account for it
type pendingRetry struct {
	timer *time.Timer
	q     *queue
	job   *Job
}

// Scheduler runs a set of independently configured queues. Workers bound to a
// queue pull jobs up to its concurrency limit and dispatch by job type; a
// failing job is re-enqueued on the queue's backoff curve until its attempts
// are exhausted, then archived as terminally failed.
type Scheduler struct {
	mu        sync.Mutex
	queues    map[string]*queue
	recurring map[string]*recurringJob // keyed by dedup key
	started   bool
	stopped   bool

	ctx     context.Context // worker loop lifetime, canceled by Stop
	jobCtx  context.Context // passed to handlers; in-flight jobs outlive Stop
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timerMu sync.Mutex
	timers  map[string]*pendingRetry // pending retries by job id
}

// NewScheduler creates a scheduler with the given queue configurations
func NewScheduler(configs []QueueConfig) *Scheduler {
	s := &Scheduler{
		queues:    make(map[string]*queue),
		recurring: make(map[string]*recurringJob),
		timers:    make(map[string]*pendingRetry),
	}
	for _, cfg := range configs {
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = defaultWorkers
		}
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = 1
		}
		s.queues[cfg.Name] = &queue{
			cfg:      cfg,
			jobs:     make(chan *Job, queueBuffer),
			handlers: make(map[string]Handler),
		}
	}
	return s
}

// RegisterHandler binds a handler to a job type within a queue
func (s *Scheduler) RegisterHandler(queueName, jobType string, handler Handler) error {
	q, ok := s.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
	return nil
}

// Enqueue adds a one-shot job to a queue. After Stop the scheduler refuses
// new work so a draining process cannot grow its backlog.
func (s *Scheduler) Enqueue(queueName, jobType string, payload map[string]string, opts ...JobOption) (string, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrSchedulerStopped
	}

	q, ok := s.queues[queueName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	job := &Job{
		ID:          "JOB_" + uuid.New().String(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     payload,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(job)
	}

	q.mu.Lock()
	q.waiting++
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return job.ID, nil
	default:
		q.mu.Lock()
		q.waiting--
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrQueueFull, queueName)
	}
}

// RegisterRecurring registers a job that fires on an interval. The dedup key
// makes registration idempotent: re-registering the same key, for instance
// after a process restart, is a no-op.
func (s *Scheduler) RegisterRecurring(queueName, jobType string, payload map[string]string, every time.Duration, dedupKey string) error {
	if _, ok := s.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if every <= 0 {
		return errors.New("recurring interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recurring[dedupKey]; exists {
		return nil
	}
	r := &recurringJob{
		queueName: queueName,
		jobType:   jobType,
		payload:   payload,
		every:     every,
	}
	s.recurring[dedupKey] = r
	if s.started && !s.stopped {
		s.wg.Add(1)
		go s.runRecurring(r)
	}
	return nil
}

// Start launches the worker pools and recurring-job tickers
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.jobCtx = ctx
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, q := range s.queues {
		for i := 0; i < q.cfg.Concurrency; i++ {
			s.wg.Add(1)
			go s.worker(q)
		}
		log.Info().
			Str("component", "scheduler").
			Str("queue", q.cfg.Name).
			Int("concurrency", q.cfg.Concurrency).
			Int("max_attempts", q.cfg.MaxAttempts).
			Msg("queue started")
	}
	for _, r := range s.recurring {
		s.wg.Add(1)
		go s.runRecurring(r)
	}
}

// Stop drains the scheduler: no new jobs are accepted and in-flight jobs run
// to completion. Jobs parked on a retry timer or still queued are archived as
// terminally failed so they surface in the health counts rather than vanish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.timerMu.Lock()
	var parked []*pendingRetry
	for id, p := range s.timers {
		// A false Stop means the timer fired; its callback sees the stopped
		// flag and archives the job itself
		if p.timer.Stop() {
			parked = append(parked, p)
		}
		delete(s.timers, id)
	}
	s.timerMu.Unlock()
	for _, p := range parked {
		s.abandon(p.q, p.job)
	}

	s.cancel()
	s.wg.Wait()

	for _, q := range s.queues {
		s.drainQueue(q)
	}
	log.Info().Str("component", "scheduler").Msg("scheduler drained")
}

// Health reports per-queue job counts, the scheduler's monitoring surface
func (s *Scheduler) Health() map[string]types.QueueHealth {
	health := make(map[string]types.QueueHealth, len(s.queues))
	for name, q := range s.queues {
		health[name] = q.counts()
	}
	return health
}

// FailedJobs returns the archived terminally failed jobs for a queue
func (s *Scheduler) FailedJobs(queueName string) []*Job {
	q, ok := s.queues[queueName]
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.archive))
	copy(out, q.archive)
	return out
}

func (s *Scheduler) worker(q *queue) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-q.jobs:
			s.run(q, job)
		}
	}
}

// run executes one job attempt and applies the queue's retry policy
func (s *Scheduler) run(q *queue, job *Job) {
	logger := log.With().
		Str("component", "scheduler").
		Str("queue", q.cfg.Name).
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Logger()

	q.mu.Lock()
	q.waiting--
	q.active++
	handler, ok := q.handlers[job.Type]
	q.mu.Unlock()

	if !ok {
		logger.Error().Msg("no handler registered for job type")
		s.fail(q, job, fmt.Errorf("no handler for job type %s", job.Type))
		return
	}

	job.Attempts++
	err := s.execute(handler, job)
	if err == nil {
		q.mu.Lock()
		q.active--
		q.completed++
		q.mu.Unlock()
		logger.Debug().Int("attempts", job.Attempts).Msg("job completed")
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		logger.Error().
			Err(err).
			Int("attempts", job.Attempts).
			Msg("job failed terminally, attempts exhausted")
		s.fail(q, job, err)
		return
	}

	delay := q.cfg.Delay(job.Attempts)
	logger.Warn().
		Err(err).
		Int("attempt", job.Attempts).
		Dur("retry_in", delay).
		Msg("job failed, scheduling retry")

	q.mu.Lock()
	q.active--
	q.waiting++
	q.mu.Unlock()
	s.scheduleRetry(q, job, delay)
}

// execute runs the handler with panic containment so a panicking handler
// counts as a failed attempt rather than taking down the worker
func (s *Scheduler) execute(handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(s.jobCtx, job)
}

func (s *Scheduler) fail(q *queue, job *Job, err error) {
	job.LastError = err.Error()
	q.mu.Lock()
	q.active--
	q.failed++
	q.archive = append(q.archive, job)
	if len(q.archive) > archiveLimit {
		q.archive = q.archive[len(q.archive)-archiveLimit:]
	}
	q.mu.Unlock()
}

func (s *Scheduler) scheduleRetry(q *queue, job *Job, delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		s.abandon(q, job)
		return
	}

	p := &pendingRetry{q: q, job: job}
	p.timer = time.AfterFunc(delay, func() {
		s.timerMu.Lock()
		delete(s.timers, job.ID)
		s.timerMu.Unlock()

		// Re-check under the scheduler lock so the job either lands in the
		// channel before Stop's final drain or is archived here
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			s.abandon(q, job)
			return
		}
		select {
		case q.jobs <- job:
			s.mu.Unlock()
		default:
			s.mu.Unlock()
			// Intake saturated during backoff; count the job as terminally
			// failed rather than dropping it silently.
			q.mu.Lock()
			q.waiting--
			q.active++
			q.mu.Unlock()
			s.fail(q, job, ErrQueueFull)
		}
	})
	s.timers[job.ID] = p
}

// abandon archives a job the drain cannot run
func (s *Scheduler) abandon(q *queue, job *Job) {
	q.mu.Lock()
	q.waiting--
	q.active++
	q.mu.Unlock()
	s.fail(q, job, ErrSchedulerStopped)
}

// drainQueue empties a queue's intake channel after the workers have exited
func (s *Scheduler) drainQueue(q *queue) {
	for {
		select {
		case job := <-q.jobs:
			s.abandon(q, job)
		default:
			return
		}
	}
}

func (s *Scheduler) runRecurring(r *recurringJob) {
	defer s.wg.Done()
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Enqueue(r.queueName, r.jobType, r.payload); err != nil {
				log.Warn().
					Str("component", "scheduler").
					Str("queue", r.queueName).
					Str("job_type", r.jobType).
					Err(err).
					Msg("failed to enqueue recurring job")
			}
		}
	}
}
