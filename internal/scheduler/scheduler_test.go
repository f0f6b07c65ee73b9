package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitForIdle(t *testing.T, s *Scheduler, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		idle := true
		for _, counts := range s.Health() {
			if counts.Waiting > 0 || counts.Active > 0 {
				idle = false
			}
		}
		if idle {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("scheduler did not go idle within %v", timeout)
}

func TestSchedulerRunsChainedJobs(t *testing.T) {
	s := NewScheduler([]QueueConfig{
		{Name: "first", Concurrency: 1, MaxAttempts: 1},
		{Name: "second", Concurrency: 2, MaxAttempts: 1},
	})

	var mu sync.Mutex
	var order []string
	s.RegisterHandler("first", "split", func(ctx context.Context, job *Job) error {
		mu.Lock()
		order = append(order, "split")
		mu.Unlock()
		for i := 0; i < 3; i++ {
			if _, err := s.Enqueue("second", "leaf", map[string]string{"n": "1"}); err != nil {
				return err
			}
		}
		return nil
	})
	s.RegisterHandler("second", "leaf", func(ctx context.Context, job *Job) error {
		mu.Lock()
		order = append(order, "leaf")
		mu.Unlock()
		return nil
	})

	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.Enqueue("first", "split", nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitForIdle(t, s, 2*time.Second)

	health := s.Health()
	if health["first"].Completed != 1 {
		t.Errorf("expected 1 completed on first, got %+v", health["first"])
	}
	if health["second"].Completed != 3 {
		t.Errorf("expected 3 completed on second, got %+v", health["second"])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 || order[0] != "split" {
		t.Errorf("expected the split job to run before its leaves, got %v", order)
	}
}

func TestSchedulerRetriesUntilAttemptsExhausted(t *testing.T) {
	const base = 10 * time.Millisecond
	s := NewScheduler([]QueueConfig{
		{Name: "flaky", Concurrency: 1, MaxAttempts: 3, Backoff: BackoffExponential, BackoffBase: base},
	})

	var mu sync.Mutex
	var attempts []time.Time
	s.RegisterHandler("flaky", "always-fails", func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return errors.New("boom")
	})

	s.Start(context.Background())
	defer s.Stop()

	jobID, err := s.Enqueue("flaky", "always-fails", nil)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Health()["flaky"].Failed == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	health := s.Health()["flaky"]
	if health.Failed != 1 || health.Completed != 0 {
		t.Fatalf("expected 1 terminal failure, got %+v", health)
	}

	mu.Lock()
	got := append([]time.Time(nil), attempts...)
	mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected exactly MaxAttempts attempts, got %d", len(got))
	}
	// Exponential curve: at least base before the second attempt and 2*base
	// before the third
	if gap := got[1].Sub(got[0]); gap < base {
		t.Errorf("first retry after %v, want at least %v", gap, base)
	}
	if gap := got[2].Sub(got[1]); gap < 2*base {
		t.Errorf("second retry after %v, want at least %v", gap, 2*base)
	}

	failed := s.FailedJobs("flaky")
	if len(failed) != 1 {
		t.Fatalf("expected 1 archived job, got %d", len(failed))
	}
	if failed[0].ID != jobID || failed[0].Attempts != 3 || failed[0].LastError != "boom" {
		t.Errorf("unexpected archived job: %+v", failed[0])
	}
}

func TestSchedulerContainsHandlerPanics(t *testing.T) {
	s := NewScheduler([]QueueConfig{
		{Name: "unstable", Concurrency: 1, MaxAttempts: 1},
	})
	s.RegisterHandler("unstable", "panics", func(ctx context.Context, job *Job) error {
		panic("handler bug")
	})
	s.RegisterHandler("unstable", "fine", func(ctx context.Context, job *Job) error {
		return nil
	})

	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.Enqueue("unstable", "panics", nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := s.Enqueue("unstable", "fine", nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitForIdle(t, s, 2*time.Second)

	health := s.Health()["unstable"]
	if health.Failed != 1 || health.Completed != 1 {
		t.Fatalf("expected the panic to fail its job and the worker to survive, got %+v", health)
	}
	failed := s.FailedJobs("unstable")
	if len(failed) != 1 || failed[0].LastError == "" {
		t.Errorf("expected the panic to be archived with its message, got %+v", failed)
	}
}

func TestWithMaxAttemptsOverridesQueueDefault(t *testing.T) {
	s := NewScheduler([]QueueConfig{
		{Name: "q", Concurrency: 1, MaxAttempts: 5, Backoff: BackoffFixed, BackoffBase: 5 * time.Millisecond},
	})

	var mu sync.Mutex
	count := 0
	s.RegisterHandler("q", "fails", func(ctx context.Context, job *Job) error {
		mu.Lock()
		count++
		mu.Unlock()
		return errors.New("nope")
	})

	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.Enqueue("q", "fails", nil, WithMaxAttempts(1)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Health()["q"].Failed == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected a single attempt with the override, got %d", count)
	}
}

func TestStopDrainsInFlightJobs(t *testing.T) {
	s := NewScheduler([]QueueConfig{
		{Name: "slow", Concurrency: 1, MaxAttempts: 1},
	})

	started := make(chan struct{})
	s.RegisterHandler("slow", "work", func(ctx context.Context, job *Job) error {
		close(started)
		time.Sleep(80 * time.Millisecond)
		return nil
	})

	s.Start(context.Background())
	if _, err := s.Enqueue("slow", "work", nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	s.Stop()
	health := s.Health()["slow"]
	if health.Completed != 1 || health.Active != 0 {
		t.Fatalf("expected the in-flight job to finish during drain, got %+v", health)
	}

	if _, err := s.Enqueue("slow", "work", nil); !errors.Is(err, ErrSchedulerStopped) {
		t.Errorf("expected ErrSchedulerStopped after drain, got %v", err)
	}
}

func TestStopArchivesPendingRetries(t *testing.T) {
	s := NewScheduler([]QueueConfig{
		{Name: "q", Concurrency: 1, MaxAttempts: 3, Backoff: BackoffFixed, BackoffBase: 10 * time.Second},
	})

	attempted := make(chan struct{}, 3)
	s.RegisterHandler("q", "fails", func(ctx context.Context, job *Job) error {
		attempted <- struct{}{}
		return errors.New("boom")
	})

	s.Start(context.Background())
	jobID, err := s.Enqueue("q", "fails", nil)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	select {
	case <-attempted:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}

	// The retry is parked on a 10s backoff timer; Stop must account for it
	// instead of letting it vanish
	s.Stop()

	health := s.Health()["q"]
	if health.Waiting != 0 || health.Active != 0 {
		t.Errorf("expected no waiting or active jobs after drain, got %+v", health)
	}
	if health.Failed != 1 {
		t.Fatalf("expected the abandoned retry in the failed count, got %+v", health)
	}
	failed := s.FailedJobs("q")
	if len(failed) != 1 {
		t.Fatalf("expected 1 archived job, got %d", len(failed))
	}
	if failed[0].ID != jobID || failed[0].Attempts != 1 {
		t.Errorf("unexpected archived job: %+v", failed[0])
	}
	if failed[0].LastError != ErrSchedulerStopped.Error() {
		t.Errorf("expected the abandonment reason on the job, got %q", failed[0].LastError)
	}
}

func TestStopArchivesQueuedJobs(t *testing.T) {
	s := NewScheduler([]QueueConfig{
		{Name: "q", Concurrency: 1, MaxAttempts: 1},
	})

	started := make(chan struct{})
	release := make(chan struct{})
	s.RegisterHandler("q", "work", func(ctx context.Context, job *Job) error {
		if job.Payload["n"] == "first" {
			close(started)
			<-release
		}
		return nil
	})

	s.Start(context.Background())
	if _, err := s.Enqueue("q", "work", map[string]string{"n": "first"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first job never started")
	}
	// Backed up behind the busy worker
	if _, err := s.Enqueue("q", "work", map[string]string{"n": "second"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	close(release)
	s.Stop()

	health := s.Health()["q"]
	if health.Waiting != 0 || health.Active != 0 {
		t.Errorf("expected no waiting or active jobs after drain, got %+v", health)
	}
	if health.Completed+health.Failed != 2 {
		t.Errorf("expected both jobs accounted for after drain, got %+v", health)
	}
	if health.Completed < 1 {
		t.Errorf("expected the in-flight job to complete, got %+v", health)
	}
}

func TestEnqueueUnknownQueueFails(t *testing.T) {
	s := NewScheduler([]QueueConfig{{Name: "known", Concurrency: 1, MaxAttempts: 1}})
	if _, err := s.Enqueue("missing", "job", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
	if err := s.RegisterHandler("missing", "job", func(ctx context.Context, job *Job) error { return nil }); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue from RegisterHandler, got %v", err)
	}
	if err := s.RegisterRecurring("missing", "job", nil, time.Second, "k"); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue from RegisterRecurring, got %v", err)
	}
}

func TestRecurringRegistrationIsIdempotent(t *testing.T) {
	const every = 40 * time.Millisecond
	s := NewScheduler([]QueueConfig{
		{Name: "ticks", Concurrency: 1, MaxAttempts: 1},
	})

	var mu sync.Mutex
	fired := 0
	s.RegisterHandler("ticks", "tick", func(ctx context.Context, job *Job) error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	})

	// The same dedup key registered twice must produce a single cadence
	if err := s.RegisterRecurring("ticks", "tick", nil, every, "ticks:main"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := s.RegisterRecurring("ticks", "tick", nil, every, "ticks:main"); err != nil {
		t.Fatalf("second registration failed: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if fired < 2 || fired > 4 {
		t.Errorf("expected a single ticker cadence (2-4 firings in 150ms at 40ms), got %d", fired)
	}
}

func TestQueueConfigDelay(t *testing.T) {
	fixed := QueueConfig{Backoff: BackoffFixed, BackoffBase: time.Second}
	for attempt := 1; attempt <= 4; attempt++ {
		if d := fixed.Delay(attempt); d != time.Second {
			t.Errorf("fixed Delay(%d) = %v, want 1s", attempt, d)
		}
	}

	exp := QueueConfig{Backoff: BackoffExponential, BackoffBase: time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, expected := range want {
		if d := exp.Delay(i + 1); d != expected {
			t.Errorf("exponential Delay(%d) = %v, want %v", i+1, d, expected)
		}
	}
}
