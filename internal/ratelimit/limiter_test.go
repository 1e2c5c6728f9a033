package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeflow/config"
	"tradeflow/models"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Window:                      time.Second,
		MaxRequests:                 100,
		MinInterval:                 0,
		SessionMinInterval:          0,
		BurstDelay:                  time.Millisecond,
		MaxBackoff:                  5 * time.Millisecond,
		EmergencyThreshold:          5,
		EmergencyWindow:             30 * time.Second,
		EmergencyIntervalMultiplier: 10,
		RecoverySuccesses:           3,
		MaxRetries:                  10,
	}
}

// blockLoop occupies the processing loop until the returned func is called.
func blockLoop(t *testing.T, l *Limiter) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	go l.Submit(context.Background(), Request{Priority: PriorityNormal}, func(context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started
	return func() { close(release) }
}

func waitForDepth(t *testing.T, l *Limiter, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.State().QueueDepth == depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (got %d)", depth, l.State().QueueDepth)
}

func TestPriorityOrdering(t *testing.T) {
	l := New("test", testConfig())
	defer l.Close()
	release := blockLoop(t, l)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	submit := func(name string, p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Submit(context.Background(), Request{Priority: p}, func(context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil, nil
			})
		}()
	}

	submit("history", PriorityHistory)
	waitForDepth(t, l, 1)
	submit("normal-1", PriorityNormal)
	waitForDepth(t, l, 2)
	submit("quote", PriorityQuote)
	waitForDepth(t, l, 3)
	submit("normal-2", PriorityNormal)
	waitForDepth(t, l, 4)

	release()
	wg.Wait()

	want := []string{"quote", "normal-1", "normal-2", "history"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestWindowCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 150 * time.Millisecond
	cfg.MaxRequests = 3
	l := New("test", cfg)
	defer l.Close()

	var mu sync.Mutex
	var times []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Submit(context.Background(), Request{Priority: PriorityNormal}, func(context.Context) (interface{}, error) {
				mu.Lock()
				times = append(times, time.Now())
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()

	if len(times) != 7 {
		t.Fatalf("expected 7 dispatches, got %d", len(times))
	}
	for i := 0; i+cfg.MaxRequests < len(times); i++ {
		// ops run just after dispatch, so allow a little scheduling slack
		if gap := times[i+cfg.MaxRequests].Sub(times[i]); gap < cfg.Window-5*time.Millisecond {
			t.Fatalf("dispatches %d and %d only %v apart, window allows %d per %v", i, i+cfg.MaxRequests, gap, cfg.MaxRequests, cfg.Window)
		}
	}
}

func TestMinInterval(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = 20 * time.Millisecond
	l := New("test", cfg)
	defer l.Close()

	var last time.Time
	for i := 0; i < 3; i++ {
		_, err := l.Submit(context.Background(), Request{}, func(context.Context) (interface{}, error) {
			now := time.Now()
			if !last.IsZero() && now.Sub(last) < cfg.MinInterval-2*time.Millisecond {
				t.Errorf("dispatches %v apart, min interval %v", now.Sub(last), cfg.MinInterval)
			}
			last = now
			return nil, nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
}

func TestEmergencyModeAfterRepeated429(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 20 * time.Millisecond
	l := New("test", cfg)
	defer l.Close()

	var calls int32
	v, err := Schedule(context.Background(), l, Request{Priority: PriorityNormal, Route: "GET /api/v1/markets"}, func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) <= 5 {
			return "", models.ErrRateLimited
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Schedule = %q, %v", v, err)
	}
	if atomic.LoadInt32(&calls) != 6 {
		t.Fatalf("expected 6 attempts, got %d", calls)
	}

	st := l.State()
	if !st.Emergency || st.MaxRequests != 1 {
		t.Fatalf("expected emergency mode with max 1, got %+v", st)
	}
	if st.MinInterval != 0 {
		t.Fatalf("min interval = %v, want 0 for a zero base", st.MinInterval)
	}
}

// scaledDefaults keeps the shipped rate limit timings in proportion while
// shrinking them to milliseconds.
func scaledDefaults() config.RateLimitConfig {
	cfg := config.Default().RateLimit
	for _, d := range []*time.Duration{
		&cfg.Window, &cfg.MinInterval, &cfg.SessionMinInterval,
		&cfg.BurstDelay, &cfg.MaxBackoff, &cfg.EmergencyWindow,
	} {
		*d /= 1000
	}
	return cfg
}

func TestEmergencyModeUnderDefaultBackoff(t *testing.T) {
	cfg := scaledDefaults()
	l := New("test", cfg)
	defer l.Close()

	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	start := time.Now()
	v, err := Schedule(context.Background(), l, Request{Priority: PriorityNormal}, func(context.Context) (string, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n <= cfg.EmergencyThreshold {
			return "", models.ErrRateLimited
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Schedule = %q, %v", v, err)
	}

	mu.Lock()
	last429 := attempts[cfg.EmergencyThreshold-1].Sub(start)
	mu.Unlock()
	// the doubling backoff alone pushes the last 429 past the window
	if last429 < cfg.EmergencyWindow {
		t.Fatalf("last 429 at %v, expected it outside the %v window", last429, cfg.EmergencyWindow)
	}

	st := l.State()
	if !st.Emergency || st.MaxRequests != 1 {
		t.Fatalf("expected emergency mode with max 1, got %+v", st)
	}
}

func TestEmergencyRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 10 * time.Millisecond
	cfg.EmergencyThreshold = 2
	l := New("test", cfg)
	defer l.Close()

	var calls int32
	Schedule(context.Background(), l, Request{}, func(context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return 0, models.ErrRateLimited
		}
		return 1, nil
	})
	if !l.State().Emergency {
		t.Fatalf("expected emergency mode")
	}

	for i := 0; i < cfg.RecoverySuccesses; i++ {
		l.Submit(context.Background(), Request{}, func(context.Context) (interface{}, error) { return nil, nil })
	}
	st := l.State()
	if st.Emergency || st.MaxRequests != cfg.MaxRequests {
		t.Fatalf("expected recovery after %d successes, got %+v", cfg.RecoverySuccesses, st)
	}
}

func TestReset(t *testing.T) {
	cfg := testConfig()
	cfg.EmergencyThreshold = 1
	cfg.Window = 10 * time.Millisecond
	l := New("test", cfg)
	defer l.Close()

	var calls int32
	l.Submit(context.Background(), Request{}, func(context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, models.ErrRateLimited
		}
		return nil, nil
	})
	if !l.State().Emergency {
		t.Fatalf("expected emergency mode")
	}
	l.Reset()
	if st := l.State(); st.Emergency || !st.BackoffUntil.IsZero() {
		t.Fatalf("reset did not clear state: %+v", st)
	}
}

func TestRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.EmergencyThreshold = 100
	l := New("test", cfg)
	defer l.Close()

	var calls int32
	_, err := l.Submit(context.Background(), Request{}, func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, models.ErrRateLimited
	})
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestConsumerScaling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 40
	cfg.MinInterval = 100 * time.Millisecond
	l := New("test", cfg)
	defer l.Close()

	l.RegisterConsumer("bot-1")
	l.RegisterConsumer("bot-2")
	l.RegisterConsumer("bot-2")
	st := l.State()
	if st.Consumers != 2 || st.MaxRequests != 20 || st.MinInterval != 200*time.Millisecond {
		t.Fatalf("unexpected scaled state %+v", st)
	}

	l.UnregisterConsumer("bot-1")
	l.UnregisterConsumer("bot-2")
	st = l.State()
	if st.Consumers != 0 || st.MaxRequests != 40 || st.MinInterval != 100*time.Millisecond {
		t.Fatalf("unexpected unscaled state %+v", st)
	}
}

func TestCancelledBeforeDispatch(t *testing.T) {
	l := New("test", testConfig())
	defer l.Close()
	release := blockLoop(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	var ran int32
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Submit(ctx, Request{}, func(context.Context) (interface{}, error) {
			atomic.StoreInt32(&ran, 1)
			return nil, nil
		})
		errCh <- err
	}()
	waitForDepth(t, l, 1)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	release()

	// a follow-up job proves the loop moved past the cancelled one
	l.Submit(context.Background(), Request{}, func(context.Context) (interface{}, error) { return nil, nil })
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("cancelled job was dispatched")
	}
}

func TestDispatchedJobOutlivesCaller(t *testing.T) {
	l := New("test", testConfig())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finished := make(chan error, 1)
	go l.Submit(ctx, Request{}, func(opCtx context.Context) (interface{}, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished <- opCtx.Err()
		return nil, nil
	})
	<-started
	cancel()
	if err := <-finished; err != nil {
		t.Fatalf("operation context was cancelled with the caller: %v", err)
	}
}

func TestSessionInterval(t *testing.T) {
	cfg := testConfig()
	cfg.SessionMinInterval = 50 * time.Millisecond
	l := New("test", cfg)
	defer l.Close()

	var times []time.Time
	for i := 0; i < 2; i++ {
		l.Submit(context.Background(), Request{Session: true}, func(context.Context) (interface{}, error) {
			times = append(times, time.Now())
			return nil, nil
		})
		// ordinary calls are not held to the session interval
		start := time.Now()
		l.Submit(context.Background(), Request{}, func(context.Context) (interface{}, error) { return nil, nil })
		if time.Since(start) > 40*time.Millisecond {
			t.Fatalf("ordinary call was delayed by the session interval")
		}
	}
	if gap := times[1].Sub(times[0]); gap < 45*time.Millisecond {
		t.Fatalf("session calls %v apart, want at least %v", gap, cfg.SessionMinInterval)
	}
}

func TestCloseFailsQueuedWork(t *testing.T) {
	l := New("test", testConfig())
	release := blockLoop(t, l)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Submit(context.Background(), Request{}, func(context.Context) (interface{}, error) { return nil, nil })
		errCh <- err
	}()
	waitForDepth(t, l, 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()
	l.Close()
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := l.Submit(context.Background(), Request{}, func(context.Context) (interface{}, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testConfig())
	defer r.Close()
	a := models.Credential{APIKey: "key-a", Identifier: "a"}
	b := models.Credential{APIKey: "key-b", Identifier: "b"}

	if r.GetOrCreate(a) != r.GetOrCreate(a) {
		t.Fatalf("expected the same limiter for one credential")
	}
	if r.GetOrCreate(a) == r.GetOrCreate(b) {
		t.Fatalf("expected distinct limiters per credential")
	}
	first := r.GetOrCreate(a)
	r.Remove(a)
	if r.GetOrCreate(a) == first {
		t.Fatalf("expected a fresh limiter after remove")
	}
}
