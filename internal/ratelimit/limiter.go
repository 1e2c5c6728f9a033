package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradeflow/config"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

const rateLimiterComponent = "rate_limiter"

// ErrClosed is returned for work submitted to, or still queued on, a closed
// limiter.
var ErrClosed = errors.New("rate limiter closed")

// Request tags one scheduled operation.
type Request struct {
	Priority Priority
	// Session marks a session-creation call, which is additionally held to
	// the stricter session interval.
	Session bool
	Route   string
}

// State is a snapshot of a limiter's bookkeeping.
type State struct {
	WindowStart      time.Time
	RequestsInWindow int
	MaxRequests      int
	MinInterval      time.Duration
	Consumers        int
	Emergency        bool
	QueueDepth       int
	BackoffUntil     time.Time
}

// Limiter serializes and throttles every request made with one credential.
// A single goroutine owns the queue and runs operations one at a time, so
// the dispatch history is never mutated concurrently by two loops.
type Limiter struct {
	key string
	cfg config.RateLimitConfig
	log *logger.Log

	mu             sync.Mutex
	queue          jobQueue
	seq            uint64
	consumers      map[string]struct{}
	dispatched     []time.Time // dispatch times inside the rolling window
	lastDispatch   time.Time
	backoffUntil   time.Time
	consecutive429 int
	recent429      []time.Time
	emergency      bool
	successes      int
	sessionLimiter *rate.Limiter
	closed         bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a limiter. key is a log-safe label for the credential.
func New(key string, cfg config.RateLimitConfig) *Limiter {
	sessionLimit := rate.Inf
	if cfg.SessionMinInterval > 0 {
		sessionLimit = rate.Every(cfg.SessionMinInterval)
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1
	}
	if cfg.EmergencyIntervalMultiplier < 1 {
		cfg.EmergencyIntervalMultiplier = 1
	}

	l := &Limiter{
		key:            key,
		cfg:            cfg,
		log:            logger.GetLogger(),
		consumers:      make(map[string]struct{}),
		sessionLimiter: rate.NewLimiter(sessionLimit, 1),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go l.run()
	return l
}

// Submit queues op and waits for its result. If ctx ends before the
// operation is dispatched it is dropped; once dispatched it runs to
// completion and only the delivery of its result is abandoned.
func (l *Limiter) Submit(ctx context.Context, req Request, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j := &job{
		ctx:      ctx,
		priority: req.Priority,
		session:  req.Session,
		route:    req.Route,
		op:       op,
		done:     make(chan result, 1),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.seq++
	j.seq = l.seq
	heap.Push(&l.queue, j)
	depth := len(l.queue)
	l.mu.Unlock()

	metrics.SetQueueDepth(l.key, depth)
	l.signal()

	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Schedule is the typed form of Submit.
func Schedule[T any](ctx context.Context, l *Limiter, req Request, op func(context.Context) (T, error)) (T, error) {
	v, err := l.Submit(ctx, req, func(ctx context.Context) (interface{}, error) {
		out, err := op(ctx)
		return out, err
	})
	out, _ := v.(T)
	return out, err
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Limiter) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.closed {
			pending := l.queue
			l.queue = nil
			l.mu.Unlock()
			for _, j := range pending {
				j.done <- result{err: ErrClosed}
			}
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
			case <-l.stop:
			}
			continue
		}

		j := l.queue[0]
		if j.ctx.Err() != nil {
			heap.Pop(&l.queue)
			l.mu.Unlock()
			continue
		}

		now := time.Now()
		if wait := l.waitLocked(now, j); wait > 0 {
			l.mu.Unlock()
			l.log.WithComponent(rateLimiterComponent).WithFields(logger.Fields{
				"credential": l.key,
				"route":      j.route,
				"wait_ms":    wait.Milliseconds(),
			}).Debug("waiting for rate limit capacity")
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-l.wake:
			case <-l.stop:
			}
			timer.Stop()
			continue
		}

		heap.Pop(&l.queue)
		l.dispatched = append(l.dispatched, now)
		l.lastDispatch = now
		depth := len(l.queue)
		l.mu.Unlock()

		metrics.SetQueueDepth(l.key, depth)
		l.execute(j)
	}
}

// limitsLocked returns the effective ceiling and spacing after consumer
// scaling and emergency mode.
func (l *Limiter) limitsLocked() (int, time.Duration) {
	factor := len(l.consumers)
	if factor < 1 {
		factor = 1
	}
	maxReq := l.cfg.MaxRequests / factor
	if maxReq < 1 {
		maxReq = 1
	}
	minInterval := l.cfg.MinInterval * time.Duration(factor)
	if l.emergency {
		maxReq = 1
		minInterval = time.Duration(float64(minInterval) * l.cfg.EmergencyIntervalMultiplier)
	}
	return maxReq, minInterval
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.dispatched) && !l.dispatched[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.dispatched = append(l.dispatched[:0], l.dispatched[i:]...)
	}
}

// waitLocked returns how long the head job must still wait. A zero result
// means it may be dispatched now.
func (l *Limiter) waitLocked(now time.Time, j *job) time.Duration {
	l.pruneLocked(now)
	maxReq, minInterval := l.limitsLocked()

	if d := l.backoffUntil.Sub(now); d > 0 {
		return d
	}
	if len(l.dispatched) >= maxReq {
		// the oldest dispatch that has to leave the window before another fits
		oldest := l.dispatched[len(l.dispatched)-maxReq]
		if d := oldest.Add(l.cfg.Window).Sub(now); d > 0 {
			return d
		}
	}
	if !l.lastDispatch.IsZero() {
		if d := l.lastDispatch.Add(minInterval).Sub(now); d > 0 {
			return d
		}
	}
	if j.session {
		r := l.sessionLimiter.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return d
		}
	}
	return 0
}

func (l *Limiter) execute(j *job) {
	v, err := j.op(context.WithoutCancel(j.ctx))
	if errors.Is(err, models.ErrRateLimited) {
		if l.onRateLimited(j) {
			return
		}
		err = fmt.Errorf("giving up after %d rate limited attempts: %w", j.attempts, err)
	} else if err == nil {
		l.onSuccess()
	} else {
		l.mu.Lock()
		l.consecutive429 = 0
		l.mu.Unlock()
	}
	j.done <- result{value: v, err: err}
}

// onRateLimited starts a backoff during which nothing is dispatched and
// requeues j in its original position. Dispatches made before the 429 stay
// counted in the window. It reports whether j was requeued.
func (l *Limiter) onRateLimited(j *job) bool {
	now := time.Now()

	l.mu.Lock()
	l.consecutive429++
	l.successes = 0

	shift := l.consecutive429 - 1
	if shift > 16 {
		shift = 16
	}
	backoff := l.cfg.BurstDelay << uint(shift)
	if l.cfg.MaxBackoff > 0 && backoff > l.cfg.MaxBackoff {
		backoff = l.cfg.MaxBackoff
	}
	l.backoffUntil = now.Add(backoff)

	cutoff := now.Add(-l.cfg.EmergencyWindow)
	kept := l.recent429[:0]
	for _, ts := range l.recent429 {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.recent429 = append(kept, now)

	// an unbroken 429 run escalates even when the backoff spreads it past
	// the emergency window
	entered := false
	burst := len(l.recent429) >= l.cfg.EmergencyThreshold || l.consecutive429 >= l.cfg.EmergencyThreshold
	if !l.emergency && burst {
		l.emergency = true
		entered = true
	}

	j.attempts++
	retry := !l.closed && j.attempts <= l.cfg.MaxRetries
	if retry {
		heap.Push(&l.queue, j)
	}
	l.mu.Unlock()

	metrics.ReportRateLimited(l.log, l.key, j.route, backoff.Milliseconds())
	if entered {
		metrics.ReportEmergencyMode(l.log, l.key, true)
	}
	return retry
}

func (l *Limiter) onSuccess() {
	l.mu.Lock()
	l.consecutive429 = 0
	cleared := false
	if l.emergency {
		l.successes++
		if l.successes >= l.cfg.RecoverySuccesses {
			l.clearEmergencyLocked()
			cleared = true
		}
	}
	l.mu.Unlock()

	if cleared {
		metrics.ReportEmergencyMode(l.log, l.key, false)
	}
}

func (l *Limiter) clearEmergencyLocked() {
	l.emergency = false
	l.successes = 0
	l.recent429 = nil
	l.consecutive429 = 0
	l.backoffUntil = time.Time{}
}

// Reset leaves emergency mode and clears any pending backoff.
func (l *Limiter) Reset() {
	l.mu.Lock()
	was := l.emergency
	l.clearEmergencyLocked()
	l.mu.Unlock()

	if was {
		metrics.ReportEmergencyMode(l.log, l.key, false)
	}
	l.signal()
}

// RegisterConsumer adds a consumer sharing this credential and rescales
// the limits. Registering the same id twice has no effect.
func (l *Limiter) RegisterConsumer(id string) {
	l.mu.Lock()
	l.consumers[id] = struct{}{}
	n := len(l.consumers)
	maxReq, minInterval := l.limitsLocked()
	l.mu.Unlock()

	l.logScaling(id, "registered", n, maxReq, minInterval)
}

// UnregisterConsumer removes a consumer and rescales the limits.
func (l *Limiter) UnregisterConsumer(id string) {
	l.mu.Lock()
	delete(l.consumers, id)
	n := len(l.consumers)
	maxReq, minInterval := l.limitsLocked()
	l.mu.Unlock()

	l.logScaling(id, "unregistered", n, maxReq, minInterval)
	l.signal()
}

func (l *Limiter) logScaling(id, action string, consumers, maxReq int, minInterval time.Duration) {
	l.log.WithComponent(rateLimiterComponent).WithFields(logger.Fields{
		"credential":      l.key,
		"consumer":        id,
		"consumers":       consumers,
		"max_requests":    maxReq,
		"min_interval_ms": minInterval.Milliseconds(),
	}).Info("consumer " + action + ", limits rescaled")
}

// State returns the current bookkeeping.
func (l *Limiter) State() State {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	maxReq, minInterval := l.limitsLocked()
	s := State{
		RequestsInWindow: len(l.dispatched),
		MaxRequests:      maxReq,
		MinInterval:      minInterval,
		Consumers:        len(l.consumers),
		Emergency:        l.emergency,
		QueueDepth:       len(l.queue),
		BackoffUntil:     l.backoffUntil,
	}
	if len(l.dispatched) > 0 {
		s.WindowStart = l.dispatched[0]
	}
	return s
}

// Close stops the processing loop. Queued work fails with ErrClosed; an
// operation already running is allowed to finish.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stop)
	})
	<-l.done
}
