// Package session caches one authenticated broker session per credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tradeflow/config"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

const component = "session_manager"

// CreateFunc performs the login handshake for a credential.
type CreateFunc func(ctx context.Context, cred models.Credential) (*models.Session, error)

// Manager authenticates credentials and caches the resulting sessions.
// Only the manager writes a session; everything else reads it.
type Manager struct {
	cfg    config.SessionConfig
	create CreateFunc
	log    *logger.Log

	group singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*models.Session
	lastAuth map[string]time.Time
}

func NewManager(cfg config.SessionConfig, create CreateFunc) *Manager {
	return &Manager{
		cfg:      cfg,
		create:   create,
		log:      logger.GetLogger(),
		sessions: make(map[string]*models.Session),
		lastAuth: make(map[string]time.Time),
	}
}

// Authenticate creates a new session for cred. Concurrent calls for the same
// credential share one in-flight request and all receive its result.
func (m *Manager) Authenticate(ctx context.Context, cred models.Credential) (*models.Session, error) {
	return m.shared(ctx, cred, false)
}

func (m *Manager) shared(ctx context.Context, cred models.Credential, reuse bool) (*models.Session, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	ch := m.group.DoChan(cred.Key(), func() (interface{}, error) {
		// a flight that finished between the caller's cache miss and now
		if reuse {
			if sess, ok := m.Current(cred); ok {
				return sess, nil
			}
		}
		// the shared attempt must not die with whichever caller started it
		return m.authenticate(context.WithoutCancel(ctx), cred)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*models.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) authenticate(ctx context.Context, cred models.Credential) (*models.Session, error) {
	key := cred.Key()
	log := m.log.WithComponent(component).WithFields(logger.Fields{"credential": cred.Masked()})

	m.mu.RLock()
	last := m.lastAuth[key]
	m.mu.RUnlock()
	if wait := time.Until(last.Add(m.cfg.MinAuthInterval)); !last.IsZero() && wait > 0 {
		log.WithField("wait_ms", wait.Milliseconds()).Debug("spacing session creation")
		time.Sleep(wait)
	}

	m.mu.Lock()
	m.lastAuth[key] = time.Now()
	m.mu.Unlock()

	start := time.Now()
	sess, err := m.create(ctx, cred)
	if err != nil {
		metrics.IncAuthentication("failed")
		log.WithError(err).Warn("session creation failed")
		return nil, fmt.Errorf("authenticate %s: %w", cred.Masked(), err)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	metrics.IncAuthentication("ok")

	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()

	logger.LogDuration(log, "authenticate", time.Since(start), nil)
	log.WithFields(logger.Fields{"account_id": sess.AccountID}).Info("session established")
	return sess, nil
}

// EnsureValid returns the cached session while it is younger than the TTL
// and authenticates otherwise.
func (m *Manager) EnsureValid(ctx context.Context, cred models.Credential) (*models.Session, error) {
	if sess, ok := m.Current(cred); ok {
		return sess, nil
	}
	return m.shared(ctx, cred, true)
}

// Current returns the cached session if it is still within the TTL.
func (m *Manager) Current(cred models.Credential) (*models.Session, bool) {
	m.mu.RLock()
	sess := m.sessions[cred.Key()]
	m.mu.RUnlock()
	if sess.Valid(time.Now(), m.cfg.TTL) {
		return sess, true
	}
	return nil, false
}

// Invalidate drops the cached session for cred.
func (m *Manager) Invalidate(cred models.Credential) {
	m.mu.Lock()
	delete(m.sessions, cred.Key())
	m.mu.Unlock()
}

// InvalidateStale drops the cached session only if it is still stale, so a
// caller holding an old session cannot evict one another caller just created.
func (m *Manager) InvalidateStale(cred models.Credential, stale *models.Session) {
	m.mu.Lock()
	if m.sessions[cred.Key()] == stale {
		delete(m.sessions, cred.Key())
	}
	m.mu.Unlock()
}

// Forget removes all state for cred.
func (m *Manager) Forget(cred models.Credential) {
	m.mu.Lock()
	delete(m.sessions, cred.Key())
	delete(m.lastAuth, cred.Key())
	m.mu.Unlock()
}

// WithSession runs call with a valid session. A session-expired error
// replaces the session and retries call exactly once.
func WithSession[T any](ctx context.Context, m *Manager, cred models.Credential, call func(context.Context, *models.Session) (T, error)) (T, error) {
	var zero T
	sess, err := m.EnsureValid(ctx, cred)
	if err != nil {
		return zero, err
	}

	out, err := call(ctx, sess)
	if !errors.Is(err, models.ErrSessionExpired) {
		return out, err
	}

	m.log.WithComponent(component).WithFields(logger.Fields{"credential": cred.Masked()}).Info("session rejected, re-authenticating")
	m.InvalidateStale(cred, sess)
	sess, err = m.EnsureValid(ctx, cred)
	if err != nil {
		return zero, err
	}
	return call(ctx, sess)
}
