package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"tradeflow/config"
	"tradeflow/internal/ratelimit"
	"tradeflow/internal/session"
	"tradeflow/logger"
	"tradeflow/models"
)

// Registry hands out one Client per credential. Clients for the same
// credential share a session and a limiter.
type Registry struct {
	cfg      *config.Config
	sessions *session.Manager
	limiters *ratelimit.Registry
	log      *logger.Entry

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		cfg:      cfg,
		limiters: ratelimit.NewRegistry(cfg.RateLimit),
		log:      logger.GetLogger().WithComponent("broker_registry"),
		clients:  make(map[string]*Client),
	}
	r.sessions = session.NewManager(cfg.Session, r.createSession)
	return r
}

func (r *Registry) createSession(ctx context.Context, cred models.Credential) (*models.Session, error) {
	c, ok := r.Get(cred.Key())
	if !ok {
		return nil, fmt.Errorf("no client registered for %s", cred.Masked())
	}
	return c.createSession(ctx, cred)
}

// GetOrCreate returns the client for entry, building it on first use.
func (r *Registry) GetOrCreate(entry config.CredentialEntry) (*Client, error) {
	if err := entry.Credential.Validate(); err != nil {
		return nil, err
	}
	key := entry.Credential.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	c := newClient(r.cfg, entry, r.sessions, r.limiters.GetOrCreate(entry.Credential))
	r.clients[key] = c
	r.log.WithFields(logger.Fields{"credential": entry.Credential.Masked(), "name": entry.Name}).Info("broker client registered")
	return c, nil
}

// Initialize returns the client for entry with its session and market
// stream running.
func (r *Registry) Initialize(ctx context.Context, entry config.CredentialEntry) (*Client, error) {
	c, err := r.GetOrCreate(entry)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Get looks a client up by credential key.
func (r *Registry) Get(key string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[key]
	return c, ok
}

// Keys lists the registered credential keys in order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.clients))
	for k := range r.clients {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Remove closes the client for key and releases its session and limiter.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	c, ok := r.clients[key]
	delete(r.clients, key)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.release(c)
	return true
}

// Cleanup is Remove by credential.
func (r *Registry) Cleanup(cred models.Credential) bool {
	return r.Remove(cred.Key())
}

func (r *Registry) release(c *Client) {
	c.close()
	r.limiters.Remove(c.cred)
	r.sessions.Forget(c.cred)
}

// Close shuts every client down in parallel.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range all {
		g.Go(func() error {
			r.release(c)
			return nil
		})
	}
	err := g.Wait()
	r.limiters.Close()
	r.log.WithField("clients", len(all)).Info("broker registry closed")
	return err
}
