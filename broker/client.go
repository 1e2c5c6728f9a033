// Package broker is the entry point for trading and evaluation code. It
// speaks in trading symbols and plain levels; epics, sessions and request
// pacing stay internal.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeflow/config"
	"tradeflow/internal/api"
	"tradeflow/internal/channel"
	"tradeflow/internal/executor"
	"tradeflow/internal/ratelimit"
	"tradeflow/internal/rest"
	"tradeflow/internal/session"
	"tradeflow/internal/stream"
	"tradeflow/internal/symbols"
	"tradeflow/internal/validator"
	"tradeflow/internal/verifier"
	"tradeflow/logger"
	"tradeflow/models"
)

const (
	component = "broker_client"
	// timeLayout is the broker's query timestamp format.
	timeLayout = "2006-01-02T15:04:05"
)

type (
	PositionRequest     = executor.PositionRequest
	WorkingOrderRequest = executor.WorkingOrderRequest
	OrderResult         = executor.Result
	Verification        = verifier.Verification
)

// HistoryQuery selects candles. Zero times and a zero Max are omitted.
type HistoryQuery struct {
	Resolution string
	From       time.Time
	To         time.Time
	Max        int
}

// TransactionQuery pages through account history.
type TransactionQuery struct {
	From       time.Time
	To         time.Time
	PageSize   int
	PageNumber int
}

// Client is everything the broker offers for one credential.
type Client struct {
	cred models.Credential
	cfg  *config.Config
	log  *logger.Entry

	rest     *rest.Client
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	api      *api.Client
	symbols  *symbols.Resolver
	executor *executor.Executor
	verifier *verifier.Verifier
	hub      *channel.Hub
	stream   *stream.Stream

	startOnce sync.Once
	ticks     *channel.Subscription
	cacheDone chan struct{}

	mu     sync.RWMutex
	latest map[string]models.Tick
	bots   map[string]bool
}

func newClient(cfg *config.Config, entry config.CredentialEntry, sessions *session.Manager, limiter *ratelimit.Limiter) *Client {
	cred := entry.Credential
	rc := rest.New(rest.Options{
		BaseURL:      cfg.Broker.BaseURL(cred.IsDemo),
		UserAgent:    cfg.Broker.UserAgent,
		Timeout:      cfg.Broker.RequestTimeout,
		LocalIP:      entry.LocalIP,
		MaxIdleConns: cfg.Broker.MaxIdleConns,
	})
	apiClient := api.New(cred, rc, sessions, limiter)
	resolver := symbols.NewResolver(apiClient)
	hub := channel.NewHub(cred.Masked(), cfg.Stream.TickBuffer)

	return &Client{
		cred:     cred,
		cfg:      cfg,
		log:      logger.GetLogger().WithComponent(component).WithField("credential", cred.Masked()),
		rest:     rc,
		limiter:  limiter,
		sessions: sessions,
		api:      apiClient,
		symbols:  resolver,
		executor: executor.New(apiClient, resolver, validator.New(cfg.Validator)),
		verifier: verifier.New(apiClient, cfg.Verifier),
		hub:      hub,
		stream: stream.New(stream.Options{
			Config:      cfg.Stream,
			FallbackURL: cfg.Broker.StreamURL,
			Sessions:    apiClient,
			Hub:         hub,
			Credential:  cred.Masked(),
			SymbolFor:   resolver.SymbolFor,
		}),
		cacheDone: make(chan struct{}),
		latest:    make(map[string]models.Tick),
		bots:      make(map[string]bool),
	}
}

// createSession logs in through this credential's limiter.
func (c *Client) createSession(ctx context.Context, cred models.Credential) (*models.Session, error) {
	return api.SessionCreator(c.rest, c.limiter)(ctx, cred)
}

func (c *Client) Credential() models.Credential {
	return c.cred
}

// Initialize authenticates and starts the market data stream. Calling it
// again only re-checks the session.
func (c *Client) Initialize(ctx context.Context) error {
	if _, err := c.sessions.EnsureValid(ctx, c.cred); err != nil {
		return err
	}
	c.startOnce.Do(func() {
		c.ticks = c.hub.Subscribe()
		go c.cacheTicks(c.ticks)
		c.stream.Start(context.Background())
		c.log.Info("broker client initialized")
	})
	return nil
}

func (c *Client) cacheTicks(sub *channel.Subscription) {
	defer close(c.cacheDone)
	for tick := range sub.C {
		c.mu.Lock()
		c.latest[tick.Epic] = tick
		c.mu.Unlock()
	}
}

// GetMarketDetails returns instrument, dealing rules and snapshot for symbol.
func (c *Client) GetMarketDetails(ctx context.Context, symbol string) (*models.MarketDetails, error) {
	epic, err := c.symbols.Resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return c.api.GetMarket(ctx, epic)
}

// GetLatestPrice serves the last streamed tick while it is fresh and asks
// the broker otherwise.
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (models.Quote, error) {
	epic, err := c.symbols.Resolve(ctx, symbol)
	if err != nil {
		return models.Quote{}, err
	}

	c.mu.RLock()
	tick, ok := c.latest[epic]
	c.mu.RUnlock()
	if ok && time.Since(tick.Timestamp) <= c.cfg.Stream.TickFreshness {
		return tick.Quote(), nil
	}

	m, err := c.api.GetQuote(ctx, epic)
	if err != nil {
		return models.Quote{}, err
	}
	q := m.Quote()
	if q.Bid <= 0 || q.Ask <= 0 {
		return models.Quote{}, fmt.Errorf("no price for %s: %w", epic, models.ErrNotFound)
	}
	return q, nil
}

// GetHistoricalPrices returns candles for symbol.
func (c *Client) GetHistoricalPrices(ctx context.Context, symbol string, q HistoryQuery) (*models.PriceHistory, error) {
	if !models.ValidResolution(q.Resolution) {
		return nil, &models.ValidationError{Field: "resolution", Reason: fmt.Sprintf("unsupported resolution %q", q.Resolution)}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return nil, &models.ValidationError{Field: "to", Reason: "end before start"}
	}
	epic, err := c.symbols.Resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return c.api.GetPrices(ctx, epic, api.PriceQuery{
		Resolution: q.Resolution,
		From:       formatTime(q.From),
		To:         formatTime(q.To),
		Max:        q.Max,
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func (c *Client) CreatePosition(ctx context.Context, req PositionRequest) (*OrderResult, error) {
	return c.executor.CreatePosition(ctx, req)
}

// ClosePosition closes dealID. direction is the open position's direction;
// leave it empty, or size zero, to close the whole position.
func (c *Client) ClosePosition(ctx context.Context, dealID string, direction models.Direction, size float64) (string, error) {
	return c.executor.ClosePosition(ctx, dealID, direction, size)
}

func (c *Client) UpdatePosition(ctx context.Context, dealID string, stopLevel, profitLevel *float64) (*OrderResult, error) {
	return c.executor.UpdatePosition(ctx, dealID, stopLevel, profitLevel)
}

func (c *Client) CreateLimitOrder(ctx context.Context, req WorkingOrderRequest) (*OrderResult, error) {
	return c.executor.CreateLimitOrder(ctx, req)
}

func (c *Client) CreateStopOrder(ctx context.Context, req WorkingOrderRequest) (*OrderResult, error) {
	return c.executor.CreateStopOrder(ctx, req)
}

func (c *Client) UpdateWorkingOrder(ctx context.Context, dealID string, level float64, stopLevel, profitLevel *float64) (*OrderResult, error) {
	return c.executor.UpdateWorkingOrder(ctx, dealID, level, stopLevel, profitLevel)
}

func (c *Client) CancelWorkingOrder(ctx context.Context, dealID string) (string, error) {
	return c.executor.CancelWorkingOrder(ctx, dealID)
}

func (c *Client) GetWorkingOrders(ctx context.Context) ([]models.WorkingOrder, error) {
	return c.api.GetWorkingOrders(ctx)
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	return c.api.GetPositions(ctx)
}

// GetDealConfirmation waits for the outcome of dealReference. See
// verifier.Verifier.Verify for the error contract.
func (c *Client) GetDealConfirmation(ctx context.Context, dealReference string) (*Verification, error) {
	return c.verifier.Verify(ctx, dealReference)
}

func (c *Client) GetAccounts(ctx context.Context) ([]models.Account, error) {
	return c.api.GetAccounts(ctx)
}

func (c *Client) GetTransactionHistory(ctx context.Context, q TransactionQuery) ([]models.Transaction, error) {
	return c.api.GetTransactions(ctx, api.TransactionQuery{
		From:       formatTime(q.From),
		To:         formatTime(q.To),
		PageSize:   q.PageSize,
		PageNumber: q.PageNumber,
	})
}

// SubscribeToMarketData streams ticks for symbols. Symbols that cannot be
// resolved are reported together; the rest are still subscribed.
func (c *Client) SubscribeToMarketData(ctx context.Context, syms ...string) error {
	epics, resolveErr := c.resolveAll(ctx, syms)
	if len(epics) > 0 {
		if err := c.stream.Subscribe(epics...); err != nil {
			// the epics stay active and are resent on reconnect
			c.log.WithError(err).Warn("subscribe frame failed")
		}
	}
	return resolveErr
}

// UnsubscribeFromMarketData stops streaming symbols.
func (c *Client) UnsubscribeFromMarketData(ctx context.Context, syms ...string) error {
	epics := make([]string, 0, len(syms))
	var errs []error
	for _, s := range syms {
		if epic, ok := c.symbols.Learned(s); ok {
			epics = append(epics, epic)
			continue
		}
		epic, err := c.symbols.Resolve(ctx, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		epics = append(epics, epic)
	}
	if len(epics) > 0 {
		if err := c.stream.Unsubscribe(epics...); err != nil {
			c.log.WithError(err).Warn("unsubscribe frame failed")
		}
		c.mu.Lock()
		for _, e := range epics {
			delete(c.latest, e)
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Ticks returns a subscription to streamed ticks for symbols, or for every
// subscribed epic when none are given. Release it with CancelTicks.
func (c *Client) Ticks(ctx context.Context, syms ...string) (*channel.Subscription, error) {
	epics, err := c.resolveAll(ctx, syms)
	if err != nil {
		return nil, err
	}
	return c.hub.Subscribe(epics...), nil
}

func (c *Client) CancelTicks(sub *channel.Subscription) {
	c.hub.Cancel(sub)
}

// StreamEvents reports market stream state changes.
func (c *Client) StreamEvents() <-chan models.StreamEvent {
	return c.stream.Events()
}

func (c *Client) StreamState() models.StreamState {
	return c.stream.State()
}

func (c *Client) resolveAll(ctx context.Context, syms []string) ([]string, error) {
	epics := make([]string, 0, len(syms))
	var errs []error
	for _, s := range syms {
		epic, err := c.symbols.Resolve(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
			continue
		}
		epics = append(epics, epic)
	}
	return epics, errors.Join(errs...)
}

// RegisterBot counts id as a consumer of this credential, slowing the
// request pace so the aggregate load stays constant. It is idempotent.
func (c *Client) RegisterBot(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bots[id] {
		return
	}
	c.bots[id] = true
	c.limiter.RegisterConsumer(id)
}

func (c *Client) UnregisterBot(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bots[id] {
		return
	}
	delete(c.bots, id)
	c.limiter.UnregisterConsumer(id)
}

// RateLimitState exposes the limiter's bookkeeping.
func (c *Client) RateLimitState() ratelimit.State {
	return c.limiter.State()
}

// ResetRateLimit clears backoff and emergency mode.
func (c *Client) ResetRateLimit() {
	c.limiter.Reset()
}

// close stops streaming. The registry releases the session and limiter.
func (c *Client) close() {
	c.stream.Close()
	c.hub.Close()
	if c.ticks != nil {
		<-c.cacheDone
	}
	stats := c.hub.GetStats()
	c.log.WithFields(logger.Fields{"ticks_sent": stats.Sent, "ticks_dropped": stats.Dropped}).Info("broker client closed")
}
