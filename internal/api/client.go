// Package api exposes the broker's authenticated endpoints for one
// credential. Every call goes through the session manager and the
// credential's rate limiter.
package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"tradeflow/internal/ratelimit"
	"tradeflow/internal/rest"
	"tradeflow/internal/session"
	"tradeflow/logger"
	"tradeflow/models"
)

const basePath = "/api/v1"

// Client is the authenticated endpoint set for one credential.
type Client struct {
	cred     models.Credential
	rest     *rest.Client
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	log      *logger.Log
}

func New(cred models.Credential, rc *rest.Client, sessions *session.Manager, limiter *ratelimit.Limiter) *Client {
	return &Client{
		cred:     cred,
		rest:     rc,
		sessions: sessions,
		limiter:  limiter,
		log:      logger.GetLogger(),
	}
}

// SessionCreator routes session creation for a credential through its
// limiter, tagged so the stricter session interval applies.
func SessionCreator(rc *rest.Client, limiter *ratelimit.Limiter) session.CreateFunc {
	return func(ctx context.Context, cred models.Credential) (*models.Session, error) {
		req := ratelimit.Request{Priority: ratelimit.PrioritySession, Session: true, Route: "POST /api/v1/session"}
		return ratelimit.Schedule(ctx, limiter, req, func(ctx context.Context) (*models.Session, error) {
			return rc.CreateSession(ctx, cred)
		})
	}
}

// Credential returns the credential this client acts for.
func (c *Client) Credential() models.Credential {
	return c.cred
}

// Session returns a valid session, authenticating if needed.
func (c *Client) Session(ctx context.Context) (*models.Session, error) {
	return c.sessions.EnsureValid(ctx, c.cred)
}

// InvalidateSession drops sess if it is still the cached session, so the
// next call authenticates afresh.
func (c *Client) InvalidateSession(sess *models.Session) {
	c.sessions.InvalidateStale(c.cred, sess)
}

// call runs one request. A session-expired response re-authenticates and
// retries once; a network error on a GET is retried once.
func call[T any](ctx context.Context, c *Client, p ratelimit.Priority, method, path string, query url.Values, body interface{}) (T, error) {
	route := method + " " + path
	do := func() (T, error) {
		return session.WithSession(ctx, c.sessions, c.cred, func(ctx context.Context, sess *models.Session) (T, error) {
			return ratelimit.Schedule(ctx, c.limiter, ratelimit.Request{Priority: p, Route: route}, func(ctx context.Context) (T, error) {
				var out T
				err := c.rest.Do(ctx, sess, method, basePath+path, query, body, &out)
				return out, err
			})
		})
	}

	out, err := do()
	var netErr *models.NetworkError
	if method == http.MethodGet && errors.As(err, &netErr) && ctx.Err() == nil {
		c.log.WithComponent("api_client").WithFields(logger.Fields{
			"credential": c.cred.Masked(),
			"route":      route,
		}).WithError(err).Warn("network error on idempotent request, retrying once")
		out, err = do()
	}
	return out, err
}

// GetMarket fetches instrument details and the current snapshot.
func (c *Client) GetMarket(ctx context.Context, epic string) (*models.MarketDetails, error) {
	out, err := call[models.MarketDetails](ctx, c, ratelimit.PriorityNormal, http.MethodGet, "/markets/"+url.PathEscape(epic), nil, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetQuote fetches market details at the priority used for order validation.
func (c *Client) GetQuote(ctx context.Context, epic string) (*models.MarketDetails, error) {
	out, err := call[models.MarketDetails](ctx, c, ratelimit.PriorityQuote, http.MethodGet, "/markets/"+url.PathEscape(epic), nil, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PriceQuery selects historical candles. Empty fields are omitted.
type PriceQuery struct {
	Resolution string
	From       string
	To         string
	Max        int
}

func (q PriceQuery) values() url.Values {
	v := url.Values{}
	if q.Resolution != "" {
		v.Set("resolution", q.Resolution)
	}
	if q.From != "" {
		v.Set("from", q.From)
	}
	if q.To != "" {
		v.Set("to", q.To)
	}
	if q.Max > 0 {
		v.Set("max", strconv.Itoa(q.Max))
	}
	return v
}

func (c *Client) GetPrices(ctx context.Context, epic string, q PriceQuery) (*models.PriceHistory, error) {
	out, err := call[models.PriceHistory](ctx, c, ratelimit.PriorityHistory, http.MethodGet, "/prices/"+url.PathEscape(epic), q.values(), nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]models.Position, error) {
	out, err := call[models.PositionsResponse](ctx, c, ratelimit.PriorityNormal, http.MethodGet, "/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(out.Positions))
	for _, p := range out.Positions {
		positions = append(positions, p.Flatten())
	}
	return positions, nil
}

func (c *Client) GetPosition(ctx context.Context, dealID string) (*models.Position, error) {
	out, err := call[models.PositionEnvelope](ctx, c, ratelimit.PriorityNormal, http.MethodGet, "/positions/"+url.PathEscape(dealID), nil, nil)
	if err != nil {
		return nil, err
	}
	pos := out.Flatten()
	return &pos, nil
}

func (c *Client) CreatePosition(ctx context.Context, req models.OrderRequest) (string, error) {
	out, err := call[models.DealReferenceResponse](ctx, c, ratelimit.PriorityNormal, http.MethodPost, "/positions", nil, req)
	return out.DealReference, err
}

func (c *Client) ClosePosition(ctx context.Context, req models.CloseRequest) (string, error) {
	out, err := call[models.DealReferenceResponse](ctx, c, ratelimit.PriorityNormal, http.MethodPost, "/positions/close", nil, req)
	return out.DealReference, err
}

func (c *Client) UpdatePosition(ctx context.Context, dealID string, req models.UpdateRequest) (string, error) {
	out, err := call[models.DealReferenceResponse](ctx, c, ratelimit.PriorityNormal, http.MethodPut, "/positions/"+url.PathEscape(dealID), nil, req)
	return out.DealReference, err
}

func (c *Client) GetWorkingOrders(ctx context.Context) ([]models.WorkingOrder, error) {
	out, err := call[models.WorkingOrdersResponse](ctx, c, ratelimit.PriorityNormal, http.MethodGet, "/workingorders", nil, nil)
	if err != nil {
		return nil, err
	}
	orders := make([]models.WorkingOrder, 0, len(out.WorkingOrders))
	for _, o := range out.WorkingOrders {
		wo := o.WorkingOrderData
		if wo.Epic == "" {
			wo.Epic = o.MarketData.Epic
		}
		orders = append(orders, wo)
	}
	return orders, nil
}

func (c *Client) CreateWorkingOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	out, err := call[models.DealReferenceResponse](ctx, c, ratelimit.PriorityNormal, http.MethodPost, "/workingorders", nil, req)
	return out.DealReference, err
}

func (c *Client) UpdateWorkingOrder(ctx context.Context, dealID string, req models.UpdateRequest) (string, error) {
	out, err := call[models.DealReferenceResponse](ctx, c, ratelimit.PriorityNormal, http.MethodPut, "/workingorders/"+url.PathEscape(dealID), nil, req)
	return out.DealReference, err
}

func (c *Client) DeleteWorkingOrder(ctx context.Context, dealID string) (string, error) {
	out, err := call[models.DealReferenceResponse](ctx, c, ratelimit.PriorityNormal, http.MethodDelete, "/workingorders/"+url.PathEscape(dealID), nil, nil)
	return out.DealReference, err
}

func (c *Client) GetConfirmation(ctx context.Context, dealReference string) (*models.DealConfirmation, error) {
	out, err := call[models.DealConfirmation](ctx, c, ratelimit.PriorityNormal, http.MethodGet, "/confirms/"+url.PathEscape(dealReference), nil, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TransactionQuery pages through account history.
type TransactionQuery struct {
	From       string
	To         string
	PageSize   int
	PageNumber int
}

func (c *Client) GetTransactions(ctx context.Context, q TransactionQuery) ([]models.Transaction, error) {
	v := url.Values{}
	if q.From != "" {
		v.Set("from", q.From)
	}
	if q.To != "" {
		v.Set("to", q.To)
	}
	if q.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	if q.PageNumber > 0 {
		v.Set("pageNumber", strconv.Itoa(q.PageNumber))
	}
	out, err := call[models.TransactionsResponse](ctx, c, ratelimit.PriorityHistory, http.MethodGet, "/history/transactions", v, nil)
	if err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

func (c *Client) GetAccounts(ctx context.Context) ([]models.Account, error) {
	out, err := call[models.AccountsResponse](ctx, c, ratelimit.PriorityHistory, http.MethodGet, "/accounts", nil, nil)
	if err != nil {
		return nil, err
	}
	return out.Accounts, nil
}
