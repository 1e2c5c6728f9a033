package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"tradeflow/internal/brokertest"
	"tradeflow/internal/ratelimit"
	"tradeflow/internal/rest"
	"tradeflow/internal/session"
	"tradeflow/models"
)

func newTestClient(t *testing.T, srv *brokertest.Server) *Client {
	t.Helper()
	cfg := srv.AppConfig()
	rc := rest.New(rest.Options{BaseURL: srv.URL, Timeout: cfg.Broker.RequestTimeout})
	lim := ratelimit.New("test", cfg.RateLimit)
	t.Cleanup(lim.Close)
	sessions := session.NewManager(cfg.Session, SessionCreator(rc, lim))
	return New(brokertest.Credential, rc, sessions, lim)
}

func TestGetMarketAuthenticatesOnce(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	srv.AddMarket("CS.D.EURUSD.MINI.IP", 1.0850, 1.0852)
	c := newTestClient(t, srv)

	for i := 0; i < 3; i++ {
		m, err := c.GetMarket(context.Background(), "CS.D.EURUSD.MINI.IP")
		if err != nil {
			t.Fatalf("GetMarket: %v", err)
		}
		if m.Snapshot.Offer != 1.0852 || !m.WellFormed() {
			t.Fatalf("unexpected market %+v", m)
		}
	}
	if srv.Sessions() != 1 {
		t.Fatalf("expected one session, got %d", srv.Sessions())
	}
}

func TestGetMarketNotFound(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.GetMarket(context.Background(), "NOPE")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiredSessionRetriedOnce(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	if _, err := c.GetPositions(context.Background()); err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	srv.ExpireSessions()
	if _, err := c.GetPositions(context.Background()); err != nil {
		t.Fatalf("GetPositions after expiry: %v", err)
	}
	if srv.Sessions() != 2 {
		t.Fatalf("expected re-authentication, got %d sessions", srv.Sessions())
	}
	if n := srv.Count(http.MethodGet, "/api/v1/positions"); n != 3 {
		t.Fatalf("expected 3 position requests (ok, 401, retry), got %d", n)
	}
}

func TestRateLimitedCallIsRequeued(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	srv.Accounts = []models.Account{{AccountID: "ACC-1", Preferred: true}}
	c := newTestClient(t, srv)

	if _, err := c.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}
	srv.With(func(s *brokertest.Server) { s.RateLimitNext = 2 })

	accounts, err := c.GetAccounts(context.Background())
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].AccountID != "ACC-1" {
		t.Fatalf("unexpected accounts %+v", accounts)
	}
	if n := srv.Count(http.MethodGet, "/api/v1/accounts"); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func hangUp(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err == nil {
		conn.Close()
	}
}

func TestNetworkErrorRetriedForGet(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	c := newTestClient(t, srv)
	if _, err := c.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}

	var calls int32
	srv.Handle("GET /api/v1/workingorders", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			hangUp(w)
			return
		}
		json.NewEncoder(w).Encode(models.WorkingOrdersResponse{WorkingOrders: []models.WorkingOrderEnvelope{{
			WorkingOrderData: models.WorkingOrder{DealID: "wo-1", OrderLevel: 1.05},
			MarketData:       models.MarketSummary{Epic: "CS.D.EURUSD.MINI.IP"},
		}}})
	})

	orders, err := c.GetWorkingOrders(context.Background())
	if err != nil {
		t.Fatalf("GetWorkingOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].Epic != "CS.D.EURUSD.MINI.IP" {
		t.Fatalf("unexpected orders %+v", orders)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}

func TestNetworkErrorNotRetriedForPost(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	c := newTestClient(t, srv)
	if _, err := c.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}

	var calls int32
	srv.Handle("POST /api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hangUp(w)
	})

	_, err := c.CreatePosition(context.Background(), models.OrderRequest{Epic: "X", Direction: models.DirectionBuy, Size: 1})
	var netErr *models.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("order submission must not be retried, got %d calls", calls)
	}
}

func TestQueryParameters(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	srv.Prices["CS.D.EURUSD.MINI.IP"] = models.PriceHistory{Prices: []models.Candle{{SnapshotTime: "2024-05-01T10:00:00"}}}
	c := newTestClient(t, srv)

	hist, err := c.GetPrices(context.Background(), "CS.D.EURUSD.MINI.IP", PriceQuery{Resolution: models.ResolutionHour, From: "2024-05-01T00:00:00", Max: 10})
	if err != nil {
		t.Fatalf("GetPrices: %v", err)
	}
	if len(hist.Prices) != 1 {
		t.Fatalf("expected one candle, got %d", len(hist.Prices))
	}
	if _, err := c.GetTransactions(context.Background(), TransactionQuery{PageSize: 50, PageNumber: 2}); err != nil {
		t.Fatalf("GetTransactions: %v", err)
	}

	var pricesQuery, txQuery string
	for _, r := range srv.Requests() {
		switch {
		case strings.HasPrefix(r.Path, "/api/v1/prices/"):
			pricesQuery = r.Query
		case r.Path == "/api/v1/history/transactions":
			txQuery = r.Query
		}
	}
	if !strings.Contains(pricesQuery, "resolution=HOUR") || !strings.Contains(pricesQuery, "max=10") || strings.Contains(pricesQuery, "to=") {
		t.Fatalf("unexpected prices query %q", pricesQuery)
	}
	if !strings.Contains(txQuery, "pageSize=50") || !strings.Contains(txQuery, "pageNumber=2") {
		t.Fatalf("unexpected transactions query %q", txQuery)
	}
}

func TestPositionLifecycle(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	srv.AddMarket("CS.D.EURUSD.MINI.IP", 1.0850, 1.0852)
	c := newTestClient(t, srv)
	ctx := context.Background()

	ref, err := c.CreatePosition(ctx, models.OrderRequest{Epic: "CS.D.EURUSD.MINI.IP", Direction: models.DirectionBuy, Size: 1})
	if err != nil || ref == "" {
		t.Fatalf("CreatePosition: %q %v", ref, err)
	}
	conf, err := c.GetConfirmation(ctx, ref)
	if err != nil || conf.DealStatus != models.DealStatusAccepted {
		t.Fatalf("GetConfirmation: %+v %v", conf, err)
	}
	pos, err := c.GetPosition(ctx, conf.DealID)
	if err != nil || pos.Epic != "CS.D.EURUSD.MINI.IP" || pos.Status != "OPEN" {
		t.Fatalf("GetPosition: %+v %v", pos, err)
	}
	if _, err := c.ClosePosition(ctx, models.CloseRequest{DealID: pos.DealID, Direction: models.DirectionSell, Size: 1, OrderType: models.OrderTypeMarket}); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	positions, err := c.GetPositions(ctx)
	if err != nil || len(positions) != 0 {
		t.Fatalf("expected no open positions, got %+v %v", positions, err)
	}
}
