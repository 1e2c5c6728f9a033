package broker

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/config"
	"tradeflow/internal/brokertest"
	"tradeflow/internal/verifier"
	"tradeflow/models"
)

const eurusd = "CS.D.EURUSD.MINI.IP"

type fixture struct {
	srv    *brokertest.Server
	ws     *brokertest.StreamServer
	reg    *Registry
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws := brokertest.NewStreamServer()
	srv := brokertest.New()
	srv.StreamingHost = ws.WSURL()
	srv.AddMarket(eurusd, 1.0850, 1.0852)

	cfg := srv.AppConfig()
	cfg.Stream.TickFreshness = time.Minute
	reg := NewRegistry(cfg)
	client, err := reg.GetOrCreate(config.CredentialEntry{Name: "test", Credential: brokertest.Credential})
	require.NoError(t, err)

	t.Cleanup(func() {
		reg.Close()
		srv.Close()
		ws.Close()
	})
	return &fixture{srv: srv, ws: ws, reg: reg, client: client}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestRegistrySharesClient(t *testing.T) {
	fx := newFixture(t)

	again, err := fx.reg.GetOrCreate(config.CredentialEntry{Name: "alias", Credential: brokertest.Credential})
	require.NoError(t, err)
	assert.Same(t, fx.client, again)
	assert.Equal(t, []string{brokertest.Credential.Key()}, fx.reg.Keys())

	_, err = fx.reg.GetOrCreate(config.CredentialEntry{Name: "empty"})
	assert.Error(t, err)
}

func TestRegistryRemove(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.client.Initialize(context.Background()))

	assert.True(t, fx.reg.Remove(brokertest.Credential.Key()))
	assert.False(t, fx.reg.Remove(brokertest.Credential.Key()))
	_, ok := fx.reg.Get(brokertest.Credential.Key())
	assert.False(t, ok)
	assert.Equal(t, models.StreamDisconnected, fx.client.StreamState())
}

func TestRegistryInitializeAndCleanup(t *testing.T) {
	fx := newFixture(t)
	entry := config.CredentialEntry{Name: "test", Credential: brokertest.Credential}

	c, err := fx.reg.Initialize(context.Background(), entry)
	require.NoError(t, err)
	assert.Same(t, fx.client, c)
	eventually(t, func() bool { return c.StreamState() == models.StreamStreaming }, "stream up")

	assert.True(t, fx.reg.Cleanup(brokertest.Credential))
	assert.Empty(t, fx.reg.Keys())
	assert.Equal(t, models.StreamDisconnected, c.StreamState())
}

func TestInitializeAuthenticatesOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.client.Initialize(ctx))
	require.NoError(t, fx.client.Initialize(ctx))
	assert.Equal(t, 1, fx.srv.Sessions())
	eventually(t, func() bool { return fx.client.StreamState() == models.StreamStreaming }, "stream up")
	assert.Equal(t, 1, fx.ws.Connects())
}

func TestInitializeFailsOnBadCredentials(t *testing.T) {
	fx := newFixture(t)
	fx.srv.With(func(s *brokertest.Server) { s.FailAuth = true })

	err := fx.client.Initialize(context.Background())
	var authErr *models.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, fx.ws.Connects())
}

func TestLatestPriceFromStream(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.client.Initialize(ctx))
	require.NoError(t, fx.client.SubscribeToMarketData(ctx, "EUR/USD"))
	eventually(t, func() bool { return len(fx.ws.Epics(0, models.DestinationSubscribe)) == 1 }, "subscribed")

	sub, err := fx.client.Ticks(ctx, "EURUSD")
	require.NoError(t, err)
	defer fx.client.CancelTicks(sub)

	require.NoError(t, fx.ws.PushQuote(eurusd, 1.0900, 1.0902, time.Now().UnixMilli()))
	select {
	case tick := <-sub.C:
		assert.Equal(t, "EURUSD", tick.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}

	eventually(t, func() bool {
		fx.client.mu.RLock()
		defer fx.client.mu.RUnlock()
		_, ok := fx.client.latest[eurusd]
		return ok
	}, "tick cached")

	before := fx.srv.Count(http.MethodGet, "/api/v1/markets/")
	q, err := fx.client.GetLatestPrice(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.0900, q.Bid)
	assert.Equal(t, before, fx.srv.Count(http.MethodGet, "/api/v1/markets/"), "fresh tick needs no REST call")
}

func TestLatestPriceFallsBackToREST(t *testing.T) {
	fx := newFixture(t)

	q, err := fx.client.GetLatestPrice(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.0850, q.Bid)
	assert.Equal(t, 1.0852, q.Ask)
}

func TestSubscribeReportsUnknownSymbols(t *testing.T) {
	fx := newFixture(t)

	err := fx.client.SubscribeToMarketData(context.Background(), "EURUSD", "NOPE")
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.Contains(t, err.Error(), "NOPE")
	assert.Equal(t, []string{eurusd}, fx.client.stream.ActiveEpics())

	require.NoError(t, fx.client.UnsubscribeFromMarketData(context.Background(), "EURUSD"))
	assert.Empty(t, fx.client.stream.ActiveEpics())
}

func TestHistoricalPrices(t *testing.T) {
	fx := newFixture(t)
	fx.srv.With(func(s *brokertest.Server) {
		s.Prices[eurusd] = models.PriceHistory{InstrumentType: "CURRENCIES", Prices: []models.Candle{{SnapshotTimeUTC: "2024-05-01T10:00:00"}}}
	})
	ctx := context.Background()
	from := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := fx.client.GetHistoricalPrices(ctx, "EURUSD", HistoryQuery{Resolution: "MINUTE_3"})
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = fx.client.GetHistoricalPrices(ctx, "EURUSD", HistoryQuery{Resolution: models.ResolutionHour, From: from, To: from.Add(-time.Hour)})
	require.ErrorAs(t, err, &vErr)

	hist, err := fx.client.GetHistoricalPrices(ctx, "EURUSD", HistoryQuery{Resolution: models.ResolutionHour, From: from, Max: 10})
	require.NoError(t, err)
	require.Len(t, hist.Prices, 1)

	var raw string
	for _, r := range fx.srv.Requests() {
		if r.Path == "/api/v1/prices/"+eurusd {
			raw = r.Query
		}
	}
	q, err := url.ParseQuery(raw)
	require.NoError(t, err)
	assert.Equal(t, "HOUR", q.Get("resolution"))
	assert.Equal(t, "2024-05-01T10:00:00", q.Get("from"))
	assert.Empty(t, q.Get("to"))
	assert.Equal(t, "10", q.Get("max"))
}

func TestTradeRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	stop := 1.0900

	res, err := fx.client.CreatePosition(ctx, PositionRequest{Symbol: "EURUSD", Direction: models.DirectionBuy, Size: 1, StopLevel: &stop})
	require.NoError(t, err)
	require.Len(t, res.Corrections, 1)

	v, err := fx.client.GetDealConfirmation(ctx, res.DealReference)
	require.NoError(t, err)
	assert.Equal(t, verifier.OutcomeAccepted, v.Outcome)
	assert.Equal(t, "accepted", v.Outcome.String())

	positions, err := fx.client.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	_, err = fx.client.ClosePosition(ctx, positions[0].DealID, "", 0)
	require.NoError(t, err)
	positions, err = fx.client.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestRejectedDeal(t *testing.T) {
	fx := newFixture(t)
	fx.srv.With(func(s *brokertest.Server) { s.RejectReason = "INSUFFICIENT_FUNDS" })
	ctx := context.Background()

	res, err := fx.client.CreatePosition(ctx, PositionRequest{Symbol: "EURUSD", Direction: models.DirectionSell, Size: 1})
	require.NoError(t, err)

	_, err = fx.client.GetDealConfirmation(ctx, res.DealReference)
	var rejected *models.OrderRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "INSUFFICIENT_FUNDS", rejected.Reason)
}

func TestRegisterBotScalesLimits(t *testing.T) {
	fx := newFixture(t)
	base := fx.client.RateLimitState()

	fx.client.RegisterBot("bot-a")
	fx.client.RegisterBot("bot-a")
	fx.client.RegisterBot("bot-b")
	st := fx.client.RateLimitState()
	assert.Equal(t, 2, st.Consumers)
	assert.LessOrEqual(t, st.MaxRequests, base.MaxRequests)

	fx.client.UnregisterBot("bot-a")
	fx.client.UnregisterBot("bot-a")
	assert.Equal(t, 1, fx.client.RateLimitState().Consumers)
}

func TestAccountQueries(t *testing.T) {
	fx := newFixture(t)
	fx.srv.With(func(s *brokertest.Server) {
		s.Accounts = []models.Account{{AccountID: "ACC-1", Currency: "USD", Preferred: true}}
		s.Transactions = []models.Transaction{{Reference: "T1", TransactionType: "TRADE"}}
	})
	ctx := context.Background()

	accounts, err := fx.client.GetAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "ACC-1", accounts[0].AccountID)

	txs, err := fx.client.GetTransactionHistory(ctx, TransactionQuery{From: time.Now().Add(-24 * time.Hour), PageSize: 50})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "T1", txs[0].Reference)
}

func TestWorkingOrders(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.client.CreateLimitOrder(ctx, WorkingOrderRequest{Symbol: "EURUSD", Direction: models.DirectionBuy, Size: 1, Level: 1.08})
	require.NoError(t, err)
	_, err = fx.client.CreateStopOrder(ctx, WorkingOrderRequest{Symbol: "EURUSD", Direction: models.DirectionBuy, Size: 1, Level: 1.09})
	require.NoError(t, err)

	orders, err := fx.client.GetWorkingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	v, err := fx.client.GetDealConfirmation(ctx, res.DealReference)
	require.NoError(t, err)
	_, err = fx.client.UpdateWorkingOrder(ctx, v.DealID, 1.079, nil, nil)
	require.NoError(t, err)
	_, err = fx.client.CancelWorkingOrder(ctx, v.DealID)
	require.NoError(t, err)

	orders, err = fx.client.GetWorkingOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}
