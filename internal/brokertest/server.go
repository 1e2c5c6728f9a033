// Package brokertest runs an in-memory broker over HTTP for tests. It issues
// sessions, keeps positions and working orders, and records every request.
package brokertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"tradeflow/config"
	"tradeflow/models"
)

// Credential is accepted by every Server.
var Credential = models.Credential{
	APIKey:     "test-api-key-9876",
	Identifier: "tester@example.com",
	Password:   "test-password",
	IsDemo:     true,
}

// Request is one recorded call.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// Server is a fake broker. Exported maps may be seeded before use; take
// the lock through With when mutating them while requests are in flight.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	Markets       map[string]models.MarketDetails
	Prices        map[string]models.PriceHistory
	Positions     []models.PositionEnvelope
	WorkingOrders []models.WorkingOrderEnvelope
	Confirms      map[string]models.DealConfirmation
	Accounts      []models.Account
	Transactions  []models.Transaction
	StreamingHost string

	// RejectReason makes the next order submission REJECTED.
	RejectReason string
	// HideConfirms makes the confirmation endpoint answer 404.
	HideConfirms bool
	// RateLimitNext answers the next N authenticated calls with 429.
	RateLimitNext int
	// FailAuth answers session creation with 401.
	FailAuth bool

	requests  []Request
	sessions  int
	validCST  string
	deals     int
	overrides map[string]http.HandlerFunc
	mux       *http.ServeMux
}

// New starts a fake broker.
func New() *Server {
	s := &Server{
		Markets:   make(map[string]models.MarketDetails),
		Prices:    make(map[string]models.PriceHistory),
		Confirms:  make(map[string]models.DealConfirmation),
		overrides: make(map[string]http.HandlerFunc),
		mux:       http.NewServeMux(),
	}
	s.routes()
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// AppConfig returns a configuration aimed at the server with limits short
// enough for tests.
func (s *Server) AppConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.LiveURL = s.URL
	cfg.Broker.DemoURL = s.URL
	cfg.Broker.RequestTimeout = 2 * time.Second
	cfg.Session.MinAuthInterval = 0
	cfg.RateLimit.MinInterval = 0
	cfg.RateLimit.SessionMinInterval = 0
	cfg.RateLimit.BurstDelay = time.Millisecond
	cfg.RateLimit.MaxBackoff = 5 * time.Millisecond
	cfg.Verifier.Timeout = 300 * time.Millisecond
	cfg.Verifier.PollInterval = 20 * time.Millisecond
	cfg.Stream.ReconnectDelay = 50 * time.Millisecond
	cfg.Stream.AuthTimeout = time.Second
	return cfg
}

// With runs fn while holding the server lock.
func (s *Server) With(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Handle overrides "METHOD /path" with h. The path must match exactly.
func (s *Server) Handle(route string, h http.HandlerFunc) {
	s.mu.Lock()
	s.overrides[route] = h
	s.mu.Unlock()
}

// Requests returns a copy of everything received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests matched method and path prefix.
func (s *Server) Count(method, prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

// Sessions returns how many sessions were created.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// ExpireSessions makes the current session tokens invalid.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	s.validCST = ""
	s.mu.Unlock()
}

// AddMarket registers a tradeable instrument with sensible dealing rules.
func (s *Server) AddMarket(epic string, bid, offer float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Markets[epic] = Market(epic, bid, offer)
}

// Market builds tradeable market details for epic.
func Market(epic string, bid, offer float64) models.MarketDetails {
	return models.MarketDetails{
		Instrument: models.Instrument{Epic: epic, Name: epic, Type: "CURRENCIES", Currency: "USD"},
		DealingRules: models.DealingRules{
			MinStepDistance:         models.Distance{Unit: models.DistanceUnitPoints, Value: 0.0001},
			MinDealSize:             models.Distance{Unit: models.DistanceUnitPoints, Value: 0.01},
			MaxDealSize:             models.Distance{Unit: models.DistanceUnitPoints, Value: 1000},
			MinStopOrProfitDistance: models.Distance{Unit: models.DistanceUnitPoints, Value: 0},
		},
		Snapshot: models.Snapshot{MarketStatus: models.MarketStatusTradeable, Bid: bid, Offer: offer},
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(strings.NewReader(string(body)))

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
	override := s.overrides[r.Method+" "+r.URL.Path]
	s.mu.Unlock()

	if override != nil {
		override(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"errorCode": code})
}

// authorized checks session headers and the rate-limit switch. It must be
// called with the lock held.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.RateLimitNext > 0 {
		s.RateLimitNext--
		writeError(w, http.StatusTooManyRequests, "error.too-many.requests")
		return false
	}
	if r.Header.Get("CST") == "" || r.Header.Get("CST") != s.validCST || r.Header.Get("X-SECURITY-TOKEN") == "" {
		writeError(w, http.StatusUnauthorized, "error.invalid.session.token")
		return false
	}
	return true
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/session", s.createSession)
	s.mux.HandleFunc("GET /api/v1/markets/{epic}", s.authed(s.getMarket))
	s.mux.HandleFunc("GET /api/v1/prices/{epic}", s.authed(s.getPrices))
	s.mux.HandleFunc("GET /api/v1/positions", s.authed(s.getPositions))
	s.mux.HandleFunc("GET /api/v1/positions/{dealId}", s.authed(s.getPosition))
	s.mux.HandleFunc("POST /api/v1/positions", s.authed(s.createPosition))
	s.mux.HandleFunc("POST /api/v1/positions/close", s.authed(s.closePosition))
	s.mux.HandleFunc("PUT /api/v1/positions/{dealId}", s.authed(s.updatePosition))
	s.mux.HandleFunc("GET /api/v1/workingorders", s.authed(s.getWorkingOrders))
	s.mux.HandleFunc("POST /api/v1/workingorders", s.authed(s.createWorkingOrder))
	s.mux.HandleFunc("PUT /api/v1/workingorders/{dealId}", s.authed(s.updateWorkingOrder))
	s.mux.HandleFunc("DELETE /api/v1/workingorders/{dealId}", s.authed(s.deleteWorkingOrder))
	s.mux.HandleFunc("GET /api/v1/confirms/{ref}", s.authed(s.getConfirm))
	s.mux.HandleFunc("GET /api/v1/history/transactions", s.authed(s.getTransactions))
	s.mux.HandleFunc("GET /api/v1/accounts", s.authed(s.getAccounts))
}

// authed wraps h with the session check; h runs with the lock held.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.authorized(w, r) {
			return
		}
		h(w, r)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAuth || r.Header.Get("X-CAP-API-KEY") == "" {
		writeError(w, http.StatusUnauthorized, "error.invalid.details")
		return
	}
	s.sessions++
	s.validCST = fmt.Sprintf("cst-%d", s.sessions)
	w.Header().Set("CST", s.validCST)
	w.Header().Set("X-SECURITY-TOKEN", fmt.Sprintf("sec-%d", s.sessions))
	writeJSON(w, http.StatusOK, map[string]string{
		"currentAccountId": "ACC-1",
		"clientId":         "CLIENT-1",
		"streamingHost":    s.StreamingHost,
	})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.Markets[r.PathValue("epic")]
	if !ok {
		writeError(w, http.StatusNotFound, "error.not-found.epic")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getPrices(w http.ResponseWriter, r *http.Request) {
	p, ok := s.Prices[r.PathValue("epic")]
	if !ok {
		writeError(w, http.StatusNotFound, "error.prices.not-found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.PositionsResponse{Positions: s.Positions})
}

func (s *Server) findPosition(dealID string) int {
	for i, p := range s.Positions {
		if p.Position.DealID == dealID {
			return i
		}
	}
	return -1
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	i := s.findPosition(r.PathValue("dealId"))
	if i < 0 {
		writeError(w, http.StatusNotFound, "error.not-found.dealId")
		return
	}
	writeJSON(w, http.StatusOK, s.Positions[i])
}

// nextDeal allocates a deal id and reference and records the confirmation.
func (s *Server) nextDeal(epic string, dir models.Direction, size, level float64, stop, profit *float64) (string, string, bool) {
	s.deals++
	dealID := fmt.Sprintf("deal-%d", s.deals)
	ref := fmt.Sprintf("o_ref-%d", s.deals)
	conf := models.DealConfirmation{
		DealReference: ref,
		DealID:        dealID,
		Epic:          epic,
		Direction:     dir,
		Size:          size,
		Level:         level,
		StopLevel:     stop,
		ProfitLevel:   profit,
		Status:        "OPEN",
		DealStatus:    models.DealStatusAccepted,
	}
	accepted := true
	if s.RejectReason != "" {
		conf.DealStatus = models.DealStatusRejected
		conf.RejectReason = s.RejectReason
		conf.Status = ""
		s.RejectReason = ""
		accepted = false
	}
	s.Confirms[ref] = conf
	return dealID, ref, accepted
}

func (s *Server) createPosition(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Epic == "" {
		writeError(w, http.StatusBadRequest, "error.invalid.request")
		return
	}
	m, ok := s.Markets[req.Epic]
	if !ok {
		writeError(w, http.StatusNotFound, "error.not-found.epic")
		return
	}
	level := m.Quote().PriceFor(req.Direction)
	dealID, ref, accepted := s.nextDeal(req.Epic, req.Direction, req.Size, level, req.StopLevel, req.ProfitLevel)
	if accepted {
		s.Positions = append(s.Positions, models.PositionEnvelope{
			Position: models.Position{
				DealID:        dealID,
				DealReference: ref,
				Direction:     req.Direction,
				Size:          req.Size,
				Level:         level,
				StopLevel:     req.StopLevel,
				ProfitLevel:   req.ProfitLevel,
				Currency:      "USD",
			},
			Market: models.MarketSummary{Epic: req.Epic, Bid: m.Snapshot.Bid, Offer: m.Snapshot.Offer, MarketStatus: m.Snapshot.MarketStatus},
		})
	}
	writeJSON(w, http.StatusOK, models.DealReferenceResponse{DealReference: ref})
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	var req models.CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "error.invalid.request")
		return
	}
	i := s.findPosition(req.DealID)
	if i < 0 {
		writeError(w, http.StatusNotFound, "error.not-found.dealId")
		return
	}
	pos := s.Positions[i]
	s.Positions = append(s.Positions[:i], s.Positions[i+1:]...)
	_, ref, _ := s.nextDeal(pos.Market.Epic, req.Direction, req.Size, pos.Position.Level, nil, nil)
	writeJSON(w, http.StatusOK, models.DealReferenceResponse{DealReference: ref})
}

func (s *Server) updatePosition(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "error.invalid.request")
		return
	}
	i := s.findPosition(r.PathValue("dealId"))
	if i < 0 {
		writeError(w, http.StatusNotFound, "error.not-found.dealId")
		return
	}
	pos := &s.Positions[i].Position
	if req.StopLevel != nil {
		pos.StopLevel = req.StopLevel
	}
	if req.ProfitLevel != nil {
		pos.ProfitLevel = req.ProfitLevel
	}
	s.deals++
	ref := fmt.Sprintf("u_ref-%d", s.deals)
	s.Confirms[ref] = models.DealConfirmation{DealReference: ref, DealID: pos.DealID, DealStatus: models.DealStatusAccepted, Status: "AMENDED"}
	writeJSON(w, http.StatusOK, models.DealReferenceResponse{DealReference: ref})
}

func (s *Server) getWorkingOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.WorkingOrdersResponse{WorkingOrders: s.WorkingOrders})
}

func (s *Server) findWorkingOrder(dealID string) int {
	for i, o := range s.WorkingOrders {
		if o.WorkingOrderData.DealID == dealID {
			return i
		}
	}
	return -1
}

func (s *Server) createWorkingOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Level == nil {
		writeError(w, http.StatusBadRequest, "error.invalid.request")
		return
	}
	dealID, ref, accepted := s.nextDeal(req.Epic, req.Direction, req.Size, *req.Level, req.StopLevel, req.ProfitLevel)
	if accepted {
		s.WorkingOrders = append(s.WorkingOrders, models.WorkingOrderEnvelope{
			WorkingOrderData: models.WorkingOrder{
				DealID:       dealID,
				Epic:         req.Epic,
				Direction:    req.Direction,
				OrderSize:    req.Size,
				OrderLevel:   *req.Level,
				OrderType:    req.OrderType,
				StopLevel:    req.StopLevel,
				ProfitLevel:  req.ProfitLevel,
				GoodTillDate: req.GoodTillDate,
			},
			MarketData: models.MarketSummary{Epic: req.Epic},
		})
	}
	writeJSON(w, http.StatusOK, models.DealReferenceResponse{DealReference: ref})
}

func (s *Server) updateWorkingOrder(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "error.invalid.request")
		return
	}
	i := s.findWorkingOrder(r.PathValue("dealId"))
	if i < 0 {
		writeError(w, http.StatusNotFound, "error.not-found.dealId")
		return
	}
	wo := &s.WorkingOrders[i].WorkingOrderData
	if req.Level != nil {
		wo.OrderLevel = *req.Level
	}
	if req.StopLevel != nil {
		wo.StopLevel = req.StopLevel
	}
	if req.ProfitLevel != nil {
		wo.ProfitLevel = req.ProfitLevel
	}
	s.deals++
	ref := fmt.Sprintf("w_ref-%d", s.deals)
	s.Confirms[ref] = models.DealConfirmation{DealReference: ref, DealID: wo.DealID, DealStatus: models.DealStatusAccepted, Status: "AMENDED"}
	writeJSON(w, http.StatusOK, models.DealReferenceResponse{DealReference: ref})
}

func (s *Server) deleteWorkingOrder(w http.ResponseWriter, r *http.Request) {
	i := s.findWorkingOrder(r.PathValue("dealId"))
	if i < 0 {
		writeError(w, http.StatusNotFound, "error.not-found.dealId")
		return
	}
	dealID := s.WorkingOrders[i].WorkingOrderData.DealID
	s.WorkingOrders = append(s.WorkingOrders[:i], s.WorkingOrders[i+1:]...)
	s.deals++
	ref := fmt.Sprintf("d_ref-%d", s.deals)
	s.Confirms[ref] = models.DealConfirmation{DealReference: ref, DealID: dealID, DealStatus: models.DealStatusAccepted, Status: "DELETED"}
	writeJSON(w, http.StatusOK, models.DealReferenceResponse{DealReference: ref})
}

func (s *Server) getConfirm(w http.ResponseWriter, r *http.Request) {
	c, ok := s.Confirms[r.PathValue("ref")]
	if !ok || s.HideConfirms {
		writeError(w, http.StatusNotFound, "error.not-found.dealReference")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) getTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.TransactionsResponse{Transactions: s.Transactions})
}

func (s *Server) getAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.AccountsResponse{Accounts: s.Accounts})
}
