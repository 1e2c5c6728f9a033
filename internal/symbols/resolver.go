// Package symbols translates trading symbols into broker epics. Every epic it
// hands out was confirmed by a live market lookup at least once.
package symbols

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"tradeflow/logger"
	"tradeflow/models"
)

const component = "symbol_resolver"

// MarketFetcher looks up instrument details for an epic.
type MarketFetcher interface {
	GetMarket(ctx context.Context, epic string) (*models.MarketDetails, error)
}

// Resolver maps symbols to epics for one credential.
type Resolver struct {
	markets MarketFetcher
	log     *logger.Log
	group   singleflight.Group

	mu      sync.RWMutex
	learned map[string]string // normalized symbol -> epic
}

func NewResolver(markets MarketFetcher) *Resolver {
	return &Resolver{
		markets: markets,
		log:     logger.GetLogger(),
		learned: make(map[string]string),
	}
}

// Resolve returns the epic for symbol. Cache hits cost nothing; otherwise
// candidates are probed in order and the first well-formed answer is learned.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (string, error) {
	sym := Normalize(symbol)
	if sym == "" {
		return "", &models.ValidationError{Field: "symbol", Reason: "empty symbol"}
	}
	if epic, ok := r.cached(sym); ok {
		return epic, nil
	}

	ch := r.group.DoChan(sym, func() (interface{}, error) {
		if epic, ok := r.cached(sym); ok {
			return epic, nil
		}
		return r.probe(context.WithoutCancel(ctx), symbol, sym)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) cached(sym string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	epic, ok := r.learned[sym]
	return epic, ok
}

func (r *Resolver) probe(ctx context.Context, raw, sym string) (string, error) {
	log := r.log.WithComponent(component).WithField("symbol", sym)
	tried := candidates(raw, sym)

	for _, epic := range tried {
		m, err := r.markets.GetMarket(ctx, epic)
		if err != nil {
			if rejectedCandidate(err) {
				log.WithField("epic", epic).Debug("candidate rejected")
				continue
			}
			return "", err
		}
		if !m.WellFormed() {
			log.WithField("epic", epic).Debug("candidate returned malformed market")
			continue
		}
		// the broker may answer a spelling variant with its canonical epic
		if m.Instrument.Epic != "" {
			epic = m.Instrument.Epic
		}
		r.learn(sym, epic)
		log.WithField("epic", epic).Info("symbol resolved")
		return epic, nil
	}

	log.WithField("candidates", len(tried)).Warn("no candidate epic found")
	return "", &models.EpicNotFoundError{Symbol: sym, Candidates: tried}
}

// rejectedCandidate reports whether err means the epic does not exist, as
// opposed to a failure that says nothing about the candidate.
func rejectedCandidate(err error) bool {
	if errors.Is(err, models.ErrNotFound) {
		return true
	}
	var apiErr *models.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest
}

func (r *Resolver) learn(sym, epic string) {
	r.mu.Lock()
	r.learned[sym] = epic
	r.mu.Unlock()
}

// Learned returns the epic previously confirmed for symbol, if any.
func (r *Resolver) Learned(symbol string) (string, bool) {
	return r.cached(Normalize(symbol))
}

// SymbolFor is the reverse lookup. It prefers learned mappings, then the
// known table, and returns epic unchanged when neither knows it.
func (r *Resolver) SymbolFor(epic string) string {
	r.mu.RLock()
	sym := firstSymbol(r.learned, epic)
	r.mu.RUnlock()
	if sym != "" {
		return sym
	}
	if sym = firstSymbol(known, epic); sym != "" {
		return sym
	}
	return epic
}

// firstSymbol picks the lexically smallest alias of epic so the answer does
// not depend on map order.
func firstSymbol(table map[string]string, epic string) string {
	best := ""
	for sym, e := range table {
		if e == epic && (best == "" || sym < best) {
			best = sym
		}
	}
	return best
}

// Clear forgets every learned mapping.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.learned = make(map[string]string)
	r.mu.Unlock()
}
