// Package verifier confirms the outcome of submitted deals.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

const component = "trade_verifier"

type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeAccepted
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "not_found"
	}
}

// Source names where an outcome was established.
const (
	SourceConfirmation = "confirmation"
	SourcePositions    = "positions"
)

// Broker is what the verifier needs from the authenticated API.
type Broker interface {
	GetConfirmation(ctx context.Context, dealReference string) (*models.DealConfirmation, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
}

type Verification struct {
	Outcome       Outcome
	DealReference string
	DealID        string
	Reason        string
	Source        string
	Attempts      int
	Confirmation  *models.DealConfirmation
	Position      *models.Position
}

type Verifier struct {
	broker Broker
	cfg    config.VerifierConfig
	log    *logger.Log
}

func New(broker Broker, cfg config.VerifierConfig) *Verifier {
	return &Verifier{broker: broker, cfg: cfg, log: logger.GetLogger()}
}

// Verify polls the confirmation endpoint, falling back to the open
// positions, until the deal is confirmed or the timeout passes. It returns
// nil for an accepted deal, *models.OrderRejectedError for a rejection and
// an error matching models.ErrUnconfirmed when neither source could tell.
// The returned Verification is never nil.
func (v *Verifier) Verify(ctx context.Context, dealReference string) (*Verification, error) {
	res := &Verification{DealReference: dealReference}
	if dealReference == "" {
		return res, &models.ValidationError{Field: "dealReference", Reason: "missing deal reference"}
	}
	log := v.log.WithComponent(component).WithField("deal_reference", dealReference)

	timeout := v.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	interval := v.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	start := time.Now()

	var lastErr error
	for {
		res.Attempts++
		done, err := v.attempt(ctx, res)
		if done {
			logger.LogDuration(log, "verify", time.Since(start), logger.Fields{"outcome": res.Outcome.String()})
			return res, err
		}
		if err != nil {
			var authErr *models.AuthenticationError
			if errors.As(err, &authErr) {
				return res, err
			}
			lastErr = err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		if wait > interval {
			wait = interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}

	entry := log.WithField("attempts", res.Attempts)
	if lastErr != nil {
		entry = entry.WithError(lastErr)
	}
	entry.Warn("deal outcome could not be confirmed")
	return res, fmt.Errorf("deal %s: %w", dealReference, models.ErrUnconfirmed)
}

// attempt consults both sources once. done is true when the outcome is known.
func (v *Verifier) attempt(ctx context.Context, res *Verification) (bool, error) {
	log := v.log.WithComponent(component).WithField("deal_reference", res.DealReference)

	conf, confErr := v.broker.GetConfirmation(ctx, res.DealReference)
	if confErr == nil {
		res.Confirmation = conf
		if conf.DealID != "" {
			res.DealID = conf.DealID
		}
		switch conf.DealStatus {
		case models.DealStatusAccepted:
			res.Outcome = OutcomeAccepted
			res.Source = SourceConfirmation
			log.WithFields(logger.Fields{"deal_id": conf.DealID, "status": conf.Status}).Info("deal accepted")
			return true, nil
		case models.DealStatusRejected:
			res.Outcome = OutcomeRejected
			res.Source = SourceConfirmation
			res.Reason = conf.RejectionReason()
			log.WithField("reason", res.Reason).Warn("deal rejected")
			return true, &models.OrderRejectedError{DealReference: res.DealReference, Reason: res.Reason}
		}
	} else {
		log.WithError(confErr).Debug("confirmation unavailable, scanning positions")
	}

	positions, err := v.broker.GetPositions(ctx)
	if err != nil {
		if confErr != nil {
			return false, confErr
		}
		return false, err
	}
	ids := map[string]bool{}
	if conf != nil {
		for _, id := range conf.DealIDs() {
			ids[id] = true
		}
	}
	for i := range positions {
		p := positions[i]
		if p.DealReference == res.DealReference || ids[p.DealID] {
			res.Outcome = OutcomeAccepted
			res.Source = SourcePositions
			res.DealID = p.DealID
			res.Position = &p
			log.WithField("deal_id", p.DealID).Info("deal found among open positions")
			return true, nil
		}
	}
	return false, confErr
}
