// Package executor places, amends and closes orders. Protective levels are
// validated against a fresh quote before anything is submitted.
package executor

import (
	"context"
	"fmt"

	"tradeflow/internal/metrics"
	"tradeflow/internal/validator"
	"tradeflow/logger"
	"tradeflow/models"
)

const component = "order_executor"

// Broker is the subset of the authenticated API the executor drives.
type Broker interface {
	GetQuote(ctx context.Context, epic string) (*models.MarketDetails, error)
	GetPosition(ctx context.Context, dealID string) (*models.Position, error)
	GetWorkingOrders(ctx context.Context) ([]models.WorkingOrder, error)
	CreatePosition(ctx context.Context, req models.OrderRequest) (string, error)
	ClosePosition(ctx context.Context, req models.CloseRequest) (string, error)
	UpdatePosition(ctx context.Context, dealID string, req models.UpdateRequest) (string, error)
	CreateWorkingOrder(ctx context.Context, req models.OrderRequest) (string, error)
	UpdateWorkingOrder(ctx context.Context, dealID string, req models.UpdateRequest) (string, error)
	DeleteWorkingOrder(ctx context.Context, dealID string) (string, error)
}

// Resolver maps trading symbols to epics.
type Resolver interface {
	Resolve(ctx context.Context, symbol string) (string, error)
}

type PositionRequest struct {
	Symbol         string
	Direction      models.Direction
	Size           float64
	StopLevel      *float64
	ProfitLevel    *float64
	GuaranteedStop bool
}

type WorkingOrderRequest struct {
	Symbol       string
	Direction    models.Direction
	Size         float64
	Level        float64
	StopLevel    *float64
	ProfitLevel  *float64
	GoodTillDate string
}

// Result describes a submitted order and anything corrected on the way.
type Result struct {
	DealReference string
	Epic          string
	// Price is the reference price levels were checked against.
	Price       float64
	Size        float64
	StopLevel   *float64
	ProfitLevel *float64
	Corrections []validator.Correction
}

type Executor struct {
	broker    Broker
	symbols   Resolver
	validator *validator.Validator
	log       *logger.Log
}

func New(broker Broker, symbols Resolver, v *validator.Validator) *Executor {
	return &Executor{
		broker:    broker,
		symbols:   symbols,
		validator: v,
		log:       logger.GetLogger(),
	}
}

// quote resolves symbol and fetches its market at quote priority.
func (e *Executor) quote(ctx context.Context, symbol string) (string, *models.MarketDetails, error) {
	epic, err := e.symbols.Resolve(ctx, symbol)
	if err != nil {
		return "", nil, err
	}
	m, err := e.broker.GetQuote(ctx, epic)
	if err != nil {
		return "", nil, fmt.Errorf("quote %s: %w", epic, err)
	}
	return epic, m, nil
}

func requireTradeable(epic string, m *models.MarketDetails) error {
	if !m.Tradeable() {
		return &models.ValidationError{Field: "market", Reason: fmt.Sprintf("%s is %s", epic, m.Snapshot.MarketStatus)}
	}
	return nil
}

func (e *Executor) report(op, epic string, corrections []validator.Correction) {
	for _, c := range corrections {
		metrics.IncCorrection(c.Kind)
		e.log.WithComponent(component).WithFields(logger.Fields{
			"operation": op,
			"epic":      epic,
			"field":     c.Field,
			"kind":      c.Kind,
			"requested": c.Requested,
			"adjusted":  c.Adjusted,
		}).Warn("order level corrected")
	}
}

// CreatePosition submits a market order. The price is the offer for a BUY
// and the bid for a SELL.
func (e *Executor) CreatePosition(ctx context.Context, req PositionRequest) (*Result, error) {
	epic, m, err := e.quote(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := requireTradeable(epic, m); err != nil {
		return nil, err
	}

	price := m.Quote().PriceFor(req.Direction)
	adj, err := e.validator.Adjust(req.Direction, price, m.DealingRules, validator.Levels{
		Size: req.Size, StopLevel: req.StopLevel, ProfitLevel: req.ProfitLevel,
	})
	if err != nil {
		return nil, err
	}
	e.report("create_position", epic, adj.Corrections)

	ref, err := e.broker.CreatePosition(ctx, models.OrderRequest{
		Epic:           epic,
		Direction:      req.Direction,
		Size:           adj.Size,
		StopLevel:      adj.StopLevel,
		ProfitLevel:    adj.ProfitLevel,
		GuaranteedStop: req.GuaranteedStop,
	})
	if err != nil {
		return nil, fmt.Errorf("create position %s: %w", epic, err)
	}

	e.log.WithComponent(component).WithFields(logger.Fields{
		"epic":           epic,
		"direction":      req.Direction,
		"size":           adj.Size,
		"deal_reference": ref,
	}).Info("position submitted")
	return &Result{
		DealReference: ref,
		Epic:          epic,
		Price:         price,
		Size:          adj.Size,
		StopLevel:     adj.StopLevel,
		ProfitLevel:   adj.ProfitLevel,
		Corrections:   adj.Corrections,
	}, nil
}

// CreateLimitOrder places a working order that fills at level or better.
func (e *Executor) CreateLimitOrder(ctx context.Context, req WorkingOrderRequest) (*Result, error) {
	return e.createWorkingOrder(ctx, models.OrderTypeLimit, req)
}

// CreateStopOrder places a working order that triggers once the market
// crosses level.
func (e *Executor) CreateStopOrder(ctx context.Context, req WorkingOrderRequest) (*Result, error) {
	return e.createWorkingOrder(ctx, models.OrderTypeStop, req)
}

func (e *Executor) createWorkingOrder(ctx context.Context, orderType models.OrderType, req WorkingOrderRequest) (*Result, error) {
	if !req.Direction.Valid() {
		return nil, &models.ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", req.Direction)}
	}
	epic, m, err := e.quote(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := requireTradeable(epic, m); err != nil {
		return nil, err
	}

	price := m.Quote().PriceFor(req.Direction)
	if err := validator.CheckTrigger(req.Direction, orderType, req.Level, price); err != nil {
		return nil, err
	}
	// protective levels apply from the fill, so they are checked against the trigger
	adj, err := e.validator.Adjust(req.Direction, req.Level, m.DealingRules, validator.Levels{
		Size: req.Size, StopLevel: req.StopLevel, ProfitLevel: req.ProfitLevel,
	})
	if err != nil {
		return nil, err
	}
	e.report("create_working_order", epic, adj.Corrections)

	level := validator.Round(req.Level, req.Level)
	ref, err := e.broker.CreateWorkingOrder(ctx, models.OrderRequest{
		Epic:         epic,
		Direction:    req.Direction,
		Size:         adj.Size,
		OrderType:    orderType,
		Level:        &level,
		StopLevel:    adj.StopLevel,
		ProfitLevel:  adj.ProfitLevel,
		GoodTillDate: req.GoodTillDate,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s order %s: %w", orderType, epic, err)
	}

	e.log.WithComponent(component).WithFields(logger.Fields{
		"epic":           epic,
		"type":           orderType,
		"direction":      req.Direction,
		"level":          level,
		"deal_reference": ref,
	}).Info("working order submitted")
	return &Result{
		DealReference: ref,
		Epic:          epic,
		Price:         level,
		Size:          adj.Size,
		StopLevel:     adj.StopLevel,
		ProfitLevel:   adj.ProfitLevel,
		Corrections:   adj.Corrections,
	}, nil
}

// ClosePosition closes dealID by dealing in the opposite direction.
// direction is the open position's direction; when it is empty, or size is
// zero, the position is fetched and closed in full.
func (e *Executor) ClosePosition(ctx context.Context, dealID string, direction models.Direction, size float64) (string, error) {
	if dealID == "" {
		return "", &models.ValidationError{Field: "dealId", Reason: "missing deal id"}
	}
	if direction == "" || size <= 0 {
		pos, err := e.broker.GetPosition(ctx, dealID)
		if err != nil {
			return "", fmt.Errorf("close position %s: %w", dealID, err)
		}
		if direction == "" {
			direction = pos.Direction
		}
		if size <= 0 {
			size = pos.Size
		}
	}
	if !direction.Valid() {
		return "", &models.ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", direction)}
	}

	ref, err := e.broker.ClosePosition(ctx, models.CloseRequest{
		DealID:    dealID,
		Direction: direction.Opposite(),
		Size:      size,
		OrderType: models.OrderTypeMarket,
	})
	if err != nil {
		return "", fmt.Errorf("close position %s: %w", dealID, err)
	}
	e.log.WithComponent(component).WithFields(logger.Fields{
		"deal_id":        dealID,
		"size":           size,
		"deal_reference": ref,
	}).Info("close submitted")
	return ref, nil
}

// UpdatePosition replaces the protective levels of an open position after
// validating them against a fresh quote.
func (e *Executor) UpdatePosition(ctx context.Context, dealID string, stop, profit *float64) (*Result, error) {
	if stop == nil && profit == nil {
		return nil, &models.ValidationError{Field: "levels", Reason: "nothing to update"}
	}
	pos, err := e.broker.GetPosition(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("update position %s: %w", dealID, err)
	}
	m, err := e.broker.GetQuote(ctx, pos.Epic)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", pos.Epic, err)
	}

	price := m.Quote().PriceFor(pos.Direction)
	adj, err := e.validator.AdjustLevels(pos.Direction, price, m.DealingRules, validator.Levels{
		Size: pos.Size, StopLevel: stop, ProfitLevel: profit,
	})
	if err != nil {
		return nil, err
	}
	e.report("update_position", pos.Epic, adj.Corrections)

	ref, err := e.broker.UpdatePosition(ctx, dealID, models.UpdateRequest{StopLevel: adj.StopLevel, ProfitLevel: adj.ProfitLevel})
	if err != nil {
		return nil, fmt.Errorf("update position %s: %w", dealID, err)
	}
	return &Result{
		DealReference: ref,
		Epic:          pos.Epic,
		Price:         price,
		Size:          pos.Size,
		StopLevel:     adj.StopLevel,
		ProfitLevel:   adj.ProfitLevel,
		Corrections:   adj.Corrections,
	}, nil
}

// UpdateWorkingOrder moves a working order's trigger level and protective
// levels. The trigger side is re-checked against a fresh quote.
func (e *Executor) UpdateWorkingOrder(ctx context.Context, dealID string, level float64, stop, profit *float64) (*Result, error) {
	orders, err := e.broker.GetWorkingOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("update working order %s: %w", dealID, err)
	}
	var wo *models.WorkingOrder
	for i := range orders {
		if orders[i].DealID == dealID {
			wo = &orders[i]
			break
		}
	}
	if wo == nil {
		return nil, fmt.Errorf("working order %s: %w", dealID, models.ErrNotFound)
	}

	m, err := e.broker.GetQuote(ctx, wo.Epic)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", wo.Epic, err)
	}
	price := m.Quote().PriceFor(wo.Direction)
	if err := validator.CheckTrigger(wo.Direction, wo.OrderType, level, price); err != nil {
		return nil, err
	}
	adj, err := e.validator.AdjustLevels(wo.Direction, level, m.DealingRules, validator.Levels{
		Size: wo.OrderSize, StopLevel: stop, ProfitLevel: profit,
	})
	if err != nil {
		return nil, err
	}
	e.report("update_working_order", wo.Epic, adj.Corrections)

	rounded := validator.Round(level, level)
	ref, err := e.broker.UpdateWorkingOrder(ctx, dealID, models.UpdateRequest{
		Level:        &rounded,
		StopLevel:    adj.StopLevel,
		ProfitLevel:  adj.ProfitLevel,
		GoodTillDate: wo.GoodTillDate,
	})
	if err != nil {
		return nil, fmt.Errorf("update working order %s: %w", dealID, err)
	}
	return &Result{
		DealReference: ref,
		Epic:          wo.Epic,
		Price:         rounded,
		Size:          wo.OrderSize,
		StopLevel:     adj.StopLevel,
		ProfitLevel:   adj.ProfitLevel,
		Corrections:   adj.Corrections,
	}, nil
}

// CancelWorkingOrder deletes a pending working order.
func (e *Executor) CancelWorkingOrder(ctx context.Context, dealID string) (string, error) {
	if dealID == "" {
		return "", &models.ValidationError{Field: "dealId", Reason: "missing deal id"}
	}
	ref, err := e.broker.DeleteWorkingOrder(ctx, dealID)
	if err != nil {
		return "", fmt.Errorf("cancel working order %s: %w", dealID, err)
	}
	e.log.WithComponent(component).WithFields(logger.Fields{"deal_id": dealID, "deal_reference": ref}).Info("working order cancelled")
	return ref, nil
}
