// Package validator corrects protective order levels and sizes against the
// current price and the instrument's dealing rules. It performs no I/O.
package validator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradeflow/config"
	"tradeflow/models"
)

// Correction kinds.
const (
	KindWrongSide   = "wrong_side"
	KindMinDistance = "min_distance"
	KindMinSize     = "min_size"
)

// Field names used in corrections and validation errors.
const (
	FieldStopLevel   = "stopLevel"
	FieldProfitLevel = "profitLevel"
	FieldSize        = "size"
)

// Correction records one adjustment made to a request.
type Correction struct {
	Field     string
	Kind      string
	Requested float64
	Adjusted  float64
}

func (c Correction) String() string {
	return fmt.Sprintf("%s %s: %v -> %v", c.Field, c.Kind, c.Requested, c.Adjusted)
}

// Levels are the caller's requested protective levels and size. Nil levels
// are left unset.
type Levels struct {
	Size        float64
	StopLevel   *float64
	ProfitLevel *float64
}

// Result is the adjusted request plus every correction applied.
type Result struct {
	Levels
	Corrections []Correction
}

func (r *Result) add(c *Correction) {
	if c != nil {
		r.Corrections = append(r.Corrections, *c)
	}
}

// Corrected reports whether anything was changed.
func (r Result) Corrected() bool {
	return len(r.Corrections) > 0
}

type Validator struct {
	offset decimal.Decimal
	floor  decimal.Decimal
}

func New(cfg config.ValidatorConfig) *Validator {
	return &Validator{
		offset: decimal.NewFromFloat(cfg.EmergencyOffsetPct),
		floor:  decimal.NewFromFloat(cfg.MinDistanceFloorPct),
	}
}

// Adjust checks a request for direction at price. For a BUY the stop must sit
// below price and the profit above; SELL mirrors. Wrong-side levels move to
// the emergency offset, levels closer than the minimum distance are pushed
// out, and the size is raised to the minimum deal size. Levels are rounded
// away from price so rounding never shrinks a distance.
func (v *Validator) Adjust(dir models.Direction, price float64, rules models.DealingRules, req Levels) (Result, error) {
	if !dir.Valid() {
		return Result{}, &models.ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", dir)}
	}
	if price <= 0 {
		return Result{}, &models.ValidationError{Field: "price", Reason: "no current price"}
	}
	if req.Size <= 0 {
		return Result{}, &models.ValidationError{Field: FieldSize, Reason: "size must be positive"}
	}

	res, err := v.AdjustLevels(dir, price, rules, req)
	if err != nil {
		return Result{}, err
	}
	if minSize := rules.MinDealSize.Value; minSize > 0 && req.Size < minSize {
		res.Size = minSize
		res.Corrections = append(res.Corrections, Correction{Field: FieldSize, Kind: KindMinSize, Requested: req.Size, Adjusted: minSize})
	}
	if maxSize := rules.MaxDealSize.Value; maxSize > 0 && res.Size > maxSize {
		return Result{}, &models.ValidationError{Field: FieldSize, Reason: fmt.Sprintf("size %v exceeds maximum %v", res.Size, maxSize)}
	}
	return res, nil
}

// AdjustLevels applies the stop and profit rules of Adjust without touching
// the size, for amending something that is already open or working. Size is
// carried through unchanged.
func (v *Validator) AdjustLevels(dir models.Direction, price float64, rules models.DealingRules, req Levels) (Result, error) {
	if !dir.Valid() {
		return Result{}, &models.ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", dir)}
	}
	if price <= 0 {
		return Result{}, &models.ValidationError{Field: "price", Reason: "no current price"}
	}

	res := Result{Levels: Levels{Size: req.Size}}
	p := decimal.NewFromFloat(price)
	required := v.requiredDistance(p, rules)

	stopSide, profitSide := -1, 1
	if dir == models.DirectionSell {
		stopSide, profitSide = 1, -1
	}
	if req.StopLevel != nil {
		lvl, c := v.level(FieldStopLevel, *req.StopLevel, p, stopSide, required)
		res.StopLevel = &lvl
		res.add(c)
	}
	if req.ProfitLevel != nil {
		lvl, c := v.level(FieldProfitLevel, *req.ProfitLevel, p, profitSide, required)
		res.ProfitLevel = &lvl
		res.add(c)
	}
	return res, nil
}

// RequiredDistance is the smallest allowed gap between price and a
// protective level.
func (v *Validator) RequiredDistance(price float64, rules models.DealingRules) float64 {
	return v.requiredDistance(decimal.NewFromFloat(price), rules).InexactFloat64()
}

func (v *Validator) requiredDistance(p decimal.Decimal, rules models.DealingRules) decimal.Decimal {
	floor := p.Mul(v.floor)
	broker := decimal.NewFromFloat(rules.MinStopOrProfitDistance.Abs(p.InexactFloat64()))
	return decimal.Max(floor, broker)
}

// level places one protective level on side (-1 below price, +1 above).
func (v *Validator) level(field string, requested float64, p decimal.Decimal, side int, required decimal.Decimal) (float64, *Correction) {
	lvl := decimal.NewFromFloat(requested)
	sign := decimal.NewFromInt(int64(side))

	kind := ""
	if lvl.Sub(p).Sign() != side {
		lvl = p.Add(p.Mul(v.offset).Mul(sign))
		kind = KindWrongSide
	}
	if lvl.Sub(p).Abs().LessThan(required) {
		lvl = p.Add(required.Mul(sign))
		if kind == "" {
			kind = KindMinDistance
		}
	}

	adjusted := roundAway(lvl, p, side).InexactFloat64()
	if kind == "" {
		return adjusted, nil
	}
	return adjusted, &Correction{Field: field, Kind: kind, Requested: requested, Adjusted: adjusted}
}

// Decimals is the rounding precision for a price of this magnitude.
func Decimals(price float64) int32 {
	switch p := decimal.NewFromFloat(price).Abs(); {
	case p.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return 2
	case p.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return 3
	case p.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return 5
	default:
		return 6
	}
}

// Round rounds a level to the precision used for price.
func Round(level, price float64) float64 {
	return decimal.NewFromFloat(level).Round(Decimals(price)).InexactFloat64()
}

func roundAway(lvl, p decimal.Decimal, side int) decimal.Decimal {
	places := Decimals(p.InexactFloat64())
	if side > 0 {
		return lvl.RoundCeil(places)
	}
	return lvl.RoundFloor(places)
}

// CheckTrigger verifies a working order's trigger level sits on the side its
// type requires: a BUY limit below market and a BUY stop above, SELL mirrored.
// Trigger levels are caller intent and are never corrected.
func CheckTrigger(dir models.Direction, orderType models.OrderType, level, price float64) error {
	if level <= 0 {
		return &models.ValidationError{Field: "level", Reason: "trigger level must be positive"}
	}
	if price <= 0 {
		return &models.ValidationError{Field: "price", Reason: "no current price"}
	}

	var above bool
	switch orderType {
	case models.OrderTypeLimit:
		above = dir == models.DirectionSell
	case models.OrderTypeStop:
		above = dir == models.DirectionBuy
	default:
		return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a working order type", orderType)}
	}

	if above && level <= price {
		return &models.ValidationError{Field: "level", Reason: fmt.Sprintf("%s %s level %v must be above market %v", dir, orderType, level, price)}
	}
	if !above && level >= price {
		return &models.ValidationError{Field: "level", Reason: fmt.Sprintf("%s %s level %v must be below market %v", dir, orderType, level, price)}
	}
	return nil
}
