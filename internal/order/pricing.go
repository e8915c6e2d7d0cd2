package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"volume-core/internal/strategy"
	"volume-core/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

// CalculatePrices derives buy and sell prices from the reference price.
// Results are truncated toward zero at pricePrecision and aligned down to
// tick when tick is positive.
func CalculatePrices(price float64, pricePrecision int, tick float64, cfg strategy.Config) (buy, sell float64, err error) {
	if price <= 0 {
		return 0, 0, fmt.Errorf("%w: reference price %v", common.ErrValidation, price)
	}
	p := decimal.NewFromFloat(price)
	b := decimal.NewFromFloat(cfg.BuyOffset)
	s := decimal.NewFromFloat(cfg.SellOffset)

	var buyD, sellD decimal.Decimal
	switch cfg.OffsetMode {
	case strategy.OffsetFixed:
		buyD = p.Add(b)
		sellD = p.Sub(s)
	case strategy.OffsetPercentage, "":
		buyD = p.Mul(decimal.NewFromInt(1).Add(b.Div(hundred)))
		sellD = p.Mul(decimal.NewFromInt(1).Sub(s.Div(hundred)))
	default:
		return 0, 0, fmt.Errorf("%w: offset mode %q", common.ErrValidation, cfg.OffsetMode)
	}

	buyD = truncatePrice(buyD, pricePrecision, tick)
	sellD = truncatePrice(sellD, pricePrecision, tick)
	if !sellD.IsPositive() || !buyD.IsPositive() {
		return 0, 0, fmt.Errorf("%w: non-positive price buy=%s sell=%s", common.ErrValidation, buyD, sellD)
	}
	return buyD.InexactFloat64(), sellD.InexactFloat64(), nil
}

// Quantize truncates qty to precision and the lot step, then clamps it up to
// minQty. Quantize(Quantize(x)) == Quantize(x).
func Quantize(qty float64, precision int, step, minQty float64) float64 {
	if precision < 0 {
		precision = 0
	}
	q := decimal.NewFromFloat(qty).Truncate(int32(precision))
	if step > 0 {
		// A step finer than the precision cannot be expressed; widen it.
		st := decimal.NewFromFloat(step)
		unit := decimal.New(1, -int32(precision))
		if st.LessThan(unit) {
			st = unit
		} else if !st.Truncate(int32(precision)).Equal(st) {
			st = st.Truncate(int32(precision)).Add(unit)
		}
		q = q.Div(st).Floor().Mul(st)
	}
	if minQty > 0 {
		m := decimal.NewFromFloat(minQty)
		if q.LessThan(m) {
			q = m
		}
	}
	if q.IsNegative() {
		return 0
	}
	return q.InexactFloat64()
}

// QuantityFor converts a quote-currency amount into a quantized base quantity.
func QuantityFor(amount, price float64, precision int, step, minQty float64) (float64, error) {
	if amount <= 0 || price <= 0 {
		return 0, fmt.Errorf("%w: amount=%v price=%v", common.ErrValidation, amount, price)
	}
	raw := decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(price)).InexactFloat64()
	q := Quantize(raw, precision, step, minQty)
	if q <= 0 {
		return 0, fmt.Errorf("%w: amount %v too small at price %v", common.ErrValidation, amount, price)
	}
	return q, nil
}

func truncatePrice(v decimal.Decimal, precision int, tick float64) decimal.Decimal {
	if precision < 0 {
		precision = 0
	}
	v = v.Truncate(int32(precision))
	if tick > 0 {
		t := decimal.NewFromFloat(tick)
		v = v.Div(t).Floor().Mul(t)
	}
	return v
}
