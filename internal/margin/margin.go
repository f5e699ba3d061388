// Package margin implements the leveraged-position arithmetic used by the
// position manager: notional, initial and maintenance margin, PnL, ROI and
// liquidation price.
//
// All functions are pure. All monetary values use shopspring/decimal.
package margin

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/duel-engine/internal/model"
)

var (
	// ErrInvalidLeverage is returned when leverage < 1.
	ErrInvalidLeverage = errors.New("margin: leverage must be at least 1")

	// MaintenanceRate is the maintenance margin as a fraction of notional (0.4%).
	MaintenanceRate = decimal.RequireFromString("0.004")

	// PriceScale is the number of decimal places kept on derived prices.
	PriceScale int32 = 8

	hundred = decimal.NewFromInt(100)
)

// Notional is quantity × price.
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}

// Initial is notional / leverage.
func Initial(notional decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if leverage < 1 {
		return decimal.Zero, ErrInvalidLeverage
	}
	return notional.Div(decimal.NewFromInt(int64(leverage))), nil
}

// Maintenance is MaintenanceRate × notional.
func Maintenance(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(MaintenanceRate)
}

// UnrealizedPnL is (mark − entry) × size for longs and (entry − mark) × size for shorts.
func UnrealizedPnL(side model.PositionSide, entry, mark, size decimal.Decimal) decimal.Decimal {
	if side == model.PositionShort {
		return entry.Sub(mark).Mul(size)
	}
	return mark.Sub(entry).Mul(size)
}

// ROI is pnl / margin expressed as a percentage. Zero margin yields zero.
func ROI(pnl, margin decimal.Decimal) decimal.Decimal {
	if !margin.IsPositive() {
		return decimal.Zero
	}
	return pnl.Div(margin).Mul(hundred)
}

// Ratio is |pnl| / margin expressed as a percentage.
func Ratio(pnl, margin decimal.Decimal) decimal.Decimal {
	if !margin.IsPositive() {
		return decimal.Zero
	}
	return pnl.Abs().Div(margin).Mul(hundred)
}

// BlendEntry is the size-weighted average entry after adding addSize at addPrice.
func BlendEntry(entry, size, addPrice, addSize decimal.Decimal) decimal.Decimal {
	total := size.Add(addSize)
	if !total.IsPositive() {
		return addPrice
	}
	return entry.Mul(size).Add(addPrice.Mul(addSize)).Div(total)
}

// LiquidationPrice returns the mark at which losses consume the buffer down to
// the maintenance threshold.
//
//	long  = entry − (buffer − maintenance) / size
//	short = entry + (buffer − maintenance) / size
//
// The buffer is the position's own margin in isolated mode and the account
// balance in cross mode. The result is clamped at zero.
func LiquidationPrice(side model.PositionSide, mode model.MarginMode, entry, size, positionMargin, accountBalance decimal.Decimal) decimal.Decimal {
	if !size.IsPositive() {
		return decimal.Zero
	}
	buffer := positionMargin
	if mode == model.MarginCross {
		buffer = accountBalance
	}
	maint := Maintenance(Notional(size, entry))
	offset := buffer.Sub(maint).Div(size)

	var liq decimal.Decimal
	if side == model.PositionShort {
		liq = entry.Add(offset)
	} else {
		liq = entry.Sub(offset)
	}
	if liq.IsNegative() {
		return decimal.Zero
	}
	return liq.Round(PriceScale)
}

// Liquidatable reports whether mark has crossed the liquidation price.
// A long with a zero liquidation price can only be liquidated at a zero mark.
func Liquidatable(side model.PositionSide, mark, liq decimal.Decimal) bool {
	if side == model.PositionShort {
		return mark.GreaterThanOrEqual(liq)
	}
	if liq.IsZero() {
		return !mark.IsPositive()
	}
	return mark.LessThanOrEqual(liq)
}

// RealizedPnL is the profit locked in by closing qty at closePrice.
func RealizedPnL(side model.PositionSide, entry, closePrice, qty decimal.Decimal) decimal.Decimal {
	return UnrealizedPnL(side, entry, closePrice, qty)
}
