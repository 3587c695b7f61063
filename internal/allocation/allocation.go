// Package allocation spreads a purchase bill's shared costs over its lines
// and derives unit costs and selling prices.
package allocation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
)

const (
	ratioPlaces int32 = 3
	moneyPlaces int32 = 2
)

var (
	ErrRatioTotal = errors.New("cost ratios must total 100%")

	ratioTolerance = decimal.New(1, -2)
	hundred        = decimal.NewFromInt(100)
)

type Result struct {
	Items                []domain.PurchaseLineItem
	TotalBaseCost        decimal.Decimal
	TotalAdditionalCosts decimal.Decimal
	TotalFinalCost       decimal.Decimal
	RatioTotal           decimal.Decimal
}

// ComputeBaseRatios sets the cost ratio of every auto-mode line to its share
// of the bill's base cost, rounded to 3 places. Manual lines keep their ratio
// and the auto lines split what remains of 1 in proportion to base cost.
// With a zero total base cost nothing is changed.
func ComputeBaseRatios(items []domain.PurchaseLineItem) []domain.PurchaseLineItem {
	out := make([]domain.PurchaseLineItem, len(items))
	copy(out, items)

	total := decimal.Zero
	autoBase := decimal.Zero
	manualSum := decimal.Zero
	for i := range out {
		if out[i].RatioMode == "" {
			out[i].RatioMode = domain.RatioModeAuto
		}
		base := out[i].BaseCost()
		total = total.Add(base)
		if out[i].RatioMode == domain.RatioModeManual {
			manualSum = manualSum.Add(out[i].CostRatio)
			continue
		}
		autoBase = autoBase.Add(base)
	}
	if !total.IsPositive() {
		return out
	}

	remainder := decimal.NewFromInt(1).Sub(manualSum)
	if remainder.IsNegative() {
		remainder = decimal.Zero
	}
	for i := range out {
		if out[i].RatioMode == domain.RatioModeManual {
			continue
		}
		if !autoBase.IsPositive() {
			out[i].CostRatio = decimal.Zero
			continue
		}
		out[i].CostRatio = remainder.Mul(out[i].BaseCost()).Div(autoBase).Round(ratioPlaces)
	}
	return out
}

// RatioTotal is the sum of every line's cost ratio.
func RatioTotal(items []domain.PurchaseLineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.CostRatio)
	}
	return sum
}

// ValidateRatios requires the ratios to sum to 1 within 0.01 whenever there
// are shared costs to distribute.
func ValidateRatios(items []domain.PurchaseLineItem, sharedCosts decimal.Decimal) error {
	if !sharedCosts.IsPositive() {
		return nil
	}
	sum := RatioTotal(items)
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(ratioTolerance) {
		return fmt.Errorf("%w (currently %s%%)", ErrRatioTotal, sum.Mul(hundred).StringFixed(1))
	}
	return nil
}

// ComputeFinalCosts allocates transportFee+externalExpense by cost ratio,
// applies the expense markup and fills selling prices that are not already
// set. Money is rounded to 2 places.
func ComputeFinalCosts(items []domain.PurchaseLineItem, transportFee decimal.Decimal, externalExpense decimal.Decimal, expensePercentage decimal.Decimal) []domain.PurchaseLineItem {
	out := make([]domain.PurchaseLineItem, len(items))
	copy(out, items)

	shared := transportFee.Add(externalExpense)
	multiplier := decimal.NewFromInt(1).Add(expensePercentage.Div(hundred))

	for i := range out {
		item := &out[i]
		allocated := shared.Mul(item.CostRatio)
		final := item.BaseCost().Add(allocated).Mul(multiplier)

		perPiece := decimal.Zero
		if item.Quantity > 0 {
			perPiece = final.Div(decimal.NewFromInt(int64(item.Quantity)))
		}

		item.AllocatedCost = allocated.Round(moneyPlaces)
		item.FinalCost = final.Round(moneyPlaces)
		item.FinalCostPerPiece = perPiece.Round(moneyPlaces)
		item.PharmacyPrice = priceOrDefault(item.PharmacyPrice, item.FinalCostPerPiece)
		item.StorePrice = priceOrDefault(item.StorePrice, item.FinalCostPerPiece)
		item.OtherPrice = priceOrDefault(item.OtherPrice, item.FinalCostPerPiece)
	}
	return out
}

// Allocate runs the whole pipeline: base ratios, the ratio check, then final
// costs.
func Allocate(items []domain.PurchaseLineItem, transportFee decimal.Decimal, externalExpense decimal.Decimal, expensePercentage decimal.Decimal) (Result, error) {
	shared := transportFee.Add(externalExpense)
	ratioed := ComputeBaseRatios(items)
	if err := ValidateRatios(ratioed, shared); err != nil {
		return Result{}, err
	}

	final := ComputeFinalCosts(ratioed, transportFee, externalExpense, expensePercentage)
	result := Result{
		Items:                final,
		TotalBaseCost:        decimal.Zero,
		TotalAdditionalCosts: shared.Round(moneyPlaces),
		TotalFinalCost:       decimal.Zero,
		RatioTotal:           RatioTotal(final),
	}
	for _, item := range final {
		result.TotalBaseCost = result.TotalBaseCost.Add(item.BaseCost())
		result.TotalFinalCost = result.TotalFinalCost.Add(item.FinalCost)
	}
	result.TotalBaseCost = result.TotalBaseCost.Round(moneyPlaces)
	return result, nil
}

func priceOrDefault(current decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if current.IsPositive() {
		return current.Round(moneyPlaces)
	}
	return fallback
}
