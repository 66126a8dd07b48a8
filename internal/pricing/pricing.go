// Package pricing computes the share each slot member pays. Every function is
// pure; amounts are major-unit decimals rounded half-up to the minor unit and
// converted to minor units only at the payment provider boundary.
package pricing

import (
	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/shopspring/decimal"
)

// MinorUnitDigits is the number of decimal places in the settlement currency (kobo).
const MinorUnitDigits = 2

var (
	hundred      = decimal.NewFromInt(100)
	minorPerUnit = decimal.New(1, MinorUnitDigits)
)

// PerMemberBase returns price / capacity, unrounded.
func PerMemberBase(price decimal.Decimal, capacity int) (decimal.Decimal, error) {
	if err := validateBase(price, capacity, 1); err != nil {
		return decimal.Zero, err
	}
	return price.Div(decimal.NewFromInt(int64(capacity))), nil
}

// GuestShare returns (price/capacity + flatFee) * duration.
func GuestShare(price decimal.Decimal, capacity, duration int, flatFee decimal.Decimal) (decimal.Decimal, error) {
	if err := validateBase(price, capacity, duration); err != nil {
		return decimal.Zero, err
	}
	if flatFee.IsNegative() {
		return decimal.Zero, domain.ErrInvalidFee
	}

	n := decimal.NewFromInt(int64(capacity))
	d := decimal.NewFromInt(int64(duration))
	// (P + F*N) * D / N keeps a single division in the computation.
	numerator := price.Add(flatFee.Mul(n)).Mul(d)
	return round(numerator.Div(n)), nil
}

// CreatorShare returns (price/capacity * (1 - discount/100)) * duration.
func CreatorShare(price decimal.Decimal, capacity, duration int, discountPercent decimal.Decimal) (decimal.Decimal, error) {
	if err := validateBase(price, capacity, duration); err != nil {
		return decimal.Zero, err
	}
	if discountPercent.IsNegative() || discountPercent.GreaterThan(hundred) {
		return decimal.Zero, domain.ErrInvalidDiscount
	}

	n := decimal.NewFromInt(int64(capacity))
	d := decimal.NewFromInt(int64(duration))
	numerator := price.Mul(hundred.Sub(discountPercent)).Mul(d)
	return round(numerator.Div(n.Mul(hundred))), nil
}

// GuestFee returns the platform surcharge a guest pays over the whole duration.
func GuestFee(flatFee decimal.Decimal, duration int) (decimal.Decimal, error) {
	if duration < 1 {
		return decimal.Zero, domain.ErrInvalidDuration
	}
	if flatFee.IsNegative() {
		return decimal.Zero, domain.ErrInvalidFee
	}
	return round(flatFee.Mul(decimal.NewFromInt(int64(duration)))), nil
}

// ToMinorUnits converts a major-unit amount to an integer count of minor units.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return round(amount).Mul(minorPerUnit).IntPart()
}

// FromMinorUnits converts minor units back to a major-unit amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitDigits)
}

func validateBase(price decimal.Decimal, capacity, duration int) error {
	if capacity <= 0 {
		return domain.ErrInvalidCapacity
	}
	if duration < 1 {
		return domain.ErrInvalidDuration
	}
	if price.IsNegative() {
		return domain.ErrInvalidPrice
	}
	return nil
}

// round applies half-up rounding; amounts are never negative here, so
// decimal's half-away-from-zero rounding is equivalent.
func round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MinorUnitDigits)
}
