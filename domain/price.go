package domain

import (
	"errors"
	"math"
)

// ErrUnrepresentablePrice is returned when an external floating-point price
// cannot be rounded to an exact integer number of paise without ambiguity
// (NaN, Inf, or negative).
var ErrUnrepresentablePrice = errors.New("domain: price is not representable in paise")

// ToPaise converts an external decimal price (e.g. 100.00) into the integer
// paise representation used throughout the core, by multiplying by 100 and
// rounding to the nearest integer. Non-finite or negative inputs are
// rejected rather than silently truncated.
func ToPaise(external float64) (int64, error) {
	if math.IsNaN(external) || math.IsInf(external, 0) || external < 0 {
		return 0, ErrUnrepresentablePrice
	}
	paise := math.Round(external * 100)
	if paise < 0 || paise > math.MaxInt64 {
		return 0, ErrUnrepresentablePrice
	}
	return int64(paise), nil
}

// FromPaise converts an internal paise integer back to an external decimal
// price. Used only at the ingress/egress boundary, never inside matching.
func FromPaise(paise int64) float64 {
	return float64(paise) / 100
}
