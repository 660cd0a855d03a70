/*
This file contains common utility functions for SDK math: float conversion for metrics and
the pro-rata split used to distribute shares and payouts across a batch.
*/

package utils

import (
	"errors"
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidPrecision = errors.New("precision is invalid")
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrNotFinite        = errors.New("value is not finite")
	ErrConversionFailed = errors.New("conversion failed")
	ErrNoWeights        = errors.New("no weights to split across")
	ErrZeroWeight       = errors.New("total weight is zero")
)

// SDKIntToFloat64 converts an SDK Int to float64 with proper precision handling
func SDKIntToFloat64(amount sdkmath.Int, precision int) (float64, error) {
	if precision < 0 || precision > 18 {
		return 0, fmt.Errorf("%w: %d (must be between 0 and 18)", ErrInvalidPrecision, precision)
	}
	if amount.IsNil() {
		return 0, ErrAmountNil
	}
	if amount.IsNegative() {
		return 0, ErrAmountNegative
	}

	decAmount := sdkmath.LegacyNewDecFromInt(amount)
	factor := sdkmath.LegacyNewDec(10).Power(uint64(precision))

	result := decAmount.Quo(factor)
	resultFloat, err := result.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}

	if math.IsNaN(resultFloat) || math.IsInf(resultFloat, 0) {
		return 0, fmt.Errorf("%w: result is %f", ErrNotFinite, resultFloat)
	}

	return resultFloat, nil
}

// SplitProRata splits total across weights proportionally, truncating each share. The last
// entry absorbs the rounding remainder so the parts always sum to total.
func SplitProRata(total sdkmath.Int, weights []sdkmath.Int) ([]sdkmath.Int, error) {
	if total.IsNil() {
		return nil, ErrAmountNil
	}
	if total.IsNegative() {
		return nil, ErrAmountNegative
	}
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}

	sum := sdkmath.ZeroInt()
	for _, w := range weights {
		if w.IsNil() {
			return nil, ErrAmountNil
		}
		if w.IsNegative() {
			return nil, ErrAmountNegative
		}
		sum = sum.Add(w)
	}
	if sum.IsZero() {
		return nil, ErrZeroWeight
	}

	parts := make([]sdkmath.Int, len(weights))
	assigned := sdkmath.ZeroInt()
	for i, w := range weights {
		if i == len(weights)-1 {
			parts[i] = total.Sub(assigned)
			break
		}
		parts[i] = total.Mul(w).Quo(sum)
		assigned = assigned.Add(parts[i])
	}
	return parts, nil
}
