package orchestrator

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// ExitSizer decides the minimum amount of base tokens an exit of shares must return.
type ExitSizer interface {
	TokenOutMinAmount(ctx context.Context, shares sdkmath.Int) (sdkmath.Int, error)
}

// SlippageExitSizer prices shares at a fixed rate and tolerates MaxSlippage below it.
type SlippageExitSizer struct {
	PricePerShare sdkmath.LegacyDec
	MaxSlippage   sdkmath.LegacyDec
}

func NewSlippageExitSizer(pricePerShare, maxSlippage sdkmath.LegacyDec) (SlippageExitSizer, error) {
	if pricePerShare.IsNil() || pricePerShare.IsNegative() {
		return SlippageExitSizer{}, fmt.Errorf("price per share must be non-negative, got %s", pricePerShare)
	}
	if maxSlippage.IsNil() || maxSlippage.IsNegative() || maxSlippage.GTE(sdkmath.LegacyOneDec()) {
		return SlippageExitSizer{}, fmt.Errorf("max slippage must be in [0, 1), got %s", maxSlippage)
	}
	return SlippageExitSizer{PricePerShare: pricePerShare, MaxSlippage: maxSlippage}, nil
}

func (s SlippageExitSizer) TokenOutMinAmount(_ context.Context, shares sdkmath.Int) (sdkmath.Int, error) {
	if shares.IsNil() || shares.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("invalid share amount %s", shares)
	}
	keep := sdkmath.LegacyOneDec().Sub(s.MaxSlippage)
	return sdkmath.LegacyNewDecFromInt(shares).Mul(s.PricePerShare).Mul(keep).TruncateInt(), nil
}
