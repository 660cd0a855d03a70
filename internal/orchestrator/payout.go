package orchestrator

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"

	"github.com/elys-network/icastrategy/internal/metrics"
	"github.com/elys-network/icastrategy/internal/transport"
	"github.com/elys-network/icastrategy/internal/types"
	"github.com/elys-network/icastrategy/internal/utils"
)

// AcceptReturnedFunds settles a return transfer. funds must match the recorded amount
// exactly; the amount is then split across the batch's claims by their LP shares and one
// bank send per claim pays it out. The claims and the record are deleted.
//
// Settlement commits before any payout is broadcast, so a broadcast that fails or cannot be
// confirmed never lets the same return be accepted twice. The broadcast outcome is written to
// the paid claims in a second update.
func (o *Orchestrator) AcceptReturnedFunds(ctx context.Context, caller, returnID string, funds sdk.Coins) (*Response, error) {
	if caller == "" || (caller != o.cfg.Transport && caller != o.cfg.Operator) {
		return nil, ErrUnauthorized.Wrapf("caller %q", caller)
	}

	resp, err := o.update(ctx, func(st *types.State, resp *Response, ob *observation) error {
		rec, ok := st.Returns[returnID]
		if !ok {
			return ErrReturningTransferNotFound.Wrapf("return %s", returnID)
		}
		if funds.Len() != 1 || funds[0].Denom != o.cfg.BaseDenom || !funds[0].Amount.Equal(rec.ExpectedAmount) {
			return ErrReturningTransferIncorrectAmount.Wrapf("expected %s%s, got %s", rec.ExpectedAmount, o.cfg.BaseDenom, funds)
		}
		if len(rec.Claims) == 0 {
			return ErrInvalidRequest.Wrapf("return %s carries no claims", returnID)
		}

		weights := make([]sdkmath.Int, len(rec.Claims))
		for i, c := range rec.Claims {
			weights[i] = c.LPShares
		}
		parts, err := utils.SplitProRata(rec.ExpectedAmount, weights)
		if err != nil {
			return fmt.Errorf("failed to split return %s: %w", returnID, err)
		}

		status := types.PayoutExternal
		if o.cfg.Payer != nil {
			status = types.PayoutPending
		}
		now := o.now()
		for i, c := range rec.Claims {
			key := c.Key()
			if parts[i].IsPositive() {
				resp.Payouts = append(resp.Payouts, &banktypes.MsgSend{
					FromAddress: o.cfg.StrategyAddress,
					ToAddress:   c.Owner,
					Amount:      sdk.NewCoins(sdk.NewCoin(o.cfg.BaseDenom, parts[i])),
				})
			}
			delete(st.Claims, key)
			st.Paid[key] = types.PaidClaim{
				Owner:        c.Owner,
				UnbondID:     c.UnbondID,
				Amount:       parts[i],
				ReturnID:     returnID,
				PaidAt:       now,
				PayoutStatus: status,
			}
			resp.attr("paid", c.Owner)
		}
		delete(st.Returns, returnID)

		resp.attr(AttrAction, "accept_returned_funds")
		resp.attr(AttrReturnID, returnID)
		paid, amount := len(rec.Claims), rec.ExpectedAmount
		ob.record(func(m *metrics.Metrics) { m.PaidClaims(paid, amount) })
		o.logger.Info().Str("returnID", returnID).Int("claims", paid).Str("amount", rec.ExpectedAmount.String()).Msg("Returned funds accepted and settled")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if o.cfg.Payer == nil {
		return resp, nil
	}
	return o.broadcastPayouts(ctx, resp, returnID)
}

// broadcastPayouts executes the settled payouts of returnID and records the outcome on its
// paid claims. It is never repeated: a failed broadcast is left for the operator.
func (o *Orchestrator) broadcastPayouts(ctx context.Context, resp *Response, returnID string) (*Response, error) {
	status, txHash, errText := types.PayoutSent, "", ""
	if len(resp.Payouts) > 0 {
		hash, err := o.cfg.Payer.Broadcast(ctx, resp.Payouts...)
		switch unconfirmed, ok := transport.AsUnconfirmed(err); {
		case ok:
			status, txHash, errText = types.PayoutUnconfirmed, unconfirmed.TxHash, err.Error()
		case err != nil:
			status, errText = types.PayoutFailed, err.Error()
		default:
			txHash = hash
		}
	}
	resp.PayoutTx = txHash

	// the settlement already committed; recording the outcome must outlive a cancelled caller
	recordCtx := context.WithoutCancel(ctx)
	_, recErr := o.update(recordCtx, func(st *types.State, _ *Response, _ *observation) error {
		for key, p := range st.Paid {
			if p.ReturnID != returnID {
				continue
			}
			p.PayoutStatus, p.PayoutTx, p.PayoutError = status, txHash, errText
			st.Paid[key] = p
		}
		return nil
	})
	if recErr != nil {
		o.logger.Error().Err(recErr).Str("returnID", returnID).Str("status", string(status)).Str("txHash", txHash).Msg("Failed to record payout outcome")
	}

	if status != types.PayoutSent {
		o.logger.Error().Str("returnID", returnID).Str("status", string(status)).Str("txHash", txHash).Str("error", errText).Msg("Payout broadcast did not confirm; claims are settled and must be paid by an operator")
		return resp, ErrPayoutNotConfirmed.Wrapf("return %s: %s", returnID, errText)
	}
	if recErr != nil {
		return resp, recErr
	}
	o.logger.Info().Str("returnID", returnID).Str("txHash", txHash).Msg("Payouts broadcast")
	return resp, nil
}
