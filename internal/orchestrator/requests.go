package orchestrator

import (
	"context"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"

	"github.com/elys-network/icastrategy/internal/types"
)

// RequestBond queues a deposit for the next bond dispatch. funds must be exactly one positive
// coin of the base denom.
func (o *Orchestrator) RequestBond(ctx context.Context, caller, owner, id string, funds sdk.Coins) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.DepositorProxy); err != nil {
		return nil, err
	}
	if owner == "" || id == "" {
		return nil, ErrInvalidRequest.Wrap("owner and bond id are required")
	}
	if err := funds.Validate(); err != nil {
		return nil, ErrInvalidFunds.Wrap(err.Error())
	}
	if funds.Len() != 1 || funds[0].Denom != o.cfg.BaseDenom || !funds[0].IsPositive() {
		return nil, ErrInvalidFunds.Wrapf("expected a single positive %s coin, got %s", o.cfg.BaseDenom, funds)
	}
	amount := funds[0].Amount

	return o.update(ctx, func(st *types.State, resp *Response, _ *observation) error {
		dup := func(b types.Bond) bool { return b.Owner == owner && b.BondID == id }
		if containsFunc(st.Requests.Bond, dup) || containsFunc(st.Pending.Bond, dup) {
			return ErrDuplicateRequest.Wrapf("bond %s/%s", owner, id)
		}
		st.Requests.Bond.PushBack(types.Bond{Owner: owner, BondID: id, Amount: amount})

		resp.attr(AttrAction, "request_bond")
		resp.attr(AttrOwner, owner)
		resp.attr("bond_id", id)
		resp.attr("amount", amount.String())
		return nil
	})
}

// RequestStartUnbond queues the start of unlocking for shares the owner holds. The shares are
// reserved immediately so they cannot be requested twice.
func (o *Orchestrator) RequestStartUnbond(ctx context.Context, caller string, funds sdk.Coins, owner, id string, shares sdkmath.Int) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.DepositorProxy); err != nil {
		return nil, err
	}
	if err := requireNoFunds(funds); err != nil {
		return nil, err
	}
	if owner == "" || id == "" {
		return nil, ErrInvalidRequest.Wrap("owner and unbond id are required")
	}
	if shares.IsNil() || !shares.IsPositive() {
		return nil, ErrInvalidRequest.Wrap("shares must be positive")
	}

	return o.update(ctx, func(st *types.State, resp *Response, _ *observation) error {
		key := types.ClaimKey(owner, id)
		dup := func(s types.StartUnbond) bool { return s.Owner == owner && s.UnbondID == id }
		if _, ok := st.Claims[key]; ok {
			return ErrDuplicateRequest.Wrapf("claim %s", key)
		}
		if _, ok := st.Paid[key]; ok {
			return ErrDuplicateRequest.Wrapf("claim %s already paid", key)
		}
		if containsFunc(st.Requests.StartUnbond, dup) || containsFunc(st.Pending.StartUnbond, dup) {
			return ErrDuplicateRequest.Wrapf("start unbond %s", key)
		}

		balance := st.SharesOf(owner)
		if balance.LT(shares) {
			return ErrInsufficientShares.Wrapf("owner %s holds %s, requested %s", owner, balance, shares)
		}
		st.Shares[owner] = balance.Sub(shares)
		st.Requests.StartUnbond.PushBack(types.StartUnbond{Owner: owner, UnbondID: id, Shares: shares})

		resp.attr(AttrAction, "request_start_unbond")
		resp.attr(AttrOwner, owner)
		resp.attr("unbond_id", id)
		resp.attr("shares", shares.String())
		return nil
	})
}

// RequestUnbond asks for the exit of a claim whose unlock time has passed.
func (o *Orchestrator) RequestUnbond(ctx context.Context, caller string, funds sdk.Coins, owner, id string) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.DepositorProxy); err != nil {
		return nil, err
	}
	if err := requireNoFunds(funds); err != nil {
		return nil, err
	}

	return o.update(ctx, func(st *types.State, resp *Response, _ *observation) error {
		key := types.ClaimKey(owner, id)
		claim, ok := st.Claims[key]
		if !ok {
			return ErrQueueItemNotFound.Wrapf("claim %s", key)
		}
		now := o.now()
		if !claim.IsUnlocked(now) {
			return ErrSharesNotYetUnbonded.Wrapf("claim %s unlocks at %s", key, claim.UnlockTime.Format(timeFormat))
		}
		if claim.Attempted {
			return ErrClaimAlreadyAttempted.Wrapf("claim %s", key)
		}
		queued := func(u types.Unbond) bool { return u.Key() == key }
		if containsFunc(st.Requests.Unbond, queued) || containsFunc(st.Pending.Unbond, queued) {
			return ErrDuplicateRequest.Wrapf("claim %s already queued", key)
		}
		st.Requests.Unbond.PushBack(types.Unbond{Owner: owner, UnbondID: id, LPShares: claim.LPShares})

		resp.attr(AttrAction, "request_unbond")
		resp.attr(AttrOwner, owner)
		resp.attr("unbond_id", id)
		return nil
	})
}

func containsFunc[T any](q types.Queue[T], match func(T) bool) bool {
	for _, it := range q.Items() {
		if match(it) {
			return true
		}
	}
	return false
}
