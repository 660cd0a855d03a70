package orchestrator

import (
	"context"
	"time"

	"github.com/elys-network/icastrategy/internal/types"
)

// ClaimState is where an unbonding request stands in its lifecycle.
type ClaimState string

const (
	ClaimQueuedStartUnbond     ClaimState = "queued_start_unbond"
	ClaimStartUnbondDispatched ClaimState = "start_unbond_dispatched"
	ClaimAwaitingUnlock        ClaimState = "awaiting_unlock"
	ClaimEligible              ClaimState = "eligible"
	ClaimQueuedForExit         ClaimState = "queued_for_exit"
	ClaimExitDispatched        ClaimState = "exit_dispatched"
	ClaimAwaitingReturn        ClaimState = "awaiting_return_transfer"
	ClaimTrapped               ClaimState = "trapped"
	ClaimUnconfirmed           ClaimState = "unconfirmed"
	ClaimPaid                  ClaimState = "paid"
)

type ClaimStatus struct {
	Owner    string           `json:"owner"`
	UnbondID string           `json:"unbond_id"`
	State    ClaimState       `json:"state"`
	Claim    *types.Claim     `json:"claim,omitempty"`
	Paid     *types.PaidClaim `json:"paid,omitempty"`
	Trap     string           `json:"trap,omitempty"`
	TxHash   string           `json:"tx_hash,omitempty"`
	ReturnID string           `json:"return_id,omitempty"`
}

// ClaimStatus derives the workflow state of (owner, id) from the persisted aggregate. Nothing
// is stored per state: every transition is the side effect of a dispatch, acknowledgement,
// retry or payout call.
func (o *Orchestrator) ClaimStatus(ctx context.Context, owner, id string) (ClaimStatus, error) {
	var out ClaimStatus
	err := o.view(ctx, func(st *types.State) error {
		s, err := claimStatus(st, owner, id, o.now())
		out = s
		return err
	})
	return out, err
}

func claimStatus(st *types.State, owner, id string, now time.Time) (ClaimStatus, error) {
	key := types.ClaimKey(owner, id)
	out := ClaimStatus{Owner: owner, UnbondID: id}

	if paid, ok := st.Paid[key]; ok {
		out.State = ClaimPaid
		out.Paid = &paid
		out.ReturnID = paid.ReturnID
		return out, nil
	}
	if claim, ok := st.Claims[key]; ok {
		out.Claim = &claim
	}

	for _, trap := range st.SortedTraps() {
		if stepHolds(trap.Step, key) {
			out.State = ClaimTrapped
			out.Trap = trap.Key()
			return out, nil
		}
	}
	for _, u := range st.SortedUnconfirmed() {
		if stepHolds(u.Step, key) {
			out.State = ClaimUnconfirmed
			out.TxHash = u.TxHash
			return out, nil
		}
	}

	matchStart := func(s types.StartUnbond) bool { return s.Owner == owner && s.UnbondID == id }
	if containsFunc(st.Requests.StartUnbond, matchStart) {
		out.State = ClaimQueuedStartUnbond
		return out, nil
	}
	if containsFunc(st.Pending.StartUnbond, matchStart) {
		out.State = ClaimStartUnbondDispatched
		return out, nil
	}

	if out.Claim == nil {
		return out, ErrQueueItemNotFound.Wrapf("claim %s", key)
	}

	matchUnbond := func(u types.Unbond) bool { return u.Key() == key }
	if containsFunc(st.Pending.Unbond, matchUnbond) {
		out.State = ClaimExitDispatched
		return out, nil
	}
	for _, rec := range st.Returns {
		for _, c := range rec.Claims {
			if c.Key() == key {
				out.State = ClaimAwaitingReturn
				out.ReturnID = rec.ReturnID
				return out, nil
			}
		}
	}
	if containsFunc(st.Requests.Unbond, matchUnbond) {
		out.State = ClaimQueuedForExit
		return out, nil
	}
	if !out.Claim.IsUnlocked(now) {
		out.State = ClaimAwaitingUnlock
		return out, nil
	}
	out.State = ClaimEligible
	return out, nil
}

// stepHolds reports whether the step captured the claim identified by key.
func stepHolds(step types.Step, key string) bool {
	switch step.Kind {
	case types.StepStartUnbond:
		for _, s := range step.StartUnbonds {
			if types.ClaimKey(s.Owner, s.UnbondID) == key {
				return true
			}
		}
	case types.StepExit:
		for _, u := range step.Unbonds {
			if u.Key() == key {
				return true
			}
		}
	case types.StepReturnTransfer:
		if step.Return == nil {
			return false
		}
		for _, u := range step.Return.Claims {
			if u.Key() == key {
				return true
			}
		}
	}
	return false
}
