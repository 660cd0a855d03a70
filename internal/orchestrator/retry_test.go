package orchestrator

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/icastrategy/internal/types"
)

// seedExitTrap records a failed exit at channel-35/3539 for the given owners' claims, as the
// acknowledgement handler would leave it.
func (h *harness) seedExitTrap(shares map[string]int64, owners ...string) {
	h.seedClaims(true, shares, owners...)
	h.seed(func(st *types.State) {
		var unbonds []types.Unbond
		for _, owner := range owners {
			u := types.Unbond{Owner: owner, UnbondID: "u1", LPShares: sdkmath.NewInt(shares[owner])}
			unbonds = append(unbonds, u)
			st.Pending.Unbond.PushBack(u)
		}
		trap := types.Trap{
			Channel:    testChannel,
			Sequence:   3539,
			Error:      "exit pool: insufficient liquidity",
			Step:       types.Step{Kind: types.StepExit, Unbonds: unbonds},
			RecordedAt: h.now,
		}
		st.Traps[trap.Key()] = trap
	})
}

func TestRetryTrappedExit(t *testing.T) {
	h := newHarness(t)
	shares := map[string]int64{"owner1": 101, "owner2": 102, "owner3": 103}
	h.seedExitTrap(shares, "owner1", "owner2", "owner3")

	resp, err := h.o.Retry(h.ctx, operator, nil, testChannel, 3539)
	require.NoError(t, err)
	assert.Equal(t, []string{"owner1", "owner2", "owner3"}, resp.AttributeValues(string(types.CategoryUnbond)))
	action, _ := resp.Attribute(AttrAction)
	assert.Equal(t, "retry", action)
	assert.Empty(t, resp.AttributeValues(AttrRetryErr))

	st := h.state()
	items := st.Requests.Unbond.Items()
	require.Len(t, items, 3)
	last := items[2]
	assert.Equal(t, "owner3", last.Owner)
	assert.True(t, last.LPShares.Equal(sdkmath.NewInt(103)))
	assert.True(t, last.Retry)
	assert.True(t, st.Pending.Unbond.IsEmpty())
	assert.Empty(t, st.Traps)

	_, err = h.o.Retry(h.ctx, operator, nil, testChannel, 3539)
	assert.ErrorIs(t, err, ErrTrapNotFound)

	// attempted claims are dispatched again only through the retry path
	_, pkt := h.dispatchOne()
	assert.Equal(t, types.StepExit, pkt.Kind)
	assert.True(t, pkt.Msg.Shares.Equal(sdkmath.NewInt(306)))
	for _, owner := range []string{"owner1", "owner2", "owner3"} {
		assert.True(t, h.state().Claims[types.ClaimKey(owner, "u1")].Attempted)
	}
}

func TestRetryExitSkipsUnrecoverableItems(t *testing.T) {
	h := newHarness(t)
	h.seedExitTrap(map[string]int64{"owner1": 10, "owner2": 20, "owner3": 30}, "owner1", "owner2", "owner3")
	h.seed(func(st *types.State) {
		delete(st.Claims, types.ClaimKey("owner2", "u1"))
		st.Requests.Unbond.PushBack(types.Unbond{Owner: "owner3", UnbondID: "u1", LPShares: sdkmath.NewInt(30)})
	})

	resp, err := h.o.Retry(h.ctx, operator, nil, testChannel, 3539)
	require.NoError(t, err)
	assert.Equal(t, []string{"owner1"}, resp.AttributeValues(string(types.CategoryUnbond)))
	errs := resp.AttributeValues(AttrRetryErr)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "owner2/u1")
	assert.Contains(t, errs[0], "claim not found")
	assert.Contains(t, errs[1], "owner3/u1")
	assert.Contains(t, errs[1], "already queued")
	assert.Empty(t, h.state().Traps)
}

func TestRetryWithNothingRecoverableKeepsTrap(t *testing.T) {
	h := newHarness(t)
	h.seedExitTrap(map[string]int64{"owner1": 10}, "owner1")
	h.seed(func(st *types.State) { delete(st.Claims, types.ClaimKey("owner1", "u1")) })

	_, err := h.o.Retry(h.ctx, operator, nil, testChannel, 3539)
	require.ErrorIs(t, err, ErrNothingToRetry)
	assert.Len(t, h.state().Traps, 1)
	assert.Equal(t, 1, h.state().Pending.Unbond.Len())
}

func TestRetryNotYetUnlockedClaim(t *testing.T) {
	h := newHarness(t)
	h.seedExitTrap(map[string]int64{"owner1": 10}, "owner1")
	h.seed(func(st *types.State) {
		c := st.Claims["owner1/u1"]
		c.UnlockTime = h.now.Add(time.Hour)
		st.Claims[c.Key()] = c
	})

	_, err := h.o.Retry(h.ctx, operator, nil, testChannel, 3539)
	require.ErrorIs(t, err, ErrNothingToRetry)
	assert.Contains(t, err.Error(), "shares not yet unbonded")
}

func TestRetryFailedBondGoesToFront(t *testing.T) {
	h := newHarness(t)
	h.bond("alice", "b1", 100)
	_, pkt := h.dispatchOne()
	h.ackFailure(pkt, "pool is frozen")
	h.bond("bob", "b2", 50)

	resp, err := h.o.Retry(h.ctx, operator, nil, pkt.Channel, pkt.Sequence)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, resp.AttributeValues(string(types.StepBond)))

	st := h.state()
	assert.True(t, st.Pending.Bond.IsEmpty())
	items := st.Requests.Bond.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "alice", items[0].Owner)
	assert.Equal(t, "bob", items[1].Owner)

	_, pkt = h.dispatchOne()
	require.NotNil(t, pkt.Msg.Token)
	assert.True(t, pkt.Msg.Token.Amount.Equal(sdkmath.NewInt(150)))
}

func TestRetryFailedReturnTransfer(t *testing.T) {
	h := newHarness(t)
	h.seedClaims(false, map[string]int64{"alice": 50}, "alice")
	_, err := h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	require.NoError(t, err)
	_, exit := h.dispatchOne()
	resp := h.ackSuccess(exit, types.ExitResult{Amount: sdkmath.NewInt(49)})
	require.Len(t, resp.Packets, 1)
	ret := resp.Packets[0]
	returnID, _ := resp.Attribute(AttrReturnID)

	h.ackFailure(ret, "transfer channel closed")
	trap := h.state().Traps[types.PacketKey(ret.Channel, ret.Sequence)]
	assert.True(t, trap.LastStepSucceeded, "the exit itself went through")
	assert.False(t, h.state().Lock.IsLocked(types.CategoryUnbond))

	status, err := h.o.ClaimStatus(h.ctx, "alice", "u1")
	require.NoError(t, err)
	assert.Equal(t, ClaimTrapped, status.State)

	_, err = h.o.Retry(h.ctx, operator, nil, ret.Channel, ret.Sequence)
	require.NoError(t, err)
	assert.Equal(t, 1, h.state().QueuedReturns.Len())

	_, resent := h.dispatchOne()
	assert.Equal(t, types.StepReturnTransfer, resent.Kind)
	require.NotNil(t, resent.Msg.Transfer)
	assert.True(t, resent.Msg.Transfer.Token.Amount.Equal(sdkmath.NewInt(49)))
	assert.Contains(t, resent.Msg.Transfer.Memo, returnID)
	assert.Equal(t, 0, h.state().QueuedReturns.Len())
}

func TestRetryFailedReturnTransferAfterPayout(t *testing.T) {
	h := newHarness(t)
	h.seed(func(st *types.State) {
		ret := types.ReturnStep{ReturnID: "gone", Amount: sdkmath.NewInt(5), Claims: []types.Unbond{{Owner: "alice", UnbondID: "u1", LPShares: sdkmath.NewInt(5)}}}
		trap := types.Trap{Channel: testChannel, Sequence: 9, Step: types.Step{Kind: types.StepReturnTransfer, Return: &ret}, LastStepSucceeded: true}
		st.Traps[trap.Key()] = trap
	})

	_, err := h.o.Retry(h.ctx, operator, nil, testChannel, 9)
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestRetryAuthorization(t *testing.T) {
	h := newHarness(t)
	h.seedExitTrap(map[string]int64{"owner1": 10}, "owner1")

	_, err := h.o.Retry(h.ctx, proxy, nil, testChannel, 3539)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.o.Retry(h.ctx, operator, coins(1), testChannel, 3539)
	assert.ErrorIs(t, err, ErrFundsNotAllowed)
	assert.Len(t, h.state().Traps, 1)
}

func TestAttemptedFlagNeverReverts(t *testing.T) {
	h := newHarness(t)
	h.seedClaims(false, map[string]int64{"alice": 50}, "alice")
	_, err := h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	require.NoError(t, err)
	_, exit := h.dispatchOne()
	h.ackFailure(exit, "slippage exceeded")

	assert.True(t, h.state().Claims["alice/u1"].Attempted)
	_, err = h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	assert.ErrorIs(t, err, ErrClaimAlreadyAttempted)

	_, err = h.o.Retry(h.ctx, operator, nil, exit.Channel, exit.Sequence)
	require.NoError(t, err)
	_, exit = h.dispatchOne()
	assert.True(t, h.state().Claims["alice/u1"].Attempted)
	h.ackFailure(exit, "slippage exceeded again")
	assert.True(t, h.state().Claims["alice/u1"].Attempted)
}
