package orchestrator

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/icastrategy/internal/types"
)

func TestRequestBondValidation(t *testing.T) {
	tests := []struct {
		name   string
		caller string
		owner  string
		funds  sdk.Coins
		err    error
	}{
		{"stranger", "mallory", "alice", coins(10), ErrUnauthorized},
		{"operator is not the depositor", operator, "alice", coins(10), ErrUnauthorized},
		{"no funds", proxy, "alice", nil, ErrInvalidFunds},
		{"wrong denom", proxy, "alice", sdk.NewCoins(sdk.NewInt64Coin("uatom", 10)), ErrInvalidFunds},
		{"two coins", proxy, "alice", sdk.NewCoins(sdk.NewInt64Coin(baseDenom, 10), sdk.NewInt64Coin("uatom", 1)), ErrInvalidFunds},
		{"missing owner", proxy, "", coins(10), ErrInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.o.RequestBond(h.ctx, tc.caller, tc.owner, "b1", tc.funds)
			require.ErrorIs(t, err, tc.err)
			assert.True(t, h.state().Requests.Bond.IsEmpty())
		})
	}
}

func TestRequestBondRejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	h.bond("alice", "b1", 10)
	_, err := h.o.RequestBond(h.ctx, proxy, "alice", "b1", coins(10))
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	h.dispatchOne()
	_, err = h.o.RequestBond(h.ctx, proxy, "alice", "b1", coins(10))
	assert.ErrorIs(t, err, ErrDuplicateRequest, "an in-flight bond is still a duplicate")

	h.bond("alice", "b2", 10)
}

func TestRequestStartUnbond(t *testing.T) {
	h := newHarness(t)
	h.seed(func(st *types.State) {
		st.Shares["alice"] = sdkmath.NewInt(100)
		st.TotalShares = sdkmath.NewInt(100)
	})

	_, err := h.o.RequestStartUnbond(h.ctx, proxy, nil, "alice", "u1", sdkmath.NewInt(101))
	assert.ErrorIs(t, err, ErrInsufficientShares)
	_, err = h.o.RequestStartUnbond(h.ctx, proxy, nil, "alice", "u1", sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.o.RequestStartUnbond(h.ctx, proxy, coins(1), "alice", "u1", sdkmath.NewInt(10))
	assert.ErrorIs(t, err, ErrFundsNotAllowed)

	h.startUnbond("alice", "u1", 60)
	_, err = h.o.RequestStartUnbond(h.ctx, proxy, nil, "alice", "u1", sdkmath.NewInt(10))
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	_, err = h.o.RequestStartUnbond(h.ctx, proxy, nil, "alice", "u2", sdkmath.NewInt(41))
	assert.ErrorIs(t, err, ErrInsufficientShares, "requested shares are reserved")

	st := h.state()
	assert.True(t, st.SharesOf("alice").Equal(sdkmath.NewInt(40)))
	assert.True(t, st.TotalShares.Equal(sdkmath.NewInt(100)), "total shares change only when the exit completes")
}

func TestRequestUnbondUnlockBoundary(t *testing.T) {
	h := newHarness(t)
	h.seed(func(st *types.State) {
		c := types.Claim{Owner: "alice", UnbondID: "u1", LPShares: sdkmath.NewInt(10), UnlockTime: h.now.Add(time.Nanosecond)}
		st.Claims[c.Key()] = c
	})

	_, err := h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	require.ErrorIs(t, err, ErrSharesNotYetUnbonded)
	assert.True(t, h.state().Requests.Unbond.IsEmpty())

	h.advance(time.Nanosecond)
	_, err = h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.state().Requests.Unbond.Len())
}

func TestRequestUnbondValidation(t *testing.T) {
	h := newHarness(t)
	h.seedClaims(false, map[string]int64{"alice": 10}, "alice")
	h.seedClaims(true, map[string]int64{"bob": 10}, "bob")

	_, err := h.o.RequestUnbond(h.ctx, proxy, nil, "carol", "u1")
	assert.ErrorIs(t, err, ErrQueueItemNotFound)
	_, err = h.o.RequestUnbond(h.ctx, proxy, nil, "bob", "u1")
	assert.ErrorIs(t, err, ErrClaimAlreadyAttempted)
	_, err = h.o.RequestUnbond(h.ctx, proxy, coins(1), "alice", "u1")
	assert.ErrorIs(t, err, ErrFundsNotAllowed)
	_, err = h.o.RequestUnbond(h.ctx, relayer, nil, "alice", "u1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	require.NoError(t, err)
	_, err = h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestOperatorOnlyEntrypoints(t *testing.T) {
	h := newHarness(t)

	_, err := h.o.SetLock(h.ctx, proxy, "bond", true)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.o.CloseChannel(h.ctx, relayer)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.o.OpenChannel(h.ctx, "", "channel-1", testConn, icaAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.o.Acknowledge(h.ctx, operator, testChannel, 1, FailureResult("x"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.o.Timeout(h.ctx, proxy, testChannel, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSetLock(t *testing.T) {
	h := newHarness(t)
	h.bond("alice", "b1", 10)

	_, err := h.o.SetLock(h.ctx, operator, "payout", true)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	resp, err := h.o.SetLock(h.ctx, operator, "migration", true)
	require.NoError(t, err)
	v, _ := resp.Attribute("migration")
	assert.Equal(t, ValueLocked, v)

	resp, err = h.o.Dispatch(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, resp.Packets)

	_, err = h.o.SetLock(h.ctx, operator, "migration", false)
	require.NoError(t, err)
	h.dispatchOne()
}

func TestSlippageExitSizer(t *testing.T) {
	_, err := NewSlippageExitSizer(sdkmath.LegacyOneDec(), sdkmath.LegacyOneDec())
	assert.Error(t, err)
	_, err = NewSlippageExitSizer(sdkmath.LegacyNewDec(-1), sdkmath.LegacyZeroDec())
	assert.Error(t, err)

	sizer, err := NewSlippageExitSizer(sdkmath.LegacyMustNewDecFromStr("1.5"), sdkmath.LegacyMustNewDecFromStr("0.02"))
	require.NoError(t, err)
	// 1000 * 1.5 * 0.98
	out, err := sizer.TokenOutMinAmount(context.Background(), sdkmath.NewInt(1000))
	require.NoError(t, err)
	assert.True(t, out.Equal(sdkmath.NewInt(1470)))
	out, err = sizer.TokenOutMinAmount(context.Background(), sdkmath.NewInt(1))
	require.NoError(t, err)
	assert.True(t, out.Equal(sdkmath.NewInt(1)), "1.47 truncates")
	_, err = sizer.TokenOutMinAmount(context.Background(), sdkmath.NewInt(-1))
	assert.Error(t, err)
}
