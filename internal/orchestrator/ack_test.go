package orchestrator

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	transfertypes "github.com/cosmos/ibc-go/v8/modules/apps/transfer/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/icastrategy/internal/transport"
	"github.com/elys-network/icastrategy/internal/types"
)

func TestBondAckSplitsSharesProRata(t *testing.T) {
	h := newHarness(t)
	h.bond("alice", "b1", 100)
	h.bond("bob", "b2", 200)
	_, pkt := h.dispatchOne()

	resp := h.ackSuccess(pkt, types.BondResult{Shares: sdkmath.NewInt(1000)})
	assert.Equal(t, []string{"alice", "bob"}, resp.AttributeValues("bonded"))

	st := h.state()
	assert.True(t, st.SharesOf("alice").Equal(sdkmath.NewInt(333)))
	assert.True(t, st.SharesOf("bob").Equal(sdkmath.NewInt(667)), "last bond takes the remainder")
	assert.True(t, st.TotalShares.Equal(sdkmath.NewInt(1000)))
	assert.True(t, st.Pending.Bond.IsEmpty())
	assert.False(t, st.Lock.IsLocked(types.CategoryBond))
	assert.Empty(t, st.Replies)
}

func TestUnbondLifecycle(t *testing.T) {
	h := newHarness(t)
	h.bond("alice", "b1", 300)
	h.bond("bob", "b2", 100)
	_, pkt := h.dispatchOne()
	h.ackSuccess(pkt, types.BondResult{Shares: sdkmath.NewInt(400)})

	h.startUnbond("alice", "u1", 300)
	h.startUnbond("bob", "u1", 100)
	status, err := h.o.ClaimStatus(h.ctx, "alice", "u1")
	require.NoError(t, err)
	assert.Equal(t, ClaimQueuedStartUnbond, status.State)

	_, pkt = h.dispatchOne()
	assert.Equal(t, types.StepStartUnbond, pkt.Kind)
	assert.True(t, pkt.Msg.Shares.Equal(sdkmath.NewInt(400)))
	status, _ = h.o.ClaimStatus(h.ctx, "alice", "u1")
	assert.Equal(t, ClaimStartUnbondDispatched, status.State)

	unlockAt := h.now.Add(14 * 24 * time.Hour)
	h.ackSuccess(pkt, types.StartUnbondResult{UnlockTime: unlockAt})
	status, _ = h.o.ClaimStatus(h.ctx, "alice", "u1")
	assert.Equal(t, ClaimAwaitingUnlock, status.State)
	require.NotNil(t, status.Claim)
	assert.True(t, status.Claim.UnlockTime.Equal(unlockAt))
	assert.True(t, h.state().SharesOf("alice").IsZero(), "shares are reserved at request time")

	h.advance(14 * 24 * time.Hour)
	status, _ = h.o.ClaimStatus(h.ctx, "alice", "u1")
	assert.Equal(t, ClaimEligible, status.State)

	_, err = h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	require.NoError(t, err)
	_, err = h.o.RequestUnbond(h.ctx, proxy, nil, "bob", "u1")
	require.NoError(t, err)
	status, _ = h.o.ClaimStatus(h.ctx, "bob", "u1")
	assert.Equal(t, ClaimQueuedForExit, status.State)

	_, exit := h.dispatchOne()
	assert.Equal(t, types.StepExit, exit.Kind)
	assert.True(t, exit.Msg.Shares.Equal(sdkmath.NewInt(400)))
	status, _ = h.o.ClaimStatus(h.ctx, "alice", "u1")
	assert.Equal(t, ClaimExitDispatched, status.State)
	assert.True(t, status.Claim.Attempted)

	resp := h.ackSuccess(exit, types.ExitResult{Amount: sdkmath.NewInt(396)})
	require.Len(t, resp.Packets, 1, "a successful exit sends its return transfer in the same call")
	ret := resp.Packets[0]
	assert.Equal(t, types.StepReturnTransfer, ret.Kind)
	require.NotNil(t, ret.Msg.Transfer)
	assert.Equal(t, transfertypes.PortID, ret.Msg.Transfer.SourcePort)
	assert.Equal(t, returnChan, ret.Msg.Transfer.SourceChannel)
	assert.Equal(t, icaAddr, ret.Msg.Transfer.Sender)
	assert.Equal(t, strategyAddr, ret.Msg.Transfer.Receiver)
	assert.True(t, ret.Msg.Transfer.Token.Amount.Equal(sdkmath.NewInt(396)))

	returnID, ok := resp.Attribute(AttrReturnID)
	require.True(t, ok)
	st := h.state()
	assert.True(t, st.Lock.IsLocked(types.CategoryUnbond), "the return transfer keeps the unbond lock")
	assert.True(t, st.Pending.Unbond.IsEmpty())
	require.Contains(t, st.Returns, returnID)
	assert.True(t, st.Returns[returnID].ExpectedAmount.Equal(sdkmath.NewInt(396)))
	assert.True(t, st.TotalShares.IsZero())
	status, _ = h.o.ClaimStatus(h.ctx, "alice", "u1")
	assert.Equal(t, ClaimAwaitingReturn, status.State)
	assert.Equal(t, returnID, status.ReturnID)

	h.ackSuccess(ret, struct{}{})
	st = h.state()
	assert.False(t, st.Lock.IsLocked(types.CategoryUnbond))
	assert.True(t, st.Returns[returnID].Acknowledged)

	resp, err = h.o.AcceptReturnedFunds(h.ctx, relayer, returnID, coins(396))
	require.NoError(t, err)
	require.Len(t, resp.Payouts, 2)
	alicePay := resp.Payouts[0].(*banktypes.MsgSend)
	bobPay := resp.Payouts[1].(*banktypes.MsgSend)
	assert.Equal(t, strategyAddr, alicePay.FromAddress)
	assert.Equal(t, "alice", alicePay.ToAddress)
	assert.True(t, alicePay.Amount.AmountOf(baseDenom).Equal(sdkmath.NewInt(297)))
	assert.Equal(t, "bob", bobPay.ToAddress)
	assert.True(t, bobPay.Amount.AmountOf(baseDenom).Equal(sdkmath.NewInt(99)))

	st = h.state()
	assert.Empty(t, st.Claims)
	assert.Empty(t, st.Returns)
	assert.Empty(t, st.Replies)
	assert.Empty(t, st.Traps)
	status, err = h.o.ClaimStatus(h.ctx, "alice", "u1")
	require.NoError(t, err)
	assert.Equal(t, ClaimPaid, status.State)
	assert.True(t, status.Paid.Amount.Equal(sdkmath.NewInt(297)))
}

func TestAckFailureTrapsStep(t *testing.T) {
	h := newHarness(t)
	h.bond("alice", "b1", 100)
	_, pkt := h.dispatchOne()

	resp := h.ackFailure(pkt, "pool is frozen")
	trapKey, _ := resp.Attribute("trap")
	assert.Equal(t, types.PacketKey(pkt.Channel, pkt.Sequence), trapKey)

	st := h.state()
	assert.False(t, st.Lock.IsLocked(types.CategoryBond))
	assert.Equal(t, 1, st.Pending.Bond.Len(), "pending bookkeeping is left for the retry")
	assert.Empty(t, st.Replies)
	require.Contains(t, st.Traps, trapKey)
	trap := st.Traps[trapKey]
	assert.Equal(t, "pool is frozen", trap.Error)
	assert.False(t, trap.LastStepSucceeded)
	assert.False(t, trap.Timeout)
	assert.Equal(t, types.StepBond, trap.Step.Kind)
	assert.True(t, st.SharesOf("alice").IsZero())

	// nothing is resent automatically
	resp, err := h.o.Dispatch(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, resp.Packets)
}

func TestCorrelationConsumedExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.bond("alice", "b1", 100)
	_, pkt := h.dispatchOne()
	require.Len(t, h.state().Replies, 1)

	h.ackSuccess(pkt, types.BondResult{Shares: sdkmath.NewInt(10)})
	assert.Empty(t, h.state().Replies)

	_, err := h.o.Acknowledge(h.ctx, relayer, pkt.Channel, pkt.Sequence, SuccessResult([]byte(`{"shares":"10"}`)))
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
	_, err = h.o.Timeout(h.ctx, relayer, pkt.Channel, pkt.Sequence)
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
	_, err = h.o.Acknowledge(h.ctx, relayer, "channel-99", pkt.Sequence, FailureResult("x"))
	assert.ErrorIs(t, err, ErrUnknownCorrelation)

	assert.True(t, h.state().SharesOf("alice").Equal(sdkmath.NewInt(10)), "a replayed ack must not apply twice")
}

func TestAckWithMalformedResultIsRejected(t *testing.T) {
	h := newHarness(t)
	h.bond("alice", "b1", 100)
	_, pkt := h.dispatchOne()

	_, err := h.o.Acknowledge(h.ctx, relayer, pkt.Channel, pkt.Sequence, SuccessResult([]byte("garbage")))
	require.ErrorIs(t, err, ErrInvalidAcknowledgement)

	st := h.state()
	assert.Contains(t, st.Replies, types.PacketKey(pkt.Channel, pkt.Sequence), "a rejected call leaves the correlation in place")
	assert.True(t, st.Lock.IsLocked(types.CategoryBond))
}

func TestTimeoutPolicy(t *testing.T) {
	h := newHarness(t)
	h.seed(func(st *types.State) { st.Shares["carol"] = sdkmath.NewInt(50) })
	h.bond("alice", "b1", 100)
	h.startUnbond("carol", "s1", 50)
	_, bondPkt := h.dispatchOne()
	_, startPkt := h.dispatchOne()

	resp, err := h.o.Timeout(h.ctx, relayer, bondPkt.Channel, bondPkt.Sequence)
	require.NoError(t, err)
	v, _ := resp.Attribute("channel_status")
	assert.Equal(t, string(types.ChannelTimedOut), v)

	st := h.state()
	trap := st.Traps[types.PacketKey(bondPkt.Channel, bondPkt.Sequence)]
	assert.Equal(t, types.TimeoutError, trap.Error)
	assert.True(t, trap.Timeout)
	assert.False(t, st.Lock.IsLocked(types.CategoryBond))
	assert.True(t, st.Lock.IsLocked(types.CategoryStartUnbond), "other categories keep their lock until their own reply")
	assert.Equal(t, types.ChannelTimedOut, st.Channel.Status)
	require.NotNil(t, st.Channel.TimedOutAt)

	// queued work is held back while the channel is not open
	h.bond("bob", "b2", 10)
	resp, err = h.o.Dispatch(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, resp.Packets)
	v, _ = resp.Attribute(AttrChannel)
	assert.Equal(t, string(types.ChannelTimedOut), v)

	// the other category still resolves through its own reply
	h.ackSuccess(startPkt, types.StartUnbondResult{UnlockTime: h.now.Add(time.Hour)})
	assert.False(t, h.state().Lock.IsLocked(types.CategoryStartUnbond))

	_, err = h.o.OpenChannel(h.ctx, operator, "channel-36", testConn, icaAddr)
	assert.ErrorIs(t, err, ErrChannelAlreadySet)
	_, err = h.o.CloseChannel(h.ctx, operator)
	require.NoError(t, err)
	_, err = h.o.OpenChannel(h.ctx, operator, "channel-36", testConn, icaAddr)
	require.NoError(t, err)

	_, pkt := h.dispatchOne()
	assert.Equal(t, "channel-36", pkt.Channel)
	assert.Equal(t, types.StepBond, pkt.Kind)
}

func TestCloseChannelRequiresTimeout(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.CloseChannel(h.ctx, operator)
	assert.ErrorIs(t, err, ErrChannelNotTimedOut)

	_, err = h.o.OpenChannel(h.ctx, operator, "channel-1", testConn, icaAddr)
	assert.ErrorIs(t, err, ErrChannelAlreadySet)
}

func TestParseAcknowledgement(t *testing.T) {
	bz, err := transport.SuccessAck(types.ExitResult{Amount: sdkmath.NewInt(7)})
	require.NoError(t, err)
	res, err := ParseAcknowledgement(bz)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"amount":"7"}`, string(res.Data))

	res, err = ParseAcknowledgement(transport.FailureAck(errors.New("exit failed")))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	_, err = ParseAcknowledgement([]byte("{}"))
	assert.ErrorIs(t, err, ErrInvalidAcknowledgement)
}

// inFlightBondAndExit sends a bond (sequence 1) and an exit for alice's claim (sequence 2).
func inFlightBondAndExit(h *harness) (bond, exit types.OutboundPacket) {
	h.t.Helper()
	h.seedClaims(false, map[string]int64{"alice": 50}, "alice")
	_, err := h.o.RequestUnbond(h.ctx, proxy, nil, "alice", "u1")
	require.NoError(h.t, err)
	h.bond("bob", "b1", 100)
	_, bond = h.dispatchOne()
	_, exit = h.dispatchOne()
	require.Equal(h.t, types.StepBond, bond.Kind)
	require.Equal(h.t, types.StepExit, exit.Kind)
	return bond, exit
}

func TestExitAckAfterChannelTimeoutTrapsReturn(t *testing.T) {
	h := newHarness(t)
	bondPkt, exitPkt := inFlightBondAndExit(h)
	_, err := h.o.Timeout(h.ctx, relayer, bondPkt.Channel, bondPkt.Sequence)
	require.NoError(t, err)

	resp := h.ackSuccess(exitPkt, types.ExitResult{Amount: sdkmath.NewInt(49)})
	assert.Empty(t, resp.Packets)
	returnID, ok := resp.Attribute(AttrReturnID)
	require.True(t, ok)

	st := h.state()
	exitKey := types.PacketKey(exitPkt.Channel, exitPkt.Sequence)
	assert.False(t, st.Lock.IsLocked(types.CategoryUnbond))
	assert.NotContains(t, st.Replies, exitKey)
	require.Contains(t, st.Returns, returnID)
	trap, ok := st.Traps[exitKey]
	require.True(t, ok)
	assert.Equal(t, types.StepReturnTransfer, trap.Step.Kind)
	assert.True(t, trap.LastStepSucceeded)
	assert.Contains(t, trap.Error, "not open")

	_, err = h.o.Retry(h.ctx, operator, nil, exitPkt.Channel, exitPkt.Sequence)
	require.NoError(t, err)
	assert.Equal(t, 1, h.state().QueuedReturns.Len())

	_, err = h.o.CloseChannel(h.ctx, operator)
	require.NoError(t, err)
	_, err = h.o.OpenChannel(h.ctx, operator, "channel-36", testConn, icaAddr)
	require.NoError(t, err)

	_, ret := h.dispatchOne()
	assert.Equal(t, types.StepReturnTransfer, ret.Kind)
	assert.Equal(t, "channel-36", ret.Channel)
	require.NotNil(t, ret.Msg.Transfer)
	assert.True(t, ret.Msg.Transfer.Token.Amount.Equal(sdkmath.NewInt(49)))
	assert.Contains(t, ret.Msg.Transfer.Memo, returnID)
}

func TestExitAckTrapsReturnWhenSendFails(t *testing.T) {
	h := newHarness(t)
	_, exitPkt := inFlightBondAndExit(h)
	h.ch.FailWith(errors.New("node unreachable"))

	resp := h.ackSuccess(exitPkt, types.ExitResult{Amount: sdkmath.NewInt(49)})
	assert.Empty(t, resp.Packets)

	st := h.state()
	trap, ok := st.Traps[types.PacketKey(exitPkt.Channel, exitPkt.Sequence)]
	require.True(t, ok)
	assert.Equal(t, types.StepReturnTransfer, trap.Step.Kind)
	assert.False(t, st.Lock.IsLocked(types.CategoryUnbond))
	assert.True(t, st.Lock.IsLocked(types.CategoryBond), "the bond is still in flight")
	assert.Len(t, st.Returns, 1)
}

func TestExitAckWithUnconfirmedReturnKeepsReturn(t *testing.T) {
	h := newHarness(t)
	_, exitPkt := inFlightBondAndExit(h)
	h.ch.LoseConfirmations(errors.New("transaction not included in a block"))

	data, err := json.Marshal(types.ExitResult{Amount: sdkmath.NewInt(49)})
	require.NoError(t, err)
	_, err = h.o.Acknowledge(h.ctx, relayer, exitPkt.Channel, exitPkt.Sequence, SuccessResult(data))
	require.ErrorIs(t, err, ErrSendUnconfirmed)

	st := h.state()
	assert.NotContains(t, st.Replies, types.PacketKey(exitPkt.Channel, exitPkt.Sequence))
	assert.Len(t, st.Returns, 1)
	require.Len(t, st.Unconfirmed, 1)
	assert.True(t, st.Lock.IsLocked(types.CategoryUnbond))
	assert.Empty(t, st.Traps)
}
