package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	transfertypes "github.com/cosmos/ibc-go/v8/modules/apps/transfer/types"
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"

	"github.com/elys-network/icastrategy/internal/metrics"
	"github.com/elys-network/icastrategy/internal/transport"
	"github.com/elys-network/icastrategy/internal/types"
)

// Dispatch makes progress if it can: it walks the categories in priority order and sends one
// packet for the first unlocked category with eligible work. It never sends more than one
// packet per call and never sends for a locked category.
func (o *Orchestrator) Dispatch(ctx context.Context) (*Response, error) {
	return o.update(ctx, func(st *types.State, resp *Response, ob *observation) error {
		if st.Lock.IsFullyLocked() {
			resp.attr(AttrIBCLock, ValueLocked)
			return nil
		}
		resp.attr(AttrIBCLock, ValueUnlocked)

		now := o.now()
		for _, cat := range types.DispatchOrder {
			if st.Lock.IsLocked(cat) || !hasWork(st, cat, now) {
				continue
			}
			if !st.Channel.IsOpen() {
				resp.attr(AttrChannel, channelStatus(st.Channel))
				o.logger.Warn().Str("category", string(cat)).Str("channel", channelStatus(st.Channel)).Msg("Work is queued but the ICA channel is not open")
				return nil
			}

			step, msg, err := o.buildStep(ctx, st, cat, now, resp)
			if err != nil {
				return err
			}
			if step == nil {
				continue
			}
			if err := o.sendStep(ctx, st, resp, ob, *step, msg, now); err != nil {
				return err
			}
			resp.attr(string(cat)+"_queue", ValueLocked)
			return nil
		}

		resp.attr(AttrDispatch, ValueNone)
		return nil
	})
}

func channelStatus(ch *types.Channel) string {
	if ch == nil {
		return ValueNone
	}
	return string(ch.Status)
}

// unbondEligible reports whether the item may join an exit batch now. Items re-derived by a
// retry may exit a claim that was already attempted.
func unbondEligible(st *types.State, u types.Unbond, now time.Time) bool {
	claim, ok := st.Claims[u.Key()]
	if !ok || !claim.IsUnlocked(now) {
		return false
	}
	return !claim.Attempted || u.Retry
}

func hasWork(st *types.State, cat types.Category, now time.Time) bool {
	switch cat {
	case types.CategoryBond:
		return !st.Requests.Bond.IsEmpty()
	case types.CategoryStartUnbond:
		return !st.Requests.StartUnbond.IsEmpty()
	case types.CategoryUnbond:
		if !st.QueuedReturns.IsEmpty() {
			return true
		}
		for _, u := range st.Requests.Unbond.Items() {
			if _, ok := st.Claims[u.Key()]; !ok || unbondEligible(st, u, now) {
				return true
			}
		}
	}
	return false
}

// buildStep drains the batch for cat and returns the step plus the message carrying it.
// A nil step means nothing in the queue turned out to be dispatchable.
func (o *Orchestrator) buildStep(ctx context.Context, st *types.State, cat types.Category, now time.Time, resp *Response) (*types.Step, types.RemoteMsg, error) {
	ica := st.Channel.ICAAddress

	switch cat {
	case types.CategoryBond:
		batch := st.Requests.Bond.Drain(func(types.Bond) bool { return true })
		total := sdkmath.ZeroInt()
		for _, b := range batch {
			total = total.Add(b.Amount)
			st.Pending.Bond.PushBack(b)
		}
		token := sdk.NewCoin(o.cfg.RemoteBaseDenom, total)
		return &types.Step{Kind: types.StepBond, Bonds: batch},
			types.RemoteMsg{Type: types.RemoteJoinPool, Sender: ica, Token: &token}, nil

	case types.CategoryStartUnbond:
		batch := st.Requests.StartUnbond.Drain(func(types.StartUnbond) bool { return true })
		total := sdkmath.ZeroInt()
		for _, s := range batch {
			total = total.Add(s.Shares)
			st.Pending.StartUnbond.PushBack(s)
		}
		return &types.Step{Kind: types.StepStartUnbond, StartUnbonds: batch},
			types.RemoteMsg{Type: types.RemoteBeginUnlocking, Sender: ica, Shares: &total}, nil

	case types.CategoryUnbond:
		// returns re-queued by a retry finish before any new exit starts
		if ret, ok := st.QueuedReturns.PopFront(); ok {
			step := types.Step{Kind: types.StepReturnTransfer, Return: &ret}
			return &step, o.returnTransferMsg(ica, ret, now), nil
		}

		orphans := st.Requests.Unbond.Drain(func(u types.Unbond) bool {
			_, ok := st.Claims[u.Key()]
			return !ok
		})
		for _, u := range orphans {
			resp.attr(AttrDropped, u.Key())
			o.logger.Warn().Str("claim", u.Key()).Msg("Dropping unbond request without a claim")
		}

		batch := st.Requests.Unbond.Drain(func(u types.Unbond) bool { return unbondEligible(st, u, now) })
		if len(batch) == 0 {
			return nil, types.RemoteMsg{}, nil
		}
		total := sdkmath.ZeroInt()
		for i, u := range batch {
			claim := st.Claims[u.Key()]
			claim.MarkAttempted()
			st.Claims[u.Key()] = claim
			batch[i].LPShares = claim.LPShares
			total = total.Add(claim.LPShares)
			st.Pending.Unbond.PushBack(batch[i])
		}
		minOut, err := o.cfg.ExitSizer.TokenOutMinAmount(ctx, total)
		if err != nil {
			return nil, types.RemoteMsg{}, fmt.Errorf("failed to size exit of %s shares: %w", total, err)
		}
		return &types.Step{Kind: types.StepExit, Unbonds: batch},
			types.RemoteMsg{
				Type:              types.RemoteExitPool,
				Sender:            ica,
				Shares:            &total,
				TokenOutMinAmount: &minOut,
				TokenOutDenom:     o.cfg.RemoteBaseDenom,
			}, nil
	}
	return nil, types.RemoteMsg{}, nil
}

// returnTransferMsg moves exited funds from the interchain account back to the strategy.
func (o *Orchestrator) returnTransferMsg(ica string, ret types.ReturnStep, now time.Time) types.RemoteMsg {
	transfer := transfertypes.NewMsgTransfer(
		transfertypes.PortID,
		o.cfg.ReturnTransferChannel,
		sdk.NewCoin(o.cfg.RemoteBaseDenom, ret.Amount),
		ica,
		o.cfg.StrategyAddress,
		clienttypes.ZeroHeight(),
		uint64(now.Add(o.cfg.PacketTimeout).UnixNano()),
		"icastrategy:return:"+ret.ReturnID,
	)
	return types.RemoteMsg{Type: types.RemoteTransfer, Sender: ica, Transfer: transfer}
}

// sendStep hands msg to the transport and records the reply correlation for the sequence the
// channel assigned. The step's category is locked until the reply is consumed.
//
// A send whose tx was broadcast but not confirmed is kept as unconfirmed and the call commits
// with ErrSendUnconfirmed, so the drained items are never handed to the transport again.
func (o *Orchestrator) sendStep(ctx context.Context, st *types.State, resp *Response, ob *observation, step types.Step, msg types.RemoteMsg, now time.Time) error {
	channel := st.Channel.ChannelID
	seq, err := o.cfg.Sender.SendPacket(ctx, channel, msg, o.cfg.PacketTimeout)
	if unconfirmed, ok := transport.AsUnconfirmed(err); ok {
		o.recordUnconfirmed(st, resp, ob, channel, step, unconfirmed, now)
		return commitWith(ErrSendUnconfirmed.Wrapf("%s step in tx %s", step.Kind, unconfirmed.TxHash))
	}
	if err != nil {
		return fmt.Errorf("failed to send %s packet: %w", step.Kind, err)
	}

	entry := types.ReplyEntry{Channel: channel, Sequence: seq, Step: step, DispatchedAt: now}
	if _, exists := st.Replies[entry.Key()]; exists {
		return fmt.Errorf("sequence %d on %s is already awaiting a reply", seq, channel)
	}
	st.Replies[entry.Key()] = entry
	st.Lock.Lock(step.Kind.Category())

	resp.attr(AttrChannel, channel)
	resp.attr(AttrSequence, strconv.FormatUint(seq, 10))
	resp.Packets = append(resp.Packets, types.OutboundPacket{Channel: channel, Sequence: seq, Kind: step.Kind, Msg: msg})
	kind := string(step.Kind)
	ob.record(func(m *metrics.Metrics) { m.Dispatched(kind) })

	o.logger.Info().
		Str("kind", kind).
		Str("channel", channel).
		Uint64("sequence", seq).
		Int("items", step.ItemCount()).
		Msg("Dispatched remote step")
	return nil
}

func (o *Orchestrator) recordUnconfirmed(st *types.State, resp *Response, ob *observation, channel string, step types.Step, u *transport.UnconfirmedSendError, now time.Time) {
	errText := transport.ErrOutcomeUnknown.Error()
	if u.Err != nil {
		errText = u.Err.Error()
	}
	st.Unconfirmed[u.TxHash] = types.UnconfirmedSend{
		TxHash:       u.TxHash,
		Channel:      channel,
		Step:         step,
		Error:        errText,
		DispatchedAt: now,
	}
	st.Lock.Lock(step.Kind.Category())

	resp.attr(AttrChannel, channel)
	resp.attr(AttrTxHash, u.TxHash)
	resp.attr("unconfirmed", string(step.Kind))
	kind := string(step.Kind)
	ob.record(func(m *metrics.Metrics) { m.Dispatched(kind) })

	o.logger.Error().
		Str("kind", kind).
		Str("channel", channel).
		Str("txHash", u.TxHash).
		Str("error", errText).
		Msg("Send outcome unknown; category stays locked until the tx is resolved")
}
