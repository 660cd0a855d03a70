package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/elys-network/icastrategy/internal/metrics"
	"github.com/elys-network/icastrategy/internal/transport"
	"github.com/elys-network/icastrategy/internal/types"
	"github.com/elys-network/icastrategy/internal/utils"
)

// AckResult is the outcome the remote side reported for a packet.
type AckResult struct {
	Success bool   `json:"success"`
	Data    []byte `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func SuccessResult(data []byte) AckResult { return AckResult{Success: true, Data: data} }

func FailureResult(errText string) AckResult { return AckResult{Error: errText} }

// ParseAcknowledgement decodes raw IBC acknowledgement bytes.
func ParseAcknowledgement(bz []byte) (AckResult, error) {
	ok, result, errText, err := transport.DecodeAck(bz)
	if err != nil {
		return AckResult{}, ErrInvalidAcknowledgement.Wrap(err.Error())
	}
	if ok {
		return SuccessResult(result), nil
	}
	return FailureResult(errText), nil
}

// Acknowledge resumes the step correlated with (channel, sequence). Success advances the
// workflow; failure unlocks the category and parks the step as a trap.
func (o *Orchestrator) Acknowledge(ctx context.Context, caller, channel string, sequence uint64, result AckResult) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.Transport); err != nil {
		return nil, err
	}

	return o.update(ctx, func(st *types.State, resp *Response, ob *observation) error {
		entry, err := takeReply(st, channel, sequence)
		if err != nil {
			return err
		}
		kind := string(entry.Step.Kind)
		resp.attr(AttrAction, "acknowledge")
		resp.attr(AttrChannel, channel)
		resp.attr(AttrSequence, strconv.FormatUint(sequence, 10))

		if !result.Success {
			o.recordTrap(st, resp, entry, result.Error, false)
			ob.record(func(m *metrics.Metrics) { m.Acknowledged(kind, "failure") })
			return nil
		}

		if err := o.advance(ctx, st, resp, ob, entry, result.Data); err != nil {
			return err
		}
		ob.record(func(m *metrics.Metrics) { m.Acknowledged(kind, "success") })
		return nil
	})
}

// Timeout handles a packet that expired before the remote side answered. It is recorded like
// a failure and additionally marks the channel timed out, which stops further dispatches
// until an operator closes it and opens a new one. Categories in flight on the same channel
// are left for their own acknowledgement or timeout.
func (o *Orchestrator) Timeout(ctx context.Context, caller, channel string, sequence uint64) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.Transport); err != nil {
		return nil, err
	}

	return o.update(ctx, func(st *types.State, resp *Response, ob *observation) error {
		entry, err := takeReply(st, channel, sequence)
		if err != nil {
			return err
		}
		resp.attr(AttrAction, "timeout")
		resp.attr(AttrChannel, channel)
		resp.attr(AttrSequence, strconv.FormatUint(sequence, 10))

		o.recordTrap(st, resp, entry, types.TimeoutError, true)
		if st.Channel != nil && st.Channel.ChannelID == channel && st.Channel.Status == types.ChannelOpen {
			now := o.now()
			st.Channel.Status = types.ChannelTimedOut
			st.Channel.TimedOutAt = &now
			resp.attr("channel_status", string(types.ChannelTimedOut))
			o.logger.Error().Str("channel", channel).Msg("ICA channel timed out; dispatch is halted until it is replaced")
		}
		kind := string(entry.Step.Kind)
		ob.record(func(m *metrics.Metrics) { m.Acknowledged(kind, "timeout") })
		return nil
	})
}

// takeReply removes and returns the correlation entry. Each entry is consumed exactly once.
func takeReply(st *types.State, channel string, sequence uint64) (types.ReplyEntry, error) {
	key := types.PacketKey(channel, sequence)
	entry, ok := st.Replies[key]
	if !ok {
		return types.ReplyEntry{}, ErrUnknownCorrelation.Wrapf("packet %s", key)
	}
	delete(st.Replies, key)
	return entry, nil
}

// recordTrap unlocks the step's category and parks the step for an operator retry. Pending
// bookkeeping stays as it is so the retry can re-derive the remaining work from it.
func (o *Orchestrator) recordTrap(st *types.State, resp *Response, entry types.ReplyEntry, errText string, timeout bool) {
	st.Lock.Unlock(entry.Step.Kind.Category())
	trap := types.Trap{
		Channel:           entry.Channel,
		Sequence:          entry.Sequence,
		Error:             errText,
		Step:              entry.Step,
		LastStepSucceeded: entry.Step.Kind == types.StepReturnTransfer,
		Timeout:           timeout,
		RecordedAt:        o.now(),
	}
	st.Traps[trap.Key()] = trap

	resp.attr("trap", trap.Key())
	resp.attr("error", errText)
	o.logger.Warn().
		Str("kind", string(entry.Step.Kind)).
		Str("trap", trap.Key()).
		Str("error", errText).
		Bool("timeout", timeout).
		Msg("Remote step failed; trapped for operator retry")
}

func decodeResult[T any](data []byte, kind types.StepKind) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, ErrInvalidAcknowledgement.Wrapf("%s result: %s", kind, err)
	}
	return out, nil
}

// advance applies a successful acknowledgement to the captured step.
func (o *Orchestrator) advance(ctx context.Context, st *types.State, resp *Response, ob *observation, entry types.ReplyEntry, data []byte) error {
	step := entry.Step
	switch step.Kind {
	case types.StepBond:
		res, err := decodeResult[types.BondResult](data, step.Kind)
		if err != nil {
			return err
		}
		if res.Shares.IsNil() || res.Shares.IsNegative() {
			return ErrInvalidAcknowledgement.Wrap("bond result has no shares")
		}
		return o.completeBond(st, resp, step, res.Shares)

	case types.StepStartUnbond:
		res, err := decodeResult[types.StartUnbondResult](data, step.Kind)
		if err != nil {
			return err
		}
		if res.UnlockTime.IsZero() {
			return ErrInvalidAcknowledgement.Wrap("start unbond result has no unlock time")
		}
		o.completeStartUnbond(st, resp, step, res)
		return nil

	case types.StepExit:
		res, err := decodeResult[types.ExitResult](data, step.Kind)
		if err != nil {
			return err
		}
		if res.Amount.IsNil() || !res.Amount.IsPositive() {
			return ErrInvalidAcknowledgement.Wrap("exit result has no amount")
		}
		return o.completeExit(ctx, st, resp, ob, entry, res.Amount)

	case types.StepReturnTransfer:
		o.completeReturnTransfer(st, resp, step)
		return nil
	}
	return ErrInvalidAcknowledgement.Wrapf("unknown step kind %q", step.Kind)
}

func (o *Orchestrator) completeBond(st *types.State, resp *Response, step types.Step, shares sdkmath.Int) error {
	weights := make([]sdkmath.Int, len(step.Bonds))
	for i, b := range step.Bonds {
		weights[i] = b.Amount
	}
	parts, err := utils.SplitProRata(shares, weights)
	if err != nil {
		return ErrInvalidAcknowledgement.Wrapf("cannot split %s shares: %s", shares, err)
	}
	for i, b := range step.Bonds {
		st.Shares[b.Owner] = st.SharesOf(b.Owner).Add(parts[i])
		st.Pending.Bond.RemoveFunc(func(p types.Bond) bool { return p.Owner == b.Owner && p.BondID == b.BondID })
		resp.attr("bonded", b.Owner)
	}
	st.TotalShares = st.TotalShares.Add(shares)
	st.Lock.Unlock(types.CategoryBond)
	resp.attr("shares", shares.String())
	return nil
}

func (o *Orchestrator) completeStartUnbond(st *types.State, resp *Response, step types.Step, res types.StartUnbondResult) {
	for _, s := range step.StartUnbonds {
		claim := types.Claim{Owner: s.Owner, UnbondID: s.UnbondID, LPShares: s.Shares, UnlockTime: res.UnlockTime.UTC()}
		st.Claims[claim.Key()] = claim
		st.Pending.StartUnbond.RemoveFunc(func(p types.StartUnbond) bool { return p.Owner == s.Owner && p.UnbondID == s.UnbondID })
		resp.attr("claim", claim.Key())
	}
	st.Lock.Unlock(types.CategoryStartUnbond)
	resp.attr("unlock_time", res.UnlockTime.UTC().Format(timeFormat))
}

// completeExit records the returning transfer and sends it right away. The unbond lock stays
// held by the transfer until its own acknowledgement arrives. When the transfer cannot be
// sent the exit is still consumed and the transfer is trapped under the exit's packet, so a
// retry re-queues it once a channel is open again.
func (o *Orchestrator) completeExit(ctx context.Context, st *types.State, resp *Response, ob *observation, entry types.ReplyEntry, amount sdkmath.Int) error {
	step := entry.Step
	exited := sdkmath.ZeroInt()
	for _, u := range step.Unbonds {
		key := u.Key()
		st.Pending.Unbond.RemoveFunc(func(p types.Unbond) bool { return p.Key() == key })
		exited = exited.Add(u.LPShares)
	}
	st.TotalShares = st.TotalShares.Sub(sdkmath.MinInt(exited, st.TotalShares))

	now := o.now()
	ret := types.ReturnStep{ReturnID: uuid.NewString(), Amount: amount, Claims: step.Unbonds}
	st.Returns[ret.ReturnID] = types.ReturningTransfer{
		ReturnID:       ret.ReturnID,
		ExpectedAmount: amount,
		Claims:         ret.Claims,
		CreatedAt:      now,
	}
	resp.attr(AttrReturnID, ret.ReturnID)
	resp.attr("amount", amount.String())

	retStep := types.Step{Kind: types.StepReturnTransfer, Return: &ret}
	parked := types.ReplyEntry{Channel: entry.Channel, Sequence: entry.Sequence, Step: retStep, DispatchedAt: entry.DispatchedAt}
	if !st.Channel.IsOpen() {
		o.recordTrap(st, resp, parked, ErrChannelNotOpen.Wrap("return transfer not sent").Error(), false)
		return nil
	}

	msg := o.returnTransferMsg(st.Channel.ICAAddress, ret, now)
	err := o.sendStep(ctx, st, resp, ob, retStep, msg, now)
	if err == nil || isCommitted(err) {
		return err
	}
	o.recordTrap(st, resp, parked, err.Error(), false)
	return nil
}

func (o *Orchestrator) completeReturnTransfer(st *types.State, resp *Response, step types.Step) {
	st.Lock.Unlock(types.CategoryUnbond)
	if step.Return == nil {
		return
	}
	resp.attr(AttrReturnID, step.Return.ReturnID)
	rec, ok := st.Returns[step.Return.ReturnID]
	if !ok {
		// funds were already accepted and paid out before the ack came back
		o.logger.Info().Str("returnID", step.Return.ReturnID).Msg("Return transfer acknowledged after payout")
		return
	}
	rec.Acknowledged = true
	st.Returns[rec.ReturnID] = rec
}
