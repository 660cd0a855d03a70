package orchestrator

import (
	"context"
	"strconv"
	"strings"

	sdk "github.com/cosmos/cosmos-sdk/types"

	"github.com/elys-network/icastrategy/internal/metrics"
	"github.com/elys-network/icastrategy/internal/types"
)

// Retry re-derives the next queue items from a trapped step and deletes the trap. Items are
// recovered one by one: an item whose backing record is gone is reported and skipped without
// blocking the rest. The call fails, keeping the trap, only when nothing could be recovered.
func (o *Orchestrator) Retry(ctx context.Context, caller string, funds sdk.Coins, channel string, sequence uint64) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.Operator); err != nil {
		return nil, err
	}
	if err := requireNoFunds(funds); err != nil {
		return nil, err
	}

	return o.update(ctx, func(st *types.State, resp *Response, ob *observation) error {
		key := types.PacketKey(channel, sequence)
		trap, ok := st.Traps[key]
		if !ok {
			return ErrTrapNotFound.Wrapf("packet %s", key)
		}
		if trap.Step.ItemCount() == 0 {
			return ErrNothingToRetry.Wrapf("trap %s captured no items", key)
		}

		recovered, failures, err := o.requeue(st, resp, trap.Step)
		if err != nil {
			return err
		}

		kind := string(trap.Step.Kind)
		failed := len(failures)
		if recovered == 0 {
			return ErrNothingToRetry.Wrapf("no item of trap %s could be recovered: %s", key, strings.Join(failures, "; "))
		}

		for _, f := range failures {
			resp.attr(AttrRetryErr, f)
		}
		delete(st.Traps, key)
		resp.attr(AttrAction, "retry")

		rec := recovered
		ob.record(func(m *metrics.Metrics) {
			m.Retried(kind, "recovered", rec)
			m.Retried(kind, "failed", failed)
		})
		o.logger.Info().
			Str("trap", key).
			Str("kind", kind).
			Int("recovered", recovered).
			Int("failed", failed).
			Msgf("Retried trapped %s step", kind)
		return nil
	})
}

// requeue re-derives queue items from a step that did not take effect remotely. Items whose
// backing record is gone are reported in failures and skipped.
func (o *Orchestrator) requeue(st *types.State, resp *Response, step types.Step) (int, []string, error) {
	var recovered int
	var failures []string
	fail := func(item, reason string) {
		failures = append(failures, item+": "+reason)
	}

	switch step.Kind {
	case types.StepBond:
		for _, b := range step.Bonds {
			st.Pending.Bond.RemoveFunc(func(p types.Bond) bool { return p.Owner == b.Owner && p.BondID == b.BondID })
			resp.attr(string(types.StepBond), b.Owner)
		}
		st.Requests.Bond.PushFront(step.Bonds...)
		recovered = len(step.Bonds)

	case types.StepStartUnbond:
		for _, s := range step.StartUnbonds {
			st.Pending.StartUnbond.RemoveFunc(func(p types.StartUnbond) bool { return p.Owner == s.Owner && p.UnbondID == s.UnbondID })
			resp.attr(string(types.StepStartUnbond), s.Owner)
		}
		st.Requests.StartUnbond.PushFront(step.StartUnbonds...)
		recovered = len(step.StartUnbonds)

	case types.StepExit:
		now := o.now()
		for _, u := range step.Unbonds {
			itemKey := u.Key()
			claim, ok := st.Claims[itemKey]
			if !ok {
				fail(itemKey, "claim not found")
				continue
			}
			if !claim.IsUnlocked(now) {
				fail(itemKey, "shares not yet unbonded")
				continue
			}
			if containsFunc(st.Requests.Unbond, func(q types.Unbond) bool { return q.Key() == itemKey }) {
				fail(itemKey, "already queued")
				continue
			}
			st.Pending.Unbond.RemoveFunc(func(p types.Unbond) bool { return p.Key() == itemKey })
			st.Requests.Unbond.PushBack(types.Unbond{
				Owner:    claim.Owner,
				UnbondID: claim.UnbondID,
				LPShares: claim.LPShares,
				Retry:    true,
			})
			resp.attr(string(types.CategoryUnbond), claim.Owner)
			recovered++
		}

	case types.StepReturnTransfer:
		ret := step.Return
		if ret == nil {
			return 0, nil, ErrNothingToRetry.Wrap("return transfer step carries no transfer")
		}
		if _, ok := st.Returns[ret.ReturnID]; !ok {
			fail(ret.ReturnID, ErrReturningTransferNotFound.Error())
			break
		}
		st.QueuedReturns.PushBack(*ret)
		for _, c := range ret.Claims {
			resp.attr(string(types.StepReturnTransfer), c.Owner)
		}
		recovered = len(ret.Claims)

	default:
		return 0, nil, ErrNothingToRetry.Wrapf("unknown step kind %q", step.Kind)
	}
	return recovered, failures, nil
}

// ResolveUnconfirmed settles a send whose tx outcome was unknown, after the operator looked
// the tx up. A positive sequence means the packet was committed: the step starts waiting for
// that packet's acknowledgement and its category stays locked. Sequence zero means the tx
// never produced a packet: the items go back to their queues and the category unlocks.
func (o *Orchestrator) ResolveUnconfirmed(ctx context.Context, caller string, funds sdk.Coins, txHash string, sequence uint64) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.Operator); err != nil {
		return nil, err
	}
	if err := requireNoFunds(funds); err != nil {
		return nil, err
	}

	return o.update(ctx, func(st *types.State, resp *Response, ob *observation) error {
		u, ok := st.Unconfirmed[txHash]
		if !ok {
			return ErrUnconfirmedNotFound.Wrapf("tx %s", txHash)
		}
		resp.attr(AttrAction, "resolve_unconfirmed")
		resp.attr(AttrTxHash, txHash)
		kind := string(u.Step.Kind)

		if sequence > 0 {
			entry := types.ReplyEntry{Channel: u.Channel, Sequence: sequence, Step: u.Step, DispatchedAt: u.DispatchedAt}
			if _, exists := st.Replies[entry.Key()]; exists {
				return ErrInvalidRequest.Wrapf("sequence %d on %s is already awaiting a reply", sequence, u.Channel)
			}
			delete(st.Unconfirmed, txHash)
			st.Replies[entry.Key()] = entry
			resp.attr(AttrChannel, u.Channel)
			resp.attr(AttrSequence, strconv.FormatUint(sequence, 10))
			o.logger.Info().Str("txHash", txHash).Str("packet", entry.Key()).Str("kind", kind).Msg("Unconfirmed send resolved as delivered")
			return nil
		}

		recovered, failures, err := o.requeue(st, resp, u.Step)
		if err != nil {
			return err
		}
		delete(st.Unconfirmed, txHash)
		st.Lock.Unlock(u.Step.Kind.Category())
		for _, f := range failures {
			resp.attr(AttrRetryErr, f)
		}
		failed := len(failures)
		ob.record(func(m *metrics.Metrics) {
			m.Retried(kind, "recovered", recovered)
			m.Retried(kind, "failed", failed)
		})
		o.logger.Warn().
			Str("txHash", txHash).
			Str("kind", kind).
			Int("recovered", recovered).
			Int("failed", failed).
			Msg("Unconfirmed send resolved as not delivered; items re-queued")
		return nil
	})
}
