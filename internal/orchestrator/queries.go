package orchestrator

import (
	"context"
	"sort"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/icastrategy/internal/types"
)

// QueuesView is a read-only snapshot of every queue plus the packets in flight.
type QueuesView struct {
	Requests      types.RequestQueues           `json:"requests"`
	Pending       types.PendingQueues           `json:"pending"`
	QueuedReturns types.Queue[types.ReturnStep] `json:"queued_returns"`
	InFlight      []types.ReplyEntry            `json:"in_flight"`
	Unconfirmed   []types.UnconfirmedSend       `json:"unconfirmed"`
}

func (o *Orchestrator) Locks(ctx context.Context) (types.Lock, error) {
	var out types.Lock
	err := o.view(ctx, func(st *types.State) error {
		out = st.Lock
		return nil
	})
	return out, err
}

func (o *Orchestrator) Queues(ctx context.Context) (QueuesView, error) {
	var out QueuesView
	err := o.view(ctx, func(st *types.State) error {
		out = QueuesView{
			Requests:      st.Requests,
			Pending:       st.Pending,
			QueuedReturns: st.QueuedReturns,
			InFlight:      st.SortedReplies(),
			Unconfirmed:   st.SortedUnconfirmed(),
		}
		return nil
	})
	return out, err
}

func (o *Orchestrator) Traps(ctx context.Context) ([]types.Trap, error) {
	var out []types.Trap
	err := o.view(ctx, func(st *types.State) error {
		out = st.SortedTraps()
		return nil
	})
	return out, err
}

func (o *Orchestrator) Trap(ctx context.Context, channel string, sequence uint64) (types.Trap, error) {
	var out types.Trap
	err := o.view(ctx, func(st *types.State) error {
		key := types.PacketKey(channel, sequence)
		trap, ok := st.Traps[key]
		if !ok {
			return ErrTrapNotFound.Wrapf("packet %s", key)
		}
		out = trap
		return nil
	})
	return out, err
}

// Unconfirmed lists sends waiting for an operator to resolve their tx, oldest first.
func (o *Orchestrator) Unconfirmed(ctx context.Context) ([]types.UnconfirmedSend, error) {
	var out []types.UnconfirmedSend
	err := o.view(ctx, func(st *types.State) error {
		out = st.SortedUnconfirmed()
		return nil
	})
	return out, err
}

// Claims lists the owner's open claims ordered by unbond id.
func (o *Orchestrator) Claims(ctx context.Context, owner string) ([]types.Claim, error) {
	var out []types.Claim
	err := o.view(ctx, func(st *types.State) error {
		for _, c := range st.Claims {
			if c.Owner == owner {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UnbondID < out[j].UnbondID })
	return out, err
}

// ReturningTransfers lists the return transfers awaiting acceptance, oldest first.
func (o *Orchestrator) ReturningTransfers(ctx context.Context) ([]types.ReturningTransfer, error) {
	var out []types.ReturningTransfer
	err := o.view(ctx, func(st *types.State) error {
		for _, r := range st.Returns {
			out = append(out, r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ReturnID < out[j].ReturnID
	})
	return out, err
}

// Shares returns the owner's LP share balance and the strategy total.
func (o *Orchestrator) Shares(ctx context.Context, owner string) (sdkmath.Int, sdkmath.Int, error) {
	var balance, total sdkmath.Int
	err := o.view(ctx, func(st *types.State) error {
		balance = st.SharesOf(owner)
		total = st.TotalShares
		return nil
	})
	return balance, total, err
}

// Channel returns the registered ICA channel, nil when none was opened yet.
func (o *Orchestrator) Channel(ctx context.Context) (*types.Channel, error) {
	var out *types.Channel
	err := o.view(ctx, func(st *types.State) error {
		out = st.Channel
		return nil
	})
	return out, err
}
