package orchestrator

import (
	"context"

	"github.com/elys-network/icastrategy/internal/types"
)

// SetLock is the operator override for a single lock flag, e.g. to pause bonds during a
// migration or to release a category whose packet will never be answered.
func (o *Orchestrator) SetLock(ctx context.Context, caller, category string, locked bool) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.Operator); err != nil {
		return nil, err
	}
	cat, err := types.ParseCategory(category)
	if err != nil {
		return nil, ErrInvalidRequest.Wrap(err.Error())
	}

	return o.update(ctx, func(st *types.State, resp *Response, _ *observation) error {
		status := ValueUnlocked
		if locked {
			st.Lock.Lock(cat)
			status = ValueLocked
		} else {
			st.Lock.Unlock(cat)
		}
		resp.attr(AttrAction, "set_lock")
		resp.attr(string(cat), status)
		o.logger.Info().Str("category", string(cat)).Str("status", status).Msg("Lock changed by operator")
		return nil
	})
}

// OpenChannel registers the ICA channel packets are sent on. Only one channel is active at a
// time; a timed-out channel must be closed first.
func (o *Orchestrator) OpenChannel(ctx context.Context, caller, channelID, connectionID, icaAddress string) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.Operator); err != nil {
		return nil, err
	}
	if channelID == "" || connectionID == "" || icaAddress == "" {
		return nil, ErrInvalidRequest.Wrap("channel id, connection id and ica address are required")
	}

	return o.update(ctx, func(st *types.State, resp *Response, _ *observation) error {
		if st.Channel != nil && st.Channel.Status != types.ChannelClosed {
			return ErrChannelAlreadySet.Wrapf("channel %s is %s", st.Channel.ChannelID, st.Channel.Status)
		}
		st.Channel = &types.Channel{
			ChannelID:    channelID,
			ConnectionID: connectionID,
			ICAAddress:   icaAddress,
			Status:       types.ChannelOpen,
			OpenedAt:     o.now(),
		}
		resp.attr(AttrAction, "open_channel")
		resp.attr(AttrChannel, channelID)
		o.logger.Info().Str("channel", channelID).Str("connection", connectionID).Str("ica", icaAddress).Msg("ICA channel registered")
		return nil
	})
}

// CloseChannel retires a timed-out channel so a replacement can be opened.
func (o *Orchestrator) CloseChannel(ctx context.Context, caller string) (*Response, error) {
	if err := o.requireCaller(caller, o.cfg.Operator); err != nil {
		return nil, err
	}

	return o.update(ctx, func(st *types.State, resp *Response, _ *observation) error {
		if st.Channel == nil || st.Channel.Status == types.ChannelClosed {
			return ErrChannelNotOpen.Wrap("no channel to close")
		}
		if st.Channel.Status != types.ChannelTimedOut {
			return ErrChannelNotTimedOut.Wrapf("channel %s is %s", st.Channel.ChannelID, st.Channel.Status)
		}
		st.Channel.Status = types.ChannelClosed
		resp.attr(AttrAction, "close_channel")
		resp.attr(AttrChannel, st.Channel.ChannelID)
		o.logger.Info().Str("channel", st.Channel.ChannelID).Msg("ICA channel closed")
		return nil
	})
}
