package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/icastrategy/internal/state"
	"github.com/elys-network/icastrategy/internal/transport"
	"github.com/elys-network/icastrategy/internal/types"
)

const (
	operator     = "operator"
	proxy        = "depositor-proxy"
	relayer      = "transport"
	strategyAddr = "strategy"
	icaAddr      = "ica-account"
	baseDenom    = "uusdc"
	remoteDenom  = "ibc/USDC"
	testChannel  = "channel-35"
	testConn     = "connection-7"
	returnChan   = "channel-2"
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	o     *Orchestrator
	store *state.MemoryStore
	ch    *transport.MemoryChannel
	now   time.Time
}

// newHarness wires an orchestrator to an in-memory store and channel with an open ICA
// channel and a controllable clock.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: state.NewMemoryStore(),
		ch:    transport.NewMemoryChannel(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	sizer, err := NewSlippageExitSizer(sdkmath.LegacyOneDec(), sdkmath.LegacyMustNewDecFromStr("0.01"))
	require.NoError(t, err)

	o, err := New(Config{
		Store:                 h.store,
		Sender:                h.ch,
		ExitSizer:             sizer,
		Operator:              operator,
		DepositorProxy:        proxy,
		Transport:             relayer,
		StrategyAddress:       strategyAddr,
		BaseDenom:             baseDenom,
		RemoteBaseDenom:       remoteDenom,
		ReturnTransferChannel: returnChan,
		PacketTimeout:         10 * time.Minute,
		Now:                   func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.o = o

	_, err = o.OpenChannel(h.ctx, operator, testChannel, testConn, icaAddr)
	require.NoError(t, err)
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) seed(fn func(st *types.State)) {
	h.t.Helper()
	require.NoError(h.t, h.store.Update(h.ctx, func(st *types.State) error {
		fn(st)
		return nil
	}))
}

func (h *harness) state() *types.State {
	h.t.Helper()
	var out *types.State
	require.NoError(h.t, h.store.View(h.ctx, func(st *types.State) error {
		out = st
		return nil
	}))
	return out
}

func coins(amount int64) sdk.Coins {
	return sdk.NewCoins(sdk.NewInt64Coin(baseDenom, amount))
}

func (h *harness) bond(owner, id string, amount int64) {
	h.t.Helper()
	_, err := h.o.RequestBond(h.ctx, proxy, owner, id, coins(amount))
	require.NoError(h.t, err)
}

func (h *harness) startUnbond(owner, id string, shares int64) {
	h.t.Helper()
	_, err := h.o.RequestStartUnbond(h.ctx, proxy, nil, owner, id, sdkmath.NewInt(shares))
	require.NoError(h.t, err)
}

// dispatch runs the dispatcher and returns the single packet it must have sent.
func (h *harness) dispatchOne() (*Response, types.OutboundPacket) {
	h.t.Helper()
	resp, err := h.o.Dispatch(h.ctx)
	require.NoError(h.t, err)
	require.Len(h.t, resp.Packets, 1)
	return resp, resp.Packets[0]
}

func (h *harness) ackSuccess(pkt types.OutboundPacket, result any) *Response {
	h.t.Helper()
	data, err := json.Marshal(result)
	require.NoError(h.t, err)
	resp, err := h.o.Acknowledge(h.ctx, relayer, pkt.Channel, pkt.Sequence, SuccessResult(data))
	require.NoError(h.t, err)
	return resp
}

func (h *harness) ackFailure(pkt types.OutboundPacket, errText string) *Response {
	h.t.Helper()
	resp, err := h.o.Acknowledge(h.ctx, relayer, pkt.Channel, pkt.Sequence, FailureResult(errText))
	require.NoError(h.t, err)
	return resp
}

// seedClaims writes unlocked claims directly, as if their start-unbond had completed.
func (h *harness) seedClaims(attempted bool, shares map[string]int64, owners ...string) {
	h.seed(func(st *types.State) {
		for _, owner := range owners {
			c := types.Claim{
				Owner:      owner,
				UnbondID:   "u1",
				LPShares:   sdkmath.NewInt(shares[owner]),
				UnlockTime: h.now.Add(-time.Hour),
				Attempted:  attempted,
			}
			st.Claims[c.Key()] = c
		}
	})
}
