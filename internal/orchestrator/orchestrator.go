/*

Package orchestrator coordinates every remote operation of the strategy. Each exported call
loads the persisted aggregate through the store, mutates a working copy and commits it as a
single unit, so a failed call never leaves partial writes behind.

The dispatcher emits at most one packet per call and only for unlocked categories. Remote
outcomes come back through Acknowledge and Timeout, are correlated by (channel, sequence), and
failures are parked as traps until an operator retries them.

*/

package orchestrator

import (
	"context"
	"errors"
	"time"

	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/rs/zerolog"

	"github.com/elys-network/icastrategy/internal/logger"
	"github.com/elys-network/icastrategy/internal/metrics"
	"github.com/elys-network/icastrategy/internal/state"
	"github.com/elys-network/icastrategy/internal/transport"
	"github.com/elys-network/icastrategy/internal/types"
)

// Event attribute keys and values reported by the orchestrator.
const (
	AttrIBCLock  = "IBC_LOCK"
	AttrAction   = "action"
	AttrDispatch = "dispatch"
	AttrChannel  = "channel"
	AttrSequence = "sequence"
	AttrReturnID = "return_id"
	AttrRetryErr = "retry_error"
	AttrDropped  = "dropped"
	AttrOwner    = "owner"
	AttrTxHash   = "tx_hash"

	ValueLocked   = "locked"
	ValueUnlocked = "unlocked"
	ValueNone     = "none"

	timeFormat = time.RFC3339Nano
)

// PayoutBroadcaster executes payout messages built by AcceptReturnedFunds.
type PayoutBroadcaster interface {
	Broadcast(ctx context.Context, msgs ...sdk.Msg) (string, error)
}

type Config struct {
	Store     state.Store
	Sender    transport.PacketSender
	ExitSizer ExitSizer
	// Payer is optional; without it payouts are only returned to the caller.
	Payer   PayoutBroadcaster
	Metrics *metrics.Metrics

	Operator        string
	DepositorProxy  string
	Transport       string
	StrategyAddress string

	BaseDenom             string
	RemoteBaseDenom       string
	ReturnTransferChannel string
	PacketTimeout         time.Duration

	Now func() time.Time
}

func (c Config) validate() error {
	switch {
	case c.Store == nil:
		return errors.New("store is required")
	case c.Sender == nil:
		return errors.New("packet sender is required")
	case c.ExitSizer == nil:
		return errors.New("exit sizer is required")
	case c.Operator == "" || c.DepositorProxy == "" || c.Transport == "":
		return errors.New("operator, depositor proxy and transport identities are required")
	case c.StrategyAddress == "":
		return errors.New("strategy address is required")
	case c.BaseDenom == "" || c.RemoteBaseDenom == "":
		return errors.New("base denoms are required")
	case c.ReturnTransferChannel == "":
		return errors.New("return transfer channel is required")
	case c.PacketTimeout <= 0:
		return errors.New("packet timeout must be positive")
	}
	return nil
}

type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{cfg: cfg, logger: logger.GetForComponent("orchestrator")}, nil
}

// Response is what a committed call produced: event attributes, packets handed to the
// transport and payout messages.
type Response struct {
	Attributes []sdk.Attribute        `json:"attributes"`
	Packets    []types.OutboundPacket `json:"packets,omitempty"`
	Payouts    []sdk.Msg              `json:"-"`
	PayoutTx   string                 `json:"payout_tx,omitempty"`
}

func (r *Response) attr(key, value string) {
	r.Attributes = append(r.Attributes, sdk.NewAttribute(key, value))
}

// Attribute returns the first value recorded for key.
func (r *Response) Attribute(key string) (string, bool) {
	for _, a := range r.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// AttributeValues returns every value recorded for key, in emission order.
func (r *Response) AttributeValues(key string) []string {
	var out []string
	for _, a := range r.Attributes {
		if a.Key == key {
			out = append(out, a.Value)
		}
	}
	return out
}

// observation is collected inside a transaction and applied to metrics after commit.
type observation struct {
	locks    map[string]bool
	traps    int
	inFlight int
	after    []func(m *metrics.Metrics)
}

func (ob *observation) record(fn func(m *metrics.Metrics)) {
	ob.after = append(ob.after, fn)
}

// committedError marks a failure whose state changes must still be committed, because a
// remote side effect may already have happened.
type committedError struct{ err error }

func (e *committedError) Error() string { return e.err.Error() }
func (e *committedError) Unwrap() error { return e.err }

func commitWith(err error) error { return &committedError{err: err} }

func isCommitted(err error) bool {
	var c *committedError
	return errors.As(err, &c)
}

// update runs fn inside one store transaction and reports metrics once it committed. A
// committedError from fn commits the changes and is returned together with the response.
func (o *Orchestrator) update(ctx context.Context, fn func(st *types.State, resp *Response, ob *observation) error) (*Response, error) {
	var resp *Response
	var ob *observation
	var kept error
	err := o.cfg.Store.Update(ctx, func(st *types.State) error {
		resp = &Response{}
		ob = &observation{}
		kept = nil
		if err := fn(st, resp, ob); err != nil {
			var c *committedError
			if !errors.As(err, &c) {
				return err
			}
			kept = c.err
		}
		ob.snapshot(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ob)
	return resp, kept
}

func (o *Orchestrator) view(ctx context.Context, fn func(st *types.State) error) error {
	return o.cfg.Store.View(ctx, fn)
}

func (ob *observation) snapshot(st *types.State) {
	ob.locks = map[string]bool{}
	for _, cat := range []types.Category{types.CategoryBond, types.CategoryStartUnbond, types.CategoryUnbond, types.CategoryMigration} {
		ob.locks[string(cat)] = st.Lock.IsLocked(cat)
	}
	ob.traps = len(st.Traps)
	ob.inFlight = len(st.Replies) + len(st.Unconfirmed)
}

func (o *Orchestrator) publish(ob *observation) {
	m := o.cfg.Metrics
	if m == nil || ob == nil {
		return
	}
	for _, fn := range ob.after {
		fn(m)
	}
	m.Observe(ob.locks, ob.traps, ob.inFlight)
}

func (o *Orchestrator) now() time.Time {
	return o.cfg.Now()
}

func (o *Orchestrator) requireCaller(caller, allowed string) error {
	if caller == "" || caller != allowed {
		return ErrUnauthorized.Wrapf("caller %q", caller)
	}
	return nil
}

func requireNoFunds(funds sdk.Coins) error {
	if !funds.Empty() {
		return ErrFundsNotAllowed.Wrapf("got %s", funds)
	}
	return nil
}
