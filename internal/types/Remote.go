/*

Messages executed by the interchain account on the remote chain and the result payloads the
remote side returns in successful acknowledgements.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	transfertypes "github.com/cosmos/ibc-go/v8/modules/apps/transfer/types"
)

type RemoteMsgType string

const (
	RemoteJoinPool       RemoteMsgType = "join_pool"
	RemoteBeginUnlocking RemoteMsgType = "begin_unlocking"
	RemoteExitPool       RemoteMsgType = "exit_pool"
	RemoteTransfer       RemoteMsgType = "transfer"
)

// RemoteMsg is one instruction for the interchain account.
type RemoteMsg struct {
	Type   RemoteMsgType `json:"type"`
	Sender string        `json:"sender"`

	// join_pool
	Token *sdk.Coin `json:"token,omitempty"`

	// begin_unlocking, exit_pool
	Shares *sdkmath.Int `json:"shares,omitempty"`

	// exit_pool
	TokenOutMinAmount *sdkmath.Int `json:"token_out_min_amount,omitempty"`
	TokenOutDenom     string       `json:"token_out_denom,omitempty"`

	// transfer
	Transfer *transfertypes.MsgTransfer `json:"transfer,omitempty"`
}

// BondResult is returned by the remote side once a join succeeded.
type BondResult struct {
	Shares sdkmath.Int `json:"shares"`
}

// StartUnbondResult carries the remote unlock time of the shares that started unlocking.
type StartUnbondResult struct {
	UnlockTime time.Time `json:"unlock_time"`
}

// ExitResult is the amount of base tokens an exit produced on the remote account.
type ExitResult struct {
	Amount sdkmath.Int `json:"amount"`
}

// OutboundPacket is a packet the strategy handed to the transport.
type OutboundPacket struct {
	Channel  string    `json:"channel"`
	Sequence uint64    `json:"sequence"`
	Kind     StepKind  `json:"kind"`
	Msg      RemoteMsg `json:"msg"`
}
