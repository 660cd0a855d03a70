/*

A Step is the continuation stored next to every in-flight packet: what was sent and for whom.
Acknowledgements only carry a channel and sequence, so the step is the only way to resume the
workflow once the remote side answers.

*/

package types

import (
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
)

type StepKind string

const (
	StepBond           StepKind = "bond"
	StepStartUnbond    StepKind = "start_unbond"
	StepExit           StepKind = "exit"
	StepReturnTransfer StepKind = "return_transfer"
)

// Category returns the lock category that a step of this kind holds while in flight.
func (k StepKind) Category() Category {
	switch k {
	case StepBond:
		return CategoryBond
	case StepStartUnbond:
		return CategoryStartUnbond
	default:
		return CategoryUnbond
	}
}

// ReturnStep is the transfer of exited funds back from the remote account.
type ReturnStep struct {
	ReturnID string      `json:"return_id"`
	Amount   sdkmath.Int `json:"amount"`
	Claims   []Unbond    `json:"claims"`
}

// Step is a tagged union: exactly one payload field is populated, selected by Kind.
type Step struct {
	Kind         StepKind      `json:"kind"`
	Bonds        []Bond        `json:"bonds,omitempty"`
	StartUnbonds []StartUnbond `json:"start_unbonds,omitempty"`
	Unbonds      []Unbond      `json:"unbonds,omitempty"`
	Return       *ReturnStep   `json:"return,omitempty"`
}

// ItemCount is the number of captured items the step carries.
func (s Step) ItemCount() int {
	switch s.Kind {
	case StepBond:
		return len(s.Bonds)
	case StepStartUnbond:
		return len(s.StartUnbonds)
	case StepExit:
		return len(s.Unbonds)
	case StepReturnTransfer:
		if s.Return == nil {
			return 0
		}
		return len(s.Return.Claims)
	}
	return 0
}

// PacketKey identifies a packet on a channel; replies and traps are keyed by it.
func PacketKey(channel string, sequence uint64) string {
	return channel + "/" + strconv.FormatUint(sequence, 10)
}

// ReplyEntry correlates an outbound packet sequence with the step it carried.
type ReplyEntry struct {
	Channel      string    `json:"channel"`
	Sequence     uint64    `json:"sequence"`
	Step         Step      `json:"step"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

func (r ReplyEntry) Key() string { return PacketKey(r.Channel, r.Sequence) }

// TimeoutError is the error text recorded for packets that timed out.
const TimeoutError = "timeout"

// Trap is a failed remote step waiting for an operator retry.
type Trap struct {
	Channel           string    `json:"channel"`
	Sequence          uint64    `json:"sequence"`
	Error             string    `json:"error"`
	Step              Step      `json:"step"`
	LastStepSucceeded bool      `json:"last_step_succeeded"`
	Timeout           bool      `json:"timeout"`
	RecordedAt        time.Time `json:"recorded_at"`
}

func (t Trap) Key() string { return PacketKey(t.Channel, t.Sequence) }

// UnconfirmedSend is a step whose tx was broadcast but whose inclusion or packet sequence could
// not be confirmed. It is resolved by an operator who looked the tx up.
type UnconfirmedSend struct {
	TxHash       string    `json:"tx_hash"`
	Channel      string    `json:"channel"`
	Step         Step      `json:"step"`
	Error        string    `json:"error"`
	DispatchedAt time.Time `json:"dispatched_at"`
}
