/*

State is the single persisted aggregate of the strategy. Every operation loads it, mutates it
and stores it back as one unit; nothing else holds mutable strategy state.

*/

package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
)

type ChannelStatus string

const (
	ChannelOpen     ChannelStatus = "open"
	ChannelTimedOut ChannelStatus = "timed_out"
	ChannelClosed   ChannelStatus = "closed"
)

// Channel is the ordered ICA channel the strategy controls the remote account through.
type Channel struct {
	ChannelID    string        `json:"channel_id"`
	ConnectionID string        `json:"connection_id"`
	ICAAddress   string        `json:"ica_address"`
	Status       ChannelStatus `json:"status"`
	OpenedAt     time.Time     `json:"opened_at"`
	TimedOutAt   *time.Time    `json:"timed_out_at,omitempty"`
}

func (c *Channel) IsOpen() bool { return c != nil && c.Status == ChannelOpen }

// RequestQueues are the not-yet-dispatched requests per category.
type RequestQueues struct {
	Bond        Queue[Bond]        `json:"bond"`
	StartUnbond Queue[StartUnbond] `json:"start_unbond"`
	Unbond      Queue[Unbond]      `json:"unbond"`
}

// PendingQueues mirror RequestQueues for items whose message is in flight.
type PendingQueues struct {
	Bond        Queue[Bond]        `json:"bond"`
	StartUnbond Queue[StartUnbond] `json:"start_unbond"`
	Unbond      Queue[Unbond]      `json:"unbond"`
}

type State struct {
	Lock     Lock          `json:"lock"`
	Requests RequestQueues `json:"requests"`
	Pending  PendingQueues `json:"pending"`
	// QueuedReturns are return transfers re-queued by a retry, sent ahead of new exits.
	QueuedReturns Queue[ReturnStep] `json:"queued_returns"`

	Replies map[string]ReplyEntry        `json:"replies"`
	Traps   map[string]Trap              `json:"traps"`
	Claims  map[string]Claim             `json:"claims"`
	Returns map[string]ReturningTransfer `json:"returns"`
	Paid    map[string]PaidClaim         `json:"paid"`
	// Unconfirmed holds sends whose tx left but whose packet sequence was never confirmed,
	// keyed by tx hash. Their category stays locked until an operator resolves them.
	Unconfirmed map[string]UnconfirmedSend `json:"unconfirmed"`

	// Shares is the LP share balance per owner; shares being unbonded are already deducted.
	Shares      map[string]sdkmath.Int `json:"shares"`
	TotalShares sdkmath.Int            `json:"total_shares"`

	Channel *Channel `json:"channel,omitempty"`
}

func NewState() *State {
	st := &State{Lock: NewLock()}
	st.ensureMaps()
	st.TotalShares = sdkmath.ZeroInt()
	return st
}

func (s *State) ensureMaps() {
	if s.Replies == nil {
		s.Replies = map[string]ReplyEntry{}
	}
	if s.Traps == nil {
		s.Traps = map[string]Trap{}
	}
	if s.Claims == nil {
		s.Claims = map[string]Claim{}
	}
	if s.Returns == nil {
		s.Returns = map[string]ReturningTransfer{}
	}
	if s.Paid == nil {
		s.Paid = map[string]PaidClaim{}
	}
	if s.Unconfirmed == nil {
		s.Unconfirmed = map[string]UnconfirmedSend{}
	}
	if s.Shares == nil {
		s.Shares = map[string]sdkmath.Int{}
	}
	if s.TotalShares.IsNil() {
		s.TotalShares = sdkmath.ZeroInt()
	}
}

// DecodeState unmarshals a stored aggregate and fills any missing collections.
func DecodeState(data []byte) (*State, error) {
	st := &State{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to decode strategy state: %w", err)
	}
	if st.Lock == (Lock{}) {
		st.Lock = NewLock()
	}
	st.ensureMaps()
	return st, nil
}

func EncodeState(st *State) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode strategy state: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy, used by stores to keep the committed state untouched while a
// call mutates its working copy.
func (s *State) Clone() (*State, error) {
	data, err := EncodeState(s)
	if err != nil {
		return nil, err
	}
	return DecodeState(data)
}

// SharesOf returns the owner's LP share balance, zero when unknown.
func (s *State) SharesOf(owner string) sdkmath.Int {
	if v, ok := s.Shares[owner]; ok && !v.IsNil() {
		return v
	}
	return sdkmath.ZeroInt()
}

// SortedTraps returns the traps ordered by channel then sequence.
func (s *State) SortedTraps() []Trap {
	out := make([]Trap, 0, len(s.Traps))
	for _, t := range s.Traps {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// SortedReplies returns in-flight packets ordered by channel then sequence.
func (s *State) SortedReplies() []ReplyEntry {
	out := make([]ReplyEntry, 0, len(s.Replies))
	for _, r := range s.Replies {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// SortedUnconfirmed returns unconfirmed sends, oldest first.
func (s *State) SortedUnconfirmed() []UnconfirmedSend {
	out := make([]UnconfirmedSend, 0, len(s.Unconfirmed))
	for _, u := range s.Unconfirmed {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DispatchedAt.Equal(out[j].DispatchedAt) {
			return out[i].DispatchedAt.Before(out[j].DispatchedAt)
		}
		return out[i].TxHash < out[j].TxHash
	})
	return out
}
