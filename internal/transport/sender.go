// Package transport delivers strategy steps to the interchain account. PacketSender hides
// whether packets go to a real controller chain or to an in-process channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elys-network/icastrategy/internal/logger"
	"github.com/elys-network/icastrategy/internal/types"
)

// Error definitions for the transport layer
var (
	ErrEmptyChannel    = errors.New("channel id is empty")
	ErrInvalidTimeout  = errors.New("packet timeout must be positive")
	ErrInvalidPacket   = errors.New("packet data is invalid")
	ErrSendFailed      = errors.New("sending packet failed")
	ErrSequenceMissing = errors.New("packet sequence not found in tx response")
	// ErrOutcomeUnknown means the transaction left this process but it is not known whether
	// the packet was committed. The send must not be repeated blindly.
	ErrOutcomeUnknown = errors.New("packet send outcome unknown")
)

// UnconfirmedSendError is returned once a MsgSendTx was broadcast but its inclusion or packet
// sequence could not be confirmed. TxHash identifies the transaction to look up.
type UnconfirmedSendError struct {
	TxHash string
	Err    error
}

func (e *UnconfirmedSendError) Error() string {
	return fmt.Sprintf("%s: tx %s: %v", ErrOutcomeUnknown, e.TxHash, e.Err)
}

func (e *UnconfirmedSendError) Unwrap() []error { return []error{ErrOutcomeUnknown, e.Err} }

// AsUnconfirmed returns the unconfirmed send carried by err, if any.
func AsUnconfirmed(err error) (*UnconfirmedSendError, bool) {
	var u *UnconfirmedSendError
	if errors.As(err, &u) {
		return u, true
	}
	return nil, false
}

// PacketSender sends one remote message over an ICA channel and returns the sequence number
// the channel assigned to the packet.
type PacketSender interface {
	SendPacket(ctx context.Context, channelID string, msg types.RemoteMsg, timeout time.Duration) (uint64, error)
}

// SentPacket is a packet captured by MemoryChannel.
type SentPacket struct {
	Channel  string
	Sequence uint64
	Msg      types.RemoteMsg
	Data     []byte
	Timeout  time.Duration
	SentAt   time.Time
}

// MemoryChannel assigns per-channel monotonically increasing sequences starting at 1 and keeps
// every packet it was given. It stands in for the controller chain in local mode and tests.
type MemoryChannel struct {
	mu      sync.Mutex
	next    map[string]uint64
	packets []SentPacket
	failErr error
	lostErr error
	logger  zerolog.Logger
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		next:   map[string]uint64{},
		logger: logger.GetForComponent("memory_channel"),
	}
}

// StartAt makes the next packet on channelID use sequence seq.
func (m *MemoryChannel) StartAt(channelID string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[channelID] = seq
}

// FailWith makes every subsequent send fail with err until cleared with nil.
func (m *MemoryChannel) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// LoseConfirmations makes every subsequent send record the packet and then report an
// unconfirmed outcome wrapping err, until cleared with nil.
func (m *MemoryChannel) LoseConfirmations(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostErr = err
}

func (m *MemoryChannel) SendPacket(ctx context.Context, channelID string, msg types.RemoteMsg, timeout time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if channelID == "" {
		return 0, ErrEmptyChannel
	}
	if timeout <= 0 {
		return 0, ErrInvalidTimeout
	}
	data, err := EncodePacketData(msg)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, errors.Join(ErrSendFailed, m.failErr)
	}
	seq := m.next[channelID]
	if seq == 0 {
		seq = 1
	}
	m.next[channelID] = seq + 1
	m.packets = append(m.packets, SentPacket{
		Channel:  channelID,
		Sequence: seq,
		Msg:      msg,
		Data:     data.GetBytes(),
		Timeout:  timeout,
		SentAt:   time.Now().UTC(),
	})
	m.logger.Debug().Str("channel", channelID).Uint64("sequence", seq).Str("type", string(msg.Type)).Msg("Packet queued on memory channel")
	if m.lostErr != nil {
		return 0, &UnconfirmedSendError{TxHash: fmt.Sprintf("MEMORY-%s-%d", channelID, seq), Err: m.lostErr}
	}
	return seq, nil
}

// Packets returns a copy of every packet sent so far.
func (m *MemoryChannel) Packets() []SentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentPacket, len(m.packets))
	copy(out, m.packets)
	return out
}

// Last returns the most recent packet.
func (m *MemoryChannel) Last() (SentPacket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.packets) == 0 {
		return SentPacket{}, false
	}
	return m.packets[len(m.packets)-1], true
}
