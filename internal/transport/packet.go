package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	icatypes "github.com/cosmos/ibc-go/v8/modules/apps/27-interchain-accounts/types"
	channeltypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"

	"github.com/elys-network/icastrategy/internal/types"
)

// memoPrefix tags the packet memo with the remote message type for relayer and explorer logs.
const memoPrefix = "icastrategy:"

// EncodePacketData wraps a remote message into ICA EXECUTE_TX packet data.
func EncodePacketData(msg types.RemoteMsg) (icatypes.InterchainAccountPacketData, error) {
	if msg.Type == "" {
		return icatypes.InterchainAccountPacketData{}, fmt.Errorf("%w: message type is empty", ErrInvalidPacket)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return icatypes.InterchainAccountPacketData{}, errors.Join(ErrInvalidPacket, err)
	}
	data := icatypes.InterchainAccountPacketData{
		Type: icatypes.EXECUTE_TX,
		Data: raw,
		Memo: memoPrefix + string(msg.Type),
	}
	if err := data.ValidateBasic(); err != nil {
		return icatypes.InterchainAccountPacketData{}, errors.Join(ErrInvalidPacket, err)
	}
	return data, nil
}

// DecodePacketData is the inverse of EncodePacketData.
func DecodePacketData(bz []byte) (types.RemoteMsg, error) {
	var data icatypes.InterchainAccountPacketData
	if err := icatypes.ModuleCdc.UnmarshalJSON(bz, &data); err != nil {
		return types.RemoteMsg{}, errors.Join(ErrInvalidPacket, err)
	}
	if data.Type != icatypes.EXECUTE_TX {
		return types.RemoteMsg{}, fmt.Errorf("%w: unexpected packet type %s", ErrInvalidPacket, data.Type)
	}
	var msg types.RemoteMsg
	if err := json.Unmarshal(data.Data, &msg); err != nil {
		return types.RemoteMsg{}, errors.Join(ErrInvalidPacket, err)
	}
	return msg, nil
}

// SuccessAck builds the acknowledgement bytes a remote host writes for a successful packet.
func SuccessAck(result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return channeltypes.NewResultAcknowledgement(raw).Acknowledgement(), nil
}

// FailureAck builds the acknowledgement bytes a remote host writes when execution failed.
func FailureAck(err error) []byte {
	return channeltypes.NewErrorAcknowledgement(err).Acknowledgement()
}

// DecodeAck unwraps acknowledgement bytes into either the result payload or the error text.
func DecodeAck(bz []byte) (success bool, result []byte, errText string, err error) {
	var ack channeltypes.Acknowledgement
	if err := channeltypes.SubModuleCdc.UnmarshalJSON(bz, &ack); err != nil {
		return false, nil, "", err
	}
	if err := ack.ValidateBasic(); err != nil {
		return false, nil, "", err
	}
	if ack.Success() {
		return true, ack.GetResult(), "", nil
	}
	return false, nil, ack.GetError(), nil
}
