package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"cosmossdk.io/x/tx/signing"
	"github.com/cenkalti/backoff/v4"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	"github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/client/flags"
	"github.com/cosmos/cosmos-sdk/client/tx"
	"github.com/cosmos/cosmos-sdk/codec"
	"github.com/cosmos/cosmos-sdk/codec/address"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	"github.com/cosmos/cosmos-sdk/crypto/keyring"
	"github.com/cosmos/cosmos-sdk/std"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	signingtypes "github.com/cosmos/cosmos-sdk/types/tx/signing"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"github.com/cosmos/gogoproto/proto"
	icacontrollertypes "github.com/cosmos/ibc-go/v8/modules/apps/27-interchain-accounts/controller/types"
	transfertypes "github.com/cosmos/ibc-go/v8/modules/apps/transfer/types"
	channeltypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/elys-network/icastrategy/internal/config"
	"github.com/elys-network/icastrategy/internal/logger"
	"github.com/elys-network/icastrategy/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrKeyringInit           = errors.New("keyring initialization failed")
	ErrKeyNotFound           = errors.New("signing key not found")
	ErrRPCConnectionFailed   = errors.New("RPC connection failed")
	ErrGRPCConnectionInvalid = errors.New("gRPC connection is invalid")
	ErrTxBuildFailed         = errors.New("transaction build failed")
	ErrTxSignFailed          = errors.New("transaction signing failed")
	ErrTxBroadcastFailed     = errors.New("transaction broadcast failed")
	ErrTxFailed              = errors.New("transaction failed on chain")
	ErrTxNotIncluded         = errors.New("transaction not included in a block")
	ErrSDKConfigFailed       = errors.New("SDK configuration failed")
)

// Thread-safe SDK configuration using sync.Once
var sdkConfigOnce sync.Once
var sdkConfigError error

// ControllerClient owns the interchain account on the controller chain. Every remote step is
// signed locally and submitted as a MsgSendTx; the packet sequence is read back from the
// committed transaction.
type ControllerClient struct {
	mu           sync.Mutex
	clientCtx    client.Context
	txFactory    tx.Factory
	grpcConn     *grpc.ClientConn
	owner        sdk.AccAddress
	connectionID string
	logger       zerolog.Logger

	// inclusion polling, shortened in tests
	pollAttempts int
	pollBase     time.Duration
	pollMax      time.Duration
}

// NewControllerClient builds a signing client for the configured key and ICA connection.
func NewControllerClient(grpcConn *grpc.ClientConn, connectionID string) (*ControllerClient, error) {
	if grpcConn == nil {
		return nil, errors.Join(ErrGRPCConnectionInvalid, errors.New("gRPC connection cannot be nil"))
	}
	if connectionID == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("connection id cannot be empty"))
	}
	if err := validateSigningConfig(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if err := configureSDK(config.AccountPrefix); err != nil {
		return nil, errors.Join(ErrSDKConfigFailed, err)
	}

	cdc, registry, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	if err := os.MkdirAll(config.KeyringDir, 0o755); err != nil {
		return nil, errors.Join(ErrKeyringInit, fmt.Errorf("failed to create keyring directory: %w", err))
	}
	kr, err := keyring.New("icastrategy", config.KeyringBackend, config.KeyringDir, os.Stdin, cdc)
	if err != nil {
		return nil, errors.Join(ErrKeyringInit, err)
	}
	record, err := kr.Key(config.KeyName)
	if err != nil {
		return nil, errors.Join(ErrKeyNotFound, fmt.Errorf("key '%s' not found in keyring: %w", config.KeyName, err))
	}
	owner, err := record.GetAddress()
	if err != nil {
		return nil, errors.Join(ErrKeyNotFound, err)
	}
	if err := sdk.VerifyAddressFormat(owner); err != nil {
		return nil, errors.Join(ErrKeyNotFound, fmt.Errorf("invalid address format: %w", err))
	}

	rpcClient, err := rpchttp.New(config.NodeRPC, "/websocket")
	if err != nil {
		return nil, errors.Join(ErrRPCConnectionFailed, err)
	}

	txConfig := authtx.NewTxConfig(cdc, authtx.DefaultSignModes)
	clientCtx := client.Context{}.
		WithCodec(cdc).
		WithInterfaceRegistry(registry).
		WithTxConfig(txConfig).
		WithInput(os.Stdin).
		WithAccountRetriever(authtypes.AccountRetriever{}).
		WithBroadcastMode(flags.BroadcastSync).
		WithHomeDir(config.KeyringDir).
		WithKeyring(kr).
		WithChainID(config.ChainID).
		WithGRPCClient(grpcConn).
		WithClient(rpcClient).
		WithFromAddress(owner).
		WithFromName(config.KeyName)

	txFactory := tx.Factory{}.
		WithChainID(config.ChainID).
		WithKeybase(kr).
		WithGas(config.DefaultGasLimit).
		WithGasAdjustment(config.GasAdjustment).
		WithSignMode(signingtypes.SignMode_SIGN_MODE_DIRECT).
		WithAccountRetriever(clientCtx.AccountRetriever).
		WithTxConfig(txConfig)

	c := &ControllerClient{
		clientCtx:    clientCtx,
		txFactory:    txFactory,
		grpcConn:     grpcConn,
		owner:        owner,
		connectionID: connectionID,
		logger:       logger.GetForComponent("ica_controller"),
		pollAttempts: 30,
		pollBase:     2 * time.Second,
		pollMax:      30 * time.Second,
	}

	c.logger.Info().
		Str("owner", owner.String()).
		Str("connectionID", connectionID).
		Str("chainID", config.ChainID).
		Str("rpcEndpoint", config.NodeRPC).
		Msg("ICA controller client initialized")
	return c, nil
}

func validateSigningConfig() error {
	if config.ChainID == "" {
		return errors.New("chain ID cannot be empty")
	}
	if config.KeyName == "" {
		return errors.New("key name cannot be empty")
	}
	if config.KeyringDir == "" {
		return errors.New("keyring directory cannot be empty")
	}
	if config.KeyringBackend == "" {
		return errors.New("keyring backend cannot be empty")
	}
	if config.NodeRPC == "" {
		return errors.New("node RPC endpoint cannot be empty")
	}
	if config.DefaultGasLimit == 0 {
		return errors.New("default gas limit cannot be zero")
	}
	if math.IsNaN(config.GasAdjustment) || math.IsInf(config.GasAdjustment, 0) {
		return errors.New("gas adjustment is not finite")
	}
	if config.GasAdjustment <= 0 || config.GasAdjustment > 10 {
		return errors.New("gas adjustment must be between 0 and 10")
	}
	if config.GasPriceAmount == "" || config.GasPriceDenom == "" {
		return errors.New("gas price cannot be empty")
	}
	return nil
}

// configureSDK sets the bech32 prefixes once per process.
func configureSDK(prefix string) error {
	sdkConfigOnce.Do(func() {
		if prefix == "" {
			sdkConfigError = errors.New("account prefix cannot be empty")
			return
		}
		sdkConfig := sdk.GetConfig()
		sdkConfig.SetBech32PrefixForAccount(prefix, prefix+"pub")
		sdkConfig.SetBech32PrefixForValidator(prefix+"valoper", prefix+"valoperpub")
		sdkConfig.SetBech32PrefixForConsensusNode(prefix+"valcons", prefix+"valconspub")
		sdkConfig.Seal()
	})
	return sdkConfigError
}

// newCodec registers exactly the message types the controller signs or decodes.
func newCodec() (codec.Codec, codectypes.InterfaceRegistry, error) {
	sdkConfig := sdk.GetConfig()
	registry, err := codectypes.NewInterfaceRegistryWithOptions(codectypes.InterfaceRegistryOptions{
		ProtoFiles: proto.HybridResolver,
		SigningOptions: signing.Options{
			AddressCodec:          address.Bech32Codec{Bech32Prefix: sdkConfig.GetBech32AccountAddrPrefix()},
			ValidatorAddressCodec: address.Bech32Codec{Bech32Prefix: sdkConfig.GetBech32ValidatorAddrPrefix()},
		},
	})
	if err != nil {
		return nil, nil, err
	}
	std.RegisterInterfaces(registry)
	cryptocodec.RegisterInterfaces(registry)
	authtypes.RegisterInterfaces(registry)
	banktypes.RegisterInterfaces(registry)
	icacontrollertypes.RegisterInterfaces(registry)
	transfertypes.RegisterInterfaces(registry)
	return codec.NewProtoCodec(registry), registry, nil
}

// Owner is the controller-chain account that owns the interchain account.
func (c *ControllerClient) Owner() string { return c.owner.String() }

// SendPacket submits msg through MsgSendTx and returns the ICA packet sequence.
func (c *ControllerClient) SendPacket(ctx context.Context, channelID string, msg types.RemoteMsg, timeout time.Duration) (uint64, error) {
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
	sendTx := icacontrollertypes.NewMsgSendTx(c.owner.String(), c.connectionID, uint64(timeout.Nanoseconds()), data)

	res, err := c.SignAndBroadcastTx(ctx, sendTx)
	if err != nil {
		return 0, errors.Join(ErrSendFailed, err)
	}
	// from here on the tx may have been committed, so failures are reported as unconfirmed
	included, err := c.waitForTransactionInclusion(ctx, res.TxHash)
	if err != nil {
		return 0, &UnconfirmedSendError{TxHash: res.TxHash, Err: err}
	}
	if included.Code != 0 {
		return 0, errors.Join(ErrSendFailed, ErrTxFailed, fmt.Errorf("code %d: %s", included.Code, included.RawLog))
	}

	seq, srcChannel, err := sequenceFromTx(included)
	if err != nil {
		return 0, &UnconfirmedSendError{TxHash: included.TxHash, Err: err}
	}
	if srcChannel != "" && srcChannel != channelID {
		c.logger.Warn().
			Str("expectedChannel", channelID).
			Str("packetChannel", srcChannel).
			Msg("ICA packet left on a different channel than the registered one")
	}

	c.logger.Info().
		Str("txHash", included.TxHash).
		Str("channel", channelID).
		Uint64("sequence", seq).
		Str("type", string(msg.Type)).
		Msg("ICA packet sent")
	return seq, nil
}

// Broadcast signs msgs from the owner account and waits until they are committed. A tx that
// was broadcast but never seen in a block is reported as an UnconfirmedSendError.
func (c *ControllerClient) Broadcast(ctx context.Context, msgs ...sdk.Msg) (string, error) {
	res, err := c.SignAndBroadcastTx(ctx, msgs...)
	if err != nil {
		return "", err
	}
	included, err := c.waitForTransactionInclusion(ctx, res.TxHash)
	if err != nil {
		return "", &UnconfirmedSendError{TxHash: res.TxHash, Err: err}
	}
	if included.Code != 0 {
		return "", errors.Join(ErrTxFailed, fmt.Errorf("code %d: %s", included.Code, included.RawLog))
	}
	return included.TxHash, nil
}

// sequenceFromTx reads the packet sequence from the MsgSendTx response, falling back to the
// send_packet event.
func sequenceFromTx(res *sdk.TxResponse) (uint64, string, error) {
	var srcChannel string
	for _, ev := range res.Events {
		if ev.Type != channeltypes.EventTypeSendPacket {
			continue
		}
		for _, attr := range ev.Attributes {
			if attr.Key == channeltypes.AttributeKeySrcChannel {
				srcChannel = attr.Value
			}
		}
	}

	if res.Data != "" {
		raw, err := hex.DecodeString(res.Data)
		if err == nil {
			var msgData sdk.TxMsgData
			if err := proto.Unmarshal(raw, &msgData); err == nil {
				want := sdk.MsgTypeURL(&icacontrollertypes.MsgSendTxResponse{})
				for _, msgResp := range msgData.MsgResponses {
					if msgResp == nil || msgResp.TypeUrl != want {
						continue
					}
					var resp icacontrollertypes.MsgSendTxResponse
					if err := proto.Unmarshal(msgResp.Value, &resp); err == nil && resp.Sequence > 0 {
						return resp.Sequence, srcChannel, nil
					}
				}
			}
		}
	}

	for _, ev := range res.Events {
		if ev.Type != channeltypes.EventTypeSendPacket {
			continue
		}
		for _, attr := range ev.Attributes {
			if attr.Key != channeltypes.AttributeKeySequence {
				continue
			}
			seq, err := strconv.ParseUint(attr.Value, 10, 64)
			if err != nil {
				return 0, "", errors.Join(ErrSequenceMissing, err)
			}
			return seq, srcChannel, nil
		}
	}
	return 0, "", ErrSequenceMissing
}

// SignAndBroadcastTx signs and broadcasts a transaction. Calls are serialized so the account
// sequence is never reused.
func (c *ControllerClient) SignAndBroadcastTx(ctx context.Context, msgs ...sdk.Msg) (*sdk.TxResponse, error) {
	if len(msgs) == 0 {
		return nil, errors.New("messages cannot be empty")
	}
	for i, msg := range msgs {
		if msg == nil {
			return nil, fmt.Errorf("message %d is nil", i)
		}
		if validator, ok := msg.(interface{ ValidateBasic() error }); ok {
			if err := validator.ValidateBasic(); err != nil {
				return nil, fmt.Errorf("message %d validation failed: %w", i, err)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.clientCtx.AccountRetriever.GetAccount(c.clientCtx, c.owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}

	estimatedGas, err := c.calculateGas(ctx, account.GetAccountNumber(), account.GetSequence(), msgs...)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Gas estimation failed, using default gas limit")
		estimatedGas = config.DefaultGasLimit
	}

	factory := c.txFactory.
		WithAccountNumber(account.GetAccountNumber()).
		WithSequence(account.GetSequence()).
		WithGas(estimatedGas).
		WithGasPrices(config.GasPriceAmount + config.GasPriceDenom)

	txBuilder, err := factory.BuildUnsignedTx(msgs...)
	if err != nil {
		return nil, errors.Join(ErrTxBuildFailed, err)
	}
	if err := tx.Sign(ctx, factory, c.clientCtx.GetFromName(), txBuilder, true); err != nil {
		return nil, errors.Join(ErrTxSignFailed, err)
	}
	txBytes, err := c.clientCtx.TxConfig.TxEncoder()(txBuilder.GetTx())
	if err != nil {
		return nil, errors.Join(ErrTxBuildFailed, fmt.Errorf("failed to encode transaction: %w", err))
	}

	res, err := c.clientCtx.BroadcastTx(txBytes)
	if err != nil {
		return nil, errors.Join(ErrTxBroadcastFailed, err)
	}
	if res == nil || res.TxHash == "" {
		return nil, errors.Join(ErrTxBroadcastFailed, errors.New("empty broadcast response"))
	}
	if res.Code != 0 {
		return nil, errors.Join(ErrTxBroadcastFailed, fmt.Errorf("checkTx code %d: %s", res.Code, res.RawLog))
	}

	c.logger.Info().
		Str("txHash", res.TxHash).
		Uint64("gas", estimatedGas).
		Uint64("sequence", account.GetSequence()).
		Int("messageCount", len(msgs)).
		Msg("Transaction broadcasted")
	return res, nil
}

func (c *ControllerClient) calculateGas(ctx context.Context, accountNumber, sequence uint64, msgs ...sdk.Msg) (uint64, error) {
	simFactory := c.txFactory.
		WithAccountNumber(accountNumber).
		WithSequence(sequence).
		WithGas(0)
	txBytes, err := simFactory.BuildSimTx(msgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to build simulation transaction: %w", err)
	}
	simRes, err := txtypes.NewServiceClient(c.grpcConn).Simulate(ctx, &txtypes.SimulateRequest{TxBytes: txBytes})
	if err != nil {
		return 0, fmt.Errorf("gas simulation failed: %w", err)
	}
	if simRes == nil || simRes.GasInfo == nil || simRes.GasInfo.GasUsed == 0 {
		return 0, errors.New("simulation returned no gas info")
	}
	// 10k buffer on top of the adjusted estimate
	return uint64(simFactory.GasAdjustment()*float64(simRes.GasInfo.GasUsed)) + 10000, nil
}

// QueryTxByHash queries a transaction by its hash to get complete execution details
func (c *ControllerClient) QueryTxByHash(txHash string) (*sdk.TxResponse, error) {
	if txHash == "" {
		return nil, errors.New("transaction hash cannot be empty")
	}
	txResponse, err := authtx.QueryTx(c.clientCtx, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction %s: %w", txHash, err)
	}
	if txResponse == nil {
		return nil, fmt.Errorf("transaction %s not found", txHash)
	}
	return txResponse, nil
}

// waitForTransactionInclusion polls for the committed tx with exponential backoff.
func (c *ControllerClient) waitForTransactionInclusion(ctx context.Context, txHash string) (*sdk.TxResponse, error) {
	var included *sdk.TxResponse
	attempt := 0
	op := func() error {
		attempt++
		txResponse, err := c.QueryTxByHash(txHash)
		if err != nil {
			return err
		}
		if txResponse.Height <= 0 {
			return fmt.Errorf("transaction %s has no height yet", txHash)
		}
		included = txResponse
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().
			Err(err).
			Str("txHash", txHash).
			Int("attempt", attempt).
			Dur("retryIn", wait).
			Msg("Transaction not yet available, will retry")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(c.newPollBackOff(), ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrTxNotIncluded, txHash, attempt, err)
	}
	return included, nil
}

// newPollBackOff grows the wait by 1.5x from pollBase up to pollMax, for pollAttempts queries.
func (c *ControllerClient) newPollBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollBase
	bo.Multiplier = 1.5
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.pollMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	retries := c.pollAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(bo, uint64(retries))
}

// Close closes the gRPC connection.
func (c *ControllerClient) Close() error {
	if c.grpcConn == nil {
		return nil
	}
	if err := c.grpcConn.Close(); err != nil {
		return fmt.Errorf("failed to close gRPC connection: %w", err)
	}
	return nil
}
