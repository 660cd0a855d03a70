package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// Mode selects the packet transport: "live" broadcasts MsgSendTx through the controller
	// chain, "memory" keeps packets in process (local development and demos).
	Mode string

	// OperatorAddress may retry traps, toggle locks and manage the ICA channel.
	OperatorAddress string
	// DepositorProxy is the only caller allowed to queue bond and unbond requests.
	DepositorProxy string
	// TransportAddress is the identity acknowledgements and timeouts are delivered as.
	TransportAddress string
	// StrategyAddress is the local account that holds returned funds and pays out claims.
	StrategyAddress string

	// BaseDenom is the local denom deposits arrive in and payouts are made in.
	BaseDenom string
	// RemoteBaseDenom is the same asset as seen on the remote chain.
	RemoteBaseDenom string

	// ICAConnectionID is the controller-side connection the interchain account lives on.
	ICAConnectionID string
	// ICAChannelID is the channel registered at startup when none is stored yet.
	ICAChannelID string
	// ICAAddress is the interchain account address on the remote chain.
	ICAAddress string
	// ReturnTransferChannel is the remote chain's transfer channel back to this chain.
	ReturnTransferChannel string
	// PacketTimeout bounds how long a dispatched packet may stay unacknowledged.
	PacketTimeout time.Duration

	// ExitPricePerShare and ExitMaxSlippage size the minimum token out of an exit.
	ExitPricePerShare string
	ExitMaxSlippage   string
	// ExitPriceURL, when set, replaces ExitPricePerShare with a live share price feed.
	ExitPriceURL string

	// DispatchInterval is how often the runner tries to make progress.
	DispatchInterval time.Duration

	// KeyringBackend is the backend for the keyring (e.g., "os", "file", "test").
	KeyringBackend string
	// KeyringDir is the path to the keyring directory.
	KeyringDir string
	// KeyName is the name of the key within the keyring to use for signing.
	KeyName string
	// ChainID is the chain ID of the controller chain.
	ChainID string
	// AccountPrefix is the bech32 prefix of the controller chain.
	AccountPrefix string

	// DefaultGasLimit is the fallback gas limit if estimation fails.
	DefaultGasLimit uint64
	// GasAdjustment is the multiplier for simulated gas to ensure sufficient fees.
	GasAdjustment float64
	// GasPriceAmount is the amount of the gas fee denomination per unit of gas.
	GasPriceAmount string
	// GasPriceDenom is the denomination for gas fees.
	GasPriceDenom string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Identity, denom and ICA settings are always required; signing settings only in live mode.
func LoadConfig() error {
	log.Info().Msg("Loading strategy configuration from environment variables...")

	var err error

	Mode = getEnvWithDefault("STRATEGY_MODE", "memory")

	if OperatorAddress, err = getEnv("STRATEGY_OPERATOR"); err != nil {
		return err
	}
	if DepositorProxy, err = getEnv("DEPOSITOR_PROXY"); err != nil {
		return err
	}
	if TransportAddress, err = getEnv("TRANSPORT_ADDRESS"); err != nil {
		return err
	}
	if StrategyAddress, err = getEnv("STRATEGY_ADDRESS"); err != nil {
		return err
	}
	if BaseDenom, err = getEnv("BASE_DENOM"); err != nil {
		return err
	}
	if RemoteBaseDenom, err = getEnv("REMOTE_BASE_DENOM"); err != nil {
		return err
	}
	if ICAConnectionID, err = getEnv("ICA_CONNECTION_ID"); err != nil {
		return err
	}
	ICAChannelID = getEnvWithDefault("ICA_CHANNEL_ID", "")
	ICAAddress = getEnvWithDefault("ICA_ADDRESS", "")
	if ReturnTransferChannel, err = getEnv("RETURN_TRANSFER_CHANNEL"); err != nil {
		return err
	}
	if PacketTimeout, err = getEnvAsDuration("PACKET_TIMEOUT", 10*time.Minute); err != nil {
		return err
	}
	if DispatchInterval, err = getEnvAsDuration("DISPATCH_INTERVAL", time.Minute); err != nil {
		return err
	}
	ExitPricePerShare = getEnvWithDefault("EXIT_PRICE_PER_SHARE", "1.0")
	ExitMaxSlippage = getEnvWithDefault("EXIT_MAX_SLIPPAGE", "0.01")
	ExitPriceURL = getEnvWithDefault("EXIT_PRICE_URL", "")

	if err := loadEndpointConfig(); err != nil {
		return err
	}
	loadAPITokens()

	if Mode == "live" {
		if err := loadSigningConfig(); err != nil {
			return err
		}
	}

	log.Debug().
		Str("Mode", Mode).
		Str("Operator", OperatorAddress).
		Str("ConnectionID", ICAConnectionID).
		Dur("PacketTimeout", PacketTimeout).
		Msg("Configuration loaded successfully.")

	return nil
}

func loadSigningConfig() error {
	var err error

	if KeyringBackend, err = getEnv("KEYRING_BACKEND"); err != nil {
		return err
	}
	if KeyringDir, err = getEnv("KEYRING_DIR"); err != nil {
		return err
	}
	if KeyName, err = getEnv("KEYRING_KEY_NAME"); err != nil {
		return err
	}
	if ChainID, err = getEnv("CHAIN_ID"); err != nil {
		return err
	}
	AccountPrefix = getEnvWithDefault("ACCOUNT_PREFIX", "elys")
	if DefaultGasLimit, err = getEnvAsUint64("GAS_DEFAULT_LIMIT"); err != nil {
		return err
	}
	if GasAdjustment, err = getEnvAsFloat64("GAS_ADJUSTMENT"); err != nil {
		return err
	}
	if GasPriceAmount, err = getEnv("GAS_PRICE_AMOUNT"); err != nil {
		return err
	}
	if GasPriceDenom, err = getEnv("GAS_PRICE_DENOM"); err != nil {
		return err
	}

	// Expand the tilde (~) in the keyring directory path to the user's home directory.
	if strings.HasPrefix(KeyringDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		KeyringDir = filepath.Join(home, KeyringDir[2:])
	}
	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

func getEnvWithDefault(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration parses a Go duration ("90s", "10m"), falling back when unset.
func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	valueStr := getEnvWithDefault(key, "")
	if valueStr == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return 0, errors.New("environment variable " + key + " must be a positive duration, got: " + valueStr)
	}
	return value, nil
}
