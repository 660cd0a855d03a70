package config

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
var (
	// NodeRPC is the RPC endpoint of the controller chain node.
	NodeRPC string
	// NodeGRPC is the gRPC endpoint of the controller chain node.
	NodeGRPC string
	// WebPort is the port the HTTP API listens on.
	WebPort string

	// DB settings for the PostgreSQL state store. An empty DBHost keeps state in memory.
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
)

// APITokens maps bearer tokens to the caller identity they authenticate as.
var APITokens = map[string]string{}

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	NodeRPC = getEnvWithDefault("NODE_RPC", "")
	NodeGRPC = getEnvWithDefault("NODE_GRPC", "")
	if Mode == "live" {
		var err error
		if NodeRPC, err = getEnv("NODE_RPC"); err != nil {
			return err
		}
		if NodeGRPC, err = getEnv("NODE_GRPC"); err != nil {
			return err
		}
	}
	WebPort = getEnvWithDefault("WEB_PORT", "8080")

	DBHost = os.Getenv("DB_HOST")
	DBPort = getEnvWithDefault("DB_PORT", "5432")
	DBUser = os.Getenv("DB_USER")
	DBPassword = os.Getenv("DB_PASSWORD")
	DBName = os.Getenv("DB_NAME")
	DBSSLMode = getEnvWithDefault("DB_SSLMODE", "disable")

	log.Debug().
		Str("NodeRPC", NodeRPC).
		Str("NodeGRPC", NodeGRPC).
		Str("WebPort", WebPort).
		Bool("postgres", DBHost != "").
		Msg("Endpoint configuration loaded successfully.")

	return nil
}

// loadAPITokens reads OPERATOR_API_TOKEN, DEPOSITOR_API_TOKEN and TRANSPORT_API_TOKEN and binds
// each to the matching identity. Unset tokens are skipped.
func loadAPITokens() {
	APITokens = map[string]string{}
	bind := func(envKey, identity string) {
		token := strings.TrimSpace(os.Getenv(envKey))
		if token != "" {
			APITokens[token] = identity
		}
	}
	bind("OPERATOR_API_TOKEN", OperatorAddress)
	bind("DEPOSITOR_API_TOKEN", DepositorProxy)
	bind("TRANSPORT_API_TOKEN", TransportAddress)
}
