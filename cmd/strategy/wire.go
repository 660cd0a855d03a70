package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/elys-network/icastrategy/internal/config"
	"github.com/elys-network/icastrategy/internal/metrics"
	"github.com/elys-network/icastrategy/internal/orchestrator"
	"github.com/elys-network/icastrategy/internal/pricefeed"
	"github.com/elys-network/icastrategy/internal/state"
	"github.com/elys-network/icastrategy/internal/transport"
)

// services bundles everything the commands share. Closing it releases the store and any
// chain connection.
type services struct {
	store      state.Store
	db         *sql.DB
	postgres   *state.PostgresStore
	memory     *state.MemoryStore
	grpcClient *grpc.ClientConn
	controller *transport.ControllerClient
	metrics    *metrics.Metrics
	orch       *orchestrator.Orchestrator
}

func (s *services) Close() {
	// the controller owns the gRPC connection once it exists
	if s.controller != nil {
		if err := s.controller.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close ICA controller")
		}
	} else if s.grpcClient != nil {
		s.grpcClient.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close state store")
		}
	}
}

// journal returns whichever store keeps the dispatch cycle journal.
func (s *services) journal() state.CycleJournal {
	if s.postgres != nil {
		return s.postgres
	}
	return s.memory
}

func openDB() (*sql.DB, error) {
	if config.DBHost == "" {
		return nil, fmt.Errorf("DB_HOST is not set")
	}
	dbCfg := state.DBConfig{
		Host: config.DBHost, Port: mustAtoi(config.DBPort, 5432),
		User: config.DBUser, Password: config.DBPassword,
		DBName: config.DBName, SSLMode: config.DBSSLMode,
	}
	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("dbname", dbCfg.DBName).
		Msg("Connecting to database")
	return state.OpenDB(dbCfg)
}

func openStore(s *services) error {
	if config.DBHost == "" {
		log.Warn().Msg("DB_HOST not set; strategy state is kept in memory and lost on restart")
		s.memory = state.NewMemoryStore()
		s.store = s.memory
		return nil
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	if err := state.EnsureSchema(db); err != nil {
		db.Close()
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}
	pg, err := state.NewPostgresStore(db)
	if err != nil {
		db.Close()
		return err
	}
	s.db, s.postgres, s.store = db, pg, pg
	return nil
}

func dialGRPC(endpoint string) (*grpc.ClientConn, error) {
	var creds grpc.DialOption
	if strings.Contains(endpoint, ":443") {
		creds = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{}))
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	conn, err := grpc.NewClient(endpoint, creds)
	if err != nil {
		return nil, fmt.Errorf("gRPC connection error: %w", err)
	}
	log.Info().Str("endpoint", endpoint).Msg("gRPC connected")
	return conn, nil
}

// buildServices wires the store, packet transport, metrics and orchestrator from the loaded
// configuration. Live mode signs MsgSendTx through the controller chain; memory mode keeps
// packets in process.
func buildServices() (*services, error) {
	s := &services{metrics: metrics.New()}
	if err := openStore(s); err != nil {
		return nil, err
	}

	var sender transport.PacketSender
	var payer orchestrator.PayoutBroadcaster
	switch config.Mode {
	case "live":
		log.Warn().Msg("Initializing strategy in LIVE mode. Real transactions will be broadcast.")
		conn, err := dialGRPC(config.NodeGRPC)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.grpcClient = conn
		controller, err := transport.NewControllerClient(conn, config.ICAConnectionID)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize ICA controller: %w", err)
		}
		s.controller = controller
		sender, payer = controller, controller
		log.Info().Str("owner", controller.Owner()).Str("connection", config.ICAConnectionID).Msg("ICA controller ready")
	case "memory":
		log.Warn().Msg("STRATEGY_MODE is 'memory'. Packets are not relayed to any chain.")
		sender = transport.NewMemoryChannel()
	default:
		s.Close()
		return nil, fmt.Errorf("unknown STRATEGY_MODE %q, expected live or memory", config.Mode)
	}

	sizer, err := buildExitSizer()
	if err != nil {
		s.Close()
		return nil, err
	}

	s.orch, err = orchestrator.New(orchestrator.Config{
		Store:                 s.store,
		Sender:                sender,
		ExitSizer:             sizer,
		Payer:                 payer,
		Metrics:               s.metrics,
		Operator:              config.OperatorAddress,
		DepositorProxy:        config.DepositorProxy,
		Transport:             config.TransportAddress,
		StrategyAddress:       config.StrategyAddress,
		BaseDenom:             config.BaseDenom,
		RemoteBaseDenom:       config.RemoteBaseDenom,
		ReturnTransferChannel: config.ReturnTransferChannel,
		PacketTimeout:         config.PacketTimeout,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return s, nil
}

// buildExitSizer prices exits from EXIT_PRICE_URL when set, otherwise at EXIT_PRICE_PER_SHARE.
func buildExitSizer() (orchestrator.ExitSizer, error) {
	slippage, err := sdkmath.LegacyNewDecFromStr(config.ExitMaxSlippage)
	if err != nil {
		return nil, fmt.Errorf("invalid EXIT_MAX_SLIPPAGE: %w", err)
	}
	if config.ExitPriceURL != "" {
		feed, err := pricefeed.NewFeed(config.ExitPriceURL)
		if err != nil {
			return nil, err
		}
		return pricefeed.NewExitSizer(feed, slippage)
	}
	price, err := sdkmath.LegacyNewDecFromStr(config.ExitPricePerShare)
	if err != nil {
		return nil, fmt.Errorf("invalid EXIT_PRICE_PER_SHARE: %w", err)
	}
	return orchestrator.NewSlippageExitSizer(price, slippage)
}

// registerConfiguredChannel opens ICA_CHANNEL_ID when no channel has been registered yet.
func registerConfiguredChannel(ctx context.Context, s *services) error {
	if config.ICAChannelID == "" {
		return nil
	}
	ch, err := s.orch.Channel(ctx)
	if err != nil {
		return err
	}
	if ch != nil {
		log.Info().Str("channel", ch.ChannelID).Str("status", string(ch.Status)).Msg("Using stored ICA channel")
		return nil
	}
	if config.ICAAddress == "" {
		return fmt.Errorf("ICA_ADDRESS is required to register channel %s", config.ICAChannelID)
	}
	_, err = s.orch.OpenChannel(ctx, config.OperatorAddress, config.ICAChannelID, config.ICAConnectionID, config.ICAAddress)
	return err
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
