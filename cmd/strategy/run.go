package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elys-network/icastrategy/internal/config"
	"github.com/elys-network/icastrategy/internal/runner"
	"github.com/elys-network/icastrategy/internal/web"
)

var (
	runNoWeb  bool
	runNoLoop bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the HTTP API and run the dispatch loop",
	Long: `Serve the HTTP API and run the dispatch loop until interrupted.

The loop dispatches queued work every DISPATCH_INTERVAL. Acknowledgements and timeouts are
delivered by the relayer through the API.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNoWeb, "no-web", false, "Do not start the HTTP API")
	runCmd.Flags().BoolVar(&runNoLoop, "no-loop", false, "Do not start the dispatch loop; dispatch only through the API")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Initializing strategy...")

	s, err := buildServices()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := registerConfiguredChannel(ctx, s); err != nil {
		return fmt.Errorf("failed to register ICA channel: %w", err)
	}

	errCh := make(chan error, 1)
	if !runNoWeb {
		webCfg := web.Config{
			Port:         config.WebPort,
			Orchestrator: s.orch,
			Metrics:      s.metrics,
			Journal:      s.journal(),
			Tokens:       config.APITokens,
		}
		if s.postgres != nil {
			webCfg.History = s.postgres
			webCfg.Ping = s.postgres.Ping
		}
		if len(config.APITokens) == 0 {
			log.Warn().Msg("No API tokens configured. Every entrypoint will answer 401.")
		}
		webServer := web.NewWebServer(webCfg)
		go func() {
			if err := webServer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("web server failed: %w", err)
			}
		}()
	}

	if !runNoLoop {
		r, err := runner.New(runner.Config{Dispatcher: s.orch, Journal: s.journal()})
		if err != nil {
			return fmt.Errorf("failed to create runner: %w", err)
		}
		go r.RunLoop(ctx, config.DispatchInterval)
	}

	log.Info().Str("mode", config.Mode).Msg("Strategy running. Press Ctrl+C to stop.")
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down strategy")
		return nil
	case err := <-errCh:
		stop()
		return err
	}
}

// background is used by commands that do not need signal handling.
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
