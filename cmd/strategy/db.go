package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elys-network/icastrategy/internal/state"
	"github.com/elys-network/icastrategy/internal/types"
)

var resetConfirm bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL schema",
	RunE:  runMigrate,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every strategy table",
	Long: `Drop and recreate every strategy table.

All queued requests, claims, traps and share balances are lost. Only use this against a
development database.`,
	RunE: runReset,
}

var trapsCmd = &cobra.Command{
	Use:   "traps",
	Short: "Print failed steps waiting for an operator retry as JSON",
	RunE:  runTraps,
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "confirm", false, "Confirm that all strategy state may be deleted")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := state.EnsureSchema(db); err != nil {
		return err
	}
	log.Info().Msg("Database schema is up to date")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetConfirm {
		return fmt.Errorf("refusing to reset without --confirm")
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := state.ResetSchema(db); err != nil {
		return err
	}
	log.Warn().Msg("Database reset complete")
	return nil
}

func runTraps(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	if err := state.EnsureSchema(db); err != nil {
		db.Close()
		return err
	}
	store, err := state.NewPostgresStore(db)
	if err != nil {
		db.Close()
		return err
	}
	defer store.Close()

	var traps []types.Trap
	err = store.View(background(cmd), func(st *types.State) error {
		traps = st.SortedTraps()
		return nil
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(traps)
}
