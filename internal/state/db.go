// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"

	"github.com/elys-network/icastrategy/internal/logger"
	"github.com/elys-network/icastrategy/internal/types"
)

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// OpenDB opens and pings a PostgreSQL connection pool.
func OpenDB(cfg DBConfig) (*sql.DB, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema applies the DDL for the strategy tables. Safe to run repeatedly.
func EnsureSchema(db *sql.DB) error {
	if db == nil {
		return ErrNotInitialized
	}

	schemaSQL := `
		-- The whole strategy aggregate lives in one row so every call can lock, read and
		-- rewrite it inside a single transaction.
		CREATE TABLE IF NOT EXISTS strategy_state (
			id INTEGER PRIMARY KEY DEFAULT 1,
			state JSONB NOT NULL,
			revision BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT single_row_check CHECK (id = 1)
		);

		-- Append-only history of committed revisions, kept for operator forensics.
		CREATE TABLE IF NOT EXISTS strategy_state_history (
			revision BIGINT PRIMARY KEY,
			state JSONB NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_strategy_state_history_committed ON strategy_state_history(committed_at DESC);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	if _, err := db.Exec(cycleSchemaSQL); err != nil {
		return fmt.Errorf("failed to execute cycle journal DDL: %w", err)
	}

	initial, err := types.EncodeState(types.NewState())
	if err != nil {
		return err
	}
	if _, err := db.Exec(`INSERT INTO strategy_state (id, state, revision) VALUES (1, $1, 0) ON CONFLICT (id) DO NOTHING;`, initial); err != nil {
		return fmt.Errorf("failed to seed strategy_state: %w", err)
	}
	return nil
}

// PostgresStore persists the aggregate in PostgreSQL. Each Update runs in its own transaction
// holding a row lock, which also serializes concurrent service instances.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, ErrNotInitialized
	}
	return &PostgresStore{db: db, logger: logger.GetForComponent("state_store")}, nil
}

func (p *PostgresStore) View(ctx context.Context, fn func(st *types.State) error) error {
	var raw []byte
	if err := p.db.QueryRowContext(ctx, `SELECT state FROM strategy_state WHERE id = 1;`).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotInitialized
		}
		return fmt.Errorf("failed to read strategy state: %w", err)
	}
	st, err := types.DecodeState(raw)
	if err != nil {
		return errors.Join(ErrStateCorrupted, err)
	}
	return fn(st)
}

func (p *PostgresStore) Update(ctx context.Context, fn func(st *types.State) error) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback()
		}
	}()

	var raw []byte
	var revision int64
	err = tx.QueryRowContext(ctx, `SELECT state, revision FROM strategy_state WHERE id = 1 FOR UPDATE;`).Scan(&raw, &revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotInitialized
		}
		return fmt.Errorf("failed to lock strategy state: %w", err)
	}

	st, err := types.DecodeState(raw)
	if err != nil {
		return errors.Join(ErrStateCorrupted, err)
	}
	if err = fn(st); err != nil {
		return err
	}

	encoded, err := types.EncodeState(st)
	if err != nil {
		return err
	}
	next := revision + 1
	if _, err = tx.ExecContext(ctx,
		`UPDATE strategy_state SET state = $1, revision = $2, updated_at = CURRENT_TIMESTAMP WHERE id = 1;`,
		encoded, next); err != nil {
		return fmt.Errorf("failed to write strategy state: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO strategy_state_history (revision, state) VALUES ($1, $2);`,
		next, encoded); err != nil {
		return fmt.Errorf("failed to append strategy state history: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.logger.Debug().Int64("revision", next).Msg("Committed strategy state")
	return nil
}

func (p *PostgresStore) Close() error {
	p.logger.Info().Msg("Closing database connection...")
	return p.db.Close()
}

// Ping checks the database connection with a short timeout.
func (p *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// ResetSchema drops every strategy table and recreates an empty schema. All state is lost.
func ResetSchema(db *sql.DB) error {
	if db == nil {
		return ErrNotInitialized
	}
	dropTablesSQL := `
		DROP TABLE IF EXISTS strategy_state CASCADE;
		DROP TABLE IF EXISTS strategy_state_history CASCADE;
		DROP TABLE IF EXISTS dispatch_cycles CASCADE;
		DROP TABLE IF EXISTS cycle_counter CASCADE;
	`
	if _, err := db.Exec(dropTablesSQL); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	return EnsureSchema(db)
}
