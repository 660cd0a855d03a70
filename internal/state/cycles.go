/*

The dispatch cycle journal keeps a persistent cycle counter and one record per runner cycle,
so numbering continues across restarts and operators can see what each tick sent.

*/

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// CycleRecord describes one pass of the dispatch runner.
type CycleRecord struct {
	Number     int64         `json:"number"`
	CycleID    string        `json:"cycle_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Locked     bool          `json:"locked"`
	PacketKeys []string      `json:"packet_keys"`
	Error      string        `json:"error,omitempty"`
}

// CycleJournal is implemented by stores that can number and record runner cycles.
type CycleJournal interface {
	NextCycleNumber(ctx context.Context) (int64, error)
	SaveCycle(ctx context.Context, rec CycleRecord) error
	RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
}

const (
	defaultCycleLimit = 10
	maxCycleLimit     = 100
)

func clampCycleLimit(limit int) int {
	if limit <= 0 || limit > maxCycleLimit {
		return defaultCycleLimit
	}
	return limit
}

const cycleSchemaSQL = `
	CREATE TABLE IF NOT EXISTS cycle_counter (
		id INTEGER PRIMARY KEY DEFAULT 1,
		current_cycle BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT single_row_check CHECK (id = 1)
	);
	INSERT INTO cycle_counter (id, current_cycle) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

	CREATE TABLE IF NOT EXISTS dispatch_cycles (
		cycle_number BIGINT PRIMARY KEY,
		cycle_id UUID NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		packet_keys TEXT[] NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_cycles_started ON dispatch_cycles(started_at DESC);
`

// NextCycleNumber increments the persistent counter and returns the new value.
func (p *PostgresStore) NextCycleNumber(ctx context.Context) (int64, error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE cycle_counter
		SET current_cycle = current_cycle + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
		RETURNING current_cycle;`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to increment cycle number: %w", err)
	}
	return next, nil
}

func (p *PostgresStore) SaveCycle(ctx context.Context, rec CycleRecord) error {
	keys := rec.PacketKeys
	if keys == nil {
		keys = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispatch_cycles (cycle_number, cycle_id, started_at, duration_ms, locked, packet_keys, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cycle_number) DO NOTHING;`,
		rec.Number, rec.CycleID, rec.StartedAt, rec.Duration.Milliseconds(), rec.Locked, pq.Array(keys), rec.Error)
	if err != nil {
		return fmt.Errorf("failed to save dispatch cycle %d: %w", rec.Number, err)
	}
	return nil
}

// RecentCycles returns the latest cycles, newest first. limit defaults to 10 and is capped at 100.
func (p *PostgresStore) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT cycle_number, cycle_id, started_at, duration_ms, locked, packet_keys, error
		FROM dispatch_cycles
		ORDER BY cycle_number DESC
		LIMIT $1;`, clampCycleLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var durationMS int64
		if err := rows.Scan(&rec.Number, &rec.CycleID, &rec.StartedAt, &durationMS, &rec.Locked, pq.Array(&rec.PacketKeys), &rec.Error); err != nil {
			p.logger.Error().Err(err).Msg("Failed to scan dispatch cycle row")
			continue
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during dispatch cycle iteration: %w", err)
	}
	return out, nil
}

// Revision is one committed version of the strategy aggregate.
type Revision struct {
	Revision    int64           `json:"revision"`
	CommittedAt time.Time       `json:"committed_at"`
	State       json.RawMessage `json:"state"`
}

// Revisions reads the append-only state history, newest first.
func (p *PostgresStore) Revisions(ctx context.Context, limit int) ([]Revision, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT revision, committed_at, state
		FROM strategy_state_history
		ORDER BY revision DESC
		LIMIT $1;`, clampCycleLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query state history: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var r Revision
		var raw []byte
		if err := rows.Scan(&r.Revision, &r.CommittedAt, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan state history row: %w", err)
		}
		r.State = json.RawMessage(raw)
		out = append(out, r)
	}
	return out, rows.Err()
}
