package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/icastrategy/internal/logger"
	"github.com/elys-network/icastrategy/internal/orchestrator"
	"github.com/elys-network/icastrategy/internal/state"
	"github.com/elys-network/icastrategy/internal/types"
)

// Dispatcher is the part of the orchestrator the runner drives.
type Dispatcher interface {
	Dispatch(ctx context.Context) (*orchestrator.Response, error)
}

// maxDispatchesPerCycle bounds one cycle: each dispatch sends at most one packet and there is
// at most one in flight per category.
const maxDispatchesPerCycle = 3

// Runner calls the dispatcher on a fixed interval so queued work keeps moving without an
// external trigger.
type Runner struct {
	logger     zerolog.Logger
	dispatcher Dispatcher
	journal    state.CycleJournal

	cycleCount int64
}

// Config holds the dependencies for creating a Runner. Journal is optional.
type Config struct {
	Dispatcher Dispatcher
	Journal    state.CycleJournal
}

func New(cfg Config) (*Runner, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	r := &Runner{
		logger:     logger.GetForComponent("runner"),
		dispatcher: cfg.Dispatcher,
		journal:    cfg.Journal,
	}
	r.logger.Info().Bool("journal", r.journal != nil).Msg("Dispatch runner created")
	return r, nil
}

// RunLoop runs a cycle immediately and then on every tick until ctx is cancelled.
func (r *Runner) RunLoop(ctx context.Context, interval time.Duration) {
	r.logger.Info().Dur("interval", interval).Msg("Starting dispatch loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Dispatch loop stopped due to context cancellation")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle dispatches until nothing more can be sent and journals the outcome.
func (r *Runner) RunCycle(ctx context.Context) state.CycleRecord {
	rec := state.CycleRecord{
		Number:    r.nextCycleNumber(ctx),
		CycleID:   uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	cycleLogger := r.logger.With().Str("cycle_id", rec.CycleID).Int64("cycle", rec.Number).Logger()
	cycleLogger.Debug().Msg("Starting dispatch cycle")

	for i := 0; i < maxDispatchesPerCycle; i++ {
		resp, err := r.dispatcher.Dispatch(ctx)
		if err != nil {
			rec.Error = err.Error()
			cycleLogger.Error().Err(err).Msg("Dispatch failed")
			break
		}
		if v, _ := resp.Attribute(orchestrator.AttrIBCLock); v == orchestrator.ValueLocked {
			rec.Locked = true
		}
		if len(resp.Packets) == 0 {
			if v, ok := resp.Attribute(orchestrator.AttrChannel); ok {
				cycleLogger.Warn().Str("channel", v).Msg("Queued work is waiting for an open channel")
			}
			break
		}
		for _, p := range resp.Packets {
			rec.PacketKeys = append(rec.PacketKeys, types.PacketKey(p.Channel, p.Sequence))
		}
	}

	rec.Duration = time.Since(rec.StartedAt)
	if r.journal != nil {
		if err := r.journal.SaveCycle(ctx, rec); err != nil {
			cycleLogger.Error().Err(err).Msg("Failed to save dispatch cycle")
		}
	}
	if len(rec.PacketKeys) > 0 {
		cycleLogger.Info().Strs("packets", rec.PacketKeys).Str("cycleDuration", rec.Duration.String()).Msg("Dispatch cycle sent packets")
	} else {
		cycleLogger.Debug().Bool("locked", rec.Locked).Msg("Dispatch cycle had nothing to send")
	}
	return rec
}

// nextCycleNumber prefers the persistent counter and falls back to the in-process one.
func (r *Runner) nextCycleNumber(ctx context.Context) int64 {
	r.cycleCount++
	if r.journal == nil {
		return r.cycleCount
	}
	n, err := r.journal.NextCycleNumber(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to increment cycle number, using fallback")
		return r.cycleCount
	}
	return n
}
