// ./internal/state/store.go
package state

import (
	"context"
	"errors"

	"github.com/elys-network/icastrategy/internal/types"
)

// Error definitions for the state layer
var (
	ErrStoreClosed    = errors.New("state store is closed")
	ErrNotInitialized = errors.New("database not initialized")
	ErrStateCorrupted = errors.New("stored strategy state could not be decoded")
)

// Store persists the strategy aggregate. Update gives fn a working copy of the state and
// commits it only when fn returns nil, so a failed call leaves no partial writes behind.
// Calls are serialized; no two Update functions ever observe the state at the same time.
type Store interface {
	View(ctx context.Context, fn func(st *types.State) error) error
	Update(ctx context.Context, fn func(st *types.State) error) error
	Close() error
}
