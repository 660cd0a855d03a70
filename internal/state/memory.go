package state

import (
	"context"
	"sync"

	"github.com/elys-network/icastrategy/internal/types"
)

// MemoryStore keeps the aggregate in process. Used for local runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	state  *types.State
	closed bool

	cycle  int64
	cycles []CycleRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: types.NewState()}
}

// NewMemoryStoreWith seeds the store with an existing state.
func NewMemoryStoreWith(st *types.State) (*MemoryStore, error) {
	cp, err := st.Clone()
	if err != nil {
		return nil, err
	}
	return &MemoryStore{state: cp}, nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(st *types.State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := m.state.Clone()
	if err != nil {
		return err
	}
	return fn(cp)
}

func (m *MemoryStore) Update(ctx context.Context, fn func(st *types.State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	working, err := m.state.Clone()
	if err != nil {
		return err
	}
	if err := fn(working); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) NextCycleNumber(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	m.cycle++
	return m.cycle, nil
}

func (m *MemoryStore) SaveCycle(ctx context.Context, rec CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.cycles = append(m.cycles, rec)
	return nil
}

func (m *MemoryStore) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	limit = clampCycleLimit(limit)
	out := make([]CycleRecord, 0, limit)
	for i := len(m.cycles) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.cycles[i])
	}
	return out, nil
}
