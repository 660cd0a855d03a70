package types

import "encoding/json"

// Queue is a FIFO persisted as part of the strategy state. The zero value is an empty queue.
type Queue[T any] struct {
	items []T
}

func NewQueue[T any](items ...T) Queue[T] {
	q := Queue[T]{}
	for _, it := range items {
		q.PushBack(it)
	}
	return q
}

func (q *Queue[T]) PushBack(item T) {
	q.items = append(q.items, item)
}

// PushFront puts items ahead of everything already queued, keeping their relative order.
func (q *Queue[T]) PushFront(items ...T) {
	if len(items) == 0 {
		return
	}
	merged := make([]T, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	q.items = append(merged, q.items...)
}

func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q Queue[T]) Front() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

func (q Queue[T]) Len() int { return len(q.items) }

func (q Queue[T]) IsEmpty() bool { return len(q.items) == 0 }

// Items returns a copy of the queued items in FIFO order.
func (q Queue[T]) Items() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// RemoveFunc drops every item for which match returns true and reports how many were removed.
func (q *Queue[T]) RemoveFunc(match func(T) bool) int {
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if match(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return removed
}

// Drain removes and returns, in FIFO order, every item accepted by take. Everything else stays
// queued in its original order.
func (q *Queue[T]) Drain(take func(T) bool) []T {
	var taken []T
	q.RemoveFunc(func(it T) bool {
		if take(it) {
			taken = append(taken, it)
			return true
		}
		return false
	})
	return taken
}

func (q Queue[T]) MarshalJSON() ([]byte, error) {
	if q.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(q.items)
}

func (q *Queue[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	q.items = items
	return nil
}
