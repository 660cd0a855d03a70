/*

Lock state for the remote operation categories. A category is locked while a message for it
is in flight on the interchain account, so the dispatcher never races two remote operations
of the same kind.

*/

package types

import "fmt"

// Category names a class of remote operation guarded by its own lock.
type Category string

const (
	CategoryBond        Category = "bond"
	CategoryStartUnbond Category = "start_unbond"
	CategoryUnbond      Category = "unbond"
	CategoryMigration   Category = "migration"
)

// DispatchOrder is the fixed priority the dispatcher walks the categories in.
var DispatchOrder = []Category{CategoryBond, CategoryStartUnbond, CategoryUnbond}

// ParseCategory validates a category name coming from the outside world.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryBond, CategoryStartUnbond, CategoryUnbond, CategoryMigration:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown lock category %q", s)
}

type LockStatus string

const (
	Unlocked LockStatus = "unlocked"
	Locked   LockStatus = "locked"
)

// Lock holds the four independent lock flags.
type Lock struct {
	Bond        LockStatus `json:"bond"`
	StartUnbond LockStatus `json:"start_unbond"`
	Unbond      LockStatus `json:"unbond"`
	Migration   LockStatus `json:"migration"`
}

// NewLock returns a fully unlocked Lock.
func NewLock() Lock {
	return Lock{Bond: Unlocked, StartUnbond: Unlocked, Unbond: Unlocked, Migration: Unlocked}
}

func (l *Lock) flag(cat Category) *LockStatus {
	switch cat {
	case CategoryBond:
		return &l.Bond
	case CategoryStartUnbond:
		return &l.StartUnbond
	case CategoryUnbond:
		return &l.Unbond
	case CategoryMigration:
		return &l.Migration
	}
	return nil
}

// IsLocked reports whether cat is locked. An empty flag (zero value) counts as unlocked.
func (l Lock) IsLocked(cat Category) bool {
	f := l.flag(cat)
	return f != nil && *f == Locked
}

func (l Lock) IsUnlocked(cat Category) bool {
	return !l.IsLocked(cat)
}

func (l *Lock) Lock(cat Category) {
	if f := l.flag(cat); f != nil {
		*f = Locked
	}
}

func (l *Lock) Unlock(cat Category) {
	if f := l.flag(cat); f != nil {
		*f = Unlocked
	}
}

// IsFullyUnlocked reports whether no flag at all is set.
func (l Lock) IsFullyUnlocked() bool {
	return l.IsUnlocked(CategoryBond) && l.IsUnlocked(CategoryStartUnbond) &&
		l.IsUnlocked(CategoryUnbond) && l.IsUnlocked(CategoryMigration)
}

// IsFullyLocked reports whether nothing can be dispatched: either every operation category is
// locked or a migration holds the whole strategy.
func (l Lock) IsFullyLocked() bool {
	if l.IsLocked(CategoryMigration) {
		return true
	}
	for _, cat := range DispatchOrder {
		if l.IsUnlocked(cat) {
			return false
		}
	}
	return true
}
