package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockCategoriesAreIndependent(t *testing.T) {
	l := NewLock()
	assert.True(t, l.IsFullyUnlocked())
	assert.False(t, l.IsFullyLocked())

	l.Lock(CategoryBond)
	assert.True(t, l.IsLocked(CategoryBond))
	assert.True(t, l.IsUnlocked(CategoryStartUnbond))
	assert.True(t, l.IsUnlocked(CategoryUnbond))
	assert.False(t, l.IsFullyUnlocked())
	assert.False(t, l.IsFullyLocked())

	l.Lock(CategoryStartUnbond)
	l.Lock(CategoryUnbond)
	assert.True(t, l.IsFullyLocked())

	l.Unlock(CategoryStartUnbond)
	assert.False(t, l.IsFullyLocked())
	assert.True(t, l.IsLocked(CategoryBond), "unlocking one category leaves the others alone")
}

func TestMigrationLocksEverything(t *testing.T) {
	l := NewLock()
	l.Lock(CategoryMigration)
	assert.True(t, l.IsFullyLocked())
	assert.True(t, l.IsUnlocked(CategoryBond))

	l.Unlock(CategoryMigration)
	assert.True(t, l.IsFullyUnlocked())
}

func TestZeroLockIsUnlocked(t *testing.T) {
	var l Lock
	assert.True(t, l.IsFullyUnlocked())
	l.Lock("nonsense")
	assert.True(t, l.IsFullyUnlocked())
}

func TestParseCategory(t *testing.T) {
	for _, name := range []string{"bond", "start_unbond", "unbond", "migration"} {
		cat, err := ParseCategory(name)
		require.NoError(t, err)
		assert.Equal(t, Category(name), cat)
	}
	_, err := ParseCategory("everything")
	assert.Error(t, err)
}

func TestStepKindCategory(t *testing.T) {
	assert.Equal(t, CategoryBond, StepBond.Category())
	assert.Equal(t, CategoryStartUnbond, StepStartUnbond.Category())
	assert.Equal(t, CategoryUnbond, StepExit.Category())
	assert.Equal(t, CategoryUnbond, StepReturnTransfer.Category(), "the return transfer keeps the unbond lock")
}
