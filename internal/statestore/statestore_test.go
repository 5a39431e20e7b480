package statestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestAcquireLockSucceedsOnce(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AcquireLock())
	assert.True(t, s.OwnsLock())
}

func TestAcquireLockFailsWhenHeld(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, a.AcquireLock())

	b, err := Open(dir)
	require.NoError(t, err)
	err = b.AcquireLock()
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestReleaseLockAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, a.AcquireLock())
	require.NoError(t, a.ReleaseLock())
	assert.False(t, a.OwnsLock())

	b, err := Open(dir)
	require.NoError(t, err)
	assert.NoError(t, b.AcquireLock())
}

func TestCursorRoundTrip(t *testing.T) {
	s := newStore(t)
	cursor, err := s.LoadCursor()
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, s.AdvanceCursor("m-5"))

	s2, err := Open(s.dir)
	require.NoError(t, err)
	cursor, err = s2.LoadCursor()
	require.NoError(t, err)
	assert.Equal(t, "m-5", cursor)
}

func TestDedupAdmitAndSeen(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Seen("m-1:blind"))

	require.NoError(t, s.Admit("m-1:blind"))
	assert.True(t, s.Seen("m-1:blind"))
	assert.False(t, s.Seen("m-1:trusted"))
}

func TestDedupPersistsAcrossLoad(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Admit("m-1:trusted"))

	s2, err := Open(s.dir)
	require.NoError(t, err)
	require.NoError(t, s2.LoadDedup())
	assert.True(t, s2.Seen("m-1:trusted"))
}

func TestDedupPrunesToLowWatermark(t *testing.T) {
	s := newStore(t)
	s.SetDedupThresholds(10, 5)

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Admit(keyFor(i)))
	}

	// The 11th admission exceeds 10 and prunes to 5; the 12th adds one.
	assert.Len(t, s.dedup, 6)
	assert.True(t, s.Seen(keyFor(11)), "most recent admission must survive prune")
	assert.False(t, s.Seen(keyFor(0)), "oldest admission must be pruned")
}

func TestFirstDeliverySentinel(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.FirstDeliveryDone())
	require.NoError(t, s.MarkFirstDeliveryDone())
	assert.True(t, s.FirstDeliveryDone())
}

func TestStoreDirIsCreated(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alice")
	_, err := Open(dir)
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func keyFor(i int) string {
	return string(rune('a'+i%26)) + "-key"
}
