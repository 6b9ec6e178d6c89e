package taskqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockExclusive(t *testing.T) {
	dir := t.TempDir()

	first := NewFileLock(dir)
	require.NoError(t, first.Lock())

	second := NewFileLock(dir)
	ok, err := second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "exclusive lock should block a second holder")

	require.NoError(t, first.Unlock())

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock())
}

func TestFileLockSharedBlocksWriter(t *testing.T) {
	dir := t.TempDir()

	reader := NewFileLock(dir)
	require.NoError(t, reader.RLock())

	writer := NewFileLock(dir)
	ok, err := writer.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "a shared holder should keep writers out")

	require.NoError(t, reader.Unlock())
}

func TestFileLockDoubleLockAndUnlock(t *testing.T) {
	fl := NewFileLock(t.TempDir())
	require.NoError(t, fl.Lock())
	assert.Error(t, fl.Lock(), "locking twice through the same handle is an error")
	require.NoError(t, fl.Unlock())
	assert.NoError(t, fl.Unlock(), "unlocking an unheld lock is a no-op")
}
