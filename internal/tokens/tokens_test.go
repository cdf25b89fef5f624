package tokens

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgegraph/pkg/logger"
)

func TestArbiter_AcquireFree(t *testing.T) {
	dir := t.TempDir()
	token := filepath.Join(dir, "locks", "publish.txt")

	arbiter := NewArbiter("job-1", logger.New())
	conflicts, err := arbiter.TryAcquire([]string{token})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	holder, err := ReadHolder(token)
	require.NoError(t, err)
	assert.Equal(t, "job-1", holder)
}

func TestArbiter_ReacquireOwnToken(t *testing.T) {
	dir := t.TempDir()
	token := filepath.Join(dir, "t.txt")

	arbiter := NewArbiter("job-1", logger.New())
	_, err := arbiter.TryAcquire([]string{token})
	require.NoError(t, err)

	// A second attempt by the same job signature is not a conflict.
	second := NewArbiter("job-1", logger.New())
	conflicts, err := second.TryAcquire([]string{token})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	// Releasing the second arbiter must not delete the token: it created
	// nothing.
	second.ReleaseCreated()
	holder, err := ReadHolder(token)
	require.NoError(t, err)
	assert.Equal(t, "job-1", holder)
}

func TestArbiter_Conflict(t *testing.T) {
	dir := t.TempDir()
	token := filepath.Join(dir, "t.txt")

	first := NewArbiter("job-1", logger.New())
	_, err := first.TryAcquire([]string{token})
	require.NoError(t, err)

	second := NewArbiter("job-2", logger.New())
	conflicts, err := second.TryAcquire([]string{token})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, token, conflicts[0].Path)
	assert.Equal(t, "job-1", conflicts[0].Holder)

	// The holder's token file is untouched by the failed attempt.
	holder, err := ReadHolder(token)
	require.NoError(t, err)
	assert.Equal(t, "job-1", holder)
}

func TestArbiter_ReleaseCreatedRollsBack(t *testing.T) {
	dir := t.TempDir()
	held := filepath.Join(dir, "held.txt")
	fresh := filepath.Join(dir, "fresh.txt")
	require.NoError(t, os.WriteFile(held, []byte("job-1"), 0644))

	arbiter := NewArbiter("job-2", logger.New())
	conflicts, err := arbiter.TryAcquire([]string{fresh, held})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	// Rollback removes only the token this attempt created.
	arbiter.ReleaseCreated()
	_, err = os.Stat(fresh)
	assert.True(t, os.IsNotExist(err))

	holder, err := ReadHolder(held)
	require.NoError(t, err)
	assert.Equal(t, "job-1", holder)
}

func TestReadHolder_MissingToken(t *testing.T) {
	holder, err := ReadHolder(filepath.Join(t.TempDir(), "absent.txt"))
	require.NoError(t, err)
	assert.Equal(t, "", holder)
}

func TestArbiter_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	token := filepath.Join(dir, "t.txt")

	arbiter := NewArbiter("job-1", logger.New())
	_, err := arbiter.TryAcquire([]string{token})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t.txt", entries[0].Name())
}
