package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDLockAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.pid")

	lock, err := AcquirePIDLock(path)
	require.NoError(t, err)

	pid, ok := ReadPID(path)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	lock.Release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.pid")

	lock, err := AcquirePIDLock(path)
	require.NoError(t, err)
	defer lock.Release()

	_, err = AcquirePIDLock(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	// the original holder's PID file was not disturbed
	pid, ok := ReadPID(path)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStalePIDFileIsReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.pid")
	// no live process and no held lock: leftover from a SIGKILL
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o600))

	lock, err := AcquirePIDLock(path)
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))

	_, ok := ReadPID(path)
	assert.False(t, ok)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(999999999))
}
