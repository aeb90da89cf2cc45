package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// PIDLock enforces the single-instance guarantee: an exclusive advisory
// lock on the PID file, held for the daemon's lifetime.
type PIDLock struct {
	path string
	lock *flock.Flock
}

// AcquirePIDLock locks path and writes the current PID into it. A held
// lock means another daemon is running; a present-but-unlocked file is
// stale (the holder died without cleanup) and is overwritten.
func AcquirePIDLock(path string) (*PIDLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pid file %s: %w", path, err)
	}
	if !ok {
		if pid, ok := ReadPID(path); ok {
			return nil, fmt.Errorf("pulse already running (pid %d)", pid)
		}
		return nil, fmt.Errorf("pulse already running (pid file %s locked)", path)
	}

	if pid, exists := ReadPID(path); exists && !ProcessAlive(pid) {
		log.Printf("pulse: removing stale pid file (pid %d gone)", pid)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &PIDLock{path: path, lock: lock}, nil
}

// Release drops the lock and removes the PID file.
func (p *PIDLock) Release() {
	os.Remove(p.path)
	p.lock.Unlock()
}

// ReadPID parses the PID file. ok is false when the file is absent or
// does not contain a number.
func ReadPID(path string) (pid int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// ProcessAlive reports whether pid exists, via signal 0.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
