// PID lock (spec.md §4.8, §5): rejects start if another instance is live on
// the same data directory; a stale lock is reclaimed. Grounded on the
// ecosystem idiom of advisory flock-based PID files (golang.org/x/sys/unix),
// the same OS-facility family the teacher leans on for os.Process/
// os/signal handling in server/server.go.
package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PIDLock is an advisory, flock-backed lock file. It owns the data
// directory exclusively for one keeper process tree (spec.md §5).
type PIDLock struct {
	path string
	file *os.File
}

// ErrAlreadyRunning is returned by Acquire when another live process holds
// the lock.
var ErrAlreadyRunning = fmt.Errorf("another keeper instance is already running on this data directory")

// Acquire opens (creating if needed) the lock file and attempts a
// non-blocking exclusive flock. A stale lock -- one whose holder is gone --
// is reclaimed transparently because flock releases automatically when its
// owning process exits or dies, even without a clean unlock.
func Acquire(path string) (*PIDLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteString(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}

	return &PIDLock{path: path, file: f}, nil
}

// Release unlocks and removes the PID file. Called once, on clean shutdown.
func (l *PIDLock) Release() error {
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if err := l.file.Close(); err != nil {
		return err
	}
	return os.Remove(l.path)
}
