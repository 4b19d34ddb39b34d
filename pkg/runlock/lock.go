// Package runlock serializes provisioning runs on a host with a pid lock
// file. Only one run may mutate checkpoints and the journal at a time.
package runlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned by Acquire when another process holds the lock.
var ErrHeld = fmt.Errorf("run lock held by another process")

// Lock is a filesystem lock scoped to one provisioning run.
type Lock struct {
	path     string
	acquired bool
}

// New creates a lock backed by the given file path. The lock is not taken
// until Acquire is called.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock by creating the lock file exclusively, writing the
// owning pid. A stale lock whose pid no longer exists is reclaimed.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("writing lock file %s: %w", l.path, firstErr(werr, cerr))
			}
			l.acquired = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file %s: %w", l.path, err)
		}
		if attempt == 0 && l.reclaimStale() {
			continue
		}
		pid, _ := l.ownerPid()
		if pid > 0 {
			return fmt.Errorf("%w (pid %d)", ErrHeld, pid)
		}
		return ErrHeld
	}
	return ErrHeld
}

// Release removes the lock file. Calling Release on a lock that was never
// acquired is a no-op, so it is safe to defer unconditionally.
func (l *Lock) Release() error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) ownerPid() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", l.path, err)
	}
	return pid, nil
}

// reclaimStale removes the lock file when its recorded pid is no longer
// alive. Returns true when the caller should retry acquisition.
func (l *Lock) reclaimStale() bool {
	pid, err := l.ownerPid()
	if err != nil {
		// Unreadable or malformed lock files are never reclaimed
		// automatically; the operator has to inspect them.
		return false
	}
	if pid == os.Getpid() || processAlive(pid) {
		return false
	}
	return os.Remove(l.path) == nil
}

// processAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
