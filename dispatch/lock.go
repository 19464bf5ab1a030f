//go:build !windows

package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/kastheco/prloom/config"
)

// Lock is the exclusive advisory lock on .prloom/repo.lock. Exactly one
// dispatcher may run per repository; every other writer goes through the
// control log.
type Lock struct {
	f *os.File
}

// AcquireLock takes the repo lock without blocking. A held lock means another
// dispatcher is running.
func AcquireLock(paths config.Paths) (*Lock, error) {
	path := paths.LockFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another dispatcher holds %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
