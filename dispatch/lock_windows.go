//go:build windows

package dispatch

import "github.com/kastheco/prloom/config"

// Lock is a no-op on Windows: syscall.Flock is unavailable, so mutual
// exclusion relies on the operator running one dispatcher.
type Lock struct{}

// AcquireLock always succeeds on Windows.
func AcquireLock(config.Paths) (*Lock, error) { return &Lock{}, nil }

// Release is a no-op.
func (l *Lock) Release() {}
