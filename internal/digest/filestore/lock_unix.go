//go:build unix

package filestore

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// acquire takes an flock on path without blocking: exclusive for writers,
// shared for readers. The lock dies with the process.
func acquire(path string, shared bool) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	how := syscall.LOCK_EX
	if shared {
		how = syscall.LOCK_SH
	}
	if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, digest.ErrLocked
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() error {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return f.Close()
	}, nil
}
