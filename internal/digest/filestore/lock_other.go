//go:build !unix

package filestore

import (
	"errors"
	"fmt"
	"os"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// acquire creates path exclusively for writers. A crashed holder leaves the
// file behind and it must be removed by hand. Readers only check that no
// writer holds it; they do not keep writers out.
func acquire(path string, shared bool) (func() error, error) {
	if shared {
		if _, err := os.Stat(path); err == nil {
			return nil, digest.ErrLocked
		}
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if errors.Is(err, os.ErrExist) {
		return nil, digest.ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Close()
	return func() error { return os.Remove(path) }, nil
}
