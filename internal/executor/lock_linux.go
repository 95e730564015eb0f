//go:build linux

package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// FcntlChecker reports whether another process holds a POSIX record lock
// on a file.  The platform package manager (dpkg/apt) locks its
// frontend file this way while unattended upgrades run at boot.
type FcntlChecker struct{}

var _ LockChecker = FcntlChecker{}

func (FcntlChecker) Held(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lk); err != nil {
		return false, fmt.Errorf("query lock on %s: %w", path, err)
	}
	return lk.Type != unix.F_UNLCK, nil
}

// DefaultLockChecker returns the checker for this platform.
func DefaultLockChecker() LockChecker { return FcntlChecker{} }
