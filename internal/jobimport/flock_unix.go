//go:build unix

package jobimport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func lockQueueFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: queue file %s is locked by another process", ErrQueueUnavailable, path)
		}
		return nil, err
	}
	return f, nil
}

func unlockQueueFile(f *os.File) error {
	if f == nil {
		return nil
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
