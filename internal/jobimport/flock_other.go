//go:build !unix

package jobimport

import "os"

// Without flock the lock file only marks the queue as in use.
func lockQueueFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func unlockQueueFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}
