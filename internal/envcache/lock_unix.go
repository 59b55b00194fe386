//go:build unix

package envcache

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockRoot takes an exclusive advisory lock on the cache root, serializing
// eviction across worker processes that share env_root. Materialization
// itself needs no lock (temp + atomic rename), but deletion must not race
// another process resolving the same hash.
func lockRoot(root string) (release func(), err error) {
	f, err := os.OpenFile(filepath.Join(root, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
