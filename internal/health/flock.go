package health

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// AcquireFlock attempts to acquire an exclusive file lock.
// Returns the lock (keep held for process lifetime) or an error.
func AcquireFlock(path string) (*flock.Flock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("flock: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another Citadel instance is running (lock: %s)", path)
	}

	// Write our PID for debugging
	os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)

	return fl, nil
}

// ReleaseFlock releases the lock and removes the lock file.
func ReleaseFlock(fl *flock.Flock) {
	if fl == nil {
		return
	}
	path := fl.Path()
	fl.Unlock()
	os.Remove(path)
}
