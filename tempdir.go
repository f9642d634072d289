package drowsy

import (
	"os"
)

// TempDir returns a new temporary directory in /dev/shm if it exists,
// otherwise in the OS default temporary directory. Frames and model sockets
// are written there, so memory-backed storage is preferred.
func TempDir() (string, error) {
	// Don't create directories in /dev when /dev/shm is missing, we may be
	// running as root.
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		if dir, err := os.MkdirTemp("/dev/shm", "drowsy"); err == nil {
			return dir, nil
		}
	}
	return os.MkdirTemp("", "drowsy")
}
