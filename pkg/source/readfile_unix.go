//go:build unix

package source

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadFrameFile reads a whole frame file with a single descriptor read sized
// to the file length. A short read is a failure, not a retry.
func ReadFrameFile(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size < 1 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	data := make([]byte, st.Size)
	n, err := unix.Read(fd, data)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(n) != st.Size {
		return nil, fmt.Errorf("%s: %w (%d of %d bytes)", path, ErrShortRead, n, st.Size)
	}
	return data, nil
}
