//go:build !unix

package source

import (
	"fmt"
	"os"
)

// ReadFrameFile reads a whole frame file with a single read sized to the
// file length. A short read is a failure, not a retry.
func ReadFrameFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < 1 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	data := make([]byte, info.Size())
	n, err := f.Read(data)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(n) != info.Size() {
		return nil, fmt.Errorf("%s: %w (%d of %d bytes)", path, ErrShortRead, n, info.Size())
	}
	return data, nil
}
