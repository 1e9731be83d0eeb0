package tilematrix

import (
	"os"
	"path/filepath"
)

// Scratch is a scoped storage area for fetched tile images. It is acquired
// before the first tile of a fetch is produced and released when iteration
// ends, whichever way it ends.
type Scratch interface {
	// Write stores data under name and returns the resulting path.
	Write(name string, data []byte) (string, error)
	// Release removes the area and everything in it.
	Release() error
}

// ScratchFactory produces a fresh Scratch per fetch invocation.
type ScratchFactory func() (Scratch, error)

type dirScratch struct {
	dir string
}

// TempDirScratch creates a Scratch backed by a new temporary directory.
// It is the default ScratchFactory for Fetch.
func TempDirScratch() (Scratch, error) {
	dir, err := os.MkdirTemp("", "tegel-")
	if err != nil {
		return nil, err
	}
	return &dirScratch{dir: dir}, nil
}

func (s *dirScratch) Write(name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *dirScratch) Release() error {
	return os.RemoveAll(s.dir)
}
