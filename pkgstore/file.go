package pkgstore

import (
	"os"
	"sync"
)

// lockedFile wraps an *os.File with its own lock, serializing reads and
// writes to it the way the spec requires: "each file handle is serialized
// by its own lock."
type lockedFile struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func openFile(path string, readOnly bool, declaredLength int64) (*lockedFile, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	if !readOnly {
		if err := f.Truncate(declaredLength); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &lockedFile{f: f, path: path}, nil
}

func (lf *lockedFile) WriteAt(p []byte, off int64) (int, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.WriteAt(p, off)
}

func (lf *lockedFile) ReadAt(p []byte, off int64) (int, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.ReadAt(p, off)
}

func (lf *lockedFile) reopenReadOnly() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if err := lf.f.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(lf.path, os.O_RDONLY, 0644)
	if err != nil {
		return err
	}
	lf.f = f
	return nil
}

func (lf *lockedFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.Close()
}
