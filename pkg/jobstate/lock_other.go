//go:build !unix

package jobstate

import (
	"errors"
	"fmt"
	"os"
)

var errWouldBlock = errors.New("lock held by another process")

type fileLock struct {
	path string
}

// tryLock falls back to an exclusive-create lock file where flock is unavailable.
func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errWouldBlock
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	_ = f.Close()
	return &fileLock{path: path}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
