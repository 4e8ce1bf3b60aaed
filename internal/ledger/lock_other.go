//go:build !unix

package ledger

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

type fileLock struct {
	f    *os.File
	path string
}

// acquireLock creates path exclusively. A stale file left by a crashed
// process must be removed by hand.
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &fileLock{f: f, path: path}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(closeErr, os.Remove(l.path))
}
