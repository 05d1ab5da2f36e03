package store

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const lockName = "LOCK"

// dirLock is exclusive flock on LOCK file, released by kernel when process dies.
// Snapshot is only read on open, second writer would silently overwrite changes of first.
type dirLock struct{ f *os.File }

func lockDir(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotatef(err, "lock dir=%s", dir)
	}
	path := filepath.Join(dir, lockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "lock open %s", path)
	}
	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.AlreadyExistsf("lock %s held by another process, stop server before offline admin", path)
		}
		return nil, errors.Annotatef(err, "lock %s", path)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return errors.Annotate(err, "unlock")
}
