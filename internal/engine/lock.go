package engine

import (
	"os"

	"github.com/pkg/errors"
)

// Locker provides the repository's advisory lock, modeled directly on
// the teacher's filesystem/locking package: byte-range locking on an
// always-present file rather than a pidfile or directory lock.
type Locker struct {
	file *os.File
}

// NewLocker opens (creating if necessary) the lock file at path. The
// lock is returned in an unlocked state.
func NewLocker(path string, permissions os.FileMode) (*Locker, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, permissions)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open lock file")
	}
	return &Locker{file: file}, nil
}

// Diagnostic returns the lock file's current contents without requiring
// the lock itself, used to report which session last stamped it when
// acquisition fails.
func (l *Locker) Diagnostic() (string, error) {
	if _, err := l.file.Seek(0, 0); err != nil {
		return "", err
	}
	data, err := os.ReadFile(l.file.Name())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// StampSession overwrites the lock file's content with sessionID using
// the already-open descriptor. It deliberately avoids a temp-file-plus-
// rename approach: POSIX byte-range locks are associated with an open
// file description and the inode it refers to, not a path, so swapping
// in a new inode would silently detach the lock a concurrent locker
// would check against.
func (l *Locker) StampSession(sessionID string) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.WriteAt([]byte(sessionID), 0); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close releases the underlying file descriptor (and, with it, any lock
// still held).
func (l *Locker) Close() error {
	return l.file.Close()
}
