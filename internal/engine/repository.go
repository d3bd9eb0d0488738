// Package engine implements the repository-wide orchestration that
// spec section 5 describes: acquiring the single-writer advisory lock
// around a command's entire lifetime, loading and persisting metadata,
// and sequencing the backup, gc, restore, integrity-check, and
// config-check commands over the lower-level components.
package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nb-backup/nb/internal/atomicfile"
	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/logging"
	"github.com/nb-backup/nb/internal/nberrors"
	"github.com/nb-backup/nb/internal/objectstore"
	"github.com/nb-backup/nb/internal/repository/metadata"
)

// lockFileName, configFileName, and metadataFileName name the fixed
// top-level entries of a repository directory (spec section 6's
// repository layout).
const (
	lockFileName     = "lockfile"
	configFileName   = "config"
	metadataFileName = "metadata"
)

// Repository represents an open, locked repository directory for the
// duration of one command.
type Repository struct {
	// Path is the repository's path on disk.
	Path string
	// Root is the repository directory, opened for the duration of the
	// command.
	Root *filesystem.Directory
	// SessionID identifies this command invocation, stamped into the
	// lock file for diagnostic reporting to a process that later finds
	// the repository busy.
	SessionID string

	Store *objectstore.Store
	Log   *logging.Logger

	lock *Locker
}

// Open acquires exclusive access to the repository at path: it opens the
// directory, takes a non-blocking advisory lock on its lockfile, and
// stamps the lock with a fresh session identifier. A concurrent Open
// against the same repository fails with nberrors.ErrRepositoryBusy,
// reporting the session id already holding the lock when available.
func Open(path string, log *logging.Logger) (*Repository, error) {
	closer, _, err := filesystem.Open(path, false)
	if err != nil {
		return nil, nberrors.NewIOError("open", path, err)
	}
	root, ok := closer.(*filesystem.Directory)
	if !ok {
		closer.Close()
		return nil, fmt.Errorf("%s: not a directory", path)
	}

	lock, err := NewLocker(filepath.Join(path, lockFileName), 0600)
	if err != nil {
		root.Close()
		return nil, err
	}

	if err := lock.Lock(false); err != nil {
		holder, _ := lock.Diagnostic()
		lock.Close()
		root.Close()
		if holder != "" {
			return nil, fmt.Errorf("repository locked by session %s: %w", holder, nberrors.ErrRepositoryBusy)
		}
		return nil, nberrors.ErrRepositoryBusy
	}

	sessionID := uuid.NewString()
	if err := lock.StampSession(sessionID); err != nil {
		lock.Unlock()
		lock.Close()
		root.Close()
		return nil, fmt.Errorf("unable to stamp lock file with session id: %w", err)
	}

	return &Repository{
		Path:      path,
		Root:      root,
		SessionID: sessionID,
		Store:     objectstore.New(root),
		Log:       log,
		lock:      lock,
	}, nil
}

// Close releases the repository's lock and closes its directory handle.
// The lock file's stamp is left in place; a stale stamp from a crashed
// session is simply overwritten by whichever session next acquires the
// lock.
func (r *Repository) Close() error {
	unlockErr := r.lock.Unlock()
	lockCloseErr := r.lock.Close()
	rootCloseErr := r.Root.Close()
	if unlockErr != nil {
		return unlockErr
	}
	if lockCloseErr != nil {
		return lockCloseErr
	}
	return rootCloseErr
}

// ConfigPath returns the path of the repository's selection config file.
func (r *Repository) ConfigPath() string {
	return filepath.Join(r.Path, configFileName)
}

// HasConfig reports whether the repository's config file exists.
func (r *Repository) HasConfig() bool {
	_, err := os.Stat(r.ConfigPath())
	return err == nil
}

// LoadMetadata reads and decodes the repository's metadata file. A
// missing file (no prior backup) yields a fresh, empty tree rather than
// an error.
func (r *Repository) LoadMetadata() (*metadata.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(r.Path, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return metadata.New()
		}
		return nil, nberrors.NewIOError("read", metadataFileName, err)
	}
	return metadata.Decode(data)
}

// SaveMetadata encodes tree and commits it to the repository's metadata
// file via the repository-scoped atomic writer, satisfying the ordering
// contract of spec section 5: the caller must ensure every object write
// for this snapshot has already been fsync'd before calling SaveMetadata.
func (r *Repository) SaveMetadata(tree *metadata.Metadata) error {
	data, err := metadata.Encode(tree)
	if err != nil {
		return fmt.Errorf("unable to encode metadata: %w", err)
	}

	writer, err := atomicfile.Create(r.Root)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Discard()
		return nberrors.NewIOError("write", metadataFileName, err)
	}
	return writer.Commit(metadataFileName)
}
