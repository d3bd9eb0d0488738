// Package objectstore implements the repository's content-addressed object
// store: the mapping from a (hash, size, slot) triple to a repository-
// relative path, together with the store/read operations and the
// collision-slot bookkeeping that lets distinct content sharing the same
// hash and size coexist.
package objectstore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/nb-backup/nb/internal/atomicfile"
	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/hashing"
	"github.com/nb-backup/nb/internal/nberrors"
)

// MaxSlots is the number of collision slots available to a single
// (hash, size) pair before the store refuses further distinct content
// under that pair.
const MaxSlots = 256

// Store is a content-addressed object store rooted at a repository
// directory. It is not safe for concurrent use from multiple goroutines;
// the repository's advisory lock already serializes access at the process
// level, so the store itself does no internal locking.
type Store struct {
	root *filesystem.Directory
}

// New constructs a Store rooted at root. The caller retains ownership of
// root and must close it after the Store is no longer needed.
func New(root *filesystem.Directory) *Store {
	return &Store{root: root}
}

// components computes the three path segments an object's location is
// built from: the first-level directory name, the second-level directory
// name, and the leaf file name (which embeds the remaining hash bytes,
// size, and slot).
func components(hash []byte, size uint64, slot int) (dir1, dir2, leaf string, err error) {
	if len(hash) != hashing.Size {
		return "", "", "", fmt.Errorf("hash has wrong width: %d != %d", len(hash), hashing.Size)
	}
	if slot < 0 || slot >= MaxSlots {
		return "", "", "", fmt.Errorf("slot out of range: %d", slot)
	}
	// The path split is on hex characters, not bytes: 1 character for
	// the first directory, 2 for the second, the remaining 37 (of the
	// 40-character hex digest) for the leaf name. Do not change these
	// widths; the on-disk layout is part of the repository format.
	digest := hex.EncodeToString(hash)
	dir1 = digest[0:1]
	dir2 = digest[1:3]
	leaf = fmt.Sprintf("%sx%xx%x", digest[3:], size, slot)
	return dir1, dir2, leaf, nil
}

// ObjectPath computes the repository-relative path at which the object
// identified by (hash, size, slot) is, or would be, stored. It is a pure
// function of its arguments: no two distinct (hash, size, slot) triples
// produce the same path, and the same triple always produces the same
// path.
func ObjectPath(hash []byte, size uint64, slot int) (string, error) {
	dir1, dir2, leaf, err := components(hash, size, slot)
	if err != nil {
		return "", err
	}
	return dir1 + "/" + dir2 + "/" + leaf, nil
}

// openLeafDirectory opens (creating if necessary) the second-level
// directory that holds the leaf file for (hash, size, slot), returning it
// along with the leaf file name to use within it. The caller must close
// the returned directory.
func (s *Store) openLeafDirectory(hash []byte, size uint64, slot int) (*filesystem.Directory, string, error) {
	dir1, dir2, leaf, err := components(hash, size, slot)
	if err != nil {
		return nil, "", err
	}

	if err := s.root.CreateDirectory(dir1); err != nil && !os.IsExist(err) {
		return nil, "", nberrors.NewIOError("mkdir", dir1, err)
	}
	first, err := s.root.OpenDirectory(dir1)
	if err != nil {
		return nil, "", nberrors.NewIOError("opendir", dir1, err)
	}
	defer first.Close()

	if err := first.CreateDirectory(dir2); err != nil && !os.IsExist(err) {
		return nil, "", nberrors.NewIOError("mkdir", dir1+"/"+dir2, err)
	}
	second, err := first.OpenDirectory(dir2)
	if err != nil {
		return nil, "", nberrors.NewIOError("opendir", dir1+"/"+dir2, err)
	}

	return second, leaf, nil
}

// Exists reports whether an object exists at (hash, size, slot), probing
// with lstat semantics only (a symbolic link occupying the slot's path
// counts as present but is never read through).
func (s *Store) Exists(hash []byte, size uint64, slot int) (bool, error) {
	dir, leaf, err := s.openLeafDirectory(hash, size, slot)
	if err != nil {
		return false, err
	}
	defer dir.Close()

	exists, err := dir.Exists(leaf)
	if err != nil {
		return false, nberrors.NewIOError("lstat", leaf, err)
	}
	return exists, nil
}

// Read returns the stored bytes of the object at (hash, size, slot). It
// fails with nberrors.ErrObjectMissing if no object occupies that slot.
func (s *Store) Read(hash []byte, size uint64, slot int) ([]byte, error) {
	dir, leaf, err := s.openLeafDirectory(hash, size, slot)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	file, err := dir.OpenFile(leaf)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", leaf, nberrors.ErrObjectMissing)
		}
		return nil, nberrors.NewIOError("open", leaf, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nberrors.NewIOError("read", leaf, err)
	}
	return data, nil
}

// StoreNew stores data, which must hash to hash and have the given size,
// under the lowest free collision slot for the (hash, size) pair. If an
// existing occupied slot already holds byte-identical content, its slot is
// reused instead (deduplication) and no new object is written. If all
// MaxSlots slots are occupied by content that does not match, StoreNew
// fails with nberrors.ErrHashCollisionSpaceExhausted.
func (s *Store) StoreNew(data []byte, hash []byte, size uint64) (int, error) {
	if uint64(len(data)) != size {
		return 0, fmt.Errorf("data length does not match declared size: %d != %d", len(data), size)
	}

	lowestFree := -1
	for slot := 0; slot < MaxSlots; slot++ {
		dir, leaf, err := s.openLeafDirectory(hash, size, slot)
		if err != nil {
			return 0, err
		}

		exists, err := dir.Exists(leaf)
		if err != nil {
			dir.Close()
			return 0, nberrors.NewIOError("lstat", leaf, err)
		}
		if !exists {
			dir.Close()
			if lowestFree == -1 {
				lowestFree = slot
			}
			continue
		}

		stored, err := readFromDirectory(dir, leaf)
		dir.Close()
		if err != nil {
			return 0, err
		}
		if bytes.Equal(stored, data) {
			return slot, nil
		}
	}

	if lowestFree == -1 {
		return 0, fmt.Errorf("hash %x size %d: %w", hash, size, nberrors.ErrHashCollisionSpaceExhausted)
	}

	dir, leaf, err := s.openLeafDirectory(hash, size, lowestFree)
	if err != nil {
		return 0, err
	}
	defer dir.Close()

	writer, err := atomicfile.Create(dir)
	if err != nil {
		return 0, err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Discard()
		return 0, nberrors.NewIOError("write", leaf, err)
	}
	if err := writer.Commit(leaf); err != nil {
		return 0, nberrors.NewIOError("commit", leaf, err)
	}

	return lowestFree, nil
}

// readFromDirectory reads the full content of name within dir, used for
// the byte-exact comparisons StoreNew performs against occupied slots.
func readFromDirectory(dir *filesystem.Directory, name string) ([]byte, error) {
	file, err := dir.OpenFile(name)
	if err != nil {
		return nil, nberrors.NewIOError("open", name, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nberrors.NewIOError("read", name, err)
	}
	return data, nil
}
