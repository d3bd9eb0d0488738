// Package restore implements the repository's restorer (spec component
// K): given a metadata tree, a target backup id, and a subtree root
// path, it recreates the filesystem entries that existed at that
// snapshot beneath a destination directory.
package restore

import (
	"fmt"
	"os"
	"time"

	"github.com/nb-backup/nb/internal/atomicfile"
	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/nberrors"
	"github.com/nb-backup/nb/internal/objectstore"
	"github.com/nb-backup/nb/internal/repository/metadata"
)

// Restore recreates subtreeRoot's entry (or, if subtreeRoot is empty,
// every top-level entry) directly inside destination, as it existed at
// the newest backup whose id does not exceed targetID.
func Restore(tree *metadata.Metadata, store *objectstore.Store, destination *filesystem.Directory, targetID uint64, subtreeRoot string) error {
	if subtreeRoot == "" {
		return restoreSiblings(tree.Paths, destination, store, targetID)
	}

	node, ok := tree.Lookup(subtreeRoot)
	if !ok {
		return fmt.Errorf("%s: %w", subtreeRoot, nberrors.ErrPathNotFound)
	}
	return restoreNode(node, destination, baseOf(subtreeRoot), store, targetID)
}

func restoreSiblings(nodes []*metadata.PathNode, parent *filesystem.Directory, store *objectstore.Store, targetID uint64) error {
	for _, node := range nodes {
		if err := restoreNode(node, parent, baseOf(node.Path), store, targetID); err != nil {
			return err
		}
	}
	return nil
}

// restoreNode recreates node's entry, named name, directly inside
// parent, according to its recorded state at targetID.
func restoreNode(node *metadata.PathNode, parent *filesystem.Directory, name string, store *objectstore.Store, targetID uint64) error {
	// None-policy nodes never accumulate history: they exist purely to
	// connect a deeper tracked descendant to the tree, so their
	// directory must be (re)created unconditionally for that descendant
	// to have anywhere to land.
	if node.Policy == metadata.PolicyNone {
		return restoreConnectingDirectory(node, parent, name, store, targetID)
	}

	state, existedAtTarget := stateAt(node, targetID)
	if !existedAtTarget {
		state.Kind = metadata.PathStateNonExisting
	}

	switch state.Kind {
	case metadata.PathStateNonExisting:
		return removeExisting(parent, name)
	case metadata.PathStateDirectory:
		return restoreDirectory(node, parent, name, state, store, targetID)
	case metadata.PathStateSymlink:
		return restoreSymlink(parent, name, state)
	case metadata.PathStateRegular:
		return restoreRegular(parent, name, state, store)
	}
	return fmt.Errorf("%s: unrecognized path state kind %d", node.Path, state.Kind)
}

func restoreConnectingDirectory(node *metadata.PathNode, parent *filesystem.Directory, name string, store *objectstore.Store, targetID uint64) error {
	exists, err := parent.Exists(name)
	if err != nil {
		return nberrors.NewIOError("lstat", name, err)
	}
	if !exists {
		if err := parent.CreateDirectory(name); err != nil {
			return nberrors.NewIOError("mkdir", name, err)
		}
	}
	child, err := parent.OpenDirectory(name)
	if err != nil {
		return nberrors.NewIOError("opendir", name, err)
	}
	defer child.Close()

	return restoreSiblings(node.Subnodes, child, store, targetID)
}

func restoreDirectory(node *metadata.PathNode, parent *filesystem.Directory, name string, state metadata.PathState, store *objectstore.Store, targetID uint64) error {
	exists, err := parent.Exists(name)
	if err != nil {
		return nberrors.NewIOError("lstat", name, err)
	}
	if !exists {
		if err := parent.CreateDirectory(name); err != nil {
			return nberrors.NewIOError("mkdir", name, err)
		}
	}

	child, err := parent.OpenDirectory(name)
	if err != nil {
		return nberrors.NewIOError("opendir", name, err)
	}
	if err := restoreSiblings(node.Subnodes, child, store, targetID); err != nil {
		child.Close()
		return err
	}
	if err := child.Close(); err != nil {
		return nberrors.NewIOError("close", name, err)
	}

	// Ownership, permissions, and modification time are applied only
	// after every child has been recreated, so that writes into the
	// directory aren't blocked by a restrictive mode and so that the
	// directory's own mtime (which child creation otherwise disturbs)
	// reflects the recorded snapshot rather than the restore's own
	// activity.
	if err := parent.SetPermissions(name, int(state.UID), int(state.GID), filesystem.Mode(state.PermissionBits)); err != nil {
		return nberrors.NewIOError("chmod", name, err)
	}
	if err := parent.Utime(name, time.Unix(state.ModificationTime, 0)); err != nil {
		return nberrors.NewIOError("utime", name, err)
	}
	return nil
}

func restoreSymlink(parent *filesystem.Directory, name string, state metadata.PathState) error {
	if err := removeExisting(parent, name); err != nil {
		return err
	}
	if err := parent.CreateSymbolicLink(name, string(state.Target)); err != nil {
		return nberrors.NewIOError("symlink", name, err)
	}
	return nil
}

func restoreRegular(parent *filesystem.Directory, name string, state metadata.PathState, store *objectstore.Store) error {
	writer, err := atomicfile.Create(parent)
	if err != nil {
		return err
	}

	var data []byte
	switch {
	case state.Size == 0:
		// No bytes to write.
	case state.Size <= metadata.HashWidth:
		data = state.Content.Inline
	default:
		data, err = store.Read(state.Content.Hash, state.Size, int(state.Content.Slot))
		if err != nil {
			writer.Discard()
			return err
		}
	}

	if len(data) > 0 {
		if _, err := writer.Write(data); err != nil {
			writer.Discard()
			return nberrors.NewIOError("write", name, err)
		}
	}
	if err := writer.Commit(name); err != nil {
		return err
	}

	if err := parent.SetPermissions(name, int(state.UID), int(state.GID), filesystem.Mode(state.PermissionBits)); err != nil {
		return nberrors.NewIOError("chmod", name, err)
	}
	if err := parent.Utime(name, time.Unix(state.ModificationTime, 0)); err != nil {
		return nberrors.NewIOError("utime", name, err)
	}
	return nil
}

// removeExisting deletes whatever, if anything, occupies name within
// parent, regardless of its type, so that a differently-typed entry
// can be recreated in its place.
func removeExisting(parent *filesystem.Directory, name string) error {
	info, err := parent.ReadContentMetadata(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return nberrors.NewIOError("lstat", name, err)
	}

	if info.Mode&filesystem.ModeTypeMask == filesystem.ModeTypeDirectory {
		if err := parent.RecursiveRemoveIf(name, func(string, *filesystem.Metadata) bool { return true }); err != nil {
			return err
		}
		return nil
	}
	if err := parent.RemoveFile(name); err != nil {
		return nberrors.NewIOError("remove", name, err)
	}
	return nil
}

// stateAt returns node's history point representing its state at the
// most recent backup whose id does not exceed targetID, walking the
// newest-first history chain. Its second return value is false if no
// such point exists (the path had not yet been created by targetID).
func stateAt(node *metadata.PathNode, targetID uint64) (metadata.PathState, bool) {
	for point := node.History; point != nil; point = point.Next {
		if point.Backup.ID <= targetID {
			return point.State, true
		}
	}
	return metadata.PathState{}, false
}

func baseOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
