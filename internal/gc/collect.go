// Package gc implements the repository's garbage collector (spec
// component L): it determines which object store entries are still
// referenced by the metadata tree and recursively removes everything
// else beneath the repository root, except a small set of preserved
// top-level names.
package gc

import (
	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/nberrors"
	"github.com/nb-backup/nb/internal/objectstore"
	"github.com/nb-backup/nb/internal/repository/metadata"
)

// preservedNames holds the repository's fixed top-level entries that are
// never removed, regardless of whether anything references them.
var preservedNames = map[string]bool{
	"config":   true,
	"metadata": true,
	"lockfile": true,
}

// Result reports what a Collect pass removed.
type Result struct {
	DeletedItemsCount     uint64
	DeletedItemsTotalSize uint64
}

// Options configures a Collect pass.
type Options struct {
	// OnProgress, if non-nil, is invoked at most MaxCalls times during the
	// walk with the size deleted so far and the call cap itself. It must
	// not block.
	OnProgress func(deletedSize uint64, maxCalls int)
	MaxCalls   int
}

// Collect walks root, the repository directory, removing every entry
// that is not one of preservedNames and not referenced by any history
// point in tree (excluding nodes marked NotPartOfRepository).
func Collect(root *filesystem.Directory, tree *metadata.Metadata, opts Options) (Result, error) {
	referenced := referencedPaths(tree)

	var result Result
	var progressCalls int

	entries, err := root.ReadContents()
	if err != nil {
		return result, nberrors.NewIOError("readdir", ".", err)
	}

	for _, entry := range entries {
		if preservedNames[entry.Name] {
			continue
		}

		err := root.RecursiveRemoveIf(entry.Name, func(relativePath string, info *filesystem.Metadata) bool {
			if referenced[relativePath] {
				return false
			}

			// Only regular files contribute to the reclaimed-size total;
			// a symlink is a zero-byte item per spec, and a directory's
			// own reported size is a meaningless filesystem-block
			// artifact rather than reclaimed storage.
			var size uint64
			if info.Mode&filesystem.ModeTypeMask == filesystem.ModeTypeFile {
				size = info.Size
			}

			result.DeletedItemsCount++
			result.DeletedItemsTotalSize += size

			if opts.OnProgress != nil && opts.MaxCalls > 0 && progressCalls < opts.MaxCalls {
				opts.OnProgress(result.DeletedItemsTotalSize, opts.MaxCalls)
				progressCalls++
			}

			return true
		})
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// referencedPaths collects the repository-relative object store paths
// derived from every Regular, object-backed state (size > HashWidth)
// across every history point of every node not marked
// NotPartOfRepository.
func referencedPaths(tree *metadata.Metadata) map[string]bool {
	referenced := make(map[string]bool)

	tree.Walk(func(node *metadata.PathNode) {
		if node.Hint.Has(metadata.HintNotPartOfRepository) {
			return
		}
		for point := node.History; point != nil; point = point.Next {
			state := point.State
			if state.Kind != metadata.PathStateRegular || state.Size <= metadata.HashWidth {
				continue
			}
			if state.Content.Kind != metadata.RegularContentObject {
				continue
			}
			path, err := objectstore.ObjectPath(state.Content.Hash, state.Size, int(state.Content.Slot))
			if err != nil {
				continue
			}
			referenced[path] = true
		}
	})

	return referenced
}
