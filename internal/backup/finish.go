// Package backup implements the repository's backup finisher (spec
// component J): the step that runs after change detection to hash and
// store the content of newly added or changed regular files, then seals
// the in-progress backup into the repository's backup history.
package backup

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nb-backup/nb/internal/hashing"
	"github.com/nb-backup/nb/internal/logging"
	"github.com/nb-backup/nb/internal/must"
	"github.com/nb-backup/nb/internal/nberrors"
	"github.com/nb-backup/nb/internal/objectstore"
	"github.com/nb-backup/nb/internal/repository/metadata"
)

// Finish walks every node in tree, hashing and storing the content of
// any Regular state larger than metadata.HashWidth whose hint indicates
// it is new or possibly changed, then assigns tree.CurrentBackup its
// completion time and prepends it to tree.BackupHistory.
//
// sourceRoot is the filesystem path the backup was taken from; node
// paths are resolved beneath it to re-open file content (the change
// detector itself only reads small files eagerly, deferring large-file
// hashing to this step so that an unmodified multi-gigabyte file is
// never rehashed).
//
// On the first I/O error, Finish returns immediately without sealing
// the backup: the caller must not persist metadata in that case, per
// the repository's crash-consistency contract, leaving the object
// store with possibly-unreferenced objects for a later gc to reclaim.
func Finish(tree *metadata.Metadata, sourceRoot string, store *objectstore.Store, log *logging.Logger) error {
	if err := finishChildren(tree.Paths, sourceRoot, store, log); err != nil {
		return err
	}

	current := tree.CurrentBackup
	current.CompletionTime = time.Now().Unix()
	tree.BackupHistory = append([]*metadata.Backup{current}, tree.BackupHistory...)
	tree.CurrentBackup = &metadata.Backup{}

	return nil
}

func finishChildren(nodes []*metadata.PathNode, sourceRoot string, store *objectstore.Store, log *logging.Logger) error {
	for _, node := range nodes {
		if err := finishNode(node, sourceRoot, store, log); err != nil {
			return err
		}
		if err := finishChildren(node.Subnodes, sourceRoot, store, log); err != nil {
			return err
		}
	}
	return nil
}

// needsFreshContent reports whether node's head state requires its
// content to be (re)hashed and stored this pass.
func needsFreshContent(node *metadata.PathNode) bool {
	if node.History == nil {
		return false
	}
	state := node.History.State
	if state.Kind != metadata.PathStateRegular || state.Size <= metadata.HashWidth {
		return false
	}
	return node.Hint.Has(metadata.HintAdded) ||
		node.Hint.Has(metadata.HintContentChanged) ||
		node.Hint.Has(metadata.HintFreshHash)
}

func finishNode(node *metadata.PathNode, sourceRoot string, store *objectstore.Store, log *logging.Logger) error {
	if !needsFreshContent(node) {
		return nil
	}

	osPath := filepath.Join(sourceRoot, filepath.FromSlash(node.Path))
	file, err := os.Open(osPath)
	if err != nil {
		return nberrors.NewIOError("open", node.Path, err)
	}
	defer must.Close(file, log)

	state := &node.History.State

	// hashing.Hash streams the file in bounded chunks, detecting a size
	// drift mid-read (the file changed size since it was stat'd) rather
	// than trusting the stat-reported size blindly. The tee keeps the
	// bytes read so they can be handed to the object store without a
	// second pass over the file.
	var buffer bytes.Buffer
	buffer.Grow(int(state.Size))
	digest, err := hashing.Hash(io.TeeReader(file, &buffer), state.Size)
	if err != nil {
		return fmt.Errorf("%s: %w", node.Path, err)
	}
	data := buffer.Bytes()

	slot, err := store.StoreNew(data, digest, state.Size)
	if err != nil {
		return err
	}

	state.Content = metadata.RegularContent{
		Kind: metadata.RegularContentObject,
		Hash: digest,
		Slot: uint8(slot),
	}

	log.Debug("stored %s (%d bytes, slot %d)", node.Path, state.Size, slot)
	return nil
}
