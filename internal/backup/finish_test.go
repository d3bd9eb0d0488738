package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/logging"
	"github.com/nb-backup/nb/internal/objectstore"
	"github.com/nb-backup/nb/internal/repository/metadata"
)

func openStoreRoot(t *testing.T, path string) (*filesystem.Directory, *objectstore.Store) {
	t.Helper()
	closer, _, err := filesystem.Open(path, false)
	if err != nil {
		t.Fatal("unable to open object store root:", err)
	}
	dir, ok := closer.(*filesystem.Directory)
	if !ok {
		t.Fatal("object store root is not a directory")
	}
	t.Cleanup(func() { dir.Close() })
	return dir, objectstore.New(dir)
}

func testLogger() *logging.Logger {
	return logging.NewRoot(nil, logging.LevelSilent)
}

func TestFinishHashesAndStoresNewLargeFile(t *testing.T) {
	sourceRoot := t.TempDir()
	content := make([]byte, metadata.HashWidth+50)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(sourceRoot, "big"), content, 0600); err != nil {
		t.Fatal(err)
	}

	storeRoot := t.TempDir()
	_, store := openStoreRoot(t, storeRoot)

	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	node := tree.InsertUnder(nil, "big", metadata.PolicyCopy)
	node.Hint = metadata.HintAdded
	if err := tree.AppendHistory(node, tree.CurrentBackup, metadata.PathState{
		Kind: metadata.PathStateRegular,
		Size: uint64(len(content)),
	}); err != nil {
		t.Fatal(err)
	}

	if err := Finish(tree, sourceRoot, store, testLogger()); err != nil {
		t.Fatal("finish failed:", err)
	}

	state := node.History.State
	if state.Content.Kind != metadata.RegularContentObject {
		t.Fatalf("expected object content, got kind %d", state.Content.Kind)
	}
	if len(state.Content.Hash) == 0 {
		t.Fatal("expected a non-empty content hash")
	}
	exists, err := store.Exists(state.Content.Hash, state.Size, int(state.Content.Slot))
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("expected stored object to exist")
	}
}

func TestFinishSkipsUnchangedLargeFile(t *testing.T) {
	sourceRoot := t.TempDir()
	content := make([]byte, metadata.HashWidth+50)
	if err := os.WriteFile(filepath.Join(sourceRoot, "quiet"), content, 0600); err != nil {
		t.Fatal(err)
	}

	storeRoot := t.TempDir()
	_, store := openStoreRoot(t, storeRoot)

	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	node := tree.InsertUnder(nil, "quiet", metadata.PolicyCopy)
	node.Hint = 0 // nothing changed this pass
	existingContent := metadata.RegularContent{
		Kind: metadata.RegularContentObject,
		Hash: make([]byte, metadata.HashWidth),
		Slot: 0,
	}
	existingContent.Hash[0] = 0xAB
	if err := tree.AppendHistory(node, tree.CurrentBackup, metadata.PathState{
		Kind:    metadata.PathStateRegular,
		Size:    uint64(len(content)),
		Content: existingContent,
	}); err != nil {
		t.Fatal(err)
	}

	if err := Finish(tree, sourceRoot, store, testLogger()); err != nil {
		t.Fatal("finish failed:", err)
	}

	state := node.History.State
	if string(state.Content.Hash) != string(existingContent.Hash) {
		t.Error("expected unchanged content descriptor to be left untouched")
	}
}

func TestFinishSealsBackupAndResetsCurrent(t *testing.T) {
	sourceRoot := t.TempDir()
	storeRoot := t.TempDir()
	_, store := openStoreRoot(t, storeRoot)

	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	tree.CurrentBackup.ID = 1
	sealed := tree.CurrentBackup

	if err := Finish(tree, sourceRoot, store, testLogger()); err != nil {
		t.Fatal("finish failed:", err)
	}

	if len(tree.BackupHistory) != 1 || tree.BackupHistory[0] != sealed {
		t.Fatal("expected the in-progress backup to be prepended to history")
	}
	if sealed.CompletionTime == 0 {
		t.Error("expected completion time to be stamped")
	}
	if tree.CurrentBackup == sealed || tree.CurrentBackup.ID != 0 {
		t.Error("expected a fresh zero-id current backup after sealing")
	}
}
