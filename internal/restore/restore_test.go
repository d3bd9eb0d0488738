package restore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/hashing"
	"github.com/nb-backup/nb/internal/objectstore"
	"github.com/nb-backup/nb/internal/repository/metadata"
)

func sumSHA1ForTest(data []byte) []byte {
	h := hashing.New()
	h.Write(data)
	return h.Sum(nil)
}

func openDestination(t *testing.T, path string) *filesystem.Directory {
	t.Helper()
	closer, _, err := filesystem.Open(path, false)
	if err != nil {
		t.Fatal("unable to open destination root:", err)
	}
	dir, ok := closer.(*filesystem.Directory)
	if !ok {
		t.Fatal("destination root is not a directory")
	}
	t.Cleanup(func() { dir.Close() })
	return dir
}

func mustAppend(t *testing.T, tree *metadata.Metadata, node *metadata.PathNode, backup *metadata.Backup, state metadata.PathState) {
	t.Helper()
	if err := tree.AppendHistory(node, backup, state); err != nil {
		t.Fatal(err)
	}
}

// currentOwner fills in the running test process's uid/gid, since
// SetPermissions will attempt a chown and a zero-value uid/gid would
// mean "root" (forbidden for an unprivileged test run).
func currentOwner() (uint32, uint32) {
	return uint32(os.Getuid()), uint32(os.Getgid())
}

func TestRestoreRegularInlineFile(t *testing.T) {
	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	b1 := &metadata.Backup{ID: 1}
	uid, gid := currentOwner()
	node := tree.InsertUnder(nil, "note.txt", metadata.PolicyCopy)
	mustAppend(t, tree, node, b1, metadata.PathState{
		Kind:             metadata.PathStateRegular,
		Size:             5,
		UID:              uid,
		GID:              gid,
		PermissionBits:   0644,
		ModificationTime: 1000,
		Content: metadata.RegularContent{
			Kind:   metadata.RegularContentInline,
			Inline: []byte("hello"),
		},
	})

	destRoot := t.TempDir()
	dest := openDestination(t, destRoot)

	store := objectstore.New(dest)
	if err := Restore(tree, store, dest, 1, ""); err != nil {
		t.Fatal("restore failed:", err)
	}

	data, err := os.ReadFile(filepath.Join(destRoot, "note.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("expected restored content %q, got %q", "hello", data)
	}
}

func TestRestoreDirectoryWithNestedChildren(t *testing.T) {
	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	b1 := &metadata.Backup{ID: 1}
	uid, gid := currentOwner()

	dirNode := tree.InsertUnder(nil, "sub", metadata.PolicyCopy)
	mustAppend(t, tree, dirNode, b1, metadata.PathState{
		Kind:             metadata.PathStateDirectory,
		UID:              uid,
		GID:              gid,
		PermissionBits:   0755,
		ModificationTime: 2000,
	})

	childNode := tree.InsertUnder(dirNode, "inner.txt", metadata.PolicyCopy)
	mustAppend(t, tree, childNode, b1, metadata.PathState{
		Kind:             metadata.PathStateRegular,
		Size:             3,
		UID:              uid,
		GID:              gid,
		PermissionBits:   0644,
		ModificationTime: 3000,
		Content: metadata.RegularContent{
			Kind:   metadata.RegularContentInline,
			Inline: []byte("abc"),
		},
	})

	destRoot := t.TempDir()
	dest := openDestination(t, destRoot)
	store := objectstore.New(dest)

	if err := Restore(tree, store, dest, 1, ""); err != nil {
		t.Fatal("restore failed:", err)
	}

	data, err := os.ReadFile(filepath.Join(destRoot, "sub", "inner.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "abc" {
		t.Errorf("expected %q, got %q", "abc", data)
	}

	info, err := os.Stat(filepath.Join(destRoot, "sub"))
	if err != nil {
		t.Fatal(err)
	}
	if got := info.ModTime().Unix(); got != 2000 {
		t.Errorf("expected directory mtime 2000, got %d", got)
	}
}

func TestRestoreSymlink(t *testing.T) {
	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	b1 := &metadata.Backup{ID: 1}
	node := tree.InsertUnder(nil, "link", metadata.PolicyCopy)
	mustAppend(t, tree, node, b1, metadata.PathState{
		Kind:   metadata.PathStateSymlink,
		Target: []byte("/etc/passwd"),
	})

	destRoot := t.TempDir()
	dest := openDestination(t, destRoot)
	store := objectstore.New(dest)

	if err := Restore(tree, store, dest, 1, ""); err != nil {
		t.Fatal("restore failed:", err)
	}

	target, err := os.Readlink(filepath.Join(destRoot, "link"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "/etc/passwd" {
		t.Errorf("expected link target %q, got %q", "/etc/passwd", target)
	}
}

func TestRestoreAtEarlierSnapshotOmitsLaterFile(t *testing.T) {
	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	b1 := &metadata.Backup{ID: 1}
	b2 := &metadata.Backup{ID: 2}

	node := tree.InsertUnder(nil, "late.txt", metadata.PolicyTrack)
	mustAppend(t, tree, node, b2, metadata.PathState{
		Kind: metadata.PathStateRegular,
		Size: 4,
		Content: metadata.RegularContent{
			Kind:   metadata.RegularContentInline,
			Inline: []byte("new!"),
		},
	})

	destRoot := t.TempDir()
	dest := openDestination(t, destRoot)
	store := objectstore.New(dest)

	if err := Restore(tree, store, dest, b1.ID, ""); err != nil {
		t.Fatal("restore failed:", err)
	}

	if _, err := os.Stat(filepath.Join(destRoot, "late.txt")); !os.IsNotExist(err) {
		t.Errorf("expected late.txt to be absent at the earlier snapshot, stat err: %v", err)
	}
}

func TestRestoreNonExistingRemovesPreviouslyCreatedEntry(t *testing.T) {
	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	b1 := &metadata.Backup{ID: 1}
	b2 := &metadata.Backup{ID: 2}

	node := tree.InsertUnder(nil, "gone.txt", metadata.PolicyMirror)
	mustAppend(t, tree, node, b1, metadata.PathState{
		Kind: metadata.PathStateRegular,
		Size: 2,
		Content: metadata.RegularContent{
			Kind:   metadata.RegularContentInline,
			Inline: []byte("hi"),
		},
	})
	mustAppend(t, tree, node, b2, metadata.PathState{Kind: metadata.PathStateNonExisting})

	destRoot := t.TempDir()
	dest := openDestination(t, destRoot)
	store := objectstore.New(dest)

	if err := os.WriteFile(filepath.Join(destRoot, "gone.txt"), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Restore(tree, store, dest, b2.ID, ""); err != nil {
		t.Fatal("restore failed:", err)
	}

	if _, err := os.Stat(filepath.Join(destRoot, "gone.txt")); !os.IsNotExist(err) {
		t.Errorf("expected gone.txt to be removed, stat err: %v", err)
	}
}

func TestRestoreLargeFileFromObjectStore(t *testing.T) {
	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	b1 := &metadata.Backup{ID: 1}

	destRoot := t.TempDir()
	dest := openDestination(t, destRoot)
	store := objectstore.New(dest)

	content := make([]byte, metadata.HashWidth+30)
	for i := range content {
		content[i] = byte(i + 7)
	}
	hash := sumSHA1ForTest(content)
	slot, err := store.StoreNew(content, hash, uint64(len(content)))
	if err != nil {
		t.Fatal(err)
	}

	uid, gid := currentOwner()
	node := tree.InsertUnder(nil, "big.bin", metadata.PolicyCopy)
	mustAppend(t, tree, node, b1, metadata.PathState{
		Kind:             metadata.PathStateRegular,
		Size:             uint64(len(content)),
		UID:              uid,
		GID:              gid,
		ModificationTime: time.Unix(0, 0).Unix(),
		Content: metadata.RegularContent{
			Kind: metadata.RegularContentObject,
			Hash: hash,
			Slot: uint8(slot),
		},
	})

	if err := Restore(tree, store, dest, 1, ""); err != nil {
		t.Fatal("restore failed:", err)
	}

	restored, err := os.ReadFile(filepath.Join(destRoot, "big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != string(content) {
		t.Error("restored large-file content does not match stored object")
	}
}
