package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/hashing"
	"github.com/nb-backup/nb/internal/objectstore"
	"github.com/nb-backup/nb/internal/repository/metadata"
)

func openRoot(t *testing.T, path string) *filesystem.Directory {
	t.Helper()
	closer, _, err := filesystem.Open(path, false)
	if err != nil {
		t.Fatal("unable to open root:", err)
	}
	dir, ok := closer.(*filesystem.Directory)
	if !ok {
		t.Fatal("root is not a directory")
	}
	t.Cleanup(func() { dir.Close() })
	return dir
}

func sum(data []byte) []byte {
	h := hashing.New()
	h.Write(data)
	return h.Sum(nil)
}

func TestCheckReportsNoBrokenNodesWhenAllObjectsAreHealthy(t *testing.T) {
	root := t.TempDir()
	dir := openRoot(t, root)
	store := objectstore.New(dir)

	data := make([]byte, metadata.HashWidth+10)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sum(data)
	slot, err := store.StoreNew(data, hash, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}

	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	node := tree.InsertUnder(nil, "foo.txt", metadata.PolicyCopy)
	if err := tree.AppendHistory(node, tree.CurrentBackup, metadata.PathState{
		Kind: metadata.PathStateRegular,
		Size: uint64(len(data)),
		Content: metadata.RegularContent{
			Kind: metadata.RegularContentObject,
			Hash: hash,
			Slot: uint8(slot),
		},
	}); err != nil {
		t.Fatal(err)
	}

	broken, err := Check(tree, store)
	if err != nil {
		t.Fatal("check failed:", err)
	}
	if len(broken) != 0 {
		t.Errorf("expected no broken nodes, got %v", broken)
	}
}

func TestCheckReportsCorruptedObject(t *testing.T) {
	root := t.TempDir()
	dir := openRoot(t, root)
	store := objectstore.New(dir)

	data := make([]byte, metadata.HashWidth+10)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sum(data)
	slot, err := store.StoreNew(data, hash, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}

	path, err := objectstore.ObjectPath(hash, uint64(len(data)), slot)
	if err != nil {
		t.Fatal(err)
	}
	full := filepath.Join(root, path)
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[0] ^= 0xFF
	if err := os.WriteFile(full, corrupted, 0600); err != nil {
		t.Fatal(err)
	}

	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	node := tree.InsertUnder(nil, "foo.txt", metadata.PolicyCopy)
	if err := tree.AppendHistory(node, tree.CurrentBackup, metadata.PathState{
		Kind: metadata.PathStateRegular,
		Size: uint64(len(data)),
		Content: metadata.RegularContent{
			Kind: metadata.RegularContentObject,
			Hash: hash,
			Slot: uint8(slot),
		},
	}); err != nil {
		t.Fatal(err)
	}

	otherNode := tree.InsertUnder(nil, "bar.txt", metadata.PolicyCopy)
	otherData := make([]byte, metadata.HashWidth+5)
	for i := range otherData {
		otherData[i] = byte(i + 1)
	}
	otherHash := sum(otherData)
	otherSlot, err := store.StoreNew(otherData, otherHash, uint64(len(otherData)))
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.AppendHistory(otherNode, tree.CurrentBackup, metadata.PathState{
		Kind: metadata.PathStateRegular,
		Size: uint64(len(otherData)),
		Content: metadata.RegularContent{
			Kind: metadata.RegularContentObject,
			Hash: otherHash,
			Slot: uint8(otherSlot),
		},
	}); err != nil {
		t.Fatal(err)
	}

	broken, err := Check(tree, store)
	if err != nil {
		t.Fatal("check failed:", err)
	}
	if len(broken) != 1 || broken[0].Path != "foo.txt" {
		t.Errorf("expected exactly one broken node %q, got %v", "foo.txt", broken)
	}
}

func TestCheckReportsMissingObject(t *testing.T) {
	root := t.TempDir()
	dir := openRoot(t, root)
	store := objectstore.New(dir)

	tree, err := metadata.New()
	if err != nil {
		t.Fatal(err)
	}
	node := tree.InsertUnder(nil, "missing.txt", metadata.PolicyCopy)
	fakeHash := make([]byte, metadata.HashWidth)
	fakeHash[0] = 0x42
	if err := tree.AppendHistory(node, tree.CurrentBackup, metadata.PathState{
		Kind: metadata.PathStateRegular,
		Size: metadata.HashWidth + 15,
		Content: metadata.RegularContent{
			Kind: metadata.RegularContentObject,
			Hash: fakeHash,
			Slot: 0,
		},
	}); err != nil {
		t.Fatal(err)
	}

	broken, err := Check(tree, store)
	if err != nil {
		t.Fatal("check failed:", err)
	}
	if len(broken) != 1 || broken[0].Path != "missing.txt" {
		t.Errorf("expected exactly one broken node %q, got %v", "missing.txt", broken)
	}
}
