package objectstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/nberrors"
)

func openTestRoot(t *testing.T) *filesystem.Directory {
	t.Helper()
	path := t.TempDir()
	closer, _, err := filesystem.Open(path, false)
	if err != nil {
		t.Fatal("unable to open temporary directory:", err)
	}
	directory, ok := closer.(*filesystem.Directory)
	if !ok {
		t.Fatal("opened path was not a directory")
	}
	t.Cleanup(func() { directory.Close() })
	return directory
}

func sum(content []byte) []byte {
	h := sha1.Sum(content)
	return h[:]
}

func TestObjectPathIsDeterministic(t *testing.T) {
	hash := sum([]byte("hello"))
	first, err := ObjectPath(hash, 5, 3)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	second, err := ObjectPath(hash, 5, 3)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if first != second {
		t.Error("object path not deterministic:", first, "!=", second)
	}
}

func TestObjectPathDiffersBySlot(t *testing.T) {
	hash := sum([]byte("hello"))
	a, err := ObjectPath(hash, 5, 0)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	b, err := ObjectPath(hash, 5, 1)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if a == b {
		t.Error("distinct slots produced the same object path:", a)
	}
}

// TestObjectPathMatchesSpecLiteralPaths pins the path split to the
// spec's literal example paths: the split is on hex characters (1/2/37),
// not bytes, so it must not regress to a byte-wise split that happens to
// also produce a three-component path.
func TestObjectPathMatchesSpecLiteralPaths(t *testing.T) {
	cases := []struct {
		digest string
		size   uint64
		slot   int
		want   string
	}{
		{
			digest: "7f11e53c1ddfc806aa108f531847debf26ac9f5e",
			size:   144,
			slot:   0,
			want:   "7/f1/1e53c1ddfc806aa108f531847debf26ac9f5ex90x0",
		},
		{
			digest: "ccf44e30207cdd286c592fb4384aa9585598caab",
			size:   191,
			slot:   0,
			want:   "c/cf/44e30207cdd286c592fb4384aa9585598caabxbfx0",
		},
	}

	for _, c := range cases {
		hash, err := hex.DecodeString(c.digest)
		if err != nil {
			t.Fatal("bad test digest:", err)
		}
		got, err := ObjectPath(hash, c.size, c.slot)
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		if got != c.want {
			t.Errorf("ObjectPath(%s, %d, %d) = %q, want %q", c.digest, c.size, c.slot, got, c.want)
		}
	}
}

func TestObjectPathRejectsWrongHashWidth(t *testing.T) {
	if _, err := ObjectPath([]byte("short"), 5, 0); err == nil {
		t.Fatal("expected error for undersized hash")
	}
}

func TestStoreNewThenRead(t *testing.T) {
	root := openTestRoot(t)
	store := New(root)

	content := []byte("some regular file content, larger than the inline threshold")
	hash := sum(content)

	slot, err := store.StoreNew(content, hash, uint64(len(content)))
	if err != nil {
		t.Fatal("store failed:", err)
	}
	if slot != 0 {
		t.Error("expected first object to land in slot 0, got", slot)
	}

	data, err := store.Read(hash, uint64(len(content)), slot)
	if err != nil {
		t.Fatal("read failed:", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("read content does not match stored content")
	}
}

func TestStoreNewDeduplicatesIdenticalContent(t *testing.T) {
	root := openTestRoot(t)
	store := New(root)

	content := []byte("duplicate me")
	hash := sum(content)

	first, err := store.StoreNew(content, hash, uint64(len(content)))
	if err != nil {
		t.Fatal("first store failed:", err)
	}
	second, err := store.StoreNew(append([]byte(nil), content...), hash, uint64(len(content)))
	if err != nil {
		t.Fatal("second store failed:", err)
	}
	if first != second {
		t.Error("identical content should reuse the same slot:", first, "!=", second)
	}
}

func TestStoreNewAssignsDistinctSlotsOnCollision(t *testing.T) {
	root := openTestRoot(t)
	store := New(root)

	hash := sum([]byte("shared hash and size for this test"))
	size := uint64(3)

	first, err := store.StoreNew([]byte("aaa"), hash, size)
	if err != nil {
		t.Fatal("first store failed:", err)
	}
	second, err := store.StoreNew([]byte("bbb"), hash, size)
	if err != nil {
		t.Fatal("second store failed:", err)
	}
	if first == second {
		t.Fatal("distinct content under the same (hash, size) should not share a slot")
	}

	firstData, err := store.Read(hash, size, first)
	if err != nil {
		t.Fatal("read of first slot failed:", err)
	}
	secondData, err := store.Read(hash, size, second)
	if err != nil {
		t.Fatal("read of second slot failed:", err)
	}
	if string(firstData) != "aaa" || string(secondData) != "bbb" {
		t.Error("slot contents mismatched:", string(firstData), string(secondData))
	}
}

func TestReadMissingObjectFails(t *testing.T) {
	root := openTestRoot(t)
	store := New(root)

	hash := sum([]byte("never stored"))
	_, err := store.Read(hash, 100, 0)
	if err == nil {
		t.Fatal("expected error reading missing object")
	}
	if !errors.Is(err, nberrors.ErrObjectMissing) {
		t.Error("expected ErrObjectMissing, got:", err)
	}
}

func TestStoreNewExhaustsCollisionSpace(t *testing.T) {
	root := openTestRoot(t)
	store := New(root)

	hash := sum([]byte("collision stress test"))
	size := uint64(2)

	for i := 0; i < MaxSlots; i++ {
		content := []byte{byte(i), 1}
		if _, err := store.StoreNew(content, hash, size); err != nil {
			t.Fatalf("store %d failed: %v", i, err)
		}
	}

	_, err := store.StoreNew([]byte{0, 0}, hash, size)
	if err == nil {
		t.Fatal("expected collision space exhaustion error")
	}
	if !errors.Is(err, nberrors.ErrHashCollisionSpaceExhausted) {
		t.Error("expected ErrHashCollisionSpaceExhausted, got:", err)
	}
}
