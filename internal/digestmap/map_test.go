package digestmap

import (
	"fmt"
	"testing"
)

func TestGetMissingKey(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct map:", err)
	}
	if _, ok := m.Get([]byte("missing")); ok {
		t.Error("expected miss for key never inserted")
	}
}

func TestInsertAndGet(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct map:", err)
	}
	m.Insert([]byte("alpha"), 1)
	m.Insert([]byte("beta"), 2)

	if v, ok := m.Get([]byte("alpha")); !ok || v != 1 {
		t.Error("unexpected value for alpha:", v, ok)
	}
	if v, ok := m.Get([]byte("beta")); !ok || v != 2 {
		t.Error("unexpected value for beta:", v, ok)
	}
}

func TestInsertDuplicateKeyReturnsMostRecent(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct map:", err)
	}
	m.Insert([]byte("key"), "first")
	m.Insert([]byte("key"), "second")

	if v, ok := m.Get([]byte("key")); !ok || v != "second" {
		t.Error("expected most recently inserted value, got:", v, ok)
	}
}

func TestGrowPreservesAllEntries(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct map:", err)
	}

	const n = 10000
	for i := 0; i < n; i++ {
		m.Insert([]byte(fmt.Sprintf("key-%d", i)), i)
	}
	if m.Len() != n {
		t.Fatalf("count mismatch after inserts: got %d, want %d", m.Len(), n)
	}
	for i := 0; i < n; i++ {
		v, ok := m.Get([]byte(fmt.Sprintf("key-%d", i)))
		if !ok || v != i {
			t.Fatalf("lookup failed for key-%d: got %v, ok=%v", i, v, ok)
		}
	}
}

func TestKeyIsCopiedNotAliased(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct map:", err)
	}
	key := []byte("mutable")
	m.Insert(key, "value")
	key[0] = 'M'

	if _, ok := m.Get([]byte("mutable")); !ok {
		t.Error("original key should still be retrievable after caller mutated its buffer")
	}
}

func TestDistinctMapsHaveIndependentSalts(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatal("unable to construct first map:", err)
	}
	b, err := New()
	if err != nil {
		t.Fatal("unable to construct second map:", err)
	}
	if bytesEqual(a.salt, b.salt) {
		t.Error("two independently constructed maps should not share a salt")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct map:", err)
	}
	m.Insert([]byte("gone"), 1)
	m.Insert([]byte("stays"), 2)

	if removed := m.Delete([]byte("gone")); removed != 1 {
		t.Fatalf("expected 1 entry removed, got %d", removed)
	}
	if _, ok := m.Get([]byte("gone")); ok {
		t.Error("deleted key should no longer be retrievable")
	}
	if v, ok := m.Get([]byte("stays")); !ok || v != 2 {
		t.Error("unrelated key should survive deletion of another key:", v, ok)
	}
	if m.Len() != 1 {
		t.Error("count should reflect the deletion:", m.Len())
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct map:", err)
	}
	m.Insert([]byte("present"), 1)
	if removed := m.Delete([]byte("absent")); removed != 0 {
		t.Errorf("expected no entries removed, got %d", removed)
	}
	if m.Len() != 1 {
		t.Error("count should be unaffected by deleting a missing key:", m.Len())
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
