package metadata

import "testing"

func TestInsertUnderTopLevel(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct metadata:", err)
	}
	node := m.InsertUnder(nil, "etc", PolicyMirror)
	if node.Path != "etc" {
		t.Error("unexpected path for top-level node:", node.Path)
	}
	if m.TotalPathCount != 1 {
		t.Error("unexpected total path count:", m.TotalPathCount)
	}
	found, ok := m.Lookup("etc")
	if !ok || found != node {
		t.Error("lookup did not return the inserted node")
	}
}

func TestInsertUnderNestedPath(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct metadata:", err)
	}
	root := m.InsertUnder(nil, "etc", PolicyNone)
	child := m.InsertUnder(root, "passwd", PolicyCopy)

	if child.Path != "etc/passwd" {
		t.Error("unexpected nested path:", child.Path)
	}
	if len(root.Subnodes) != 1 || root.Subnodes[0] != child {
		t.Error("child not registered under parent's subnodes")
	}
	found, ok := m.Lookup("etc/passwd")
	if !ok || found != child {
		t.Error("lookup did not return the nested node")
	}
}

func TestAppendHistoryOrdering(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct metadata:", err)
	}
	node := m.InsertUnder(nil, "file", PolicyTrack)

	older := &Backup{ID: 1}
	newer := &Backup{ID: 2}

	if err := m.AppendHistory(node, older, PathState{Kind: PathStateRegular, Size: 10}); err != nil {
		t.Fatal("unexpected error appending first point:", err)
	}
	if err := m.AppendHistory(node, newer, PathState{Kind: PathStateRegular, Size: 20}); err != nil {
		t.Fatal("unexpected error appending second point:", err)
	}

	if node.History.Backup.ID != 2 {
		t.Error("expected newest point at head, got backup id", node.History.Backup.ID)
	}
	if node.History.Next.Backup.ID != 1 {
		t.Error("expected older point second, got backup id", node.History.Next.Backup.ID)
	}
}

func TestAppendHistoryRejectsOutOfOrder(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct metadata:", err)
	}
	node := m.InsertUnder(nil, "file", PolicyTrack)

	newer := &Backup{ID: 5}
	older := &Backup{ID: 3}

	if err := m.AppendHistory(node, newer, PathState{Kind: PathStateRegular}); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := m.AppendHistory(node, older, PathState{Kind: PathStateRegular}); err == nil {
		t.Fatal("expected error inserting an older backup id after a newer one")
	}
}

func TestReplaceHeadKeepsSinglePoint(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct metadata:", err)
	}
	node := m.InsertUnder(nil, "file", PolicyCopy)

	first := &Backup{ID: 1}
	second := &Backup{ID: 2}

	m.ReplaceHead(node, first, PathState{Kind: PathStateRegular, Size: 1})
	m.ReplaceHead(node, second, PathState{Kind: PathStateRegular, Size: 2})

	if node.History.Backup.ID != 2 {
		t.Error("expected head to reflect most recent replace:", node.History.Backup.ID)
	}
	if node.History.Next != nil {
		t.Error("Copy policy history should never exceed one point")
	}
	if first.RefCount != 0 {
		t.Error("replaced backup should have its ref count decremented:", first.RefCount)
	}
}

func TestRemoveNodeUnregistersFromTable(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct metadata:", err)
	}
	node := m.InsertUnder(nil, "gone", PolicyNone)
	m.RemoveNode(nil, node)

	if _, ok := m.Lookup("gone"); ok {
		t.Error("removed node should no longer be reachable via lookup")
	}
	if m.TotalPathCount != 0 {
		t.Error("total path count should reflect removal:", m.TotalPathCount)
	}
}

func TestWalkIsPreOrderInsertionOrder(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct metadata:", err)
	}
	a := m.InsertUnder(nil, "a", PolicyNone)
	m.InsertUnder(nil, "b", PolicyNone)
	m.InsertUnder(a, "a1", PolicyCopy)
	m.InsertUnder(a, "a2", PolicyCopy)

	var order []string
	m.Walk(func(node *PathNode) {
		order = append(order, node.Path)
	})

	expected := []string{"a", "a/a1", "a/a2", "b"}
	if len(order) != len(expected) {
		t.Fatalf("unexpected walk length: %v", order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("unexpected walk order at %d: got %s, want %s", i, order[i], expected[i])
		}
	}
}

func TestDropHistoryTailKeepsPrefix(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal("unable to construct metadata:", err)
	}
	node := m.InsertUnder(nil, "file", PolicyTrack)

	backups := []*Backup{{ID: 1}, {ID: 2}, {ID: 3}}
	for _, b := range backups {
		if err := m.AppendHistory(node, b, PathState{Kind: PathStateRegular}); err != nil {
			t.Fatal("unexpected error appending history:", err)
		}
	}

	m.DropHistoryTail(node, 1)

	if node.History.Backup.ID != 3 {
		t.Error("expected newest point retained, got", node.History.Backup.ID)
	}
	if node.History.Next != nil {
		t.Error("expected history truncated to a single point")
	}
	if backups[0].RefCount != 0 || backups[1].RefCount != 0 {
		t.Error("dropped points should have decremented their backups' ref counts")
	}
	if backups[2].RefCount != 1 {
		t.Error("retained point should keep its backup's ref count")
	}
}
