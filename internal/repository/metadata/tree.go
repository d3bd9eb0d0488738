package metadata

import (
	"fmt"

	"github.com/nb-backup/nb/internal/digestmap"
)

// New constructs an empty Metadata tree with a fresh, zero-id current
// backup.
func New() (*Metadata, error) {
	table, err := digestmap.New()
	if err != nil {
		return nil, fmt.Errorf("unable to construct path table: %w", err)
	}
	return &Metadata{
		CurrentBackup: &Backup{},
		pathTable:     table,
	}, nil
}

// Lookup returns the node registered under path, if any, in expected O(1)
// via the path table.
func (m *Metadata) Lookup(path string) (*PathNode, bool) {
	value, ok := m.pathTable.Get([]byte(path))
	if !ok {
		return nil, false
	}
	return value.(*PathNode), true
}

// InsertUnder creates a new node named name under parent (or as a
// top-level node if parent is nil) with the given policy, registers it in
// the path table, and returns it. It is the caller's responsibility to
// ensure no node already exists at the resulting path; InsertUnder does
// not check.
func (m *Metadata) InsertUnder(parent *PathNode, name string, policy Policy) *PathNode {
	path := name
	if parent != nil {
		path = joinPath(parent.Path, name)
	}

	node := &PathNode{
		Path:   path,
		Policy: policy,
	}

	if parent != nil {
		parent.Subnodes = append(parent.Subnodes, node)
	} else {
		m.Paths = append(m.Paths, node)
	}

	m.pathTable.Insert([]byte(path), node)
	m.TotalPathCount++

	return node
}

// joinPath joins a parent's full path with a child's name, matching the
// "parent's path joined with its name" construction from the node
// definition. Top-level nodes have no parent and use their name directly
// (handled by InsertUnder before calling this).
func joinPath(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}

// AppendHistory prepends state, recorded under backup, to node's history,
// preserving invariant 3 (backup ids strictly decrease along the
// newest-first chain). It rejects an out-of-order insert: backup.ID must
// be strictly greater than the id at the current head, if any.
func (m *Metadata) AppendHistory(node *PathNode, backup *Backup, state PathState) error {
	if node.History != nil && backup.ID <= node.History.Backup.ID {
		return fmt.Errorf(
			"out-of-order history insert for %q: backup id %d does not exceed current head id %d",
			node.Path, backup.ID, node.History.Backup.ID,
		)
	}
	node.History = &HistoryPoint{
		Backup: backup,
		State:  state,
		Next:   node.History,
	}
	backup.RefCount++
	return nil
}

// ReplaceHead overwrites node's current head history point in place,
// without growing the chain. It is used by the Copy and Mirror policies,
// which keep at most one (or two, for Mirror's disappearance marker)
// history points rather than an unbounded chain. If node has no history
// yet, ReplaceHead is equivalent to AppendHistory.
func (m *Metadata) ReplaceHead(node *PathNode, backup *Backup, state PathState) {
	if node.History != nil {
		node.History.Backup.RefCount--
	}
	node.History = &HistoryPoint{
		Backup: backup,
		State:  state,
		Next:   node.History.next(),
	}
	backup.RefCount++
}

// next returns the point after h, or nil if h is nil. It exists so
// ReplaceHead can skip over the point being replaced (rather than its
// tail) without a nil-pointer dereference when history is empty.
func (h *HistoryPoint) next() *HistoryPoint {
	if h == nil {
		return nil
	}
	return h.Next
}

// DropHistoryTail truncates node's history to its first keep points,
// decrementing the ref count of every dropped point's backup. It is used
// when collapsing a Copy or Mirror node's history back down after a
// transient extra point (e.g. Mirror's disappearance marker) is no longer
// needed.
func (m *Metadata) DropHistoryTail(node *PathNode, keep int) {
	if keep < 0 {
		keep = 0
	}
	point := node.History
	for i := 0; point != nil; i++ {
		if i == keep {
			for p := point; p != nil; p = p.Next {
				p.Backup.RefCount--
			}
			if i == 0 {
				node.History = nil
			} else {
				point = nil
			}
			break
		}
		if i == keep-1 {
			tail := point.Next
			point.Next = nil
			for p := tail; p != nil; p = p.Next {
				p.Backup.RefCount--
			}
			break
		}
		point = point.Next
	}
}

// RemoveNode deletes node from the tree: it is unlinked from its parent's
// Subnodes (or the root Paths list) and removed from the path table. Its
// history's backups have their ref counts decremented accordingly. Used
// by policy None nodes once they no longer appear in the filesystem.
func (m *Metadata) RemoveNode(parent *PathNode, node *PathNode) {
	siblings := &m.Paths
	if parent != nil {
		siblings = &parent.Subnodes
	}
	for i, candidate := range *siblings {
		if candidate == node {
			*siblings = append((*siblings)[:i], (*siblings)[i+1:]...)
			break
		}
	}

	m.pathTable.Delete([]byte(node.Path))
	m.TotalPathCount--

	for p := node.History; p != nil; p = p.Next {
		p.Backup.RefCount--
	}
}

// Visitor is invoked for every node during a Walk, in pre-order.
type Visitor func(node *PathNode)

// Walk visits every node reachable from m.Paths in pre-order: a node
// before its subnodes, top-level nodes and subnodes both in insertion
// order. Tests depend on this exact ordering for deterministic hint
// reporting.
func (m *Metadata) Walk(visit Visitor) {
	for _, node := range m.Paths {
		walkNode(node, visit)
	}
}

func walkNode(node *PathNode, visit Visitor) {
	visit(node)
	for _, child := range node.Subnodes {
		walkNode(child, visit)
	}
}
