// Package changeset implements the repository's change detector: given a
// metadata tree and the search stream for a backup pass, it locates or
// creates each entry's node, derives a candidate state from the observed
// filesystem entry, diffs it against the node's previously recorded
// state, and applies the result to history according to the node's
// policy.
package changeset

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/repository/metadata"
	"github.com/nb-backup/nb/internal/search"
)

// Detector drives one backup pass over a metadata tree. A Detector is
// single-pass: construct a fresh one (via New) for each backup.
type Detector struct {
	tree    *metadata.Metadata
	backup  *metadata.Backup
	touched map[*metadata.PathNode]bool
}

// New constructs a Detector for a new backup pass over tree. It assigns
// tree.CurrentBackup its id up front (one greater than the newest
// completed backup, or 1 if none exist) so that history points recorded
// during the pass satisfy the strictly-decreasing-id invariant
// immediately; the backup finisher later only needs to stamp a
// completion time and move it into BackupHistory.
func New(tree *metadata.Metadata) *Detector {
	if tree.CurrentBackup.ID == 0 {
		var next uint64 = 1
		if len(tree.BackupHistory) > 0 {
			next = tree.BackupHistory[0].ID + 1
		}
		tree.CurrentBackup.ID = next
	}
	return &Detector{
		tree:    tree,
		backup:  tree.CurrentBackup,
		touched: make(map[*metadata.PathNode]bool),
	}
}

// Observe processes one entry from a search pass, returning the node it
// affected.
func (d *Detector) Observe(entry search.Entry) (*metadata.PathNode, error) {
	node, existed := d.tree.Lookup(entry.Path)
	if !existed {
		var parent *metadata.PathNode
		if parentPath := parentOf(entry.Path); parentPath != "" {
			parent, _ = d.tree.Lookup(parentPath)
		}
		node = d.tree.InsertUnder(parent, baseOf(entry.Path), entry.Policy)
	}
	d.touched[node] = true

	var hint metadata.BackupHint
	if node.Policy != entry.Policy {
		hint |= metadata.HintPolicyChanged
		node.Policy = entry.Policy
	}

	candidate, err := deriveCandidate(entry)
	if err != nil {
		return nil, fmt.Errorf("unable to derive state for %q: %w", entry.Path, err)
	}

	previous, hasPrevious := previousState(node)
	if !hasPrevious {
		hint |= metadata.HintAdded
	} else {
		hint |= diffStates(previous, candidate)
	}
	node.Hint = hint

	switch entry.Policy {
	case metadata.PolicyNone:
		// Structural only: no content history is maintained.
	case metadata.PolicyCopy:
		if node.History == nil {
			if err := d.tree.AppendHistory(node, d.backup, candidate); err != nil {
				return nil, err
			}
		} else {
			d.tree.ReplaceHead(node, d.backup, candidate)
		}
	case metadata.PolicyMirror:
		if node.History == nil {
			if err := d.tree.AppendHistory(node, d.backup, candidate); err != nil {
				return nil, err
			}
		} else if node.History.State.Kind == metadata.PathStateNonExisting {
			d.tree.DropHistoryTail(node, 0)
			if err := d.tree.AppendHistory(node, d.backup, candidate); err != nil {
				return nil, err
			}
		} else {
			d.tree.ReplaceHead(node, d.backup, candidate)
		}
	case metadata.PolicyTrack:
		if hint != 0 || node.History == nil {
			if err := d.tree.AppendHistory(node, d.backup, candidate); err != nil {
				return nil, err
			}
		}
	}

	return node, nil
}

// Finalize processes every node that was not observed during this pass
// (i.e. whose path was not yielded by the search stream), applying
// absence semantics per policy: None nodes with no retained descendants
// are removed outright; Copy nodes keep their last recorded state with a
// cleared hint; Mirror and Track nodes keep their last recorded state and
// gain a NonExisting companion point tagged Removed or Lost respectively.
// Unobserved descendants of observed nodes are processed as well.
func (d *Detector) Finalize() error {
	return d.finalizeChildren(nil, &d.tree.Paths)
}

func (d *Detector) finalizeChildren(parent *metadata.PathNode, children *[]*metadata.PathNode) error {
	nodes := append([]*metadata.PathNode(nil), (*children)...)
	for _, node := range nodes {
		if d.touched[node] {
			if err := d.finalizeChildren(node, &node.Subnodes); err != nil {
				return err
			}
			continue
		}
		if err := d.finalizeSubtree(parent, node); err != nil {
			return err
		}
	}
	return nil
}

func (d *Detector) finalizeSubtree(parent *metadata.PathNode, node *metadata.PathNode) error {
	if err := d.finalizeChildren(node, &node.Subnodes); err != nil {
		return err
	}
	return d.applyAbsence(parent, node)
}

func (d *Detector) applyAbsence(parent *metadata.PathNode, node *metadata.PathNode) error {
	switch node.Policy {
	case metadata.PolicyNone:
		if len(node.Subnodes) == 0 {
			d.tree.RemoveNode(parent, node)
		}
	case metadata.PolicyCopy:
		// A Copy node retains its last recorded content indefinitely; the
		// spec ties Removed/Lost hints to Mirror and Track only.
		node.Hint = 0
	case metadata.PolicyMirror:
		if node.History != nil && node.History.State.Kind != metadata.PathStateNonExisting {
			node.Hint = metadata.HintRemoved
			if err := d.tree.AppendHistory(node, d.backup, metadata.PathState{Kind: metadata.PathStateNonExisting}); err != nil {
				return err
			}
		} else {
			node.Hint = 0
		}
	case metadata.PolicyTrack:
		if node.History == nil || node.History.State.Kind != metadata.PathStateNonExisting {
			node.Hint = metadata.HintLost
			if err := d.tree.AppendHistory(node, d.backup, metadata.PathState{Kind: metadata.PathStateNonExisting}); err != nil {
				return err
			}
		} else {
			node.Hint = 0
		}
	}
	return nil
}

// previousState returns the state to diff a fresh observation against:
// for Track nodes, only the freshest history point counts (matching
// Track's "compare only against the immediately preceding pass"
// semantics); for every other policy, it is the newest non-NonExisting
// point, so that Mirror's disappearance marker doesn't mask the last
// known content when the entry reappears.
func previousState(node *metadata.PathNode) (metadata.PathState, bool) {
	if node.Policy == metadata.PolicyTrack {
		if node.History == nil || node.History.State.Kind == metadata.PathStateNonExisting {
			return metadata.PathState{}, false
		}
		return node.History.State, true
	}
	for point := node.History; point != nil; point = point.Next {
		if point.State.Kind != metadata.PathStateNonExisting {
			return point.State, true
		}
	}
	return metadata.PathState{}, false
}

// deriveCandidate builds a PathState from an observed search entry. For
// symlinks it reads the link target; for regular files at or below
// HashWidth it reads the full content inline (the comparison is cheap and
// the bytes are what ultimately get stored); for larger regular files the
// content is left as an unresolved object reference for the backup
// finisher to populate.
func deriveCandidate(entry search.Entry) (metadata.PathState, error) {
	info := entry.Metadata
	state := metadata.PathState{
		UID:              info.UID,
		GID:              info.GID,
		ModificationTime: info.ModificationTime.Unix(),
	}

	switch info.Mode & filesystem.ModeTypeMask {
	case filesystem.ModeTypeDirectory:
		state.Kind = metadata.PathStateDirectory
		state.PermissionBits = uint32(info.Mode &^ filesystem.ModeTypeMask)
	case filesystem.ModeTypeSymbolicLink:
		state.Kind = metadata.PathStateSymlink
		target, err := entry.Dir.ReadSymbolicLink(entry.Name)
		if err != nil {
			return metadata.PathState{}, err
		}
		state.Target = []byte(target)
	default:
		state.Kind = metadata.PathStateRegular
		state.PermissionBits = uint32(info.Mode &^ filesystem.ModeTypeMask)
		state.Size = info.Size
		if state.Size > 0 && state.Size <= metadata.HashWidth {
			content, err := readInline(entry.Dir, entry.Name, state.Size)
			if err != nil {
				return metadata.PathState{}, err
			}
			state.Content = metadata.RegularContent{
				Kind:   metadata.RegularContentInline,
				Inline: content,
			}
		} else if state.Size > metadata.HashWidth {
			state.Content = metadata.RegularContent{Kind: metadata.RegularContentObject}
		}
	}

	return state, nil
}

func readInline(dir *filesystem.Directory, name string, size uint64) ([]byte, error) {
	file, err := dir.OpenFile(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buffer := make([]byte, size)
	if _, err := io.ReadFull(file, buffer); err != nil {
		return nil, err
	}
	return buffer, nil
}

// diffStates computes the hint bits for candidate relative to previous,
// both known to represent an entity that exists (callers handle the
// Added/Removed/Lost cases separately).
func diffStates(previous, candidate metadata.PathState) metadata.BackupHint {
	var hint metadata.BackupHint

	if previous.UID != candidate.UID || previous.GID != candidate.GID {
		hint |= metadata.HintOwnerChanged
	}

	// Permission and timestamp comparisons only apply to directories and
	// regular files; PermissionBits already excludes the S_IFMT mask.
	comparable := candidate.Kind == metadata.PathStateRegular || candidate.Kind == metadata.PathStateDirectory
	if comparable && previous.PermissionBits != candidate.PermissionBits {
		hint |= metadata.HintPermissionsChanged
	}
	if comparable && previous.ModificationTime != candidate.ModificationTime {
		hint |= metadata.HintTimestampChanged
	}

	if previous.Kind != candidate.Kind {
		hint |= metadata.HintContentChanged
		if candidate.Kind == metadata.PathStateRegular && candidate.Size > metadata.HashWidth {
			hint |= metadata.HintFreshHash
		}
		return hint
	}

	switch candidate.Kind {
	case metadata.PathStateSymlink:
		if !bytes.Equal(previous.Target, candidate.Target) {
			hint |= metadata.HintContentChanged
		}
	case metadata.PathStateRegular:
		if previous.Size != candidate.Size {
			hint |= metadata.HintContentChanged
			if candidate.Size > metadata.HashWidth {
				hint |= metadata.HintFreshHash
			}
		} else if candidate.Size > 0 && candidate.Size <= metadata.HashWidth {
			if !bytes.Equal(previous.Content.Inline, candidate.Content.Inline) {
				hint |= metadata.HintContentChanged
			}
		} else if candidate.Size > metadata.HashWidth {
			// Edge case: identical mtime and size for a large file is
			// assumed unchanged, avoiding a rehash.
			if previous.ModificationTime != candidate.ModificationTime {
				hint |= metadata.HintContentChanged | metadata.HintFreshHash
			}
		}
	}

	return hint
}

func parentOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func baseOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
