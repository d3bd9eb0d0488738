// Package metadata implements the repository's in-memory tree model: the
// set of PathNodes reachable from a Metadata root, their per-policy
// histories of observed filesystem states, and the Backup points those
// histories reference.
package metadata

import (
	"github.com/nb-backup/nb/internal/digestmap"
	"github.com/nb-backup/nb/internal/hashing"
)

// HashWidth is the fixed content digest width referenced throughout the
// model (spec's H). Regular file content at or below this size is stored
// inline rather than as an object store reference.
const HashWidth = hashing.Size

// Backup represents a single snapshot point. ID 0 denotes a backup that
// has not been assigned an id yet; changeset.New assigns the in-progress
// backup the next id (newest completed id + 1) when a pass starts, so ids
// strictly increase from one backup to the next.
type Backup struct {
	ID             uint64
	CompletionTime int64
	RefCount       uint64
}

// Policy controls how a PathNode's history is maintained across
// successive snapshots.
type Policy uint8

const (
	// PolicyNone marks a node that exists only to connect a tracked
	// descendant to the tree; it is not itself backed up.
	PolicyNone Policy = iota
	// PolicyCopy keeps a single history point, overwritten on change.
	PolicyCopy
	// PolicyMirror is like PolicyCopy but retains the last existing state
	// alongside a disappearance marker when the entity is removed.
	PolicyMirror
	// PolicyTrack prepends a new history point for every observed change.
	PolicyTrack
)

// String renders a Policy using the names above, primarily for use in
// diagnostics and test failure messages.
func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyCopy:
		return "copy"
	case PolicyMirror:
		return "mirror"
	case PolicyTrack:
		return "track"
	default:
		return "unknown"
	}
}

// PathStateKind identifies which variant of the PathState tagged union is
// populated.
type PathStateKind uint8

const (
	// PathStateNonExisting records that nothing is present at the path at
	// the corresponding backup point.
	PathStateNonExisting PathStateKind = iota
	// PathStateRegular records a regular file.
	PathStateRegular
	// PathStateSymlink records a symbolic link.
	PathStateSymlink
	// PathStateDirectory records a directory.
	PathStateDirectory
)

// RegularContentKind identifies how a Regular state's bytes are
// represented, depending on its size relative to HashWidth.
type RegularContentKind uint8

const (
	// RegularContentEmpty means size == 0: no bytes are stored anywhere.
	RegularContentEmpty RegularContentKind = iota
	// RegularContentInline means 0 < size <= HashWidth: the content is
	// stored directly in Inline.
	RegularContentInline
	// RegularContentObject means size > HashWidth: Hash and Slot identify
	// an object store entry.
	RegularContentObject
)

// RegularContent is the content descriptor of a Regular PathState.
type RegularContent struct {
	Kind RegularContentKind
	// Inline holds the file's bytes when Kind is RegularContentInline.
	// Its length equals the owning state's Size.
	Inline []byte
	// Hash holds the HashWidth-byte content digest when Kind is
	// RegularContentObject.
	Hash []byte
	// Slot holds the collision slot when Kind is RegularContentObject.
	Slot uint8
}

// PathState is a tagged union over the four kinds of entity a path can
// record at a given backup point.
type PathState struct {
	Kind PathStateKind

	// UID and GID apply to Regular, Symlink, and Directory states;
	// PermissionBits and ModificationTime apply to Regular and Directory
	// states. PermissionBits excludes the file-type bits.
	UID               uint32
	GID               uint32
	PermissionBits    uint32
	ModificationTime  int64 // seconds since epoch

	// Size and Content apply to Regular states only.
	Size    uint64
	Content RegularContent

	// Target applies to Symlink states only.
	Target []byte
}

// BackupHint is a bitset of deltas observed for a node during change
// detection against its previous recorded state.
type BackupHint uint16

const (
	HintAdded BackupHint = 1 << iota
	HintRemoved
	HintLost
	HintPolicyChanged
	HintLoose
	HintOwnerChanged
	HintPermissionsChanged
	HintTimestampChanged
	HintContentChanged
	HintFreshHash
	HintNotPartOfRepository
)

// Has reports whether every bit set in mask is also set in h.
func (h BackupHint) Has(mask BackupHint) bool {
	return h&mask == mask
}

// HistoryPoint is one entry in a PathNode's history, referencing the
// Backup under which it was recorded. Points form a newest-first singly
// linked list via Next; ids strictly decrease along that chain.
type HistoryPoint struct {
	Backup *Backup
	State  PathState
	Next   *HistoryPoint
}

// PathNode is one node in the metadata tree.
type PathNode struct {
	// Path is the node's full repository-relative path, with no trailing
	// slash. It is the join of the parent's path and this node's name.
	Path string

	Policy Policy
	Hint   BackupHint

	// History is the newest-first list of recorded states for this node.
	History *HistoryPoint

	// Subnodes are this node's direct children, in the order they were
	// first inserted.
	Subnodes []*PathNode
}

// Metadata is the root of the in-memory tree model for a repository.
type Metadata struct {
	// CurrentBackup is the in-progress backup (id 0 until changeset.New
	// assigns it a real id at the start of a pass; backup.Finish then moves
	// it into BackupHistory and replaces it with a fresh zero-id backup).
	CurrentBackup *Backup

	// BackupHistory holds completed backups, newest first.
	BackupHistory []*Backup

	// ConfigHistory tracks observed states of the selection-config file,
	// using the same history-point shape as path nodes.
	ConfigHistory *HistoryPoint

	TotalPathCount uint64

	// pathTable provides expected O(1) lookup from path to node.
	pathTable *digestmap.Map

	// Paths holds the top-level nodes, in first-insertion order.
	Paths []*PathNode
}
